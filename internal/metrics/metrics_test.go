package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorderCountsDeliveriesAndTransitions(test *testing.T) {
	test.Parallel()
	registry := prometheus.NewRegistry()
	recorder, err := NewRecorder(registry)
	if err != nil {
		test.Fatalf("new recorder: %v", err)
	}
	recorder.ObserveDelivery("processed", 10*time.Millisecond)
	recorder.ObserveDelivery("processed", 20*time.Millisecond)
	recorder.ObserveDelivery("unauthorized", time.Millisecond)
	recorder.ObserveTransition("inserted", true)
	recorder.ObserveTransition("duplicate", false)
	recorder.NotificationFailed()

	if got := testutil.ToFloat64(recorder.deliveries.WithLabelValues("processed")); got != 2 {
		test.Fatalf("expected 2 processed deliveries, got %v", got)
	}
	if got := testutil.ToFloat64(recorder.creditAdjustments.WithLabelValues("inserted", "true")); got != 1 {
		test.Fatalf("expected 1 applied insert, got %v", got)
	}
	if got := testutil.ToFloat64(recorder.notificationsFailed); got != 1 {
		test.Fatalf("expected 1 failed notification, got %v", got)
	}
	if got := testutil.CollectAndCount(recorder.processingDuration); got != 1 {
		test.Fatalf("expected a single histogram series, got %d", got)
	}
}

func TestRecorderRejectsDuplicateRegistration(test *testing.T) {
	test.Parallel()
	registry := prometheus.NewRegistry()
	if _, err := NewRecorder(registry); err != nil {
		test.Fatalf("first registration: %v", err)
	}
	if _, err := NewRecorder(registry); err == nil {
		test.Fatalf("expected duplicate registration error")
	}
}

func TestNilRecorderIsSafe(test *testing.T) {
	test.Parallel()
	var recorder *Recorder
	recorder.ObserveDelivery("processed", time.Millisecond)
	recorder.ObserveTransition("inserted", true)
	recorder.NotificationFailed()
}
