// Package metrics exposes Prometheus instruments for the webhook pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "creditd"

// Recorder holds the service's Prometheus instruments. A nil Recorder records nothing.
type Recorder struct {
	deliveries          *prometheus.CounterVec
	creditAdjustments   *prometheus.CounterVec
	processingDuration  prometheus.Histogram
	notificationsFailed prometheus.Counter
}

// NewRecorder creates the instruments and registers them with registerer.
func NewRecorder(registerer prometheus.Registerer) (*Recorder, error) {
	recorder := &Recorder{
		deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhook_deliveries_total",
				Help:      "Total number of webhook deliveries by outcome",
			},
			[]string{"outcome"},
		),
		creditAdjustments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "credit_adjustments_total",
				Help:      "Total number of ledger transitions by reason",
			},
			[]string{"reason", "applied"},
		),
		processingDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "webhook_processing_duration_seconds",
				Help:      "Duration of webhook delivery processing",
				Buckets:   prometheus.DefBuckets,
			},
		),
		notificationsFailed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transition_notifications_failed_total",
				Help:      "Total number of transition notifications that could not be published",
			},
		),
	}
	collectors := []prometheus.Collector{
		recorder.deliveries,
		recorder.creditAdjustments,
		recorder.processingDuration,
		recorder.notificationsFailed,
	}
	for _, collector := range collectors {
		if err := registerer.Register(collector); err != nil {
			return nil, err
		}
	}
	return recorder, nil
}

// ObserveDelivery counts one delivery and its processing time.
func (recorder *Recorder) ObserveDelivery(outcome string, elapsed time.Duration) {
	if recorder == nil {
		return
	}
	recorder.deliveries.WithLabelValues(outcome).Inc()
	recorder.processingDuration.Observe(elapsed.Seconds())
}

// ObserveTransition counts one ledger transition.
func (recorder *Recorder) ObserveTransition(reason string, applied bool) {
	if recorder == nil {
		return
	}
	appliedLabel := "false"
	if applied {
		appliedLabel = "true"
	}
	recorder.creditAdjustments.WithLabelValues(reason, appliedLabel).Inc()
}

// NotificationFailed counts a publish failure.
func (recorder *Recorder) NotificationFailed() {
	if recorder == nil {
		return
	}
	recorder.notificationsFailed.Inc()
}
