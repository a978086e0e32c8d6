package webhook

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/meetingcredits/internal/metrics"
	"github.com/MarkoPoloResearchLab/meetingcredits/internal/signature"
	"github.com/MarkoPoloResearchLab/meetingcredits/pkg/credits"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const (
	processorSigningKey = "processor-key"
	createdBody         = `{"event":"invitee.created","payload":{"uri":"R1","email":"A@X.com"}}`
)

type stubDirectory struct {
	userID credits.UserID
	err    error
	calls  int
}

func (directory *stubDirectory) FindUserIDByEmail(ctx context.Context, email credits.EmailAddress) (credits.UserID, error) {
	directory.calls++
	if directory.err != nil {
		return credits.UserID{}, directory.err
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		return credits.UserID{}, errors.New("expected store deadline")
	}
	return directory.userID, nil
}

type stubApplier struct {
	transition credits.Transition
	err        error
	events     []credits.InviteeEvent
}

func (applier *stubApplier) ApplyInviteeEvent(_ context.Context, event credits.InviteeEvent) (credits.Transition, error) {
	applier.events = append(applier.events, event)
	if applier.err != nil {
		return credits.Transition{}, applier.err
	}
	return applier.transition, nil
}

type stubPublisher struct {
	mutex       sync.Mutex
	err         error
	transitions []credits.Transition
}

func (publisher *stubPublisher) PublishTransition(_ context.Context, transition credits.Transition) error {
	publisher.mutex.Lock()
	defer publisher.mutex.Unlock()
	publisher.transitions = append(publisher.transitions, transition)
	return publisher.err
}

func (publisher *stubPublisher) Close() error { return nil }

func TestProcessAppliesResolvedEvent(test *testing.T) {
	test.Parallel()
	directory := &stubDirectory{userID: mustUserID(test, "user-1")}
	applier := &stubApplier{transition: credits.Transition{Applied: true, Delta: -1, Reason: "inserted", To: credits.ReservationStatusActive}}
	publisher := &stubPublisher{}
	processor := mustProcessor(test, signature.Disabled(), directory, applier, WithPublisher(publisher))

	result, err := processor.Process(context.Background(), []byte(createdBody), "")
	if err != nil {
		test.Fatalf("process: %v", err)
	}
	if result.Disposition != DispositionProcessed || result.Transition == nil {
		test.Fatalf("unexpected result: %+v", result)
	}
	if len(applier.events) != 1 {
		test.Fatalf("expected one applied event, got %d", len(applier.events))
	}
	event := applier.events[0]
	if event.UserID.String() != "user-1" || event.InviteeEmail.String() != "a@x.com" || event.Kind != credits.EventInviteeCreated {
		test.Fatalf("unexpected event: %+v", event)
	}
	if len(publisher.transitions) != 1 {
		test.Fatalf("expected one notification, got %d", len(publisher.transitions))
	}
}

func TestProcessSkipsNotificationForNoop(test *testing.T) {
	test.Parallel()
	applier := &stubApplier{transition: credits.Transition{Reason: "duplicate"}}
	publisher := &stubPublisher{}
	processor := mustProcessor(test, signature.Disabled(), &stubDirectory{userID: mustUserID(test, "user-1")}, applier, WithPublisher(publisher))

	result, err := processor.Process(context.Background(), []byte(createdBody), "")
	if err != nil {
		test.Fatalf("process: %v", err)
	}
	if result.Disposition != DispositionProcessed {
		test.Fatalf("expected processed, got %+v", result)
	}
	if len(publisher.transitions) != 0 {
		test.Fatalf("expected no notification for a no-op")
	}
}

func TestProcessPublishFailureDoesNotFailDelivery(test *testing.T) {
	test.Parallel()
	registry := prometheus.NewRegistry()
	recorder, err := metrics.NewRecorder(registry)
	if err != nil {
		test.Fatalf("recorder: %v", err)
	}
	applier := &stubApplier{transition: credits.Transition{Applied: true, Delta: -1, Reason: "inserted", To: credits.ReservationStatusActive}}
	publisher := &stubPublisher{err: errors.New("broker down")}
	processor := mustProcessor(test, signature.Disabled(), &stubDirectory{userID: mustUserID(test, "user-1")}, applier,
		WithPublisher(publisher), WithMetrics(recorder))

	if _, err := processor.Process(context.Background(), []byte(createdBody), ""); err != nil {
		test.Fatalf("expected delivery to succeed, got %v", err)
	}
	families, err := registry.Gather()
	if err != nil {
		test.Fatalf("gather: %v", err)
	}
	found := false
	for _, family := range families {
		if family.GetName() == "creditd_transition_notifications_failed_total" {
			found = family.GetMetric()[0].GetCounter().GetValue() == 1
		}
	}
	if !found {
		test.Fatalf("expected failed notification to be counted")
	}
	count, err := testutil.GatherAndCount(registry, "creditd_webhook_deliveries_total")
	if err != nil {
		test.Fatalf("gather and count: %v", err)
	}
	if count != 1 {
		test.Fatalf("expected one delivery series, got %d", count)
	}
}

func TestProcessErrorsAndIgnores(test *testing.T) {
	test.Parallel()
	errStoreDown := errors.New("store down")
	verifier, err := signature.NewVerifier(signature.Config{SigningKey: processorSigningKey})
	if err != nil {
		test.Fatalf("verifier: %v", err)
	}
	testCases := []struct {
		name            string
		verifier        *signature.Verifier
		body            string
		header          string
		directory       *stubDirectory
		applier         *stubApplier
		wantErr         error
		wantDisposition Disposition
		wantApplyCalls  int
	}{
		{name: "bad signature", verifier: verifier, body: createdBody, header: "t=1,v1=00", wantErr: ErrUnauthorized},
		{name: "missing signature", verifier: verifier, body: createdBody, wantErr: signature.ErrMalformedHeader},
		{name: "valid signature", verifier: verifier, body: createdBody, header: signature.Sign(processorSigningKey, []byte(createdBody), time.Now()), wantDisposition: DispositionProcessed, wantApplyCalls: 1},
		{name: "invalid json", verifier: signature.Disabled(), body: `{`, wantErr: ErrInvalidJSON},
		{name: "unsupported", verifier: signature.Disabled(), body: `{"event":"invitee.rescheduled","payload":{}}`, wantDisposition: DispositionIgnored},
		{name: "user not found", verifier: signature.Disabled(), body: createdBody, directory: &stubDirectory{err: credits.WrapError("store", "directory", "lookup", credits.ErrUserNotFound)}, wantDisposition: DispositionIgnored},
		{name: "directory failure", verifier: signature.Disabled(), body: createdBody, directory: &stubDirectory{err: errStoreDown}, wantErr: errStoreDown},
		{name: "ledger failure", verifier: signature.Disabled(), body: createdBody, applier: &stubApplier{err: errStoreDown}, wantErr: errStoreDown, wantApplyCalls: 1},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			directory := testCase.directory
			if directory == nil {
				directory = &stubDirectory{userID: mustUserID(test, "user-1")}
			}
			applier := testCase.applier
			if applier == nil {
				applier = &stubApplier{transition: credits.Transition{Reason: "duplicate"}}
			}
			processor := mustProcessor(test, testCase.verifier, directory, applier)
			result, err := processor.Process(context.Background(), []byte(testCase.body), testCase.header)
			if testCase.wantErr != nil {
				if !errors.Is(err, testCase.wantErr) {
					test.Fatalf("expected %v, got %v", testCase.wantErr, err)
				}
			} else {
				if err != nil {
					test.Fatalf("unexpected error: %v", err)
				}
				if result.Disposition != testCase.wantDisposition {
					test.Fatalf("expected disposition %d, got %d", testCase.wantDisposition, result.Disposition)
				}
			}
			if len(applier.events) != testCase.wantApplyCalls {
				test.Fatalf("expected %d apply calls, got %d", testCase.wantApplyCalls, len(applier.events))
			}
		})
	}
}

func TestProcessLogsMissingUserAtWarn(test *testing.T) {
	test.Parallel()
	core, recorded := observer.New(zapcore.DebugLevel)
	directory := &stubDirectory{err: credits.ErrUserNotFound}
	processor := mustProcessor(test, signature.Disabled(), directory, &stubApplier{}, WithLogger(zap.New(core)))
	if _, err := processor.Process(context.Background(), []byte(createdBody), ""); err != nil {
		test.Fatalf("process: %v", err)
	}
	warnings := recorded.FilterLevelExact(zapcore.WarnLevel).All()
	if len(warnings) != 1 || warnings[0].ContextMap()["reservation_id"] != "R1" {
		test.Fatalf("expected one warning with reservation id, got %+v", warnings)
	}
}

func TestNewProcessorValidatesDependencies(test *testing.T) {
	test.Parallel()
	directory := &stubDirectory{}
	applier := &stubApplier{}
	if _, err := NewProcessor(nil, directory, applier); !errors.Is(err, ErrInvalidProcessorConfig) {
		test.Fatalf("expected ErrInvalidProcessorConfig for nil verifier, got %v", err)
	}
	if _, err := NewProcessor(signature.Disabled(), nil, applier); !errors.Is(err, ErrInvalidProcessorConfig) {
		test.Fatalf("expected ErrInvalidProcessorConfig for nil directory, got %v", err)
	}
	if _, err := NewProcessor(signature.Disabled(), directory, nil); !errors.Is(err, ErrInvalidProcessorConfig) {
		test.Fatalf("expected ErrInvalidProcessorConfig for nil applier, got %v", err)
	}
}

func mustProcessor(test *testing.T, verifier *signature.Verifier, directory credits.UserDirectory, applier EventApplier, options ...ProcessorOption) *Processor {
	test.Helper()
	processor, err := NewProcessor(verifier, directory, applier, options...)
	if err != nil {
		test.Fatalf("new processor: %v", err)
	}
	return processor
}

func mustUserID(test *testing.T, raw string) credits.UserID {
	test.Helper()
	value, err := credits.NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return value
}
