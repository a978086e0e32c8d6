// Package webhook turns signed scheduling notifications into credit ledger transitions.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/meetingcredits/internal/metrics"
	"github.com/MarkoPoloResearchLab/meetingcredits/internal/notify"
	"github.com/MarkoPoloResearchLab/meetingcredits/internal/signature"
	"github.com/MarkoPoloResearchLab/meetingcredits/pkg/credits"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

const (
	defaultStoreTimeout  = 5 * time.Second
	defaultNotifyTimeout = 2 * time.Second
	spanName             = "webhook.process"
)

var (
	ErrUnauthorized           = errors.New("unauthorized delivery")
	ErrInvalidProcessorConfig = errors.New("invalid processor config")
)

// Disposition is the business result of a delivery that did not fail.
type Disposition int

const (
	DispositionProcessed Disposition = iota + 1
	DispositionIgnored
)

// Result describes an acknowledged delivery.
type Result struct {
	Disposition Disposition
	Message     string
	Transition  *credits.Transition
}

// EventApplier applies a resolved invitee event to the ledger.
type EventApplier interface {
	ApplyInviteeEvent(ctx context.Context, event credits.InviteeEvent) (credits.Transition, error)
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) ProcessorOption {
	return func(processor *Processor) {
		if logger != nil {
			processor.logger = logger
		}
	}
}

// WithMetrics sets the Prometheus recorder.
func WithMetrics(recorder *metrics.Recorder) ProcessorOption {
	return func(processor *Processor) {
		processor.recorder = recorder
	}
}

// WithTracer sets the tracer used for pipeline spans.
func WithTracer(tracer trace.Tracer) ProcessorOption {
	return func(processor *Processor) {
		if tracer != nil {
			processor.tracer = tracer
		}
	}
}

// WithPublisher sets the transition publisher.
func WithPublisher(publisher notify.Publisher) ProcessorOption {
	return func(processor *Processor) {
		if publisher != nil {
			processor.publisher = publisher
		}
	}
}

// WithStoreTimeout bounds directory and ledger calls for one delivery.
func WithStoreTimeout(timeout time.Duration) ProcessorOption {
	return func(processor *Processor) {
		if timeout > 0 {
			processor.storeTimeout = timeout
		}
	}
}

// Processor runs verify, normalize, resolve and apply for one delivery.
type Processor struct {
	verifier     *signature.Verifier
	normalizer   *Normalizer
	directory    credits.UserDirectory
	applier      EventApplier
	publisher    notify.Publisher
	recorder     *metrics.Recorder
	tracer       trace.Tracer
	logger       *zap.Logger
	storeTimeout time.Duration
}

// NewProcessor wires a Processor.
func NewProcessor(verifier *signature.Verifier, directory credits.UserDirectory, applier EventApplier, options ...ProcessorOption) (*Processor, error) {
	if verifier == nil {
		return nil, fmt.Errorf("%w: verifier is nil", ErrInvalidProcessorConfig)
	}
	if directory == nil {
		return nil, fmt.Errorf("%w: directory is nil", ErrInvalidProcessorConfig)
	}
	if applier == nil {
		return nil, fmt.Errorf("%w: applier is nil", ErrInvalidProcessorConfig)
	}
	processor := &Processor{
		verifier:     verifier,
		normalizer:   NewNormalizer(),
		directory:    directory,
		applier:      applier,
		publisher:    notify.Nop{},
		tracer:       noop.NewTracerProvider().Tracer(""),
		logger:       zap.NewNop(),
		storeTimeout: defaultStoreTimeout,
	}
	for _, option := range options {
		if option != nil {
			option(processor)
		}
	}
	return processor, nil
}

// Process handles one raw delivery. Errors wrap ErrUnauthorized, ErrInvalidJSON,
// ErrUnrecognizedPayload, or a store failure.
func (processor *Processor) Process(ctx context.Context, rawBody []byte, signatureHeader string) (Result, error) {
	startedAt := time.Now()
	ctx, span := processor.tracer.Start(ctx, spanName)
	defer span.End()

	result, err := processor.process(ctx, span, rawBody, signatureHeader)
	outcome := outcomeLabel(result, err)
	processor.recorder.ObserveDelivery(outcome, time.Since(startedAt))
	span.SetAttributes(attribute.String("webhook.outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	return result, err
}

func (processor *Processor) process(ctx context.Context, span trace.Span, rawBody []byte, signatureHeader string) (Result, error) {
	if err := processor.verifier.Verify(rawBody, signatureHeader); err != nil {
		processor.logger.Warn("webhook signature rejected", zap.Error(err))
		return Result{}, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}

	normalized, err := processor.normalizer.Normalize(rawBody)
	if err != nil {
		processor.logger.Warn("webhook payload rejected", zap.Error(err))
		return Result{}, err
	}
	span.SetAttributes(attribute.String("webhook.event", normalized.EventName))
	switch normalized.Status {
	case StatusIgnoredUnsupported:
		processor.logger.Info("webhook event ignored", zap.String("event", normalized.EventName), zap.String("reason", normalized.Reason))
		return Result{Disposition: DispositionIgnored, Message: "unsupported event"}, nil
	case StatusIgnoredIncomplete:
		processor.logger.Info("webhook event ignored", zap.String("event", normalized.EventName), zap.String("reason", normalized.Reason))
		return Result{Disposition: DispositionIgnored, Message: "incomplete payload"}, nil
	}
	notification := normalized.Notification
	span.SetAttributes(attribute.String("reservation.id", notification.ReservationID.String()))

	storeCtx, cancel := context.WithTimeout(ctx, processor.storeTimeout)
	defer cancel()

	userID, err := processor.directory.FindUserIDByEmail(storeCtx, notification.InviteeEmail)
	if errors.Is(err, credits.ErrUserNotFound) {
		processor.logger.Warn("webhook invitee has no account",
			zap.String("event", normalized.EventName),
			zap.String("reservation_id", notification.ReservationID.String()),
		)
		return Result{Disposition: DispositionIgnored, Message: "user not found"}, nil
	}
	if err != nil {
		processor.logger.Error("webhook user lookup failed", zap.Error(err))
		return Result{}, err
	}

	transition, err := processor.applier.ApplyInviteeEvent(storeCtx, credits.InviteeEvent{
		Kind:               notification.Kind,
		ReservationID:      notification.ReservationID,
		UserID:             userID,
		InviteeEmail:       notification.InviteeEmail,
		ScheduledSessionID: notification.ScheduledSessionID,
		RawPayload:         notification.RawPayload,
	})
	if err != nil {
		processor.logger.Error("webhook ledger update failed",
			zap.String("event", normalized.EventName),
			zap.String("reservation_id", notification.ReservationID.String()),
			zap.Error(err),
		)
		return Result{}, err
	}
	processor.recorder.ObserveTransition(transition.Reason, transition.Applied)
	span.SetAttributes(
		attribute.String("reservation.reason", transition.Reason),
		attribute.Bool("reservation.applied", transition.Applied),
	)
	processor.logger.Info("webhook event processed",
		zap.String("event", normalized.EventName),
		zap.String("reservation_id", transition.ReservationID.String()),
		zap.String("user_id", transition.UserID.String()),
		zap.String("reason", transition.Reason),
		zap.Bool("applied", transition.Applied),
	)
	if transition.Applied {
		processor.publish(ctx, transition)
	}
	return Result{Disposition: DispositionProcessed, Message: "processed", Transition: &transition}, nil
}

// publish runs after commit; failures are logged and never change the delivery result.
func (processor *Processor) publish(ctx context.Context, transition credits.Transition) {
	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultNotifyTimeout)
	defer cancel()
	if err := processor.publisher.PublishTransition(publishCtx, transition); err != nil {
		processor.recorder.NotificationFailed()
		processor.logger.Warn("transition notification failed",
			zap.String("reservation_id", transition.ReservationID.String()),
			zap.Error(err),
		)
	}
}

func outcomeLabel(result Result, err error) string {
	switch {
	case err == nil && result.Disposition == DispositionProcessed:
		return "processed"
	case err == nil:
		return "ignored"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrInvalidJSON), errors.Is(err, ErrUnrecognizedPayload):
		return "bad_request"
	default:
		return "failed"
	}
}
