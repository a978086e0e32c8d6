package webhook

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/meetingcredits/pkg/credits"
	"github.com/go-playground/validator/v10"
)

var (
	ErrInvalidJSON         = errors.New("invalid json")
	ErrUnrecognizedPayload = errors.New("unrecognized payload")
)

// Status classifies a parsed delivery.
type Status int

const (
	StatusHandled Status = iota + 1
	StatusIgnoredUnsupported
	StatusIgnoredIncomplete
)

// String returns a stable label for logs and metrics.
func (status Status) String() string {
	switch status {
	case StatusHandled:
		return "handled"
	case StatusIgnoredUnsupported:
		return "ignored_unsupported"
	case StatusIgnoredIncomplete:
		return "ignored_incomplete"
	default:
		return "unknown"
	}
}

// Notification is a typed invitee event that has not been bound to a user yet.
type Notification struct {
	Kind               credits.EventKind
	ReservationID      credits.ReservationID
	InviteeEmail       credits.EmailAddress
	ScheduledSessionID *credits.ScheduledSessionID
	RawPayload         credits.RawPayload
}

// NormalizeResult is the outcome of Normalize; Notification is set only for StatusHandled.
type NormalizeResult struct {
	Status       Status
	EventName    string
	Reason       string
	Notification Notification
}

type envelope struct {
	Event   *string         `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type inviteePayload struct {
	URI            *string         `json:"uri"`
	Email          *string         `json:"email"`
	ScheduledEvent json.RawMessage `json:"scheduled_event"`
}

type scheduledEvent struct {
	URI string `json:"uri"`
}

// Normalizer turns raw deliveries into typed notifications.
type Normalizer struct {
	validate *validator.Validate
}

// NewNormalizer builds a Normalizer.
func NewNormalizer() *Normalizer {
	return &Normalizer{validate: validator.New()}
}

// Normalize parses a raw delivery body.
func (normalizer *Normalizer) Normalize(rawBody []byte) (NormalizeResult, error) {
	if !json.Valid(rawBody) {
		return NormalizeResult{}, ErrInvalidJSON
	}
	var parsed envelope
	if err := json.Unmarshal(rawBody, &parsed); err != nil {
		return NormalizeResult{}, fmt.Errorf("%w: %v", ErrUnrecognizedPayload, err)
	}
	if parsed.Event == nil {
		return NormalizeResult{}, fmt.Errorf("%w: missing event", ErrUnrecognizedPayload)
	}
	eventName := strings.TrimSpace(*parsed.Event)
	result := NormalizeResult{EventName: eventName}

	if !credits.IsInviteeEvent(eventName) {
		result.Status = StatusIgnoredUnsupported
		result.Reason = "not an invitee event"
		return result, nil
	}
	kind, err := credits.ParseEventKind(eventName)
	if err != nil {
		result.Status = StatusIgnoredUnsupported
		result.Reason = "unhandled invitee event"
		return result, nil
	}

	if isNullJSON(parsed.Payload) {
		result.Status = StatusIgnoredIncomplete
		result.Reason = "missing payload"
		return result, nil
	}
	var payload inviteePayload
	if err := json.Unmarshal(parsed.Payload, &payload); err != nil {
		return NormalizeResult{}, fmt.Errorf("%w: payload: %v", ErrUnrecognizedPayload, err)
	}
	if payload.URI == nil || payload.Email == nil {
		result.Status = StatusIgnoredIncomplete
		result.Reason = "missing uri or email"
		return result, nil
	}
	reservationID, err := credits.NewReservationID(*payload.URI)
	if err != nil {
		result.Status = StatusIgnoredIncomplete
		result.Reason = "empty uri"
		return result, nil
	}
	trimmedEmail := strings.TrimSpace(*payload.Email)
	if err := normalizer.validate.Var(trimmedEmail, "required,email"); err != nil {
		result.Status = StatusIgnoredIncomplete
		result.Reason = "invalid email"
		return result, nil
	}
	email, err := credits.NewEmailAddress(trimmedEmail)
	if err != nil {
		result.Status = StatusIgnoredIncomplete
		result.Reason = "invalid email"
		return result, nil
	}
	rawPayload, err := credits.NewRawPayload(string(parsed.Payload))
	if err != nil {
		return NormalizeResult{}, fmt.Errorf("%w: payload: %v", ErrUnrecognizedPayload, err)
	}

	result.Status = StatusHandled
	result.Notification = Notification{
		Kind:               kind,
		ReservationID:      reservationID,
		InviteeEmail:       email,
		ScheduledSessionID: scheduledSessionID(payload.ScheduledEvent),
		RawPayload:         rawPayload,
	}
	return result, nil
}

// The scheduled session is informational; a missing or oddly shaped value is dropped.
func scheduledSessionID(raw json.RawMessage) *credits.ScheduledSessionID {
	if isNullJSON(raw) {
		return nil
	}
	var event scheduledEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return nil
	}
	sessionID, err := credits.NewScheduledSessionID(event.URI)
	if err != nil {
		return nil
	}
	return &sessionID
}

func isNullJSON(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
