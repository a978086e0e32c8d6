package credits

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// UserID identifies a credit account owner.
type UserID struct {
	value string
}

// ReservationID is the externally assigned invitee reservation key.
type ReservationID struct {
	value string
}

// EmailAddress is a trimmed, lower-cased email.
type EmailAddress struct {
	value string
}

// ScheduledSessionID identifies the remote session a reservation books.
type ScheduledSessionID struct {
	value string
}

// RawPayload stores the last seen event payload for audit.
type RawPayload struct {
	value string
}

// CreditBalance is a non-negative number of remaining meeting credits.
type CreditBalance int64

// CreditDelta is a signed, non-zero credit adjustment.
type CreditDelta int64

// ReservationStatus defines the reservation lifecycle.
type ReservationStatus string

const (
	ReservationStatusAbsent   ReservationStatus = "absent"
	ReservationStatusActive   ReservationStatus = "active"
	ReservationStatusCanceled ReservationStatus = "canceled"
)

// EventKind enumerates the invitee events the ledger reacts to.
type EventKind string

const (
	EventInviteeCreated  EventKind = "invitee.created"
	EventInviteeCanceled EventKind = "invitee.canceled"
)

// InsertOutcome tags the result of a reservation insert.
type InsertOutcome int

const (
	InsertOutcomeInserted InsertOutcome = iota + 1
	InsertOutcomeAlreadyExists
)

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// NewReservationID validates and normalizes a reservation id.
func NewReservationID(raw string) (ReservationID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ReservationID{}, fmt.Errorf("%w: empty value", ErrInvalidReservationID)
	}
	return ReservationID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ReservationID) String() string {
	return id.value
}

// NewEmailAddress trims and lower-cases an email. Lookups compare normalized values only.
func NewEmailAddress(raw string) (EmailAddress, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	if normalized == "" {
		return EmailAddress{}, fmt.Errorf("%w: empty value", ErrInvalidEmailAddress)
	}
	if !strings.Contains(normalized, "@") {
		return EmailAddress{}, fmt.Errorf("%w: missing @", ErrInvalidEmailAddress)
	}
	return EmailAddress{value: normalized}, nil
}

// String returns the normalized address.
func (email EmailAddress) String() string {
	return email.value
}

// NewScheduledSessionID validates a scheduled session identifier.
func NewScheduledSessionID(raw string) (ScheduledSessionID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ScheduledSessionID{}, fmt.Errorf("%w: empty value", ErrInvalidScheduledSessionID)
	}
	return ScheduledSessionID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ScheduledSessionID) String() string {
	return id.value
}

// NewRawPayload validates a payload blob (defaulting to "{}" for empty inputs).
func NewRawPayload(raw string) (RawPayload, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" || normalized == "null" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return RawPayload{}, fmt.Errorf("%w: must be valid json", ErrInvalidRawPayload)
	}
	return RawPayload{value: normalized}, nil
}

// String returns the JSON blob.
func (payload RawPayload) String() string {
	if payload.value == "" {
		return "{}"
	}
	return payload.value
}

// NewCreditBalance validates a stored balance.
func NewCreditBalance(raw int64) (CreditBalance, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidCreditBalance)
	}
	return CreditBalance(raw), nil
}

// ClampCreditBalance floors a raw value at zero.
func ClampCreditBalance(raw int64) CreditBalance {
	if raw < 0 {
		return 0
	}
	return CreditBalance(raw)
}

// Int64 exposes the raw value.
func (balance CreditBalance) Int64() int64 {
	return int64(balance)
}

// Apply adds a delta and clamps the result at zero.
func (balance CreditBalance) Apply(delta CreditDelta) CreditBalance {
	return ClampCreditBalance(balance.Int64() + delta.Int64())
}

// NewCreditDelta validates an adjustment.
func NewCreditDelta(raw int64) (CreditDelta, error) {
	if raw == 0 {
		return 0, fmt.Errorf("%w: must not be zero", ErrInvalidCreditDelta)
	}
	return CreditDelta(raw), nil
}

// Int64 exposes the raw value.
func (delta CreditDelta) Int64() int64 {
	return int64(delta)
}

// ParseReservationStatus validates a stored status value.
func ParseReservationStatus(raw string) (ReservationStatus, error) {
	switch ReservationStatus(strings.TrimSpace(raw)) {
	case ReservationStatusActive:
		return ReservationStatusActive, nil
	case ReservationStatusCanceled:
		return ReservationStatusCanceled, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidReservationStatus, raw)
	}
}

// String returns the status value.
func (status ReservationStatus) String() string {
	return string(status)
}

// ParseEventKind recognizes the handled invitee events.
func ParseEventKind(raw string) (EventKind, error) {
	switch EventKind(raw) {
	case EventInviteeCreated:
		return EventInviteeCreated, nil
	case EventInviteeCanceled:
		return EventInviteeCanceled, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedEvent, raw)
	}
}

// IsInviteeEvent reports whether an event name belongs to the invitee family.
func IsInviteeEvent(raw string) bool {
	return strings.HasPrefix(raw, inviteeEventPrefix)
}

// String returns the event name.
func (kind EventKind) String() string {
	return string(kind)
}

// String returns a stable label for logs.
func (outcome InsertOutcome) String() string {
	switch outcome {
	case InsertOutcomeInserted:
		return "inserted"
	case InsertOutcomeAlreadyExists:
		return "already_exists"
	default:
		return "unknown"
	}
}

// ReservationRecord is one row of the reservation ledger.
type ReservationRecord struct {
	reservationID      ReservationID
	userID             UserID
	inviteeEmail       EmailAddress
	scheduledSessionID *ScheduledSessionID
	status             ReservationStatus
	rawPayload         RawPayload
	updatedUnixUTC     int64
}

// NewReservationRecord validates a reservation row.
func NewReservationRecord(reservationID ReservationID, userID UserID, inviteeEmail EmailAddress, scheduledSessionID *ScheduledSessionID, status ReservationStatus, rawPayload RawPayload, updatedUnixUTC int64) (ReservationRecord, error) {
	if reservationID.String() == "" {
		return ReservationRecord{}, fmt.Errorf("%w: empty value", ErrInvalidReservationID)
	}
	if userID.String() == "" {
		return ReservationRecord{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if _, err := ParseReservationStatus(status.String()); err != nil {
		return ReservationRecord{}, err
	}
	return ReservationRecord{
		reservationID:      reservationID,
		userID:             userID,
		inviteeEmail:       inviteeEmail,
		scheduledSessionID: scheduledSessionID,
		status:             status,
		rawPayload:         rawPayload,
		updatedUnixUTC:     updatedUnixUTC,
	}, nil
}

func (record ReservationRecord) ReservationID() ReservationID { return record.reservationID }
func (record ReservationRecord) UserID() UserID               { return record.userID }
func (record ReservationRecord) InviteeEmail() EmailAddress   { return record.inviteeEmail }
func (record ReservationRecord) Status() ReservationStatus    { return record.status }
func (record ReservationRecord) RawPayload() RawPayload       { return record.rawPayload }
func (record ReservationRecord) UpdatedUnixUTC() int64        { return record.updatedUnixUTC }

// ScheduledSessionID returns the booked session, if known.
func (record ReservationRecord) ScheduledSessionID() (ScheduledSessionID, bool) {
	if record.scheduledSessionID == nil {
		return ScheduledSessionID{}, false
	}
	return *record.scheduledSessionID, true
}

// ReservationUpdate describes a compare-and-set status change.
type ReservationUpdate struct {
	ReservationID      ReservationID
	From               ReservationStatus
	To                 ReservationStatus
	RawPayload         RawPayload
	ReplaceSession     bool
	ScheduledSessionID *ScheduledSessionID
	UpdatedUnixUTC     int64
}

// CreditAccount is a user's balance row.
type CreditAccount struct {
	UserID         UserID
	Remaining      CreditBalance
	UpdatedUnixUTC int64
}

// InviteeEvent is a normalized notification bound to a resolved user.
type InviteeEvent struct {
	Kind               EventKind
	ReservationID      ReservationID
	UserID             UserID
	InviteeEmail       EmailAddress
	ScheduledSessionID *ScheduledSessionID
	RawPayload         RawPayload
}

// Transition reports what ApplyInviteeEvent did.
type Transition struct {
	ReservationID ReservationID
	UserID        UserID
	From          ReservationStatus
	To            ReservationStatus
	Delta         CreditDelta
	Applied       bool
	Reason        string
	Remaining     CreditBalance
}

// Store is the persistence contract used by Service.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetReservation(ctx context.Context, reservationID ReservationID) (ReservationRecord, error)
	InsertReservation(ctx context.Context, record ReservationRecord) (InsertOutcome, error)
	UpdateReservationStatus(ctx context.Context, update ReservationUpdate) error
	GetCreditAccount(ctx context.Context, userID UserID) (CreditAccount, bool, error)
	SetCredits(ctx context.Context, userID UserID, remaining CreditBalance, atUnixUTC int64) (CreditBalance, error)
	AdjustCredits(ctx context.Context, userID UserID, delta CreditDelta, initial CreditBalance, atUnixUTC int64) (CreditBalance, error)
	ListCreditAccounts(ctx context.Context, limit int) ([]CreditAccount, error)
}

// UserDirectory resolves verified emails to local users.
type UserDirectory interface {
	FindUserIDByEmail(ctx context.Context, email EmailAddress) (UserID, error)
}
