package credits

import (
	"context"
	"errors"
	"fmt"
)

const (
	bookingDelta      CreditDelta = -1
	cancellationDelta CreditDelta = 1

	maxListAccountsLimit = 500
)

// Service contains the reservation ledger and credit account logic over a Store.
type Service struct {
	store          Store
	nowFn          func() int64
	defaultBalance CreditBalance
	logger         OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:          store,
		nowFn:          now,
		defaultBalance: CreditBalance(DefaultRemainingCredits),
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	if service.defaultBalance < 0 {
		return nil, fmt.Errorf("%w: default balance is negative", ErrInvalidServiceConfig)
	}
	return service, nil
}

// DefaultBalance returns the balance reported for accounts without a row.
func (service *Service) DefaultBalance() CreditBalance {
	return service.defaultBalance
}

// Balance returns the stored balance, or the default when the user has no row.
// It never creates a row.
func (service *Service) Balance(ctx context.Context, userID UserID) (CreditBalance, error) {
	account, found, err := service.store.GetCreditAccount(ctx, userID)
	if err != nil {
		return 0, err
	}
	if !found {
		return service.defaultBalance, nil
	}
	return account.Remaining, nil
}

// SetBalance upserts an absolute balance, clamped at zero.
func (service *Service) SetBalance(ctx context.Context, userID UserID, remaining int64) (CreditBalance, error) {
	target := ClampCreditBalance(remaining)
	stored, operationError := service.store.SetCredits(ctx, userID, target, service.nowFn())
	service.logOperation(ctx, OperationLog{
		Operation: operationSet,
		UserID:    userID,
		Remaining: stored,
		Error:     operationError,
	})
	if operationError != nil {
		return 0, operationError
	}
	return stored, nil
}

// AdjustBalance applies a delta as one atomic upsert; the result never drops below zero.
func (service *Service) AdjustBalance(ctx context.Context, userID UserID, delta CreditDelta) (CreditBalance, error) {
	if delta == 0 {
		return 0, fmt.Errorf("%w: must not be zero", ErrInvalidCreditDelta)
	}
	remaining, operationError := service.store.AdjustCredits(ctx, userID, delta, service.defaultBalance, service.nowFn())
	service.logOperation(ctx, OperationLog{
		Operation: operationAdjust,
		UserID:    userID,
		Delta:     delta,
		Remaining: remaining,
		Error:     operationError,
	})
	if operationError != nil {
		return 0, operationError
	}
	return remaining, nil
}

// ListAccounts returns stored accounts, most recently updated first.
func (service *Service) ListAccounts(ctx context.Context, limit int) ([]CreditAccount, error) {
	if limit <= 0 || limit > maxListAccountsLimit {
		return nil, fmt.Errorf("%w: must be between 1 and %d", ErrInvalidListLimit, maxListAccountsLimit)
	}
	return service.store.ListCreditAccounts(ctx, limit)
}

// ApplyInviteeEvent runs the reservation state machine for one event and, when the
// reservation status actually changes, applies the matching credit delta in the same
// transaction. Duplicate and out-of-order deliveries return an unapplied Transition.
func (service *Service) ApplyInviteeEvent(ctx context.Context, event InviteeEvent) (Transition, error) {
	var transition Transition
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		var err error
		switch event.Kind {
		case EventInviteeCreated:
			transition, err = service.applyCreated(ctx, transactionStore, event)
		case EventInviteeCanceled:
			transition, err = service.applyCanceled(ctx, transactionStore, event)
		default:
			return fmt.Errorf("%w: %q", ErrUnsupportedEvent, event.Kind)
		}
		if err != nil {
			return err
		}
		if !transition.Applied {
			return nil
		}
		remaining, err := transactionStore.AdjustCredits(ctx, transition.UserID, transition.Delta, service.defaultBalance, service.nowFn())
		if err != nil {
			return err
		}
		transition.Remaining = remaining
		return nil
	})
	reservationRef := event.ReservationID
	entry := OperationLog{
		Operation:     operationApplyEvent,
		UserID:        event.UserID,
		ReservationID: &reservationRef,
		Event:         event.Kind,
		Error:         operationError,
	}
	if operationError == nil {
		entry.UserID = transition.UserID
		entry.Delta = transition.Delta
		entry.Remaining = transition.Remaining
		entry.Reason = transition.Reason
		if !transition.Applied {
			entry.Status = operationStatusNoop
		}
	}
	service.logOperation(ctx, entry)
	if operationError != nil {
		return Transition{}, operationError
	}
	return transition, nil
}

func (service *Service) applyCreated(ctx context.Context, transactionStore Store, event InviteeEvent) (Transition, error) {
	record, err := transactionStore.GetReservation(ctx, event.ReservationID)
	if errors.Is(err, ErrUnknownReservation) {
		return service.insertActive(ctx, transactionStore, event)
	}
	if err != nil {
		return Transition{}, err
	}
	switch record.Status() {
	case ReservationStatusActive:
		return noopTransition(record, ReservationStatusActive, reasonDuplicate), nil
	case ReservationStatusCanceled:
		updateError := transactionStore.UpdateReservationStatus(ctx, ReservationUpdate{
			ReservationID:      record.ReservationID(),
			From:               ReservationStatusCanceled,
			To:                 ReservationStatusActive,
			RawPayload:         event.RawPayload,
			ReplaceSession:     true,
			ScheduledSessionID: event.ScheduledSessionID,
			UpdatedUnixUTC:     service.nowFn(),
		})
		if errors.Is(updateError, ErrReservationStatusChanged) {
			return noopTransition(record, ReservationStatusActive, reasonConcurrentUpdate), nil
		}
		if updateError != nil {
			return Transition{}, updateError
		}
		return appliedTransition(record, ReservationStatusActive, bookingDelta, reasonRebooked), nil
	default:
		return Transition{}, fmt.Errorf("%w: %s", ErrUnexpectedReservationState, record.Status())
	}
}

func (service *Service) insertActive(ctx context.Context, transactionStore Store, event InviteeEvent) (Transition, error) {
	record, err := NewReservationRecord(
		event.ReservationID,
		event.UserID,
		event.InviteeEmail,
		event.ScheduledSessionID,
		ReservationStatusActive,
		event.RawPayload,
		service.nowFn(),
	)
	if err != nil {
		return Transition{}, err
	}
	outcome, err := transactionStore.InsertReservation(ctx, record)
	if err != nil {
		return Transition{}, err
	}
	switch outcome {
	case InsertOutcomeInserted:
		return Transition{
			ReservationID: record.ReservationID(),
			UserID:        record.UserID(),
			From:          ReservationStatusAbsent,
			To:            ReservationStatusActive,
			Delta:         bookingDelta,
			Applied:       true,
			Reason:        reasonInserted,
		}, nil
	case InsertOutcomeAlreadyExists:
		// A concurrent delivery created the row first and owns the debit.
		return Transition{
			ReservationID: record.ReservationID(),
			UserID:        record.UserID(),
			From:          ReservationStatusAbsent,
			To:            ReservationStatusActive,
			Reason:        reasonInsertRace,
		}, nil
	default:
		return Transition{}, fmt.Errorf("%w: insert outcome %s", ErrUnexpectedReservationState, outcome)
	}
}

func (service *Service) applyCanceled(ctx context.Context, transactionStore Store, event InviteeEvent) (Transition, error) {
	record, err := transactionStore.GetReservation(ctx, event.ReservationID)
	if errors.Is(err, ErrUnknownReservation) {
		return Transition{
			ReservationID: event.ReservationID,
			UserID:        event.UserID,
			From:          ReservationStatusAbsent,
			To:            ReservationStatusAbsent,
			Reason:        reasonUnknownReservation,
		}, nil
	}
	if err != nil {
		return Transition{}, err
	}
	switch record.Status() {
	case ReservationStatusCanceled:
		return noopTransition(record, ReservationStatusCanceled, reasonDuplicate), nil
	case ReservationStatusActive:
		updateError := transactionStore.UpdateReservationStatus(ctx, ReservationUpdate{
			ReservationID:  record.ReservationID(),
			From:           ReservationStatusActive,
			To:             ReservationStatusCanceled,
			RawPayload:     event.RawPayload,
			UpdatedUnixUTC: service.nowFn(),
		})
		if errors.Is(updateError, ErrReservationStatusChanged) {
			return noopTransition(record, ReservationStatusCanceled, reasonConcurrentUpdate), nil
		}
		if updateError != nil {
			return Transition{}, updateError
		}
		return appliedTransition(record, ReservationStatusCanceled, cancellationDelta, reasonCanceled), nil
	default:
		return Transition{}, fmt.Errorf("%w: %s", ErrUnexpectedReservationState, record.Status())
	}
}

// Credits always move on the reservation owner's account, whoever the event resolved to.
func appliedTransition(record ReservationRecord, to ReservationStatus, delta CreditDelta, reason string) Transition {
	return Transition{
		ReservationID: record.ReservationID(),
		UserID:        record.UserID(),
		From:          record.Status(),
		To:            to,
		Delta:         delta,
		Applied:       true,
		Reason:        reason,
	}
}

func noopTransition(record ReservationRecord, to ReservationStatus, reason string) Transition {
	return Transition{
		ReservationID: record.ReservationID(),
		UserID:        record.UserID(),
		From:          record.Status(),
		To:            to,
		Reason:        reason,
	}
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
