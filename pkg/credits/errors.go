package credits

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the credits service.
var (
	ErrUnknownReservation         = errors.New("unknown reservation")
	ErrReservationStatusChanged   = errors.New("reservation status changed")
	ErrUserNotFound               = errors.New("user not found")
	ErrUnsupportedEvent           = errors.New("unsupported event")
	ErrInvalidUserID              = errors.New("invalid user id")
	ErrInvalidReservationID       = errors.New("invalid reservation id")
	ErrInvalidEmailAddress        = errors.New("invalid email address")
	ErrInvalidScheduledSessionID  = errors.New("invalid scheduled session id")
	ErrInvalidRawPayload          = errors.New("invalid raw payload")
	ErrInvalidReservationStatus   = errors.New("invalid reservation status")
	ErrInvalidCreditBalance       = errors.New("invalid credit balance")
	ErrInvalidCreditDelta         = errors.New("invalid credit delta")
	ErrInvalidListLimit           = errors.New("invalid list limit")
	ErrInvalidServiceConfig       = errors.New("invalid service config")
	ErrUnexpectedReservationState = errors.New("unexpected reservation state")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
