package credits

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing credits operation.
type OperationLog struct {
	Operation     string
	UserID        UserID
	ReservationID *ReservationID
	Event         EventKind
	Delta         CreditDelta
	Remaining     CreditBalance
	Reason        string
	Status        string
	Error         error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithDefaultBalance overrides the balance assumed for accounts without a row.
func WithDefaultBalance(balance CreditBalance) ServiceOption {
	return func(service *Service) {
		service.defaultBalance = balance
	}
}
