package ledger

import (
	"context"

	"github.com/google/uuid"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a ledger operation and its outcome.
type OperationLog struct {
	Operation      string
	AccountID      AccountID
	CounterpartyID AccountID
	TransactionID  TransactionID
	Amount         AmountCents
	Reference      string
	Status         string
	Error          error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithIDGenerator overrides the transaction id source (uuid by default).
func WithIDGenerator(generate func() string) ServiceOption {
	return func(service *Service) {
		if generate != nil {
			service.newID = generate
		}
	}
}

// WithLenientPartnerRoles lets wallet adjustments target either partner role spelling.
func WithLenientPartnerRoles() ServiceOption {
	return func(service *Service) {
		service.lenientPartnerRoles = true
	}
}

func defaultIDGenerator() string {
	return uuid.NewString()
}
