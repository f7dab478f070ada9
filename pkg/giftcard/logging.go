package giftcard

import (
	"context"
	"time"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation string
	CardID    CardID
	Code      Code
	SessionID SessionID
	OrderID   OrderID
	Amount    AmountCents
	Affected  int64
	Status    string
	Error     error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithCodeGenerator replaces the crypto/rand code generator.
func WithCodeGenerator(generator CodeGenerator) ServiceOption {
	return func(service *Service) {
		if generator != nil {
			service.generateCode = generator
		}
	}
}

// WithAmountBounds sets the accepted initial amount range, inclusive.
func WithAmountBounds(minimum AmountCents, maximum AmountCents) ServiceOption {
	return func(service *Service) {
		service.minAmount = minimum
		service.maxAmount = maximum
	}
}

// WithAllowedCurrencies restricts the currencies a card may be issued in.
func WithAllowedCurrencies(currencies ...Currency) ServiceOption {
	return func(service *Service) {
		if len(currencies) > 0 {
			service.currencies = append([]Currency(nil), currencies...)
		}
	}
}

// WithReservationTTL sets the TTL applied when Reserve is called without one.
// NewService rejects a default above MaxReservationTTL.
func WithReservationTTL(ttl time.Duration) ServiceOption {
	return func(service *Service) {
		if ttl > 0 {
			service.defaultTTL = ttl
		}
	}
}
