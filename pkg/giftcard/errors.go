package giftcard

import (
	"errors"
	"fmt"
)

// Error categories. Every error returned by Service wraps exactly one of these.
var (
	ErrValidation          = errors.New("validation error")
	ErrNotFound            = errors.New("not found")
	ErrInvalidState        = errors.New("invalid state")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrUpstreamFailure     = errors.New("upstream failure")
)

// Domain-level error values returned by the gift card service.
var (
	ErrInvalidCardID         = fmt.Errorf("%w: invalid card id", ErrValidation)
	ErrInvalidCode           = fmt.Errorf("%w: invalid gift card code", ErrValidation)
	ErrInvalidSessionID      = fmt.Errorf("%w: invalid session id", ErrValidation)
	ErrInvalidOrderID        = fmt.Errorf("%w: invalid order id", ErrValidation)
	ErrInvalidAmountCents    = fmt.Errorf("%w: invalid amount cents", ErrValidation)
	ErrAmountOutOfRange      = fmt.Errorf("%w: amount out of range", ErrValidation)
	ErrInvalidCurrency       = fmt.Errorf("%w: invalid currency", ErrValidation)
	ErrInvalidMetadataJSON   = fmt.Errorf("%w: invalid metadata json", ErrValidation)
	ErrInvalidTTL            = fmt.Errorf("%w: invalid reservation ttl", ErrValidation)
	ErrInvalidCardStatus     = fmt.Errorf("%w: invalid card status", ErrValidation)
	ErrInvalidReservation    = fmt.Errorf("%w: invalid reservation status", ErrValidation)
	ErrInvalidTransaction    = fmt.Errorf("%w: invalid transaction type", ErrValidation)
	ErrInvalidListLimit      = fmt.Errorf("%w: invalid list limit", ErrValidation)
	ErrRefundExceedsInitial  = fmt.Errorf("%w: refund exceeds initial amount", ErrValidation)
	ErrUnknownCard           = fmt.Errorf("%w: unknown gift card", ErrNotFound)
	ErrUnknownReservation    = fmt.Errorf("%w: unknown reservation", ErrNotFound)
	ErrCardNotActive         = fmt.Errorf("%w: gift card is not active", ErrInvalidState)
	ErrReservationClosed     = fmt.Errorf("%w: reservation closed", ErrInvalidState)
	ErrReservationExists     = fmt.Errorf("%w: active reservation already exists", ErrInvalidState)
	ErrBalanceChangeRejected = fmt.Errorf("%w: balance change rejected", ErrConcurrencyConflict)
	ErrCodeGeneration        = fmt.Errorf("%w: unable to generate unique code", ErrUpstreamFailure)
	ErrInvalidServiceConfig  = errors.New("invalid service config")
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

// Upstream marks a driver-level failure as transient.
func Upstream(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUpstreamFailure) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrUpstreamFailure, err)
}

// IsRetryable reports whether a caller may retry the failed operation.
// Concurrency conflicts are retryable on the confirmation path only.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUpstreamFailure) || errors.Is(err, ErrConcurrencyConflict)
}
