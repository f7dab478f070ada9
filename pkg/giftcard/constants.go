package giftcard

import "time"

const (
	operationCreate       = "create"
	operationReserve      = "reserve"
	operationHold         = "hold"
	operationCancel       = "cancel_reservation"
	operationCancelStale  = "cancel_stale_reservations"
	operationConfirm      = "confirm"
	operationRedeem       = "redeem"
	operationRefund       = "refund"
	operationCancelCard   = "cancel_card"
	operationSweep        = "sweep"
	operationReconcile    = "reconcile"
	operationStatusOK     = "ok"
	operationStatusError  = "error"
	operationStatusNoop   = "noop"
	maxExternalIDLength   = 255
	defaultListLimit      = 50
	maxListLimit          = 500
	reconcileBatchSize    = 500
	maxCodeAttempts       = 10
	defaultMinAmountCents = 500
	defaultMaxAmountCents = 50000
	defaultReservationTTL = 2 * time.Hour
)

// MaxReservationTTL bounds how long a single hold may keep balance out of reach.
const MaxReservationTTL = 24 * time.Hour

var defaultAllowedCurrencies = []Currency{"USD", "EUR", "GBP", "CAD", "AUD"}
