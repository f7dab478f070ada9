package httpapi

import (
	"errors"
	"net/http"

	"github.com/MarkoPoloResearchLab/giftledger/pkg/giftcard"
	"github.com/gin-gonic/gin"
)

const (
	errorInvalidPayload       = "invalid_payload"
	errorInvalidCode          = "invalid_code"
	errorInvalidSessionID     = "invalid_session_id"
	errorInvalidOrderID       = "invalid_order_id"
	errorInvalidAmount        = "invalid_amount_cents"
	errorAmountOutOfRange     = "amount_out_of_range"
	errorInvalidCurrency      = "invalid_currency"
	errorInvalidMetadata      = "invalid_metadata"
	errorInvalidTTL           = "invalid_ttl"
	errorInvalidStatus        = "invalid_status"
	errorInvalidListLimit     = "invalid_list_limit"
	errorRefundExceedsInitial = "refund_exceeds_initial"
	errorValidation           = "validation_error"
	errorUnknownCard          = "unknown_gift_card"
	errorUnknownReservation   = "unknown_reservation"
	errorNotFound             = "not_found"
	errorCardNotActive        = "card_not_active"
	errorReservationExists    = "reservation_exists"
	errorReservationClosed    = "reservation_closed"
	errorInvalidState         = "invalid_state"
	errorInsufficientBalance  = "insufficient_balance"
	errorConcurrencyConflict  = "concurrency_conflict"
	errorUpstreamFailure      = "upstream_failure"
	errorInternal             = "internal_error"
	errorUnauthorized         = "unauthorized"
	errorForbidden            = "forbidden"
	errorInvalidSignature     = "invalid_signature"
)

type errorMapping struct {
	target error
	status int
	code   string
}

// specificErrors is checked before the category fallbacks in categoryErrors.
var specificErrors = []errorMapping{
	{target: giftcard.ErrInvalidCode, status: http.StatusBadRequest, code: errorInvalidCode},
	{target: giftcard.ErrInvalidSessionID, status: http.StatusBadRequest, code: errorInvalidSessionID},
	{target: giftcard.ErrInvalidOrderID, status: http.StatusBadRequest, code: errorInvalidOrderID},
	{target: giftcard.ErrInvalidAmountCents, status: http.StatusBadRequest, code: errorInvalidAmount},
	{target: giftcard.ErrAmountOutOfRange, status: http.StatusBadRequest, code: errorAmountOutOfRange},
	{target: giftcard.ErrInvalidCurrency, status: http.StatusBadRequest, code: errorInvalidCurrency},
	{target: giftcard.ErrInvalidMetadataJSON, status: http.StatusBadRequest, code: errorInvalidMetadata},
	{target: giftcard.ErrInvalidTTL, status: http.StatusBadRequest, code: errorInvalidTTL},
	{target: giftcard.ErrInvalidCardStatus, status: http.StatusBadRequest, code: errorInvalidStatus},
	{target: giftcard.ErrInvalidListLimit, status: http.StatusBadRequest, code: errorInvalidListLimit},
	{target: giftcard.ErrRefundExceedsInitial, status: http.StatusBadRequest, code: errorRefundExceedsInitial},
	{target: giftcard.ErrUnknownCard, status: http.StatusNotFound, code: errorUnknownCard},
	{target: giftcard.ErrUnknownReservation, status: http.StatusNotFound, code: errorUnknownReservation},
	{target: giftcard.ErrCardNotActive, status: http.StatusConflict, code: errorCardNotActive},
	{target: giftcard.ErrReservationExists, status: http.StatusConflict, code: errorReservationExists},
	{target: giftcard.ErrReservationClosed, status: http.StatusConflict, code: errorReservationClosed},
}

var categoryErrors = []errorMapping{
	{target: giftcard.ErrValidation, status: http.StatusBadRequest, code: errorValidation},
	{target: giftcard.ErrNotFound, status: http.StatusNotFound, code: errorNotFound},
	{target: giftcard.ErrInvalidState, status: http.StatusConflict, code: errorInvalidState},
	{target: giftcard.ErrInsufficientBalance, status: http.StatusUnprocessableEntity, code: errorInsufficientBalance},
	{target: giftcard.ErrConcurrencyConflict, status: http.StatusConflict, code: errorConcurrencyConflict},
	{target: giftcard.ErrUpstreamFailure, status: http.StatusServiceUnavailable, code: errorUpstreamFailure},
}

// mapError resolves a domain error to an HTTP status and a stable error code.
func mapError(source error) (int, string) {
	for _, mapping := range specificErrors {
		if errors.Is(source, mapping.target) {
			return mapping.status, mapping.code
		}
	}
	for _, mapping := range categoryErrors {
		if errors.Is(source, mapping.target) {
			return mapping.status, mapping.code
		}
	}
	return http.StatusInternalServerError, errorInternal
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

func retryableErrorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":      code,
			"message":   message,
			"retryable": true,
		},
	}
}
