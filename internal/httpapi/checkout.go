package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/giftledger/pkg/giftcard"
	"github.com/gin-gonic/gin"
)

const maxHoldTTLSeconds = int64(giftcard.MaxReservationTTL / time.Second)

func (handler *httpHandler) handleCheckCode(ctx *gin.Context) {
	code, ok := handler.codeParam(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	check, err := handler.ledger.CheckCode(requestCtx, code)
	if err != nil && !(errors.Is(err, giftcard.ErrCardNotActive) && !check.Card.ID.IsZero()) {
		handler.respondError(ctx, "check_code", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"gift_card": newCodeCheckPayload(check)})
}

func (handler *httpHandler) handleCreateHold(ctx *gin.Context) {
	var request holdRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorInvalidPayload, "expected JSON body"))
		return
	}
	code, err := giftcard.NewCode(request.Code)
	if err != nil {
		handler.respondError(ctx, "hold", err)
		return
	}
	sessionID, err := giftcard.NewSessionID(request.SessionID)
	if err != nil {
		handler.respondError(ctx, "hold", err)
		return
	}
	amount, err := giftcard.NewPositiveAmountCents(request.AmountCents)
	if err != nil {
		handler.respondError(ctx, "hold", err)
		return
	}
	if request.TTLSeconds < 0 || request.TTLSeconds > maxHoldTTLSeconds {
		handler.respondError(ctx, "hold", fmt.Errorf("%w: %d seconds", giftcard.ErrInvalidTTL, request.TTLSeconds))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	reservation, err := handler.ledger.HoldForCheckout(requestCtx, code, sessionID, amount, time.Duration(request.TTLSeconds)*time.Second)
	if err != nil {
		handler.respondError(ctx, "hold", err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"reservation": newReservationPayload(reservation)})
}

func (handler *httpHandler) handleCancelHold(ctx *gin.Context) {
	sessionID, err := giftcard.NewSessionID(ctx.Param("session_id"))
	if err != nil {
		handler.respondError(ctx, "cancel_hold", err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	cancelled, err := handler.ledger.CancelReservation(requestCtx, sessionID)
	if err != nil {
		handler.respondError(ctx, "cancel_hold", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"cancelled": cancelled})
}

func (handler *httpHandler) codeParam(ctx *gin.Context) (giftcard.Code, bool) {
	code, err := giftcard.NewCode(ctx.Param("code"))
	if err != nil {
		handler.respondError(ctx, "parse_code", err)
		return giftcard.Code{}, false
	}
	return code, true
}
