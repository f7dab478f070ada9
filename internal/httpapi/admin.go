package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/MarkoPoloResearchLab/giftledger/pkg/giftcard"
	"github.com/gin-gonic/gin"
)

func (handler *httpHandler) handleCreateCard(ctx *gin.Context) {
	var request createCardRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorInvalidPayload, "expected JSON body"))
		return
	}
	amount, err := giftcard.NewPositiveAmountCents(request.InitialAmountCents)
	if err != nil {
		handler.respondError(ctx, "create", err)
		return
	}
	currency, err := giftcard.NewCurrency(request.Currency)
	if err != nil {
		handler.respondError(ctx, "create", err)
		return
	}
	metadata, err := giftcard.NewMetadataJSON(string(request.Metadata))
	if err != nil {
		handler.respondError(ctx, "create", err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	card, err := handler.ledger.Create(requestCtx, giftcard.CreateCardRequest{
		InitialAmount: amount,
		Currency:      currency,
		Parties: giftcard.Parties{
			SenderName:     request.SenderName,
			SenderEmail:    request.SenderEmail,
			RecipientName:  request.RecipientName,
			RecipientEmail: request.RecipientEmail,
			Message:        request.Message,
			Metadata:       metadata,
		},
		ExpiresAtUnixUTC:  request.ExpiresAtUnixUTC,
		PurchasePaymentID: request.PurchasePaymentID,
	})
	if err != nil {
		handler.respondError(ctx, "create", err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"gift_card": newCardPayload(card)})
}

func (handler *httpHandler) handleListCards(ctx *gin.Context) {
	limit, ok := handler.intQuery(ctx, "limit")
	if !ok {
		return
	}
	offset, ok := handler.intQuery(ctx, "offset")
	if !ok {
		return
	}
	filter := giftcard.CardFilter{
		Status: giftcard.CardStatus(ctx.Query("status")),
		Search: ctx.Query("search"),
		Limit:  limit,
		Offset: offset,
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	cards, err := handler.ledger.ListAll(requestCtx, filter)
	if err != nil {
		handler.respondError(ctx, "list", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"gift_cards": newCardPayloads(cards)})
}

func (handler *httpHandler) handleGetCard(ctx *gin.Context) {
	code, ok := handler.codeParam(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	card, err := handler.ledger.GetByCode(requestCtx, code)
	if err != nil {
		handler.respondError(ctx, "get", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"gift_card": newCardPayload(card)})
}

func (handler *httpHandler) handleListTransactions(ctx *gin.Context) {
	code, ok := handler.codeParam(ctx)
	if !ok {
		return
	}
	limit, ok := handler.intQuery(ctx, "limit")
	if !ok {
		return
	}
	if limit == 0 {
		limit = defaultTransactionLimit
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	card, err := handler.ledger.GetByCode(requestCtx, code)
	if err != nil {
		handler.respondError(ctx, "list_transactions", err)
		return
	}
	transactions, err := handler.ledger.ListTransactions(requestCtx, card.ID, limit)
	if err != nil {
		handler.respondError(ctx, "list_transactions", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"transactions": newTransactionPayloads(transactions)})
}

func (handler *httpHandler) handleRedeem(ctx *gin.Context) {
	handler.handleBalanceChange(ctx, "redeem", handler.ledger.RedeemDirect)
}

func (handler *httpHandler) handleRefund(ctx *gin.Context) {
	handler.handleBalanceChange(ctx, "refund", handler.ledger.Refund)
}

type balanceChangeFunc func(ctx context.Context, code giftcard.Code, amount giftcard.AmountCents, orderID giftcard.OrderID) (giftcard.GiftCard, error)

func (handler *httpHandler) handleBalanceChange(ctx *gin.Context, operation string, apply balanceChangeFunc) {
	code, ok := handler.codeParam(ctx)
	if !ok {
		return
	}
	var request balanceChangeRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorInvalidPayload, "expected JSON body"))
		return
	}
	amount, err := giftcard.NewPositiveAmountCents(request.AmountCents)
	if err != nil {
		handler.respondError(ctx, operation, err)
		return
	}
	orderID, err := giftcard.NewOrderID(request.OrderID)
	if err != nil {
		handler.respondError(ctx, operation, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	card, err := apply(requestCtx, code, amount, orderID)
	if err != nil {
		handler.respondError(ctx, operation, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"gift_card": newCardPayload(card)})
}

func (handler *httpHandler) handleCancelCard(ctx *gin.Context) {
	code, ok := handler.codeParam(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	card, err := handler.ledger.CancelCard(requestCtx, code)
	if err != nil {
		handler.respondError(ctx, "cancel_card", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"gift_card": newCardPayload(card)})
}

func (handler *httpHandler) handleListReservations(ctx *gin.Context) {
	code, ok := handler.codeParam(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	card, err := handler.ledger.GetByCode(requestCtx, code)
	if err != nil {
		handler.respondError(ctx, "list_reservations", err)
		return
	}
	reservations, err := handler.ledger.ListActive(requestCtx, card.ID)
	if err != nil {
		handler.respondError(ctx, "list_reservations", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"reservations": newReservationPayloads(reservations)})
}

func (handler *httpHandler) handleCancelStale(ctx *gin.Context) {
	code, ok := handler.codeParam(ctx)
	if !ok {
		return
	}
	var request cancelStaleRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorInvalidPayload, "expected JSON body"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	card, err := handler.ledger.GetByCode(requestCtx, code)
	if err != nil {
		handler.respondError(ctx, "cancel_stale", err)
		return
	}
	cancelled, err := handler.ledger.CancelStaleForCard(requestCtx, card.ID, time.Duration(request.OlderThanSeconds)*time.Second)
	if err != nil {
		handler.respondError(ctx, "cancel_stale", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"cancelled": cancelled})
}

func (handler *httpHandler) handleSweep(ctx *gin.Context) {
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	expired, err := handler.ledger.SweepExpiredReservations(requestCtx)
	if err != nil {
		handler.respondError(ctx, "sweep", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"expired": expired})
}

func (handler *httpHandler) handleReconcile(ctx *gin.Context) {
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	corrected, err := handler.ledger.ReconcileStatuses(requestCtx)
	if err != nil {
		handler.respondError(ctx, "reconcile", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"corrected": corrected})
}

func (handler *httpHandler) intQuery(ctx *gin.Context, name string) (int, bool) {
	raw := ctx.Query(name)
	if raw == "" {
		return 0, true
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorInvalidPayload, name+" must be a non-negative integer"))
		return 0, false
	}
	return value, true
}
