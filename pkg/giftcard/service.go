package giftcard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Service contains the gift card ledger logic over a Store.
type Service struct {
	store        Store
	nowFn        func() int64
	logger       OperationLogger
	generateCode CodeGenerator
	minAmount    AmountCents
	maxAmount    AmountCents
	currencies   []Currency
	defaultTTL   time.Duration
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
		store:        store,
		nowFn:        now,
		generateCode: NewRandomCodeGenerator(),
		minAmount:    defaultMinAmountCents,
		maxAmount:    defaultMaxAmountCents,
		currencies:   append([]Currency(nil), defaultAllowedCurrencies...),
		defaultTTL:   defaultReservationTTL,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	if service.minAmount <= 0 || service.maxAmount < service.minAmount {
		return nil, fmt.Errorf("%w: amount bounds %d..%d", ErrInvalidServiceConfig, service.minAmount, service.maxAmount)
	}
	if service.defaultTTL > MaxReservationTTL {
		return nil, fmt.Errorf("%w: reservation ttl %s exceeds %s", ErrInvalidServiceConfig, service.defaultTTL, MaxReservationTTL)
	}
	return service, nil
}

// CreateCardRequest carries the inputs needed to issue a card.
type CreateCardRequest struct {
	InitialAmount     AmountCents
	Currency          Currency
	Parties           Parties
	ExpiresAtUnixUTC  int64
	PurchasePaymentID string
}

// CodeCheck is what a shopper sees when entering a code.
type CodeCheck struct {
	Card      GiftCard
	Status    CardStatus
	Available AmountCents
}

// Create issues a new card with a unique code and records the purchase.
func (service *Service) Create(ctx context.Context, request CreateCardRequest) (GiftCard, error) {
	var created GiftCard
	currency, operationError := service.validateCreate(request)
	if operationError == nil {
		operationError = service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			code, err := IssueUniqueCode(ctx, service.generateCode, transactionStore, maxCodeAttempts)
			if err != nil {
				return err
			}
			nowUnixUTC := service.nowFn()
			created, err = transactionStore.CreateCard(ctx, GiftCard{
				Code:              code,
				InitialAmount:     request.InitialAmount,
				RemainingAmount:   request.InitialAmount,
				Currency:          currency,
				Status:            ComputeStatus(request.InitialAmount, request.ExpiresAtUnixUTC, nowUnixUTC),
				ExpiresAtUnixUTC:  request.ExpiresAtUnixUTC,
				Parties:           request.Parties,
				PurchasePaymentID: strings.TrimSpace(request.PurchasePaymentID),
				CreatedUnixUTC:    nowUnixUTC,
			})
			if err != nil {
				return err
			}
			var orderID OrderID
			if created.PurchasePaymentID != "" {
				orderID, err = NewOrderID(created.PurchasePaymentID)
				if err != nil {
					return err
				}
			}
			_, err = transactionStore.InsertTransaction(ctx, Transaction{
				CardID:         created.ID,
				OrderID:        orderID,
				AmountCents:    created.InitialAmount,
				Type:           TransactionPurchase,
				CreatedUnixUTC: nowUnixUTC,
			})
			return err
		})
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationCreate,
		CardID:    created.ID,
		Code:      created.Code,
		Amount:    request.InitialAmount,
		Error:     operationError,
	})
	if operationError != nil {
		return GiftCard{}, operationError
	}
	return created, nil
}

// GetByCode looks a card up by its code. Status is the effective one.
func (service *Service) GetByCode(ctx context.Context, code Code) (GiftCard, error) {
	card, err := service.store.GetCardByCode(ctx, code)
	if err != nil {
		return GiftCard{}, err
	}
	card.Status = EffectiveStatus(card, service.nowFn())
	return card, nil
}

// GetByID looks a card up by its id. Status is the effective one.
func (service *Service) GetByID(ctx context.Context, cardID CardID) (GiftCard, error) {
	card, err := service.store.GetCardByID(ctx, cardID)
	if err != nil {
		return GiftCard{}, err
	}
	card.Status = EffectiveStatus(card, service.nowFn())
	return card, nil
}

// ListAll lists cards matching the filter, filtering and reporting by effective status.
func (service *Service) ListAll(ctx context.Context, filter CardFilter) ([]GiftCard, error) {
	limit, err := normalizeListLimit(filter.Limit)
	if err != nil {
		return nil, err
	}
	filter.Limit = limit
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	filter.Search = strings.TrimSpace(filter.Search)
	if filter.Status != "" {
		if _, err := ParseCardStatus(filter.Status.String()); err != nil {
			return nil, err
		}
	}
	filter.AtUnixUTC = service.nowFn()
	cards, err := service.store.ListCards(ctx, filter)
	if err != nil {
		return nil, err
	}
	for index := range cards {
		cards[index].Status = EffectiveStatus(cards[index], filter.AtUnixUTC)
	}
	return cards, nil
}

// CheckCode reports the balance a shopper can spend from a code.
// When the card is not active the populated CodeCheck is returned together with ErrCardNotActive.
func (service *Service) CheckCode(ctx context.Context, code Code) (CodeCheck, error) {
	card, err := service.store.GetCardByCode(ctx, code)
	if err != nil {
		return CodeCheck{}, err
	}
	nowUnixUTC := service.nowFn()
	check := CodeCheck{Card: card, Status: EffectiveStatus(card, nowUnixUTC)}
	if check.Status != CardStatusActive {
		return check, fmt.Errorf("%w: status %s", ErrCardNotActive, check.Status)
	}
	check.Available, err = availableFor(ctx, service.store, card, nowUnixUTC)
	if err != nil {
		return CodeCheck{}, err
	}
	return check, nil
}

// AvailableBalance returns remaining minus live reservations, never below zero.
func (service *Service) AvailableBalance(ctx context.Context, cardID CardID) (AmountCents, error) {
	card, err := service.store.GetCardByID(ctx, cardID)
	if err != nil {
		return 0, err
	}
	return availableFor(ctx, service.store, card, service.nowFn())
}

// ListTransactions returns the newest transactions of a card first.
func (service *Service) ListTransactions(ctx context.Context, cardID CardID, limit int) ([]Transaction, error) {
	normalizedLimit, err := normalizeListLimit(limit)
	if err != nil {
		return nil, err
	}
	if _, err := service.store.GetCardByID(ctx, cardID); err != nil {
		return nil, err
	}
	return service.store.ListTransactions(ctx, cardID, normalizedLimit)
}

// CancelCard administratively cancels a card and releases its active reservations.
func (service *Service) CancelCard(ctx context.Context, code Code) (GiftCard, error) {
	var cancelled GiftCard
	var released int64
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		card, err := transactionStore.GetCardByCode(ctx, code)
		if err != nil {
			return err
		}
		cancelled = card
		if card.Status == CardStatusCancelled {
			return nil
		}
		updated, err := transactionStore.UpdateCardStatus(ctx, card.ID, card.Status, CardStatusCancelled)
		if err != nil {
			return err
		}
		if !updated {
			return fmt.Errorf("%w: card status changed concurrently", ErrConcurrencyConflict)
		}
		cancelled.Status = CardStatusCancelled
		released, err = transactionStore.CancelActiveReservations(ctx, ReservationFilter{CardID: card.ID})
		return err
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationCancelCard,
		CardID:    cancelled.ID,
		Code:      code,
		Affected:  released,
		Error:     operationError,
	})
	if operationError != nil {
		return GiftCard{}, operationError
	}
	return cancelled, nil
}

func (service *Service) validateCreate(request CreateCardRequest) (Currency, error) {
	if request.InitialAmount < service.minAmount || request.InitialAmount > service.maxAmount {
		return "", fmt.Errorf("%w: %d not within %d..%d", ErrAmountOutOfRange, request.InitialAmount, service.minAmount, service.maxAmount)
	}
	currency, err := NewCurrency(request.Currency.String())
	if err != nil {
		return "", err
	}
	for _, allowed := range service.currencies {
		if allowed == currency {
			return currency, nil
		}
	}
	return "", fmt.Errorf("%w: %s is not accepted", ErrInvalidCurrency, currency)
}

// applyBalanceChange is the only path that changes remaining_amount.
// The store performs the conditional update; the status written afterwards comes from ComputeStatus.
func (service *Service) applyBalanceChange(ctx context.Context, transactionStore Store, cardID CardID, delta int64, nowUnixUTC int64) (GiftCard, error) {
	card, err := transactionStore.ApplyBalanceChange(ctx, BalanceChange{
		CardID:         cardID,
		Delta:          delta,
		UsedAtUnixUTC:  nowUnixUTC,
		UpdatedUnixUTC: nowUnixUTC,
	})
	if err != nil {
		return GiftCard{}, err
	}
	status := ComputeStatus(card.RemainingAmount, card.ExpiresAtUnixUTC, nowUnixUTC)
	if status == card.Status {
		return card, nil
	}
	updated, err := transactionStore.UpdateCardStatus(ctx, card.ID, card.Status, status)
	if err != nil {
		return GiftCard{}, err
	}
	if !updated {
		return GiftCard{}, fmt.Errorf("%w: card status changed during balance update", ErrConcurrencyConflict)
	}
	card.Status = status
	return card, nil
}

// explainRejectedChange turns a rejected conditional update into the most specific error.
func explainRejectedChange(ctx context.Context, transactionStore Store, cardID CardID, delta int64) error {
	card, err := transactionStore.GetCardByID(ctx, cardID)
	if err != nil {
		return err
	}
	if card.Status == CardStatusCancelled {
		return fmt.Errorf("%w: status %s", ErrCardNotActive, card.Status)
	}
	if delta > 0 && card.RemainingAmount.Int64()+delta > card.InitialAmount.Int64() {
		return fmt.Errorf("%w: remaining %d + %d > initial %d", ErrRefundExceedsInitial, card.RemainingAmount, delta, card.InitialAmount)
	}
	return fmt.Errorf("%w: remaining %d, requested %d", ErrBalanceChangeRejected, card.RemainingAmount, -delta)
}

func availableFor(ctx context.Context, store Store, card GiftCard, nowUnixUTC int64) (AmountCents, error) {
	reserved, err := store.SumLiveReservations(ctx, card.ID, nowUnixUTC)
	if err != nil {
		return 0, err
	}
	available := card.RemainingAmount - reserved
	if available < 0 {
		return 0, nil
	}
	return available, nil
}

func normalizeListLimit(limit int) (int, error) {
	if limit <= 0 {
		return defaultListLimit, nil
	}
	if limit > maxListLimit {
		return 0, fmt.Errorf("%w: %d > %d", ErrInvalidListLimit, limit, maxListLimit)
	}
	return limit, nil
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

func isRejectedChange(err error) bool {
	return errors.Is(err, ErrBalanceChangeRejected)
}
