package giftcard

import (
	"context"
	"fmt"
	"time"
)

// Reserve places a time-boxed hold against a card.
// Sufficiency is not re-verified here; callers run an availability check first
// (HoldForCheckout does both) and confirmation enforces the balance.
// A zero ttl selects the configured default.
func (service *Service) Reserve(ctx context.Context, cardID CardID, sessionID SessionID, amount AmountCents, ttl time.Duration) (Reservation, error) {
	var reservation Reservation
	operationError := validateHold(sessionID, amount, ttl)
	if operationError == nil {
		operationError = service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			card, err := transactionStore.GetCardByID(ctx, cardID)
			if err != nil {
				return err
			}
			reservation, err = service.insertReservation(ctx, transactionStore, card, sessionID, amount, ttl, service.nowFn())
			return err
		})
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationReserve,
		CardID:    cardID,
		SessionID: sessionID,
		Amount:    amount,
		Error:     operationError,
	})
	if operationError != nil {
		return Reservation{}, operationError
	}
	return reservation, nil
}

// HoldForCheckout is the admission path used by checkout: it checks the code,
// releases any earlier hold for the same session and reserves only when the
// amount fits the available balance.
func (service *Service) HoldForCheckout(ctx context.Context, code Code, sessionID SessionID, amount AmountCents, ttl time.Duration) (Reservation, error) {
	var reservation Reservation
	var cardID CardID
	operationError := validateHold(sessionID, amount, ttl)
	if operationError == nil {
		operationError = service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			card, err := transactionStore.GetCardByCode(ctx, code)
			if err != nil {
				return err
			}
			cardID = card.ID
			nowUnixUTC := service.nowFn()
			if status := EffectiveStatus(card, nowUnixUTC); status != CardStatusActive {
				return fmt.Errorf("%w: status %s", ErrCardNotActive, status)
			}
			if _, err := transactionStore.CancelActiveReservations(ctx, ReservationFilter{SessionID: sessionID}); err != nil {
				return err
			}
			available, err := availableFor(ctx, transactionStore, card, nowUnixUTC)
			if err != nil {
				return err
			}
			if available < amount {
				return fmt.Errorf("%w: available %d, requested %d", ErrInsufficientBalance, available, amount)
			}
			reservation, err = service.insertReservation(ctx, transactionStore, card, sessionID, amount, ttl, nowUnixUTC)
			return err
		})
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationHold,
		CardID:    cardID,
		Code:      code,
		SessionID: sessionID,
		Amount:    amount,
		Error:     operationError,
	})
	if operationError != nil {
		return Reservation{}, operationError
	}
	return reservation, nil
}

// CancelReservation cancels the active reservation of a session.
// It reports false, without error, when the session has none.
func (service *Service) CancelReservation(ctx context.Context, sessionID SessionID) (bool, error) {
	if sessionID.IsZero() {
		return false, fmt.Errorf("%w: empty value", ErrInvalidSessionID)
	}
	cancelled, err := service.store.CancelActiveReservations(ctx, ReservationFilter{SessionID: sessionID})
	entry := OperationLog{
		Operation: operationCancel,
		SessionID: sessionID,
		Affected:  cancelled,
		Error:     err,
	}
	if err == nil && cancelled == 0 {
		entry.Status = operationStatusNoop
	}
	service.logOperation(ctx, entry)
	if err != nil {
		return false, err
	}
	return cancelled > 0, nil
}

// CancelStaleForCard cancels the card's active reservations created at least olderThan ago.
func (service *Service) CancelStaleForCard(ctx context.Context, cardID CardID, olderThan time.Duration) (int64, error) {
	var cancelled int64
	var operationError error
	if olderThan < 0 {
		operationError = fmt.Errorf("%w: age threshold must not be negative", ErrValidation)
	} else {
		operationError = service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			if _, err := transactionStore.GetCardByID(ctx, cardID); err != nil {
				return err
			}
			cutoff := service.nowFn() - int64(olderThan/time.Second)
			var err error
			cancelled, err = transactionStore.CancelActiveReservations(ctx, ReservationFilter{
				CardID:               cardID,
				CreatedBeforeUnixUTC: cutoff,
			})
			return err
		})
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationCancelStale,
		CardID:    cardID,
		Affected:  cancelled,
		Error:     operationError,
	})
	if operationError != nil {
		return 0, operationError
	}
	return cancelled, nil
}

// ListActive returns the card's reservations still in the active state, live or not.
func (service *Service) ListActive(ctx context.Context, cardID CardID) ([]Reservation, error) {
	if _, err := service.store.GetCardByID(ctx, cardID); err != nil {
		return nil, err
	}
	return service.store.ListActiveReservations(ctx, cardID)
}

func (service *Service) insertReservation(ctx context.Context, transactionStore Store, card GiftCard, sessionID SessionID, amount AmountCents, ttl time.Duration, nowUnixUTC int64) (Reservation, error) {
	if ttl == 0 {
		ttl = service.defaultTTL
	}
	return transactionStore.CreateReservation(ctx, Reservation{
		CardID:           card.ID,
		SessionID:        sessionID,
		AmountCents:      amount,
		Status:           ReservationStatusActive,
		ExpiresAtUnixUTC: nowUnixUTC + int64(ttl/time.Second),
		CreatedUnixUTC:   nowUnixUTC,
	})
}

func validateHold(sessionID SessionID, amount AmountCents, ttl time.Duration) error {
	if sessionID.IsZero() {
		return fmt.Errorf("%w: empty value", ErrInvalidSessionID)
	}
	if amount <= 0 {
		return fmt.Errorf("%w: must be greater than zero", ErrInvalidAmountCents)
	}
	if ttl < 0 || (ttl > 0 && ttl < time.Second) || ttl > MaxReservationTTL {
		return fmt.Errorf("%w: %s", ErrInvalidTTL, ttl)
	}
	return nil
}
