package giftcard

import (
	"context"
	"errors"
	"fmt"
)

// Confirmation is the result of converting a reservation into a redemption.
type Confirmation struct {
	Reservation Reservation
	Transaction Transaction
	Card        GiftCard
}

// ConfirmBySession turns the session's active reservation into a permanent redemption.
// It returns nil without error when the session has no active reservation, which makes
// repeated delivery of the same completion event a no-op.
func (service *Service) ConfirmBySession(ctx context.Context, sessionID SessionID) (*Confirmation, error) {
	if sessionID.IsZero() {
		return nil, fmt.Errorf("%w: empty value", ErrInvalidSessionID)
	}
	var confirmation *Confirmation
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		reservation, err := transactionStore.GetActiveReservationBySession(ctx, sessionID)
		if errors.Is(err, ErrUnknownReservation) {
			return nil
		}
		if err != nil {
			return err
		}
		nowUnixUTC := service.nowFn()
		card, err := service.applyBalanceChange(ctx, transactionStore, reservation.CardID, -reservation.AmountCents.Int64(), nowUnixUTC)
		if isRejectedChange(err) {
			return explainRejectedChange(ctx, transactionStore, reservation.CardID, -reservation.AmountCents.Int64())
		}
		if err != nil {
			return err
		}
		if err := transactionStore.UpdateReservationStatus(ctx, reservation.ID, ReservationStatusActive, ReservationStatusConfirmed); err != nil {
			return err
		}
		reservation.Status = ReservationStatusConfirmed
		orderID, err := NewOrderID(sessionID.String())
		if err != nil {
			return err
		}
		transaction, err := transactionStore.InsertTransaction(ctx, Transaction{
			CardID:         card.ID,
			OrderID:        orderID,
			AmountCents:    reservation.AmountCents,
			Type:           TransactionRedemption,
			CreatedUnixUTC: nowUnixUTC,
		})
		if err != nil {
			return err
		}
		confirmation = &Confirmation{Reservation: reservation, Transaction: transaction, Card: card}
		return nil
	})
	entry := OperationLog{
		Operation: operationConfirm,
		SessionID: sessionID,
		Error:     operationError,
	}
	if confirmation != nil {
		entry.CardID = confirmation.Card.ID
		entry.Code = confirmation.Card.Code
		entry.Amount = confirmation.Reservation.AmountCents
	} else if operationError == nil {
		entry.Status = operationStatusNoop
	}
	service.logOperation(ctx, entry)
	if operationError != nil {
		return nil, operationError
	}
	return confirmation, nil
}

// RedeemDirect spends from a card without a prior reservation.
func (service *Service) RedeemDirect(ctx context.Context, code Code, amount AmountCents, orderID OrderID) (GiftCard, error) {
	var redeemed GiftCard
	var operationError error
	if amount <= 0 {
		operationError = fmt.Errorf("%w: must be greater than zero", ErrInvalidAmountCents)
	} else {
		operationError = service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			card, err := transactionStore.GetCardByCode(ctx, code)
			if err != nil {
				return err
			}
			nowUnixUTC := service.nowFn()
			if status := EffectiveStatus(card, nowUnixUTC); status != CardStatusActive {
				return fmt.Errorf("%w: status %s", ErrCardNotActive, status)
			}
			if card.RemainingAmount < amount {
				return fmt.Errorf("%w: remaining %d, requested %d", ErrInsufficientBalance, card.RemainingAmount, amount)
			}
			redeemed, err = service.applyBalanceChange(ctx, transactionStore, card.ID, -amount.Int64(), nowUnixUTC)
			if isRejectedChange(err) {
				return explainRejectedChange(ctx, transactionStore, card.ID, -amount.Int64())
			}
			if err != nil {
				return err
			}
			_, err = transactionStore.InsertTransaction(ctx, Transaction{
				CardID:         card.ID,
				OrderID:        orderID,
				AmountCents:    amount,
				Type:           TransactionRedemption,
				CreatedUnixUTC: nowUnixUTC,
			})
			return err
		})
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationRedeem,
		CardID:    redeemed.ID,
		Code:      code,
		OrderID:   orderID,
		Amount:    amount,
		Error:     operationError,
	})
	if operationError != nil {
		return GiftCard{}, operationError
	}
	return redeemed, nil
}

// Refund credits a card back, never above its initial amount.
func (service *Service) Refund(ctx context.Context, code Code, amount AmountCents, orderID OrderID) (GiftCard, error) {
	var refunded GiftCard
	var operationError error
	if amount <= 0 {
		operationError = fmt.Errorf("%w: must be greater than zero", ErrInvalidAmountCents)
	} else {
		operationError = service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			card, err := transactionStore.GetCardByCode(ctx, code)
			if err != nil {
				return err
			}
			if card.Status == CardStatusCancelled {
				return fmt.Errorf("%w: status %s", ErrCardNotActive, card.Status)
			}
			if card.RemainingAmount+amount > card.InitialAmount {
				return fmt.Errorf("%w: remaining %d + %d > initial %d", ErrRefundExceedsInitial, card.RemainingAmount, amount, card.InitialAmount)
			}
			nowUnixUTC := service.nowFn()
			refunded, err = service.applyBalanceChange(ctx, transactionStore, card.ID, amount.Int64(), nowUnixUTC)
			if isRejectedChange(err) {
				return explainRejectedChange(ctx, transactionStore, card.ID, amount.Int64())
			}
			if err != nil {
				return err
			}
			_, err = transactionStore.InsertTransaction(ctx, Transaction{
				CardID:         card.ID,
				OrderID:        orderID,
				AmountCents:    amount,
				Type:           TransactionRefund,
				CreatedUnixUTC: nowUnixUTC,
			})
			return err
		})
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationRefund,
		CardID:    refunded.ID,
		Code:      code,
		OrderID:   orderID,
		Amount:    amount,
		Error:     operationError,
	})
	if operationError != nil {
		return GiftCard{}, operationError
	}
	return refunded, nil
}
