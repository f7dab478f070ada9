package giftcard

import "context"

// SweepExpiredReservations marks every active reservation past its expiry as expired.
// Availability already ignores such reservations; the sweep keeps stored state tidy.
func (service *Service) SweepExpiredReservations(ctx context.Context) (int64, error) {
	swept, err := service.store.ExpireReservations(ctx, service.nowFn())
	service.logOperation(ctx, OperationLog{
		Operation: operationSweep,
		Affected:  swept,
		Error:     err,
	})
	if err != nil {
		return 0, err
	}
	return swept, nil
}

// ReconcileStatuses rewrites stored statuses that disagree with ComputeStatus and
// returns how many rows changed. Cancelled cards are left alone.
// Each rewrite is conditional on the status that was read, so a card changed
// concurrently is skipped rather than overwritten.
func (service *Service) ReconcileStatuses(ctx context.Context) (int64, error) {
	var corrected int64
	operationError := service.reconcile(ctx, &corrected)
	service.logOperation(ctx, OperationLog{
		Operation: operationReconcile,
		Affected:  corrected,
		Error:     operationError,
	})
	if operationError != nil {
		return corrected, operationError
	}
	return corrected, nil
}

func (service *Service) reconcile(ctx context.Context, corrected *int64) error {
	nowUnixUTC := service.nowFn()
	var after CardID
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		cards, err := service.store.ListCardsAfter(ctx, after, reconcileBatchSize)
		if err != nil {
			return err
		}
		for _, card := range cards {
			if card.Status == CardStatusCancelled {
				continue
			}
			status := ComputeStatus(card.RemainingAmount, card.ExpiresAtUnixUTC, nowUnixUTC)
			if status == card.Status {
				continue
			}
			updated, err := service.store.UpdateCardStatus(ctx, card.ID, card.Status, status)
			if err != nil {
				return err
			}
			if updated {
				*corrected++
			}
		}
		if len(cards) < reconcileBatchSize {
			return nil
		}
		after = cards[len(cards)-1].ID
	}
}
