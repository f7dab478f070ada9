package giftcard

import (
	"context"
	"testing"
	"time"
)

func TestSweepExpiredReservations(test *testing.T) {
	test.Parallel()
	ctx := context.Background()
	store := newStubStore(test)
	clock := newTestClock(testStartUnixUTC)
	service := mustNewService(test, store, clock)
	card := mustCreateCard(test, service, 5000, 0)
	shortSession := mustSessionID(test, "short")
	longSession := mustSessionID(test, "long")
	if _, err := service.Reserve(ctx, card.ID, shortSession, 100, time.Minute); err != nil {
		test.Fatalf("reserve short: %v", err)
	}
	if _, err := service.Reserve(ctx, card.ID, longSession, 100, time.Hour); err != nil {
		test.Fatalf("reserve long: %v", err)
	}
	clock.Advance(5 * time.Minute)

	swept, err := service.SweepExpiredReservations(ctx)
	if err != nil || swept != 1 {
		test.Fatalf("expected one swept reservation, got %d, %v", swept, err)
	}
	if status := store.reservationStatus(test, shortSession); status != ReservationStatusExpired {
		test.Fatalf("expected expired, got %s", status)
	}
	if status := store.reservationStatus(test, longSession); status != ReservationStatusActive {
		test.Fatalf("expected active, got %s", status)
	}
	swept, err = service.SweepExpiredReservations(ctx)
	if err != nil || swept != 0 {
		test.Fatalf("expected idempotent sweep, got %d, %v", swept, err)
	}
	confirmation, err := service.ConfirmBySession(ctx, shortSession)
	if err != nil || confirmation != nil {
		test.Fatalf("expected swept reservation to be unconfirmable, got %+v, %v", confirmation, err)
	}
}

func TestReconcileStatusesIsIdempotent(test *testing.T) {
	test.Parallel()
	ctx := context.Background()
	store := newStubStore(test)
	clock := newTestClock(testStartUnixUTC)
	service := mustNewService(test, store, clock)
	expiring := mustCreateCard(test, service, 1000, clock.Now()+60)
	drifted := mustCreateCard(test, service, 1000, 0)
	healthy := mustCreateCard(test, service, 1000, 0)

	broken := store.mustCard(test, drifted.ID)
	broken.Status = CardStatusRedeemed
	store.putCard(broken)
	clock.Advance(2 * time.Minute)

	corrected, err := service.ReconcileStatuses(ctx)
	if err != nil {
		test.Fatalf("reconcile: %v", err)
	}
	if corrected != 2 {
		test.Fatalf("expected 2 corrections, got %d", corrected)
	}
	if status := store.mustCard(test, expiring.ID).Status; status != CardStatusExpired {
		test.Fatalf("expected expired, got %s", status)
	}
	if status := store.mustCard(test, drifted.ID).Status; status != CardStatusActive {
		test.Fatalf("expected active, got %s", status)
	}
	if status := store.mustCard(test, healthy.ID).Status; status != CardStatusActive {
		test.Fatalf("expected active, got %s", status)
	}

	writesBefore := store.writes()
	corrected, err = service.ReconcileStatuses(ctx)
	if err != nil || corrected != 0 {
		test.Fatalf("expected no corrections on second pass, got %d, %v", corrected, err)
	}
	if store.writes() != writesBefore {
		test.Fatalf("expected zero writes on second pass, got %d", store.writes()-writesBefore)
	}
}

func TestReconcileStatusesPagesThroughAllCards(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	clock := newTestClock(testStartUnixUTC)
	service := mustNewService(test, store, clock)
	total := reconcileBatchSize + 3
	for index := 0; index < total; index++ {
		card := GiftCard{
			ID:              CardID{value: store.nextID("card")},
			InitialAmount:   1000,
			RemainingAmount: 0,
			Status:          CardStatusActive,
		}
		store.putCard(card)
	}

	corrected, err := service.ReconcileStatuses(context.Background())
	if err != nil {
		test.Fatalf("reconcile: %v", err)
	}
	if corrected != int64(total) {
		test.Fatalf("expected %d corrections, got %d", total, corrected)
	}
}

func TestReconcileStopsOnCancelledContext(test *testing.T) {
	test.Parallel()
	service := mustNewService(test, newStubStore(test), newTestClock(testStartUnixUTC))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := service.ReconcileStatuses(ctx); err == nil {
		test.Fatalf("expected context error")
	}
}
