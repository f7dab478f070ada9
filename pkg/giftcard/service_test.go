package giftcard

import (
	"context"
	"errors"
	"testing"
	"time"
)

const errorMismatchMessage = "expected %v, got %v"

var errStoreFailure = errors.New("store error")

func TestNewServiceRequiresDependencies(test *testing.T) {
	test.Parallel()
	if _, err := NewService(nil, func() int64 { return 0 }); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig for nil store, got %v", err)
	}
	if _, err := NewService(newStubStore(test), nil); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig for nil clock, got %v", err)
	}
	if _, err := NewService(newStubStore(test), func() int64 { return 0 }, WithAmountBounds(100, 50)); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig for inverted bounds, got %v", err)
	}
	if _, err := NewService(newStubStore(test), func() int64 { return 0 }, WithReservationTTL(MaxReservationTTL+time.Hour)); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig for oversized ttl, got %v", err)
	}
}

func TestCreateIssuesActiveCardAndPurchaseTransaction(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store, newTestClock(testStartUnixUTC))

	card, err := service.Create(context.Background(), CreateCardRequest{
		InitialAmount:     5000,
		Currency:          "usd",
		PurchasePaymentID: " pay_123 ",
	})
	if err != nil {
		test.Fatalf("create: %v", err)
	}
	if card.Status != CardStatusActive {
		test.Fatalf("expected active card, got %s", card.Status)
	}
	if card.RemainingAmount != card.InitialAmount || card.InitialAmount != 5000 {
		test.Fatalf("expected remaining == initial == 5000, got %d/%d", card.RemainingAmount, card.InitialAmount)
	}
	if card.Currency != "USD" {
		test.Fatalf("expected normalized currency USD, got %s", card.Currency)
	}
	if _, err := NewCode(card.Code.String()); err != nil {
		test.Fatalf("issued code does not parse: %v", err)
	}
	purchases := store.transactionsOf(card.ID, TransactionPurchase)
	if len(purchases) != 1 {
		test.Fatalf("expected one purchase transaction, got %d", len(purchases))
	}
	if purchases[0].AmountCents != 5000 || purchases[0].OrderID.String() != "pay_123" {
		test.Fatalf("unexpected purchase transaction: %+v", purchases[0])
	}
	assertLedgerInvariants(test, store, card.ID)
}

func TestCreateValidatesAmountAndCurrency(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name     string
		amount   AmountCents
		currency Currency
		wantErr  error
	}{
		{name: "below minimum", amount: 499, currency: "USD", wantErr: ErrAmountOutOfRange},
		{name: "above maximum", amount: 50001, currency: "USD", wantErr: ErrAmountOutOfRange},
		{name: "malformed currency", amount: 1000, currency: "US", wantErr: ErrInvalidCurrency},
		{name: "unsupported currency", amount: 1000, currency: "JPY", wantErr: ErrInvalidCurrency},
		{name: "minimum accepted", amount: 500, currency: "EUR"},
		{name: "maximum accepted", amount: 50000, currency: "gbp"},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			store := newStubStore(test)
			service := mustNewService(test, store, newTestClock(testStartUnixUTC))
			_, err := service.Create(context.Background(), CreateCardRequest{InitialAmount: testCase.amount, Currency: testCase.currency})
			if testCase.wantErr == nil {
				if err != nil {
					test.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, testCase.wantErr) || !errors.Is(err, ErrValidation) {
				test.Fatalf(errorMismatchMessage, testCase.wantErr, err)
			}
		})
	}
}

func TestCreateRetriesCodeCollisions(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	generator := &sequenceGenerator{codes: []string{"AAAA-AAAA-AAAA-AAAA", "AAAA-AAAA-AAAA-AAAA", "BBBB-BBBB-BBBB-BBBB"}}
	service := mustNewService(test, store, newTestClock(testStartUnixUTC), WithCodeGenerator(generator.Next))

	first := mustCreateCard(test, service, 1000, 0)
	second := mustCreateCard(test, service, 1000, 0)
	if first.Code.String() != "AAAA-AAAA-AAAA-AAAA" {
		test.Fatalf("unexpected first code %s", first.Code.String())
	}
	if second.Code.String() != "BBBB-BBBB-BBBB-BBBB" {
		test.Fatalf("expected collision to be retried, got %s", second.Code.String())
	}
}

func TestCreateGivesUpAfterRepeatedCollisions(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	codes := make([]string, 0, maxCodeAttempts+1)
	for index := 0; index <= maxCodeAttempts; index++ {
		codes = append(codes, "CCCC-CCCC-CCCC-CCCC")
	}
	generator := &sequenceGenerator{codes: codes}
	service := mustNewService(test, store, newTestClock(testStartUnixUTC), WithCodeGenerator(generator.Next))

	mustCreateCard(test, service, 1000, 0)
	_, err := service.Create(context.Background(), CreateCardRequest{InitialAmount: 1000, Currency: "USD"})
	if !errors.Is(err, ErrCodeGeneration) {
		test.Fatalf(errorMismatchMessage, ErrCodeGeneration, err)
	}
	if len(store.cards) != 1 {
		test.Fatalf("expected failed create to leave one card, got %d", len(store.cards))
	}
}

func TestCheckCodeReportsAvailability(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	clock := newTestClock(testStartUnixUTC)
	service := mustNewService(test, store, clock)
	card := mustCreateCard(test, service, 5000, 0)

	if _, err := service.HoldForCheckout(context.Background(), card.Code, mustSessionID(test, "S1"), 1200, 0); err != nil {
		test.Fatalf("hold: %v", err)
	}
	check, err := service.CheckCode(context.Background(), card.Code)
	if err != nil {
		test.Fatalf("check code: %v", err)
	}
	if check.Status != CardStatusActive || check.Available != 3800 || check.Card.Currency != "USD" {
		test.Fatalf("unexpected check: %+v", check)
	}
}

func TestCheckCodeUnknownCode(test *testing.T) {
	test.Parallel()
	service := mustNewService(test, newStubStore(test), newTestClock(testStartUnixUTC))
	_, err := service.CheckCode(context.Background(), mustCode(test, "ZZZZ-ZZZZ-ZZZZ-ZZZZ"))
	if !errors.Is(err, ErrNotFound) {
		test.Fatalf(errorMismatchMessage, ErrNotFound, err)
	}
}

// Scenario C.
func TestCheckCodeReportsExpiredCardAndRejectsHold(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	clock := newTestClock(testStartUnixUTC)
	service := mustNewService(test, store, clock)
	card := mustCreateCard(test, service, 1000, clock.Now()-1)

	check, err := service.CheckCode(context.Background(), card.Code)
	if !errors.Is(err, ErrCardNotActive) || !errors.Is(err, ErrInvalidState) {
		test.Fatalf(errorMismatchMessage, ErrCardNotActive, err)
	}
	if check.Status != CardStatusExpired {
		test.Fatalf("expected expired status, got %s", check.Status)
	}
	_, err = service.HoldForCheckout(context.Background(), card.Code, mustSessionID(test, "late"), 100, 0)
	if !errors.Is(err, ErrCardNotActive) {
		test.Fatalf(errorMismatchMessage, ErrCardNotActive, err)
	}
}

func TestAvailableBalanceNeverNegative(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	clock := newTestClock(testStartUnixUTC)
	service := mustNewService(test, store, clock)
	card := mustCreateCard(test, service, 1000, 0)

	for _, session := range []string{"over-1", "over-2"} {
		if _, err := service.Reserve(context.Background(), card.ID, mustSessionID(test, session), 800, time.Hour); err != nil {
			test.Fatalf("reserve %s: %v", session, err)
		}
	}
	available, err := service.AvailableBalance(context.Background(), card.ID)
	if err != nil {
		test.Fatalf("available: %v", err)
	}
	if available != 0 {
		test.Fatalf("expected available clamped to 0, got %d", available)
	}
}

func TestListAllFiltersAndValidates(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	clock := newTestClock(testStartUnixUTC)
	service := mustNewService(test, store, clock)
	active := mustCreateCard(test, service, 1000, 0)
	redeemed := mustCreateCard(test, service, 1000, 0)
	if _, err := service.RedeemDirect(context.Background(), redeemed.Code, 1000, OrderID{}); err != nil {
		test.Fatalf("redeem: %v", err)
	}

	cards, err := service.ListAll(context.Background(), CardFilter{Status: CardStatusActive})
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if len(cards) != 1 || cards[0].ID != active.ID {
		test.Fatalf("expected only the active card, got %+v", cards)
	}
	if _, err := service.ListAll(context.Background(), CardFilter{Status: "bogus"}); !errors.Is(err, ErrInvalidCardStatus) {
		test.Fatalf(errorMismatchMessage, ErrInvalidCardStatus, err)
	}
	if _, err := service.ListAll(context.Background(), CardFilter{Limit: maxListLimit + 1}); !errors.Is(err, ErrInvalidListLimit) {
		test.Fatalf(errorMismatchMessage, ErrInvalidListLimit, err)
	}
}

func TestReadPathsReportEffectiveStatus(test *testing.T) {
	test.Parallel()
	ctx := context.Background()
	store := newStubStore(test)
	clock := newTestClock(testStartUnixUTC)
	service := mustNewService(test, store, clock)
	expiring := mustCreateCard(test, service, 1000, clock.Now()+60)
	lapsed := mustCreateCard(test, service, 1000, clock.Now()-1)
	open := mustCreateCard(test, service, 1000, 0)
	if lapsed.Status != CardStatusExpired {
		test.Fatalf("expected card created past expiry to be expired, got %s", lapsed.Status)
	}
	clock.Advance(2 * time.Minute)
	if stored := store.mustCard(test, expiring.ID).Status; stored != CardStatusActive {
		test.Fatalf("expected stored status to lag before reconcile, got %s", stored)
	}

	card, err := service.GetByCode(ctx, expiring.Code)
	if err != nil || card.Status != CardStatusExpired {
		test.Fatalf("expected expired by code, got %s, %v", card.Status, err)
	}
	card, err = service.GetByID(ctx, expiring.ID)
	if err != nil || card.Status != CardStatusExpired {
		test.Fatalf("expected expired by id, got %s, %v", card.Status, err)
	}
	check, _ := service.CheckCode(ctx, expiring.Code)
	if check.Status != card.Status {
		test.Fatalf("expected check and admin reads to agree, got %s and %s", check.Status, card.Status)
	}

	expired, err := service.ListAll(ctx, CardFilter{Status: CardStatusExpired})
	if err != nil || len(expired) != 2 {
		test.Fatalf("expected both expired cards, got %+v, %v", expired, err)
	}
	for _, listed := range expired {
		if listed.Status != CardStatusExpired {
			test.Fatalf("expected listed status expired, got %s", listed.Status)
		}
	}
	active, err := service.ListAll(ctx, CardFilter{Status: CardStatusActive})
	if err != nil || len(active) != 1 || active[0].ID != open.ID {
		test.Fatalf("expected only the open card, got %+v, %v", active, err)
	}
}

func TestListTransactionsNewestFirst(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store, newTestClock(testStartUnixUTC))
	card := mustCreateCard(test, service, 5000, 0)
	if _, err := service.RedeemDirect(context.Background(), card.Code, 700, mustOrderID(test, "order-1")); err != nil {
		test.Fatalf("redeem: %v", err)
	}

	transactions, err := service.ListTransactions(context.Background(), card.ID, 0)
	if err != nil {
		test.Fatalf("list transactions: %v", err)
	}
	if len(transactions) != 2 {
		test.Fatalf("expected 2 transactions, got %d", len(transactions))
	}
	if transactions[0].Type != TransactionRedemption || transactions[1].Type != TransactionPurchase {
		test.Fatalf("unexpected order: %s, %s", transactions[0].Type, transactions[1].Type)
	}
	if _, err := service.ListTransactions(context.Background(), CardID{value: "missing"}, 0); !errors.Is(err, ErrUnknownCard) {
		test.Fatalf(errorMismatchMessage, ErrUnknownCard, err)
	}
}

func TestCancelCardReleasesReservationsAndSticks(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	clock := newTestClock(testStartUnixUTC)
	service := mustNewService(test, store, clock)
	card := mustCreateCard(test, service, 5000, 0)
	sessionID := mustSessionID(test, "cancel-me")
	if _, err := service.HoldForCheckout(context.Background(), card.Code, sessionID, 1000, 0); err != nil {
		test.Fatalf("hold: %v", err)
	}

	cancelled, err := service.CancelCard(context.Background(), card.Code)
	if err != nil {
		test.Fatalf("cancel card: %v", err)
	}
	if cancelled.Status != CardStatusCancelled {
		test.Fatalf("expected cancelled, got %s", cancelled.Status)
	}
	if status := store.reservationStatus(test, sessionID); status != ReservationStatusCancelled {
		test.Fatalf("expected reservation cancelled, got %s", status)
	}
	if _, err := service.CancelCard(context.Background(), card.Code); err != nil {
		test.Fatalf("second cancel should be a no-op: %v", err)
	}
	if _, err := service.RedeemDirect(context.Background(), card.Code, 100, OrderID{}); !errors.Is(err, ErrCardNotActive) {
		test.Fatalf(errorMismatchMessage, ErrCardNotActive, err)
	}
	if _, err := service.Refund(context.Background(), card.Code, 100, OrderID{}); !errors.Is(err, ErrCardNotActive) {
		test.Fatalf(errorMismatchMessage, ErrCardNotActive, err)
	}
	if corrected, err := service.ReconcileStatuses(context.Background()); err != nil || corrected != 0 {
		test.Fatalf("expected reconcile to skip cancelled card, got %d, %v", corrected, err)
	}
	if store.mustCard(test, card.ID).Status != CardStatusCancelled {
		test.Fatalf("cancelled status must not be reconciled away")
	}
}

func TestServiceReturnsStoreErrors(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name   string
		method string
		run    func(service *Service, card GiftCard) error
	}{
		{
			name:   "create insert transaction",
			method: "InsertTransaction",
			run: func(service *Service, card GiftCard) error {
				_, err := service.Create(context.Background(), CreateCardRequest{InitialAmount: 1000, Currency: "USD"})
				return err
			},
		},
		{
			name:   "check code sum reservations",
			method: "SumLiveReservations",
			run: func(service *Service, card GiftCard) error {
				_, err := service.CheckCode(context.Background(), card.Code)
				return err
			},
		},
		{
			name:   "redeem apply balance",
			method: "ApplyBalanceChange",
			run: func(service *Service, card GiftCard) error {
				_, err := service.RedeemDirect(context.Background(), card.Code, 100, OrderID{})
				return err
			},
		},
		{
			name:   "hold create reservation",
			method: "CreateReservation",
			run: func(service *Service, card GiftCard) error {
				_, err := service.HoldForCheckout(context.Background(), card.Code, SessionID{value: "S"}, 100, 0)
				return err
			},
		},
		{
			name:   "sweep",
			method: "ExpireReservations",
			run: func(service *Service, card GiftCard) error {
				_, err := service.SweepExpiredReservations(context.Background())
				return err
			},
		},
		{
			name:   "reconcile",
			method: "ListCardsAfter",
			run: func(service *Service, card GiftCard) error {
				_, err := service.ReconcileStatuses(context.Background())
				return err
			},
		},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			store := newStubStore(test)
			service := mustNewService(test, store, newTestClock(testStartUnixUTC))
			card := mustCreateCard(test, service, 1000, 0)
			store.failMethod(testCase.method, errStoreFailure)

			err := testCase.run(service, card)
			if !errors.Is(err, errStoreFailure) {
				test.Fatalf(errorMismatchMessage, errStoreFailure, err)
			}
			assertLedgerInvariants(test, store, card.ID)
		})
	}
}
