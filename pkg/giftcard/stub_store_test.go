package giftcard

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// stubStore is an in-memory Store. WithTx serializes transactions and rolls
// back on error; ApplyBalanceChange emulates the conditional update.
type stubStore struct {
	txMutex      sync.Mutex
	mutex        sync.Mutex
	cards        map[string]GiftCard
	reservations []Reservation
	transactions []Transaction
	sequence     int
	statusWrites int
	failOn       map[string]error
}

type stubSnapshot struct {
	cards        map[string]GiftCard
	reservations []Reservation
	transactions []Transaction
	sequence     int
	statusWrites int
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		cards:  make(map[string]GiftCard),
		failOn: make(map[string]error),
	}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	if err := store.fail("WithTx"); err != nil {
		return err
	}
	store.txMutex.Lock()
	defer store.txMutex.Unlock()
	snapshot := store.snapshot()
	if err := fn(ctx, store); err != nil {
		store.restore(snapshot)
		return err
	}
	return nil
}

func (store *stubStore) CodeExists(ctx context.Context, code Code) (bool, error) {
	if err := store.fail("CodeExists"); err != nil {
		return false, err
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	for _, card := range store.cards {
		if card.Code == code {
			return true, nil
		}
	}
	return false, nil
}

func (store *stubStore) CreateCard(ctx context.Context, card GiftCard) (GiftCard, error) {
	if err := store.fail("CreateCard"); err != nil {
		return GiftCard{}, err
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	card.ID = CardID{value: store.nextID("card")}
	store.cards[card.ID.String()] = card
	return card, nil
}

func (store *stubStore) GetCardByCode(ctx context.Context, code Code) (GiftCard, error) {
	if err := store.fail("GetCardByCode"); err != nil {
		return GiftCard{}, err
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	for _, card := range store.cards {
		if card.Code == code {
			return card, nil
		}
	}
	return GiftCard{}, ErrUnknownCard
}

func (store *stubStore) GetCardByID(ctx context.Context, cardID CardID) (GiftCard, error) {
	if err := store.fail("GetCardByID"); err != nil {
		return GiftCard{}, err
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	card, ok := store.cards[cardID.String()]
	if !ok {
		return GiftCard{}, ErrUnknownCard
	}
	return card, nil
}

func (store *stubStore) ListCards(ctx context.Context, filter CardFilter) ([]GiftCard, error) {
	if err := store.fail("ListCards"); err != nil {
		return nil, err
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	matched := make([]GiftCard, 0, len(store.cards))
	for _, card := range store.sortedCards() {
		status := card.Status
		if filter.AtUnixUTC != 0 {
			status = EffectiveStatus(card, filter.AtUnixUTC)
		}
		if filter.Status != "" && status != filter.Status {
			continue
		}
		if filter.Search != "" && !strings.Contains(card.Code.String(), strings.ToUpper(filter.Search)) &&
			!strings.Contains(card.Parties.RecipientEmail, filter.Search) {
			continue
		}
		matched = append(matched, card)
	}
	if filter.Offset >= len(matched) {
		return []GiftCard{}, nil
	}
	matched = matched[filter.Offset:]
	if len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

func (store *stubStore) ListCardsAfter(ctx context.Context, after CardID, limit int) ([]GiftCard, error) {
	if err := store.fail("ListCardsAfter"); err != nil {
		return nil, err
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	page := make([]GiftCard, 0, limit)
	for _, card := range store.sortedCards() {
		if card.ID.String() <= after.String() {
			continue
		}
		page = append(page, card)
		if len(page) == limit {
			break
		}
	}
	return page, nil
}

func (store *stubStore) ApplyBalanceChange(ctx context.Context, change BalanceChange) (GiftCard, error) {
	if err := store.fail("ApplyBalanceChange"); err != nil {
		return GiftCard{}, err
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	card, ok := store.cards[change.CardID.String()]
	if !ok {
		return GiftCard{}, ErrBalanceChangeRejected
	}
	next := card.RemainingAmount.Int64() + change.Delta
	if card.Status == CardStatusCancelled || next < 0 || next > card.InitialAmount.Int64() {
		return GiftCard{}, ErrBalanceChangeRejected
	}
	card.RemainingAmount = AmountCents(next)
	card.LastUsedAtUnixUTC = change.UsedAtUnixUTC
	store.cards[card.ID.String()] = card
	return card, nil
}

func (store *stubStore) UpdateCardStatus(ctx context.Context, cardID CardID, from, to CardStatus) (bool, error) {
	if err := store.fail("UpdateCardStatus"); err != nil {
		return false, err
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	card, ok := store.cards[cardID.String()]
	if !ok || card.Status != from {
		return false, nil
	}
	card.Status = to
	store.cards[cardID.String()] = card
	store.statusWrites++
	return true, nil
}

func (store *stubStore) CreateReservation(ctx context.Context, reservation Reservation) (Reservation, error) {
	if err := store.fail("CreateReservation"); err != nil {
		return Reservation{}, err
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	for _, existing := range store.reservations {
		if existing.SessionID == reservation.SessionID && existing.Status == ReservationStatusActive {
			return Reservation{}, ErrReservationExists
		}
	}
	reservation.ID = store.nextID("reservation")
	store.reservations = append(store.reservations, reservation)
	return reservation, nil
}

func (store *stubStore) GetActiveReservationBySession(ctx context.Context, sessionID SessionID) (Reservation, error) {
	if err := store.fail("GetActiveReservationBySession"); err != nil {
		return Reservation{}, err
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	for _, reservation := range store.reservations {
		if reservation.SessionID == sessionID && reservation.Status == ReservationStatusActive {
			return reservation, nil
		}
	}
	return Reservation{}, ErrUnknownReservation
}

func (store *stubStore) UpdateReservationStatus(ctx context.Context, reservationID string, from, to ReservationStatus) error {
	if err := store.fail("UpdateReservationStatus"); err != nil {
		return err
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	for index, reservation := range store.reservations {
		if reservation.ID != reservationID {
			continue
		}
		if reservation.Status != from {
			return ErrReservationClosed
		}
		store.reservations[index].Status = to
		return nil
	}
	return ErrUnknownReservation
}

func (store *stubStore) CancelActiveReservations(ctx context.Context, filter ReservationFilter) (int64, error) {
	if err := store.fail("CancelActiveReservations"); err != nil {
		return 0, err
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	var cancelled int64
	for index, reservation := range store.reservations {
		if reservation.Status != ReservationStatusActive {
			continue
		}
		if !filter.SessionID.IsZero() && reservation.SessionID != filter.SessionID {
			continue
		}
		if !filter.CardID.IsZero() && reservation.CardID != filter.CardID {
			continue
		}
		if filter.CreatedBeforeUnixUTC != 0 && reservation.CreatedUnixUTC > filter.CreatedBeforeUnixUTC {
			continue
		}
		store.reservations[index].Status = ReservationStatusCancelled
		cancelled++
	}
	return cancelled, nil
}

func (store *stubStore) ExpireReservations(ctx context.Context, atUnixUTC int64) (int64, error) {
	if err := store.fail("ExpireReservations"); err != nil {
		return 0, err
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	var expired int64
	for index, reservation := range store.reservations {
		if reservation.Status == ReservationStatusActive && reservation.ExpiresAtUnixUTC < atUnixUTC {
			store.reservations[index].Status = ReservationStatusExpired
			expired++
		}
	}
	return expired, nil
}

func (store *stubStore) ListActiveReservations(ctx context.Context, cardID CardID) ([]Reservation, error) {
	if err := store.fail("ListActiveReservations"); err != nil {
		return nil, err
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	active := make([]Reservation, 0)
	for _, reservation := range store.reservations {
		if reservation.CardID == cardID && reservation.Status == ReservationStatusActive {
			active = append(active, reservation)
		}
	}
	return active, nil
}

func (store *stubStore) SumLiveReservations(ctx context.Context, cardID CardID, atUnixUTC int64) (AmountCents, error) {
	if err := store.fail("SumLiveReservations"); err != nil {
		return 0, err
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	var total AmountCents
	for _, reservation := range store.reservations {
		if reservation.CardID == cardID && reservation.IsLive(atUnixUTC) {
			total += reservation.AmountCents
		}
	}
	return total, nil
}

func (store *stubStore) InsertTransaction(ctx context.Context, transaction Transaction) (Transaction, error) {
	if err := store.fail("InsertTransaction"); err != nil {
		return Transaction{}, err
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	transaction.ID = store.nextID("transaction")
	store.transactions = append(store.transactions, transaction)
	return transaction, nil
}

func (store *stubStore) ListTransactions(ctx context.Context, cardID CardID, limit int) ([]Transaction, error) {
	if err := store.fail("ListTransactions"); err != nil {
		return nil, err
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	listed := make([]Transaction, 0)
	for index := len(store.transactions) - 1; index >= 0 && len(listed) < limit; index-- {
		if store.transactions[index].CardID == cardID {
			listed = append(listed, store.transactions[index])
		}
	}
	return listed, nil
}

func (store *stubStore) fail(method string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.failOn[method]
}

func (store *stubStore) failMethod(method string, err error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.failOn[method] = err
}

func (store *stubStore) nextID(prefix string) string {
	store.sequence++
	return fmt.Sprintf("%s-%04d", prefix, store.sequence)
}

func (store *stubStore) sortedCards() []GiftCard {
	cards := make([]GiftCard, 0, len(store.cards))
	for _, card := range store.cards {
		cards = append(cards, card)
	}
	sort.Slice(cards, func(left, right int) bool {
		return cards[left].ID.String() < cards[right].ID.String()
	})
	return cards
}

func (store *stubStore) snapshot() stubSnapshot {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	cards := make(map[string]GiftCard, len(store.cards))
	for key, card := range store.cards {
		cards[key] = card
	}
	return stubSnapshot{
		cards:        cards,
		reservations: append([]Reservation(nil), store.reservations...),
		transactions: append([]Transaction(nil), store.transactions...),
		sequence:     store.sequence,
		statusWrites: store.statusWrites,
	}
}

func (store *stubStore) restore(snapshot stubSnapshot) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.cards = snapshot.cards
	store.reservations = snapshot.reservations
	store.transactions = snapshot.transactions
	store.sequence = snapshot.sequence
	store.statusWrites = snapshot.statusWrites
}

func (store *stubStore) mustCard(test *testing.T, cardID CardID) GiftCard {
	test.Helper()
	store.mutex.Lock()
	defer store.mutex.Unlock()
	card, ok := store.cards[cardID.String()]
	if !ok {
		test.Fatalf("card %s not found", cardID.String())
	}
	return card
}

func (store *stubStore) putCard(card GiftCard) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.cards[card.ID.String()] = card
}

func (store *stubStore) transactionsOf(cardID CardID, transactionType TransactionType) []Transaction {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	matched := make([]Transaction, 0)
	for _, transaction := range store.transactions {
		if transaction.CardID == cardID && transaction.Type == transactionType {
			matched = append(matched, transaction)
		}
	}
	return matched
}

func (store *stubStore) reservationStatus(test *testing.T, sessionID SessionID) ReservationStatus {
	test.Helper()
	store.mutex.Lock()
	defer store.mutex.Unlock()
	for index := len(store.reservations) - 1; index >= 0; index-- {
		if store.reservations[index].SessionID == sessionID {
			return store.reservations[index].Status
		}
	}
	test.Fatalf("no reservation for session %s", sessionID.String())
	return ""
}

func (store *stubStore) writes() int {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.statusWrites
}

// assertLedgerInvariants checks both balance invariants for a card.
func assertLedgerInvariants(test *testing.T, store *stubStore, cardID CardID) {
	test.Helper()
	card := store.mustCard(test, cardID)
	if card.RemainingAmount < 0 || card.RemainingAmount > card.InitialAmount {
		test.Fatalf("remaining %d outside 0..%d", card.RemainingAmount, card.InitialAmount)
	}
	var redeemed, refunded AmountCents
	for _, transaction := range store.transactionsOf(cardID, TransactionRedemption) {
		redeemed += transaction.AmountCents
	}
	for _, transaction := range store.transactionsOf(cardID, TransactionRefund) {
		refunded += transaction.AmountCents
	}
	if card.InitialAmount-card.RemainingAmount != redeemed-refunded {
		test.Fatalf("expected initial-remaining %d to equal redeemed-refunded %d", card.InitialAmount-card.RemainingAmount, redeemed-refunded)
	}
}

type testClock struct {
	now atomic.Int64
}

func newTestClock(start int64) *testClock {
	clock := &testClock{}
	clock.now.Store(start)
	return clock
}

func (clock *testClock) Now() int64 {
	return clock.now.Load()
}

func (clock *testClock) Advance(duration time.Duration) {
	clock.now.Add(int64(duration / time.Second))
}

type sequenceGenerator struct {
	mutex sync.Mutex
	codes []string
	index int
}

func (generator *sequenceGenerator) Next() (Code, error) {
	generator.mutex.Lock()
	defer generator.mutex.Unlock()
	if generator.index >= len(generator.codes) {
		return Code{}, fmt.Errorf("sequence exhausted")
	}
	raw := generator.codes[generator.index]
	generator.index++
	return NewCode(raw)
}

const testStartUnixUTC = 1_700_000_000

func mustNewService(test *testing.T, store Store, clock *testClock, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, clock.Now, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustCreateCard(test *testing.T, service *Service, amount AmountCents, expiresAtUnixUTC int64) GiftCard {
	test.Helper()
	card, err := service.Create(context.Background(), CreateCardRequest{
		InitialAmount:    amount,
		Currency:         "USD",
		ExpiresAtUnixUTC: expiresAtUnixUTC,
		Parties: Parties{
			SenderName:     "Ada",
			RecipientName:  "Grace",
			RecipientEmail: "grace@example.com",
		},
	})
	if err != nil {
		test.Fatalf("create card: %v", err)
	}
	return card
}

func mustSessionID(test *testing.T, raw string) SessionID {
	test.Helper()
	sessionID, err := NewSessionID(raw)
	if err != nil {
		test.Fatalf("session id: %v", err)
	}
	return sessionID
}

func mustOrderID(test *testing.T, raw string) OrderID {
	test.Helper()
	orderID, err := NewOrderID(raw)
	if err != nil {
		test.Fatalf("order id: %v", err)
	}
	return orderID
}

func mustCode(test *testing.T, raw string) Code {
	test.Helper()
	code, err := NewCode(raw)
	if err != nil {
		test.Fatalf("code: %v", err)
	}
	return code
}
