package giftcard

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// AmountCents is an integer amount in minor currency units.
type AmountCents int64

// Int64 returns the raw amount.
func (amount AmountCents) Int64() int64 {
	return int64(amount)
}

// NewAmountCents validates a non-negative amount.
func NewAmountCents(raw int64) (AmountCents, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidAmountCents)
	}
	return AmountCents(raw), nil
}

// NewPositiveAmountCents validates an amount and ensures it is strictly positive.
func NewPositiveAmountCents(raw int64) (AmountCents, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmountCents)
	}
	return AmountCents(raw), nil
}

// CardID identifies a gift card row.
type CardID struct {
	value string
}

// NewCardID validates and normalizes a card id.
func NewCardID(raw string) (CardID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return CardID{}, fmt.Errorf("%w: empty value", ErrInvalidCardID)
	}
	return CardID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id CardID) String() string {
	return id.value
}

// IsZero reports whether the id is unset.
func (id CardID) IsZero() bool {
	return id.value == ""
}

// SessionID correlates a reservation with one checkout attempt.
type SessionID struct {
	value string
}

// NewSessionID validates and normalizes a checkout session id.
func NewSessionID(raw string) (SessionID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return SessionID{}, fmt.Errorf("%w: empty value", ErrInvalidSessionID)
	}
	if len(trimmed) > maxExternalIDLength {
		return SessionID{}, fmt.Errorf("%w: longer than %d characters", ErrInvalidSessionID, maxExternalIDLength)
	}
	return SessionID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id SessionID) String() string {
	return id.value
}

// IsZero reports whether the session id is unset.
func (id SessionID) IsZero() bool {
	return id.value == ""
}

// OrderID is the external correlation key stored on transactions.
type OrderID struct {
	value string
}

// NewOrderID validates and normalizes an order id.
func NewOrderID(raw string) (OrderID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return OrderID{}, fmt.Errorf("%w: empty value", ErrInvalidOrderID)
	}
	if len(trimmed) > maxExternalIDLength {
		return OrderID{}, fmt.Errorf("%w: longer than %d characters", ErrInvalidOrderID, maxExternalIDLength)
	}
	return OrderID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id OrderID) String() string {
	return id.value
}

// IsZero reports whether the order id is unset.
func (id OrderID) IsZero() bool {
	return id.value == ""
}

// MetadataJSON stores arbitrary party metadata.
type MetadataJSON struct {
	value string
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

// Currency is an upper-case ISO 4217 code.
type Currency string

// NewCurrency normalizes a three-letter currency code.
func NewCurrency(raw string) (Currency, error) {
	normalized := strings.ToUpper(strings.TrimSpace(raw))
	if len(normalized) != 3 {
		return "", fmt.Errorf("%w: %q", ErrInvalidCurrency, raw)
	}
	for _, character := range normalized {
		if character < 'A' || character > 'Z' {
			return "", fmt.Errorf("%w: %q", ErrInvalidCurrency, raw)
		}
	}
	return Currency(normalized), nil
}

// String returns the currency code.
func (currency Currency) String() string {
	return string(currency)
}

// CardStatus is the stored lifecycle status of a gift card.
type CardStatus string

const (
	CardStatusActive    CardStatus = "active"
	CardStatusRedeemed  CardStatus = "redeemed"
	CardStatusExpired   CardStatus = "expired"
	CardStatusCancelled CardStatus = "cancelled"
)

// ParseCardStatus validates a stored card status.
func ParseCardStatus(raw string) (CardStatus, error) {
	switch CardStatus(strings.TrimSpace(raw)) {
	case CardStatusActive:
		return CardStatusActive, nil
	case CardStatusRedeemed:
		return CardStatusRedeemed, nil
	case CardStatusExpired:
		return CardStatusExpired, nil
	case CardStatusCancelled:
		return CardStatusCancelled, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidCardStatus, raw)
	}
}

func (status CardStatus) String() string {
	return string(status)
}

// ReservationStatus defines reservation lifecycle.
type ReservationStatus string

const (
	ReservationStatusActive    ReservationStatus = "active"
	ReservationStatusConfirmed ReservationStatus = "confirmed"
	ReservationStatusExpired   ReservationStatus = "expired"
	ReservationStatusCancelled ReservationStatus = "cancelled"
)

// ParseReservationStatus validates a stored reservation status.
func ParseReservationStatus(raw string) (ReservationStatus, error) {
	switch ReservationStatus(strings.TrimSpace(raw)) {
	case ReservationStatusActive:
		return ReservationStatusActive, nil
	case ReservationStatusConfirmed:
		return ReservationStatusConfirmed, nil
	case ReservationStatusExpired:
		return ReservationStatusExpired, nil
	case ReservationStatusCancelled:
		return ReservationStatusCancelled, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidReservation, raw)
	}
}

func (status ReservationStatus) String() string {
	return string(status)
}

// IsTerminal reports whether no further transition is allowed.
func (status ReservationStatus) IsTerminal() bool {
	return status != ReservationStatusActive
}

// TransactionType enumerates transaction log kinds.
type TransactionType string

const (
	TransactionPurchase   TransactionType = "purchase"
	TransactionRedemption TransactionType = "redemption"
	TransactionRefund     TransactionType = "refund"
)

// ParseTransactionType validates a stored transaction type.
func ParseTransactionType(raw string) (TransactionType, error) {
	switch TransactionType(strings.TrimSpace(raw)) {
	case TransactionPurchase:
		return TransactionPurchase, nil
	case TransactionRedemption:
		return TransactionRedemption, nil
	case TransactionRefund:
		return TransactionRefund, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTransaction, raw)
	}
}

func (transactionType TransactionType) String() string {
	return string(transactionType)
}

// Parties holds sender and recipient details captured at purchase time.
type Parties struct {
	SenderName     string
	SenderEmail    string
	RecipientName  string
	RecipientEmail string
	Message        string
	Metadata       MetadataJSON
}

// GiftCard is a stored gift card ledger row.
type GiftCard struct {
	ID                CardID
	Code              Code
	InitialAmount     AmountCents
	RemainingAmount   AmountCents
	Currency          Currency
	Status            CardStatus
	ExpiresAtUnixUTC  int64
	LastUsedAtUnixUTC int64
	Parties           Parties
	PurchasePaymentID string
	CreatedUnixUTC    int64
}

// HasExpiry reports whether the card carries an expiry.
func (card GiftCard) HasExpiry() bool {
	return card.ExpiresAtUnixUTC != 0
}

// Reservation is a time-boxed hold against a card balance.
type Reservation struct {
	ID               string
	CardID           CardID
	SessionID        SessionID
	AmountCents      AmountCents
	Status           ReservationStatus
	ExpiresAtUnixUTC int64
	CreatedUnixUTC   int64
}

// IsLive reports whether the reservation counts against availability at the given instant.
func (reservation Reservation) IsLive(atUnixUTC int64) bool {
	return reservation.Status == ReservationStatusActive && reservation.ExpiresAtUnixUTC > atUnixUTC
}

// Transaction is an append-only transaction log line.
type Transaction struct {
	ID             string
	CardID         CardID
	OrderID        OrderID
	AmountCents    AmountCents
	Type           TransactionType
	CreatedUnixUTC int64
}

// CardFilter narrows card listings. Pagination is driven by the caller.
// When AtUnixUTC is set, Status matches the effective status at that instant,
// so an active card past its expiry is listed as expired.
type CardFilter struct {
	Status    CardStatus
	Search    string
	Limit     int
	Offset    int
	AtUnixUTC int64
}

// ReservationFilter selects active reservations for bulk transitions.
// Zero fields do not constrain; CreatedBeforeUnixUTC is inclusive.
type ReservationFilter struct {
	SessionID            SessionID
	CardID               CardID
	CreatedBeforeUnixUTC int64
}

// BalanceChange describes one atomic conditional change of a card's remaining amount.
// A negative delta is a redemption; a positive delta is a refund.
type BalanceChange struct {
	CardID         CardID
	Delta          int64
	UsedAtUnixUTC  int64
	UpdatedUnixUTC int64
}

// Store is the persistence contract used by Service.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	CodeExists(ctx context.Context, code Code) (bool, error)
	CreateCard(ctx context.Context, card GiftCard) (GiftCard, error)
	GetCardByCode(ctx context.Context, code Code) (GiftCard, error)
	GetCardByID(ctx context.Context, cardID CardID) (GiftCard, error)
	ListCards(ctx context.Context, filter CardFilter) ([]GiftCard, error)
	// ListCardsAfter pages through every card in id order, starting after the given id.
	ListCardsAfter(ctx context.Context, after CardID, limit int) ([]GiftCard, error)
	// ApplyBalanceChange must execute as a single conditional update that keeps
	// 0 <= remaining_amount <= initial_amount and never touches cancelled cards.
	// It returns ErrBalanceChangeRejected when the condition does not hold.
	ApplyBalanceChange(ctx context.Context, change BalanceChange) (GiftCard, error)
	UpdateCardStatus(ctx context.Context, cardID CardID, from, to CardStatus) (bool, error)

	CreateReservation(ctx context.Context, reservation Reservation) (Reservation, error)
	GetActiveReservationBySession(ctx context.Context, sessionID SessionID) (Reservation, error)
	UpdateReservationStatus(ctx context.Context, reservationID string, from, to ReservationStatus) error
	CancelActiveReservations(ctx context.Context, filter ReservationFilter) (int64, error)
	ExpireReservations(ctx context.Context, atUnixUTC int64) (int64, error)
	ListActiveReservations(ctx context.Context, cardID CardID) ([]Reservation, error)
	SumLiveReservations(ctx context.Context, cardID CardID, atUnixUTC int64) (AmountCents, error)

	InsertTransaction(ctx context.Context, transaction Transaction) (Transaction, error)
	ListTransactions(ctx context.Context, cardID CardID, limit int) ([]Transaction, error)
}
