package httpapi

import (
	"encoding/json"

	"github.com/MarkoPoloResearchLab/giftledger/pkg/giftcard"
	"github.com/shopspring/decimal"
)

// minorUnitExponent covers every currency the service issues cards in.
const minorUnitExponent = -2

type cardPayload struct {
	ID                   string          `json:"id"`
	Code                 string          `json:"code"`
	InitialAmountCents   int64           `json:"initial_amount_cents"`
	RemainingAmountCents int64           `json:"remaining_amount_cents"`
	InitialAmount        string          `json:"initial_amount"`
	RemainingAmount      string          `json:"remaining_amount"`
	Currency             string          `json:"currency"`
	Status               string          `json:"status"`
	ExpiresAtUnixUTC     int64           `json:"expires_at_unix_utc"`
	LastUsedAtUnixUTC    int64           `json:"last_used_at_unix_utc"`
	SenderName           string          `json:"sender_name"`
	SenderEmail          string          `json:"sender_email"`
	RecipientName        string          `json:"recipient_name"`
	RecipientEmail       string          `json:"recipient_email"`
	Message              string          `json:"message"`
	Metadata             json.RawMessage `json:"metadata"`
	PurchasePaymentID    string          `json:"purchase_payment_id"`
	CreatedUnixUTC       int64           `json:"created_unix_utc"`
}

type codeCheckPayload struct {
	Code             string `json:"code"`
	Status           string `json:"status"`
	Usable           bool   `json:"usable"`
	Currency         string `json:"currency"`
	AvailableCents   int64  `json:"available_cents"`
	Available        string `json:"available"`
	ExpiresAtUnixUTC int64  `json:"expires_at_unix_utc"`
}

type reservationPayload struct {
	ID               string `json:"id"`
	CardID           string `json:"card_id"`
	SessionID        string `json:"session_id"`
	AmountCents      int64  `json:"amount_cents"`
	Amount           string `json:"amount"`
	Status           string `json:"status"`
	ExpiresAtUnixUTC int64  `json:"expires_at_unix_utc"`
	CreatedUnixUTC   int64  `json:"created_unix_utc"`
}

type transactionPayload struct {
	ID             string `json:"id"`
	CardID         string `json:"card_id"`
	OrderID        string `json:"order_id"`
	AmountCents    int64  `json:"amount_cents"`
	Amount         string `json:"amount"`
	Type           string `json:"type"`
	CreatedUnixUTC int64  `json:"created_unix_utc"`
}

type createCardRequest struct {
	InitialAmountCents int64           `json:"initial_amount_cents"`
	Currency           string          `json:"currency"`
	SenderName         string          `json:"sender_name"`
	SenderEmail        string          `json:"sender_email"`
	RecipientName      string          `json:"recipient_name"`
	RecipientEmail     string          `json:"recipient_email"`
	Message            string          `json:"message"`
	Metadata           json.RawMessage `json:"metadata"`
	ExpiresAtUnixUTC   int64           `json:"expires_at_unix_utc"`
	PurchasePaymentID  string          `json:"purchase_payment_id"`
}

type holdRequest struct {
	Code        string `json:"code"`
	SessionID   string `json:"session_id"`
	AmountCents int64  `json:"amount_cents"`
	TTLSeconds  int64  `json:"ttl_seconds"`
}

type balanceChangeRequest struct {
	AmountCents int64  `json:"amount_cents"`
	OrderID     string `json:"order_id"`
}

type cancelStaleRequest struct {
	OlderThanSeconds int64 `json:"older_than_seconds"`
}

type paymentEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		SessionID string `json:"session_id"`
	} `json:"data"`
}

func formatAmount(amount giftcard.AmountCents) string {
	return decimal.New(amount.Int64(), minorUnitExponent).StringFixed(-minorUnitExponent)
}

func newCardPayload(card giftcard.GiftCard) cardPayload {
	return cardPayload{
		ID:                   card.ID.String(),
		Code:                 card.Code.String(),
		InitialAmountCents:   card.InitialAmount.Int64(),
		RemainingAmountCents: card.RemainingAmount.Int64(),
		InitialAmount:        formatAmount(card.InitialAmount),
		RemainingAmount:      formatAmount(card.RemainingAmount),
		Currency:             card.Currency.String(),
		Status:               card.Status.String(),
		ExpiresAtUnixUTC:     card.ExpiresAtUnixUTC,
		LastUsedAtUnixUTC:    card.LastUsedAtUnixUTC,
		SenderName:           card.Parties.SenderName,
		SenderEmail:          card.Parties.SenderEmail,
		RecipientName:        card.Parties.RecipientName,
		RecipientEmail:       card.Parties.RecipientEmail,
		Message:              card.Parties.Message,
		Metadata:             json.RawMessage(card.Parties.Metadata.String()),
		PurchasePaymentID:    card.PurchasePaymentID,
		CreatedUnixUTC:       card.CreatedUnixUTC,
	}
}

func newCardPayloads(cards []giftcard.GiftCard) []cardPayload {
	payloads := make([]cardPayload, 0, len(cards))
	for _, card := range cards {
		payloads = append(payloads, newCardPayload(card))
	}
	return payloads
}

func newCodeCheckPayload(check giftcard.CodeCheck) codeCheckPayload {
	return codeCheckPayload{
		Code:             check.Card.Code.String(),
		Status:           check.Status.String(),
		Usable:           check.Status == giftcard.CardStatusActive && check.Available > 0,
		Currency:         check.Card.Currency.String(),
		AvailableCents:   check.Available.Int64(),
		Available:        formatAmount(check.Available),
		ExpiresAtUnixUTC: check.Card.ExpiresAtUnixUTC,
	}
}

func newReservationPayload(reservation giftcard.Reservation) reservationPayload {
	return reservationPayload{
		ID:               reservation.ID,
		CardID:           reservation.CardID.String(),
		SessionID:        reservation.SessionID.String(),
		AmountCents:      reservation.AmountCents.Int64(),
		Amount:           formatAmount(reservation.AmountCents),
		Status:           reservation.Status.String(),
		ExpiresAtUnixUTC: reservation.ExpiresAtUnixUTC,
		CreatedUnixUTC:   reservation.CreatedUnixUTC,
	}
}

func newReservationPayloads(reservations []giftcard.Reservation) []reservationPayload {
	payloads := make([]reservationPayload, 0, len(reservations))
	for _, reservation := range reservations {
		payloads = append(payloads, newReservationPayload(reservation))
	}
	return payloads
}

func newTransactionPayload(transaction giftcard.Transaction) transactionPayload {
	return transactionPayload{
		ID:             transaction.ID,
		CardID:         transaction.CardID.String(),
		OrderID:        transaction.OrderID.String(),
		AmountCents:    transaction.AmountCents.Int64(),
		Amount:         formatAmount(transaction.AmountCents),
		Type:           transaction.Type.String(),
		CreatedUnixUTC: transaction.CreatedUnixUTC,
	}
}

func newTransactionPayloads(transactions []giftcard.Transaction) []transactionPayload {
	payloads := make([]transactionPayload, 0, len(transactions))
	for _, transaction := range transactions {
		payloads = append(payloads, newTransactionPayload(transaction))
	}
	return payloads
}
