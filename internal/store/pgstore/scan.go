package pgstore

import (
	"github.com/MarkoPoloResearchLab/giftledger/pkg/giftcard"
	"github.com/jackc/pgx/v5"
)

type rowScanner interface {
	Scan(dest ...any) error
}

// rowDecodeError marks a stored row that does not satisfy domain validation.
type rowDecodeError struct {
	err error
}

func (decodeErr rowDecodeError) Error() string { return decodeErr.err.Error() }

func (decodeErr rowDecodeError) Unwrap() error { return decodeErr.err }

func scanCard(row rowScanner) (giftcard.GiftCard, error) {
	var (
		idValue, codeValue, currencyValue, statusValue string
		initialAmount, remainingAmount                 int64
		expiresAt, lastUsedAt, createdAt               int64
		parties                                        giftcard.Parties
		metadataValue, purchasePaymentID               string
	)
	err := row.Scan(
		&idValue, &codeValue, &initialAmount, &remainingAmount, &currencyValue, &statusValue,
		&expiresAt, &lastUsedAt,
		&parties.SenderName, &parties.SenderEmail, &parties.RecipientName, &parties.RecipientEmail, &parties.Message,
		&metadataValue, &purchasePaymentID, &createdAt,
	)
	if err != nil {
		return giftcard.GiftCard{}, err
	}
	cardID, err := giftcard.NewCardID(idValue)
	if err != nil {
		return giftcard.GiftCard{}, rowDecodeError{err: err}
	}
	code, err := giftcard.NewCode(codeValue)
	if err != nil {
		return giftcard.GiftCard{}, rowDecodeError{err: err}
	}
	initial, err := giftcard.NewPositiveAmountCents(initialAmount)
	if err != nil {
		return giftcard.GiftCard{}, rowDecodeError{err: err}
	}
	remaining, err := giftcard.NewAmountCents(remainingAmount)
	if err != nil {
		return giftcard.GiftCard{}, rowDecodeError{err: err}
	}
	currency, err := giftcard.NewCurrency(currencyValue)
	if err != nil {
		return giftcard.GiftCard{}, rowDecodeError{err: err}
	}
	status, err := giftcard.ParseCardStatus(statusValue)
	if err != nil {
		return giftcard.GiftCard{}, rowDecodeError{err: err}
	}
	parties.Metadata, err = giftcard.NewMetadataJSON(metadataValue)
	if err != nil {
		return giftcard.GiftCard{}, rowDecodeError{err: err}
	}
	return giftcard.GiftCard{
		ID:                cardID,
		Code:              code,
		InitialAmount:     initial,
		RemainingAmount:   remaining,
		Currency:          currency,
		Status:            status,
		ExpiresAtUnixUTC:  expiresAt,
		LastUsedAtUnixUTC: lastUsedAt,
		Parties:           parties,
		PurchasePaymentID: purchasePaymentID,
		CreatedUnixUTC:    createdAt,
	}, nil
}

func collectCards(rows pgx.Rows) ([]giftcard.GiftCard, error) {
	defer rows.Close()
	cards := make([]giftcard.GiftCard, 0)
	for rows.Next() {
		card, err := scanCard(rows)
		if err != nil {
			return nil, wrapScanError(errorSubjectCard, errorCodeList, err)
		}
		cards = append(cards, card)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectCard, errorCodeList, giftcard.Upstream(err))
	}
	return cards, nil
}

func scanReservation(row rowScanner) (giftcard.Reservation, error) {
	var (
		idValue, cardIDValue, sessionIDValue, statusValue string
		amountValue, expiresAt, createdAt                 int64
	)
	if err := row.Scan(&idValue, &cardIDValue, &sessionIDValue, &amountValue, &statusValue, &expiresAt, &createdAt); err != nil {
		return giftcard.Reservation{}, err
	}
	cardID, err := giftcard.NewCardID(cardIDValue)
	if err != nil {
		return giftcard.Reservation{}, rowDecodeError{err: err}
	}
	sessionID, err := giftcard.NewSessionID(sessionIDValue)
	if err != nil {
		return giftcard.Reservation{}, rowDecodeError{err: err}
	}
	amount, err := giftcard.NewPositiveAmountCents(amountValue)
	if err != nil {
		return giftcard.Reservation{}, rowDecodeError{err: err}
	}
	status, err := giftcard.ParseReservationStatus(statusValue)
	if err != nil {
		return giftcard.Reservation{}, rowDecodeError{err: err}
	}
	return giftcard.Reservation{
		ID:               idValue,
		CardID:           cardID,
		SessionID:        sessionID,
		AmountCents:      amount,
		Status:           status,
		ExpiresAtUnixUTC: expiresAt,
		CreatedUnixUTC:   createdAt,
	}, nil
}

func scanTransaction(row rowScanner) (giftcard.Transaction, error) {
	var (
		idValue, cardIDValue, orderIDValue, typeValue string
		amountValue, createdAt                        int64
	)
	if err := row.Scan(&idValue, &cardIDValue, &orderIDValue, &amountValue, &typeValue, &createdAt); err != nil {
		return giftcard.Transaction{}, err
	}
	cardID, err := giftcard.NewCardID(cardIDValue)
	if err != nil {
		return giftcard.Transaction{}, rowDecodeError{err: err}
	}
	var orderID giftcard.OrderID
	if orderIDValue != "" {
		orderID, err = giftcard.NewOrderID(orderIDValue)
		if err != nil {
			return giftcard.Transaction{}, rowDecodeError{err: err}
		}
	}
	amount, err := giftcard.NewPositiveAmountCents(amountValue)
	if err != nil {
		return giftcard.Transaction{}, rowDecodeError{err: err}
	}
	transactionType, err := giftcard.ParseTransactionType(typeValue)
	if err != nil {
		return giftcard.Transaction{}, rowDecodeError{err: err}
	}
	return giftcard.Transaction{
		ID:             idValue,
		CardID:         cardID,
		OrderID:        orderID,
		AmountCents:    amount,
		Type:           transactionType,
		CreatedUnixUTC: createdAt,
	}, nil
}
