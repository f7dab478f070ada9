package gormstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/giftledger/pkg/giftcard"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintCardCode          = "idx_gift_cards_code"
	constraintActiveSession     = "idx_reservations_active_session"
	defaultMetadataJSON         = "{}"
	pgUniqueViolationCode       = "23505"
	sqliteConstraintCode        = 19
	errorOperationStore         = "store"
	errorSubjectCard            = "card"
	errorSubjectBalance         = "balance"
	errorSubjectReservation     = "reservation"
	errorSubjectTransaction     = "transaction"
	errorCodeCreate             = "create"
	errorCodeDuplicate          = "duplicate"
	errorCodeGet                = "get"
	errorCodeInsert             = "insert"
	errorCodeInvalid            = "invalid"
	errorCodeList               = "list"
	errorCodeLookup             = "lookup"
	errorCodeApply              = "apply"
	errorCodeSumLive            = "sum_live"
	errorCodeUpdateStatus       = "update_status"
	errorCodeCancel             = "cancel"
	errorCodeExpire             = "expire"
	columnRemainingAmountUpdate = "remaining_amount + ?"
)

// Store implements giftcard.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore giftcard.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) CodeExists(ctx context.Context, code giftcard.Code) (bool, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&GiftCard{}).
		Where("code = ?", code.String()).
		Count(&count).Error
	if err != nil {
		return false, wrapStoreError(errorSubjectCard, errorCodeLookup, giftcard.Upstream(err))
	}
	return count > 0, nil
}

func (store *Store) CreateCard(ctx context.Context, card giftcard.GiftCard) (giftcard.GiftCard, error) {
	model := GiftCard{
		Code:              card.Code.String(),
		InitialAmount:     card.InitialAmount.Int64(),
		RemainingAmount:   card.RemainingAmount.Int64(),
		Currency:          card.Currency.String(),
		Status:            card.Status.String(),
		ExpiresAt:         unixToTimePointer(card.ExpiresAtUnixUTC),
		LastUsedAt:        unixToTimePointer(card.LastUsedAtUnixUTC),
		SenderName:        card.Parties.SenderName,
		SenderEmail:       card.Parties.SenderEmail,
		RecipientName:     card.Parties.RecipientName,
		RecipientEmail:    card.Parties.RecipientEmail,
		Message:           card.Parties.Message,
		Metadata:          datatypesJSON(card.Parties.Metadata.String()),
		PurchasePaymentID: stringPointer(card.PurchasePaymentID),
		CreatedAt:         unixToTime(card.CreatedUnixUTC),
	}
	model.UpdatedAt = model.CreatedAt
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err, constraintCardCode) {
		return giftcard.GiftCard{}, wrapStoreError(errorSubjectCard, errorCodeDuplicate, fmt.Errorf("%w: code %s taken concurrently", giftcard.ErrConcurrencyConflict, card.Code.String()))
	}
	if err != nil {
		return giftcard.GiftCard{}, wrapStoreError(errorSubjectCard, errorCodeCreate, giftcard.Upstream(err))
	}
	return mapCardOrWrap(model)
}

func (store *Store) GetCardByCode(ctx context.Context, code giftcard.Code) (giftcard.GiftCard, error) {
	var model GiftCard
	err := store.db.WithContext(ctx).Where("code = ?", code.String()).Take(&model).Error
	if err != nil {
		return giftcard.GiftCard{}, wrapLookupError(err)
	}
	return mapCardOrWrap(model)
}

func (store *Store) GetCardByID(ctx context.Context, cardID giftcard.CardID) (giftcard.GiftCard, error) {
	var model GiftCard
	err := store.db.WithContext(ctx).Where("id = ?", cardID.String()).Take(&model).Error
	if err != nil {
		return giftcard.GiftCard{}, wrapLookupError(err)
	}
	return mapCardOrWrap(model)
}

func (store *Store) ListCards(ctx context.Context, filter giftcard.CardFilter) ([]giftcard.GiftCard, error) {
	query := store.db.WithContext(ctx).Model(&GiftCard{})
	query = whereEffectiveStatus(query, filter)
	if filter.Search != "" {
		pattern := "%" + strings.ToLower(filter.Search) + "%"
		query = query.Where(
			"lower(code) LIKE ? OR lower(recipient_email) LIKE ? OR lower(sender_email) LIKE ? OR lower(recipient_name) LIKE ?",
			pattern, pattern, pattern, pattern,
		)
	}
	var rows []GiftCard
	err := query.
		Order("created_at DESC").
		Order("id DESC").
		Limit(filter.Limit).
		Offset(filter.Offset).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectCard, errorCodeList, giftcard.Upstream(err))
	}
	return mapCards(rows)
}

// whereEffectiveStatus narrows by status; stored active cards past expiry count as expired when filter.AtUnixUTC is set.
func whereEffectiveStatus(query *gorm.DB, filter giftcard.CardFilter) *gorm.DB {
	if filter.Status == "" {
		return query
	}
	if filter.AtUnixUTC == 0 {
		return query.Where("status = ?", filter.Status.String())
	}
	at := unixToTime(filter.AtUnixUTC)
	switch filter.Status {
	case giftcard.CardStatusActive:
		return query.Where("status = ? AND (expires_at IS NULL OR expires_at >= ?)", giftcard.CardStatusActive.String(), at)
	case giftcard.CardStatusExpired:
		return query.Where("(status = ? OR (status = ? AND expires_at < ?))",
			giftcard.CardStatusExpired.String(), giftcard.CardStatusActive.String(), at)
	default:
		return query.Where("status = ?", filter.Status.String())
	}
}

func (store *Store) ListCardsAfter(ctx context.Context, after giftcard.CardID, limit int) ([]giftcard.GiftCard, error) {
	query := store.db.WithContext(ctx).Model(&GiftCard{})
	if !after.IsZero() {
		query = query.Where("id > ?", after.String())
	}
	var rows []GiftCard
	if err := query.Order("id ASC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectCard, errorCodeList, giftcard.Upstream(err))
	}
	return mapCards(rows)
}

// ApplyBalanceChange runs one conditional UPDATE so concurrent writers cannot
// push remaining_amount outside 0..initial_amount or touch a cancelled card.
func (store *Store) ApplyBalanceChange(ctx context.Context, change giftcard.BalanceChange) (giftcard.GiftCard, error) {
	result := store.db.WithContext(ctx).
		Model(&GiftCard{}).
		Where("id = ? AND status <> ?", change.CardID.String(), giftcard.CardStatusCancelled.String()).
		Where("remaining_amount + ? >= 0 AND remaining_amount + ? <= initial_amount", change.Delta, change.Delta).
		Updates(map[string]interface{}{
			"remaining_amount": gorm.Expr(columnRemainingAmountUpdate, change.Delta),
			"last_used_at":     unixToTime(change.UsedAtUnixUTC),
			"updated_at":       unixToTime(change.UpdatedUnixUTC),
		})
	if result.Error != nil {
		return giftcard.GiftCard{}, wrapStoreError(errorSubjectBalance, errorCodeApply, giftcard.Upstream(result.Error))
	}
	if result.RowsAffected == 0 {
		return giftcard.GiftCard{}, wrapStoreError(errorSubjectBalance, errorCodeApply, giftcard.ErrBalanceChangeRejected)
	}
	return store.GetCardByID(ctx, change.CardID)
}

func (store *Store) UpdateCardStatus(ctx context.Context, cardID giftcard.CardID, from, to giftcard.CardStatus) (bool, error) {
	result := store.db.WithContext(ctx).
		Model(&GiftCard{}).
		Where("id = ? AND status = ?", cardID.String(), from.String()).
		Update("status", to.String())
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectCard, errorCodeUpdateStatus, giftcard.Upstream(result.Error))
	}
	return result.RowsAffected > 0, nil
}

func (store *Store) CreateReservation(ctx context.Context, reservation giftcard.Reservation) (giftcard.Reservation, error) {
	model := Reservation{
		GiftCardID:     reservation.CardID.String(),
		SessionID:      reservation.SessionID.String(),
		ReservedAmount: reservation.AmountCents.Int64(),
		Status:         reservation.Status.String(),
		ExpiresAt:      unixToTime(reservation.ExpiresAtUnixUTC),
		CreatedAt:      unixToTime(reservation.CreatedUnixUTC),
	}
	model.UpdatedAt = model.CreatedAt
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err, constraintActiveSession) {
		return giftcard.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeDuplicate, giftcard.ErrReservationExists)
	}
	if err != nil {
		return giftcard.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeCreate, giftcard.Upstream(err))
	}
	return mapReservationOrWrap(model)
}

func (store *Store) GetActiveReservationBySession(ctx context.Context, sessionID giftcard.SessionID) (giftcard.Reservation, error) {
	var model Reservation
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("session_id = ? AND status = ?", sessionID.String(), giftcard.ReservationStatusActive.String()).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return giftcard.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, giftcard.ErrUnknownReservation)
		}
		return giftcard.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, giftcard.Upstream(err))
	}
	return mapReservationOrWrap(model)
}

func (store *Store) UpdateReservationStatus(ctx context.Context, reservationID string, from, to giftcard.ReservationStatus) error {
	result := store.db.WithContext(ctx).
		Model(&Reservation{}).
		Where("id = ? AND status = ?", reservationID, from.String()).
		Update("status", to.String())
	if result.Error != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdateStatus, giftcard.Upstream(result.Error))
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdateStatus, giftcard.ErrReservationClosed)
	}
	return nil
}

func (store *Store) CancelActiveReservations(ctx context.Context, filter giftcard.ReservationFilter) (int64, error) {
	if filter.SessionID.IsZero() && filter.CardID.IsZero() {
		return 0, wrapStoreError(errorSubjectReservation, errorCodeCancel, fmt.Errorf("%w: reservation filter needs a session or card", giftcard.ErrValidation))
	}
	query := store.db.WithContext(ctx).
		Model(&Reservation{}).
		Where("status = ?", giftcard.ReservationStatusActive.String())
	if !filter.SessionID.IsZero() {
		query = query.Where("session_id = ?", filter.SessionID.String())
	}
	if !filter.CardID.IsZero() {
		query = query.Where("gift_card_id = ?", filter.CardID.String())
	}
	if filter.CreatedBeforeUnixUTC != 0 {
		query = query.Where("created_at <= ?", unixToTime(filter.CreatedBeforeUnixUTC))
	}
	result := query.Update("status", giftcard.ReservationStatusCancelled.String())
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectReservation, errorCodeCancel, giftcard.Upstream(result.Error))
	}
	return result.RowsAffected, nil
}

func (store *Store) ExpireReservations(ctx context.Context, atUnixUTC int64) (int64, error) {
	result := store.db.WithContext(ctx).
		Model(&Reservation{}).
		Where("status = ? AND expires_at < ?", giftcard.ReservationStatusActive.String(), unixToTime(atUnixUTC)).
		Update("status", giftcard.ReservationStatusExpired.String())
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectReservation, errorCodeExpire, giftcard.Upstream(result.Error))
	}
	return result.RowsAffected, nil
}

func (store *Store) ListActiveReservations(ctx context.Context, cardID giftcard.CardID) ([]giftcard.Reservation, error) {
	var rows []Reservation
	err := store.db.WithContext(ctx).
		Where("gift_card_id = ? AND status = ?", cardID.String(), giftcard.ReservationStatusActive.String()).
		Order("created_at ASC").
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectReservation, errorCodeList, giftcard.Upstream(err))
	}
	reservations := make([]giftcard.Reservation, 0, len(rows))
	for _, row := range rows {
		reservation, err := mapReservationOrWrap(row)
		if err != nil {
			return nil, err
		}
		reservations = append(reservations, reservation)
	}
	return reservations, nil
}

func (store *Store) SumLiveReservations(ctx context.Context, cardID giftcard.CardID, atUnixUTC int64) (giftcard.AmountCents, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&Reservation{}).
		Select("coalesce(sum(reserved_amount),0) as total").
		Where("gift_card_id = ? AND status = ? AND expires_at > ?", cardID.String(), giftcard.ReservationStatusActive.String(), unixToTime(atUnixUTC)).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeSumLive, giftcard.Upstream(err))
	}
	total, err := giftcard.NewAmountCents(sum.Total)
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	return total, nil
}

func (store *Store) InsertTransaction(ctx context.Context, transaction giftcard.Transaction) (giftcard.Transaction, error) {
	model := Transaction{
		GiftCardID:      transaction.CardID.String(),
		OrderID:         stringPointer(transaction.OrderID.String()),
		Amount:          transaction.AmountCents.Int64(),
		TransactionType: transaction.Type.String(),
		CreatedAt:       unixToTime(transaction.CreatedUnixUTC),
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return giftcard.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInsert, giftcard.Upstream(err))
	}
	mapped, err := mapTransaction(model)
	if err != nil {
		return giftcard.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return mapped, nil
}

func (store *Store) ListTransactions(ctx context.Context, cardID giftcard.CardID, limit int) ([]giftcard.Transaction, error) {
	var rows []Transaction
	err := store.db.WithContext(ctx).
		Where("gift_card_id = ?", cardID.String()).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, giftcard.Upstream(err))
	}
	transactions := make([]giftcard.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapTransaction(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return giftcard.WrapError(errorOperationStore, subject, code, err)
}

func wrapLookupError(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return wrapStoreError(errorSubjectCard, errorCodeGet, giftcard.ErrUnknownCard)
	}
	return wrapStoreError(errorSubjectCard, errorCodeGet, giftcard.Upstream(err))
}

type sqlSum struct {
	Total int64
}

func mapCardOrWrap(model GiftCard) (giftcard.GiftCard, error) {
	card, err := mapGiftCard(model)
	if err != nil {
		return giftcard.GiftCard{}, wrapStoreError(errorSubjectCard, errorCodeInvalid, err)
	}
	return card, nil
}

func mapCards(rows []GiftCard) ([]giftcard.GiftCard, error) {
	cards := make([]giftcard.GiftCard, 0, len(rows))
	for _, row := range rows {
		card, err := mapCardOrWrap(row)
		if err != nil {
			return nil, err
		}
		cards = append(cards, card)
	}
	return cards, nil
}

func mapGiftCard(model GiftCard) (giftcard.GiftCard, error) {
	cardID, err := giftcard.NewCardID(model.ID)
	if err != nil {
		return giftcard.GiftCard{}, err
	}
	code, err := giftcard.NewCode(model.Code)
	if err != nil {
		return giftcard.GiftCard{}, err
	}
	initialAmount, err := giftcard.NewPositiveAmountCents(model.InitialAmount)
	if err != nil {
		return giftcard.GiftCard{}, err
	}
	remainingAmount, err := giftcard.NewAmountCents(model.RemainingAmount)
	if err != nil {
		return giftcard.GiftCard{}, err
	}
	currency, err := giftcard.NewCurrency(model.Currency)
	if err != nil {
		return giftcard.GiftCard{}, err
	}
	status, err := giftcard.ParseCardStatus(model.Status)
	if err != nil {
		return giftcard.GiftCard{}, err
	}
	metadata, err := giftcard.NewMetadataJSON(string(model.Metadata))
	if err != nil {
		return giftcard.GiftCard{}, err
	}
	return giftcard.GiftCard{
		ID:                cardID,
		Code:              code,
		InitialAmount:     initialAmount,
		RemainingAmount:   remainingAmount,
		Currency:          currency,
		Status:            status,
		ExpiresAtUnixUTC:  timeOrZero(model.ExpiresAt),
		LastUsedAtUnixUTC: timeOrZero(model.LastUsedAt),
		Parties: giftcard.Parties{
			SenderName:     model.SenderName,
			SenderEmail:    model.SenderEmail,
			RecipientName:  model.RecipientName,
			RecipientEmail: model.RecipientEmail,
			Message:        model.Message,
			Metadata:       metadata,
		},
		PurchasePaymentID: stringOrEmpty(model.PurchasePaymentID),
		CreatedUnixUTC:    model.CreatedAt.Unix(),
	}, nil
}

func mapReservationOrWrap(model Reservation) (giftcard.Reservation, error) {
	reservation, err := mapReservation(model)
	if err != nil {
		return giftcard.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	return reservation, nil
}

func mapReservation(model Reservation) (giftcard.Reservation, error) {
	cardID, err := giftcard.NewCardID(model.GiftCardID)
	if err != nil {
		return giftcard.Reservation{}, err
	}
	sessionID, err := giftcard.NewSessionID(model.SessionID)
	if err != nil {
		return giftcard.Reservation{}, err
	}
	amount, err := giftcard.NewPositiveAmountCents(model.ReservedAmount)
	if err != nil {
		return giftcard.Reservation{}, err
	}
	status, err := giftcard.ParseReservationStatus(model.Status)
	if err != nil {
		return giftcard.Reservation{}, err
	}
	return giftcard.Reservation{
		ID:               model.ID,
		CardID:           cardID,
		SessionID:        sessionID,
		AmountCents:      amount,
		Status:           status,
		ExpiresAtUnixUTC: model.ExpiresAt.Unix(),
		CreatedUnixUTC:   model.CreatedAt.Unix(),
	}, nil
}

func mapTransaction(model Transaction) (giftcard.Transaction, error) {
	cardID, err := giftcard.NewCardID(model.GiftCardID)
	if err != nil {
		return giftcard.Transaction{}, err
	}
	var orderID giftcard.OrderID
	if model.OrderID != nil {
		orderID, err = giftcard.NewOrderID(*model.OrderID)
		if err != nil {
			return giftcard.Transaction{}, err
		}
	}
	amount, err := giftcard.NewPositiveAmountCents(model.Amount)
	if err != nil {
		return giftcard.Transaction{}, err
	}
	transactionType, err := giftcard.ParseTransactionType(model.TransactionType)
	if err != nil {
		return giftcard.Transaction{}, err
	}
	return giftcard.Transaction{
		ID:             model.ID,
		CardID:         cardID,
		OrderID:        orderID,
		AmountCents:    amount,
		Type:           transactionType,
		CreatedUnixUTC: model.CreatedAt.Unix(),
	}, nil
}

func unixToTime(unixUTC int64) time.Time {
	if unixUTC == 0 {
		return time.Now().UTC()
	}
	return time.Unix(unixUTC, 0).UTC()
}

func unixToTimePointer(unixUTC int64) *time.Time {
	if unixUTC == 0 {
		return nil
	}
	value := time.Unix(unixUTC, 0).UTC()
	return &value
}

func timeOrZero(value *time.Time) int64 {
	if value == nil {
		return 0
	}
	return value.Unix()
}

func stringPointer(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func stringOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

// isUniqueViolation matches a unique-constraint failure from either driver.
// SQLite reports only the extended constraint code, so any constraint failure matches there.
func isUniqueViolation(err error, constraint string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraint
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode && strings.Contains(strings.ToLower(sqliteErr.Error()), "unique")
	}
	return false
}
