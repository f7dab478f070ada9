package pgstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/giftledger/pkg/giftcard"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	constraintCardCode      = "idx_gift_cards_code"
	constraintActiveSession = "idx_reservations_active_session"
	pgUniqueViolationCode   = "23505"
	errorOperationStore     = "store"
	errorSubjectCard        = "card"
	errorSubjectBalance     = "balance"
	errorSubjectReservation = "reservation"
	errorSubjectTransaction = "transaction"
	errorSubjectSchema      = "schema"
	errorCodeBegin          = "begin"
	errorCodeCommit         = "commit"
	errorCodeCreate         = "create"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeLookup         = "lookup"
	errorCodeApply          = "apply"
	errorCodeSumLive        = "sum_live"
	errorCodeUpdateStatus   = "update_status"
	errorCodeCancel         = "cancel"
	errorCodeExpire         = "expire"
	errorCodeMigrate        = "migrate"

	cardColumns = `
		id::text, code, initial_amount, remaining_amount, currency, status,
		coalesce(extract(epoch from expires_at)::bigint,0),
		coalesce(extract(epoch from last_used_at)::bigint,0),
		sender_name, sender_email, recipient_name, recipient_email, message,
		coalesce(metadata::text,'{}'),
		coalesce(purchase_payment_id,''),
		extract(epoch from created_at)::bigint
	`

	reservationColumns = `
		id::text, gift_card_id::text, session_id, reserved_amount, status,
		extract(epoch from expires_at)::bigint,
		extract(epoch from created_at)::bigint
	`

	transactionColumns = `
		id::text, gift_card_id::text, coalesce(order_id,''), amount, transaction_type,
		extract(epoch from created_at)::bigint
	`

	sqlCodeExists = `select exists(select 1 from gift_cards where code = $1)`

	sqlInsertCard = `
		insert into gift_cards(
			id, code, initial_amount, remaining_amount, currency, status, expires_at, last_used_at,
			sender_name, sender_email, recipient_name, recipient_email, message, metadata,
			purchase_payment_id, created_at, updated_at
		)
		values(
			$1, $2, $3, $4, $5, $6, to_timestamp(nullif($7::bigint,0)), to_timestamp(nullif($8::bigint,0)),
			$9, $10, $11, $12, $13, coalesce(nullif($14,''),'{}')::jsonb,
			nullif($15,''), to_timestamp($16::bigint), to_timestamp($16::bigint)
		)
		returning ` + cardColumns

	sqlSelectCardByCode = `select ` + cardColumns + ` from gift_cards where code = $1`

	sqlSelectCardByID = `select ` + cardColumns + ` from gift_cards where id = $1`

	sqlListCardsAfter = `
		select ` + cardColumns + ` from gift_cards
		where id > coalesce(nullif($1::text,'')::uuid, '00000000-0000-0000-0000-000000000000'::uuid)
		order by id asc
		limit $2
	`

	sqlApplyBalanceChange = `
		update gift_cards
		set remaining_amount = remaining_amount + $2, last_used_at = to_timestamp($3::bigint), updated_at = to_timestamp($4::bigint)
		where id = $1 and status <> 'cancelled'
		and remaining_amount + $2 >= 0 and remaining_amount + $2 <= initial_amount
		returning ` + cardColumns

	sqlUpdateCardStatus = `
		update gift_cards
		set status = $3, updated_at = now()
		where id = $1 and status = $2
	`

	sqlInsertReservation = `
		insert into gift_card_reservations(id, gift_card_id, session_id, reserved_amount, status, expires_at, created_at, updated_at)
		values ($1, $2, $3, $4, $5, to_timestamp($6::bigint), to_timestamp($7::bigint), to_timestamp($7::bigint))
		returning ` + reservationColumns

	sqlSelectActiveReservationBySession = `
		select ` + reservationColumns + `
		from gift_card_reservations
		where session_id = $1 and status = 'active'
		for update
	`

	sqlUpdateReservationStatus = `
		update gift_card_reservations
		set status = $3, updated_at = now()
		where id = $1 and status = $2
	`

	sqlCancelActiveReservations = `
		update gift_card_reservations
		set status = 'cancelled', updated_at = now()
		where status = 'active'
		and ($1::text = '' or session_id = $1::text)
		and ($2::text = '' or gift_card_id = nullif($2::text,'')::uuid)
		and ($3::bigint = 0 or created_at <= to_timestamp($3::bigint))
	`

	sqlExpireReservations = `
		update gift_card_reservations
		set status = 'expired', updated_at = now()
		where status = 'active' and expires_at < to_timestamp($1::bigint)
	`

	sqlListActiveReservations = `
		select ` + reservationColumns + `
		from gift_card_reservations
		where gift_card_id = $1 and status = 'active'
		order by created_at asc, id asc
	`

	sqlSumLiveReservations = `
		select coalesce(sum(reserved_amount),0) from gift_card_reservations
		where gift_card_id = $1 and status = 'active' and expires_at > to_timestamp($2::bigint)
	`

	sqlInsertTransaction = `
		insert into gift_card_transactions(id, gift_card_id, order_id, amount, transaction_type, created_at)
		values ($1, $2, nullif($3,''), $4, $5, to_timestamp($6::bigint))
		returning ` + transactionColumns

	sqlListTransactions = `
		select ` + transactionColumns + `
		from gift_card_transactions
		where gift_card_id = $1
		order by created_at desc, id desc
		limit $2
	`
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row
}

// Store implements giftcard.Store using a pgx connection pool.
// Outside WithTx every call autocommits.
type Store struct {
	pool *pgxpool.Pool
	db   querier
	inTx bool
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, db: pool}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore giftcard.Store) error) error {
	if store.inTx {
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, giftcard.Upstream(err))
	}
	transactionStore := &Store{pool: store.pool, db: tx, inTx: true}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, giftcard.Upstream(err))
	}
	return nil
}

func (store *Store) CodeExists(ctx context.Context, code giftcard.Code) (bool, error) {
	var exists bool
	if err := store.db.QueryRow(ctx, sqlCodeExists, code.String()).Scan(&exists); err != nil {
		return false, wrapStoreError(errorSubjectCard, errorCodeLookup, giftcard.Upstream(err))
	}
	return exists, nil
}

func (store *Store) CreateCard(ctx context.Context, card giftcard.GiftCard) (giftcard.GiftCard, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return giftcard.GiftCard{}, wrapStoreError(errorSubjectCard, errorCodeCreate, giftcard.Upstream(err))
	}
	row := store.db.QueryRow(ctx, sqlInsertCard,
		id.String(),
		card.Code.String(),
		card.InitialAmount.Int64(),
		card.RemainingAmount.Int64(),
		card.Currency.String(),
		card.Status.String(),
		card.ExpiresAtUnixUTC,
		card.LastUsedAtUnixUTC,
		card.Parties.SenderName,
		card.Parties.SenderEmail,
		card.Parties.RecipientName,
		card.Parties.RecipientEmail,
		card.Parties.Message,
		card.Parties.Metadata.String(),
		card.PurchasePaymentID,
		card.CreatedUnixUTC,
	)
	created, err := scanCard(row)
	if isUniqueViolation(err, constraintCardCode) {
		return giftcard.GiftCard{}, wrapStoreError(errorSubjectCard, errorCodeDuplicate, fmt.Errorf("%w: code %s taken concurrently", giftcard.ErrConcurrencyConflict, card.Code.String()))
	}
	if err != nil {
		return giftcard.GiftCard{}, wrapScanError(errorSubjectCard, errorCodeCreate, err)
	}
	return created, nil
}

func (store *Store) GetCardByCode(ctx context.Context, code giftcard.Code) (giftcard.GiftCard, error) {
	card, err := scanCard(store.db.QueryRow(ctx, sqlSelectCardByCode, code.String()))
	if err != nil {
		return giftcard.GiftCard{}, wrapCardLookupError(err)
	}
	return card, nil
}

func (store *Store) GetCardByID(ctx context.Context, cardID giftcard.CardID) (giftcard.GiftCard, error) {
	if _, err := uuid.Parse(cardID.String()); err != nil {
		return giftcard.GiftCard{}, wrapStoreError(errorSubjectCard, errorCodeGet, giftcard.ErrUnknownCard)
	}
	card, err := scanCard(store.db.QueryRow(ctx, sqlSelectCardByID, cardID.String()))
	if err != nil {
		return giftcard.GiftCard{}, wrapCardLookupError(err)
	}
	return card, nil
}

func (store *Store) ListCards(ctx context.Context, filter giftcard.CardFilter) ([]giftcard.GiftCard, error) {
	query, arguments := buildListCardsQuery(filter)
	rows, err := store.db.Query(ctx, query, arguments...)
	if err != nil {
		return nil, wrapStoreError(errorSubjectCard, errorCodeList, giftcard.Upstream(err))
	}
	return collectCards(rows)
}

func (store *Store) ListCardsAfter(ctx context.Context, after giftcard.CardID, limit int) ([]giftcard.GiftCard, error) {
	rows, err := store.db.Query(ctx, sqlListCardsAfter, after.String(), limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectCard, errorCodeList, giftcard.Upstream(err))
	}
	return collectCards(rows)
}

func (store *Store) ApplyBalanceChange(ctx context.Context, change giftcard.BalanceChange) (giftcard.GiftCard, error) {
	row := store.db.QueryRow(ctx, sqlApplyBalanceChange, change.CardID.String(), change.Delta, change.UsedAtUnixUTC, change.UpdatedUnixUTC)
	card, err := scanCard(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return giftcard.GiftCard{}, wrapStoreError(errorSubjectBalance, errorCodeApply, giftcard.ErrBalanceChangeRejected)
	}
	if err != nil {
		return giftcard.GiftCard{}, wrapScanError(errorSubjectBalance, errorCodeApply, err)
	}
	return card, nil
}

func (store *Store) UpdateCardStatus(ctx context.Context, cardID giftcard.CardID, from, to giftcard.CardStatus) (bool, error) {
	tag, err := store.db.Exec(ctx, sqlUpdateCardStatus, cardID.String(), from.String(), to.String())
	if err != nil {
		return false, wrapStoreError(errorSubjectCard, errorCodeUpdateStatus, giftcard.Upstream(err))
	}
	return tag.RowsAffected() > 0, nil
}

func (store *Store) CreateReservation(ctx context.Context, reservation giftcard.Reservation) (giftcard.Reservation, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return giftcard.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeCreate, giftcard.Upstream(err))
	}
	row := store.db.QueryRow(ctx, sqlInsertReservation,
		id.String(),
		reservation.CardID.String(),
		reservation.SessionID.String(),
		reservation.AmountCents.Int64(),
		reservation.Status.String(),
		reservation.ExpiresAtUnixUTC,
		reservation.CreatedUnixUTC,
	)
	created, err := scanReservation(row)
	if isUniqueViolation(err, constraintActiveSession) {
		return giftcard.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeDuplicate, giftcard.ErrReservationExists)
	}
	if err != nil {
		return giftcard.Reservation{}, wrapScanError(errorSubjectReservation, errorCodeCreate, err)
	}
	return created, nil
}

func (store *Store) GetActiveReservationBySession(ctx context.Context, sessionID giftcard.SessionID) (giftcard.Reservation, error) {
	reservation, err := scanReservation(store.db.QueryRow(ctx, sqlSelectActiveReservationBySession, sessionID.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return giftcard.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, giftcard.ErrUnknownReservation)
	}
	if err != nil {
		return giftcard.Reservation{}, wrapScanError(errorSubjectReservation, errorCodeGet, err)
	}
	return reservation, nil
}

func (store *Store) UpdateReservationStatus(ctx context.Context, reservationID string, from, to giftcard.ReservationStatus) error {
	tag, err := store.db.Exec(ctx, sqlUpdateReservationStatus, reservationID, from.String(), to.String())
	if err != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdateStatus, giftcard.Upstream(err))
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdateStatus, giftcard.ErrReservationClosed)
	}
	return nil
}

func (store *Store) CancelActiveReservations(ctx context.Context, filter giftcard.ReservationFilter) (int64, error) {
	if filter.SessionID.IsZero() && filter.CardID.IsZero() {
		return 0, wrapStoreError(errorSubjectReservation, errorCodeCancel, fmt.Errorf("%w: reservation filter needs a session or card", giftcard.ErrValidation))
	}
	tag, err := store.db.Exec(ctx, sqlCancelActiveReservations, filter.SessionID.String(), filter.CardID.String(), filter.CreatedBeforeUnixUTC)
	if err != nil {
		return 0, wrapStoreError(errorSubjectReservation, errorCodeCancel, giftcard.Upstream(err))
	}
	return tag.RowsAffected(), nil
}

func (store *Store) ExpireReservations(ctx context.Context, atUnixUTC int64) (int64, error) {
	tag, err := store.db.Exec(ctx, sqlExpireReservations, atUnixUTC)
	if err != nil {
		return 0, wrapStoreError(errorSubjectReservation, errorCodeExpire, giftcard.Upstream(err))
	}
	return tag.RowsAffected(), nil
}

func (store *Store) ListActiveReservations(ctx context.Context, cardID giftcard.CardID) ([]giftcard.Reservation, error) {
	rows, err := store.db.Query(ctx, sqlListActiveReservations, cardID.String())
	if err != nil {
		return nil, wrapStoreError(errorSubjectReservation, errorCodeList, giftcard.Upstream(err))
	}
	defer rows.Close()
	reservations := make([]giftcard.Reservation, 0)
	for rows.Next() {
		reservation, err := scanReservation(rows)
		if err != nil {
			return nil, wrapScanError(errorSubjectReservation, errorCodeList, err)
		}
		reservations = append(reservations, reservation)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectReservation, errorCodeList, giftcard.Upstream(err))
	}
	return reservations, nil
}

func (store *Store) SumLiveReservations(ctx context.Context, cardID giftcard.CardID, atUnixUTC int64) (giftcard.AmountCents, error) {
	var total int64
	if err := store.db.QueryRow(ctx, sqlSumLiveReservations, cardID.String(), atUnixUTC).Scan(&total); err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeSumLive, giftcard.Upstream(err))
	}
	amount, err := giftcard.NewAmountCents(total)
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	return amount, nil
}

func (store *Store) InsertTransaction(ctx context.Context, transaction giftcard.Transaction) (giftcard.Transaction, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return giftcard.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInsert, giftcard.Upstream(err))
	}
	row := store.db.QueryRow(ctx, sqlInsertTransaction,
		id.String(),
		transaction.CardID.String(),
		transaction.OrderID.String(),
		transaction.AmountCents.Int64(),
		transaction.Type.String(),
		transaction.CreatedUnixUTC,
	)
	inserted, err := scanTransaction(row)
	if err != nil {
		return giftcard.Transaction{}, wrapScanError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return inserted, nil
}

func (store *Store) ListTransactions(ctx context.Context, cardID giftcard.CardID, limit int) ([]giftcard.Transaction, error) {
	rows, err := store.db.Query(ctx, sqlListTransactions, cardID.String(), limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, giftcard.Upstream(err))
	}
	defer rows.Close()
	transactions := make([]giftcard.Transaction, 0)
	for rows.Next() {
		transaction, err := scanTransaction(rows)
		if err != nil {
			return nil, wrapScanError(errorSubjectTransaction, errorCodeList, err)
		}
		transactions = append(transactions, transaction)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, giftcard.Upstream(err))
	}
	return transactions, nil
}

func buildListCardsQuery(filter giftcard.CardFilter) (string, []any) {
	var builder strings.Builder
	builder.WriteString("select ")
	builder.WriteString(cardColumns)
	builder.WriteString(" from gift_cards where true")
	arguments := make([]any, 0, 4)
	if filter.Status != "" {
		arguments = append(arguments, filter.Status.String())
		statusPlaceholder := len(arguments)
		switch {
		case filter.AtUnixUTC != 0 && filter.Status == giftcard.CardStatusActive:
			arguments = append(arguments, filter.AtUnixUTC)
			fmt.Fprintf(&builder, " and status = $%d and (expires_at is null or expires_at >= to_timestamp($%d::bigint))", statusPlaceholder, len(arguments))
		case filter.AtUnixUTC != 0 && filter.Status == giftcard.CardStatusExpired:
			arguments = append(arguments, filter.AtUnixUTC)
			fmt.Fprintf(&builder, " and (status = $%d or (status = 'active' and expires_at < to_timestamp($%d::bigint)))", statusPlaceholder, len(arguments))
		default:
			fmt.Fprintf(&builder, " and status = $%d", statusPlaceholder)
		}
	}
	if filter.Search != "" {
		arguments = append(arguments, "%"+strings.ToLower(filter.Search)+"%")
		placeholder := len(arguments)
		fmt.Fprintf(&builder, " and (lower(code) like $%d or lower(recipient_email) like $%d or lower(sender_email) like $%d or lower(recipient_name) like $%d)",
			placeholder, placeholder, placeholder, placeholder)
	}
	arguments = append(arguments, filter.Limit, filter.Offset)
	fmt.Fprintf(&builder, " order by created_at desc, id desc limit $%d offset $%d", len(arguments)-1, len(arguments))
	return builder.String(), arguments
}

func wrapStoreError(subject string, code string, err error) error {
	return giftcard.WrapError(errorOperationStore, subject, code, err)
}

// wrapScanError separates decoding failures of stored rows from driver failures.
func wrapScanError(subject string, code string, err error) error {
	var decodeErr rowDecodeError
	if errors.As(err, &decodeErr) {
		return wrapStoreError(subject, errorCodeInvalid, decodeErr.err)
	}
	return wrapStoreError(subject, code, giftcard.Upstream(err))
}

func wrapCardLookupError(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return wrapStoreError(errorSubjectCard, errorCodeGet, giftcard.ErrUnknownCard)
	}
	return wrapScanError(errorSubjectCard, errorCodeGet, err)
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraint
	}
	return false
}
