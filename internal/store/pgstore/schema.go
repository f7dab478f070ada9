package pgstore

import "context"

// schemaStatements matches the tables gormstore migrates, so either store can run against the same database.
var schemaStatements = []string{
	`create table if not exists gift_cards (
		id uuid primary key,
		code varchar(19) not null,
		initial_amount bigint not null constraint chk_gift_cards_initial_amount check (initial_amount > 0),
		remaining_amount bigint not null,
		currency varchar(3) not null,
		status varchar(16) not null,
		expires_at timestamptz,
		last_used_at timestamptz,
		sender_name varchar(255) not null default '',
		sender_email varchar(255) not null default '',
		recipient_name varchar(255) not null default '',
		recipient_email varchar(255) not null default '',
		message text not null default '',
		metadata jsonb not null default '{}',
		purchase_payment_id varchar(255),
		created_at timestamptz not null,
		updated_at timestamptz not null,
		constraint chk_gift_cards_remaining_amount check (remaining_amount >= 0 and remaining_amount <= initial_amount)
	)`,
	`create unique index if not exists idx_gift_cards_code on gift_cards(code)`,
	`create index if not exists idx_gift_cards_status on gift_cards(status)`,
	`create index if not exists idx_gift_cards_recipient_email on gift_cards(recipient_email)`,
	`create index if not exists idx_gift_cards_purchase_payment on gift_cards(purchase_payment_id)`,
	`create index if not exists idx_gift_cards_created on gift_cards(created_at)`,
	`create table if not exists gift_card_reservations (
		id uuid primary key,
		gift_card_id uuid not null,
		session_id varchar(255) not null,
		reserved_amount bigint not null constraint chk_reservations_amount check (reserved_amount > 0),
		status varchar(16) not null,
		expires_at timestamptz not null,
		created_at timestamptz not null,
		updated_at timestamptz not null
	)`,
	`create index if not exists idx_reservations_card_status on gift_card_reservations(gift_card_id, status)`,
	`create index if not exists idx_reservations_session on gift_card_reservations(session_id)`,
	`create unique index if not exists idx_reservations_active_session on gift_card_reservations(session_id) where status = 'active'`,
	`create index if not exists idx_reservations_status_expires on gift_card_reservations(status, expires_at)`,
	`create table if not exists gift_card_transactions (
		id uuid primary key,
		gift_card_id uuid not null,
		order_id varchar(255),
		amount bigint not null,
		transaction_type varchar(16) not null,
		created_at timestamptz not null
	)`,
	`create index if not exists idx_transactions_card_created on gift_card_transactions(gift_card_id, created_at)`,
	`create index if not exists idx_transactions_order on gift_card_transactions(order_id)`,
}

// Migrate creates the schema if it does not exist.
func (store *Store) Migrate(ctx context.Context) error {
	for _, statement := range schemaStatements {
		if _, err := store.db.Exec(ctx, statement); err != nil {
			return wrapStoreError(errorSubjectSchema, errorCodeMigrate, err)
		}
	}
	return nil
}
