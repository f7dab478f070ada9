package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// GiftCard represents the gift_cards table.
type GiftCard struct {
	ID                string         `gorm:"type:uuid;primaryKey"`
	Code              string         `gorm:"size:19;not null;uniqueIndex:idx_gift_cards_code"`
	InitialAmount     int64          `gorm:"not null;check:chk_gift_cards_initial_amount,initial_amount > 0"`
	RemainingAmount   int64          `gorm:"not null;check:chk_gift_cards_remaining_amount,remaining_amount >= 0 AND remaining_amount <= initial_amount"`
	Currency          string         `gorm:"size:3;not null"`
	Status            string         `gorm:"size:16;not null;index:idx_gift_cards_status"`
	ExpiresAt         *time.Time     `gorm:""`
	LastUsedAt        *time.Time     `gorm:""`
	SenderName        string         `gorm:"size:255;not null;default:''"`
	SenderEmail       string         `gorm:"size:255;not null;default:''"`
	RecipientName     string         `gorm:"size:255;not null;default:''"`
	RecipientEmail    string         `gorm:"size:255;not null;default:'';index:idx_gift_cards_recipient_email"`
	Message           string         `gorm:"type:text;not null;default:''"`
	Metadata          datatypes.JSON `gorm:"not null"`
	PurchasePaymentID *string        `gorm:"size:255;index:idx_gift_cards_purchase_payment"`
	CreatedAt         time.Time      `gorm:"not null;index:idx_gift_cards_created"`
	UpdatedAt         time.Time      `gorm:"not null"`
}

func (GiftCard) TableName() string { return "gift_cards" }

func (card *GiftCard) BeforeCreate(tx *gorm.DB) error {
	return assignID(&card.ID)
}

// Reservation mirrors the gift_card_reservations table.
// The partial unique index allows one active reservation per session while keeping closed ones for history.
type Reservation struct {
	ID             string    `gorm:"type:uuid;primaryKey"`
	GiftCardID     string    `gorm:"type:uuid;not null;index:idx_reservations_card_status,priority:1"`
	SessionID      string    `gorm:"size:255;not null;index:idx_reservations_session;uniqueIndex:idx_reservations_active_session,where:status = 'active'"`
	ReservedAmount int64     `gorm:"not null;check:chk_reservations_amount,reserved_amount > 0"`
	Status         string    `gorm:"size:16;not null;index:idx_reservations_card_status,priority:2;index:idx_reservations_status_expires,priority:1"`
	ExpiresAt      time.Time `gorm:"not null;index:idx_reservations_status_expires,priority:2"`
	CreatedAt      time.Time `gorm:"not null"`
	UpdatedAt      time.Time `gorm:"not null"`
}

func (Reservation) TableName() string { return "gift_card_reservations" }

func (reservation *Reservation) BeforeCreate(tx *gorm.DB) error {
	return assignID(&reservation.ID)
}

// Transaction mirrors the append-only gift_card_transactions table.
type Transaction struct {
	ID              string    `gorm:"type:uuid;primaryKey"`
	GiftCardID      string    `gorm:"type:uuid;not null;index:idx_transactions_card_created,priority:1"`
	OrderID         *string   `gorm:"size:255;index:idx_transactions_order"`
	Amount          int64     `gorm:"not null"`
	TransactionType string    `gorm:"size:16;not null"`
	CreatedAt       time.Time `gorm:"not null;index:idx_transactions_card_created,priority:2"`
}

func (Transaction) TableName() string { return "gift_card_transactions" }

func (transaction *Transaction) BeforeCreate(tx *gorm.DB) error {
	return assignID(&transaction.ID)
}

// Models lists every table managed by the store, in migration order.
func Models() []interface{} {
	return []interface{}{&GiftCard{}, &Reservation{}, &Transaction{}}
}

// Migrate creates or updates the schema.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(Models()...)
}

// assignID uses time-ordered UUIDs so id order follows insertion order.
func assignID(target *string) error {
	if *target != "" {
		return nil
	}
	id, err := uuid.NewV7()
	if err != nil {
		return err
	}
	*target = id.String()
	return nil
}
