package gormstore

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Balance represents the balances table, one row per (actor_kind, actor_id).
type Balance struct {
	ActorKind string    `gorm:"primaryKey;size:16"`
	ActorID   string    `gorm:"primaryKey;size:128"`
	Coins     int64     `gorm:"not null;default:0"`
	Version   int64     `gorm:"not null;default:0"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (Balance) TableName() string { return "balances" }

// LedgerEntry mirrors the ledger_entries table.
type LedgerEntry struct {
	EntryID        string         `gorm:"type:uuid;primaryKey"`
	ActorKind      string         `gorm:"not null;size:16;index:idx_ledger_account_created,priority:1;index:uniq_ledger_entries_idempotency,unique,priority:1"`
	ActorID        string         `gorm:"not null;size:128;index:idx_ledger_account_created,priority:2;index:uniq_ledger_entries_idempotency,unique,priority:2"`
	Direction      string         `gorm:"not null;size:8"`
	Amount         int64          `gorm:"not null"`
	Category       string         `gorm:"not null;size:16"`
	SessionID      string         `gorm:"size:64;index"`
	IdempotencyKey string         `gorm:"not null;index:uniq_ledger_entries_idempotency,unique,priority:3"`
	Metadata       datatypes.JSON `gorm:"not null"`
	CreatedAt      time.Time      `gorm:"not null;index:idx_ledger_account_created,priority:3"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

func (entry *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// Session mirrors the sessions table.
type Session struct {
	SessionID       string     `gorm:"primaryKey;size:64"`
	Kind            string     `gorm:"not null;size:8"`
	ConsumerID      string     `gorm:"not null;size:128;index:idx_sessions_consumer_status,priority:1"`
	ProviderID      string     `gorm:"not null;size:128;index:idx_sessions_provider_status,priority:1"`
	Status          string     `gorm:"not null;size:16;index:idx_sessions_consumer_status,priority:2;index:idx_sessions_provider_status,priority:2"`
	RejectedBy      string     `gorm:"not null;default:'';size:16"`
	EndedBy         string     `gorm:"not null;default:'';size:16"`
	Reason          string     `gorm:"not null;default:''"`
	UnitPrice       int64      `gorm:"not null;default:0"`
	Commission      int64      `gorm:"not null;default:0"`
	UnitSeconds     int64      `gorm:"not null;default:0"`
	ChargedUnits    int64      `gorm:"not null;default:0"`
	ChargedAmount   int64      `gorm:"not null;default:0"`
	BillingDegraded bool       `gorm:"not null;default:false"`
	CreatedAt       time.Time  `gorm:"not null"`
	ConfirmedAt     *time.Time `gorm:""`
	ActiveAt        *time.Time `gorm:""`
	EndedAt         *time.Time `gorm:""`
	SettledAt       *time.Time `gorm:""`
	UpdatedAt       time.Time  `gorm:"not null"`
}

func (Session) TableName() string { return "sessions" }

// Transcript marks a session whose conversation is open.
type Transcript struct {
	SessionID string    `gorm:"primaryKey;size:64"`
	OpenedAt  time.Time `gorm:"not null"`
}

func (Transcript) TableName() string { return "transcripts" }

// Message mirrors the messages table.
type Message struct {
	MessageID  string    `gorm:"type:uuid;primaryKey"`
	SessionID  string    `gorm:"not null;size:64;index:idx_messages_session_created,priority:1"`
	SenderID   string    `gorm:"not null;size:128"`
	SenderKind string    `gorm:"not null;size:16"`
	Body       string    `gorm:"not null"`
	BodyKind   string    `gorm:"not null;size:8"`
	CreatedAt  time.Time `gorm:"not null;index:idx_messages_session_created,priority:2"`
}

func (Message) TableName() string { return "messages" }

func (message *Message) BeforeCreate(tx *gorm.DB) error {
	if message.MessageID == "" {
		message.MessageID = uuid.NewString()
	}
	return nil
}

// Provider mirrors the providers table.
type Provider struct {
	ProviderID   string    `gorm:"primaryKey;size:128"`
	DisplayName  string    `gorm:"not null;default:''"`
	Availability string    `gorm:"not null;size:16"`
	UpdatedAt    time.Time `gorm:"not null"`
}

func (Provider) TableName() string { return "providers" }

// RateCard mirrors the rate_cards table.
type RateCard struct {
	ProviderID        string          `gorm:"primaryKey;size:128"`
	Kind              string          `gorm:"primaryKey;size:8"`
	UnitPrice         int64           `gorm:"not null"`
	CommissionPercent decimal.Decimal `gorm:"type:numeric(5,2);not null"`
	UpdatedAt         time.Time       `gorm:"not null"`
}

func (RateCard) TableName() string { return "rate_cards" }

// DeviceToken mirrors the device_tokens table.
type DeviceToken struct {
	ActorID   string    `gorm:"primaryKey;size:128"`
	Token     string    `gorm:"primaryKey;size:512"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (DeviceToken) TableName() string { return "device_tokens" }

// Models lists every table managed by this package, in dependency order.
func Models() []interface{} {
	return []interface{}{
		&Balance{},
		&LedgerEntry{},
		&Session{},
		&Transcript{},
		&Message{},
		&Provider{},
		&RateCard{},
		&DeviceToken{},
	}
}

// AutoMigrate creates or updates every table; used for sqlite where SQL migrations do not apply.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(Models()...)
}
