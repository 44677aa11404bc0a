// Package store defines the durable entities of the bridge and owns schema
// migration. Every long-running component mutates state through this
// package; no component holds its own canonical copy of an entity.
package store

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// GateAccountStatus enumerates the lifecycle of a Gate credential set.
type GateAccountStatus string

const (
	GateAccountActive    GateAccountStatus = "active"
	GateAccountInactive  GateAccountStatus = "inactive"
	GateAccountSuspended GateAccountStatus = "suspended"
)

// GateAccount holds Gate panel login state. Cookies are an opaque blob
// produced by the session manager; other components never parse them.
type GateAccount struct {
	ID          uuid.UUID         `gorm:"type:uuid;primaryKey"`
	Email       string            `gorm:"size:255;uniqueIndex"`
	Secret      string            `gorm:"size:512"`
	Balance     decimal.Decimal   `gorm:"type:numeric(20,2)"`
	Status      GateAccountStatus `gorm:"size:32;index"`
	Cookies     []byte            `gorm:"type:bytea"`
	LastAuthAt  *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Authenticated reports whether the stored session is still within ttl.
func (a GateAccount) Authenticated(now time.Time, ttl time.Duration) bool {
	if len(a.Cookies) == 0 || a.LastAuthAt == nil {
		return false
	}
	return now.Sub(*a.LastAuthAt) < ttl
}

// BybitAccountStatus enumerates Bybit account availability.
type BybitAccountStatus string

const (
	BybitAccountAvailable BybitAccountStatus = "available"
	BybitAccountBusy      BybitAccountStatus = "busy"
	BybitAccountError     BybitAccountStatus = "error"
)

// BybitAccount holds Bybit API credentials and ad-capacity bookkeeping.
type BybitAccount struct {
	ID            uuid.UUID          `gorm:"type:uuid;primaryKey"`
	Nickname      string             `gorm:"size:128;uniqueIndex"`
	APIKey        string             `gorm:"size:255"`
	APISecret     string             `gorm:"size:512"`
	ActiveAdCount int                `gorm:"not null;default:0"`
	Status        BybitAccountStatus `gorm:"size:32;index"`
	LastUsedAt    *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Selectable reports whether the account may receive another ad binding.
func (b BybitAccount) Selectable(maxAds int) bool {
	return b.Status == BybitAccountAvailable && b.ActiveAdCount < maxAds
}

// PayoutExternalStatus mirrors Gate's observed payout lifecycle.
type PayoutExternalStatus string

const (
	PayoutNew        PayoutExternalStatus = "new"
	PayoutInProgress PayoutExternalStatus = "in_progress"
	PayoutApproved   PayoutExternalStatus = "approved"
	PayoutRejected   PayoutExternalStatus = "rejected"
	PayoutExpired    PayoutExternalStatus = "expired"
)

// Payout is the local mirror of a Gate payout record. Identity is
// immutable; ExternalStatus tracks the last observed remote state.
type Payout struct {
	GateID         int64                `gorm:"primaryKey"`
	Wallet         string               `gorm:"size:64;index"`
	AmountFiat     decimal.Decimal      `gorm:"type:numeric(20,2)"`
	Currency       string               `gorm:"size:8"`
	BankCode       string               `gorm:"size:64;index"`
	BankLabel      string               `gorm:"size:128"`
	ExternalStatus PayoutExternalStatus `gorm:"size:32;index"`
	CreatedAt      time.Time
	ExpiresAt      *time.Time
	ObservedAt     time.Time
}

// OrderStatus is the canonical state of an internal Order per spec §4.3.
type OrderStatus string

const (
	OrderPending        OrderStatus = "pending"
	OrderAccepted       OrderStatus = "accepted"
	OrderAdvertised     OrderStatus = "advertised"
	OrderBuyerMatched   OrderStatus = "buyer_matched"
	OrderChatting       OrderStatus = "chatting"
	OrderPaymentClaimed OrderStatus = "payment_claimed"
	OrderPaymentRecvd   OrderStatus = "payment_received"
	OrderVerified       OrderStatus = "verified"
	OrderCompleted      OrderStatus = "completed"
	OrderFailed         OrderStatus = "failed"
	OrderFoolPool       OrderStatus = "fool_pool"
)

// Order binds a Payout to a Bybit advertisement and carries it to
// completion. Exactly one Order exists per GateID (enforced by unique
// index); BybitAdID is non-null iff Status has reached Advertised or later.
type Order struct {
	ID             uuid.UUID  `gorm:"type:uuid;primaryKey"`
	GateID         int64      `gorm:"uniqueIndex"`
	GateAccountID  uuid.UUID  `gorm:"type:uuid;index"`
	BybitAccountID *uuid.UUID `gorm:"type:uuid;index"`
	BybitAdID      *string    `gorm:"size:128;index"`
	BybitOrderID   *string    `gorm:"size:128;index"`

	AmountFiat   decimal.Decimal `gorm:"type:numeric(20,2)"`
	AmountCrypto decimal.Decimal `gorm:"type:numeric(30,8)"`
	Currency     string          `gorm:"size:16"`
	FiatCurrency string          `gorm:"size:16"`
	Price        decimal.Decimal `gorm:"type:numeric(20,4)"`

	Status         OrderStatus `gorm:"size:32;index"`
	FailedReason   string      `gorm:"size:256"`
	AdBindAttempts int         `gorm:"not null;default:0"`
	Metadata       []byte      `gorm:"type:jsonb"`

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// OrderStatusHistory is the append-only audit trail of state transitions.
type OrderStatusHistory struct {
	ID      uuid.UUID   `gorm:"type:uuid;primaryKey"`
	OrderID uuid.UUID   `gorm:"type:uuid;index"`
	Status  OrderStatus `gorm:"size:32;index"`
	Details string      `gorm:"size:512"`
	At      time.Time
}

// ConversationStage is Conversation.stage per spec §4.7.
type ConversationStage string

const (
	StageGreeting        ConversationStage = "greeting"
	StageBankConfirm     ConversationStage = "bank_confirm"
	StageReceiptConfirm  ConversationStage = "receipt_confirm"
	StageKycConfirm      ConversationStage = "kyc_confirm"
	StageReqsSent        ConversationStage = "reqs_sent"
	StageAwaitingReceipt ConversationStage = "awaiting_receipt"
	StageCompleted       ConversationStage = "completed"
	StageFoolPool        ConversationStage = "fool_pool"
)

// MessageDirection distinguishes inbound buyer text from outbound script.
type MessageDirection string

const (
	DirectionIn  MessageDirection = "in"
	DirectionOut MessageDirection = "out"
)

// MessageKind classifies a chat payload.
type MessageKind string

const (
	MessageText   MessageKind = "text"
	MessageImage  MessageKind = "image"
	MessagePDF    MessageKind = "pdf"
	MessageSystem MessageKind = "system"
)

// ConversationMessage is one entry in a Conversation's append-only log.
type ConversationMessage struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	ConversationID uuid.UUID `gorm:"type:uuid;index"`
	Direction      MessageDirection `gorm:"size:8"`
	Kind           MessageKind      `gorm:"size:16"`
	Stage          ConversationStage `gorm:"size:32;index"`
	Body           string            `gorm:"type:text"`
	At             time.Time
}

// Conversation tracks the scripted dialogue for one Order. Order owns
// Conversation by id; Conversation references OrderID by value only, never
// the other way, to avoid the Order/Conversation cycle flagged in spec §9.
type Conversation struct {
	OrderID          uuid.UUID         `gorm:"type:uuid;primaryKey"`
	Stage            ConversationStage `gorm:"size:32;index"`
	CustomerLanguage string            `gorm:"size:16"`
	ClarifyCount     int               `gorm:"not null;default:0"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
	Messages         []ConversationMessage `gorm:"foreignKey:ConversationID;references:OrderID;constraint:OnDelete:CASCADE"`
}

// ParsedReceipt is the structured output of the (out-of-scope) OCR/extract
// stage that internal/receipt consumes and validates.
type ParsedReceipt struct {
	Amount    decimal.Decimal `json:"amount"`
	Bank      string          `json:"bank"`
	PhoneTail string          `json:"phone_tail"`
	CardTail  string          `json:"card_tail"`
	Status    string          `json:"status"`
	Timestamp time.Time       `json:"timestamp"`
}

// Receipt is a bank-notification email matched (or attempted to be
// matched) against an Order. A Receipt binds to at most one Order.
type Receipt struct {
	ID              uuid.UUID  `gorm:"type:uuid;primaryKey"`
	OrderID         *uuid.UUID `gorm:"type:uuid;index"`
	ExternalMailID  string     `gorm:"size:255;uniqueIndex"`
	Sender          string     `gorm:"size:255"`
	Subject         string     `gorm:"size:512"`
	ExtractedText   string     `gorm:"type:text"`
	ParsedAmount    decimal.Decimal `gorm:"type:numeric(20,2)"`
	ParsedBank      string          `gorm:"size:128"`
	ParsedPhoneTail string          `gorm:"size:8"`
	ParsedCardTail  string          `gorm:"size:8"`
	ParsedStatus    string          `gorm:"size:32"`
	ParsedAt        *time.Time
	IsValid         bool   `gorm:"index"`
	ValidationErrs  []byte `gorm:"type:jsonb"`
	CreatedAt       time.Time
}

// Settings is the single-row operational configuration mirrored into the
// store so the admin surface (out of scope here) can toggle it live.
type Settings struct {
	ID                  int    `gorm:"primaryKey"`
	AdminToken           string `gorm:"size:255"`
	GatePollInterval     time.Duration
	MailPollInterval     time.Duration
	GateRPM              int
	BybitRPM             int
	TargetBalance        decimal.Decimal `gorm:"type:numeric(20,2)"`
	MinBalance           decimal.Decimal `gorm:"type:numeric(20,2)"`
	ShutdownBalance      decimal.Decimal `gorm:"type:numeric(20,2)"`
	MaxAdsPerAccount     int
	BankWhitelist        []byte `gorm:"type:jsonb"`
	ReceiptSenderAllow   []byte `gorm:"type:jsonb"`
	RetentionDays        int
	ManualMode           bool
	UpdatedAt            time.Time
}

// AutoMigrate applies schema migrations for every entity owned by the
// bridge, mirroring the AutoMigrate list style of the teacher's models.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&GateAccount{},
		&BybitAccount{},
		&Payout{},
		&Order{},
		&OrderStatusHistory{},
		&ConversationMessage{},
		&Conversation{},
		&Receipt{},
		&Settings{},
	)
}
