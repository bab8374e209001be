package types

import (
	"time"

	"gorm.io/gorm"
)

// Order kinds
const (
	KindBuy  = "buy"
	KindSell = "sell"
)

// Order statuses. Transitions only move forward:
// pending -> processing -> completed|failed, pending -> cancelled.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// Order is a queued trade intent. CurrencyAmount is authoritative for buys,
// TokenAmount for sells.
type Order struct {
	gorm.Model     `json:"-"`
	OrderID        string     `gorm:"uniqueIndex" json:"order_id"`
	UserID         string     `gorm:"index" json:"user_id"`
	Ticker         string     `gorm:"index" json:"ticker"`
	Kind           string     `json:"kind"`
	CurrencyAmount float64    `json:"currency_amount"`
	TokenAmount    float64    `json:"token_amount"`
	Status         string     `gorm:"index" json:"status"`
	SubmittedAt    time.Time  `gorm:"index" json:"submitted_at"`
	ProcessedAt    *time.Time `json:"processed_at,omitempty"`
	FailureReason  string     `json:"failure_reason,omitempty"`
	TransactionID  string     `json:"transaction_id,omitempty"`
	ClaimToken     string     `json:"-"`
	LeaseExpiresAt *time.Time `json:"-"`
	Attempts       int        `json:"attempts"`
}

// IsTerminal reports whether the order can no longer change.
func (o *Order) IsTerminal() bool {
	switch o.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IssuerCurveState is the bonding-curve state of one tradable issuer.
// Price is stored denormalized; conceptually it equals BasePrice + Step*Supply.
type IssuerCurveState struct {
	gorm.Model `json:"-"`
	Ticker     string  `gorm:"uniqueIndex" json:"ticker"`
	Name       string  `json:"name"`
	BasePrice  float64 `json:"base_price"`
	Step       float64 `json:"step"`
	Supply     float64 `json:"supply"`
	Price      float64 `json:"price"`
	Pool       float64 `json:"pool"`
}

// Account holds a user's spendable currency.
type Account struct {
	gorm.Model `json:"-"`
	UserID     string  `gorm:"uniqueIndex" json:"user_id"`
	Balance    float64 `json:"balance"`
}

// Position is a user's holding in one issuer.
type Position struct {
	gorm.Model `json:"-"`
	UserID     string  `gorm:"uniqueIndex:idx_positions_user_ticker" json:"user_id"`
	Ticker     string  `gorm:"uniqueIndex:idx_positions_user_ticker" json:"ticker"`
	Quantity   float64 `json:"quantity"`
	CostBasis  float64 `json:"cost_basis"`
}

// TransactionRecord is the immutable ledger entry of a settled order.
type TransactionRecord struct {
	gorm.Model     `json:"-"`
	TransactionID  string    `gorm:"uniqueIndex" json:"transaction_id"`
	OrderID        string    `gorm:"uniqueIndex" json:"order_id"`
	UserID         string    `gorm:"index" json:"user_id"`
	Ticker         string    `gorm:"index" json:"ticker"`
	Kind           string    `json:"kind"`
	CurrencyAmount float64   `json:"currency_amount"`
	TokenAmount    float64   `json:"token_amount"`
	AvgPrice       float64   `json:"avg_price"`
	StartPrice     float64   `json:"start_price"`
	EndPrice       float64   `json:"end_price"`
	SettledAt      time.Time `json:"settled_at"`
}

// IdempotencyRecord maps a client Idempotency-Key to the resource it created.
type IdempotencyRecord struct {
	gorm.Model
	IdempotencyKey string    `gorm:"uniqueIndex" json:"idempotency_key"`
	ResourceID     string    `json:"resource_id"`
	ResourceType   string    `json:"resource_type"`
	ExpiresAt      time.Time `json:"expires_at"`
}
