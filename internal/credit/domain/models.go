// Package domain contains the prepaid credit ledger models and contract.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// TransactionType classifies ledger entries.
type TransactionType string

const (
	TransactionRecharge    TransactionType = "recharge"
	TransactionConsumption TransactionType = "consumption"
	TransactionRefund      TransactionType = "refund"
)

// UserCredit is the single mutable balance row per user. Recharge and consume
// are its only writers and serialize against each other per user.
type UserCredit struct {
	ID                snowflake.ID `gorm:"primaryKey"`
	UserID            string       `gorm:"type:text;not null;uniqueIndex"`
	Balance           float64      `gorm:"not null;default:0"`
	ExtraUsageEnabled bool         `gorm:"not null;default:false"`
	CreatedAt         time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt         time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (UserCredit) TableName() string { return "user_credits" }

// CreditTransaction is an append-only ledger entry. Never updated or deleted.
type CreditTransaction struct {
	ID               snowflake.ID    `gorm:"primaryKey" json:"id"`
	UserID           string          `gorm:"type:text;not null;index:idx_credit_transactions_user_time,priority:1" json:"user_id"`
	TransactionType  TransactionType `gorm:"type:text;not null" json:"transaction_type"`
	Amount           float64         `gorm:"not null" json:"amount"`
	BalanceAfter     float64         `gorm:"not null" json:"balance_after"`
	PaymentReference *string         `gorm:"type:text" json:"payment_reference,omitempty"`
	SourceEventID    *string         `gorm:"type:text" json:"source_event_id,omitempty"`
	Description      string          `gorm:"type:text" json:"description,omitempty"`
	CreatedAt        time.Time       `gorm:"not null;index:idx_credit_transactions_user_time,priority:2" json:"created_at"`
}

// TableName sets the database table name.
func (CreditTransaction) TableName() string { return "credit_transactions" }

// HistoryRequest pages through a user's ledger, most recent first.
type HistoryRequest struct {
	UserID string
	Limit  int
	Offset int
}

// Service is the prepaid credit ledger.
type Service interface {
	GetBalance(ctx context.Context, userID string) (float64, error)
	Recharge(ctx context.Context, userID string, amount float64, paymentReference string) (float64, error)
	Consume(ctx context.Context, userID string, rawCost, markupFactor float64, sourceEventID string) (float64, error)
	EnableExtraUsage(ctx context.Context, userID string, enabled bool) error
	GetTransactionHistory(ctx context.Context, req HistoryRequest) ([]CreditTransaction, error)

	// OverageCredit reports draw-down eligibility for the window tracker.
	OverageCredit(ctx context.Context, userID string) (enabled bool, balance float64, err error)
}

var (
	ErrInvalidUser           = errors.New("invalid_user")
	ErrInvalidRechargeAmount = errors.New("invalid_recharge_amount")
	ErrInvalidCost           = errors.New("invalid_cost")
	ErrInvalidMarkup         = errors.New("invalid_markup")
	ErrInsufficientCredit    = errors.New("insufficient_credit")
)
