// Package domain contains the rolling usage window models and contracts.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// WindowType identifies one of the two rolling windows.
type WindowType string

const (
	WindowShort WindowType = "5h"
	WindowLong  WindowType = "7d"
)

// WindowTypes returns both windows in check priority order.
func WindowTypes() []WindowType {
	return []WindowType{WindowShort, WindowLong}
}

// ParseWindowType validates an externally supplied window type.
func ParseWindowType(raw string) (WindowType, error) {
	switch WindowType(raw) {
	case WindowShort:
		return WindowShort, nil
	case WindowLong:
		return WindowLong, nil
	default:
		return "", ErrInvalidWindowType
	}
}

// UsageWindowEntry is one durable record per cost event and window type.
// Rows are append-only; aging out of the window is a logical expiry.
type UsageWindowEntry struct {
	ID            snowflake.ID `gorm:"primaryKey"`
	UserID        string       `gorm:"type:text;not null;index:idx_usage_window_user_window_time,priority:1"`
	WindowType    WindowType   `gorm:"type:text;not null;index:idx_usage_window_user_window_time,priority:2"`
	Cost          float64      `gorm:"not null"`
	RecordedAt    time.Time    `gorm:"not null;index:idx_usage_window_user_window_time,priority:3"`
	SourceEventID *string      `gorm:"type:text"`
	CreatedAt     time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (UsageWindowEntry) TableName() string { return "usage_window_entries" }

// Usage holds the current sliding-window totals for one user.
type Usage struct {
	ShortWindowCost float64 `json:"short_window_cost"`
	LongWindowCost  float64 `json:"long_window_cost"`
}

// For returns the total for the given window.
func (u Usage) For(window WindowType) float64 {
	if window == WindowLong {
		return u.LongWindowCost
	}
	return u.ShortWindowCost
}

// ReasonWindowLimitExceeded is the blocking reason reported by CheckLimits.
const ReasonWindowLimitExceeded = "window_limit_exceeded"

// WindowCheckResult is the ephemeral verdict of a limit check.
type WindowCheckResult struct {
	Allowed          bool       `json:"allowed"`
	Reason           string     `json:"reason,omitempty"`
	WindowType       WindowType `json:"window_type,omitempty"`
	CurrentCost      float64    `json:"current_cost"`
	LimitCost        float64    `json:"limit_cost"`
	ResetAt          *time.Time `json:"reset_at,omitempty"`
	CreditsAvailable bool       `json:"credits_available"`
	CreditBalance    float64    `json:"credit_balance,omitempty"`
}

// CachedEntry is the volatile-store projection of a cost event.
type CachedEntry struct {
	Cost          float64
	SourceEventID string
	RecordedAt    time.Time
}

// VolatileStore is the fast lookup half of the tracker. The boolean results
// report whether the store could answer at all; false means the caller must
// fall back to the durable store. Implementations never own correctness.
type VolatileStore interface {
	Append(ctx context.Context, userID string, window WindowType, entry CachedEntry, cutoff time.Time, ttl time.Duration) error
	SumSince(ctx context.Context, userID string, window WindowType, cutoff time.Time) (float64, bool, error)
	OldestSince(ctx context.Context, userID string, window WindowType, cutoff time.Time) (time.Time, bool, error)
	Clear(ctx context.Context, userID string, window WindowType) error
}

// CreditGate reports whether a user may draw down prepaid credit to exceed a
// window limit. Implemented by the credit ledger.
type CreditGate interface {
	OverageCredit(ctx context.Context, userID string) (enabled bool, balance float64, err error)
}

// Plan carries the limits a check runs against, decoupled from the plan
// package so the tracker does not depend on plan resolution.
type Plan struct {
	Slug             string
	ShortWindowLimit float64
	LongWindowLimit  float64
	CreditMarkup     float64
}

// LimitFor returns the plan limit for the given window.
func (p Plan) LimitFor(window WindowType) float64 {
	if window == WindowLong {
		return p.LongWindowLimit
	}
	return p.ShortWindowLimit
}

// Service is the rolling window tracker.
type Service interface {
	RecordUsage(ctx context.Context, userID string, cost float64, sourceEventID string) error
	GetCurrentUsage(ctx context.Context, userID string) (Usage, error)
	GetResetTime(ctx context.Context, userID string, window WindowType) (*time.Time, error)
	CheckLimits(ctx context.Context, userID string, plan Plan) (WindowCheckResult, error)
	ReplaceUsageForWindow(ctx context.Context, userID string, window WindowType, targetCost float64) error
	ClearUsage(ctx context.Context, userID string) error
}

var (
	ErrInvalidUser       = errors.New("invalid_user")
	ErrInvalidCost       = errors.New("invalid_cost")
	ErrInvalidWindowType = errors.New("invalid_window_type")
)
