// Package domain contains the billing plan model and resolver contract.
package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

// BillingPlan holds the per-plan window limits and credit markup.
type BillingPlan struct {
	ID               snowflake.ID `gorm:"primaryKey"`
	Slug             string       `gorm:"type:text;not null;uniqueIndex"`
	ShortWindowLimit float64      `gorm:"not null"`
	LongWindowLimit  float64      `gorm:"not null"`
	CreditMarkup     float64      `gorm:"not null;default:1.0"`
	Active           bool         `gorm:"not null;default:true"`
	CreatedAt        time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt        time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (BillingPlan) TableName() string { return "billing_plans" }

// FallbackSlug is consulted when the requested plan is missing.
const FallbackSlug = "base"

// Service resolves plans. A missing plan falls back to the "base" plan and
// finally to configured defaults, so limit checks never fail on seed gaps.
type Service interface {
	GetPlan(ctx context.Context, slug string) (BillingPlan, error)
}
