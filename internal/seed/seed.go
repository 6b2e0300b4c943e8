// Package seed bootstraps the default billing plans.
package seed

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	plandomain "github.com/usagegate/usagegate/internal/plan/domain"
	pkgdb "github.com/usagegate/usagegate/pkg/db"
	"gorm.io/gorm"
)

type planSeed struct {
	slug             string
	shortWindowLimit float64
	longWindowLimit  float64
	creditMarkup     float64
}

var defaultPlans = []planSeed{
	{slug: "base", shortWindowLimit: 2.50, longWindowLimit: 25.00, creditMarkup: 1.5},
	{slug: "pro", shortWindowLimit: 10.00, longWindowLimit: 100.00, creditMarkup: 1.25},
}

// EnsurePlans seeds the default plans when absent. Existing rows are left
// untouched so operator edits survive restarts. Each plan is inserted on its
// own so a duplicate from a concurrently starting replica only skips that row.
func EnsurePlans(db *gorm.DB) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return err
	}

	ctx := context.Background()
	for _, p := range defaultPlans {
		if err := ensurePlan(ctx, db, node, p); err != nil {
			return err
		}
	}
	return nil
}

func ensurePlan(ctx context.Context, db *gorm.DB, node *snowflake.Node, p planSeed) error {
	var existing plandomain.BillingPlan
	err := db.WithContext(ctx).Where("slug = ?", p.slug).First(&existing).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	now := time.Now().UTC()
	err = db.WithContext(ctx).Create(&plandomain.BillingPlan{
		ID:               node.Generate(),
		Slug:             p.slug,
		ShortWindowLimit: p.shortWindowLimit,
		LongWindowLimit:  p.longWindowLimit,
		CreditMarkup:     p.creditMarkup,
		Active:           true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}).Error
	if pkgdb.IsDuplicateKeyErr(err) {
		return nil
	}
	return err
}
