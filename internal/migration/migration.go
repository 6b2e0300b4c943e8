// Package migration creates the billing tables on startup so the service is
// usable out of the box for local and self-hosted environments.
package migration

import (
	"errors"

	creditdomain "github.com/usagegate/usagegate/internal/credit/domain"
	plandomain "github.com/usagegate/usagegate/internal/plan/domain"
	usagewindowdomain "github.com/usagegate/usagegate/internal/usagewindow/domain"
	"gorm.io/gorm"
)

// Run applies the schema for all core tables.
func Run(db *gorm.DB) error {
	if db == nil {
		return errors.New("migration database handle is required")
	}
	return db.AutoMigrate(
		&plandomain.BillingPlan{},
		&usagewindowdomain.UsageWindowEntry{},
		&creditdomain.UserCredit{},
		&creditdomain.CreditTransaction{},
	)
}
