// Package domain defines the billing decision contract.
package domain

import (
	"context"

	usagewindowdomain "github.com/usagegate/usagegate/internal/usagewindow/domain"
)

// Service produces the admit/block verdict the request layer consults before
// performing a billable action.
type Service interface {
	Check(ctx context.Context, userID, planSlug string) (usagewindowdomain.WindowCheckResult, error)
}
