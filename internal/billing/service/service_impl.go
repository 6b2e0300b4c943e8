package service

import (
	"context"

	billingdomain "github.com/usagegate/usagegate/internal/billing/domain"
	creditdomain "github.com/usagegate/usagegate/internal/credit/domain"
	plandomain "github.com/usagegate/usagegate/internal/plan/domain"
	usagewindowdomain "github.com/usagegate/usagegate/internal/usagewindow/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log     *zap.Logger
	Plans   plandomain.Service
	Tracker usagewindowdomain.Service
	Credits creditdomain.Service
}

// Service sequences plan resolution, the window check and the credit
// annotation. It holds no state of its own.
type Service struct {
	log     *zap.Logger
	plans   plandomain.Service
	tracker usagewindowdomain.Service
	credits creditdomain.Service
}

func NewService(p Params) billingdomain.Service {
	return &Service{
		log:     p.Log.Named("billing.service"),
		plans:   p.Plans,
		tracker: p.Tracker,
		credits: p.Credits,
	}
}

func (s *Service) Check(ctx context.Context, userID, planSlug string) (usagewindowdomain.WindowCheckResult, error) {
	plan, err := s.plans.GetPlan(ctx, planSlug)
	if err != nil {
		return usagewindowdomain.WindowCheckResult{}, err
	}

	result, err := s.tracker.CheckLimits(ctx, userID, usagewindowdomain.Plan{
		Slug:             plan.Slug,
		ShortWindowLimit: plan.ShortWindowLimit,
		LongWindowLimit:  plan.LongWindowLimit,
		CreditMarkup:     plan.CreditMarkup,
	})
	if err != nil {
		return usagewindowdomain.WindowCheckResult{}, err
	}

	if !result.Allowed && !result.CreditsAvailable {
		balance, err := s.credits.GetBalance(ctx, userID)
		if err != nil {
			s.log.Warn("credit balance annotation failed",
				zap.String("user_id", userID),
				zap.Error(err),
			)
		} else {
			result.CreditBalance = balance
		}
	}

	return result, nil
}
