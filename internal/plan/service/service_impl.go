package service

import (
	"context"
	"errors"
	"strings"

	"github.com/usagegate/usagegate/internal/config"
	plandomain "github.com/usagegate/usagegate/internal/plan/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Billing *config.BillingConfigHolder
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	billing *config.BillingConfigHolder
}

func NewService(p Params) plandomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("plan.service"),
		billing: p.Billing,
	}
}

// GetPlan resolves slug -> "base" -> configured defaults. Only real store
// failures propagate; absent rows degrade to the next fallback.
func (s *Service) GetPlan(ctx context.Context, slug string) (plandomain.BillingPlan, error) {
	slug = strings.ToLower(strings.TrimSpace(slug))
	if slug != "" {
		plan, found, err := s.findActive(ctx, slug)
		if err != nil {
			return plandomain.BillingPlan{}, err
		}
		if found {
			return plan, nil
		}
	}

	if slug != plandomain.FallbackSlug {
		plan, found, err := s.findActive(ctx, plandomain.FallbackSlug)
		if err != nil {
			return plandomain.BillingPlan{}, err
		}
		if found {
			s.log.Debug("plan missing, using base plan", zap.String("slug", slug))
			return plan, nil
		}
	}

	s.log.Warn("no seeded plan found, using configured defaults", zap.String("slug", slug))
	return s.defaultPlan(), nil
}

func (s *Service) findActive(ctx context.Context, slug string) (plandomain.BillingPlan, bool, error) {
	var plan plandomain.BillingPlan
	err := s.db.WithContext(ctx).
		Where("slug = ? AND active = ?", slug, true).
		First(&plan).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return plandomain.BillingPlan{}, false, nil
		}
		return plandomain.BillingPlan{}, false, err
	}
	return plan, true, nil
}

func (s *Service) defaultPlan() plandomain.BillingPlan {
	defaults := s.billing.Get().DefaultPlan
	return plandomain.BillingPlan{
		Slug:             defaults.Slug,
		ShortWindowLimit: defaults.ShortWindowLimit,
		LongWindowLimit:  defaults.LongWindowLimit,
		CreditMarkup:     defaults.CreditMarkup,
		Active:           true,
	}
}
