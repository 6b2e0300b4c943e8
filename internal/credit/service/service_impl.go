package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/usagegate/usagegate/internal/clock"
	"github.com/usagegate/usagegate/internal/config"
	creditdomain "github.com/usagegate/usagegate/internal/credit/domain"
	obsmetrics "github.com/usagegate/usagegate/internal/observability/metrics"
	pkgdb "github.com/usagegate/usagegate/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 250
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Billing    *config.BillingConfigHolder
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	billing    *config.BillingConfigHolder
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) creditdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("credit.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		billing:    p.Billing,
		obsMetrics: p.ObsMetrics,
	}
}

// GetBalance returns 0 for users with no ledger row.
func (s *Service) GetBalance(ctx context.Context, userID string) (float64, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, creditdomain.ErrInvalidUser
	}

	credit, err := s.findCredit(ctx, s.db, userID)
	if err != nil {
		return 0, err
	}
	if credit == nil {
		return 0, nil
	}
	return credit.Balance, nil
}

// OverageCredit reports draw-down eligibility for the window tracker.
func (s *Service) OverageCredit(ctx context.Context, userID string) (bool, float64, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return false, 0, creditdomain.ErrInvalidUser
	}

	credit, err := s.findCredit(ctx, s.db, userID)
	if err != nil {
		return false, 0, err
	}
	if credit == nil {
		return false, 0, nil
	}
	return credit.ExtraUsageEnabled, credit.Balance, nil
}

// Recharge adds a fixed denomination to the balance. The ledger row is
// created lazily on first recharge.
func (s *Service) Recharge(ctx context.Context, userID string, amount float64, paymentReference string) (float64, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, creditdomain.ErrInvalidUser
	}
	if !s.allowedRecharge(amount) {
		return 0, creditdomain.ErrInvalidRechargeAmount
	}

	var paymentRef *string
	if ref := strings.TrimSpace(paymentReference); ref != "" {
		paymentRef = &ref
	}

	now := s.clock.Now()
	var newBalance float64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		credit, err := s.lockCredit(ctx, tx, userID)
		if err != nil {
			return err
		}
		if credit == nil {
			credit = &creditdomain.UserCredit{
				ID:        s.genID.Generate(),
				UserID:    userID,
				CreatedAt: now,
			}
			if err := tx.Create(credit).Error; err != nil {
				return err
			}
		}

		newBalance = credit.Balance + amount
		err = tx.Model(&creditdomain.UserCredit{}).
			Where("id = ?", credit.ID).
			Updates(map[string]any{"balance": newBalance, "updated_at": now}).Error
		if err != nil {
			return err
		}

		return tx.Create(&creditdomain.CreditTransaction{
			ID:               s.genID.Generate(),
			UserID:           userID,
			TransactionType:  creditdomain.TransactionRecharge,
			Amount:           amount,
			BalanceAfter:     newBalance,
			PaymentReference: paymentRef,
			CreatedAt:        now,
		}).Error
	})
	if err != nil {
		return 0, err
	}

	s.obsMetrics.RecordCreditTransaction(ctx, string(creditdomain.TransactionRecharge))
	s.log.Info("credit recharged",
		zap.String("user_id", userID),
		zap.Float64("amount", amount),
		zap.Float64("balance", newBalance),
	)
	return newBalance, nil
}

// Consume debits rawCost * markupFactor, or fails without mutating state when
// the balance does not cover the charge. The read-then-write runs under a
// per-user row lock.
func (s *Service) Consume(ctx context.Context, userID string, rawCost, markupFactor float64, sourceEventID string) (float64, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, creditdomain.ErrInvalidUser
	}
	if rawCost < 0 {
		return 0, creditdomain.ErrInvalidCost
	}
	if markupFactor < 1.0 {
		return 0, creditdomain.ErrInvalidMarkup
	}

	charged := rawCost * markupFactor
	if charged == 0 {
		return s.GetBalance(ctx, userID)
	}

	var sourceRef *string
	if src := strings.TrimSpace(sourceEventID); src != "" {
		sourceRef = &src
	}

	now := s.clock.Now()
	var newBalance float64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		credit, err := s.lockCredit(ctx, tx, userID)
		if err != nil {
			return err
		}
		if credit == nil || credit.Balance < charged {
			return creditdomain.ErrInsufficientCredit
		}

		newBalance = credit.Balance - charged
		err = tx.Model(&creditdomain.UserCredit{}).
			Where("id = ?", credit.ID).
			Updates(map[string]any{"balance": newBalance, "updated_at": now}).Error
		if err != nil {
			return err
		}

		return tx.Create(&creditdomain.CreditTransaction{
			ID:              s.genID.Generate(),
			UserID:          userID,
			TransactionType: creditdomain.TransactionConsumption,
			Amount:          charged,
			BalanceAfter:    newBalance,
			SourceEventID:   sourceRef,
			CreatedAt:       now,
		}).Error
	})
	if err != nil {
		return 0, err
	}

	s.obsMetrics.RecordCreditTransaction(ctx, string(creditdomain.TransactionConsumption))
	return newBalance, nil
}

// EnableExtraUsage toggles credit draw-down. Idempotent; creates the ledger
// row when absent.
func (s *Service) EnableExtraUsage(ctx context.Context, userID string, enabled bool) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return creditdomain.ErrInvalidUser
	}

	now := s.clock.Now()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		credit, err := s.lockCredit(ctx, tx, userID)
		if err != nil {
			return err
		}
		if credit == nil {
			return tx.Create(&creditdomain.UserCredit{
				ID:                s.genID.Generate(),
				UserID:            userID,
				ExtraUsageEnabled: enabled,
				CreatedAt:         now,
				UpdatedAt:         now,
			}).Error
		}
		if credit.ExtraUsageEnabled == enabled {
			return nil
		}
		return tx.Model(&creditdomain.UserCredit{}).
			Where("id = ?", credit.ID).
			Updates(map[string]any{"extra_usage_enabled": enabled, "updated_at": now}).Error
	})
}

// GetTransactionHistory returns ledger entries most recent first.
func (s *Service) GetTransactionHistory(ctx context.Context, req creditdomain.HistoryRequest) ([]creditdomain.CreditTransaction, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, creditdomain.ErrInvalidUser
	}

	limit := req.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	offset := req.Offset
	if offset < 0 {
		offset = 0
	}

	var transactions []creditdomain.CreditTransaction
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&transactions).Error
	if err != nil {
		return nil, err
	}
	return transactions, nil
}

func (s *Service) findCredit(ctx context.Context, tx *gorm.DB, userID string) (*creditdomain.UserCredit, error) {
	var credit creditdomain.UserCredit
	err := tx.WithContext(ctx).Where("user_id = ?", userID).First(&credit).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &credit, nil
}

func (s *Service) lockCredit(ctx context.Context, tx *gorm.DB, userID string) (*creditdomain.UserCredit, error) {
	var credit creditdomain.UserCredit
	err := pkgdb.ForUpdate(tx.WithContext(ctx)).
		Where("user_id = ?", userID).
		First(&credit).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &credit, nil
}

func (s *Service) allowedRecharge(amount float64) bool {
	for _, allowed := range s.billing.Get().RechargeAmounts {
		if amount == allowed {
			return true
		}
	}
	return false
}
