package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/usagegate/usagegate/internal/clock"
	"github.com/usagegate/usagegate/internal/config"
	"github.com/usagegate/usagegate/internal/lock"
	obsmetrics "github.com/usagegate/usagegate/internal/observability/metrics"
	usagewindowdomain "github.com/usagegate/usagegate/internal/usagewindow/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const adminLockTTL = 10 * time.Second

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Billing    *config.BillingConfigHolder
	Volatile   usagewindowdomain.VolatileStore
	Credits    usagewindowdomain.CreditGate `optional:"true"`
	Locker     *lock.Locker                 `optional:"true"`
	ObsMetrics *obsmetrics.Metrics          `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	billing    *config.BillingConfigHolder
	volatile   usagewindowdomain.VolatileStore
	credits    usagewindowdomain.CreditGate
	locker     *lock.Locker
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) usagewindowdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("usagewindow.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		billing:    p.Billing,
		volatile:   p.Volatile,
		credits:    p.Credits,
		locker:     p.Locker,
		obsMetrics: p.ObsMetrics,
	}
}

// RecordUsage appends one durable entry per window type and mirrors the event
// into the volatile store. The durable write decides success; a volatile
// failure only degrades read latency and is swallowed.
func (s *Service) RecordUsage(ctx context.Context, userID string, cost float64, sourceEventID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return usagewindowdomain.ErrInvalidUser
	}
	if cost < 0 {
		return usagewindowdomain.ErrInvalidCost
	}

	now := s.clock.Now()
	sourceEventID = strings.TrimSpace(sourceEventID)
	var sourceRef *string
	if sourceEventID != "" {
		sourceRef = &sourceEventID
	}

	entries := make([]usagewindowdomain.UsageWindowEntry, 0, 2)
	for _, window := range usagewindowdomain.WindowTypes() {
		entries = append(entries, usagewindowdomain.UsageWindowEntry{
			ID:            s.genID.Generate(),
			UserID:        userID,
			WindowType:    window,
			Cost:          cost,
			RecordedAt:    now,
			SourceEventID: sourceRef,
			CreatedAt:     now,
		})
	}

	if err := s.db.WithContext(ctx).Create(&entries).Error; err != nil {
		return err
	}

	for _, window := range usagewindowdomain.WindowTypes() {
		duration := s.durationFor(window)
		err := s.volatile.Append(ctx, userID, window, usagewindowdomain.CachedEntry{
			Cost:          cost,
			SourceEventID: sourceEventID,
			RecordedAt:    now,
		}, now.Add(-duration), duration+s.safetyMargin())
		if err != nil {
			s.warnCacheFallback(window, "append", err)
		}
	}

	s.obsMetrics.RecordUsage(ctx)
	return nil
}

// GetCurrentUsage sums both windows, volatile-first with durable fallback.
func (s *Service) GetCurrentUsage(ctx context.Context, userID string) (usagewindowdomain.Usage, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return usagewindowdomain.Usage{}, usagewindowdomain.ErrInvalidUser
	}

	now := s.clock.Now()
	var usage usagewindowdomain.Usage
	for _, window := range usagewindowdomain.WindowTypes() {
		total, err := s.sumWindow(ctx, userID, window, now)
		if err != nil {
			return usagewindowdomain.Usage{}, err
		}
		if window == usagewindowdomain.WindowLong {
			usage.LongWindowCost = total
		} else {
			usage.ShortWindowCost = total
		}
	}
	return usage, nil
}

// GetResetTime returns when the window next frees capacity: the oldest
// in-window entry plus the window duration. Nil means nothing to wait for.
func (s *Service) GetResetTime(ctx context.Context, userID string, window usagewindowdomain.WindowType) (*time.Time, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, usagewindowdomain.ErrInvalidUser
	}
	if _, err := usagewindowdomain.ParseWindowType(string(window)); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	duration := s.durationFor(window)
	cutoff := now.Add(-duration)

	oldest, ok, err := s.volatile.OldestSince(ctx, userID, window, cutoff)
	if err != nil || !ok {
		if err != nil {
			s.warnCacheFallback(window, "oldest", err)
		}
		oldest, err = s.durableOldest(ctx, userID, window, cutoff)
		if err != nil {
			return nil, err
		}
	}

	if oldest.IsZero() {
		return nil, nil
	}
	reset := oldest.Add(duration)
	return &reset, nil
}

// CheckLimits evaluates the short window first, then the long window. Sitting
// exactly at the limit blocks. A blocked user with credit draw-down enabled
// and a positive balance passes with credits_available set.
func (s *Service) CheckLimits(ctx context.Context, userID string, plan usagewindowdomain.Plan) (usagewindowdomain.WindowCheckResult, error) {
	usage, err := s.GetCurrentUsage(ctx, userID)
	if err != nil {
		return usagewindowdomain.WindowCheckResult{}, err
	}

	for _, window := range usagewindowdomain.WindowTypes() {
		current := usage.For(window)
		limit := plan.LimitFor(window)
		if current < limit {
			continue
		}

		result := usagewindowdomain.WindowCheckResult{
			Allowed:     false,
			Reason:      usagewindowdomain.ReasonWindowLimitExceeded,
			WindowType:  window,
			CurrentCost: current,
			LimitCost:   limit,
		}
		if resetAt, err := s.GetResetTime(ctx, userID, window); err == nil {
			result.ResetAt = resetAt
		} else {
			s.log.Warn("reset time lookup failed",
				zap.String("user_id", userID),
				zap.String("window_type", string(window)),
				zap.Error(err),
			)
		}

		if s.credits != nil {
			enabled, balance, err := s.credits.OverageCredit(ctx, userID)
			if err != nil {
				s.log.Warn("credit lookup failed, blocking without overage",
					zap.String("user_id", userID),
					zap.Error(err),
				)
			} else if enabled && balance > 0 {
				result.Allowed = true
				result.CreditsAvailable = true
				result.CreditBalance = balance
			}
		}

		s.obsMetrics.RecordWindowCheck(ctx, result.Allowed, string(window))
		return result, nil
	}

	s.obsMetrics.RecordWindowCheck(ctx, true, "")
	return usagewindowdomain.WindowCheckResult{Allowed: true}, nil
}

// ReplaceUsageForWindow discards the window in both stores and inserts one
// synthetic entry equal to targetCost, so operators can simulate any usage
// level. The end state matches organic traffic summing to targetCost.
func (s *Service) ReplaceUsageForWindow(ctx context.Context, userID string, window usagewindowdomain.WindowType, targetCost float64) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return usagewindowdomain.ErrInvalidUser
	}
	if _, err := usagewindowdomain.ParseWindowType(string(window)); err != nil {
		return err
	}
	if targetCost < 0 {
		return usagewindowdomain.ErrInvalidCost
	}

	unlock, err := s.acquireAdminLock(ctx, userID)
	if err != nil {
		return err
	}
	defer unlock()

	now := s.clock.Now()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.
			Where("user_id = ? AND window_type = ?", userID, window).
			Delete(&usagewindowdomain.UsageWindowEntry{}).Error; err != nil {
			return err
		}
		if targetCost > 0 {
			return tx.Create(&usagewindowdomain.UsageWindowEntry{
				ID:         s.genID.Generate(),
				UserID:     userID,
				WindowType: window,
				Cost:       targetCost,
				RecordedAt: now,
				CreatedAt:  now,
			}).Error
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.resetVolatileWindow(ctx, userID, window, targetCost, now)
	return nil
}

// ClearUsage discards every entry for the user in both windows and stores.
func (s *Service) ClearUsage(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return usagewindowdomain.ErrInvalidUser
	}

	unlock, err := s.acquireAdminLock(ctx, userID)
	if err != nil {
		return err
	}
	defer unlock()

	err = s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Delete(&usagewindowdomain.UsageWindowEntry{}).Error
	if err != nil {
		return err
	}

	for _, window := range usagewindowdomain.WindowTypes() {
		if err := s.volatile.Clear(ctx, userID, window); err != nil {
			s.log.Error("volatile window clear failed, cache stale until expiry",
				zap.String("user_id", userID),
				zap.String("window_type", string(window)),
				zap.Error(err),
			)
		}
	}
	return nil
}

func (s *Service) sumWindow(ctx context.Context, userID string, window usagewindowdomain.WindowType, now time.Time) (float64, error) {
	cutoff := now.Add(-s.durationFor(window))

	total, ok, err := s.volatile.SumSince(ctx, userID, window, cutoff)
	if err == nil && ok {
		return total, nil
	}
	if err != nil {
		s.warnCacheFallback(window, "sum", err)
	}
	s.obsMetrics.RecordCacheFallback(ctx, string(window), "sum")

	return s.durableSum(ctx, userID, window, cutoff)
}

func (s *Service) durableSum(ctx context.Context, userID string, window usagewindowdomain.WindowType, cutoff time.Time) (float64, error) {
	var total float64
	err := s.db.WithContext(ctx).
		Model(&usagewindowdomain.UsageWindowEntry{}).
		Where("user_id = ? AND window_type = ? AND recorded_at >= ?", userID, window, cutoff).
		Select("COALESCE(SUM(cost), 0)").
		Scan(&total).Error
	return total, err
}

func (s *Service) durableOldest(ctx context.Context, userID string, window usagewindowdomain.WindowType, cutoff time.Time) (time.Time, error) {
	var oldest *time.Time
	err := s.db.WithContext(ctx).
		Model(&usagewindowdomain.UsageWindowEntry{}).
		Where("user_id = ? AND window_type = ? AND recorded_at >= ?", userID, window, cutoff).
		Select("MIN(recorded_at)").
		Scan(&oldest).Error
	if err != nil {
		return time.Time{}, err
	}
	if oldest == nil {
		return time.Time{}, nil
	}
	return oldest.UTC(), nil
}

// resetVolatileWindow rebuilds the cache after an admin rewrite. Failures are
// logged loudly: a stale key serves wrong sums until its TTL fires.
func (s *Service) resetVolatileWindow(ctx context.Context, userID string, window usagewindowdomain.WindowType, targetCost float64, now time.Time) {
	if err := s.volatile.Clear(ctx, userID, window); err != nil {
		s.log.Error("volatile window clear failed, cache stale until expiry",
			zap.String("user_id", userID),
			zap.String("window_type", string(window)),
			zap.Error(err),
		)
		return
	}
	if targetCost <= 0 {
		return
	}
	duration := s.durationFor(window)
	err := s.volatile.Append(ctx, userID, window, usagewindowdomain.CachedEntry{
		Cost:       targetCost,
		RecordedAt: now,
	}, now.Add(-duration), duration+s.safetyMargin())
	if err != nil {
		s.warnCacheFallback(window, "append", err)
	}
}

func (s *Service) acquireAdminLock(ctx context.Context, userID string) (func(), error) {
	if s.locker == nil {
		return func() {}, nil
	}
	key := "usage_window:admin:" + userID
	token, ok, err := s.locker.TryLock(ctx, key, adminLockTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, lock.ErrLockHeld
	}
	return func() {
		if err := s.locker.Release(context.WithoutCancel(ctx), key, token); err != nil {
			s.log.Warn("admin lock release failed", zap.String("key", key), zap.Error(err))
		}
	}, nil
}

func (s *Service) durationFor(window usagewindowdomain.WindowType) time.Duration {
	cfg := s.billing.Get()
	if window == usagewindowdomain.WindowLong {
		return cfg.LongWindow
	}
	return cfg.ShortWindow
}

func (s *Service) safetyMargin() time.Duration {
	return s.billing.Get().CacheSafetyMargin
}

func (s *Service) warnCacheFallback(window usagewindowdomain.WindowType, op string, err error) {
	s.log.Warn("volatile window store unavailable",
		zap.String("window_type", string(window)),
		zap.String("op", op),
		zap.Error(err),
	)
}
