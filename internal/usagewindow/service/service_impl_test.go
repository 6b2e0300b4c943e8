package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/usagegate/usagegate/internal/clock"
	"github.com/usagegate/usagegate/internal/config"
	usagewindowdomain "github.com/usagegate/usagegate/internal/usagewindow/domain"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type fakeVolatileStore struct {
	mu         sync.Mutex
	entries    map[string][]usagewindowdomain.CachedEntry
	failReads  bool
	failWrites bool
}

func newFakeVolatileStore() *fakeVolatileStore {
	return &fakeVolatileStore{entries: make(map[string][]usagewindowdomain.CachedEntry)}
}

func (f *fakeVolatileStore) key(userID string, window usagewindowdomain.WindowType) string {
	return userID + "|" + string(window)
}

func (f *fakeVolatileStore) Append(ctx context.Context, userID string, window usagewindowdomain.WindowType, entry usagewindowdomain.CachedEntry, cutoff time.Time, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites {
		return errors.New("volatile store down")
	}
	key := f.key(userID, window)
	kept := make([]usagewindowdomain.CachedEntry, 0, len(f.entries[key])+1)
	for _, existing := range f.entries[key] {
		if !existing.RecordedAt.Before(cutoff) {
			kept = append(kept, existing)
		}
	}
	f.entries[key] = append(kept, entry)
	return nil
}

func (f *fakeVolatileStore) SumSince(ctx context.Context, userID string, window usagewindowdomain.WindowType, cutoff time.Time) (float64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failReads {
		return 0, false, errors.New("volatile store down")
	}
	entries, ok := f.entries[f.key(userID, window)]
	if !ok {
		return 0, false, nil
	}
	var total float64
	for _, entry := range entries {
		if !entry.RecordedAt.Before(cutoff) {
			total += entry.Cost
		}
	}
	return total, true, nil
}

func (f *fakeVolatileStore) OldestSince(ctx context.Context, userID string, window usagewindowdomain.WindowType, cutoff time.Time) (time.Time, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failReads {
		return time.Time{}, false, errors.New("volatile store down")
	}
	entries, ok := f.entries[f.key(userID, window)]
	if !ok {
		return time.Time{}, false, nil
	}
	var oldest time.Time
	for _, entry := range entries {
		if entry.RecordedAt.Before(cutoff) {
			continue
		}
		if oldest.IsZero() || entry.RecordedAt.Before(oldest) {
			oldest = entry.RecordedAt
		}
	}
	return oldest, true, nil
}

func (f *fakeVolatileStore) Clear(ctx context.Context, userID string, window usagewindowdomain.WindowType) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites {
		return errors.New("volatile store down")
	}
	delete(f.entries, f.key(userID, window))
	return nil
}

type creditGateStub struct {
	enabled bool
	balance float64
	err     error
}

func (c *creditGateStub) OverageCredit(ctx context.Context, userID string) (bool, float64, error) {
	return c.enabled, c.balance, c.err
}

func mustNode(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	return node
}

func setupTracker(t *testing.T, volatile usagewindowdomain.VolatileStore, credits usagewindowdomain.CreditGate) (usagewindowdomain.Service, *gorm.DB, *clock.FakeClock) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_loc=auto", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	if err := db.AutoMigrate(&usagewindowdomain.UsageWindowEntry{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	fakeClock := clock.NewFakeClock(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
	service := NewService(Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    mustNode(t),
		Clock:    fakeClock,
		Billing:  config.NewStaticBillingConfigHolder(config.DefaultBillingConfig()),
		Volatile: volatile,
		Credits:  credits,
	})

	return service, db, fakeClock
}

func testPlan() usagewindowdomain.Plan {
	return usagewindowdomain.Plan{
		Slug:             "base",
		ShortWindowLimit: 2.50,
		LongWindowLimit:  25.00,
		CreditMarkup:     1.5,
	}
}

func TestRecordUsageSumsWithinWindow(t *testing.T) {
	service, db, _ := setupTracker(t, newFakeVolatileStore(), nil)
	ctx := context.Background()

	for _, cost := range []float64{0.25, 0.50, 0.125} {
		if err := service.RecordUsage(ctx, "user-1", cost, ""); err != nil {
			t.Fatalf("record usage: %v", err)
		}
	}

	usage, err := service.GetCurrentUsage(ctx, "user-1")
	if err != nil {
		t.Fatalf("get usage: %v", err)
	}
	if usage.ShortWindowCost != 0.875 {
		t.Fatalf("expected short window 0.875, got %v", usage.ShortWindowCost)
	}
	if usage.LongWindowCost != 0.875 {
		t.Fatalf("expected long window 0.875, got %v", usage.LongWindowCost)
	}

	var count int64
	if err := db.Model(&usagewindowdomain.UsageWindowEntry{}).Count(&count).Error; err != nil {
		t.Fatalf("count entries: %v", err)
	}
	if count != 6 {
		t.Fatalf("expected 6 durable entries (2 per event), got %d", count)
	}
}

func TestGetCurrentUsageFallsBackToDurable(t *testing.T) {
	volatile := newFakeVolatileStore()
	service, _, _ := setupTracker(t, volatile, nil)
	ctx := context.Background()

	if err := service.RecordUsage(ctx, "user-1", 1.25, "evt-1"); err != nil {
		t.Fatalf("record usage: %v", err)
	}

	volatile.failReads = true
	usage, err := service.GetCurrentUsage(ctx, "user-1")
	if err != nil {
		t.Fatalf("get usage with failing cache: %v", err)
	}
	if usage.ShortWindowCost != 1.25 || usage.LongWindowCost != 1.25 {
		t.Fatalf("expected durable fallback total 1.25, got %+v", usage)
	}
}

func TestVolatileWriteFailureDoesNotFailRecord(t *testing.T) {
	volatile := newFakeVolatileStore()
	volatile.failWrites = true
	service, _, _ := setupTracker(t, volatile, nil)
	ctx := context.Background()

	if err := service.RecordUsage(ctx, "user-1", 0.75, ""); err != nil {
		t.Fatalf("record usage with failing cache write: %v", err)
	}

	// Nothing cached, so the read falls back to the durable rows.
	usage, err := service.GetCurrentUsage(ctx, "user-1")
	if err != nil {
		t.Fatalf("get usage: %v", err)
	}
	if usage.ShortWindowCost != 0.75 {
		t.Fatalf("expected 0.75 from durable store, got %v", usage.ShortWindowCost)
	}
}

func TestEntriesAgeOutOfShortWindow(t *testing.T) {
	service, _, fakeClock := setupTracker(t, newFakeVolatileStore(), nil)
	ctx := context.Background()

	if err := service.RecordUsage(ctx, "user-1", 2.00, ""); err != nil {
		t.Fatalf("record usage: %v", err)
	}

	fakeClock.Advance(5*time.Hour + time.Minute)

	usage, err := service.GetCurrentUsage(ctx, "user-1")
	if err != nil {
		t.Fatalf("get usage: %v", err)
	}
	if usage.ShortWindowCost != 0 {
		t.Fatalf("expected aged-out short window, got %v", usage.ShortWindowCost)
	}
	if usage.LongWindowCost != 2.00 {
		t.Fatalf("expected long window to retain 2.00, got %v", usage.LongWindowCost)
	}
}

func TestExactLimitBlocks(t *testing.T) {
	service, _, _ := setupTracker(t, newFakeVolatileStore(), nil)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if err := service.RecordUsage(ctx, "user-1", 0.25, ""); err != nil {
			t.Fatalf("record usage %d: %v", i, err)
		}
	}

	result, err := service.CheckLimits(ctx, "user-1", testPlan())
	if err != nil {
		t.Fatalf("check limits: %v", err)
	}
	if result.Allowed {
		t.Fatalf("expected block at exactly 2.50, got %+v", result)
	}
	if result.CurrentCost != 2.50 {
		t.Fatalf("expected current 2.50, got %v", result.CurrentCost)
	}
	if result.WindowType != usagewindowdomain.WindowShort {
		t.Fatalf("expected short window to block, got %s", result.WindowType)
	}
	if result.Reason != usagewindowdomain.ReasonWindowLimitExceeded {
		t.Fatalf("unexpected reason %q", result.Reason)
	}
	if result.LimitCost != 2.50 {
		t.Fatalf("expected limit 2.50, got %v", result.LimitCost)
	}
	if result.ResetAt == nil {
		t.Fatal("expected reset time on blocked result")
	}
}

func TestCheckLimitsShortWindowEvaluatedFirst(t *testing.T) {
	service, _, _ := setupTracker(t, newFakeVolatileStore(), nil)
	ctx := context.Background()

	// One event large enough to exceed both windows at once.
	if err := service.RecordUsage(ctx, "user-1", 30.0, ""); err != nil {
		t.Fatalf("record usage: %v", err)
	}

	result, err := service.CheckLimits(ctx, "user-1", testPlan())
	if err != nil {
		t.Fatalf("check limits: %v", err)
	}
	if result.Allowed {
		t.Fatal("expected block")
	}
	if result.WindowType != usagewindowdomain.WindowShort {
		t.Fatalf("expected short window reported first, got %s", result.WindowType)
	}
}

func TestCheckLimitsAllowsUnderLimit(t *testing.T) {
	service, _, _ := setupTracker(t, newFakeVolatileStore(), nil)
	ctx := context.Background()

	if err := service.RecordUsage(ctx, "user-1", 2.49, ""); err != nil {
		t.Fatalf("record usage: %v", err)
	}

	result, err := service.CheckLimits(ctx, "user-1", testPlan())
	if err != nil {
		t.Fatalf("check limits: %v", err)
	}
	if !result.Allowed {
		t.Fatalf("expected allow at 2.49 < 2.50, got %+v", result)
	}
}

func TestCheckLimitsCreditDrawDown(t *testing.T) {
	credits := &creditGateStub{enabled: true, balance: 4.0}
	service, _, _ := setupTracker(t, newFakeVolatileStore(), credits)
	ctx := context.Background()

	if err := service.RecordUsage(ctx, "user-1", 3.0, ""); err != nil {
		t.Fatalf("record usage: %v", err)
	}

	result, err := service.CheckLimits(ctx, "user-1", testPlan())
	if err != nil {
		t.Fatalf("check limits: %v", err)
	}
	if !result.Allowed {
		t.Fatalf("expected credit draw-down to allow, got %+v", result)
	}
	if !result.CreditsAvailable {
		t.Fatal("expected credits_available")
	}
	if result.CreditBalance != 4.0 {
		t.Fatalf("expected balance 4.0, got %v", result.CreditBalance)
	}
	if result.WindowType != usagewindowdomain.WindowShort {
		t.Fatalf("expected offending window annotated, got %q", result.WindowType)
	}
}

func TestCheckLimitsBlocksWhenDrawDownDisabled(t *testing.T) {
	credits := &creditGateStub{enabled: false, balance: 4.0}
	service, _, _ := setupTracker(t, newFakeVolatileStore(), credits)
	ctx := context.Background()

	if err := service.RecordUsage(ctx, "user-1", 3.0, ""); err != nil {
		t.Fatalf("record usage: %v", err)
	}

	result, err := service.CheckLimits(ctx, "user-1", testPlan())
	if err != nil {
		t.Fatalf("check limits: %v", err)
	}
	if result.Allowed {
		t.Fatal("expected block when draw-down disabled")
	}
}

func TestCheckLimitsBlocksWhenBalanceZero(t *testing.T) {
	credits := &creditGateStub{enabled: true, balance: 0}
	service, _, _ := setupTracker(t, newFakeVolatileStore(), credits)
	ctx := context.Background()

	if err := service.RecordUsage(ctx, "user-1", 3.0, ""); err != nil {
		t.Fatalf("record usage: %v", err)
	}

	result, err := service.CheckLimits(ctx, "user-1", testPlan())
	if err != nil {
		t.Fatalf("check limits: %v", err)
	}
	if result.Allowed {
		t.Fatal("expected block with zero balance")
	}
}

func TestReplaceUsageForWindow(t *testing.T) {
	service, db, _ := setupTracker(t, newFakeVolatileStore(), nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := service.RecordUsage(ctx, "user-1", 0.25, ""); err != nil {
			t.Fatalf("record usage: %v", err)
		}
	}

	if err := service.ReplaceUsageForWindow(ctx, "user-1", usagewindowdomain.WindowShort, 2.00); err != nil {
		t.Fatalf("replace usage: %v", err)
	}

	usage, err := service.GetCurrentUsage(ctx, "user-1")
	if err != nil {
		t.Fatalf("get usage: %v", err)
	}
	if usage.ShortWindowCost != 2.00 {
		t.Fatalf("expected short window 2.00 after replace, got %v", usage.ShortWindowCost)
	}
	if usage.LongWindowCost != 1.25 {
		t.Fatalf("expected long window untouched at 1.25, got %v", usage.LongWindowCost)
	}

	var count int64
	err = db.Model(&usagewindowdomain.UsageWindowEntry{}).
		Where("user_id = ? AND window_type = ?", "user-1", usagewindowdomain.WindowShort).
		Count(&count).Error
	if err != nil {
		t.Fatalf("count entries: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one synthetic short-window entry, got %d", count)
	}
}

func TestReplaceUsageWithZeroInsertsNothing(t *testing.T) {
	service, db, _ := setupTracker(t, newFakeVolatileStore(), nil)
	ctx := context.Background()

	if err := service.RecordUsage(ctx, "user-1", 1.00, ""); err != nil {
		t.Fatalf("record usage: %v", err)
	}
	if err := service.ReplaceUsageForWindow(ctx, "user-1", usagewindowdomain.WindowShort, 0); err != nil {
		t.Fatalf("replace usage: %v", err)
	}

	var count int64
	err := db.Model(&usagewindowdomain.UsageWindowEntry{}).
		Where("user_id = ? AND window_type = ?", "user-1", usagewindowdomain.WindowShort).
		Count(&count).Error
	if err != nil {
		t.Fatalf("count entries: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected empty short window, got %d entries", count)
	}
}

func TestReplaceUsageRejectsNegativeTarget(t *testing.T) {
	service, _, _ := setupTracker(t, newFakeVolatileStore(), nil)
	err := service.ReplaceUsageForWindow(context.Background(), "user-1", usagewindowdomain.WindowShort, -1)
	if !errors.Is(err, usagewindowdomain.ErrInvalidCost) {
		t.Fatalf("expected ErrInvalidCost, got %v", err)
	}
}

func TestClearUsage(t *testing.T) {
	service, _, _ := setupTracker(t, newFakeVolatileStore(), nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := service.RecordUsage(ctx, "user-1", 0.50, ""); err != nil {
			t.Fatalf("record usage: %v", err)
		}
	}

	if err := service.ClearUsage(ctx, "user-1"); err != nil {
		t.Fatalf("clear usage: %v", err)
	}

	usage, err := service.GetCurrentUsage(ctx, "user-1")
	if err != nil {
		t.Fatalf("get usage: %v", err)
	}
	if usage.ShortWindowCost != 0 || usage.LongWindowCost != 0 {
		t.Fatalf("expected both windows empty, got %+v", usage)
	}
}

func TestResetTime(t *testing.T) {
	service, _, fakeClock := setupTracker(t, newFakeVolatileStore(), nil)
	ctx := context.Background()

	recordedAt := fakeClock.Now()
	if err := service.RecordUsage(ctx, "user-1", 1.00, ""); err != nil {
		t.Fatalf("record usage: %v", err)
	}
	fakeClock.Advance(time.Hour)

	resetAt, err := service.GetResetTime(ctx, "user-1", usagewindowdomain.WindowShort)
	if err != nil {
		t.Fatalf("get reset time: %v", err)
	}
	if resetAt == nil {
		t.Fatal("expected a reset time")
	}
	want := recordedAt.Add(5 * time.Hour)
	if !resetAt.Equal(want) {
		t.Fatalf("expected reset %s, got %s", want, resetAt)
	}
}

func TestResetTimeNilWhenWindowEmpty(t *testing.T) {
	service, _, _ := setupTracker(t, newFakeVolatileStore(), nil)

	resetAt, err := service.GetResetTime(context.Background(), "user-1", usagewindowdomain.WindowShort)
	if err != nil {
		t.Fatalf("get reset time: %v", err)
	}
	if resetAt != nil {
		t.Fatalf("expected nil reset time, got %s", resetAt)
	}
}

func TestResetTimeDurableFallback(t *testing.T) {
	volatile := newFakeVolatileStore()
	service, _, fakeClock := setupTracker(t, volatile, nil)
	ctx := context.Background()

	recordedAt := fakeClock.Now()
	if err := service.RecordUsage(ctx, "user-1", 1.00, ""); err != nil {
		t.Fatalf("record usage: %v", err)
	}

	volatile.failReads = true
	resetAt, err := service.GetResetTime(ctx, "user-1", usagewindowdomain.WindowLong)
	if err != nil {
		t.Fatalf("get reset time: %v", err)
	}
	if resetAt == nil {
		t.Fatal("expected reset time from durable fallback")
	}
	want := recordedAt.Add(7 * 24 * time.Hour)
	if !resetAt.Equal(want) {
		t.Fatalf("expected reset %s, got %s", want, resetAt)
	}
}

func TestRecordUsageRejectsNegativeCost(t *testing.T) {
	service, _, _ := setupTracker(t, newFakeVolatileStore(), nil)
	err := service.RecordUsage(context.Background(), "user-1", -0.01, "")
	if !errors.Is(err, usagewindowdomain.ErrInvalidCost) {
		t.Fatalf("expected ErrInvalidCost, got %v", err)
	}
}

func TestRecordUsageRejectsEmptyUser(t *testing.T) {
	service, _, _ := setupTracker(t, newFakeVolatileStore(), nil)
	err := service.RecordUsage(context.Background(), "  ", 1.0, "")
	if !errors.Is(err, usagewindowdomain.ErrInvalidUser) {
		t.Fatalf("expected ErrInvalidUser, got %v", err)
	}
}
