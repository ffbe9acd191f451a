package entitlement

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/eddieom08-star/sema-slim-companion-sub000/internal/database"
	"github.com/eddieom08-star/sema-slim-companion-sub000/internal/model"
	"github.com/eddieom08-star/sema-slim-companion-sub000/internal/store"
)

var testNow = time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	svc      *Service
	subs     *store.SubscriptionStore
	balances *store.TokenBalanceStore
	usage    *store.FeatureUsageStore
}

func newTestEnv(t *testing.T, dbPath string) *testEnv {
	t.Helper()
	db, err := database.Open(dbPath)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	subs := store.NewSubscriptionStore(db)
	balances := store.NewTokenBalanceStore(db)
	usage := store.NewFeatureUsageStore(db)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	svc, err := NewService(db, subs, balances, usage, Config{}, logger)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	svc.now = func() time.Time { return testNow }
	return &testEnv{svc: svc, subs: subs, balances: balances, usage: usage}
}

func (env *testEnv) makePro(t *testing.T, userID string) {
	t.Helper()
	periodEnd := testNow.Add(17 * 24 * time.Hour)
	_, err := env.subs.Upsert(context.Background(), userID, store.SyncParams{
		Tier:             model.TierPro,
		Status:           model.StatusActive,
		CurrentPeriodEnd: &periodEnd,
	})
	if err != nil {
		t.Fatalf("upsert pro subscription: %v", err)
	}
}

func TestGetEntitlementsFreshUser(t *testing.T) {
	env := newTestEnv(t, ":memory:")

	e, err := env.svc.GetEntitlements(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("get entitlements: %v", err)
	}
	if e.Tier != model.TierFree {
		t.Errorf("tier = %q, want free", e.Tier)
	}
	if e.Limits != LimitsForTier(model.TierFree) {
		t.Errorf("limits = %+v, want free limits", e.Limits)
	}
	if e.GenerationsThisMonth != 0 || e.RecipesThisMonth != 0 || e.ScansToday != 0 {
		t.Errorf("usage counters = %d/%d/%d, want all zero",
			e.GenerationsThisMonth, e.RecipesThisMonth, e.ScansToday)
	}
	if e.Balance.GenerationTokens != 0 || e.Balance.ExportTokens != 0 || e.Balance.StreakShields != 0 {
		t.Errorf("token balances not zero: %+v", e.Balance)
	}
	if e.WillRenew {
		t.Error("fresh user reports will_renew")
	}
}

func TestGetEntitlementsProUser(t *testing.T) {
	env := newTestEnv(t, ":memory:")
	env.makePro(t, "user-1")

	e, err := env.svc.GetEntitlements(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("get entitlements: %v", err)
	}
	if e.Tier != model.TierPro {
		t.Errorf("tier = %q, want pro", e.Tier)
	}
	if e.Limits.DailyScanLimit != Unlimited {
		t.Errorf("daily scan limit = %d, want unlimited", e.Limits.DailyScanLimit)
	}
	if !e.WillRenew {
		t.Error("active pro user reports will_renew = false")
	}
	if e.CurrentPeriodEnd == nil {
		t.Error("current period end missing")
	}
}

func TestGetEntitlementsReflectsUsage(t *testing.T) {
	env := newTestEnv(t, ":memory:")
	ctx := context.Background()
	today := model.DayKey(testNow)

	env.usage.RecordUsage(ctx, "user-1", model.FeatureAIGeneration, today, 2)
	env.usage.RecordUsage(ctx, "user-1", model.FeatureAIRecipe, "2026-08-01", 1)
	env.usage.RecordUsage(ctx, "user-1", model.FeatureBarcodeScan, today, 4)
	env.usage.RecordUsage(ctx, "user-1", model.FeatureBarcodeScan, "2026-08-14", 9) // yesterday

	e, err := env.svc.GetEntitlements(ctx, "user-1")
	if err != nil {
		t.Fatalf("get entitlements: %v", err)
	}
	if e.GenerationsThisMonth != 2 {
		t.Errorf("generations this month = %d, want 2", e.GenerationsThisMonth)
	}
	if e.RecipesThisMonth != 1 {
		t.Errorf("recipes this month = %d, want 1", e.RecipesThisMonth)
	}
	if e.ScansToday != 4 {
		t.Errorf("scans today = %d, want 4", e.ScansToday)
	}
}

func TestGetEntitlementsServesFromCache(t *testing.T) {
	env := newTestEnv(t, ":memory:")
	ctx := context.Background()

	if _, err := env.svc.GetEntitlements(ctx, "user-1"); err != nil {
		t.Fatalf("first get: %v", err)
	}

	// Mutate behind the cache's back: the stale snapshot is still served
	// until invalidation or TTL expiry.
	env.usage.RecordUsage(ctx, "user-1", model.FeatureAIGeneration, model.DayKey(testNow), 3)

	e, err := env.svc.GetEntitlements(ctx, "user-1")
	if err != nil {
		t.Fatalf("cached get: %v", err)
	}
	if e.GenerationsThisMonth != 0 {
		t.Errorf("cached generations = %d, want 0", e.GenerationsThisMonth)
	}

	env.svc.Invalidate("user-1")
	e, err = env.svc.GetEntitlements(ctx, "user-1")
	if err != nil {
		t.Fatalf("get after invalidate: %v", err)
	}
	if e.GenerationsThisMonth != 3 {
		t.Errorf("generations after invalidate = %d, want 3", e.GenerationsThisMonth)
	}
}

func TestGetEntitlementsCacheExpires(t *testing.T) {
	env := newTestEnv(t, ":memory:")
	ctx := context.Background()

	if _, err := env.svc.GetEntitlements(ctx, "user-1"); err != nil {
		t.Fatalf("first get: %v", err)
	}
	env.usage.RecordUsage(ctx, "user-1", model.FeatureBarcodeScan, model.DayKey(testNow), 1)

	// Move past the TTL; the snapshot must be rebuilt.
	env.svc.now = func() time.Time { return testNow.Add(defaultCacheTTL + time.Second) }
	e, err := env.svc.GetEntitlements(ctx, "user-1")
	if err != nil {
		t.Fatalf("get after ttl: %v", err)
	}
	if e.ScansToday != 1 {
		t.Errorf("scans after ttl = %d, want 1", e.ScansToday)
	}
}

func TestCanUseRejectsNonPositiveQuantity(t *testing.T) {
	env := newTestEnv(t, ":memory:")

	if _, err := env.svc.CanUse(context.Background(), "user-1", model.FeatureAIGeneration, 0); err == nil {
		t.Error("expected error for zero quantity")
	}
}
