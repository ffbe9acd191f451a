package entitlement

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/eddieom08-star/sema-slim-companion-sub000/internal/model"
	"github.com/eddieom08-star/sema-slim-companion-sub000/internal/store"
)

// Service is the entitlements engine: the read path aggregates durable
// state into snapshots, the write path (consume.go) checks and records
// feature use atomically. Construct one per process and share it.
type Service struct {
	db       *sql.DB
	subs     *store.SubscriptionStore
	balances *store.TokenBalanceStore
	usage    *store.FeatureUsageStore
	cache    *snapshotCache
	logger   *slog.Logger
	now      func() time.Time
}

type Config struct {
	CacheSize int
	CacheTTL  time.Duration
}

func NewService(db *sql.DB, subs *store.SubscriptionStore, balances *store.TokenBalanceStore, usage *store.FeatureUsageStore, cfg Config, logger *slog.Logger) (*Service, error) {
	cache, err := newSnapshotCache(cfg.CacheSize, cfg.CacheTTL)
	if err != nil {
		return nil, fmt.Errorf("entitlement cache: %w", err)
	}
	return &Service{
		db:       db,
		subs:     subs,
		balances: balances,
		usage:    usage,
		cache:    cache,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// monthStartKey is the day key for the first day of now's calendar month.
func monthStartKey(now time.Time) string {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).Format("2006-01-02")
}

// GetEntitlements returns the user's current snapshot, serving from the
// short-TTL cache when possible. Absent subscription or balance rows are
// normal for fresh users and resolve to free tier with zero balances.
func (s *Service) GetEntitlements(ctx context.Context, userID string) (model.Entitlements, error) {
	now := s.now().UTC()
	if snapshot, ok := s.cache.get(userID, now); ok {
		return snapshot, nil
	}

	snapshot, err := s.loadEntitlements(ctx, userID, now)
	if err != nil {
		return model.Entitlements{}, err
	}

	s.cache.put(userID, snapshot, now)
	return snapshot, nil
}

// Invalidate drops the user's cached snapshot. Called after every
// successful consume, token grant, reset, or subscription change.
func (s *Service) Invalidate(userID string) {
	s.cache.invalidate(userID)
}

// loadEntitlements rebuilds the snapshot from durable state. The four
// source reads are independent, so they run in parallel.
func (s *Service) loadEntitlements(ctx context.Context, userID string, now time.Time) (model.Entitlements, error) {
	var (
		sub     *model.Subscription
		balance *model.TokenBalance
		scans   int64
		gens    int64
		recipes int64
	)

	today := model.DayKey(now)
	monthStart := monthStartKey(now)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		sub, err = s.subs.GetByUserID(gctx, userID)
		return err
	})
	g.Go(func() error {
		var err error
		balance, err = s.balances.GetOrCreate(gctx, userID)
		return err
	})
	g.Go(func() error {
		var err error
		scans, err = s.usage.SumUsage(gctx, userID, model.FeatureBarcodeScan, today, today)
		return err
	})
	g.Go(func() error {
		var err error
		gens, err = s.usage.SumUsage(gctx, userID, model.FeatureAIGeneration, monthStart, today)
		if err != nil {
			return err
		}
		recipes, err = s.usage.SumUsage(gctx, userID, model.FeatureAIRecipe, monthStart, today)
		return err
	})
	if err := g.Wait(); err != nil {
		return model.Entitlements{}, fmt.Errorf("load entitlements: %w", err)
	}

	return s.assemble(userID, sub, balance, gens, recipes, scans, now), nil
}

// assemble merges raw state into a snapshot, resolving the effective tier.
func (s *Service) assemble(userID string, sub *model.Subscription, balance *model.TokenBalance, gens, recipes, scans int64, now time.Time) model.Entitlements {
	res := Resolve(sub, now)
	if res.Stale {
		s.logger.Warn("subscription status is stale, treating as free",
			"user_id", userID,
			"status", sub.Status,
			"period_end", sub.CurrentPeriodEnd)
	}

	e := model.Entitlements{
		UserID:               userID,
		Tier:                 res.Tier,
		Limits:               LimitsForTier(res.Tier),
		GenerationsThisMonth: gens,
		RecipesThisMonth:     recipes,
		ScansToday:           scans,
		TrialDaysRemaining:   res.TrialDaysRemaining,
		WillRenew:            false,
		ComputedAt:           now,
	}
	if balance != nil {
		e.Balance = *balance
	}
	if sub != nil {
		e.WillRenew = sub.WillRenew() && sub.Status != model.StatusCancelled
		e.CurrentPeriodEnd = sub.CurrentPeriodEnd
	}
	return e
}
