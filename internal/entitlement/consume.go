package entitlement

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/eddieom08-star/sema-slim-companion-sub000/internal/model"
	"github.com/eddieom08-star/sema-slim-companion-sub000/internal/store"
)

const (
	consumeTimeout  = 5 * time.Second
	retryBaseDelay  = 50 * time.Millisecond
	maxConsumeTries = 3
)

// errDenied signals the transaction wrapper to roll back a consume whose
// decision came back negative. It never escapes this package.
var errDenied = errors.New("consume denied")

// CanUse answers whether the user could use quantity units of a feature
// right now. It is a pre-flight check over a possibly cached snapshot and
// must not gate an actual consume; Consume re-decides inside its own
// transaction.
func (s *Service) CanUse(ctx context.Context, userID string, feature model.Feature, quantity int64) (Decision, error) {
	if quantity <= 0 {
		return Decision{}, fmt.Errorf("can use: quantity must be positive, got %d", quantity)
	}
	snapshot, err := s.GetEntitlements(ctx, userID)
	if err != nil {
		return Decision{}, err
	}
	return decide(snapshot, feature, quantity), nil
}

// decide runs the allowance policy for one feature against a snapshot.
// Feature kinds without a policy are denied: granting unmetered access to
// a feature nobody priced is worse than a 403.
func decide(e model.Entitlements, feature model.Feature, quantity int64) Decision {
	d := Decision{Feature: feature}

	policy, ok := policyFor(feature)
	if !ok {
		d.Reason = DenyUnknownFeature
		return d
	}

	switch policy.kind {
	case quotaMonthly:
		limit := monthlyLimit(feature, e.Limits)
		used := e.GenerationsThisMonth
		if feature == model.FeatureAIRecipe {
			used = e.RecipesThisMonth
		}
		if limit == Unlimited {
			d.Allowed = true
			d.Remaining = Unlimited
			return d
		}
		remaining := limit - used
		if remaining >= quantity {
			d.Allowed = true
			d.Remaining = remaining
			return d
		}
		if tokens := e.Balance.Tokens(policy.token); tokens >= quantity {
			d.Allowed = true
			d.FromTokens = true
			d.Remaining = tokens
			return d
		}
		d.Reason = DenyMonthlyLimit
		d.Upsell = upsellFor(e.Tier)
		return d

	case quotaDaily:
		limit := e.Limits.DailyScanLimit
		if limit == Unlimited {
			d.Allowed = true
			d.Remaining = Unlimited
			return d
		}
		remaining := limit - e.ScansToday
		if remaining >= quantity {
			d.Allowed = true
			d.Remaining = remaining
			return d
		}
		d.Reason = DenyDailyLimit
		d.Upsell = UpsellUpgradeToPro
		return d

	case quotaBalance:
		included := includedMonthly(e.Limits, policy.token)
		if included > 0 {
			if remaining := included - monthlyUsed(e.Balance, policy.token); remaining >= quantity {
				d.Allowed = true
				d.Remaining = remaining
				return d
			}
		}
		if tokens := e.Balance.Tokens(policy.token); tokens >= quantity {
			d.Allowed = true
			d.FromTokens = true
			d.Remaining = tokens
			return d
		}
		d.Reason = DenyInsufficientTokens
		d.Upsell = upsellFor(e.Tier)
		return d
	}

	d.Reason = DenyUnknownFeature
	return d
}

func upsellFor(tier model.Tier) string {
	if tier == model.TierPro {
		return UpsellBuyTokens
	}
	return UpsellUpgradeToPro
}

// includedMonthly returns the tier-included monthly allowance drawn down
// through the balance row's monthly-used counter for the given token kind.
func includedMonthly(limits model.FeatureLimits, kind model.TokenKind) int64 {
	switch kind {
	case model.TokenExport:
		return limits.IncludedExportsPerMonth
	case model.TokenShield:
		return limits.MonthlyStreakShields
	}
	return 0
}

func monthlyUsed(b model.TokenBalance, kind model.TokenKind) int64 {
	switch kind {
	case model.TokenGeneration:
		return b.MonthlyGenerationsUsed
	case model.TokenExport:
		return b.MonthlyExportsUsed
	case model.TokenShield:
		return b.MonthlyShieldsUsed
	}
	return 0
}

// Consume atomically checks and records the use of quantity units of a
// feature. The whole check-decide-mutate sequence runs in one database
// transaction: the decision is re-derived from in-transaction reads, never
// from the cache, and the conditional token deduction is the final guard
// against races the check could not see. useTokens forces payment from the
// purchased balance even while allowance remains.
func (s *Service) Consume(ctx context.Context, userID string, feature model.Feature, quantity int64, useTokens bool) (ConsumeResult, error) {
	if quantity <= 0 {
		return ConsumeResult{}, fmt.Errorf("consume: quantity must be positive, got %d", quantity)
	}

	var result ConsumeResult
	err := s.inWriteTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		r, err := s.consumeTx(ctx, tx, userID, feature, quantity, useTokens)
		result = r
		return err
	})
	if err != nil {
		if errors.Is(err, errDenied) {
			return result, nil
		}
		return ConsumeResult{}, err
	}

	s.cache.invalidate(userID)
	return result, nil
}

// UseStreakShield spends one streak protection: the pro tier's monthly
// shield allowance first, then a purchased shield token.
func (s *Service) UseStreakShield(ctx context.Context, userID string) (ConsumeResult, error) {
	return s.Consume(ctx, userID, model.FeatureStreakShield, 1, false)
}

// consumeTx is the body of Consume, running on an open transaction.
// Returning errDenied (with a populated result) rolls everything back.
func (s *Service) consumeTx(ctx context.Context, tx *sql.Tx, userID string, feature model.Feature, quantity int64, useTokens bool) (ConsumeResult, error) {
	now := s.now().UTC()
	today := model.DayKey(now)
	monthStart := monthStartKey(now)

	// First write in the transaction: claims the database write lock, so
	// every read below sees a state no concurrent consume can shift.
	balance, err := s.balances.GetOrCreateTx(ctx, tx, userID)
	if err != nil {
		return ConsumeResult{}, err
	}

	sub, err := s.subs.GetByUserIDTx(ctx, tx, userID)
	if err != nil {
		return ConsumeResult{}, err
	}
	gens, err := s.usage.SumUsageTx(ctx, tx, userID, model.FeatureAIGeneration, monthStart, today)
	if err != nil {
		return ConsumeResult{}, err
	}
	recipes, err := s.usage.SumUsageTx(ctx, tx, userID, model.FeatureAIRecipe, monthStart, today)
	if err != nil {
		return ConsumeResult{}, err
	}
	scans, err := s.usage.SumUsageTx(ctx, tx, userID, model.FeatureBarcodeScan, today, today)
	if err != nil {
		return ConsumeResult{}, err
	}

	snapshot := s.assemble(userID, sub, balance, gens, recipes, scans, now)
	decision := decide(snapshot, feature, quantity)

	policy, hasPolicy := policyFor(feature)
	payWithTokens := decision.FromTokens || (useTokens && hasPolicy && policy.token != "")

	if !decision.Allowed {
		return ConsumeResult{Decision: decision}, errDenied
	}

	// Usage counters track activity for every allowed consume, whichever
	// bucket pays for it.
	if err := s.usage.RecordUsageTx(ctx, tx, userID, feature, today, quantity); err != nil {
		return ConsumeResult{}, err
	}

	result := ConsumeResult{Decision: decision}

	switch {
	case payWithTokens:
		newBalance, err := s.balances.DeductTokensTx(ctx, tx, userID, policy.token, quantity)
		if errors.Is(err, store.ErrInsufficientTokens) {
			// Lost the race since the decision above: report a denial and
			// let the rollback erase the usage write.
			result.Decision.Allowed = false
			result.Decision.FromTokens = false
			result.Decision.Remaining = 0
			result.Decision.Reason = DenyInsufficientTokens
			result.Decision.Upsell = upsellFor(snapshot.Tier)
			return result, errDenied
		}
		if err != nil {
			return ConsumeResult{}, err
		}
		result.UsedTokens = true
		result.RemainingTokens = newBalance.Tokens(policy.token)

	case hasPolicy && policy.kind == quotaBalance:
		// Draw down the tier-included allowance; losing the conditional
		// update means a concurrent consume took the last included unit,
		// so fall through to the purchased balance.
		included := includedMonthly(snapshot.Limits, policy.token)
		ok, err := s.balances.ConsumeMonthlyAllowanceTx(ctx, tx, userID, policy.token, quantity, included)
		if err != nil {
			return ConsumeResult{}, err
		}
		if !ok {
			newBalance, err := s.balances.DeductTokensTx(ctx, tx, userID, policy.token, quantity)
			if errors.Is(err, store.ErrInsufficientTokens) {
				result.Decision.Allowed = false
				result.Decision.FromTokens = false
				result.Decision.Remaining = 0
				result.Decision.Reason = DenyInsufficientTokens
				result.Decision.Upsell = upsellFor(snapshot.Tier)
				return result, errDenied
			}
			if err != nil {
				return ConsumeResult{}, err
			}
			result.UsedTokens = true
			result.RemainingTokens = newBalance.Tokens(policy.token)
		}

	case hasPolicy && policy.kind == quotaMonthly:
		// Reconciliation counter on the balance row, uncapped; the quota
		// decision itself reads the usage store.
		ok, err := s.balances.ConsumeMonthlyAllowanceTx(ctx, tx, userID, model.TokenGeneration, quantity, Unlimited)
		if err != nil {
			return ConsumeResult{}, err
		}
		if !ok {
			return ConsumeResult{}, &InvariantError{
				Op:  "consume",
				Err: fmt.Errorf("balance row missing for user %s", userID),
			}
		}
	}

	return result, nil
}

// inWriteTx runs fn in a write transaction with a bounded timeout,
// retrying the whole transaction a small number of times when the
// database is busy. Exhausted retries surface as a TransientError, which
// callers must treat as "try again", never as a denial.
func (s *Service) inWriteTx(ctx context.Context, fn func(context.Context, *sql.Tx) error) error {
	backoff := retry.WithMaxRetries(maxConsumeTries, retry.NewExponential(retryBaseDelay))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, consumeTimeout)
		defer cancel()

		err := s.runTx(attemptCtx, fn)
		if err != nil && isBusy(err) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err == nil || errors.Is(err, errDenied) {
		return err
	}
	if isBusy(err) || errors.Is(err, context.DeadlineExceeded) {
		return &TransientError{Err: err}
	}
	return err
}

func (s *Service) runTx(ctx context.Context, fn func(context.Context, *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin consume tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit consume tx: %w", err)
	}
	return nil
}

// isBusy reports whether err is SQLite lock contention, which is safe to
// retry because the failed transaction made no durable changes.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database table is locked")
}
