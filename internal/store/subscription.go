package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/eddieom08-star/sema-slim-companion-sub000/internal/model"
)

type SubscriptionStore struct {
	db *sql.DB
}

func NewSubscriptionStore(db *sql.DB) *SubscriptionStore {
	return &SubscriptionStore{db: db}
}

const subscriptionCols = `id, user_id, tier, status, stripe_customer_id, stripe_subscription_id,
	current_period_start, current_period_end, trial_start, trial_end, cancelled_at, created_at, updated_at`

func scanSubscription(scanner interface{ Scan(...any) error }) (*model.Subscription, error) {
	var sub model.Subscription
	var custID, subID sql.NullString
	var periodStart, periodEnd, trialStart, trialEnd, cancelledAt sql.NullTime
	err := scanner.Scan(
		&sub.ID, &sub.UserID, &sub.Tier, &sub.Status, &custID, &subID,
		&periodStart, &periodEnd, &trialStart, &trialEnd, &cancelledAt,
		&sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if custID.Valid {
		sub.StripeCustomerID = &custID.String
	}
	if subID.Valid {
		sub.StripeSubscriptionID = &subID.String
	}
	sub.CurrentPeriodStart = nullTimePtr(periodStart)
	sub.CurrentPeriodEnd = nullTimePtr(periodEnd)
	sub.TrialStart = nullTimePtr(trialStart)
	sub.TrialEnd = nullTimePtr(trialEnd)
	sub.CancelledAt = nullTimePtr(cancelledAt)
	return &sub, nil
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func (s *SubscriptionStore) GetByUserID(ctx context.Context, userID string) (*model.Subscription, error) {
	return getSubscriptionByUserID(ctx, s.db, userID)
}

// GetByUserIDTx reads the subscription on an open transaction so the
// consume path decides against a consistent snapshot.
func (s *SubscriptionStore) GetByUserIDTx(ctx context.Context, tx *sql.Tx, userID string) (*model.Subscription, error) {
	return getSubscriptionByUserID(ctx, tx, userID)
}

func getSubscriptionByUserID(ctx context.Context, q dbtx, userID string) (*model.Subscription, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+subscriptionCols+` FROM subscriptions WHERE user_id = ?`, userID)
	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return sub, nil
}

func (s *SubscriptionStore) GetByStripeID(ctx context.Context, stripeSubID string) (*model.Subscription, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+subscriptionCols+` FROM subscriptions WHERE stripe_subscription_id = ?`, stripeSubID)
	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription by stripe id: %w", err)
	}
	return sub, nil
}

// SyncParams carries the fields the payment-processor webhook is allowed
// to write. Nil pointers leave the stored value untouched on update.
type SyncParams struct {
	Tier                 model.Tier
	Status               model.SubscriptionStatus
	StripeCustomerID     *string
	StripeSubscriptionID *string
	CurrentPeriodStart   *time.Time
	CurrentPeriodEnd     *time.Time
	TrialStart           *time.Time
	TrialEnd             *time.Time
}

// Upsert writes the processor's view of the subscription, creating the row
// on first contact. The row is never deleted afterwards, only transitioned.
func (s *SubscriptionStore) Upsert(ctx context.Context, userID string, p SyncParams) (*model.Subscription, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions (user_id, tier, status, stripe_customer_id, stripe_subscription_id,
			current_period_start, current_period_end, trial_start, trial_end, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(user_id) DO UPDATE SET
			tier = excluded.tier,
			status = excluded.status,
			stripe_customer_id = COALESCE(excluded.stripe_customer_id, stripe_customer_id),
			stripe_subscription_id = COALESCE(excluded.stripe_subscription_id, stripe_subscription_id),
			current_period_start = COALESCE(excluded.current_period_start, current_period_start),
			current_period_end = COALESCE(excluded.current_period_end, current_period_end),
			trial_start = COALESCE(excluded.trial_start, trial_start),
			trial_end = COALESCE(excluded.trial_end, trial_end),
			updated_at = CURRENT_TIMESTAMP`,
		userID, p.Tier, p.Status, p.StripeCustomerID, p.StripeSubscriptionID,
		p.CurrentPeriodStart, p.CurrentPeriodEnd, p.TrialStart, p.TrialEnd,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert subscription: %w", err)
	}
	return s.GetByUserID(ctx, userID)
}

func (s *SubscriptionStore) SetStatus(ctx context.Context, userID string, status model.SubscriptionStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE user_id = ?`,
		status, userID,
	)
	if err != nil {
		return fmt.Errorf("set subscription status: %w", err)
	}
	return nil
}

func (s *SubscriptionStore) SetPeriod(ctx context.Context, userID string, start, end time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET current_period_start = ?, current_period_end = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE user_id = ?`,
		start, end, userID,
	)
	if err != nil {
		return fmt.Errorf("set subscription period: %w", err)
	}
	return nil
}

// Cancel marks the subscription as not auto-renewing. Access continues
// until the period end; the resolver decides effective tier from there.
func (s *SubscriptionStore) Cancel(ctx context.Context, userID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET cancelled_at = ?, updated_at = CURRENT_TIMESTAMP WHERE user_id = ?`,
		at, userID,
	)
	if err != nil {
		return fmt.Errorf("cancel subscription: %w", err)
	}
	return nil
}

func (s *SubscriptionStore) Reactivate(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET cancelled_at = NULL, updated_at = CURRENT_TIMESTAMP WHERE user_id = ?`,
		userID,
	)
	if err != nil {
		return fmt.Errorf("reactivate subscription: %w", err)
	}
	return nil
}
