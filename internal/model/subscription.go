package model

import "time"

type Tier string

const (
	TierFree Tier = "free"
	TierPro  Tier = "pro"
)

type SubscriptionStatus string

const (
	StatusActive    SubscriptionStatus = "active"
	StatusTrialing  SubscriptionStatus = "trialing"
	StatusPastDue   SubscriptionStatus = "past_due"
	StatusCancelled SubscriptionStatus = "cancelled"
)

// Subscription mirrors the payment processor's view of a user's plan.
// Rows are created on first purchase attempt and only ever transitioned,
// never deleted.
type Subscription struct {
	ID                   int64              `json:"id"`
	UserID               string             `json:"user_id"`
	Tier                 Tier               `json:"tier"`
	Status               SubscriptionStatus `json:"status"`
	StripeCustomerID     *string            `json:"stripe_customer_id"`
	StripeSubscriptionID *string            `json:"stripe_subscription_id"`
	CurrentPeriodStart   *time.Time         `json:"current_period_start"`
	CurrentPeriodEnd     *time.Time         `json:"current_period_end"`
	TrialStart           *time.Time         `json:"trial_start"`
	TrialEnd             *time.Time         `json:"trial_end"`
	CancelledAt          *time.Time         `json:"cancelled_at"`
	CreatedAt            time.Time          `json:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at"`
}

// WillRenew reports whether the subscription is still set to auto-renew.
func (s *Subscription) WillRenew() bool {
	return s.CancelledAt == nil
}
