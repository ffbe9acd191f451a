package entitlement

import (
	"fmt"

	"github.com/eddieom08-star/sema-slim-companion-sub000/internal/model"
)

// DenialReason is a machine-readable reason code for an expected denial.
// Denials are normal outcomes, never errors.
type DenialReason string

const (
	DenyMonthlyLimit       DenialReason = "monthly_limit_reached"
	DenyDailyLimit         DenialReason = "daily_limit_reached"
	DenyInsufficientTokens DenialReason = "insufficient_tokens"
	DenyUnknownFeature     DenialReason = "unknown_feature"
)

// Upsell hints tell the caller which prompt to surface alongside a denial.
const (
	UpsellUpgradeToPro = "upgrade_to_pro"
	UpsellBuyTokens    = "buy_tokens"
)

// Decision is the outcome of an allowance check. When FromTokens is set
// the allowance is exhausted and the unit would be paid from the user's
// purchased token balance.
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Feature    model.Feature `json:"feature"`
	Remaining  int64         `json:"remaining"`
	FromTokens bool          `json:"from_tokens"`
	Reason     DenialReason  `json:"reason,omitempty"`
	Upsell     string        `json:"upsell,omitempty"`
}

// ConsumeResult reports the durable outcome of a consume. RemainingTokens
// is only meaningful when UsedTokens is true.
type ConsumeResult struct {
	Decision
	UsedTokens      bool  `json:"used_tokens"`
	RemainingTokens int64 `json:"remaining_tokens"`
}

// TransientError marks a store failure that survived the bounded retries.
// The caller may try again; it must never be read as a denial.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient store failure: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// InvariantError marks a state the conditional guards should have made
// impossible. It always fails the operation loudly.
type InvariantError struct {
	Op  string
	Err error
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violated in %s: %v", e.Op, e.Err)
}

func (e *InvariantError) Unwrap() error { return e.Err }
