package entitlement

import (
	"time"

	"github.com/eddieom08-star/sema-slim-companion-sub000/internal/model"
)

// pastDueGrace is how long pro access is honored after a failed payment,
// measured from the end of the last paid period.
const pastDueGrace = 7 * 24 * time.Hour

// Resolution is the effective view of a subscription record at a point in
// time. Stale marks a pro row whose status claims active or trialing but
// whose period already ended; callers log it as a store inconsistency.
type Resolution struct {
	Tier               model.Tier
	TrialDaysRemaining int
	Stale              bool
}

// Resolve derives the effective tier from a raw subscription record. The
// record is the payment processor's asynchronous view, so an expired
// period is never trusted just because the status field says active.
func Resolve(sub *model.Subscription, now time.Time) Resolution {
	if sub == nil {
		return Resolution{Tier: model.TierFree}
	}

	res := Resolution{Tier: model.TierFree, TrialDaysRemaining: trialDaysRemaining(sub, now)}

	if sub.Tier != model.TierPro {
		return res
	}

	switch sub.Status {
	case model.StatusActive, model.StatusTrialing:
		if sub.CurrentPeriodEnd != nil && sub.CurrentPeriodEnd.Before(now) {
			res.Stale = true
			return res
		}
		res.Tier = model.TierPro
		return res
	case model.StatusPastDue:
		if sub.CurrentPeriodEnd != nil && now.After(sub.CurrentPeriodEnd.Add(pastDueGrace)) {
			return res
		}
		res.Tier = model.TierPro
		return res
	}

	return res
}

// trialDaysRemaining is only meaningful while trialing with a trial end
// set; it rounds partial days up and never goes negative.
func trialDaysRemaining(sub *model.Subscription, now time.Time) int {
	if sub.Status != model.StatusTrialing || sub.TrialEnd == nil {
		return 0
	}
	remaining := sub.TrialEnd.Sub(now)
	if remaining <= 0 {
		return 0
	}
	days := int((remaining + 24*time.Hour - 1) / (24 * time.Hour))
	return days
}
