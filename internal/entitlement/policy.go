package entitlement

import (
	"github.com/eddieom08-star/sema-slim-companion-sub000/internal/model"
)

// Unlimited is the sentinel for limits without a cap.
const Unlimited int64 = -1

var tierLimits = map[model.Tier]model.FeatureLimits{
	model.TierFree: {
		AIGenerationsPerMonth:     5,
		RecipeSuggestionsPerMonth: 3,
		DailyScanLimit:            10,
		IncludedExportsPerMonth:   0,
		MonthlyStreakShields:      0,
		VisibleAchievements:       3,
		HistoryDays:               30,
	},
	model.TierPro: {
		AIGenerationsPerMonth:     100,
		RecipeSuggestionsPerMonth: 50,
		DailyScanLimit:            Unlimited,
		IncludedExportsPerMonth:   5,
		MonthlyStreakShields:      2,
		VisibleAchievements:       Unlimited,
		HistoryDays:               Unlimited,
	},
}

// LimitsForTier returns the allowances for a tier. Unknown tiers get the
// free limits so a bad value can never widen access.
func LimitsForTier(tier model.Tier) model.FeatureLimits {
	if limits, ok := tierLimits[tier]; ok {
		return limits
	}
	return tierLimits[model.TierFree]
}

// quotaKind classifies how a feature's allowance is metered.
type quotaKind int

const (
	quotaMonthly quotaKind = iota // counted per calendar month, token fallback
	quotaDaily                    // counted per day, no token fallback
	quotaBalance                  // included monthly allowance, then tokens
)

// featurePolicy binds a feature to its metering style and token kind.
// Every metered feature must appear here: lookups for anything else fail
// closed rather than defaulting to allowed.
type featurePolicy struct {
	kind  quotaKind
	token model.TokenKind
}

var featurePolicies = map[model.Feature]featurePolicy{
	model.FeatureAIGeneration: {kind: quotaMonthly, token: model.TokenGeneration},
	model.FeatureAIRecipe:     {kind: quotaMonthly, token: model.TokenGeneration},
	model.FeatureBarcodeScan:  {kind: quotaDaily},
	model.FeaturePDFExport:    {kind: quotaBalance, token: model.TokenExport},
	model.FeatureStreakShield: {kind: quotaBalance, token: model.TokenShield},
}

// policyFor returns the metering policy for a feature, or ok=false for
// feature kinds without one.
func policyFor(feature model.Feature) (featurePolicy, bool) {
	p, ok := featurePolicies[feature]
	return p, ok
}

// monthlyLimit returns the calendar-month allowance for a monthly-quota
// feature under the given limits.
func monthlyLimit(feature model.Feature, limits model.FeatureLimits) int64 {
	switch feature {
	case model.FeatureAIGeneration:
		return limits.AIGenerationsPerMonth
	case model.FeatureAIRecipe:
		return limits.RecipeSuggestionsPerMonth
	}
	return 0
}
