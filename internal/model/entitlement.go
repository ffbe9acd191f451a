package model

import "time"

// FeatureLimits holds the numeric allowances for a tier. A value of -1
// means unlimited.
type FeatureLimits struct {
	AIGenerationsPerMonth     int64 `json:"ai_generations_per_month"`
	RecipeSuggestionsPerMonth int64 `json:"recipe_suggestions_per_month"`
	DailyScanLimit            int64 `json:"daily_scan_limit"`
	IncludedExportsPerMonth   int64 `json:"included_exports_per_month"`
	MonthlyStreakShields      int64 `json:"monthly_streak_shields"`
	VisibleAchievements       int64 `json:"visible_achievements"`
	HistoryDays               int64 `json:"history_days"`
}

// Entitlements is the point-in-time projection of a user's access rights:
// effective tier, tier limits, current-period usage, and token balances.
// It is derived from durable state and never persisted itself.
type Entitlements struct {
	UserID               string        `json:"user_id"`
	Tier                 Tier          `json:"tier"`
	Limits               FeatureLimits `json:"limits"`
	GenerationsThisMonth int64         `json:"generations_this_month"`
	RecipesThisMonth     int64         `json:"recipes_this_month"`
	ScansToday           int64         `json:"scans_today"`
	Balance              TokenBalance  `json:"balance"`
	TrialDaysRemaining   int           `json:"trial_days_remaining"`
	WillRenew            bool          `json:"will_renew"`
	CurrentPeriodEnd     *time.Time    `json:"current_period_end"`
	ComputedAt           time.Time     `json:"computed_at"`
}
