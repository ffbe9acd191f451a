package model

import "time"

// Feature is the closed set of metered product features.
type Feature string

const (
	FeatureAIGeneration Feature = "ai_generation"
	FeatureAIRecipe     Feature = "ai_recipe"
	FeatureBarcodeScan  Feature = "barcode_scan"
	FeaturePDFExport    Feature = "pdf_export"
	FeatureStreakShield Feature = "streak_shield"
)

// FeatureUsage is a per-user, per-feature, per-day counter. Counts only
// ever go up; monthly usage is a sum over the days in the month.
type FeatureUsage struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"user_id"`
	Feature   Feature   `json:"feature"`
	Day       string    `json:"day"` // YYYY-MM-DD, UTC
	Count     int64     `json:"count"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DayKey formats t as the UTC calendar-day key used by the usage store.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
