package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/eddieom08-star/sema-slim-companion-sub000/internal/model"
)

type FeatureUsageStore struct {
	db *sql.DB
}

func NewFeatureUsageStore(db *sql.DB) *FeatureUsageStore {
	return &FeatureUsageStore{db: db}
}

// RecordUsage adds quantity to the (user, feature, day) counter, creating
// it on first use. Additive conflict resolution means concurrent callers
// never lose an increment.
func (s *FeatureUsageStore) RecordUsage(ctx context.Context, userID string, feature model.Feature, day string, quantity int64) error {
	return recordUsage(ctx, s.db, userID, feature, day, quantity)
}

// RecordUsageTx is RecordUsage on an open transaction, for the consume path.
func (s *FeatureUsageStore) RecordUsageTx(ctx context.Context, tx *sql.Tx, userID string, feature model.Feature, day string, quantity int64) error {
	return recordUsage(ctx, tx, userID, feature, day, quantity)
}

func recordUsage(ctx context.Context, q dbtx, userID string, feature model.Feature, day string, quantity int64) error {
	if quantity <= 0 {
		return fmt.Errorf("record usage: quantity must be positive, got %d", quantity)
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO feature_usage (user_id, feature, day, count)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(user_id, feature, day) DO UPDATE SET
			count = count + excluded.count,
			updated_at = CURRENT_TIMESTAMP`,
		userID, feature, day, quantity,
	)
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// SumUsage totals the counters for a feature across [fromDay, toDay]
// inclusive. Day keys sort lexically, so BETWEEN on the text column is a
// correct range scan.
func (s *FeatureUsageStore) SumUsage(ctx context.Context, userID string, feature model.Feature, fromDay, toDay string) (int64, error) {
	return sumUsage(ctx, s.db, userID, feature, fromDay, toDay)
}

// SumUsageTx is SumUsage on an open transaction, so the consume decision
// reads the same snapshot it writes.
func (s *FeatureUsageStore) SumUsageTx(ctx context.Context, tx *sql.Tx, userID string, feature model.Feature, fromDay, toDay string) (int64, error) {
	return sumUsage(ctx, tx, userID, feature, fromDay, toDay)
}

func sumUsage(ctx context.Context, q dbtx, userID string, feature model.Feature, fromDay, toDay string) (int64, error) {
	var total int64
	err := q.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(count), 0) FROM feature_usage
		 WHERE user_id = ? AND feature = ? AND day BETWEEN ? AND ?`,
		userID, feature, fromDay, toDay,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum usage: %w", err)
	}
	return total, nil
}
