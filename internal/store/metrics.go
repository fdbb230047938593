package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Metric keys tracked in engine_metrics, backing `ire health`.
const (
	MetricRetryCount        = "retry_count"
	MetricLockTimeoutCount  = "lock_timeout_count"
	MetricWorkerRestartCount = "worker_restart_count"
)

// GetMetric returns the current value of key, or 0 if never incremented.
func GetMetric(ctx context.Context, db *sql.DB, key string) (int64, error) {
	var v sql.NullInt64
	err := db.QueryRowContext(ctx, `SELECT value FROM engine_metrics WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get metric %s: %w", key, err)
	}
	return v.Int64, nil
}

// IncrementMetric atomically adds delta to key's counter, creating it at
// delta if it doesn't exist yet.
func IncrementMetric(ctx context.Context, db *sql.DB, key string, delta int64) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO engine_metrics (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = value + excluded.value, updated_at = CURRENT_TIMESTAMP
	`, key, delta)
	if err != nil {
		return fmt.Errorf("increment metric %s: %w", key, err)
	}
	return nil
}
