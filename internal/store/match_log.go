package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/qms-infoclinica/ire/internal/models"
)

// InsertMatchLogEntry appends one audit record. match_log is append-only:
// there is no corresponding update or delete function anywhere in this
// package.
func InsertMatchLogEntry(ctx context.Context, tx *sql.Tx, e *models.MatchLogEntry) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("marshal match log details: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO match_log (
			entry_id, his_number, source, timestamp, match_type, doc_number,
			created_new_canonical, mobile_prereg_canonical_id, resulting_canonical_id, details
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.EntryID, e.HISNumber, string(e.Source), e.Timestamp.Format(timestampLayout), string(e.MatchType),
		nullInt(e.DocNumber), e.CreatedNewCanonical, nullString(strOrEmptyPtr(e.MobilePreregCanonicalID)),
		e.ResultingCanonicalID, string(details),
	)
	if err != nil {
		return fmt.Errorf("insert match log entry %s: %w", e.EntryID, err)
	}
	return nil
}

// MatchingStats counts match_log entries by match_type, backing `ire stats`
// and the `matching_stats` read view.
func MatchingStats(ctx context.Context, db *sql.DB) (map[models.MatchType]int, error) {
	rows, err := db.QueryContext(ctx, `SELECT match_type, COUNT(*) FROM match_log GROUP BY match_type`)
	if err != nil {
		return nil, fmt.Errorf("matching stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[models.MatchType]int)
	for rows.Next() {
		var mt string
		var count int
		if err := rows.Scan(&mt, &count); err != nil {
			return nil, fmt.Errorf("scan matching stats row: %w", err)
		}
		out[models.MatchType(mt)] = count
	}
	return out, rows.Err()
}

// MobileAppStats counts match_log entries attributable to the mobile
// pre-registration path (MOBILE_APP_NEW and MOBILE_APP_UPDATE), backing the
// `mobile_app_stats` read view.
func MobileAppStats(ctx context.Context, db *sql.DB) (newCount, updateCount int, err error) {
	err = db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN match_type = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN match_type = ? THEN 1 ELSE 0 END), 0)
		FROM match_log
	`, string(models.MatchTypeMobileAppNew), string(models.MatchTypeMobileAppUpdate)).Scan(&newCount, &updateCount)
	if err != nil {
		return 0, 0, fmt.Errorf("mobile app stats: %w", err)
	}
	return newCount, updateCount, nil
}

// EngineHealth reports the last-processed timestamp, pending backlog size,
// and accumulated retry count backing the `engine_health` read view.
type EngineHealth struct {
	LastProcessedAt *time.Time
	BacklogSize     int
	RetryCount      int64
}

// GetEngineHealth computes the current engine_health snapshot.
func GetEngineHealth(ctx context.Context, db *sql.DB) (*EngineHealth, error) {
	h := &EngineHealth{}

	var lastProcessed sql.NullString
	if err := db.QueryRowContext(ctx, `SELECT MAX(processed_at) FROM raw_patient`).Scan(&lastProcessed); err != nil {
		return nil, fmt.Errorf("engine health last processed: %w", err)
	}
	last, err := parseNullTime(lastProcessed)
	if err != nil {
		return nil, err
	}
	h.LastProcessedAt = last

	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM raw_patient WHERE processed_at IS NULL`).Scan(&h.BacklogSize); err != nil {
		return nil, fmt.Errorf("engine health backlog: %w", err)
	}

	retries, err := GetMetric(ctx, db, MetricRetryCount)
	if err != nil {
		return nil, err
	}
	h.RetryCount = retries

	return h, nil
}
