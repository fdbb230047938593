package store

import (
	"context"
	"database/sql"
	"fmt"
)

// InsertDeadLetter records a raw record the engine could never reconcile
// (models.InvalidRawError), so an operator can triage it out of band instead
// of the worker pool looping on it forever. Supplements "remains
// unstamped for human triage" with a queryable surface.
func InsertDeadLetter(ctx context.Context, db *sql.DB, deadLetterID, rawID, reason, errorCode string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO dead_letter (dead_letter_id, raw_id, reason, error_code)
		VALUES (?, ?, ?, ?)
	`, deadLetterID, rawID, reason, errorCode)
	if err != nil {
		return fmt.Errorf("insert dead letter for raw %s: %w", rawID, err)
	}
	return nil
}

// DeadLetterEntry is one triaged raw record.
type DeadLetterEntry struct {
	DeadLetterID string
	RawID        string
	Reason       string
	ErrorCode    string
}

// ListDeadLetters returns up to limit dead-letter rows, newest first.
func ListDeadLetters(ctx context.Context, db *sql.DB, limit int) ([]DeadLetterEntry, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT dead_letter_id, raw_id, reason, error_code FROM dead_letter
		ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []DeadLetterEntry
	for rows.Next() {
		var e DeadLetterEntry
		if err := rows.Scan(&e.DeadLetterID, &e.RawID, &e.Reason, &e.ErrorCode); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
