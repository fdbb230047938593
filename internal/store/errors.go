package store

import (
	"errors"
	"strings"

	"github.com/qms-infoclinica/ire/internal/models"
	sqlite "modernc.org/sqlite"
)

// RecoverableError is an alias for models.RecoverableError, retained for
// callers that reference store.RecoverableError directly.
type RecoverableError = models.RecoverableError

// IsUniqueConstraintErr checks for SQLite duplicate-key violations.
//
// Covers both UNIQUE constraints (2067) and PRIMARY KEY constraints (1555),
// since both signal the same semantic: a row with that key already exists.
// The mutator uses this to detect the two partial-index races that can
// occur (source-slot his_number, document pair) and turn them into a
// RetryableConflictError rather than a fatal StorageFailure.
func IsUniqueConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == 2067 || code == 1555
	}
	// Fallback for wrapped errors. Baseline: modernc.org/sqlite v1.45+.
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "PRIMARY KEY constraint failed")
}
