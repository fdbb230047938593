package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Transact begins a transaction, runs fn, and commits or rolls back.
// The begin/commit handshake is wrapped with RetryWithBackoff to absorb
// transient SQLITE_BUSY/SQLITE_LOCKED contention acquiring the write lock.
// fn's own errors (including unique-constraint violations, which the
// mutator turns into models.RetryableConflictError) are returned unwrapped
// so callers can classify them; Transact itself does not retry on them —
// that decision belongs to the IRE orchestrator's bounded retry loop,
// not to this generic transaction helper.
func Transact(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	var txErr error
	err := RetryWithBackoff(ctx, func() error {
		tx, beginErr := db.BeginTx(ctx, nil)
		if beginErr != nil {
			return fmt.Errorf("failed to begin transaction: %w", beginErr)
		}
		defer func() { _ = tx.Rollback() }()

		if fnErr := fn(tx); fnErr != nil {
			if isTransientLockError(fnErr) {
				return fnErr // retry begin+fn+commit as a whole
			}
			txErr = fnErr
			return nil
		}

		if commitErr := tx.Commit(); commitErr != nil {
			if isTransientLockError(commitErr) {
				return commitErr
			}
			txErr = fmt.Errorf("failed to commit transaction: %w", commitErr)
			return nil
		}
		return nil
	})
	if err != nil {
		return err
	}
	return txErr
}
