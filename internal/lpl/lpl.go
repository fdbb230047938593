// Package lpl is the Lock Protection Layer: the only code path allowed to
// flip a canonical's matching_locked flag. It acquires the canonical's full
// identity-lock set first, the same way the reconciliation engine does
// before running MR/MU, so a pending Lock/Unlock call can never race a
// reconciliation that is mid-decision on the same identity. Grounded on a
// claim/release pairing, generalized from a DB-row lease to the in-process
// lockmgr.Manager.
package lpl

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/qms-infoclinica/ire/internal/lockmgr"
	"github.com/qms-infoclinica/ire/internal/models"
	"github.com/qms-infoclinica/ire/internal/store"
)

// IdentityKeys returns every identity-lock key touching canonical c: its own
// canonical key, each populated source slot's key, and its document key if
// present.
func IdentityKeys(c *models.Canonical) []string {
	keys := []string{lockmgr.CanonicalKey(c.CanonicalID)}
	for _, src := range []models.Source{models.SourceQMS, models.SourceInfoclinica} {
		if slot := c.Slot(src); !slot.Empty() {
			keys = append(keys, lockmgr.SourceKey(src, slot.HISNumber))
		}
	}
	if c.Present() {
		keys = append(keys, lockmgr.DocumentKey(*c.DocType, *c.DocNumber))
	}
	return keys
}

// Lock freezes canonicalID against further automated matching. Every
// matching-rule lookup already excludes matching_locked rows, so once this
// commits, no Decide/DecideUpdate call can route a new raw record onto it.
func Lock(ctx context.Context, db *sql.DB, locks *lockmgr.Manager, canonicalID, reason string) error {
	return toggle(ctx, db, locks, canonicalID, true, reason)
}

// Unlock reopens canonicalID to automated matching.
func Unlock(ctx context.Context, db *sql.DB, locks *lockmgr.Manager, canonicalID string) error {
	return toggle(ctx, db, locks, canonicalID, false, "")
}

func toggle(ctx context.Context, db *sql.DB, locks *lockmgr.Manager, canonicalID string, locked bool, reason string) error {
	snapshot, err := snapshotCanonical(ctx, db, canonicalID)
	if err != nil {
		return err
	}

	release, err := locks.Acquire(ctx, IdentityKeys(snapshot))
	if err != nil {
		return err
	}
	defer release()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("lpl: begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	c, err := store.GetCanonicalByID(ctx, tx, canonicalID)
	if err != nil {
		return fmt.Errorf("lpl: reload canonical %s: %w", canonicalID, err)
	}

	now := time.Now().UTC()
	c.MatchingLocked = locked
	c.LockReason = reason
	if locked {
		c.LockedAt = &now
	} else {
		c.LockedAt = nil
	}
	c.UpdatedAt = now

	if err := store.UpdateCanonical(ctx, tx, c); err != nil {
		return fmt.Errorf("lpl: update canonical %s: %w", canonicalID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("lpl: commit: %w", err)
	}
	committed = true
	return nil
}

func snapshotCanonical(ctx context.Context, db *sql.DB, canonicalID string) (*models.Canonical, error) {
	tx, err := db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("lpl: begin snapshot tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	return store.GetCanonicalByID(ctx, tx, canonicalID)
}
