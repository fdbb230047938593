// Package ire is the reconciliation orchestrator: it wires together the
// Matching Rules (decision), the Mutator (write), the identity-lock manager
// (ordering), and the Canonical Store's own transaction retry (SQLite
// contention) into one Reconcile call per raw record. Grounded on
// internal/store/tx.go's Transact helper and retry.go's backoff shape,
// generalized from "retry on SQLITE_BUSY" to "retry on a lost
// unique-constraint race" per the bounded retry loop this engine owns.
package ire

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/qms-infoclinica/ire/internal/lockmgr"
	"github.com/qms-infoclinica/ire/internal/lpl"
	"github.com/qms-infoclinica/ire/internal/models"
	"github.com/qms-infoclinica/ire/internal/mutator"
	"github.com/qms-infoclinica/ire/internal/rules"
	"github.com/qms-infoclinica/ire/internal/store"
)

const DefaultRetryCap = 5

// Engine is the reconciliation orchestrator. Safe for concurrent use: a
// worker pool shares one Engine across goroutines, relying on Locks for
// per-identity ordering and on the database's own write serialization for
// everything else.
type Engine struct {
	DB       *sql.DB
	Locks    *lockmgr.Manager
	Registry *store.ReferrerRegistry
	RetryCap int
	Logger   *slog.Logger
}

func New(db *sql.DB, lockTimeout time.Duration, retryCap int) *Engine {
	return &Engine{
		DB:       db,
		Locks:    lockmgr.New(lockTimeout),
		Registry: store.NewReferrerRegistry(),
		RetryCap: retryCap,
	}
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e *Engine) retryCap() int {
	if e.RetryCap <= 0 {
		return DefaultRetryCap
	}
	return e.RetryCap
}

// Reconcile decides and applies the match for one already-staged raw
// record, retrying with backoff on a lost unique-constraint race (a
// concurrent reconciliation inserted or updated the same source/document
// identity first) up to RetryCap attempts. Every other error terminates
// immediately: InvalidRawError and LockTimeoutError are the caller's to
// classify (dead-letter or requeue respectively), StorageFailureError means
// stop and alert.
func (e *Engine) Reconcile(ctx context.Context, raw *models.RawPatient) (string, error) {
	if err := raw.Validate(); err != nil {
		return "", err
	}

	keys := []string{lockmgr.SourceKey(raw.Source, raw.HISNumber)}
	if raw.Present() {
		keys = append(keys, lockmgr.DocumentKey(*raw.DocType, *raw.DocNumber))
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 25 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.RandomizationFactor = 0.2

	var lastErr error
	cap := e.retryCap()
	for attempt := 1; attempt <= cap; attempt++ {
		canonicalID, err := e.attempt(ctx, raw, keys)
		if err == nil {
			return canonicalID, nil
		}

		var conflict *models.RetryableConflictError
		if !errors.As(err, &conflict) {
			return "", err
		}

		lastErr = err
		e.logger().Warn("retrying reconciliation after lost race",
			"his_number", raw.HISNumber, "source", raw.Source, "attempt", attempt)
		if incErr := store.IncrementMetric(ctx, e.DB, store.MetricRetryCount, 1); incErr != nil {
			e.logger().Warn("failed to record retry metric", "error", incErr)
		}

		if attempt == cap {
			break
		}
		wait := b.NextBackOff()
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "", fmt.Errorf("reconcile: retry cap (%d) exhausted for %s/%s: %w", cap, raw.Source, raw.HISNumber, lastErr)
}

func (e *Engine) attempt(ctx context.Context, raw *models.RawPatient, keys []string) (string, error) {
	release, err := e.Locks.Acquire(ctx, keys)
	if err != nil {
		var timeout *models.LockTimeoutError
		if errors.As(err, &timeout) {
			if incErr := store.IncrementMetric(ctx, e.DB, store.MetricLockTimeoutCount, 1); incErr != nil {
				e.logger().Warn("failed to record lock timeout metric", "error", incErr)
			}
		}
		return "", err
	}
	defer release()

	var canonicalID string
	txErr := store.Transact(ctx, e.DB, func(tx *sql.Tx) error {
		view := store.TxCSView{Tx: tx}
		now := time.Now().UTC()

		prev, err := store.FindLastProcessedRawPatient(ctx, tx, raw.Source, raw.HISNumber, raw.RawID)
		if err != nil {
			return fmt.Errorf("find last processed raw patient: %w", err)
		}

		var decision *models.Decision
		if prev == nil || prev.CanonicalID == "" {
			decision, err = rules.Decide(ctx, raw, view)
		} else {
			var current *models.Canonical
			current, err = store.GetCanonicalByID(ctx, tx, prev.CanonicalID)
			if err != nil {
				return fmt.Errorf("load current canonical: %w", err)
			}
			decision, err = rules.DecideUpdate(ctx, prev, raw, current, view)
		}
		if err != nil {
			return err
		}

		canonicalID, err = mutator.Apply(ctx, tx, e.Registry, decision, raw, now)
		return err
	})
	if txErr != nil {
		var conflict *models.RetryableConflictError
		var invalid *models.InvalidRawError
		switch {
		case errors.As(txErr, &conflict), errors.As(txErr, &invalid):
			return "", txErr
		default:
			// Anything else reaching here is a genuine storage problem — a
			// lookup or write that failed for a reason other than a lost
			// race (disk I/O, corruption, context deadline mid-transaction,
			// exhausted SQLITE_BUSY retries) — not one of the two expected
			// domain outcomes. Classify it so the worker pool stops and
			// alerts instead of leaving the record pending forever.
			return "", &models.StorageFailureError{Op: "reconcile", Cause: txErr}
		}
	}
	return canonicalID, nil
}

// Lock freezes a canonical against further automated matching.
func (e *Engine) Lock(ctx context.Context, canonicalID, reason string) error {
	return lpl.Lock(ctx, e.DB, e.Locks, canonicalID, reason)
}

// Unlock reopens a canonical to automated matching.
func (e *Engine) Unlock(ctx context.Context, canonicalID string) error {
	return lpl.Unlock(ctx, e.DB, e.Locks, canonicalID)
}
