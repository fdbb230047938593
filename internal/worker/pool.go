// Package worker runs the parallel worker pool that drains pending raw
// records through the reconciliation engine, following the
// claim-then-process-then-classify shape of a retrospective job runner,
// generalized from a single durable job queue row to a batch of
// raw_patient rows processed by a fixed-size goroutine pool.
package worker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"github.com/qms-infoclinica/ire/internal/ire"
	"github.com/qms-infoclinica/ire/internal/models"
	"github.com/qms-infoclinica/ire/internal/store"
)

const (
	DefaultSize         = 4
	DefaultBatchSize    = 50
	DefaultPollInterval = 2 * time.Second
)

// Pool pulls pending raw records and runs them through Engine.Reconcile,
// classifying each terminal outcome per the error taxonomy: a
// RetryableConflictError that survives the engine's own retry cap and any
// LockTimeoutError are left pending for the next batch (requeue-by-inaction);
// an InvalidRawError is dead-lettered; a StorageFailureError stops the pool
// and is returned to the caller so it can alert.
type Pool struct {
	Engine       *ire.Engine
	DB           *sql.DB
	Size         int
	PollInterval time.Duration
	Logger       *slog.Logger
}

func New(engine *ire.Engine, db *sql.DB, size int) *Pool {
	return &Pool{Engine: engine, DB: db, Size: size}
}

func (p *Pool) size() int {
	if p.Size <= 0 {
		return DefaultSize
	}
	return p.Size
}

func (p *Pool) pollInterval() time.Duration {
	if p.PollInterval <= 0 {
		return DefaultPollInterval
	}
	return p.PollInterval
}

func (p *Pool) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// BatchResult summarizes one RunOnce call.
type BatchResult struct {
	Processed    int
	DeadLettered int
}

// RunOnce drains up to batchSize pending raw records across Size worker
// goroutines and returns once every claimed record has been classified.
// A non-nil error means at least one record hit a StorageFailureError; the
// caller should stop calling RunOnce and alert.
func (p *Pool) RunOnce(ctx context.Context, batchSize int) (BatchResult, error) {
	pending, err := store.ListPendingRawPatients(ctx, p.DB, batchSize)
	if err != nil {
		return BatchResult{}, fmt.Errorf("worker: list pending raw patients: %w", err)
	}
	if len(pending) == 0 {
		return BatchResult{}, nil
	}

	jobs := make(chan *models.RawPatient)
	var processed, deadLettered int64
	var mu sync.Mutex
	var aggErr error

	work := func() {
		for raw := range jobs {
			p.processOne(ctx, raw, &processed, &deadLettered, &mu, &aggErr)
		}
	}

	var wg sync.WaitGroup
	size := p.size()
	wg.Add(size)
	for i := 0; i < size; i++ {
		go func() {
			defer wg.Done()
			work()
		}()
	}
	for _, raw := range pending {
		jobs <- raw
	}
	close(jobs)
	wg.Wait()

	return BatchResult{Processed: int(processed), DeadLettered: int(deadLettered)}, aggErr
}

func (p *Pool) processOne(ctx context.Context, raw *models.RawPatient, processed, deadLettered *int64, mu *sync.Mutex, aggErr *error) {
	_, err := p.Engine.Reconcile(ctx, raw)
	if err == nil {
		atomic.AddInt64(processed, 1)
		return
	}

	var invalid *models.InvalidRawError
	if errors.As(err, &invalid) {
		if derr := store.InsertDeadLetter(ctx, p.DB, store.NewDeadLetterID(), raw.RawID, invalid.Reason, invalid.ErrorCode()); derr != nil {
			mu.Lock()
			*aggErr = multierr.Append(*aggErr, fmt.Errorf("dead-letter raw %s: %w", raw.RawID, derr))
			mu.Unlock()
			return
		}
		atomic.AddInt64(deadLettered, 1)
		return
	}

	var lockTimeout *models.LockTimeoutError
	if errors.As(err, &lockTimeout) {
		p.logger().Warn("requeueing raw record after lock timeout", "raw_id", raw.RawID, "his_number", raw.HISNumber)
		return
	}

	var storageFailure *models.StorageFailureError
	if errors.As(err, &storageFailure) {
		mu.Lock()
		*aggErr = multierr.Append(*aggErr, err)
		mu.Unlock()
		return
	}

	// Retry cap exhausted on a RetryableConflictError, or any other
	// unclassified error: leave the record pending for the next batch
	// rather than silently dropping it.
	p.logger().Warn("leaving raw record pending after reconciliation error",
		"raw_id", raw.RawID, "his_number", raw.HISNumber, "error", err)
}

// Run polls for pending work every PollInterval until ctx is cancelled or a
// batch returns a StorageFailure, in which case it records a worker-restart
// metric and returns the aggregated error for the caller to alert on.
func (p *Pool) Run(ctx context.Context, batchSize int) error {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	ticker := time.NewTicker(p.pollInterval())
	defer ticker.Stop()

	for {
		result, err := p.RunOnce(ctx, batchSize)
		if err != nil {
			if incErr := store.IncrementMetric(ctx, p.DB, store.MetricWorkerRestartCount, 1); incErr != nil {
				p.logger().Error("failed to record worker restart metric", "error", incErr)
			}
			return fmt.Errorf("worker pool stopped: %w", err)
		}
		if result.Processed > 0 || result.DeadLettered > 0 {
			p.logger().Info("worker batch complete", "processed", result.Processed, "dead_lettered", result.DeadLettered)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
