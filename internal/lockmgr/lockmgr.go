// Package lockmgr is an in-process striped identity-lock manager. It
// generalizes a claim/release idiom for DB-row leases to plain in-memory
// keyed mutexes: the worker
// pool here is a set of goroutines sharing one process, not a fleet of
// agents contending over rows, so there is no lease table, only a map of
// channel-backed locks and a timeout.
package lockmgr

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/qms-infoclinica/ire/internal/models"
)

const DefaultTimeout = 30 * time.Second

type keyLock struct {
	ch chan struct{}
}

// Manager hands out sorted-order, timeout-bounded acquisition of string
// keys. Acquiring the same key set in the same order from every caller is
// what prevents lock-ordering deadlocks between concurrent reconciliations.
type Manager struct {
	mu      sync.Mutex
	keys    map[string]*keyLock
	timeout time.Duration
}

func New(timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Manager{keys: make(map[string]*keyLock), timeout: timeout}
}

func (m *Manager) getOrCreate(key string) *keyLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	kl, ok := m.keys[key]
	if !ok {
		kl = &keyLock{ch: make(chan struct{}, 1)}
		kl.ch <- struct{}{}
		m.keys[key] = kl
	}
	return kl
}

// Acquire locks every key in keys, deduplicated and sorted so two callers
// racing over an overlapping key set always request them in the same
// order. Returns a release func on success; on timeout or context
// cancellation it releases anything it already holds and returns an error
// (a *models.LockTimeoutError on timeout).
func (m *Manager) Acquire(ctx context.Context, keys []string) (func(), error) {
	ordered := dedupeSorted(keys)
	acquired := make([]*keyLock, 0, len(ordered))
	release := func() {
		for i := len(acquired) - 1; i >= 0; i-- {
			acquired[i].ch <- struct{}{}
		}
	}

	deadline := time.Now().Add(m.timeout)
	for _, key := range ordered {
		kl := m.getOrCreate(key)
		remaining := time.Until(deadline)
		if remaining <= 0 {
			release()
			return nil, &models.LockTimeoutError{Keys: ordered, Timeout: m.timeout.String()}
		}

		timer := time.NewTimer(remaining)
		select {
		case <-kl.ch:
			timer.Stop()
			acquired = append(acquired, kl)
		case <-timer.C:
			release()
			return nil, &models.LockTimeoutError{Keys: ordered, Timeout: m.timeout.String()}
		case <-ctx.Done():
			timer.Stop()
			release()
			return nil, ctx.Err()
		}
	}
	return release, nil
}

func dedupeSorted(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// SourceKey names the identity-lock key for one HIS's (source, his_number)
// pair.
func SourceKey(source models.Source, hisNumber string) string {
	return fmt.Sprintf("src:%s/his:%s", source, hisNumber)
}

// DocumentKey names the identity-lock key for a document pair.
func DocumentKey(docType, docNumber int) string {
	return fmt.Sprintf("doc:%d/%d", docType, docNumber)
}

// CanonicalKey names the identity-lock key for a materialized canonical,
// used by LPL's Lock/Unlock. Reconcile does not take canonical keys: its
// lock set is the raw's source key plus its document key, also when the
// decision turns out to be a MERGE.
func CanonicalKey(canonicalID string) string {
	return fmt.Sprintf("can:%s", canonicalID)
}
