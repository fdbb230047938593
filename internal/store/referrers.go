package store

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
)

// Referrer names one (table, column) pair whose rows carry a canonical_id
// foreign key. MERGE must rewrite every referrer from the losing id to the
// winning id before the loser row is deleted (cyclic-reference note).
type Referrer struct {
	Table  string
	Column string
}

var identOK = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ReferrerRegistry is the configuration-time list of referrers MU consults
// during MERGE. New entries can be added "without changing
// MU code" — callers do that by calling Register before any MERGE runs, not
// by editing the mutator.
type ReferrerRegistry struct {
	referrers []Referrer
}

// NewReferrerRegistry returns a registry pre-populated with the referrers
// this schema ships: raw_patient and protocols ("Medical Event") carry
// canonical_id directly; mobile_prereg's reservation is also a referrer once
// its canonical has been materialized.
func NewReferrerRegistry() *ReferrerRegistry {
	r := &ReferrerRegistry{}
	r.Register("raw_patient", "canonical_id")
	r.Register("protocols", "canonical_id")
	r.Register("mobile_prereg", "canonical_id")
	return r
}

// Register adds a (table, column) pair to the registry. Panics on an
// identifier that isn't a plain SQL name, since registrations come from
// trusted startup code, never from request input.
func (r *ReferrerRegistry) Register(table, column string) {
	if !identOK.MatchString(table) || !identOK.MatchString(column) {
		panic(fmt.Sprintf("store: invalid referrer identifier %q.%q", table, column))
	}
	r.referrers = append(r.referrers, Referrer{Table: table, Column: column})
}

// All returns the registered referrers in registration order.
func (r *ReferrerRegistry) All() []Referrer {
	out := make([]Referrer, len(r.referrers))
	copy(out, r.referrers)
	return out
}

// RewriteReferences points every registered referrer from loserID to
// winnerID. Must run before DeleteCanonical(loserID) in the same
// transaction.
func RewriteReferences(ctx context.Context, tx *sql.Tx, registry *ReferrerRegistry, loserID, winnerID string) error {
	for _, ref := range registry.All() {
		stmt := fmt.Sprintf(`UPDATE %s SET %s = ? WHERE %s = ?`, ref.Table, ref.Column, ref.Column)
		if _, err := tx.ExecContext(ctx, stmt, winnerID, loserID); err != nil {
			return fmt.Errorf("rewrite referrer %s.%s: %w", ref.Table, ref.Column, err)
		}
	}
	return nil
}
