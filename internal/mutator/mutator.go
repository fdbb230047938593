// Package mutator implements the Mutator (MU): the only component that
// writes to the canonical table. It takes the Decision the Matching Rules
// produced and a raw record, and applies exactly one of CREATE, USE_EXISTING
// (insertion-path fill-if-empty, or the update-path's unconditional
// REGULAR_UPDATE overwrite), MERGE, or LOCKED_SKIP inside the caller's open
// transaction. Grounded on a conditional-UPDATE claim idiom and a
// begin/complete-in-one-tx discipline.
package mutator

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/qms-infoclinica/ire/internal/models"
	"github.com/qms-infoclinica/ire/internal/store"
)

// Apply executes decision against raw inside tx and returns the canonical_id
// raw now points to. raw must already carry the fields the rules package
// observed when it produced decision; Apply trusts it without re-validating.
func Apply(ctx context.Context, tx *sql.Tx, registry *store.ReferrerRegistry, decision *models.Decision, raw *models.RawPatient, now time.Time) (string, error) {
	switch decision.Kind {
	case models.DecisionCreate:
		return applyCreate(ctx, tx, decision, raw, now)
	case models.DecisionUseExisting:
		if decision.MatchType == models.MatchTypeRegularUpdate {
			return applyRegularUpdate(ctx, tx, decision, raw, now)
		}
		return applyUseExisting(ctx, tx, decision, raw, now)
	case models.DecisionMerge:
		return applyMerge(ctx, tx, registry, decision, raw, now)
	case models.DecisionLockedSkip:
		return applyLockedSkip(ctx, tx, decision, raw, now)
	default:
		return "", fmt.Errorf("mutator: unrecognized decision kind %q", decision.Kind)
	}
}

// applyCreate materializes a brand-new canonical from raw alone.
func applyCreate(ctx context.Context, tx *sql.Tx, decision *models.Decision, raw *models.RawPatient, now time.Time) (string, error) {
	c := &models.Canonical{
		CanonicalID:   store.NewCanonicalID(),
		PrimarySource: raw.Source,
		Slots:         map[models.Source]models.SourceSlot{raw.Source: slotFromRaw(raw)},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	c.Demographics = raw.Demographics
	c.DocumentPair = raw.DocumentPair

	if err := store.InsertCanonical(ctx, tx, c); err != nil {
		return "", err
	}
	if err := finish(ctx, tx, raw, c.CanonicalID, now); err != nil {
		return "", err
	}
	return c.CanonicalID, logEntry(ctx, tx, decision, raw, c.CanonicalID, true, now)
}

// applyUseExisting handles every insertion-path USE_EXISTING match type:
// UPDATED_EXISTING, MATCHED_DOCUMENT, MOBILE_APP_NEW, MOBILE_APP_UPDATE.
// MOBILE_APP_NEW is the one case where decision.CanonicalID names a reserved
// id with no canonical row yet, so it materializes rather than updates.
func applyUseExisting(ctx context.Context, tx *sql.Tx, decision *models.Decision, raw *models.RawPatient, now time.Time) (string, error) {
	if decision.MatchType == models.MatchTypeMobileAppNew {
		c := &models.Canonical{
			CanonicalID:         decision.CanonicalID,
			PrimarySource:       raw.Source,
			Slots:               map[models.Source]models.SourceSlot{raw.Source: slotFromRaw(raw)},
			RegisteredViaMobile: true,
			CreatedAt:           now,
			UpdatedAt:           now,
		}
		c.Demographics = raw.Demographics
		c.DocumentPair = raw.DocumentPair

		if err := store.InsertCanonical(ctx, tx, c); err != nil {
			return "", err
		}
		if err := finish(ctx, tx, raw, c.CanonicalID, now); err != nil {
			return "", err
		}
		return c.CanonicalID, logEntry(ctx, tx, decision, raw, c.CanonicalID, true, now)
	}

	c, err := store.GetCanonicalByID(ctx, tx, decision.CanonicalID)
	if err != nil {
		return "", fmt.Errorf("load canonical for use-existing: %w", err)
	}
	setSourceSlot(c, raw)
	fillDemographics(&c.Demographics, raw.Demographics)
	fillDocumentPair(&c.DocumentPair, raw.DocumentPair)
	c.UpdatedAt = now

	if err := store.UpdateCanonical(ctx, tx, c); err != nil {
		return "", err
	}
	if err := finish(ctx, tx, raw, c.CanonicalID, now); err != nil {
		return "", err
	}
	return c.CanonicalID, logEntry(ctx, tx, decision, raw, c.CanonicalID, false, now)
}

// applyRegularUpdate is the update path's USE_EXISTING case: raw re-emits a
// record the engine already reconciled, with no document change that
// triggers a merge. Source slot and demographic/document fields are
// overwritten unconditionally, since raw's own source is authoritative for
// its own canonical.
func applyRegularUpdate(ctx context.Context, tx *sql.Tx, decision *models.Decision, raw *models.RawPatient, now time.Time) (string, error) {
	c, err := store.GetCanonicalByID(ctx, tx, decision.CanonicalID)
	if err != nil {
		return "", fmt.Errorf("load canonical for regular update: %w", err)
	}
	setSourceSlot(c, raw)
	overwriteDemographics(&c.Demographics, raw.Demographics)
	overwriteDocumentPair(&c.DocumentPair, raw.DocumentPair)
	c.UpdatedAt = now

	if err := store.UpdateCanonical(ctx, tx, c); err != nil {
		return "", err
	}
	if err := finish(ctx, tx, raw, c.CanonicalID, now); err != nil {
		return "", err
	}
	return c.CanonicalID, logEntry(ctx, tx, decision, raw, c.CanonicalID, false, now)
}

// applyMerge folds loser into winner and retires loser in this order:
// rewrite every referrer, delete the loser row, write the merged winner row
// (only once the loser is gone, since the winner takes over his_number and
// document values the loser still holds under the unique indexes), then
// update the triggering raw's own canonical_id last (it is itself one of the
// referrers, and must not be rewritten out from under the row being
// updated in the same statement that rewrites everyone else).
func applyMerge(ctx context.Context, tx *sql.Tx, registry *store.ReferrerRegistry, decision *models.Decision, raw *models.RawPatient, now time.Time) (string, error) {
	winner, err := store.GetCanonicalByID(ctx, tx, decision.CanonicalID)
	if err != nil {
		return "", fmt.Errorf("load merge winner: %w", err)
	}
	loser, err := store.GetCanonicalByID(ctx, tx, decision.LoserID)
	if err != nil {
		return "", fmt.Errorf("load merge loser: %w", err)
	}

	// 1. Winner's matching source slot, and the document pair that
	// triggered the merge, come from raw: it is what the rules just
	// observed disagreeing with the winner's prior state.
	setSourceSlot(winner, raw)
	if raw.Present() {
		overwriteDocumentPair(&winner.DocumentPair, raw.DocumentPair)
	}

	// 2. Every other source slot: fill winner from loser if winner's is
	// still empty.
	for _, src := range []models.Source{models.SourceQMS, models.SourceInfoclinica} {
		if src == raw.Source {
			continue
		}
		if winner.Slot(src).Empty() {
			if loserSlot := loser.Slot(src); !loserSlot.Empty() {
				winner.Slots[src] = loserSlot
			}
		}
	}

	// 3. Demographics: fill winner from loser if null.
	fillDemographics(&winner.Demographics, loser.Demographics)

	// 4. registered_via_mobile survives the merge if either side has it.
	winner.RegisteredViaMobile = winner.RegisteredViaMobile || loser.RegisteredViaMobile
	winner.UpdatedAt = now

	if err := store.RewriteReferences(ctx, tx, registry, loser.CanonicalID, winner.CanonicalID); err != nil {
		return "", err
	}
	if err := store.DeleteCanonical(ctx, tx, loser.CanonicalID); err != nil {
		return "", err
	}
	if err := store.UpdateCanonical(ctx, tx, winner); err != nil {
		return "", fmt.Errorf("persist merge winner: %w", err)
	}
	if err := store.StampRawProcessed(ctx, tx, raw.RawID, winner.CanonicalID, now); err != nil {
		return "", err
	}

	details := models.MatchLogDetails{
		HasDocument:       raw.Present(),
		LoserCanonicalID:  loser.CanonicalID,
		WinnerCanonicalID: winner.CanonicalID,
	}
	entry := &models.MatchLogEntry{
		EntryID:              store.NewMatchLogEntryID(),
		HISNumber:             raw.HISNumber,
		Source:                raw.Source,
		Timestamp:             now,
		MatchType:             decision.MatchType,
		DocNumber:             raw.DocNumber,
		CreatedNewCanonical:   false,
		ResultingCanonicalID:  winner.CanonicalID,
		Details:               details,
	}
	if err := store.InsertMatchLogEntry(ctx, tx, entry); err != nil {
		return "", err
	}
	return winner.CanonicalID, nil
}

// applyLockedSkip stamps raw as seen without touching the canonical: a
// locked canonical is frozen against further automated matching.
func applyLockedSkip(ctx context.Context, tx *sql.Tx, decision *models.Decision, raw *models.RawPatient, now time.Time) (string, error) {
	if err := finish(ctx, tx, raw, decision.CanonicalID, now); err != nil {
		return "", err
	}
	return decision.CanonicalID, logEntry(ctx, tx, decision, raw, decision.CanonicalID, false, now)
}

func finish(ctx context.Context, tx *sql.Tx, raw *models.RawPatient, canonicalID string, now time.Time) error {
	return store.StampRawProcessed(ctx, tx, raw.RawID, canonicalID, now)
}

func logEntry(ctx context.Context, tx *sql.Tx, decision *models.Decision, raw *models.RawPatient, canonicalID string, createdNew bool, now time.Time) error {
	entry := &models.MatchLogEntry{
		EntryID:              store.NewMatchLogEntryID(),
		HISNumber:            raw.HISNumber,
		Source:               raw.Source,
		Timestamp:            now,
		MatchType:            decision.MatchType,
		DocNumber:            raw.DocNumber,
		CreatedNewCanonical:  createdNew,
		ResultingCanonicalID: canonicalID,
		Details: models.MatchLogDetails{
			IsMobileMatch: decision.IsMobileMatch,
			HasDocument:   raw.Present(),
		},
	}
	if decision.IsMobileMatch {
		entry.MobilePreregCanonicalID = canonicalID
	}
	return store.InsertMatchLogEntry(ctx, tx, entry)
}

// setSourceSlot unconditionally writes raw's contact/credential fields into
// its own source's slot on c. Always safe regardless of insertion or update
// path: a source is always authoritative for its own slot.
func setSourceSlot(c *models.Canonical, raw *models.RawPatient) {
	if c.Slots == nil {
		c.Slots = map[models.Source]models.SourceSlot{}
	}
	c.Slots[raw.Source] = slotFromRaw(raw)
}

func slotFromRaw(raw *models.RawPatient) models.SourceSlot {
	return models.SourceSlot{
		HISNumber:    raw.HISNumber,
		ContactEmail: derefOrEmpty(raw.Email),
		Phone:        derefOrEmpty(raw.Phone),
		HISPassword:  derefOrEmpty(raw.HISPassword),
		LoginEmail:   derefOrEmpty(raw.LoginEmail),
	}
}

func derefOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// fillDemographics fills each null field on dst from src, leaving any
// already-set field untouched.
func fillDemographics(dst *models.Demographics, src models.Demographics) {
	if dst.LastName == nil {
		dst.LastName = src.LastName
	}
	if dst.FirstName == nil {
		dst.FirstName = src.FirstName
	}
	if dst.MiddleName == nil {
		dst.MiddleName = src.MiddleName
	}
	if dst.BirthDate == nil {
		dst.BirthDate = src.BirthDate
	}
}

// overwriteDemographics replaces every field on dst with src's, when src
// carries a value.
func overwriteDemographics(dst *models.Demographics, src models.Demographics) {
	if src.LastName != nil {
		dst.LastName = src.LastName
	}
	if src.FirstName != nil {
		dst.FirstName = src.FirstName
	}
	if src.MiddleName != nil {
		dst.MiddleName = src.MiddleName
	}
	if src.BirthDate != nil {
		dst.BirthDate = src.BirthDate
	}
}

func fillDocumentPair(dst *models.DocumentPair, src models.DocumentPair) {
	if dst.DocType == nil && src.Present() {
		dst.DocType = src.DocType
		dst.DocNumber = src.DocNumber
	}
}

func overwriteDocumentPair(dst *models.DocumentPair, src models.DocumentPair) {
	if src.Present() {
		dst.DocType = src.DocType
		dst.DocNumber = src.DocNumber
	}
}
