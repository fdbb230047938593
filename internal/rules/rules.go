// Package rules implements the Matching Rules (MR): a pure decision
// function over a raw patient record and a read-only view of the Canonical
// Store. MR never writes; the Mutator applies whatever Decision it returns.
package rules

import (
	"context"
	"fmt"
	"sort"

	"github.com/qms-infoclinica/ire/internal/models"
)

// CSView is the read-only Canonical Store lookups MR needs. Satisfied by
// store.TxCSView in production and by a fake in tests.
type CSView interface {
	FindCanonicalBySourceHIS(ctx context.Context, source models.Source, hisNumber string) (*models.Canonical, error)
	FindCanonicalByDocument(ctx context.Context, docType, docNumber int, excludeID string) (*models.Canonical, error)
	FindPreregBySourceHIS(ctx context.Context, source models.Source, hisNumber string) (*models.MobilePrereg, error)
	// FindCanonicalByID looks up a canonical regardless of matching_locked,
	// used only to decide MOBILE_APP_NEW vs MOBILE_APP_UPDATE: a
	// materialized-but-locked canonical still counts as "already exists".
	FindCanonicalByID(ctx context.Context, canonicalID string) (*models.Canonical, error)
}

// Decide evaluates the insertion-path priority order for a raw
// record with no existing canonical_id. First match wins.
func Decide(ctx context.Context, raw *models.RawPatient, view CSView) (*models.Decision, error) {
	if err := raw.Validate(); err != nil {
		return nil, err
	}

	// 1. Mobile pre-registration.
	prereg, err := view.FindPreregBySourceHIS(ctx, raw.Source, raw.HISNumber)
	if err != nil {
		return nil, fmt.Errorf("find prereg: %w", err)
	}
	if prereg != nil {
		existing, err := view.FindCanonicalByID(ctx, prereg.CanonicalID)
		if err != nil {
			return nil, fmt.Errorf("find canonical by id: %w", err)
		}
		matchType := models.MatchTypeMobileAppNew
		if existing != nil {
			matchType = models.MatchTypeMobileAppUpdate
		}
		return &models.Decision{
			Kind:          models.DecisionUseExisting,
			MatchType:     matchType,
			CanonicalID:   prereg.CanonicalID,
			IsMobileMatch: true,
		}, nil
	}

	// 2. Same-source identifier.
	existing, err := view.FindCanonicalBySourceHIS(ctx, raw.Source, raw.HISNumber)
	if err != nil {
		return nil, fmt.Errorf("find canonical by source his: %w", err)
	}
	if existing != nil {
		return &models.Decision{
			Kind:        models.DecisionUseExisting,
			MatchType:   models.MatchTypeUpdatedExisting,
			CanonicalID: existing.CanonicalID,
		}, nil
	}

	// 3. Cross-source document match.
	if raw.Present() {
		byDoc, err := view.FindCanonicalByDocument(ctx, *raw.DocType, *raw.DocNumber, "")
		if err != nil {
			return nil, fmt.Errorf("find canonical by document: %w", err)
		}
		if byDoc != nil {
			return &models.Decision{
				Kind:        models.DecisionUseExisting,
				MatchType:   models.MatchTypeMatchedDocument,
				CanonicalID: byDoc.CanonicalID,
			}, nil
		}
	}

	// 4. Fresh insertion.
	matchType := models.MatchTypeNewNoDoc
	if raw.Present() {
		matchType = models.MatchTypeNewWithDoc
	}
	return &models.Decision{
		Kind:      models.DecisionCreate,
		MatchType: matchType,
	}, nil
}

// DecideUpdate evaluates the update path for a raw record that
// already carries a canonical_id: old is the last reconciled state, new is
// the incoming re-emitted record. current is the canonical old.CanonicalID
// currently points to.
func DecideUpdate(ctx context.Context, old, updated *models.RawPatient, current *models.Canonical, view CSView) (*models.Decision, error) {
	if err := updated.Validate(); err != nil {
		return nil, err
	}

	if current.MatchingLocked {
		return &models.Decision{
			Kind:        models.DecisionLockedSkip,
			MatchType:   models.MatchTypeLockedSkip,
			CanonicalID: current.CanonicalID,
		}, nil
	}

	docChanged := documentChanged(old.DocumentPair, updated.DocumentPair)
	if docChanged && updated.Present() {
		other, err := view.FindCanonicalByDocument(ctx, *updated.DocType, *updated.DocNumber, current.CanonicalID)
		if err != nil {
			return nil, fmt.Errorf("find canonical by document: %w", err)
		}
		if other != nil && other.CanonicalID != current.CanonicalID {
			winner, loser := selectMergeWinner(current, other)
			return &models.Decision{
				Kind:        models.DecisionMerge,
				MatchType:   models.MatchTypeMergedOnUpdate,
				CanonicalID: winner.CanonicalID,
				LoserID:     loser.CanonicalID,
			}, nil
		}
	}

	return &models.Decision{
		Kind:        models.DecisionUseExisting,
		MatchType:   models.MatchTypeRegularUpdate,
		CanonicalID: current.CanonicalID,
	}, nil
}

// documentChanged reports whether two document pairs denote different
// identity keys, including the absent-to-present and present-to-absent
// transitions that DocumentPair.Equal alone doesn't classify.
func documentChanged(old, updated models.DocumentPair) bool {
	if old.Present() != updated.Present() {
		return true
	}
	if !old.Present() {
		return false
	}
	return !old.Equal(updated)
}

// selectMergeWinner applies the tie-break: prefer the mobile-registered
// side, then the lexicographically smaller canonical_id.
func selectMergeWinner(a, b *models.Canonical) (winner, loser *models.Canonical) {
	if a.RegisteredViaMobile != b.RegisteredViaMobile {
		if a.RegisteredViaMobile {
			return a, b
		}
		return b, a
	}
	ids := []string{a.CanonicalID, b.CanonicalID}
	sort.Strings(ids)
	if ids[0] == a.CanonicalID {
		return a, b
	}
	return b, a
}
