package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/qms-infoclinica/ire/internal/models"
)

// TxCSView implements rules.CSView against one open transaction, so MR observes
// exactly the snapshot MU is about to mutate (both run inside the same
// identity-locked transaction).
type TxCSView struct {
	Tx *sql.Tx
}

func (v TxCSView) FindCanonicalBySourceHIS(ctx context.Context, source models.Source, hisNumber string) (*models.Canonical, error) {
	return FindCanonicalBySourceHIS(ctx, v.Tx, source, hisNumber)
}

func (v TxCSView) FindCanonicalByDocument(ctx context.Context, docType, docNumber int, excludeID string) (*models.Canonical, error) {
	return FindCanonicalByDocument(ctx, v.Tx, docType, docNumber, excludeID)
}

func (v TxCSView) FindPreregBySourceHIS(ctx context.Context, source models.Source, hisNumber string) (*models.MobilePrereg, error) {
	return FindPreregBySourceHIS(ctx, v.Tx, source, hisNumber)
}

// FindCanonicalByID looks up a canonical regardless of matching_locked,
// returning (nil, nil) rather than ErrCanonicalNotFound when absent so rules
// can treat "not found" uniformly with its other lookups.
func (v TxCSView) FindCanonicalByID(ctx context.Context, canonicalID string) (*models.Canonical, error) {
	c, err := GetCanonicalByID(ctx, v.Tx, canonicalID)
	if errors.Is(err, ErrCanonicalNotFound) {
		return nil, nil
	}
	return c, err
}
