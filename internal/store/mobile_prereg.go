package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/qms-infoclinica/ire/internal/models"
)

const mobilePreregColumns = `
	prereg_id, canonical_id, his_number_qms, his_number_infoclinica, created_at, updated_at`

func scanMobilePrereg(row interface{ Scan(...any) error }) (*models.MobilePrereg, error) {
	var (
		m                   models.MobilePrereg
		hisQMS, hisInfo     sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&m.PreregID, &m.CanonicalID, &hisQMS, &hisInfo, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	m.HISNumberQMS = hisQMS.String
	m.HISNumberInfo = hisInfo.String
	if m.CreatedAt, err = time.Parse(timestampLayout, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at %q: %w", createdAt, err)
	}
	if m.UpdatedAt, err = time.Parse(timestampLayout, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at %q: %w", updatedAt, err)
	}
	return &m, nil
}

// FindPreregBySourceHIS returns the mobile pre-registration reserving
// hisNumber for source, or nil if none exists. This is MR's first-priority
// lookup.
func FindPreregBySourceHIS(ctx context.Context, tx *sql.Tx, source models.Source, hisNumber string) (*models.MobilePrereg, error) {
	col := preregHISColumn(source)
	row := tx.QueryRowContext(ctx, `SELECT `+mobilePreregColumns+` FROM mobile_prereg WHERE `+col+` = ?`, hisNumber)
	m, err := scanMobilePrereg(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find prereg by source his: %w", err)
	}
	return m, nil
}

// GetMobilePreregByCanonicalID returns the pre-registration that reserved
// canonicalID, if any.
func GetMobilePreregByCanonicalID(ctx context.Context, tx *sql.Tx, canonicalID string) (*models.MobilePrereg, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+mobilePreregColumns+` FROM mobile_prereg WHERE canonical_id = ?`, canonicalID)
	m, err := scanMobilePrereg(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get prereg by canonical id: %w", err)
	}
	return m, nil
}

func preregHISColumn(source models.Source) string {
	switch source {
	case models.SourceQMS:
		return "his_number_qms"
	case models.SourceInfoclinica:
		return "his_number_infoclinica"
	default:
		return "his_number_qms"
	}
}

// InsertMobilePrereg inserts a reservation made by the external mobile
// registration service.
func InsertMobilePrereg(ctx context.Context, tx *sql.Tx, m *models.MobilePrereg) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO mobile_prereg (prereg_id, canonical_id, his_number_qms, his_number_infoclinica, created_at, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
	`, m.PreregID, m.CanonicalID, nullString(strOrEmptyPtr(m.HISNumberQMS)), nullString(strOrEmptyPtr(m.HISNumberInfo)))
	if err != nil {
		if IsUniqueConstraintErr(err) {
			return &models.RetryableConflictError{Cause: err}
		}
		return fmt.Errorf("insert mobile prereg %s: %w", m.PreregID, err)
	}
	return nil
}
