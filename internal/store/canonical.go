package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/qms-infoclinica/ire/internal/models"
)

// ErrCanonicalNotFound is returned by GetCanonicalByID when no row matches.
var ErrCanonicalNotFound = errors.New("canonical not found")

const canonicalColumns = `
	canonical_id, last_name, first_name, middle_name, birth_date,
	doc_type, doc_number,
	qms_his_number, qms_contact_email, qms_phone, qms_his_password, qms_login_email,
	infoclinica_his_number, infoclinica_contact_email, infoclinica_phone, infoclinica_his_password, infoclinica_login_email,
	primary_source, registered_via_mobile, matching_locked, locked_at, lock_reason,
	created_at, updated_at`

func scanCanonical(row interface{ Scan(...any) error }) (*models.Canonical, error) {
	var (
		c                       models.Canonical
		lastName, firstName     sql.NullString
		middleName, birthDate   sql.NullString
		docType, docNumber      sql.NullInt64
		qms, info               slotColumns
		primarySource           string
		registeredViaMobile     bool
		matchingLocked          bool
		lockedAt, lockReason    sql.NullString
		createdAt, updatedAt    string
	)

	err := row.Scan(
		&c.CanonicalID, &lastName, &firstName, &middleName, &birthDate,
		&docType, &docNumber,
		&qms.hisNumber, &qms.contactEmail, &qms.phone, &qms.hisPassword, &qms.loginEmail,
		&info.hisNumber, &info.contactEmail, &info.phone, &info.hisPassword, &info.loginEmail,
		&primarySource, &registeredViaMobile, &matchingLocked, &lockedAt, &lockReason,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	c.LastName = stringOrNil(lastName)
	c.FirstName = stringOrNil(firstName)
	c.MiddleName = stringOrNil(middleName)
	if c.BirthDate, err = parseNullDate(birthDate); err != nil {
		return nil, err
	}
	c.DocType = intOrNil(docType)
	c.DocNumber = intOrNil(docNumber)
	c.PrimarySource = models.Source(primarySource)
	c.RegisteredViaMobile = registeredViaMobile
	c.MatchingLocked = matchingLocked
	if c.LockedAt, err = parseNullTime(lockedAt); err != nil {
		return nil, err
	}
	c.LockReason = lockReason.String
	createdTime, err := time.Parse(timestampLayout, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at %q: %w", createdAt, err)
	}
	c.CreatedAt = createdTime
	updatedTime, err := time.Parse(timestampLayout, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse updated_at %q: %w", updatedAt, err)
	}
	c.UpdatedAt = updatedTime

	c.Slots = map[models.Source]models.SourceSlot{
		models.SourceQMS:         qms.toSlot(),
		models.SourceInfoclinica: info.toSlot(),
	}
	return &c, nil
}

// GetCanonicalByID returns the canonical with the given id, or
// ErrCanonicalNotFound if none exists.
func GetCanonicalByID(ctx context.Context, tx *sql.Tx, id string) (*models.Canonical, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+canonicalColumns+` FROM canonical WHERE canonical_id = ?`, id)
	c, err := scanCanonical(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCanonicalNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get canonical %s: %w", id, err)
	}
	return c, nil
}

// FindCanonicalBySourceHIS looks up the canonical whose slot for source holds
// hisNumber, excluding locked canonicals (MR's "find existing" contract).
func FindCanonicalBySourceHIS(ctx context.Context, tx *sql.Tx, source models.Source, hisNumber string) (*models.Canonical, error) {
	col := sourceHISColumn(source)
	row := tx.QueryRowContext(ctx, `SELECT `+canonicalColumns+` FROM canonical WHERE `+col+` = ? AND matching_locked = 0`, hisNumber)
	c, err := scanCanonical(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find canonical by source his: %w", err)
	}
	return c, nil
}

// FindCanonicalByDocument looks up the canonical carrying the given document
// pair, excluding locked canonicals and excludeID (used during the update
// path, which excludes the raw's own current canonical).
func FindCanonicalByDocument(ctx context.Context, tx *sql.Tx, docType, docNumber int, excludeID string) (*models.Canonical, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+canonicalColumns+` FROM canonical
		WHERE doc_type = ? AND doc_number = ? AND matching_locked = 0 AND canonical_id != ?
	`, docType, docNumber, excludeID)
	c, err := scanCanonical(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find canonical by document: %w", err)
	}
	return c, nil
}

func sourceHISColumn(source models.Source) string {
	switch source {
	case models.SourceQMS:
		return "qms_his_number"
	case models.SourceInfoclinica:
		return "infoclinica_his_number"
	default:
		return "qms_his_number"
	}
}

// InsertCanonical inserts a brand-new canonical row. CreatedAt/UpdatedAt on c
// must already be set by the caller (the mutator stamps both to the same
// timestamp on CREATE).
func InsertCanonical(ctx context.Context, tx *sql.Tx, c *models.Canonical) error {
	qms := c.Slots[models.SourceQMS]
	info := c.Slots[models.SourceInfoclinica]

	args := []any{c.CanonicalID, nullString(c.LastName), nullString(c.FirstName), nullString(c.MiddleName), nullDate(c.BirthDate),
		nullInt(c.DocType), nullInt(c.DocNumber)}
	args = append(args, slotArgs(qms)...)
	args = append(args, slotArgs(info)...)
	args = append(args, string(c.PrimarySource), c.RegisteredViaMobile, c.MatchingLocked,
		nullTime(c.LockedAt), nullString(strOrEmptyPtr(c.LockReason)),
		c.CreatedAt.Format(timestampLayout), c.UpdatedAt.Format(timestampLayout))

	_, err := tx.ExecContext(ctx, `
		INSERT INTO canonical (`+canonicalColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, args...)
	if err != nil {
		if IsUniqueConstraintErr(err) {
			return &models.RetryableConflictError{HISNumber: firstHISNumber(c), Source: c.PrimarySource, Cause: err}
		}
		return fmt.Errorf("insert canonical %s: %w", c.CanonicalID, err)
	}
	return nil
}

// UpdateCanonical writes back every mutable column of c. The mutator loads a
// canonical, mutates the Go struct per the matching rules, then calls this to
// persist the whole row in one statement rather than building partial SQL per
// field — simpler to reason about and matches the "single authoritative
// write" shape of the update/merge paths.
func UpdateCanonical(ctx context.Context, tx *sql.Tx, c *models.Canonical) error {
	qms := c.Slots[models.SourceQMS]
	info := c.Slots[models.SourceInfoclinica]

	args := []any{nullString(c.LastName), nullString(c.FirstName), nullString(c.MiddleName), nullDate(c.BirthDate),
		nullInt(c.DocType), nullInt(c.DocNumber)}
	args = append(args, slotArgs(qms)...)
	args = append(args, slotArgs(info)...)
	args = append(args, string(c.PrimarySource), c.RegisteredViaMobile, c.MatchingLocked,
		nullTime(c.LockedAt), nullString(strOrEmptyPtr(c.LockReason)),
		c.UpdatedAt.Format(timestampLayout), c.CanonicalID)

	_, err := tx.ExecContext(ctx, `
		UPDATE canonical SET
			last_name = ?, first_name = ?, middle_name = ?, birth_date = ?,
			doc_type = ?, doc_number = ?,
			qms_his_number = ?, qms_contact_email = ?, qms_phone = ?, qms_his_password = ?, qms_login_email = ?,
			infoclinica_his_number = ?, infoclinica_contact_email = ?, infoclinica_phone = ?, infoclinica_his_password = ?, infoclinica_login_email = ?,
			primary_source = ?, registered_via_mobile = ?, matching_locked = ?, locked_at = ?, lock_reason = ?,
			updated_at = ?
		WHERE canonical_id = ?
	`, args...)
	if err != nil {
		if IsUniqueConstraintErr(err) {
			return &models.RetryableConflictError{HISNumber: firstHISNumber(c), Source: c.PrimarySource, Cause: err}
		}
		return fmt.Errorf("update canonical %s: %w", c.CanonicalID, err)
	}
	return nil
}

// DeleteCanonical removes the losing side of a merge. Callers MUST have
// already rewritten every referrer (cyclic-reference ordering).
func DeleteCanonical(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM canonical WHERE canonical_id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete canonical %s: %w", id, err)
	}
	return nil
}

func firstHISNumber(c *models.Canonical) string {
	if s := c.Slots[c.PrimarySource]; !s.Empty() {
		return s.HISNumber
	}
	return ""
}
