package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/qms-infoclinica/ire/internal/models"
)

// ErrRawPatientNotFound is returned when a raw_patient lookup misses.
var ErrRawPatientNotFound = errors.New("raw patient not found")

const rawPatientColumns = `
	raw_id, his_number, source, business_unit,
	last_name, first_name, middle_name, birth_date,
	doc_type, doc_number,
	email, phone, his_password, login_email,
	canonical_id, processed_at, created_at`

func scanRawPatient(row interface{ Scan(...any) error }) (*models.RawPatient, error) {
	var (
		r                                   models.RawPatient
		businessUnit                        sql.NullString
		lastName, firstName, middleName     sql.NullString
		birthDate                           sql.NullString
		docType, docNumber                  sql.NullInt64
		email, phone, hisPassword, loginEml sql.NullString
		canonicalID                         sql.NullString
		processedAt                         sql.NullString
		createdAt                           string
		source                              string
	)
	err := row.Scan(
		&r.RawID, &r.HISNumber, &source, &businessUnit,
		&lastName, &firstName, &middleName, &birthDate,
		&docType, &docNumber,
		&email, &phone, &hisPassword, &loginEml,
		&canonicalID, &processedAt, &createdAt,
	)
	if err != nil {
		return nil, err
	}
	r.Source = models.Source(source)
	r.BusinessUnit = businessUnit.String
	r.LastName = stringOrNil(lastName)
	r.FirstName = stringOrNil(firstName)
	r.MiddleName = stringOrNil(middleName)
	if r.BirthDate, err = parseNullDate(birthDate); err != nil {
		return nil, err
	}
	r.DocType = intOrNil(docType)
	r.DocNumber = intOrNil(docNumber)
	r.Email = stringOrNil(email)
	r.Phone = stringOrNil(phone)
	r.HISPassword = stringOrNil(hisPassword)
	r.LoginEmail = stringOrNil(loginEml)
	r.CanonicalID = canonicalID.String
	if r.ProcessedAt, err = parseNullTime(processedAt); err != nil {
		return nil, err
	}
	_ = createdAt
	return &r, nil
}

// GetRawPatientByID returns the raw record with the given id.
func GetRawPatientByID(ctx context.Context, tx *sql.Tx, id string) (*models.RawPatient, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+rawPatientColumns+` FROM raw_patient WHERE raw_id = ?`, id)
	r, err := scanRawPatient(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRawPatientNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get raw patient %s: %w", id, err)
	}
	return r, nil
}

// InsertRawPatient stages a new raw record. canonical_id and processed_at
// must be null per the ingest contract; the IRE stamps them later.
func InsertRawPatient(ctx context.Context, tx *sql.Tx, r *models.RawPatient) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO raw_patient (`+rawPatientColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
	`,
		r.RawID, r.HISNumber, string(r.Source), nullString(strOrEmptyPtr(r.BusinessUnit)),
		nullString(r.LastName), nullString(r.FirstName), nullString(r.MiddleName), nullDate(r.BirthDate),
		nullInt(r.DocType), nullInt(r.DocNumber),
		nullString(r.Email), nullString(r.Phone), nullString(r.HISPassword), nullString(r.LoginEmail),
		nullString(strOrEmptyPtr(r.CanonicalID)), nullTime(r.ProcessedAt),
	)
	if err != nil {
		if IsUniqueConstraintErr(err) {
			return &models.RetryableConflictError{HISNumber: r.HISNumber, Source: r.Source, Cause: err}
		}
		return fmt.Errorf("insert raw patient %s: %w", r.RawID, err)
	}
	return nil
}

// StampRawProcessed records that the engine has seen this raw-record state:
// canonical_id is set to the resulting canonical and processed_at marks the
// moment of reconciliation.
func StampRawProcessed(ctx context.Context, tx *sql.Tx, rawID, canonicalID string, processedAt time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE raw_patient SET canonical_id = ?, processed_at = ? WHERE raw_id = ?
	`, canonicalID, processedAt.Format(timestampLayout), rawID)
	if err != nil {
		return fmt.Errorf("stamp raw patient %s: %w", rawID, err)
	}
	return nil
}

// FindLastProcessedRawPatient returns the most recently processed raw record
// for (source, hisNumber) other than excludeRawID, or nil if this HIS number
// has never been reconciled before. The IRE orchestrator uses this to tell
// a first-time arrival (insertion path, rules.Decide) apart from a
// re-emission of a previously reconciled record (update path,
// rules.DecideUpdate).
func FindLastProcessedRawPatient(ctx context.Context, tx *sql.Tx, source models.Source, hisNumber, excludeRawID string) (*models.RawPatient, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+rawPatientColumns+` FROM raw_patient
		WHERE source = ? AND his_number = ? AND raw_id != ? AND processed_at IS NOT NULL
		ORDER BY processed_at DESC
		LIMIT 1
	`, string(source), hisNumber, excludeRawID)
	r, err := scanRawPatient(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find last processed raw patient: %w", err)
	}
	return r, nil
}

// ListPendingRawPatients returns up to limit raw records awaiting
// reconciliation, oldest first, for the worker pool to claim.
func ListPendingRawPatients(ctx context.Context, db *sql.DB, limit int) ([]*models.RawPatient, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+rawPatientColumns+` FROM raw_patient
		WHERE processed_at IS NULL
		ORDER BY created_at ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending raw patients: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.RawPatient
	for rows.Next() {
		r, err := scanRawPatient(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending raw patient: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
