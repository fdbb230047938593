package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/qms-infoclinica/ire/internal/models"
)

// dateLayout is the on-disk text format for birth_date and other date-only
// columns: SQLite has no native date type, so dates are stored as ISO-8601
// strings and parsed at the scan boundary.
const dateLayout = "2006-01-02"
const timestampLayout = time.RFC3339

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(timestampLayout), Valid: true}
}

func nullDate(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(dateLayout), Valid: true}
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := time.Parse(timestampLayout, ns.String)
	if err != nil {
		return nil, fmt.Errorf("parse timestamp %q: %w", ns.String, err)
	}
	return &t, nil
}

func parseNullDate(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := time.Parse(dateLayout, ns.String)
	if err != nil {
		return nil, fmt.Errorf("parse date %q: %w", ns.String, err)
	}
	return &t, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringOrNil(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func nullInt(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}

func intOrNil(ni sql.NullInt64) *int {
	if !ni.Valid {
		return nil
	}
	v := int(ni.Int64)
	return &v
}

// slotColumns carries the five per-source columns in a fixed order, used both
// to build SELECT/UPDATE column lists and to scan results back into a
// models.SourceSlot.
type slotColumns struct {
	hisNumber, contactEmail, phone, hisPassword, loginEmail sql.NullString
}

func (c slotColumns) toSlot() models.SourceSlot {
	return models.SourceSlot{
		HISNumber:    c.hisNumber.String,
		ContactEmail: c.contactEmail.String,
		Phone:        c.phone.String,
		HISPassword:  c.hisPassword.String,
		LoginEmail:   c.loginEmail.String,
	}
}

func slotArgs(s models.SourceSlot) []any {
	return []any{
		nullString(strOrEmptyPtr(s.HISNumber)),
		nullString(strOrEmptyPtr(s.ContactEmail)),
		nullString(strOrEmptyPtr(s.Phone)),
		nullString(strOrEmptyPtr(s.HISPassword)),
		nullString(strOrEmptyPtr(s.LoginEmail)),
	}
}

// strOrEmptyPtr returns nil for an empty string so empty slot fields are
// stored as SQL NULL rather than "", keeping the partial unique index on
// his_number meaningful (NULL is excluded, "" would not be).
func strOrEmptyPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
