package models

import "time"

// Source identifies one of the configured Hospital Information Systems.
type Source string

// Supported sources. Adding a third HIS means adding a slot column set in
// the canonical schema and a case here — the Referrers Registry and
// matching rules are source-agnostic past this point.
const (
	SourceQMS         Source = "qms"
	SourceInfoclinica Source = "infoclinica"
)

// Valid reports whether s is one of the configured sources.
func (s Source) Valid() bool {
	return s == SourceQMS || s == SourceInfoclinica
}

// MatchType labels the rule that produced a reconciliation decision. Written
// verbatim to match_log and never reused for a different meaning once an
// audit entry exists with it.
type MatchType string

const (
	MatchTypeNewNoDoc         MatchType = "NEW_NO_DOC"
	MatchTypeNewWithDoc       MatchType = "NEW_WITH_DOC"
	MatchTypeUpdatedExisting  MatchType = "UPDATED_EXISTING"
	MatchTypeMatchedDocument  MatchType = "MATCHED_DOCUMENT"
	MatchTypeMobileAppNew     MatchType = "MOBILE_APP_NEW"
	MatchTypeMobileAppUpdate  MatchType = "MOBILE_APP_UPDATE"
	MatchTypeMergedOnUpdate   MatchType = "MERGED_ON_UPDATE"
	MatchTypeRegularUpdate    MatchType = "REGULAR_UPDATE"
	MatchTypeLockedSkip       MatchType = "LOCKED_SKIP"
)

// DecisionKind is the outcome of the Matching Rules evaluation.
type DecisionKind string

const (
	DecisionUseExisting DecisionKind = "USE_EXISTING"
	DecisionCreate       DecisionKind = "CREATE"
	DecisionMerge        DecisionKind = "MERGE"
	DecisionLockedSkip   DecisionKind = "LOCKED_SKIP"
)

// SourceSlot is the per-HIS contact/credential bundle carried on a canonical
// patient. A slot is either entirely empty or carries at least HISNumber.
type SourceSlot struct {
	HISNumber   string `json:"his_number,omitempty"`
	ContactEmail string `json:"contact_email,omitempty"`
	Phone       string `json:"phone,omitempty"`
	HISPassword string `json:"his_password,omitempty"`
	LoginEmail  string `json:"login_email,omitempty"`
}

// Empty reports whether the slot carries no HIS number at all.
func (s SourceSlot) Empty() bool {
	return s.HISNumber == ""
}

// DocumentPair is the government identity key. Both fields are set or both
// are absent — never one without the other.
type DocumentPair struct {
	DocType   *int `json:"doc_type,omitempty"`
	DocNumber *int `json:"doc_number,omitempty"`
}

// Present reports whether both halves of the pair are set.
func (d DocumentPair) Present() bool {
	return d.DocType != nil && d.DocNumber != nil
}

// Equal reports whether two document pairs denote the same identity key.
// Two absent pairs are not considered equal for matching purposes (callers
// must check Present() before comparing).
func (d DocumentPair) Equal(o DocumentPair) bool {
	if d.DocType == nil || o.DocType == nil || d.DocNumber == nil || o.DocNumber == nil {
		return false
	}
	return *d.DocType == *o.DocType && *d.DocNumber == *o.DocNumber
}

// Demographics holds the nullable demographic fields shared by raw records
// and canonicals.
type Demographics struct {
	LastName   *string    `json:"last_name,omitempty"`
	FirstName  *string    `json:"first_name,omitempty"`
	MiddleName *string    `json:"middle_name,omitempty"`
	BirthDate  *time.Time `json:"birth_date,omitempty"`
}

// Canonical is the single deduplicated record for one real person.
type Canonical struct {
	CanonicalID   string `json:"canonical_id"`
	Demographics
	DocumentPair
	Slots               map[Source]SourceSlot `json:"slots"`
	PrimarySource       Source                `json:"primary_source"`
	RegisteredViaMobile bool                  `json:"registered_via_mobile"`
	MatchingLocked      bool                  `json:"matching_locked"`
	LockedAt            *time.Time            `json:"locked_at,omitempty"`
	LockReason          string                `json:"lock_reason,omitempty"`
	CreatedAt           time.Time             `json:"created_at"`
	UpdatedAt           time.Time             `json:"updated_at"`
}

// Slot returns the slot for source s, empty if never populated.
func (c *Canonical) Slot(s Source) SourceSlot {
	if c.Slots == nil {
		return SourceSlot{}
	}
	return c.Slots[s]
}

// RawPatient is a per-source snapshot delivered by an adapter.
type RawPatient struct {
	RawID        string `json:"raw_id"`
	HISNumber    string `json:"his_number"`
	Source       Source `json:"source"`
	BusinessUnit string `json:"business_unit,omitempty"`
	Demographics
	DocumentPair
	Email       *string    `json:"email,omitempty"`
	Phone       *string    `json:"phone,omitempty"`
	HISPassword *string    `json:"his_password,omitempty"`
	LoginEmail  *string    `json:"login_email,omitempty"`
	CanonicalID string     `json:"canonical_id,omitempty"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

// Validate enforces the raw-record schema invariants from the ingest
// contract. Violations are InvalidRaw, not StorageFailure.
func (r *RawPatient) Validate() error {
	if r.HISNumber == "" {
		return &InvalidRawError{RawID: r.RawID, Reason: "his_number is required"}
	}
	if !r.Source.Valid() {
		return &InvalidRawError{RawID: r.RawID, Reason: "source is not a configured HIS"}
	}
	if (r.DocType == nil) != (r.DocNumber == nil) {
		return &InvalidRawError{RawID: r.RawID, Reason: "doc_type and doc_number must both be set or both be null"}
	}
	return nil
}

// MobilePrereg is a placeholder created when a user self-registers via the
// mobile app before either HIS has produced a record.
type MobilePrereg struct {
	PreregID        string    `json:"prereg_id"`
	CanonicalID     string    `json:"canonical_id"`
	HISNumberQMS    string    `json:"his_number_qms,omitempty"`
	HISNumberInfo   string    `json:"his_number_infoclinica,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// HISNumberFor returns the pre-registered HIS number for source s, if any.
func (m *MobilePrereg) HISNumberFor(s Source) string {
	switch s {
	case SourceQMS:
		return m.HISNumberQMS
	case SourceInfoclinica:
		return m.HISNumberInfo
	default:
		return ""
	}
}

// MatchLogDetails is the structured payload carried by every match-log entry.
type MatchLogDetails struct {
	IsMobileMatch      bool   `json:"is_mobile_match"`
	HasDocument        bool   `json:"has_document"`
	LoserCanonicalID   string `json:"loser_canonical_id,omitempty"`
	WinnerCanonicalID  string `json:"winner_canonical_id,omitempty"`
	Note               string `json:"note,omitempty"`
}

// MatchLogEntry is an append-only audit record of a single reconciliation
// decision.
type MatchLogEntry struct {
	EntryID                 string          `json:"entry_id"`
	HISNumber               string          `json:"his_number"`
	Source                  Source          `json:"source"`
	Timestamp               time.Time       `json:"timestamp"`
	MatchType               MatchType       `json:"match_type"`
	DocNumber               *int            `json:"doc_number,omitempty"`
	CreatedNewCanonical     bool            `json:"created_new_canonical"`
	MobilePreregCanonicalID string          `json:"mobile_prereg_canonical_id,omitempty"`
	ResultingCanonicalID    string          `json:"resulting_canonical_id"`
	Details                 MatchLogDetails `json:"details"`
}

// Decision is the pure output of the Matching Rules for one raw record.
type Decision struct {
	Kind         DecisionKind
	MatchType    MatchType
	CanonicalID  string // target for USE_EXISTING/CREATE; winner for MERGE
	LoserID      string // only set for MERGE
	IsMobileMatch bool
}
