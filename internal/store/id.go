package store

import (
	"fmt"

	"github.com/google/uuid"
)

// generatePrefixedID creates a globally unique ID in the format:
//
//	{prefix}_{uuid}
//
// The prefix names the entity kind (can, raw, preg, ent, dl, proto) so IDs
// are self-describing in logs and dead_letter rows without a join back to
// their owning table.
func generatePrefixedID(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, uuid.NewString())
}

// NewCanonicalID returns a new canonical_id.
func NewCanonicalID() string { return generatePrefixedID("can") }

// NewRawID returns a new raw_patient.raw_id.
func NewRawID() string { return generatePrefixedID("raw") }

// NewPreregID returns a new mobile_prereg.prereg_id.
func NewPreregID() string { return generatePrefixedID("preg") }

// NewMatchLogEntryID returns a new match_log.entry_id.
func NewMatchLogEntryID() string { return generatePrefixedID("ent") }

// NewDeadLetterID returns a new dead_letter.dead_letter_id.
func NewDeadLetterID() string { return generatePrefixedID("dl") }

// NewProtocolID returns a new protocols.protocol_id.
func NewProtocolID() string { return generatePrefixedID("proto") }
