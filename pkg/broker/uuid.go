package broker

import (
	"fmt"

	huuid "github.com/hashicorp/go-uuid"
)

// UUID identifies a DEK record: the 16 raw bytes stored in a key
// document's _id field.
type UUID [16]byte

// String renders the canonical 8-4-4-4-12 hex form.
func (u UUID) String() string {
	b := u[:]
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:16])
}

// ParseUUID decodes a 16-byte slice (as stored in a BSON binary subtype 4
// field) into a UUID.
func ParseUUID(b []byte) (UUID, error) {
	var u UUID
	if len(b) != 16 {
		return u, fmt.Errorf("UUID must be exactly 16 bytes, got %d", len(b))
	}
	copy(u[:], b)
	return u, nil
}

// ParseUUIDString decodes a canonical dashed hex UUID string, delegating
// the format check to hashicorp/go-uuid which the rest of this module
// already depends on transitively via go-kms-wrapping.
func ParseUUIDString(s string) (UUID, error) {
	raw, err := huuid.ParseUUID(s)
	if err != nil {
		return UUID{}, fmt.Errorf("invalid UUID %q: %w", s, err)
	}
	return ParseUUID(raw)
}

// NewRandomUUID generates a new random UUID, used by callers constructing
// test fixtures or new DEKs outside the core's own responsibility (the
// core never chooses DEKs, per spec §1).
func NewRandomUUID() (UUID, error) {
	s, err := huuid.GenerateUUID()
	if err != nil {
		return UUID{}, err
	}
	return ParseUUIDString(s)
}
