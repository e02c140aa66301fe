package interfaces

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// RecordID identifies a record for its whole lifetime.
type RecordID uuid.UUID

// VersionID identifies one immutable version of a record. Never reused.
type VersionID uuid.UUID

// InstanceID identifies one running deployment of the storage service.
type InstanceID uuid.UUID

// NewRecordID generates a random record identifier.
func NewRecordID() RecordID { return RecordID(uuid.New()) }

// NewVersionID generates a random version identifier.
func NewVersionID() VersionID { return VersionID(uuid.New()) }

// NewInstanceID generates a random instance identifier.
func NewInstanceID() InstanceID { return InstanceID(uuid.New()) }

// parseCanonicalUUID accepts only the lowercase hyphenated 36-character form,
// so that every identifier has exactly one text representation.
func parseCanonicalUUID(kind, s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s id %q: %w", kind, s, err)
	}
	if id.String() != s {
		return uuid.Nil, fmt.Errorf("invalid %s id %q: not in canonical form %q", kind, s, id.String())
	}
	return id, nil
}

func ParseRecordID(s string) (RecordID, error) {
	id, err := parseCanonicalUUID("record", s)
	return RecordID(id), err
}

func ParseVersionID(s string) (VersionID, error) {
	id, err := parseCanonicalUUID("version", s)
	return VersionID(id), err
}

func ParseInstanceID(s string) (InstanceID, error) {
	id, err := parseCanonicalUUID("instance", s)
	return InstanceID(id), err
}

// String returns the canonical UUID text form.
func (id RecordID) String() string { return uuid.UUID(id).String() }

// Hex returns the 32-character lowercase hex form without separators.
func (id RecordID) Hex() string { return strings.ReplaceAll(id.String(), "-", "") }

// IsZero reports whether the identifier is the nil UUID.
func (id RecordID) IsZero() bool { return uuid.UUID(id) == uuid.Nil }

func (id RecordID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *RecordID) UnmarshalText(b []byte) error {
	parsed, err := ParseRecordID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func (id VersionID) String() string { return uuid.UUID(id).String() }

func (id VersionID) IsZero() bool { return uuid.UUID(id) == uuid.Nil }

func (id VersionID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *VersionID) UnmarshalText(b []byte) error {
	parsed, err := ParseVersionID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func (id InstanceID) String() string { return uuid.UUID(id).String() }

func (id InstanceID) IsZero() bool { return uuid.UUID(id) == uuid.Nil }

func (id InstanceID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *InstanceID) UnmarshalText(b []byte) error {
	parsed, err := ParseInstanceID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
