// Package id defines TypeID-based identity types for all Entitle entities.
//
// Every entity uses a single ID struct whose prefix names the entity kind.
// IDs are K-sortable (UUIDv7-based), globally unique and URL-safe in the
// format "prefix_suffix".
package id

import (
	"database/sql/driver"
	"fmt"

	"go.jetify.com/typeid/v2"
)

// Prefix identifies the entity type encoded in a TypeID.
type Prefix string

// Prefix constants for all Entitle entity types.
const (
	PrefixPlan        Prefix = "plan" // Package plan
	PrefixEntitlement Prefix = "upkg" // User package (entitlement)
	PrefixVoucher     Prefix = "gc"   // Gift card voucher
	PrefixSnapshot    Prefix = "snap" // History snapshot
	PrefixSession     Prefix = "sess" // Session record
)

// ID is the primary identifier type for all Entitle entities.
//
//nolint:recvcheck // Value receivers for read-only methods, pointer receivers for UnmarshalText/Scan.
type ID struct {
	inner typeid.TypeID
	valid bool
}

// Nil is the zero-value ID.
var Nil ID

// New generates a new globally unique ID with the given prefix.
// It panics if prefix is not a valid TypeID prefix (programming error).
func New(prefix Prefix) ID {
	tid, err := typeid.Generate(string(prefix))
	if err != nil {
		panic(fmt.Sprintf("id: invalid prefix %q: %v", prefix, err))
	}

	return ID{inner: tid, valid: true}
}

// Parse parses a TypeID string (e.g. "upkg_01h2xcejqtf2nbrexx3vqjhp41").
func Parse(s string) (ID, error) {
	if s == "" {
		return Nil, fmt.Errorf("id: parse %q: empty string", s)
	}

	tid, err := typeid.Parse(s)
	if err != nil {
		return Nil, fmt.Errorf("id: parse %q: %w", s, err)
	}

	return ID{inner: tid, valid: true}, nil
}

// ParseWithPrefix parses a TypeID string and checks its prefix.
func ParseWithPrefix(s string, expected Prefix) (ID, error) {
	parsed, err := Parse(s)
	if err != nil {
		return Nil, err
	}

	if parsed.Prefix() != expected {
		return Nil, fmt.Errorf("id: expected prefix %q, got %q", expected, parsed.Prefix())
	}

	return parsed, nil
}

// MustParse is like Parse but panics on error.
func MustParse(s string) ID {
	parsed, err := Parse(s)
	if err != nil {
		panic(fmt.Sprintf("id: must parse %q: %v", s, err))
	}

	return parsed
}

// PlanID identifies a package plan (prefix: "plan").
type PlanID = ID

// EntitlementID identifies a user package (prefix: "upkg").
type EntitlementID = ID

// VoucherID identifies a gift card voucher (prefix: "gc").
type VoucherID = ID

// SnapshotID identifies a history snapshot (prefix: "snap").
type SnapshotID = ID

// SessionID identifies a session record (prefix: "sess").
type SessionID = ID

// NewPlanID generates a new unique plan ID.
func NewPlanID() ID { return New(PrefixPlan) }

// NewEntitlementID generates a new unique entitlement ID.
func NewEntitlementID() ID { return New(PrefixEntitlement) }

// NewVoucherID generates a new unique voucher ID.
func NewVoucherID() ID { return New(PrefixVoucher) }

// NewSnapshotID generates a new unique snapshot ID.
func NewSnapshotID() ID { return New(PrefixSnapshot) }

// NewSessionID generates a new unique session ID.
func NewSessionID() ID { return New(PrefixSession) }

// ParsePlanID parses a string and validates the "plan" prefix.
func ParsePlanID(s string) (ID, error) { return ParseWithPrefix(s, PrefixPlan) }

// ParseEntitlementID parses a string and validates the "upkg" prefix.
func ParseEntitlementID(s string) (ID, error) { return ParseWithPrefix(s, PrefixEntitlement) }

// ParseVoucherID parses a string and validates the "gc" prefix.
func ParseVoucherID(s string) (ID, error) { return ParseWithPrefix(s, PrefixVoucher) }

// ParseSnapshotID parses a string and validates the "snap" prefix.
func ParseSnapshotID(s string) (ID, error) { return ParseWithPrefix(s, PrefixSnapshot) }

// ParseSessionID parses a string and validates the "sess" prefix.
func ParseSessionID(s string) (ID, error) { return ParseWithPrefix(s, PrefixSession) }

// ParseOptional parses s when non-empty and returns Nil for "".
// Storage backends use it for nullable link columns.
func ParseOptional(s string) (ID, error) {
	if s == "" {
		return Nil, nil
	}
	return Parse(s)
}

// String returns the full TypeID string, or "" for the Nil ID.
func (i ID) String() string {
	if !i.valid {
		return ""
	}

	return i.inner.String()
}

// Prefix returns the prefix component of this ID.
func (i ID) Prefix() Prefix {
	if !i.valid {
		return ""
	}

	return Prefix(i.inner.Prefix())
}

// IsNil reports whether this ID is the zero value.
func (i ID) IsNil() bool {
	return !i.valid
}

// Equal reports whether two IDs are the same. Two Nil IDs are equal.
func (i ID) Equal(other ID) bool {
	return i.String() == other.String()
}

// MarshalText implements encoding.TextMarshaler.
func (i ID) MarshalText() ([]byte, error) {
	if !i.valid {
		return []byte{}, nil
	}

	return []byte(i.inner.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (i *ID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*i = Nil

		return nil
	}

	parsed, err := Parse(string(data))
	if err != nil {
		return err
	}

	*i = parsed

	return nil
}

// Value implements driver.Valuer. The Nil ID is stored as NULL.
func (i ID) Value() (driver.Value, error) {
	if !i.valid {
		return nil, nil //nolint:nilnil // nil is the canonical NULL for driver.Valuer
	}

	return i.inner.String(), nil
}

// Scan implements sql.Scanner.
func (i *ID) Scan(src any) error {
	if src == nil {
		*i = Nil

		return nil
	}

	switch v := src.(type) {
	case string:
		if v == "" {
			*i = Nil

			return nil
		}

		return i.UnmarshalText([]byte(v))
	case []byte:
		if len(v) == 0 {
			*i = Nil

			return nil
		}

		return i.UnmarshalText(v)
	default:
		return fmt.Errorf("id: cannot scan %T into ID", src)
	}
}
