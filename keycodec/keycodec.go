// Package keycodec implements the branded identifiers and cell-key encoding
// that link the table helper's logical row model to the flat LWW store: a
// RowId and FieldId are validated at construction, never again, and a
// CellKey is their ':'-joined concatenation.
package keycodec

import (
	"crypto/rand"
	"fmt"
	"strings"

	"github.com/Leftium/epicenter-sub001/wserr"
)

// Separator is the single reserved character joining a RowId and FieldId
// into a CellKey. No branded identifier may contain it.
const Separator = ":"

// ActorId is an opaque identifier unique to one running client process. It
// is stable for the process lifetime and used as the LWW tiebreaker.
type ActorId string

// RowId is a branded, validated row identifier.
type RowId string

// FieldId is a branded, validated field identifier.
type FieldId string

// CellKey is "{RowId}:{FieldId}", the flat key stored in the LWW overlay.
type CellKey string

// RowPrefix is "{RowId}:", used for prefix scans when reconstructing a row.
type RowPrefix string

func validateComponent(s string) error {
	if s == "" {
		return fmt.Errorf("%w: empty identifier", wserr.ErrInvalidKey)
	}
	if strings.Contains(s, Separator) {
		return fmt.Errorf("%w: %q contains reserved separator %q", wserr.ErrInvalidKey, s, Separator)
	}
	return nil
}

// NewRowId validates and brands a row identifier.
func NewRowId(s string) (RowId, error) {
	if err := validateComponent(s); err != nil {
		return "", err
	}
	return RowId(s), nil
}

// NewFieldId validates and brands a field identifier.
//
// Reserved field names (_v, _order, _deletedAt, ...) are accepted here;
// forbidding them per-table is the schema system's job, not the codec's.
func NewFieldId(s string) (FieldId, error) {
	if err := validateComponent(s); err != nil {
		return "", err
	}
	return FieldId(s), nil
}

// NewCellKey constructs a CellKey from a row and field id.
func NewCellKey(row RowId, field FieldId) CellKey {
	return CellKey(string(row) + Separator + string(field))
}

// MustCellKey is NewCellKey with validating raw-string constructors; it
// panics on invalid input and is meant for call sites that already know
// their ids are well-formed (e.g. literal table field names in code).
func MustCellKey(rowID, fieldID string) CellKey {
	row, err := NewRowId(rowID)
	if err != nil {
		panic(err)
	}
	field, err := NewFieldId(fieldID)
	if err != nil {
		panic(err)
	}
	return NewCellKey(row, field)
}

// ParseCellKey splits a CellKey back into its row and field components. It
// fails if the separator is missing (the round-trip law in spec.md §8.3
// requires this split to be total on anything NewCellKey produced).
func ParseCellKey(key string) (RowId, FieldId, error) {
	idx := strings.Index(key, Separator)
	if idx < 0 {
		return "", "", fmt.Errorf("%w: cell key %q missing separator", wserr.ErrInvalidKey, key)
	}
	row := key[:idx]
	field := key[idx+1:]
	if row == "" || field == "" {
		return "", "", fmt.Errorf("%w: cell key %q has empty component", wserr.ErrInvalidKey, key)
	}
	return RowId(row), FieldId(field), nil
}

// NewRowPrefix builds the prefix used to scan all cells of a row.
func NewRowPrefix(row RowId) RowPrefix {
	return RowPrefix(string(row) + Separator)
}

// HasPrefix is a pure string-prefix check, kept as a named function so call
// sites read as intent ("does this key belong to this row") rather than a
// bare strings.HasPrefix call.
func HasPrefix(key string, prefix RowPrefix) bool {
	return strings.HasPrefix(key, string(prefix))
}

const rowIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
const rowIDLength = 12

// GenerateRowId draws a 12-character alphanumeric identifier from a
// cryptographically random alphabet, grounded on the teacher's token
// generation in auth/token.go (crypto/rand, not math/rand).
func GenerateRowId() (RowId, error) {
	buf := make([]byte, rowIDLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate row id: %w", err)
	}
	out := make([]byte, rowIDLength)
	for i, b := range buf {
		out[i] = rowIDAlphabet[int(b)%len(rowIDAlphabet)]
	}
	return RowId(out), nil
}
