// Package cursor holds the resumption marker of a table dump.
package cursor

import (
	"errors"
	"fmt"
	"strconv"
)

type Kind int

const (
	Start Kind = iota
	Offset
	PrimaryKey
)

func (k Kind) String() string {
	switch k {
	case Start:
		return "start"
	case Offset:
		return "offset"
	case PrimaryKey:
		return "primary-key"
	}

	return "unknown"
}

// Mode is how a table is paginated. It is fixed for the whole dump of a table.
type Mode int

const (
	ModeOffset Mode = iota
	ModePrimaryKey
)

func (m Mode) String() string {
	if m == ModePrimaryKey {
		return "primary-key"
	}

	return "offset"
}

const (
	TagPrimaryKey = "r"
	TagOffset     = "o"
)

var ErrInvalid = errors.New("invalid cursor")

// Cursor is Start, Offset(n) or PrimaryKey(n).
type Cursor struct {
	Kind  Kind
	Value int64
}

func NewStart() Cursor {
	return Cursor{Kind: Start}
}

func NewOffset(n int64) Cursor {
	return Cursor{Kind: Offset, Value: n}
}

func NewPrimaryKey(n int64) Cursor {
	return Cursor{Kind: PrimaryKey, Value: n}
}

// FromLegacy maps a cursor written by the untagged naming scheme to an offset.
// The old scheme counted in blocks of 1000 rows shifted by 100.
func FromLegacy(n int64) Cursor {
	return NewOffset((n + 100) * 1000)
}

func (c Cursor) IsStart() bool {
	return c.Kind == Start
}

// Mode reports the pagination mode a non-start cursor belongs to.
func (c Cursor) Mode() (Mode, bool) {
	switch c.Kind {
	case Offset:
		return ModeOffset, true
	case PrimaryKey:
		return ModePrimaryKey, true
	}

	return ModeOffset, false
}

// Less orders cursors of the same kind numerically. Start sorts first.
func (c Cursor) Less(o Cursor) bool {
	if c.Kind != o.Kind {
		return c.Kind < o.Kind
	}

	return c.Value < o.Value
}

// Tag renders the cursor as it appears in a fragment file name.
func (c Cursor) Tag() (string, error) {
	switch c.Kind {
	case Offset:
		return TagOffset + strconv.FormatInt(c.Value, 10), nil
	case PrimaryKey:
		return TagPrimaryKey + strconv.FormatInt(c.Value, 10), nil
	}

	return "", fmt.Errorf("%w: %s cursor has no tag", ErrInvalid, c.Kind)
}

// ParseTag parses the cursor part of a fragment file name. legacy is true for
// the untagged form, which has already been migrated to an offset.
func ParseTag(s string) (c Cursor, legacy bool, err error) {
	if s == "" {
		return Cursor{}, false, fmt.Errorf("%w: empty tag", ErrInvalid)
	}
	kind := Offset
	switch s[0] {
	case TagPrimaryKey[0]:
		kind = PrimaryKey
		s = s[1:]
	case TagOffset[0]:
		s = s[1:]
	default:
		legacy = true
	}
	if s == "" || (s[0] != '-' && (s[0] < '0' || s[0] > '9')) {
		return Cursor{}, false, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return Cursor{}, false, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if legacy {
		return FromLegacy(n), true, nil
	}

	return Cursor{Kind: kind, Value: n}, false, nil
}

func (c Cursor) String() string {
	if c.Kind == Start {
		return "start"
	}

	return fmt.Sprintf("%s(%d)", c.Kind, c.Value)
}
