// Package encode turns raw column values into SQL literals for INSERT statements.
package encode

import (
	"encoding/hex"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

type Kind int

const (
	Text Kind = iota
	Integer
	Binary
	Bit
)

func (k Kind) String() string {
	switch k {
	case Text:
		return "text"
	case Integer:
		return "integer"
	case Binary:
		return "binary"
	case Bit:
		return "bit"
	}

	return "unknown"
}

var (
	integerTypes = []string{"tinyint", "smallint", "mediumint", "int", "integer", "bigint"}
	binaryTypes  = []string{"binary", "varbinary", "tinyblob", "mediumblob", "blob", "longblob"}
	bitType      = regexp.MustCompile(`^bit(?:\((\d+)\))?`)
)

// Column is the encoding plan for one column. It is computed once per table
// from the declared type and reused for every row.
type Column struct {
	Kind Kind
	// Bits is the declared width of a BIT column.
	Bits int
	// Default is the literal used for NULL or empty integer values.
	Default string
}

// Classify builds the encoding plan for a column with the given declared SQL
// type and default. A nil default means the column has no default.
func Classify(sqlType string, def *string) Column {
	t := strings.ToLower(strings.TrimSpace(sqlType))
	if m := bitType.FindStringSubmatch(t); m != nil {
		bits := 1
		if m[1] != "" {
			if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
				bits = n
			}
		}

		return Column{Kind: Bit, Bits: bits}
	}
	base := baseType(t)
	if slices.Contains(integerTypes, base) {
		col := Column{Kind: Integer, Default: "NULL"}
		if def != nil && *def != "" {
			col.Default = *def
		}

		return col
	}
	if slices.Contains(binaryTypes, base) {
		return Column{Kind: Binary}
	}

	return Column{Kind: Text}
}

// baseType strips the width and attributes, so "int(11) unsigned" is "int".
func baseType(t string) string {
	if i := strings.IndexAny(t, "( "); i >= 0 {
		return t[:i]
	}

	return t
}

// Encode returns the SQL literal for one raw value. valid is false for NULL.
func (c Column) Encode(raw []byte, valid bool) string {
	switch c.Kind {
	case Integer:
		return encodeInteger(c.Default, raw, valid)
	case Binary:
		return encodeBinary(raw, valid)
	case Bit:
		return encodeBit(c.Bits, raw, valid)
	}

	return encodeText(raw, valid)
}

func encodeInteger(def string, raw []byte, valid bool) string {
	v := string(raw)
	if !valid || v == "" {
		v = def
	}
	if v == "" {
		return "''"
	}

	return v
}

func encodeBinary(raw []byte, valid bool) string {
	if !valid {
		return "NULL"
	}
	if len(raw) == 0 {
		return "''"
	}
	// Two nibbles per byte, so leading zero bytes survive.
	return "0x" + strings.ToUpper(hex.EncodeToString(raw))
}

func encodeBit(bits int, raw []byte, valid bool) string {
	if !valid {
		return "NULL"
	}
	var sb strings.Builder
	for _, b := range raw {
		s := strconv.FormatUint(uint64(b), 2)
		sb.WriteString(strings.Repeat("0", 8-len(s)))
		sb.WriteString(s)
	}
	digits := sb.String()
	for len(digits) > bits && digits[0] == '0' {
		digits = digits[1:]
	}
	if len(digits) < bits {
		digits = strings.Repeat("0", bits-len(digits)) + digits
	}

	return "b'" + digits + "'"
}

func encodeText(raw []byte, valid bool) string {
	if !valid {
		return "NULL"
	}

	return "'" + Escape(raw) + "'"
}

// Escape escapes backslash, single quote, NUL, LF, CR and Ctrl-Z. The scan is
// a single pass over the input, so the backslashes it emits are never
// escaped a second time.
func Escape(raw []byte) string {
	var sb strings.Builder
	sb.Grow(len(raw) + 8)
	for _, b := range raw {
		switch b {
		case '\\':
			sb.WriteString(`\\`)
		case '\'':
			sb.WriteString(`\'`)
		case 0x00:
			sb.WriteString(`\0`)
		case '\n':
			sb.WriteString(`\n`)
		case '\r':
			sb.WriteString(`\r`)
		case 0x1a:
			sb.WriteString(`\Z`)
		default:
			sb.WriteByte(b)
		}
	}

	return sb.String()
}
