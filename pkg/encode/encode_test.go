package encode

import (
	"strconv"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string {
	return &s
}

func TestClassify(t *testing.T) {
	tests := []struct {
		sqlType string
		def     *string
		want    Column
	}{
		{"int(11)", nil, Column{Kind: Integer, Default: "NULL"}},
		{"bigint(20) unsigned", strPtr("0"), Column{Kind: Integer, Default: "0"}},
		{"TINYINT(1)", strPtr(""), Column{Kind: Integer, Default: "NULL"}},
		{"integer", nil, Column{Kind: Integer, Default: "NULL"}},
		{"varbinary(16)", nil, Column{Kind: Binary}},
		{"longblob", nil, Column{Kind: Binary}},
		{"bit(5)", nil, Column{Kind: Bit, Bits: 5}},
		{"bit", nil, Column{Kind: Bit, Bits: 1}},
		{"varchar(191)", strPtr("x"), Column{Kind: Text}},
		{"datetime", nil, Column{Kind: Text}},
		{"point", nil, Column{Kind: Text}},
	}
	for _, tt := range tests {
		t.Run(tt.sqlType, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.sqlType, tt.def))
		})
	}
}

func TestEncodeInteger(t *testing.T) {
	col := Classify("int(11)", strPtr("7"))
	assert.Equal(t, "42", col.Encode([]byte("42"), true))
	assert.Equal(t, "-3", col.Encode([]byte("-3"), true))
	assert.Equal(t, "7", col.Encode(nil, false))
	assert.Equal(t, "7", col.Encode([]byte{}, true))

	noDefault := Classify("bigint", nil)
	assert.Equal(t, "NULL", noDefault.Encode(nil, false))
	assert.Equal(t, "NULL", noDefault.Encode([]byte(""), true))
}

func TestEncodeBinaryKeepsLeadingZeroBytes(t *testing.T) {
	col := Classify("varbinary(3)", nil)
	assert.Equal(t, "0x0000FF", col.Encode([]byte{0x00, 0x00, 0xff}, true))
	assert.Equal(t, "0x00", col.Encode([]byte{0x00}, true))
	assert.Equal(t, "0xDEADBEEF", col.Encode([]byte{0xde, 0xad, 0xbe, 0xef}, true))
	assert.Equal(t, "''", col.Encode([]byte{}, true))
	assert.Equal(t, "NULL", col.Encode(nil, false))
}

func TestEncodeBit(t *testing.T) {
	bit5 := Classify("bit(5)", nil)
	assert.Equal(t, "b'00101'", bit5.Encode([]byte{0x05}, true))
	assert.Equal(t, "b'11111'", bit5.Encode([]byte{0x1f}, true))
	assert.Equal(t, "b'00000'", bit5.Encode([]byte{0x00}, true))
	assert.Equal(t, "NULL", bit5.Encode(nil, false))

	bit13 := Classify("bit(13)", nil)
	assert.Equal(t, "b'1000000000001'", bit13.Encode([]byte{0x10, 0x01}, true))
	assert.Equal(t, "b'0000011111111'", bit13.Encode([]byte{0x00, 0xff}, true))

	// Multi-byte payloads that are not valid UTF-8 are read byte by byte.
	bit16 := Classify("bit(16)", nil)
	assert.Equal(t, "b'1100001110101000'", bit16.Encode([]byte{0xc3, 0xa8}, true))
	assert.Equal(t, "b'1111111111111111'", bit16.Encode([]byte{0xff, 0xff}, true))
}

func TestEncodeText(t *testing.T) {
	col := Classify("varchar(255)", nil)
	assert.Equal(t, `'O\'Brien'`, col.Encode([]byte("O'Brien"), true))
	assert.Equal(t, `'a\\b'`, col.Encode([]byte(`a\b`), true))
	assert.Equal(t, `'\\\''`, col.Encode([]byte(`\'`), true))
	assert.Equal(t, `'x\0y\nz\r\Z'`, col.Encode([]byte("x\x00y\nz\r\x1a"), true))
	assert.Equal(t, `''`, col.Encode([]byte{}, true))
	assert.Equal(t, "NULL", col.Encode(nil, false))
}

// unescape reverses Escape the way a MySQL client parses a quoted literal.
func unescape(t *testing.T, s string) []byte {
	t.Helper()
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' {
			out = append(out, s[i])

			continue
		}
		i++
		require.Less(t, i, len(s), "dangling backslash in %q", s)
		switch s[i] {
		case '0':
			out = append(out, 0x00)
		case 'n':
			out = append(out, '\n')
		case 'r':
			out = append(out, '\r')
		case 'Z':
			out = append(out, 0x1a)
		default:
			out = append(out, s[i])
		}
	}

	return out
}

func TestEncodeProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	text := Classify("longtext", nil)
	properties.Property("text literal unescapes to the raw bytes", prop.ForAll(
		func(raw []byte) bool {
			lit := text.Encode(raw, true)
			if !strings.HasPrefix(lit, "'") || !strings.HasSuffix(lit, "'") || len(lit) < 2 {
				return false
			}

			return string(unescape(t, lit[1:len(lit)-1])) == string(raw)
		},
		gen.SliceOf(gen.UInt8()),
	))

	properties.Property("text literal has no bare quote or control byte", prop.ForAll(
		func(raw []byte) bool {
			body := Escape(raw)
			for i := 0; i < len(body); i++ {
				switch body[i] {
				case '\\':
					i++
				case '\'', 0x00, '\n', '\r', 0x1a:
					return false
				}
			}

			return true
		},
		gen.SliceOf(gen.UInt8()),
	))

	bin := Classify("blob", nil)
	properties.Property("binary literal has two hex digits per byte", prop.ForAll(
		func(raw []byte) bool {
			if len(raw) == 0 {
				return bin.Encode(raw, true) == "''"
			}

			return len(bin.Encode(raw, true)) == 2+2*len(raw)
		},
		gen.SliceOf(gen.UInt8()),
	))

	properties.Property("bit literal has exactly the declared width", prop.ForAll(
		func(bits int, v uint64) bool {
			if bits < 64 {
				v &= 1<<uint(bits) - 1
			}
			raw := make([]byte, (bits+7)/8)
			for i := len(raw) - 1; i >= 0; i-- {
				raw[i] = byte(v)
				v >>= 8
			}
			lit := Classify("bit("+strconv.Itoa(bits)+")", nil).Encode(raw, true)

			return len(lit) == bits+3
		},
		gen.IntRange(1, 64),
		gen.UInt64(),
	))

	properties.Property("encoding is deterministic", prop.ForAll(
		func(raw []byte) bool {
			return text.Encode(raw, true) == text.Encode(append([]byte(nil), raw...), true)
		},
		gen.SliceOf(gen.UInt8()),
	))

	properties.TestingRun(t)
}
