package val

import (
	"bytes"
	"math"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func allVariants() []Value {
	return []Value{
		None,
		Null,
		Bool(false),
		Bool(true),
		Int(-42),
		Int(0),
		Int(42),
		Int(math.MinInt64),
		Int(math.MaxInt64),
		Float(-1.5),
		Float(0),
		Float(2.5),
		Float(math.Inf(-1)),
		Float(math.Inf(1)),
		Float(math.NaN()),
		MustDecimal("3.14159265358979323846264338327950288"),
		MustDecimal("-0.000000000000000001"),
		String(""),
		String("hello"),
		String("with\x00null"),
		Bytes{},
		Bytes{0x00, 0xFF, 0x00},
		Datetime(time.Date(2024, 3, 1, 12, 30, 0, 123456789, time.UTC)),
		Datetime(time.Unix(-1000, 0).UTC()),
		Duration(90 * time.Second),
		Duration(-time.Hour),
		Array{},
		Array{Int(1), String("two"), Array{Bool(true)}},
		Object{},
		Object{"a": Int(1), "nested": Object{"b": Null}},
		Thing{Table: "person", ID: String("jaime")},
		Thing{Table: "person", ID: Array{String("uk"), Int(7)}},
		Point{Longitude: -0.118092, Latitude: 51.509865},
	}
}

func TestOrderedRoundTrip(t *testing.T) {
	for _, v := range allVariants() {
		enc := EncodeOrdered(v)
		got, rest, err := DecodeOrdered(enc)
		require.NoError(t, err, "decoding %s", v)
		require.Empty(t, rest, "trailing bytes after %s", v)
		if f, ok := v.(Float); ok && math.IsNaN(float64(f)) {
			require.True(t, math.IsNaN(float64(got.(Float))))
			continue
		}
		require.Equal(t, 0, Compare(v, got), "%s round-tripped as %s", v, got)
	}
}

func TestOrderedPreservesCompare(t *testing.T) {
	vs := allVariants()
	for _, a := range vs {
		for _, b := range vs {
			c := Compare(a, b)
			bc := bytes.Compare(EncodeOrdered(a), EncodeOrdered(b))
			if c < 0 {
				require.Negative(t, bc, "%s < %s but bytes disagree", a, b)
			} else if c > 0 {
				require.Positive(t, bc, "%s > %s but bytes disagree", a, b)
			}
		}
	}
}

func TestOrderedNumericClassSortsTogether(t *testing.T) {
	vs := []Value{Int(3), Float(1.5), MustDecimal("2.25"), Int(-7), Float(0)}
	encs := make([][]byte, len(vs))
	for i, v := range vs {
		encs[i] = EncodeOrdered(v)
	}
	sort.Slice(vs, func(i, j int) bool { return CompareNumbers(vs[i], vs[j]) < 0 })
	sort.Slice(encs, func(i, j int) bool { return bytes.Compare(encs[i], encs[j]) < 0 })
	for i, v := range vs {
		got, _, err := DecodeOrdered(encs[i])
		require.NoError(t, err)
		require.Zero(t, CompareNumbers(v, got), "position %d: %s vs %s", i, v, got)
	}
}

// Numbers that compare equal across variants still encode to distinct
// keys, with the variant byte breaking the tie. Decode preserves the
// variant, so the encoding cannot collapse 2 and 2.0 into one key.
func TestOrderedNumericVariantTieBreak(t *testing.T) {
	i, f, d := EncodeOrdered(Int(2)), EncodeOrdered(Float(2)), EncodeOrdered(MustDecimal("2"))
	require.Zero(t, Compare(Int(2), Float(2)))
	require.Negative(t, bytes.Compare(i, f))
	require.Negative(t, bytes.Compare(f, d))

	got, _, err := DecodeOrdered(f)
	require.NoError(t, err)
	require.IsType(t, Float(0), got)
}

func TestOrderedPrefixSafety(t *testing.T) {
	// A scan over the encoding of "table1" must never match "table10".
	a := AppendSegment(nil, []byte("table1"))
	b := AppendSegment(nil, []byte("table10"))
	require.False(t, bytes.HasPrefix(b, a))
	require.Negative(t, bytes.Compare(a, b))

	// Embedded zero bytes must not open prefix holes either.
	c := AppendSegment(nil, []byte("a"))
	d := AppendSegment(nil, []byte("a\x00b"))
	require.False(t, bytes.HasPrefix(d, c))
	require.Negative(t, bytes.Compare(c, d))
}

func TestOrderedArrayPrefixSortsFirst(t *testing.T) {
	a := EncodeOrdered(Array{Int(1)})
	b := EncodeOrdered(Array{Int(1), Int(2)})
	require.Negative(t, bytes.Compare(a, b))
}

func TestDecodeOrderedErrors(t *testing.T) {
	_, _, err := DecodeOrdered(nil)
	require.Error(t, err)
	_, _, err = DecodeOrdered([]byte{0xEE})
	require.Error(t, err)
	_, _, err = DecodeOrdered([]byte{oString, 'a'}) // unterminated
	require.Error(t, err)
	_, _, err = DecodeOrdered([]byte{oArray, oNone}) // unterminated array
	require.Error(t, err)
}
