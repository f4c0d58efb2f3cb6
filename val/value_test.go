package val

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCompareMixedNumbers(t *testing.T) {
	require.Zero(t, Compare(Int(2), Float(2.0)))
	require.Zero(t, Compare(Int(2), MustDecimal("2")))
	require.Zero(t, Compare(Float(2.5), MustDecimal("2.5")))
	require.Negative(t, Compare(Int(2), Float(2.5)))
	require.Positive(t, Compare(MustDecimal("10"), Float(9.99)))

	// Beyond float64 precision: decimals still compare exactly.
	require.Negative(t, Compare(MustDecimal("1.00000000000000000001"), MustDecimal("1.00000000000000000002")))
}

func TestCompareAcrossKinds(t *testing.T) {
	// None < Null < Bool < Number < String.
	seq := []Value{None, Null, Bool(true), Int(99), String("a")}
	for i := 0; i < len(seq)-1; i++ {
		require.Negative(t, Compare(seq[i], seq[i+1]), "%s vs %s", seq[i], seq[i+1])
	}
	require.Zero(t, Compare(nil, None))
}

func TestIntOverflowPromotes(t *testing.T) {
	sum, err := Add(Int(math.MaxInt64), Int(1))
	require.NoError(t, err)
	require.IsType(t, Decimal{}, sum)
	require.Zero(t, Compare(sum, MustDecimal("9223372036854775808")))

	prod, err := Mul(Int(math.MaxInt64), Int(2))
	require.NoError(t, err)
	require.IsType(t, Decimal{}, prod)

	diff, err := Sub(Int(math.MinInt64), Int(1))
	require.NoError(t, err)
	require.IsType(t, Decimal{}, diff)
}

func TestArithmetic(t *testing.T) {
	got, err := Add(Int(2), Int(3))
	require.NoError(t, err)
	require.Equal(t, Int(5), got)

	got, err = Add(String("ab"), String("cd"))
	require.NoError(t, err)
	require.Equal(t, String("abcd"), got)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	got, err = Add(Datetime(base), Duration(time.Hour))
	require.NoError(t, err)
	require.Equal(t, Datetime(base.Add(time.Hour)), got)

	got, err = Div(Int(7), Int(2))
	require.NoError(t, err)
	require.Equal(t, Float(3.5), got)

	got, err = Div(Int(7), Int(0))
	require.NoError(t, err)
	require.Equal(t, None, got)

	_, err = Add(Int(1), Bool(true))
	require.Error(t, err)
}

func TestPick(t *testing.T) {
	doc := Object{
		"name": String("jaime"),
		"addr": Object{"city": String("lisbon")},
		"tags": Array{
			Object{"name": String("js")},
			Object{"name": String("go")},
		},
	}
	require.Equal(t, String("jaime"), Pick(doc, ParsePath("name")))
	require.Equal(t, String("lisbon"), Pick(doc, ParsePath("addr.city")))
	require.Equal(t, None, Pick(doc, ParsePath("missing")))
	require.Equal(t, None, Pick(doc, ParsePath("name.deeper")))

	// A field path over an array maps across the elements.
	require.Zero(t, Compare(Array{String("js"), String("go")}, Pick(doc, ParsePath("tags.name"))))
	require.Equal(t, String("js"), Pick(doc, ParsePath("tags.0.name")))
}

func TestPut(t *testing.T) {
	doc := Object{"a": Int(1)}
	got := Put(doc, ParsePath("b.c"), Int(2))
	require.Zero(t, Compare(Object{"a": Int(1), "b": Object{"c": Int(2)}}, got))
	// Original is untouched.
	require.Zero(t, Compare(Object{"a": Int(1)}, doc))

	got = Put(got, ParsePath("a"), None)
	require.Zero(t, Compare(Object{"b": Object{"c": Int(2)}}, got))
}

func TestTruthy(t *testing.T) {
	require.False(t, Truthy(None))
	require.False(t, Truthy(Null))
	require.False(t, Truthy(Int(0)))
	require.False(t, Truthy(String("")))
	require.True(t, Truthy(Int(-1)))
	require.True(t, Truthy(String("x")))
	require.True(t, Truthy(Thing{Table: "a", ID: String("b")}))
}

func TestNewIDUnique(t *testing.T) {
	seen := make(map[String]bool)
	for i := 0; i < 1000; i++ {
		id := NewID()
		require.Len(t, string(id), 20)
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestThingString(t *testing.T) {
	require.Equal(t, "person:jaime", Thing{Table: "person", ID: String("jaime")}.String())
	require.Equal(t, `person:"weird id"`, Thing{Table: "person", ID: String("weird id")}.String())
	require.Equal(t, "person:42", Thing{Table: "person", ID: Int(42)}.String())
}

func TestContains(t *testing.T) {
	arr := Array{Int(1), String("x")}
	require.True(t, Contains(arr, Int(1)))
	require.True(t, Contains(arr, Float(1))) // value-equivalent
	require.False(t, Contains(arr, Int(2)))
	require.True(t, Contains(String("hello"), String("ell")))
	require.True(t, Contains(Object{"k": Null}, String("k")))
	require.False(t, Contains(Int(1), Int(1)))
}
