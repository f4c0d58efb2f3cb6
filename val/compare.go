package val

import (
	"bytes"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// kindRank determines ordering across kinds. All numeric variants share
// one rank so that 2, 2.0 and 2dec compare as equal values.
func kindRank(v Value) int {
	switch v.(type) {
	case nil, NoneVal:
		return 0
	case NullVal:
		return 1
	case Bool:
		return 2
	case Int, Float, Decimal:
		return 3
	case String:
		return 4
	case Bytes:
		return 5
	case Datetime:
		return 6
	case Duration:
		return 7
	case Array:
		return 8
	case Object:
		return 9
	case Thing:
		return 10
	case Point:
		return 11
	default:
		return 12
	}
}

// Compare defines a total order over all values: first by kind rank,
// then by value within a kind. This is the order used for ORDER BY and
// for index key encoding.
func Compare(a, b Value) int {
	if a == nil {
		a = None
	}
	if b == nil {
		b = None
	}
	ra, rb := kindRank(a), kindRank(b)
	if ra != rb {
		return cmpInt(ra, rb)
	}
	switch av := a.(type) {
	case NoneVal, NullVal:
		return 0
	case Bool:
		bv := b.(Bool)
		if av == bv {
			return 0
		}
		if !av {
			return -1
		}
		return 1
	case Int, Float, Decimal:
		return CompareNumbers(a, b)
	case String:
		return strings.Compare(string(av), string(b.(String)))
	case Bytes:
		return bytes.Compare(av, b.(Bytes))
	case Datetime:
		return time.Time(av).Compare(time.Time(b.(Datetime)))
	case Duration:
		return cmpInt64(int64(av), int64(b.(Duration)))
	case Array:
		return compareArrays(av, b.(Array))
	case Object:
		return compareObjects(av, b.(Object))
	case Thing:
		bv := b.(Thing)
		if c := strings.Compare(av.Table, bv.Table); c != 0 {
			return c
		}
		return Compare(av.ID, bv.ID)
	case Point:
		bv := b.(Point)
		if c := cmpFloat(av.Longitude, bv.Longitude); c != 0 {
			return c
		}
		return cmpFloat(av.Latitude, bv.Latitude)
	default:
		return 0
	}
}

// CompareNumbers compares two numeric values across the int, float and
// decimal variants without losing precision.
func CompareNumbers(a, b Value) int {
	// Fast paths for same-variant comparisons.
	switch av := a.(type) {
	case Int:
		if bv, ok := b.(Int); ok {
			return cmpInt64(int64(av), int64(bv))
		}
	case Float:
		if bv, ok := b.(Float); ok {
			return cmpFloat(float64(av), float64(bv))
		}
	}
	da, na := numDecimal(a)
	db, nb := numDecimal(b)
	if na && nb { // both NaN
		return 0
	}
	if na {
		return -1 // NaN sorts before every other number
	}
	if nb {
		return 1
	}
	return da.Cmp(db)
}

func numDecimal(v Value) (d decimal.Decimal, nan bool) {
	switch v := v.(type) {
	case Int:
		return decimal.NewFromInt(int64(v)), false
	case Float:
		f := float64(v)
		if math.IsNaN(f) {
			return decimal.Decimal{}, true
		}
		if math.IsInf(f, 1) {
			return decimal.New(1, 400), false // beyond any float64
		}
		if math.IsInf(f, -1) {
			return decimal.New(-1, 400), false
		}
		return decimal.NewFromFloat(f), false
	case Decimal:
		return v.D, false
	default:
		return decimal.Decimal{}, false
	}
}

func compareArrays(a, b Array) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if c := Compare(a[i], b[i]); c != 0 {
			return c
		}
	}
	return cmpInt(len(a), len(b))
}

func compareObjects(a, b Object) int {
	ka, kb := a.Keys(), b.Keys()
	n := len(ka)
	if len(kb) < n {
		n = len(kb)
	}
	for i := 0; i < n; i++ {
		if c := strings.Compare(ka[i], kb[i]); c != 0 {
			return c
		}
		if c := Compare(a[ka[i]], b[kb[i]]); c != 0 {
			return c
		}
	}
	return cmpInt(len(ka), len(kb))
}

// Equal reports value equality under the same semantics as Compare.
func Equal(a, b Value) bool {
	return Compare(a, b) == 0
}

// Contains reports whether container a contains b: array membership,
// substring for strings, field presence for objects.
func Contains(a, b Value) bool {
	switch av := a.(type) {
	case Array:
		for _, el := range av {
			if Equal(el, b) {
				return true
			}
		}
		return false
	case String:
		if bv, ok := b.(String); ok {
			return strings.Contains(string(av), string(bv))
		}
		return false
	case Object:
		if bv, ok := b.(String); ok {
			_, found := av[string(bv)]
			return found
		}
		return false
	default:
		return false
	}
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	case a == b:
		return 0
	// NaN handling: NaN sorts before everything, two NaNs are equal.
	case math.IsNaN(a) && math.IsNaN(b):
		return 0
	case math.IsNaN(a):
		return -1
	default:
		return 1
	}
}
