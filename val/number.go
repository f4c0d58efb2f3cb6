package val

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// Arithmetic over the value model. Integer operations that would
// overflow int64 promote the result to the decimal variant instead of
// wrapping. Type mismatches return an error; callers in predicate
// position degrade that to NONE, callers in mutation position surface
// it as a statement failure.

func Add(a, b Value) (Value, error) {
	switch av := a.(type) {
	case Int:
		switch bv := b.(type) {
		case Int:
			sum := int64(av) + int64(bv)
			if (sum > int64(av)) != (int64(bv) > 0) {
				return Decimal{decimal.NewFromInt(int64(av)).Add(decimal.NewFromInt(int64(bv)))}, nil
			}
			return Int(sum), nil
		case Float:
			return Float(float64(av) + float64(bv)), nil
		case Decimal:
			return Decimal{decimal.NewFromInt(int64(av)).Add(bv.D)}, nil
		}
	case Float:
		switch bv := b.(type) {
		case Int:
			return Float(float64(av) + float64(bv)), nil
		case Float:
			return Float(float64(av) + float64(bv)), nil
		case Decimal:
			return Decimal{decimal.NewFromFloat(float64(av)).Add(bv.D)}, nil
		}
	case Decimal:
		if bd, ok := numDecimalStrict(b); ok {
			return Decimal{av.D.Add(bd)}, nil
		}
	case String:
		if bv, ok := b.(String); ok {
			return av + bv, nil
		}
	case Datetime:
		if bv, ok := b.(Duration); ok {
			return Datetime(time.Time(av).Add(time.Duration(bv))), nil
		}
	case Duration:
		switch bv := b.(type) {
		case Duration:
			return Duration(time.Duration(av) + time.Duration(bv)), nil
		case Datetime:
			return Datetime(time.Time(bv).Add(time.Duration(av))), nil
		}
	case Array:
		return append(append(Array{}, av...), b), nil
	}
	return nil, opErr("+", a, b)
}

func Sub(a, b Value) (Value, error) {
	switch av := a.(type) {
	case Int:
		switch bv := b.(type) {
		case Int:
			diff := int64(av) - int64(bv)
			if (diff < int64(av)) != (int64(bv) > 0) {
				return Decimal{decimal.NewFromInt(int64(av)).Sub(decimal.NewFromInt(int64(bv)))}, nil
			}
			return Int(diff), nil
		case Float:
			return Float(float64(av) - float64(bv)), nil
		case Decimal:
			return Decimal{decimal.NewFromInt(int64(av)).Sub(bv.D)}, nil
		}
	case Float:
		switch bv := b.(type) {
		case Int:
			return Float(float64(av) - float64(bv)), nil
		case Float:
			return Float(float64(av) - float64(bv)), nil
		case Decimal:
			return Decimal{decimal.NewFromFloat(float64(av)).Sub(bv.D)}, nil
		}
	case Decimal:
		if bd, ok := numDecimalStrict(b); ok {
			return Decimal{av.D.Sub(bd)}, nil
		}
	case Datetime:
		switch bv := b.(type) {
		case Duration:
			return Datetime(time.Time(av).Add(-time.Duration(bv))), nil
		case Datetime:
			return Duration(time.Time(av).Sub(time.Time(bv))), nil
		}
	case Duration:
		if bv, ok := b.(Duration); ok {
			return Duration(time.Duration(av) - time.Duration(bv)), nil
		}
	}
	return nil, opErr("-", a, b)
}

func Mul(a, b Value) (Value, error) {
	switch av := a.(type) {
	case Int:
		switch bv := b.(type) {
		case Int:
			if mulOverflows(int64(av), int64(bv)) {
				return Decimal{decimal.NewFromInt(int64(av)).Mul(decimal.NewFromInt(int64(bv)))}, nil
			}
			return Int(int64(av) * int64(bv)), nil
		case Float:
			return Float(float64(av) * float64(bv)), nil
		case Decimal:
			return Decimal{decimal.NewFromInt(int64(av)).Mul(bv.D)}, nil
		}
	case Float:
		switch bv := b.(type) {
		case Int:
			return Float(float64(av) * float64(bv)), nil
		case Float:
			return Float(float64(av) * float64(bv)), nil
		case Decimal:
			return Decimal{decimal.NewFromFloat(float64(av)).Mul(bv.D)}, nil
		}
	case Decimal:
		if bd, ok := numDecimalStrict(b); ok {
			return Decimal{av.D.Mul(bd)}, nil
		}
	}
	return nil, opErr("*", a, b)
}

func Div(a, b Value) (Value, error) {
	switch av := a.(type) {
	case Int:
		switch bv := b.(type) {
		case Int:
			if bv == 0 {
				return None, nil
			}
			if int64(av)%int64(bv) == 0 {
				return Int(int64(av) / int64(bv)), nil
			}
			return Float(float64(av) / float64(bv)), nil
		case Float:
			if bv == 0 {
				return None, nil
			}
			return Float(float64(av) / float64(bv)), nil
		case Decimal:
			if bv.D.IsZero() {
				return None, nil
			}
			return Decimal{decimal.NewFromInt(int64(av)).Div(bv.D)}, nil
		}
	case Float:
		switch bv := b.(type) {
		case Int:
			if bv == 0 {
				return None, nil
			}
			return Float(float64(av) / float64(bv)), nil
		case Float:
			if bv == 0 {
				return None, nil
			}
			return Float(float64(av) / float64(bv)), nil
		case Decimal:
			if bv.D.IsZero() {
				return None, nil
			}
			return Decimal{decimal.NewFromFloat(float64(av)).Div(bv.D)}, nil
		}
	case Decimal:
		if bd, ok := numDecimalStrict(b); ok {
			if bd.IsZero() {
				return None, nil
			}
			return Decimal{av.D.Div(bd)}, nil
		}
	}
	return nil, opErr("/", a, b)
}

func numDecimalStrict(v Value) (decimal.Decimal, bool) {
	switch v := v.(type) {
	case Int:
		return decimal.NewFromInt(int64(v)), true
	case Float:
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return decimal.Decimal{}, false
		}
		return decimal.NewFromFloat(f), true
	case Decimal:
		return v.D, true
	default:
		return decimal.Decimal{}, false
	}
}

func mulOverflows(a, b int64) bool {
	if a == 0 || b == 0 {
		return false
	}
	p := a * b
	return p/b != a || (a == -1 && b == math.MinInt64) || (b == -1 && a == math.MinInt64)
}

// ParseDecimal parses the canonical string form of a decimal value.
func ParseDecimal(s string) (Value, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("val: invalid decimal %q: %w", s, err)
	}
	return Decimal{d}, nil
}

// MustDecimal is ParseDecimal for literals known to be valid.
func MustDecimal(s string) Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return Decimal{d}
}

func opErr(op string, a, b Value) error {
	return fmt.Errorf("cannot apply %q to %s and %s", op, a.Kind(), b.Kind())
}
