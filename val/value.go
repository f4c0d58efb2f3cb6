// Package val implements the dynamic value model shared by records,
// query inputs and query outputs: a closed tagged union over scalars,
// recursive containers and record references.
//
// Containers own their children by value, so cyclic values cannot be
// constructed. Object field order is not significant.
package val

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Kind uint8

const (
	KindNone Kind = iota
	KindNull
	KindBool
	KindNumber
	KindString
	KindBytes
	KindDatetime
	KindDuration
	KindArray
	KindObject
	KindThing
	KindGeometry
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindDatetime:
		return "datetime"
	case KindDuration:
		return "duration"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	case KindThing:
		return "thing"
	case KindGeometry:
		return "geometry"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Value is the closed union of everything the engine can store, filter
// on and return. Int, Float and Decimal are distinct variants but form
// a single comparison class (2 == 2.0).
type Value interface {
	Kind() Kind
	String() string
}

type (
	NoneVal struct{}
	NullVal struct{}

	Bool   bool
	Int    int64
	Float  float64
	String string
	Bytes  []byte

	Datetime time.Time
	Duration time.Duration

	Array  []Value
	Object map[string]Value

	// Point is the geometry variant (longitude, latitude).
	Point struct {
		Longitude float64
		Latitude  float64
	}
)

// Decimal is an arbitrary-precision number variant. Integer arithmetic
// that overflows int64 promotes into this type instead of wrapping.
type Decimal struct {
	D decimal.Decimal
}

// Thing is a (table, id) record reference. It addresses a record but
// does not keep it alive; a dangling Thing is a valid value.
type Thing struct {
	Table string
	ID    Value
}

var (
	None = NoneVal{}
	Null = NullVal{}
)

func (NoneVal) Kind() Kind  { return KindNone }
func (NullVal) Kind() Kind  { return KindNull }
func (Bool) Kind() Kind     { return KindBool }
func (Int) Kind() Kind      { return KindNumber }
func (Float) Kind() Kind    { return KindNumber }
func (Decimal) Kind() Kind  { return KindNumber }
func (String) Kind() Kind   { return KindString }
func (Bytes) Kind() Kind    { return KindBytes }
func (Datetime) Kind() Kind { return KindDatetime }
func (Duration) Kind() Kind { return KindDuration }
func (Array) Kind() Kind    { return KindArray }
func (Object) Kind() Kind   { return KindObject }
func (Thing) Kind() Kind    { return KindThing }
func (Point) Kind() Kind    { return KindGeometry }

func (NoneVal) String() string { return "NONE" }
func (NullVal) String() string { return "NULL" }

func (v Bool) String() string {
	if v {
		return "true"
	}
	return "false"
}

func (v Int) String() string   { return strconv.FormatInt(int64(v), 10) }
func (v Float) String() string { return strconv.FormatFloat(float64(v), 'g', -1, 64) }

func (v Decimal) String() string { return v.D.String() + "dec" }

func (v String) String() string { return strconv.Quote(string(v)) }
func (v Bytes) String() string  { return fmt.Sprintf("b\"%x\"", []byte(v)) }

func (v Datetime) String() string { return time.Time(v).UTC().Format(time.RFC3339Nano) }
func (v Duration) String() string { return time.Duration(v).String() }

func (v Array) String() string {
	var buf strings.Builder
	buf.WriteByte('[')
	for i, el := range v {
		if i > 0 {
			buf.WriteString(", ")
		}
		buf.WriteString(el.String())
	}
	buf.WriteByte(']')
	return buf.String()
}

func (v Object) String() string {
	keys := v.Keys()
	var buf strings.Builder
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteString(", ")
		}
		buf.WriteString(k)
		buf.WriteString(": ")
		buf.WriteString(v[k].String())
	}
	buf.WriteByte('}')
	return buf.String()
}

func (v Thing) String() string {
	if id, ok := v.ID.(String); ok && isPlainID(string(id)) {
		return v.Table + ":" + string(id)
	}
	return v.Table + ":" + v.ID.String()
}

func (v Point) String() string {
	return fmt.Sprintf("(%s, %s)",
		strconv.FormatFloat(v.Longitude, 'g', -1, 64),
		strconv.FormatFloat(v.Latitude, 'g', -1, 64))
}

func isPlainID(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		ok := r == '_' || (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
		if !ok {
			return false
		}
	}
	return true
}

// Keys returns the object's field names in sorted order.
func (v Object) Keys() []string {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Copy returns a deep copy of v. Scalars are returned as is.
func Copy(v Value) Value {
	switch v := v.(type) {
	case Array:
		out := make(Array, len(v))
		for i, el := range v {
			out[i] = Copy(el)
		}
		return out
	case Object:
		out := make(Object, len(v))
		for k, el := range v {
			out[k] = Copy(el)
		}
		return out
	case Bytes:
		out := make(Bytes, len(v))
		copy(out, v)
		return out
	case Thing:
		return Thing{Table: v.Table, ID: Copy(v.ID)}
	case nil:
		return None
	default:
		return v
	}
}

// NewThing returns a Thing with a freshly generated opaque id.
func NewThing(table string) Thing {
	return Thing{Table: table, ID: NewID()}
}

// NewID generates an opaque record id, unique per call.
func NewID() String {
	u := uuid.New()
	return String(fmt.Sprintf("%x", u[:10]))
}

// IsNone reports whether v is absent (nil or NONE).
func IsNone(v Value) bool {
	if v == nil {
		return true
	}
	_, ok := v.(NoneVal)
	return ok
}

// IsNullish reports whether v is NONE or NULL.
func IsNullish(v Value) bool {
	if IsNone(v) {
		return true
	}
	_, ok := v.(NullVal)
	return ok
}

// Truthy reports whether v evaluates as true in a boolean context.
// NONE, NULL, false, zero numbers and empty containers are falsy.
func Truthy(v Value) bool {
	switch v := v.(type) {
	case nil, NoneVal, NullVal:
		return false
	case Bool:
		return bool(v)
	case Int:
		return v != 0
	case Float:
		return v != 0
	case Decimal:
		return !v.D.IsZero()
	case String:
		return v != ""
	case Bytes:
		return len(v) > 0
	case Array:
		return len(v) > 0
	case Object:
		return len(v) > 0
	case Duration:
		return v != 0
	default:
		return true
	}
}
