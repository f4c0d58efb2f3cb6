package val

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// Order-preserving binary encoding of values, used wherever a value
// participates in a key: record ids, index entries, range bounds.
// The unsigned lexicographic order of encoded bytes matches Compare.
//
// Layout: one tag byte per variant (tags ascend in kind-rank order),
// then a self-delimiting payload. Variable-length payloads use
// 0x00-terminated segments with 0x00 escaped as 0x00 0xFF, so a
// segment that is a proper prefix of another sorts first and a prefix
// scan never leaks into a sibling ("table1" vs "table10").
//
// Numbers of all three variants share one tag and are keyed primarily
// by a sortable float64 approximation so that 2, 2.0 and 2dec sort
// together; an exact per-variant payload follows for lossless decode.
// Within one float64 class the variant byte breaks ties, so numbers of
// different variants never encode equal even when Compare says they
// are: Int(2) and Float(2) occupy distinct keys (and distinct
// unique-index slots), and values distinguishable only beyond float64
// precision byte-sort by variant rather than by Compare. Decode must
// return the original variant, which rules out canonicalizing across
// variants.

const (
	oTerm   = 0x00
	oEscape = 0xFF

	oNone     = 0x02
	oNull     = 0x03
	oFalse    = 0x04
	oTrue     = 0x05
	oNumber   = 0x10
	oString   = 0x20
	oBytes    = 0x28
	oDatetime = 0x30
	oDuration = 0x38
	oArray    = 0x40
	oObject   = 0x48
	oThing    = 0x50
	oPoint    = 0x58

	numInt     = 0x01
	numFloat   = 0x02
	numDec     = 0x03
)

// EncodeOrdered returns the order-preserving encoding of v.
func EncodeOrdered(v Value) []byte {
	return AppendOrdered(nil, v)
}

// AppendOrdered appends the order-preserving encoding of v to buf.
func AppendOrdered(buf []byte, v Value) []byte {
	switch v := v.(type) {
	case nil, NoneVal:
		return append(buf, oNone)
	case NullVal:
		return append(buf, oNull)
	case Bool:
		if v {
			return append(buf, oTrue)
		}
		return append(buf, oFalse)
	case Int:
		buf = append(buf, oNumber)
		buf = appendSortableFloat(buf, float64(v))
		buf = append(buf, numInt)
		return appendSortableInt(buf, int64(v))
	case Float:
		buf = append(buf, oNumber)
		buf = appendSortableFloat(buf, float64(v))
		buf = append(buf, numFloat)
		return appendSortableFloat(buf, float64(v))
	case Decimal:
		f, _ := v.D.Float64()
		buf = append(buf, oNumber)
		buf = appendSortableFloat(buf, f)
		buf = append(buf, numDec)
		return AppendSegment(buf, []byte(v.D.String()))
	case String:
		buf = append(buf, oString)
		return AppendSegment(buf, []byte(v))
	case Bytes:
		buf = append(buf, oBytes)
		return AppendSegment(buf, v)
	case Datetime:
		t := time.Time(v)
		buf = append(buf, oDatetime)
		buf = appendSortableInt(buf, t.Unix())
		return binary.BigEndian.AppendUint32(buf, uint32(t.Nanosecond()))
	case Duration:
		buf = append(buf, oDuration)
		return appendSortableInt(buf, int64(v))
	case Array:
		buf = append(buf, oArray)
		for _, el := range v {
			buf = AppendOrdered(buf, el)
		}
		return append(buf, oTerm)
	case Object:
		buf = append(buf, oObject)
		for _, k := range v.Keys() {
			buf = AppendSegment(buf, []byte(k))
			buf = AppendOrdered(buf, v[k])
		}
		return append(buf, oTerm)
	case Thing:
		buf = append(buf, oThing)
		buf = AppendSegment(buf, []byte(v.Table))
		return AppendOrdered(buf, v.ID)
	case Point:
		buf = append(buf, oPoint)
		buf = appendSortableFloat(buf, v.Longitude)
		return appendSortableFloat(buf, v.Latitude)
	default:
		panic(fmt.Errorf("val: cannot order-encode %T", v))
	}
}

// DecodeOrdered decodes one value from the front of buf and returns
// the remaining bytes.
func DecodeOrdered(buf []byte) (Value, []byte, error) {
	if len(buf) == 0 {
		return nil, nil, fmt.Errorf("val: empty ordered encoding")
	}
	tag, rest := buf[0], buf[1:]
	switch tag {
	case oNone:
		return None, rest, nil
	case oNull:
		return Null, rest, nil
	case oFalse:
		return Bool(false), rest, nil
	case oTrue:
		return Bool(true), rest, nil
	case oNumber:
		if len(rest) < 9 {
			return nil, nil, fmt.Errorf("val: truncated number encoding")
		}
		variant := rest[8]
		rest = rest[9:]
		switch variant {
		case numInt:
			if len(rest) < 8 {
				return nil, nil, fmt.Errorf("val: truncated int encoding")
			}
			return Int(decodeSortableInt(rest[:8])), rest[8:], nil
		case numFloat:
			if len(rest) < 8 {
				return nil, nil, fmt.Errorf("val: truncated float encoding")
			}
			return Float(decodeSortableFloat(rest[:8])), rest[8:], nil
		case numDec:
			seg, rest, err := TakeSegment(rest)
			if err != nil {
				return nil, nil, err
			}
			d, err := decimal.NewFromString(string(seg))
			if err != nil {
				return nil, nil, fmt.Errorf("val: invalid decimal payload: %w", err)
			}
			return Decimal{d}, rest, nil
		default:
			return nil, nil, fmt.Errorf("val: unknown number variant 0x%02x", variant)
		}
	case oString:
		seg, rest, err := TakeSegment(rest)
		if err != nil {
			return nil, nil, err
		}
		return String(seg), rest, nil
	case oBytes:
		seg, rest, err := TakeSegment(rest)
		if err != nil {
			return nil, nil, err
		}
		return Bytes(seg), rest, nil
	case oDatetime:
		if len(rest) < 12 {
			return nil, nil, fmt.Errorf("val: truncated datetime encoding")
		}
		sec := decodeSortableInt(rest[:8])
		nsec := binary.BigEndian.Uint32(rest[8:12])
		return Datetime(time.Unix(sec, int64(nsec)).UTC()), rest[12:], nil
	case oDuration:
		if len(rest) < 8 {
			return nil, nil, fmt.Errorf("val: truncated duration encoding")
		}
		return Duration(decodeSortableInt(rest[:8])), rest[8:], nil
	case oArray:
		arr := Array{}
		for {
			if len(rest) == 0 {
				return nil, nil, fmt.Errorf("val: unterminated array encoding")
			}
			if rest[0] == oTerm {
				return arr, rest[1:], nil
			}
			var el Value
			var err error
			el, rest, err = DecodeOrdered(rest)
			if err != nil {
				return nil, nil, err
			}
			arr = append(arr, el)
		}
	case oObject:
		obj := Object{}
		for {
			if len(rest) == 0 {
				return nil, nil, fmt.Errorf("val: unterminated object encoding")
			}
			if rest[0] == oTerm {
				return obj, rest[1:], nil
			}
			key, r, err := TakeSegment(rest)
			if err != nil {
				return nil, nil, err
			}
			el, r, err := DecodeOrdered(r)
			if err != nil {
				return nil, nil, err
			}
			obj[string(key)] = el
			rest = r
		}
	case oThing:
		tb, rest, err := TakeSegment(rest)
		if err != nil {
			return nil, nil, err
		}
		id, rest, err := DecodeOrdered(rest)
		if err != nil {
			return nil, nil, err
		}
		return Thing{Table: string(tb), ID: id}, rest, nil
	case oPoint:
		if len(rest) < 16 {
			return nil, nil, fmt.Errorf("val: truncated point encoding")
		}
		return Point{
			Longitude: decodeSortableFloat(rest[:8]),
			Latitude:  decodeSortableFloat(rest[8:16]),
		}, rest[16:], nil
	default:
		return nil, nil, fmt.Errorf("val: unknown ordered tag 0x%02x", tag)
	}
}

// AppendSegment writes a 0x00-terminated byte segment, escaping
// embedded 0x00 as 0x00 0xFF.
func AppendSegment(buf, seg []byte) []byte {
	for _, b := range seg {
		if b == oTerm {
			buf = append(buf, oTerm, oEscape)
		} else {
			buf = append(buf, b)
		}
	}
	return append(buf, oTerm)
}

func TakeSegment(buf []byte) (seg, rest []byte, err error) {
	for i := 0; i < len(buf); i++ {
		if buf[i] != oTerm {
			seg = append(seg, buf[i])
			continue
		}
		if i+1 < len(buf) && buf[i+1] == oEscape {
			seg = append(seg, oTerm)
			i++
			continue
		}
		return seg, buf[i+1:], nil
	}
	return nil, nil, fmt.Errorf("val: unterminated segment")
}

// appendSortableInt writes an int64 as 8 big-endian bytes with the
// sign bit flipped, so unsigned byte order matches signed order.
func appendSortableInt(buf []byte, v int64) []byte {
	return binary.BigEndian.AppendUint64(buf, uint64(v)^(1<<63))
}

func decodeSortableInt(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b) ^ (1 << 63))
}

// appendSortableFloat writes a float64 whose byte order matches its
// numeric order: positive values get the sign bit set, negative values
// get all bits inverted. NaN is canonicalized and sorts first.
func appendSortableFloat(buf []byte, f float64) []byte {
	var bits uint64
	if math.IsNaN(f) {
		bits = 0 // below every ordered float pattern
	} else {
		bits = math.Float64bits(f)
		if bits&(1<<63) != 0 {
			bits = ^bits
		} else {
			bits |= 1 << 63
		}
	}
	return binary.BigEndian.AppendUint64(buf, bits)
}

func decodeSortableFloat(b []byte) float64 {
	bits := binary.BigEndian.Uint64(b)
	if bits == 0 {
		return math.NaN()
	}
	if bits&(1<<63) != 0 {
		bits &^= 1 << 63
	} else {
		bits = ^bits
	}
	return math.Float64frombits(bits)
}
