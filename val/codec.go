package val

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/klauspost/compress/s2"
	"github.com/vmihailenco/msgpack/v5"
)

// Stored record format: a small uvarint header (format flags), then a
// msgpack payload. Each value is framed as a short msgpack array of
// [kind, payload...] so the dynamic union decodes unambiguously. Large
// payloads are transparently s2-compressed behind a header flag.
//
// This is the on-disk representation; it must stay decodable across
// versions for backward-compatible reads of existing data.

type storedFlags uint64

const (
	sfVerBit0 = storedFlags(1 << iota)
	sfVerBit1
	sfVerBit2
	sfVerBit3
	sfCompressionBit0

	sfVerMask       = sfVerBit0 | sfVerBit1 | sfVerBit2 | sfVerBit3
	sfVer1          = sfVerBit0
	sfS2            = sfCompressionBit0
	sfSupportedMask = sfVer1 | sfS2
)

// compressThreshold is the payload size beyond which stored values are
// s2-compressed.
const compressThreshold = 4096

// EncodeStored serializes v into the stored record format.
func EncodeStored(v Value) ([]byte, error) {
	var body bytes.Buffer
	enc := msgpack.NewEncoder(&body)
	if err := encodeFramed(enc, v); err != nil {
		return nil, err
	}

	flags := sfVer1
	payload := body.Bytes()
	if len(payload) > compressThreshold {
		flags |= sfS2
		payload = s2.Encode(nil, payload)
	}

	buf := make([]byte, 0, binary.MaxVarintLen64+len(payload))
	buf = binary.AppendUvarint(buf, uint64(flags))
	return append(buf, payload...), nil
}

// DecodeStored deserializes a value previously produced by EncodeStored.
func DecodeStored(data []byte) (Value, error) {
	f, n := binary.Uvarint(data)
	if n <= 0 {
		return nil, fmt.Errorf("val: invalid stored value: bad flags")
	}
	flags := storedFlags(f)
	if flags&^sfSupportedMask != 0 {
		return nil, fmt.Errorf("val: invalid stored value: unsupported flags %x", f)
	}
	if flags&sfVerMask != sfVer1 {
		return nil, fmt.Errorf("val: invalid stored value: unsupported format version")
	}
	payload := data[n:]
	if flags&sfS2 != 0 {
		var err error
		payload, err = s2.Decode(nil, payload)
		if err != nil {
			return nil, fmt.Errorf("val: decompressing stored value: %w", err)
		}
	}
	dec := msgpack.NewDecoder(bytes.NewReader(payload))
	return decodeFramed(dec)
}

func encodeFramed(enc *msgpack.Encoder, v Value) error {
	switch v := v.(type) {
	case nil, NoneVal:
		return frame1(enc, KindNone)
	case NullVal:
		return frame1(enc, KindNull)
	case Bool:
		if err := frame2(enc, KindBool); err != nil {
			return err
		}
		return enc.EncodeBool(bool(v))
	case Int:
		if err := frameN(enc, KindNumber, 3); err != nil {
			return err
		}
		if err := enc.EncodeUint8(0); err != nil {
			return err
		}
		return enc.EncodeInt(int64(v))
	case Float:
		if err := frameN(enc, KindNumber, 3); err != nil {
			return err
		}
		if err := enc.EncodeUint8(1); err != nil {
			return err
		}
		return enc.EncodeFloat64(float64(v))
	case Decimal:
		if err := frameN(enc, KindNumber, 3); err != nil {
			return err
		}
		if err := enc.EncodeUint8(2); err != nil {
			return err
		}
		return enc.EncodeString(v.D.String())
	case String:
		if err := frame2(enc, KindString); err != nil {
			return err
		}
		return enc.EncodeString(string(v))
	case Bytes:
		if err := frame2(enc, KindBytes); err != nil {
			return err
		}
		return enc.EncodeBytes(v)
	case Datetime:
		if err := frame2(enc, KindDatetime); err != nil {
			return err
		}
		return enc.EncodeTime(time.Time(v))
	case Duration:
		if err := frame2(enc, KindDuration); err != nil {
			return err
		}
		return enc.EncodeInt(int64(v))
	case Array:
		if err := frame2(enc, KindArray); err != nil {
			return err
		}
		if err := enc.EncodeArrayLen(len(v)); err != nil {
			return err
		}
		for _, el := range v {
			if err := encodeFramed(enc, el); err != nil {
				return err
			}
		}
		return nil
	case Object:
		if err := frame2(enc, KindObject); err != nil {
			return err
		}
		if err := enc.EncodeMapLen(len(v)); err != nil {
			return err
		}
		for _, k := range v.Keys() {
			if err := enc.EncodeString(k); err != nil {
				return err
			}
			if err := encodeFramed(enc, v[k]); err != nil {
				return err
			}
		}
		return nil
	case Thing:
		if err := frameN(enc, KindThing, 3); err != nil {
			return err
		}
		if err := enc.EncodeString(v.Table); err != nil {
			return err
		}
		return encodeFramed(enc, v.ID)
	case Point:
		if err := frameN(enc, KindGeometry, 3); err != nil {
			return err
		}
		if err := enc.EncodeFloat64(v.Longitude); err != nil {
			return err
		}
		return enc.EncodeFloat64(v.Latitude)
	default:
		return fmt.Errorf("val: cannot serialize %T", v)
	}
}

func decodeFramed(dec *msgpack.Decoder) (Value, error) {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, fmt.Errorf("val: invalid stored value frame: %w", err)
	}
	if n < 1 {
		return nil, fmt.Errorf("val: empty stored value frame")
	}
	k, err := dec.DecodeUint8()
	if err != nil {
		return nil, fmt.Errorf("val: invalid stored value kind: %w", err)
	}
	switch Kind(k) {
	case KindNone:
		return None, expectLen(n, 1)
	case KindNull:
		return Null, expectLen(n, 1)
	case KindBool:
		if err := expectLen(n, 2); err != nil {
			return nil, err
		}
		b, err := dec.DecodeBool()
		return Bool(b), err
	case KindNumber:
		if err := expectLen(n, 3); err != nil {
			return nil, err
		}
		variant, err := dec.DecodeUint8()
		if err != nil {
			return nil, err
		}
		switch variant {
		case 0:
			i, err := dec.DecodeInt64()
			return Int(i), err
		case 1:
			f, err := dec.DecodeFloat64()
			return Float(f), err
		case 2:
			s, err := dec.DecodeString()
			if err != nil {
				return nil, err
			}
			return ParseDecimal(s)
		default:
			return nil, fmt.Errorf("val: unknown stored number variant %d", variant)
		}
	case KindString:
		if err := expectLen(n, 2); err != nil {
			return nil, err
		}
		s, err := dec.DecodeString()
		return String(s), err
	case KindBytes:
		if err := expectLen(n, 2); err != nil {
			return nil, err
		}
		b, err := dec.DecodeBytes()
		return Bytes(b), err
	case KindDatetime:
		if err := expectLen(n, 2); err != nil {
			return nil, err
		}
		t, err := dec.DecodeTime()
		return Datetime(t.UTC()), err
	case KindDuration:
		if err := expectLen(n, 2); err != nil {
			return nil, err
		}
		d, err := dec.DecodeInt64()
		return Duration(d), err
	case KindArray:
		if err := expectLen(n, 2); err != nil {
			return nil, err
		}
		c, err := dec.DecodeArrayLen()
		if err != nil {
			return nil, err
		}
		arr := make(Array, 0, c)
		for i := 0; i < c; i++ {
			el, err := decodeFramed(dec)
			if err != nil {
				return nil, err
			}
			arr = append(arr, el)
		}
		return arr, nil
	case KindObject:
		if err := expectLen(n, 2); err != nil {
			return nil, err
		}
		c, err := dec.DecodeMapLen()
		if err != nil {
			return nil, err
		}
		obj := make(Object, c)
		for i := 0; i < c; i++ {
			key, err := dec.DecodeString()
			if err != nil {
				return nil, err
			}
			el, err := decodeFramed(dec)
			if err != nil {
				return nil, err
			}
			obj[key] = el
		}
		return obj, nil
	case KindThing:
		if err := expectLen(n, 3); err != nil {
			return nil, err
		}
		tb, err := dec.DecodeString()
		if err != nil {
			return nil, err
		}
		id, err := decodeFramed(dec)
		if err != nil {
			return nil, err
		}
		return Thing{Table: tb, ID: id}, nil
	case KindGeometry:
		if err := expectLen(n, 3); err != nil {
			return nil, err
		}
		lon, err := dec.DecodeFloat64()
		if err != nil {
			return nil, err
		}
		lat, err := dec.DecodeFloat64()
		if err != nil {
			return nil, err
		}
		return Point{Longitude: lon, Latitude: lat}, nil
	default:
		return nil, fmt.Errorf("val: unknown stored value kind %d", k)
	}
}

func frame1(enc *msgpack.Encoder, k Kind) error { return frameN(enc, k, 1) }
func frame2(enc *msgpack.Encoder, k Kind) error { return frameN(enc, k, 2) }

func frameN(enc *msgpack.Encoder, k Kind, n int) error {
	if err := enc.EncodeArrayLen(n); err != nil {
		return err
	}
	return enc.EncodeUint8(uint8(k))
}

func expectLen(got, want int) error {
	if got != want {
		return fmt.Errorf("val: stored value frame has %d elements, expected %d", got, want)
	}
	return nil
}
