package kv

import (
	"bytes"
)

// RawRange defines a range of byte strings. The constructors use
// mnemonics: O means open, I means inclusive, E means exclusive; the
// first letter is for the lower bound, the second for the upper bound.
type RawRange struct {
	Prefix   []byte
	Lower    []byte
	Upper    []byte
	LowerInc bool
	UpperInc bool
	Reverse  bool
}

func RawOO() RawRange            { return RawRange{} }
func RawIO(l []byte) RawRange    { return RawRange{Lower: l, LowerInc: true} }
func RawEO(l []byte) RawRange    { return RawRange{Lower: l, LowerInc: false} }
func RawOI(u []byte) RawRange    { return RawRange{Upper: u, UpperInc: true} }
func RawOE(u []byte) RawRange    { return RawRange{Upper: u, UpperInc: false} }
func RawII(l, u []byte) RawRange { return RawRange{Lower: l, Upper: u, LowerInc: true, UpperInc: true} }
func RawIE(l, u []byte) RawRange {
	return RawRange{Lower: l, Upper: u, LowerInc: true, UpperInc: false}
}
func RawPrefix(p []byte) RawRange                { return RawRange{Prefix: p} }
func (rang RawRange) Prefixed(p []byte) RawRange { rang.Prefix = p; return rang }
func (rang RawRange) Reversed() RawRange         { rang.Reverse = true; return rang }

func (r *RawRange) start(bcur Cursor) ([]byte, []byte) {
	var k, v []byte
	var skipInitial bool
	if r.Reverse {
		upper := r.Upper
		if upper != nil {
			skipInitial = !r.UpperInc
			if r.Prefix != nil && !bytes.HasPrefix(upper, r.Prefix) {
				panic("upper bound does not match prefix")
			}
		} else if r.Prefix != nil {
			upper = r.Prefix
		}
		if upper != nil {
			k, v = bcur.SeekLast(upper)
			if skipInitial && !bytes.HasPrefix(k, upper) {
				skipInitial = false
			}
		} else {
			k, v = bcur.Last()
		}
	} else {
		lower := r.Lower
		if lower != nil {
			skipInitial = !r.LowerInc
			if r.Prefix != nil && !bytes.HasPrefix(lower, r.Prefix) {
				panic("lower bound does not match prefix")
			}
		} else if r.Prefix != nil {
			lower = r.Prefix
		}
		if lower != nil {
			k, v = bcur.Seek(lower)
			if skipInitial && !bytes.HasPrefix(k, lower) {
				skipInitial = false
			}
		} else {
			k, v = bcur.First()
		}
	}
	if k != nil && r.match(k) {
		if skipInitial {
			return r.next(bcur)
		}
		return k, v
	}
	return nil, nil
}

func (r *RawRange) next(bcur Cursor) ([]byte, []byte) {
	var k, v []byte
	if r.Reverse {
		k, v = bcur.Prev()
	} else {
		k, v = bcur.Next()
	}
	if k != nil && r.match(k) {
		return k, v
	}
	return nil, nil
}

func (r *RawRange) match(k []byte) bool {
	if r.Prefix != nil && !bytes.HasPrefix(k, r.Prefix) {
		return false
	}
	if r.Reverse {
		if lower := r.Lower; lower != nil {
			cmp := bytes.Compare(k, lower)
			if cmp == -1 || (cmp == 0 && !r.LowerInc) {
				return false
			}
		}
	} else {
		if upper := r.Upper; upper != nil {
			cmp := bytes.Compare(k, upper)
			if cmp == 1 || (cmp == 0 && !r.UpperInc) {
				return false
			}
		}
	}
	return true
}

// NewRangeCursor wraps a raw backend cursor in range semantics. onKey,
// if set, observes every key the scan touches (backends use this to
// build the conflict read set).
func NewRangeCursor(rang RawRange, bcur Cursor, onKey func(key []byte)) *RangeCursor {
	return &RangeCursor{rang: rang, bcur: bcur, onKey: onKey}
}

// RangeCursor iterates one RawRange. Usage:
//
//	for c.Next() {
//		... c.Key(), c.Value() ...
//	}
//	c.Close()
type RangeCursor struct {
	rang  RawRange
	bcur  Cursor
	onKey func(key []byte)
	k, v  []byte
	init  bool
	done  bool
}

func (c *RangeCursor) Next() bool {
	if c.done {
		return false
	}
	if c.init {
		c.k, c.v = c.rang.next(c.bcur)
	} else {
		c.init = true
		c.k, c.v = c.rang.start(c.bcur)
	}
	if c.k == nil {
		c.done = true
		return false
	}
	if c.onKey != nil {
		c.onKey(c.k)
	}
	return true
}

func (c *RangeCursor) Key() []byte   { return c.k }
func (c *RangeCursor) Value() []byte { return c.v }

func (c *RangeCursor) Close() {
	if !c.done {
		c.done = true
	}
	if c.bcur != nil {
		c.bcur.Close()
		c.bcur = nil
	}
}
