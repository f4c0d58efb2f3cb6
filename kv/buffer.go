package kv

import (
	"bytes"
	"slices"
	"sort"
)

// WriteBuffer holds a transaction's buffered mutations as a sorted
// slice of entries, tombstones included. Backends overlay it on their
// snapshot for read-your-own-writes.
type WriteBuffer struct {
	items []bufEntry
}

type bufEntry struct {
	key       []byte
	value     []byte
	tombstone bool
}

func (b *WriteBuffer) Len() int { return len(b.items) }

func (b *WriteBuffer) Set(key, value []byte) {
	i, found := b.find(key)
	e := bufEntry{key: slices.Clone(key), value: slices.Clone(value)}
	if found {
		b.items[i] = e
		return
	}
	b.items = slices.Insert(b.items, i, e)
}

func (b *WriteBuffer) Del(key []byte) {
	i, found := b.find(key)
	e := bufEntry{key: slices.Clone(key), tombstone: true}
	if found {
		b.items[i] = e
		return
	}
	b.items = slices.Insert(b.items, i, e)
}

// Get reports the buffered state of key: (value, false, true) for a
// buffered write, (nil, true, true) for a buffered delete, and
// (nil, false, false) when the buffer says nothing about key.
func (b *WriteBuffer) Get(key []byte) (value []byte, tombstone, found bool) {
	i, ok := b.find(key)
	if !ok {
		return nil, false, false
	}
	e := b.items[i]
	return e.value, e.tombstone, true
}

// Each calls f for every buffered mutation in key order.
func (b *WriteBuffer) Each(f func(key, value []byte, tombstone bool) error) error {
	for _, e := range b.items {
		if err := f(e.key, e.value, e.tombstone); err != nil {
			return err
		}
	}
	return nil
}

func (b *WriteBuffer) find(key []byte) (idx int, found bool) {
	items := b.items
	i := sort.Search(len(items), func(i int) bool {
		return bytes.Compare(items[i].key, key) >= 0
	})
	if i < len(items) && bytes.Equal(items[i].key, key) {
		return i, true
	}
	return i, false
}

// MergeCursor overlays a write buffer on a backend snapshot cursor.
// The buffer wins ties; tombstones suppress snapshot entries. A merge
// cursor supports one direction of travel at a time, which is all a
// RawRange scan ever needs.
func MergeCursor(base Cursor, buf *WriteBuffer) Cursor {
	if buf == nil || len(buf.items) == 0 {
		return base
	}
	return &mergeCursor{base: base, buf: buf}
}

type mergeCursor struct {
	base Cursor
	buf  *WriteBuffer

	reverse  bool
	bk, bv   []byte // current base position, nil when exhausted
	bi       int    // current buffer position, -1/len when exhausted
	fromBase bool   // last emitted entry came from base
	fromBuf  bool
}

func (c *mergeCursor) First() ([]byte, []byte) {
	c.reverse = false
	c.bk, c.bv = c.base.First()
	c.bi = 0
	return c.pick()
}

func (c *mergeCursor) Last() ([]byte, []byte) {
	c.reverse = true
	c.bk, c.bv = c.base.Last()
	c.bi = len(c.buf.items) - 1
	return c.pick()
}

func (c *mergeCursor) Seek(seek []byte) ([]byte, []byte) {
	c.reverse = false
	c.bk, c.bv = c.base.Seek(seek)
	c.bi, _ = c.buf.find(seek)
	return c.pick()
}

func (c *mergeCursor) SeekLast(prefix []byte) ([]byte, []byte) {
	c.reverse = true
	c.bk, c.bv = c.base.SeekLast(prefix)
	if limit := PrefixSuccessor(prefix); limit != nil {
		i, _ := c.buf.find(limit)
		c.bi = i - 1
	} else {
		c.bi = len(c.buf.items) - 1
	}
	return c.pick()
}

func (c *mergeCursor) Next() ([]byte, []byte) {
	if c.reverse {
		panic("kv: direction change on merge cursor")
	}
	c.advance()
	return c.pick()
}

func (c *mergeCursor) Prev() ([]byte, []byte) {
	if !c.reverse {
		panic("kv: direction change on merge cursor")
	}
	c.advance()
	return c.pick()
}

func (c *mergeCursor) Close() { c.base.Close() }

// advance steps past the entry (or pair of tying entries) previously
// returned by pick.
func (c *mergeCursor) advance() {
	if c.fromBase {
		if c.reverse {
			c.bk, c.bv = c.base.Prev()
		} else {
			c.bk, c.bv = c.base.Next()
		}
	}
	if c.fromBuf {
		if c.reverse {
			c.bi--
		} else {
			c.bi++
		}
	}
	c.fromBase, c.fromBuf = false, false
}

// pick returns the current merged entry, skipping tombstones.
func (c *mergeCursor) pick() ([]byte, []byte) {
	for {
		var be *bufEntry
		if c.bi >= 0 && c.bi < len(c.buf.items) {
			be = &c.buf.items[c.bi]
		}
		switch {
		case c.bk == nil && be == nil:
			c.fromBase, c.fromBuf = false, false
			return nil, nil
		case c.bk == nil:
			c.fromBase, c.fromBuf = false, true
		case be == nil:
			c.fromBase, c.fromBuf = true, false
		default:
			cmp := bytes.Compare(c.bk, be.key)
			if c.reverse {
				cmp = -cmp
			}
			switch {
			case cmp < 0:
				c.fromBase, c.fromBuf = true, false
			case cmp > 0:
				c.fromBase, c.fromBuf = false, true
			default:
				// Buffer shadows the snapshot entry.
				c.fromBase, c.fromBuf = true, true
			}
		}
		if c.fromBuf && be.tombstone {
			c.advance()
			continue
		}
		if c.fromBuf {
			return be.key, be.value
		}
		return c.bk, c.bv
	}
}
