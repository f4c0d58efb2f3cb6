// Package memkv is the transient in-memory storage backend. Committed
// state is an immutable sorted slice, replaced wholesale on commit, so
// snapshots are free and read-write transactions run fully
// concurrently with conflicts detected by the shared commit oracle.
package memkv

import (
	"bytes"
	"context"
	"encoding/binary"
	"slices"
	"sort"
	"sync"

	"github.com/tetradb/tetra/kv"
)

type Store struct {
	mu     sync.Mutex
	items  []entry // sorted by key, immutable once published
	oracle *kv.Oracle
	closed bool
}

type entry struct {
	key   []byte
	value []byte
}

// Open returns an empty in-memory store.
func Open() *Store {
	return &Store{oracle: kv.NewOracle(0)}
}

func (s *Store) Caps() kv.Caps {
	return kv.Caps{ConcurrentWriters: true}
}

func (s *Store) Begin(ctx context.Context, writable bool) (kv.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// The begin stamp is taken before the snapshot: a commit landing
	// between the two is visible in the snapshot and still covered by
	// the oracle's conflict window, which is safe (at worst a spurious
	// conflict). The reverse order would let such a commit slip past
	// conflict detection.
	var begin kv.Versionstamp
	if writable {
		begin = s.oracle.Begin()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, kv.ErrStoreClosed
	}
	return &memTx{
		store:    s,
		snap:     s.items,
		writable: writable,
		begin:    begin,
	}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.items = nil
	return nil
}

type memTx struct {
	store    *Store
	snap     []entry
	writable bool
	begin    kv.Versionstamp
	reads    kv.ReadSet
	buf      kv.WriteBuffer
	vsVals   [][]byte // values for versionstamped keys, in call order
	vsPfx    [][]byte
	closed   bool
}

func (tx *memTx) Writable() bool { return tx.writable }

func (tx *memTx) Get(ctx context.Context, key []byte) ([]byte, error) {
	if tx.closed {
		return nil, kv.ErrTxClosed
	}
	tx.trackRead(key)
	if v, tombstone, found := tx.buf.Get(key); found {
		if tombstone {
			return nil, nil
		}
		return slices.Clone(v), nil
	}
	i, found := find(tx.snap, key)
	if !found {
		return nil, nil
	}
	return slices.Clone(tx.snap[i].value), nil
}

func (tx *memTx) Set(ctx context.Context, key, value []byte) error {
	if tx.closed {
		return kv.ErrTxClosed
	}
	if !tx.writable {
		return kv.ErrReadOnly
	}
	tx.buf.Set(key, value)
	return nil
}

func (tx *memTx) Del(ctx context.Context, key []byte) error {
	if tx.closed {
		return kv.ErrTxClosed
	}
	if !tx.writable {
		return kv.ErrReadOnly
	}
	tx.buf.Del(key)
	return nil
}

func (tx *memTx) SetVersionstamped(ctx context.Context, prefix, value []byte) error {
	if tx.closed {
		return kv.ErrTxClosed
	}
	if !tx.writable {
		return kv.ErrReadOnly
	}
	tx.vsPfx = append(tx.vsPfx, slices.Clone(prefix))
	tx.vsVals = append(tx.vsVals, slices.Clone(value))
	return nil
}

func (tx *memTx) Scan(ctx context.Context, rng kv.RawRange) (*kv.RangeCursor, error) {
	if tx.closed {
		return nil, kv.ErrTxClosed
	}
	base := kv.MergeCursor(&sliceCursor{items: tx.snap, pos: -1}, &tx.buf)
	var onKey func([]byte)
	if tx.writable {
		onKey = tx.trackRead
	}
	return kv.NewRangeCursor(rng, base, onKey), nil
}

func (tx *memTx) Commit(ctx context.Context) (kv.Versionstamp, error) {
	if tx.closed {
		return 0, kv.ErrTxClosed
	}
	tx.closed = true
	if !tx.writable {
		return 0, nil
	}
	writes := make([][]byte, 0, tx.buf.Len())
	tx.buf.Each(func(key, value []byte, tombstone bool) error {
		writes = append(writes, key)
		return nil
	})
	return tx.store.oracle.Commit(tx.begin, &tx.reads, writes, func(ts kv.Versionstamp) error {
		tx.store.mu.Lock()
		defer tx.store.mu.Unlock()
		if tx.store.closed {
			return kv.ErrStoreClosed
		}
		tx.store.items = tx.applyTo(tx.store.items, ts)
		return nil
	})
}

func (tx *memTx) Cancel() error {
	tx.closed = true
	return nil
}

func (tx *memTx) trackRead(key []byte) {
	if tx.writable {
		tx.reads.Add(key)
	}
}

// applyTo merges the buffered writes and versionstamped inserts into
// base, returning a fresh sorted slice; base is left untouched.
func (tx *memTx) applyTo(base []entry, ts kv.Versionstamp) []entry {
	out := make([]entry, 0, len(base)+tx.buf.Len()+len(tx.vsPfx))
	bi := 0
	tx.buf.Each(func(key, value []byte, tombstone bool) error {
		for bi < len(base) && bytes.Compare(base[bi].key, key) < 0 {
			out = append(out, base[bi])
			bi++
		}
		if bi < len(base) && bytes.Equal(base[bi].key, key) {
			bi++ // shadowed
		}
		if !tombstone {
			out = append(out, entry{key: key, value: value})
		}
		return nil
	})
	out = append(out, base[bi:]...)

	for seq, prefix := range tx.vsPfx {
		key := binary.BigEndian.AppendUint64(slices.Clone(prefix), uint64(ts))
		key = binary.BigEndian.AppendUint32(key, uint32(seq))
		i, found := find(out, key)
		if found {
			out[i].value = tx.vsVals[seq]
		} else {
			out = slices.Insert(out, i, entry{key: key, value: tx.vsVals[seq]})
		}
	}
	return out
}

func find(items []entry, key []byte) (idx int, found bool) {
	i := sort.Search(len(items), func(i int) bool {
		return bytes.Compare(items[i].key, key) >= 0
	})
	if i < len(items) && bytes.Equal(items[i].key, key) {
		return i, true
	}
	return i, false
}

type sliceCursor struct {
	items []entry
	pos   int
}

func (c *sliceCursor) First() ([]byte, []byte) {
	c.pos = 0
	return c.cur()
}

func (c *sliceCursor) Last() ([]byte, []byte) {
	c.pos = len(c.items) - 1
	return c.cur()
}

func (c *sliceCursor) Seek(seek []byte) ([]byte, []byte) {
	c.pos, _ = find(c.items, seek)
	return c.cur()
}

func (c *sliceCursor) SeekLast(prefix []byte) ([]byte, []byte) {
	if limit := kv.PrefixSuccessor(prefix); limit != nil {
		i, _ := find(c.items, limit)
		c.pos = i - 1
	} else {
		c.pos = len(c.items) - 1
	}
	return c.cur()
}

func (c *sliceCursor) Next() ([]byte, []byte) {
	if c.pos < len(c.items) {
		c.pos++
	}
	return c.cur()
}

func (c *sliceCursor) Prev() ([]byte, []byte) {
	if c.pos >= 0 {
		c.pos--
	}
	return c.cur()
}

func (c *sliceCursor) Close() {}

func (c *sliceCursor) cur() ([]byte, []byte) {
	if c.pos < 0 || c.pos >= len(c.items) {
		return nil, nil
	}
	e := c.items[c.pos]
	return e.key, e.value
}
