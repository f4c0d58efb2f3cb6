// Package levelkv is the durable storage backend built on goleveldb.
// Reads run against a LevelDB snapshot taken at Begin; writes are
// buffered and applied as a single batch, with conflicts detected by
// the shared commit oracle, so writable transactions run concurrently.
package levelkv

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"slices"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	ldb_opt "github.com/syndtr/goleveldb/leveldb/opt"

	"github.com/tetradb/tetra/kv"
)

// metaVersionKey persists the last committed versionstamp. The 0x00
// lead byte keeps it below every engine key; cursors skip it.
var metaVersionKey = []byte{0x00, 'v', 's'}

type Options struct {
	// IsTesting disables synchronous batch writes.
	IsTesting bool
}

type Store struct {
	db     *leveldb.DB
	oracle *kv.Oracle
	wo     *ldb_opt.WriteOptions

	mu     sync.Mutex
	closed bool
}

// Open opens or creates the database directory at path.
func Open(path string, opt Options) (*Store, error) {
	db, err := leveldb.OpenFile(path, &ldb_opt.Options{})
	if err != nil {
		return nil, fmt.Errorf("levelkv: %w", err)
	}
	last := kv.Versionstamp(0)
	raw, err := db.Get(metaVersionKey, nil)
	if err == nil && len(raw) == 8 {
		last = kv.Versionstamp(binary.BigEndian.Uint64(raw))
	} else if err != nil && err != leveldb.ErrNotFound {
		db.Close()
		return nil, fmt.Errorf("levelkv: %w", err)
	}
	return &Store{
		db:     db,
		oracle: kv.NewOracle(last),
		wo:     &ldb_opt.WriteOptions{Sync: !opt.IsTesting},
	}, nil
}

func (s *Store) Caps() kv.Caps {
	return kv.Caps{ConcurrentWriters: true}
}

func (s *Store) Begin(ctx context.Context, writable bool) (kv.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, kv.ErrStoreClosed
	}
	// Begin stamp before snapshot: a commit landing between the two
	// stays inside the oracle's conflict window (at worst a spurious
	// conflict, never a missed one).
	var begin kv.Versionstamp
	if writable {
		begin = s.oracle.Begin()
	}
	snap, err := s.db.GetSnapshot()
	if err != nil {
		return nil, fmt.Errorf("levelkv: %w", err)
	}
	return &levelTx{store: s, snap: snap, writable: writable, begin: begin}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.db.Close()
}

type levelTx struct {
	store    *Store
	snap     *leveldb.Snapshot
	writable bool
	begin    kv.Versionstamp
	reads    kv.ReadSet
	buf      kv.WriteBuffer
	vsPfx    [][]byte
	vsVals   [][]byte
	closed   bool
}

func (tx *levelTx) Writable() bool { return tx.writable }

func (tx *levelTx) Get(ctx context.Context, key []byte) ([]byte, error) {
	if tx.closed {
		return nil, kv.ErrTxClosed
	}
	if tx.writable {
		tx.reads.Add(key)
	}
	if v, tombstone, found := tx.buf.Get(key); found {
		if tombstone {
			return nil, nil
		}
		return slices.Clone(v), nil
	}
	v, err := tx.snap.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("levelkv: %w", err)
	}
	return v, nil
}

func (tx *levelTx) Set(ctx context.Context, key, value []byte) error {
	if tx.closed {
		return kv.ErrTxClosed
	}
	if !tx.writable {
		return kv.ErrReadOnly
	}
	tx.buf.Set(key, value)
	return nil
}

func (tx *levelTx) Del(ctx context.Context, key []byte) error {
	if tx.closed {
		return kv.ErrTxClosed
	}
	if !tx.writable {
		return kv.ErrReadOnly
	}
	tx.buf.Del(key)
	return nil
}

func (tx *levelTx) SetVersionstamped(ctx context.Context, prefix, value []byte) error {
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

func (tx *levelTx) Scan(ctx context.Context, rng kv.RawRange) (*kv.RangeCursor, error) {
	if tx.closed {
		return nil, kv.ErrTxClosed
	}
	base := &levelCursor{iter: tx.snap.NewIterator(nil, nil)}
	var onKey func([]byte)
	if tx.writable {
		onKey = func(key []byte) { tx.reads.Add(key) }
	}
	return kv.NewRangeCursor(rng, kv.MergeCursor(base, &tx.buf), onKey), nil
}

func (tx *levelTx) Commit(ctx context.Context) (kv.Versionstamp, error) {
	if tx.closed {
		return 0, kv.ErrTxClosed
	}
	tx.closed = true
	tx.snap.Release()
	if !tx.writable {
		return 0, nil
	}
	writes := make([][]byte, 0, tx.buf.Len())
	tx.buf.Each(func(key, value []byte, tombstone bool) error {
		writes = append(writes, key)
		return nil
	})
	return tx.store.oracle.Commit(tx.begin, &tx.reads, writes, func(ts kv.Versionstamp) error {
		batch := new(leveldb.Batch)
		tx.buf.Each(func(key, value []byte, tombstone bool) error {
			if tombstone {
				batch.Delete(key)
			} else {
				batch.Put(key, value)
			}
			return nil
		})
		for seq, prefix := range tx.vsPfx {
			key := binary.BigEndian.AppendUint64(slices.Clone(prefix), uint64(ts))
			key = binary.BigEndian.AppendUint32(key, uint32(seq))
			batch.Put(key, tx.vsVals[seq])
		}
		batch.Put(metaVersionKey, binary.BigEndian.AppendUint64(nil, uint64(ts)))
		return tx.store.db.Write(batch, tx.store.wo)
	})
}

func (tx *levelTx) Cancel() error {
	if tx.closed {
		return nil
	}
	tx.closed = true
	tx.snap.Release()
	return nil
}

// levelCursor adapts a goleveldb iterator to the bidirectional cursor
// surface, hiding the reserved meta key.
type levelCursor struct {
	iter iterator.Iterator
}

func (c *levelCursor) First() ([]byte, []byte) {
	return c.skipMetaFwd(c.iter.First())
}

func (c *levelCursor) Last() ([]byte, []byte) {
	return c.skipMetaBack(c.iter.Last())
}

func (c *levelCursor) Seek(seek []byte) ([]byte, []byte) {
	return c.skipMetaFwd(c.iter.Seek(seek))
}

func (c *levelCursor) SeekLast(prefix []byte) ([]byte, []byte) {
	if len(prefix) == 0 {
		return c.Last()
	}
	if limit := kv.PrefixSuccessor(prefix); limit != nil {
		if !c.iter.Seek(limit) {
			return c.Last()
		}
		return c.skipMetaBack(c.iter.Prev())
	}
	return c.Last()
}

func (c *levelCursor) Next() ([]byte, []byte) {
	return c.skipMetaFwd(c.iter.Next())
}

func (c *levelCursor) Prev() ([]byte, []byte) {
	return c.skipMetaBack(c.iter.Prev())
}

func (c *levelCursor) Close() { c.iter.Release() }

func (c *levelCursor) skipMetaFwd(ok bool) ([]byte, []byte) {
	for ok && bytes.Equal(c.iter.Key(), metaVersionKey) {
		ok = c.iter.Next()
	}
	if !ok {
		return nil, nil
	}
	return c.iter.Key(), c.iter.Value()
}

func (c *levelCursor) skipMetaBack(ok bool) ([]byte, []byte) {
	for ok && bytes.Equal(c.iter.Key(), metaVersionKey) {
		ok = c.iter.Prev()
	}
	if !ok {
		return nil, nil
	}
	return c.iter.Key(), c.iter.Value()
}
