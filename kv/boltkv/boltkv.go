// Package boltkv is the durable storage backend built on bbolt. All
// keys live in a single flat bucket; bbolt serializes writable
// transactions, so commits here never conflict and the store reports
// Caps.ConcurrentWriters = false.
package boltkv

import (
	"context"
	"encoding/binary"
	"fmt"
	"slices"
	"time"

	"go.etcd.io/bbolt"

	"github.com/tetradb/tetra/kv"
)

var (
	bucketKV   = []byte("kv")
	bucketMeta = []byte("meta")
	metaLastTS = []byte("last_versionstamp")
)

type Options struct {
	// IsTesting trades durability for speed (NoSync) and shrinks the
	// initial mmap.
	IsTesting bool
	MmapSize  int
}

type Store struct {
	bdb *bbolt.DB
}

// Open opens or creates the database file at path.
func Open(path string, opt Options) (*Store, error) {
	bopt := &bbolt.Options{}
	*bopt = *bbolt.DefaultOptions
	bopt.Timeout = 10 * time.Second
	if opt.IsTesting {
		bopt.NoSync = true
		bopt.NoFreelistSync = true
		bopt.InitialMmapSize = 1024 * 1024 * 5
	} else {
		bopt.InitialMmapSize = 1024 * 1024 * 1024
		bopt.FreelistType = bbolt.FreelistMapType
	}
	if opt.MmapSize != 0 {
		bopt.InitialMmapSize = opt.MmapSize
	}

	bdb, err := bbolt.Open(path, 0666, bopt)
	if err != nil {
		return nil, fmt.Errorf("boltkv: %w", err)
	}
	err = bdb.Update(func(btx *bbolt.Tx) error {
		if _, err := btx.CreateBucketIfNotExists(bucketKV); err != nil {
			return err
		}
		_, err := btx.CreateBucketIfNotExists(bucketMeta)
		return err
	})
	if err != nil {
		bdb.Close()
		return nil, fmt.Errorf("boltkv: %w", err)
	}
	return &Store{bdb: bdb}, nil
}

func (s *Store) Caps() kv.Caps {
	return kv.Caps{ConcurrentWriters: false}
}

func (s *Store) Begin(ctx context.Context, writable bool) (kv.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	btx, err := s.begin(ctx, writable)
	if err != nil {
		return nil, err
	}
	return &boltTx{btx: btx, writable: writable}, nil
}

// begin acquires a bbolt transaction. Writable acquisition blocks on
// the single writer slot, so it runs on a separate goroutine and races
// against ctx; an acquisition that loses the race is rolled back.
func (s *Store) begin(ctx context.Context, writable bool) (*bbolt.Tx, error) {
	if !writable {
		return s.bdb.Begin(false)
	}
	type result struct {
		btx *bbolt.Tx
		err error
	}
	ch := make(chan result, 1)
	go func() {
		btx, err := s.bdb.Begin(true)
		ch <- result{btx, err}
	}()
	select {
	case r := <-ch:
		return r.btx, r.err
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.btx != nil {
				r.btx.Rollback()
			}
		}()
		return nil, ctx.Err()
	}
}

func (s *Store) Close() error {
	return s.bdb.Close()
}

type boltTx struct {
	btx      *bbolt.Tx
	writable bool
	buf      kv.WriteBuffer
	vsPfx    [][]byte
	vsVals   [][]byte
	closed   bool
}

func (tx *boltTx) Writable() bool { return tx.writable }

func (tx *boltTx) Get(ctx context.Context, key []byte) ([]byte, error) {
	if tx.closed {
		return nil, kv.ErrTxClosed
	}
	if v, tombstone, found := tx.buf.Get(key); found {
		if tombstone {
			return nil, nil
		}
		return slices.Clone(v), nil
	}
	v := tx.btx.Bucket(bucketKV).Get(key)
	if v == nil {
		return nil, nil
	}
	return slices.Clone(v), nil
}

func (tx *boltTx) Set(ctx context.Context, key, value []byte) error {
	if tx.closed {
		return kv.ErrTxClosed
	}
	if !tx.writable {
		return kv.ErrReadOnly
	}
	tx.buf.Set(key, value)
	return nil
}

func (tx *boltTx) Del(ctx context.Context, key []byte) error {
	if tx.closed {
		return kv.ErrTxClosed
	}
	if !tx.writable {
		return kv.ErrReadOnly
	}
	tx.buf.Del(key)
	return nil
}

func (tx *boltTx) SetVersionstamped(ctx context.Context, prefix, value []byte) error {
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

func (tx *boltTx) Scan(ctx context.Context, rng kv.RawRange) (*kv.RangeCursor, error) {
	if tx.closed {
		return nil, kv.ErrTxClosed
	}
	bcur := boltCursor{c: tx.btx.Bucket(bucketKV).Cursor()}
	return kv.NewRangeCursor(rng, kv.MergeCursor(bcur, &tx.buf), nil), nil
}

func (tx *boltTx) Commit(ctx context.Context) (kv.Versionstamp, error) {
	if tx.closed {
		return 0, kv.ErrTxClosed
	}
	tx.closed = true
	if !tx.writable {
		tx.btx.Rollback()
		return 0, nil
	}

	b := tx.btx.Bucket(bucketKV)
	err := tx.buf.Each(func(key, value []byte, tombstone bool) error {
		if tombstone {
			return b.Delete(key)
		}
		return b.Put(key, value)
	})
	if err != nil {
		tx.btx.Rollback()
		return 0, err
	}

	meta := tx.btx.Bucket(bucketMeta)
	ts := kv.Versionstamp(1)
	if raw := meta.Get(metaLastTS); len(raw) == 8 {
		ts = kv.Versionstamp(binary.BigEndian.Uint64(raw)) + 1
	}
	if err := meta.Put(metaLastTS, binary.BigEndian.AppendUint64(nil, uint64(ts))); err != nil {
		tx.btx.Rollback()
		return 0, err
	}
	for seq, prefix := range tx.vsPfx {
		key := binary.BigEndian.AppendUint64(slices.Clone(prefix), uint64(ts))
		key = binary.BigEndian.AppendUint32(key, uint32(seq))
		if err := b.Put(key, tx.vsVals[seq]); err != nil {
			tx.btx.Rollback()
			return 0, err
		}
	}

	if err := tx.btx.Commit(); err != nil {
		return 0, err
	}
	return ts, nil
}

func (tx *boltTx) Cancel() error {
	if tx.closed {
		return nil
	}
	tx.closed = true
	err := tx.btx.Rollback()
	if err == bbolt.ErrTxClosed {
		return nil
	}
	return err
}

type boltCursor struct {
	c *bbolt.Cursor
}

func (c boltCursor) First() ([]byte, []byte) { return c.c.First() }

func (c boltCursor) Last() ([]byte, []byte) { return c.c.Last() }

func (c boltCursor) Seek(seek []byte) ([]byte, []byte) { return c.c.Seek(seek) }

func (c boltCursor) SeekLast(prefix []byte) ([]byte, []byte) {
	if len(prefix) == 0 {
		return c.c.Last()
	}
	if limit := kv.PrefixSuccessor(prefix); limit != nil {
		k, _ := c.c.Seek(limit)
		if k == nil {
			return c.c.Last()
		}
		return c.c.Prev()
	}
	// All-0xFF prefix has no successor.
	return c.c.Last()
}

func (c boltCursor) Next() ([]byte, []byte) { return c.c.Next() }

func (c boltCursor) Prev() ([]byte, []byte) { return c.c.Prev() }

func (c boltCursor) Close() {}
