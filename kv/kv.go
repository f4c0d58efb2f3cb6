// Package kv defines the transactional key-value capability that every
// storage backend implements, plus the pieces backends share: range
// scans, the buffered write set, the optimistic commit oracle and the
// bounded conflict-retry combinator.
//
// The minimum contract every backend upholds is snapshot isolation
// with write-conflict detection on read keys: a read-write transaction
// observes a fixed snapshot for its whole life, commit applies all
// buffered writes atomically under a strictly increasing versionstamp,
// and commit fails with ErrConflict if any key this transaction read
// was modified by a transaction that committed first. Backends may
// offer more (boltkv serializes writers and therefore never
// conflicts); they may not offer less.
package kv

import (
	"context"
	"errors"
)

// Versionstamp is a monotonically increasing commit-order marker,
// assigned at commit time. It orders change-feed entries and detects
// write-write conflicts under optimistic concurrency.
type Versionstamp uint64

var (
	// ErrConflict reports that a commit lost an optimistic concurrency
	// race. The caller may retry the whole statement against a fresh
	// snapshot; see WithRetries.
	ErrConflict = errors.New("kv: transaction conflict")

	// ErrRetriesExceeded reports that a bounded retry loop exhausted
	// its attempts, every one ending in ErrConflict.
	ErrRetriesExceeded = errors.New("kv: conflict retries exceeded")

	// ErrTxClosed is returned by operations on a committed or
	// cancelled transaction.
	ErrTxClosed = errors.New("kv: transaction closed")

	// ErrReadOnly is returned by mutations on a read-only transaction.
	ErrReadOnly = errors.New("kv: transaction is read-only")

	// ErrStoreClosed is returned by Begin on a closed store.
	ErrStoreClosed = errors.New("kv: store closed")
)

// Store is a storage backend: in-memory, Bolt, LevelDB.
type Store interface {
	// Begin starts a transaction. Backends whose transactions cross a
	// network or block on an exclusive writer honor ctx cancellation.
	Begin(ctx context.Context, writable bool) (Tx, error)

	// Caps describes which optional behaviors this backend exhibits.
	Caps() Caps

	// Close closes the store. Open transactions become unusable.
	Close() error
}

// Caps describes backend behaviors that tests and callers may need to
// know about; none of them weaken the minimum contract.
type Caps struct {
	// ConcurrentWriters is false for backends that serialize writable
	// transactions (boltkv). Such backends never return ErrConflict.
	ConcurrentWriters bool
}

// Tx is a single transaction against one Store.
//
// Reads observe the transaction's snapshot overlaid with its own
// buffered writes (read-your-own-writes). Mutations are buffered until
// Commit. A Tx is not safe for concurrent use; the engine drives each
// transaction from one goroutine.
type Tx interface {
	Writable() bool

	// Get returns the value for key, or nil if the key is absent.
	Get(ctx context.Context, key []byte) ([]byte, error)

	// Set buffers a write of key = value.
	Set(ctx context.Context, key, value []byte) error

	// Del buffers a deletion of key.
	Del(ctx context.Context, key []byte) error

	// SetVersionstamped buffers a write whose final key is
	// prefix + 8-byte big-endian commit versionstamp + 4-byte sequence
	// (the sequence increments per call within the transaction). The
	// key is completed atomically at commit.
	SetVersionstamped(ctx context.Context, prefix, value []byte) error

	// Scan iterates keys in rng in the range's order. The cursor is
	// only valid until the transaction ends, and may be abandoned
	// early (Close) without reading the rest of the range.
	Scan(ctx context.Context, rng RawRange) (*RangeCursor, error)

	// Commit applies all buffered writes atomically and returns the
	// assigned versionstamp, or ErrConflict. Either way the
	// transaction is closed. Committing a read-only transaction is a
	// no-op and returns a zero versionstamp.
	Commit(ctx context.Context) (Versionstamp, error)

	// Cancel discards all buffered writes. Safe to call after Commit.
	Cancel() error
}

// Cursor is the raw ordered iteration surface a backend (or the write
// buffer overlay) provides. All methods return nil keys at the end of
// the keyspace. Key/value slices are only valid until the next call.
type Cursor interface {
	First() (key, value []byte)
	Last() (key, value []byte)
	Seek(seek []byte) (key, value []byte)
	// SeekLast moves to the last key that sorts before the successor
	// of the given prefix (i.e. the last key starting at or under it).
	SeekLast(prefix []byte) (key, value []byte)
	Next() (key, value []byte)
	Prev() (key, value []byte)
	Close()
}

// Inc increments data in place to the next byte-string, returning
// false when data is all 0xFF.
func Inc(data []byte) bool {
	n := len(data)
	for i := n - 1; i >= 0; i-- {
		if data[i] != 0xFF {
			for j := i; j < n; j++ {
				data[j]++
			}
			return true
		}
	}
	return false
}

// PrefixSuccessor returns the smallest byte-string greater than every
// string with the given prefix, or nil if there is none.
func PrefixSuccessor(prefix []byte) []byte {
	limit := append([]byte(nil), prefix...)
	if Inc(limit) {
		return limit
	}
	return nil
}
