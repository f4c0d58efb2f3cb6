package kv

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// ReadSet accumulates the keys a transaction has read, hashed to 64
// bits. A hash collision can only cause a spurious conflict, never a
// missed one.
type ReadSet struct {
	keys map[uint64]struct{}
}

func (rs *ReadSet) Add(key []byte) {
	if rs.keys == nil {
		rs.keys = make(map[uint64]struct{}, 16)
	}
	rs.keys[xxhash.Sum64(key)] = struct{}{}
}

func (rs *ReadSet) Len() int { return len(rs.keys) }

// maxRecentCommits bounds the oracle's memory; beyond it, the oldest
// half of the history is forgotten and the floor rises.
const maxRecentCommits = 1 << 16

// Oracle assigns versionstamps and detects read-write conflicts for
// backends with concurrent writers. It remembers which key hashes were
// written at which versionstamp; a committing transaction conflicts if
// any key it read was committed after the transaction began.
//
// History is pruned by raising a floor: a transaction that began
// before the floor and has reads conflicts conservatively, because
// the oracle can no longer prove its reads were untouched.
type Oracle struct {
	mu      sync.Mutex
	current Versionstamp
	floor   Versionstamp
	recent  map[uint64]Versionstamp
	history []commitRec
}

type commitRec struct {
	ts   Versionstamp
	hash uint64
}

// NewOracle returns an oracle whose next versionstamp follows last.
func NewOracle(last Versionstamp) *Oracle {
	return &Oracle{
		current: last,
		floor:   last,
		recent:  make(map[uint64]Versionstamp),
	}
}

// Begin returns the snapshot versionstamp for a new transaction.
func (o *Oracle) Begin() Versionstamp {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

// Commit validates the transaction's reads against commits after
// begin, then runs apply under the oracle lock with the assigned
// versionstamp. If apply succeeds the written key hashes enter the
// conflict history.
func (o *Oracle) Commit(begin Versionstamp, reads *ReadSet, writes [][]byte, apply func(ts Versionstamp) error) (Versionstamp, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if reads != nil && reads.Len() > 0 {
		if begin < o.floor {
			return 0, ErrConflict
		}
		for h := range reads.keys {
			if ts, ok := o.recent[h]; ok && ts > begin {
				return 0, ErrConflict
			}
		}
	}

	ts := o.current + 1
	if err := apply(ts); err != nil {
		return 0, err
	}
	o.current = ts

	for _, key := range writes {
		h := xxhash.Sum64(key)
		o.recent[h] = ts
		o.history = append(o.history, commitRec{ts, h})
	}
	o.prune()
	return ts, nil
}

func (o *Oracle) prune() {
	if len(o.history) <= maxRecentCommits {
		return
	}
	cut := len(o.history) / 2
	o.floor = o.history[cut-1].ts
	for _, rec := range o.history[:cut] {
		if o.recent[rec.hash] <= o.floor {
			delete(o.recent, rec.hash)
		}
	}
	o.history = append(o.history[:0], o.history[cut:]...)
}

// Floor exposes the pruning floor for tests.
func (o *Oracle) Floor() Versionstamp {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.floor
}
