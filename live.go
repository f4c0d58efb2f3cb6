package tetra

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tetradb/tetra/keys"
	"github.com/tetradb/tetra/kv"
	"github.com/tetradb/tetra/val"
)

// ErrNoLiveQuery is returned by Kill for an unknown handle.
var ErrNoLiveQuery = errors.New("tetra: no such live query")

// Notification is one record change delivered to a live query.
type Notification struct {
	ID           uuid.UUID // live query handle
	Action       Action
	Record       val.Thing
	Before       val.Value
	After        val.Value
	Versionstamp kv.Versionstamp
}

// Subscription is the consumer end of a live query. C is closed when
// the query is killed or the datastore closes; a slow consumer delays
// its own notifications, never a commit.
type Subscription struct {
	ID uuid.UUID
	C  <-chan Notification
}

type liveQuery struct {
	id    uuid.UUID
	db    keys.Database
	table string
	where Expr

	mu      sync.Mutex
	backlog []Notification
	wake    chan struct{}
	done    chan struct{}
	out     chan Notification
}

type liveRegistry struct {
	mu   sync.Mutex
	subs map[uuid.UUID]*liveQuery
	g    errgroup.Group
}

func newLiveRegistry() *liveRegistry {
	return &liveRegistry{subs: make(map[uuid.UUID]*liveQuery)}
}

func (r *liveRegistry) register(db keys.Database, table string, where Expr) *Subscription {
	lq := &liveQuery{
		id:    uuid.New(),
		db:    db,
		table: table,
		where: where,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
		out:   make(chan Notification),
	}
	r.mu.Lock()
	r.subs[lq.id] = lq
	r.mu.Unlock()
	r.g.Go(lq.send)
	return &Subscription{ID: lq.id, C: lq.out}
}

func (r *liveRegistry) kill(id uuid.UUID) error {
	r.mu.Lock()
	lq, ok := r.subs[id]
	if ok {
		delete(r.subs, id)
	}
	r.mu.Unlock()
	if !ok {
		return ErrNoLiveQuery
	}
	close(lq.done)
	return nil
}

func (r *liveRegistry) close() {
	r.mu.Lock()
	subs := make([]*liveQuery, 0, len(r.subs))
	for _, lq := range r.subs {
		subs = append(subs, lq)
	}
	r.subs = make(map[uuid.UUID]*liveQuery)
	r.mu.Unlock()
	for _, lq := range subs {
		close(lq.done)
	}
	r.g.Wait()
}

// dispatch fans a committed transaction's changes out to matching
// subscribers. The caller serializes dispatch in versionstamp order,
// so per-subscriber delivery order follows commit order.
func (r *liveRegistry) dispatch(db keys.Database, ts kv.Versionstamp, changes []Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, lq := range r.subs {
		if lq.db != db {
			continue
		}
		for _, ch := range changes {
			if ch.Record.Table != lq.table {
				continue
			}
			if !lq.matches(ch) {
				continue
			}
			n := Notification{
				ID:           lq.id,
				Action:       ch.Action,
				Record:       ch.Record,
				Before:       ch.Before,
				After:        ch.After,
				Versionstamp: ts,
			}
			lq.mu.Lock()
			lq.backlog = append(lq.backlog, n)
			lq.mu.Unlock()
			select {
			case lq.wake <- struct{}{}:
			default:
			}
		}
	}
}

// matches filters on the record state after the change; a delete is
// filtered on the state before it.
func (lq *liveQuery) matches(ch Change) bool {
	if lq.where == nil {
		return true
	}
	doc := ch.After
	if ch.Action == ActionDelete {
		doc = ch.Before
	}
	ec := &evalCtx{doc: doc}
	return val.Truthy(ec.eval(lq.where))
}

// send is the subscription's single sender goroutine: it drains the
// backlog into out in order, and closes out on kill.
func (lq *liveQuery) send() error {
	defer close(lq.out)
	for {
		lq.mu.Lock()
		var n Notification
		have := len(lq.backlog) > 0
		if have {
			n = lq.backlog[0]
			lq.backlog = lq.backlog[1:]
		}
		lq.mu.Unlock()

		if !have {
			select {
			case <-lq.wake:
				continue
			case <-lq.done:
				return nil
			}
		}
		select {
		case lq.out <- n:
		case <-lq.done:
			return nil
		}
	}
}

// FeedEntry is one persisted change-feed record.
type FeedEntry struct {
	Versionstamp kv.Versionstamp
	Sequence     uint32
	Change       Change
}

// ChangesSince reads the database's persisted change feed after the
// given versionstamp, in commit order.
func (ds *Datastore) ChangesSince(ctx context.Context, sess Session, since kv.Versionstamp) ([]FeedEntry, error) {
	db := keys.Database{NS: sess.NS, DB: sess.DB}
	prefix := keys.ChangesPrefix(db)
	var entries []FeedEntry
	err := kv.View(ctx, ds.store, func(ktx kv.Tx) error {
		rng := kv.RawIO(keys.ChangesFrom(db, uint64(since)+1)).Prefixed(prefix)
		cur, err := ktx.Scan(ctx, rng)
		if err != nil {
			return err
		}
		defer cur.Close()
		for cur.Next() {
			ts, seq, err := keys.DecodeChangeSuffix(cur.Key()[len(prefix):])
			if err != nil {
				return err
			}
			v, err := val.DecodeStored(cur.Value())
			if err != nil {
				return err
			}
			ch, err := decodeChangeDoc(v)
			if err != nil {
				return err
			}
			entries = append(entries, FeedEntry{
				Versionstamp: kv.Versionstamp(ts),
				Sequence:     seq,
				Change:       ch,
			})
		}
		return nil
	})
	return entries, err
}
