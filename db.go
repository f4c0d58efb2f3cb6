package tetra

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cache "github.com/patrickmn/go-cache"

	"github.com/tetradb/tetra/keys"
	"github.com/tetradb/tetra/kv"
	"github.com/tetradb/tetra/val"
)

// Options configures a Datastore.
type Options struct {
	// Logf receives one line per executed statement when Verbose is
	// set. Defaults to discarding.
	Logf    func(format string, args ...any)
	Verbose bool

	// Retries bounds conflict retries per statement; 0 means
	// kv.DefaultRetries.
	Retries int

	// DefsTTL bounds how long decoded index definitions stay cached.
	// Cached definitions are revalidated against a per-table version
	// key on every use, so the TTL bounds memory, not staleness.
	DefsTTL time.Duration
}

// Datastore is the execution engine over one storage backend. It is
// the seam an RPC or SQL front-end would sit on: statements in,
// values out.
type Datastore struct {
	store   kv.Store
	logf    func(format string, args ...any)
	verbose bool
	retries int
	defs    *cache.Cache
	live    *liveRegistry

	// commitMu serializes writable commits with live dispatch so
	// subscribers observe versionstamps in increasing order.
	commitMu sync.Mutex
}

// Session scopes statements to a namespace and database.
type Session struct {
	NS string
	DB string
}

func (s Session) database() keys.Database {
	return keys.Database{NS: s.NS, DB: s.DB}
}

// Open wraps a storage backend in an execution engine. The datastore
// owns the store; Close closes it.
func Open(store kv.Store, opt Options) *Datastore {
	logf := opt.Logf
	if logf == nil {
		logf = func(format string, args ...any) {}
	}
	ttl := opt.DefsTTL
	if ttl == 0 {
		ttl = time.Minute
	}
	retries := opt.Retries
	if retries <= 0 {
		retries = kv.DefaultRetries
	}
	return &Datastore{
		store:   store,
		logf:    logf,
		verbose: opt.Verbose,
		retries: retries,
		defs:    cache.New(ttl, 10*ttl),
		live:    newLiveRegistry(),
	}
}

// Close kills all live queries, waits for their senders, and closes
// the underlying store.
func (ds *Datastore) Close() error {
	ds.live.close()
	return ds.store.Close()
}

// Execute runs each statement in its own transaction, retrying
// individual statements on storage conflicts. Statement failures land
// in the corresponding Result.Err; later statements still run.
func (ds *Datastore) Execute(ctx context.Context, sess Session, stmts ...Statement) []Result {
	results := make([]Result, len(stmts))
	for i, stmt := range stmts {
		results[i] = ds.executeOne(ctx, sess, stmt)
	}
	return results
}

func (ds *Datastore) executeOne(ctx context.Context, sess Session, stmt Statement) Result {
	if ds.verbose {
		ds.logf("tetra: %s: executing %T", sess.DB, stmt)
		slog.Debug("tetra: execute", "ns", sess.NS, "db", sess.DB, "stmt", fmt.Sprintf("%T", stmt))
	}
	switch stmt := stmt.(type) {
	case Live:
		if stmt.Table == "" {
			return Result{Err: evalErrf("live", "live query needs a table")}
		}
		sub := ds.live.register(sess.database(), stmt.Table, stmt.Where)
		return Result{Live: sub}
	case Kill:
		return Result{Err: ds.live.kill(stmt.ID)}
	}

	if stmt.readOnly() {
		var rows []val.Value
		err := kv.View(ctx, ds.store, func(ktx kv.Tx) error {
			var err error
			rows, err = ds.newTxn(ctx, sess, ktx).execute(stmt)
			return err
		})
		return Result{Values: rows, Err: err}
	}

	rows, err := ds.write(ctx, sess, stmt)
	return Result{Values: rows, Err: err}
}

// write runs one mutating statement with bounded conflict retries.
// Each attempt re-executes the statement against a fresh snapshot.
func (ds *Datastore) write(ctx context.Context, sess Session, stmt Statement) ([]val.Value, error) {
	for i := 0; i < ds.retries; i++ {
		rows, err := ds.writeOnce(ctx, sess, stmt)
		if err == nil {
			return rows, nil
		}
		if !errors.Is(err, kv.ErrConflict) {
			return nil, err
		}
		if ds.verbose {
			ds.logf("tetra: %s: conflict, retrying %T (attempt %d)", sess.DB, stmt, i+1)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w after %d attempts", kv.ErrRetriesExceeded, ds.retries)
}

func (ds *Datastore) writeOnce(ctx context.Context, sess Session, stmt Statement) ([]val.Value, error) {
	ktx, err := ds.store.Begin(ctx, true)
	if err != nil {
		return nil, err
	}
	defer ktx.Cancel()

	tx := ds.newTxn(ctx, sess, ktx)
	rows, err := tx.execute(stmt)
	if err != nil {
		return nil, err
	}

	ds.commitMu.Lock()
	defer ds.commitMu.Unlock()
	ts, err := tx.flush()
	if err != nil {
		return nil, err
	}
	if len(tx.changes) > 0 {
		ds.live.dispatch(tx.db, ts, tx.changes)
	}
	return rows, nil
}
