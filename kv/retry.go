package kv

import (
	"context"
	"errors"
	"fmt"
)

// DefaultRetries is the bound used by WithRetries when the caller
// passes 0.
const DefaultRetries = 5

// WithRetries runs fn in a writable transaction, committing at the
// end, and retries the whole thing with a fresh transaction when the
// commit (or a read inside fn) reports ErrConflict. Each attempt
// re-executes fn against a new snapshot, so fn must be a pure function
// of the snapshot plus its inputs. Exhaustion returns
// ErrRetriesExceeded; every other error aborts immediately.
func WithRetries(ctx context.Context, store Store, attempts int, fn func(tx Tx) error) (Versionstamp, error) {
	if attempts <= 0 {
		attempts = DefaultRetries
	}
	for i := 0; i < attempts; i++ {
		ts, err := runOnce(ctx, store, fn)
		if err == nil {
			return ts, nil
		}
		if !errors.Is(err, ErrConflict) {
			return 0, err
		}
		if err := ctx.Err(); err != nil {
			return 0, err
		}
	}
	return 0, fmt.Errorf("%w after %d attempts", ErrRetriesExceeded, attempts)
}

func runOnce(ctx context.Context, store Store, fn func(tx Tx) error) (Versionstamp, error) {
	tx, err := store.Begin(ctx, true)
	if err != nil {
		return 0, err
	}
	defer tx.Cancel()
	if err := fn(tx); err != nil {
		return 0, err
	}
	return tx.Commit(ctx)
}

// View runs fn in a read-only transaction. Read-only transactions
// never conflict and never block writers.
func View(ctx context.Context, store Store, fn func(tx Tx) error) error {
	tx, err := store.Begin(ctx, false)
	if err != nil {
		return err
	}
	defer tx.Cancel()
	return fn(tx)
}
