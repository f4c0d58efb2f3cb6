// Package kvtest runs one behavior suite against every storage
// backend, so each backend proves the same transactional contract.
package kvtest

import (
	"context"
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetradb/tetra/kv"
)

// Factory opens a fresh empty store; it registers cleanup on t.
type Factory func(t *testing.T) kv.Store

// Run exercises the full transactional contract against stores built
// by factory.
func Run(t *testing.T, factory Factory) {
	t.Run("GetSetDel", func(t *testing.T) { testGetSetDel(t, factory(t)) })
	t.Run("ReadYourOwnWrites", func(t *testing.T) { testReadYourOwnWrites(t, factory(t)) })
	t.Run("SnapshotIsolation", func(t *testing.T) { testSnapshotIsolation(t, factory(t)) })
	t.Run("CancelDiscards", func(t *testing.T) { testCancelDiscards(t, factory(t)) })
	t.Run("ReadOnlyRejectsWrites", func(t *testing.T) { testReadOnly(t, factory(t)) })
	t.Run("ClosedTx", func(t *testing.T) { testClosedTx(t, factory(t)) })
	t.Run("ScanOrdered", func(t *testing.T) { testScanOrdered(t, factory(t)) })
	t.Run("ScanReverse", func(t *testing.T) { testScanReverse(t, factory(t)) })
	t.Run("ScanPrefix", func(t *testing.T) { testScanPrefix(t, factory(t)) })
	t.Run("ScanSeesBufferedWrites", func(t *testing.T) { testScanBuffered(t, factory(t)) })
	t.Run("ScanEarlyClose", func(t *testing.T) { testScanEarlyClose(t, factory(t)) })
	t.Run("VersionstampsIncrease", func(t *testing.T) { testVersionstampsIncrease(t, factory(t)) })
	t.Run("VersionstampedKeys", func(t *testing.T) { testVersionstampedKeys(t, factory(t)) })

	t.Run("Conflict", func(t *testing.T) {
		store := factory(t)
		if !store.Caps().ConcurrentWriters {
			t.Skip("writers are serialized; conflicts cannot happen")
		}
		testConflict(t, store)
	})
	t.Run("RetriesExhausted", func(t *testing.T) {
		store := factory(t)
		if !store.Caps().ConcurrentWriters {
			t.Skip("writers are serialized; conflicts cannot happen")
		}
		testRetriesExhausted(t, store)
	})
	t.Run("SerializedWriters", func(t *testing.T) {
		store := factory(t)
		if store.Caps().ConcurrentWriters {
			t.Skip("writers run concurrently")
		}
		testSerializedWriters(t, store)
	})
}

func put(t *testing.T, store kv.Store, pairs ...string) {
	t.Helper()
	require.Zero(t, len(pairs)%2)
	_, err := kv.WithRetries(context.Background(), store, 0, func(tx kv.Tx) error {
		for i := 0; i < len(pairs); i += 2 {
			if err := tx.Set(context.Background(), []byte(pairs[i]), []byte(pairs[i+1])); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func get(t *testing.T, store kv.Store, key string) string {
	t.Helper()
	var got []byte
	err := kv.View(context.Background(), store, func(tx kv.Tx) error {
		v, err := tx.Get(context.Background(), []byte(key))
		got = v
		return err
	})
	require.NoError(t, err)
	return string(got)
}

func collect(t *testing.T, tx kv.Tx, rng kv.RawRange) (keys, values []string) {
	t.Helper()
	cur, err := tx.Scan(context.Background(), rng)
	require.NoError(t, err)
	defer cur.Close()
	for cur.Next() {
		keys = append(keys, string(cur.Key()))
		values = append(values, string(cur.Value()))
	}
	return keys, values
}

func testGetSetDel(t *testing.T, store kv.Store) {
	ctx := context.Background()
	put(t, store, "a", "1", "b", "2")
	require.Equal(t, "1", get(t, store, "a"))
	require.Equal(t, "2", get(t, store, "b"))
	require.Equal(t, "", get(t, store, "missing"))

	_, err := kv.WithRetries(ctx, store, 0, func(tx kv.Tx) error {
		return tx.Del(ctx, []byte("a"))
	})
	require.NoError(t, err)
	require.Equal(t, "", get(t, store, "a"))
	require.Equal(t, "2", get(t, store, "b"))
}

func testReadYourOwnWrites(t *testing.T, store kv.Store) {
	ctx := context.Background()
	put(t, store, "a", "old")
	_, err := kv.WithRetries(ctx, store, 0, func(tx kv.Tx) error {
		require.NoError(t, tx.Set(ctx, []byte("a"), []byte("new")))
		require.NoError(t, tx.Set(ctx, []byte("b"), []byte("added")))
		v, err := tx.Get(ctx, []byte("a"))
		require.NoError(t, err)
		require.Equal(t, "new", string(v))
		require.NoError(t, tx.Del(ctx, []byte("b")))
		v, err = tx.Get(ctx, []byte("b"))
		require.NoError(t, err)
		require.Nil(t, v)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, "new", get(t, store, "a"))
	require.Equal(t, "", get(t, store, "b"))
}

func testSnapshotIsolation(t *testing.T, store kv.Store) {
	ctx := context.Background()
	put(t, store, "a", "old")

	rtx, err := store.Begin(ctx, false)
	require.NoError(t, err)
	defer rtx.Cancel()

	put(t, store, "a", "new", "b", "added")

	v, err := rtx.Get(ctx, []byte("a"))
	require.NoError(t, err)
	require.Equal(t, "old", string(v))
	v, err = rtx.Get(ctx, []byte("b"))
	require.NoError(t, err)
	require.Nil(t, v)
}

func testCancelDiscards(t *testing.T, store kv.Store) {
	ctx := context.Background()
	tx, err := store.Begin(ctx, true)
	require.NoError(t, err)
	require.NoError(t, tx.Set(ctx, []byte("a"), []byte("1")))
	require.NoError(t, tx.Cancel())
	require.Equal(t, "", get(t, store, "a"))
}

func testReadOnly(t *testing.T, store kv.Store) {
	ctx := context.Background()
	tx, err := store.Begin(ctx, false)
	require.NoError(t, err)
	defer tx.Cancel()
	require.False(t, tx.Writable())
	require.ErrorIs(t, tx.Set(ctx, []byte("a"), []byte("1")), kv.ErrReadOnly)
	require.ErrorIs(t, tx.Del(ctx, []byte("a")), kv.ErrReadOnly)
	require.ErrorIs(t, tx.SetVersionstamped(ctx, []byte("#"), []byte("1")), kv.ErrReadOnly)
}

func testClosedTx(t *testing.T, store kv.Store) {
	ctx := context.Background()
	tx, err := store.Begin(ctx, true)
	require.NoError(t, err)
	require.NoError(t, tx.Cancel())
	_, err = tx.Get(ctx, []byte("a"))
	require.ErrorIs(t, err, kv.ErrTxClosed)
	require.ErrorIs(t, tx.Set(ctx, []byte("a"), []byte("1")), kv.ErrTxClosed)
	_, err = tx.Commit(ctx)
	require.ErrorIs(t, err, kv.ErrTxClosed)
}

func testScanOrdered(t *testing.T, store kv.Store) {
	put(t, store, "b", "2", "a", "1", "d", "4", "c", "3")
	err := kv.View(context.Background(), store, func(tx kv.Tx) error {
		keys, values := collect(t, tx, kv.RawOO())
		require.Equal(t, []string{"a", "b", "c", "d"}, keys)
		require.Equal(t, []string{"1", "2", "3", "4"}, values)

		keys, _ = collect(t, tx, kv.RawIE([]byte("b"), []byte("d")))
		require.Equal(t, []string{"b", "c"}, keys)

		keys, _ = collect(t, tx, kv.RawEO([]byte("b")))
		require.Equal(t, []string{"c", "d"}, keys)
		return nil
	})
	require.NoError(t, err)
}

func testScanReverse(t *testing.T, store kv.Store) {
	put(t, store, "a", "1", "b", "2", "c", "3")
	err := kv.View(context.Background(), store, func(tx kv.Tx) error {
		keys, _ := collect(t, tx, kv.RawOO().Reversed())
		require.Equal(t, []string{"c", "b", "a"}, keys)

		keys, _ = collect(t, tx, kv.RawOE([]byte("c")).Reversed())
		require.Equal(t, []string{"b", "a"}, keys)
		return nil
	})
	require.NoError(t, err)
}

func testScanPrefix(t *testing.T, store kv.Store) {
	// "ab" must not match the "a" entries' neighbor "abc" group.
	put(t, store, "a/1", "x", "a/2", "x", "ab/1", "x", "b/1", "x")
	err := kv.View(context.Background(), store, func(tx kv.Tx) error {
		keys, _ := collect(t, tx, kv.RawPrefix([]byte("a/")))
		require.Equal(t, []string{"a/1", "a/2"}, keys)

		keys, _ = collect(t, tx, kv.RawPrefix([]byte("a/")).Reversed())
		require.Equal(t, []string{"a/2", "a/1"}, keys)
		return nil
	})
	require.NoError(t, err)
}

func testScanBuffered(t *testing.T, store kv.Store) {
	ctx := context.Background()
	put(t, store, "a", "1", "b", "2", "c", "3")
	_, err := kv.WithRetries(ctx, store, 0, func(tx kv.Tx) error {
		require.NoError(t, tx.Set(ctx, []byte("b"), []byte("2!")))
		require.NoError(t, tx.Set(ctx, []byte("bb"), []byte("new")))
		require.NoError(t, tx.Del(ctx, []byte("c")))
		keys, values := collect(t, tx, kv.RawOO())
		require.Equal(t, []string{"a", "b", "bb"}, keys)
		require.Equal(t, []string{"1", "2!", "new"}, values)

		keys, _ = collect(t, tx, kv.RawOO().Reversed())
		require.Equal(t, []string{"bb", "b", "a"}, keys)
		return nil
	})
	require.NoError(t, err)
}

func testScanEarlyClose(t *testing.T, store kv.Store) {
	ctx := context.Background()
	put(t, store, "a", "1", "b", "2", "c", "3")
	err := kv.View(ctx, store, func(tx kv.Tx) error {
		cur, err := tx.Scan(ctx, kv.RawOO())
		require.NoError(t, err)
		require.True(t, cur.Next())
		cur.Close()

		// The transaction stays usable after abandoning a cursor.
		v, err := tx.Get(ctx, []byte("c"))
		require.NoError(t, err)
		require.Equal(t, "3", string(v))
		return nil
	})
	require.NoError(t, err)
}

func testVersionstampsIncrease(t *testing.T, store kv.Store) {
	ctx := context.Background()
	var last kv.Versionstamp
	for i := 0; i < 3; i++ {
		ts, err := kv.WithRetries(ctx, store, 0, func(tx kv.Tx) error {
			return tx.Set(ctx, []byte("k"), []byte{byte(i)})
		})
		require.NoError(t, err)
		require.Greater(t, ts, last)
		last = ts
	}
}

func testVersionstampedKeys(t *testing.T, store kv.Store) {
	ctx := context.Background()
	prefix := []byte("#feed/")
	ts, err := kv.WithRetries(ctx, store, 0, func(tx kv.Tx) error {
		require.NoError(t, tx.SetVersionstamped(ctx, prefix, []byte("first")))
		require.NoError(t, tx.SetVersionstamped(ctx, prefix, []byte("second")))
		return nil
	})
	require.NoError(t, err)

	err = kv.View(ctx, store, func(tx kv.Tx) error {
		keys, values := collect(t, tx, kv.RawPrefix(prefix))
		require.Len(t, keys, 2)
		require.Equal(t, []string{"first", "second"}, values)
		for seq, k := range keys {
			suffix := []byte(k)[len(prefix):]
			require.Len(t, suffix, 12)
			require.Equal(t, uint64(ts), binary.BigEndian.Uint64(suffix[:8]))
			require.Equal(t, uint32(seq), binary.BigEndian.Uint32(suffix[8:]))
		}
		return nil
	})
	require.NoError(t, err)
}

func testConflict(t *testing.T, store kv.Store) {
	ctx := context.Background()
	put(t, store, "k", "0")

	tx1, err := store.Begin(ctx, true)
	require.NoError(t, err)
	defer tx1.Cancel()
	tx2, err := store.Begin(ctx, true)
	require.NoError(t, err)
	defer tx2.Cancel()

	_, err = tx1.Get(ctx, []byte("k"))
	require.NoError(t, err)
	_, err = tx2.Get(ctx, []byte("k"))
	require.NoError(t, err)

	require.NoError(t, tx1.Set(ctx, []byte("k"), []byte("1")))
	require.NoError(t, tx2.Set(ctx, []byte("k"), []byte("2")))

	_, err = tx1.Commit(ctx)
	require.NoError(t, err)
	_, err = tx2.Commit(ctx)
	require.ErrorIs(t, err, kv.ErrConflict)
	require.Equal(t, "1", get(t, store, "k"))
}

func testRetriesExhausted(t *testing.T, store kv.Store) {
	ctx := context.Background()
	put(t, store, "k", "0")

	// Every attempt reads k and then loses to an interfering commit.
	_, err := kv.WithRetries(ctx, store, 3, func(tx kv.Tx) error {
		if _, err := tx.Get(ctx, []byte("k")); err != nil {
			return err
		}
		interfere, err := store.Begin(ctx, true)
		if err != nil {
			return err
		}
		if err := interfere.Set(ctx, []byte("k"), []byte("interfered")); err != nil {
			return err
		}
		if _, err := interfere.Commit(ctx); err != nil {
			return err
		}
		return tx.Set(ctx, []byte("k"), []byte("mine"))
	})
	require.ErrorIs(t, err, kv.ErrRetriesExceeded)
	require.Equal(t, "interfered", get(t, store, "k"))
}

func testSerializedWriters(t *testing.T, store kv.Store) {
	ctx := context.Background()
	put(t, store, "k", "0")

	tx1, err := store.Begin(ctx, true)
	require.NoError(t, err)
	require.NoError(t, tx1.Set(ctx, []byte("k"), []byte("1")))

	done := make(chan error, 1)
	go func() {
		tx2, err := store.Begin(ctx, true)
		if err != nil {
			done <- err
			return
		}
		v, err := tx2.Get(ctx, []byte("k"))
		if err != nil {
			done <- err
			return
		}
		if string(v) != "1" {
			tx2.Cancel()
			done <- fmt.Errorf("second writer sees %q, want committed value", v)
			return
		}
		if err := tx2.Set(ctx, []byte("k"), []byte("2")); err != nil {
			done <- err
			return
		}
		_, err = tx2.Commit(ctx)
		done <- err
	}()

	_, err = tx1.Commit(ctx)
	require.NoError(t, err)
	require.NoError(t, <-done)
	require.Equal(t, "2", get(t, store, "k"))
}
