package levelkv_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetradb/tetra/kv"
	"github.com/tetradb/tetra/kv/kvtest"
	"github.com/tetradb/tetra/kv/levelkv"
)

func TestStore(t *testing.T) {
	kvtest.Run(t, func(t *testing.T) kv.Store {
		store, err := levelkv.Open(filepath.Join(t.TempDir(), "leveldb"), levelkv.Options{IsTesting: true})
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		return store
	})
}

func TestReopenKeepsDataAndVersionstamps(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "leveldb")

	store, err := levelkv.Open(path, levelkv.Options{IsTesting: true})
	require.NoError(t, err)
	ts1, err := kv.WithRetries(ctx, store, 0, func(tx kv.Tx) error {
		return tx.Set(ctx, []byte("k"), []byte("v"))
	})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = levelkv.Open(path, levelkv.Options{IsTesting: true})
	require.NoError(t, err)
	defer store.Close()

	err = kv.View(ctx, store, func(tx kv.Tx) error {
		v, err := tx.Get(ctx, []byte("k"))
		require.NoError(t, err)
		require.Equal(t, "v", string(v))
		return nil
	})
	require.NoError(t, err)

	ts2, err := kv.WithRetries(ctx, store, 0, func(tx kv.Tx) error {
		return tx.Set(ctx, []byte("k"), []byte("v2"))
	})
	require.NoError(t, err)
	require.Greater(t, ts2, ts1)
}

func TestMetaKeyHiddenFromScans(t *testing.T) {
	ctx := context.Background()
	store, err := levelkv.Open(filepath.Join(t.TempDir(), "leveldb"), levelkv.Options{IsTesting: true})
	require.NoError(t, err)
	defer store.Close()

	_, err = kv.WithRetries(ctx, store, 0, func(tx kv.Tx) error {
		return tx.Set(ctx, []byte("k"), []byte("v"))
	})
	require.NoError(t, err)

	err = kv.View(ctx, store, func(tx kv.Tx) error {
		cur, err := tx.Scan(ctx, kv.RawOO())
		require.NoError(t, err)
		defer cur.Close()
		var keys []string
		for cur.Next() {
			keys = append(keys, string(cur.Key()))
		}
		require.Equal(t, []string{"k"}, keys)
		return nil
	})
	require.NoError(t, err)
}
