package memkv_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetradb/tetra/kv"
	"github.com/tetradb/tetra/kv/kvtest"
	"github.com/tetradb/tetra/kv/memkv"
)

func TestStore(t *testing.T) {
	kvtest.Run(t, func(t *testing.T) kv.Store {
		store := memkv.Open()
		t.Cleanup(func() { store.Close() })
		return store
	})
}

func TestBeginAfterClose(t *testing.T) {
	store := memkv.Open()
	require.NoError(t, store.Close())
	_, err := store.Begin(context.Background(), true)
	require.ErrorIs(t, err, kv.ErrStoreClosed)
}
