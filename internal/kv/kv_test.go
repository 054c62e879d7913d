package kv_test

import (
	"testing"

	"github.com/ecowatt-edge/firmware/internal/faultkind"
	"github.com/ecowatt-edge/firmware/internal/kv"
	"github.com/stretchr/testify/require"
)

func TestGetUint64MaterializesDefault(t *testing.T) {
	backend := kv.NewMapBackend()
	store := kv.New(backend)

	v, err := store.GetUint64(kv.NamespaceFreq, "poll_us", 5_000_000)
	require.NoError(t, err)
	require.Equal(t, uint64(5_000_000), v)

	raw, ok, err := backend.Get(kv.NamespaceFreq, "poll_us")
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, raw, 8)

	// second read is idempotent, returning the materialized value unchanged
	v2, err := store.GetUint64(kv.NamespaceFreq, "poll_us", 1)
	require.NoError(t, err)
	require.Equal(t, v, v2)
}

func TestPutThenGetRoundTrips(t *testing.T) {
	store := kv.New(kv.NewMapBackend())
	require.NoError(t, store.PutUint64(kv.NamespaceSecurity, "nonce", 42))
	v, err := store.GetUint64(kv.NamespaceSecurity, "nonce", 0)
	require.NoError(t, err)
	require.Equal(t, uint64(42), v)
}

func TestStorageUnavailableIsDistinguishableFromMissingKey(t *testing.T) {
	backend := kv.NewMapBackend()
	store := kv.New(backend)

	// missing key with backend healthy: no error, default materialized
	_, err := store.GetUint64(kv.NamespaceOTA, "chunks", 0)
	require.NoError(t, err)

	backend.SetFailing(true)
	_, err = store.GetUint64(kv.NamespaceOTA, "bytes", 0)
	require.Error(t, err)
	f, ok := faultkind.As(err)
	require.True(t, ok)
	require.Equal(t, faultkind.Storage, f.Kind)
}

func TestExistsAndDelete(t *testing.T) {
	store := kv.New(kv.NewMapBackend())
	ok, err := store.Exists(kv.NamespacePower, "enabled")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.PutBool(kv.NamespacePower, "enabled", true))
	ok, err = store.Exists(kv.NamespacePower, "enabled")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, store.Delete(kv.NamespacePower, "enabled"))
	ok, err = store.Exists(kv.NamespacePower, "enabled")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestBlobRoundTrip(t *testing.T) {
	store := kv.New(kv.NewMapBackend())
	_, ok, err := store.GetBlob(kv.NamespaceReadRegs, "vector")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.PutBlob(kv.NamespaceReadRegs, "vector", []byte{0, 1, 2}))
	v, ok, err := store.GetBlob(kv.NamespaceReadRegs, "vector")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte{0, 1, 2}, v)
}
