package envelope_test

import (
	"encoding/base64"
	"testing"

	"github.com/ecowatt-edge/firmware/internal/envelope"
	"github.com/ecowatt-edge/firmware/internal/kv"
	"github.com/stretchr/testify/require"
)

func newSealer(t *testing.T) (*envelope.Sealer, []byte) {
	t.Helper()
	store := kv.New(kv.NewMapBackend())
	nonces, err := envelope.NewNonceCounter(store, 1)
	require.NoError(t, err)
	key := []byte("test-mac-key")
	return envelope.NewSealer(key, nonces), key
}

type payload struct {
	DeviceID string `json:"device_id"`
	Total    int    `json:"total_samples"`
}

func TestSecureProducesVerifiableEnvelope(t *testing.T) {
	sealer, key := newSealer(t)
	env, err := sealer.Secure(payload{DeviceID: "dev-1", Total: 3})
	require.NoError(t, err)
	require.Equal(t, uint64(2), env.Nonce) // seed 1, Next() post-increments to 2
	require.False(t, env.Encrypted)

	decoded, err := base64.StdEncoding.DecodeString(env.Payload)
	require.NoError(t, err)
	require.Contains(t, string(decoded), "dev-1")

	ok, err := envelope.Verify(key, env)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestNonceStrictlyMonotonic(t *testing.T) {
	sealer, _ := newSealer(t)
	var last uint64
	for i := 0; i < 50; i++ {
		env, err := sealer.Secure(payload{DeviceID: "dev-1", Total: i})
		require.NoError(t, err)
		require.Greater(t, env.Nonce, last)
		last = env.Nonce
	}
}

func TestBitFlipInPayloadBreaksMAC(t *testing.T) {
	sealer, key := newSealer(t)
	env, err := sealer.Secure(payload{DeviceID: "dev-1", Total: 9})
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(env.Payload)
	require.NoError(t, err)
	raw[0] ^= 0x01
	env.Payload = base64.StdEncoding.EncodeToString(raw)

	ok, err := envelope.Verify(key, env)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestBitFlipInNonceBreaksMAC(t *testing.T) {
	sealer, key := newSealer(t)
	env, err := sealer.Secure(payload{DeviceID: "dev-1", Total: 9})
	require.NoError(t, err)

	env.Nonce ^= 1
	ok, err := envelope.Verify(key, env)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestNoncePersistedAcrossCrash(t *testing.T) {
	store := kv.New(kv.NewMapBackend())
	nonces, err := envelope.NewNonceCounter(store, 1)
	require.NoError(t, err)
	sealer := envelope.NewSealer([]byte("k"), nonces)

	var lastNonce uint64
	for i := 0; i < 10; i++ {
		env, err := sealer.Secure(payload{DeviceID: "d", Total: i})
		require.NoError(t, err)
		lastNonce = env.Nonce
	}

	// simulate a reset: rebuild the counter from the same backing store
	restarted, err := envelope.NewNonceCounter(store, 1)
	require.NoError(t, err)
	restartedSealer := envelope.NewSealer([]byte("k"), restarted)
	env, err := restartedSealer.Secure(payload{DeviceID: "d", Total: 99})
	require.NoError(t, err)
	require.GreaterOrEqual(t, env.Nonce, lastNonce+1)
}
