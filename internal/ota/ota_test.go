package ota

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ecowatt-edge/firmware/internal/cryptoprim"
	"github.com/ecowatt-edge/firmware/internal/kv"
	"github.com/ecowatt-edge/firmware/internal/netclient"
	"github.com/ecowatt-edge/firmware/internal/obslog"
	"github.com/ecowatt-edge/firmware/internal/runtime"
	"github.com/stretchr/testify/require"
)

// buildSignedImage constructs a complete, validly-signed OTA manifest plus
// AES-256-CBC encrypted chunk bodies the test server hands back, mirroring
// the real manifest/chunk wire shapes in spec.md §6/§4.8.
func buildSignedImage(t *testing.T, plaintext []byte, firmwareKey [32]byte, signer *rsa.PrivateKey, chunkSize int) (manifest netclient.ManifestRecord, chunks [][]byte) {
	t.Helper()
	iv := bytes.Repeat([]byte{0x01}, 16)
	padded := cryptoprim.PadPKCS7(plaintext, 16)
	ciphertext, err := cryptoprim.EncryptCBC(firmwareKey[:], iv, plaintext)
	require.NoError(t, err)
	require.Equal(t, len(padded), len(ciphertext))

	digest := cryptoprim.SHA256Sum(plaintext)
	sig, err := cryptoprim.SignPSS(signer, digest)
	require.NoError(t, err)

	for off := 0; off < len(ciphertext); off += chunkSize {
		end := off + chunkSize
		if end > len(ciphertext) {
			end = len(ciphertext)
		}
		chunks = append(chunks, ciphertext[off:end])
	}

	manifest = netclient.ManifestRecord{
		Version:     "1.1.0",
		SHA256Hash:  hex.EncodeToString(digest[:]),
		Signature:   hex.EncodeToString(sig),
		IV:          hex.EncodeToString(iv),
		ChunkSize:   chunkSize,
		TotalChunks: len(chunks),
	}
	return manifest, chunks
}

type recordingRebooter struct {
	reason string
	called bool
}

func (r *recordingRebooter) Reboot(reason string) { r.called = true; r.reason = reason }

func newTestMachine(t *testing.T, handler http.HandlerFunc) (*Machine, *recordingRebooter, *kv.Store, cryptoprim.Keys) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	var keys cryptoprim.Keys
	firmwareKey := [32]byte{}
	copy(firmwareKey[:], bytes.Repeat([]byte{0x42}, 32))
	keys.FirmwareKey = firmwareKey
	copy(keys.MACKey[:], bytes.Repeat([]byte{0x24}, 32))

	signer, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&signer.PublicKey)
	require.NoError(t, err)
	keys.SignerPublic = der

	store := kv.New(kv.NewMapBackend())
	tr := netclient.NewTransport(srv.URL, "device-1", obslog.New(&bytes.Buffer{}))
	sched := runtime.NewScheduler(runtime.NewRegistry(), nil)
	rb := &recordingRebooter{}

	m := NewMachine(Config{
		Store:         store,
		Client:        netclient.NewOTAClient(tr, time.Second),
		Faults:        netclient.NewFaultClient(tr, time.Second),
		Keys:          keys,
		Scheduler:     sched,
		Partition:     NewMemoryPartition(),
		Rebooter:      rb,
		Log:           obslog.New(&bytes.Buffer{}),
		StaleAfter:    5 * time.Minute,
		MaxRollback:   2,
		ChunkPerSec:   1000,
		DeviceVersion: func() string { return "1.0.0" },
	})
	return m, rb, store, keys
}

func TestMachineHappyPathDownloadsVerifiesAndCommits(t *testing.T) {
	signer, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	var firmwareKey [32]byte
	copy(firmwareKey[:], bytes.Repeat([]byte{0x42}, 32))

	plaintext := append([]byte{0xE9}, bytes.Repeat([]byte{0xAB}, 47)...) // 48 bytes, 3 AES blocks
	manifest, chunks := buildSignedImage(t, plaintext, firmwareKey, signer, 32)

	var m *Machine
	var rb *recordingRebooter
	handler := func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == "GET" && r.URL.Path == "/ota/check/device-1":
			_ = json.NewEncoder(w).Encode(manifest)
		case r.Method == "POST" && r.URL.Path == "/ota/initiate/device-1":
			_ = json.NewEncoder(w).Encode(map[string]string{"session_id": "srv-session-1"})
		case r.Method == "GET" && r.URL.Path == "/ota/chunk/device-1":
			idx := 0
			_, _ = fmt.Sscan(r.URL.Query().Get("chunk"), &idx)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"data":  base64.StdEncoding.EncodeToString(chunks[idx]),
				"index": idx,
				"size":  len(chunks[idx]),
			})
		case r.Method == "POST" && r.URL.Path == "/ota/complete/device-1":
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}

	var keys cryptoprim.Keys
	keys.FirmwareKey = firmwareKey
	der, err := x509.MarshalPKIXPublicKey(&signer.PublicKey)
	require.NoError(t, err)
	keys.SignerPublic = der

	srv := httptest.NewServer(http.HandlerFunc(handler))
	defer srv.Close()
	store := kv.New(kv.NewMapBackend())
	tr := netclient.NewTransport(srv.URL, "device-1", obslog.New(&bytes.Buffer{}))
	sched := runtime.NewScheduler(runtime.NewRegistry(), nil)
	rb = &recordingRebooter{}
	m = NewMachine(Config{
		Store:         store,
		Client:        netclient.NewOTAClient(tr, time.Second),
		Faults:        netclient.NewFaultClient(tr, time.Second),
		Keys:          keys,
		Scheduler:     sched,
		Partition:     NewMemoryPartition(),
		Rebooter:      rb,
		Log:           obslog.New(&bytes.Buffer{}),
		StaleAfter:    5 * time.Minute,
		MaxRollback:   2,
		ChunkPerSec:   1000,
		DeviceVersion: func() string { return "1.0.0" },
	})

	require.NoError(t, m.Cycle(context.Background()))
	require.Equal(t, StateDownloading, m.State())

	require.NoError(t, m.Cycle(context.Background()))
	require.Equal(t, StateComplete, m.State())
	require.True(t, rb.called)
	require.Equal(t, "ota_commit", rb.reason)

	needsVerification, err := store.GetBool(kv.NamespaceOTA, keyNeedsVerification, false)
	require.NoError(t, err)
	require.True(t, needsVerification)
	pending, err := store.GetString(kv.NamespaceOTA, keyPendingVersion, "")
	require.NoError(t, err)
	require.Equal(t, "1.1.0", pending)
}

func TestMachineRejectsBadSignature(t *testing.T) {
	signer, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	otherSigner, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	var firmwareKey [32]byte
	copy(firmwareKey[:], bytes.Repeat([]byte{0x42}, 32))
	plaintext := append([]byte{0xE9}, bytes.Repeat([]byte{0xAB}, 47)...)
	manifest, chunks := buildSignedImage(t, plaintext, firmwareKey, otherSigner, 32) // signed by the WRONG key

	handler := func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == "GET" && r.URL.Path == "/ota/check/device-1":
			_ = json.NewEncoder(w).Encode(manifest)
		case r.Method == "POST" && r.URL.Path == "/ota/initiate/device-1":
			_ = json.NewEncoder(w).Encode(map[string]string{"session_id": "srv-session-1"})
		case r.Method == "GET" && r.URL.Path == "/ota/chunk/device-1":
			idx := 0
			_, _ = fmt.Sscan(r.URL.Query().Get("chunk"), &idx)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"data":  base64.StdEncoding.EncodeToString(chunks[idx]),
				"index": idx,
				"size":  len(chunks[idx]),
			})
		case r.Method == "POST" && r.URL.Path == "/ota/complete/device-1":
			w.WriteHeader(http.StatusOK)
		case r.Method == "POST" && r.URL.Path == "/fault/recovery":
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}

	var keys cryptoprim.Keys
	keys.FirmwareKey = firmwareKey
	der, err := x509.MarshalPKIXPublicKey(&signer.PublicKey) // the device trusts the OTHER key
	require.NoError(t, err)
	keys.SignerPublic = der

	srv := httptest.NewServer(http.HandlerFunc(handler))
	defer srv.Close()
	store := kv.New(kv.NewMapBackend())
	tr := netclient.NewTransport(srv.URL, "device-1", obslog.New(&bytes.Buffer{}))
	sched := runtime.NewScheduler(runtime.NewRegistry(), nil)
	rb := &recordingRebooter{}
	m := NewMachine(Config{
		Store: store, Client: netclient.NewOTAClient(tr, time.Second), Faults: netclient.NewFaultClient(tr, time.Second),
		Keys: keys, Scheduler: sched, Partition: NewMemoryPartition(), Rebooter: rb, Log: obslog.New(&bytes.Buffer{}),
		StaleAfter: 5 * time.Minute, MaxRollback: 2, ChunkPerSec: 1000, DeviceVersion: func() string { return "1.0.0" },
	})

	require.NoError(t, m.Cycle(context.Background()))
	err = m.Cycle(context.Background())
	require.Error(t, err)
	require.Equal(t, StateFailed, m.State())
	require.False(t, rb.called)
}

func TestMachineStaleSessionIsAutoReplaced(t *testing.T) {
	m, _, _, _ := newTestMachine(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	m.current = &session{localID: "stale-1", startedAt: time.Now().Add(-time.Hour)}
	m.state = StateDownloading

	require.NoError(t, m.Cycle(context.Background()))
	require.Nil(t, m.current)
	require.Equal(t, StateFailed, m.State())
}

func TestVerifyPostBootSucceedsWithinRollbackBudget(t *testing.T) {
	m, _, store, _ := newTestMachine(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	require.NoError(t, store.PutBool(kv.NamespaceOTA, keyNeedsVerification, true))
	require.NoError(t, store.PutString(kv.NamespaceOTA, keyPendingVersion, "1.1.0"))

	require.NoError(t, m.VerifyPostBoot(context.Background()))
	require.Equal(t, StateComplete, m.State())
	needsVerification, _ := store.GetBool(kv.NamespaceOTA, keyNeedsVerification, false)
	require.False(t, needsVerification)
}

func TestVerifyPostBootRollsBackAfterExceedingMaxAttempts(t *testing.T) {
	m, _, store, _ := newTestMachine(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	require.NoError(t, store.PutBool(kv.NamespaceOTA, keyNeedsVerification, true))
	require.NoError(t, store.PutString(kv.NamespaceOTA, keyPendingVersion, "1.1.0"))
	require.NoError(t, store.PutUint64(kv.NamespaceOTA, keyBootAttempts, 2)) // MaxRollback is 2; this boot is the 3rd

	require.NoError(t, m.VerifyPostBoot(context.Background()))
	require.Equal(t, StateRolledBack, m.State())
	needsVerification, _ := store.GetBool(kv.NamespaceOTA, keyNeedsVerification, false)
	require.False(t, needsVerification)
}

func TestVerifyPostBootIsNoOpWhenNoVerificationPending(t *testing.T) {
	m, _, _, _ := newTestMachine(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("unexpected request when no verification is pending")
	})
	require.NoError(t, m.VerifyPostBoot(context.Background()))
	require.Equal(t, StateIdle, m.State())
}
