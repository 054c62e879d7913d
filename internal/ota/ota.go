// Package ota implements the OTA update state machine described in spec.md
// §4.8: idle -> checking -> downloading -> verifying -> committing ->
// complete/failed/rolled-back, chunk-wise AES-256-CBC decryption, streamed
// SHA-256 over the reconstructed image, RSA-2048-PSS signature verification,
// a platform magic-byte check, and the persisted post-boot rollback counter.
package ota

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"hash"
	"time"

	"github.com/ecowatt-edge/firmware/internal/cryptoprim"
	"github.com/ecowatt-edge/firmware/internal/faultkind"
	"github.com/ecowatt-edge/firmware/internal/kv"
	"github.com/ecowatt-edge/firmware/internal/netclient"
	"github.com/ecowatt-edge/firmware/internal/obslog"
	"github.com/ecowatt-edge/firmware/internal/runtime"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// State names one node of the OTA state machine (spec.md §4.8).
type State string

const (
	StateIdle        State = "idle"
	StateChecking    State = "checking"
	StateDownloading State = "downloading"
	StateVerifying   State = "verifying"
	StateCommitting  State = "committing"
	StateComplete    State = "complete"
	StateFailed      State = "failed"
	StateRolledBack  State = "rolled_back"
)

// KV keys under kv.NamespaceOTA.
const (
	keyNeedsVerification = "needs_verification"
	keyPendingVersion    = "pending_version"
	keyBootAttempts      = "boot_attempts"
	keySuccessCount      = "success_count"
	keyFailureCount      = "failure_count"
	keyRollbackCount     = "rollback_count"
)

// session is the live record of one OTA download attempt (spec.md §3 "OTA
// session"), held only in memory: a crash mid-download simply loses it, and
// the next check-for-update cycle starts fresh.
type session struct {
	localID   string // google/uuid, log-correlation only, independent of the server's session_id
	serverID  string
	version   string
	manifest  netclient.ManifestRecord
	startedAt time.Time
	nextChunk int
	iv        []byte // rolling CBC IV: manifest IV for chunk 0, previous ciphertext tail after
	firstByte byte
	haveFirst bool
	hasher    hash.Hash
}

// Machine drives the state machine described above. One Machine exists per
// device; Cycle is the CycleFunc the task runtime's OTA task invokes once
// per period (spec.md §4.6 task table).
type Machine struct {
	store         *kv.Store
	client        *netclient.OTAClient
	faults        *netclient.FaultClient
	keys          cryptoprim.Keys
	scheduler     *runtime.Scheduler
	partition     Partition
	rebooter      Rebooter
	log           *obslog.Logger
	chunkPace     *rate.Limiter
	staleAfter    time.Duration
	maxRollback   int
	deviceVersion func() string

	state   State
	current *session
}

// Config bundles Machine's construction-time dependencies.
type Config struct {
	Store         *kv.Store
	Client        *netclient.OTAClient
	Faults        *netclient.FaultClient
	Keys          cryptoprim.Keys
	Scheduler     *runtime.Scheduler
	Partition     Partition
	Rebooter      Rebooter
	Log           *obslog.Logger
	StaleAfter    time.Duration
	MaxRollback   int
	ChunkPerSec   int // x/time/rate token bucket: chunks/second ceiling on the download loop
	DeviceVersion func() string
}

func NewMachine(cfg Config) *Machine {
	if cfg.ChunkPerSec <= 0 {
		cfg.ChunkPerSec = 4
	}
	return &Machine{
		store:         cfg.Store,
		client:        cfg.Client,
		faults:        cfg.Faults,
		keys:          cfg.Keys,
		scheduler:     cfg.Scheduler,
		partition:     cfg.Partition,
		rebooter:      cfg.Rebooter,
		log:           cfg.Log,
		chunkPace:     rate.NewLimiter(rate.Limit(cfg.ChunkPerSec), 1),
		staleAfter:    cfg.StaleAfter,
		maxRollback:   cfg.MaxRollback,
		deviceVersion: cfg.DeviceVersion,
		state:         StateIdle,
	}
}

// State reports the machine's current node, for the Supervisor's health
// report and tests.
func (m *Machine) State() State { return m.state }

// Cycle is the OTA task's CycleFunc (spec.md §4.6): with no session in
// flight, poll for an update; with one in flight, continue it or abort it if
// stale.
func (m *Machine) Cycle(ctx context.Context) error {
	if m.current == nil {
		return m.checkForUpdate(ctx)
	}
	if time.Since(m.current.startedAt) > m.staleAfter {
		m.log.Warning().Str("session", m.current.localID).Dur("age", time.Since(m.current.startedAt)).
			Log("ota: session exceeded stale threshold, auto-replacing")
		m.abort(ctx, "stale_session_replaced")
		return nil
	}
	return m.continueDownload(ctx)
}

func (m *Machine) checkForUpdate(ctx context.Context) error {
	m.state = StateChecking
	manifest, available, err := m.client.CheckManifest(ctx, m.deviceVersion())
	if err != nil {
		m.state = StateIdle
		return err
	}
	if !available {
		m.state = StateIdle
		return nil
	}

	serverID, err := m.client.Initiate(ctx, manifest.Version)
	if err != nil {
		m.state = StateIdle
		return err
	}

	iv, err := hex.DecodeString(manifest.IV)
	if err != nil {
		m.reportFailure(ctx, faultkind.OTAManifest, "ota: manifest iv is not valid hex")
		m.state = StateFailed
		return faultkind.Wrap(faultkind.OTAManifest, err, "ota: decode manifest iv")
	}

	m.partition.Reset()
	m.current = &session{
		localID:   uuid.NewString(),
		serverID:  serverID,
		version:   manifest.Version,
		manifest:  manifest,
		startedAt: time.Now(),
		iv:        iv,
		hasher:    cryptoprim.NewSHA256(),
	}
	m.state = StateDownloading
	// spec.md §4.8: OTA download suspends every other task for the duration.
	m.scheduler.SuspendAllExcept(runtime.TaskOTA)
	if err := m.store.PutBlob(kv.NamespaceOTA, "active_session_id", []byte(m.current.localID)); err != nil {
		m.log.Warning().Err(err).Log("ota: failed to persist active session id")
	}
	m.log.Info().Str("version", manifest.Version).Int("chunks", manifest.TotalChunks).
		Log("ota: session started, downloading")
	return nil
}

// continueDownload fetches chunks at the chunk-pacing rate until the session
// completes, the context is cancelled, or a fault aborts it. Returning
// leaves remaining work for the next cycle when ctx is cancelled mid-loop.
func (m *Machine) continueDownload(ctx context.Context) error {
	s := m.current
	for s.nextChunk < s.manifest.TotalChunks {
		if err := m.chunkPace.Wait(ctx); err != nil {
			return nil // out of time this cycle; resume next cycle
		}
		if err := m.fetchAndDecryptChunk(ctx, s); err != nil {
			m.reportFailure(ctx, faultkind.OTAChunk, err.Error())
			m.abort(ctx, "chunk_fetch_failed")
			return err
		}
	}
	return m.verifyAndCommit(ctx)
}

func (m *Machine) fetchAndDecryptChunk(ctx context.Context, s *session) error {
	raw, size, err := m.client.FetchChunk(ctx, s.version, s.nextChunk)
	if err != nil {
		return fmt.Errorf("ota: fetch chunk %d: %w", s.nextChunk, err)
	}
	if size != len(raw) {
		return fmt.Errorf("ota: chunk %d size mismatch: advertised %d, got %d", s.nextChunk, size, len(raw))
	}

	plain, err := cryptoprim.DecryptCBC(m.keys.FirmwareKey[:], s.iv, raw)
	if err != nil {
		return fmt.Errorf("ota: decrypt chunk %d: %w", s.nextChunk, err)
	}
	if len(raw) >= 16 {
		s.iv = raw[len(raw)-16:] // CBC chaining: next IV is this chunk's ciphertext tail
	}

	isLast := s.nextChunk == s.manifest.TotalChunks-1
	if isLast {
		plain, err = cryptoprim.StripPKCS7(plain, 16)
		if err != nil {
			return fmt.Errorf("ota: strip padding on final chunk: %w", err)
		}
	}

	if len(s.manifest.ChunkMAC) > s.nextChunk && s.manifest.ChunkMAC[s.nextChunk] != "" {
		want, err := hex.DecodeString(s.manifest.ChunkMAC[s.nextChunk])
		if err != nil {
			return fmt.Errorf("ota: chunk %d mac is not valid hex: %w", s.nextChunk, err)
		}
		got := cryptoprim.MACSHA256(m.keys.MACKey[:], plain)
		if !cryptoprim.MACEqual(got[:], want) {
			return fmt.Errorf("ota: chunk %d mac mismatch", s.nextChunk)
		}
	}

	if !s.haveFirst && len(plain) > 0 {
		s.firstByte = plain[0]
		s.haveFirst = true
	}
	s.hasher.Write(plain)
	if err := m.partition.Write(plain); err != nil {
		return fmt.Errorf("ota: write chunk %d to inactive partition: %w", s.nextChunk, err)
	}
	s.nextChunk++
	return nil
}

func (m *Machine) verifyAndCommit(ctx context.Context) error {
	s := m.current
	m.state = StateVerifying

	if !s.haveFirst || s.firstByte != PlatformMagic {
		m.reportFailure(ctx, faultkind.OTAManifest, "ota: reconstructed image failed platform magic check")
		m.abort(ctx, "platform_magic_mismatch")
		return fmt.Errorf("ota: platform magic check failed")
	}

	digest := s.hasher.Sum(nil)
	wantHash, err := hex.DecodeString(s.manifest.SHA256Hash)
	if err != nil || !cryptoprim.MACEqual(digest, wantHash) {
		m.reportFailure(ctx, faultkind.OTAHash, "ota: reconstructed image hash mismatch")
		m.abort(ctx, "hash_mismatch")
		return fmt.Errorf("ota: hash mismatch")
	}

	pub, err := parseSignerKey(m.keys.SignerPublic)
	if err != nil {
		m.reportFailure(ctx, faultkind.OTASignature, "ota: signer public key is unparsable")
		m.abort(ctx, "signer_key_invalid")
		return err
	}
	sig, err := hex.DecodeString(s.manifest.Signature)
	var digestArr [32]byte
	copy(digestArr[:], digest)
	if err != nil || !cryptoprim.VerifyPSS(pub, digestArr, sig) {
		m.reportFailure(ctx, faultkind.OTASignature, "ota: manifest signature verification failed")
		m.abort(ctx, "signature_invalid")
		return fmt.Errorf("ota: signature verification failed")
	}

	return m.commit(ctx)
}

func (m *Machine) commit(ctx context.Context) error {
	s := m.current
	m.state = StateCommitting

	if err := m.store.PutString(kv.NamespaceOTA, keyPendingVersion, s.version); err != nil {
		return err
	}
	if err := m.store.PutBool(kv.NamespaceOTA, keyNeedsVerification, true); err != nil {
		return err
	}
	if err := m.store.PutUint64(kv.NamespaceOTA, keyBootAttempts, 0); err != nil {
		return err
	}

	if err := m.client.Complete(ctx, true); err != nil {
		m.log.Warning().Err(err).Log("ota: server-side complete(true) report failed, proceeding with local commit anyway")
	}

	m.state = StateComplete
	m.log.Info().Str("version", s.version).Log("ota: verified image committed, rebooting")
	m.current = nil
	m.rebooter.Reboot("ota_commit")
	return nil
}

// abort cancels the in-flight session, resumes every suspended task, and
// reports the outcome to the server best-effort.
func (m *Machine) abort(ctx context.Context, reason string) {
	if m.current != nil {
		_ = m.client.Complete(ctx, false)
		m.current = nil
	}
	m.partition.Reset()
	m.scheduler.ResumeAll()
	_ = m.store.Delete(kv.NamespaceOTA, "active_session_id")
	m.state = StateFailed
	m.incrementCounter(keyFailureCount)
	m.log.Warning().Str("reason", reason).Log("ota: session aborted, tasks resumed")
}

func (m *Machine) reportFailure(ctx context.Context, kind faultkind.Kind, detail string) {
	if m.faults == nil {
		return
	}
	_ = m.faults.Report(ctx, netclient.FaultReport{
		Timestamp:      time.Now().Unix(),
		FaultType:      string(kind),
		RecoveryAction: "ota_abort",
		Success:        false,
		Details:        detail,
	})
}

func (m *Machine) incrementCounter(key string) {
	v, err := m.store.GetUint64(kv.NamespaceOTA, key, 0)
	if err != nil {
		return
	}
	_ = m.store.PutUint64(kv.NamespaceOTA, key, v+1)
}

func parseSignerKey(der []byte) (*rsa.PublicKey, error) {
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("ota: parse signer public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("ota: signer public key is not RSA")
	}
	return rsaPub, nil
}

// VerifyPostBoot implements the post-reboot needs-verification handler
// (spec.md §4.8 step 6): called once at process start, before the task
// runtime starts, to decide whether the boot that just happened was an OTA
// commit boot, and if so whether it succeeded, per the persisted rollback
// counter (spec.md §4.8: "max rollback attempts" from config).
func (m *Machine) VerifyPostBoot(ctx context.Context) error {
	needsVerification, err := m.store.GetBool(kv.NamespaceOTA, keyNeedsVerification, false)
	if err != nil || !needsVerification {
		return nil
	}
	version, _ := m.store.GetString(kv.NamespaceOTA, keyPendingVersion, "")
	attempts, _ := m.store.GetUint64(kv.NamespaceOTA, keyBootAttempts, 0)
	attempts++
	_ = m.store.PutUint64(kv.NamespaceOTA, keyBootAttempts, attempts)

	if int(attempts) > m.maxRollback {
		m.incrementCounter(keyRollbackCount)
		_ = m.store.PutBool(kv.NamespaceOTA, keyNeedsVerification, false)
		_ = m.store.Delete(kv.NamespaceOTA, keyPendingVersion)
		m.state = StateRolledBack
		m.log.Err().Str("version", version).Uint64("attempts", attempts).
			Log("ota: rollback attempts exhausted, reverting to previous firmware")
		return m.client.PostRebootComplete(ctx, version, "rolled_back", "exceeded max rollback attempts")
	}

	// Reaching this line at all means the new firmware ran far enough to
	// execute the task runtime's boot sequence, which this firmware core
	// treats as the verification signal (spec.md leaves the exact
	// self-test criteria device-specific).
	m.incrementCounter(keySuccessCount)
	_ = m.store.PutBool(kv.NamespaceOTA, keyNeedsVerification, false)
	_ = m.store.PutUint64(kv.NamespaceOTA, keyBootAttempts, 0)
	m.state = StateComplete
	m.log.Info().Str("version", version).Log("ota: post-boot verification passed")
	return m.client.PostRebootComplete(ctx, version, "success", "")
}
