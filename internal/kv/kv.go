// Package kv implements the typed, namespaced front end over a durable
// key/value backend described in spec.md §4.1. Namespaces partition
// unrelated settings families (timings, selection, security, OTA progress);
// writes are serialised under a single mutex held with unbounded wait.
package kv

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/ecowatt-edge/firmware/internal/faultkind"
)

// Backend is the durable storage contract the Store sits on top of. A real
// target implements this against flash-backed NVS; tests use the in-memory
// MapBackend below.
type Backend interface {
	Get(namespace, key string) ([]byte, bool, error)
	Put(namespace, key string, val []byte) error
	Delete(namespace, key string) error
}

// Store is the typed, namespaced KV front end. All methods are safe for
// concurrent use; writes are serialised under mu (spec.md §4.6
// "kv_mutex").
type Store struct {
	backend Backend
	mu      sync.Mutex
}

func New(backend Backend) *Store {
	return &Store{backend: backend}
}

// unavailable wraps a backend error as the distinguishable "storage
// unavailable" condition (spec.md §4.1).
func unavailable(err error) error {
	return faultkind.Wrap(faultkind.Storage, err, "kv store unavailable")
}

// GetUint64 returns the stored value, or def materialized on first read if
// the key is absent, making subsequent reads idempotent (spec.md §4.1).
func (s *Store) GetUint64(namespace, key string, def uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok, err := s.backend.Get(namespace, key)
	if err != nil {
		return def, unavailable(err)
	}
	if !ok {
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, def)
		if err := s.backend.Put(namespace, key, buf); err != nil {
			return def, unavailable(err)
		}
		return def, nil
	}
	if len(raw) != 8 {
		return def, fmt.Errorf("kv: %s/%s: corrupt uint64 value", namespace, key)
	}
	return binary.BigEndian.Uint64(raw), nil
}

func (s *Store) PutUint64(namespace, key string, val uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, val)
	if err := s.backend.Put(namespace, key, buf); err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *Store) GetByte(namespace, key string, def byte) (byte, error) {
	v, err := s.GetUint64(namespace, key, uint64(def))
	return byte(v), err
}

func (s *Store) PutByte(namespace, key string, val byte) error {
	return s.PutUint64(namespace, key, uint64(val))
}

func (s *Store) GetBool(namespace, key string, def bool) (bool, error) {
	v, err := s.GetUint64(namespace, key, boolToU64(def))
	return v != 0, err
}

func (s *Store) PutBool(namespace, key string, val bool) error {
	return s.PutUint64(namespace, key, boolToU64(val))
}

func boolToU64(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func (s *Store) GetString(namespace, key string, def string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok, err := s.backend.Get(namespace, key)
	if err != nil {
		return def, unavailable(err)
	}
	if !ok {
		if err := s.backend.Put(namespace, key, []byte(def)); err != nil {
			return def, unavailable(err)
		}
		return def, nil
	}
	return string(raw), nil
}

func (s *Store) PutString(namespace, key string, val string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.backend.Put(namespace, key, []byte(val)); err != nil {
		return unavailable(err)
	}
	return nil
}

// GetBlob and PutBlob handle arbitrary byte blobs (register vectors, OTA
// progress records) without the default-materialization idempotence
// guarantee given for scalars above — a missing blob returns ok=false.
func (s *Store) GetBlob(namespace, key string) (val []byte, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	val, ok, err = s.backend.Get(namespace, key)
	if err != nil {
		return nil, false, unavailable(err)
	}
	return val, ok, nil
}

func (s *Store) PutBlob(namespace, key string, val []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.backend.Put(namespace, key, val); err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *Store) Exists(namespace, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok, err := s.backend.Get(namespace, key)
	if err != nil {
		return false, unavailable(err)
	}
	return ok, nil
}

func (s *Store) Delete(namespace, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.backend.Delete(namespace, key); err != nil {
		return unavailable(err)
	}
	return nil
}

// Namespaces used across the firmware core (spec.md §6).
const (
	NamespaceFreq     = "freq"
	NamespaceReadRegs = "readregs"
	NamespaceSecurity = "security"
	NamespaceOTA      = "ota"
	NamespacePower    = "power"
)
