// Package content is an in-memory, content-addressed cache of file bytes
// keyed by their SHA-256 hash, shared by every higher-level cache that
// needs the raw bytes of a file without re-reading it from disk.
package content

import (
	"crypto/sha256"
	"os"
	"sync"

	"github.com/dz-tools/cxproxy/internal/common"
)

// Key is a content hash in the compact 4×uint64 SHA-256 representation, so
// it can be XOR-combined cheaply when multiple files are folded into one
// fingerprint (see internal/depscache).
type Key = common.SHA256

type entry struct {
	bytes    []byte
	refcount int32
}

// Store holds file contents keyed by Key. It never evicts on its own: an
// entry stays resident until Release has dropped every reference Put added.
// The include cache and deps cache do not call Release when they evict.
type Store struct {
	mu      sync.RWMutex
	entries map[Key]*entry
}

func NewStore() *Store {
	return &Store{entries: make(map[Key]*entry, 1024)}
}

// Put registers bytes under their content hash, bumping the refcount if
// already present (so repeated includes of the same header file share one
// backing slice instead of re-allocating).
func (s *Store) Put(b []byte) Key {
	hasher := sha256.New()
	hasher.Write(b)
	key := common.MakeSHA256Struct(hasher)

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		e.refcount++
		return key
	}
	s.entries[key] = &entry{bytes: b, refcount: 1}
	return key
}

// Get returns the bytes for key, if still resident.
func (s *Store) Get(key Key) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	return e.bytes, true
}

// Release drops one reference; once it reaches zero the bytes are dropped
// from the map, freeing them for GC.
func (s *Store) Release(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return
	}
	e.refcount--
	if e.refcount <= 0 {
		delete(s.entries, key)
	}
}

// PutFile reads path and stores its contents, returning both the key and the
// byte slice so callers avoid a second read for callers needing bytes and key
// together (the common case in the directive filter/parser pipeline).
func (s *Store) PutFile(path string) (Key, []byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Key{}, nil, err
	}
	return s.Put(b), b, nil
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
