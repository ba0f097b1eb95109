// Package filehash maps a local file path to its content hash, the stat
// observed at hash time, and per-remote upload bookkeeping, so the blob
// pipeline never re-hashes or re-uploads a file already known to a remote
// in this daemon's lifetime.
package filehash

import (
	"sync"
	"time"

	"github.com/dz-tools/cxproxy/internal/common"
	"github.com/dz-tools/cxproxy/internal/statcache"
)

// UploadState tracks what a given remote is known to already have for one
// path.
type UploadState int

const (
	NotUploaded UploadState = iota
	Uploading
	Uploaded
	UploadFailed
)

type remoteState struct {
	state      UploadState
	uploadedAt time.Time
}

type entry struct {
	size  int64
	hash  common.SHA256
	stat  statcache.Stat
	mu    sync.Mutex
	state map[string]remoteState // remoteHostPort -> state
}

// Cache tracks, per local path, its last-known hash and upload state per
// remote. It is a daemon-lifetime singleton shared by every remote
// connection; the per-remote upload state lives inside each entry.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*entry

	// knownHashes remembers every hash this daemon has ever recorded, so a
	// caller can tell "first time seeing these bytes at all" apart from "a
	// new path for bytes some other path already carried".
	knownMu     sync.Mutex
	knownHashes map[common.SHA256]struct{}
}

func New() *Cache {
	return &Cache{
		entries:     make(map[string]*entry, 1024),
		knownHashes: make(map[common.SHA256]struct{}, 1024),
	}
}

func (c *Cache) getOrCreate(path string) *entry {
	c.mu.RLock()
	e, ok := c.entries[path]
	c.mu.RUnlock()
	if ok {
		return e
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok = c.entries[path]; ok {
		return e
	}
	e = &entry{state: make(map[string]remoteState, 2)}
	c.entries[path] = e
	return e
}

// RecordHash stores the hash known for path at the given stat, invalidating
// any per-remote upload state if the hash changed since last recorded (a
// file edited between invocations must be re-uploaded everywhere). An
// invalid stat wipes the entry instead, since a hash with no stat to
// validate against can never be served confidently. The return value is
// true the first time this hash is seen across all paths.
func (c *Cache) RecordHash(path string, hash common.SHA256, stat statcache.Stat) (firstSeen bool) {
	e := c.getOrCreate(path)
	e.mu.Lock()
	if !stat.Exists {
		e.hash = common.SHA256{}
		e.size = 0
		e.stat = statcache.Stat{}
		e.state = make(map[string]remoteState, 2)
		e.mu.Unlock()
		return false
	}
	if e.hash != hash {
		e.state = make(map[string]remoteState, 2)
	}
	e.size = stat.Size
	e.hash = hash
	e.stat = stat
	e.mu.Unlock()

	c.knownMu.Lock()
	_, known := c.knownHashes[hash]
	if !known {
		c.knownHashes[hash] = struct{}{}
	}
	c.knownMu.Unlock()
	return !known
}

// Hash returns the recorded hash for path, valid only while the current
// stat still matches the one observed at hash time; a mismatch reports
// unknown so the caller re-hashes.
func (c *Cache) Hash(path string, current statcache.Stat) (common.SHA256, int64, bool) {
	c.mu.RLock()
	e, ok := c.entries[path]
	c.mu.RUnlock()
	if !ok {
		return common.SHA256{}, 0, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.hash.IsEmpty() || !e.stat.Equal(current) {
		return common.SHA256{}, 0, false
	}
	return e.hash, e.size, true
}

func (c *Cache) UploadState(path, remote string) UploadState {
	e := c.getOrCreate(path)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state[remote].state
}

// SetUploadState transitions path's per-remote state; reaching Uploaded
// stamps the time, which is never downgraded by later transitions.
func (c *Cache) SetUploadState(path, remote string, state UploadState) {
	e := c.getOrCreate(path)
	e.mu.Lock()
	defer e.mu.Unlock()
	rs := e.state[remote]
	rs.state = state
	if state == Uploaded {
		rs.uploadedAt = time.Now()
	}
	e.state[remote] = rs
}

// UploadedAt reports when path was last uploaded to remote, if ever.
func (c *Cache) UploadedAt(path, remote string) (time.Time, bool) {
	e := c.getOrCreate(path)
	e.mu.Lock()
	defer e.mu.Unlock()
	rs := e.state[remote]
	return rs.uploadedAt, !rs.uploadedAt.IsZero()
}
