// Package depscache persists a map from a compile-task fingerprint to the
// header set it required last time, validated on reuse by comparing each
// header's recorded directive-hash/stat rather than re-running the full
// include processor. The on-disk format uses
// google.golang.org/protobuf/encoding/protowire directly, the same
// low-level approach internal/rpc/wire takes for the network protocol; the
// file travels with a .sha256 integrity sidecar and a built-revision gate,
// and any load anomaly wipes the cache so the daemon starts cold.
package depscache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dz-tools/cxproxy/internal/common"
	"github.com/dz-tools/cxproxy/internal/statcache"
	"google.golang.org/protobuf/encoding/protowire"
)

// Fingerprint identifies a compile task: a hash of the compiler name,
// argument list, and source file path.
type Fingerprint = common.SHA256

// HeaderEntry records one header a task depended on, enough to validate
// staleness without re-walking the file (DESIGN.md's Open Question 1:
// stat-only fast path when size+mtime match, falling back to a content
// re-hash on any mismatch).
type HeaderEntry struct {
	Path          string
	Size          int64
	DirectiveHash common.SHA256 // hash of internal/directive.Filter's output, not the raw bytes
	Stat          statcache.Stat
}

// Entry is one deps-cache row: the header set a fingerprint required.
type Entry struct {
	Fingerprint Fingerprint
	Headers     []HeaderEntry
	LastUsed    time.Time
}

// Cache is the in-memory, periodically-flushed view of the persisted
// deps-cache file.
type Cache struct {
	mu      sync.RWMutex
	entries map[Fingerprint]*Entry
	path    string

	// AliveDuration drops entries untouched for longer than this at save
	// time; zero keeps the default, negative means never drop.
	AliveDuration time.Duration
	// MaxEntries caps the persisted cache to the most recently used N
	// entries; <= 0 means uncapped.
	MaxEntries int
	// MaxFileBytes rejects a persisted file larger than this at load;
	// <= 0 means the default cap.
	MaxFileBytes int64
}

const (
	defaultAliveDuration = 30 * 24 * time.Hour
	defaultMaxFileBytes  = 256 * 1024 * 1024
)

func New(persistPath string) *Cache {
	return &Cache{entries: make(map[Fingerprint]*Entry, 1024), path: persistPath}
}

func (c *Cache) Get(fp Fingerprint) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[fp]
	if ok {
		e.LastUsed = time.Now()
	}
	return e, ok
}

func (c *Cache) Put(e *Entry) {
	if e.LastUsed.IsZero() {
		e.LastUsed = time.Now()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[e.Fingerprint] = e
}

func (c *Cache) Remove(fp Fingerprint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, fp)
}

func (c *Cache) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// RehashFn recomputes a file's directive hash at its current stat; ok=false
// means the file could not be read or parsed.
type RehashFn func(path string, current statcache.Stat) (common.SHA256, bool)

// Validate reports whether every header in e still describes the file on
// disk: the stat fast path first, then the directive-hash comparison for
// files whose stat moved (a touch without a content change still hits; a
// content change that moves the stat misses). A content change behind an
// unchanged stat passes the fast path and is not detected.
func Validate(e *Entry, currentStat func(path string) statcache.Stat, rehash RehashFn) bool {
	for i := range e.Headers {
		h := &e.Headers[i]
		cur := currentStat(h.Path)
		if h.Stat.Equal(cur) {
			continue
		}
		if rehash == nil {
			return false
		}
		fresh, ok := rehash(h.Path, cur)
		if !ok || fresh != h.DirectiveHash {
			return false
		}
		h.Stat = cur // the content is unchanged; adopt the new stat so the fast path works next time
	}
	return true
}

// --- persistence: hand-rolled protobuf wire format ---

const (
	fieldFileRevision = 1
	fieldFileEntry    = 2

	fieldEntryFingerprint = 1
	fieldEntryLastUsed    = 2
	fieldEntryHeader      = 10

	fieldFpB0 = 1
	fieldFpB1 = 2
	fieldFpB2 = 3
	fieldFpB3 = 4

	fieldHdrPath   = 1
	fieldHdrSize   = 2
	fieldHdrHash   = 3
	fieldHdrMtime  = 4
	fieldHdrExists = 5
)

func sidecarPath(path string) string { return path + ".sha256" }

// SaveToFile persists the cache next to a .sha256 integrity sidecar,
// dropping entries past AliveDuration and capping to the MaxEntries most
// recently used, both applied at save time only.
func (c *Cache) SaveToFile() error {
	c.mu.Lock()
	c.evictForSaveLocked()
	entries := make([]*Entry, 0, len(c.entries))
	for _, e := range c.entries {
		entries = append(entries, e)
	}
	c.mu.Unlock()

	var b []byte
	b = protowire.AppendTag(b, fieldFileRevision, protowire.BytesType)
	b = protowire.AppendString(b, common.GetVersion())
	for _, e := range entries {
		var eb []byte
		eb = appendFingerprint(eb, fieldEntryFingerprint, e.Fingerprint)
		eb = protowire.AppendTag(eb, fieldEntryLastUsed, protowire.VarintType)
		eb = protowire.AppendVarint(eb, uint64(e.LastUsed.UnixNano()))
		for _, h := range e.Headers {
			var hb []byte
			hb = protowire.AppendTag(hb, fieldHdrPath, protowire.BytesType)
			hb = protowire.AppendString(hb, h.Path)
			hb = protowire.AppendTag(hb, fieldHdrSize, protowire.VarintType)
			hb = protowire.AppendVarint(hb, uint64(h.Size))
			hb = appendFingerprint(hb, fieldHdrHash, h.DirectiveHash)
			if h.Stat.Exists {
				hb = protowire.AppendTag(hb, fieldHdrMtime, protowire.VarintType)
				hb = protowire.AppendVarint(hb, uint64(h.Stat.ModTime.UnixNano()))
				hb = protowire.AppendTag(hb, fieldHdrExists, protowire.VarintType)
				hb = protowire.AppendVarint(hb, 1)
			}

			eb = protowire.AppendTag(eb, fieldEntryHeader, protowire.BytesType)
			eb = protowire.AppendBytes(eb, hb)
		}
		b = protowire.AppendTag(b, fieldFileEntry, protowire.BytesType)
		b = protowire.AppendBytes(b, eb)
	}

	if err := common.MkdirForFile(c.path); err != nil {
		return err
	}
	tmp, err := common.OpenTempFile(c.path)
	if err != nil {
		return err
	}
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return err
	}
	tmp.Close()
	_ = os.Remove(c.path)
	if err := os.Rename(tmp.Name(), c.path); err != nil {
		return err
	}

	sum := sha256.Sum256(b)
	return os.WriteFile(sidecarPath(c.path), []byte(hex.EncodeToString(sum[:])+"\n"), 0o644)
}

func (c *Cache) evictForSaveLocked() {
	alive := c.AliveDuration
	if alive == 0 {
		alive = defaultAliveDuration
	}
	if alive > 0 {
		cutoff := time.Now().Add(-alive)
		for fp, e := range c.entries {
			if e.LastUsed.Before(cutoff) {
				delete(c.entries, fp)
			}
		}
	}

	if c.MaxEntries > 0 && len(c.entries) > c.MaxEntries {
		all := make([]*Entry, 0, len(c.entries))
		for _, e := range c.entries {
			all = append(all, e)
		}
		sort.Slice(all, func(i, j int) bool { return all[i].LastUsed.After(all[j].LastUsed) })
		for _, e := range all[c.MaxEntries:] {
			delete(c.entries, e.Fingerprint)
		}
	}
}

// LoadFromFile replaces the in-memory cache with the persisted one. Any
// anomaly — missing or mismatched sidecar, oversized file, revision
// mismatch, parse failure — wipes the persisted files and leaves the cache
// empty; the returned error describes what was discarded so the caller can
// log it, and the daemon continues cold either way.
func (c *Cache) LoadFromFile() error {
	data, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		return nil // a fresh daemon with no prior persisted cache is not an error
	}
	if err != nil {
		return err
	}

	maxBytes := c.MaxFileBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxFileBytes
	}
	if int64(len(data)) > maxBytes {
		c.wipe()
		return fmt.Errorf("depscache: persisted file is %d bytes, over the %d cap; discarded", len(data), maxBytes)
	}

	sidecar, err := os.ReadFile(sidecarPath(c.path))
	if err != nil {
		c.wipe()
		return fmt.Errorf("depscache: integrity sidecar unreadable; discarded: %w", err)
	}
	sum := sha256.Sum256(data)
	if strings.TrimSpace(string(sidecar)) != hex.EncodeToString(sum[:]) {
		c.wipe()
		return fmt.Errorf("depscache: integrity hash mismatch; discarded")
	}

	loaded := make(map[Fingerprint]*Entry, 1024)
	revision := ""
	b := data
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			c.wipe()
			return fmt.Errorf("depscache: corrupt file; discarded: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case fieldFileRevision:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				c.wipe()
				return fmt.Errorf("depscache: corrupt revision; discarded: %w", protowire.ParseError(m))
			}
			revision = v
			b = b[m:]
		case fieldFileEntry:
			eb, m := protowire.ConsumeBytes(b)
			if m < 0 {
				c.wipe()
				return fmt.Errorf("depscache: corrupt entry; discarded: %w", protowire.ParseError(m))
			}
			b = b[m:]
			entry, err := parseEntry(eb)
			if err != nil {
				c.wipe()
				return fmt.Errorf("depscache: %w; discarded", err)
			}
			loaded[entry.Fingerprint] = entry
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				c.wipe()
				return fmt.Errorf("depscache: corrupt field; discarded: %w", protowire.ParseError(m))
			}
			b = b[m:]
		}
	}

	if revision != common.GetVersion() {
		c.wipe()
		return fmt.Errorf("depscache: built for revision %q, this daemon is %q; discarded", revision, common.GetVersion())
	}

	c.mu.Lock()
	c.entries = loaded
	c.mu.Unlock()
	return nil
}

func (c *Cache) wipe() {
	_ = os.Remove(c.path)
	_ = os.Remove(sidecarPath(c.path))
	c.mu.Lock()
	c.entries = make(map[Fingerprint]*Entry, 1024)
	c.mu.Unlock()
}

func appendFingerprint(b []byte, fieldNum protowire.Number, fp common.SHA256) []byte {
	var fb []byte
	fb = protowire.AppendTag(fb, fieldFpB0, protowire.VarintType)
	fb = protowire.AppendVarint(fb, fp.B0_7)
	fb = protowire.AppendTag(fb, fieldFpB1, protowire.VarintType)
	fb = protowire.AppendVarint(fb, fp.B8_15)
	fb = protowire.AppendTag(fb, fieldFpB2, protowire.VarintType)
	fb = protowire.AppendVarint(fb, fp.B16_23)
	fb = protowire.AppendTag(fb, fieldFpB3, protowire.VarintType)
	fb = protowire.AppendVarint(fb, fp.B24_31)

	b = protowire.AppendTag(b, fieldNum, protowire.BytesType)
	b = protowire.AppendBytes(b, fb)
	return b
}

func consumeFingerprint(b []byte) (common.SHA256, error) {
	var fp common.SHA256
	for len(b) > 0 {
		num, _, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fp, fmt.Errorf("depscache: bad fingerprint tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		v, m := protowire.ConsumeVarint(b)
		if m < 0 {
			return fp, fmt.Errorf("depscache: bad fingerprint value: %w", protowire.ParseError(m))
		}
		b = b[m:]
		switch num {
		case fieldFpB0:
			fp.B0_7 = v
		case fieldFpB1:
			fp.B8_15 = v
		case fieldFpB2:
			fp.B16_23 = v
		case fieldFpB3:
			fp.B24_31 = v
		}
	}
	return fp, nil
}

func parseEntry(b []byte) (*Entry, error) {
	e := &Entry{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("bad entry tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case fieldEntryFingerprint:
			fb, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, fmt.Errorf("bad entry fingerprint: %w", protowire.ParseError(m))
			}
			fp, err := consumeFingerprint(fb)
			if err != nil {
				return nil, err
			}
			e.Fingerprint = fp
			b = b[m:]
		case fieldEntryLastUsed:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return nil, fmt.Errorf("bad entry timestamp: %w", protowire.ParseError(m))
			}
			e.LastUsed = time.Unix(0, int64(v))
			b = b[m:]
		case fieldEntryHeader:
			hb, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, fmt.Errorf("bad header entry: %w", protowire.ParseError(m))
			}
			h, err := parseHeader(hb)
			if err != nil {
				return nil, err
			}
			e.Headers = append(e.Headers, h)
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return nil, fmt.Errorf("bad field: %w", protowire.ParseError(m))
			}
			b = b[m:]
		}
	}
	return e, nil
}

func parseHeader(b []byte) (HeaderEntry, error) {
	var h HeaderEntry
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return h, fmt.Errorf("bad header tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case fieldHdrPath:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return h, fmt.Errorf("bad header path: %w", protowire.ParseError(m))
			}
			h.Path = v
			b = b[m:]
		case fieldHdrSize:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return h, fmt.Errorf("bad header size: %w", protowire.ParseError(m))
			}
			h.Size = int64(v)
			h.Stat.Size = int64(v)
			b = b[m:]
		case fieldHdrHash:
			fb, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return h, fmt.Errorf("bad header hash: %w", protowire.ParseError(m))
			}
			fp, err := consumeFingerprint(fb)
			if err != nil {
				return h, err
			}
			h.DirectiveHash = fp
			b = b[m:]
		case fieldHdrMtime:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return h, fmt.Errorf("bad header mtime: %w", protowire.ParseError(m))
			}
			h.Stat.ModTime = time.Unix(0, int64(v))
			b = b[m:]
		case fieldHdrExists:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return h, fmt.Errorf("bad header exists flag: %w", protowire.ParseError(m))
			}
			h.Stat.Exists = v != 0
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return h, fmt.Errorf("bad field: %w", protowire.ParseError(m))
			}
			b = b[m:]
		}
	}
	return h, nil
}
