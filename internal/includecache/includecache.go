// Package includecache is a daemon-lifetime cache mapping an #include
// spelling to its resolved absolute path, and a resolved path to its parsed
// DirectiveList plus directive hash, so repeated compilations of
// translation units sharing headers skip re-resolving and re-filtering
// them. Entries are keyed by (path, stat) with bounded LRU eviction.
package includecache

import (
	"crypto/sha256"
	"fmt"
	"sync"

	"github.com/dz-tools/cxproxy/internal/common"
	"github.com/dz-tools/cxproxy/internal/content"
	"github.com/dz-tools/cxproxy/internal/directive"
	"github.com/dz-tools/cxproxy/internal/statcache"
)

// defaultMaxEntries is used by New(), the zero-config constructor most tests
// and internal callers that don't care about capacity reach for.
const defaultMaxEntries = 8192

type lruNode struct {
	next, prev *lruNode
	path       string
}

type fileInfo struct {
	size       int64
	key        content.Key
	directives directive.DirectiveList
	stat       statcache.Stat
	hash       common.SHA256
	lruNode    *lruNode
}

// Cache is safe for concurrent use across every compile-task goroutine.
type Cache struct {
	mu             sync.RWMutex
	includeResolve map[string]string // spelling -> resolved absolute path, "" meaning "does not exist"
	fileInfo       map[string]*fileInfo

	lruHead, lruTail *lruNode
	maxEntries       int

	hitCount, missCount, evictedCount int64
}

func New() *Cache {
	return NewWithCapacity(defaultMaxEntries)
}

// NewWithCapacity builds a cache bounded to maxEntries resident fileInfo
// rows; maxEntries <= 0 means unbounded.
func NewWithCapacity(maxEntries int) *Cache {
	return &Cache{
		includeResolve: make(map[string]string, 256),
		fileInfo:       make(map[string]*fileInfo, 256),
		maxEntries:     maxEntries,
	}
}

func (c *Cache) GetResolve(spelling string) (resolved string, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	resolved, ok = c.includeResolve[spelling]
	return
}

func (c *Cache) AddResolve(spelling, resolved string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.includeResolve[spelling] = resolved
}

// GetFileInfo returns the cached parse of path, valid only if current
// equals the stat recorded at insertion time. A stat mismatch evicts the
// stale entry so a rewritten header during the daemon's lifetime is never
// served stale.
func (c *Cache) GetFileInfo(path string, current statcache.Stat) (size int64, key content.Key, list directive.DirectiveList, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fi, found := c.fileInfo[path]
	if !found {
		c.missCount++
		return 0, content.Key{}, nil, false
	}
	if !fi.stat.Equal(current) {
		c.removeLocked(path)
		c.evictedCount++
		c.missCount++
		return 0, content.Key{}, nil, false
	}
	c.touchLocked(fi)
	c.hitCount++
	return fi.size, fi.key, fi.directives, true
}

// GetDirectiveHash returns the SHA-256 over path's filtered directive content
// if a fresh (matching current stat) entry is resident, for the deps cache's
// re-hash-on-stat-mismatch validation step. A caller that gets ok=false must
// re-parse the file (AddFileInfo) before this can hit.
func (c *Cache) GetDirectiveHash(path string, current statcache.Stat) (common.SHA256, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fi, found := c.fileInfo[path]
	if !found {
		c.missCount++
		return common.SHA256{}, false
	}
	if !fi.stat.Equal(current) {
		c.removeLocked(path)
		c.evictedCount++
		c.missCount++
		return common.SHA256{}, false
	}
	c.touchLocked(fi)
	c.hitCount++
	return fi.hash, true
}

// AddFileInfo inserts (or refreshes) path's parsed directive list at the
// given stat, evicting the least-recently-used entry until the cache is back
// within capacity.
func (c *Cache) AddFileInfo(path string, size int64, key content.Key, list directive.DirectiveList, stat statcache.Stat) {
	hash := hashDirectiveList(list)

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, found := c.fileInfo[path]; found {
		existing.size = size
		existing.key = key
		existing.directives = list
		existing.stat = stat
		existing.hash = hash
		c.touchLocked(existing)
		return
	}

	node := &lruNode{path: path}
	fi := &fileInfo{size: size, key: key, directives: list, stat: stat, hash: hash, lruNode: node}
	c.fileInfo[path] = fi
	c.pushFrontLocked(node)

	if c.maxEntries > 0 {
		for len(c.fileInfo) > c.maxEntries {
			tail := c.lruTail
			if tail == nil {
				break
			}
			c.removeLocked(tail.path)
			c.evictedCount++
		}
	}
}

func (c *Cache) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.fileInfo)
}

// Stats returns the cache's hit/miss/evicted counters, reported under the
// same mutex the cache already holds for every mutation.
func (c *Cache) Stats() (hits, misses, evicted int64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hitCount, c.missCount, c.evictedCount
}

func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.includeResolve = make(map[string]string, 256)
	c.fileInfo = make(map[string]*fileInfo, 256)
	c.lruHead = nil
	c.lruTail = nil
}

// touchLocked promotes fi's node to most-recently-used.
func (c *Cache) touchLocked(fi *fileInfo) {
	node := fi.lruNode
	if node == nil || node == c.lruHead {
		return
	}
	c.unlinkLocked(node)
	c.pushFrontLocked(node)
}

func (c *Cache) pushFrontLocked(node *lruNode) {
	node.prev = nil
	node.next = c.lruHead
	if c.lruHead != nil {
		c.lruHead.prev = node
	}
	c.lruHead = node
	if c.lruTail == nil {
		c.lruTail = node
	}
}

func (c *Cache) unlinkLocked(node *lruNode) {
	if node.prev != nil {
		node.prev.next = node.next
	} else if c.lruHead == node {
		c.lruHead = node.next
	}
	if node.next != nil {
		node.next.prev = node.prev
	} else if c.lruTail == node {
		c.lruTail = node.prev
	}
	node.prev, node.next = nil, nil
}

func (c *Cache) removeLocked(path string) {
	fi, found := c.fileInfo[path]
	if !found {
		return
	}
	c.unlinkLocked(fi.lruNode)
	delete(c.fileInfo, path)
}

// hashDirectiveList computes a canonical SHA-256 over a DirectiveList —
// the filter's already-structured output rather than re-serialized raw
// bytes, since that is exactly the content this cache holds. Line numbers
// are excluded so two files differing only in unrelated blank lines still
// validate to the same directive hash.
func hashDirectiveList(list directive.DirectiveList) common.SHA256 {
	h := sha256.New()
	for _, d := range list {
		fmt.Fprintf(h, "%d|%v|%v|%s\x00", d.Kind, d.Angle, d.Literal, d.Arg)
	}
	return common.MakeSHA256Struct(h)
}
