// Package localoutputcache is a directory of compiled .o files keyed by
// compile-task fingerprint, so a
// task whose fingerprint and dependency set exactly match a prior run can be
// satisfied with a hard link instead of a round trip to a remote.
//
// Same sharded-directory, hard-link, doubly-linked-list LRU shape as the
// server side's FileCache, here keyed by compile fingerprint instead of raw
// content hash.
package localoutputcache

import (
	"fmt"
	"os"
	"path"
	"sync"
	"sync/atomic"

	"github.com/dz-tools/cxproxy/internal/common"
)

type cachedFile struct {
	pathInCache string
	fileSize    int64
	lruNode     *lruNode
}

type lruNode struct {
	next, prev *lruNode
	key        common.SHA256
}

// Cache is a directory, somewhere under a daemon's cache root, holding
// compiled outputs retrievable by fingerprint. It evicts the
// least-recently-used entry once the total size on disk exceeds its hard
// limit.
type Cache struct {
	table            map[common.SHA256]cachedFile
	lruTail, lruHead *lruNode
	mu               sync.RWMutex

	lastIndex   int64
	purgedCount int64
	cacheDir    string

	totalSizeOnDisk int64
	hardLimit       int64
	softLimit       int64

	hardCountLimit int64
	softCountLimit int64
}

const shardsDirCount = 256

func createShardDirs(cacheDir string) error {
	for i := 0; i < shardsDirCount; i++ {
		dir := path.Join(cacheDir, fmt.Sprintf("%X", i))
		if err := os.MkdirAll(dir, os.ModePerm); err != nil {
			return err
		}
	}
	return nil
}

// defaultMaxEntryCount bounds the entry axis the same two-watermark way the
// byte axis is bounded.
const defaultMaxEntryCount = 65536

// New creates (or reopens) a local-output cache rooted at cacheDir, evicting
// down to limitBytes (and a default entry-count cap) once a hard limit is
// crossed and opportunistically down to 80% of each (the soft limits) when
// PurgeIfRequired is called.
func New(cacheDir string, limitBytes int64) (*Cache, error) {
	if err := createShardDirs(cacheDir); err != nil {
		return nil, err
	}
	maxEntryCount := int64(defaultMaxEntryCount)
	return &Cache{
		table:          make(map[common.SHA256]cachedFile, 4096),
		cacheDir:       cacheDir,
		hardLimit:      limitBytes,
		softLimit:      int64(80.0 * (float64(limitBytes) / 100.0)),
		hardCountLimit: defaultMaxEntryCount,
		softCountLimit: int64(80.0 * (float64(maxEntryCount) / 100.0)),
	}, nil
}

// Lookup returns the cached path for fingerprint, promoting it to
// most-recently-used, or "" if nothing is cached for it.
func (c *Cache) Lookup(fingerprint common.SHA256) string {
	c.mu.Lock()
	cf := c.table[fingerprint]
	if cf.lruNode != nil && cf.lruNode != c.lruHead {
		cf.lruNode.prev.next = cf.lruNode.next
		if cf.lruNode.next == nil {
			c.lruTail = cf.lruNode.prev
		} else {
			cf.lruNode.next.prev = cf.lruNode.prev
		}
		cf.lruNode.prev = nil
		cf.lruNode.next = c.lruHead
		c.lruHead.prev = cf.lruNode
		c.lruHead = cf.lruNode
	}
	c.mu.Unlock()
	return cf.pathInCache
}

// LinkFromCache hard-links the cached output for fingerprint to destPath,
// the fast path for a compile task whose dependencies are unchanged. destPath's
// parent directory must already exist.
func (c *Cache) LinkFromCache(fingerprint common.SHA256, destPath string) bool {
	pathInCache := c.Lookup(fingerprint)
	if pathInCache == "" {
		return false
	}
	err := os.Link(pathInCache, destPath)
	return err == nil || os.IsExist(err)
}

// Store hard-links srcPath (the just-produced object file) into the cache
// under fingerprint, the FINISHED-state write-back.
func (c *Cache) Store(fingerprint common.SHA256, srcPath string, fileSize int64) error {
	uniqueID := atomic.AddInt64(&c.lastIndex, 1)
	pathInCache := fmt.Sprintf("%s/%X/%x.%X.o", c.cacheDir, uniqueID%shardsDirCount, fingerprint.B0_7, uniqueID)

	if err := os.Link(srcPath, pathInCache); err != nil {
		return err
	}

	newHead := &lruNode{key: fingerprint}
	value := cachedFile{pathInCache: pathInCache, fileSize: fileSize, lruNode: newHead}
	c.mu.Lock()
	_, exists := c.table[fingerprint]
	if !exists {
		atomic.AddInt64(&c.totalSizeOnDisk, fileSize)
		c.table[fingerprint] = value
		newHead.next = c.lruHead
		if c.lruHead != nil {
			c.lruHead.prev = newHead
		}
		c.lruHead = newHead
		if c.lruTail == nil {
			c.lruTail = newHead
		}
	}
	c.mu.Unlock()

	if exists {
		_ = os.Remove(pathInCache)
	}

	c.purgeTillLimit(c.hardLimit, c.hardCountLimit)
	return nil
}

// PurgeIfRequired evicts down to the soft limits, meant to be called
// periodically from a housekeeping tick rather than only when a hard limit
// is already exceeded.
func (c *Cache) PurgeIfRequired() {
	c.purgeTillLimit(c.softLimit, c.softCountLimit)
}

func (c *Cache) Count() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return int64(len(c.table))
}

func (c *Cache) BytesOnDisk() int64 {
	return atomic.LoadInt64(&c.totalSizeOnDisk)
}

func (c *Cache) PurgedCount() int64 {
	return atomic.LoadInt64(&c.purgedCount)
}

func (c *Cache) DropAll() {
	c.mu.Lock()
	atomic.AddInt64(&c.purgedCount, int64(len(c.table)))
	atomic.StoreInt64(&c.totalSizeOnDisk, 0)
	c.table = make(map[common.SHA256]cachedFile, 4096)
	c.lruHead = nil
	c.lruTail = nil
	_ = os.RemoveAll(c.cacheDir)
	_ = createShardDirs(c.cacheDir)
	c.mu.Unlock()
}

func (c *Cache) purgeTillLimit(limit, countLimit int64) {
	for atomic.LoadInt64(&c.totalSizeOnDisk) > limit || c.Count() > countLimit {
		var removed cachedFile
		c.mu.Lock()
		if tail := c.lruTail; tail != nil && tail.prev != nil {
			c.lruTail = tail.prev
			c.lruTail.next = nil
			removed = c.table[tail.key]
			delete(c.table, tail.key)
		} else {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		if removed.lruNode != nil {
			_ = os.Remove(removed.pathInCache)
			atomic.AddInt64(&c.totalSizeOnDisk, -removed.fileSize)
			atomic.AddInt64(&c.purgedCount, 1)
		}
	}
}
