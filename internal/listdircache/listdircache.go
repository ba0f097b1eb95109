// Package listdircache caches directory entry listings keyed by
// (path, stat) so the include finder's
// "does foo.h exist in this -I dir" probes don't repeatedly call
// readdir/stat for the same directory across many translation units.
//
// A cached listing is served only while the directory's current stat still
// matches the one recorded when the listing was taken; a directory whose
// stat is within one mtime tick of now is listed but never cached, the same
// staleness rule internal/statcache applies to file stats.
package listdircache

import (
	"os"
	"sync"
	"time"

	"github.com/dz-tools/cxproxy/internal/statcache"
)

const defaultMaxEntries = 1024

type listing struct {
	stat    statcache.Stat
	entries map[string]struct{}
	node    *lruNode
}

type lruNode struct {
	next, prev *lruNode
	dir        string
}

// Global caches directory listings for the lifetime of the daemon process,
// bounded to maxEntries directories with LRU eviction.
type Global struct {
	mu         sync.Mutex
	data       map[string]*listing
	lruHead    *lruNode
	lruTail    *lruNode
	maxEntries int
}

func NewGlobal() *Global {
	return NewGlobalWithCapacity(defaultMaxEntries)
}

// NewGlobalWithCapacity bounds the cache to maxEntries resident
// directories; maxEntries <= 0 means unbounded.
func NewGlobalWithCapacity(maxEntries int) *Global {
	return &Global{data: make(map[string]*listing, 256), maxEntries: maxEntries}
}

// Contains reports whether name exists as an entry inside dir, serving from
// cache while dir's stat is unchanged and re-listing otherwise.
func (g *Global) Contains(dir, name string) bool {
	cur := statDir(dir)

	g.mu.Lock()
	if l, ok := g.data[dir]; ok && l.stat.Equal(cur) {
		g.touchLocked(l)
		_, present := l.entries[name]
		g.mu.Unlock()
		return present
	}
	g.mu.Unlock()

	entries := make(map[string]struct{})
	if des, err := os.ReadDir(dir); err == nil {
		for _, de := range des {
			entries[de.Name()] = struct{}{}
		}
	}

	_, present := entries[name]
	if cur.CanBeStale(time.Now()) {
		return present // a just-modified directory is answered but not retained
	}

	g.mu.Lock()
	g.insertLocked(dir, &listing{stat: cur, entries: entries})
	g.mu.Unlock()
	return present
}

func statDir(dir string) statcache.Stat {
	fi, err := os.Stat(dir)
	if err != nil || !fi.IsDir() {
		return statcache.Stat{Exists: false}
	}
	return statcache.Stat{Size: fi.Size(), ModTime: fi.ModTime(), Mode: fi.Mode(), Exists: true}
}

// Invalidate drops a cached listing, e.g. after a compile task writes a new
// generated header into dir.
func (g *Global) Invalidate(dir string) {
	g.mu.Lock()
	g.removeLocked(dir)
	g.mu.Unlock()
}

func (g *Global) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.data)
}

func (g *Global) insertLocked(dir string, l *listing) {
	g.removeLocked(dir)
	node := &lruNode{dir: dir}
	l.node = node
	g.data[dir] = l
	g.pushFrontLocked(node)

	if g.maxEntries > 0 {
		for len(g.data) > g.maxEntries && g.lruTail != nil {
			g.removeLocked(g.lruTail.dir)
		}
	}
}

func (g *Global) touchLocked(l *listing) {
	if l.node == nil || l.node == g.lruHead {
		return
	}
	g.unlinkLocked(l.node)
	g.pushFrontLocked(l.node)
}

func (g *Global) pushFrontLocked(node *lruNode) {
	node.prev = nil
	node.next = g.lruHead
	if g.lruHead != nil {
		g.lruHead.prev = node
	}
	g.lruHead = node
	if g.lruTail == nil {
		g.lruTail = node
	}
}

func (g *Global) unlinkLocked(node *lruNode) {
	if node.prev != nil {
		node.prev.next = node.next
	} else if g.lruHead == node {
		g.lruHead = node.next
	}
	if node.next != nil {
		node.next.prev = node.prev
	} else if g.lruTail == node {
		g.lruTail = node.prev
	}
	node.prev, node.next = nil, nil
}

func (g *Global) removeLocked(dir string) {
	l, ok := g.data[dir]
	if !ok {
		return
	}
	g.unlinkLocked(l.node)
	delete(g.data, dir)
}
