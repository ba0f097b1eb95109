// Package statcache caches os.Stat results in two tiers: one map scoped to
// a single compile task (discarded with it) layered over a longer-lived,
// daemon-wide map, so the include search doesn't repeat syscalls for the
// same headers across translation units.
package statcache

import (
	"os"
	"sync"
	"time"
)

// Stat is the subset of os.FileInfo this module's caches compare by value.
type Stat struct {
	Size    int64
	ModTime time.Time
	Mode    os.FileMode
	Exists  bool
}

func statOf(fi os.FileInfo, err error) Stat {
	if err != nil {
		return Stat{Exists: false}
	}
	return Stat{Size: fi.Size(), ModTime: fi.ModTime(), Mode: fi.Mode(), Exists: true}
}

// Equal reports whether two stats describe the same (size, mtime) — the fast
// path the deps-cache staleness check relies on (see internal/depscache and
// DESIGN.md's Open Question resolution).
func (s Stat) Equal(other Stat) bool {
	return s.Exists == other.Exists && s.Size == other.Size && s.ModTime.Equal(other.ModTime)
}

// staleTick is the filesystem's coarse mtime granularity: a file whose mtime
// is within one tick of "now" may still be rewritten without its stat
// changing, so such a stat must never be trusted across reads.
const staleTick = time.Second

// CanBeStale reports whether s was recorded so close to its file's last
// write that a subsequent write could leave the stat unchanged. Stats for
// which this is true are returned to callers but never written into either
// cache tier.
func (s Stat) CanBeStale(now time.Time) bool {
	return s.Exists && now.Sub(s.ModTime) < staleTick
}

// Global is the daemon-lifetime stat cache, shared by every compile task. It
// only retains stats that are valid, are not directories, and cannot be
// stale.
type Global struct {
	mu   sync.RWMutex
	data map[string]Stat
}

func NewGlobal() *Global {
	return &Global{data: make(map[string]Stat, 1024)}
}

func (g *Global) Stat(path string) Stat {
	g.mu.RLock()
	s, ok := g.data[path]
	g.mu.RUnlock()
	if ok {
		return s
	}

	fi, err := os.Stat(path)
	fresh := statOf(fi, err)
	if fresh.CanBeStale(time.Now()) || (fresh.Exists && fresh.Mode.IsDir()) {
		return fresh
	}

	g.mu.Lock()
	g.data[path] = fresh
	g.mu.Unlock()
	return fresh
}

// Invalidate drops a cached stat, forcing the next Stat call to hit disk.
// Only this package's tests call it; writing a downloaded output does not
// invalidate its cached stat.
func (g *Global) Invalidate(path string) {
	g.mu.Lock()
	delete(g.data, path)
	g.mu.Unlock()
}

// Task is a per-compile-task stat cache. It consults Global on miss and is
// discarded wholesale at the end of a task, so a long-running daemon never
// grows a task-scoped cache unbounded. Same staleness rule as Global: a
// can-be-stale stat is handed back but never retained.
type Task struct {
	global *Global
	local  map[string]Stat
}

func NewTask(global *Global) *Task {
	return &Task{global: global, local: make(map[string]Stat, 64)}
}

func (t *Task) Stat(path string) Stat {
	if s, ok := t.local[path]; ok {
		return s
	}
	s := t.global.Stat(path)
	if !s.CanBeStale(time.Now()) {
		t.local[path] = s
	}
	return s
}
