package statcache

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeAgedFile creates a file whose mtime is far enough in the past that
// its stat is not CanBeStale, so the cache tiers are allowed to retain it.
func writeAgedFile(t *testing.T, path string, contents []byte) {
	t.Helper()
	if err := os.WriteFile(path, contents, 0o644); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-time.Minute)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatal(err)
	}
}

func TestGlobalStatCachesAcrossCalls(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "a.txt")
	writeAgedFile(t, p, []byte("hello"))

	g := NewGlobal()
	s1 := g.Stat(p)
	if !s1.Exists || s1.Size != 5 {
		t.Fatalf("unexpected stat: %+v", s1)
	}

	// mutate on disk without invalidating; the cached value should stick
	writeAgedFile(t, p, []byte("hello world!!"))
	s2 := g.Stat(p)
	if s2.Size != 5 {
		t.Fatalf("expected a stale cached size of 5, got %d", s2.Size)
	}

	g.Invalidate(p)
	s3 := g.Stat(p)
	if s3.Size != 13 {
		t.Fatalf("expected fresh size 13 after Invalidate, got %d", s3.Size)
	}
}

func TestGlobalNeverCachesCanBeStaleStat(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "fresh.txt")
	// just written: mtime is within one tick of now
	if err := os.WriteFile(p, []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}

	g := NewGlobal()
	s1 := g.Stat(p)
	if !s1.Exists || s1.Size != 2 {
		t.Fatalf("unexpected stat: %+v", s1)
	}
	if !s1.CanBeStale(time.Now()) {
		t.Skip("filesystem mtime granularity too coarse for this test")
	}

	// rewrite without Invalidate; since the first stat was never cached,
	// the second call must observe the new size
	if err := os.WriteFile(p, []byte("v2 longer"), 0o644); err != nil {
		t.Fatal(err)
	}
	if s2 := g.Stat(p); s2.Size != 9 {
		t.Fatalf("a can-be-stale stat leaked into the cache: got size %d", s2.Size)
	}
}

func TestGlobalDoesNotCacheDirectories(t *testing.T) {
	dir := t.TempDir()
	old := time.Now().Add(-time.Minute)
	if err := os.Chtimes(dir, old, old); err != nil {
		t.Fatal(err)
	}

	g := NewGlobal()
	if s := g.Stat(dir); !s.Exists || !s.Mode.IsDir() {
		t.Fatalf("unexpected dir stat: %+v", s)
	}

	g.mu.RLock()
	_, cached := g.data[dir]
	g.mu.RUnlock()
	if cached {
		t.Fatal("directory stats must not be retained in the global tier")
	}
}

func TestStatMissingFile(t *testing.T) {
	g := NewGlobal()
	s := g.Stat("/definitely/does/not/exist")
	if s.Exists {
		t.Fatal("expected Exists=false for a missing file")
	}
}

func TestTaskLayersOverGlobal(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "a.txt")
	writeAgedFile(t, p, []byte("x"))

	g := NewGlobal()
	task := NewTask(g)
	if s := task.Stat(p); !s.Exists || s.Size != 1 {
		t.Fatalf("unexpected task stat: %+v", s)
	}

	// grow the file and invalidate only the global cache; the task-local
	// cache should still return its own first answer
	writeAgedFile(t, p, []byte("xxxxx"))
	g.Invalidate(p)
	if s := task.Stat(p); s.Size != 1 {
		t.Fatalf("expected task-local cache to shadow the invalidated global entry, got size %d", s.Size)
	}
}

func TestStatEqual(t *testing.T) {
	a := Stat{Exists: true, Size: 10}
	b := Stat{Exists: true, Size: 10}
	c := Stat{Exists: true, Size: 11}
	if !a.Equal(b) {
		t.Fatal("expected equal stats to compare equal")
	}
	if a.Equal(c) {
		t.Fatal("expected differing sizes to compare unequal")
	}
}

func TestCanBeStale(t *testing.T) {
	now := time.Now()
	fresh := Stat{Exists: true, ModTime: now}
	if !fresh.CanBeStale(now) {
		t.Fatal("a stat recorded at its own mtime must be considered possibly stale")
	}
	aged := Stat{Exists: true, ModTime: now.Add(-10 * time.Second)}
	if aged.CanBeStale(now) {
		t.Fatal("an old mtime is safely settled")
	}
	missing := Stat{Exists: false, ModTime: now}
	if missing.CanBeStale(now) {
		t.Fatal("a nonexistent file cannot be stale")
	}
}
