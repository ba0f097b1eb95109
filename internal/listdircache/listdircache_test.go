package listdircache

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// ageDir pushes a directory's mtime into the past so its listing is eligible
// for caching (a just-modified directory is never retained).
func ageDir(t *testing.T, dir string) {
	t.Helper()
	old := time.Now().Add(-time.Minute)
	if err := os.Chtimes(dir, old, old); err != nil {
		t.Fatal(err)
	}
}

func TestContainsReflectsDirectoryAtFirstAccess(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "foo.h"), []byte(""), 0o644); err != nil {
		t.Fatal(err)
	}
	ageDir(t, dir)

	g := NewGlobal()
	if !g.Contains(dir, "foo.h") {
		t.Fatal("expected foo.h to be found")
	}
	if g.Contains(dir, "bar.h") {
		t.Fatal("expected bar.h to be absent")
	}
	if g.Count() != 1 {
		t.Fatalf("expected one cached directory, got %d", g.Count())
	}
}

func TestContainsRefreshesWhenDirStatChanges(t *testing.T) {
	dir := t.TempDir()
	ageDir(t, dir)

	g := NewGlobal()
	if g.Contains(dir, "new.h") {
		t.Fatal("expected new.h to be absent before it's created")
	}

	// creating the file bumps the directory's mtime, so the stale cached
	// listing fails its stat check and is re-listed
	if err := os.WriteFile(filepath.Join(dir, "new.h"), []byte(""), 0o644); err != nil {
		t.Fatal(err)
	}
	if !g.Contains(dir, "new.h") {
		t.Fatal("expected the stat mismatch to force a fresh listing")
	}
}

func TestFreshDirectoryNotCached(t *testing.T) {
	dir := t.TempDir()
	now := time.Now() // pin mtime to "now" so the listing must not be retained
	if err := os.Chtimes(dir, now, now); err != nil {
		t.Fatal(err)
	}
	g := NewGlobal()
	if g.Contains(dir, "whatever.h") {
		t.Fatal("expected an empty directory to contain nothing")
	}
	if g.Count() != 0 {
		t.Fatalf("a can-be-stale directory listing leaked into the cache, count=%d", g.Count())
	}
}

func TestCapacityEvictsLeastRecentlyUsed(t *testing.T) {
	g := NewGlobalWithCapacity(2)
	dirs := make([]string, 3)
	for i := range dirs {
		dirs[i] = t.TempDir()
		ageDir(t, dirs[i])
	}

	g.Contains(dirs[0], "x")
	g.Contains(dirs[1], "x")
	g.Contains(dirs[0], "x") // touch dirs[0] so dirs[1] is the LRU entry
	g.Contains(dirs[2], "x")

	if g.Count() != 2 {
		t.Fatalf("expected capacity to hold at 2, got %d", g.Count())
	}
	g.mu.Lock()
	_, survived0 := g.data[dirs[0]]
	_, survived1 := g.data[dirs[1]]
	g.mu.Unlock()
	if !survived0 || survived1 {
		t.Fatalf("expected dirs[1] to be evicted as LRU, got dirs[0]=%v dirs[1]=%v", survived0, survived1)
	}
}

func TestContainsNonexistentDirectory(t *testing.T) {
	g := NewGlobal()
	if g.Contains("/definitely/not/a/real/dir", "anything") {
		t.Fatal("expected a nonexistent directory to contain nothing")
	}
}

func TestInvalidateDropsListing(t *testing.T) {
	dir := t.TempDir()
	ageDir(t, dir)

	g := NewGlobal()
	g.Contains(dir, "x")
	if g.Count() != 1 {
		t.Fatalf("expected one cached directory, got %d", g.Count())
	}
	g.Invalidate(dir)
	if g.Count() != 0 {
		t.Fatalf("expected Invalidate to drop the listing, count=%d", g.Count())
	}
}
