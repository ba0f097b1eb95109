package includecache

import (
	"testing"

	"github.com/dz-tools/cxproxy/internal/content"
	"github.com/dz-tools/cxproxy/internal/directive"
	"github.com/dz-tools/cxproxy/internal/statcache"
)

func TestResolveRoundTrip(t *testing.T) {
	c := New()
	if _, ok := c.GetResolve("foo.h"); ok {
		t.Fatal("expected a miss before any Add")
	}
	c.AddResolve("foo.h", "/usr/include/foo.h")
	resolved, ok := c.GetResolve("foo.h")
	if !ok || resolved != "/usr/include/foo.h" {
		t.Fatalf("got resolved=%q ok=%v", resolved, ok)
	}
}

func TestFileInfoRoundTrip(t *testing.T) {
	c := New()
	key := content.Key{B0_7: 1}
	list := directive.Filter([]byte("#include <a.h>\n"))
	st := statcache.Stat{Exists: true, Size: 123}

	c.AddFileInfo("/a.h", 123, key, list, st)
	size, gotKey, gotList, ok := c.GetFileInfo("/a.h", st)
	if !ok {
		t.Fatal("expected a hit after AddFileInfo")
	}
	if size != 123 || gotKey != key || len(gotList) != len(list) {
		t.Fatalf("mismatched round trip: size=%d key=%v list=%v", size, gotKey, gotList)
	}
	if c.Count() != 1 {
		t.Fatalf("expected Count()==1, got %d", c.Count())
	}

	c.Clear()
	if c.Count() != 0 {
		t.Fatal("expected Clear to empty the cache")
	}
	if _, _, _, ok := c.GetFileInfo("/a.h", st); ok {
		t.Fatal("expected a miss after Clear")
	}
}

func TestGetFileInfoMissesOnStatMismatch(t *testing.T) {
	c := New()
	key := content.Key{B0_7: 1}
	list := directive.Filter([]byte("#include <a.h>\n"))
	original := statcache.Stat{Exists: true, Size: 10}
	c.AddFileInfo("/a.h", 10, key, list, original)

	rewritten := statcache.Stat{Exists: true, Size: 99}
	if _, _, _, ok := c.GetFileInfo("/a.h", rewritten); ok {
		t.Fatal("expected a header rewritten on disk to miss, not be served stale")
	}
	if c.Count() != 0 {
		t.Fatalf("expected the stale entry to be evicted, count=%d", c.Count())
	}
}

func TestGetDirectiveHashStableAcrossIdenticalStat(t *testing.T) {
	c := New()
	list := directive.Filter([]byte("#include <a.h>\n#include <b.h>\n"))
	st := statcache.Stat{Exists: true, Size: 30}
	c.AddFileInfo("/a.h", 30, content.Key{}, list, st)

	h1, ok1 := c.GetDirectiveHash("/a.h", st)
	h2, ok2 := c.GetDirectiveHash("/a.h", st)
	if !ok1 || !ok2 {
		t.Fatal("expected repeated hash lookups at the same stat to hit")
	}
	if h1 != h2 {
		t.Fatal("expected the same file/stat to hash identically every time")
	}
}

func TestGetDirectiveHashMissesOnStatMismatch(t *testing.T) {
	c := New()
	list := directive.Filter([]byte("#include <a.h>\n"))
	st := statcache.Stat{Exists: true, Size: 30}
	c.AddFileInfo("/a.h", 30, content.Key{}, list, st)

	if _, ok := c.GetDirectiveHash("/a.h", statcache.Stat{Exists: true, Size: 31}); ok {
		t.Fatal("expected a stat mismatch to miss rather than return a stale hash")
	}
}

func TestAddFileInfoEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewWithCapacity(2)
	st := statcache.Stat{Exists: true}
	c.AddFileInfo("/a.h", 1, content.Key{}, nil, st)
	c.AddFileInfo("/b.h", 1, content.Key{}, nil, st)

	// touch /a.h so /b.h becomes the least-recently-used entry
	if _, _, _, ok := c.GetFileInfo("/a.h", st); !ok {
		t.Fatal("expected /a.h to still be cached")
	}

	c.AddFileInfo("/c.h", 1, content.Key{}, nil, st)
	if c.Count() != 2 {
		t.Fatalf("expected capacity to stay at 2, got %d", c.Count())
	}
	if _, _, _, ok := c.GetFileInfo("/b.h", st); ok {
		t.Fatal("expected /b.h to have been evicted as least-recently-used")
	}
	if _, _, _, ok := c.GetFileInfo("/a.h", st); !ok {
		t.Fatal("expected /a.h (recently touched) to survive eviction")
	}
	if _, _, _, ok := c.GetFileInfo("/c.h", st); !ok {
		t.Fatal("expected the just-inserted /c.h to be present")
	}
}
