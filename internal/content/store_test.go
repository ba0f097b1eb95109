package content

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPutDedupesIdenticalBytes(t *testing.T) {
	s := NewStore()
	k1 := s.Put([]byte("hello"))
	k2 := s.Put([]byte("hello"))
	if k1 != k2 {
		t.Fatalf("identical contents produced different keys: %v vs %v", k1, k2)
	}
	if s.Len() != 1 {
		t.Fatalf("expected a single stored entry, got %d", s.Len())
	}
}

func TestGetMissingKey(t *testing.T) {
	s := NewStore()
	if _, ok := s.Get(Key{}); ok {
		t.Fatal("expected miss on an empty store")
	}
}

func TestReleaseDropsAtZeroRefcount(t *testing.T) {
	s := NewStore()
	k := s.Put([]byte("x"))
	s.Put([]byte("x")) // refcount now 2

	s.Release(k)
	if _, ok := s.Get(k); !ok {
		t.Fatal("entry should still be resident after one of two releases")
	}
	s.Release(k)
	if _, ok := s.Get(k); ok {
		t.Fatal("entry should be gone after releasing every reference")
	}
}

func TestPutFileReadsAndStores(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.h")
	if err := os.WriteFile(path, []byte("#pragma once\n"), 0644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	s := NewStore()
	key, bytes, err := s.PutFile(path)
	if err != nil {
		t.Fatalf("PutFile: %v", err)
	}
	if string(bytes) != "#pragma once\n" {
		t.Fatalf("unexpected bytes: %q", bytes)
	}
	got, ok := s.Get(key)
	if !ok || string(got) != "#pragma once\n" {
		t.Fatalf("Get after PutFile mismatch: %q, ok=%v", got, ok)
	}
}

func TestPutFileMissingFile(t *testing.T) {
	s := NewStore()
	if _, _, err := s.PutFile("/nonexistent/path/for/sure.h"); err == nil {
		t.Fatal("expected an error reading a nonexistent file")
	}
}
