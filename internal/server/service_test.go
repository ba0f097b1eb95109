package server

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/dz-tools/cxproxy/internal/common"
)

func TestMakeObjCacheKeySensitivity(t *testing.T) {
	hashes := []common.SHA256{{B0_7: 1}, {B0_7: 2}}

	k1 := MakeObjCacheKey("g++", []string{"-O2"}, "/src/a.cpp", hashes)
	k2 := MakeObjCacheKey("g++", []string{"-O2"}, "/src/a.cpp", hashes)
	if k1 != k2 {
		t.Fatal("identical exec requests must key identically")
	}

	if k1 == MakeObjCacheKey("g++", []string{"-O3"}, "/src/a.cpp", hashes) {
		t.Fatal("different args must key differently")
	}
	if k1 == MakeObjCacheKey("g++", []string{"-O2"}, "/src/a.cpp", []common.SHA256{{B0_7: 1}, {B0_7: 3}}) {
		t.Fatal("different input contents must key differently")
	}
}

func TestRewriteOutputArg(t *testing.T) {
	got := rewriteOutputArg([]string{"-c", "-o", "/client/a.o", "-O2"}, "/scratch/a.o")
	want := []string{"-c", "-o", "/scratch/a.o", "-O2"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}

	got = rewriteOutputArg([]string{"-c"}, "/scratch/a.o")
	want = []string{"-c", "-o", "/scratch/a.o"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("an absent -o must be appended: got %v, want %v", got, want)
	}
}

func TestMapClientPaths(t *testing.T) {
	got := mapClientPaths([]string{"-O2", "-I/home/u/proj/include", "/home/u/proj/x.rsp", "-Wall"}, "/scratch")
	want := []string{"-O2", "-I/scratch/home/u/proj/include", "/scratch/home/u/proj/x.rsp", "-Wall"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestFileCacheSaveAndHardLink(t *testing.T) {
	cacheDir := t.TempDir()
	cache, err := MakeFileCache(cacheDir, 10*1024*1024)
	if err != nil {
		t.Fatal(err)
	}

	workDir := t.TempDir()
	src := filepath.Join(workDir, "in.cpp")
	if err := os.WriteFile(src, []byte("int x;\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	key := common.SHA256{B0_7: 42}
	if err := cache.SaveFileToCache(src, "in.cpp", key, 7); err != nil {
		t.Fatalf("SaveFileToCache: %v", err)
	}
	if cache.GetFilesCount() != 1 {
		t.Fatalf("expected one cached file, got %d", cache.GetFilesCount())
	}

	dest := filepath.Join(workDir, "restored.cpp")
	if !cache.CreateHardLinkFromCache(dest, key) {
		t.Fatal("expected the hard-link restore to succeed")
	}
	contents, err := os.ReadFile(dest)
	if err != nil || string(contents) != "int x;\n" {
		t.Fatalf("restored contents mismatch: %q err=%v", contents, err)
	}

	if cache.CreateHardLinkFromCache(filepath.Join(workDir, "nope"), common.SHA256{B0_7: 99}) {
		t.Fatal("an unknown key must not restore")
	}
}
