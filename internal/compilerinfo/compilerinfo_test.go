package compilerinfo

import (
	"errors"
	"testing"
)

func TestParsePredefinedMacros(t *testing.T) {
	out := []byte(`#define __GNUC__ 12
#define __linux__ 1
#define NDEBUG
#define __glibc_has_attr(attr) __has_attribute (attr)
`)
	macros := ParsePredefinedMacros(out)
	if macros["__GNUC__"] != "12" {
		t.Errorf("__GNUC__ = %q, want 12", macros["__GNUC__"])
	}
	if macros["__linux__"] != "1" {
		t.Errorf("__linux__ = %q", macros["__linux__"])
	}
	if macros["NDEBUG"] != "1" {
		t.Errorf("a bodyless #define should default to 1, got %q", macros["NDEBUG"])
	}
	if got := macros["__glibc_has_attr"]; got != "(attr) __has_attribute (attr)" {
		t.Errorf("function-like macro parsed as %q", got)
	}
}

func TestParseSearchDirs(t *testing.T) {
	out := []byte(`ignoring nonexistent directory "/usr/local/include/x86_64-linux-gnu"
#include "..." search starts here:
#include <...> search starts here:
 /usr/lib/gcc/x86_64-linux-gnu/12/include
 /usr/local/include
 /usr/include
 /Library/Frameworks (framework directory)
End of search list.
# 1 "/dev/null"
`)
	dirs := ParseSearchDirs(out)
	want := []string{
		"/usr/lib/gcc/x86_64-linux-gnu/12/include",
		"/usr/local/include",
		"/usr/include",
		"/Library/Frameworks",
	}
	if len(dirs) != len(want) {
		t.Fatalf("got %v, want %v", dirs, want)
	}
	for i := range want {
		if dirs[i] != want[i] {
			t.Errorf("dir %d: got %q, want %q", i, dirs[i], want[i])
		}
	}
}

func TestCacheMemoizesDetection(t *testing.T) {
	calls := 0
	c := NewCache(func(cxxName string) (*Descriptor, error) {
		calls++
		return &Descriptor{CxxName: cxxName, PredefinedMacros: map[string]string{"__GNUC__": "12"}}, nil
	})

	d1, err := c.Get("g++")
	if err != nil {
		t.Fatal(err)
	}
	d2, err := c.Get("g++")
	if err != nil {
		t.Fatal(err)
	}
	if d1 != d2 {
		t.Fatal("expected the same descriptor instance on a repeat Get")
	}
	if calls != 1 {
		t.Fatalf("expected one detection call, got %d", calls)
	}
}

func TestCacheMemoizesFailure(t *testing.T) {
	probeErr := errors.New("no such compiler")
	calls := 0
	c := NewCache(func(cxxName string) (*Descriptor, error) {
		calls++
		return nil, probeErr
	})

	if _, err := c.Get("missing-cc"); !errors.Is(err, probeErr) {
		t.Fatalf("got %v", err)
	}
	if _, err := c.Get("missing-cc"); !errors.Is(err, probeErr) {
		t.Fatalf("got %v", err)
	}
	if calls != 1 {
		t.Fatalf("a failed probe must be memoized, got %d calls", calls)
	}

	c.Invalidate("missing-cc")
	_, _ = c.Get("missing-cc")
	if calls != 2 {
		t.Fatalf("Invalidate should allow a re-probe, got %d calls", calls)
	}
}

func TestHasFeatureNormalizesUnderscores(t *testing.T) {
	d := &Descriptor{Features: map[string]bool{"cxx_constexpr": true}}
	if !d.HasFeature("cxx_constexpr") {
		t.Fatal("plain spelling should hit")
	}
	if !d.HasFeature("__cxx_constexpr__") {
		t.Fatal("__X__ spelling should fold to X")
	}
	if d.HasFeature("cxx_imaginary") {
		t.Fatal("unknown feature should miss")
	}
	var nilDesc *Descriptor
	if nilDesc.HasFeature("anything") {
		t.Fatal("a nil descriptor has no features")
	}
}
