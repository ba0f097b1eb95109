package includeprocessor

import (
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"testing"

	"github.com/dz-tools/cxproxy/internal/compilerinfo"
	"github.com/dz-tools/cxproxy/internal/content"
	"github.com/dz-tools/cxproxy/internal/includecache"
	"github.com/dz-tools/cxproxy/internal/includefinder"
	"github.com/dz-tools/cxproxy/internal/statcache"
)

type tree map[string]string

func writeTree(t *testing.T, files tree) string {
	t.Helper()
	dir := t.TempDir()
	for name, contents := range files {
		p := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(contents), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func runProcess(t *testing.T, dir string, files tree, mainFile string, info *compilerinfo.Descriptor) []string {
	t.Helper()
	p := Params{
		Finder:   &includefinder.Finder{Dirs: includefinder.Dirs{I: []string{dir}}},
		Includes: includecache.New(),
		Content:  content.NewStore(),
		Stats:    statcache.NewTask(statcache.NewGlobal()),
		Info:     info,
	}
	results, err := Process(p, filepath.Join(dir, mainFile))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	var names []string
	for _, r := range results {
		rel, err := filepath.Rel(dir, r.Path)
		if err != nil {
			t.Fatal(err)
		}
		names = append(names, rel)
	}
	sort.Strings(names)
	return names
}

func TestProcessTransitiveIncludes(t *testing.T) {
	files := tree{
		"main.cpp": "#include \"a.h\"\n",
		"a.h":      "#include \"b.h\"\n#include \"c.h\"\n",
		"b.h":      "// nothing\n",
		"c.h":      "#include \"b.h\"\n", // diamond: b.h must appear once
	}
	dir := writeTree(t, files)
	got := runProcess(t, dir, files, "main.cpp", nil)
	want := []string{"a.h", "b.h", "c.h"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestProcessConditionalSelectsBranch(t *testing.T) {
	files := tree{
		"main.cpp": `#define USE_FAST 1
#if USE_FAST
#include "fast.h"
#else
#include "slow.h"
#endif
`,
		"fast.h": "",
		"slow.h": "",
	}
	dir := writeTree(t, files)
	got := runProcess(t, dir, files, "main.cpp", nil)
	want := []string{"fast.h"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestProcessIncludeGuardSkipsSecondWalk(t *testing.T) {
	files := tree{
		"main.cpp": "#include \"guarded.h\"\n#include \"other.h\"\n",
		"guarded.h": `#ifndef GUARDED_H
#define GUARDED_H
#include "deep.h"
#endif
`,
		"other.h": "#include \"guarded.h\"\n",
		"deep.h":  "",
	}
	dir := writeTree(t, files)
	got := runProcess(t, dir, files, "main.cpp", nil)
	want := []string{"deep.h", "guarded.h", "other.h"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestProcessUnguardedHeaderReExpandsWithNewMacroState(t *testing.T) {
	files := tree{
		"main.cpp": `#include "twice.h"
#define WANT_EXTRA 1
#include "twice.h"
`,
		// no guard and no #pragma once: the second inclusion must re-walk
		// under the new macro state and pull in extra.h
		"twice.h": `#if WANT_EXTRA
#include "extra.h"
#endif
`,
		"extra.h": "",
	}
	dir := writeTree(t, files)
	got := runProcess(t, dir, files, "main.cpp", nil)
	want := []string{"extra.h", "twice.h"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestProcessPragmaOnceSkipsSecondExpansion(t *testing.T) {
	files := tree{
		"main.cpp": `#include "once.h"
#define WANT_EXTRA 1
#include "once.h"
`,
		"once.h": `#pragma once
#if WANT_EXTRA
#include "extra.h"
#endif
`,
		"extra.h": "",
	}
	dir := writeTree(t, files)
	got := runProcess(t, dir, files, "main.cpp", nil)
	// #pragma once pins the first expansion's outcome; extra.h stays out
	want := []string{"once.h"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestProcessUnguardedIncludeCycleTerminates(t *testing.T) {
	files := tree{
		"main.cpp": "#include \"a_cyc.h\"\n",
		"a_cyc.h":  "#include \"b_cyc.h\"\n",
		"b_cyc.h":  "#include \"a_cyc.h\"\n",
	}
	dir := writeTree(t, files)
	got := runProcess(t, dir, files, "main.cpp", nil)
	want := []string{"a_cyc.h", "b_cyc.h"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestProcessMacroExpandedInclude(t *testing.T) {
	files := tree{
		"main.cpp": `#define HEADER "chosen.h"
#include HEADER
`,
		"chosen.h": "",
	}
	dir := writeTree(t, files)
	got := runProcess(t, dir, files, "main.cpp", nil)
	want := []string{"chosen.h"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestProcessHasIncludeProbeDoesNotRecordHeader(t *testing.T) {
	files := tree{
		"main.cpp": `#if __has_include("optional.h")
#define HAVE_OPT 1
#endif
#if __has_include("missing.h")
#include "never.h"
#endif
#include "always.h"
`,
		"optional.h": "",
		"always.h":   "",
	}
	dir := writeTree(t, files)
	got := runProcess(t, dir, files, "main.cpp", nil)
	// the __has_include probe itself must not add optional.h to the set,
	// and the false branch's never.h must not resolve at all
	want := []string{"always.h"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestProcessNonexistentIncludeIsNotAnError(t *testing.T) {
	files := tree{
		"main.cpp": "#include \"present.h\"\n#include <ghost_of_a_header.h>\n",
		"present.h": "",
	}
	dir := writeTree(t, files)
	got := runProcess(t, dir, files, "main.cpp", nil)
	want := []string{"present.h"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestProcessSeedsCompilerMacros(t *testing.T) {
	files := tree{
		"main.cpp": `#ifdef __SPECIAL_CC__
#include "special.h"
#endif
`,
		"special.h": "",
	}
	dir := writeTree(t, files)

	info := &compilerinfo.Descriptor{
		PredefinedMacros: map[string]string{"__SPECIAL_CC__": "1"},
	}
	got := runProcess(t, dir, files, "main.cpp", info)
	want := []string{"special.h"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}

	// without the descriptor, the branch is dead
	got = runProcess(t, dir, files, "main.cpp", nil)
	if len(got) != 0 {
		t.Fatalf("got %v, want no headers", got)
	}
}

func TestProcessForcedIncludeFilesComeFirst(t *testing.T) {
	files := tree{
		"main.cpp":  "#include \"regular.h\"\n",
		"forced.h":  "#include \"from_forced.h\"\n",
		"regular.h": "",
		"from_forced.h": "",
	}
	dir := writeTree(t, files)

	p := Params{
		Finder: &includefinder.Finder{Dirs: includefinder.Dirs{
			I:     []string{dir},
			Files: []string{filepath.Join(dir, "forced.h")},
		}},
		Includes: includecache.New(),
		Content:  content.NewStore(),
		Stats:    statcache.NewTask(statcache.NewGlobal()),
	}
	results, err := Process(p, filepath.Join(dir, "main.cpp"))
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3: %+v", len(results), results)
	}
	if filepath.Base(results[0].Path) != "forced.h" {
		t.Fatalf("expected the -include file first, got %s", results[0].Path)
	}
}

func TestProcessCommandLineDefines(t *testing.T) {
	files := tree{
		"main.cpp": `#if FEATURE_LEVEL >= 2
#include "v2.h"
#endif
#ifdef STRIPPED
#include "stripped.h"
#endif
`,
		"v2.h":       "",
		"stripped.h": "",
	}
	dir := writeTree(t, files)

	p := Params{
		Finder:    &includefinder.Finder{Dirs: includefinder.Dirs{I: []string{dir}}},
		Includes:  includecache.New(),
		Content:   content.NewStore(),
		Stats:     statcache.NewTask(statcache.NewGlobal()),
		Defines:   []string{"FEATURE_LEVEL=3", "STRIPPED"},
		Undefines: []string{"STRIPPED"},
	}
	results, err := Process(p, filepath.Join(dir, "main.cpp"))
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || filepath.Base(results[0].Path) != "v2.h" {
		t.Fatalf("got %+v, want only v2.h (-U wins over -D)", results)
	}
}
