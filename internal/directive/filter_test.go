package directive

import "testing"

func TestFilterBasicDirectives(t *testing.T) {
	src := []byte(`// leading comment
#include <stdio.h>
#include "local.h"
int main() { return 0; } // not a directive
#define FOO 1
#ifdef FOO
#endif
`)
	list := Filter(src)

	want := []Kind{KindInclude, KindInclude, KindDefine, KindIfdef, KindEndif}
	if len(list) != len(want) {
		t.Fatalf("got %d directives, want %d: %+v", len(list), len(want), list)
	}
	for i, k := range want {
		if list[i].Kind != k {
			t.Errorf("directive %d: got kind %v, want %v", i, list[i].Kind, k)
		}
	}
	if list[0].Arg != "stdio.h" || !list[0].Angle {
		t.Errorf("got %+v for <stdio.h>", list[0])
	}
	if list[1].Arg != "local.h" || list[1].Angle {
		t.Errorf("got %+v for \"local.h\"", list[1])
	}
}

func TestFilterBlockCommentSpanningLinesHidesDirectives(t *testing.T) {
	src := []byte(`int x; /* opens here
#include "hidden.h"
still inside */
#include "visible.h"
`)
	list := Filter(src)
	if len(list) != 1 || list[0].Arg != "visible.h" {
		t.Fatalf("got %+v, want only visible.h (hidden.h is inside a block comment)", list)
	}
	if list[0].Line != 4 {
		t.Errorf("expected line 4 for visible.h, got %d", list[0].Line)
	}
}

func TestFilterUnterminatedBlockCommentKeepsBytes(t *testing.T) {
	src := []byte("#include <a.h>\n/* never closed\n#include <b.h>\n")
	list := Filter(src)
	// the unterminated comment's remainder is preserved verbatim and scanned
	// as ordinary text, so b.h is reported after a.h — nothing crashes and
	// the output still parses
	if len(list) < 1 || list[0].Arg != "a.h" {
		t.Fatalf("got %+v, want a.h first", list)
	}
}

func TestFilterStringLiteralProtectsCommentMarkers(t *testing.T) {
	src := []byte("#define URL \"http://example.com\"\n#include <real.h>\n")
	list := Filter(src)
	if len(list) != 2 {
		t.Fatalf("got %d directives, want 2: %+v", len(list), list)
	}
	if list[0].Kind != KindDefine || list[1].Arg != "real.h" {
		t.Fatalf("got %+v", list)
	}
}

func TestFilterEmptyInputYieldsEmptyList(t *testing.T) {
	if list := Filter(nil); len(list) != 0 {
		t.Fatalf("got %+v, want empty", list)
	}
	if list := Filter([]byte("int main() { return 0; }\n")); len(list) != 0 {
		t.Fatalf("got %+v, want empty for a directive-free file", list)
	}
}

func TestFilterSkipsCommentedOutIncludes(t *testing.T) {
	src := []byte(`/* #include "dead.h" */
// #include "also_dead.h"
#include "alive.h"
`)
	list := Filter(src)
	if len(list) != 1 || list[0].Arg != "alive.h" {
		t.Fatalf("got %+v, want exactly one include of alive.h", list)
	}
}

func TestFilterStripsTrailingCommentOnIncludeLine(t *testing.T) {
	src := []byte("#include <foo.h> // for printf\n#include \"bar.h\" /* bar */\n")
	list := Filter(src)
	if len(list) != 2 {
		t.Fatalf("got %d directives, want 2: %+v", len(list), list)
	}
	if list[0].Kind != KindInclude || list[0].Arg != "foo.h" || !list[0].Angle {
		t.Errorf("got %+v for <foo.h> // comment", list[0])
	}
	if list[1].Kind != KindInclude || list[1].Arg != "bar.h" || list[1].Angle {
		t.Errorf("got %+v for \"bar.h\" /* comment */", list[1])
	}
}

func TestFilterLineContinuation(t *testing.T) {
	src := []byte("#define LONG_MACRO(a, \\\n  b) ((a) + (b))\n")
	list := Filter(src)
	if len(list) != 1 || list[0].Kind != KindDefine {
		t.Fatalf("got %+v", list)
	}
}

func TestFilterPragmaOnce(t *testing.T) {
	src := []byte("#pragma once\n#include <stdio.h>\n")
	list := Filter(src)
	if len(list) != 2 || list[0].Kind != KindPragmaOnce {
		t.Fatalf("got %+v", list)
	}
	if !HasPragmaOnce(list) {
		t.Errorf("HasPragmaOnce should be true")
	}
}

func TestIncludeGuardMacroDetected(t *testing.T) {
	src := []byte(`#ifndef FOO_H
#define FOO_H
#include <stdio.h>
#endif
`)
	list := Filter(src)
	macro, ok := IncludeGuardMacro(list)
	if !ok || macro != "FOO_H" {
		t.Fatalf("got macro=%q ok=%v, want FOO_H/true", macro, ok)
	}
}

func TestIncludeGuardMacroRejectsMismatch(t *testing.T) {
	src := []byte(`#ifndef FOO_H
#define BAR_H
#endif
`)
	list := Filter(src)
	if _, ok := IncludeGuardMacro(list); ok {
		t.Fatalf("mismatched guard names should not be detected")
	}
}

func TestIncludeGuardMacroRejectsPartialCoverage(t *testing.T) {
	src := []byte(`#ifndef FOO_H
#define FOO_H
#endif
#include <extra.h>
`)
	list := Filter(src)
	if _, ok := IncludeGuardMacro(list); ok {
		t.Fatalf("guard that does not wrap the whole file should not be detected")
	}
}
