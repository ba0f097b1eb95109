package directive

import "strings"

// IncludeGuardMacro reports the macro name a file's classic include guard
// protects against, if the filtered DirectiveList has the recognizable shape:
//
//	#ifndef FOO_H
//	#define FOO_H
//	...
//	#endif
//
// as the first and last directives. The include processor uses this to
// skip reprocessing a file outright once FOO_H is already defined, without
// re-walking its body.
//
// #pragma once is the other once-only spelling; it is keyed on the file's
// own path rather than a macro name, so it is detected separately by
// HasPragmaOnce.
func IncludeGuardMacro(list DirectiveList) (macro string, ok bool) {
	if len(list) < 3 {
		return "", false
	}
	first := list[0]
	if first.Kind != KindIfndef {
		return "", false
	}
	name := strings.TrimSpace(first.Arg)
	if name == "" {
		return "", false
	}

	second := list[1]
	if second.Kind != KindDefine {
		return "", false
	}
	defineName := firstToken(second.Arg)
	if defineName != name {
		return "", false
	}

	last := list[len(list)-1]
	if last.Kind != KindEndif {
		return "", false
	}

	// the ifndef/endif pair must be balanced with nothing left dangling:
	// count nested if-family directives between first and last
	depth := 1
	for _, d := range list[1 : len(list)-1] {
		switch d.Kind {
		case KindIf, KindIfdef, KindIfndef:
			depth++
		case KindEndif:
			depth--
			if depth == 0 {
				return "", false // the outer ifndef closed before the file ended — not a whole-file guard
			}
		}
	}
	if depth != 1 {
		return "", false
	}

	return name, true
}

// HasPragmaOnce reports whether #pragma once appears anywhere in list.
func HasPragmaOnce(list DirectiveList) bool {
	for _, d := range list {
		if d.Kind == KindPragmaOnce {
			return true
		}
	}
	return false
}

func firstToken(s string) string {
	s = strings.TrimSpace(s)
	i := strings.IndexAny(s, " \t(")
	if i == -1 {
		return s
	}
	return s[:i]
}
