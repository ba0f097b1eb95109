package includeprocessor

import "testing"

func TestEvalArithmeticAndLogic(t *testing.T) {
	e := &Evaluator{Macros: NewMacroTable()}
	cases := map[string]bool{
		"1":                 true,
		"0":                 false,
		"1 + 1 == 2":        true,
		"(1 || 0) && 1":     true,
		"!0":                true,
		"2 * 3 - 1 == 5":    true,
		"10 % 3 == 1":       true,
		"1 < 2 && 2 <= 2":   true,
		"__GNUC__ >= 4":     true,
		"UNDEFINED_MACRO":   false,
		"1 << 2 == 4":       true,
		"(16 >> 2) == 4":    true,
		"(6 & 2) == 2":      true,
		"(1 | 4) == 5":      true,
		"(5 ^ 1) == 4":      true,
		"~0 == -1":          true,
		"(1 ? 10 : 20) == 10": true,
		"(0 ? 10 : 20) == 20": true,
		"1 ? 0 : 1":         false,
	}
	for expr, want := range cases {
		got, err := e.Eval(expr)
		if err != nil {
			t.Errorf("Eval(%q) error: %v", expr, err)
			continue
		}
		if got != want {
			t.Errorf("Eval(%q) = %v, want %v", expr, got, want)
		}
	}
}

func TestEvalDefined(t *testing.T) {
	mt := NewMacroTable()
	mt.Define("FOO", "1")
	e := &Evaluator{Macros: mt}

	if v, _ := e.Eval("defined(FOO)"); !v {
		t.Error("defined(FOO) should be true")
	}
	if v, _ := e.Eval("defined BAR"); v {
		t.Error("defined BAR should be false")
	}
	if v, _ := e.Eval("!defined(BAR)"); !v {
		t.Error("!defined(BAR) should be true")
	}
}

func TestEvalHasInclude(t *testing.T) {
	e := &Evaluator{
		Macros: NewMacroTable(),
		HasInclude: func(arg string) bool {
			// the raw spelling arrives intact, quote/angle included
			return arg == "<stdio.h>" || arg == `"stdio.h"`
		},
	}
	if v, _ := e.Eval(`__has_include(<stdio.h>)`); !v {
		t.Error("__has_include(<stdio.h>) should be true")
	}
	if v, _ := e.Eval(`__has_include("stdio.h")`); !v {
		t.Error(`__has_include("stdio.h") should be true`)
	}
	if v, _ := e.Eval(`__has_include(<nope.h>)`); v {
		t.Error("__has_include(<nope.h>) should be false")
	}
}

func TestEvalHasFeatureFamily(t *testing.T) {
	e := &Evaluator{
		Macros:     NewMacroTable(),
		HasFeature: func(arg string) bool { return arg == "cxx_constexpr" },
		HasAttr:    func(arg string) bool { return arg == "noreturn" },
	}
	if v, _ := e.Eval(`__has_feature(cxx_constexpr)`); !v {
		t.Error("__has_feature(cxx_constexpr) should be true")
	}
	if v, _ := e.Eval(`__has_extension(cxx_constexpr)`); !v {
		t.Error("__has_extension falls back to the feature table")
	}
	if v, _ := e.Eval(`__has_attribute(noreturn)`); !v {
		t.Error("__has_attribute(noreturn) should be true")
	}
	if v, _ := e.Eval(`__has_cpp_attribute(maybe_unused)`); v {
		t.Error("an unknown attribute should evaluate to 0")
	}
}

func TestMacroDefineFunctionLike(t *testing.T) {
	mt := NewMacroTable()
	mt.Define("MAX", "(a, b) ((a) > (b) ? (a) : (b))")
	m, ok := mt.Lookup("MAX")
	if !ok || !m.FuncLike || len(m.Params) != 2 {
		t.Fatalf("got %+v ok=%v", m, ok)
	}
}
