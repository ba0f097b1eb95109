// Package includeprocessor is the preprocessor-emulating engine: the macro
// table, #if/#ifdef/#elif conditional evaluator, and
// #include/#include_next resolution loop that, together, enumerate a
// translation unit's transitive header set without running a real
// preprocessor.
package includeprocessor

import "strings"

// Macro is one #define entry.
type Macro struct {
	Name       string
	Params     []string // nil for object-like macros
	Variadic   bool
	Body       string
	FuncLike   bool
}

// MacroTable tracks #define/#undef state while walking a translation unit. It
// is scoped to one compile task — unlike internal/includecache, macro state
// is never shared across translation units, since each file may define a
// different set of feature-test macros.
type MacroTable struct {
	macros map[string]*Macro
}

// builtins is the fallback seed for runs with no compiler descriptor: the
// handful of macros compilers predefine that conditional expressions in real
// headers frequently test for. When a compilerinfo.Descriptor is supplied,
// its full -dM dump is layered over these.
var builtins = map[string]string{
	"__cplusplus":      "201703L",
	"__STDC__":         "1",
	"__STDC_VERSION__": "201710L",
	"__GNUC__":         "4",
	"__linux__":        "1",
	"__x86_64__":       "1",
}

func NewMacroTable() *MacroTable {
	mt := &MacroTable{macros: make(map[string]*Macro, 64)}
	for name, body := range builtins {
		mt.macros[name] = &Macro{Name: name, Body: body}
	}
	return mt
}

// Define records name with everything that followed it on the #define line.
// arg starts immediately after the name, so a leading '(' with no
// intervening whitespace is the function-like form — `#define F(x)` — while
// `#define F (x)` is an object-like macro whose body happens to be
// parenthesized, matching the preprocessor's adjacency rule.
func (mt *MacroTable) Define(name string, arg string) {
	m := &Macro{Name: name}

	if len(arg) > 0 && arg[0] == '(' {
		closeIdx := strings.IndexByte(arg, ')')
		if closeIdx != -1 {
			m.FuncLike = true
			paramStr := arg[1:closeIdx]
			for _, p := range strings.Split(paramStr, ",") {
				p = strings.TrimSpace(p)
				if p == "..." {
					m.Variadic = true
					continue
				}
				if p != "" {
					m.Params = append(m.Params, p)
				}
			}
			m.Body = strings.TrimSpace(arg[closeIdx+1:])
			mt.macros[name] = m
			return
		}
	}

	m.Body = strings.TrimSpace(arg)
	mt.macros[name] = m
}

func (mt *MacroTable) Undef(arg string) {
	name := strings.TrimSpace(arg)
	if idx := strings.IndexAny(name, " \t"); idx != -1 {
		name = name[:idx]
	}
	delete(mt.macros, name)
}

func (mt *MacroTable) IsDefined(name string) bool {
	_, ok := mt.macros[name]
	return ok
}

func (mt *MacroTable) Lookup(name string) (*Macro, bool) {
	m, ok := mt.macros[name]
	return m, ok
}

// ExpandObjectLike substitutes object-like macro references in expr with
// their bodies, once (no recursive rescanning) — sufficient for the
// conditional-expression contexts this module evaluates, which rarely chain
// more than one level of object-like macro indirection.
func (mt *MacroTable) ExpandObjectLike(expr string) string {
	var sb strings.Builder
	i := 0
	for i < len(expr) {
		if !isIdentStart(expr[i]) {
			sb.WriteByte(expr[i])
			i++
			continue
		}
		j := i
		for j < len(expr) && isIdentPart(expr[j]) {
			j++
		}
		word := expr[i:j]
		if m, ok := mt.macros[word]; ok && !m.FuncLike {
			sb.WriteString(m.Body)
		} else {
			sb.WriteString(word)
		}
		i = j
	}
	return sb.String()
}

func isIdentStart(b byte) bool {
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

func isIdentPart(b byte) bool {
	return isIdentStart(b) || (b >= '0' && b <= '9')
}
