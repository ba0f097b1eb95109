package includeprocessor

import (
	"fmt"
	"strings"

	"github.com/dz-tools/cxproxy/internal/compilerinfo"
	"github.com/dz-tools/cxproxy/internal/content"
	"github.com/dz-tools/cxproxy/internal/directive"
	"github.com/dz-tools/cxproxy/internal/includecache"
	"github.com/dz-tools/cxproxy/internal/includefinder"
	"github.com/dz-tools/cxproxy/internal/statcache"
)

// Result is one header pulled in while processing a translation unit.
type Result struct {
	Path    string
	Size    int64
	Key     content.Key
	UsedPch bool
}

// Params collects the collaborators one Process run needs. Info may be nil
// (tests that don't care about a specific compiler's macro set fall back to
// the builtin seed macros alone).
type Params struct {
	Finder   *includefinder.Finder
	Includes *includecache.Cache
	Content  *content.Store
	Stats    *statcache.Task
	Info     *compilerinfo.Descriptor

	// Defines/Undefines are the command line's -D NAME[=VALUE] and -U NAME
	// values, applied over the compiler's predefined macros in order.
	Defines   []string
	Undefines []string
}

// Processor walks a translation unit's #include graph, evaluating
// conditionals with a per-task macro table that nested files share. Only
// object-like macros are expanded, in #if expressions and in a macro-named
// #include argument; function-like macros are recorded but never expanded,
// so an include or condition that depends on expanding one is not resolved
// through it. No body substitution elsewhere in the file is attempted, and
// the preprocessed token stream is not reproduced.
type Processor struct {
	p Params

	// seen dedups the *output set*: every resolved path appears there once.
	// onceOnly is the separate, smaller set of files that must not be
	// re-expanded on a later inclusion (#pragma once); files with neither a
	// guard nor #pragma once are re-walked every time they are included,
	// since a macro defined between two inclusions can gate different
	// nested includes. walking breaks unguarded include cycles.
	seen     map[string]*Result
	onceOnly map[string]bool
	walking  map[string]bool
	order    []*Result

	consideredCount int
	skippedCount    int
}

// Process enumerates the transitive header set of cppFile, in order of
// first appearance, with full conditional evaluation. Any -include files
// configured on the finder are expanded first, the way the real
// preprocessor prepends them.
func Process(p Params, cppFile string) ([]*Result, error) {
	proc := &Processor{
		p:        p,
		seen:     make(map[string]*Result, 64),
		onceOnly: make(map[string]bool, 64),
		walking:  make(map[string]bool, 16),
	}
	macros := NewMacroTable()
	proc.seedMacros(macros)

	for _, forced := range p.Finder.Dirs.Files {
		if _, already := proc.seen[forced]; already {
			continue
		}
		r := &Result{Path: forced, Size: p.Stats.Stat(forced).Size}
		proc.seen[forced] = r
		proc.order = append(proc.order, r)
		if err := proc.processFile(forced, macros, 0, 0, false); err != nil {
			return nil, err
		}
	}

	if err := proc.processFile(cppFile, macros, 0, 0, false); err != nil {
		return nil, err
	}
	return proc.order, nil
}

// seedMacros applies, in order: the builtin fallback set, the compiler's
// predefined macros, then the command line's -D/-U.
func (proc *Processor) seedMacros(macros *MacroTable) {
	if info := proc.p.Info; info != nil {
		for name, body := range info.PredefinedMacros {
			// bodies arrive as the raw text after the name, so a leading
			// "(params)" keeps its function-like adjacency
			macros.Define(name, body)
		}
	}
	for _, def := range proc.p.Defines {
		name, value := def, "1"
		if eq := strings.IndexByte(def, '='); eq != -1 {
			name, value = def[:eq], def[eq+1:]
		}
		macros.Define(name, " "+value)
	}
	for _, name := range proc.p.Undefines {
		macros.Undef(name)
	}
}

// Counters reports how many files were considered and how many were skipped
// outright by the include-guard optimization.
func (proc *Processor) Counters() (considered, skipped int) {
	return proc.consideredCount, proc.skippedCount
}

const maxIncludeDepth = 200

// processFile walks one file's DirectiveList. rootIdx/rootKnown carry which
// search-path slot this file itself resolved against, so a #include_next
// inside it can resume from the following slot.
func (proc *Processor) processFile(path string, macros *MacroTable, depth int, rootIdx int, rootKnown bool) error {
	if depth > maxIncludeDepth {
		return fmt.Errorf("include depth exceeded processing %s (likely a cyclic or runaway include chain)", path)
	}
	proc.consideredCount++

	st := proc.p.Stats.Stat(path)
	size, key, list, cached := proc.p.Includes.GetFileInfo(path, st)
	if !cached {
		var raw []byte
		var err error
		key, raw, err = proc.p.Content.PutFile(path)
		if err != nil {
			return err
		}
		size = int64(len(raw))
		list = directive.Filter(raw)
		proc.p.Includes.AddFileInfo(path, size, key, list, st)
	}
	if r := proc.seen[path]; r != nil {
		r.Size = size
		r.Key = key
	}

	if guardMacro, ok := directive.IncludeGuardMacro(list); ok && macros.IsDefined(guardMacro) {
		proc.skippedCount++
		return nil // skip re-walking a file whose whole-file guard is already defined
	}
	if directive.HasPragmaOnce(list) {
		proc.onceOnly[path] = true
	}

	proc.walking[path] = true
	defer delete(proc.walking, path)

	eval := &Evaluator{
		Macros: macros,
		HasInclude: func(arg string) bool {
			_, ok := proc.p.Finder.Resolve(path, parseHasIncludeArg(arg))
			return ok
		},
		HasFeature: proc.p.Info.HasFeature,
		HasAttr:    proc.p.Info.HasAttribute,
	}

	// conditional stack: each frame tracks whether we are currently "taking"
	// this branch, and whether any branch in this #if/#elif/#else chain has
	// already been taken (so #elif/#else know to skip)
	type frame struct {
		taking     bool
		anyTaken   bool
		parentTake bool
	}
	stack := []frame{{taking: true, anyTaken: true, parentTake: true}}
	active := func() bool {
		return stack[len(stack)-1].taking
	}

	for _, d := range list {
		switch d.Kind {
		case directive.KindIf, directive.KindIfdef, directive.KindIfndef:
			parentTake := active()
			if !parentTake {
				stack = append(stack, frame{taking: false, anyTaken: true, parentTake: false})
				continue
			}
			var take bool
			switch d.Kind {
			case directive.KindIfdef:
				take = macros.IsDefined(strings.TrimSpace(d.Arg))
			case directive.KindIfndef:
				take = !macros.IsDefined(strings.TrimSpace(d.Arg))
			default:
				var evalErr error
				take, evalErr = eval.Eval(d.Arg)
				if evalErr != nil {
					take = false // an unparsable condition is treated as false rather than aborting the whole file
				}
			}
			stack = append(stack, frame{taking: take, anyTaken: take, parentTake: true})

		case directive.KindElif:
			if len(stack) == 1 {
				continue
			}
			f := &stack[len(stack)-1]
			if !f.parentTake {
				continue
			}
			if f.anyTaken {
				f.taking = false
				continue
			}
			take, evalErr := eval.Eval(d.Arg)
			if evalErr != nil {
				take = false
			}
			f.taking = take
			f.anyTaken = f.anyTaken || take

		case directive.KindElse:
			if len(stack) == 1 {
				continue
			}
			f := &stack[len(stack)-1]
			if !f.parentTake {
				continue
			}
			f.taking = !f.anyTaken
			f.anyTaken = true

		case directive.KindEndif:
			if len(stack) > 1 {
				stack = stack[:len(stack)-1]
			}

		case directive.KindDefine:
			if active() {
				name, arg := splitDefine(d.Arg)
				macros.Define(name, arg)
			}

		case directive.KindUndef:
			if active() {
				macros.Undef(d.Arg)
			}

		case directive.KindInclude, directive.KindIncludeNext:
			if !active() {
				continue
			}
			inside := d.Arg
			angle := d.Angle
			if !d.Literal {
				expanded := macros.ExpandObjectLike(d.Arg)
				inside, angle = splitQuoteOrAngle(expanded)
				if inside == "" {
					continue
				}
			}
			arg := includefinder.Arg{
				Inside:         inside,
				IsQuote:        !angle,
				IsIncludeNext:  d.Kind == directive.KindIncludeNext,
				RootIndex:      rootIdx,
				RootIndexKnown: rootKnown,
			}

			// angle includes resolved against the fixed toolchain roots
			// memoize across compile tasks; everything else re-resolves
			// per task
			cacheable := angle && d.Kind == directive.KindInclude
			if cacheable {
				if cached, ok := proc.p.Includes.GetResolve(inside); ok {
					if cached == "" {
						continue
					}
					if err := proc.enterInclude(cached, false, macros, depth, 0, false); err != nil {
						return err
					}
					continue
				}
			}

			res, ok := proc.p.Finder.Resolve(path, arg)
			if !ok {
				continue // unresolvable includes are not errors; real headers probe for optional ones constantly
			}
			if cacheable && !res.UsedPch && proc.p.Finder.ShouldCacheResolution(res.Path) {
				proc.p.Includes.AddResolve(inside, res.Path)
			}
			if err := proc.enterInclude(res.Path, res.UsedPch, macros, depth, res.RootIndex, res.RootIndexKnown); err != nil {
				return err
			}
		}
	}

	return nil
}

// enterInclude records a resolved include in the output set (once per path)
// and decides whether to expand it. Only #pragma once files skip
// re-expansion on later inclusions; an unguarded file is walked again every
// time, since the macro state may have changed between inclusions. Guarded
// files short-circuit inside processFile once their guard macro is defined,
// and a file already on the walk stack is not re-entered.
func (proc *Processor) enterInclude(path string, usedPch bool, macros *MacroTable, depth int, rootIdx int, rootKnown bool) error {
	if _, already := proc.seen[path]; !already {
		r := &Result{Path: path, UsedPch: usedPch, Size: proc.p.Stats.Stat(path).Size}
		proc.seen[path] = r
		proc.order = append(proc.order, r)
	}
	if usedPch {
		return nil // a .cxproxy-pch sidecar is an opaque upload unit, not walked for nested includes
	}
	if proc.onceOnly[path] {
		proc.skippedCount++
		return nil
	}
	if proc.walking[path] {
		return nil // an include cycle; the file is already being expanded higher up the stack
	}
	return proc.processFile(path, macros, depth+1, rootIdx, rootKnown)
}

func splitDefine(arg string) (name string, rest string) {
	arg = strings.TrimLeft(arg, " \t")
	i := 0
	for i < len(arg) && (isIdentPart(arg[i])) {
		i++
	}
	name = arg[:i]
	if i < len(arg) {
		rest = arg[i:]
	}
	return
}

// splitQuoteOrAngle interprets a macro-expanded include argument as either
// "name" or <name>; anything else is unusable.
func splitQuoteOrAngle(expanded string) (inside string, angle bool) {
	expanded = strings.TrimSpace(expanded)
	if len(expanded) < 2 {
		return "", false
	}
	if expanded[0] == '"' && expanded[len(expanded)-1] == '"' {
		return expanded[1 : len(expanded)-1], false
	}
	if expanded[0] == '<' && expanded[len(expanded)-1] == '>' {
		return expanded[1 : len(expanded)-1], true
	}
	return "", false
}

func parseHasIncludeArg(arg string) includefinder.Arg {
	arg = strings.TrimSpace(arg)
	if len(arg) >= 2 && arg[0] == '"' && arg[len(arg)-1] == '"' {
		return includefinder.Arg{Inside: arg[1 : len(arg)-1], IsQuote: true}
	}
	if len(arg) >= 2 && arg[0] == '<' && arg[len(arg)-1] == '>' {
		return includefinder.Arg{Inside: arg[1 : len(arg)-1]}
	}
	return includefinder.Arg{Inside: arg}
}
