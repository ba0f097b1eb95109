package includefinder

import (
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/dz-tools/cxproxy/internal/listdircache"
)

// Arg describes one #include argument to resolve.
type Arg struct {
	Inside        string // text between quotes/angle brackets, already macro-expanded by the caller
	IsQuote       bool   // "arg" vs <arg>
	IsIncludeNext bool

	// RootIndex/RootIndexKnown let the caller tell an #include_next which
	// allDirs() slot the including file itself resolved against, so the
	// search can resume right after that root instead of re-deriving it
	// from a path-prefix guess. RootIndexKnown is a separate
	// bool rather than an int sentinel (e.g. -1) because 0 is itself a valid
	// index and a zero-value Arg must not be mistaken for "root is index 0".
	RootIndex      int
	RootIndexKnown bool
}

// ResolveResult is what a successful Resolve found.
type ResolveResult struct {
	Path    string
	UsedPch bool

	// RootIndex/RootIndexKnown report which allDirs() slot this resolution
	// matched, for the caller to pass back as the next #include_next's
	// Arg.RootIndex when this file itself issues one.
	RootIndex      int
	RootIndexKnown bool
}

// Finder resolves Arg against a Dirs set and an (optional) set of header
// maps, trying the .cxproxy-pch gch-substitution first when GchHackFlag is
// set. DirLists, when present, memoizes per-directory entry sets so a
// nonexistent include is rejected from the cached listing without a stat
// syscall per search root.
type Finder struct {
	Dirs        Dirs
	HeaderMaps  []*HeaderMap
	DirLists    *listdircache.Global
	GchHackFlag bool // the gch_hack_enabled option: substitute header.h.cxproxy-pch when present
}

// Resolve returns the absolute path an #include would open, trying (in
// order): a loaded header map, the gch/own-pch sidecar substitution, then the
// normal quote/angle/include_next directory search. ok is false if nothing
// on disk matches any candidate.
func (f *Finder) Resolve(currentFile string, arg Arg) (ResolveResult, bool) {
	if strings.HasPrefix(arg.Inside, "/") {
		if f.GchHackFlag {
			if pch := gchSidecarPath(arg.Inside); fileExists(pch) {
				return ResolveResult{Path: pch, UsedPch: true}, true
			}
		}
		if fileExists(arg.Inside) {
			return ResolveResult{Path: arg.Inside}, true
		}
		return ResolveResult{}, false
	}

	for _, hm := range f.HeaderMaps {
		if p, found := hm.Lookup(arg.Inside); found {
			return ResolveResult{Path: p}, true
		}
	}

	for _, c := range f.candidatePaths(currentFile, arg) {
		if f.skipByDirListing(c) {
			continue
		}
		full := path.Join(c.dir, c.rel)
		if f.GchHackFlag {
			if pch := gchSidecarPath(full); fileExists(pch) {
				return ResolveResult{Path: pch, UsedPch: true, RootIndex: c.root, RootIndexKnown: c.rootKnown}, true
			}
		}
		if fileExists(full) {
			return ResolveResult{Path: full, RootIndex: c.root, RootIndexKnown: c.rootKnown}, true
		}
	}

	// framework roots: Name/rest resolves as Name.framework/Headers/rest,
	// falling back to PrivateHeaders
	if slash := strings.IndexByte(arg.Inside, '/'); slash > 0 {
		name, rest := arg.Inside[:slash], arg.Inside[slash+1:]
		for _, root := range f.Dirs.Framework {
			for _, sub := range []string{"Headers", "PrivateHeaders"} {
				full := path.Join(root, name+".framework", sub, rest)
				if fileExists(full) {
					return ResolveResult{Path: full}, true
				}
			}
		}
	}
	return ResolveResult{}, false
}

// skipByDirListing rejects a candidate whose top path component is absent
// from the cached listing of its root directory — the common case for the
// "probe every search root for a header that exists in only one" pattern.
// The gch sidecar has a different top-level name, so the optimization is
// bypassed while the hack is enabled rather than missing substitutions.
func (f *Finder) skipByDirListing(c candidate) bool {
	if f.DirLists == nil || f.GchHackFlag {
		return false
	}
	top := c.rel
	if i := strings.IndexByte(top, '/'); i != -1 {
		top = top[:i]
	}
	return !f.DirLists.Contains(c.dir, top)
}

// candidate is one directory-search slot, tagged with its allDirs() index
// (if any) so include_next can resume from the position right after it.
type candidate struct {
	dir       string
	rel       string
	root      int
	rootKnown bool
}

// allDirs returns -iquote, -I, -isystem concatenated in the canonical
// search order.
func (f *Finder) allDirs() []string {
	var all []string
	all = append(all, f.Dirs.Iquote...)
	all = append(all, f.Dirs.I...)
	all = append(all, f.Dirs.Isystem...)
	return all
}

// candidatePaths enumerates paths in search order: current file's directory
// (quote only), -iquote, -I, -isystem, with allDirs() restricted to entries
// after the including file's own root index for include_next.
func (f *Finder) candidatePaths(currentFile string, arg Arg) []candidate {
	var out []candidate
	dirs := f.allDirs()

	if arg.IsIncludeNext {
		start := 0
		if arg.RootIndexKnown {
			start = arg.RootIndex + 1
		} else {
			// Fallback when the including file's own root index wasn't
			// threaded through: guess it from a path-prefix match.
			for i, dir := range dirs {
				if strings.HasPrefix(currentFile, dir) {
					start = i + 1
					break
				}
			}
		}
		for i := start; i < len(dirs); i++ {
			out = append(out, candidate{dir: dirs[i], rel: arg.Inside, root: i, rootKnown: true})
		}
		return out
	}

	if arg.IsQuote {
		out = append(out, candidate{dir: path.Dir(currentFile), rel: arg.Inside})
		for _, dir := range f.Dirs.Iquote {
			out = append(out, candidate{dir: dir, rel: arg.Inside})
		}
	}
	// -iquote dirs only ever satisfy a quote include (above); the general
	// search below is -I/-isystem only, for both quote and angle includes.
	for i := len(f.Dirs.Iquote); i < len(dirs); i++ {
		out = append(out, candidate{dir: dirs[i], rel: arg.Inside, root: i, rootKnown: true})
	}
	return out
}

// gchSidecarPath returns the .cxproxy-pch name that would substitute for
// hPath when the gch hack is enabled.
func gchSidecarPath(hPath string) string {
	return hPath + ".cxproxy-pch"
}

func fileExists(p string) bool {
	st, err := os.Stat(p)
	return err == nil && !st.IsDir()
}

// ShouldCacheResolution reports whether a resolution may be memoized across
// invocations: only paths under -isystem dirs qualify, since -I/-iquote can
// vary invocation to invocation while -isystem reflects the fixed toolchain
// install.
func (f *Finder) ShouldCacheResolution(resolvedPath string) bool {
	for _, dir := range f.Dirs.I {
		if strings.HasPrefix(resolvedPath, dir) {
			return false
		}
	}
	for _, dir := range f.Dirs.Isystem {
		if strings.HasPrefix(resolvedPath, dir) {
			return true
		}
	}
	return false
}

// AbsClean is a small helper used by callers building Dirs from raw -I args.
func AbsClean(p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	wd, err := os.Getwd()
	if err != nil {
		return filepath.Clean(p)
	}
	return filepath.Clean(filepath.Join(wd, p))
}
