// Package compilerinfo holds the immutable compiler descriptor the include
// processor and compile-task state machine consume: the compiler's
// predefined macros, system include search path, and capability tables.
// Discovery itself (running the real compiler once to learn them) lives at
// this package's edge as a pluggable DetectFn, so everything downstream
// treats the descriptor as a value object.
package compilerinfo

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"sync"

	"github.com/dz-tools/cxproxy/internal/common"
)

// Descriptor is everything known about one compiler binary. It is built once
// per compiler per daemon lifetime and shared read-only across tasks.
type Descriptor struct {
	CxxName           string
	RealPath          string
	PredefinedMacros  map[string]string
	SystemIncludeDirs []string
	Features          map[string]bool
	Attributes        map[string]bool
	Hash              common.SHA256
}

// normalizeCapability maps __X__ to X, the same folding clang applies to
// __has_feature/__has_attribute arguments.
func normalizeCapability(name string) string {
	name = strings.TrimSpace(name)
	if strings.HasPrefix(name, "__") && strings.HasSuffix(name, "__") && len(name) > 4 {
		return name[2 : len(name)-2]
	}
	return name
}

func (d *Descriptor) HasFeature(name string) bool {
	return d != nil && d.Features[normalizeCapability(name)]
}

func (d *Descriptor) HasAttribute(name string) bool {
	return d != nil && d.Attributes[normalizeCapability(name)]
}

// computeHash summarizes the descriptor's identity for deps-cache
// fingerprinting: two compilers that predefine the same macros and search
// the same system dirs enumerate the same headers.
func (d *Descriptor) computeHash() {
	h := sha256.New()
	h.Write([]byte(d.RealPath))
	names := make([]string, 0, len(d.PredefinedMacros))
	for name := range d.PredefinedMacros {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(h, "%s=%s\n", name, d.PredefinedMacros[name])
	}
	for _, dir := range d.SystemIncludeDirs {
		h.Write([]byte(dir))
		h.Write([]byte{0})
	}
	d.Hash = common.MakeSHA256Struct(h)
}

// DetectFn resolves a compiler name into its descriptor.
type DetectFn func(cxxName string) (*Descriptor, error)

// Cache memoizes descriptors per compiler name for the daemon's lifetime.
// Detection failures are memoized too, so a missing compiler is probed
// once, not per invocation.
type Cache struct {
	mu     sync.Mutex
	byName map[string]*Descriptor
	failed map[string]error
	detect DetectFn
}

func NewCache(detect DetectFn) *Cache {
	if detect == nil {
		detect = DetectWithRealCompiler
	}
	return &Cache{
		byName: make(map[string]*Descriptor, 4),
		failed: make(map[string]error, 4),
		detect: detect,
	}
}

func (c *Cache) Get(cxxName string) (*Descriptor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.byName[cxxName]; ok {
		return d, nil
	}
	if err, ok := c.failed[cxxName]; ok {
		return nil, err
	}

	d, err := c.detect(cxxName)
	if err != nil {
		c.failed[cxxName] = err
		return nil, err
	}
	c.byName[cxxName] = d
	return d, nil
}

// Invalidate forgets a compiler, forcing re-detection on the next Get.
// Nothing outside this package's tests calls it; a remote command-spec
// mismatch does not trigger it.
func (c *Cache) Invalidate(cxxName string) {
	c.mu.Lock()
	delete(c.byName, cxxName)
	delete(c.failed, cxxName)
	c.mu.Unlock()
}

// DetectWithRealCompiler is the default DetectFn: it runs the compiler once
// with -dM -E to dump its predefined macros and once with -v to print its
// system include search list, the standard gcc/clang discovery invocations.
func DetectWithRealCompiler(cxxName string) (*Descriptor, error) {
	realPath, err := exec.LookPath(cxxName)
	if err != nil {
		return nil, fmt.Errorf("compiler %q not found: %w", cxxName, err)
	}

	macroCmd := exec.Command(realPath, "-x", "c++", "-E", "-dM", "/dev/null")
	macroOut, err := macroCmd.Output()
	if err != nil {
		return nil, fmt.Errorf("probing %q for predefined macros: %w", cxxName, err)
	}

	dirsCmd := exec.Command(realPath, "-x", "c++", "-E", "-v", "/dev/null")
	var dirsBuf bytes.Buffer
	dirsCmd.Stderr = &dirsBuf
	_ = dirsCmd.Run() // the search list is printed even when /dev/null preprocesses trivially

	d := &Descriptor{
		CxxName:           cxxName,
		RealPath:          realPath,
		PredefinedMacros:  ParsePredefinedMacros(macroOut),
		SystemIncludeDirs: ParseSearchDirs(dirsBuf.Bytes()),
		Features:          defaultFeatures(),
		Attributes:        defaultAttributes(),
	}
	d.computeHash()
	return d, nil
}

// ParsePredefinedMacros parses `cxx -dM -E` output: one `#define NAME BODY`
// per line, function-like macros keeping their parameter list glued to the
// name.
func ParsePredefinedMacros(out []byte) map[string]string {
	macros := make(map[string]string, 256)
	sc := bufio.NewScanner(bytes.NewReader(out))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "#define ") {
			continue
		}
		rest := line[len("#define "):]
		sp := strings.IndexByte(rest, ' ')
		if sp == -1 {
			macros[rest] = "1"
			continue
		}
		name := rest[:sp]
		if paren := strings.IndexByte(name, '('); paren != -1 {
			// function-like: keep "(args) body" together as the definition
			macros[name[:paren]] = name[paren:] + " " + rest[sp+1:]
			continue
		}
		macros[name] = strings.TrimSpace(rest[sp+1:])
	}
	return macros
}

// ParseSearchDirs pulls the directories between gcc/clang's
// "#include <...> search starts here:" and "End of search list." markers.
func ParseSearchDirs(out []byte) []string {
	var dirs []string
	inList := false
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "#include <...> search starts here:"):
			inList = true
		case strings.HasPrefix(line, "End of search list."):
			return dirs
		case inList:
			dir := strings.TrimSpace(line)
			// clang suffixes framework dirs with " (framework directory)"
			dir = strings.TrimSuffix(dir, " (framework directory)")
			if dir != "" {
				dirs = append(dirs, dir)
			}
		}
	}
	return dirs
}

// defaultFeatures covers the __has_feature probes ubiquitous headers make;
// a conservative allow-list rather than a per-compiler matrix, erring toward
// "present" for long-settled C++11 features and "absent" for sanitizers so
// the enumerated include set is a superset of the compiler's own (extras are
// tolerated, misses are not).
func defaultFeatures() map[string]bool {
	return map[string]bool{
		"cxx_rvalue_references":  true,
		"cxx_variadic_templates": true,
		"cxx_constexpr":          true,
		"cxx_decltype":           true,
		"cxx_static_assert":      true,
		"cxx_attributes":         true,
	}
}

func defaultAttributes() map[string]bool {
	return map[string]bool{
		"visibility":         true,
		"deprecated":         true,
		"noreturn":           true,
		"always_inline":      true,
		"constructor":        true,
		"destructor":         true,
		"unused":             true,
		"warn_unused_result": true,
	}
}
