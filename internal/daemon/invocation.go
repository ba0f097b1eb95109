package daemon

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dz-tools/cxproxy/internal/common"
	"github.com/dz-tools/cxproxy/internal/compilerinfo"
	"github.com/dz-tools/cxproxy/internal/compiletask"
	"github.com/dz-tools/cxproxy/internal/includefinder"
	"github.com/dz-tools/cxproxy/internal/includeprocessor"
	"github.com/dz-tools/cxproxy/internal/rpc/wire"
	"github.com/dz-tools/cxproxy/internal/statcache"
)

// noRemote stands in for Task.Pipeline/Remoter when no remote server is
// configured or reachable, failing FILE_REQ/CALL_EXEC immediately so Task.Run's
// built-in remote-error fallback takes the LOCAL_RUN branch rather than a
// nil *blobpipeline.BlobStore panicking mid-task.
type noRemote struct{}

func (noRemote) LookupFile(context.Context, uint64, uint64) (bool, error) {
	return false, fmt.Errorf("no remote server configured")
}
func (noRemote) UploadFile(context.Context, <-chan wire.FileChunk) error {
	return fmt.Errorf("no remote server configured")
}
func (noRemote) Exec(context.Context, *wire.ExecRequest) (*wire.ExecResponse, error) {
	return nil, fmt.Errorf("no remote server configured")
}
func (noRemote) DownloadFile(context.Context, uint32, uint32) (io.ReadCloser, error) {
	return nil, fmt.Errorf("no remote server configured")
}

// parsedInvocation is the result of scanning one compiler invocation's
// argv. There is no -MD/-MF deps-flag extraction: staleness is computed
// from content hashes directly rather than by replaying the compiler's own
// -M family.
type parsedInvocation struct {
	cxxName    string
	cxxArgs    []string
	cppInFile  string
	pchInFile  string // set instead of cppInFile for precompiled-header creation
	objOutFile string
	dirs       includefinder.Dirs
	defines    []string
	undefines  []string
}

func isSourceFileName(name string) bool {
	for _, suffix := range []string{".cpp", ".cc", ".cxx", ".c"} {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

func isHeaderFileName(name string) bool {
	for _, suffix := range []string{".h", ".hh", ".hpp", ".hxx"} {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

// addIncludeRoot sorts a -I argument into its bucket: clang accepts a
// header-map file anywhere a directory is expected, so .hmap paths go to
// their own list for the finder to load.
func (inv *parsedInvocation) addIncludeRoot(p string) {
	if strings.HasSuffix(p, ".hmap") {
		inv.dirs.HMaps = append(inv.dirs.HMaps, p)
		return
	}
	inv.dirs.I = append(inv.dirs.I, p)
}

func pathAbs(cwd, relPath string) string {
	if relPath == "" || relPath[0] == '/' {
		return relPath
	}
	return filepath.Join(cwd, relPath)
}

// parseInvocation walks argv pulling out the include search flags and -o,
// classifying the first source-suffixed bare argument as the input file,
// and passing everything else through untouched as cxxArgs.
func parseInvocation(cwd string, argv []string) (*parsedInvocation, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty argv")
	}
	inv := &parsedInvocation{cxxName: argv[0], cxxArgs: make([]string, 0, len(argv))}

	argAfter := func(i *int) (string, bool) {
		if *i+1 >= len(argv) {
			return "", false
		}
		*i++
		return argv[*i], true
	}

	for i := 1; i < len(argv); i++ {
		arg := argv[i]
		if arg == "" {
			continue
		}
		switch {
		case arg == "-o":
			if v, ok := argAfter(&i); ok {
				inv.objOutFile = v
			}
		case strings.HasPrefix(arg, "-o") && len(arg) > 2:
			inv.objOutFile = arg[2:]
		case arg == "-I":
			if v, ok := argAfter(&i); ok {
				inv.addIncludeRoot(pathAbs(cwd, v))
			}
		case strings.HasPrefix(arg, "-I") && len(arg) > 2:
			inv.addIncludeRoot(pathAbs(cwd, arg[2:]))
		case arg == "-iquote":
			if v, ok := argAfter(&i); ok {
				inv.dirs.Iquote = append(inv.dirs.Iquote, pathAbs(cwd, v))
			}
		case arg == "-isystem":
			if v, ok := argAfter(&i); ok {
				inv.dirs.Isystem = append(inv.dirs.Isystem, pathAbs(cwd, v))
			}
		case arg == "-include":
			if v, ok := argAfter(&i); ok {
				inv.dirs.Files = append(inv.dirs.Files, pathAbs(cwd, v))
			}
		case arg == "-F":
			if v, ok := argAfter(&i); ok {
				inv.dirs.Framework = append(inv.dirs.Framework, pathAbs(cwd, v))
			}
		case strings.HasPrefix(arg, "-F") && len(arg) > 2:
			inv.dirs.Framework = append(inv.dirs.Framework, pathAbs(cwd, arg[2:]))
		case strings.HasPrefix(arg, "-D"):
			// kept in cxxArgs too: the compiler still needs it, locally or remotely
			if len(arg) > 2 {
				inv.defines = append(inv.defines, arg[2:])
			} else if v, ok := argAfter(&i); ok {
				inv.defines = append(inv.defines, v)
				inv.cxxArgs = append(inv.cxxArgs, "-D", v)
				continue
			}
			inv.cxxArgs = append(inv.cxxArgs, arg)
		case strings.HasPrefix(arg, "-U"):
			if len(arg) > 2 {
				inv.undefines = append(inv.undefines, arg[2:])
			} else if v, ok := argAfter(&i); ok {
				inv.undefines = append(inv.undefines, v)
				inv.cxxArgs = append(inv.cxxArgs, "-U", v)
				continue
			}
			inv.cxxArgs = append(inv.cxxArgs, arg)
		case arg[0] != '-' && isSourceFileName(arg):
			if inv.cppInFile != "" {
				return nil, fmt.Errorf("unsupported command line: multiple input source files")
			}
			inv.cppInFile = pathAbs(cwd, arg)
		case arg[0] != '-' && isHeaderFileName(arg):
			// a bare header input is a precompiled-header creation command
			if inv.pchInFile != "" {
				return nil, fmt.Errorf("unsupported command line: multiple input header files")
			}
			inv.pchInFile = pathAbs(cwd, arg)
		default:
			inv.cxxArgs = append(inv.cxxArgs, arg)
		}
	}

	if inv.pchInFile != "" {
		if inv.objOutFile == "" {
			inv.objOutFile = inv.pchInFile + ".gch"
		}
		inv.objOutFile = pathAbs(cwd, inv.objOutFile)
		return inv, nil
	}
	if inv.cppInFile == "" {
		return nil, fmt.Errorf("unsupported command line: no input source file")
	}
	if inv.objOutFile == "" {
		return nil, fmt.Errorf("unsupported command line: no -o output file")
	}
	inv.objOutFile = pathAbs(cwd, inv.objOutFile)
	return inv, nil
}

// HandleInvocation turns one intercepted compiler invocation into a
// compiletask.Task and drives it to completion.
func (d *Daemon) HandleInvocation(req *wire.DaemonRequest) *wire.DaemonResponse {
	inv, err := parseInvocation(req.Cwd, req.Argv)
	if err != nil {
		return &wire.DaemonResponse{ExitCode: 1, Stderr: []byte(err.Error() + "\n")}
	}

	sessionID := atomic.AddUint32(&d.totalInvocations, 1)
	rc := d.pickRemote()

	// compiler-info resolution (cached per compiler name): a compiler that
	// cannot be probed is still compilable locally, so this is advisory
	info, infoErr := d.Compilers.Get(inv.cxxName)
	if infoErr != nil {
		logDaemon.Info(1, "no compiler info for", inv.cxxName, infoErr)
	} else {
		// the compiler's own system search path sits after every -isystem
		inv.dirs.Isystem = append(inv.dirs.Isystem, info.SystemIncludeDirs...)
	}

	if inv.pchInFile != "" {
		return d.generateOwnPch(inv, info)
	}

	task := &compiletask.Task{
		ClientID:   d.clientID,
		SessionID:  sessionID,
		CxxName:    inv.cxxName,
		CxxArgs:    inv.cxxArgs,
		CppInFile:  inv.cppInFile,
		ObjOutFile: inv.objOutFile,
		WorkDir:    req.Cwd,
		Defines:    inv.defines,
		Undefines:  inv.undefines,
		Finder: &includefinder.Finder{
			Dirs:        inv.dirs,
			HeaderMaps:  loadHeaderMaps(inv.dirs.HMaps),
			DirLists:    d.DirLists,
			GchHackFlag: d.cfg.GchHack,
		},
		Includes:       d.Includes,
		Deps:           d.Deps,
		Info:           info,
		Subproc:        d.Subproc,
		LocalOut:       d.LocalOut,
		LocalRaceDelay: d.cfg.LocalRaceDelay,
		RemoteLimiter:  d.remoteLimiter,
	}

	task.Pipeline = d.newPipeline(rc)
	if rc != nil {
		task.Remote = rc.hostPort
		task.Remoter = rc.transport
		task.Downloads = rc.transport
	} else {
		task.Remoter = noRemote{}
	}

	statsTask := statcache.NewTask(d.StatsG)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	outcome := task.Run(ctx, statsTask)
	if outcome.Err != nil {
		if outcome.Stderr == nil {
			outcome.Stderr = []byte(outcome.Err.Error() + "\n")
		}
		if outcome.ExitCode == 0 {
			outcome.ExitCode = 1
		}
	}

	resp := &wire.DaemonResponse{
		ExitCode: outcome.ExitCode,
		Stdout:   outcome.Stdout,
		Stderr:   outcome.Stderr,
	}
	if outcome.Err == nil {
		resp.Outputs = []string{inv.objOutFile}
	}
	return resp
}

// loadHeaderMaps parses each .hmap the command line named; an unreadable
// one is logged and skipped, matching the compiler's own leniency.
func loadHeaderMaps(paths []string) []*includefinder.HeaderMap {
	var maps []*includefinder.HeaderMap
	for _, p := range paths {
		hm, err := includefinder.LoadHeaderMap(p)
		if err != nil {
			logDaemon.Error("couldn't load header map", p, err)
			continue
		}
		maps = append(maps, hm)
	}
	return maps
}

// generateOwnPch services a precompiled-header creation command: instead
// of producing a real .gch locally, enumerate the header's transitive dependencies and write a
// .cxproxy-pch sidecar bundling them, which the include finder substitutes
// for the header in later compiles and a remote unpacks to compile the real
// PCH on demand.
func (d *Daemon) generateOwnPch(inv *parsedInvocation, info *compilerinfo.Descriptor) *wire.DaemonResponse {
	stats := statcache.NewTask(d.StatsG)
	finder := &includefinder.Finder{Dirs: inv.dirs, DirLists: d.DirLists}

	results, err := includeprocessor.Process(includeprocessor.Params{
		Finder:    finder,
		Includes:  d.Includes,
		Content:   d.Store,
		Stats:     stats,
		Info:      info,
		Defines:   inv.defines,
		Undefines: inv.undefines,
	}, inv.pchInFile)
	if err != nil {
		return &wire.DaemonResponse{ExitCode: 1, Stderr: []byte("enumerating pch dependencies: " + err.Error() + "\n")}
	}

	ownPch := &common.OwnPch{
		OwnPchFile:  inv.pchInFile + ".cxproxy-pch",
		OrigHFile:   inv.pchInFile,
		OrigPchFile: inv.objOutFile,
		CxxName:     inv.cxxName,
		CxxArgs:     inv.cxxArgs,
		CxxIDirs:    inv.dirs.AsCxxArgs(),
	}

	deps := make([]string, 0, len(results)+1)
	deps = append(deps, inv.pchInFile)
	for _, r := range results {
		deps = append(deps, r.Path)
	}
	for _, dep := range deps {
		hash, err := common.GetFileSHA256(dep)
		if err != nil {
			return &wire.DaemonResponse{ExitCode: 1, Stderr: []byte("hashing pch dependency " + dep + ": " + err.Error() + "\n")}
		}
		ownPch.AddDepInclude(dep, stats.Stat(dep).Size, hash)
	}

	ownPch.CalcPchHash()
	if _, err := ownPch.SaveToOwnPchFile(); err != nil {
		return &wire.DaemonResponse{ExitCode: 1, Stderr: []byte("writing " + ownPch.OwnPchFile + ": " + err.Error() + "\n")}
	}

	logDaemon.Info(0, "generated", ownPch.OwnPchFile, "with", len(deps), "bundled deps")
	return &wire.DaemonResponse{ExitCode: 0, Outputs: []string{ownPch.OwnPchFile}}
}
