// Package compiletask implements the compile-task state machine: the piece
// that drives one cxxName+cxxArgs+cppInFile invocation from INIT through
// either a remote round trip or a local fallback to FINISHED, tying
// together internal/includeprocessor, internal/depscache,
// internal/blobpipeline, internal/subprocess and internal/rpc. An explicit
// state enum gives the INIT-time local/remote race one place to arbitrate
// between the two paths.
package compiletask

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dz-tools/cxproxy/internal/blobpipeline"
	"github.com/dz-tools/cxproxy/internal/common"
	"github.com/dz-tools/cxproxy/internal/compilerinfo"
	"github.com/dz-tools/cxproxy/internal/depscache"
	"github.com/dz-tools/cxproxy/internal/directive"
	"github.com/dz-tools/cxproxy/internal/includecache"
	"github.com/dz-tools/cxproxy/internal/includefinder"
	"github.com/dz-tools/cxproxy/internal/includeprocessor"
	"github.com/dz-tools/cxproxy/internal/localoutputcache"
	"github.com/dz-tools/cxproxy/internal/rpc/wire"
	"github.com/dz-tools/cxproxy/internal/statcache"
	"github.com/dz-tools/cxproxy/internal/subprocess"
	"golang.org/x/sync/errgroup"
)

// State is one step of the INIT -> SETUP -> FILE_REQ -> CALL_EXEC ->
// FILE_RESP -> FINISHED pipeline, with LOCAL_RUN/LOCAL_FINISHED as the
// parallel fallback branch raced against it from INIT, and LOCAL_OUTPUT
// marking a FILE_REQ-time hit in the local-output cache.
type State int

const (
	StateInit State = iota
	StateSetup
	StateFileReq
	StateCallExec
	StateFileResp
	StateLocalRun
	StateLocalOutput
	StateLocalFinished
	StateFinished
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateSetup:
		return "SETUP"
	case StateFileReq:
		return "FILE_REQ"
	case StateCallExec:
		return "CALL_EXEC"
	case StateFileResp:
		return "FILE_RESP"
	case StateLocalRun:
		return "LOCAL_RUN"
	case StateLocalOutput:
		return "LOCAL_OUTPUT"
	case StateLocalFinished:
		return "LOCAL_FINISHED"
	case StateFinished:
		return "FINISHED"
	default:
		return "FAILED"
	}
}

// Executor is the CALL_EXEC collaborator: a remote capable of running one
// compile and returning its outcome, including which inputs it is missing
// bytes for.
type Executor interface {
	Exec(ctx context.Context, req *wire.ExecRequest) (*wire.ExecResponse, error)
}

// Downloader is the FILE_RESP collaborator: pulling the compiled object back
// after a successful remote exit. It is optional — a Task with no Downloader
// set (e.g. in tests driving only CALL_EXEC) just skips the download step.
type Downloader interface {
	DownloadFile(ctx context.Context, sessionID, fileIndex uint32) (io.ReadCloser, error)
}

// Outcome is the Task's terminal result, regardless of which branch of the
// race produced it.
type Outcome struct {
	RanRemotely bool
	ExitCode    int32
	Stdout      []byte
	Stderr      []byte
	Duration    time.Duration
	Err         error
}

// Task is one compile-task state machine instance: single source file, one
// compiler invocation, one object output.
type Task struct {
	ClientID  string
	SessionID uint32
	Remote    string

	CxxName    string
	CxxArgs    []string
	CppInFile  string
	ObjOutFile string
	WorkDir    string

	// Defines/Undefines are the command line's -D/-U values, fed to the
	// include processor's macro seed.
	Defines   []string
	Undefines []string

	Finder    *includefinder.Finder
	Includes  *includecache.Cache
	Deps      *depscache.Cache
	Pipeline  *blobpipeline.Pipeline
	Info      *compilerinfo.Descriptor
	Subproc   *subprocess.Controller
	Remoter   Executor
	Downloads Downloader

	// LocalOut is the compiled-output cache keyed by request + input
	// contents; nil disables the cache (tests driving only CALL_EXEC).
	LocalOut *localoutputcache.Cache

	// RemoteLimiter caps how many tasks may be inside CALL_EXEC
	// simultaneously (the daemon's configured max_remote_jobs); nil means
	// unbounded, the right default for tests that drive a Task directly.
	RemoteLimiter chan struct{}

	// LocalRaceDelay is how long after Run starts the remote path is given
	// as a head start before the LOCAL_RUN fallback also starts racing it;
	// zero disables the race, running purely remotely.
	LocalRaceDelay time.Duration

	mu    sync.Mutex
	state State
}

func (t *Task) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// State returns the task's current step, safe to poll from a status reporter.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Fingerprint identifies this task for the deps cache: a canonical SHA-256
// over everything that determines which headers the preprocessor would pull
// in — the compiler's identity, the working dir, the input, the argument
// list, and every search root.
func (t *Task) Fingerprint() depscache.Fingerprint {
	h := sha256.New()
	w := func(s string) {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	w(t.CxxName)
	if t.Info != nil {
		w(t.Info.RealPath)
		w(t.Info.Hash.ToLongHexString())
	}
	w(t.WorkDir)
	w(t.CppInFile)
	for _, a := range t.CxxArgs {
		w(a)
	}
	if t.Finder != nil {
		for _, d := range t.Finder.Dirs.Iquote {
			w("iquote:" + d)
		}
		for _, d := range t.Finder.Dirs.I {
			w("I:" + d)
		}
		for _, d := range t.Finder.Dirs.Isystem {
			w("isystem:" + d)
		}
		for _, f := range t.Finder.Dirs.Files {
			w("include:" + f)
		}
	}
	for _, d := range t.Defines {
		w("D:" + d)
	}
	for _, u := range t.Undefines {
		w("U:" + u)
	}
	return common.MakeSHA256Struct(h)
}

// Run drives the task to a terminal Outcome. It races remote execution
// against a local fallback compile (started after LocalRaceDelay, or not at
// all if the delay is zero and the remote path succeeds), whichever finishes
// first with a usable result wins; the loser's context is cancelled, which
// aborts an in-flight remote call or kills a running local subprocess.
func (t *Task) Run(ctx context.Context, stats *statcache.Task) Outcome {
	t.setState(StateInit)

	remoteCtx, cancelRemote := context.WithCancel(ctx)
	localCtx, cancelLocal := context.WithCancel(ctx)
	defer cancelRemote()
	defer cancelLocal()

	remoteCh := make(chan Outcome, 1)
	localCh := make(chan Outcome, 1)

	go func() {
		remoteCh <- t.runRemote(remoteCtx, stats)
	}()

	if t.LocalRaceDelay > 0 && t.Subproc != nil {
		go func() {
			select {
			case <-time.After(t.LocalRaceDelay):
			case <-localCtx.Done():
				return
			}
			t.setState(StateLocalRun)
			localCh <- t.runLocal(localCtx)
		}()
	}

	select {
	case out := <-remoteCh:
		if out.Err == nil {
			cancelLocal()
			t.setState(StateFinished)
			return out
		}
		if t.Subproc == nil {
			t.setState(StateFailed)
			return out
		}
		t.setState(StateLocalRun)
		localOut := t.runLocal(ctx)
		if localOut.Err == nil {
			t.setState(StateLocalFinished)
		} else {
			t.setState(StateFailed)
		}
		return localOut

	case out := <-localCh:
		cancelRemote()
		if out.Err == nil {
			t.setState(StateLocalFinished)
		} else {
			t.setState(StateFailed)
		}
		return out
	}
}

// maxExecAttempts bounds the CALL_EXEC / missing-inputs loop: the first
// attempt plus retries after the server names inputs it has no bytes for.
const maxExecAttempts = 3

// runRemote drives SETUP -> FILE_REQ -> CALL_EXEC -> FILE_RESP.
func (t *Task) runRemote(ctx context.Context, stats *statcache.Task) Outcome {
	t.setState(StateSetup)
	fp := t.Fingerprint()

	headers, err := t.resolveDependencies(fp, stats)
	if err != nil {
		return Outcome{Err: err}
	}

	// the request's input list: the translation unit first, then its headers
	paths := make([]string, 0, len(headers)+1)
	paths = append(paths, t.CppInFile)
	for _, h := range headers {
		if h.Path != t.CppInFile {
			paths = append(paths, h.Path)
		}
	}

	t.setState(StateFileReq)

	// the output cache is keyed by the command fingerprint folded with the
	// content hash of every input, so editing any file misses even when
	// the command line is byte-identical
	var outKey common.SHA256
	outKeyOK := false
	if t.LocalOut != nil {
		outKey, outKeyOK = t.localOutputKey(fp, paths, stats)
		if outKeyOK && t.LocalOut.LinkFromCache(outKey, t.ObjOutFile) {
			t.setState(StateLocalOutput)
			return Outcome{ExitCode: 0}
		}
	}

	refs := make([]wire.FileRef, len(paths))
	missed := make(map[int]bool)

	for attempt := 0; ; attempt++ {
		if err := t.runInputTasks(ctx, stats, paths, refs, missed, attempt); err != nil {
			return Outcome{Err: fmt.Errorf("uploading dependencies: %w", err)}
		}

		t.setState(StateCallExec)
		if t.RemoteLimiter != nil {
			select {
			case t.RemoteLimiter <- struct{}{}:
			case <-ctx.Done():
				return Outcome{Err: ctx.Err()}
			}
		}
		start := time.Now()
		resp, err := t.Remoter.Exec(ctx, &wire.ExecRequest{
			SessionID:  t.SessionID,
			CxxName:    t.CxxName,
			CxxArgs:    t.CxxArgs,
			InputFiles: refs,
		})
		if t.RemoteLimiter != nil {
			<-t.RemoteLimiter
		}
		dur := time.Since(start)
		if err != nil {
			return Outcome{Err: fmt.Errorf("remote exec: %w", err)}
		}

		if len(resp.MissingInputs) > 0 {
			if attempt+1 >= maxExecAttempts {
				return Outcome{Err: fmt.Errorf("remote still missing %d inputs after %d attempts", len(resp.MissingInputs), attempt+1)}
			}
			missed = make(map[int]bool, len(resp.MissingInputs))
			for _, idx := range resp.MissingInputs {
				if int(idx) < len(paths) {
					missed[int(idx)] = true
				}
			}
			t.setState(StateFileReq)
			select {
			case <-time.After(time.Duration(50<<attempt) * time.Millisecond):
			case <-ctx.Done():
				return Outcome{Err: ctx.Err()}
			}
			continue
		}

		t.setState(StateFileResp)
		if resp.ExitCode == 0 {
			if err := t.downloadOutput(ctx); err != nil {
				return Outcome{Err: fmt.Errorf("downloading output: %w", err)}
			}
			t.rewriteCOFFTimestampIfApplicable()
			if outKeyOK {
				t.storeLocalOutput(outKey)
			}
		}

		return Outcome{
			RanRemotely: true,
			ExitCode:    resp.ExitCode,
			Stdout:      resp.Stdout,
			Stderr:      resp.Stderr,
			Duration:    dur,
		}
	}
}

// maxCachedOutputBytes keeps pathological outputs (debug-heavy objects,
// LTO blobs) out of the local-output cache.
const maxCachedOutputBytes = 64 * 1024 * 1024

// localOutputKey folds the command fingerprint with the content hash of
// every input file, in request order. ok is false when any input's bytes
// can't be hashed, in which case the output cache is skipped entirely
// rather than risking a stale key.
func (t *Task) localOutputKey(fp depscache.Fingerprint, paths []string, stats *statcache.Task) (common.SHA256, bool) {
	h := sha256.New()
	h.Write([]byte(fp.ToLongHexString()))
	for _, p := range paths {
		ck, ok := t.contentKey(p, stats)
		if !ok {
			return common.SHA256{}, false
		}
		h.Write([]byte(ck.ToLongHexString()))
		h.Write([]byte{0})
	}
	return common.MakeSHA256Struct(h), true
}

// contentKey returns path's raw content hash, served from the file-hash
// cache when its stat still matches and recomputed otherwise.
func (t *Task) contentKey(path string, stats *statcache.Task) (common.SHA256, bool) {
	st := stats.Stat(path)
	if h, _, ok := t.Pipeline.Hashes.Hash(path, st); ok {
		return h, true
	}
	key, _, err := t.Pipeline.Store.PutFile(path)
	if err != nil {
		return common.SHA256{}, false
	}
	t.Pipeline.Hashes.RecordHash(path, key, st)
	return key, true
}

// storeLocalOutput writes a just-downloaded object back into the output
// cache; failures only cost a future cache hit and are logged, never fatal.
func (t *Task) storeLocalOutput(outKey common.SHA256) {
	if t.LocalOut == nil {
		return
	}
	fi, err := os.Stat(t.ObjOutFile)
	if err != nil || fi.Size() > maxCachedOutputBytes {
		return
	}
	if err := t.LocalOut.Store(outKey, t.ObjOutFile, fi.Size()); err != nil {
		logCompiletask.Error("storing local-output cache entry for", t.ObjOutFile, err)
	}
}

// resolveDependencies consults the deps cache and falls back
// to a full include-processor run on miss, writing the fresh result back. A
// processor failure invalidates the fingerprint's entry so a later run
// cannot reuse state from before the failure.
func (t *Task) resolveDependencies(fp depscache.Fingerprint, stats *statcache.Task) ([]depscache.HeaderEntry, error) {
	if cached, ok := t.Deps.Get(fp); ok && depscache.Validate(cached, stats.Stat, t.rehashDirectives) {
		return cached.Headers, nil
	}

	results, err := includeprocessor.Process(includeprocessor.Params{
		Finder:    t.Finder,
		Includes:  t.Includes,
		Content:   t.Pipeline.Store,
		Stats:     stats,
		Info:      t.Info,
		Defines:   t.Defines,
		Undefines: t.Undefines,
	}, t.CppInFile)
	if err != nil {
		t.Deps.Remove(fp)
		return nil, fmt.Errorf("include processing: %w", err)
	}

	headers := make([]depscache.HeaderEntry, 0, len(results)+1)
	for _, r := range results {
		headers = append(headers, t.headerEntry(r.Path, stats))
	}
	headers = append(headers, t.headerEntry(t.CppInFile, stats))
	t.Deps.Put(&depscache.Entry{Fingerprint: fp, Headers: headers})

	// strip the input itself back out of what the caller sees as "headers"
	deps := headers[:len(headers)-1]
	return deps, nil
}

func (t *Task) headerEntry(path string, stats *statcache.Task) depscache.HeaderEntry {
	st := stats.Stat(path)
	hash, _ := t.rehashDirectives(path, st)
	return depscache.HeaderEntry{Path: path, Size: st.Size, Stat: st, DirectiveHash: hash}
}

// rehashDirectives is the deps-cache validation fallback: the directive
// hash of path at its current stat, parsed fresh if the include cache
// doesn't already hold it.
func (t *Task) rehashDirectives(path string, current statcache.Stat) (common.SHA256, bool) {
	if h, ok := t.Includes.GetDirectiveHash(path, current); ok {
		return h, true
	}
	key, raw, err := t.Pipeline.Store.PutFile(path)
	if err != nil {
		return common.SHA256{}, false
	}
	t.Includes.AddFileInfo(path, int64(len(raw)), key, directive.Filter(raw), current)
	return t.Includes.GetDirectiveHash(path, current)
}

// runInputTasks fans one InputTask per needed path out on an errgroup
// for upload or embedding. On the first attempt every path runs; on
// retries only the server-reported missing ones re-run, with missed-content
// forced. A
// first-attempt failure gets one more chance the same way, handling the
// server evicting a blob between LookupFile and Exec.
func (t *Task) runInputTasks(ctx context.Context, stats *statcache.Task, paths []string, refs []wire.FileRef, missed map[int]bool, attempt int) error {
	run := func(indexes []int, force bool) error {
		g, gctx := errgroup.WithContext(ctx)
		tasks := make([]*blobpipeline.InputTask, len(paths))
		for _, i := range indexes {
			i := i
			it := &blobpipeline.InputTask{
				Path:          paths[i],
				Stat:          stats.Stat(paths[i]),
				MissedContent: force || missed[i],
			}
			tasks[i] = it
			g.Go(func() error {
				it.Run(gctx, t.Pipeline, t.Remote, t.ClientID, t.SessionID, uint32(i))
				return it.Err
			})
		}
		err := g.Wait()
		for i, it := range tasks {
			if it == nil || it.State != blobpipeline.InputDone {
				continue
			}
			refs[i] = wire.FileRef{
				ClientFileName: it.Path,
				FileSize:       it.Stat.Size,
				HashHi:         it.Hash.B0_7 ^ it.Hash.B8_15,
				HashLo:         it.Hash.B16_23 ^ it.Hash.B24_31,
				InlineContent:  it.Inline,
			}
		}
		return err
	}

	var indexes []int
	if attempt == 0 {
		indexes = make([]int, len(paths))
		for i := range paths {
			indexes[i] = i
		}
	} else {
		for i := range paths {
			if missed[i] {
				indexes = append(indexes, i)
			}
		}
	}

	err := run(indexes, false)
	if err == nil || attempt > 0 {
		return err
	}
	// one forced retry for a first-attempt failure
	return run(indexes, true)
}

// rewriteCOFFTimestampIfApplicable stamps the current time into a COFF
// output's header: only ".obj" outputs (cl.exe's convention) carry a COFF
// header at all; a failed rewrite is logged and not fatal to the task,
// since the object itself compiled and downloaded successfully.
func (t *Task) rewriteCOFFTimestampIfApplicable() {
	if !strings.HasSuffix(t.ObjOutFile, ".obj") {
		return
	}
	if err := common.RewriteCOFFTimestamp(t.ObjOutFile, uint32(time.Now().Unix())); err != nil {
		logCompiletask.Error("rewriting COFF timestamp on", t.ObjOutFile, err)
	}
}

// downloadOutput implements FILE_RESP: pulling the compiled object back from
// the remote. It asks for file index 0; the server looks the object up by
// session alone and only echoes the index back in its chunks.
func (t *Task) downloadOutput(ctx context.Context) error {
	if t.Downloads == nil {
		return nil // a fake Executor in tests need not implement downloads
	}
	r, err := t.Downloads.DownloadFile(ctx, t.SessionID, 0)
	if err != nil {
		return err
	}
	defer r.Close()
	return blobpipeline.DownloadOutput(r, t.ObjOutFile, -1)
}

// runLocal implements the LOCAL_RUN/LOCAL_FINISHED fallback branch: run the
// real compiler locally through the subprocess controller, the same binary
// and arguments that would otherwise have gone remote.
func (t *Task) runLocal(ctx context.Context) Outcome {
	args := append(append([]string{}, t.CxxArgs...), t.CppInFile, "-o", t.ObjOutFile)
	res := t.Subproc.RequestRun(ctx, subprocess.PriorityNormal, t.WorkDir, t.CxxName, args)
	if res.Err != nil && res.ExitCode == 0 {
		return Outcome{Err: res.Err}
	}
	return Outcome{
		RanRemotely: false,
		ExitCode:    int32(res.ExitCode),
		Stdout:      res.Stdout,
		Stderr:      res.Stderr,
		Duration:    res.Duration,
	}
}
