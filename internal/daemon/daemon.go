// Package daemon implements the persistent background process the thin CLI
// shim talks to over a Unix domain socket: it owns every process-lifetime
// cache (content store, file-hash cache, stat cache, include cache, deps
// cache, local-output cache), holds a remote connection per configured
// server, and turns one intercepted compiler invocation into a
// internal/compiletask.Task. It self-terminates after an idle period with
// no invocations.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dz-tools/cxproxy/internal/blobpipeline"
	"github.com/dz-tools/cxproxy/internal/compilerinfo"
	"github.com/dz-tools/cxproxy/internal/content"
	"github.com/dz-tools/cxproxy/internal/depscache"
	"github.com/dz-tools/cxproxy/internal/filehash"
	"github.com/dz-tools/cxproxy/internal/includecache"
	"github.com/dz-tools/cxproxy/internal/listdircache"
	"github.com/dz-tools/cxproxy/internal/localoutputcache"
	"github.com/dz-tools/cxproxy/internal/rpc"
	"github.com/dz-tools/cxproxy/internal/statcache"
	"github.com/dz-tools/cxproxy/internal/subprocess"
	"google.golang.org/grpc"
)

// Config collects the daemon's startup options; cmd/compiler-proxy-daemon
// populates it from flags, env vars, and the optional TOML config file.
type Config struct {
	SocketPath        string
	WorkDir           string
	CacheDir          string
	CacheLimitMB      int64
	DepsCachePath     string
	DepsAliveDuration time.Duration
	DepsMaxEntries    int
	RemoteServers     []string
	MaxLocalJobs      int
	MaxRemoteJobs     int
	LocalRaceDelay    time.Duration
	IdleTimeout       time.Duration
	GchHack           bool

	DontKillSubprocess bool
	DontKillCommands   []string
}

// Daemon is the process-singleton holding every daemon-lifetime cache.
type Daemon struct {
	cfg Config

	Store     *content.Store
	Hashes    *filehash.Cache
	StatsG    *statcache.Global
	DirLists  *listdircache.Global
	Includes  *includecache.Cache
	Deps      *depscache.Cache
	LocalOut  *localoutputcache.Cache
	Compilers *compilerinfo.Cache
	Subproc   *subprocess.Controller

	clientID      string
	remotes       []*remoteConnection
	remoteLimiter chan struct{}

	totalInvocations  uint32 // nb! atomic, also used as SessionID
	activeInvocations int32  // nb! atomic

	quitChan  chan struct{}
	quitOnce  sync.Once
	startTime time.Time
}

type remoteConnection struct {
	hostPort  string
	conn      *grpc.ClientConn
	transport *rpc.Transport
}

func MakeDaemon(cfg Config) (*Daemon, error) {
	deps := depscache.New(cfg.DepsCachePath)
	deps.AliveDuration = cfg.DepsAliveDuration
	deps.MaxEntries = cfg.DepsMaxEntries
	if err := deps.LoadFromFile(); err != nil {
		logDaemon.Error("persisted deps cache rejected, starting cold:", err)
	}

	localOut, err := localoutputcache.New(cfg.CacheDir, cfg.CacheLimitMB*1024*1024)
	if err != nil {
		return nil, fmt.Errorf("making local-output cache: %w", err)
	}

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = cfg.SocketPath
	}

	d := &Daemon{
		cfg:       cfg,
		clientID:  hostname,
		Store:     content.NewStore(),
		Hashes:    filehash.New(),
		StatsG:    statcache.NewGlobal(),
		DirLists:  listdircache.NewGlobal(),
		Includes:  includecache.New(),
		Deps:      deps,
		LocalOut:  localOut,
		Compilers: compilerinfo.NewCache(nil),
		Subproc: subprocess.NewController(subprocess.Options{
			MaxSubprocs:      cfg.MaxLocalJobs,
			MaxHeavyweight:   max1(cfg.MaxLocalJobs / 2),
			MaxLowPriority:   max1(cfg.MaxLocalJobs / 4),
			DontKill:         cfg.DontKillSubprocess,
			DontKillCommands: toSet(cfg.DontKillCommands),
		}),
		remoteLimiter: make(chan struct{}, max1(cfg.MaxRemoteJobs)),
		quitChan:      make(chan struct{}),
		startTime:     time.Now(),
	}

	for _, hostPort := range cfg.RemoteServers {
		rc, err := dialRemote(hostPort)
		if err != nil {
			logDaemon.Error("could not connect to remote", hostPort, err)
			continue
		}
		d.remotes = append(d.remotes, rc)
	}

	return d, nil
}

func max1(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}

func toSet(names []string) map[string]bool {
	if len(names) == 0 {
		return nil
	}
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

func dialRemote(hostPort string) (*remoteConnection, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := grpc.DialContext(ctx, hostPort, grpc.WithInsecure(), grpc.WithBlock())
	if err != nil {
		return nil, err
	}
	return &remoteConnection{hostPort: hostPort, conn: conn, transport: rpc.NewTransport(conn)}, nil
}

// pickRemote round-robins across configured remotes; there is no
// per-client sticky assignment and no failover to another remote.
func (d *Daemon) pickRemote() *remoteConnection {
	if len(d.remotes) == 0 {
		return nil
	}
	idx := atomic.LoadUint32(&d.totalInvocations) % uint32(len(d.remotes))
	return d.remotes[idx]
}

func (d *Daemon) newPipeline(rc *remoteConnection) *blobpipeline.Pipeline {
	if rc == nil {
		return blobpipeline.New(d.Store, d.Hashes, noRemote{})
	}
	return blobpipeline.New(d.Store, d.Hashes, rc.transport)
}

// RunUntilQuit blocks listening on the local IPC socket and self-terminates
// after cfg.IdleTimeout with no active invocations.
func (d *Daemon) RunUntilQuit() error {
	listener, err := StartSockListener(d.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("starting socket listener: %w", err)
	}
	go listener.AcceptLoop(d)

	reaper := subprocess.StartReaper(func() {
		logDaemon.Info(2, "reaped a local compiler subprocess")
	})
	defer reaper.Stop()

	signals := make(chan os.Signal, 2)
	signal.Notify(signals, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	idle := d.cfg.IdleTimeout
	if idle <= 0 {
		idle = 30 * time.Second
	}

	for {
		select {
		case <-d.quitChan:
			_ = listener.Close()
			return nil
		case sig := <-signals:
			if sig == syscall.SIGHUP {
				if err := logDaemon.RotateLogFile(); err != nil {
					logDaemon.Error("rotating log file:", err)
				}
				continue
			}
			logDaemon.Info(0, "got signal", sig)
			d.QuitDaemonGracefully("signal " + sig.String())
		case <-time.After(5 * time.Second):
			d.LocalOut.PurgeIfRequired()
			if atomic.LoadInt32(&d.activeInvocations) == 0 && time.Since(listener.lastActivity()) > idle {
				d.QuitDaemonGracefully("no invocations for a while")
			}
		}
	}
}

func (d *Daemon) QuitDaemonGracefully(reason string) {
	d.quitOnce.Do(func() {
		logDaemon.Info(0, "quitting daemon:", reason)
		d.Subproc.KillAll(3 * time.Second)
		if err := d.Deps.SaveToFile(); err != nil {
			logDaemon.Error("saving deps cache:", err)
		}
		for _, rc := range d.remotes {
			_ = rc.conn.Close()
		}
		close(d.quitChan)
	})
}
