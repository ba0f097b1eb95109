// Command compiler-proxy-daemon is the long-lived background process that
// owns every daemon-lifetime cache and turns an intercepted compiler
// invocation into a compiletask.Task. It is started once by the thin CLI
// shim (cmd/compiler-proxy) and then serves every subsequent invocation
// over a Unix domain socket until it self-terminates after an idle period.
package main

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/dz-tools/cxproxy/internal/common"
	"github.com/dz-tools/cxproxy/internal/daemon"
)

func failedStartDaemon(err interface{}) {
	// stdout, not stderr: the CLI shim that forked us reads our stdout pipe
	// to learn whether the daemon came up.
	fmt.Println("daemon not started:", err)
	os.Exit(1)
}

func splitSemicolonList(raw string) []string {
	var out []string
	for _, host := range strings.Split(raw, ";") {
		if trimmed := strings.TrimSpace(host); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func main() {
	showVersionAndExit := common.CmdEnvBool("Show version and exit.", false,
		"version", "")
	socketPath := common.CmdEnvString("Unix domain socket path the CLI shim connects to.", "/tmp/compiler-proxy.sock",
		"socket", "COMPILER_PROXY_SOCKET")
	remoteServers := common.CmdEnvString("Remote compiler-proxy-server hosts, a list of 'host:port' delimited by ';'.", "",
		"remote-servers", "COMPILER_PROXY_SERVERS")
	cacheDir := common.CmdEnvString("Directory for the local-output cache and persisted deps cache.", "/tmp/compiler-proxy-cache",
		"cache-dir", "COMPILER_PROXY_CACHE_DIR")
	cacheLimitMB := common.CmdEnvInt("Local-output cache size limit, in megabytes.", 2048,
		"cache-limit-mb", "")
	maxLocalJobs := common.CmdEnvInt("Max concurrently running local-fallback compiler subprocesses.\nBy default, the number of CPUs on this machine.", int64(runtime.NumCPU()),
		"max-local-jobs", "")
	maxRemoteJobs := common.CmdEnvInt("Max concurrently in-flight remote compile requests.", int64(4*runtime.NumCPU()),
		"max-remote-jobs", "")
	localRaceDelay := common.CmdEnvDuration("How long to wait before starting the INIT-time local fallback race against the remote compile.\nZero disables the race.", 0,
		"local-race-delay", "")
	depsAliveDuration := common.CmdEnvDuration("Drop persisted deps-cache entries unused for this long at save.\nNegative means never drop.", 0,
		"deps-cache-alive-duration", "")
	depsCacheLimit := common.CmdEnvInt("Cap the persisted deps cache to this many most-recently-used entries.\nZero means uncapped.", 0,
		"deps-cache-limit", "")
	gchHack := common.CmdEnvBool("Substitute header.h.cxproxy-pch for header.h during include resolution when the sidecar exists.", false,
		"gch-hack", "COMPILER_PROXY_GCH_HACK")
	dontKillSubprocess := common.CmdEnvBool("Never kill running local compilers on daemon shutdown.", false,
		"dont-kill-subprocess", "")
	dontKillCommands := common.CmdEnvString("Program basenames exempt from the shutdown kill, a ';'-delimited list.", "",
		"dont-kill-commands", "")
	idleTimeout := common.CmdEnvDuration("Quit the daemon after this long with no active invocations.", 10*time.Minute,
		"idle-timeout", "")
	logFileName := common.CmdEnvString("A filename to log, by default use stderr.", "",
		"log-filename", "COMPILER_PROXY_LOG_FILENAME")
	logVerbosity := common.CmdEnvInt("Logger verbosity level for INFO (-1 off, default 0, max 2).", 0,
		"log-verbosity", "COMPILER_PROXY_LOG_VERBOSITY")
	configFile := common.CmdEnvString("Optional TOML config file, layered beneath flags and env vars.", "",
		"config-file", "COMPILER_PROXY_CONFIG_FILE")

	common.ParseCmdFlagsCombiningWithEnv()

	if *showVersionAndExit {
		fmt.Println(common.GetVersion())
		os.Exit(0)
	}

	if tomlCfg, err := common.LoadTOMLDefaults(*configFile); err != nil {
		failedStartDaemon(err)
	} else if tomlCfg != nil {
		common.ApplyTOMLDefaultString(socketPath, "/tmp/compiler-proxy.sock", tomlCfg.SocketPath)
		common.ApplyTOMLDefaultString(remoteServers, "", tomlCfg.RemoteServers)
		common.ApplyTOMLDefaultString(cacheDir, "/tmp/compiler-proxy-cache", tomlCfg.CacheDir)
		common.ApplyTOMLDefaultInt(cacheLimitMB, 2048, tomlCfg.CacheLimitMB)
		common.ApplyTOMLDefaultInt(maxLocalJobs, int64(runtime.NumCPU()), tomlCfg.MaxLocalJobs)
		common.ApplyTOMLDefaultInt(maxRemoteJobs, int64(4*runtime.NumCPU()), tomlCfg.MaxRemoteJobs)
		common.ApplyTOMLDefaultString(logFileName, "", tomlCfg.LogFilename)
		common.ApplyTOMLDefaultInt(logVerbosity, 0, tomlCfg.LogVerbosity)
		common.ApplyTOMLDefaultInt(depsCacheLimit, 0, tomlCfg.DepsCacheLimit)
	}

	if err := daemon.MakeLoggerDaemon(*logFileName, *logVerbosity); err != nil {
		failedStartDaemon(err)
	}

	d, err := daemon.MakeDaemon(daemon.Config{
		SocketPath:         *socketPath,
		CacheDir:           *cacheDir,
		CacheLimitMB:       *cacheLimitMB,
		DepsCachePath:      *cacheDir + "/deps.cache",
		DepsAliveDuration:  *depsAliveDuration,
		DepsMaxEntries:     int(*depsCacheLimit),
		RemoteServers:      splitSemicolonList(*remoteServers),
		MaxLocalJobs:       int(*maxLocalJobs),
		MaxRemoteJobs:      int(*maxRemoteJobs),
		LocalRaceDelay:     *localRaceDelay,
		IdleTimeout:        *idleTimeout,
		GchHack:            *gchHack,
		DontKillSubprocess: *dontKillSubprocess,
		DontKillCommands:   splitSemicolonList(*dontKillCommands),
	})
	if err != nil {
		failedStartDaemon(err)
	}

	// Signal to the parent CLI shim (which forked us and is reading our
	// stdout pipe) that startup succeeded, with a NUL-terminated marker it
	// can't confuse with an error message.
	fmt.Printf("1\000\n")

	if err := d.RunUntilQuit(); err != nil {
		failedStartDaemon(err)
	}
}
