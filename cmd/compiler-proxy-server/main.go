// Command compiler-proxy-server is the remote executor
// internal/rpc.Transport talks to: it receives uploaded inputs, runs the
// compiler under a concurrency throttle, caches blobs and compiled objects,
// and streams results back.
package main

import (
	"fmt"
	"os"
	"path"

	"github.com/dz-tools/cxproxy/internal/common"
	"github.com/dz-tools/cxproxy/internal/server"
)

func failedStart(message string, err error) {
	_, _ = fmt.Fprintln(os.Stderr, "compiler-proxy-server:", message, ":", err)
	os.Exit(1)
}

// cleanupWorkingDir ensures workingDir exists and is empty, moving a
// previous run's directory aside — all file caches are lost across
// restarts.
func cleanupWorkingDir(workingDir string) error {
	oldWorkingDir := workingDir + ".old"
	if err := os.RemoveAll(oldWorkingDir); err != nil {
		return err
	}
	if _, err := os.Stat(workingDir); err == nil {
		if err := os.Rename(workingDir, oldWorkingDir); err != nil {
			return err
		}
	}
	return os.MkdirAll(workingDir, os.ModePerm)
}

func main() {
	showVersionAndExit := common.CmdEnvBool("Show version and exit.", false,
		"version", "")
	bindHost := common.CmdEnvString("Binding address.", "0.0.0.0",
		"host", "")
	listenPort := common.CmdEnvInt("Listening port.", 43210,
		"port", "")
	workingDir := common.CmdEnvString("Directory for saving incoming files and compiled objects.", "/tmp/compiler-proxy-server",
		"working-dir", "")
	logFileName := common.CmdEnvString("A filename to log, by default use stderr.", "",
		"log-filename", "")
	logVerbosity := common.CmdEnvInt("Logger verbosity level for INFO (-1 off, default 0, max 2).", 0,
		"log-verbosity", "")
	blobCacheLimit := common.CmdEnvInt("Uploaded-blob cache limit, in bytes.", 4*1024*1024*1024,
		"blob-cache-limit", "")
	objCacheLimit := common.CmdEnvInt("Compiled-object cache limit, in bytes.", 16*1024*1024*1024,
		"obj-cache-limit", "")
	maxParallelCxx := common.CmdEnvInt("Max concurrently running local compiler subprocesses on this remote.", 8,
		"max-parallel-cxx", "")
	statsdHostPort := common.CmdEnvString("Statsd udp address (host:port), omitted by default.", "",
		"statsd", "")

	common.ParseCmdFlagsCombiningWithEnv()

	if *showVersionAndExit {
		fmt.Println(common.GetVersion())
		os.Exit(0)
	}

	if err := cleanupWorkingDir(*workingDir); err != nil {
		failedStart("can't create working directory "+*workingDir, err)
	}

	if err := server.MakeLoggerServer(*logFileName, *logVerbosity); err != nil {
		failedStart("can't init logger", err)
	}

	s, err := server.MakeRemoteCompileServer(server.RemoteCompileServerConfig{
		WorkDir:                 *workingDir,
		BlobCacheDir:            path.Join(*workingDir, "blob-cache"),
		BlobCacheLimitBytes:     *blobCacheLimit,
		ObjCacheDir:             path.Join(*workingDir, "obj-cache"),
		ObjTmpDir:               path.Join(*workingDir, "obj-tmp"),
		ObjCacheLimitBytes:      *objCacheLimit,
		MaxParallelCxxProcesses: *maxParallelCxx,
		StatsdHostPort:          *statsdHostPort,
	})
	if err != nil {
		failedStart("can't init remote compile server", err)
	}

	if err := s.StartGRPCListening(fmt.Sprintf("%s:%d", *bindHost, *listenPort)); err != nil {
		failedStart("failed to listen", err)
	}
}
