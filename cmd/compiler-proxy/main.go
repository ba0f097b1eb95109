// Command compiler-proxy is the thin CLI shim: invoked in place of the
// real compiler (symlinked/aliased as gcc/clang by the build system), it
// forwards argv and cwd to the long-lived compiler-proxy-daemon over a
// length-prefixed Unix-socket frame, starting the daemon on first use if
// nothing is listening yet.
package main

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/dz-tools/cxproxy/internal/rpc/wire"
)

func socketPath() string {
	if v := os.Getenv("COMPILER_PROXY_SOCKET"); v != "" {
		return v
	}
	return "/tmp/compiler-proxy.sock"
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: compiler-proxy <compiler> [args...]")
		os.Exit(1)
	}

	sock := socketPath()
	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintln(os.Stderr, "compiler-proxy:", err)
		os.Exit(1)
	}

	conn, err := dialWithAutoStart(sock)
	if err != nil {
		fmt.Fprintln(os.Stderr, "compiler-proxy:", err)
		os.Exit(1)
	}
	defer conn.Close()

	req := &wire.DaemonRequest{Argv: os.Args[1:], Envp: os.Environ(), Cwd: cwd}
	if err := writeFrame(conn, req.Marshal()); err != nil {
		fmt.Fprintln(os.Stderr, "compiler-proxy: writing request:", err)
		os.Exit(1)
	}

	body, err := readFrame(conn)
	if err != nil {
		fmt.Fprintln(os.Stderr, "compiler-proxy: reading response:", err)
		os.Exit(1)
	}

	resp := new(wire.DaemonResponse)
	if err := resp.Unmarshal(body); err != nil {
		fmt.Fprintln(os.Stderr, "compiler-proxy: parsing response:", err)
		os.Exit(1)
	}

	os.Stdout.Write(resp.Stdout)
	os.Stderr.Write(resp.Stderr)
	os.Exit(int(resp.ExitCode))
}

// dialWithAutoStart connects to the daemon socket, forking
// compiler-proxy-daemon and waiting for its startup marker if nothing is
// listening yet: the parent reads the child's stdout pipe for
// success/failure.
func dialWithAutoStart(sock string) (net.Conn, error) {
	if conn, err := net.DialTimeout("unix", sock, 200*time.Millisecond); err == nil {
		return conn, nil
	}

	daemonPath, err := findDaemonBinary()
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(daemonPath)
	cmd.Env = os.Environ()
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting daemon: %w", err)
	}

	line, err := bufio.NewReader(stdout).ReadString('\n')
	if err != nil || !strings.HasPrefix(line, "1\000") {
		return nil, fmt.Errorf("daemon failed to start: %s", strings.TrimSpace(line))
	}

	// The daemon has printed its readiness marker; it continues serving in
	// the background after this process exits (it does not share a process
	// group wait with us).
	go func() { _ = cmd.Wait() }()

	var conn net.Conn
	for attempt := 0; attempt < 20; attempt++ {
		conn, err = net.DialTimeout("unix", sock, 200*time.Millisecond)
		if err == nil {
			return conn, nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return nil, fmt.Errorf("daemon started but socket never became ready: %w", err)
}

func findDaemonBinary() (string, error) {
	self, err := os.Executable()
	if err == nil {
		candidate := filepath.Join(filepath.Dir(self), "compiler-proxy-daemon")
		if _, statErr := os.Stat(candidate); statErr == nil {
			return candidate, nil
		}
	}
	return exec.LookPath("compiler-proxy-daemon")
}
