package server

import (
	"bytes"
	"fmt"
	"os/exec"
	"strings"
	"sync/atomic"
	"time"
)

// CxxResult is the outcome of one server-side compiler invocation: stdout,
// stderr, exit code, and wall-clock duration.
type CxxResult struct {
	ExitCode int32
	Stdout   []byte
	Stderr   []byte
	Duration time.Duration
}

// CxxLauncher throttles concurrent compiler invocations on the remote with
// a buffered channel as a counting semaphore, so a burst of Exec calls
// doesn't fork more compilers than the box can usefully run at once.
type CxxLauncher struct {
	throttle chan struct{}

	nWaiting, nCompiling int64
	totalCalls           int64
	totalDurationMs      int64
	more10secCount       int64
	more30secCount       int64
	nonZeroExitCodeCount int64
}

func MakeCxxLauncher(maxParallelCxxProcesses int64) (*CxxLauncher, error) {
	if maxParallelCxxProcesses <= 0 {
		return nil, fmt.Errorf("invalid maxParallelCxxProcesses %d", maxParallelCxxProcesses)
	}

	return &CxxLauncher{
		throttle: make(chan struct{}, maxParallelCxxProcesses),
	}, nil
}

// Launch blocks until a throttle slot is free, then runs cxxName with
// cxxArgs in workDir, recording duration and outcome stats.
func (l *CxxLauncher) Launch(cxxName, workDir string, cxxArgs []string) CxxResult {
	atomic.AddInt64(&l.nWaiting, 1)
	l.throttle <- struct{}{}
	atomic.AddInt64(&l.nWaiting, -1)
	atomic.AddInt64(&l.nCompiling, 1)

	result := l.run(cxxName, workDir, cxxArgs)

	atomic.AddInt64(&l.nCompiling, -1)
	atomic.AddInt64(&l.totalCalls, 1)
	atomic.AddInt64(&l.totalDurationMs, result.Duration.Milliseconds())

	durMs := result.Duration.Milliseconds()
	switch {
	case result.ExitCode != 0:
		atomic.AddInt64(&l.nonZeroExitCodeCount, 1)
	case durMs > 30000:
		atomic.AddInt64(&l.more30secCount, 1)
	case durMs > 10000:
		atomic.AddInt64(&l.more10secCount, 1)
	}

	<-l.throttle
	return result
}

func (l *CxxLauncher) run(cxxName, workDir string, cxxArgs []string) CxxResult {
	cmd := exec.Command(cxxName, cxxArgs...)
	cmd.Dir = workDir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	exitCode := int32(0)
	if cmd.ProcessState != nil {
		exitCode = int32(cmd.ProcessState.ExitCode())
	} else if err != nil {
		exitCode = -1
	}

	stderrBytes := stderr.Bytes()
	if len(stderrBytes) == 0 && err != nil {
		stderrBytes = []byte(fmt.Sprintln(err))
	}

	if exitCode != 0 {
		logServer.Error("the C++ compiler exited with code", exitCode, "\ncxxCwd:", workDir, "\ncxxCmdLine:", cxxName, cxxArgs, "\ncxxStdout:", strings.TrimSpace(stdout.String()), "\ncxxStderr:", strings.TrimSpace(stderr.String()))
	} else if duration > 30*time.Second {
		logServer.Info(0, "compiled very heavy file", "duration", duration, "cxxCmdLine", cxxName, cxxArgs)
	}

	return CxxResult{
		ExitCode: exitCode,
		Stdout:   stdout.Bytes(),
		Stderr:   stderrBytes,
		Duration: duration,
	}
}

func (l *CxxLauncher) GetNowCompilingCount() int64   { return atomic.LoadInt64(&l.nCompiling) }
func (l *CxxLauncher) GetWaitingInQueueCount() int64 { return atomic.LoadInt64(&l.nWaiting) }
func (l *CxxLauncher) GetTotalCxxCallsCount() int64  { return atomic.LoadInt64(&l.totalCalls) }
func (l *CxxLauncher) GetTotalCxxDurationMilliseconds() int64 {
	return atomic.LoadInt64(&l.totalDurationMs)
}
func (l *CxxLauncher) GetMore10secCount() int64      { return atomic.LoadInt64(&l.more10secCount) }
func (l *CxxLauncher) GetMore30secCount() int64      { return atomic.LoadInt64(&l.more30secCount) }
func (l *CxxLauncher) GetNonZeroExitCodeCount() int64 {
	return atomic.LoadInt64(&l.nonZeroExitCodeCount)
}
