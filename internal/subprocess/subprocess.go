// Package subprocess gates how many local compiler processes run
// concurrently: a hard total cap plus tighter sub-caps for heavyweight and
// low-priority work, buffered channels as counting semaphores, a
// kill-on-teardown policy with per-program exemptions, and SIGCHLD-driven
// reap notification.
package subprocess

import (
	"bytes"
	"context"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Priority selects which caps a request is subject to.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHeavyweight
)

// Options configures pool capacities: MaxSubprocs caps everything running
// at once; MaxHeavyweight and MaxLowPriority additionally cap how much of
// that budget heavy and low-priority requests may hold.
type Options struct {
	MaxSubprocs    int
	MaxHeavyweight int
	MaxLowPriority int

	// DontKill leaves every running compiler alone at teardown (the
	// dont_kill_subprocess option); DontKillCommands exempts specific
	// program basenames instead.
	DontKill         bool
	DontKillCommands map[string]bool
}

// Controller gates concurrent subprocess execution. Every run holds a total
// slot; heavy and low-priority runs hold a slot in their sub-pool too, so
// |running| <= MaxSubprocs, |running heavy| <= MaxHeavyweight and
// |running low| <= MaxLowPriority all hold at any instant.
type Controller struct {
	total chan struct{}
	heavy chan struct{}
	low   chan struct{}

	opts Options

	mu      sync.Mutex
	running map[*exec.Cmd]string // cmd -> program basename, for the teardown kill policy
}

func NewController(opts Options) *Controller {
	return &Controller{
		total:   make(chan struct{}, max1(opts.MaxSubprocs)),
		heavy:   make(chan struct{}, max1(opts.MaxHeavyweight)),
		low:     make(chan struct{}, max1(opts.MaxLowPriority)),
		opts:    opts,
		running: make(map[*exec.Cmd]string, 8),
	}
}

func max1(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}

// Result is the outcome of one REQUEST_RUN.
type Result struct {
	Stdout, Stderr []byte
	ExitCode       int
	Duration       time.Duration
	Err            error
}

// RequestRun blocks until the needed slots are free (the REQUEST_RUN step),
// then runs name/args, capturing stdout/stderr and the run's duration the
// same way the reference server's CxxLauncher does. Slots are taken sub-pool first so a
// heavy request waiting on its sub-cap doesn't sit on a total slot it
// cannot use yet.
func (c *Controller) RequestRun(ctx context.Context, priority Priority, dir, name string, args []string) Result {
	var sub chan struct{}
	switch priority {
	case PriorityHeavyweight:
		sub = c.heavy
	case PriorityLow:
		sub = c.low
	}
	if sub != nil {
		select {
		case sub <- struct{}{}:
			defer func() { <-sub }()
		case <-ctx.Done():
			return Result{Err: ctx.Err()}
		}
	}
	select {
	case c.total <- struct{}{}:
		defer func() { <-c.total }()
	case <-ctx.Done():
		return Result{Err: ctx.Err()}
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	// each compiler leads its own process group so the teardown kill in
	// KillAll reaches cc1/as grandchildren, not just the driver
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Start()
	if err == nil {
		c.mu.Lock()
		c.running[cmd] = filepath.Base(name)
		c.mu.Unlock()

		err = cmd.Wait()

		c.mu.Lock()
		delete(c.running, cmd)
		c.mu.Unlock()
	}
	dur := time.Since(start)

	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}

	return Result{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		ExitCode: exitCode,
		Duration: dur,
		Err:      err,
	}
}

// KillAll is the teardown policy: terminate every running compiler whose
// program is not exempted via DontKill/DontKillCommands. Waiting for the
// corpses is left to the RequestRun calls already blocked in Wait.
func (c *Controller) KillAll(grace time.Duration) {
	if c.opts.DontKill {
		return
	}
	c.mu.Lock()
	victims := make([]*exec.Cmd, 0, len(c.running))
	for cmd, base := range c.running {
		if c.opts.DontKillCommands[base] {
			continue
		}
		victims = append(victims, cmd)
	}
	c.mu.Unlock()

	for _, cmd := range victims {
		if cmd.Process != nil {
			pid := cmd.Process.Pid
			if err := unix.Kill(-pid, unix.SIGTERM); err != nil {
				_ = unix.Kill(pid, unix.SIGTERM)
			}
		}
	}
	if len(victims) == 0 {
		return
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		left := len(c.running)
		c.mu.Unlock()
		if left == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	for _, cmd := range victims {
		if cmd.Process != nil {
			_ = unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
			_ = unix.Kill(cmd.Process.Pid, unix.SIGKILL)
		}
	}
}

// NowRunning reports the slots currently held: everything running, and the
// heavy/low shares of it.
func (c *Controller) NowRunning() (total, heavy, low int) {
	return len(c.total), len(c.heavy), len(c.low)
}
