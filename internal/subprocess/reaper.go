package subprocess

import (
	"os"
	"os/signal"

	"golang.org/x/sys/unix"
)

// Reaper watches SIGCHLD so the daemon notices subprocess exits promptly
// even when nothing is actively Wait()-ing on them.
type Reaper struct {
	ch chan os.Signal
}

// StartReaper registers for SIGCHLD and invokes onChildExit on every
// delivery, on its own goroutine, until Stop is called.
func StartReaper(onChildExit func()) *Reaper {
	r := &Reaper{ch: make(chan os.Signal, 8)}
	signal.Notify(r.ch, unix.SIGCHLD)

	go func() {
		for range r.ch {
			onChildExit()
		}
	}()
	return r
}

func (r *Reaper) Stop() {
	signal.Stop(r.ch)
	close(r.ch)
}
