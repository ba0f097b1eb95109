package subprocess

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestRequestRunCapturesOutputAndExitCode(t *testing.T) {
	c := NewController(Options{MaxSubprocs: 1})
	res := c.RequestRun(context.Background(), PriorityNormal, "", "/bin/sh", []string{"-c", "echo hi; exit 0"})
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %d", res.ExitCode)
	}
	if string(res.Stdout) != "hi\n" {
		t.Fatalf("expected stdout %q, got %q", "hi\n", res.Stdout)
	}
}

func TestRequestRunReportsNonZeroExit(t *testing.T) {
	c := NewController(Options{MaxSubprocs: 1})
	res := c.RequestRun(context.Background(), PriorityNormal, "", "/bin/sh", []string{"-c", "exit 7"})
	if res.ExitCode != 7 {
		t.Fatalf("expected exit code 7, got %d", res.ExitCode)
	}
}

func TestRequestRunThrottlesToTotalCapacity(t *testing.T) {
	c := NewController(Options{MaxSubprocs: 1})
	start := make(chan struct{})
	done := make(chan struct{})

	go func() {
		close(start)
		c.RequestRun(context.Background(), PriorityNormal, "", "/bin/sh", []string{"-c", "sleep 0.2"})
		close(done)
	}()
	<-start
	time.Sleep(50 * time.Millisecond)

	total, _, _ := c.NowRunning()
	if total != 1 {
		t.Fatalf("expected 1 slot in use while the first run is in flight, got %d", total)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	res := c.RequestRun(ctx, PriorityNormal, "", "/bin/sh", []string{"-c", "true"})
	if res.Err == nil {
		t.Fatal("expected the second request to time out waiting for the single slot")
	}
	<-done
}

// TestHeavyweightSubCapHolds mirrors the scheduling scenario with
// max_subprocs=2, max_heavyweight=1 with two heavy and two normal requests:
// the sampled peaks never exceed 2 running in total or 1 running heavy.
func TestHeavyweightSubCapHolds(t *testing.T) {
	c := NewController(Options{MaxSubprocs: 2, MaxHeavyweight: 1, MaxLowPriority: 1})

	var mu sync.Mutex
	peakTotal, peakHeavy := 0, 0
	sample := func() {
		total, heavy, _ := c.NowRunning()
		mu.Lock()
		if total > peakTotal {
			peakTotal = total
		}
		if heavy > peakHeavy {
			peakHeavy = heavy
		}
		mu.Unlock()
	}

	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				sample()
				time.Sleep(2 * time.Millisecond)
			}
		}
	}()

	var wg sync.WaitGroup
	launch := func(p Priority) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.RequestRun(context.Background(), p, "", "/bin/sh", []string{"-c", "sleep 0.1"})
		}()
	}
	launch(PriorityNormal)      // A
	launch(PriorityHeavyweight) // B
	launch(PriorityHeavyweight) // C
	launch(PriorityNormal)      // D
	wg.Wait()
	close(stop)

	mu.Lock()
	defer mu.Unlock()
	if peakTotal > 2 {
		t.Fatalf("total cap of 2 was exceeded: peak %d", peakTotal)
	}
	if peakHeavy > 1 {
		t.Fatalf("heavyweight cap of 1 was exceeded: peak %d", peakHeavy)
	}
}

func TestPoolsStartEmpty(t *testing.T) {
	c := NewController(Options{MaxSubprocs: 1, MaxHeavyweight: 1, MaxLowPriority: 1})
	total, heavy, low := c.NowRunning()
	if total != 0 || heavy != 0 || low != 0 {
		t.Fatalf("expected all pools empty initially, got %d/%d/%d", total, heavy, low)
	}
}
