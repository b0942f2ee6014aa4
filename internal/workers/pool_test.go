package workers_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/atlas-desktop/paramsearch/internal/workers"
	"go.uber.org/zap"
)

func newPool(t *testing.T, n, queue int) *workers.Pool {
	t.Helper()
	cfg := workers.DefaultPoolConfig("test")
	cfg.NumWorkers = n
	cfg.QueueSize = queue
	p := workers.NewPool(zap.NewNop(), cfg)
	p.Start()
	t.Cleanup(func() { p.Stop() })
	return p
}

func TestPoolRunsAllTasks(t *testing.T) {
	p := newPool(t, 4, 2)

	var count atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		err := p.SubmitFunc(context.Background(), func() error {
			defer wg.Done()
			count.Add(1)
			return nil
		})
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}
	wg.Wait()

	if count.Load() != 100 {
		t.Errorf("Executed %d tasks, want 100", count.Load())
	}
}

func TestPoolCapsConcurrency(t *testing.T) {
	p := newPool(t, 3, 0)

	var running, peak atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		err := p.SubmitFunc(context.Background(), func() error {
			defer wg.Done()
			n := running.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			running.Add(-1)
			return nil
		})
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}
	wg.Wait()

	if peak.Load() > 3 {
		t.Errorf("Peak concurrency %d exceeds 3 workers", peak.Load())
	}
}

func TestSubmitHonorsContext(t *testing.T) {
	p := newPool(t, 1, 0)

	release := make(chan struct{})
	started := make(chan struct{})
	if err := p.SubmitFunc(context.Background(), func() error {
		close(started)
		<-release
		return nil
	}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	<-started
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.SubmitFunc(ctx, func() error { return nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline error, got %v", err)
	}
}

func TestPanicRecovered(t *testing.T) {
	p := newPool(t, 1, 1)

	done := make(chan struct{})
	if err := p.SubmitFunc(context.Background(), func() error {
		defer close(done)
		panic("boom")
	}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	<-done

	deadline := time.Now().Add(time.Second)
	for p.Stats().PanicRecovered == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if p.Stats().PanicRecovered != 1 {
		t.Errorf("PanicRecovered = %d, want 1", p.Stats().PanicRecovered)
	}
}

func TestSubmitAfterStop(t *testing.T) {
	p := workers.NewPool(zap.NewNop(), workers.DefaultPoolConfig("stopped"))
	p.Start()
	if err := p.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := p.SubmitFunc(context.Background(), func() error { return nil }); err != workers.ErrPoolStopped {
		t.Errorf("Expected ErrPoolStopped, got %v", err)
	}
}

func TestBusyTracksRunningTasks(t *testing.T) {
	p := newPool(t, 2, 0)

	release := make(chan struct{})
	started := make(chan struct{})
	if err := p.SubmitFunc(context.Background(), func() error {
		close(started)
		<-release
		return nil
	}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	<-started

	if p.Busy() != 1 || p.Stats().Busy != 1 {
		t.Errorf("Busy = %d, want 1", p.Busy())
	}
	close(release)

	deadline := time.Now().Add(time.Second)
	for p.Busy() != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if p.Busy() != 0 {
		t.Errorf("Busy = %d after release, want 0", p.Busy())
	}
}
