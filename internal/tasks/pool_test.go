package tasks

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestPool_RunReturnsTaskError(t *testing.T) {
	p := NewPool(context.Background(), 2, 4)
	defer p.Close()

	want := errors.New("boom")
	if err := p.Run(context.Background(), "fail", func(context.Context) error { return want }); !errors.Is(err, want) {
		t.Fatalf("Run err = %v, want %v", err, want)
	}
	if err := p.Run(context.Background(), "ok", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("Run err = %v", err)
	}
}

func TestPool_BoundedConcurrency(t *testing.T) {
	p := NewPool(context.Background(), 2, 8)

	var running, peak atomic.Int32
	var tasks []*Task
	for i := 0; i < 8; i++ {
		task, err := p.Submit(context.Background(), "work", func(context.Context) error {
			n := running.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			running.Add(-1)
			return nil
		})
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		tasks = append(tasks, task)
	}
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	for _, task := range tasks {
		select {
		case <-task.Done():
		default:
			t.Fatalf("task %s not finished after Close", task.ID)
		}
	}
	if got := peak.Load(); got > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", got)
	}
}

func TestPool_SubmitBlocksWhenFull(t *testing.T) {
	p := NewPool(context.Background(), 1, 1)
	defer p.Close()

	started := make(chan struct{})
	release := make(chan struct{})
	if _, err := p.Submit(context.Background(), "hold", func(context.Context) error {
		close(started)
		<-release
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	<-started

	queued, err := p.Submit(context.Background(), "queued", func(context.Context) error { return nil })
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := p.Submit(ctx, "overflow", func(context.Context) error { return nil }); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Submit on full queue err = %v, want DeadlineExceeded", err)
	}
	if s := p.Stats(); s.Running != 1 || s.Queued != 1 {
		t.Errorf("stats = %+v, want 1 running and 1 queued", s)
	}

	close(release)
	if err := queued.Wait(context.Background()); err != nil {
		t.Fatalf("queued task: %v", err)
	}
}

func TestPool_SubmitAfterClose(t *testing.T) {
	p := NewPool(context.Background(), 1, 1)
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Submit(context.Background(), "late", func(context.Context) error { return nil }); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestPool_RecoversPanics(t *testing.T) {
	p := NewPool(context.Background(), 1, 1)
	defer p.Close()

	err := p.Run(context.Background(), "panic", func(context.Context) error { panic("bad geometry") })
	if err == nil || !strings.Contains(err.Error(), "bad geometry") {
		t.Fatalf("err = %v, want recovered panic", err)
	}
	if err := p.Run(context.Background(), "after", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("pool unusable after panic: %v", err)
	}
}

func TestPool_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := NewPool(ctx, 1, 2)
	defer p.Close()

	seen := make(chan error, 1)
	started := make(chan struct{})
	task, err := p.Submit(context.Background(), "long", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		seen <- ctx.Err()
		return ctx.Err()
	})
	if err != nil {
		t.Fatal(err)
	}
	<-started
	cancel()

	if err := task.Wait(context.Background()); !errors.Is(err, context.Canceled) {
		t.Fatalf("task err = %v, want Canceled", err)
	}
	if err := <-seen; !errors.Is(err, context.Canceled) {
		t.Fatalf("task saw %v", err)
	}
}

func TestPool_UniqueIDs(t *testing.T) {
	p := NewPool(context.Background(), 2, 16)
	defer p.Close()

	ids := make(map[string]bool)
	for i := 0; i < 10; i++ {
		task, err := p.Submit(context.Background(), "id", func(context.Context) error { return nil })
		if err != nil {
			t.Fatal(err)
		}
		if ids[task.ID] {
			t.Fatalf("duplicate task id %s", task.ID)
		}
		ids[task.ID] = true
	}
}

func TestPool_CallerCancelStopsRunningTask(t *testing.T) {
	p := NewPool(context.Background(), 1, 2)
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	stopped := make(chan error, 1)
	go func() {
		p.Run(ctx, "rebuild", func(ctx context.Context) error {
			close(started)
			select {
			case <-ctx.Done():
				stopped <- ctx.Err()
			case <-time.After(5 * time.Second):
				stopped <- nil
			}
			return ctx.Err()
		})
	}()
	<-started
	cancel()

	if err := <-stopped; !errors.Is(err, context.Canceled) {
		t.Fatalf("running task saw %v, want Canceled", err)
	}
	if err := p.Run(context.Background(), "next", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("pool unusable after cancel: %v", err)
	}
}

func TestPool_QueuedTaskSkippedAfterCallerCancel(t *testing.T) {
	p := NewPool(context.Background(), 1, 2)
	defer p.Close()

	release := make(chan struct{})
	blocker, err := p.Submit(context.Background(), "blocker", func(context.Context) error {
		<-release
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	var ran atomic.Bool
	queued, err := p.Submit(ctx, "queued", func(context.Context) error {
		ran.Store(true)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	cancel()
	close(release)

	if err := blocker.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := queued.Wait(context.Background()); !errors.Is(err, context.Canceled) {
		t.Fatalf("queued task err = %v, want Canceled", err)
	}
	if ran.Load() {
		t.Error("cancelled task should not have run")
	}
}
