// Package tasks runs long numeric jobs (astronomy rebuilds, training, grid
// search) on a small fixed pool so the scheduler never waits on them.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/lox/pvcast/internal/metrics"
)

var ErrClosed = errors.New("task pool closed")

const (
	DefaultWorkers   = 2
	DefaultQueueSize = 16
)

type Func func(ctx context.Context) error

// Task is a queued unit of work. Err is only meaningful once Done is closed.
type Task struct {
	ID     string
	Name   string
	Queued time.Time
	ctx    context.Context
	fn     Func
	done   chan struct{}
	err    error
}

func (t *Task) Done() <-chan struct{} { return t.done }

func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Wait blocks until the task finishes or ctx is done.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pool is a bounded queue drained by a fixed number of workers. Submit
// blocks while the queue is full rather than rejecting work.
type Pool struct {
	ctx   context.Context
	queue chan *Task
	g     errgroup.Group

	mu      sync.RWMutex
	closed  bool
	once    sync.Once
	running atomic.Int32
}

// NewPool starts workers goroutines. A task's context is cancelled when
// either ctx or the context it was submitted with is done.
func NewPool(ctx context.Context, workers, queueSize int) *Pool {
	if workers < 1 {
		workers = DefaultWorkers
	}
	if queueSize < 1 {
		queueSize = DefaultQueueSize
	}
	p := &Pool{ctx: ctx, queue: make(chan *Task, queueSize)}
	for i := 0; i < workers; i++ {
		p.g.Go(p.worker)
	}
	return p
}

// Submit queues fn, waiting for space if the queue is full. Cancelling ctx
// also cancels the task, whether it is still queued or already running.
func (p *Pool) Submit(ctx context.Context, name string, fn Func) (*Task, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrClosed
	}

	t := &Task{ID: uuid.NewString(), Name: name, Queued: time.Now(), ctx: ctx, fn: fn, done: make(chan struct{})}
	select {
	case p.queue <- t:
		metrics.TaskQueueDepth.Set(float64(len(p.queue)))
		return t, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.ctx.Done():
		return nil, ErrClosed
	}
}

// Run submits fn and waits for it to finish.
func (p *Pool) Run(ctx context.Context, name string, fn Func) error {
	t, err := p.Submit(ctx, name, fn)
	if err != nil {
		return err
	}
	return t.Wait(ctx)
}

type Stats struct {
	Queued  int `json:"queued"`
	Running int `json:"running"`
}

func (p *Pool) Stats() Stats {
	return Stats{Queued: len(p.queue), Running: int(p.running.Load())}
}

// Close stops accepting work, lets queued tasks finish and waits for the
// workers to exit.
func (p *Pool) Close() error {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.queue)
		p.mu.Unlock()
	})
	return p.g.Wait()
}

func (p *Pool) worker() error {
	for t := range p.queue {
		metrics.TaskQueueDepth.Set(float64(len(p.queue)))
		p.run(t)
	}
	return nil
}

func (p *Pool) run(t *Task) {
	defer close(t.done)
	ctx, cancel := context.WithCancel(p.ctx)
	defer cancel()
	stop := context.AfterFunc(t.ctx, cancel)
	defer stop()

	for _, c := range []context.Context{t.ctx, ctx} {
		if err := c.Err(); err != nil {
			t.err = err
			metrics.TasksTotal.WithLabelValues(t.Name, "cancelled").Inc()
			return
		}
	}

	p.running.Add(1)
	defer p.running.Add(-1)
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			t.err = fmt.Errorf("task %s panicked: %v", t.Name, r)
		}
		result := "ok"
		if t.err != nil {
			result = "error"
			log.Printf("tasks: %s (%s) failed after %s: %v", t.Name, t.ID, time.Since(start).Round(time.Millisecond), t.err)
		}
		metrics.TasksTotal.WithLabelValues(t.Name, result).Inc()
	}()

	t.err = t.fn(ctx)
}
