// Package async runs background tasks on their own goroutines and drains
// them on shutdown.
package async

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// ErrClosed is returned by Go once Shutdown has started.
var ErrClosed = errors.New("runner is shutting down")

// Task is one unit of background work. Its context is cancelled on
// Shutdown deadline or when the task timeout expires.
type Task func(ctx context.Context) error

type Runner struct {
	logger  *slog.Logger
	timeout time.Duration
	sem     chan struct{}

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

type Option func(*Runner)

// WithMaxConcurrent caps how many tasks run at once; extra tasks wait for a
// slot on their own goroutine. Zero means unbounded.
func WithMaxConcurrent(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.sem = make(chan struct{}, n)
		}
	}
}

func WithTaskTimeout(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.timeout = d
		}
	}
}

func NewRunner(logger *slog.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		logger: logger,
		base:   ctx,
		cancel: cancel,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Go starts task in the background. The task does not inherit any request
// context; it lives until it returns or the runner shuts down.
func (r *Runner) Go(name string, task Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		r.logger.Warn("async.rejected", "task", name)
		return ErrClosed
	}
	r.wg.Add(1)
	go r.run(name, task)
	return nil
}

func (r *Runner) run(name string, task Task) {
	defer r.wg.Done()

	if r.sem != nil {
		select {
		case r.sem <- struct{}{}:
			defer func() { <-r.sem }()
		case <-r.base.Done():
			r.logger.Warn("async.dropped", "task", name)
			return
		}
	}

	ctx := r.base
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	start := time.Now()
	err := r.safe(ctx, name, task)
	if err != nil {
		r.logger.Error("async.task.failed", "task", name, "error", err, "elapsed", time.Since(start))
		return
	}
	r.logger.Debug("async.task.done", "task", name, "elapsed", time.Since(start))
}

func (r *Runner) safe(ctx context.Context, name string, task Task) (err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("async.task.panic", "task", name, "panic", p, "stack", string(debug.Stack()))
			err = fmt.Errorf("task %s panicked: %v", name, p)
		}
	}()
	return task(ctx)
}

// Shutdown stops accepting tasks and waits for running ones. When ctx ends
// first, running tasks are cancelled and Shutdown returns ctx.Err().
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() { defer close(done); r.wg.Wait() }()

	select {
	case <-done:
		r.cancel()
		r.logger.Info("async.drained")
		return nil
	case <-ctx.Done():
		r.cancel()
		r.logger.Warn("async.shutdown_interrupted", "error", ctx.Err())
		<-done
		return ctx.Err()
	}
}
