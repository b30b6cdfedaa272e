// Package ioworker dispatches blocking filesystem operations and CPU-heavy
// primitives (compression, hashing, AES-GCM) onto a bounded pool, per
// spec.md §5: "blocking filesystem operations are dispatched onto a bounded
// worker pool so cooperative tasks never stall the scheduler."
//
// The pool is a thin wrapper around golang.org/x/sync/semaphore and
// golang.org/x/sync/errgroup: semaphore bounds concurrency, errgroup
// propagates the first error and cancels the group's context.
package ioworker

import (
	"context"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Pool bounds concurrent execution of blocking work.
type Pool struct {
	sem *semaphore.Weighted
}

// New creates a Pool that runs at most maxConcurrent tasks at once.
// maxConcurrent <= 0 means unbounded (semaphore sized to a very large weight).
func New(maxConcurrent int) *Pool {
	if maxConcurrent <= 0 {
		maxConcurrent = 1 << 20
	}
	return &Pool{sem: semaphore.NewWeighted(int64(maxConcurrent))}
}

// Do runs fn on the pool, blocking until a slot is available or ctx is
// cancelled. It returns ctx.Err() if acquisition was cancelled before fn ran.
func (p *Pool) Do(ctx context.Context, fn func() error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	return fn()
}

// Group runs a batch of tasks concurrently, each dispatched through the pool,
// and returns the first error encountered (if any). On the first error
// errgroup cancels the derived context: tasks still waiting for a pool slot
// then return the context error without running, while tasks already
// running are not interrupted.
func (p *Pool) Group(ctx context.Context, tasks ...func(context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, task := range tasks {
		task := task
		g.Go(func() error {
			return p.Do(gctx, func() error { return task(gctx) })
		})
	}
	return g.Wait()
}
