// Package workerpool bounds the fan-out of independent tasks that would
// otherwise all run at once.
//
// Adapted from the teacher's internal/parallel.WorkerPool, which scaled a
// goroutine pool up and down to bound parallel goal evaluation. The
// scheduler's reconciliation step (apply's Step D: suspend, resume, and
// start many slots concurrently) needs the same bounding but none of the
// dynamic scaling or deadlock detection the solving engine required, so
// this is a thin fixed-width wrapper around golang.org/x/sync/errgroup
// instead of a hand-rolled channel-and-scaling-monitor pool.
package workerpool

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Pool bounds how many of a batch of tasks run concurrently.
type Pool struct {
	width int
}

// New returns a Pool that runs at most width tasks at once. A non-positive
// width defaults to runtime.NumCPU, matching the teacher's own default for
// an unconfigured worker count.
func New(width int) *Pool {
	if width <= 0 {
		width = runtime.NumCPU()
	}
	return &Pool{width: width}
}

// Task is one unit of bounded work.
type Task func(ctx context.Context) error

// Run executes every task in fns, at most p.width at a time, and returns
// each task's error at the same index. Spec.md §4.5's failure semantics
// mean per-slot errors are collected, never escalated: Run always returns a
// nil group error and lets the caller decide what to do with the per-index
// errors.
func (p *Pool) Run(ctx context.Context, fns []Task) []error {
	errs := make([]error, len(fns))
	if len(fns) == 0 {
		return errs
	}
	var g errgroup.Group
	g.SetLimit(p.width)
	for i, fn := range fns {
		i, fn := i, fn
		g.Go(func() error {
			errs[i] = fn(ctx)
			return nil
		})
	}
	_ = g.Wait()
	return errs
}
