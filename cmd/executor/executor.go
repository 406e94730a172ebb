// Package executor runs a fixed batch of independent tasks across a bounded
// worker pool. A single task failure never aborts its siblings, and no task
// error escapes Run: every outcome is reduced to a status in the returned
// Batch.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Task is one independent unit of work. Tasks within a batch must not depend
// on each other's side effects.
type Task struct {
	ID string
	Fn func(ctx context.Context) error
}

// Result is the terminal status of one task.
type Result struct {
	ID  string
	Err error
}

// Batch is the partial-completion report of one run. Unknown holds tasks
// that were dispatched but interrupted by cancellation: their remote outcome
// is ambiguous and is resolved by the recovery journal on the next startup.
type Batch struct {
	Succeeded  []string
	Failed     []string
	NotStarted []string
	Unknown    []string
}

// Clean reports whether every task in the batch succeeded.
func (b Batch) Clean() bool {
	return len(b.Failed) == 0 && len(b.NotStarted) == 0 && len(b.Unknown) == 0
}

// Run executes tasks with at most workers goroutines. Cancellation is
// observed at dispatch boundaries: once ctx is done no further tasks start,
// in-flight tasks finish their current step, and Run drains before
// returning. onDone, when non-nil, is invoked once per finished task from
// the collecting goroutine.
func Run(ctx context.Context, name string, tasks []Task, workers int, logger *slog.Logger, onDone func(Result)) Batch {
	if workers < 1 {
		workers = 1
	}
	if workers > len(tasks) && len(tasks) > 0 {
		workers = len(tasks)
	}

	var batch Batch
	if len(tasks) == 0 {
		return batch
	}

	logger.Debug(fmt.Sprintf("Running batch %s: %d tasks across %d workers", name, len(tasks), workers))

	taskCh := make(chan Task)
	resCh := make(chan Result, len(tasks))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range taskCh {
				resCh <- Result{ID: t.ID, Err: runOne(ctx, t)}
			}
		}()
	}

feed:
	for i, t := range tasks {
		select {
		case <-ctx.Done():
			for _, rest := range tasks[i:] {
				batch.NotStarted = append(batch.NotStarted, rest.ID)
			}
			logger.Warn(fmt.Sprintf("⚠️  Batch %s interrupted: %d tasks not started", name, len(tasks)-i))
			break feed
		case taskCh <- t:
		}
	}
	close(taskCh)

	wg.Wait()
	close(resCh)

	for r := range resCh {
		if onDone != nil {
			onDone(r)
		}
		switch {
		case r.Err == nil:
			batch.Succeeded = append(batch.Succeeded, r.ID)
		case errors.Is(r.Err, context.Canceled) || errors.Is(r.Err, context.DeadlineExceeded):
			// Interrupted mid-flight: the outcome at the remote is unknown
			batch.Unknown = append(batch.Unknown, r.ID)
		default:
			logger.Warn(fmt.Sprintf("❌ Task %s failed: %v", r.ID, r.Err))
			batch.Failed = append(batch.Failed, r.ID)
		}
	}

	return batch
}

// runOne executes a task, converting a panic into a failure result so the
// batch keeps running.
func runOne(ctx context.Context, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", t.ID, r)
		}
	}()
	return t.Fn(ctx)
}
