package ble

import (
	"context"
	"errors"
)

// Task is one unit of work raced against its siblings by RaceTasks.
type Task struct {
	// Name identifies the task in log output.
	Name string

	// Run does the work. It must return promptly once ctx is cancelled.
	Run func(ctx context.Context) error
}

// RaceTasks runs all tasks concurrently and settles the race as soon as the
// first one returns, for any reason. The shared context is cancelled before
// the remaining tasks are awaited, because a sibling can fail while control
// is still being handed over.
//
// The returned error is the first real failure observed: the winner's error
// if it had one, otherwise the first non-cancellation error from a late
// finisher. Errors from cancelled siblings that merely report the
// cancellation are swallowed; any further real errors are logged. When every
// task finishes cleanly the result is ctx.Err(), so a race ended by parent
// cancellation reports it.
//
// RaceTasks does not return until every task has. Tasks that ignore their
// context will hang the race.
func RaceTasks(ctx context.Context, log Logger, tasks ...Task) error {
	if len(tasks) == 0 {
		return ctx.Err()
	}

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		name string
		err  error
	}
	results := make(chan result, len(tasks))
	for _, t := range tasks {
		go func(t Task) {
			results <- result{name: t.Name, err: t.Run(raceCtx)}
		}(t)
	}

	first := <-results
	cancel()

	var firstErr error
	if !isCancellation(first.err) {
		firstErr = first.err
	}

	for i := 1; i < len(tasks); i++ {
		r := <-results
		if r.err == nil || isCancellation(r.err) {
			continue
		}
		if firstErr == nil {
			firstErr = r.err
			continue
		}
		if log != nil {
			log.Warn("task failed after race settled",
				"task", r.name,
				"error", r.err)
		}
	}

	if firstErr != nil {
		return firstErr
	}
	return ctx.Err()
}

// isCancellation reports whether err only communicates context cancellation.
// Deadline expiry is a real timeout and is never treated as cancellation.
func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}
