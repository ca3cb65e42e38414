// Package fanout runs independent tasks in sequential batches of bounded size.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"
)

// Status is the outcome of a single task.
type Status string

// Task outcomes.
const (
	StatusGenerated Status = "generated"
	StatusSkipped   Status = "skipped"
	StatusFailed    Status = "failed"
)

// ErrSkippedShutdown marks tasks never started because the context ended.
var ErrSkippedShutdown = errors.New("task not started: shutting down")

// Worker processes a single key. A returned error, or a panic, turns into a
// failed outcome for that key only.
type Worker func(ctx context.Context, key string) (Status, error)

// Outcome reports what happened to one task.
type Outcome struct {
	Err      error
	Key      string
	Status   Status
	Duration time.Duration
}

// Run executes worker for every key, at most concurrency at a time. Keys are
// processed in batches; a batch starts only once the previous one has fully
// resolved. The result holds exactly one outcome per key, in input order.
//
// A task that has started always runs to completion. When ctx is done, batches
// that have not started yet are skipped and their keys reported as failed with
// ErrSkippedShutdown.
func Run(ctx context.Context, keys []string, concurrency int, worker Worker) []Outcome {
	if concurrency < 1 {
		concurrency = 1
	}
	outcomes := make([]Outcome, len(keys))

	for start := 0; start < len(keys); start += concurrency {
		end := min(start+concurrency, len(keys))

		if ctx.Err() != nil {
			for i := start; i < len(keys); i++ {
				outcomes[i] = Outcome{Key: keys[i], Status: StatusFailed, Err: ErrSkippedShutdown}
			}
			break
		}

		// Workers never return errors to the group, so one failure never
		// cancels its siblings.
		var g errgroup.Group
		for i := start; i < end; i++ {
			g.Go(func() error {
				outcomes[i] = runOne(ctx, keys[i], worker)
				return nil
			})
		}
		_ = g.Wait()
	}
	return outcomes
}

func runOne(ctx context.Context, key string, worker Worker) (out Outcome) {
	started := time.Now()
	out.Key = key
	defer func() {
		if r := recover(); r != nil {
			out.Status = StatusFailed
			out.Err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
		out.Duration = time.Since(started)
	}()

	status, err := worker(ctx, key)
	switch {
	case err != nil:
		out.Status = StatusFailed
		out.Err = err
	case status == "":
		out.Status = StatusGenerated
	default:
		out.Status = status
	}
	return out
}

// Counts tallies outcomes by status.
func Counts(outcomes []Outcome) (generated, skipped, failed int) {
	for _, o := range outcomes {
		switch o.Status {
		case StatusGenerated:
			generated++
		case StatusSkipped:
			skipped++
		case StatusFailed:
			failed++
		}
	}
	return generated, skipped, failed
}
