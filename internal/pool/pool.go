// Package pool runs a function over a slice with bounded concurrency.
package pool

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// ErrNotStarted marks items that were never launched because the parent
// context was canceled first.
var ErrNotStarted = errors.New("task not started")

// Result is the outcome of a single item. Exactly one of Value or Err is meaningful.
type Result[R any] struct {
	Value R
	Err   error
}

// MapPool calls fn once per item with at most concurrency calls in flight and
// returns results in input order. The concurrency is clamped to [1, len(items)].
//
// Errors and panics raised by fn are captured in the matching Result and never
// stop the other items. Cancelling ctx stops new items from being launched;
// items already running get a context that is detached from that cancellation
// so they can finish on their own timeouts.
func MapPool[T, R any](
	ctx context.Context,
	items []T,
	concurrency int,
	fn func(ctx context.Context, item T, index int) (R, error),
) []Result[R] {
	results := make([]Result[R], len(items))
	if len(items) == 0 {
		return results
	}
	concurrency = max(1, min(concurrency, len(items)))

	taskCtx := context.WithoutCancel(ctx)
	var g errgroup.Group
	g.SetLimit(concurrency)
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			for j := i; j < len(items); j++ {
				results[j].Err = fmt.Errorf("%w: %w", ErrNotStarted, err)
			}
			break
		}
		// Go blocks while the pool is full, so the context may have been
		// canceled by the time this item gets a slot.
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i].Err = fmt.Errorf("%w: %w", ErrNotStarted, err)
				return nil
			}
			results[i] = run(taskCtx, item, i, fn)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func run[T, R any](
	ctx context.Context,
	item T,
	index int,
	fn func(ctx context.Context, item T, index int) (R, error),
) (res Result[R]) {
	defer func() {
		if rec := recover(); rec != nil {
			res = Result[R]{Err: fmt.Errorf("task %d panicked: %v", index, rec)}
		}
	}()
	value, err := fn(ctx, item, index)
	if err != nil {
		return Result[R]{Err: err}
	}
	return Result[R]{Value: value}
}

// Values returns the successful values of results, preserving order.
func Values[R any](results []Result[R]) []R {
	out := make([]R, 0, len(results))
	for _, r := range results {
		if r.Err == nil {
			out = append(out, r.Value)
		}
	}
	return out
}
