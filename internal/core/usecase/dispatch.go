package usecase

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// DispatchStats counts per-item results of a fan-out.
type DispatchStats struct {
	Succeeded int64
	Failed    int64
}

// DispatchEach runs fn for every item with at most limit in flight.
// Item failures are counted and never cancel siblings.
func DispatchEach[T any](ctx context.Context, limit int, items []T, fn func(context.Context, T) error) DispatchStats {
	if limit <= 0 {
		limit = len(items)
	}
	if limit <= 0 {
		return DispatchStats{}
	}

	var succeeded, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, item := range items {
		g.Go(func() error {
			if err := fn(gctx, item); err != nil {
				failed.Add(1)
				return nil
			}
			succeeded.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	return DispatchStats{Succeeded: succeeded.Load(), Failed: failed.Load()}
}

// InFlightCounter reports how many units are currently running across all workers.
type InFlightCounter func(ctx context.Context) (int, error)

// BoundedDispatch is an admission policy with a global ceiling on in-flight units.
// Admit returns the page size a tick may start; Run fans the admitted page out.
type BoundedDispatch struct {
	maxInFlight int
	count       InFlightCounter
}

func NewBoundedDispatch(maxInFlight int, count InFlightCounter) *BoundedDispatch {
	if maxInFlight <= 0 {
		maxInFlight = 1
	}
	return &BoundedDispatch{maxInFlight: maxInFlight, count: count}
}

func (b *BoundedDispatch) MaxInFlight() int {
	return b.maxInFlight
}

// Admit returns how many new units may start now. Zero means the ceiling is reached.
func (b *BoundedDispatch) Admit(ctx context.Context) (int, error) {
	running := 0
	if b.count != nil {
		n, err := b.count(ctx)
		if err != nil {
			return 0, fmt.Errorf("count in-flight units: %w", err)
		}
		running = n
	}
	if running >= b.maxInFlight {
		return 0, nil
	}
	return b.maxInFlight - running, nil
}

// RunBounded dispatches items admitted by Admit with the same ceiling as concurrency limit.
func RunBounded[T any](ctx context.Context, b *BoundedDispatch, items []T, fn func(context.Context, T) error) DispatchStats {
	return DispatchEach(ctx, b.maxInFlight, items, fn)
}
