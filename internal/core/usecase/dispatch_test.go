package usecase

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestDispatchEachHonorsLimitAndCountsFailures(t *testing.T) {
	var running, peak atomic.Int32
	items := []int{1, 2, 3, 4, 5, 6}

	stats := DispatchEach(context.Background(), 2, items, func(_ context.Context, n int) error {
		cur := running.Add(1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		running.Add(-1)
		if n%3 == 0 {
			return errors.New("odd one out")
		}
		return nil
	})

	if stats.Succeeded != 4 || stats.Failed != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if peak.Load() > 2 {
		t.Fatalf("expected at most 2 in flight, saw %d", peak.Load())
	}
}

func TestDispatchEachFailureDoesNotCancelSiblings(t *testing.T) {
	var mu sync.Mutex
	var canceled int
	DispatchEach(context.Background(), 3, []int{1, 2, 3}, func(ctx context.Context, n int) error {
		if n == 1 {
			return errors.New("first fails")
		}
		time.Sleep(10 * time.Millisecond)
		if ctx.Err() != nil {
			mu.Lock()
			canceled++
			mu.Unlock()
		}
		return nil
	})
	if canceled != 0 {
		t.Fatalf("expected siblings to keep their context, %d canceled", canceled)
	}
}

func TestDispatchEachEmpty(t *testing.T) {
	stats := DispatchEach(context.Background(), 0, []int(nil), func(context.Context, int) error { return nil })
	if stats != (DispatchStats{}) {
		t.Fatalf("expected zero stats, got %+v", stats)
	}
}

func TestBoundedDispatchAdmit(t *testing.T) {
	running := 1
	b := NewBoundedDispatch(3, func(context.Context) (int, error) { return running, nil })

	if n, err := b.Admit(context.Background()); err != nil || n != 2 {
		t.Fatalf("expected 2 admitted, got %d err=%v", n, err)
	}
	running = 5
	if n, _ := b.Admit(context.Background()); n != 0 {
		t.Fatalf("expected saturation, got %d", n)
	}

	failing := NewBoundedDispatch(3, func(context.Context) (int, error) { return 0, errors.New("db down") })
	if _, err := failing.Admit(context.Background()); err == nil {
		t.Fatalf("expected counter error")
	}
	if NewBoundedDispatch(0, nil).MaxInFlight() != 1 {
		t.Fatalf("expected ceiling floor of 1")
	}
}
