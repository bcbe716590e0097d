package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestAcquireFirstCallIsImmediate(t *testing.T) {
	l := New(time.Second)
	delay, err := l.Acquire(context.Background(), "twitter")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if delay != 0 {
		t.Errorf("delay = %v, want 0", delay)
	}
}

func TestAcquireSpacesCallsAcrossCallers(t *testing.T) {
	const interval = 20 * time.Millisecond
	const callers = 6
	l := New(interval)

	start := time.Now()
	var wg sync.WaitGroup
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Acquire(context.Background(), "twitter"); err != nil {
				t.Errorf("Acquire: %v", err)
			}
		}()
	}
	wg.Wait()

	want := time.Duration(callers-1) * interval
	if elapsed := time.Since(start); elapsed < want-2*time.Millisecond {
		t.Errorf("elapsed = %v, want >= %v", elapsed, want)
	}
}

func TestAcquireSourcesAreIndependent(t *testing.T) {
	l := New(time.Hour)
	ctx := context.Background()

	if _, err := l.Acquire(ctx, "twitter"); err != nil {
		t.Fatalf("Acquire twitter: %v", err)
	}
	delay, err := l.Acquire(ctx, "youtube")
	if err != nil {
		t.Fatalf("Acquire youtube: %v", err)
	}
	if delay != 0 {
		t.Errorf("youtube delay = %v, want 0", delay)
	}
}

func TestAcquireArrivalOrder(t *testing.T) {
	const interval = 15 * time.Millisecond
	l := New(interval)
	ctx := context.Background()

	// Occupy the gate so everyone below has to queue.
	if _, err := l.Acquire(ctx, "tiktok"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := range 4 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := l.Acquire(ctx, "tiktok"); err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}(i)
		// Stagger arrivals well inside one interval.
		time.Sleep(2 * time.Millisecond)
	}
	wg.Wait()

	for i, got := range order {
		if got != i {
			t.Fatalf("admission order = %v, want [0 1 2 3]", order)
		}
	}
}

func TestAcquireCancelledReleasesSlot(t *testing.T) {
	const interval = 50 * time.Millisecond
	l := New(interval)
	if _, err := l.Acquire(context.Background(), "facebook"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	if _, err := l.Acquire(ctx, "facebook"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	// The abandoned reservation must not push the next caller out by a
	// second interval.
	start := time.Now()
	if _, err := l.Acquire(context.Background(), "facebook"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if elapsed := time.Since(start); elapsed > interval+20*time.Millisecond {
		t.Errorf("elapsed = %v, want about %v", elapsed, interval)
	}
}

func TestZeroIntervalNeverBlocks(t *testing.T) {
	l := New(0)
	for range 100 {
		delay, err := l.Acquire(context.Background(), "linkedin")
		if err != nil || delay != 0 {
			t.Fatalf("Acquire = %v, %v; want 0, nil", delay, err)
		}
	}
}
