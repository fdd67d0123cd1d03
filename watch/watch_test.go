package watch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

// counter is a Detector whose version the test controls.
type counter struct{ v atomic.Int64 }

func (c *counter) detect(context.Context) (int64, error) { return c.v.Load(), nil }

func TestOnChange_FiresOnVersionChange(t *testing.T) {
	var c counter
	var reloads atomic.Int32
	w := New(c.detect, Options{Interval: 20 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.OnChange(ctx, func() error {
		reloads.Add(1)
		return nil
	})
	time.Sleep(50 * time.Millisecond)

	c.v.Store(1)
	time.Sleep(80 * time.Millisecond)
	if got := reloads.Load(); got != 1 {
		t.Fatalf("expected 1 reload, got %d", got)
	}

	c.v.Store(2)
	time.Sleep(80 * time.Millisecond)
	if got := reloads.Load(); got != 2 {
		t.Fatalf("expected 2 reloads, got %d", got)
	}

	time.Sleep(80 * time.Millisecond)
	if got := reloads.Load(); got != 2 {
		t.Fatalf("expected still 2, got %d", got)
	}
}

func TestOnChange_Debounce(t *testing.T) {
	var c counter
	var reloads atomic.Int32
	w := New(c.detect, Options{Interval: 20 * time.Millisecond, Debounce: 100 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.OnChange(ctx, func() error {
		reloads.Add(1)
		return nil
	})
	time.Sleep(50 * time.Millisecond)

	for i := int64(1); i <= 5; i++ {
		c.v.Store(i)
		time.Sleep(15 * time.Millisecond)
	}
	if got := reloads.Load(); got != 0 {
		t.Fatalf("expected 0 reloads during debounce, got %d", got)
	}

	time.Sleep(200 * time.Millisecond)
	if got := reloads.Load(); got != 1 {
		t.Fatalf("expected exactly 1 debounced reload, got %d", got)
	}
}

func TestOnChange_ErrorDoesNotAdvanceVersion(t *testing.T) {
	var c counter
	var calls atomic.Int32
	w := New(c.detect, Options{Interval: 20 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.OnChange(ctx, func() error {
		if calls.Add(1) == 1 {
			return errors.New("store busy")
		}
		return nil
	})
	time.Sleep(50 * time.Millisecond)

	c.v.Store(1)
	time.Sleep(120 * time.Millisecond)

	if got := calls.Load(); got < 2 {
		t.Fatalf("expected a retry after the failed reload, got %d calls", got)
	}
	if v := w.Version(); v != 1 {
		t.Fatalf("expected version 1, got %d", v)
	}
}

func TestStats(t *testing.T) {
	var c counter
	w := New(c.detect, Options{Interval: 20 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.OnChange(ctx, func() error { return nil })
	time.Sleep(50 * time.Millisecond)

	c.v.Store(1)
	time.Sleep(80 * time.Millisecond)

	s := w.Stats()
	if s.Checks == 0 || s.ChangesDetected == 0 || s.Reloads == 0 {
		t.Fatalf("stats: %+v", s)
	}
}

func TestPrime(t *testing.T) {
	var c counter
	c.v.Store(5)
	var reloads atomic.Int32
	w := New(c.detect, Options{Interval: 20 * time.Millisecond})
	w.Prime(3)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go w.OnChange(ctx, func() error {
		reloads.Add(1)
		return nil
	})

	// The detector already reports 5, ahead of the primed baseline.
	for w.Version() != 5 {
		if ctx.Err() != nil {
			t.Fatalf("version stuck at %d", w.Version())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := reloads.Load(); got != 1 {
		t.Fatalf("expected 1 reload, got %d", got)
	}
}
