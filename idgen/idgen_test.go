package idgen

import (
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
)

func TestUUIDv7_Format(t *testing.T) {
	id := UUIDv7()()
	u, err := uuid.Parse(id)
	if err != nil {
		t.Fatalf("UUIDv7: %q does not parse: %v", id, err)
	}
	if u.Version() != 7 {
		t.Fatalf("UUIDv7: version %d in %q", u.Version(), id)
	}
	if parts := strings.Split(id, "-"); len(parts) != 5 {
		t.Fatalf("UUIDv7: expected 5 parts, got %d in %q", len(parts), id)
	}
}

func TestUUIDv7_Sortable(t *testing.T) {
	gen := UUIDv7()
	prev := gen()
	for range 50 {
		next := gen()
		if next <= prev {
			t.Fatalf("UUIDv7 not increasing: %q after %q", next, prev)
		}
		prev = next
	}
}

func TestSequence(t *testing.T) {
	gen := Sequence("r")
	if got := gen(); got != "r1" {
		t.Fatalf("first: got %q", got)
	}
	if got := gen(); got != "r2" {
		t.Fatalf("second: got %q", got)
	}
}

func TestSequence_Concurrent(t *testing.T) {
	gen := Sequence("id-")
	var (
		mu   sync.Mutex
		seen = make(map[string]bool)
		wg   sync.WaitGroup
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				id := gen()
				mu.Lock()
				if seen[id] {
					t.Errorf("duplicate %q", id)
				}
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if len(seen) != 800 {
		t.Fatalf("got %d ids, want 800", len(seen))
	}
}
