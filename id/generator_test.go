package id

import (
	"sync"
	"testing"
)

func TestSequence_NextID_Monotonic(t *testing.T) {
	seq := NewSequence(0)

	var prev uint64
	const iterations = 1000

	for i := 0; i < iterations; i++ {
		id := seq.NextID()
		if id <= prev {
			t.Fatalf("non-monotonic ID at iteration %d: prev=%d, curr=%d", i, prev, id)
		}
		prev = id
	}

	if seq.Current() != iterations {
		t.Fatalf("expected current %d, got %d", iterations, seq.Current())
	}
}

func TestSequence_StartOffset(t *testing.T) {
	seq := NewSequence(41)
	if id := seq.NextID(); id != 42 {
		t.Fatalf("expected 42, got %d", id)
	}
}

func TestSequence_NextID_Concurrent(t *testing.T) {
	seq := NewSequence(0)

	const goroutines = 10
	const idsPerGoroutine = 1000

	var wg sync.WaitGroup
	idsChan := make(chan uint64, goroutines*idsPerGoroutine)

	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < idsPerGoroutine; i++ {
				idsChan <- seq.NextID()
			}
		}()
	}

	wg.Wait()
	close(idsChan)

	seen := make(map[uint64]bool)
	for id := range idsChan {
		if seen[id] {
			t.Fatalf("duplicate ID generated: %d", id)
		}
		seen[id] = true
	}

	if len(seen) != goroutines*idsPerGoroutine {
		t.Fatalf("expected %d unique IDs, got %d", goroutines*idsPerGoroutine, len(seen))
	}
}
