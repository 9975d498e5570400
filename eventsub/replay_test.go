package eventsub

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMemoryReplayGuardFirstWriterWins(t *testing.T) {
	g := NewMemoryReplayGuard(10 * time.Minute)
	ctx := context.Background()

	isNew, err := g.CheckAndMark(ctx, "evt-1", "2026-01-01T00:00:00Z")
	if err != nil || !isNew {
		t.Fatalf("first = %v, %v", isNew, err)
	}
	isNew, err = g.CheckAndMark(ctx, "evt-1", "2026-01-01T00:00:00Z")
	if err != nil || isNew {
		t.Fatalf("second = %v, %v", isNew, err)
	}
	// A different id is independent.
	isNew, err = g.CheckAndMark(ctx, "evt-2", "2026-01-01T00:00:00Z")
	if err != nil || !isNew {
		t.Fatalf("other id = %v, %v", isNew, err)
	}
}

func TestMemoryReplayGuardConcurrent(t *testing.T) {
	g := NewMemoryReplayGuard(10 * time.Minute)
	ctx := context.Background()

	const workers = 16
	var wg sync.WaitGroup
	results := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			isNew, err := g.CheckAndMark(ctx, "evt-race", "2026-01-01T00:00:00Z")
			if err != nil {
				t.Errorf("mark: %v", err)
				return
			}
			results <- isNew
		}()
	}
	wg.Wait()
	close(results)

	winners := 0
	for isNew := range results {
		if isNew {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("%d callers observed isNew=true, want exactly 1", winners)
	}
}

func TestMemoryReplayGuardExpiry(t *testing.T) {
	g := NewMemoryReplayGuard(10 * time.Millisecond)
	ctx := context.Background()

	if isNew, _ := g.CheckAndMark(ctx, "evt-exp", "2026-01-01T00:00:00Z"); !isNew {
		t.Fatal("first mark not new")
	}
	time.Sleep(20 * time.Millisecond)
	// Past retention the id may be seen as new again; expiry is advisory
	// cleanup, suppression only needs to hold within the retry window.
	if isNew, _ := g.CheckAndMark(ctx, "evt-exp", "2026-01-01T00:00:00Z"); !isNew {
		t.Fatal("expired id still suppressed")
	}
}
