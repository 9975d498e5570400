package eventsub

import (
	"context"
	"sync"
	"time"
)

// ReplayGuard is the idempotency ledger consulted for every delivery.
// CheckAndMark must be atomic: concurrent callers with the same id must not
// both observe true.
type ReplayGuard interface {
	CheckAndMark(ctx context.Context, messageID, messageTimestamp string) (isNew bool, err error)
}

// MemoryReplayGuard is an in-process ReplayGuard with bounded retention. It
// backs websocket sessions, where every delivery lands on the process that
// owns the connection; webhook ingress uses the Postgres-backed ledger so
// retries landing on another replica are still caught.
type MemoryReplayGuard struct {
	Retention time.Duration

	mu   sync.Mutex
	seen map[string]time.Time // id -> expiry
}

func NewMemoryReplayGuard(retention time.Duration) *MemoryReplayGuard {
	if retention <= 0 {
		retention = 10 * time.Minute
	}
	return &MemoryReplayGuard{Retention: retention, seen: make(map[string]time.Time)}
}

func (g *MemoryReplayGuard) CheckAndMark(ctx context.Context, messageID, messageTimestamp string) (bool, error) {
	now := time.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	if exp, ok := g.seen[messageID]; ok && now.Before(exp) {
		return false, nil
	}
	g.seen[messageID] = now.Add(g.Retention)
	// Opportunistic expiry sweep, amortized over inserts.
	if len(g.seen)%256 == 0 {
		for id, exp := range g.seen {
			if now.After(exp) {
				delete(g.seen, id)
			}
		}
	}
	return true, nil
}
