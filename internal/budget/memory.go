package budget

import (
	"context"
	"sync"
	"time"
)

type usageEvent struct {
	at    time.Time
	bytes int64
}

// MemoryLedger keeps per-tenant usage in process memory. Reads, prunes
// and appends for one tenant are serialized behind that tenant's lock;
// tenants never contend with each other.
type MemoryLedger struct {
	budget int64
	now    func() time.Time

	mu      sync.Mutex
	tenants map[string]*tenantWindow
}

type tenantWindow struct {
	mu     sync.Mutex
	events []usageEvent
}

func NewMemoryLedger(budgetBytes int64) *MemoryLedger {
	return &MemoryLedger{
		budget:  budgetBytes,
		now:     time.Now,
		tenants: make(map[string]*tenantWindow),
	}
}

func (l *MemoryLedger) tenant(tenantID string) *tenantWindow {
	l.mu.Lock()
	defer l.mu.Unlock()
	tw, ok := l.tenants[tenantID]
	if !ok {
		tw = &tenantWindow{}
		l.tenants[tenantID] = tw
	}
	return tw
}

func (l *MemoryLedger) Check(ctx context.Context, tenantID string, estimatedBytes int64) (*Status, error) {
	tw := l.tenant(tenantID)
	tw.mu.Lock()
	defer tw.mu.Unlock()

	cutoff := l.now().Add(-Window)
	kept := tw.events[:0]
	var used int64
	for _, ev := range tw.events {
		if ev.at.Before(cutoff) {
			continue
		}
		kept = append(kept, ev)
		used += ev.bytes
	}
	tw.events = kept

	return status(used, estimatedBytes, l.budget), nil
}

func (l *MemoryLedger) Record(ctx context.Context, tenantID string, actualBytes int64) error {
	tw := l.tenant(tenantID)
	tw.mu.Lock()
	defer tw.mu.Unlock()
	tw.events = append(tw.events, usageEvent{at: l.now(), bytes: actualBytes})
	return nil
}
