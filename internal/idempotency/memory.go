package idempotency

import (
	"context"
	"sync"

	"github.com/kvndo/querygate/internal/plan"
)

type MemoryStore struct {
	mu    sync.Mutex
	items map[string]plan.StepOutcome
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]plan.StepOutcome)}
}

func (s *MemoryStore) Get(ctx context.Context, key string) (*plan.StepOutcome, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	outcome, ok := s.items[key]
	if !ok {
		return nil, false, nil
	}
	copied := outcome
	return &copied, true, nil
}

func (s *MemoryStore) Put(ctx context.Context, key string, outcome *plan.StepOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = *outcome
	return nil
}

// Guard serializes executions per key. The winner for a key runs fn;
// everyone else arriving with the same key blocks until the winner
// finishes, then runs its own fn (which typically finds the winner's
// outcome in the store). At most one fn per key runs at a time.
type Guard struct {
	mu       sync.Mutex
	inflight map[string]chan struct{}
}

func NewGuard() *Guard {
	return &Guard{inflight: make(map[string]chan struct{})}
}

func (g *Guard) Do(ctx context.Context, key string, fn func() (*plan.StepOutcome, bool, error)) (*plan.StepOutcome, bool, error) {
	for {
		g.mu.Lock()
		ch, busy := g.inflight[key]
		if !busy {
			ch = make(chan struct{})
			g.inflight[key] = ch
			g.mu.Unlock()
			break
		}
		g.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}

	defer func() {
		g.mu.Lock()
		close(g.inflight[key])
		delete(g.inflight, key)
		g.mu.Unlock()
	}()

	return fn()
}
