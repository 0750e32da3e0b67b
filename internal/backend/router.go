package backend

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
)

// Router fronts a set of backends with one circuit breaker each and
// dispatches to the first healthy one. It satisfies Backend itself, so
// the executor does not care whether it talks to one engine or many.
type Router struct {
	backends []Backend
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewRouter(backends []Backend) *Router {
	breakers := make(map[string]*gobreaker.CircuitBreaker)
	for _, b := range backends {
		settings := gobreaker.Settings{
			Name:        b.Name(),
			MaxRequests: 3,
			Interval:    5 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}
		breakers[b.Name()] = gobreaker.NewCircuitBreaker(settings)
	}
	return &Router{
		backends: backends,
		breakers: breakers,
	}
}

func (r *Router) Name() string { return "router" }

func (r *Router) Execute(ctx context.Context, stepID, sql string) (*Result, error) {
	for _, b := range r.backends {
		cb := r.breakers[b.Name()]
		if cb.State() == gobreaker.StateOpen {
			continue
		}

		result, err := cb.Execute(func() (interface{}, error) {
			return b.Execute(ctx, stepID, sql)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				continue
			}
			return nil, err
		}
		return result.(*Result), nil
	}
	// A tripped breaker recovers; callers may retry.
	return nil, Transient("all query backends unavailable")
}
