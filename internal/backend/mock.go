package backend

import (
	"context"
	"strings"
	"sync"
)

// Failure tells the mock to fail the first FailCount calls for a step
// with the given kind.
type Failure struct {
	Kind      Kind
	FailCount int
}

// Mock is a deterministic in-process backend for tests and local runs.
// It returns canned fixtures and follows a per-step failure schedule.
type Mock struct {
	mu       sync.Mutex
	schedule map[string]Failure
	counts   map[string]int
}

func NewMock(schedule map[string]Failure) *Mock {
	if schedule == nil {
		schedule = make(map[string]Failure)
	}
	return &Mock{
		schedule: schedule,
		counts:   make(map[string]int),
	}
}

func (m *Mock) Name() string { return "mock" }

// Calls returns how many times a step has been executed, including
// scheduled failures.
func (m *Mock) Calls(stepID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[stepID]
}

func (m *Mock) Execute(ctx context.Context, stepID, sql string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, Timeout(err.Error())
	}

	m.mu.Lock()
	n := m.counts[stepID]
	m.counts[stepID] = n + 1
	rule, scheduled := m.schedule[stepID]
	m.mu.Unlock()

	if scheduled && n < rule.FailCount {
		return nil, &Error{Kind: rule.Kind, Message: string(rule.Kind)}
	}

	if strings.Contains(strings.ToLower(sql), "dau") {
		return &Result{
			Rows: []map[string]any{
				{"day": "2026-08-29", "dau": 12000},
				{"day": "2026-08-30", "dau": 12450},
			},
			BytesScanned: 1024 * 1024,
		}, nil
	}

	return &Result{
		Rows:         []map[string]any{{"health_check": 1}},
		BytesScanned: 1024,
	}, nil
}
