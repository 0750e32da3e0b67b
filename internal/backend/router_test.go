package backend

import (
	"context"
	"testing"
)

type stubBackend struct {
	name  string
	err   error
	calls int
}

func (s *stubBackend) Name() string { return s.name }

func (s *stubBackend) Execute(ctx context.Context, stepID, sql string) (*Result, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &Result{Rows: []map[string]any{{"from": s.name}}, BytesScanned: 1}, nil
}

func TestRouter_FirstHealthy(t *testing.T) {
	b1 := &stubBackend{name: "primary"}
	b2 := &stubBackend{name: "fallback"}
	router := NewRouter([]Backend{b1, b2})

	res, err := router.Execute(context.Background(), "step_1", "SELECT 1")
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.Rows[0]["from"] != "primary" {
		t.Errorf("expected primary backend, got %v", res.Rows[0]["from"])
	}
	if b2.calls != 0 {
		t.Errorf("fallback called %d times, want 0", b2.calls)
	}
}

func TestRouter_BreakerTripsToFallback(t *testing.T) {
	b1 := &stubBackend{name: "bad", err: Transient("transient_error")}
	b2 := &stubBackend{name: "good"}
	router := NewRouter([]Backend{b1, b2})

	// Trip the bad backend's breaker.
	for i := 0; i < 3; i++ {
		_, _ = router.Execute(context.Background(), "step_1", "SELECT 1")
	}

	res, err := router.Execute(context.Background(), "step_1", "SELECT 1")
	if err != nil {
		t.Fatalf("Execute failed after breaker trip: %v", err)
	}
	if res.Rows[0]["from"] != "good" {
		t.Errorf("expected good backend after trip, got %v", res.Rows[0]["from"])
	}
}

func TestRouter_AllBackendsDown(t *testing.T) {
	b1 := &stubBackend{name: "b1", err: Permanent("boom")}
	router := NewRouter([]Backend{b1})

	for i := 0; i < 3; i++ {
		_, _ = router.Execute(context.Background(), "step_1", "SELECT 1")
	}

	_, err := router.Execute(context.Background(), "step_1", "SELECT 1")
	if err == nil {
		t.Fatal("expected error with all backends down")
	}
	if !IsTransient(err) {
		t.Errorf("all-backends-down error should be transient, got %v", err)
	}
}

func TestErrorClassification(t *testing.T) {
	if !IsTransient(Transient("x")) {
		t.Error("Transient not classified as transient")
	}
	if !IsTransient(Timeout("x")) {
		t.Error("Timeout not classified as transient")
	}
	if IsTransient(Permanent("x")) {
		t.Error("Permanent classified as transient")
	}
	if !IsTransient(context.DeadlineExceeded) {
		t.Error("context.DeadlineExceeded not classified as transient")
	}
}
