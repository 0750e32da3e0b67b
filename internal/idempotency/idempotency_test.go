package idempotency

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kvndo/querygate/internal/plan"
)

func TestKey_StableUnderKeyOrder(t *testing.T) {
	// Build the payload twice with different insertion order; the
	// canonical digest must not care.
	p1 := map[string]any{}
	p1["sql"] = "SELECT 1"
	p1["estimated_bytes"] = 2048
	p2 := map[string]any{}
	p2["estimated_bytes"] = 2048
	p2["sql"] = "SELECT 1"

	k1, err := Key("t1", "wf1", "execute_query", p1)
	if err != nil {
		t.Fatalf("Key failed: %v", err)
	}
	k2, err := Key("t1", "wf1", "execute_query", p2)
	if err != nil {
		t.Fatalf("Key failed: %v", err)
	}
	if k1 != k2 {
		t.Errorf("keys differ for identical payloads: %q vs %q", k1, k2)
	}
}

func TestKey_DistinctPerComponent(t *testing.T) {
	base := map[string]any{"sql": "SELECT 1"}
	ref, _ := Key("t1", "wf1", "execute_query", base)

	variants := []struct {
		name             string
		tenant, wf, step string
		payload          map[string]any
	}{
		{"tenant", "t2", "wf1", "execute_query", base},
		{"workflow", "t1", "wf2", "execute_query", base},
		{"step", "t1", "wf1", "other_step", base},
		{"payload", "t1", "wf1", "execute_query", map[string]any{"sql": "SELECT 2"}},
	}
	for _, v := range variants {
		k, err := Key(v.tenant, v.wf, v.step, v.payload)
		if err != nil {
			t.Fatalf("Key failed: %v", err)
		}
		if k == ref {
			t.Errorf("changing %s did not change the key", v.name)
		}
	}
}

func TestCanonicalJSON_NestedOrdering(t *testing.T) {
	a := map[string]any{"outer": map[string]any{"b": 2, "a": 1}, "list": []any{1, "x"}}
	b := map[string]any{"list": []any{1, "x"}, "outer": map[string]any{"a": 1, "b": 2}}

	ja, err := CanonicalJSON(a)
	if err != nil {
		t.Fatalf("CanonicalJSON failed: %v", err)
	}
	jb, _ := CanonicalJSON(b)
	if string(ja) != string(jb) {
		t.Errorf("canonical forms differ: %s vs %s", ja, jb)
	}
	if string(ja) != `{"list":[1,"x"],"outer":{"a":1,"b":2}}` {
		t.Errorf("unexpected canonical form: %s", ja)
	}
}

func TestMemoryStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if _, ok, _ := store.Get(ctx, "missing"); ok {
		t.Fatal("Get on empty store reported a hit")
	}

	outcome := &plan.StepOutcome{StepName: "execute_query", Status: plan.StatusSuccess, OutputHash: "abc"}
	if err := store.Put(ctx, "k1", outcome); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, ok, err := store.Get(ctx, "k1")
	if err != nil || !ok {
		t.Fatalf("Get failed: ok=%v err=%v", ok, err)
	}
	if got.OutputHash != "abc" {
		t.Errorf("got hash %q, want abc", got.OutputHash)
	}

	// Mutating the returned copy must not touch the stored value.
	got.OutputHash = "mutated"
	again, _, _ := store.Get(ctx, "k1")
	if again.OutputHash != "abc" {
		t.Error("stored outcome mutated through returned pointer")
	}
}

func TestGuard_AtMostOneConcurrentExecution(t *testing.T) {
	guard := NewGuard()
	store := NewMemoryStore()
	ctx := context.Background()

	var executions int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, _ = guard.Do(ctx, "k1", func() (*plan.StepOutcome, bool, error) {
				if out, ok, _ := store.Get(ctx, "k1"); ok {
					return out, true, nil
				}
				atomic.AddInt32(&executions, 1)
				time.Sleep(10 * time.Millisecond)
				out := &plan.StepOutcome{StepName: "execute_query", Status: plan.StatusSuccess}
				_ = store.Put(ctx, "k1", out)
				return out, false, nil
			})
		}()
	}
	wg.Wait()

	if n := atomic.LoadInt32(&executions); n != 1 {
		t.Errorf("fn executed %d times for one key, want 1", n)
	}
}

func TestGuard_IndependentKeys(t *testing.T) {
	guard := NewGuard()
	ctx := context.Background()

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _, _ = guard.Do(ctx, "slow", func() (*plan.StepOutcome, bool, error) {
			close(started)
			<-release
			return nil, false, nil
		})
	}()

	<-started
	done := make(chan struct{})
	go func() {
		_, _, _ = guard.Do(ctx, "fast", func() (*plan.StepOutcome, bool, error) {
			return nil, false, nil
		})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("independent key blocked behind an unrelated in-flight key")
	}
	close(release)
}

func TestGuard_ContextCancelledWhileWaiting(t *testing.T) {
	guard := NewGuard()

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _, _ = guard.Do(context.Background(), "k1", func() (*plan.StepOutcome, bool, error) {
			close(started)
			<-release
			return nil, false, nil
		})
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := guard.Do(ctx, "k1", func() (*plan.StepOutcome, bool, error) {
		return nil, false, nil
	})
	if err == nil {
		t.Fatal("expected context error while waiting on in-flight key")
	}
	close(release)
}
