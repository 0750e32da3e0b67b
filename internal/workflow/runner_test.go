package workflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace/noop"

	"github.com/kvndo/querygate/internal/audit"
	"github.com/kvndo/querygate/internal/backend"
	"github.com/kvndo/querygate/internal/budget"
	"github.com/kvndo/querygate/internal/executor"
	"github.com/kvndo/querygate/internal/gate"
	"github.com/kvndo/querygate/internal/idempotency"
	"github.com/kvndo/querygate/internal/plan"
	"github.com/kvndo/querygate/internal/safety"
)

type memAudit struct {
	mu      sync.Mutex
	records []*audit.Record
}

func (m *memAudit) LogStep(ctx context.Context, rec *audit.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *memAudit) GetByTenant(ctx context.Context, tenantID string, from, to time.Time) ([]*audit.Record, error) {
	return nil, nil
}

func (m *memAudit) TotalBytesByTenant(ctx context.Context, tenantID string, from, to time.Time) (int64, error) {
	return 0, nil
}

func newTestRunner(mock *backend.Mock, ledger budget.Ledger) (*Runner, *memAudit) {
	engine := safety.NewEngine(safety.Config{DefaultLimit: 10000, MaxJoinDepth: 5, MaxSubqueryDepth: 3})
	g := gate.New(engine, ledger, gate.Limits{SoftMaxBytes: 10 << 30, HardMaxBytes: 100 << 30})
	e := executor.New(mock, 3, time.Second)
	auditStore := &memAudit{}
	tracer := noop.NewTracerProvider().Tracer("test")
	return NewRunner(g, e, idempotency.NewMemoryStore(), ledger, auditStore, tracer), auditStore
}

func queryPlan(sql string) *plan.Plan {
	return &plan.Plan{
		Goal:  "test",
		Steps: []plan.Step{{ID: 1, Tool: plan.ToolExecuteQuery, Inputs: map[string]any{"sql": sql}}},
	}
}

func TestRun_DeniedPlanNeverExecutes(t *testing.T) {
	mock := backend.NewMock(nil)
	runner, auditStore := newTestRunner(mock, budget.NewMemoryLedger(1<<40))

	res, err := runner.Run(context.Background(), "t1", "wf1", "req1", queryPlan("DROP TABLE users"))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Decision.Allowed {
		t.Fatal("mutating plan admitted")
	}
	if len(res.Outcomes) != 0 {
		t.Errorf("denied plan produced %d outcomes", len(res.Outcomes))
	}
	if mock.Calls("step_1") != 0 {
		t.Error("backend called for a denied plan")
	}
	if len(auditStore.records) != 0 {
		t.Error("denied plan left audit records")
	}
}

func TestRun_ExecutesAndRecords(t *testing.T) {
	mock := backend.NewMock(nil)
	ledger := budget.NewMemoryLedger(1 << 40)
	runner, auditStore := newTestRunner(mock, ledger)

	res, err := runner.Run(context.Background(), "t1", "wf1", "req1", queryPlan("SELECT day, dau FROM daily LIMIT 10"))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !res.Decision.Allowed {
		t.Fatalf("plan denied: %v", res.Decision.Reasons)
	}
	if len(res.Outcomes) != 1 || res.Outcomes[0].Status != plan.StatusSuccess {
		t.Fatalf("outcomes = %+v, want one success", res.Outcomes)
	}

	st, _ := ledger.Check(context.Background(), "t1", 0)
	if st.BytesUsed != 1024*1024 {
		t.Errorf("ledger recorded %d bytes, want %d", st.BytesUsed, 1024*1024)
	}

	if len(auditStore.records) != 1 {
		t.Fatalf("got %d audit records, want 1", len(auditStore.records))
	}
	rec := auditStore.records[0]
	if rec.BytesScanned != 1024*1024 || rec.OutputHash == "" {
		t.Errorf("audit record incomplete: %+v", rec)
	}
}

func TestRun_ReplayServedFromCache(t *testing.T) {
	mock := backend.NewMock(nil)
	runner, _ := newTestRunner(mock, budget.NewMemoryLedger(1<<40))
	ctx := context.Background()

	first, err := runner.Run(ctx, "t1", "wf1", "req1", queryPlan("SELECT day, dau FROM daily LIMIT 10"))
	if err != nil {
		t.Fatalf("first Run failed: %v", err)
	}
	second, err := runner.Run(ctx, "t1", "wf1", "req2", queryPlan("SELECT day, dau FROM daily LIMIT 10"))
	if err != nil {
		t.Fatalf("second Run failed: %v", err)
	}

	if mock.Calls("step_1") != 1 {
		t.Errorf("backend called %d times across a replay, want 1", mock.Calls("step_1"))
	}
	if len(second.Replayed) != 1 {
		t.Errorf("replayed = %v, want one step", second.Replayed)
	}
	if second.Outcomes[0].OutputHash != first.Outcomes[0].OutputHash {
		t.Error("replayed outcome differs from the original")
	}
}

func TestRun_ReplayDoesNotDoubleCharge(t *testing.T) {
	mock := backend.NewMock(nil)
	ledger := budget.NewMemoryLedger(1 << 40)
	runner, _ := newTestRunner(mock, ledger)
	ctx := context.Background()

	_, _ = runner.Run(ctx, "t1", "wf1", "req1", queryPlan("SELECT day, dau FROM daily LIMIT 10"))
	_, _ = runner.Run(ctx, "t1", "wf1", "req2", queryPlan("SELECT day, dau FROM daily LIMIT 10"))

	st, _ := ledger.Check(ctx, "t1", 0)
	if st.BytesUsed != 1024*1024 {
		t.Errorf("ledger charged %d bytes across a replay, want %d once", st.BytesUsed, 1024*1024)
	}
}

func TestRun_DistinctWorkflowsExecuteSeparately(t *testing.T) {
	mock := backend.NewMock(nil)
	runner, _ := newTestRunner(mock, budget.NewMemoryLedger(1<<40))
	ctx := context.Background()

	_, _ = runner.Run(ctx, "t1", "wf1", "req1", queryPlan("SELECT day, dau FROM daily LIMIT 10"))
	_, _ = runner.Run(ctx, "t1", "wf2", "req2", queryPlan("SELECT day, dau FROM daily LIMIT 10"))

	if mock.Calls("step_1") != 2 {
		t.Errorf("backend called %d times for distinct workflows, want 2", mock.Calls("step_1"))
	}
}

func TestRun_FailedStepNotCached(t *testing.T) {
	mock := backend.NewMock(map[string]backend.Failure{
		"step_1": {Kind: backend.KindPermanent, FailCount: 1},
	})
	runner, _ := newTestRunner(mock, budget.NewMemoryLedger(1<<40))
	ctx := context.Background()

	first, err := runner.Run(ctx, "t1", "wf1", "req1", queryPlan("SELECT day, dau FROM daily LIMIT 10"))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if first.Outcomes[0].Status != plan.StatusFailed {
		t.Fatalf("first run status = %s, want failed", first.Outcomes[0].Status)
	}

	// Failure schedule is exhausted; a rerun must hit the backend again.
	second, _ := runner.Run(ctx, "t1", "wf1", "req2", queryPlan("SELECT day, dau FROM daily LIMIT 10"))
	if second.Outcomes[0].Status != plan.StatusSuccess {
		t.Errorf("second run status = %s, want success", second.Outcomes[0].Status)
	}
	if len(second.Replayed) != 0 {
		t.Error("failed outcome was replayed from cache")
	}
}

func TestRun_EmptyResultWarning(t *testing.T) {
	mock := backend.NewMock(nil)
	runner, _ := newTestRunner(mock, budget.NewMemoryLedger(1<<40))

	// The mock returns a single health_check row; warnings only fire on
	// empty row sets, so this run should produce none.
	res, _ := runner.Run(context.Background(), "t1", "wf1", "req1", queryPlan("SELECT 1"))
	if len(res.Warnings) != 0 {
		t.Errorf("warnings = %v, want none", res.Warnings)
	}
}
