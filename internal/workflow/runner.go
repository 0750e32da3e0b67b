// Package workflow drives one plan through admission, idempotent step
// execution and usage recording.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kvndo/querygate/internal/audit"
	"github.com/kvndo/querygate/internal/budget"
	"github.com/kvndo/querygate/internal/executor"
	"github.com/kvndo/querygate/internal/gate"
	"github.com/kvndo/querygate/internal/idempotency"
	"github.com/kvndo/querygate/internal/plan"
)

type Runner struct {
	gate     *gate.Gate
	executor *executor.Executor
	store    idempotency.Store
	guard    *idempotency.Guard
	ledger   budget.Ledger
	audit    audit.Store // nil disables the audit trail
	tracer   trace.Tracer
}

func NewRunner(g *gate.Gate, e *executor.Executor, store idempotency.Store, ledger budget.Ledger, auditStore audit.Store, tracer trace.Tracer) *Runner {
	return &Runner{
		gate:     g,
		executor: e,
		store:    store,
		guard:    idempotency.NewGuard(),
		ledger:   ledger,
		audit:    auditStore,
		tracer:   tracer,
	}
}

// RunResult is what one workflow run hands back to the caller: the gate
// decision, the outcomes of whatever executed, advisory warnings, and
// the names of steps served from the idempotency cache.
type RunResult struct {
	WorkflowID string             `json:"workflow_id"`
	Decision   gate.Decision      `json:"decision"`
	Outcomes   []plan.StepOutcome `json:"outcomes,omitempty"`
	Warnings   []string           `json:"warnings,omitempty"`
	Replayed   []string           `json:"replayed,omitempty"`
}

// Run gates the plan and, if admitted, executes its steps in order with
// idempotent replay protection. A denied plan returns the decision
// without touching the backend. Execution halts at the first failed
// step; remaining steps are reported as skipped.
func (r *Runner) Run(ctx context.Context, tenantID, workflowID, requestID string, p *plan.Plan) (*RunResult, error) {
	ctx, span := r.tracer.Start(ctx, "workflow.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("workflow_id", workflowID),
	)

	allowed, _, p, decision := r.gate.PreExecute(ctx, tenantID, p)
	result := &RunResult{WorkflowID: workflowID, Decision: decision}
	if !allowed {
		return result, nil
	}

	for i := range p.Steps {
		step := &p.Steps[i]
		stepName := fmt.Sprintf("%s_%d", step.Tool, step.ID)

		key, err := idempotency.Key(tenantID, workflowID, stepName, step.Inputs)
		if err != nil {
			return nil, fmt.Errorf("failed to key step %s: %w", stepName, err)
		}

		outcome, replayed, err := r.runStep(ctx, key, step)
		if err != nil {
			return nil, err
		}

		result.Outcomes = append(result.Outcomes, *outcome)
		if replayed {
			result.Replayed = append(result.Replayed, stepName)
		}

		if outcome.Status == plan.StatusSuccess {
			if !replayed {
				r.settle(ctx, tenantID, workflowID, requestID, step, outcome, replayed)
			}
			result.Warnings = append(result.Warnings, r.gate.PostExecute(outcome.Output)...)
			continue
		}

		// First failed step halts the plan.
		for _, rest := range p.Steps[i+1:] {
			result.Outcomes = append(result.Outcomes, plan.StepOutcome{
				StepName: string(rest.Tool),
				Status:   plan.StatusSkipped,
				Output:   map[string]any{},
			})
		}
		break
	}

	return result, nil
}

func (r *Runner) runStep(ctx context.Context, key string, step *plan.Step) (*plan.StepOutcome, bool, error) {
	if outcome, ok, err := r.store.Get(ctx, key); err != nil {
		return nil, false, fmt.Errorf("idempotency lookup failed: %w", err)
	} else if ok {
		return outcome, true, nil
	}

	return r.guard.Do(ctx, key, func() (*plan.StepOutcome, bool, error) {
		// A concurrent request may have won the key while we waited.
		if outcome, ok, err := r.store.Get(ctx, key); err != nil {
			return nil, false, fmt.Errorf("idempotency lookup failed: %w", err)
		} else if ok {
			return outcome, true, nil
		}

		outcome := r.executor.RunStep(ctx, step)
		if outcome.Status == plan.StatusSuccess {
			if err := r.store.Put(ctx, key, &outcome); err != nil {
				log.Printf("workflow: failed to cache outcome for %s: %v", outcome.StepName, err)
			}
		}
		return &outcome, false, nil
	})
}

// settle records actual usage and writes the audit trail for a freshly
// executed step. Both are best effort relative to the returned outcome.
func (r *Runner) settle(ctx context.Context, tenantID, workflowID, requestID string, step *plan.Step, outcome *plan.StepOutcome, replayed bool) {
	bytesScanned := scannedBytes(outcome.Output)
	if bytesScanned > 0 {
		if err := r.ledger.Record(ctx, tenantID, bytesScanned); err != nil {
			log.Printf("workflow: failed to record usage for tenant %s: %v", tenantID, err)
		}
	}

	if r.audit == nil {
		return
	}
	estimated, _ := step.Inputs["estimated_bytes"].(int64)
	rec := &audit.Record{
		TenantID:       tenantID,
		WorkflowID:     workflowID,
		RequestID:      requestID,
		StepName:       outcome.StepName,
		Status:         string(outcome.Status),
		OutputHash:     outcome.OutputHash,
		EstimatedBytes: estimated,
		BytesScanned:   bytesScanned,
		CostUSD:        gate.EstimateCostUSD(bytesScanned),
		RetryCount:     outcome.RetryCount,
		Replayed:       replayed,
		LatencyMs:      outcome.FinishedAt.Sub(outcome.StartedAt).Milliseconds(),
	}
	if err := r.audit.LogStep(ctx, rec); err != nil {
		log.Printf("workflow: failed to audit step %s: %v", outcome.StepName, err)
	}
}

// scannedBytes digs the backend-reported byte count out of a step
// output, tolerating the numeric widenings a JSON round trip introduces.
func scannedBytes(output map[string]any) int64 {
	switch v := output["bytes_scanned"].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	default:
		return 0
	}
}
