// Package executor runs validated plans step by step against a query
// backend, retrying transient failures up to a bound.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/kvndo/querygate/internal/backend"
	"github.com/kvndo/querygate/internal/idempotency"
	"github.com/kvndo/querygate/internal/plan"
)

type Executor struct {
	backend    backend.Backend
	maxRetries int
	timeout    time.Duration
	now        func() time.Time
}

func New(b backend.Backend, maxRetries int, perCallTimeout time.Duration) *Executor {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if perCallTimeout <= 0 {
		perCallTimeout = 30 * time.Second
	}
	return &Executor{
		backend:    b,
		maxRetries: maxRetries,
		timeout:    perCallTimeout,
		now:        time.Now,
	}
}

// Run executes the plan strictly in order. Execution halts at the first
// failed step; the remaining steps are reported as skipped.
func (e *Executor) Run(ctx context.Context, p *plan.Plan) []plan.StepOutcome {
	outcomes := make([]plan.StepOutcome, 0, len(p.Steps))
	for i := range p.Steps {
		outcome := e.RunStep(ctx, &p.Steps[i])
		outcomes = append(outcomes, outcome)
		if outcome.Status == plan.StatusFailed {
			for _, rest := range p.Steps[i+1:] {
				outcomes = append(outcomes, plan.StepOutcome{
					StepName: string(rest.Tool),
					Status:   plan.StatusSkipped,
					Output:   map[string]any{},
				})
			}
			break
		}
	}
	return outcomes
}

// RunStep executes one step. Retry control flow is an explicit loop over
// an attempt counter so the bound and the transient/permanent split stay
// visible: transient failures (including per-call timeouts) retry up to
// maxRetries, anything else fails the step immediately.
func (e *Executor) RunStep(ctx context.Context, step *plan.Step) plan.StepOutcome {
	outcome := plan.StepOutcome{
		StepName:  string(step.Tool),
		Output:    map[string]any{},
		StartedAt: e.now(),
	}

	switch step.Tool {
	case plan.ToolExecuteQuery:
		e.runQuery(ctx, step, &outcome)
	default:
		outcome.Status = plan.StatusFailed
		outcome.Error = fmt.Sprintf("unknown tool %q", step.Tool)
	}

	outcome.FinishedAt = e.now()

	// The hashed payload carries no timestamps or random identifiers,
	// so identical inputs yield identical digests across runs.
	hash, err := idempotency.Digest(outcome.Output)
	if err == nil {
		outcome.OutputHash = hash
	}
	return outcome
}

func (e *Executor) runQuery(ctx context.Context, step *plan.Step, outcome *plan.StepOutcome) {
	sqlText, ok := step.Inputs["sql"].(string)
	if !ok || sqlText == "" {
		outcome.Status = plan.StatusFailed
		outcome.Error = "step is missing a sql input"
		return
	}

	stepID := fmt.Sprintf("step_%d", step.ID)
	retries := 0
	var result *backend.Result
	var lastErr error

	for {
		callCtx, cancel := context.WithTimeout(ctx, e.timeout)
		result, lastErr = e.backend.Execute(callCtx, stepID, sqlText)
		cancel()

		if lastErr == nil {
			break
		}
		if backend.IsTransient(lastErr) && retries < e.maxRetries {
			retries++
			continue
		}
		break
	}
	outcome.RetryCount = retries

	if lastErr != nil {
		outcome.Status = plan.StatusFailed
		outcome.Error = lastErr.Error()
		return
	}

	outcome.Status = plan.StatusSuccess
	outcome.Output = map[string]any{
		"rows":          result.Rows,
		"bytes_scanned": result.BytesScanned,
	}
}
