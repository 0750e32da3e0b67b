// Package gate composes SQL safety analysis with budget accounting into
// a single admission decision for a plan. Denials carry next-action
// guidance so callers can self-remediate instead of guessing.
package gate

import (
	"context"
	"math"

	"github.com/kvndo/querygate/internal/budget"
	"github.com/kvndo/querygate/internal/plan"
	"github.com/kvndo/querygate/internal/safety"
)

type NextAction string

const (
	ActionNone               NextAction = "none"
	ActionReviseQuery        NextAction = "revise_query"
	ActionNarrowScope        NextAction = "narrow_scope"
	ActionPreviewThenApprove NextAction = "preview_then_approve"
	ActionWaitOrReduceCost   NextAction = "wait_or_reduce_cost"
)

type Decision struct {
	Allowed          bool       `json:"allowed"`
	Reasons          []string   `json:"reasons"`
	ApprovalRequired bool       `json:"approval_required"`
	NextAction       NextAction `json:"next_action"`
	EstimatedBytes   int64      `json:"estimated_bytes"`
	EstimatedCostUSD float64    `json:"estimated_cost_usd"`
}

// Limits are the static per-query byte caps. A query above SoftMaxBytes
// needs approval; above HardMaxBytes it is rejected outright.
type Limits struct {
	SoftMaxBytes int64
	HardMaxBytes int64
}

type Gate struct {
	safety *safety.Engine
	ledger budget.Ledger
	limits Limits
}

func New(engine *safety.Engine, ledger budget.Ledger, limits Limits) *Gate {
	return &Gate{safety: engine, ledger: ledger, limits: limits}
}

// PreExecute validates every query-bearing step in order. The first
// blocking step halts evaluation; the gate never partially approves a
// plan. Safety rewrites and byte estimates are written back into the
// step inputs so the executor and audit trail see what was approved.
func (g *Gate) PreExecute(ctx context.Context, tenantID string, p *plan.Plan) (bool, []string, *plan.Plan, Decision) {
	decision := Decision{NextAction: ActionNone}

	for i := range p.Steps {
		step := &p.Steps[i]
		if step.Tool != plan.ToolExecuteQuery {
			continue
		}

		sqlText, ok := step.Inputs["sql"].(string)
		if !ok || sqlText == "" {
			decision.Reasons = append(decision.Reasons, "query step is missing a sql input")
			decision.NextAction = ActionReviseQuery
			return false, decision.Reasons, p, decision
		}

		verdict := g.safety.Evaluate(sqlText)
		if !verdict.Allowed {
			decision.Reasons = append(decision.Reasons, verdict.Reasons...)
			decision.NextAction = ActionReviseQuery
			return false, decision.Reasons, p, decision
		}
		if verdict.RewrittenSQL != "" {
			step.Inputs["sql"] = verdict.RewrittenSQL
			sqlText = verdict.RewrittenSQL
		}

		est := EstimateBytes(sqlText, g.limits.HardMaxBytes)
		decision.EstimatedBytes = est
		decision.EstimatedCostUSD = EstimateCostUSD(est)

		if est > g.limits.HardMaxBytes {
			decision.Reasons = append(decision.Reasons, "query exceeds the hard per-query byte cap")
			decision.NextAction = ActionNarrowScope
			return false, decision.Reasons, p, decision
		}
		if est > g.limits.SoftMaxBytes {
			decision.Reasons = append(decision.Reasons, "query exceeds the per-query byte cap and requires approval")
			decision.ApprovalRequired = true
			decision.NextAction = ActionPreviewThenApprove
			return false, decision.Reasons, p, decision
		}

		status, err := g.ledger.Check(ctx, tenantID, est)
		if err != nil {
			// Fail closed: an unreachable ledger does not grant budget.
			decision.Reasons = append(decision.Reasons, "budget check unavailable")
			decision.NextAction = ActionWaitOrReduceCost
			return false, decision.Reasons, p, decision
		}
		if !status.Allowed {
			decision.Reasons = append(decision.Reasons, "hourly byte budget exceeded")
			if status.Suggestion != "" {
				decision.Reasons = append(decision.Reasons, status.Suggestion)
			}
			decision.NextAction = ActionWaitOrReduceCost
			return false, decision.Reasons, p, decision
		}

		step.Inputs["estimated_bytes"] = est
	}

	decision.Allowed = true
	return true, nil, p, decision
}

// PostExecute inspects executed output for soft-signal anomalies. It is
// advisory only and never blocks.
func (g *Gate) PostExecute(output map[string]any) []string {
	var warnings []string
	if rows, ok := output["rows"].([]map[string]any); ok && len(rows) == 0 {
		warnings = append(warnings, "no data returned")
	}
	if rows, ok := output["rows"].([]any); ok && len(rows) == 0 {
		warnings = append(warnings, "no data returned")
	}
	return warnings
}

// EstimateBytes is a deliberately crude admission-gating proxy: a
// monotonic function of statement length, saturating just above the
// hard cap so pathological inputs always land in narrow-scope territory.
func EstimateBytes(sqlText string, hardCap int64) int64 {
	est := int64(len(sqlText)) * 2048
	if est > hardCap+1 || est < 0 {
		est = hardCap + 1
	}
	return est
}

// EstimateCostUSD converts a byte estimate to dollars at a flat rate of
// $5 per TiB, rounded to 4 decimals.
func EstimateCostUSD(estimatedBytes int64) float64 {
	cost := float64(estimatedBytes) / float64(int64(1)<<40) * 5.0
	return math.Round(cost*10000) / 10000
}
