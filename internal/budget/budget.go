// Package budget tracks per-tenant scanned-byte usage over a rolling
// one-hour window and answers whether an estimated cost still fits.
package budget

import (
	"context"
	"time"
)

// Window is the rolling lookback for usage accounting. Every check
// re-evaluates from now-Window to now, so usage decays continuously
// instead of resetting at clock-aligned boundaries.
const Window = time.Hour

// Suggestion returned with a denied status so callers can self-remediate.
const Suggestion = "try sampling or a narrower time range"

type Status struct {
	Allowed        bool   `json:"allowed"`
	BytesUsed      int64  `json:"bytes_used"`
	BytesRemaining int64  `json:"bytes_remaining"`
	Budget         int64  `json:"budget"`
	Suggestion     string `json:"suggestion,omitempty"`
}

type Ledger interface {
	// Check reports whether estimatedBytes still fits the tenant's
	// hourly budget. It never records usage.
	Check(ctx context.Context, tenantID string, estimatedBytes int64) (*Status, error)
	// Record appends actually consumed bytes at the current time. Call
	// it only after a step is known to have executed.
	Record(ctx context.Context, tenantID string, actualBytes int64) error
}

func status(used, estimated, budget int64) *Status {
	if used+estimated > budget {
		remaining := budget - used
		if remaining < 0 {
			remaining = 0
		}
		return &Status{
			Allowed:        false,
			BytesUsed:      used,
			BytesRemaining: remaining,
			Budget:         budget,
			Suggestion:     Suggestion,
		}
	}
	// An allowed status accounts the admitted estimate as used, so
	// used+remaining always totals the budget.
	return &Status{
		Allowed:        true,
		BytesUsed:      used + estimated,
		BytesRemaining: budget - used - estimated,
		Budget:         budget,
	}
}
