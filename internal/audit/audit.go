package audit

import (
	"context"
	"time"
)

// Record is one executed (or replayed) step, persisted for usage
// reporting and the idempotency audit trail.
type Record struct {
	ID             string
	TenantID       string
	WorkflowID     string
	RequestID      string
	StepName       string
	Status         string
	OutputHash     string
	EstimatedBytes int64
	BytesScanned   int64
	CostUSD        float64
	RetryCount     int
	Replayed       bool
	LatencyMs      int64
	CreatedAt      time.Time
}

type Store interface {
	LogStep(ctx context.Context, rec *Record) error
	GetByTenant(ctx context.Context, tenantID string, from, to time.Time) ([]*Record, error)
	TotalBytesByTenant(ctx context.Context, tenantID string, from, to time.Time) (int64, error)
}
