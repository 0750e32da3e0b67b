package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) LogStep(ctx context.Context, rec *Record) error {
	query := `
		INSERT INTO step_audit (tenant_id, workflow_id, request_id, step_name, status, output_hash, estimated_bytes, bytes_scanned, cost_usd, retry_count, replayed, latency_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, created_at
	`
	err := s.db.QueryRow(ctx, query,
		rec.TenantID, rec.WorkflowID, rec.RequestID, rec.StepName, rec.Status,
		rec.OutputHash, rec.EstimatedBytes, rec.BytesScanned, rec.CostUSD,
		rec.RetryCount, rec.Replayed, rec.LatencyMs,
	).Scan(&rec.ID, &rec.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to log step: %w", err)
	}

	return nil
}

func (s *PostgresStore) GetByTenant(ctx context.Context, tenantID string, from, to time.Time) ([]*Record, error) {
	query := `
		SELECT id, tenant_id, workflow_id, request_id, step_name, status, output_hash, estimated_bytes, bytes_scanned, cost_usd, retry_count, replayed, latency_ms, created_at
		FROM step_audit
		WHERE tenant_id = $1 AND created_at BETWEEN $2 AND $3
		ORDER BY created_at DESC
	`
	rows, err := s.db.Query(ctx, query, tenantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query step audit: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		var r Record
		err := rows.Scan(
			&r.ID, &r.TenantID, &r.WorkflowID, &r.RequestID, &r.StepName, &r.Status,
			&r.OutputHash, &r.EstimatedBytes, &r.BytesScanned, &r.CostUSD,
			&r.RetryCount, &r.Replayed, &r.LatencyMs, &r.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step record: %w", err)
		}
		records = append(records, &r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating step audit: %w", err)
	}

	return records, nil
}

func (s *PostgresStore) TotalBytesByTenant(ctx context.Context, tenantID string, from, to time.Time) (int64, error) {
	query := `
		SELECT COALESCE(SUM(bytes_scanned), 0)
		FROM step_audit
		WHERE tenant_id = $1 AND created_at BETWEEN $2 AND $3
	`
	var total int64
	err := s.db.QueryRow(ctx, query, tenantID, from, to).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to total scanned bytes: %w", err)
	}

	return total, nil
}
