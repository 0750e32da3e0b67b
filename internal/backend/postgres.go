package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Postgres executes approved SELECTs against a Postgres warehouse.
// BytesScanned is a heuristic over the materialized values; Postgres
// does not expose scanned bytes per statement.
type Postgres struct {
	db DB
}

func NewPostgres(db DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) Name() string { return "postgres" }

func (p *Postgres) Execute(ctx context.Context, stepID, sql string) (*Result, error) {
	rows, err := p.db.Query(ctx, sql)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	result := &Result{Rows: []map[string]any{}}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, classify(err)
		}
		row := make(map[string]any, len(fields))
		for i, fd := range fields {
			row[fd.Name] = values[i]
			result.BytesScanned += int64(len(fmt.Sprint(values[i])))
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return result, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Timeout(err.Error())
	case pgconn.SafeToRetry(err):
		return Transient(err.Error())
	default:
		return Permanent(err.Error())
	}
}
