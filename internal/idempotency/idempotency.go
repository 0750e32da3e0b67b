// Package idempotency provides content-addressed caching of step
// outcomes so replaying a workflow step with identical inputs returns
// the recorded outcome instead of re-running a side-effecting operation.
package idempotency

import (
	"context"
	"fmt"

	"github.com/kvndo/querygate/internal/plan"
)

// Key derives the cache key for one step execution. The payload is
// digested in canonical form, so key order inside it does not matter.
// Equal keys imply an identical logical request, which makes cached
// replay safe.
func Key(tenantID, workflowID, stepName string, payload map[string]any) (string, error) {
	payloadHash, err := Digest(payload)
	if err != nil {
		return "", fmt.Errorf("failed to digest step payload: %w", err)
	}
	return fmt.Sprintf("%s:%s:%s:%s", tenantID, workflowID, stepName, payloadHash), nil
}

type Store interface {
	Get(ctx context.Context, key string) (*plan.StepOutcome, bool, error)
	Put(ctx context.Context, key string, outcome *plan.StepOutcome) error
}
