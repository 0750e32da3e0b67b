package plan

import "time"

// Tool identifies what a step does. The set is closed: the executor
// switches over it and fails on anything it does not know.
type Tool string

const (
	// ToolExecuteQuery runs a single SQL statement against the query backend.
	ToolExecuteQuery Tool = "execute_query"
)

type Step struct {
	ID        int            `json:"id"`
	Tool      Tool           `json:"tool"`
	Inputs    map[string]any `json:"inputs"`
	RiskFlags []string       `json:"risk_flags,omitempty"`
}

// Plan is an ordered sequence of steps produced by the planner for one
// user request. Steps execute strictly in order.
type Plan struct {
	Goal              string   `json:"goal"`
	Steps             []Step   `json:"steps"`
	RequiredApprovals []string `json:"required_approvals,omitempty"`
}

type StepStatus string

const (
	StatusSuccess StepStatus = "success"
	StatusFailed  StepStatus = "failed"
	StatusSkipped StepStatus = "skipped"
)

// StepOutcome is the executor's record of one finished step. It is
// mutated only while the executor owns it and is immutable once returned.
type StepOutcome struct {
	StepName   string         `json:"step_name"`
	Status     StepStatus     `json:"status"`
	Output     map[string]any `json:"output"`
	OutputHash string         `json:"output_hash"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	RetryCount int            `json:"retry_count"`
	Error      string         `json:"error,omitempty"`
}
