package workflow

import (
	"context"
	"time"
)

// RunStatus is the outcome of a whole run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCanceled  RunStatus = "canceled"
)

// NodeRecord is one attempted node execution within a run.
type NodeRecord struct {
	NodeID         string         `json:"nodeId"`
	NodeName       string         `json:"nodeName"`
	Kind           NodeKind       `json:"type"`
	State          ExecutionState `json:"executionState"`
	Result         string         `json:"result,omitempty"`
	SelectedChoice string         `json:"selectedChoice,omitempty"`
	StartedAt      time.Time      `json:"startedAt"`
	FinishedAt     time.Time      `json:"finishedAt"`
	Duration       time.Duration  `json:"duration"`
}

// RunRecord is the persisted summary of a finished run.
type RunRecord struct {
	RunID      string        `json:"runId"`
	WorkflowID string        `json:"workflowId"`
	Status     RunStatus     `json:"status"`
	StartedAt  time.Time     `json:"startedAt"`
	FinishedAt time.Time     `json:"finishedAt"`
	Duration   time.Duration `json:"duration"`
	Nodes      []NodeRecord  `json:"nodes"`
	Log        []LogEntry    `json:"log"`
	Error      string        `json:"error,omitempty"`
}

// Failed returns the number of attempted nodes that ended in error.
func (r *RunRecord) Failed() int {
	n := 0
	for _, nr := range r.Nodes {
		if nr.State == StateError {
			n++
		}
	}
	return n
}

// RunStore persists finished runs.
type RunStore interface {
	SaveRun(ctx context.Context, rec *RunRecord) error
	GetRun(ctx context.Context, runID string) (*RunRecord, error)
	// ListRuns returns the newest runs of a workflow first. An empty
	// workflowID lists every workflow.
	ListRuns(ctx context.Context, workflowID string, limit int) ([]*RunRecord, error)
}

// RunObserver receives run and node metrics.
type RunObserver interface {
	RecordRun(status string, duration time.Duration)
	RecordNode(kind, state string, duration time.Duration)
	RecordGuardRejection(scope string)
}
