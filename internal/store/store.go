// Package store persists PocketMesh runs: one row per flow execution,
// an append-only step log carrying the serialized shared state, the
// task→run mapping, and the latest A2A task snapshot per task.
package store

import (
	"context"
	"errors"
	"time"
)

// RunStatus mirrors the A2A task states at the run level.
type RunStatus string

const (
	RunSubmitted     RunStatus = "submitted"
	RunWorking       RunStatus = "working"
	RunInputRequired RunStatus = "input-required"
	RunCompleted     RunStatus = "completed"
	RunCanceled      RunStatus = "canceled"
	RunFailed        RunStatus = "failed"
	RunRejected      RunStatus = "rejected"
	RunAuthRequired  RunStatus = "auth-required"
	RunUnknown       RunStatus = "unknown"
)

// Terminal reports whether no further execution can happen for the run.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunCanceled, RunFailed, RunRejected:
		return true
	}
	return false
}

// Bookkeeping node names for the synthetic steps the task manager writes.
const (
	StepInit  = "A2A_INIT"
	StepFinal = "A2A_FINAL"
	StepError = "A2A_ERROR"
)

// ErrNotFound is returned when a run, step or task lookup misses.
var ErrNotFound = errors.New("not found")

// Run is the persisted record of a single flow execution.
type Run struct {
	ID        int64     `json:"id"`
	FlowName  string    `json:"flow_name"`
	Status    RunStatus `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Step is one checkpoint within a run. Step indices are dense from 0;
// Action is nil for the initial step. SharedState holds the UTF-8 JSON
// serialization of the shared map at checkpoint time.
type Step struct {
	ID          int64     `json:"id"`
	RunID       int64     `json:"run_id"`
	NodeName    string    `json:"node_name"`
	Action      *string   `json:"action"`
	StepIndex   int       `json:"step_index"`
	SharedState []byte    `json:"shared_state"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store is the persistence port. Implementations must serialize writes
// per run; DeleteRun is all-or-nothing over steps, the run row, task
// mappings and snapshots.
type Store interface {
	CreateRun(ctx context.Context, flowName string) (int64, error)
	GetRun(ctx context.Context, runID int64) (*Run, error)
	UpdateRunStatus(ctx context.Context, runID int64, status RunStatus) error
	DeleteRun(ctx context.Context, runID int64) error
	ListRuns(ctx context.Context, limit, offset int, status string) ([]*Run, int, error)
	TerminalRunsBefore(ctx context.Context, cutoff time.Time) ([]int64, error)

	AddStep(ctx context.Context, runID int64, nodeName string, action *string, stepIndex int, sharedState []byte) (int64, error)
	StepsForRun(ctx context.Context, runID int64) ([]*Step, error)
	LastStep(ctx context.Context, runID int64) (*Step, error)
	StepByIndex(ctx context.Context, runID int64, stepIndex int) (*Step, error)

	MapTask(ctx context.Context, taskID string, runID int64) error
	RunIDForTask(ctx context.Context, taskID string) (int64, error)
	DeleteTask(ctx context.Context, taskID string) error

	SaveTaskSnapshot(ctx context.Context, taskID string, snapshot []byte) error
	TaskSnapshot(ctx context.Context, taskID string) ([]byte, error)

	Close() error
}
