// Package store persists run history and export task status.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/flood-exposure/internal/engine"
)

// ErrNotFound is returned when a run or task does not exist.
var ErrNotFound = eris.New("store: not found")

// RunStatus is the outcome of a run.
type RunStatus string

// Run statuses.
const (
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// Run is one persisted analysis. AOI, Config and Result are stored as JSON
// documents so the store does not depend on the analysis types.
type Run struct {
	ID        string          `json:"id"`
	Status    RunStatus       `json:"status"`
	AOI       json.RawMessage `json:"aoi,omitempty"`
	Config    json.RawMessage `json:"config,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Task is an export task belonging to a run.
type Task struct {
	ID          string           `json:"id"`
	RunID       string           `json:"run_id"`
	Layer       string           `json:"layer"`
	State       engine.TaskState `json:"state"`
	Destination string           `json:"destination,omitempty"`
	Error       string           `json:"error,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status RunStatus `json:"status,omitempty"`
	Limit  int       `json:"limit,omitempty"`
	Offset int       `json:"offset,omitempty"`
}

// TaskFilter specifies criteria for listing tasks.
type TaskFilter struct {
	RunID string `json:"run_id,omitempty"`
	// Open limits the list to tasks that are not terminal.
	Open  bool `json:"open,omitempty"`
	Limit int  `json:"limit,omitempty"`
}

// Store defines the persistence interface for run history.
type Store interface {
	// Runs
	SaveRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]Run, error)

	// Tasks
	SaveTask(ctx context.Context, task *Task) error
	UpdateTask(ctx context.Context, id string, state engine.TaskState, errMsg string) error
	ListTasks(ctx context.Context, filter TaskFilter) ([]Task, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

const defaultListLimit = 100

func listLimit(n int) int {
	if n <= 0 {
		return defaultListLimit
	}
	return n
}

// openStates are the task states ListTasks returns for TaskFilter.Open.
var openStates = []string{string(engine.TaskPending), string(engine.TaskRunning)}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
