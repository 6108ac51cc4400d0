package model

import "time"

// RunStatus is the lifecycle state of a whole pipeline run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the run can no longer change state.
func (s RunStatus) Terminal() bool {
	return s == RunSucceeded || s == RunFailed || s == RunCancelled
}

// TaskStatus is the lifecycle state of one task node within a run.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
	TaskSkipped   TaskStatus = "skipped"
)

// Resolved reports whether the task has reached a final state.
func (s TaskStatus) Resolved() bool {
	return s == TaskSucceeded || s == TaskFailed || s == TaskSkipped
}

// TaskState records one task's progress within a run.
type TaskState struct {
	Name       string     `json:"name"`
	Status     TaskStatus `json:"status"`
	Attempts   int        `json:"attempts"`
	Error      string     `json:"error,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// PipelineRun is one execution of the orchestrated graph.
type PipelineRun struct {
	ID         string               `json:"id"`
	Status     RunStatus            `json:"status"`
	Tasks      map[string]TaskState `json:"tasks"`
	StartedAt  time.Time            `json:"started_at"`
	FinishedAt *time.Time           `json:"finished_at,omitempty"`
}

// ErrorSummary lists per-task failures, newest attempt last.
func (r *PipelineRun) ErrorSummary() map[string]string {
	out := make(map[string]string)
	for name, task := range r.Tasks {
		if task.Status == TaskFailed && task.Error != "" {
			out[name] = task.Error
		}
	}
	return out
}
