// Package events defines the closed set of orchestrator events and the
// fan-out bus that delivers them to subscribers.
package events

import (
	"time"

	"github.com/taskmux/taskmux/task"
	"github.com/taskmux/taskmux/worker"
)

// Event is the closed sum of everything the orchestrator broadcasts. The RPC
// hub translates each variant into a wire notification named by Method.
type Event interface {
	Method() string
	isEvent()
}

// InitialState is sent to a client right after it connects.
type InitialState struct {
	SessionID string            `json:"sessionId"`
	Tasks     []task.Task       `json:"tasks"`
	Workers   []worker.Snapshot `json:"workers"`
}

func (InitialState) Method() string { return "initialState" }
func (InitialState) isEvent()       {}

// TaskUpdate reports any task mutation other than terminal transitions.
type TaskUpdate struct {
	Task task.Task `json:"task"`
}

func (TaskUpdate) Method() string { return "task.update" }
func (TaskUpdate) isEvent()       {}

// TaskCompleted reports a task reaching completed.
type TaskCompleted struct {
	Task task.Task `json:"task"`
}

func (TaskCompleted) Method() string { return "task.completed" }
func (TaskCompleted) isEvent()       {}

// TaskFailed reports a task reaching failed, with the failure reason.
type TaskFailed struct {
	Task   task.Task `json:"task"`
	Reason string    `json:"reason,omitempty"`
}

func (TaskFailed) Method() string { return "task.failed" }
func (TaskFailed) isEvent()       {}

// WorkerUpdate reports a worker snapshot change.
type WorkerUpdate struct {
	Worker worker.Snapshot `json:"worker"`
}

func (WorkerUpdate) Method() string { return "worker.update" }
func (WorkerUpdate) isEvent()       {}

// WorkerOutput carries one captured output line.
type WorkerOutput struct {
	WorkerID   string `json:"workerId"`
	WorkerName string `json:"workerName"`
	Line       string `json:"line"`
}

func (WorkerOutput) Method() string { return "worker.output" }
func (WorkerOutput) isEvent()       {}

// StateSaved reports a successful snapshot write.
type StateSaved struct {
	Path string    `json:"path"`
	At   time.Time `json:"at"`
}

func (StateSaved) Method() string { return "state.saved" }
func (StateSaved) isEvent()       {}

// SaveError reports a failed snapshot write. The write is retried on the
// next autosave; callers are never aborted by it.
type SaveError struct {
	Error string    `json:"error"`
	At    time.Time `json:"at"`
}

func (SaveError) Method() string { return "state.saveError" }
func (SaveError) isEvent()       {}
