// Package task defines the task model and the dependency graph that decides
// which tasks are safe to dispatch.
package task

import (
	"time"

	"github.com/google/uuid"
)

// Type classifies a task by the kind of worker that can service it.
type Type string

const (
	TypeResearch Type = "research"
	TypeCode     Type = "code"
	TypeTest     Type = "test"
	TypeAnalysis Type = "analysis"
	TypeSwarm    Type = "swarm"
	TypeHiveMind Type = "hive-mind"
)

// ValidType reports whether t is a known task type.
func ValidType(t Type) bool {
	switch t {
	case TypeResearch, TypeCode, TypeTest, TypeAnalysis, TypeSwarm, TypeHiveMind:
		return true
	}
	return false
}

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusBlocked   Status = "blocked"
)

// Terminal reports whether s is a terminal status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Parameters carries the structured inputs of a task. Explicit resource claims
// listed here are merged with claims extracted from the description.
type Parameters struct {
	Files    []string          `json:"files,omitempty"`
	Ports    []int             `json:"ports,omitempty"`
	Services []string          `json:"services,omitempty"`
	Extra    map[string]string `json:"extra,omitempty"`
}

// Task is a unit of externally-defined work.
type Task struct {
	ID          string     `json:"id"`
	Type        Type       `json:"type"`
	Description string     `json:"description"`
	Parameters  Parameters `json:"parameters"`

	Priority     int        `json:"priority"`
	Deadline     *time.Time `json:"deadline,omitempty"`
	Dependencies []string   `json:"dependencies,omitempty"`

	Status             Status `json:"status"`
	AssignedWorker     string `json:"assignedWorker,omitempty"`
	AssignedWorkerName string `json:"assignedWorkerName,omitempty"`
	RenderedCommand    string `json:"renderedCommand,omitempty"`
	Error              string `json:"error,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// New creates a pending task with a generated id.
func New(typ Type, description string) *Task {
	now := time.Now()
	return &Task{
		ID:          uuid.NewString(),
		Type:        typ,
		Description: description,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// clone returns a deep copy so graph internals never escape.
func (t *Task) clone() Task {
	c := *t
	c.Dependencies = append([]string(nil), t.Dependencies...)
	c.Parameters.Files = append([]string(nil), t.Parameters.Files...)
	c.Parameters.Ports = append([]int(nil), t.Parameters.Ports...)
	c.Parameters.Services = append([]string(nil), t.Parameters.Services...)
	if t.Parameters.Extra != nil {
		c.Parameters.Extra = make(map[string]string, len(t.Parameters.Extra))
		for k, v := range t.Parameters.Extra {
			c.Parameters.Extra[k] = v
		}
	}
	if t.Deadline != nil {
		d := *t.Deadline
		c.Deadline = &d
	}
	return c
}
