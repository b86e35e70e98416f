// Package worker manages the lifecycle of worker processes: spawning into
// tmux sessions or raw child processes, task assignment, pause/resume,
// resource polling, and teardown.
package worker

import (
	"time"

	"github.com/taskmux/taskmux/task"
)

// Status is the lifecycle state of a worker.
type Status string

const (
	StatusSpawning Status = "spawning"
	StatusRunning  Status = "running"
	StatusPaused   Status = "paused"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"
)

// Terminal reports whether s is a terminal worker status.
func (s Status) Terminal() bool {
	return s == StatusStopped || s == StatusError
}

// Resources is the polled resource usage of a worker's process tree.
type Resources struct {
	CPUPercent float64 `json:"cpu"`
	MemoryMB   float64 `json:"memory"`
}

// Snapshot is the serializable view of a worker. Internal handles (the tmux
// session or process attachment) never escape the manager.
type Snapshot struct {
	ID              string    `json:"id"`
	DescriptiveName string    `json:"descriptiveName"`
	QuickAccessKey  int       `json:"quickAccessKey,omitempty"`
	Type            task.Type `json:"type"`
	Capabilities    []string  `json:"capabilities,omitempty"`
	Status          Status    `json:"status"`

	MultiplexerSession string `json:"multiplexerSession,omitempty"`
	PID                int    `json:"pid,omitempty"`

	CurrentTask string    `json:"currentTask,omitempty"`
	Resources   Resources `json:"resources"`
	StartTime   time.Time `json:"startTime"`
	LastActive  time.Time `json:"lastActive"`
}

// Connection describes how a client can attach to a worker directly.
type Connection struct {
	Type        string `json:"type"` // "multiplexer" or "process"
	SessionName string `json:"sessionName,omitempty"`
	PID         int    `json:"pid,omitempty"`
}

// worker is the manager-internal record.
type worker struct {
	snap Snapshot
	att  attachment
	ring *OutputRing
}

// attachment abstracts the two ways a worker is hosted: a multiplexer session
// or a raw child process.
type attachment interface {
	// Kind returns "multiplexer" or "process".
	Kind() string
	// Send types input into the worker and submits it.
	Send(input string) error
	// Pause suspends execution; Resume reverses it.
	Pause() error
	Resume() error
	// Alive reports whether the underlying session or process still exists.
	Alive() bool
	// PID returns the pid to poll resources for.
	PID() (int, error)
	// Connection describes the attachment for clients.
	Connection() Connection
	// Close tears the attachment down.
	Close() error
}
