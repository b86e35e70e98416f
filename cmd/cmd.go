// Package cmd provides an abstraction layer for executing external commands.
//
// It defines the Executor interface which wraps os/exec functionality, enabling
// easier testing and mocking of command execution throughout the application.
package cmd

import (
	"os/exec"
	"strings"
)

// Executor runs external commands. Production code uses MakeExecutor; tests
// substitute a mock.
type Executor interface {
	// Run runs the command and waits for it to exit.
	Run(cmd *exec.Cmd) error
	// Output runs the command and returns its stdout.
	Output(cmd *exec.Cmd) ([]byte, error)
}

type execExecutor struct{}

func (execExecutor) Run(cmd *exec.Cmd) error {
	return cmd.Run()
}

func (execExecutor) Output(cmd *exec.Cmd) ([]byte, error) {
	return cmd.Output()
}

// MakeExecutor returns an Executor backed by os/exec.
func MakeExecutor() Executor {
	return execExecutor{}
}

// ToString renders a command as a space-joined string for assertions and logs.
func ToString(cmd *exec.Cmd) string {
	return strings.Join(cmd.Args, " ")
}
