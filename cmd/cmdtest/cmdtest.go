// Package cmdtest provides a mock command executor for tests.
package cmdtest

import "os/exec"

// MockCmdExec implements cmd.Executor with injectable behavior.
type MockCmdExec struct {
	RunFunc    func(cmd *exec.Cmd) error
	OutputFunc func(cmd *exec.Cmd) ([]byte, error)
}

func (m MockCmdExec) Run(cmd *exec.Cmd) error {
	if m.RunFunc == nil {
		return nil
	}
	return m.RunFunc(cmd)
}

func (m MockCmdExec) Output(cmd *exec.Cmd) ([]byte, error) {
	if m.OutputFunc == nil {
		return []byte{}, nil
	}
	return m.OutputFunc(cmd)
}
