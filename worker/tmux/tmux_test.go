package tmux

import (
	"fmt"
	"os/exec"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	cmd2 "github.com/taskmux/taskmux/cmd"
	"github.com/taskmux/taskmux/cmd/cmdtest"
)

func TestToSessionName(t *testing.T) {
	require.Equal(t, SessionPrefix+"asdf", ToSessionName("asdf"))
	require.Equal(t, SessionPrefix+"a-sd-f-_-_-asdf", ToSessionName("a sd f . . asdf"))
}

func TestStartSession(t *testing.T) {
	var ran []string
	created := false
	cmdExec := cmdtest.MockCmdExec{
		RunFunc: func(c *exec.Cmd) error {
			ran = append(ran, cmd2.ToString(c))
			if strings.Contains(c.String(), "has-session") && !created {
				created = true
				return fmt.Errorf("no such session")
			}
			return nil
		},
	}

	workdir := t.TempDir()
	s := NewSession("test-session", "claude", cmdExec)
	require.NoError(t, s.Start(workdir))

	require.Equal(t, fmt.Sprintf("tmux new-session -d -s taskmux_test-session -c %s claude", workdir), ran[1])
	require.Contains(t, ran[len(ran)-1], "history-limit")
}

func TestStartSessionAlreadyExists(t *testing.T) {
	cmdExec := cmdtest.MockCmdExec{
		RunFunc: func(c *exec.Cmd) error {
			return nil // has-session always succeeds
		},
	}
	s := NewSession("dup", "claude", cmdExec)
	err := s.Start(t.TempDir())
	require.Error(t, err)
	require.Contains(t, err.Error(), "already exists")
}

func TestSendCommandTypesAndSubmits(t *testing.T) {
	var ran []string
	cmdExec := cmdtest.MockCmdExec{
		RunFunc: func(c *exec.Cmd) error {
			ran = append(ran, cmd2.ToString(c))
			return nil
		},
	}
	s := NewSession("w", "claude", cmdExec)
	require.NoError(t, s.SendCommand("echo hello"))
	require.Equal(t, "tmux send-keys -t taskmux_w echo hello Enter", ran[0])
}

func TestSuspendAndForeground(t *testing.T) {
	var ran []string
	cmdExec := cmdtest.MockCmdExec{
		RunFunc: func(c *exec.Cmd) error {
			ran = append(ran, cmd2.ToString(c))
			return nil
		},
	}
	s := NewSession("w", "claude", cmdExec)
	require.NoError(t, s.Suspend())
	require.NoError(t, s.Foreground())
	require.Equal(t, "tmux send-keys -t taskmux_w C-z", ran[0])
	require.Equal(t, "tmux send-keys -t taskmux_w fg Enter", ran[1])
}

func TestNewOutputLines(t *testing.T) {
	content := "line one\n"
	cmdExec := cmdtest.MockCmdExec{
		OutputFunc: func(c *exec.Cmd) ([]byte, error) {
			return []byte(content), nil
		},
	}
	s := NewSession("w", "claude", cmdExec)

	lines, err := s.NewOutputLines()
	require.NoError(t, err)
	require.Equal(t, []string{"line one"}, lines)

	// No change: nothing new.
	lines, err = s.NewOutputLines()
	require.NoError(t, err)
	require.Empty(t, lines)

	content = "line one\nline two\nline three\n"
	lines, err = s.NewOutputLines()
	require.NoError(t, err)
	require.Equal(t, []string{"line two", "line three"}, lines)
}

func TestNewOutputLinesScrolledPane(t *testing.T) {
	content := "line 1\nline 2\nline 3\n"
	cmdExec := cmdtest.MockCmdExec{
		OutputFunc: func(c *exec.Cmd) ([]byte, error) {
			return []byte(content), nil
		},
	}
	s := NewSession("w", "claude", cmdExec)

	lines, err := s.NewOutputLines()
	require.NoError(t, err)
	require.Equal(t, []string{"line 1", "line 2", "line 3"}, lines)

	// The pane filled and scrolled: line 1 fell off the top, line 4 appeared.
	content = "line 2\nline 3\nline 4\n"
	lines, err = s.NewOutputLines()
	require.NoError(t, err)
	require.Equal(t, []string{"line 4"}, lines)

	// Everything visible replaced: no overlap means it is all new.
	content = "line 9\nline 10\n"
	lines, err = s.NewOutputLines()
	require.NoError(t, err)
	require.Equal(t, []string{"line 9", "line 10"}, lines)

	// Scrolled again with no fresh line below the overlap.
	content = "line 10\n"
	lines, err = s.NewOutputLines()
	require.NoError(t, err)
	require.Empty(t, lines)
}

func TestPanePID(t *testing.T) {
	cmdExec := cmdtest.MockCmdExec{
		OutputFunc: func(c *exec.Cmd) ([]byte, error) {
			require.Contains(t, cmd2.ToString(c), "display-message")
			return []byte("12345\n"), nil
		},
	}
	s := NewSession("w", "claude", cmdExec)
	pid, err := s.PanePID()
	require.NoError(t, err)
	require.Equal(t, 12345, pid)
}

func TestCleanupSessionsOnlyTouchesOwnPrefix(t *testing.T) {
	var killed []string
	cmdExec := cmdtest.MockCmdExec{
		RunFunc: func(c *exec.Cmd) error {
			killed = append(killed, cmd2.ToString(c))
			return nil
		},
		OutputFunc: func(c *exec.Cmd) ([]byte, error) {
			return []byte("taskmux_one: 1 windows\nother_session: 2 windows\ntaskmux_two: 1 windows\n"), nil
		},
	}
	require.NoError(t, CleanupSessions(cmdExec))
	require.Len(t, killed, 2)
	require.Contains(t, killed[0], "taskmux_one")
	require.Contains(t, killed[1], "taskmux_two")
}
