package worker

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"github.com/taskmux/taskmux/log"
	"github.com/taskmux/taskmux/worker/tmux"
)

// tmuxAttachment hosts a worker inside a terminal-multiplexer session.
type tmuxAttachment struct {
	sess *tmux.Session
}

func (a *tmuxAttachment) Kind() string { return "multiplexer" }

func (a *tmuxAttachment) Send(input string) error {
	return a.sess.SendCommand(input)
}

func (a *tmuxAttachment) Pause() error {
	return a.sess.Suspend()
}

func (a *tmuxAttachment) Resume() error {
	return a.sess.Foreground()
}

func (a *tmuxAttachment) Alive() bool {
	return a.sess.DoesSessionExist()
}

func (a *tmuxAttachment) PID() (int, error) {
	return a.sess.PanePID()
}

func (a *tmuxAttachment) Connection() Connection {
	return Connection{Type: "multiplexer", SessionName: a.sess.Name()}
}

func (a *tmuxAttachment) Close() error {
	return a.sess.Kill()
}

// NewOutputLines exposes the pane sweep for the manager's output loop.
func (a *tmuxAttachment) NewOutputLines() ([]string, error) {
	return a.sess.NewOutputLines()
}

// outputSource is implemented by attachments whose output must be polled.
// Process attachments push lines asynchronously instead.
type outputSource interface {
	NewOutputLines() ([]string, error)
}

// processAttachment hosts a worker as a detached child process on a PTY.
type processAttachment struct {
	cmd  *exec.Cmd
	ptmx *os.File

	mu     sync.Mutex
	exited bool
	done   chan struct{}
}

// startProcess launches the program under a PTY and streams its output lines
// to onLine until the process exits.
func startProcess(program, workDir string, onLine func(string)) (*processAttachment, error) {
	c := exec.Command("sh", "-c", program)
	c.Dir = workDir

	ptmx, err := pty.Start(c)
	if err != nil {
		return nil, fmt.Errorf("failed to start worker process: %w", err)
	}

	a := &processAttachment{
		cmd:  c,
		ptmx: ptmx,
		done: make(chan struct{}),
	}

	go func() {
		scanner := bufio.NewScanner(ptmx)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			if onLine != nil {
				onLine(scanner.Text())
			}
		}
	}()

	go func() {
		err := c.Wait()
		a.mu.Lock()
		a.exited = true
		a.mu.Unlock()
		close(a.done)
		if err != nil {
			log.DebugLog.Printf("worker process pid=%d exited: %v", c.Process.Pid, err)
		}
	}()

	return a, nil
}

func (a *processAttachment) Kind() string { return "process" }

func (a *processAttachment) Send(input string) error {
	if _, err := a.ptmx.Write([]byte(input + "\n")); err != nil {
		return fmt.Errorf("error writing to worker stdin: %w", err)
	}
	return nil
}

func (a *processAttachment) Pause() error {
	if err := unix.Kill(a.cmd.Process.Pid, unix.SIGSTOP); err != nil {
		return fmt.Errorf("error stopping worker process: %w", err)
	}
	return nil
}

func (a *processAttachment) Resume() error {
	if err := unix.Kill(a.cmd.Process.Pid, unix.SIGCONT); err != nil {
		return fmt.Errorf("error continuing worker process: %w", err)
	}
	return nil
}

func (a *processAttachment) Alive() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.exited
}

// Done is closed when the process exits.
func (a *processAttachment) Done() <-chan struct{} {
	return a.done
}

func (a *processAttachment) PID() (int, error) {
	if a.cmd.Process == nil {
		return 0, fmt.Errorf("worker process not started")
	}
	return a.cmd.Process.Pid, nil
}

func (a *processAttachment) Connection() Connection {
	pid := 0
	if a.cmd.Process != nil {
		pid = a.cmd.Process.Pid
	}
	return Connection{Type: "process", PID: pid}
}

func (a *processAttachment) Close() error {
	if a.Alive() && a.cmd.Process != nil {
		_ = a.cmd.Process.Kill()
	}
	if err := a.ptmx.Close(); err != nil {
		return fmt.Errorf("error closing worker PTY: %w", err)
	}
	return nil
}
