// Package tmux manages the terminal-multiplexer sessions that host workers.
package tmux

import (
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/taskmux/taskmux/cmd"
	"github.com/taskmux/taskmux/log"
)

// SessionPrefix namespaces every session this program creates, so cleanup can
// find them without touching the user's own sessions.
const SessionPrefix = "taskmux_"

var whiteSpaceRegex = regexp.MustCompile(`\s+`)

// ToSessionName sanitizes a worker name into a tmux session name.
func ToSessionName(name string) string {
	name = whiteSpaceRegex.ReplaceAllString(name, "-")
	name = strings.ReplaceAll(name, ".", "_") // tmux replaces all . with _
	return SessionPrefix + name
}

// IsAvailable probes for a usable tmux binary.
func IsAvailable(cmdExec cmd.Executor) bool {
	return cmdExec.Run(exec.Command("tmux", "-V")) == nil
}

// Session represents one managed tmux session.
type Session struct {
	sanitizedName string
	program       string
	cmdExec       cmd.Executor

	// prevContent is the last captured pane content, used to emit only new
	// output lines between sweeps.
	prevContent string
}

// NewSession creates a session handle. The tmux session itself is created by
// Start.
func NewSession(name, program string, cmdExec cmd.Executor) *Session {
	return &Session{
		sanitizedName: ToSessionName(name),
		program:       program,
		cmdExec:       cmdExec,
	}
}

// Name returns the sanitized tmux session name.
func (s *Session) Name() string {
	return s.sanitizedName
}

// Start creates a new detached tmux session running the worker program in
// workDir. It polls for session existence with exponential backoff, since
// tmux reports creation asynchronously.
func (s *Session) Start(workDir string) error {
	if s.DoesSessionExist() {
		return fmt.Errorf("tmux session already exists: %s", s.sanitizedName)
	}

	create := exec.Command("tmux", "new-session", "-d", "-s", s.sanitizedName, "-c", workDir, s.program)
	if err := s.cmdExec.Run(create); err != nil {
		if s.DoesSessionExist() {
			if cleanupErr := s.Kill(); cleanupErr != nil {
				err = fmt.Errorf("%v (cleanup error: %v)", err, cleanupErr)
			}
		}
		return fmt.Errorf("error starting tmux session: %w", err)
	}

	timeout := time.After(2 * time.Second)
	sleepDuration := 5 * time.Millisecond
	for !s.DoesSessionExist() {
		select {
		case <-timeout:
			if cleanupErr := s.Kill(); cleanupErr != nil {
				log.WarningLog.Printf("cleanup after spawn timeout failed: %v", cleanupErr)
			}
			return fmt.Errorf("timed out waiting for tmux session %s", s.sanitizedName)
		default:
			time.Sleep(sleepDuration)
			if sleepDuration < 50*time.Millisecond {
				sleepDuration *= 2
			}
		}
	}

	history := exec.Command("tmux", "set-option", "-t", s.sanitizedName, "history-limit", "10000")
	if err := s.cmdExec.Run(history); err != nil {
		log.WarningLog.Printf("failed to set history-limit for session %s: %v", s.sanitizedName, err)
	}
	return nil
}

// DoesSessionExist checks for the session by exact name. `-t name` does a
// prefix match, which is wrong; `-t=` matches exactly.
func (s *Session) DoesSessionExist() bool {
	existsCmd := exec.Command("tmux", "has-session", fmt.Sprintf("-t=%s", s.sanitizedName))
	return s.cmdExec.Run(existsCmd) == nil
}

// SendCommand types the command into the session and submits it with Enter.
func (s *Session) SendCommand(command string) error {
	send := exec.Command("tmux", "send-keys", "-t", s.sanitizedName, command, "Enter")
	if err := s.cmdExec.Run(send); err != nil {
		return fmt.Errorf("error sending command to tmux session: %w", err)
	}
	return nil
}

// Suspend sends the suspend key sequence to the session's foreground process.
func (s *Session) Suspend() error {
	send := exec.Command("tmux", "send-keys", "-t", s.sanitizedName, "C-z")
	if err := s.cmdExec.Run(send); err != nil {
		return fmt.Errorf("error suspending tmux session: %w", err)
	}
	return nil
}

// Foreground resumes the most recently suspended job in the session.
func (s *Session) Foreground() error {
	send := exec.Command("tmux", "send-keys", "-t", s.sanitizedName, "fg", "Enter")
	if err := s.cmdExec.Run(send); err != nil {
		return fmt.Errorf("error foregrounding tmux session: %w", err)
	}
	return nil
}

// CapturePaneContent captures the current pane content.
func (s *Session) CapturePaneContent() (string, error) {
	capture := exec.Command("tmux", "capture-pane", "-p", "-J", "-t", s.sanitizedName)
	output, err := s.cmdExec.Output(capture)
	if err != nil {
		return "", fmt.Errorf("error capturing pane content: %v", err)
	}
	return string(output), nil
}

// NewOutputLines captures the pane and returns the lines that appeared since
// the previous call.
func (s *Session) NewOutputLines() ([]string, error) {
	content, err := s.CapturePaneContent()
	if err != nil {
		return nil, err
	}
	if content == s.prevContent {
		return nil, nil
	}

	prevLines := splitLines(s.prevContent)
	curLines := splitLines(content)
	s.prevContent = content

	// The pane scrolls: the tail of the previous capture reappears as a
	// prefix of the current one. Take the longest such overlap; everything
	// after it is new.
	max := len(prevLines)
	if len(curLines) < max {
		max = len(curLines)
	}
	for k := max; k > 0; k-- {
		if linesEqual(prevLines[len(prevLines)-k:], curLines[:k]) {
			if k < len(curLines) {
				return curLines[k:], nil
			}
			return nil, nil
		}
	}
	// No overlap at all: the pane was replaced wholesale.
	return curLines, nil
}

func linesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	// Trailing blank pane rows carry no information.
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// PanePID returns the pid of the pane's shell process.
func (s *Session) PanePID() (int, error) {
	pidCmd := exec.Command("tmux", "display-message", "-p", "-t", s.sanitizedName, "#{pane_pid}")
	output, err := s.cmdExec.Output(pidCmd)
	if err != nil {
		return 0, fmt.Errorf("failed to get pane PID: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(output)))
	if err != nil {
		return 0, fmt.Errorf("failed to parse pane PID: %w", err)
	}
	return pid, nil
}

// Kill terminates the tmux session.
func (s *Session) Kill() error {
	kill := exec.Command("tmux", "kill-session", "-t", s.sanitizedName)
	if err := s.cmdExec.Run(kill); err != nil {
		return fmt.Errorf("error killing tmux session: %w", err)
	}
	return nil
}

// CleanupSessions kills every session created by this program. Sessions from
// other tools are left alone.
func CleanupSessions(cmdExec cmd.Executor) error {
	list := exec.Command("tmux", "ls")
	output, err := cmdExec.Output(list)
	if err != nil {
		// Exit code 1 means no server / no sessions: nothing to clean up.
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return nil
		}
		return fmt.Errorf("failed to list tmux sessions: %v", err)
	}

	re := regexp.MustCompile(fmt.Sprintf(`%s.*:`, SessionPrefix))
	matches := re.FindAllString(string(output), -1)
	for i, match := range matches {
		matches[i] = match[:strings.Index(match, ":")]
	}

	for _, match := range matches {
		log.InfoLog.Printf("cleaning up session: %s", match)
		if err := cmdExec.Run(exec.Command("tmux", "kill-session", "-t", match)); err != nil {
			return fmt.Errorf("failed to kill tmux session %s: %v", match, err)
		}
	}
	return nil
}
