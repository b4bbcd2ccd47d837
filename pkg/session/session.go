// Package session drives the persistent tmux sessions that host each
// worker's agent process, plus the protected repair session the overseer
// prompts during remediation.
package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"drover/pkg/poll"
)

// CmdRunner abstracts command execution for testability.
type CmdRunner interface {
	Run(name string, args ...string) (string, error)
}

// promptIndicator is the character the agent's TUI shows when it is idle and
// ready for input.
const promptIndicator = "❯"

// defaultReadyTimeout covers agent startup, which can take tens of seconds
// when session-start hooks run.
const defaultReadyTimeout = 60 * time.Second

const pollInterval = 500 * time.Millisecond

// sendDebounce is the delay between pasting text and pressing Enter; the
// agent's TUI needs time to process pasted input in detached sessions.
const sendDebounce = 2 * time.Second

// Session manages one named tmux session running an agent process.
type Session struct {
	Name         string
	Runner       CmdRunner
	Sleeper      func(time.Duration) // overrides time.Sleep in tests
	ReadyTimeout time.Duration       // 0 means defaultReadyTimeout
}

// New returns a Session over the real tmux binary.
func New(name string) *Session {
	return &Session{Name: name, Runner: &ExecCmdRunner{}}
}

// Exists reports whether the tmux session is running.
func (s *Session) Exists() bool {
	_, err := s.Runner.Run("tmux", "has-session", "-t", s.Name)
	return err == nil
}

// Alive reports whether the session exists and its foreground process is
// still the agent rather than a shell it crashed back to.
func (s *Session) Alive() bool {
	if !s.Exists() {
		return false
	}
	out, err := s.Runner.Run("tmux", "display-message", "-p", "-t", s.Name, "#{pane_current_command}")
	if err != nil {
		return false
	}
	return !isShell(strings.TrimSpace(out))
}

// Create starts a detached session running agentCommand in dir. The agent is
// exec'd as the initial process so there is no shell phase to race against.
// An existing healthy session is a no-op; a zombie one is recreated.
func (s *Session) Create(dir, agentCommand string) error {
	if s.Exists() {
		if s.Alive() {
			return nil
		}
		_ = s.Kill()
	}
	launch := "exec " + agentCommand
	if _, err := s.Runner.Run("tmux", "new-session", "-d", "-s", s.Name, "-c", dir, launch); err != nil {
		return fmt.Errorf("tmux new-session %s: %w", s.Name, err)
	}
	return nil
}

// WaitReady polls the pane until the agent's prompt indicator appears.
func (s *Session) WaitReady(ctx context.Context) error {
	timeout := s.ReadyTimeout
	if timeout == 0 {
		timeout = defaultReadyTimeout
	}
	res, err := poll.UntilWithSleeper(ctx, pollInterval, timeout, s.sleepFunc(), func() (struct{}, bool, error) {
		out, rerr := s.Runner.Run("tmux", "capture-pane", "-p", "-t", s.Name)
		return struct{}{}, rerr == nil && strings.Contains(out, promptIndicator), nil
	})
	if err != nil {
		return err
	}
	switch res.Outcome {
	case poll.Ready:
		return nil
	case poll.Cancelled:
		return ctx.Err()
	default:
		return fmt.Errorf("agent prompt not found in session %s within %v", s.Name, timeout)
	}
}

// IdleAtPrompt reports whether the pane currently shows the input prompt,
// meaning the agent finished its last turn.
func (s *Session) IdleAtPrompt() bool {
	out, err := s.Runner.Run("tmux", "capture-pane", "-p", "-t", s.Name)
	if err != nil {
		return false
	}
	return strings.Contains(out, promptIndicator)
}

// SendPromptVerified delivers text to the agent and verifies a prefix of it
// appeared in the pane, clearing the input line and retrying otherwise.
func (s *Session) SendPromptVerified(text string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	hint := verifyHint(text)
	first := true
	for {
		if !first {
			// Clear any partial input before retrying.
			_, _ = s.Runner.Run("tmux", "send-keys", "-t", s.Name, "C-u")
			s.sleep(100 * time.Millisecond)
		}
		first = false

		err := s.send(text)
		if err == nil {
			out, cerr := s.Runner.Run("tmux", "capture-pane", "-p", "-t", s.Name)
			if cerr == nil && strings.Contains(out, hint) {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("prompt text %q not visible in session %s within %v", hint, s.Name, timeout)
		}
		s.sleep(pollInterval)
	}
}

// send pastes text literally, wakes the detached pane, and presses Enter
// with retry.
func (s *Session) send(text string) error {
	if _, err := s.Runner.Run("tmux", "send-keys", "-t", s.Name, "-l", text); err != nil {
		return fmt.Errorf("tmux send-keys -l to %s: %w", s.Name, err)
	}
	s.wakeIfDetached()
	s.sleep(sendDebounce)

	// Escape first: exits any vim-mode insert state; harmless otherwise.
	_, _ = s.Runner.Run("tmux", "send-keys", "-t", s.Name, "Escape")
	s.wakeIfDetached()
	s.sleep(100 * time.Millisecond)

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			s.sleep(200 * time.Millisecond)
		}
		if _, err := s.Runner.Run("tmux", "send-keys", "-t", s.Name, "Enter"); err != nil {
			lastErr = err
			continue
		}
		s.wakeIfDetached()
		return nil
	}
	return fmt.Errorf("failed to send Enter to %s after 3 attempts: %w", s.Name, lastErr)
}

// Interrupt sends Ctrl-C to the agent, asking it to wind down its turn.
func (s *Session) Interrupt() error {
	if _, err := s.Runner.Run("tmux", "send-keys", "-t", s.Name, "C-c"); err != nil {
		return fmt.Errorf("tmux send C-c to %s: %w", s.Name, err)
	}
	return nil
}

// Capture returns the last lines of pane content.
func (s *Session) Capture(lines int) (string, error) {
	out, err := s.Runner.Run("tmux", "capture-pane", "-p", "-t", s.Name, "-S", fmt.Sprintf("-%d", lines))
	if err != nil {
		return "", fmt.Errorf("tmux capture-pane %s: %w", s.Name, err)
	}
	return out, nil
}

// ClearInput resets the agent's input line.
func (s *Session) ClearInput() error {
	_, err := s.Runner.Run("tmux", "send-keys", "-t", s.Name, "C-u")
	return err
}

// Kill destroys the session.
func (s *Session) Kill() error {
	if _, err := s.Runner.Run("tmux", "kill-session", "-t", s.Name); err != nil {
		return fmt.Errorf("tmux kill-session %s: %w", s.Name, err)
	}
	return nil
}

// wakeIfDetached delivers SIGWINCH to the pane's process when no client is
// attached, so the agent's render loop notices queued input.
func (s *Session) wakeIfDetached() {
	out, err := s.Runner.Run("tmux", "display-message", "-p", "-t", s.Name, "#{session_attached}")
	if err == nil && strings.TrimSpace(out) != "0" {
		return
	}
	pidStr, err := s.Runner.Run("tmux", "display-message", "-p", "-t", s.Name, "#{pane_pid}")
	if err != nil {
		return
	}
	_, _ = s.Runner.Run("kill", "-WINCH", strings.TrimSpace(pidStr))
}

func (s *Session) sleep(d time.Duration) {
	s.sleepFunc()(d)
}

func (s *Session) sleepFunc() func(time.Duration) {
	if s.Sleeper != nil {
		return s.Sleeper
	}
	return time.Sleep
}

const verifyHintMaxLen = 30

// verifyHint returns a short prefix for capture-pane verification; long
// prompts get wrapped by the TUI so only the head is checked.
func verifyHint(text string) string {
	if idx := strings.IndexByte(text, '\n'); idx >= 0 && idx < verifyHintMaxLen {
		return text[:idx]
	}
	if len(text) <= verifyHintMaxLen {
		return text
	}
	return text[:verifyHintMaxLen]
}

func isShell(cmd string) bool {
	switch cmd {
	case "zsh", "bash", "sh", "fish":
		return true
	}
	return false
}
