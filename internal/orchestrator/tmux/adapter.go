package tmux

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/madrox/madrox/internal/common/logger"
	"github.com/madrox/madrox/internal/orchestrator/errkind"
)

// Session is an opaque handle to one tmux session. The orchestrator
// always targets pane 0 of window 0.
type Session struct {
	Name string `json:"name"`
}

func (s *Session) target() string { return s.Name }

// Tmux output fragments that mean the session no longer exists.
var goneMarkers = []string{
	"can't find session",
	"session not found",
	"no server running",
	"no current session",
}

// Adapter drives tmux sessions through the CLI. Transient failures are
// retried once; a missing session surfaces as SESSION_GONE so callers
// can transition the instance.
type Adapter struct {
	runner       Runner
	captureLines int
	logger       *logger.Logger
}

// NewAdapter creates an adapter. captureLines bounds the scrollback
// window returned by CapturePane.
func NewAdapter(runner Runner, captureLines int, log *logger.Logger) *Adapter {
	return &Adapter{
		runner:       runner,
		captureLines: captureLines,
		logger:       log.WithComponent("tmux-adapter"),
	}
}

// Start launches command inside a fresh detached session and returns its
// handle. env entries are exported into the session environment.
func (a *Adapter) Start(ctx context.Context, sessionName, command, cwd string, env map[string]string) (*Session, error) {
	args := []string{"new-session", "-d", "-s", sessionName}
	if cwd != "" {
		args = append(args, "-c", cwd)
	}
	for k, v := range env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
	}
	args = append(args, command)

	if _, err := a.run(ctx, args...); err != nil {
		return nil, err
	}
	a.logger.Info("session started",
		zap.String("session", sessionName),
		zap.String("cwd", cwd))
	return &Session{Name: sessionName}, nil
}

// CapturePane returns the visible pane contents plus scrollback, bounded
// by the configured window.
func (a *Adapter) CapturePane(ctx context.Context, s *Session) (string, error) {
	out, err := a.run(ctx,
		"capture-pane", "-p",
		"-t", s.target(),
		"-S", fmt.Sprintf("-%d", a.captureLines),
	)
	if err != nil {
		return "", err
	}
	return out, nil
}

// SendKeys injects text as literal terminal input. withEnter appends a
// terminal Enter after the text.
func (a *Adapter) SendKeys(ctx context.Context, s *Session, text string, withEnter bool) error {
	if text != "" {
		if _, err := a.run(ctx, "send-keys", "-t", s.target(), "-l", "--", text); err != nil {
			return err
		}
	}
	if withEnter {
		if _, err := a.run(ctx, "send-keys", "-t", s.target(), "Enter"); err != nil {
			return err
		}
	}
	return nil
}

// SendSoftNewline inserts a newline into the child's input without
// submitting it (C-j in claude/codex line editors).
func (a *Adapter) SendSoftNewline(ctx context.Context, s *Session) error {
	_, err := a.run(ctx, "send-keys", "-t", s.target(), "C-j")
	return err
}

// LoadBufferAndPaste writes text into a tmux paste buffer and pastes it
// into the pane as a single terminal event. The buffer is deleted after
// the paste.
func (a *Adapter) LoadBufferAndPaste(ctx context.Context, s *Session, text string) error {
	buf := "madrox-" + s.Name
	if _, err := a.runInput(ctx, text, "load-buffer", "-b", buf, "-"); err != nil {
		return err
	}
	_, err := a.run(ctx, "paste-buffer", "-d", "-b", buf, "-t", s.target())
	return err
}

// Interrupt delivers the interrupt keystroke (C-c) to the pane.
func (a *Adapter) Interrupt(ctx context.Context, s *Session) error {
	_, err := a.run(ctx, "send-keys", "-t", s.target(), "C-c")
	return err
}

// Kill terminates the session, freeing its PTY. Killing an
// already-missing session is not an error.
func (a *Adapter) Kill(ctx context.Context, s *Session) error {
	_, err := a.run(ctx, "kill-session", "-t", s.target())
	if err != nil && errkind.Is(err, errkind.SessionGone) {
		return nil
	}
	return err
}

// HasSession reports whether the session still exists.
func (a *Adapter) HasSession(ctx context.Context, s *Session) bool {
	_, err := a.run(ctx, "has-session", "-t", s.target())
	return err == nil
}

// run executes one tmux command, retrying transient failures once.
func (a *Adapter) run(ctx context.Context, args ...string) (string, error) {
	out, err := a.runner.Run(ctx, args...)
	if err == nil {
		return out, nil
	}
	if isGone(out, err) {
		return "", errkind.Wrap(errkind.SessionGone, err, "tmux %s: %s", args[0], strings.TrimSpace(out))
	}
	a.logger.Warn("transient tmux error, retrying",
		zap.String("command", args[0]),
		zap.Error(err))
	time.Sleep(50 * time.Millisecond)

	out, err = a.runner.Run(ctx, args...)
	if err == nil {
		return out, nil
	}
	if isGone(out, err) {
		return "", errkind.Wrap(errkind.SessionGone, err, "tmux %s: %s", args[0], strings.TrimSpace(out))
	}
	return "", errkind.Wrap(errkind.Internal, err, "tmux %s: %s", args[0], strings.TrimSpace(out))
}

func (a *Adapter) runInput(ctx context.Context, input string, args ...string) (string, error) {
	out, err := a.runner.RunInput(ctx, input, args...)
	if err == nil {
		return out, nil
	}
	if isGone(out, err) {
		return "", errkind.Wrap(errkind.SessionGone, err, "tmux %s: %s", args[0], strings.TrimSpace(out))
	}
	out, err = a.runner.RunInput(ctx, input, args...)
	if err == nil {
		return out, nil
	}
	if isGone(out, err) {
		return "", errkind.Wrap(errkind.SessionGone, err, "tmux %s: %s", args[0], strings.TrimSpace(out))
	}
	return "", errkind.Wrap(errkind.Internal, err, "tmux %s: %s", args[0], strings.TrimSpace(out))
}

func isGone(output string, err error) bool {
	text := strings.ToLower(output + " " + err.Error())
	for _, marker := range goneMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}
