// Package tmux owns the terminal multiplexer sessions that instances
// run in. All interaction goes through the tmux CLI: session creation,
// keystroke injection, pane capture, paste-buffer loads, and teardown.
package tmux

import (
	"context"
	"os/exec"
	"strings"
)

// Runner executes tmux commands. Tests inject a fake; production uses
// the tmux binary on PATH.
type Runner interface {
	// Run executes tmux with the given arguments and returns combined output.
	Run(ctx context.Context, args ...string) (string, error)
	// RunInput is Run with data supplied on stdin (load-buffer -).
	RunInput(ctx context.Context, input string, args ...string) (string, error)
}

type execRunner struct {
	binary string
}

// NewRunner returns a Runner backed by the tmux binary.
func NewRunner() Runner {
	return &execRunner{binary: "tmux"}
}

func (r *execRunner) Run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, r.binary, args...)
	out, err := cmd.CombinedOutput()
	return string(out), err
}

func (r *execRunner) RunInput(ctx context.Context, input string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, r.binary, args...)
	cmd.Stdin = strings.NewReader(input)
	out, err := cmd.CombinedOutput()
	return string(out), err
}
