package tmux

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/madrox/madrox/internal/common/logger"
	"github.com/madrox/madrox/internal/orchestrator/errkind"
)

// Injector delivers prompts of arbitrary size to a child CLI. Small
// messages stream as keystrokes; anything at or above the threshold goes
// through the tmux paste buffer, which arrives as a single terminal
// event and bypasses the CLI's interactive paste-guard heuristic.
type Injector struct {
	adapter   *Adapter
	threshold int
	settle    time.Duration
	logger    *logger.Logger
	sleep     func(time.Duration)
}

// NewInjector creates an injector. threshold is in bytes (3 KiB by
// default); settle is the fixed delay between paste and Enter.
func NewInjector(adapter *Adapter, threshold int, settle time.Duration, log *logger.Logger) *Injector {
	return &Injector{
		adapter:   adapter,
		threshold: threshold,
		settle:    settle,
		logger:    log.WithComponent("injector"),
		sleep:     time.Sleep,
	}
}

// Inject delivers text to the session and submits it with Enter. On
// paste-buffer failure it degrades to the keystroke path; the message is
// never dropped.
func (i *Injector) Inject(ctx context.Context, s *Session, text string) error {
	if len(text) >= i.threshold {
		err := i.adapter.LoadBufferAndPaste(ctx, s, text)
		if err == nil {
			i.sleep(i.settle)
			return i.adapter.SendKeys(ctx, s, "", true)
		}
		if errkind.Is(err, errkind.SessionGone) {
			return err
		}
		i.logger.Warn("paste buffer failed, degrading to keystrokes",
			zap.String("session", s.Name),
			zap.Int("bytes", len(text)),
			zap.Error(err))
	}
	return i.sendKeystrokes(ctx, s, text)
}

// sendKeystrokes streams text line by line with a soft newline between
// lines and a single Enter at the end.
func (i *Injector) sendKeystrokes(ctx context.Context, s *Session, text string) error {
	lines := strings.Split(text, "\n")
	for n, line := range lines {
		if line != "" {
			if err := i.adapter.SendKeys(ctx, s, line, false); err != nil {
				return err
			}
		}
		if n < len(lines)-1 {
			if err := i.adapter.SendSoftNewline(ctx, s); err != nil {
				return err
			}
		}
	}
	i.sleep(settleFor(len(text)))
	return i.adapter.SendKeys(ctx, s, "", true)
}

// settleFor scales the pre-Enter delay with message size so the child's
// line editor catches up before submission.
func settleFor(n int) time.Duration {
	d := time.Duration(n) * 50 * time.Microsecond
	if d < 50*time.Millisecond {
		return 50 * time.Millisecond
	}
	if d > time.Second {
		return time.Second
	}
	return d
}
