// Package supervisor runs the periodic health sweep over all live
// instances: pane sampling, dead-session detection, idle classification,
// stall nudges, and parent advisories.
package supervisor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/madrox/madrox/internal/common/audit"
	"github.com/madrox/madrox/internal/common/config"
	"github.com/madrox/madrox/internal/common/logger"
	"github.com/madrox/madrox/internal/orchestrator/bus"
	"github.com/madrox/madrox/internal/orchestrator/errkind"
	"github.com/madrox/madrox/internal/orchestrator/instance"
	"github.com/madrox/madrox/internal/orchestrator/tmux"
)

// Pane fragments that indicate the child CLI is stuck rather than
// working. Matched case-insensitively against the capture tail.
var blockedMarkers = []string{
	"rate limit reached",
	"context limit reached",
	"api error",
	"connection lost",
	"fatal error",
}

// Supervisor scans the registry on a fixed interval.
type Supervisor struct {
	registry *instance.Registry
	adapter  *tmux.Adapter
	bus      *bus.Bus
	audit    *audit.Emitter
	logger   *logger.Logger

	interval      time.Duration
	idleThreshold time.Duration

	// nudged remembers which instances already got a check-in this idle
	// stretch so the supervisor does not spam them every sweep.
	nudged map[string]time.Time
	// tools holds the tool-execution count seen at the previous sweep;
	// a delta counts as activity and blocks the idle classification.
	tools map[string]int
}

// New creates a supervisor from the supervisor config section.
func New(registry *instance.Registry, adapter *tmux.Adapter, b *bus.Bus, emitter *audit.Emitter, cfg config.SupervisorConfig, log *logger.Logger) *Supervisor {
	return &Supervisor{
		registry:      registry,
		adapter:       adapter,
		bus:           b,
		audit:         emitter,
		logger:        log.WithComponent("supervisor"),
		interval:      cfg.IntervalDuration(),
		idleThreshold: cfg.IdleThresholdDuration(),
		nudged:        make(map[string]time.Time),
		tools:         make(map[string]int),
	}
}

// Run blocks until ctx is canceled, sweeping every interval.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("supervisor started",
		zap.Duration("interval", s.interval),
		zap.Duration("idle_threshold", s.idleThreshold))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("supervisor stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep examines every live instance once. Exported so tests and the
// manager can trigger an immediate pass.
func (s *Supervisor) Sweep(ctx context.Context) {
	for _, inst := range s.registry.All() {
		st := inst.State()
		if !st.Live() || st == instance.StateSpawning {
			continue
		}
		s.check(ctx, inst, st)
	}
}

func (s *Supervisor) check(ctx context.Context, inst *instance.Instance, st instance.State) {
	if inst.Session == nil {
		return
	}
	pane, err := s.adapter.CapturePane(ctx, inst.Session)
	if err != nil {
		if errkind.Is(err, errkind.SessionGone) {
			s.markGone(inst, st)
			return
		}
		s.logger.Warn("pane capture failed",
			zap.String("instance_id", inst.ID), zap.Error(err))
		return
	}
	inst.RecordPane(pane)

	if st != instance.StateError {
		if marker := matchBlocked(pane); marker != "" {
			s.advise(inst, fmt.Sprintf("instance %s (%s) appears blocked: %s", inst.ID, inst.Name, marker))
			s.audit.Emit(audit.EventError, "blocked", inst.ID, map[string]interface{}{
				"marker": marker,
			})
		}
	}

	toolsNow := inst.ToolsExecuted()
	toolsActive := toolsNow != s.tools[inst.ID]
	s.tools[inst.ID] = toolsNow

	idleFor := time.Since(inst.LastActivity())
	if st == instance.StateBusy && idleFor > s.idleThreshold && !toolsActive {
		if _, err := s.registry.Transition(inst, instance.StateIdle); err == nil {
			s.audit.Emit(audit.EventStateChange, "idle_sweep", inst.ID, map[string]interface{}{
				"from":         string(instance.StateBusy),
				"to":           string(instance.StateIdle),
				"idle_seconds": idleFor.Seconds(),
			})
		}
		st = instance.StateIdle
	}

	if st == instance.StateIdle && idleFor > s.idleThreshold && !toolsActive {
		s.maybeNudge(ctx, inst, idleFor)
	} else {
		delete(s.nudged, inst.ID)
	}
}

// maybeNudge sends one check-in per idle stretch: the prompt goes into
// the terminal, a matching message lands on the instance's inbox, and
// the parent is told via its pending-reply queue.
func (s *Supervisor) maybeNudge(ctx context.Context, inst *instance.Instance, idleFor time.Duration) {
	if _, already := s.nudged[inst.ID]; already {
		return
	}
	s.nudged[inst.ID] = time.Now()

	corr := "sup-" + uuid.NewString()
	prompt := fmt.Sprintf(
		"[supervisor check-in | correlation_id: %s]\nYou have been idle for %s. "+
			"If your task is complete, call reply_to_caller; otherwise continue working.",
		corr, idleFor.Round(time.Second))
	if err := s.bus.Nudge(ctx, inst, prompt); err != nil {
		s.logger.Warn("check-in nudge failed",
			zap.String("instance_id", inst.ID), zap.Error(err))
		return
	}
	checkIn := instance.Message{
		CorrelationID: corr,
		SenderID:      "supervisor",
		RecipientID:   inst.ID,
		Payload:       prompt,
		CreatedAt:     time.Now().UTC(),
		Kind:          instance.MessageRequest,
	}
	if dropped, wasDropped := inst.PushInbox(checkIn); wasDropped {
		s.audit.Emit(audit.EventQueueOverflow, "inbox", inst.ID, map[string]interface{}{
			"dropped_correlation_id": dropped.CorrelationID,
		})
	}
	s.advise(inst, fmt.Sprintf("instance %s (%s) idle for %s; check-in sent (correlation %s)",
		inst.ID, inst.Name, idleFor.Round(time.Second), corr))
	s.audit.Emit(audit.EventMessageSent, "check_in", inst.ID, map[string]interface{}{
		"correlation_id": corr,
		"idle_seconds":   idleFor.Seconds(),
	})
}

// markGone moves an instance whose tmux session vanished into error.
func (s *Supervisor) markGone(inst *instance.Instance, st instance.State) {
	if _, err := s.registry.Transition(inst, instance.StateError); err != nil {
		return
	}
	s.logger.Warn("tmux session gone, instance marked error",
		zap.String("instance_id", inst.ID),
		zap.String("session", inst.Session.Name))
	s.audit.Emit(audit.EventStateChange, "session_gone", inst.ID, map[string]interface{}{
		"from": string(st),
		"to":   string(instance.StateError),
	})
	s.advise(inst, fmt.Sprintf("instance %s (%s) lost its terminal session and was marked error", inst.ID, inst.Name))
}

// advise pushes a supervisor advisory onto the parent's pending-reply
// queue so the parent sees it on the next drain.
func (s *Supervisor) advise(inst *instance.Instance, text string) {
	if inst.ParentID == "" {
		return
	}
	parent, err := s.registry.Get(inst.ParentID)
	if err != nil {
		return
	}
	msg := instance.Message{
		CorrelationID: "sup-" + uuid.NewString(),
		SenderID:      inst.ID,
		RecipientID:   parent.ID,
		Payload:       text,
		CreatedAt:     time.Now().UTC(),
		Kind:          instance.MessageReply,
	}
	if dropped, wasDropped := parent.PushReply(msg); wasDropped {
		s.audit.Emit(audit.EventQueueOverflow, "reply_queue", parent.ID, map[string]interface{}{
			"dropped_correlation_id": dropped.CorrelationID,
		})
	}
}

func matchBlocked(pane string) string {
	tail := pane
	if len(tail) > 4096 {
		tail = tail[len(tail)-4096:]
	}
	lower := strings.ToLower(tail)
	for _, marker := range blockedMarkers {
		if strings.Contains(lower, marker) {
			return marker
		}
	}
	return ""
}
