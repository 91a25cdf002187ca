package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/madrox/madrox/internal/common/audit"
	"github.com/madrox/madrox/internal/common/config"
	"github.com/madrox/madrox/internal/common/logger"
	"github.com/madrox/madrox/internal/orchestrator/bus"
	"github.com/madrox/madrox/internal/orchestrator/instance"
	"github.com/madrox/madrox/internal/orchestrator/tmux"
)

// scriptedRunner routes capture-pane to a configurable response and
// accepts everything else.
type scriptedRunner struct {
	mu         sync.Mutex
	paneOutput string
	paneErr    error
	sent       [][]string
}

func (r *scriptedRunner) Run(_ context.Context, args ...string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if args[0] == "capture-pane" {
		return r.paneOutput, r.paneErr
	}
	r.sent = append(r.sent, args)
	return "", nil
}

func (r *scriptedRunner) RunInput(_ context.Context, _ string, args ...string) (string, error) {
	return r.Run(context.Background(), args...)
}

func (r *scriptedRunner) setPane(out string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paneOutput = out
	r.paneErr = err
}

func (r *scriptedRunner) sentCommands() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]string, len(r.sent))
	copy(out, r.sent)
	return out
}

type fixture struct {
	runner   *scriptedRunner
	registry *instance.Registry
	sup      *Supervisor
	root     *instance.Instance
	child    *instance.Instance
}

func newFixture(t *testing.T, idleThresholdSecs int) *fixture {
	t.Helper()
	log := logger.Default()
	runner := &scriptedRunner{paneOutput: "claude> waiting"}
	registry := instance.NewRegistry(10, 4)
	adapter := tmux.NewAdapter(runner, 2000, log)
	injector := tmux.NewInjector(adapter, 3*1024, 0, log)
	emitter := audit.NewEmitter(t.TempDir())
	t.Cleanup(func() { emitter.Close() })
	b := bus.New(registry, injector, emitter, log)

	root, err := registry.Add(instance.Spec{ID: "root", Name: "main-orchestrator"})
	require.NoError(t, err)
	child, err := registry.Add(instance.Spec{
		ID: "child", Name: "worker", ParentID: "root",
		Session: &tmux.Session{Name: "madrox-worker"},
	})
	require.NoError(t, err)
	for _, inst := range []*instance.Instance{root, child} {
		_, err := registry.Transition(inst, instance.StateInitializing)
		require.NoError(t, err)
		_, err = registry.Transition(inst, instance.StateReady)
		require.NoError(t, err)
	}

	sup := New(registry, adapter, b, emitter, config.SupervisorConfig{
		Interval:      60,
		IdleThreshold: idleThresholdSecs,
	}, log)
	return &fixture{runner: runner, registry: registry, sup: sup, root: root, child: child}
}

func TestSweepMarksGoneSessionError(t *testing.T) {
	f := newFixture(t, 300)
	f.runner.setPane("can't find session: madrox-worker", errors.New("exit 1"))

	f.sup.Sweep(context.Background())

	assert.Equal(t, instance.StateError, f.child.State())
	replies := f.root.DrainReplies()
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0].Payload, "lost its terminal session")
}

func TestSweepMovesStaleBusyToIdleAndNudgesOnce(t *testing.T) {
	f := newFixture(t, 0)
	_, err := f.registry.Transition(f.child, instance.StateBusy)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)

	f.sup.Sweep(context.Background())
	assert.Equal(t, instance.StateIdle, f.child.State())

	// The check-in prompt went to the terminal.
	var keystrokes int
	for _, call := range f.runner.sentCommands() {
		if call[0] == "send-keys" {
			keystrokes++
		}
	}
	assert.Greater(t, keystrokes, 0)

	replies := f.root.DrainReplies()
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0].Payload, "check-in sent")
	assert.Contains(t, replies[0].Payload, "sup-")

	// The check-in is also queued on the instance's inbox.
	inbox := f.child.DrainInbox()
	require.Len(t, inbox, 1)
	assert.Equal(t, "supervisor", inbox[0].SenderID)
	assert.Contains(t, inbox[0].CorrelationID, "sup-")
	assert.Equal(t, instance.MessageRequest, inbox[0].Kind)

	// A second sweep in the same idle stretch must not nudge again.
	before := len(f.runner.sentCommands())
	f.sup.Sweep(context.Background())
	assert.Empty(t, f.root.DrainReplies())
	assert.Empty(t, f.child.DrainInbox())
	after := len(f.runner.sentCommands())
	assert.Equal(t, before, after)
}

func TestSweepToolActivityBlocksIdleClassification(t *testing.T) {
	f := newFixture(t, 0)
	_, err := f.registry.Transition(f.child, instance.StateBusy)
	require.NoError(t, err)

	// A tool execution since the previous sweep counts as activity.
	f.child.CountToolExecution()
	time.Sleep(2 * time.Millisecond)
	f.sup.Sweep(context.Background())
	assert.Equal(t, instance.StateBusy, f.child.State())
	assert.Empty(t, f.child.DrainInbox())

	// No tools ran in the next window: now it is idle and gets nudged.
	time.Sleep(2 * time.Millisecond)
	f.sup.Sweep(context.Background())
	assert.Equal(t, instance.StateIdle, f.child.State())
	assert.Len(t, f.child.DrainInbox(), 1)
}

func TestSweepReportsBlockedMarker(t *testing.T) {
	f := newFixture(t, 300)
	f.runner.setPane("claude> API Error: overloaded, retrying", nil)
	_, err := f.registry.Transition(f.child, instance.StateBusy)
	require.NoError(t, err)
	f.child.Touch()

	f.sup.Sweep(context.Background())

	assert.Equal(t, instance.StateBusy, f.child.State(), "fresh activity keeps it busy")
	replies := f.root.DrainReplies()
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0].Payload, "appears blocked")
}

func TestSweepRecordsPaneSnapshot(t *testing.T) {
	f := newFixture(t, 300)
	f.runner.setPane("fresh output", nil)

	f.sup.Sweep(context.Background())
	assert.Equal(t, "fresh output", f.child.LastPane())
}

func TestSweepSkipsTerminated(t *testing.T) {
	f := newFixture(t, 0)
	_, err := f.registry.Transition(f.child, instance.StateTerminating)
	require.NoError(t, err)
	_, err = f.registry.Transition(f.child, instance.StateTerminated)
	require.NoError(t, err)

	f.sup.Sweep(context.Background())
	assert.Empty(t, f.root.DrainReplies())
}
