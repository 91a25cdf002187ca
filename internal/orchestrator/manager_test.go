package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/madrox/madrox/internal/common/audit"
	"github.com/madrox/madrox/internal/common/config"
	"github.com/madrox/madrox/internal/common/logger"
	"github.com/madrox/madrox/internal/orchestrator/artifacts"
	"github.com/madrox/madrox/internal/orchestrator/bus"
	"github.com/madrox/madrox/internal/orchestrator/errkind"
	"github.com/madrox/madrox/internal/orchestrator/instance"
	"github.com/madrox/madrox/internal/orchestrator/tmux"
)

// stubRunner answers capture-pane with a stable prompt so the readiness
// watcher settles quickly, and records everything else.
type stubRunner struct {
	mu    sync.Mutex
	calls [][]string
}

func (r *stubRunner) Run(_ context.Context, args ...string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, args)
	if args[0] == "capture-pane" {
		return "claude> ready for input", nil
	}
	return "", nil
}

func (r *stubRunner) RunInput(_ context.Context, _ string, args ...string) (string, error) {
	return r.Run(context.Background(), args...)
}

func (r *stubRunner) commandNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	for n, call := range r.calls {
		out[n] = call[0]
	}
	return out
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Server:    config.ServerConfig{Port: 8765},
		Workspace: config.WorkspaceConfig{Root: t.TempDir(), MaxInstances: 10},
		Supervisor: config.SupervisorConfig{
			Interval: 60, IdleThreshold: 300,
		},
		Terminal: config.TerminalConfig{
			PasteThreshold:  3 * 1024,
			CaptureLines:    2000,
			QuiescenceMs:    2000,
			ReadyGraceMs:    2000,
			QueueCapacity:   16,
			SendTimeoutSecs: 5,
		},
	}
}

func newTestManager(t *testing.T) (*Manager, *stubRunner) {
	t.Helper()
	cfg := testConfig(t)
	log := logger.Default()
	runner := &stubRunner{}
	registry := instance.NewRegistry(cfg.Workspace.MaxInstances, cfg.Terminal.QueueCapacity)
	adapter := tmux.NewAdapter(runner, cfg.Terminal.CaptureLines, log)
	injector := tmux.NewInjector(adapter, cfg.Terminal.PasteThreshold, 0, log)
	emitter := audit.NewEmitter(t.TempDir())
	t.Cleanup(func() { emitter.Close() })
	msgBus := bus.New(registry, injector, emitter, log)
	collector := artifacts.NewCollector(registry, adapter, emitter, cfg.Artifacts, t.TempDir(), log)

	m := NewManager(cfg, registry, adapter, injector, msgBus, collector, emitter, cfg.Workspace.Root, log)
	_, err := m.Bootstrap()
	require.NoError(t, err)
	return m, runner
}

func TestBootstrapCreatesSingleRoot(t *testing.T) {
	m, _ := newTestManager(t)
	root := m.Registry().Root()
	require.NotNil(t, root)
	assert.Equal(t, RootName, root.Name)
	assert.Empty(t, root.ParentID)
	assert.Equal(t, instance.StateReady, root.State())
}

func TestSpawnCreatesWorkspaceSessionAndEnv(t *testing.T) {
	m, runner := newTestManager(t)

	info, err := m.Spawn(context.Background(), m.Registry().Root().ID, SpawnOptions{
		Name:         "builder",
		Kind:         instance.KindClaude,
		Role:         instance.RoleBackendDeveloper,
		EnableMadrox: true,
	})
	require.NoError(t, err)
	assert.Equal(t, m.Registry().Root().ID, info.ParentID)
	assert.DirExists(t, info.WorkspacePath)

	var newSession []string
	for _, call := range func() [][]string { runner.mu.Lock(); defer runner.mu.Unlock(); return runner.calls }() {
		if call[0] == "new-session" {
			newSession = call
			break
		}
	}
	require.NotNil(t, newSession)
	joined := strings.Join(newSession, " ")
	assert.Contains(t, joined, "MADROX_INSTANCE_ID="+info.ID)
	assert.Contains(t, joined, "MADROX_PARENT_ID="+info.ParentID)
	assert.Contains(t, joined, "MADROX_ORCHESTRATOR_URL=http://127.0.0.1:8765")
	assert.Equal(t, "claude", newSession[len(newSession)-1])

	// The stable pane makes the watcher promote it to ready.
	assert.Eventually(t, func() bool {
		return m.Registry().All()[1].State() == instance.StateReady
	}, 3*time.Second, 20*time.Millisecond)
}

func TestSpawnWithModelAndInitialPrompt(t *testing.T) {
	m, runner := newTestManager(t)

	info, err := m.Spawn(context.Background(), m.Registry().Root().ID, SpawnOptions{
		Name:          "reviewer",
		Kind:          instance.KindCodex,
		Model:         "o4",
		InitialPrompt: "review the diff",
	})
	require.NoError(t, err)

	inst, err := m.Registry().Get(info.ID)
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		return inst.State() == instance.StateBusy
	}, 3*time.Second, 20*time.Millisecond, "initial prompt marks it busy")

	names := runner.commandNames()
	assert.Contains(t, names, "send-keys")
	var launch string
	runner.mu.Lock()
	for _, call := range runner.calls {
		if call[0] == "new-session" {
			launch = call[len(call)-1]
		}
	}
	runner.mu.Unlock()
	assert.Equal(t, "codex --model o4", launch)
}

func TestSpawnRejectsBadKindAndRole(t *testing.T) {
	m, _ := newTestManager(t)
	rootID := m.Registry().Root().ID

	_, err := m.Spawn(context.Background(), rootID, SpawnOptions{Kind: "gemini"})
	require.Error(t, err)

	_, err = m.Spawn(context.Background(), rootID, SpawnOptions{
		Kind: instance.KindClaude, Role: "wizard",
	})
	require.Error(t, err)

	_, err = m.Spawn(context.Background(), rootID, SpawnOptions{
		Kind: instance.KindClaude, TeamSessionID: "bad team!",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "A-Za-z0-9_-")
}

func TestSpawnWithoutCallerRequiresParent(t *testing.T) {
	m, _ := newTestManager(t)

	// Nothing is busy and no caller evidence exists: the spawn must fail
	// rather than attach the child to the root.
	_, err := m.Spawn(context.Background(), "", SpawnOptions{
		Name: "w", Kind: instance.KindClaude,
	})
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.ParentRequired))
	assert.Len(t, m.Registry().All(), 1, "no instance was created")
}

func TestSpawnInheritsTeamFromParent(t *testing.T) {
	m, _ := newTestManager(t)

	parent, err := m.Spawn(context.Background(), m.Registry().Root().ID, SpawnOptions{
		Name: "lead", Kind: instance.KindClaude, TeamSessionID: "team-x",
	})
	require.NoError(t, err)

	child, err := m.Spawn(context.Background(), "", SpawnOptions{
		Name: "helper", Kind: instance.KindClaude, ParentID: parent.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, "team-x", child.TeamSessionID)
}

func TestTerminateIsIdempotent(t *testing.T) {
	m, _ := newTestManager(t)
	info, err := m.Spawn(context.Background(), m.Registry().Root().ID, SpawnOptions{Name: "w", Kind: instance.KindClaude})
	require.NoError(t, err)

	first, err := m.Terminate(context.Background(), info.ID)
	require.NoError(t, err)
	assert.Equal(t, instance.StateTerminated, first.State)

	second, err := m.Terminate(context.Background(), info.ID)
	require.NoError(t, err)
	assert.Equal(t, instance.StateTerminated, second.State)
}

func TestResolveCallerOrder(t *testing.T) {
	m, _ := newTestManager(t)
	root := m.Registry().Root()

	// Nothing busy and no explicit id: resolution fails rather than
	// substituting the root.
	_, err := m.ResolveCaller("")
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.ParentRequired))

	info, err := m.Spawn(context.Background(), root.ID, SpawnOptions{Name: "w", Kind: instance.KindClaude})
	require.NoError(t, err)
	inst, err := m.Registry().Get(info.ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return inst.State() == instance.StateReady
	}, 3*time.Second, 20*time.Millisecond)
	_, err = m.Registry().Transition(inst, instance.StateBusy)
	require.NoError(t, err)
	inst.Touch()

	id, err := m.ResolveCaller("")
	require.NoError(t, err)
	assert.Equal(t, info.ID, id, "the busy instance is the implied caller")

	// Explicit id always wins.
	id, err = m.ResolveCaller(root.ID)
	require.NoError(t, err)
	assert.Equal(t, root.ID, id)

	_, err = m.ResolveCaller("nope")
	assert.True(t, errkind.Is(err, errkind.InvalidInstanceID))
}

func TestListAndRetrieveFiles(t *testing.T) {
	m, _ := newTestManager(t)
	info, err := m.Spawn(context.Background(), m.Registry().Root().ID, SpawnOptions{Name: "w", Kind: instance.KindClaude})
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(filepath.Join(info.WorkspacePath, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(info.WorkspacePath, "src", "main.go"), []byte("package main"), 0o644))

	entries, err := m.ListFiles(info.ID, "")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "src", entries[0].Path)
	assert.Equal(t, "src/main.go", entries[1].Path)

	content, err := m.RetrieveFile(info.ID, "src/main.go")
	require.NoError(t, err)
	assert.Equal(t, "package main", content)
}

func TestRetrieveFileRejectsTraversalAndOversize(t *testing.T) {
	m, _ := newTestManager(t)
	info, err := m.Spawn(context.Background(), m.Registry().Root().ID, SpawnOptions{Name: "w", Kind: instance.KindClaude})
	require.NoError(t, err)

	_, err = m.RetrieveFile(info.ID, "../../etc/passwd")
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.IO))
	assert.Contains(t, err.Error(), "escapes the workspace")

	big := make([]byte, maxRetrieveBytes+1)
	require.NoError(t, os.WriteFile(filepath.Join(info.WorkspacePath, "big.bin"), big, 0o644))
	_, err = m.RetrieveFile(info.ID, "big.bin")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "capped")
}

func TestSpawnMultipleTagsTeamAndIsolatesFailures(t *testing.T) {
	m, _ := newTestManager(t)

	teamID, results, err := m.SpawnMultiple(context.Background(), m.Registry().Root().ID, "", []SpawnOptions{
		{Name: "a", Kind: instance.KindClaude},
		{Name: "b", Kind: "bogus"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, teamID)
	require.Len(t, results, 2)
	assert.Empty(t, results[0].Error)
	assert.Equal(t, teamID, results[0].Info.TeamSessionID)
	assert.NotEmpty(t, results[1].Error)
}

func TestCoordinateSequentialStopsAfterWaitFailure(t *testing.T) {
	m, _ := newTestManager(t)
	rootID := m.Registry().Root().ID
	a, err := m.Spawn(context.Background(), rootID, SpawnOptions{Name: "a", Kind: instance.KindClaude})
	require.NoError(t, err)
	b, err := m.Spawn(context.Background(), rootID, SpawnOptions{Name: "b", Kind: instance.KindClaude})
	require.NoError(t, err)

	results, err := m.Coordinate(context.Background(), rootID, []CoordinationStep{
		{InstanceID: a.ID, Message: "step one", WaitForResponse: true, TimeoutSeconds: 1},
		{InstanceID: b.ID, Message: "step two"},
	}, false)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Contains(t, results[0].Error, "TIMEOUT")
	assert.Contains(t, results[1].Error, "skipped")
}

func TestCoordinateParallelRunsAllSteps(t *testing.T) {
	m, _ := newTestManager(t)
	rootID := m.Registry().Root().ID
	a, err := m.Spawn(context.Background(), rootID, SpawnOptions{Name: "a", Kind: instance.KindClaude})
	require.NoError(t, err)
	b, err := m.Spawn(context.Background(), rootID, SpawnOptions{Name: "b", Kind: instance.KindClaude})
	require.NoError(t, err)

	results, err := m.Coordinate(context.Background(), rootID, []CoordinationStep{
		{InstanceID: a.ID, Message: "go"},
		{InstanceID: b.ID, Message: "go"},
	}, true)
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Empty(t, r.Error)
		assert.NotEmpty(t, r.CorrelationID)
	}
}

func TestPaneContentTailsLines(t *testing.T) {
	m, _ := newTestManager(t)
	info, err := m.Spawn(context.Background(), m.Registry().Root().ID, SpawnOptions{Name: "w", Kind: instance.KindClaude})
	require.NoError(t, err)

	pane, err := m.PaneContent(context.Background(), info.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, "claude> ready for input", pane)
}

func TestShutdownTerminatesChildrenFirst(t *testing.T) {
	m, _ := newTestManager(t)
	parent, err := m.Spawn(context.Background(), m.Registry().Root().ID, SpawnOptions{Name: "lead", Kind: instance.KindClaude})
	require.NoError(t, err)
	child, err := m.Spawn(context.Background(), "", SpawnOptions{Name: "helper", Kind: instance.KindClaude, ParentID: parent.ID})
	require.NoError(t, err)

	m.Shutdown(context.Background())

	for _, id := range []string{parent.ID, child.ID} {
		inst, err := m.Registry().Get(id)
		require.NoError(t, err)
		assert.Equal(t, instance.StateTerminated, inst.State())
	}
	assert.Equal(t, instance.StateTerminated, m.Registry().Root().State())
}
