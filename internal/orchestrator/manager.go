// Package orchestrator ties the registry, terminal layer, message bus,
// and artifact collector into the operation surface the MCP tools call.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/madrox/madrox/internal/common/audit"
	"github.com/madrox/madrox/internal/common/config"
	"github.com/madrox/madrox/internal/common/logger"
	"github.com/madrox/madrox/internal/common/tracing"
	"github.com/madrox/madrox/internal/orchestrator/artifacts"
	"github.com/madrox/madrox/internal/orchestrator/bus"
	"github.com/madrox/madrox/internal/orchestrator/errkind"
	"github.com/madrox/madrox/internal/orchestrator/instance"
	"github.com/madrox/madrox/internal/orchestrator/tmux"
)

// RootName is the display name of the implicit root orchestrator.
const RootName = "main-orchestrator"

// maxRetrieveBytes caps retrieve_instance_file payloads.
const maxRetrieveBytes = 256 * 1024

// liveStatusTailLines is the pane tail included in live status.
const liveStatusTailLines = 40

// Manager owns the instance lifecycle and exposes every orchestration
// operation.
type Manager struct {
	cfg       *config.Config
	registry  *instance.Registry
	adapter   *tmux.Adapter
	injector  *tmux.Injector
	bus       *bus.Bus
	collector *artifacts.Collector
	audit     *audit.Emitter
	logger    *logger.Logger

	workspaceRoot string
	serverURL     string
}

// NewManager wires a manager over already-constructed collaborators.
func NewManager(cfg *config.Config, registry *instance.Registry, adapter *tmux.Adapter, injector *tmux.Injector, b *bus.Bus, collector *artifacts.Collector, emitter *audit.Emitter, workspaceRoot string, log *logger.Logger) *Manager {
	return &Manager{
		cfg:           cfg,
		registry:      registry,
		adapter:       adapter,
		injector:      injector,
		bus:           b,
		collector:     collector,
		audit:         emitter,
		logger:        log.WithComponent("manager"),
		workspaceRoot: workspaceRoot,
		serverURL:     fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port),
	}
}

// Registry exposes the registry for the transports and supervisor.
func (m *Manager) Registry() *instance.Registry { return m.registry }

// Bus exposes the message bus.
func (m *Manager) Bus() *bus.Bus { return m.bus }

// DefaultSendTimeout returns the configured synchronous-send timeout.
func (m *Manager) DefaultSendTimeout() time.Duration { return m.cfg.Terminal.SendTimeout() }

// Bootstrap registers the root orchestrator record. It has no terminal
// of its own; it stands in for the operator driving the tool surface.
func (m *Manager) Bootstrap() (*instance.Instance, error) {
	root, err := m.registry.Add(instance.Spec{
		ID:           uuid.NewString(),
		Name:         RootName,
		Role:         instance.RoleGeneral,
		Kind:         instance.KindClaude,
		EnableMadrox: true,
	})
	if err != nil {
		return nil, err
	}
	if _, err := m.registry.Transition(root, instance.StateInitializing); err != nil {
		return nil, err
	}
	if _, err := m.registry.Transition(root, instance.StateReady); err != nil {
		return nil, err
	}
	m.logger.Info("root orchestrator registered", zap.String("instance_id", root.ID))
	return root, nil
}

// SpawnOptions describes a new child instance.
type SpawnOptions struct {
	Name          string
	Role          instance.Role
	Kind          instance.Kind
	Model         string
	ParentID      string // empty: resolve from caller
	TeamSessionID string
	EnableMadrox  bool
	InitialPrompt string
}

// Spawn creates a workspace, launches the child CLI in a fresh tmux
// session, and registers the instance. The call returns once the child
// is registered; readiness is tracked asynchronously.
func (m *Manager) Spawn(ctx context.Context, callerID string, opts SpawnOptions) (instance.Info, error) {
	ctx, span := tracing.TraceSpawn(ctx, string(opts.Kind), opts.Name, opts.ParentID)
	var err error
	defer func() {
		tracing.RecordResult(span, err)
		span.End()
	}()

	if !instance.ValidKind(opts.Kind) {
		err = errkind.New(errkind.Internal, "unsupported instance kind %q", opts.Kind)
		return instance.Info{}, err
	}
	if opts.Role == "" {
		opts.Role = instance.RoleGeneral
	}
	if !instance.ValidRole(opts.Role) {
		err = errkind.New(errkind.Internal, "unknown role %q", opts.Role)
		return instance.Info{}, err
	}
	if opts.Name == "" {
		opts.Name = string(opts.Role)
	}
	if opts.TeamSessionID != "" && !instance.ValidTeamID(opts.TeamSessionID) {
		err = errkind.New(errkind.Internal,
			"team_session_id %q must match [A-Za-z0-9_-]+", opts.TeamSessionID)
		return instance.Info{}, err
	}

	parentID := opts.ParentID
	if parentID == "" {
		parentID, err = m.ResolveCaller(callerID)
		if err != nil {
			return instance.Info{}, err
		}
	} else if _, err = m.registry.Get(parentID); err != nil {
		return instance.Info{}, err
	}
	parent, err := m.registry.Get(parentID)
	if err != nil {
		return instance.Info{}, err
	}
	teamID := opts.TeamSessionID
	if teamID == "" {
		teamID = parent.TeamSessionID
	}

	id := uuid.NewString()
	short := id[:8]
	workspace := filepath.Join(m.workspaceRoot, sanitizeName(opts.Name)+"-"+short)
	if err = os.MkdirAll(workspace, 0o755); err != nil {
		err = errkind.Wrap(errkind.IO, err, "create workspace %s", workspace)
		return instance.Info{}, err
	}

	env := map[string]string{
		"MADROX_INSTANCE_ID": id,
		"MADROX_PARENT_ID":   parentID,
	}
	if opts.EnableMadrox {
		env["MADROX_ORCHESTRATOR_URL"] = m.serverURL
	}

	sessionName := fmt.Sprintf("madrox-%s-%s", sanitizeName(opts.Name), short)
	session, err := m.adapter.Start(ctx, sessionName, launchCommand(opts.Kind, opts.Model), workspace, env)
	if err != nil {
		os.RemoveAll(workspace)
		return instance.Info{}, err
	}

	inst, err := m.registry.Add(instance.Spec{
		ID:            id,
		Name:          opts.Name,
		Role:          opts.Role,
		Kind:          opts.Kind,
		Model:         opts.Model,
		ParentID:      parentID,
		TeamSessionID: teamID,
		WorkspacePath: workspace,
		EnableMadrox:  opts.EnableMadrox,
		Session:       session,
	})
	if err != nil {
		_ = m.adapter.Kill(ctx, session)
		os.RemoveAll(workspace)
		return instance.Info{}, err
	}
	if _, err = m.registry.Transition(inst, instance.StateInitializing); err != nil {
		return instance.Info{}, err
	}

	m.audit.Emit(audit.EventInstanceSpawn, "spawn", id, map[string]interface{}{
		"name":            opts.Name,
		"kind":            string(opts.Kind),
		"role":            string(opts.Role),
		"parent_id":       parentID,
		"team_session_id": teamID,
		"session":         sessionName,
	})
	m.logger.Info("instance spawned",
		zap.String("instance_id", id),
		zap.String("name", opts.Name),
		zap.String("kind", string(opts.Kind)),
		zap.String("parent_id", parentID))

	go m.watchReadiness(inst, opts.InitialPrompt)

	return inst.Snapshot(), nil
}

// watchReadiness polls the pane until output stabilizes, then marks the
// instance ready and delivers the initial prompt if one was given.
func (m *Manager) watchReadiness(inst *instance.Instance, initialPrompt string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Terminal.ReadyGrace())
	defer cancel()

	var prev string
	stable := 0
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for inst.State() == instance.StateInitializing {
		select {
		case <-ctx.Done():
			// Grace expired; assume the CLI is up but slow to settle.
			m.logger.Warn("readiness grace expired, marking ready",
				zap.String("instance_id", inst.ID))
			m.markReady(inst, initialPrompt)
			return
		case <-ticker.C:
		}
		pane, err := m.adapter.CapturePane(ctx, inst.Session)
		if err != nil {
			if errkind.Is(err, errkind.SessionGone) {
				if _, terr := m.registry.Transition(inst, instance.StateError); terr == nil {
					m.audit.Emit(audit.EventStateChange, "spawn_failed", inst.ID, map[string]interface{}{
						"to": string(instance.StateError),
					})
				}
				return
			}
			continue
		}
		inst.RecordPane(pane)
		if pane != "" && pane == prev {
			stable++
			if stable >= 2 {
				m.markReady(inst, initialPrompt)
				return
			}
		} else {
			stable = 0
		}
		prev = pane
	}
}

func (m *Manager) markReady(inst *instance.Instance, initialPrompt string) {
	if _, err := m.registry.Transition(inst, instance.StateReady); err != nil {
		return
	}
	m.audit.Emit(audit.EventStateChange, "ready", inst.ID, map[string]interface{}{
		"to": string(instance.StateReady),
	})
	if initialPrompt == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.injector.Inject(ctx, inst.Session, initialPrompt); err != nil {
		m.logger.Warn("initial prompt delivery failed",
			zap.String("instance_id", inst.ID), zap.Error(err))
		return
	}
	inst.CountRequest()
	_, _ = m.registry.Transition(inst, instance.StateBusy)
}

// ResolveCaller maps an explicit or implied caller to an instance id.
// Order: explicit id, then the most-recently-busy instance. When neither
// identifies a caller the resolution fails with PARENT_REQUIRED; the
// root is never substituted implicitly.
func (m *Manager) ResolveCaller(explicit string) (string, error) {
	if explicit != "" {
		inst, err := m.registry.Get(explicit)
		if err != nil {
			return "", err
		}
		return inst.ID, nil
	}
	if busy := m.registry.MostRecentlyActive(); busy != nil {
		return busy.ID, nil
	}
	return "", errkind.New(errkind.ParentRequired,
		"caller could not be determined; pass an explicit instance id")
}

// Terminate kills the instance's tmux session and marks it terminated.
// Terminating an already-terminated instance is a no-op. The workspace
// is kept for artifact collection.
func (m *Manager) Terminate(ctx context.Context, id string) (instance.Info, error) {
	inst, err := m.registry.Get(id)
	if err != nil {
		return instance.Info{}, err
	}
	st := inst.State()
	if st == instance.StateTerminated {
		return inst.Snapshot(), nil
	}
	if st != instance.StateTerminating {
		if _, err := m.registry.Transition(inst, instance.StateTerminating); err != nil {
			return instance.Info{}, err
		}
	}
	if inst.Session != nil {
		if pane, err := m.adapter.CapturePane(ctx, inst.Session); err == nil {
			inst.RecordPane(pane)
		}
		if err := m.adapter.Kill(ctx, inst.Session); err != nil {
			m.logger.Warn("session kill failed",
				zap.String("instance_id", id), zap.Error(err))
		}
	}
	if _, err := m.registry.Transition(inst, instance.StateTerminated); err != nil {
		return instance.Info{}, err
	}
	m.audit.Emit(audit.EventInstanceTerminate, "terminate", id, map[string]interface{}{
		"name": inst.Name,
	})
	m.logger.Info("instance terminated", zap.String("instance_id", id))
	return inst.Snapshot(), nil
}

// Interrupt sends C-c to the instance's terminal and moves it back to
// idle if it was busy.
func (m *Manager) Interrupt(ctx context.Context, id string) (instance.Info, error) {
	inst, err := m.registry.Get(id)
	if err != nil {
		return instance.Info{}, err
	}
	if !inst.State().Live() {
		return instance.Info{}, errkind.New(errkind.SessionGone, "instance %s is %s", id, inst.State())
	}
	if err := m.adapter.Interrupt(ctx, inst.Session); err != nil {
		return instance.Info{}, err
	}
	if inst.State() == instance.StateBusy {
		_, _ = m.registry.Transition(inst, instance.StateIdle)
	}
	inst.Touch()
	return inst.Snapshot(), nil
}

// Status returns the instance snapshot without touching tmux.
func (m *Manager) Status(id string) (instance.Info, error) {
	inst, err := m.registry.Get(id)
	if err != nil {
		return instance.Info{}, err
	}
	return inst.Snapshot(), nil
}

// StatusAll returns snapshots of every instance, creation-ordered.
func (m *Manager) StatusAll() []instance.Info {
	all := m.registry.All()
	out := make([]instance.Info, 0, len(all))
	for _, inst := range all {
		out = append(out, inst.Snapshot())
	}
	return out
}

// LiveStatus is Status plus a fresh pane tail.
type LiveStatus struct {
	instance.Info
	PaneTail string `json:"pane_tail"`
}

// GetLiveStatus captures the pane and returns the snapshot with its
// trailing lines.
func (m *Manager) GetLiveStatus(ctx context.Context, id string) (LiveStatus, error) {
	inst, err := m.registry.Get(id)
	if err != nil {
		return LiveStatus{}, err
	}
	tail := inst.LastPane()
	if inst.State().Live() && inst.Session != nil {
		pane, err := m.adapter.CapturePane(ctx, inst.Session)
		if err != nil {
			if errkind.Is(err, errkind.SessionGone) {
				return LiveStatus{}, err
			}
		} else {
			inst.RecordPane(pane)
			tail = pane
		}
	}
	return LiveStatus{Info: inst.Snapshot(), PaneTail: tailLines(tail, liveStatusTailLines)}, nil
}

// PaneContent captures the instance's terminal, bounded to the
// configured scrollback window, and optionally to the last n lines.
func (m *Manager) PaneContent(ctx context.Context, id string, lines int) (string, error) {
	inst, err := m.registry.Get(id)
	if err != nil {
		return "", err
	}
	if !inst.State().Live() || inst.Session == nil {
		// Terminated instances serve their final capture.
		pane := inst.LastPane()
		if lines > 0 {
			pane = tailLines(pane, lines)
		}
		return pane, nil
	}
	pane, err := m.adapter.CapturePane(ctx, inst.Session)
	if err != nil {
		return "", err
	}
	inst.RecordPane(pane)
	if lines > 0 {
		pane = tailLines(pane, lines)
	}
	return pane, nil
}

// Tree renders the instance forest from the given root (registry root
// when empty).
func (m *Manager) Tree(rootID string) (*instance.TreeNode, error) {
	return m.registry.Tree(rootID)
}

// FileEntry is one workspace listing row.
type FileEntry struct {
	Path  string `json:"path"`
	Size  int64  `json:"size"`
	IsDir bool   `json:"is_dir"`
}

// ListFiles lists the instance workspace subtree at subpath. Paths that
// escape the workspace are rejected.
func (m *Manager) ListFiles(id, subpath string) ([]FileEntry, error) {
	inst, err := m.registry.Get(id)
	if err != nil {
		return nil, err
	}
	root, err := securePath(inst.WorkspacePath, subpath)
	if err != nil {
		return nil, err
	}
	var entries []FileEntry
	err = filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(inst.WorkspacePath, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		entries = append(entries, FileEntry{
			Path:  filepath.ToSlash(rel),
			Size:  info.Size(),
			IsDir: d.IsDir(),
		})
		return nil
	})
	if err != nil {
		return nil, errkind.Wrap(errkind.IO, err, "list workspace files for %s", id)
	}
	sort.Slice(entries, func(a, b int) bool { return entries[a].Path < entries[b].Path })
	return entries, nil
}

// RetrieveFile reads one workspace file, capped at 256 KiB.
func (m *Manager) RetrieveFile(id, relPath string) (string, error) {
	inst, err := m.registry.Get(id)
	if err != nil {
		return "", err
	}
	full, err := securePath(inst.WorkspacePath, relPath)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(full)
	if err != nil {
		return "", errkind.Wrap(errkind.IO, err, "stat %s", relPath)
	}
	if info.IsDir() {
		return "", errkind.New(errkind.IO, "%s is a directory", relPath)
	}
	if info.Size() > maxRetrieveBytes {
		return "", errkind.New(errkind.IO,
			"%s is %d bytes; retrieval is capped at %d", relPath, info.Size(), maxRetrieveBytes)
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return "", errkind.Wrap(errkind.IO, err, "read %s", relPath)
	}
	return string(data), nil
}

// SpawnResult is the per-child outcome of SpawnMultiple.
type SpawnResult struct {
	Info  instance.Info `json:"instance,omitempty"`
	Error string        `json:"error,omitempty"`
}

// SpawnMultiple launches several children in parallel under one team
// tag. Failures are isolated per child.
func (m *Manager) SpawnMultiple(ctx context.Context, callerID, teamID string, specs []SpawnOptions) (string, []SpawnResult, error) {
	if teamID == "" {
		teamID = "team-" + uuid.NewString()[:8]
	}
	parentID, err := m.ResolveCaller(callerID)
	if err != nil {
		return "", nil, err
	}

	results := make([]SpawnResult, len(specs))
	g, ctx := errgroup.WithContext(ctx)
	for n, spec := range specs {
		g.Go(func() error {
			spec.ParentID = parentID
			spec.TeamSessionID = teamID
			info, err := m.Spawn(ctx, callerID, spec)
			if err != nil {
				results[n] = SpawnResult{Error: err.Error()}
			} else {
				results[n] = SpawnResult{Info: info}
			}
			return nil
		})
	}
	_ = g.Wait()
	return teamID, results, nil
}

// CoordinationStep is one step of coordinate_instances.
type CoordinationStep struct {
	InstanceID      string `json:"instance_id"`
	Message         string `json:"message"`
	WaitForResponse bool   `json:"wait_for_response"`
	TimeoutSeconds  int    `json:"timeout_seconds"`
}

// StepResult is the outcome of one coordination step.
type StepResult struct {
	InstanceID    string `json:"instance_id"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Reply         string `json:"reply,omitempty"`
	Error         string `json:"error,omitempty"`
}

// Coordinate runs steps against instances either sequentially (each step
// starts after the previous finishes) or in parallel.
func (m *Manager) Coordinate(ctx context.Context, callerID string, steps []CoordinationStep, parallel bool) ([]StepResult, error) {
	senderID, err := m.ResolveCaller(callerID)
	if err != nil {
		return nil, err
	}
	results := make([]StepResult, len(steps))

	runStep := func(ctx context.Context, step CoordinationStep) StepResult {
		timeout := time.Duration(step.TimeoutSeconds) * time.Second
		if timeout <= 0 {
			timeout = m.cfg.Terminal.SendTimeout()
		}
		res, err := m.bus.Send(ctx, senderID, step.InstanceID, step.Message, "", step.WaitForResponse, timeout)
		out := StepResult{InstanceID: step.InstanceID}
		if err != nil {
			out.Error = err.Error()
			return out
		}
		out.CorrelationID = res.CorrelationID
		if res.Reply != nil {
			out.Reply = res.Reply.Payload
		}
		return out
	}

	if parallel {
		g, ctx := errgroup.WithContext(ctx)
		for n, step := range steps {
			g.Go(func() error {
				results[n] = runStep(ctx, step)
				return nil
			})
		}
		_ = g.Wait()
		return results, nil
	}

	for n, step := range steps {
		results[n] = runStep(ctx, step)
		if results[n].Error != "" && step.WaitForResponse {
			// Later steps often depend on earlier replies; stop the chain.
			for k := n + 1; k < len(steps); k++ {
				results[k] = StepResult{InstanceID: steps[k].InstanceID, Error: "skipped: previous step failed"}
			}
			break
		}
	}
	return results, nil
}

// CollectArtifacts snapshots the team's workspaces and terminal output.
func (m *Manager) CollectArtifacts(ctx context.Context, teamID string) (*artifacts.Result, error) {
	return m.collector.Collect(ctx, teamID)
}

// Shutdown terminates every live non-root instance, deepest first so
// children go before their parents.
func (m *Manager) Shutdown(ctx context.Context) {
	root := m.registry.Root()
	var order []*instance.Instance
	if root != nil {
		order = m.registry.Descendants(root.ID)
	}
	for n := len(order) - 1; n >= 0; n-- {
		inst := order[n]
		if !inst.State().Live() {
			continue
		}
		if _, err := m.Terminate(ctx, inst.ID); err != nil {
			m.logger.Warn("shutdown terminate failed",
				zap.String("instance_id", inst.ID), zap.Error(err))
		}
	}
	if root != nil && root.State().Live() {
		if st := root.State(); st != instance.StateTerminating {
			_, _ = m.registry.Transition(root, instance.StateTerminating)
		}
		_, _ = m.registry.Transition(root, instance.StateTerminated)
	}
	m.logger.Info("orchestrator shut down")
}

// launchCommand builds the CLI invocation for a kind.
func launchCommand(kind instance.Kind, model string) string {
	cmd := string(kind)
	if model != "" {
		cmd += " --model " + model
	}
	return cmd
}

// securePath resolves rel inside root, rejecting traversal outside it.
func securePath(root, rel string) (string, error) {
	if rel == "" {
		rel = "."
	}
	full := filepath.Join(root, filepath.FromSlash(rel))
	full = filepath.Clean(full)
	if full != root && !strings.HasPrefix(full, root+string(filepath.Separator)) {
		return "", errkind.New(errkind.IO, "path %q escapes the workspace", rel)
	}
	return full, nil
}

func sanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, name)
}

// tailLines returns the last n lines of text.
func tailLines(text string, n int) string {
	if n <= 0 {
		return text
	}
	lines := strings.Split(text, "\n")
	if len(lines) <= n {
		return text
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}
