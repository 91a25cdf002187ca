package mcp

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/madrox/madrox/internal/common/audit"
	"github.com/madrox/madrox/internal/common/config"
	"github.com/madrox/madrox/internal/common/logger"
	"github.com/madrox/madrox/internal/orchestrator"
	"github.com/madrox/madrox/internal/orchestrator/artifacts"
	"github.com/madrox/madrox/internal/orchestrator/bus"
	"github.com/madrox/madrox/internal/orchestrator/instance"
	"github.com/madrox/madrox/internal/orchestrator/tmux"
)

type quietRunner struct{ mu sync.Mutex }

func (r *quietRunner) Run(_ context.Context, args ...string) (string, error) {
	if args[0] == "capture-pane" {
		return "claude> idle", nil
	}
	return "", nil
}

func (r *quietRunner) RunInput(_ context.Context, _ string, args ...string) (string, error) {
	return "", nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	log := logger.Default()
	cfg := &config.Config{
		Server:    config.ServerConfig{Port: 8765},
		Workspace: config.WorkspaceConfig{Root: t.TempDir(), MaxInstances: 10},
		Terminal: config.TerminalConfig{
			PasteThreshold:  3 * 1024,
			CaptureLines:    2000,
			ReadyGraceMs:    500,
			QueueCapacity:   16,
			SendTimeoutSecs: 5,
		},
	}
	registry := instance.NewRegistry(10, 16)
	adapter := tmux.NewAdapter(&quietRunner{}, 2000, log)
	injector := tmux.NewInjector(adapter, 3*1024, 0, log)
	emitter := audit.NewEmitter(t.TempDir())
	t.Cleanup(func() { emitter.Close() })
	msgBus := bus.New(registry, injector, emitter, log)
	collector := artifacts.NewCollector(registry, adapter, emitter, cfg.Artifacts, t.TempDir(), log)
	manager := orchestrator.NewManager(cfg, registry, adapter, injector, msgBus, collector, emitter, cfg.Workspace.Root, log)
	_, err := manager.Bootstrap()
	require.NoError(t, err)
	return NewServer(manager, log)
}

func call(t *testing.T, s *Server, name string, args map[string]interface{}) map[string]interface{} {
	t.Helper()
	return callAs(t, s, context.Background(), name, args)
}

// callAs invokes a tool with the given (possibly caller-tagged) context
// and decodes the JSON envelope.
func callAs(t *testing.T, s *Server, ctx context.Context, name string, args map[string]interface{}) map[string]interface{} {
	t.Helper()
	result, err := s.Call(ctx, name, args)
	require.NoError(t, err)
	require.NotEmpty(t, result.Content)

	text, ok := mcplib.AsTextContent(result.Content[0])
	require.True(t, ok, "tool results are text content")

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(text.Text), &body))
	return body
}

// rootCtx impersonates the root orchestrator the way the HTTP transport
// does with its caller header.
func rootCtx(s *Server) context.Context {
	return WithCaller(context.Background(), s.manager.Registry().Root().ID)
}

func TestAllToolsRegistered(t *testing.T) {
	s := newTestServer(t)
	want := []string{
		"spawn_claude", "spawn_codex", "spawn_multiple_instances",
		"send_to_instance", "reply_to_caller", "get_pending_replies",
		"broadcast_to_children", "coordinate_instances",
		"get_instance_status", "get_live_instance_status", "get_instance_tree",
		"get_tmux_pane_content", "interrupt_instance", "terminate_instance",
		"list_instance_files", "retrieve_instance_file",
		"collect_team_artifacts", "get_main_instance_id",
	}
	have := map[string]bool{}
	for _, tool := range s.Tools() {
		have[tool.Name] = true
	}
	for _, name := range want {
		assert.True(t, have[name], "missing tool %s", name)
	}
	assert.Len(t, s.Tools(), len(want))
}

func TestGetMainInstanceIDIsDeprecated(t *testing.T) {
	s := newTestServer(t)
	body := call(t, s, "get_main_instance_id", nil)
	assert.Equal(t, "error", body["status"])
	assert.Equal(t, "DEPRECATED", body["error"])
	assert.NotEmpty(t, body["message"])
}

func TestSpawnWithoutCallerIsParentRequired(t *testing.T) {
	s := newTestServer(t)

	// No caller header and nothing busy: the spawn fails instead of
	// attaching the child to the root.
	body := call(t, s, "spawn_claude", map[string]interface{}{"name": "w"})
	assert.Equal(t, "error", body["status"])
	assert.Equal(t, "PARENT_REQUIRED", body["error"])

	all := call(t, s, "get_instance_status", nil)
	assert.Len(t, all["instances"], 1, "no instance was created")
}

func TestSpawnAndStatusEnvelope(t *testing.T) {
	s := newTestServer(t)

	body := callAs(t, s, rootCtx(s), "spawn_claude", map[string]interface{}{
		"name": "builder",
		"role": "backend_developer",
	})
	require.Equal(t, "success", body["status"])
	inst := body["instance"].(map[string]interface{})
	id := inst["id"].(string)
	assert.Equal(t, "builder", inst["name"])

	status := call(t, s, "get_instance_status", map[string]interface{}{"instance_id": id})
	assert.Equal(t, "success", status["status"])
	assert.Equal(t, id, status["instance"].(map[string]interface{})["id"])

	all := call(t, s, "get_instance_status", nil)
	assert.Len(t, all["instances"], 2)
}

func TestStatusUnknownIDErrorEnvelope(t *testing.T) {
	s := newTestServer(t)
	body := call(t, s, "get_instance_status", map[string]interface{}{"instance_id": "nope"})
	assert.Equal(t, "error", body["status"])
	assert.Equal(t, "INVALID_INSTANCE_ID", body["error"])
}

func TestTreeEnvelope(t *testing.T) {
	s := newTestServer(t)
	callAs(t, s, rootCtx(s), "spawn_claude", map[string]interface{}{"name": "a"})

	body := call(t, s, "get_instance_tree", nil)
	require.Equal(t, "success", body["status"])
	tree := body["tree"].(map[string]interface{})
	root := tree["instance"].(map[string]interface{})
	assert.Equal(t, orchestrator.RootName, root["name"])
	assert.Len(t, tree["children"], 1)
}

func TestSendAndPendingRepliesRoundTrip(t *testing.T) {
	s := newTestServer(t)
	spawned := callAs(t, s, rootCtx(s), "spawn_claude", map[string]interface{}{"name": "w"})
	childID := spawned["instance"].(map[string]interface{})["id"].(string)

	// The sender picks the correlation id; the bus echoes it back.
	sent := callAs(t, s, rootCtx(s), "send_to_instance", map[string]interface{}{
		"instance_id":    childID,
		"message":        "ping",
		"correlation_id": "K1",
	})
	require.Equal(t, "success", sent["status"])
	assert.Equal(t, "K1", sent["correlation_id"])

	// The child replies with its transport-authenticated identity.
	reply := callAs(t, s, WithCaller(context.Background(), childID), "reply_to_caller", map[string]interface{}{
		"instance_id":    childID,
		"correlation_id": "K1",
		"message":        "pong",
	})
	require.Equal(t, "success", reply["status"])

	// The parent collects the reply through the child's id.
	drained := call(t, s, "get_pending_replies", map[string]interface{}{"instance_id": childID})
	require.Equal(t, "success", drained["status"])
	assert.EqualValues(t, 1, drained["count"])
	replies := drained["replies"].([]interface{})
	first := replies[0].(map[string]interface{})
	assert.Equal(t, "K1", first["correlation_id"])
	assert.Equal(t, "pong", first["payload"])

	// A second drain is empty.
	drained = call(t, s, "get_pending_replies", map[string]interface{}{"instance_id": childID})
	assert.EqualValues(t, 0, drained["count"])
}

func TestReplyWithoutIdentitySpoofRejected(t *testing.T) {
	s := newTestServer(t)
	spawned := callAs(t, s, rootCtx(s), "spawn_claude", map[string]interface{}{"name": "w"})
	childID := spawned["instance"].(map[string]interface{})["id"].(string)

	// Claim the child's id from a context authenticated as the root.
	ctx := WithCaller(context.Background(), s.manager.Registry().Root().ID)
	result, err := s.Call(ctx, "reply_to_caller", map[string]interface{}{
		"instance_id":    childID,
		"correlation_id": "corr-1",
		"message":        "spoof",
	})
	require.NoError(t, err)
	text, ok := mcplib.AsTextContent(result.Content[0])
	require.True(t, ok)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(text.Text), &body))
	assert.Equal(t, "INVALID_INSTANCE_ID", body["error"])
}

func TestCoordinateDecodesSteps(t *testing.T) {
	s := newTestServer(t)
	spawned := callAs(t, s, rootCtx(s), "spawn_claude", map[string]interface{}{"name": "w"})
	childID := spawned["instance"].(map[string]interface{})["id"].(string)

	body := callAs(t, s, rootCtx(s), "coordinate_instances", map[string]interface{}{
		"steps": []interface{}{
			map[string]interface{}{"instance_id": childID, "message": "go"},
		},
	})
	require.Equal(t, "success", body["status"])
	results := body["results"].([]interface{})
	require.Len(t, results, 1)
	step := results[0].(map[string]interface{})
	assert.Equal(t, childID, step["instance_id"])
	assert.NotEmpty(t, step["correlation_id"])
}

func TestCollectArtifactsEmptyTeamEnvelope(t *testing.T) {
	s := newTestServer(t)
	body := call(t, s, "collect_team_artifacts", map[string]interface{}{"team_session_id": " "})
	assert.Equal(t, "error", body["status"])
	assert.Equal(t, "EMPTY_TEAM_ID", body["error"])

	body = call(t, s, "collect_team_artifacts", map[string]interface{}{"team_session_id": "team/../x"})
	assert.Equal(t, "error", body["status"])
	assert.Equal(t, "EMPTY_TEAM_ID", body["error"])
	assert.Contains(t, body["message"], "A-Za-z0-9_-")
}

func TestCallUnknownTool(t *testing.T) {
	s := newTestServer(t)
	_, err := s.Call(context.Background(), "no_such_tool", nil)
	assert.Error(t, err)
}
