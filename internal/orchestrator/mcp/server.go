// Package mcp defines the tool surface exposed to instances over both
// transports. Every tool resolves to a manager operation and returns a
// JSON envelope that is identical regardless of transport.
package mcp

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/madrox/madrox/internal/common/logger"
	"github.com/madrox/madrox/internal/common/tracing"
	"github.com/madrox/madrox/internal/orchestrator"
)

// ServerName and ServerVersion identify the MCP server to clients.
const (
	ServerName    = "madrox"
	ServerVersion = "1.0.0"
)

type callerKey struct{}

// WithCaller tags ctx with an authenticated caller instance id. The HTTP
// transport sets it from the request header.
func WithCaller(ctx context.Context, instanceID string) context.Context {
	return context.WithValue(ctx, callerKey{}, instanceID)
}

// CallerFrom returns the caller id from ctx, or "".
func CallerFrom(ctx context.Context) string {
	id, _ := ctx.Value(callerKey{}).(string)
	return id
}

// Server wraps the MCP server with the manager it dispatches to.
type Server struct {
	mcp      *server.MCPServer
	manager  *orchestrator.Manager
	logger   *logger.Logger
	tools    []mcp.Tool
	handlers map[string]toolHandler
}

// NewServer builds the MCP server and registers every tool.
func NewServer(manager *orchestrator.Manager, log *logger.Logger) *Server {
	s := &Server{
		mcp: server.NewMCPServer(ServerName, ServerVersion,
			server.WithToolCapabilities(true),
			server.WithRecovery(),
		),
		manager:  manager,
		logger:   log.WithComponent("mcp"),
		handlers: make(map[string]toolHandler),
	}
	s.registerTools()
	return s
}

// MCPServer exposes the underlying server for transport mounting.
func (s *Server) MCPServer() *server.MCPServer { return s.mcp }

// Tools returns the registered tool definitions for the REST listing.
func (s *Server) Tools() []mcp.Tool { return s.tools }

// Call dispatches a tool by name outside the MCP protocol path. The REST
// endpoint uses it; results are identical to protocol calls.
func (s *Server) Call(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	handler, ok := s.handlers[name]
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", name)
	}
	var req mcp.CallToolRequest
	req.Params.Name = name
	req.Params.Arguments = args
	return handler(ctx, req)
}

type toolHandler func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)

// wrap adds per-call logging, tracing, and tool-execution accounting.
func (s *Server) wrap(name string, handler toolHandler) toolHandler {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		callerID := CallerFrom(ctx)
		ctx, span := tracing.TraceToolCall(ctx, name, callerID)
		start := time.Now()

		result, err := handler(ctx, req)

		tracing.RecordResult(span, err)
		span.End()
		s.logger.Debug("tool call",
			zap.String("tool", name),
			zap.String("caller_id", callerID),
			zap.Duration("duration", time.Since(start)),
			zap.Bool("error", err != nil || (result != nil && result.IsError)))

		if caller, rerr := s.manager.Registry().Get(callerID); rerr == nil {
			caller.CountToolExecution()
		}
		return result, err
	}
}

func (s *Server) add(tool mcp.Tool, handler toolHandler) {
	wrapped := s.wrap(tool.Name, handler)
	s.tools = append(s.tools, tool)
	s.handlers[tool.Name] = wrapped
	s.mcp.AddTool(tool, server.ToolHandlerFunc(wrapped))
}

func (s *Server) registerTools() {
	s.add(mcp.NewTool("spawn_claude",
		mcp.WithDescription("Spawn a claude CLI instance in a new terminal session as a child of the caller."),
		mcp.WithString("name", mcp.Description("Display name for the instance")),
		mcp.WithString("role", mcp.Description("Team role, e.g. general, architect, qa_engineer")),
		mcp.WithString("model", mcp.Description("Model override passed to the CLI")),
		mcp.WithString("parent_instance_id", mcp.Description("Explicit parent; defaults to the caller")),
		mcp.WithString("team_session_id", mcp.Description("Team tag; inherited from the parent when empty")),
		mcp.WithBoolean("enable_madrox", mcp.Description("Give the child access to these orchestration tools")),
		mcp.WithString("initial_prompt", mcp.Description("Prompt delivered once the instance is ready")),
	), s.handleSpawnKind("claude"))

	s.add(mcp.NewTool("spawn_codex",
		mcp.WithDescription("Spawn a codex CLI instance in a new terminal session as a child of the caller."),
		mcp.WithString("name", mcp.Description("Display name for the instance")),
		mcp.WithString("role", mcp.Description("Team role, e.g. general, architect, qa_engineer")),
		mcp.WithString("model", mcp.Description("Model override passed to the CLI")),
		mcp.WithString("parent_instance_id", mcp.Description("Explicit parent; defaults to the caller")),
		mcp.WithString("team_session_id", mcp.Description("Team tag; inherited from the parent when empty")),
		mcp.WithBoolean("enable_madrox", mcp.Description("Give the child access to these orchestration tools")),
		mcp.WithString("initial_prompt", mcp.Description("Prompt delivered once the instance is ready")),
	), s.handleSpawnKind("codex"))

	s.add(mcp.NewTool("spawn_multiple_instances",
		mcp.WithDescription("Spawn several instances in parallel under one team tag."),
		mcp.WithString("team_session_id", mcp.Description("Team tag; generated when empty")),
		mcp.WithString("parent_instance_id", mcp.Description("Explicit parent; defaults to the caller")),
		mcp.WithArray("instances", mcp.Required(),
			mcp.Description("Instance specs: {name, kind, role, model, enable_madrox, initial_prompt}")),
	), s.handleSpawnMultiple)

	s.add(mcp.NewTool("send_to_instance",
		mcp.WithDescription("Send a message to an instance's terminal, optionally waiting for its reply."),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("Recipient instance id")),
		mcp.WithString("message", mcp.Required(), mcp.Description("Message text")),
		mcp.WithBoolean("wait_for_response", mcp.Description("Block until the recipient replies")),
		mcp.WithNumber("timeout_seconds", mcp.Description("Wait timeout; default from config")),
		mcp.WithString("correlation_id", mcp.Description("Sender-chosen correlation id; generated when empty")),
		mcp.WithString("sender_instance_id", mcp.Description("Explicit sender; defaults to the caller")),
	), s.handleSend)

	s.add(mcp.NewTool("reply_to_caller",
		mcp.WithDescription("Reply to the instance that sent the request carrying correlation_id."),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("Your own instance id")),
		mcp.WithString("correlation_id", mcp.Required(), mcp.Description("Correlation id from the request header")),
		mcp.WithString("message", mcp.Required(), mcp.Description("Reply text")),
	), s.handleReply)

	s.add(mcp.NewTool("get_pending_replies",
		mcp.WithDescription("Drain replies queued for the caller since the last drain."),
		mcp.WithString("instance_id", mcp.Description("Instance to drain; defaults to the caller")),
	), s.handlePendingReplies)

	s.add(mcp.NewTool("broadcast_to_children",
		mcp.WithDescription("Send a message to every live direct child of the caller."),
		mcp.WithString("message", mcp.Required(), mcp.Description("Message text")),
		mcp.WithString("sender_instance_id", mcp.Description("Explicit sender; defaults to the caller")),
	), s.handleBroadcast)

	s.add(mcp.NewTool("coordinate_instances",
		mcp.WithDescription("Run a series of messaging steps against instances, sequentially or in parallel."),
		mcp.WithArray("steps", mcp.Required(),
			mcp.Description("Steps: {instance_id, message, wait_for_response, timeout_seconds}")),
		mcp.WithBoolean("parallel", mcp.Description("Run steps concurrently instead of in order")),
	), s.handleCoordinate)

	s.add(mcp.NewTool("get_instance_status",
		mcp.WithDescription("Return the status snapshot of one instance, or all instances."),
		mcp.WithString("instance_id", mcp.Description("Instance id; omit for all instances")),
	), s.handleStatus)

	s.add(mcp.NewTool("get_live_instance_status",
		mcp.WithDescription("Return an instance's status with a fresh terminal tail."),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("Instance id")),
	), s.handleLiveStatus)

	s.add(mcp.NewTool("get_instance_tree",
		mcp.WithDescription("Return the instance hierarchy as a nested tree."),
		mcp.WithString("instance_id", mcp.Description("Subtree root; defaults to the orchestrator root")),
	), s.handleTree)

	s.add(mcp.NewTool("get_tmux_pane_content",
		mcp.WithDescription("Capture an instance's terminal pane, including scrollback."),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("Instance id")),
		mcp.WithNumber("lines", mcp.Description("Return only the last N lines")),
	), s.handlePaneContent)

	s.add(mcp.NewTool("interrupt_instance",
		mcp.WithDescription("Send an interrupt (Ctrl-C) to an instance's terminal."),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("Instance id")),
	), s.handleInterrupt)

	s.add(mcp.NewTool("terminate_instance",
		mcp.WithDescription("Terminate an instance and free its terminal session. Idempotent."),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("Instance id")),
	), s.handleTerminate)

	s.add(mcp.NewTool("list_instance_files",
		mcp.WithDescription("List files in an instance's workspace."),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("Instance id")),
		mcp.WithString("path", mcp.Description("Subdirectory to list; defaults to the workspace root")),
	), s.handleListFiles)

	s.add(mcp.NewTool("retrieve_instance_file",
		mcp.WithDescription("Read one file from an instance's workspace (capped at 256 KiB)."),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("Instance id")),
		mcp.WithString("file_path", mcp.Required(), mcp.Description("Workspace-relative file path")),
	), s.handleRetrieveFile)

	s.add(mcp.NewTool("collect_team_artifacts",
		mcp.WithDescription("Snapshot workspaces, terminal output, and metadata for every member of a team."),
		mcp.WithString("team_session_id", mcp.Required(), mcp.Description("Team tag to collect")),
	), s.handleCollectArtifacts)

	s.add(mcp.NewTool("get_main_instance_id",
		mcp.WithDescription("Deprecated. Use get_instance_tree to find the root."),
	), s.handleMainInstanceID)
}
