package mcp

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/madrox/madrox/internal/orchestrator"
	"github.com/madrox/madrox/internal/orchestrator/errkind"
	"github.com/madrox/madrox/internal/orchestrator/instance"
)

// envelope renders a success payload. Both transports serve exactly
// these bytes, so tool output is transport-independent.
func envelope(data map[string]interface{}) *mcp.CallToolResult {
	body := map[string]interface{}{"status": "success"}
	for k, v := range data {
		body[k] = v
	}
	out, err := json.Marshal(body)
	if err != nil {
		return mcp.NewToolResultError("INTERNAL: " + err.Error())
	}
	return mcp.NewToolResultText(string(out))
}

// failure renders a classified error as a structured payload rather than
// a protocol-level error, so callers can branch on the kind.
func failure(err error) *mcp.CallToolResult {
	body := map[string]interface{}{
		"status":  "error",
		"error":   string(errkind.KindOf(err)),
		"message": errkind.MessageOf(err),
	}
	out, merr := json.Marshal(body)
	if merr != nil {
		return mcp.NewToolResultError(err.Error())
	}
	return mcp.NewToolResultText(string(out))
}

// caller resolves the calling instance for this request: the transport
// supplied identity when present, otherwise the registry heuristic.
func (s *Server) caller(ctx context.Context) string {
	if id := CallerFrom(ctx); id != "" {
		return id
	}
	if id, err := s.manager.ResolveCaller(""); err == nil {
		return id
	}
	return ""
}

func (s *Server) handleSpawnKind(kind string) toolHandler {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		opts := orchestrator.SpawnOptions{
			Name:          req.GetString("name", ""),
			Role:          instance.Role(req.GetString("role", "")),
			Kind:          instance.Kind(kind),
			Model:         req.GetString("model", ""),
			ParentID:      req.GetString("parent_instance_id", ""),
			TeamSessionID: req.GetString("team_session_id", ""),
			EnableMadrox:  req.GetBool("enable_madrox", false),
			InitialPrompt: req.GetString("initial_prompt", ""),
		}
		info, err := s.manager.Spawn(ctx, s.caller(ctx), opts)
		if err != nil {
			return failure(err), nil
		}
		return envelope(map[string]interface{}{"instance": info}), nil
	}
}

// spawnSpec is the wire shape of one entry in spawn_multiple_instances.
type spawnSpec struct {
	Name          string `json:"name"`
	Kind          string `json:"kind"`
	Role          string `json:"role"`
	Model         string `json:"model"`
	EnableMadrox  bool   `json:"enable_madrox"`
	InitialPrompt string `json:"initial_prompt"`
}

func (s *Server) handleSpawnMultiple(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var specs []spawnSpec
	if err := decodeArg(req, "instances", &specs); err != nil {
		return failure(err), nil
	}
	if len(specs) == 0 {
		return failure(errkind.New(errkind.Internal, "instances must not be empty")), nil
	}

	opts := make([]orchestrator.SpawnOptions, len(specs))
	for n, spec := range specs {
		kind := instance.Kind(spec.Kind)
		if kind == "" {
			kind = instance.KindClaude
		}
		opts[n] = orchestrator.SpawnOptions{
			Name:          spec.Name,
			Role:          instance.Role(spec.Role),
			Kind:          kind,
			Model:         spec.Model,
			EnableMadrox:  spec.EnableMadrox,
			InitialPrompt: spec.InitialPrompt,
			ParentID:      req.GetString("parent_instance_id", ""),
		}
	}

	teamID, results, err := s.manager.SpawnMultiple(ctx, s.caller(ctx), req.GetString("team_session_id", ""), opts)
	if err != nil {
		return failure(err), nil
	}
	return envelope(map[string]interface{}{
		"team_session_id": teamID,
		"results":         results,
	}), nil
}

func (s *Server) handleSend(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	recipientID, err := req.RequireString("instance_id")
	if err != nil {
		return failure(errkind.Wrap(errkind.Internal, err, "instance_id is required")), nil
	}
	message, err := req.RequireString("message")
	if err != nil {
		return failure(errkind.Wrap(errkind.Internal, err, "message is required")), nil
	}

	senderID := req.GetString("sender_instance_id", "")
	senderID, rerr := s.manager.ResolveCaller(firstNonEmpty(senderID, CallerFrom(ctx)))
	if rerr != nil {
		return failure(rerr), nil
	}

	wait := req.GetBool("wait_for_response", false)
	timeout := time.Duration(req.GetInt("timeout_seconds", 0)) * time.Second
	corr := req.GetString("correlation_id", "")

	res, err := s.manager.Bus().Send(ctx, senderID, recipientID, message, corr, wait, s.sendTimeout(timeout))
	if err != nil {
		return failure(err), nil
	}
	out := map[string]interface{}{
		"correlation_id": res.CorrelationID,
		"delivered":      res.Delivered,
	}
	if res.Reply != nil {
		out["reply"] = res.Reply.Payload
	}
	return envelope(out), nil
}

func (s *Server) handleReply(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	claimedID, err := req.RequireString("instance_id")
	if err != nil {
		return failure(errkind.Wrap(errkind.Internal, err, "instance_id is required")), nil
	}
	corr, err := req.RequireString("correlation_id")
	if err != nil {
		return failure(errkind.Wrap(errkind.Internal, err, "correlation_id is required")), nil
	}
	message, err := req.RequireString("message")
	if err != nil {
		return failure(errkind.Wrap(errkind.Internal, err, "message is required")), nil
	}

	callerID := s.caller(ctx)
	if callerID == "" {
		return failure(errkind.New(errkind.ParentRequired, "calling instance could not be determined")), nil
	}
	targetID, err := s.manager.Bus().ReplyToCaller(ctx, callerID, claimedID, corr, message)
	if err != nil {
		return failure(err), nil
	}
	return envelope(map[string]interface{}{"delivered_to": targetID}), nil
}

func (s *Server) handlePendingReplies(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("instance_id", "")
	if id == "" {
		id = s.caller(ctx)
	}
	replies, err := s.manager.Bus().PendingReplies(id)
	if err != nil {
		return failure(err), nil
	}
	if replies == nil {
		replies = []instance.Message{}
	}
	return envelope(map[string]interface{}{
		"replies": replies,
		"count":   len(replies),
	}), nil
}

func (s *Server) handleBroadcast(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	message, err := req.RequireString("message")
	if err != nil {
		return failure(errkind.Wrap(errkind.Internal, err, "message is required")), nil
	}
	senderID, rerr := s.manager.ResolveCaller(firstNonEmpty(req.GetString("sender_instance_id", ""), CallerFrom(ctx)))
	if rerr != nil {
		return failure(rerr), nil
	}
	results, err := s.manager.Bus().Broadcast(ctx, senderID, message)
	if err != nil {
		return failure(err), nil
	}
	return envelope(map[string]interface{}{
		"results":    results,
		"recipients": len(results),
	}), nil
}

func (s *Server) handleCoordinate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var steps []orchestrator.CoordinationStep
	if err := decodeArg(req, "steps", &steps); err != nil {
		return failure(err), nil
	}
	if len(steps) == 0 {
		return failure(errkind.New(errkind.Internal, "steps must not be empty")), nil
	}
	results, err := s.manager.Coordinate(ctx, s.caller(ctx), steps, req.GetBool("parallel", false))
	if err != nil {
		return failure(err), nil
	}
	return envelope(map[string]interface{}{"results": results}), nil
}

func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("instance_id", "")
	if id == "" {
		return envelope(map[string]interface{}{"instances": s.manager.StatusAll()}), nil
	}
	info, err := s.manager.Status(id)
	if err != nil {
		return failure(err), nil
	}
	return envelope(map[string]interface{}{"instance": info}), nil
}

func (s *Server) handleLiveStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("instance_id")
	if err != nil {
		return failure(errkind.Wrap(errkind.Internal, err, "instance_id is required")), nil
	}
	status, err := s.manager.GetLiveStatus(ctx, id)
	if err != nil {
		return failure(err), nil
	}
	return envelope(map[string]interface{}{
		"instance":  status.Info,
		"pane_tail": status.PaneTail,
	}), nil
}

func (s *Server) handleTree(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tree, err := s.manager.Tree(req.GetString("instance_id", ""))
	if err != nil {
		return failure(err), nil
	}
	return envelope(map[string]interface{}{"tree": tree}), nil
}

func (s *Server) handlePaneContent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("instance_id")
	if err != nil {
		return failure(errkind.Wrap(errkind.Internal, err, "instance_id is required")), nil
	}
	pane, err := s.manager.PaneContent(ctx, id, req.GetInt("lines", 0))
	if err != nil {
		return failure(err), nil
	}
	return envelope(map[string]interface{}{"content": pane}), nil
}

func (s *Server) handleInterrupt(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("instance_id")
	if err != nil {
		return failure(errkind.Wrap(errkind.Internal, err, "instance_id is required")), nil
	}
	info, err := s.manager.Interrupt(ctx, id)
	if err != nil {
		return failure(err), nil
	}
	return envelope(map[string]interface{}{"instance": info}), nil
}

func (s *Server) handleTerminate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("instance_id")
	if err != nil {
		return failure(errkind.Wrap(errkind.Internal, err, "instance_id is required")), nil
	}
	info, err := s.manager.Terminate(ctx, id)
	if err != nil {
		return failure(err), nil
	}
	return envelope(map[string]interface{}{"instance": info}), nil
}

func (s *Server) handleListFiles(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("instance_id")
	if err != nil {
		return failure(errkind.Wrap(errkind.Internal, err, "instance_id is required")), nil
	}
	entries, err := s.manager.ListFiles(id, req.GetString("path", ""))
	if err != nil {
		return failure(err), nil
	}
	if entries == nil {
		entries = []orchestrator.FileEntry{}
	}
	return envelope(map[string]interface{}{"files": entries, "count": len(entries)}), nil
}

func (s *Server) handleRetrieveFile(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("instance_id")
	if err != nil {
		return failure(errkind.Wrap(errkind.Internal, err, "instance_id is required")), nil
	}
	path, err := req.RequireString("file_path")
	if err != nil {
		return failure(errkind.Wrap(errkind.Internal, err, "file_path is required")), nil
	}
	content, err := s.manager.RetrieveFile(id, path)
	if err != nil {
		return failure(err), nil
	}
	return envelope(map[string]interface{}{
		"file_path": path,
		"content":   content,
		"bytes":     len(content),
	}), nil
}

func (s *Server) handleCollectArtifacts(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	teamID, err := req.RequireString("team_session_id")
	if err != nil {
		return failure(errkind.New(errkind.EmptyTeamID, "team_session_id is required")), nil
	}
	result, err := s.manager.CollectArtifacts(ctx, teamID)
	if err != nil {
		return failure(err), nil
	}
	return envelope(map[string]interface{}{"collection": result}), nil
}

func (s *Server) handleMainInstanceID(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return failure(errkind.New(errkind.Deprecated,
		"get_main_instance_id is deprecated; use get_instance_tree to find the root")), nil
}

// decodeArg extracts a structured argument by JSON round-trip.
func decodeArg(req mcp.CallToolRequest, key string, out interface{}) error {
	raw, ok := req.GetArguments()[key]
	if !ok {
		return errkind.New(errkind.Internal, "%s is required", key)
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return errkind.Wrap(errkind.Internal, err, "encode %s", key)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errkind.Wrap(errkind.Internal, err, "decode %s", key)
	}
	return nil
}

func (s *Server) sendTimeout(requested time.Duration) time.Duration {
	if requested > 0 {
		return requested
	}
	return s.manager.DefaultSendTimeout()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
