// Package instance holds the authoritative record of every managed
// child process: identity, hierarchy, state machine, counters, and the
// per-instance message queues.
package instance

import (
	"regexp"
	"sync"
	"time"

	"github.com/madrox/madrox/internal/orchestrator/tmux"
)

// State is the lifecycle state of an instance. States move monotonically
// towards terminated; busy and idle may alternate.
type State string

const (
	StateSpawning     State = "spawning"
	StateInitializing State = "initializing"
	StateReady        State = "ready"
	StateBusy         State = "busy"
	StateIdle         State = "idle"
	StateTerminating  State = "terminating"
	StateTerminated   State = "terminated"
	StateError        State = "error"
)

// validTransitions enumerates the state machine. Absent pairs are
// rejected; terminated has no exits.
var validTransitions = map[State][]State{
	StateSpawning:     {StateInitializing, StateError, StateTerminating},
	StateInitializing: {StateReady, StateError, StateTerminating},
	StateReady:        {StateBusy, StateIdle, StateError, StateTerminating},
	StateBusy:         {StateIdle, StateError, StateTerminating},
	StateIdle:         {StateBusy, StateError, StateTerminating},
	StateError:        {StateTerminating, StateTerminated},
	StateTerminating:  {StateTerminated},
	StateTerminated:   {},
}

// CanTransition reports whether from -> to is a legal state change.
func CanTransition(from, to State) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Live reports whether the state is neither terminating nor terminated.
func (s State) Live() bool {
	return s != StateTerminating && s != StateTerminated
}

// Role tags an instance with its function in the team.
type Role string

const (
	RoleGeneral           Role = "general"
	RoleArchitect         Role = "architect"
	RoleFrontendDeveloper Role = "frontend_developer"
	RoleBackendDeveloper  Role = "backend_developer"
	RoleDataScientist     Role = "data_scientist"
	RoleDevopsEngineer    Role = "devops_engineer"
	RoleDesigner          Role = "designer"
	RoleQAEngineer        Role = "qa_engineer"
	RoleSecurityAnalyst   Role = "security_analyst"
	RoleTechnicalWriter   Role = "technical_writer"
	RoleProjectManager    Role = "project_manager"
)

var roleSet = map[Role]struct{}{
	RoleGeneral: {}, RoleArchitect: {}, RoleFrontendDeveloper: {},
	RoleBackendDeveloper: {}, RoleDataScientist: {}, RoleDevopsEngineer: {},
	RoleDesigner: {}, RoleQAEngineer: {}, RoleSecurityAnalyst: {},
	RoleTechnicalWriter: {}, RoleProjectManager: {},
}

// ValidRole reports whether r is in the fixed role set.
func ValidRole(r Role) bool {
	_, ok := roleSet[r]
	return ok
}

// Kind selects the launch command and paste semantics of the child CLI.
type Kind string

const (
	KindClaude Kind = "claude"
	KindCodex  Kind = "codex"
)

// ValidKind reports whether k is a supported CLI kind.
func ValidKind(k Kind) bool {
	return k == KindClaude || k == KindCodex
}

var teamIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidTeamID reports whether id is a legal team session tag.
func ValidTeamID(id string) bool {
	return teamIDPattern.MatchString(id)
}

// MessageKind discriminates message envelopes on the bus.
type MessageKind string

const (
	MessageRequest   MessageKind = "request"
	MessageReply     MessageKind = "reply"
	MessageBroadcast MessageKind = "broadcast"
)

// Message is the envelope carried on inboxes and reply queues. The
// correlation id is chosen by the sender and echoed by replies; the bus
// matches on equality only.
type Message struct {
	CorrelationID string      `json:"correlation_id"`
	SenderID      string      `json:"sender_id"`
	RecipientID   string      `json:"recipient_id"`
	Payload       string      `json:"payload"`
	CreatedAt     time.Time   `json:"created_at"`
	Kind          MessageKind `json:"kind"`
}

// Instance is one managed child process attached to a tmux session.
// Structural fields are immutable after creation; mutable fields are
// guarded by the instance mutex and read via Snapshot.
type Instance struct {
	ID            string
	Name          string
	Role          Role
	Kind          Kind
	Model         string
	ParentID      string // empty only for the root orchestrator
	TeamSessionID string
	WorkspacePath string
	EnableMadrox  bool
	Session       *tmux.Session
	CreatedAt     time.Time

	mu            sync.Mutex
	state         State
	lastActivity  time.Time
	terminatedAt  *time.Time
	requestCount  int
	tokensUsed    int64
	cost          float64
	toolsExecuted int

	inbox      *boundedQueue
	replyQueue *boundedQueue
	panes      *paneRing
}

// Info is a copy-on-read snapshot of an instance, safe to serialize.
type Info struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Role           Role      `json:"role"`
	Kind           Kind      `json:"kind"`
	Model          string    `json:"model,omitempty"`
	ParentID       string    `json:"parent_id,omitempty"`
	TeamSessionID  string    `json:"team_session_id,omitempty"`
	WorkspacePath  string    `json:"workspace_path"`
	EnableMadrox   bool      `json:"enable_madrox"`
	State          State     `json:"state"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivity   time.Time `json:"last_activity"`
	TerminatedAt   *time.Time `json:"terminated_at,omitempty"`
	RequestCount   int       `json:"request_count"`
	TokensUsed     int64     `json:"tokens_used"`
	Cost           float64   `json:"cost"`
	ToolsExecuted  int       `json:"tools_executed"`
	InboxLength    int       `json:"inbox_length"`
	PendingReplies int       `json:"pending_replies"`
}

// State returns the current state.
func (i *Instance) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// setState applies a transition without validity checking; the registry
// is the only caller and validates first.
func (i *Instance) setState(to State) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.state = to
	if to == StateTerminated {
		now := time.Now().UTC()
		i.terminatedAt = &now
	}
}

// Touch records activity now.
func (i *Instance) Touch() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.lastActivity = time.Now().UTC()
}

// LastActivity returns the most recent activity timestamp.
func (i *Instance) LastActivity() time.Time {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.lastActivity
}

// CountRequest increments the request counter and touches activity.
func (i *Instance) CountRequest() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.requestCount++
	i.lastActivity = time.Now().UTC()
}

// CountToolExecution increments the tool counter.
func (i *Instance) CountToolExecution() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.toolsExecuted++
	i.lastActivity = time.Now().UTC()
}

// AddUsage accumulates token and cost counters.
func (i *Instance) AddUsage(tokens int64, cost float64) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.tokensUsed += tokens
	i.cost += cost
}

// ToolsExecuted returns the tool execution counter.
func (i *Instance) ToolsExecuted() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.toolsExecuted
}

// RecordPane stores a pane capture snapshot in the ring.
func (i *Instance) RecordPane(text string) {
	i.panes.add(text)
}

// LastPane returns the most recent pane snapshot, or "" if none.
func (i *Instance) LastPane() string {
	return i.panes.last()
}

// Snapshot returns a copy of all mutable fields.
func (i *Instance) Snapshot() Info {
	i.mu.Lock()
	defer i.mu.Unlock()
	return Info{
		ID:             i.ID,
		Name:           i.Name,
		Role:           i.Role,
		Kind:           i.Kind,
		Model:          i.Model,
		ParentID:       i.ParentID,
		TeamSessionID:  i.TeamSessionID,
		WorkspacePath:  i.WorkspacePath,
		EnableMadrox:   i.EnableMadrox,
		State:          i.state,
		CreatedAt:      i.CreatedAt,
		LastActivity:   i.lastActivity,
		TerminatedAt:   i.terminatedAt,
		RequestCount:   i.requestCount,
		TokensUsed:     i.tokensUsed,
		Cost:           i.cost,
		ToolsExecuted:  i.toolsExecuted,
		InboxLength:    i.inbox.len(),
		PendingReplies: i.replyQueue.len(),
	}
}
