package instance

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/madrox/madrox/internal/orchestrator/errkind"
	"github.com/madrox/madrox/internal/orchestrator/tmux"
)

// paneRingSize bounds the per-instance capture history used by live
// status reporting.
const paneRingSize = 8

// Registry is the single source of truth for the instance forest. One
// structural mutex guards membership and the parent index; per-instance
// mutable state lives behind each instance's own lock.
type Registry struct {
	mu           sync.RWMutex
	instances    map[string]*Instance
	children     map[string][]string
	rootID       string
	maxInstances int
	queueCap     int
}

// NewRegistry creates an empty registry. maxInstances bounds the number
// of live (non-terminated) instances; queueCap sizes each inbox and
// reply queue.
func NewRegistry(maxInstances, queueCap int) *Registry {
	return &Registry{
		instances:    make(map[string]*Instance),
		children:     make(map[string][]string),
		maxInstances: maxInstances,
		queueCap:     queueCap,
	}
}

// Spec describes a new instance to register.
type Spec struct {
	ID            string
	Name          string
	Role          Role
	Kind          Kind
	Model         string
	ParentID      string
	TeamSessionID string
	WorkspacePath string
	EnableMadrox  bool
	Session       *tmux.Session
}

// Add creates and registers an instance from spec. The first instance
// with an empty parent becomes the root; any later parentless add is
// rejected so the forest keeps exactly one root.
func (r *Registry) Add(spec Spec) (*Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if spec.ID == "" {
		return nil, errkind.New(errkind.Internal, "instance id must not be empty")
	}
	if _, exists := r.instances[spec.ID]; exists {
		return nil, errkind.New(errkind.Internal, "instance id %q already registered", spec.ID)
	}
	if spec.ParentID == "" {
		if r.rootID != "" {
			return nil, errkind.New(errkind.Internal, "root instance already exists (%s)", r.rootID)
		}
	} else if _, ok := r.instances[spec.ParentID]; !ok {
		return nil, errkind.New(errkind.InvalidInstanceID, "parent instance %q not found", spec.ParentID)
	}
	if r.maxInstances > 0 && r.liveCountLocked() >= r.maxInstances {
		return nil, errkind.New(errkind.Internal, "instance limit reached (%d)", r.maxInstances)
	}
	if spec.WorkspacePath != "" {
		for _, other := range r.instances {
			if other.State().Live() && other.WorkspacePath == spec.WorkspacePath {
				return nil, errkind.New(errkind.Internal,
					"workspace %q already in use by %s", spec.WorkspacePath, other.ID)
			}
		}
	}

	now := time.Now().UTC()
	inst := &Instance{
		ID:            spec.ID,
		Name:          spec.Name,
		Role:          spec.Role,
		Kind:          spec.Kind,
		Model:         spec.Model,
		ParentID:      spec.ParentID,
		TeamSessionID: spec.TeamSessionID,
		WorkspacePath: spec.WorkspacePath,
		EnableMadrox:  spec.EnableMadrox,
		Session:       spec.Session,
		CreatedAt:     now,
		state:         StateSpawning,
		lastActivity:  now,
		inbox:         newBoundedQueue(r.queueCap),
		replyQueue:    newBoundedQueue(r.queueCap),
		panes:         newPaneRing(paneRingSize),
	}

	r.instances[inst.ID] = inst
	if inst.ParentID == "" {
		r.rootID = inst.ID
	} else {
		r.children[inst.ParentID] = append(r.children[inst.ParentID], inst.ID)
	}
	return inst, nil
}

// Get resolves an instance id. Unknown ids, including correlation ids
// mistakenly passed as instance ids, come back as INVALID_INSTANCE_ID.
func (r *Registry) Get(id string) (*Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[id]
	if !ok {
		return nil, errkind.New(errkind.InvalidInstanceID,
			"unknown instance id %q (correlation ids are not instance ids)", id)
	}
	return inst, nil
}

// Root returns the root orchestrator instance, or nil before bootstrap.
func (r *Registry) Root() *Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.rootID == "" {
		return nil
	}
	return r.instances[r.rootID]
}

// Children returns the direct children of parentID in creation order.
func (r *Registry) Children(parentID string) []*Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.children[parentID]
	out := make([]*Instance, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.instances[id])
	}
	return out
}

// Descendants returns the subtree below parentID, depth first.
func (r *Registry) Descendants(parentID string) []*Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Instance
	var walk func(id string)
	walk = func(id string) {
		for _, childID := range r.children[id] {
			out = append(out, r.instances[childID])
			walk(childID)
		}
	}
	walk(parentID)
	return out
}

// All returns every registered instance, terminated ones included,
// ordered by creation time.
func (r *Registry) All() []*Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, inst)
	}
	sort.Slice(out, func(a, b int) bool {
		return out[a].CreatedAt.Before(out[b].CreatedAt)
	})
	return out
}

// TeamMembers returns instances tagged with teamID, terminated ones
// included so artifact collection can cover finished work.
func (r *Registry) TeamMembers(teamID string) []*Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Instance
	for _, inst := range r.instances {
		if inst.TeamSessionID == teamID {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		return out[a].CreatedAt.Before(out[b].CreatedAt)
	})
	return out
}

// Transition validates and applies a state change, returning the prior
// state. Same-state transitions are no-ops.
func (r *Registry) Transition(inst *Instance, to State) (State, error) {
	inst.mu.Lock()
	from := inst.state
	if from == to {
		inst.mu.Unlock()
		return from, nil
	}
	if !CanTransition(from, to) {
		inst.mu.Unlock()
		return from, errkind.New(errkind.Internal,
			"illegal state transition %s -> %s for %s", from, to, inst.ID)
	}
	inst.state = to
	if to == StateTerminated {
		now := time.Now().UTC()
		inst.terminatedAt = &now
	}
	inst.mu.Unlock()
	return from, nil
}

// MostRecentlyActive returns the busy instance with the latest activity
// timestamp, or nil when no instance is busy. Used to attribute tool
// calls that arrive without an explicit caller identity.
func (r *Registry) MostRecentlyActive() *Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var best *Instance
	var bestAt time.Time
	for _, inst := range r.instances {
		if inst.State() != StateBusy {
			continue
		}
		at := inst.LastActivity()
		if best == nil || at.After(bestAt) {
			best = inst
			bestAt = at
		}
	}
	return best
}

// LiveCount returns the number of non-terminated instances.
func (r *Registry) LiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.liveCountLocked()
}

func (r *Registry) liveCountLocked() int {
	n := 0
	for _, inst := range r.instances {
		if inst.State().Live() {
			n++
		}
	}
	return n
}

// TreeNode is one instance plus its children, for get_instance_tree.
type TreeNode struct {
	Info     Info        `json:"instance"`
	Children []*TreeNode `json:"children,omitempty"`
}

// Tree renders the forest rooted at rootID (the registry root when
// empty) as nested snapshots.
func (r *Registry) Tree(rootID string) (*TreeNode, error) {
	r.mu.RLock()
	if rootID == "" {
		rootID = r.rootID
	}
	inst, ok := r.instances[rootID]
	r.mu.RUnlock()
	if !ok {
		return nil, errkind.New(errkind.InvalidInstanceID, "unknown instance id %q", rootID)
	}
	return r.buildNode(inst), nil
}

func (r *Registry) buildNode(inst *Instance) *TreeNode {
	node := &TreeNode{Info: inst.Snapshot()}
	for _, child := range r.Children(inst.ID) {
		node.Children = append(node.Children, r.buildNode(child))
	}
	return node
}

// String implements fmt.Stringer for diagnostics.
func (r *Registry) String() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return fmt.Sprintf("registry(%d instances, %d live)", len(r.instances), r.liveCountLocked())
}
