package instance

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/madrox/madrox/internal/orchestrator/errkind"
)

func addRoot(t *testing.T, r *Registry) *Instance {
	t.Helper()
	root, err := r.Add(Spec{ID: "root", Name: "main-orchestrator", Role: RoleGeneral, Kind: KindClaude})
	require.NoError(t, err)
	return root
}

func addChild(t *testing.T, r *Registry, id, parentID string) *Instance {
	t.Helper()
	inst, err := r.Add(Spec{
		ID: id, Name: id, Role: RoleGeneral, Kind: KindClaude,
		ParentID: parentID, WorkspacePath: "/ws/" + id,
	})
	require.NoError(t, err)
	return inst
}

func TestSingleRootInvariant(t *testing.T) {
	r := NewRegistry(10, 8)
	addRoot(t, r)

	_, err := r.Add(Spec{ID: "root2", Name: "impostor"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "root instance already exists")
}

func TestAddRejectsUnknownParent(t *testing.T) {
	r := NewRegistry(10, 8)
	addRoot(t, r)

	_, err := r.Add(Spec{ID: "c1", ParentID: "nope"})
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.InvalidInstanceID))
}

func TestGetUnknownIDIsInvalidInstanceID(t *testing.T) {
	r := NewRegistry(10, 8)
	addRoot(t, r)

	_, err := r.Get("corr-12345")
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.InvalidInstanceID))
}

func TestInstanceLimitCountsLiveOnly(t *testing.T) {
	r := NewRegistry(2, 8)
	addRoot(t, r)
	child := addChild(t, r, "c1", "root")

	_, err := r.Add(Spec{ID: "c2", ParentID: "root", WorkspacePath: "/ws/c2"})
	require.Error(t, err)

	// Terminating a live instance frees a slot.
	_, err = r.Transition(child, StateTerminating)
	require.NoError(t, err)
	_, err = r.Transition(child, StateTerminated)
	require.NoError(t, err)
	addChild(t, r, "c3", "root")
}

func TestWorkspaceUniquenessAmongLive(t *testing.T) {
	r := NewRegistry(10, 8)
	addRoot(t, r)
	addChild(t, r, "c1", "root")

	_, err := r.Add(Spec{ID: "c2", ParentID: "root", WorkspacePath: "/ws/c1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already in use")
}

func TestStateMachineIsMonotonic(t *testing.T) {
	r := NewRegistry(10, 8)
	root := addRoot(t, r)

	for _, to := range []State{StateInitializing, StateReady, StateBusy, StateIdle, StateBusy, StateTerminating, StateTerminated} {
		_, err := r.Transition(root, to)
		require.NoError(t, err, "transition to %s", to)
	}

	// Terminated is final.
	for _, to := range []State{StateReady, StateBusy, StateIdle, StateError, StateSpawning} {
		_, err := r.Transition(root, to)
		assert.Error(t, err, "terminated -> %s must fail", to)
	}
	require.NotNil(t, root.Snapshot().TerminatedAt)
}

func TestErrorReachableFromLiveStates(t *testing.T) {
	for _, from := range []State{StateSpawning, StateInitializing, StateReady, StateBusy, StateIdle} {
		assert.True(t, CanTransition(from, StateError), "%s -> error", from)
	}
	assert.False(t, CanTransition(StateTerminated, StateError))
}

func TestMostRecentlyActivePrefersLatestBusy(t *testing.T) {
	r := NewRegistry(10, 8)
	root := addRoot(t, r)
	a := addChild(t, r, "a", "root")
	b := addChild(t, r, "b", "root")

	for _, inst := range []*Instance{root, a, b} {
		_, err := r.Transition(inst, StateInitializing)
		require.NoError(t, err)
		_, err = r.Transition(inst, StateReady)
		require.NoError(t, err)
	}

	assert.Nil(t, r.MostRecentlyActive(), "no busy instance yet")

	_, err := r.Transition(a, StateBusy)
	require.NoError(t, err)
	a.Touch()
	time.Sleep(2 * time.Millisecond)
	_, err = r.Transition(b, StateBusy)
	require.NoError(t, err)
	b.Touch()

	got := r.MostRecentlyActive()
	require.NotNil(t, got)
	assert.Equal(t, "b", got.ID)
}

func TestBoundedQueueDropsOldest(t *testing.T) {
	q := newBoundedQueue(3)
	for n := 0; n < 3; n++ {
		_, dropped := q.push(Message{CorrelationID: fmt.Sprintf("m%d", n)})
		assert.False(t, dropped)
	}
	old, dropped := q.push(Message{CorrelationID: "m3"})
	assert.True(t, dropped)
	assert.Equal(t, "m0", old.CorrelationID)

	msgs := q.drain()
	require.Len(t, msgs, 3)
	assert.Equal(t, "m1", msgs[0].CorrelationID)
	assert.Equal(t, "m3", msgs[2].CorrelationID)
	assert.Zero(t, q.len())
}

func TestTreeNestsChildren(t *testing.T) {
	r := NewRegistry(10, 8)
	addRoot(t, r)
	addChild(t, r, "a", "root")
	addChild(t, r, "b", "root")
	addChild(t, r, "a1", "a")

	tree, err := r.Tree("")
	require.NoError(t, err)
	assert.Equal(t, "root", tree.Info.ID)
	require.Len(t, tree.Children, 2)
	assert.Equal(t, "a", tree.Children[0].Info.ID)
	require.Len(t, tree.Children[0].Children, 1)
	assert.Equal(t, "a1", tree.Children[0].Children[0].Info.ID)

	sub, err := r.Tree("a")
	require.NoError(t, err)
	assert.Equal(t, "a", sub.Info.ID)

	_, err = r.Tree("missing")
	assert.True(t, errkind.Is(err, errkind.InvalidInstanceID))
}

func TestPaneRingServesLatest(t *testing.T) {
	ring := newPaneRing(2)
	assert.Empty(t, ring.last())
	ring.add("one")
	ring.add("two")
	ring.add("three")
	assert.Equal(t, "three", ring.last())
}
