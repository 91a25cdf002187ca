package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/madrox/madrox/pkg/wire"
)

func TestEmitWritesJSONLine(t *testing.T) {
	dir := t.TempDir()
	e := NewEmitter(dir)
	defer e.Close()

	e.Emit(EventInstanceSpawn, "spawn", "inst-1", map[string]interface{}{"name": "worker"})

	f, err := os.Open(filepath.Join(dir, "audit.jsonl"))
	require.NoError(t, err)
	defer f.Close()

	scanner := bufio.NewScanner(f)
	require.True(t, scanner.Scan())

	var ev Event
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev))
	assert.Equal(t, EventInstanceSpawn, ev.Type)
	assert.Equal(t, "spawn", ev.Action)
	assert.Equal(t, "inst-1", ev.InstanceID)
	assert.Equal(t, "worker", ev.Metadata["name"])
	assert.WithinDuration(t, time.Now(), ev.Timestamp, time.Minute)
}

func TestEmitPublishesToAuditStream(t *testing.T) {
	e := NewEmitter(t.TempDir())
	defer e.Close()

	ch := AuditBroadcaster().Subscribe()
	defer AuditBroadcaster().Unsubscribe(ch)

	e.Emit(EventQueueOverflow, "inbox", "inst-2", nil)

	select {
	case msg := <-ch:
		assert.Equal(t, wire.TypeAuditLog, msg.Type)
		var ev Event
		require.NoError(t, json.Unmarshal(msg.Data, &ev))
		assert.Equal(t, EventQueueOverflow, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("no audit message published")
	}
}

func TestBroadcasterPrunesSlowSubscriber(t *testing.T) {
	b := newBroadcaster()
	slow := b.Subscribe()
	require.Equal(t, 1, b.SubscriberCount())

	msg, err := wire.NewSystemLog(wire.SystemLogData{Message: "x"})
	require.NoError(t, err)
	// Fill the buffer, then one more to trigger the prune.
	for n := 0; n < 65; n++ {
		b.Publish(msg)
	}
	assert.Equal(t, 0, b.SubscriberCount())

	// The pruned channel is closed.
	for range slow {
	}
}

func TestUnsubscribeTwiceIsSafe(t *testing.T) {
	b := newBroadcaster()
	ch := b.Subscribe()
	b.Unsubscribe(ch)
	b.Unsubscribe(ch)
	assert.Equal(t, 0, b.SubscriberCount())
}
