// Package audit provides the typed audit event stream and the WebSocket
// broadcasters for both log categories. Audit events are appended as
// JSON lines to a rotated file and mirrored live to subscribers.
package audit

import (
	"encoding/json"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/madrox/madrox/pkg/wire"
)

// EventType identifies the category of an audit event.
type EventType string

const (
	EventInstanceSpawn     EventType = "instance_spawn"
	EventInstanceTerminate EventType = "instance_terminate"
	EventMessageSent       EventType = "message_sent"
	EventMessageReceived   EventType = "message_received"
	EventStateChange       EventType = "state_change"
	EventError             EventType = "error"
	EventTimeout           EventType = "timeout"
	EventQueueOverflow     EventType = "queue_overflow"
	EventArtifactCollect   EventType = "artifact_collect"
)

// Event is one audit record. Metadata is free-form and event-specific.
type Event struct {
	Timestamp  time.Time              `json:"timestamp"`
	Type       EventType              `json:"event_type"`
	Action     string                 `json:"action"`
	InstanceID string                 `json:"instance_id,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Emitter writes audit events to an append-only JSON-lines file and
// publishes them to the audit broadcaster.
type Emitter struct {
	mu   sync.Mutex
	sink *lumberjack.Logger
}

// NewEmitter creates an emitter writing to <dir>/audit.jsonl with daily
// rotation and 30 rotated files retained.
func NewEmitter(dir string) *Emitter {
	return &Emitter{
		sink: &lumberjack.Logger{
			Filename:   filepath.Join(dir, "audit.jsonl"),
			MaxAge:     1, // days; effectively daily rotation
			MaxBackups: 30,
			Compress:   true,
		},
	}
}

// Emit records one audit event. Failures to write are silently dropped:
// the audit trail must never take the orchestrator down.
func (e *Emitter) Emit(eventType EventType, action, instanceID string, metadata map[string]interface{}) {
	ev := Event{
		Timestamp:  time.Now().UTC(),
		Type:       eventType,
		Action:     action,
		InstanceID: instanceID,
		Metadata:   metadata,
	}

	line, err := json.Marshal(ev)
	if err != nil {
		return
	}

	e.mu.Lock()
	_, _ = e.sink.Write(append(line, '\n'))
	e.mu.Unlock()

	if msg, err := wire.NewAuditLog(ev); err == nil {
		AuditBroadcaster().Publish(msg)
	}
}

// Close flushes and closes the underlying file.
func (e *Emitter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sink.Close()
}
