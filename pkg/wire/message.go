// Package wire defines the message types streamed to WebSocket log
// subscribers. Clients discriminate on the envelope type, never by
// parsing strings out of the payload.
package wire

import (
	"encoding/json"
	"time"
)

// Stream type discriminators for log messages.
const (
	TypeSystemLog = "system_log"
	TypeAuditLog  = "audit_log"
)

// LogMessage is the envelope delivered on /ws/logs.
type LogMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// SystemLogData is the payload of a system_log message.
type SystemLogData struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Module    string    `json:"module"`
	Line      int       `json:"line"`
	Message   string    `json:"message"`
}

// NewSystemLog wraps a system log record in a LogMessage envelope.
func NewSystemLog(data SystemLogData) (*LogMessage, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &LogMessage{Type: TypeSystemLog, Data: raw}, nil
}

// NewAuditLog wraps an audit record in a LogMessage envelope. The record
// schema is owned by the audit package.
func NewAuditLog(record interface{}) (*LogMessage, error) {
	raw, err := json.Marshal(record)
	if err != nil {
		return nil, err
	}
	return &LogMessage{Type: TypeAuditLog, Data: raw}, nil
}
