package audit

import (
	"go.uber.org/zap/zapcore"

	"github.com/madrox/madrox/pkg/wire"
)

// broadcastCore is a zapcore.Core that mirrors every log entry to the
// system-stream broadcaster. Tee it into the main logger with
// logger.NewLoggerWithCore.
type broadcastCore struct {
	level zapcore.LevelEnabler
}

// NewBroadcastCore returns a core forwarding entries at or above level
// to the system broadcaster.
func NewBroadcastCore(level zapcore.LevelEnabler) zapcore.Core {
	return &broadcastCore{level: level}
}

func (c *broadcastCore) Enabled(l zapcore.Level) bool {
	return c.level.Enabled(l)
}

func (c *broadcastCore) With(_ []zapcore.Field) zapcore.Core {
	// Structured fields are carried in the rendered message only; the
	// system stream schema is level/module/line/message.
	return c
}

func (c *broadcastCore) Check(entry zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(entry.Level) {
		return ce.AddCore(entry, c)
	}
	return ce
}

func (c *broadcastCore) Write(entry zapcore.Entry, _ []zapcore.Field) error {
	data := wire.SystemLogData{
		Timestamp: entry.Time,
		Level:     entry.Level.String(),
		Module:    entry.LoggerName,
		Message:   entry.Message,
	}
	if entry.Caller.Defined {
		if data.Module == "" {
			data.Module = entry.Caller.TrimmedPath()
		}
		data.Line = entry.Caller.Line
	}
	if msg, err := wire.NewSystemLog(data); err == nil {
		SystemBroadcaster().Publish(msg)
	}
	return nil
}

func (c *broadcastCore) Sync() error { return nil }
