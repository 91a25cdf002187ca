package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/madrox/madrox/internal/common/audit"
	"github.com/madrox/madrox/pkg/wire"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

// The log stream is a local observability side channel; cross-origin
// browsers on the same host are allowed.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleLogSocket streams system and audit log messages over WebSocket.
// The streams query parameter selects categories (default both).
func (s *HTTPServer) handleLogSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	streams := parseStreams(c.Query("streams"))
	merged := make(chan *wire.LogMessage, 128)
	done := make(chan struct{})

	var subs []struct {
		b  *audit.Broadcaster
		ch chan *wire.LogMessage
	}
	if streams["system"] {
		b := audit.SystemBroadcaster()
		subs = append(subs, struct {
			b  *audit.Broadcaster
			ch chan *wire.LogMessage
		}{b, b.Subscribe()})
	}
	if streams["audit"] {
		b := audit.AuditBroadcaster()
		subs = append(subs, struct {
			b  *audit.Broadcaster
			ch chan *wire.LogMessage
		}{b, b.Subscribe()})
	}

	for _, sub := range subs {
		go func() {
			for msg := range sub.ch {
				select {
				case merged <- msg:
				case <-done:
					return
				}
			}
		}()
	}

	// Reader loop: drain control frames and detect close.
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer func() {
		ping.Stop()
		for _, sub := range subs {
			sub.b.Unsubscribe(sub.ch)
		}
		conn.Close()
	}()

	for {
		select {
		case <-done:
			return
		case msg := <-merged:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func parseStreams(param string) map[string]bool {
	if param == "" {
		return map[string]bool{"system": true, "audit": true}
	}
	out := make(map[string]bool)
	for _, name := range strings.Split(param, ",") {
		name = strings.TrimSpace(name)
		if name == "system" || name == "audit" {
			out[name] = true
		}
	}
	if len(out) == 0 {
		out["system"] = true
		out["audit"] = true
	}
	return out
}
