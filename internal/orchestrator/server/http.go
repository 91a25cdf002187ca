// Package server hosts the two transports: an HTTP server carrying the
// MCP endpoints, a REST tool surface, and the WebSocket log stream; and
// a STDIO transport speaking line-delimited JSON-RPC.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/madrox/madrox/internal/common/config"
	"github.com/madrox/madrox/internal/common/logger"
	"github.com/madrox/madrox/internal/orchestrator"
	"github.com/madrox/madrox/internal/orchestrator/mcp"
)

// CallerHeader carries the calling instance's id on HTTP requests.
// Children get their id via MADROX_INSTANCE_ID and send it back here.
const CallerHeader = "X-Madrox-Instance-Id"

// HTTPServer serves the HTTP transport.
type HTTPServer struct {
	cfg     config.ServerConfig
	mcp     *mcp.Server
	manager *orchestrator.Manager
	logger  *logger.Logger
	httpSrv *http.Server
}

// NewHTTPServer builds the gin router and wraps it in an http.Server.
func NewHTTPServer(cfg config.ServerConfig, mcpSrv *mcp.Server, manager *orchestrator.Manager, log *logger.Logger) *HTTPServer {
	s := &HTTPServer{
		cfg:     cfg,
		mcp:     mcpSrv,
		manager: manager,
		logger:  log.WithComponent("http"),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())

	router.GET("/health", s.handleHealth)
	router.GET("/api/v1/tools", s.handleListTools)
	router.POST("/api/v1/tools/call", s.handleCallTool)
	router.GET("/ws/logs", s.handleLogSocket)

	// MCP protocol endpoints. Streamable HTTP at /mcp; SSE transport on
	// its legacy /sse + /message pair.
	streamable := mcpserver.NewStreamableHTTPServer(mcpSrv.MCPServer())
	sse := mcpserver.NewSSEServer(mcpSrv.MCPServer())
	router.Any("/mcp", gin.WrapH(withCallerHeader(streamable)))
	router.Any("/mcp/*rest", gin.WrapH(withCallerHeader(streamable)))
	router.Any("/sse", gin.WrapH(withCallerHeader(sse)))
	router.Any("/message", gin.WrapH(withCallerHeader(sse)))

	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeout) * time.Second,
	}
	return s
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *HTTPServer) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http transport listening", zap.String("addr", s.httpSrv.Addr))
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	}
}

// withCallerHeader lifts the caller header into the request context so
// tool handlers see the same identity on every transport path.
func withCallerHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := r.Header.Get(CallerHeader); id != "" {
			r = r.WithContext(mcp.WithCaller(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}

func (s *HTTPServer) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		// The log socket holds its connection open; skip it.
		if c.Request.URL.Path == "/ws/logs" {
			return
		}
		s.logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)))
	}
}

func (s *HTTPServer) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"live_instances": s.manager.Registry().LiveCount(),
	})
}

func (s *HTTPServer) handleListTools(c *gin.Context) {
	tools := s.mcp.Tools()
	out := make([]gin.H, 0, len(tools))
	for _, t := range tools {
		out = append(out, gin.H{
			"name":        t.Name,
			"description": t.Description,
		})
	}
	c.JSON(http.StatusOK, gin.H{"tools": out})
}

type callToolRequest struct {
	Name      string                 `json:"name" binding:"required"`
	Arguments map[string]interface{} `json:"arguments"`
}

// handleCallTool invokes a tool through the same dispatcher as the MCP
// protocol paths, so REST callers get byte-identical envelopes.
func (s *HTTPServer) handleCallTool(c *gin.Context) {
	var req callToolRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	if id := c.GetHeader(CallerHeader); id != "" {
		ctx = mcp.WithCaller(ctx, id)
	}
	result, err := s.mcp.Call(ctx, req.Name, req.Arguments)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}
