// Command madrox runs the orchestrator: it manages a forest of
// terminal-attached assistant CLI instances and exposes the
// orchestration tools over MCP, either on stdio or HTTP.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/madrox/madrox/internal/common/audit"
	"github.com/madrox/madrox/internal/common/config"
	"github.com/madrox/madrox/internal/common/logger"
	"github.com/madrox/madrox/internal/common/tracing"
	"github.com/madrox/madrox/internal/orchestrator"
	"github.com/madrox/madrox/internal/orchestrator/artifacts"
	"github.com/madrox/madrox/internal/orchestrator/bus"
	"github.com/madrox/madrox/internal/orchestrator/instance"
	mcpsrv "github.com/madrox/madrox/internal/orchestrator/mcp"
	"github.com/madrox/madrox/internal/orchestrator/server"
	"github.com/madrox/madrox/internal/orchestrator/supervisor"
	"github.com/madrox/madrox/internal/orchestrator/tmux"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(2)
	}

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	log, err := logger.NewLoggerWithCore(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	}, audit.NewBroadcastCore(zapcore.InfoLevel))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	logger.SetDefault(log)
	defer log.Sync()

	if err := os.MkdirAll(cfg.Logging.AuditDir, 0o755); err != nil {
		return fmt.Errorf("audit dir: %w", err)
	}
	emitter := audit.NewEmitter(cfg.Logging.AuditDir)
	defer emitter.Close()

	workspaceRoot, err := cfg.AbsWorkspaceRoot()
	if err != nil {
		return err
	}
	artifactsRoot, err := cfg.AbsArtifactsRoot()
	if err != nil {
		return err
	}
	for _, dir := range []string{workspaceRoot, artifactsRoot} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	registry := instance.NewRegistry(cfg.Workspace.MaxInstances, cfg.Terminal.QueueCapacity)
	adapter := tmux.NewAdapter(tmux.NewRunner(), cfg.Terminal.CaptureLines, log)
	injector := tmux.NewInjector(adapter, cfg.Terminal.PasteThreshold, cfg.Terminal.PasteSettle(), log)
	msgBus := bus.New(registry, injector, emitter, log)
	collector := artifacts.NewCollector(registry, adapter, emitter, cfg.Artifacts, artifactsRoot, log)
	manager := orchestrator.NewManager(cfg, registry, adapter, injector, msgBus, collector, emitter, workspaceRoot, log)

	if _, err := manager.Bootstrap(); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sup := supervisor.New(registry, adapter, msgBus, emitter, cfg.Supervisor, log)
	go sup.Run(ctx)
	go retentionLoop(ctx, collector)

	mcpServer := mcpsrv.NewServer(manager, log)

	transport := cfg.Server.Transport
	if transport == "" {
		transport = detectTransport()
	}
	log.Info("orchestrator starting",
		zap.String("transport", transport),
		zap.String("workspace_root", workspaceRoot))

	var serveErr error
	switch transport {
	case config.TransportStdio:
		serveErr = server.RunStdio(ctx, mcpServer, log)
	default:
		httpServer := server.NewHTTPServer(cfg.Server, mcpServer, manager, log)
		serveErr = httpServer.Run(ctx)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	manager.Shutdown(shutdownCtx)
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Warn("tracing shutdown failed", zap.Error(err))
	}
	return serveErr
}

// detectTransport picks stdio when stdin is a pipe (the process was
// launched as an MCP server) and HTTP when it is an interactive terminal.
func detectTransport() string {
	fd := os.Stdin.Fd()
	if isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd) {
		return config.TransportHTTP
	}
	return config.TransportStdio
}

// retentionLoop expires old artifact collections once a day.
func retentionLoop(ctx context.Context, collector *artifacts.Collector) {
	collector.SweepRetention()
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			collector.SweepRetention()
		}
	}
}
