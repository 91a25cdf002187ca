package server

import (
	"context"
	"log"
	"os"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/madrox/madrox/internal/common/logger"
	"github.com/madrox/madrox/internal/orchestrator/mcp"
)

// RunStdio serves line-delimited JSON-RPC on stdin/stdout until ctx is
// canceled or stdin closes. All logging stays on stderr; stdout carries
// protocol frames only.
func RunStdio(ctx context.Context, mcpSrv *mcp.Server, lg *logger.Logger) error {
	stdio := mcpserver.NewStdioServer(mcpSrv.MCPServer())
	stdio.SetErrorLogger(log.New(os.Stderr, "", log.LstdFlags))
	lg.WithComponent("stdio").Info("stdio transport listening")
	if err := stdio.Listen(ctx, os.Stdin, os.Stdout); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
