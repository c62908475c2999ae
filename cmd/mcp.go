package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Skithrills/gemini-mcp-server/internal/api"
	"github.com/Skithrills/gemini-mcp-server/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve MCP tools on stdio alongside the task API",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

The HTTP task API listens on the configured address at the same time, so
the Studio plugin keeps polling while an MCP host drives the sessions.

Configure in an MCP host with:

  {
    "mcpServers": {
      "gemini-mcp-server": { "command": "gemini-mcp-server", "args": ["mcp"] }
    }
  }

Available tools: submit_prompt, get_session, list_sessions, close_session`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return mcpRun()
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func mcpRun() error {
	engine, store, err := newEngine()
	if err != nil {
		return err
	}
	if store != nil {
		defer func() { _ = store.Close() }()
	}

	engine.Start()
	defer engine.Stop()

	addr := viper.GetString("addr")
	httpSrv := &http.Server{
		Addr:    addr,
		Handler: api.NewServer(engine, buildVersion).Router(),
	}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals()...)
	defer stop()

	// Logs go to stderr; stdout carries the MCP protocol.
	slog.Info("mcp server on stdio", "http_addr", addr, "version", buildVersion)
	return mcp.NewServer(engine, buildVersion).ServeStdio(ctx)
}
