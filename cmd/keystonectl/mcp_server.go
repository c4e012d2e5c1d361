package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/forest6511/keystone/internal/mcp"
	"github.com/forest6511/keystone/pkg/audit"
)

func init() {
	rootCmd.AddCommand(mcpServerCmd)
}

// mcpServerCmd starts the MCP server for operator tooling
var mcpServerCmd = &cobra.Command{
	Use:   "mcp-server",
	Short: "Start the MCP server for read-only operator tooling",
	Long: `Start an MCP server over stdio that exposes read-only operator views.
Tools never accept or return factor values, phrases or keys.

Available tools:
  - gallery_list:    List keystone images, optionally by category
  - keystone_status: Show a user's enrolled factors and lock state
  - keystone_slots:  Show which factor combinations open a user's keystone
  - audit_list:      List recent audit events (when auditing is enabled)
  - audit_verify:    Verify the audit log chain (when auditing is enabled)

Example MCP configuration:
  {
    "mcpServers": {
      "keystone": {
        "type": "stdio",
        "command": "/path/to/keystonectl",
        "args": ["mcp-server"]
      }
    }
  }`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCPServer(cmd.Context())
	},
}

func runMCPServer(parent context.Context) error {
	svc, err := openServices(parent, audit.SourceMCP)
	if err != nil {
		return err
	}
	defer svc.Close()

	server, err := mcp.NewServer(&mcp.ServerOptions{
		Registry: svc.reg,
		Audit:    svc.audit,
		Logger:   slog.Default(),
	})
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}

	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := server.Run(ctx); err != nil {
		// Don't report context canceled as an error
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("MCP server error: %w", err)
	}
	return nil
}
