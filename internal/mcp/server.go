// Package mcp implements the MCP (Model Context Protocol) server for keystone.
// Every tool is read-only: agents can inspect the gallery, enrollment
// shape, lock state and the audit chain, but never see factor values,
// commitments or key material, and cannot enroll, revoke or recover.
package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/forest6511/keystone/pkg/audit"
	"github.com/forest6511/keystone/pkg/keystone"
)

// serverVersion is reported in the MCP implementation info.
const serverVersion = "0.1.0"

// ErrNoRegistry is returned by NewServer without a registry.
var ErrNoRegistry = errors.New("mcp: registry is required")

// Server represents the MCP server for keystone.
type Server struct {
	server *mcp.Server
	reg    *keystone.Registry
	audit  *audit.Logger
	log    *slog.Logger
}

// ServerOptions contains configuration options for the MCP server.
type ServerOptions struct {
	Registry *keystone.Registry

	// Audit enables the audit tools when set.
	Audit *audit.Logger

	Logger *slog.Logger
}

// NewServer creates a new MCP server instance.
func NewServer(opts *ServerOptions) (*Server, error) {
	if opts == nil || opts.Registry == nil {
		return nil, ErrNoRegistry
	}

	s := &Server{
		server: mcp.NewServer(
			&mcp.Implementation{
				Name:    "keystone",
				Version: serverVersion,
			},
			nil,
		),
		reg:   opts.Registry,
		audit: opts.Audit,
		log:   opts.Logger,
	}
	if s.log == nil {
		s.log = slog.Default()
	}

	s.registerTools()
	return s, nil
}

// registerTools registers all MCP tools with the server.
func (s *Server) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "gallery_list",
		Description: "List the keystone image gallery, optionally filtered by category. Returns image ids, categories and display metadata.",
	}, s.handleGalleryList)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "keystone_status",
		Description: "Show a user's enrolled factor kinds, weights, threshold and current lock state. Does NOT return factor values or key material.",
	}, s.handleKeystoneStatus)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "keystone_slots",
		Description: "List the minimal sets of factor kinds that can recover a user's master key.",
	}, s.handleKeystoneSlots)

	if s.audit != nil {
		mcp.AddTool(s.server, &mcp.Tool{
			Name:        "audit_list",
			Description: "List recent keystone audit events, optionally for one user or operation. Subjects are pseudonymous.",
		}, s.handleAuditList)

		mcp.AddTool(s.server, &mcp.Tool{
			Name:        "audit_verify",
			Description: "Verify the integrity of the audit log HMAC chain.",
		}, s.handleAuditVerify)
	}
}

// Run starts the MCP server using stdio transport.
func (s *Server) Run(ctx context.Context) error {
	s.log.Debug("starting MCP server", "transport", "stdio")
	return s.server.Run(ctx, &mcp.StdioTransport{})
}
