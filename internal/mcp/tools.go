package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/forest6511/keystone/pkg/audit"
	"github.com/forest6511/keystone/pkg/factor"
	"github.com/forest6511/keystone/pkg/gallery"
	"github.com/forest6511/keystone/pkg/keystone"
)

// defaultAuditLimit caps audit_list when no limit is given.
const defaultAuditLimit = 50

// maxAuditLimit caps audit_list regardless of the requested limit.
const maxAuditLimit = 500

// ErrUserRequired is returned when a tool needs a user id.
var ErrUserRequired = errors.New("mcp: user_id is required")

// GalleryListInput represents input for gallery_list tool.
type GalleryListInput struct {
	Category string `json:"category,omitempty"`
}

// GalleryListOutput represents output for gallery_list tool.
type GalleryListOutput struct {
	Version    int             `json:"version"`
	Categories []string        `json:"categories"`
	Images     []gallery.Image `json:"images"`
}

// UserInput selects the user a tool reports on.
type UserInput struct {
	UserID string `json:"user_id"`
}

// KeystoneStatusOutput represents output for keystone_status tool.
type KeystoneStatusOutput struct {
	Enrolled bool             `json:"enrolled"`
	Status   *keystone.Status `json:"status,omitempty"`
}

// KeystoneSlotsOutput represents output for keystone_slots tool.
type KeystoneSlotsOutput struct {
	Threshold int        `json:"threshold"`
	Slots     [][]string `json:"slots"`
}

// AuditListInput represents input for audit_list tool.
type AuditListInput struct {
	UserID    string `json:"user_id,omitempty"`
	Operation string `json:"operation,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// AuditEventInfo is an audit event without chain internals.
type AuditEventInfo struct {
	Timestamp string            `json:"timestamp"`
	Operation string            `json:"operation"`
	Result    string            `json:"result"`
	Source    string            `json:"source"`
	Subject   string            `json:"subject,omitempty"`
	Context   map[string]string `json:"context,omitempty"`
}

// AuditListOutput represents output for audit_list tool.
type AuditListOutput struct {
	Events []AuditEventInfo `json:"events"`
}

// AuditVerifyInput represents input for audit_verify tool.
type AuditVerifyInput struct{}

// handleGalleryList handles the gallery_list tool call.
func (s *Server) handleGalleryList(_ context.Context, _ *mcp.CallToolRequest, input GalleryListInput) (*mcp.CallToolResult, GalleryListOutput, error) {
	g := s.reg.Gallery()
	out := GalleryListOutput{
		Version:    g.Version(),
		Categories: g.Categories(),
	}
	if input.Category == "" {
		out.Images = g.All()
		return nil, out, nil
	}

	out.Images = g.ByCategory(strings.TrimSpace(input.Category))
	if len(out.Images) == 0 {
		return nil, GalleryListOutput{}, fmt.Errorf("unknown category %q", input.Category)
	}
	return nil, out, nil
}

// handleKeystoneStatus handles the keystone_status tool call.
func (s *Server) handleKeystoneStatus(ctx context.Context, _ *mcp.CallToolRequest, input UserInput) (*mcp.CallToolResult, KeystoneStatusOutput, error) {
	if input.UserID == "" {
		return nil, KeystoneStatusOutput{}, ErrUserRequired
	}
	st, err := s.reg.Status(ctx, input.UserID)
	if errors.Is(err, keystone.ErrNotEnrolled) {
		return nil, KeystoneStatusOutput{Enrolled: false}, nil
	}
	if err != nil {
		return nil, KeystoneStatusOutput{}, fmt.Errorf("failed to read status: %w", err)
	}
	return nil, KeystoneStatusOutput{Enrolled: true, Status: st}, nil
}

// handleKeystoneSlots handles the keystone_slots tool call.
func (s *Server) handleKeystoneSlots(ctx context.Context, _ *mcp.CallToolRequest, input UserInput) (*mcp.CallToolResult, KeystoneSlotsOutput, error) {
	if input.UserID == "" {
		return nil, KeystoneSlotsOutput{}, ErrUserRequired
	}
	rec, err := s.reg.Record(ctx, input.UserID)
	if err != nil {
		return nil, KeystoneSlotsOutput{}, fmt.Errorf("failed to read enrollment: %w", err)
	}

	out := KeystoneSlotsOutput{Threshold: rec.Threshold, Slots: make([][]string, 0, len(rec.KeySlots))}
	for _, slot := range rec.KeySlots {
		out.Slots = append(out.Slots, kindNames(slot.Kinds))
	}
	return nil, out, nil
}

func kindNames(kinds []factor.Kind) []string {
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = k.String()
	}
	return names
}

// handleAuditList handles the audit_list tool call.
func (s *Server) handleAuditList(_ context.Context, _ *mcp.CallToolRequest, input AuditListInput) (*mcp.CallToolResult, AuditListOutput, error) {
	f := audit.Filter{Operation: input.Operation, Limit: input.Limit}
	if f.Limit <= 0 {
		f.Limit = defaultAuditLimit
	}
	if f.Limit > maxAuditLimit {
		f.Limit = maxAuditLimit
	}
	if input.UserID != "" {
		subject, err := s.audit.SubjectOf(input.UserID)
		if err != nil {
			return nil, AuditListOutput{}, fmt.Errorf("failed to resolve subject: %w", err)
		}
		f.Subject = subject
	}

	events, err := s.audit.ListEvents(f)
	if err != nil {
		return nil, AuditListOutput{}, fmt.Errorf("failed to list audit events: %w", err)
	}
	out := AuditListOutput{Events: make([]AuditEventInfo, 0, len(events))}
	for _, e := range events {
		out.Events = append(out.Events, AuditEventInfo{
			Timestamp: e.Timestamp,
			Operation: e.Operation,
			Result:    e.Result,
			Source:    e.Source,
			Subject:   e.Subject,
			Context:   e.Fields,
		})
	}
	return nil, out, nil
}

// handleAuditVerify handles the audit_verify tool call.
func (s *Server) handleAuditVerify(_ context.Context, _ *mcp.CallToolRequest, _ AuditVerifyInput) (*mcp.CallToolResult, audit.VerifyResult, error) {
	res, err := s.audit.Verify()
	if err != nil {
		return nil, audit.VerifyResult{}, fmt.Errorf("failed to verify audit log: %w", err)
	}
	return nil, *res, nil
}
