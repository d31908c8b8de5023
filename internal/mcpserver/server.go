// Package mcpserver exposes the push center as MCP tools and resources.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/dimpart/tarsier"
	"github.com/dimpart/tarsier/c2dm"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const statusURI = "tarsier://status"

// Center is the part of c2dm.Center the server drives.
type Center interface {
	Register(ctx context.Context) c2dm.RegistrationOutcome
	HandleIncoming(msg tarsier.PushMessage) c2dm.BadgeResult
	HandleNewToken(ctx context.Context, token string) c2dm.ReportResult
	Cleanup() error
	Status() c2dm.Status
}

// Option configures PushServer.
type Option func(*PushServer)

// WithDeliver routes handle_incoming through fn instead of
// Center.HandleIncoming, e.g. to also post the notification.
func WithDeliver(fn func(tarsier.PushMessage) c2dm.BadgeResult) Option {
	return func(s *PushServer) {
		s.deliver = fn
	}
}

// PushServer wraps an MCP server exposing push registration and badge state
// as tools and resources.
type PushServer struct {
	server  *mcp.Server
	center  Center
	deliver func(tarsier.PushMessage) c2dm.BadgeResult
	logger  *slog.Logger
}

// New creates a PushServer for center.
func New(center Center, version string, logger *slog.Logger, opts ...Option) *PushServer {
	s := mcp.NewServer(&mcp.Implementation{
		Name:    "tarsier",
		Version: version,
	}, &mcp.ServerOptions{
		SubscribeHandler:   func(context.Context, *mcp.SubscribeRequest) error { return nil },
		UnsubscribeHandler: func(context.Context, *mcp.UnsubscribeRequest) error { return nil },
	})

	p := &PushServer{
		server:  s,
		center:  center,
		deliver: center.HandleIncoming,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(p)
	}

	p.registerResources()
	p.registerTools()
	return p
}

// Run starts the MCP server on stdio and blocks until done.
func (p *PushServer) Run(ctx context.Context) error {
	return p.server.Run(ctx, &mcp.StdioTransport{})
}

// RunWithTransport starts the MCP server on a custom transport (for testing).
func (p *PushServer) RunWithTransport(ctx context.Context, t mcp.Transport) error {
	_, err := p.server.Connect(ctx, t, nil)
	return err
}

// statusChanged notifies subscribers of the status resource.
func (p *PushServer) statusChanged(ctx context.Context) {
	if err := p.server.ResourceUpdated(ctx, &mcp.ResourceUpdatedNotificationParams{URI: statusURI}); err != nil {
		p.logger.Debug("status notification failed", "error", err)
	}
}

// jsonResult marshals v to JSON and returns it as a text CallToolResult.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling result: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: string(data)},
		},
	}, nil
}

// errorResult returns a CallToolResult with IsError=true.
func errorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: msg},
		},
		IsError: true,
	}
}
