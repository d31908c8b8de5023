package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dimpart/tarsier"
	"github.com/dimpart/tarsier/c2dm"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

func (p *PushServer) registerTools() {
	p.server.AddTool(registerTool(), p.handleRegister)
	p.server.AddTool(reportTokenTool(), p.handleReportToken)
	p.server.AddTool(handleIncomingTool(), p.handleIncoming)
	p.server.AddTool(cleanupTool(), p.handleCleanup)
}

func registerTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "register",
		Description: "Initialise push and report the device token to the backend. Runs at most once per server process; later calls return already_done.",
		InputSchema: json.RawMessage(`{"type": "object"}`),
	}
}

func (p *PushServer) handleRegister(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	outcome := p.center.Register(ctx)
	p.statusChanged(ctx)

	result := map[string]any{"status": outcome.Status.String()}
	if outcome.Err != nil {
		result["error"] = outcome.Err.Error()
	}
	if outcome.Status == c2dm.StatusFailed {
		data, _ := json.Marshal(result)
		return errorResult(string(data)), nil
	}
	result["last_reported_token"] = p.center.Status().LastReportedToken
	return jsonResult(result)
}

func reportTokenTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "report_token",
		Description: "Report a new push token. An empty token or the token already reported is skipped.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"token": {"type": "string", "description": "Push token issued by the cloud messaging service"}
			},
			"required": ["token"]
		}`),
	}
}

func (p *PushServer) handleReportToken(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
		return errorResult(fmt.Sprintf("invalid arguments: %v", err)), nil
	}

	res := p.center.HandleNewToken(ctx, args.Token)
	if res.Status == c2dm.ReportFailed {
		return errorResult(res.Err.Error()), nil
	}
	p.statusChanged(ctx)

	result := map[string]any{"status": res.Status.String()}
	if res.Reason != "" {
		result["reason"] = res.Reason
	}
	if res.Command != nil {
		result["sn"] = res.Command.SN()
	}
	return jsonResult(result)
}

func handleIncomingTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "handle_incoming",
		Description: "Process an inbound push message and reconcile the badge. Messages older than the last applied one are rejected as expired.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"message_id": {"type": "string"},
				"from": {"type": "string"},
				"data": {
					"type": "object",
					"description": "Payload data; 'time' (epoch seconds or RFC 3339) orders messages, 'badge_count' or 'badge' sets the count",
					"additionalProperties": {"type": "string"}
				},
				"notification": {
					"type": "object",
					"properties": {
						"title": {"type": "string"},
						"body": {"type": "string"},
						"count": {"type": "integer", "description": "Notification count; takes precedence over data"}
					}
				}
			}
		}`),
	}
}

func (p *PushServer) handleIncoming(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var msg tarsier.PushMessage
	if req.Params.Arguments != nil {
		if err := json.Unmarshal(req.Params.Arguments, &msg); err != nil {
			return errorResult(fmt.Sprintf("invalid arguments: %v", err)), nil
		}
	}

	res := p.deliver(msg)
	if res.Applied {
		p.statusChanged(ctx)
		return jsonResult(map[string]any{"applied": true, "count": res.Count})
	}

	result := map[string]any{"applied": false, "reason": res.Reason}
	if res.Err != nil {
		result["error"] = res.Err.Error()
	}
	return jsonResult(result)
}

func cleanupTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "cleanup",
		Description: "Clear all notifications and the badge.",
		InputSchema: json.RawMessage(`{"type": "object"}`),
	}
}

func (p *PushServer) handleCleanup(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := p.center.Cleanup(); err != nil {
		return errorResult(fmt.Sprintf("cleanup failed: %v", err)), nil
	}
	p.statusChanged(ctx)
	return jsonResult(map[string]any{"cleared": true})
}
