package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

func (p *PushServer) registerResources() {
	p.server.AddResource(&mcp.Resource{
		URI:         statusURI,
		Name:        "Push Status",
		Description: "Registration state, last reported token and badge state",
		MIMEType:    "application/json",
	}, p.handleStatusResource)
}

func (p *PushServer) handleStatusResource(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	return jsonResource(req.Params.URI, p.center.Status())
}

// jsonResource marshals v to JSON and wraps it in a ReadResourceResult.
func jsonResource(uri string, v any) (*mcp.ReadResourceResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling resource: %w", err)
	}
	return &mcp.ReadResourceResult{
		Contents: []*mcp.ResourceContents{{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		}},
	}, nil
}
