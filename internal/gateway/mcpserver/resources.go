package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/synthesisproject/synthesis/internal/gateway"
	"github.com/synthesisproject/synthesis/internal/twin"
)

func registerResources(server *mcp.Server, dispatcher *gateway.Dispatcher) {
	server.AddResourceTemplate(&mcp.ResourceTemplate{
		Name:        "twin_state",
		Title:       "Twin",
		Description: "Readable twin entity state. URI format: twin://{tenantId}/{twinId}",
		MIMEType:    "application/json",
		URITemplate: "twin://{tenantId}/{twinId}",
	}, twinResourceHandler(dispatcher))
	server.AddResourceTemplate(&mcp.ResourceTemplate{
		Name:        "twin_counterparts",
		Title:       "Twin counterparts",
		Description: "Counterparts attached to a twin. URI format: twin://{tenantId}/{twinId}/counterparts",
		MIMEType:    "application/json",
		URITemplate: "twin://{tenantId}/{twinId}/counterparts",
	}, counterpartsResourceHandler(dispatcher))
}

// parseTwinURI splits twin://{tenantId}/{twinId}[/counterparts] into its
// parts and reports whether the counterparts listing was requested.
func parseTwinURI(uri string) (tenantID, twinID string, counterparts bool, err error) {
	const scheme = "twin://"
	if !strings.HasPrefix(uri, scheme) {
		return "", "", false, fmt.Errorf("unsupported resource uri: %s", uri)
	}
	parts := strings.Split(strings.TrimPrefix(uri, scheme), "/")
	switch len(parts) {
	case 2:
	case 3:
		if parts[2] != "counterparts" {
			return "", "", false, fmt.Errorf("unsupported resource uri: %s", uri)
		}
		counterparts = true
	default:
		return "", "", false, fmt.Errorf("unsupported resource uri: %s", uri)
	}
	tenantID = strings.TrimSpace(parts[0])
	twinID = strings.TrimSpace(parts[1])
	if tenantID == "" || twinID == "" {
		return "", "", false, fmt.Errorf("resource uri must name a tenant and twin: %s", uri)
	}
	return tenantID, twinID, counterparts, nil
}

func twinResourceHandler(dispatcher *gateway.Dispatcher) mcp.ResourceHandler {
	return func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		if req == nil || req.Params == nil || req.Params.URI == "" {
			return nil, fmt.Errorf("resource uri is required; use format twin://{tenantId}/{twinId}")
		}
		tenantID, twinID, _, err := parseTwinURI(req.Params.URI)
		if err != nil {
			return nil, err
		}

		result, err := dispatcher.GetTwinState(ctx, gateway.GetTwinStateArgs{TenantID: tenantID, TwinID: twinID})
		if err != nil {
			return nil, err
		}
		return jsonResource(req.Params.URI, result)
	}
}

func counterpartsResourceHandler(dispatcher *gateway.Dispatcher) mcp.ResourceHandler {
	return func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		if req == nil || req.Params == nil || req.Params.URI == "" {
			return nil, fmt.Errorf("resource uri is required; use format twin://{tenantId}/{twinId}/counterparts")
		}
		tenantID, twinID, _, err := parseTwinURI(req.Params.URI)
		if err != nil {
			return nil, err
		}

		records, err := dispatcher.ListCounterparts(ctx, tenantID, twinID)
		if err != nil {
			return nil, fmt.Errorf("list counterparts: %w", err)
		}

		type counterpartView struct {
			CounterpartID string `json:"counterpartId"`
			TenantID      string `json:"tenantId"`
			TwinID        string `json:"twinId"`
			Kind          string `json:"kind"`
			ResourceURI   string `json:"resourceUri"`
			Role          string `json:"role"`
			SyncPolicyID  string `json:"syncPolicyId,omitempty"`
			CreatedAt     string `json:"createdAt"`
		}
		views := make([]counterpartView, 0, len(records))
		for _, record := range records {
			views = append(views, counterpartView{
				CounterpartID: record.ID,
				TenantID:      record.TenantID,
				TwinID:        record.TwinID,
				Kind:          record.Kind,
				ResourceURI:   record.ResourceURI,
				Role:          record.Role,
				SyncPolicyID:  record.SyncPolicyID,
				CreatedAt:     twin.FormatTS(record.CreatedAt),
			})
		}
		return jsonResource(req.Params.URI, map[string]any{"counterparts": views})
	}
}

func jsonResource(uri string, value any) (*mcp.ReadResourceResult, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode resource: %w", err)
	}
	return &mcp.ReadResourceResult{
		Contents: []*mcp.ResourceContents{
			{
				URI:      uri,
				MIMEType: "application/json",
				Text:     string(data),
			},
		},
	}, nil
}
