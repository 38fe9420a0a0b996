// Package mcpserver exposes the gateway dispatcher as an MCP tool server.
package mcpserver

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/synthesisproject/synthesis/internal/gateway"
)

const (
	serverName    = "Synthesis Twin Gateway"
	serverVersion = "0.1.0"
)

// New builds an MCP server with every tool operation and resource bound to
// the dispatcher.
func New(dispatcher *gateway.Dispatcher) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: serverName, Version: serverVersion}, nil)
	registerTools(server, dispatcher)
	registerResources(server, dispatcher)
	return server
}

func registerTools(server *mcp.Server, dispatcher *gateway.Dispatcher) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        gateway.ToolTwinList,
		Description: "List twins for a tenant, optionally filtered by workspace",
	}, toolHandler(dispatcher.ListTwins))
	mcp.AddTool(server, &mcp.Tool{
		Name:        gateway.ToolTwinCreate,
		Description: "Create a twin and its twin.created event",
	}, toolHandler(dispatcher.CreateTwin))
	mcp.AddTool(server, &mcp.Tool{
		Name:        gateway.ToolTwinGetState,
		Description: "Get a twin's entity state",
	}, toolHandler(dispatcher.GetTwinState))
	mcp.AddTool(server, &mcp.Tool{
		Name:        gateway.ToolTwinGetEvents,
		Description: "Read a range of a twin's event log",
	}, toolHandler(dispatcher.GetEvents))
	mcp.AddTool(server, &mcp.Tool{
		Name:        gateway.ToolTwinAppendEvent,
		Description: "Append an event to a twin",
	}, toolHandler(dispatcher.AppendEvent))
	mcp.AddTool(server, &mcp.Tool{
		Name:        gateway.ToolCounterpartAttach,
		Description: "Attach an external counterpart to a twin",
	}, toolHandler(dispatcher.AttachCounterpart))
	mcp.AddTool(server, &mcp.Tool{
		Name:        gateway.ToolSyncPolicyCreate,
		Description: "Create a named sync policy",
	}, toolHandler(dispatcher.CreateSyncPolicy))
}

// toolHandler adapts a typed dispatcher operation to the MCP tool handler
// contract. Dispatcher errors carry their {code, message} shape in the error
// string, which the SDK surfaces as the tool failure.
func toolHandler[A, R any](op func(context.Context, A) (R, error)) mcp.ToolHandlerFor[A, R] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input A) (*mcp.CallToolResult, R, error) {
		result, err := op(ctx, input)
		if err != nil {
			var zero R
			return nil, zero, err
		}
		return nil, result, nil
	}
}
