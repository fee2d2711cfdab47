package mcp

import (
	"context"
	"encoding/json"
	"log/slog"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/dohr-michael/ozzie-gateway/internal/pluginregistry"
)

// NewMCPServer creates an MCP server exposing registry's loaded command
// backends as tools. If filter is non-empty, only the command named
// filter is exposed.
func NewMCPServer(registry *pluginregistry.Registry, filter string) *mcpsdk.Server {
	server := mcpsdk.NewServer(&mcpsdk.Implementation{
		Name:    "ozzie-gateway",
		Version: "0.1.0",
	}, nil)

	for _, name := range registry.CommandNames() {
		if filter != "" && name != filter {
			continue
		}

		backend, ok := registry.Command(name)
		if !ok {
			continue
		}

		commandName := name
		server.AddTool(commandToMCPTool(name), func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			var params struct {
				Args string `json:"args"`
			}
			if len(req.Params.Arguments) > 0 {
				_ = json.Unmarshal(req.Params.Arguments, &params)
			}

			result, err := backend.Handle(ctx, params.Args)
			if err != nil {
				slog.Debug("mcp command error", "command", commandName, "error", err)
				return &mcpsdk.CallToolResult{
					IsError: true,
					Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: err.Error()}},
				}, nil
			}
			return &mcpsdk.CallToolResult{
				Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: result}},
			}, nil
		})

		slog.Debug("mcp command registered", "command", name)
	}

	return server
}
