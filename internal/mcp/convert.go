// Package mcp exposes a workspace's loaded command backends as an MCP
// server, so external MCP clients can drive the same slash commands the
// in-process router handles on the General topic.
package mcp

import (
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// commandToMCPTool builds the MCP tool descriptor for one command backend.
// pluginregistry.CommandBackend carries no parameter schema of its own
// (Handle takes one opaque args string), so every command is exposed with
// the same single free-form "args" property.
func commandToMCPTool(name string) *mcpsdk.Tool {
	return &mcpsdk.Tool{
		Name:        name,
		Description: "Workspace command: " + name,
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"args": map[string]any{
					"type":        "string",
					"description": "Raw argument text passed to the command handler",
				},
			},
		},
	}
}
