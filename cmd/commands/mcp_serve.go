package commands

import (
	"context"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/dohr-michael/ozzie-gateway/internal/ids"
	ozziemcp "github.com/dohr-michael/ozzie-gateway/internal/mcp"
	"github.com/dohr-michael/ozzie-gateway/internal/pluginregistry"
)

// NewMCPServeCommand returns the mcp-serve subcommand. The workspace-admin
// slash commands (/clone, /create, ...) are handled directly by
// internal/router and internal/driver on the General topic and never go
// through pluginregistry.CommandBackend; this command exposes only
// third-party command plugins a workspace registers.
func NewMCPServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "mcp-serve",
		Usage: "Expose a workspace's command plugins as an MCP server (stdio)",
		Arguments: []cli.Argument{
			&cli.StringArg{
				Name:      "filter",
				UsageText: "Command name to expose (empty = all)",
			},
		},
		Action: runMCPServe,
	}
}

func runMCPServe(ctx context.Context, cmd *cli.Command) error {
	// stdout carries the MCP stdio transport; all logging goes to stderr.
	level := slog.LevelWarn
	if cmd.Bool("debug") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	registry := pluginregistry.New()
	for _, loadErr := range registry.LoadAll(ids.KindCommand) {
		slog.Warn("command plugin failed to load", "error", loadErr)
	}

	filter := cmd.StringArg("filter")
	slog.Debug("starting MCP server", "filter", filter, "commands", len(registry.CommandNames()))

	server := ozziemcp.NewMCPServer(registry, filter)
	return server.Run(ctx, &mcpsdk.StdioTransport{})
}
