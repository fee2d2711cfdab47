package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/ozzie-gateway/internal/ids"
	"github.com/dohr-michael/ozzie-gateway/internal/pluginregistry"
	"github.com/dohr-michael/ozzie-gateway/internal/secretsvault"
	"github.com/dohr-michael/ozzie-gateway/internal/workspace"
)

// NewPluginsCommand returns the plugins subcommand: lists every engine,
// transport, and command plugin the workspace discovers. Engines are
// loaded and shown as loaded or with their load error; transports and
// commands are shown as discovered, without being loaded.
func NewPluginsCommand() *cli.Command {
	return &cli.Command{
		Name:  "plugins",
		Usage: "List discovered engine, transport, and command plugins",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "workspace", Usage: "Workspace root directory", Value: "."},
		},
		Action: runPlugins,
	}
}

func runPlugins(_ context.Context, cmd *cli.Command) error {
	ws, err := workspace.Open(cmd.String("workspace"))
	if err != nil {
		return fmt.Errorf("open workspace: %w", err)
	}

	vault, err := secretsvault.Open(ws.Root())
	if err != nil {
		return fmt.Errorf("open secrets vault: %w", err)
	}

	registry := pluginregistry.New()
	registerBuiltinEngines(registry, ws, vault)
	registry.RegisterTransport("cli", nil)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KIND\tNAME\tSTATUS")
	// Engines are cheap and side-effect-free to load (they only decode
	// config); transports and commands are listed as discovered only, since
	// loading a real transport opens files/sockets this listing shouldn't
	// force.
	for _, name := range registry.EntryNames(ids.KindEngine) {
		status := "loaded"
		if err := registry.Load(ids.KindEngine, name); err != nil {
			status = "error: " + err.Error()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", ids.KindEngine, name, status)
	}
	for _, kind := range []ids.Kind{ids.KindTransport, ids.KindCommand} {
		for _, name := range registry.EntryNames(kind) {
			fmt.Fprintf(w, "%s\t%s\tdiscovered\n", kind, name)
		}
	}
	return w.Flush()
}
