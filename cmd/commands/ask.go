package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/ozzie-gateway/internal/ids"
	"github.com/dohr-michael/ozzie-gateway/internal/pluginregistry"
	"github.com/dohr-michael/ozzie-gateway/internal/runner"
	"github.com/dohr-michael/ozzie-gateway/internal/runnerevents"
	"github.com/dohr-michael/ozzie-gateway/internal/secretsvault"
	"github.com/dohr-michael/ozzie-gateway/internal/workspace"
)

// NewAskCommand returns the ask subcommand: a single engine turn run
// directly against a workspace, with no transport or running gateway
// process required.
func NewAskCommand() *cli.Command {
	return &cli.Command{
		Name:      "ask",
		Usage:     "Send a message to an engine and print the response",
		ArgsUsage: "<message>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "workspace", Usage: "Workspace root directory", Value: "."},
			&cli.StringFlag{Name: "engine", Usage: "Engine id to use (default: workspace default_engine)"},
			&cli.StringFlag{
				Name:    "session",
				Aliases: []string{"s"},
				Usage:   "Resume token to continue (empty = start a new session)",
			},
			&cli.IntFlag{Name: "timeout", Usage: "Response timeout in seconds", Value: 120},
		},
		Action: runAsk,
	}
}

func runAsk(_ context.Context, cmd *cli.Command) error {
	message := cmd.Args().First()
	if message == "" {
		return fmt.Errorf("usage: ozzie-gateway ask <message>")
	}

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
	for _, loadErr := range registry.LoadAll(ids.KindEngine) {
		fmt.Fprintf(os.Stderr, "warning: engine plugin failed to load: %v\n", loadErr)
	}

	engineID := ids.EngineId(cmd.String("engine"))
	if engineID == "" {
		engineID = ws.DefaultEngine()
	}
	adapter, ok := registry.Engine(string(engineID))
	if !ok {
		return fmt.Errorf("engine %q is not registered", engineID)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("resolve working directory: %w", err)
	}
	engineRunner, err := adapter.BuildRunner(ws.EngineConfig(engineID), cwd)
	if err != nil {
		return fmt.Errorf("engine %s unavailable: %w", engineID, err)
	}

	var expected *runnerevents.ResumeToken
	if session := cmd.String("session"); session != "" {
		expected = &runnerevents.ResumeToken{Engine: engineID, Value: session}
	}

	timeout := time.Duration(cmd.Int("timeout")) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	d := runner.New(engineRunner, slog.Default())

	var finalErr error
	err = d.Run(ctx, message, expected, func(e runnerevents.Event) {
		switch {
		case e.Started != nil:
			if e.Started.Resume != nil {
				fmt.Fprintf(os.Stderr, "session: %s\n", e.Started.Resume.Value)
			}
		case e.Action != nil:
			fmt.Fprintf(os.Stderr, "[%s] %s\n", e.Action.Action.Kind, e.Action.Message)
		case e.Completed != nil:
			if !e.Completed.OK {
				finalErr = fmt.Errorf("agent error: %s", e.Completed.Error)
				return
			}
			fmt.Fprintln(os.Stdout, e.Completed.Answer)
		}
	})
	if err != nil {
		return fmt.Errorf("run turn: %w", err)
	}
	return finalErr
}
