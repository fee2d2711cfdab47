package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/ozzie-gateway/internal/config"
	"github.com/dohr-michael/ozzie-gateway/internal/eventlog"
	"github.com/dohr-michael/ozzie-gateway/internal/gateway"
	"github.com/dohr-michael/ozzie-gateway/internal/heartbeat"
	"github.com/dohr-michael/ozzie-gateway/internal/ids"
	"github.com/dohr-michael/ozzie-gateway/internal/pluginregistry"
	"github.com/dohr-michael/ozzie-gateway/internal/secretsvault"
	"github.com/dohr-michael/ozzie-gateway/internal/sessions"
	"github.com/dohr-michael/ozzie-gateway/internal/workspace"
)

// NewGatewayCommand returns the gateway subcommand: it opens the workspace
// rooted at --workspace, loads the built-in engine/transport plugins, and
// runs the message loop until interrupted.
func NewGatewayCommand() *cli.Command {
	return &cli.Command{
		Name:  "gateway",
		Usage: "Run the workspace's message loop and admin server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "workspace",
				Usage: "Workspace root directory",
				Value: ".",
			},
			&cli.StringFlag{
				Name:  "host",
				Usage: "Admin server host",
				Value: "127.0.0.1",
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "Admin server port",
				Value: 18420,
			},
			&cli.StringFlag{
				Name:  "transport",
				Usage: "Transport backend to run (built-in: cli)",
				Value: "cli",
			},
		},
		Action: runGateway,
	}
}

func runGateway(_ context.Context, cmd *cli.Command) error {
	logLevel := slog.LevelInfo
	if cmd.Bool("debug") {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	root := cmd.String("workspace")
	ws, err := workspace.Open(root)
	if err != nil {
		return fmt.Errorf("open workspace: %w", err)
	}

	if err := config.LoadDotenv(workspace.DotenvPath(ws.Root())); err != nil {
		slog.Warn("failed to load workspace .env", "error", err)
	}

	vault, err := secretsvault.Open(ws.Root())
	if err != nil {
		return fmt.Errorf("open secrets vault: %w", err)
	}

	logDir := filepath.Join(ws.Root(), workspace.ConfigDirName)
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return fmt.Errorf("create workspace state dir: %w", err)
	}

	bus := gateway.NewBus(512)
	evLog, err := eventlog.Open(filepath.Join(logDir, "events.db"))
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer evLog.Close()

	sessionStore := sessions.NewFileStore(filepath.Join(logDir, "sessions"))

	registry := pluginregistry.New()
	registerBuiltinEngines(registry, ws, vault)
	registerBuiltinTransport(registry, ws, bus, evLog, sessionStore, logger)

	for _, loadErr := range registry.LoadAll(ids.KindEngine) {
		slog.Warn("engine plugin failed to load", "error", loadErr)
	}
	ws.SetRegisteredEngines(toEngineIDs(registry.EngineNames()))
	for _, loadErr := range registry.LoadAll(ids.KindTransport) {
		slog.Warn("transport plugin failed to load", "error", loadErr)
	}

	transportName := cmd.String("transport")
	backend, ok := registry.Transport(transportName)
	if !ok {
		return fmt.Errorf("transport %q is not registered", transportName)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := backend.CheckSetup(ctx); err != nil {
		return fmt.Errorf("transport %q setup check failed: %w", transportName, err)
	}

	hbWriter := heartbeat.NewWriter(filepath.Join(logDir, "heartbeat.json"))
	hbWriter.Start()
	defer hbWriter.Stop()

	server := gateway.NewServer(ws, registry, bus, cmd.String("host"), cmd.Int("port"))
	serverErrCh := make(chan error, 1)
	go func() { serverErrCh <- server.Start() }()

	transportErrCh := make(chan error, 1)
	go func() {
		transportErrCh <- backend.BuildAndRun(ctx, ws.Config().Transports[transportName])
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-serverErrCh:
		return err
	case err := <-transportErrCh:
		return err
	}
}

func toEngineIDs(names []string) []ids.EngineId {
	out := make([]ids.EngineId, len(names))
	for i, n := range names {
		out[i] = ids.EngineId(n)
	}
	return out
}
