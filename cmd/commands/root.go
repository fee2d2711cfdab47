package commands

import (
	"fmt"

	"github.com/urfave/cli/v3"
)

// NewRootCommand returns the top-level CLI command.
func NewRootCommand(version, commit string) *cli.Command {
	return &cli.Command{
		Name:    "ozzie-gateway",
		Usage:   "Multi-tenant chat-driven agent orchestrator",
		Version: fmt.Sprintf("%s (%s)", version, commit),
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
			},
		},
		Commands: []*cli.Command{
			NewGatewayCommand(),
			NewAskCommand(),
			NewStatusCommand(),
			NewSessionsCommand(),
			NewMCPServeCommand(),
			NewMigrateCommand(),
			NewPluginsCommand(),
		},
	}
}
