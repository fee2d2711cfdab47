package commands

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/ozzie-gateway/internal/workspace"
)

// NewMigrateCommand returns the migrate subcommand. workspace.Load already
// migrates the on-disk document every time it's opened (legacy sections
// folded forward, a .bak backup written before the migrated file replaces
// it; an up-to-date document is neither rewritten nor backed up); this
// command exists so an
// operator can trigger and confirm that migration explicitly, without
// starting the gateway.
func NewMigrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Migrate a workspace's config file to the current schema",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "workspace", Usage: "Workspace root directory", Value: "."},
		},
		Action: runMigrate,
	}
}

func runMigrate(_ context.Context, cmd *cli.Command) error {
	ws, err := workspace.Open(cmd.String("workspace"))
	if err != nil {
		return fmt.Errorf("open workspace: %w", err)
	}
	fmt.Printf("workspace %q is up to date (config: %s)\n", ws.Root(), workspace.ConfigPath(ws.Root()))
	return nil
}
