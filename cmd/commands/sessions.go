package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/charmbracelet/glamour"
	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/ozzie-gateway/internal/sessions"
	"github.com/dohr-michael/ozzie-gateway/internal/workspace"
)

// NewSessionsCommand returns the sessions subcommand.
func NewSessionsCommand() *cli.Command {
	return &cli.Command{
		Name:  "sessions",
		Usage: "Manage agent sessions",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "workspace", Usage: "Workspace root directory", Value: "."},
		},
		Commands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "List all sessions",
				Action: runSessionsList,
			},
			{
				Name:      "show",
				Usage:     "Show messages in a session",
				ArgsUsage: "<session_id>",
				Action:    runSessionsShow,
			},
		},
		DefaultCommand: "list",
	}
}

func sessionsStoreFor(cmd *cli.Command) (*sessions.FileStore, error) {
	root, err := workspace.Discover(cmd.String("workspace"))
	if err != nil {
		return nil, fmt.Errorf("discover workspace: %w", err)
	}
	return sessions.NewFileStore(filepath.Join(root, workspace.ConfigDirName, "sessions")), nil
}

func runSessionsList(_ context.Context, cmd *cli.Command) error {
	store, err := sessionsStoreFor(cmd)
	if err != nil {
		return err
	}

	list, err := store.List()
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}

	if len(list) == 0 {
		fmt.Println("No sessions found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tMESSAGES\tUPDATED\tTITLE")
	for _, s := range list {
		title := s.Title
		if title == "" {
			title = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			s.ID,
			s.Status,
			s.MessageCount,
			s.UpdatedAt.Format("2006-01-02 15:04"),
			title,
		)
	}
	return w.Flush()
}

func runSessionsShow(_ context.Context, cmd *cli.Command) error {
	sessionID := cmd.Args().First()
	if sessionID == "" {
		return fmt.Errorf("usage: ozzie-gateway sessions show <session_id>")
	}

	store, err := sessionsStoreFor(cmd)
	if err != nil {
		return err
	}

	msgs, err := store.LoadMessages(sessionID)
	if err != nil {
		return fmt.Errorf("load messages: %w", err)
	}

	if len(msgs) == 0 {
		fmt.Println("No messages in this session.")
		return nil
	}

	renderer, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100))
	if err != nil {
		return fmt.Errorf("build renderer: %w", err)
	}

	for _, m := range msgs {
		fmt.Printf("[%s] %s:\n", m.Ts.Format("15:04:05"), m.Role)
		rendered, err := renderer.Render(m.Content)
		if err != nil {
			fmt.Println(m.Content)
			continue
		}
		fmt.Print(rendered)
	}
	return nil
}
