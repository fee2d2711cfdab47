package driver

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dohr-michael/ozzie-gateway/internal/router"
	"github.com/dohr-michael/ozzie-gateway/internal/worktree"
)

// adminHelpText is the /help response (SUPPLEMENTED FEATURES "Workspace
// admin slash commands").
const adminHelpText = `Ozzie Workspace Commands:
/clone <name> <git-url> - clone a repo into a new folder
/create <name> - create an empty folder
/add <name> <path> - register an existing directory as a folder
/list - list configured folders
/remove <name> - unregister a folder
/status - show workspace status
/help - show this message`

// handleAdminCommand implements the General-topic workspace admin slash
// commands, mutating workspace config directly rather than going through a
// registered pluginregistry.CommandBackend.
func (d *Driver) handleAdminCommand(route router.Route) string {
	switch route.Command {
	case "help":
		return adminHelpText
	case "list":
		return d.adminList()
	case "status":
		return d.adminStatus()
	case "clone":
		return d.adminClone(route.CommandArgs)
	case "create":
		return d.adminCreate(route.CommandArgs)
	case "add":
		return d.adminAdd(route.CommandArgs)
	case "remove":
		return d.adminRemove(route.CommandArgs)
	default:
		return ""
	}
}

func (d *Driver) adminList() string {
	folders := d.workspace.AdminFolders()
	if len(folders) == 0 {
		return "No folders configured."
	}
	var b strings.Builder
	b.WriteString("Folders:\n")
	for _, f := range folders {
		topic := "(no topic)"
		if f.TopicID != "" {
			topic = "#" + f.TopicID
		}
		status := ""
		if f.PendingTopic {
			status = " (topic pending)"
		}
		fmt.Fprintf(&b, "- %s: %s %s%s\n", f.Name, f.Path, topic, status)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (d *Driver) adminStatus() string {
	folders := d.workspace.AdminFolders()
	var b strings.Builder
	fmt.Fprintf(&b, "Workspace Status: %s\n", d.workspace.Name())
	fmt.Fprintf(&b, "Folders: %d\n", len(folders))
	fmt.Fprintf(&b, "Default engine: %s\n", d.workspace.DefaultEngine())
	if d.workspace.RalphAlwaysOn() {
		b.WriteString("Ralph Wiggum: always on\n")
	} else {
		b.WriteString("Ralph Wiggum: on-demand (/ralph)\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (d *Driver) adminClone(args string) string {
	name, url, _ := strings.Cut(strings.TrimSpace(args), " ")
	url = strings.TrimSpace(url)
	if name == "" || url == "" {
		return "Usage: /clone <name> <git-url>"
	}
	if _, ok := d.workspace.FolderByName(name); ok {
		return fmt.Sprintf("folder %q already exists", name)
	}
	destPath := filepath.Join(d.workspace.Root(), name)
	if err := worktree.Clone(url, destPath); err != nil {
		return "clone failed: " + err.Error()
	}
	if err := d.workspace.AddFolder(name, name, true); err != nil {
		return "clone succeeded but registering folder failed: " + err.Error()
	}
	return fmt.Sprintf("cloned %s into folder %q (topic pending)", url, name)
}

func (d *Driver) adminCreate(args string) string {
	name := strings.TrimSpace(args)
	if name == "" {
		return "Usage: /create <name>"
	}
	if _, ok := d.workspace.FolderByName(name); ok {
		return fmt.Sprintf("folder %q already exists", name)
	}
	if err := os.MkdirAll(filepath.Join(d.workspace.Root(), name), 0o755); err != nil {
		return "create failed: " + err.Error()
	}
	if err := d.workspace.AddFolder(name, name, true); err != nil {
		return "folder created but registering it failed: " + err.Error()
	}
	return fmt.Sprintf("created folder %q (topic pending)", name)
}

func (d *Driver) adminAdd(args string) string {
	name, path, _ := strings.Cut(strings.TrimSpace(args), " ")
	path = strings.TrimSpace(path)
	if name == "" || path == "" {
		return "Usage: /add <name> <path>"
	}
	if _, ok := d.workspace.FolderByName(name); ok {
		return fmt.Sprintf("folder %q already exists", name)
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Sprintf("path %q does not exist", path)
	}
	if rel, err := filepath.Rel(d.workspace.Root(), path); err == nil && !strings.HasPrefix(rel, "..") {
		path = rel
	}
	if err := d.workspace.AddFolder(name, path, true); err != nil {
		return "add failed: " + err.Error()
	}
	return fmt.Sprintf("added folder %q -> %s (topic pending)", name, path)
}

func (d *Driver) adminRemove(args string) string {
	name := strings.TrimSpace(args)
	if name == "" {
		return "Usage: /remove <name>"
	}
	if _, ok := d.workspace.FolderByName(name); !ok {
		return fmt.Sprintf("folder %q not found", name)
	}
	if err := d.workspace.RemoveFolder(name); err != nil {
		return "remove failed: " + err.Error()
	}
	return fmt.Sprintf("removed folder %q", name)
}
