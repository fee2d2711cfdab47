package driver

import (
	"testing"

	"github.com/dohr-michael/ozzie-gateway/internal/router"
	"github.com/dohr-michael/ozzie-gateway/internal/workspace"
)

func newAdminTestDriver(t *testing.T) (*Driver, *fakeWorkspace) {
	t.Helper()
	d, _ := newTestDriver(t, nil)
	ws := d.workspace.(*fakeWorkspace)
	ws.root = t.TempDir()
	ws.name = "demo"
	return d, ws
}

func adminRoute(command, args string) router.Route {
	return router.Route{IsGeneral: true, IsSlashCommand: true, Command: command, CommandArgs: args}
}

func TestAdminAddRejectsMissingPath(t *testing.T) {
	d, _ := newAdminTestDriver(t)
	reply := d.handleAdminCommand(adminRoute("add", "site /does/not/exist"))
	if !contains(reply, "does not exist") {
		t.Fatalf("expected a does-not-exist error, got %q", reply)
	}
}

func TestAdminAddRejectsMissingArgs(t *testing.T) {
	d, _ := newAdminTestDriver(t)
	reply := d.handleAdminCommand(adminRoute("add", "onlyname"))
	if !contains(reply, "Usage: /add") {
		t.Fatalf("expected a usage message, got %q", reply)
	}
}

func TestAdminAddRejectsDuplicateFolder(t *testing.T) {
	d, ws := newAdminTestDriver(t)
	ws.adminFolders = map[string]*workspace.Folder{"site": {Name: "site", Path: "site"}}

	reply := d.handleAdminCommand(adminRoute("add", "site "+t.TempDir()))
	if !contains(reply, "already exists") {
		t.Fatalf("expected an already-exists error, got %q", reply)
	}
}

func TestAdminAddRegistersExistingDirectory(t *testing.T) {
	d, ws := newAdminTestDriver(t)
	dir := t.TempDir()

	reply := d.handleAdminCommand(adminRoute("add", "site "+dir))
	if !contains(reply, "added folder") {
		t.Fatalf("expected a success message, got %q", reply)
	}
	if _, ok := ws.adminFolders["site"]; !ok {
		t.Fatal("expected the folder to be registered")
	}
}

func TestAdminRemoveRejectsUnknownFolder(t *testing.T) {
	d, _ := newAdminTestDriver(t)
	reply := d.handleAdminCommand(adminRoute("remove", "ghost"))
	if !contains(reply, "not found") {
		t.Fatalf("expected a not-found error, got %q", reply)
	}
}

func TestAdminCreateRejectsMissingName(t *testing.T) {
	d, _ := newAdminTestDriver(t)
	reply := d.handleAdminCommand(adminRoute("create", ""))
	if !contains(reply, "Usage: /create") {
		t.Fatalf("expected a usage message, got %q", reply)
	}
}

func TestAdminCloneRejectsMissingArgs(t *testing.T) {
	d, _ := newAdminTestDriver(t)
	reply := d.handleAdminCommand(adminRoute("clone", "onlyname"))
	if !contains(reply, "Usage: /clone") {
		t.Fatalf("expected a usage message, got %q", reply)
	}
}

func TestAdminListReportsNoFolders(t *testing.T) {
	d, _ := newAdminTestDriver(t)
	reply := d.handleAdminCommand(adminRoute("list", ""))
	if reply != "No folders configured." {
		t.Fatalf("expected the empty-folders message, got %q", reply)
	}
}

func TestAdminListReportsConfiguredFolders(t *testing.T) {
	d, ws := newAdminTestDriver(t)
	ws.adminFolders = map[string]*workspace.Folder{
		"site": {Name: "site", Path: "site", TopicID: "7"},
	}

	reply := d.handleAdminCommand(adminRoute("list", ""))
	if !contains(reply, "Folders:") || !contains(reply, "site") {
		t.Fatalf("expected the folder to be listed, got %q", reply)
	}
}
