package worktree

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run(t, dir, "init", "-b", "main")
	run(t, dir, "config", "user.email", "test@example.com")
	run(t, dir, "config", "user.name", "test")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}
	run(t, dir, "add", "README.md")
	run(t, dir, "commit", "-m", "initial")
	return dir
}

func run(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %v: %v: %s", args, err, out)
	}
}

func TestEnsureCreatesNewBranchFromDefault(t *testing.T) {
	repo := initRepo(t)

	wt, err := Ensure(repo, "worktrees", "feature/x", "")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if filepath.Base(wt) != "feature__x" {
		t.Errorf("expected sanitized branch path segment, got %q", wt)
	}
	if info, err := os.Stat(wt); err != nil || !info.IsDir() {
		t.Fatalf("expected worktree dir to exist at %q", wt)
	}
}

func TestEnsureReusesExistingWorktree(t *testing.T) {
	repo := initRepo(t)

	first, err := Ensure(repo, "worktrees", "feature/y", "")
	if err != nil {
		t.Fatalf("first Ensure: %v", err)
	}
	second, err := Ensure(repo, "worktrees", "feature/y", "")
	if err != nil {
		t.Fatalf("second Ensure: %v", err)
	}
	if first != second {
		t.Errorf("expected the same path on reuse, got %q and %q", first, second)
	}
}

func TestEnsureChecksOutExistingLocalBranch(t *testing.T) {
	repo := initRepo(t)
	run(t, repo, "branch", "existing-branch")

	wt, err := Ensure(repo, "worktrees", "existing-branch", "")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	out, err := git(wt, "branch", "--show-current")
	if err != nil {
		t.Fatalf("branch --show-current: %v", err)
	}
	if got := trim(out); got != "existing-branch" {
		t.Errorf("expected worktree checked out at existing-branch, got %q", got)
	}
}

func trim(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
