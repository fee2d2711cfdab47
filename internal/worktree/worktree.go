// Package worktree materializes a git worktree for a branch a turn was
// routed to, so a turn against `` `ctx: folder @ branch` `` never runs
// against the folder's main checkout (spec §4.7 "Worktrees").
package worktree

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const gitTimeout = 30 * time.Second

// Ensure returns the working directory for repoPath at branch, creating a
// worktree under <repoPath>/<worktreesDir> if one doesn't already exist.
// Creation strategy (spec §4.7): reuse an existing worktree → check out an
// existing local branch → check out an existing remote-tracking branch →
// create a new branch from base (repo default branch if base is empty).
func Ensure(repoPath, worktreesDir, branch, base string) (string, error) {
	wtPath := filepath.Join(repoPath, worktreesDir, sanitizeBranch(branch))

	if info, err := os.Stat(wtPath); err == nil && info.IsDir() {
		return wtPath, nil
	}

	if err := os.MkdirAll(filepath.Dir(wtPath), 0o755); err != nil {
		return "", fmt.Errorf("create worktrees dir: %w", err)
	}

	if hasLocalBranch(repoPath, branch) {
		if _, err := git(repoPath, "worktree", "add", wtPath, branch); err != nil {
			return "", fmt.Errorf("add worktree for local branch %s: %w", branch, err)
		}
		return wtPath, nil
	}

	if remote, ok := remoteTrackingBranch(repoPath, branch); ok {
		if _, err := git(repoPath, "worktree", "add", "-b", branch, wtPath, remote); err != nil {
			return "", fmt.Errorf("add worktree tracking %s: %w", remote, err)
		}
		return wtPath, nil
	}

	if base == "" {
		var err error
		base, err = defaultBranch(repoPath)
		if err != nil {
			return "", fmt.Errorf("resolve default branch: %w", err)
		}
	}
	if _, err := git(repoPath, "worktree", "add", "-b", branch, wtPath, base); err != nil {
		return "", fmt.Errorf("add worktree for new branch %s from %s: %w", branch, base, err)
	}
	return wtPath, nil
}

// sanitizeBranch doubles slashes into underscores so a branch like
// "feature/x" maps to a single path segment "feature__x", per spec §4.7's
// path convention.
func sanitizeBranch(branch string) string {
	return strings.ReplaceAll(branch, "/", "__")
}

func hasLocalBranch(repoPath, branch string) bool {
	_, err := git(repoPath, "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

func remoteTrackingBranch(repoPath, branch string) (string, bool) {
	ref := "origin/" + branch
	if _, err := git(repoPath, "show-ref", "--verify", "--quiet", "refs/remotes/"+ref); err != nil {
		return "", false
	}
	return ref, true
}

func defaultBranch(repoPath string) (string, error) {
	out, err := git(repoPath, "symbolic-ref", "--short", "refs/remotes/origin/HEAD")
	if err == nil {
		return strings.TrimPrefix(strings.TrimSpace(out), "origin/"), nil
	}
	out, err = git(repoPath, "symbolic-ref", "--short", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Remove tears down the worktree for branch, if one exists.
func Remove(repoPath, worktreesDir, branch string) error {
	wtPath := filepath.Join(repoPath, worktreesDir, sanitizeBranch(branch))
	if _, err := os.Stat(wtPath); os.IsNotExist(err) {
		return nil
	}
	_, err := git(repoPath, "worktree", "remove", "--force", wtPath)
	return err
}

// Clone clones url into destPath (SUPPLEMENTED FEATURES "/clone"). destPath
// must not already exist; its parent directory is created if needed.
func Clone(url, destPath string) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}
	_, err := git(filepath.Dir(destPath), "clone", url, destPath)
	return err
}

func git(dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), gitTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("git %s: %s", strings.Join(args, " "), msg)
	}
	return stdout.String(), nil
}
