// Package gitutil wraps the git CLI invocations the isolation manager and
// orchestrator need. Every call runs under the caller's context with stderr
// captured into the returned error.
package gitutil

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// run executes git with args in dir, returning trimmed stdout.
func run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...) //nolint:gosec // args are constructed from internal state, not user input.
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, stderr.String())
	}
	return strings.TrimSpace(stdout.String()), nil
}

// IsRepo reports whether dir is inside a git working tree.
func IsRepo(ctx context.Context, dir string) bool {
	out, err := run(ctx, dir, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// RepoRoot returns the top-level directory of the repository containing dir.
func RepoRoot(ctx context.Context, dir string) (string, error) {
	return run(ctx, dir, "rev-parse", "--show-toplevel")
}

// CurrentBranch returns the checked-out branch name in dir.
func CurrentBranch(ctx context.Context, dir string) (string, error) {
	return run(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
}

// Fetch updates remote tracking refs.
func Fetch(ctx context.Context, dir string) error {
	_, err := run(ctx, dir, "fetch", "--prune")
	return err
}

// BranchExists reports whether a local branch exists in dir.
func BranchExists(ctx context.Context, dir, branch string) bool {
	_, err := run(ctx, dir, "rev-parse", "--verify", "refs/heads/"+branch)
	return err == nil
}

// CreateBranch creates branch at start (e.g. "origin/main"). Fails if the
// branch already exists.
func CreateBranch(ctx context.Context, dir, branch, start string) error {
	_, err := run(ctx, dir, "branch", branch, start)
	return err
}

// CheckoutBranch switches dir's working tree to branch.
func CheckoutBranch(ctx context.Context, dir, branch string) error {
	_, err := run(ctx, dir, "checkout", branch)
	return err
}

// DeleteBranch force-deletes a local branch.
func DeleteBranch(ctx context.Context, dir, branch string) error {
	_, err := run(ctx, dir, "branch", "-D", branch)
	return err
}

// WorktreeAdd creates a worktree at path on a new branch created from HEAD.
func WorktreeAdd(ctx context.Context, repoDir, path, branch string) error {
	_, err := run(ctx, repoDir, "worktree", "add", "-b", branch, path)
	return err
}

// WorktreeRemove removes the worktree at path. force also discards
// uncommitted changes.
func WorktreeRemove(ctx context.Context, repoDir, path string, force bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, path)
	_, err := run(ctx, repoDir, args...)
	return err
}

// WorktreePrune drops stale worktree metadata left behind by a deleted
// checkout directory.
func WorktreePrune(ctx context.Context, repoDir string) error {
	_, err := run(ctx, repoDir, "worktree", "prune")
	return err
}

// InitRepo batches the fresh-repo sequence the isolated-copy workspace needs:
// init, optional remote, stage everything, initial commit, and a working
// branch. One function so the isolation manager issues a single call, the
// way a scripted setup would.
func InitRepo(ctx context.Context, dir, remoteURL, branch string) error {
	steps := [][]string{
		{"init"},
	}
	if remoteURL != "" {
		steps = append(steps, []string{"remote", "add", "origin", remoteURL})
	}
	steps = append(steps,
		[]string{"add", "-A"},
		[]string{"commit", "--allow-empty", "-m", "isolated workspace snapshot", "--no-verify"},
		[]string{"checkout", "-b", branch},
	)
	for _, args := range steps {
		if _, err := run(ctx, dir, args...); err != nil {
			return err
		}
	}
	return nil
}

// DiffNumstat returns `git diff --numstat` of the working tree in dir against
// base. An empty base diffs the working tree against the index, so staged
// changes are not included.
func DiffNumstat(ctx context.Context, dir, base string) (string, error) {
	args := []string{"diff", "--numstat"}
	if base != "" {
		args = append(args, base)
	}
	return run(ctx, dir, args...)
}

// Diff returns the full textual diff of the working tree in dir against base
// (against the index when base is empty).
func Diff(ctx context.Context, dir, base string) (string, error) {
	args := []string{"diff"}
	if base != "" {
		args = append(args, base)
	}
	return run(ctx, dir, args...)
}

// CatFileSize returns the size of a blob at rev:path.
func CatFileSize(ctx context.Context, dir, rev, path string) (int64, error) {
	out, err := run(ctx, dir, "cat-file", "-s", rev+":"+path)
	if err != nil {
		return 0, err
	}
	var n int64
	_, err = fmt.Sscanf(out, "%d", &n)
	return n, err
}

// RemoteURL returns the origin fetch URL, or "" if none is configured.
func RemoteURL(ctx context.Context, dir string) string {
	out, err := run(ctx, dir, "remote", "get-url", "origin")
	if err != nil {
		return ""
	}
	return out
}
