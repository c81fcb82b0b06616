package isolation

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeroshot/fleet/internal/gitutil"
)

// initRepo creates a throwaway git repository with one commit.
func initRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
		)
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}
	run("init")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hi\n"), 0o644))
	run("add", "-A")
	run("commit", "-m", "initial")
	return dir
}

func TestWorktreeCreateAndKill(t *testing.T) {
	t.Setenv("TMPDIR", t.TempDir())
	repo := initRepo(t)
	ctx := context.Background()
	mgr := WorktreeManager{}

	h, err := mgr.Create(ctx, "cluster-amber-wren-7", repo)
	require.NoError(t, err)
	require.NotNil(t, h.Worktree)
	assert.DirExists(t, h.WorkDir)
	assert.True(t, strings.HasPrefix(h.Worktree.Branch, "zeroshot/"))
	assert.FileExists(t, filepath.Join(h.WorkDir, discoveryFile))
	assert.FileExists(t, filepath.Join(h.WorkDir, "README.md"))

	// Stop preserves, Resume accepts.
	require.NoError(t, mgr.Stop(ctx, h))
	require.NoError(t, mgr.Resume(ctx, h))
	assert.DirExists(t, h.WorkDir)

	// Kill removes the checkout but preserves the branch as a ref.
	require.NoError(t, mgr.Kill(ctx, h))
	assert.NoDirExists(t, h.WorkDir)
	assert.True(t, gitutil.BranchExists(ctx, repo, h.Worktree.Branch))
}

func TestWorktreeBranchCollisionRetries(t *testing.T) {
	t.Setenv("TMPDIR", t.TempDir())
	repo := initRepo(t)
	ctx := context.Background()
	mgr := WorktreeManager{}

	// Pre-claim the natural branch name to force a hex-suffix retry.
	require.NoError(t, gitutil.CreateBranch(ctx, repo, "zeroshot/amber-wren-8", "HEAD"))

	h, err := mgr.Create(ctx, "cluster-amber-wren-8", repo)
	require.NoError(t, err)
	assert.NotEqual(t, "zeroshot/amber-wren-8", h.Worktree.Branch)
	assert.True(t, strings.HasPrefix(h.Worktree.Branch, "zeroshot/amber-wren-8-"))
	require.NoError(t, mgr.Kill(ctx, h))
}

func TestWorktreeRequiresRepo(t *testing.T) {
	ctx := context.Background()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	_, err := WorktreeManager{}.Create(ctx, "cluster-x", t.TempDir())
	assert.Error(t, err)
}

func TestWorktreeResumeRejectsDeletedPath(t *testing.T) {
	t.Setenv("TMPDIR", t.TempDir())
	repo := initRepo(t)
	ctx := context.Background()
	mgr := WorktreeManager{}

	h, err := mgr.Create(ctx, "cluster-gone-vole-1", repo)
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(h.WorkDir))
	assert.Error(t, mgr.Resume(ctx, h))
}

func TestReviewOverWorktree(t *testing.T) {
	t.Setenv("TMPDIR", t.TempDir())
	repo := initRepo(t)
	ctx := context.Background()
	mgr := WorktreeManager{}

	h, err := mgr.Create(ctx, "cluster-review-kite-2", repo)
	require.NoError(t, err)
	defer mgr.Kill(ctx, h) //nolint:errcheck

	require.NoError(t, os.WriteFile(filepath.Join(h.WorkDir, "new.txt"), []byte("added\n"), 0o644))
	addCmd := exec.Command("git", "add", "-A")
	addCmd.Dir = h.WorkDir
	require.NoError(t, addCmd.Run())

	report, err := Review(ctx, h.WorkDir, "HEAD")
	require.NoError(t, err)
	require.NotNil(t, report)
	require.Len(t, report.Files, 1)
	assert.Equal(t, "new.txt", report.Files[0].Path)
}
