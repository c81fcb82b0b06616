package isolation

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/zeroshot/fleet/internal/errs"
	"github.com/zeroshot/fleet/internal/gitutil"
	"github.com/zeroshot/fleet/internal/provider"
	"github.com/zeroshot/fleet/internal/registry"
)

// discoveryFile is written inside a worktree so auxiliary tooling running in
// it can find the repository root it came from.
const discoveryFile = ".fleet-repo"

// WorktreeManager is the lightweight isolation mode: a git worktree on a
// cluster-private branch under a host-local temp directory.
type WorktreeManager struct{}

func (WorktreeManager) Mode() string { return "worktree" }

// Create allocates a zeroshot/<cluster-suffix> branch (retrying with a
// random hex suffix on collision or "branch in use") and adds a worktree for
// it under the temp root.
func (WorktreeManager) Create(ctx context.Context, clusterID, sourceDir string) (*Handle, error) {
	if !gitutil.IsRepo(ctx, sourceDir) {
		return nil, errs.Wrap(errs.ErrIsolation, "worktree mode requires a git repository: %s", sourceDir)
	}
	repoRoot, err := gitutil.RepoRoot(ctx, sourceDir)
	if err != nil {
		return nil, errs.Wrapf(errs.ErrIsolation, err, "resolve repo root")
	}

	path := filepath.Join(WorktreesDir(), clusterID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errs.Wrapf(errs.ErrIsolation, err, "create worktree root")
	}

	branch := "zeroshot/" + registry.Suffix(clusterID)
	var addErr error
	for i := 0; i < 10; i++ {
		if gitutil.BranchExists(ctx, repoRoot, branch) {
			branch = fmt.Sprintf("zeroshot/%s-%04x", registry.Suffix(clusterID), rand.Intn(0x10000))
			continue
		}
		if addErr = gitutil.WorktreeAdd(ctx, repoRoot, path, branch); addErr == nil {
			break
		}
		slog.Warn("isolation: worktree add failed, retrying with new branch", "branch", branch, "err", addErr)
		branch = fmt.Sprintf("zeroshot/%s-%04x", registry.Suffix(clusterID), rand.Intn(0x10000))
	}
	if addErr != nil {
		return nil, errs.Wrapf(errs.ErrIsolation, addErr, "create worktree for %s", clusterID)
	}

	if err := os.WriteFile(filepath.Join(path, discoveryFile), []byte(repoRoot+"\n"), 0o600); err != nil {
		slog.Warn("isolation: failed to write discovery file", "path", path, "err", err)
	}

	return &Handle{
		ClusterID: clusterID,
		WorkDir:   path,
		Worktree:  &registry.WorktreeInfo{Path: path, Branch: branch, RepoRoot: repoRoot},
	}, nil
}

// Stop preserves the worktree for a potential resume.
func (WorktreeManager) Stop(ctx context.Context, h *Handle) error { return nil }

// Kill removes the worktree; the branch is preserved even on kill so the
// work survives as a ref.
func (WorktreeManager) Kill(ctx context.Context, h *Handle) error {
	if h.Worktree == nil {
		return nil
	}
	wt := h.Worktree
	err := gitutil.WorktreeRemove(ctx, wt.RepoRoot, wt.Path, true)
	if err != nil {
		// Stale metadata tolerance: prune, retry, then fall back to removing
		// the directory and pruning again.
		slog.Warn("isolation: worktree remove failed, pruning and retrying", "path", wt.Path, "err", err)
		_ = gitutil.WorktreePrune(ctx, wt.RepoRoot)
		if err = gitutil.WorktreeRemove(ctx, wt.RepoRoot, wt.Path, true); err != nil {
			_ = os.RemoveAll(wt.Path)
			_ = gitutil.WorktreePrune(ctx, wt.RepoRoot)
			err = nil
		}
	}
	return err
}

// Resume rejects resume when the worktree directory has been deleted; there
// is nothing to reconstitute it from.
func (WorktreeManager) Resume(ctx context.Context, h *Handle) error {
	if h.Worktree == nil {
		return errs.Wrap(errs.ErrIsolation, "cluster %s has no worktree record", h.ClusterID)
	}
	if _, err := os.Stat(h.Worktree.Path); err != nil {
		return errs.Wrapf(errs.ErrIsolation, err, "worktree for %s has been deleted, cannot resume", h.ClusterID)
	}
	return nil
}

// Route only pins the working directory; worktree-mode providers run on the
// host.
func (WorktreeManager) Route(h *Handle, cmd provider.Command) provider.Command { return cmd }
