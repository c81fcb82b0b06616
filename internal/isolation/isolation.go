// Package isolation gives a cluster a private filesystem and runtime: a
// lightweight git worktree or a heavyweight container with an isolated
// workspace copy. Exactly one mode is active per cluster.
package isolation

import (
	"context"
	"os"
	"path/filepath"

	"github.com/zeroshot/fleet/internal/provider"
	"github.com/zeroshot/fleet/internal/registry"
)

// Vendor prefixes the temp directories this package owns.
const Vendor = "fleet"

// Handle is the per-cluster isolation state the orchestrator persists.
// Exactly one of Worktree/Container is set.
type Handle struct {
	ClusterID string
	WorkDir   string // the directory agents run in
	Worktree  *registry.WorktreeInfo
	Container *registry.ContainerInfo
}

// Manager is one isolation backend. Stop preserves what resume needs; Kill
// removes everything but the branch (worktree mode preserves the branch even
// on kill).
type Manager interface {
	Mode() string
	Create(ctx context.Context, clusterID, sourceDir string) (*Handle, error)
	Stop(ctx context.Context, h *Handle) error
	Kill(ctx context.Context, h *Handle) error
	// Resume verifies or reconstitutes the sandbox of a previously stopped
	// cluster: worktree mode rejects resume if the worktree path is gone,
	// container mode recreates the container against the preserved workspace.
	Resume(ctx context.Context, h *Handle) error
	// Route rewrites a provider command so it executes inside the cluster's
	// sandbox. Worktree mode is a no-op beyond cwd; container mode wraps the
	// argv in a container exec.
	Route(h *Handle, cmd provider.Command) provider.Command
}

// WorktreesDir is the root for worktree-mode checkouts.
func WorktreesDir() string { return filepath.Join(os.TempDir(), Vendor+"-worktrees") }

// IsolatedDir is the root for container-mode workspace copies.
func IsolatedDir() string { return filepath.Join(os.TempDir(), Vendor+"-isolated") }

// ConfigsDir is the root for container-mode private config mounts.
func ConfigsDir() string { return filepath.Join(os.TempDir(), Vendor+"-cluster-configs") }
