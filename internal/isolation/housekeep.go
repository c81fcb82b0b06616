package isolation

import (
	"log/slog"
	"os"
	"path/filepath"
)

// Housekeep removes orphaned isolated workspaces, worktree checkouts and
// config mounts whose cluster id no longer appears in the registry. Killed
// clusters are purged from the registry, so their temp directories would
// otherwise accumulate forever. Run on orchestrator start.
func Housekeep(known func(clusterID string) bool) {
	for _, root := range []string{IsolatedDir(), WorktreesDir(), ConfigsDir()} {
		entries, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			id := e.Name()
			if known(id) {
				continue
			}
			path := filepath.Join(root, id)
			slog.Info("isolation: removing orphaned directory", "path", path)
			if err := os.RemoveAll(path); err != nil {
				slog.Warn("isolation: failed to remove orphan", "path", path, "err", err)
			}
		}
	}
}
