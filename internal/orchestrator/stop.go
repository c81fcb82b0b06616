package orchestrator

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/zeroshot/fleet/internal/errs"
	"github.com/zeroshot/fleet/internal/isolation"
	"github.com/zeroshot/fleet/internal/ledger"
	"github.com/zeroshot/fleet/internal/registry"
)

// Stop gracefully stops a cluster this process owns: agents terminated,
// worktree/workspace preserved for resume, record transitioned to stopped
// with pid cleared.
func (o *Orchestrator) Stop(ctx context.Context, clusterID string) error {
	c, err := o.getCluster(clusterID)
	if err != nil {
		return err
	}
	o.stopCluster(ctx, c, "explicit stop")
	return nil
}

// stopCluster is the single teardown path; idempotent via stopOnce.
func (o *Orchestrator) stopCluster(ctx context.Context, c *Cluster, reason string) {
	c.stopOnce.Do(func() {
		slog.Info("orchestrator: stopping cluster", "cluster", c.ID, "reason", reason)

		// Bound the wait for a cluster still mid-start.
		select {
		case <-c.initComplete:
		case <-time.After(initCompleteWait):
			slog.Warn("orchestrator: init barrier not resolved before stop timeout", "cluster", c.ID)
		}

		if c.Record.State != registry.StateFailed {
			c.Record.State = registry.StateStopping
		}
		o.persist(c)

		o.disarmConductorWatchdog(c)
		c.mu.Lock()
		unsubs := c.unsubs
		c.unsubs = nil
		workers := make([]Worker, 0, len(c.workerOrder))
		for _, id := range c.workerOrder {
			workers = append(workers, c.workers[id])
		}
		mgr, h := c.isoMgr, c.isoHandle
		kill := c.killMode
		c.mu.Unlock()

		for _, w := range workers {
			if err := w.Stop(ctx); err != nil {
				slog.Warn("orchestrator: worker stop failed", "cluster", c.ID, "err", err)
			}
		}

		if mgr != nil && h != nil {
			o.publishTeardownReview(ctx, c, h)
			var err error
			if kill {
				err = mgr.Kill(ctx, h)
			} else {
				err = mgr.Stop(ctx, h)
			}
			if err != nil {
				slog.Warn("orchestrator: isolation teardown failed", "cluster", c.ID, "err", err)
			}
		}

		for _, u := range unsubs {
			u()
		}

		switch {
		case kill:
			c.Record.State = registry.StateKilled
		case c.Record.State == registry.StateStopping:
			c.Record.State = registry.StateStopped
		}
		c.Record.PID = 0
		o.persist(c)
		_ = c.Ledger.Close()
		o.dropCluster(c.ID)
		slog.Info("orchestrator: cluster stopped", "cluster", c.ID, "state", c.Record.State)
	})
}

// publishTeardownReview runs the diffstat + secret scan over the sandbox and
// appends the result before the ledger closes. The append may be lost if it
// races teardown; that loss is accepted, same as any publish during stop.
func (o *Orchestrator) publishTeardownReview(ctx context.Context, c *Cluster, h *isolation.Handle) {
	base := "HEAD"
	report, err := isolation.Review(ctx, h.WorkDir, base)
	if err != nil {
		slog.Debug("orchestrator: teardown review skipped", "cluster", c.ID, "err", err)
		return
	}
	if report == nil || (len(report.Files) == 0 && len(report.Issues) == 0) {
		return
	}
	_, _ = c.Bus.Publish(ledger.Message{
		Topic: "WORKSPACE_REVIEW", Sender: ledger.SenderOrchestrator, Receiver: ledger.Broadcast,
		Content: ledger.Content{Data: ledger.MustData(report)},
	})
}

// Kill force-removes a cluster: container and workspace deleted, worktree
// removed (branch preserved), ledger closed and deleted, registry entry
// purged. Works on owned clusters and on zombie records from other
// processes.
func (o *Orchestrator) Kill(ctx context.Context, clusterID string) error {
	o.mu.Lock()
	c, owned := o.clusters[clusterID]
	o.mu.Unlock()

	if owned {
		c.mu.Lock()
		c.killMode = true
		c.mu.Unlock()
		o.stopCluster(ctx, c, "explicit kill")
		o.removeLedgerFile(clusterID)
		return nil
	}

	// Not owned: reconstruct isolation from the persisted record.
	recs, err := o.store.Load(nil)
	if err != nil {
		return err
	}
	rec, ok := recs[clusterID]
	if !ok {
		return errs.Wrap(errs.ErrNotFound, "cluster %s", clusterID)
	}
	h := handleFromRecord(rec)
	if rec.Worktree != nil {
		if err := (isolation.WorktreeManager{}).Kill(ctx, h); err != nil {
			slog.Warn("orchestrator: worktree removal failed during kill", "cluster", clusterID, "err", err)
		}
	}
	if rec.Isolation != nil {
		mgr := &isolation.ContainerManager{Image: rec.Isolation.Image}
		if err := mgr.Kill(ctx, h); err != nil {
			slog.Warn("orchestrator: container removal failed during kill", "cluster", clusterID, "err", err)
		}
	}
	if err := o.store.Delete(clusterID); err != nil {
		return err
	}
	o.removeLedgerFile(clusterID)
	return nil
}

func (o *Orchestrator) removeLedgerFile(clusterID string) {
	path := filepath.Join(o.StorageDir, clusterID+".db")
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			slog.Warn("orchestrator: failed to remove ledger file", "path", p, "err", err)
		}
	}
}

// handleFromRecord rebuilds an isolation handle from persisted state, for
// kill/resume of clusters this process did not start.
func handleFromRecord(rec *registry.Record) *isolation.Handle {
	h := &isolation.Handle{ClusterID: rec.ID}
	if rec.Worktree != nil {
		h.Worktree = rec.Worktree
		h.WorkDir = rec.Worktree.Path
	}
	if rec.Isolation != nil {
		h.Container = rec.Isolation
		h.WorkDir = filepath.Join(isolation.IsolatedDir(), rec.ID)
	}
	return h
}
