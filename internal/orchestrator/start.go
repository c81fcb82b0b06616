package orchestrator

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/zeroshot/fleet/internal/agentwrap"
	"github.com/zeroshot/fleet/internal/bus"
	"github.com/zeroshot/fleet/internal/config"
	"github.com/zeroshot/fleet/internal/errs"
	"github.com/zeroshot/fleet/internal/ledger"
	"github.com/zeroshot/fleet/internal/provider"
	"github.com/zeroshot/fleet/internal/registry"
	"github.com/zeroshot/fleet/internal/subcluster"
)

// Input is the bootstrap payload: a user prompt, a file's contents, or a
// fetched issue from an external tracker.
type Input struct {
	Text        string
	IssueNumber int
	IssueTitle  string
	IssueURL    string
}

// StartOptions parameterizes StartCluster. Exactly one of Config or
// Template must be set.
type StartOptions struct {
	Config   *config.ClusterConfig
	Template string
	Params   map[string]string

	Input         Input
	WorkDir       string // defaults to FLEET_CWD, then the process cwd
	ClusterID     string // defaults to FLEET_CLUSTER_ID, then a fresh allocation
	AutoPR        bool
	ModelOverride string
	IssueProvider string
	GitPlatform   string
	SkipIssueRef  bool
}

// StartCluster brings a cluster up: id allocation, ledger and bus,
// isolation, workers, subscriptions, bootstrap message, init barrier.
// Subscriptions are registered before any agent starts, because the
// ledger's signals are synchronous and do not replay; a terminal message
// published by a fast agent before the orchestrator subscribed would wedge
// the cluster.
func (o *Orchestrator) StartCluster(ctx context.Context, opts StartOptions) (*Cluster, error) {
	cfg := opts.Config
	if cfg == nil {
		if opts.Template == "" {
			return nil, errs.Wrap(errs.ErrConfiguration, "StartCluster requires a config or template")
		}
		if o.Templates == nil {
			return nil, errs.Wrap(errs.ErrConfiguration, "no template resolver configured")
		}
		resolved, err := o.Templates.Resolve(opts.Template, opts.Params)
		if err != nil {
			return nil, errs.Wrapf(errs.ErrConfiguration, err, "resolve template %q", opts.Template)
		}
		cfg = resolved
	}
	res := config.Validate(cfg)
	if !res.OK() {
		return nil, errs.Wrap(errs.ErrConfiguration, "invalid cluster config: %s", res.Error())
	}
	for _, w := range res.Warnings {
		slog.Warn("orchestrator: config warning", "issue", w.String())
	}

	// 1. Allocate a unique cluster id against both the in-memory set and
	// the on-disk ledger paths.
	id := opts.ClusterID
	if id == "" {
		id = os.Getenv("FLEET_CLUSTER_ID")
	}
	if id == "" {
		o.mu.Lock()
		id = registry.AllocateID(func(candidate string) bool {
			if _, ok := o.clusters[candidate]; ok {
				return true
			}
			_, err := os.Stat(filepath.Join(o.StorageDir, candidate+".db"))
			return err == nil
		})
		o.mu.Unlock()
	}

	workDir := opts.WorkDir
	if workDir == "" {
		workDir = os.Getenv("FLEET_CWD")
	}
	if workDir == "" {
		workDir, _ = os.Getwd()
	}

	// 2. Ledger and bus.
	led, err := ledger.Open(o.StorageDir, id, o.LedgerOpts)
	if err != nil {
		return nil, err
	}
	b := bus.New(id, led)

	c := &Cluster{
		ID:     id,
		Config: cfg,
		Bus:    b,
		Ledger: led,
		Record: &registry.Record{
			ID:            id,
			State:         registry.StateInitializing,
			CreatedAt:     time.Now().UTC(),
			PID:           o.pid,
			AutoPR:        opts.AutoPR || cfg.AutoPR,
			ModelOverride: firstNonEmpty(opts.ModelOverride, cfg.ModelOverride),
			IssueProvider: firstNonEmpty(opts.IssueProvider, cfg.IssueProvider),
			GitPlatform:   firstNonEmpty(opts.GitPlatform, cfg.GitPlatform),
			SkipIssueRef:  opts.SkipIssueRef,
			Config:        cfg,
		},
		initComplete: make(chan struct{}),
		orc:          o,
		workers:      make(map[string]Worker),
		workerCfgs:   make(map[string]config.AgentConfig),
	}
	o.mu.Lock()
	o.clusters[id] = c
	o.mu.Unlock()
	o.persist(c)

	// 3. Isolation, if requested.
	if mgr := o.isolationFor(cfg.Isolation); mgr != nil {
		h, ierr := mgr.Create(ctx, id, workDir)
		if ierr != nil {
			led.Close()
			o.dropCluster(id)
			c.Record.State = registry.StateKilled
			_ = o.store.Save(map[string]*registry.Record{id: c.Record})
			return nil, ierr
		}
		c.mu.Lock()
		c.isoMgr = mgr
		c.isoHandle = h
		c.mu.Unlock()
		c.Record.Worktree = h.Worktree
		c.Record.Isolation = h.Container
		workDir = h.WorkDir
	}

	// 5. Assemble the worker list.
	for _, ac := range cfg.Agents {
		w := o.buildWorker(c, ac, workDir)
		c.mu.Lock()
		c.workers[ac.ID] = w
		c.workerCfgs[ac.ID] = ac
		c.workerOrder = append(c.workerOrder, ac.ID)
		c.mu.Unlock()
	}

	// 6. Subscriptions strictly before agent start. Never reverse.
	o.registerSubscriptions(ctx, c)
	c.mu.Lock()
	order := append([]string(nil), c.workerOrder...)
	c.mu.Unlock()
	for _, wid := range order {
		c.mu.Lock()
		w := c.workers[wid]
		c.mu.Unlock()
		if err := w.Start(ctx); err != nil {
			slog.Error("orchestrator: agent failed to start", "cluster", id, "agent", wid, "err", err)
		}
	}

	c.Record.State = registry.StateRunning
	o.persist(c)

	// 7. Bootstrap message.
	_, err = b.Publish(ledger.Message{
		Topic: ledger.TopicIssueOpened, Sender: ledger.SenderSystem, Receiver: ledger.Broadcast,
		Content: ledger.Content{
			Text: opts.Input.Text,
			Data: ledger.MustData(map[string]any{
				"issue_number": opts.Input.IssueNumber,
				"title":        opts.Input.IssueTitle,
				"url":          opts.Input.IssueURL,
			}),
		},
	})
	if err != nil {
		slog.Error("orchestrator: bootstrap publish failed", "cluster", id, "err", err)
	}

	// 8. Resolve the barrier.
	close(c.initComplete)
	slog.Info("orchestrator: cluster started", "cluster", id, "agents", len(cfg.Agents))
	return c, nil
}

// buildWorker constructs an AgentWrapper or SubClusterWrapper for one config
// entry, propagating cwd, model override and isolation routing.
func (o *Orchestrator) buildWorker(c *Cluster, ac config.AgentConfig, workDir string) Worker {
	if c.Record.ModelOverride != "" && ac.Model == "" {
		ac.Model = c.Record.ModelOverride
	}
	if ac.Type == "subcluster" {
		return &subcluster.Wrapper{
			ID: ac.ID, Role: ac.Role, Cwd: workDir,
			Triggers: ac.Triggers, Hooks: ac.Hooks, Config: ac.SubConfig,
			BridgeIn: ac.BridgeIn, BridgeOut: ac.BridgeOut,
			ParentBus: c.Bus, StorageDir: o.StorageDir, LedgerOpts: o.LedgerOpts,
			Adapters: subcluster.AdapterFor(o.Adapters),
			Exec:     o.Exec,
		}
	}
	a := agentwrap.New(ac, o.Adapters(ac), c.Bus, c, func(ctx context.Context, reason string) {
		o.stopCluster(ctx, c, reason)
	})
	a.Cwd = workDir
	a.Exec = o.Exec
	c.mu.Lock()
	if c.isoMgr != nil && c.isoMgr.Mode() == "container" {
		mgr, h := c.isoMgr, c.isoHandle
		a.Route = func(cmd provider.Command) provider.Command { return mgr.Route(h, cmd) }
	}
	c.mu.Unlock()
	return a
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func (o *Orchestrator) dropCluster(id string) {
	o.mu.Lock()
	delete(o.clusters, id)
	o.mu.Unlock()
}
