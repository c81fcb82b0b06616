// Package orchestrator owns every cluster's lifecycle: it loads and
// persists the shared registry under file locks, starts clusters, wires
// subscriptions before agents, evaluates operation chains, detects zombies,
// coordinates stop/kill/resume, and enforces the conductor watchdog.
package orchestrator

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/zeroshot/fleet/internal/agentwrap"
	"github.com/zeroshot/fleet/internal/bus"
	"github.com/zeroshot/fleet/internal/config"
	"github.com/zeroshot/fleet/internal/errs"
	"github.com/zeroshot/fleet/internal/isolation"
	"github.com/zeroshot/fleet/internal/ledger"
	"github.com/zeroshot/fleet/internal/provider"
	"github.com/zeroshot/fleet/internal/registry"
)

const (
	// conductorWatchdogTimeout is how long a conductor's TASK_COMPLETED may
	// go unanswered by a CLUSTER_OPERATIONS before the cluster is failed.
	conductorWatchdogTimeout = 30 * time.Second
	// initCompleteWait bounds how long stop() waits for a cluster that is
	// still starting up.
	initCompleteWait = 30 * time.Second
)

// ReasonConductorWatchdog is the CLUSTER_FAILED reason the watchdog emits.
const ReasonConductorWatchdog = "CONDUCTOR_WATCHDOG_TIMEOUT"

// Worker is the common surface of AgentWrapper and SubClusterWrapper.
type Worker interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Resume(ctx context.Context, promptContext string, triggerMsg ledger.Message)
	GetState() agentwrap.Snapshot
	MatchesTrigger(ctx context.Context, m ledger.Message) bool
}

// AdapterFor resolves the provider adapter for one agent config. Test mode
// injects a fake executor through this hook.
type AdapterFor func(ac config.AgentConfig) provider.Adapter

// Orchestrator owns all clusters started by this process.
type Orchestrator struct {
	StorageDir string
	LedgerOpts ledger.Options
	Adapters   AdapterFor
	Templates  *config.TemplateResolver
	// IsolationFor selects the isolation backend for a cluster; nil means
	// the built-in default (WorktreeManager for "worktree", ContainerManager
	// for "container").
	IsolationFor func(spec config.IsolationSpec) isolation.Manager
	// WatchdogTimeout overrides the conductor watchdog interval; zero means
	// the default 30 s.
	WatchdogTimeout time.Duration
	// Exec, when set, is the injected command executor every agent runs
	// instead of spawning a subprocess (test mode).
	Exec func(ctx context.Context, cmd provider.Command) ([]provider.Event, error)

	pid   int
	store *registry.Store

	mu       sync.Mutex
	clusters map[string]*Cluster
}

// Cluster is the in-memory runtime of one cluster this process owns. The
// persisted Record is plain data; the single-use initComplete barrier lives
// here, never on disk.
type Cluster struct {
	ID     string
	Record *registry.Record
	Config *config.ClusterConfig
	Bus    *bus.Bus
	Ledger *ledger.Ledger

	initComplete chan struct{}

	orc *Orchestrator

	mu             sync.Mutex
	workers        map[string]Worker
	workerCfgs     map[string]config.AgentConfig
	workerOrder    []string
	unsubs         []ledger.Unsubscribe
	isoMgr         isolation.Manager
	isoHandle      *isolation.Handle
	conductorTimer *time.Timer
	stopOnce       sync.Once
	killMode       bool
}

// Daemonized reports whether this process runs under a background
// supervisor (FLEET_DAEMON=1): interactive output is suppressed and logs
// switch to machine-readable JSON.
func Daemonized() bool { return os.Getenv("FLEET_DAEMON") == "1" }

// New creates an orchestrator over storageDir, loading nothing eagerly.
// Housekeeping of orphaned isolation directories runs once here.
func New(storageDir string, opts ledger.Options, adapters AdapterFor) *Orchestrator {
	if Daemonized() {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	}
	o := &Orchestrator{
		StorageDir: storageDir,
		LedgerOpts: opts,
		Adapters:   adapters,
		pid:        os.Getpid(),
		clusters:   make(map[string]*Cluster),
	}
	o.store = &registry.Store{Dir: storageDir, PID: o.pid, CountMessages: o.countMessages}
	if recs, err := o.store.Load(nil); err == nil {
		isolation.Housekeep(func(id string) bool {
			_, ok := recs[id]
			return ok
		})
	}
	return o
}

// countMessages opens the cluster's ledger read-only for the corrupted-state
// check, preferring an already open in-memory ledger.
func (o *Orchestrator) countMessages(clusterID string) (int, error) {
	o.mu.Lock()
	c, ok := o.clusters[clusterID]
	o.mu.Unlock()
	if ok {
		return c.Ledger.Count(context.Background(), ledger.Criteria{ClusterID: clusterID})
	}
	led, err := ledger.Open(o.StorageDir, clusterID, o.LedgerOpts)
	if err != nil {
		return 0, err
	}
	defer led.Close()
	return led.Count(context.Background(), ledger.Criteria{ClusterID: clusterID})
}

// persist writes one cluster's record to the shared registry.
func (o *Orchestrator) persist(c *Cluster) {
	if err := o.store.Save(map[string]*registry.Record{c.ID: c.Record}); err != nil {
		slog.Error("orchestrator: registry persist failed", "cluster", c.ID, "err", err)
	}
}

// ListClusters merges the on-disk registry with this process's in-memory
// view. Zombie states are computed, never stored.
func (o *Orchestrator) ListClusters() (map[string]*registry.Record, error) {
	o.mu.Lock()
	owned := make(map[string]*registry.Record, len(o.clusters))
	for id, c := range o.clusters {
		owned[id] = c.Record
	}
	o.mu.Unlock()
	return o.store.Load(owned)
}

// GetStatus returns the effective state of one cluster, reporting zombie for
// running records whose pid is gone.
func (o *Orchestrator) GetStatus(clusterID string) (registry.State, error) {
	recs, err := o.ListClusters()
	if err != nil {
		return "", err
	}
	rec, ok := recs[clusterID]
	if !ok {
		return "", errs.Wrap(errs.ErrNotFound, "cluster %s", clusterID)
	}
	return rec.EffectiveState(), nil
}

// OwnedCluster returns the in-memory runtime for a cluster this process
// owns, for co-located surfaces (the HTTP API) that publish on its bus.
func (o *Orchestrator) OwnedCluster(clusterID string) (*Cluster, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	c, ok := o.clusters[clusterID]
	return c, ok
}

// getCluster returns the in-memory runtime for a cluster this process owns.
func (o *Orchestrator) getCluster(clusterID string) (*Cluster, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	c, ok := o.clusters[clusterID]
	if !ok {
		return nil, errs.Wrap(errs.ErrNotFound, "cluster %s is not owned by this process", clusterID)
	}
	return c, nil
}

// AgentsByRole implements agentwrap.ClusterView for predicate scripts.
func (c *Cluster) AgentsByRole(role string) []agentwrap.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []agentwrap.Snapshot
	for _, id := range c.workerOrder {
		w := c.workers[id]
		if snap := w.GetState(); snap.Role == role {
			out = append(out, snap)
		}
	}
	return out
}

// Workers returns the current worker snapshots in start order.
func (c *Cluster) Workers() []agentwrap.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]agentwrap.Snapshot, 0, len(c.workerOrder))
	for _, id := range c.workerOrder {
		out = append(out, c.workers[id].GetState())
	}
	return out
}

func (o *Orchestrator) isolationFor(spec config.IsolationSpec) isolation.Manager {
	if o.IsolationFor != nil {
		return o.IsolationFor(spec)
	}
	switch spec.Mode {
	case "worktree":
		return isolation.WorktreeManager{}
	case "container":
		return &isolation.ContainerManager{Image: spec.Image}
	default:
		return nil
	}
}
