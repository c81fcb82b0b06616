package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/zeroshot/fleet/internal/ledger"
	"github.com/zeroshot/fleet/internal/registry"
)

// agentErrorPayload is the content.data shape of AGENT_ERROR.
type agentErrorPayload struct {
	Attempts  int    `json:"attempts"`
	Error     string `json:"error"`
	TaskID    string `json:"taskId"`
	Iteration int    `json:"iteration"`
	Role      string `json:"role"`
}

// lifecyclePayload is the content.data shape of AGENT_LIFECYCLE.
type lifecyclePayload struct {
	Event string `json:"event"`
}

// persistedLifecycleEvents are the AGENT_LIFECYCLE events that trigger a
// registry persist so agent runtime state survives a restart best-effort.
var persistedLifecycleEvents = map[string]bool{
	ledger.LifecycleStarted:        true,
	ledger.LifecycleTaskStarted:    true,
	ledger.LifecycleTaskCompleted:  true,
	ledger.LifecycleProcessSpawned: true,
	ledger.LifecycleTaskIDAssigned: true,
}

// registerSubscriptions wires the orchestrator's observers on a cluster's
// bus. Called strictly before any agent starts; never reverse that order.
func (o *Orchestrator) registerSubscriptions(ctx context.Context, c *Cluster) {
	sub := func(topic string, fn ledger.SubFunc) {
		u := c.Bus.SubscribeTopic(topic, fn)
		c.mu.Lock()
		c.unsubs = append(c.unsubs, u)
		c.mu.Unlock()
	}

	terminal := func(m ledger.Message) {
		slog.Info("orchestrator: terminal message", "cluster", c.ID, "topic", m.Topic, "sender", m.Sender)
		if m.Topic == ledger.TopicClusterFailed {
			c.Record.State = registry.StateFailed
		}
		go o.stopCluster(ctx, c, "terminal message "+m.Topic)
	}
	sub(ledger.TopicClusterComplete, terminal)
	sub(ledger.TopicClusterFailed, terminal)

	sub(ledger.TopicAgentError, func(m ledger.Message) {
		var p agentErrorPayload
		if err := m.DecodeData(&p); err != nil {
			slog.Warn("orchestrator: unparseable AGENT_ERROR", "cluster", c.ID, "err", err)
			return
		}
		c.Record.FailureInfo = &registry.FailureInfo{AgentID: m.Sender, Error: p.Error, TaskID: p.TaskID}
		o.persist(c)
		if p.Attempts >= 3 && p.Role == "implementation" {
			go o.stopCluster(ctx, c, "implementation agent exhausted retries")
		}
	})

	sub(ledger.TopicAgentLifecycle, func(m ledger.Message) {
		var p lifecyclePayload
		if err := m.DecodeData(&p); err != nil {
			return
		}
		if persistedLifecycleEvents[p.Event] {
			o.persist(c)
		}
		if p.Event == ledger.LifecycleTaskCompleted && o.senderRole(c, m.Sender) == "conductor" {
			o.armConductorWatchdog(c)
		}
	})

	sub(ledger.TopicClusterOperations, func(m ledger.Message) {
		o.disarmConductorWatchdog(c)
		go o.handleOperations(ctx, c, m)
	})
}

// senderRole looks up a worker's role by agent id.
func (o *Orchestrator) senderRole(c *Cluster, agentID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cfg, ok := c.workerCfgs[agentID]; ok {
		return cfg.Role
	}
	return ""
}

// armConductorWatchdog starts the single-shot 30 s timer: if no
// CLUSTER_OPERATIONS arrives before it fires, the cluster fails with
// CONDUCTOR_WATCHDOG_TIMEOUT. Re-arming replaces any previous timer so at
// most one is live and exactly one CLUSTER_FAILED can fire per expiry.
func (o *Orchestrator) armConductorWatchdog(c *Cluster) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conductorTimer != nil {
		c.conductorTimer.Stop()
	}
	timeout := o.WatchdogTimeout
	if timeout == 0 {
		timeout = conductorWatchdogTimeout
	}
	c.conductorTimer = time.AfterFunc(timeout, func() {
		slog.Warn("orchestrator: conductor watchdog fired", "cluster", c.ID)
		_, _ = c.Bus.Publish(ledger.Message{
			Topic: ledger.TopicClusterFailed, Sender: ledger.SenderOrchestrator, Receiver: ledger.Broadcast,
			Content: ledger.Content{Data: ledger.MustData(map[string]any{"reason": ReasonConductorWatchdog})},
		})
	})
}

func (o *Orchestrator) disarmConductorWatchdog(c *Cluster) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conductorTimer != nil {
		c.conductorTimer.Stop()
		c.conductorTimer = nil
	}
}
