package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"slices"

	"github.com/zeroshot/fleet/internal/config"
	"github.com/zeroshot/fleet/internal/ledger"
)

// Operation is one entry of a CLUSTER_OPERATIONS chain. Action is drawn
// from a closed set; the remaining fields are action-specific.
type Operation struct {
	Action string `json:"action"`

	// add_agents
	Agents []config.AgentConfig `json:"agents,omitempty"`
	// remove_agents
	AgentIDs []string `json:"agentIds,omitempty"`
	// update_agent
	AgentID string              `json:"agentId,omitempty"`
	Update  *config.AgentConfig `json:"update,omitempty"`
	// publish
	Topic string          `json:"topic,omitempty"`
	Text  string          `json:"text,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	// load_config: either a bare template name or {base, params}
	Template string            `json:"template,omitempty"`
	Base     string            `json:"base,omitempty"`
	Params   map[string]string `json:"params,omitempty"`
}

var allowedActions = []string{"add_agents", "remove_agents", "update_agent", "publish", "load_config"}

// operationsPayload is the content.data shape of CLUSTER_OPERATIONS.
type operationsPayload struct {
	Operations []Operation `json:"operations"`
}

// handleOperations runs one operation chain: structural validation,
// proposed-topology validation, in-order execution, and exactly one of
// SUCCESS / FAILED / VALIDATION_FAILED published per chain.
func (o *Orchestrator) handleOperations(ctx context.Context, c *Cluster, m ledger.Message) {
	var p operationsPayload
	if err := m.DecodeData(&p); err != nil || len(p.Operations) == 0 {
		o.publishOpsResult(c, ledger.TopicClusterOperationsValidationFail, "operations payload is empty or unparseable")
		return
	}

	// 1. Structural validation of every operation before touching anything.
	for i, op := range p.Operations {
		if !slices.Contains(allowedActions, op.Action) {
			o.publishOpsResult(c, ledger.TopicClusterOperationsValidationFail,
				fmt.Sprintf("operation %d has unknown action %q", i, op.Action))
			return
		}
	}

	// 2-3. Build and validate the proposed post-operation topology.
	proposed, err := o.proposedConfig(c, p.Operations)
	if err != nil {
		o.publishOpsResult(c, ledger.TopicClusterOperationsValidationFail, err.Error())
		return
	}
	if res := config.Validate(proposed); !res.OK() {
		o.publishOpsResult(c, ledger.TopicClusterOperationsValidationFail, res.Error())
		return
	}

	// 4. Execute in order.
	for i, op := range p.Operations {
		if err := o.applyOperation(ctx, c, op); err != nil {
			slog.Error("orchestrator: operation failed", "cluster", c.ID, "index", i, "action", op.Action, "err", err)
			o.publishOpsResult(c, ledger.TopicClusterOperationsFailed,
				fmt.Sprintf("operation %d (%s): %v", i, op.Action, err))
			go o.stopCluster(ctx, c, "operation chain runtime failure")
			return
		}
	}
	c.Config.Agents = proposed.Agents
	c.Record.Config = c.Config
	o.persist(c)

	// 5. Success.
	o.publishOpsResult(c, ledger.TopicClusterOperationsSuccess, "")
}

// proposedConfig applies adds/removes/updates (and load_config expansions)
// to a copy of the current agent list without mutating the running cluster.
func (o *Orchestrator) proposedConfig(c *Cluster, ops []Operation) (*config.ClusterConfig, error) {
	cp := *c.Config
	cp.Agents = append([]config.AgentConfig(nil), c.Config.Agents...)
	for _, op := range ops {
		switch op.Action {
		case "add_agents":
			cp.Agents = append(cp.Agents, op.Agents...)
		case "remove_agents":
			cp.Agents = slices.DeleteFunc(cp.Agents, func(a config.AgentConfig) bool {
				return slices.Contains(op.AgentIDs, a.ID)
			})
		case "update_agent":
			if op.Update == nil {
				return nil, fmt.Errorf("update_agent for %q carries no update", op.AgentID)
			}
			idx := slices.IndexFunc(cp.Agents, func(a config.AgentConfig) bool { return a.ID == op.AgentID })
			if idx < 0 {
				return nil, fmt.Errorf("update_agent: unknown agent %q", op.AgentID)
			}
			upd := *op.Update
			upd.ID = op.AgentID
			cp.Agents[idx] = upd
		case "load_config":
			sub, err := o.resolveLoadConfig(op)
			if err != nil {
				return nil, err
			}
			cp.Agents = append(cp.Agents, sub.Agents...)
		case "publish":
			// no topology effect
		}
	}
	return &cp, nil
}

// resolveLoadConfig accepts either a bare template name or {base, params}.
func (o *Orchestrator) resolveLoadConfig(op Operation) (*config.ClusterConfig, error) {
	if o.Templates == nil {
		return nil, fmt.Errorf("load_config: no template resolver configured")
	}
	name := op.Template
	if name == "" {
		name = op.Base
	}
	if name == "" {
		return nil, fmt.Errorf("load_config requires a template name")
	}
	sub, err := o.Templates.Resolve(name, op.Params)
	if err != nil {
		return nil, err
	}
	if res := config.Validate(sub); !res.OK() {
		return nil, fmt.Errorf("load_config %q: %s", name, res.Error())
	}
	return sub, nil
}

// applyOperation mutates the running cluster for one already-validated
// operation, propagating cwd, model override and isolation to fresh agents.
func (o *Orchestrator) applyOperation(ctx context.Context, c *Cluster, op Operation) error {
	switch op.Action {
	case "add_agents":
		return o.spawnAgents(ctx, c, op.Agents)
	case "load_config":
		sub, err := o.resolveLoadConfig(op)
		if err != nil {
			return err
		}
		return o.spawnAgents(ctx, c, sub.Agents)
	case "remove_agents":
		for _, id := range op.AgentIDs {
			c.mu.Lock()
			w, ok := c.workers[id]
			if ok {
				delete(c.workers, id)
				delete(c.workerCfgs, id)
				c.workerOrder = slices.DeleteFunc(c.workerOrder, func(s string) bool { return s == id })
			}
			c.mu.Unlock()
			if ok {
				if err := w.Stop(ctx); err != nil {
					return err
				}
			}
		}
		return nil
	case "update_agent":
		c.mu.Lock()
		w, ok := c.workers[op.AgentID]
		c.mu.Unlock()
		if ok {
			if err := w.Stop(ctx); err != nil {
				return err
			}
		}
		upd := *op.Update
		upd.ID = op.AgentID
		return o.spawnAgents(ctx, c, []config.AgentConfig{upd})
	case "publish":
		if op.Topic == "" {
			return fmt.Errorf("publish operation requires a topic")
		}
		_, err := c.Bus.Publish(ledger.Message{
			Topic: op.Topic, Sender: ledger.SenderOrchestrator, Receiver: ledger.Broadcast,
			Content: ledger.Content{Text: op.Text, Data: op.Data},
		})
		return err
	}
	return fmt.Errorf("unknown action %q", op.Action)
}

// spawnAgents builds, registers and starts workers for fresh configs,
// replacing any worker that already holds the id (update path).
func (o *Orchestrator) spawnAgents(ctx context.Context, c *Cluster, agents []config.AgentConfig) error {
	c.mu.Lock()
	workDir := c.workDirLocked()
	c.mu.Unlock()
	for _, ac := range agents {
		w := o.buildWorker(c, ac, workDir)
		c.mu.Lock()
		if _, exists := c.workers[ac.ID]; !exists {
			c.workerOrder = append(c.workerOrder, ac.ID)
		}
		c.workers[ac.ID] = w
		c.workerCfgs[ac.ID] = ac
		c.mu.Unlock()
		if err := w.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// workDirLocked derives the agents' cwd from isolation state; callers hold
// c.mu.
func (c *Cluster) workDirLocked() string {
	if c.isoHandle != nil {
		return c.isoHandle.WorkDir
	}
	wd, _ := os.Getwd()
	return wd
}

// publishOpsResult emits exactly one chain outcome message.
func (o *Orchestrator) publishOpsResult(c *Cluster, topic, detail string) {
	msg := ledger.Message{Topic: topic, Sender: ledger.SenderOrchestrator, Receiver: ledger.Broadcast}
	if detail != "" {
		msg.Content = ledger.Content{Text: detail}
	}
	if _, err := c.Bus.Publish(msg); err != nil {
		slog.Error("orchestrator: failed to publish operation result", "cluster", c.ID, "topic", topic, "err", err)
	}
}
