// Package agentwrap implements the agent wrapper: one supervised worker
// that waits for a matching message, evaluates a predicate, runs the
// provider subprocess under a timeout, streams output, and publishes
// lifecycle/completion messages as an atomic batch.
package agentwrap

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/zeroshot/fleet/internal/bus"
	"github.com/zeroshot/fleet/internal/config"
	"github.com/zeroshot/fleet/internal/ledger"
	"github.com/zeroshot/fleet/internal/predicate"
	"github.com/zeroshot/fleet/internal/provider"
)

// DefaultStaleTimeout is the wall-clock threshold after which an executing
// agent that has produced no AGENT_OUTPUT raises AGENT_STALE_WARNING. It is
// a warning only; nothing auto-kills the agent.
const DefaultStaleTimeout = 10 * time.Minute

// DefaultTaskTimeout bounds one provider subprocess invocation when the
// agent config does not specify one.
const DefaultTaskTimeout = 20 * time.Minute

// maxAttempts is the retry ceiling after which an `implementation`-role
// agent's exhaustion causes the orchestrator to stop the cluster.
const maxAttempts = 3

// State is the agent's runtime state.
type State string

const (
	StateIdle          State = "idle"
	StateExecutingTask State = "executing_task"
	StateStopped       State = "stopped"
)

// ClusterView is the read-only cluster surface an agent's predicate script
// binds as `cluster`. The orchestrator implements this for the cluster an
// agent belongs to; defined here (not in orchestrator) to avoid an import
// cycle.
type ClusterView interface {
	AgentsByRole(role string) []Snapshot
}

// Snapshot is the external view of one agent, also returned by GetState.
type Snapshot struct {
	ID            string `json:"id"`
	Role          string `json:"role"`
	State         State  `json:"state"`
	Iteration     int    `json:"iteration"`
	CurrentTaskID string `json:"currentTaskId"`
	ProcessPid    int    `json:"processPid"`
	Model         string `json:"model"`
}

// StopClusterFunc is invoked when a trigger's action is stop_cluster, or
// when an implementation-role agent exhausts its retries. Supplied by the
// orchestrator at construction time.
type StopClusterFunc func(ctx context.Context, reason string)

// Agent is one supervised AgentWrapper.
type Agent struct {
	ID              string
	Role            string
	Model           string
	Level           string
	Reasoning       string
	Cwd             string
	StaleTimeout    time.Duration
	TaskTimeout     time.Duration
	Hooks           config.Hooks
	ContextStrategy string

	Adapter provider.Adapter
	Bus     *bus.Bus
	Cluster ClusterView
	OnStop  StopClusterFunc
	// Route, when set, rewrites the provider command before spawn so it
	// executes inside the cluster's isolation backend (container exec).
	Route func(provider.Command) provider.Command
	// Exec, when set, replaces the subprocess execution path entirely (test
	// mode's injected command executor). It returns the parsed event stream
	// and an error for a non-zero exit.
	Exec func(ctx context.Context, cmd provider.Command) ([]provider.Event, error)

	triggers []compiledTrigger

	mu            sync.Mutex
	state         State
	iteration     int
	currentTaskID string
	processPid    int
	attempts      int
	unsubs        []ledger.Unsubscribe
	lastOutput    time.Time
	cancelTask    context.CancelFunc
}

type compiledTrigger struct {
	cfg     config.Trigger
	program *predicate.Program
}

// New builds an Agent from its config. Triggers with a logic.script are
// parsed eagerly; ConfigValidator should already have rejected an
// unparseable script, so a parse failure here is treated as "never fires"
// rather than a construction error.
func New(ac config.AgentConfig, adapter provider.Adapter, b *bus.Bus, cv ClusterView, onStop StopClusterFunc) *Agent {
	a := &Agent{
		ID: ac.ID, Role: ac.Role, Model: ac.Model, Level: ac.Level, Reasoning: ac.Reasoning,
		Hooks: ac.Hooks, ContextStrategy: ac.ContextStrategy,
		Adapter: adapter, Bus: b, Cluster: cv, OnStop: onStop,
		state: StateIdle,
	}
	if ac.StaleTimeoutSec > 0 {
		a.StaleTimeout = time.Duration(ac.StaleTimeoutSec) * time.Second
	} else {
		a.StaleTimeout = DefaultStaleTimeout
	}
	if ac.TimeoutSec > 0 {
		a.TaskTimeout = time.Duration(ac.TimeoutSec) * time.Second
	} else {
		a.TaskTimeout = DefaultTaskTimeout
	}
	for _, tr := range ac.Triggers {
		ct := compiledTrigger{cfg: tr}
		if tr.Logic.Script != "" {
			prog, err := predicate.Parse(tr.Logic.Script)
			if err != nil {
				slog.Error("agentwrap: trigger script failed to parse at runtime, trigger will never fire", "agent", ac.ID, "err", err)
			} else {
				ct.program = prog
			}
		}
		a.triggers = append(a.triggers, ct)
	}
	return a
}

// Start subscribes to every configured trigger topic and publishes STARTED.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	a.state = StateIdle
	a.mu.Unlock()

	topics := make([]string, 0, len(a.triggers))
	for _, ct := range a.triggers {
		topics = append(topics, ct.cfg.Topic)
	}
	// A single "all messages" subscription suffices; topic/predicate
	// matching happens in onMessage so multiple triggers never double-fire
	// from multiple subscriptions.
	unsub := a.Bus.Subscribe(func(m ledger.Message) { a.onMessage(ctx, m) })
	a.mu.Lock()
	a.unsubs = append(a.unsubs, unsub)
	a.mu.Unlock()

	_, err := a.Bus.Publish(ledger.Message{
		Topic:    ledger.TopicAgentLifecycle,
		Sender:   a.ID,
		Receiver: ledger.Broadcast,
		Content: ledger.Content{Data: ledger.MustData(map[string]any{
			"event":    ledger.LifecycleStarted,
			"triggers": topics,
		})},
	})
	return err
}

// Stop unsubscribes, terminates any running task, and publishes STOPPED.
func (a *Agent) Stop(ctx context.Context) error {
	a.mu.Lock()
	for _, u := range a.unsubs {
		u()
	}
	a.unsubs = nil
	cancel := a.cancelTask
	a.state = StateStopped
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	_, err := a.Bus.Publish(ledger.Message{
		Topic:    ledger.TopicAgentLifecycle,
		Sender:   a.ID,
		Receiver: ledger.Broadcast,
		Content:  ledger.Content{Data: ledger.MustData(map[string]any{"event": ledger.LifecycleStopped})},
	})
	return err
}

// GetState returns the externally observable snapshot.
func (a *Agent) GetState() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Snapshot{
		ID: a.ID, Role: a.Role, State: a.state, Iteration: a.iteration,
		CurrentTaskID: a.currentTaskID, ProcessPid: a.processPid, Model: a.Model,
	}
}

// Resume runs one task immediately, with promptContext prepended to the
// content of triggerMsg. Used by the orchestrator's resume() and by an
// operator-invoked stale-restart; never invoked automatically on a stale
// warning alone.
func (a *Agent) Resume(ctx context.Context, promptContext string, triggerMsg ledger.Message) {
	go a.executeTask(ctx, triggerMsg, promptContext)
}

// MatchesTrigger reports whether any of this agent's triggers would fire on
// m, re-evaluating predicate scripts. Used by the orchestrator's resume to
// decide which agents wake up on the last workflow-triggering message.
func (a *Agent) MatchesTrigger(ctx context.Context, m ledger.Message) bool {
	_, _, ok := a.matchTrigger(ctx, m)
	return ok
}

func (a *Agent) onMessage(ctx context.Context, m ledger.Message) {
	_, trigger, ok := a.matchTrigger(ctx, m)
	if !ok {
		return
	}
	action := trigger.Action
	if action == "" {
		action = config.ActionExecuteTask
	}
	if action == config.ActionStopCluster {
		_, _ = a.Bus.Publish(ledger.Message{
			Topic: ledger.TopicClusterComplete, Sender: a.ID, Receiver: ledger.Broadcast,
		})
		if a.OnStop != nil {
			// Asynchronous: fan-out must not block behind cluster teardown.
			go a.OnStop(ctx, "stop_cluster trigger fired on agent "+a.ID)
		}
		return
	}
	a.mu.Lock()
	busy := a.state == StateExecutingTask
	a.mu.Unlock()
	if busy {
		return // one task at a time per agent
	}
	go a.executeTask(ctx, m, "")
}

func (a *Agent) matchTrigger(ctx context.Context, m ledger.Message) (compiledTrigger, config.Trigger, bool) {
	for _, ct := range a.triggers {
		if !topicMatches(ct.cfg.Topic, m.Topic) {
			continue
		}
		if ct.program == nil {
			return ct, ct.cfg, true
		}
		msgMap := messageToMap(m)
		ok, err := predicate.Eval(ctx, ct.program, predicate.Bindings{
			Message: msgMap,
			Cluster: clusterCaller{a.Cluster},
			Ledger:  ledgerCaller{a.Bus},
		})
		if err != nil {
			slog.Warn("agentwrap: trigger predicate failed, treating as did-not-fire", "agent", a.ID, "err", err)
			continue
		}
		if ok {
			return ct, ct.cfg, true
		}
	}
	return compiledTrigger{}, config.Trigger{}, false
}

func topicMatches(pattern, topic string) bool {
	if pattern == "*" {
		return true
	}
	if len(pattern) > 0 && pattern[len(pattern)-1] == '*' {
		prefix := pattern[:len(pattern)-1]
		return len(topic) >= len(prefix) && topic[:len(prefix)] == prefix
	}
	return pattern == topic
}

func messageToMap(m ledger.Message) map[string]any {
	out := map[string]any{
		"id":        m.ID,
		"clusterId": m.ClusterID,
		"timestamp": float64(m.Timestamp),
		"topic":     m.Topic,
		"sender":    m.Sender,
		"receiver":  m.Receiver,
		"content": map[string]any{
			"text": m.Content.Text,
		},
	}
	if len(m.Content.Data) > 0 {
		var data any
		if err := m.DecodeData(&data); err == nil {
			out["content"].(map[string]any)["data"] = data
		}
	}
	if len(m.Metadata) > 0 {
		var md any
		if err := m.DecodeMetadata(&md); err == nil {
			out["metadata"] = md
		}
	}
	return out
}
