// Package subcluster implements the sub-cluster wrapper: an entry in a
// cluster's agent list whose body is a nested cluster. It has the same
// external contract as an agent wrapper; on its first triggering message it
// instantiates the child cluster with a private ledger and bus, and a
// bridge forwards a configurable set of topics in each direction. Nesting
// depth is capped by the config validator before one is ever built.
package subcluster

import (
	"context"
	"log/slog"
	"sync"

	"github.com/zeroshot/fleet/internal/agentwrap"
	"github.com/zeroshot/fleet/internal/bus"
	"github.com/zeroshot/fleet/internal/config"
	"github.com/zeroshot/fleet/internal/ledger"
	"github.com/zeroshot/fleet/internal/provider"
)

// AdapterFor resolves the provider adapter for one child agent config.
type AdapterFor func(ac config.AgentConfig) provider.Adapter

// Wrapper runs one nested cluster behind an agent-shaped surface.
type Wrapper struct {
	ID        string
	Role      string
	Cwd       string
	Triggers  []config.Trigger
	Hooks     config.Hooks
	Config    *config.ClusterConfig
	BridgeIn  []string // parent topics forwarded into the child
	BridgeOut []string // child topics forwarded out to the parent

	ParentBus  *bus.Bus
	StorageDir string
	LedgerOpts ledger.Options
	Adapters   AdapterFor
	// Exec is the injected command executor propagated to child agents in
	// test mode.
	Exec func(ctx context.Context, cmd provider.Command) ([]provider.Event, error)

	mu        sync.Mutex
	state     agentwrap.State
	iteration int
	unsubs    []ledger.Unsubscribe

	child       *bus.Bus
	childLedger *ledger.Ledger
	childAgents []*agentwrap.Agent
	bridge      *Bridge
}

// Start subscribes to the wrapper's triggers on the parent bus and publishes
// STARTED, exactly like a plain agent.
func (w *Wrapper) Start(ctx context.Context) error {
	w.mu.Lock()
	w.state = agentwrap.StateIdle
	w.mu.Unlock()

	topics := make([]string, 0, len(w.Triggers))
	for _, t := range w.Triggers {
		topics = append(topics, t.Topic)
	}
	unsub := w.ParentBus.Subscribe(func(m ledger.Message) { w.onMessage(ctx, m) })
	w.mu.Lock()
	w.unsubs = append(w.unsubs, unsub)
	w.mu.Unlock()

	_, err := w.ParentBus.Publish(ledger.Message{
		Topic: ledger.TopicAgentLifecycle, Sender: w.ID, Receiver: ledger.Broadcast,
		Content: ledger.Content{Data: ledger.MustData(map[string]any{
			"event": ledger.LifecycleStarted, "triggers": topics, "subcluster": true,
		})},
	})
	return err
}

// Stop tears down the child cluster (recursively stopping its agents),
// detaches the bridge, and publishes STOPPED.
func (w *Wrapper) Stop(ctx context.Context) error {
	w.mu.Lock()
	for _, u := range w.unsubs {
		u()
	}
	w.unsubs = nil
	agents := w.childAgents
	w.childAgents = nil
	bridge := w.bridge
	w.bridge = nil
	childLedger := w.childLedger
	w.childLedger = nil
	w.child = nil
	w.state = agentwrap.StateStopped
	w.mu.Unlock()

	for _, a := range agents {
		if err := a.Stop(ctx); err != nil {
			slog.Warn("subcluster: child agent stop failed", "wrapper", w.ID, "agent", a.ID, "err", err)
		}
	}
	if bridge != nil {
		bridge.Close()
	}
	if childLedger != nil {
		_ = childLedger.Close()
	}
	_, err := w.ParentBus.Publish(ledger.Message{
		Topic: ledger.TopicAgentLifecycle, Sender: w.ID, Receiver: ledger.Broadcast,
		Content: ledger.Content{Data: ledger.MustData(map[string]any{"event": ledger.LifecycleStopped})},
	})
	return err
}

// Resume re-delivers a triggering message, starting the child cluster if it
// is not already running.
func (w *Wrapper) Resume(ctx context.Context, promptContext string, triggerMsg ledger.Message) {
	if promptContext != "" {
		triggerMsg.Content.Text = promptContext + "\n\n" + triggerMsg.Content.Text
	}
	w.fire(ctx, triggerMsg)
}

// GetState mirrors the AgentWrapper snapshot shape.
func (w *Wrapper) GetState() agentwrap.Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return agentwrap.Snapshot{ID: w.ID, Role: w.Role, State: w.state, Iteration: w.iteration}
}

// MatchesTrigger reports whether any of the wrapper's triggers would fire on
// m. Sub-cluster triggers are topic-only.
func (w *Wrapper) MatchesTrigger(_ context.Context, m ledger.Message) bool {
	for _, t := range w.Triggers {
		if topicMatches(t.Topic, m.Topic) {
			return true
		}
	}
	return false
}

func (w *Wrapper) onMessage(ctx context.Context, m ledger.Message) {
	for _, t := range w.Triggers {
		if topicMatches(t.Topic, m.Topic) {
			w.fire(ctx, m)
			return
		}
	}
}

// fire starts the child cluster on the first triggering message and forwards
// the trigger into it. Subsequent triggers while the child runs are
// forwarded but do not re-instantiate.
func (w *Wrapper) fire(ctx context.Context, m ledger.Message) {
	w.mu.Lock()
	if w.state == agentwrap.StateStopped {
		w.mu.Unlock()
		return
	}
	running := w.child != nil
	if !running {
		w.state = agentwrap.StateExecutingTask
		w.iteration++
	}
	w.mu.Unlock()

	if !running {
		if err := w.startChild(ctx); err != nil {
			slog.Error("subcluster: child cluster failed to start", "wrapper", w.ID, "err", err)
			w.mu.Lock()
			w.state = agentwrap.StateIdle
			w.mu.Unlock()
			return
		}
	}
	w.mu.Lock()
	child := w.child
	w.mu.Unlock()
	if child != nil {
		// Re-publish the trigger as the child's bootstrap.
		_, _ = child.Publish(ledger.Message{
			Topic: ledger.TopicIssueOpened, Sender: ledger.SenderSystem, Receiver: ledger.Broadcast,
			Content: m.Content,
		})
	}
}

func (w *Wrapper) startChild(ctx context.Context) error {
	childID := w.ParentBus.ClusterID() + "-" + w.ID
	led, err := ledger.Open(w.StorageDir, childID, w.LedgerOpts)
	if err != nil {
		return err
	}
	childBus := bus.New(childID, led)

	// Terminal-state observer must be registered before any child agent
	// starts, same ordering invariant as the orchestrator's.
	terminal := func(m ledger.Message) { w.onChildTerminal(ctx, m) }
	u1 := childBus.SubscribeTopic(ledger.TopicClusterComplete, terminal)
	u2 := childBus.SubscribeTopic(ledger.TopicClusterFailed, terminal)

	bridge := NewBridge(w.ParentBus, childBus, w.BridgeIn, w.BridgeOut)

	var agents []*agentwrap.Agent
	for _, ac := range w.Config.Agents {
		a := agentwrap.New(ac, w.Adapters(ac), childBus, nil, nil)
		a.Cwd = w.Cwd
		a.Exec = w.Exec
		agents = append(agents, a)
	}
	for _, a := range agents {
		if err := a.Start(ctx); err != nil {
			slog.Warn("subcluster: child agent failed to start", "wrapper", w.ID, "agent", a.ID, "err", err)
		}
	}

	w.mu.Lock()
	w.child = childBus
	w.childLedger = led
	w.childAgents = agents
	w.bridge = bridge
	w.unsubs = append(w.unsubs, u1, u2)
	w.mu.Unlock()
	return nil
}

// onChildTerminal publishes the wrapper's onComplete hook on the parent bus
// and returns to idle, leaving the child stopped.
func (w *Wrapper) onChildTerminal(ctx context.Context, m ledger.Message) {
	w.mu.Lock()
	agents := w.childAgents
	w.childAgents = nil
	bridge := w.bridge
	w.bridge = nil
	childLedger := w.childLedger
	w.childLedger = nil
	w.child = nil
	w.state = agentwrap.StateIdle
	w.mu.Unlock()

	for _, a := range agents {
		_ = a.Stop(ctx)
	}
	if bridge != nil {
		bridge.Close()
	}
	if childLedger != nil {
		_ = childLedger.Close()
	}

	topic := ledger.TopicImplementationReady
	text := m.Content.Text
	if w.Hooks.OnComplete != nil {
		if w.Hooks.OnComplete.Topic != "" {
			topic = w.Hooks.OnComplete.Topic
		}
		if w.Hooks.OnComplete.Content != "" {
			text = w.Hooks.OnComplete.Content
		}
	}
	_, _ = w.ParentBus.Publish(ledger.Message{
		Topic: topic, Sender: w.ID, Receiver: ledger.Broadcast,
		Content: ledger.Content{Text: text, Data: ledger.MustData(map[string]any{
			"childTerminal": m.Topic,
		})},
	})
}

func topicMatches(pattern, topic string) bool {
	if pattern == "*" {
		return true
	}
	if n := len(pattern); n > 0 && pattern[n-1] == '*' {
		prefix := pattern[:n-1]
		return len(topic) >= len(prefix) && topic[:len(prefix)] == prefix
	}
	return pattern == topic
}
