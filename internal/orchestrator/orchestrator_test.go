package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeroshot/fleet/internal/config"
	"github.com/zeroshot/fleet/internal/ledger"
	"github.com/zeroshot/fleet/internal/provider"
	"github.com/zeroshot/fleet/internal/registry"
)

// fakeScript is encoded into the fake provider command's argv so the
// injected executor knows how to behave for each agent.
type fakeScript struct {
	Fail   bool   `json:"fail"`
	Result string `json:"result"`
}

type fakeAdapter struct {
	script fakeScript
}

func (f fakeAdapter) Harness() string { return "fake" }

func (f fakeAdapter) BuildCommand(opts provider.BuildOptions) (provider.Command, error) {
	b, err := json.Marshal(f.script)
	if err != nil {
		return provider.Command{}, err
	}
	return provider.Command{Binary: "fake-provider", Args: []string{string(b), opts.Prompt}}, nil
}

func (f fakeAdapter) ParseLine(context.Context, []byte) ([]provider.Event, error) {
	return nil, nil
}

// promptRecorder captures the prompt of every injected execution.
type promptRecorder struct {
	mu      sync.Mutex
	prompts []string
}

func (r *promptRecorder) record(p string) {
	r.mu.Lock()
	r.prompts = append(r.prompts, p)
	r.mu.Unlock()
}

func (r *promptRecorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.prompts...)
}

func fakeExec(rec *promptRecorder) func(context.Context, provider.Command) ([]provider.Event, error) {
	return func(_ context.Context, cmd provider.Command) ([]provider.Event, error) {
		var s fakeScript
		if err := json.Unmarshal([]byte(cmd.Args[0]), &s); err != nil {
			return nil, err
		}
		if rec != nil && len(cmd.Args) > 1 {
			rec.record(cmd.Args[1])
		}
		if s.Fail {
			return nil, errors.New("provider exited with code 1")
		}
		return []provider.Event{
			{Type: provider.EventText, Text: "working"},
			{Type: provider.EventResult, Text: s.Result, Usage: provider.Usage{InputTokens: 10, OutputTokens: 5}},
		}, nil
	}
}

func testAdapters(ac config.AgentConfig) provider.Adapter {
	return fakeAdapter{script: fakeScript{
		Fail:   ac.Params["fail"] == "true",
		Result: "done by " + ac.ID,
	}}
}

func newTestOrchestrator(t *testing.T, rec *promptRecorder) (*Orchestrator, string) {
	t.Helper()
	dir := t.TempDir()
	o := New(dir, ledger.Options{}, testAdapters)
	o.Exec = fakeExec(rec)
	return o, dir
}

func waitForState(t *testing.T, o *Orchestrator, id string, want registry.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, err := o.GetStatus(id)
		return err == nil && st == want
	}, 10*time.Second, 50*time.Millisecond, "cluster %s never reached state %s", id, want)
}

func readLedger(t *testing.T, dir, id string) []ledger.Message {
	t.Helper()
	led, err := ledger.Open(dir, id, ledger.Options{})
	require.NoError(t, err)
	defer led.Close()
	msgs, err := led.GetAll(context.Background(), id)
	require.NoError(t, err)
	return msgs
}

// indexOf returns the position of the first message matching topic (and
// sender, if non-empty), or -1.
func indexOf(msgs []ledger.Message, topic, sender string) int {
	for i, m := range msgs {
		if m.Topic == topic && (sender == "" || m.Sender == sender) {
			return i
		}
	}
	return -1
}

func threeStageConfig() *config.ClusterConfig {
	return &config.ClusterConfig{
		Name: "bootstrap",
		Agents: []config.AgentConfig{
			{
				ID: "planner", Role: "planning",
				Triggers: []config.Trigger{{Topic: ledger.TopicIssueOpened}},
				Hooks:    config.Hooks{OnComplete: &config.HookSpec{Topic: ledger.TopicPlanReady}},
			},
			{
				ID: "implementer", Role: "implementation",
				Triggers: []config.Trigger{{Topic: ledger.TopicPlanReady}},
				Hooks:    config.Hooks{OnComplete: &config.HookSpec{Topic: ledger.TopicImplementationReady}},
			},
			{
				ID: "completion-orchestrator", Role: "orchestration",
				Triggers: []config.Trigger{{Topic: ledger.TopicImplementationReady, Action: config.ActionStopCluster}},
			},
		},
	}
}

func TestBootstrapAndCleanCompletion(t *testing.T) {
	o, dir := newTestOrchestrator(t, nil)
	ctx := context.Background()

	c, err := o.StartCluster(ctx, StartOptions{
		Config: threeStageConfig(),
		Input:  Input{Text: "Add logging"},
	})
	require.NoError(t, err)

	waitForState(t, o, c.ID, registry.StateStopped)

	msgs := readLedger(t, dir, c.ID)
	issue := indexOf(msgs, ledger.TopicIssueOpened, "")
	plannerOut := indexOf(msgs, ledger.TopicAgentOutput, "planner")
	plan := indexOf(msgs, ledger.TopicPlanReady, "planner")
	implOut := indexOf(msgs, ledger.TopicAgentOutput, "implementer")
	impl := indexOf(msgs, ledger.TopicImplementationReady, "implementer")
	complete := indexOf(msgs, ledger.TopicClusterComplete, "")

	require.GreaterOrEqual(t, issue, 0, "missing ISSUE_OPENED")
	require.GreaterOrEqual(t, plannerOut, 0, "missing planner AGENT_OUTPUT")
	require.GreaterOrEqual(t, plan, 0, "missing PLAN_READY")
	require.GreaterOrEqual(t, implOut, 0, "missing implementer AGENT_OUTPUT")
	require.GreaterOrEqual(t, impl, 0, "missing IMPLEMENTATION_READY")
	require.GreaterOrEqual(t, complete, 0, "missing CLUSTER_COMPLETE")

	assert.Less(t, issue, plannerOut)
	assert.Less(t, plannerOut, plan)
	assert.Less(t, plan, implOut)
	assert.Less(t, implOut, impl)
	assert.Less(t, impl, complete)

	assert.Equal(t, "Add logging", msgs[issue].Content.Text)
}

func TestFailingImplementer(t *testing.T) {
	o, dir := newTestOrchestrator(t, nil)
	ctx := context.Background()

	cfg := &config.ClusterConfig{
		Name: "failing",
		Agents: []config.AgentConfig{{
			ID: "implementer", Role: "implementation",
			Triggers: []config.Trigger{{Topic: ledger.TopicIssueOpened}},
			Params:   map[string]string{"fail": "true"},
		}},
	}
	c, err := o.StartCluster(ctx, StartOptions{Config: cfg, Input: Input{Text: "doomed"}})
	require.NoError(t, err)

	waitForState(t, o, c.ID, registry.StateStopped)

	msgs := readLedger(t, dir, c.ID)
	var attempts []int
	for _, m := range msgs {
		if m.Topic != ledger.TopicAgentError || m.Sender != "implementer" {
			continue
		}
		var p agentErrorPayload
		require.NoError(t, m.DecodeData(&p))
		attempts = append(attempts, p.Attempts)
	}
	assert.Equal(t, []int{1, 2, 3}, attempts)

	recs, err := o.ListClusters()
	require.NoError(t, err)
	rec := recs[c.ID]
	require.NotNil(t, rec)
	require.NotNil(t, rec.FailureInfo)
	assert.Equal(t, "implementer", rec.FailureInfo.AgentID)
}

func TestConductorWatchdog(t *testing.T) {
	o, dir := newTestOrchestrator(t, nil)
	o.WatchdogTimeout = 200 * time.Millisecond
	ctx := context.Background()

	cfg := &config.ClusterConfig{
		Name: "watchdog",
		Agents: []config.AgentConfig{{
			ID: "conductor", Role: "conductor",
			Triggers: []config.Trigger{{Topic: ledger.TopicIssueOpened}},
			Hooks:    config.Hooks{OnComplete: &config.HookSpec{Topic: ledger.TopicPRCreated}},
		}},
	}
	c, err := o.StartCluster(ctx, StartOptions{Config: cfg, Input: Input{Text: "conduct"}})
	require.NoError(t, err)

	waitForState(t, o, c.ID, registry.StateFailed)

	msgs := readLedger(t, dir, c.ID)
	count := 0
	for _, m := range msgs {
		if m.Topic != ledger.TopicClusterFailed {
			continue
		}
		count++
		var p struct {
			Reason string `json:"reason"`
		}
		require.NoError(t, m.DecodeData(&p))
		assert.Equal(t, ReasonConductorWatchdog, p.Reason)
	}
	assert.Equal(t, 1, count, "exactly one CLUSTER_FAILED must be published")
}

// idleConfig is a cluster whose single agent never fires, for operation
// chain tests that need a stable running topology.
func idleConfig() *config.ClusterConfig {
	return &config.ClusterConfig{
		Name: "idle",
		Agents: []config.AgentConfig{{
			ID: "sentinel", Role: "watcher",
			Triggers: []config.Trigger{{Topic: ledger.TopicPRCreated}},
		}},
	}
}

func publishOps(t *testing.T, c *Cluster, ops []Operation) {
	t.Helper()
	_, err := c.Bus.Publish(ledger.Message{
		Topic: ledger.TopicClusterOperations, Sender: "conductor", Receiver: ledger.Broadcast,
		Content: ledger.Content{Data: ledger.MustData(operationsPayload{Operations: ops})},
	})
	require.NoError(t, err)
}

func waitForTopic(t *testing.T, c *Cluster, topic string) ledger.Message {
	t.Helper()
	var got ledger.Message
	require.Eventually(t, func() bool {
		m, ok, err := c.Bus.FindLast(context.Background(), ledger.Criteria{Topic: topic})
		if err != nil || !ok {
			return false
		}
		got = m
		return true
	}, 5*time.Second, 20*time.Millisecond, "no %s observed", topic)
	return got
}

func TestOperationChainValidationFailure(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil)
	ctx := context.Background()

	c, err := o.StartCluster(ctx, StartOptions{Config: idleConfig(), Input: Input{Text: "idle"}})
	require.NoError(t, err)
	defer o.Stop(ctx, c.ID) //nolint:errcheck

	before := c.Workers()
	publishOps(t, c, []Operation{{
		Action: "add_agents",
		Agents: []config.AgentConfig{{
			ID: "sentinel", Role: "duplicate",
			Triggers: []config.Trigger{{Topic: ledger.TopicPRCreated}},
		}},
	}})

	m := waitForTopic(t, c, ledger.TopicClusterOperationsValidationFail)
	assert.Contains(t, m.Content.Text, "duplicate")
	assert.Equal(t, len(before), len(c.Workers()), "topology must be unchanged on validation failure")
}

func TestOperationChainAddAndRemove(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil)
	ctx := context.Background()

	c, err := o.StartCluster(ctx, StartOptions{Config: idleConfig(), Input: Input{Text: "idle"}})
	require.NoError(t, err)
	defer o.Stop(ctx, c.ID) //nolint:errcheck

	publishOps(t, c, []Operation{{
		Action: "add_agents",
		Agents: []config.AgentConfig{{
			ID: "extra", Role: "review",
			Triggers: []config.Trigger{{Topic: ledger.TopicImplementationReady}},
		}},
	}})
	waitForTopic(t, c, ledger.TopicClusterOperationsSuccess)
	require.Eventually(t, func() bool { return len(c.Workers()) == 2 }, 5*time.Second, 20*time.Millisecond)

	publishOps(t, c, []Operation{{Action: "remove_agents", AgentIDs: []string{"extra"}}})
	require.Eventually(t, func() bool { return len(c.Workers()) == 1 }, 5*time.Second, 20*time.Millisecond)
}

func TestOperationChainUnknownAction(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil)
	ctx := context.Background()

	c, err := o.StartCluster(ctx, StartOptions{Config: idleConfig(), Input: Input{Text: "idle"}})
	require.NoError(t, err)
	defer o.Stop(ctx, c.ID) //nolint:errcheck

	publishOps(t, c, []Operation{{Action: "reboot_host"}})
	m := waitForTopic(t, c, ledger.TopicClusterOperationsValidationFail)
	assert.Contains(t, m.Content.Text, "reboot_host")
}

func TestOperationChainLoadConfig(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil)
	o.Templates = config.NewTemplateResolver(map[string]*config.ClusterConfig{
		"reviewers": {
			Name: "reviewers",
			Agents: []config.AgentConfig{{
				ID: "reviewer-{{suffix}}", Role: "review",
				Triggers: []config.Trigger{{Topic: ledger.TopicImplementationReady}},
			}},
		},
	})
	ctx := context.Background()

	c, err := o.StartCluster(ctx, StartOptions{Config: idleConfig(), Input: Input{Text: "idle"}})
	require.NoError(t, err)
	defer o.Stop(ctx, c.ID) //nolint:errcheck

	publishOps(t, c, []Operation{{
		Action: "load_config",
		Base:   "reviewers",
		Params: map[string]string{"suffix": "one"},
	}})
	waitForTopic(t, c, ledger.TopicClusterOperationsSuccess)
	require.Eventually(t, func() bool { return len(c.Workers()) == 2 }, 5*time.Second, 20*time.Millisecond)

	found := false
	for _, w := range c.Workers() {
		if w.ID == "reviewer-one" {
			found = true
		}
	}
	assert.True(t, found, "template-resolved agent id must be substituted")
}

func TestResumeFromFailure(t *testing.T) {
	rec := &promptRecorder{}
	o, _ := newTestOrchestrator(t, rec)
	ctx := context.Background()

	cfg := &config.ClusterConfig{
		Name: "resumable",
		Agents: []config.AgentConfig{
			{
				ID: "planner", Role: "planning",
				Triggers: []config.Trigger{{Topic: ledger.TopicIssueOpened}},
				Hooks:    config.Hooks{OnComplete: &config.HookSpec{Topic: ledger.TopicPlanReady}},
			},
			{
				ID: "implementer", Role: "implementation",
				Triggers: []config.Trigger{{Topic: ledger.TopicPlanReady}},
				Params:   map[string]string{"fail": "true"},
			},
		},
	}
	c, err := o.StartCluster(ctx, StartOptions{Config: cfg, Input: Input{Text: "resume me"}})
	require.NoError(t, err)
	clusterID := c.ID

	waitForState(t, o, clusterID, registry.StateStopped)
	promptsBefore := len(rec.all())

	require.NoError(t, o.Resume(ctx, clusterID))

	// Only the failing implementer is re-run, with an error-context prompt.
	require.Eventually(t, func() bool { return len(rec.all()) > promptsBefore }, 5*time.Second, 20*time.Millisecond)
	resumedPrompt := rec.all()[promptsBefore]
	assert.Contains(t, resumedPrompt, "previous attempt")
	assert.Contains(t, resumedPrompt, "provider exited with code 1")

	// The resumed implementer fails again; the cluster returns to stopped
	// without the planner having re-run (every prompt after the resume
	// carries the error context).
	waitForState(t, o, clusterID, registry.StateStopped)
	for _, p := range rec.all()[promptsBefore:] {
		assert.Contains(t, p, "previous attempt", "only the failing agent may re-run")
	}
}

func TestResumeWithoutFailureRestartsCluster(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil)
	ctx := context.Background()

	// A cluster that stops cleanly leaves ISSUE_OPENED as the only workflow
	// trigger for sentinel (which never fired).
	c, err := o.StartCluster(ctx, StartOptions{Config: idleConfig(), Input: Input{Text: "idle"}})
	require.NoError(t, err)
	require.NoError(t, o.Stop(ctx, c.ID))
	waitForState(t, o, c.ID, registry.StateStopped)

	require.NoError(t, o.Resume(ctx, c.ID))
	c2, ok := o.OwnedCluster(c.ID)
	require.True(t, ok)
	defer o.Stop(ctx, c.ID) //nolint:errcheck

	// The sentinel's trigger (PR_CREATED) does not fire on ISSUE_OPENED, so
	// resume re-publishes nothing new beyond what it derives; the cluster is
	// running again either way.
	st, err := o.GetStatus(c2.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.StateRunning, st)
}

func TestZombieDetectionAndKill(t *testing.T) {
	o, dir := newTestOrchestrator(t, nil)
	ctx := context.Background()

	// Fabricate a record owned by a process that does not exist.
	led, err := ledger.Open(dir, "cluster-zombie", ledger.Options{})
	require.NoError(t, err)
	_, err = led.Append(ledger.Message{Topic: ledger.TopicIssueOpened, Sender: ledger.SenderSystem, Receiver: ledger.Broadcast})
	require.NoError(t, err)
	require.NoError(t, led.Close())

	store := &registry.Store{Dir: dir, PID: os.Getpid()}
	require.NoError(t, store.Save(map[string]*registry.Record{
		"cluster-zombie": {ID: "cluster-zombie", State: registry.StateRunning, PID: 1 << 30},
	}))

	st, err := o.GetStatus("cluster-zombie")
	require.NoError(t, err)
	assert.Equal(t, registry.StateZombie, st)

	require.NoError(t, o.Kill(ctx, "cluster-zombie"))
	recs, err := o.ListClusters()
	require.NoError(t, err)
	assert.NotContains(t, recs, "cluster-zombie")
}

func TestStopClearsPid(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil)
	ctx := context.Background()

	c, err := o.StartCluster(ctx, StartOptions{Config: idleConfig(), Input: Input{Text: "idle"}})
	require.NoError(t, err)
	require.NoError(t, o.Stop(ctx, c.ID))
	waitForState(t, o, c.ID, registry.StateStopped)

	recs, err := o.ListClusters()
	require.NoError(t, err)
	rec := recs[c.ID]
	require.NotNil(t, rec)
	assert.Zero(t, rec.PID)
}
