package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/zeroshot/fleet/internal/bus"
	"github.com/zeroshot/fleet/internal/config"
	"github.com/zeroshot/fleet/internal/errs"
	"github.com/zeroshot/fleet/internal/isolation"
	"github.com/zeroshot/fleet/internal/ledger"
	"github.com/zeroshot/fleet/internal/registry"
)

// resumeContextOutputs caps how many prior agent outputs/validations are
// folded into a resumed agent's context prompt.
const resumeContextOutputs = 10

// Resume restarts a stopped (or zombie) cluster: with a known failure, only
// the failing agent restarts with an error-context prompt; otherwise every
// agent whose trigger fires on the last workflow-triggering message wakes
// back up.
func (o *Orchestrator) Resume(ctx context.Context, clusterID string) error {
	o.mu.Lock()
	_, owned := o.clusters[clusterID]
	o.mu.Unlock()
	if owned {
		return errs.Wrap(errs.ErrConflict, "cluster %s is already running in this process", clusterID)
	}

	recs, err := o.store.Load(nil)
	if err != nil {
		return err
	}
	rec, ok := recs[clusterID]
	if !ok {
		return errs.Wrap(errs.ErrNotFound, "cluster %s (killed clusters cannot be resumed)", clusterID)
	}
	if rec.EffectiveState() == registry.StateRunning {
		return errs.Wrap(errs.ErrConflict, "cluster %s is running under pid %d", clusterID, rec.PID)
	}
	if rec.Config == nil || len(rec.Config.Agents) == 0 {
		return errs.Wrap(errs.ErrConfiguration, "cluster %s has no persisted config", clusterID)
	}

	led, err := ledger.Open(o.StorageDir, clusterID, o.LedgerOpts)
	if err != nil {
		return err
	}

	// Reconstitute isolation before any agent can run.
	h := handleFromRecord(rec)
	var mgr isolation.Manager
	switch {
	case rec.Worktree != nil:
		mgr = isolation.WorktreeManager{}
	case rec.Isolation != nil:
		mgr = &isolation.ContainerManager{Image: rec.Isolation.Image}
	}
	if mgr != nil {
		if err := mgr.Resume(ctx, h); err != nil {
			led.Close()
			return err
		}
	}

	failure := rec.FailureInfo
	if failure == nil {
		failure = scanForFailure(ctx, led, clusterID)
	}

	c := &Cluster{
		ID:           clusterID,
		Config:       rec.Config,
		Bus:          bus.New(clusterID, led),
		Ledger:       led,
		Record:       rec,
		initComplete: make(chan struct{}),
		orc:          o,
		workers:      make(map[string]Worker),
		workerCfgs:   make(map[string]config.AgentConfig),
	}
	c.mu.Lock()
	c.isoMgr = mgr
	c.isoHandle = h
	c.mu.Unlock()
	rec.PID = o.pid
	rec.State = registry.StateRunning
	rec.FailureInfo = nil

	o.mu.Lock()
	o.clusters[clusterID] = c
	o.mu.Unlock()

	c.mu.Lock()
	workDir := c.workDirLocked()
	c.mu.Unlock()
	for _, ac := range rec.Config.Agents {
		w := o.buildWorker(c, ac, workDir)
		c.mu.Lock()
		c.workers[ac.ID] = w
		c.workerCfgs[ac.ID] = ac
		c.workerOrder = append(c.workerOrder, ac.ID)
		c.mu.Unlock()
	}

	o.registerSubscriptions(ctx, c)
	c.mu.Lock()
	order := append([]string(nil), c.workerOrder...)
	c.mu.Unlock()
	for _, wid := range order {
		c.mu.Lock()
		w := c.workers[wid]
		c.mu.Unlock()
		if err := w.Start(ctx); err != nil {
			slog.Warn("orchestrator: agent failed to start on resume", "cluster", clusterID, "agent", wid, "err", err)
		}
	}
	o.persist(c)
	close(c.initComplete)

	if failure != nil {
		return o.resumeFailedAgent(ctx, c, failure)
	}
	return o.resumeFromWorkflow(ctx, c)
}

// scanForFailure derives a FailureInfo from the most recent AGENT_ERROR when
// the record carries none.
func scanForFailure(ctx context.Context, led *ledger.Ledger, clusterID string) *registry.FailureInfo {
	m, ok, err := led.FindLast(ctx, ledger.Criteria{ClusterID: clusterID, Topic: ledger.TopicAgentError})
	if err != nil || !ok {
		return nil
	}
	var p agentErrorPayload
	if err := m.DecodeData(&p); err != nil {
		return nil
	}
	return &registry.FailureInfo{AgentID: m.Sender, Error: p.Error, TaskID: p.TaskID}
}

// resumeFailedAgent restarts only the failing agent with a context prompt
// containing the prior error and the last ten agent outputs/validations. A
// point-in-time JSONL snapshot of those outputs is written into the
// workspace for the agent to consult.
func (o *Orchestrator) resumeFailedAgent(ctx context.Context, c *Cluster, failure *registry.FailureInfo) error {
	c.mu.Lock()
	w, ok := c.workers[failure.AgentID]
	workDir := c.workDirLocked()
	c.mu.Unlock()
	if !ok {
		return errs.Wrap(errs.ErrConfiguration, "failing agent %q is no longer in the config", failure.AgentID)
	}

	recent := o.recentOutputs(ctx, c)
	writeResumeSnapshot(workDir, recent)

	var sb strings.Builder
	fmt.Fprintf(&sb, "The previous attempt by this agent failed: %s\n", failure.Error)
	if len(recent) > 0 {
		sb.WriteString("Recent activity before the failure:\n")
		for _, m := range recent {
			fmt.Fprintf(&sb, "- [%s] %s: %s\n", m.Topic, m.Sender, firstLine(m.Content.Text))
		}
	}
	sb.WriteString("Review the error, fix the cause, and continue the task.")

	trigger, ok, err := c.Bus.FindLast(ctx, ledger.Criteria{Topic: ledger.TopicAgentError, Sender: failure.AgentID})
	if err != nil || !ok {
		trigger = ledger.Message{Topic: ledger.TopicIssueOpened, Sender: ledger.SenderSystem, Receiver: ledger.Broadcast}
	}
	w.Resume(ctx, sb.String(), trigger)
	slog.Info("orchestrator: resumed failing agent", "cluster", c.ID, "agent", failure.AgentID)
	return nil
}

// resumeFromWorkflow finds the last workflow-triggering message and resumes
// every agent whose trigger would fire on it. With none present, a prior
// ISSUE_OPENED is re-published to re-bootstrap; otherwise resume fails.
func (o *Orchestrator) resumeFromWorkflow(ctx context.Context, c *Cluster) error {
	var last ledger.Message
	var found bool
	for _, topic := range ledger.WorkflowTriggeringTopics {
		m, ok, err := c.Bus.FindLast(ctx, ledger.Criteria{Topic: topic})
		if err != nil {
			return err
		}
		if ok && (!found || m.Timestamp > last.Timestamp) {
			last = m
			found = true
		}
	}
	if !found {
		m, ok, err := c.Bus.FindLast(ctx, ledger.Criteria{Topic: ledger.TopicIssueOpened})
		if err != nil {
			return err
		}
		if !ok {
			return errs.Wrap(errs.ErrConfiguration, "cluster %s has no workflow-triggering message to resume from", c.ID)
		}
		_, err = c.Bus.Publish(ledger.Message{
			Topic: ledger.TopicIssueOpened, Sender: ledger.SenderOrchestrator, Receiver: ledger.Broadcast,
			Content: m.Content,
		})
		return err
	}

	c.mu.Lock()
	order := append([]string(nil), c.workerOrder...)
	c.mu.Unlock()
	resumed := 0
	for _, wid := range order {
		c.mu.Lock()
		w := c.workers[wid]
		c.mu.Unlock()
		if w.MatchesTrigger(ctx, last) {
			w.Resume(ctx, "", last)
			resumed++
		}
	}
	slog.Info("orchestrator: resumed from workflow message", "cluster", c.ID, "topic", last.Topic, "agents", resumed)
	return nil
}

// recentOutputs returns the last resumeContextOutputs AGENT_OUTPUT and
// VALIDATION_RESULT messages in chronological order.
func (o *Orchestrator) recentOutputs(ctx context.Context, c *Cluster) []ledger.Message {
	outputs, err := c.Bus.Query(ctx, ledger.Criteria{
		Topic: ledger.TopicAgentOutput, Order: ledger.Desc, Limit: resumeContextOutputs,
	})
	if err != nil {
		return nil
	}
	validations, err := c.Bus.Query(ctx, ledger.Criteria{
		Topic: ledger.TopicValidationResult, Order: ledger.Desc, Limit: resumeContextOutputs,
	})
	if err == nil {
		outputs = append(outputs, validations...)
	}
	// Merge the two most-recent-first result sets, sort old-to-new, cap.
	slices.SortFunc(outputs, func(a, b ledger.Message) int {
		return int(a.Timestamp - b.Timestamp)
	})
	if len(outputs) > resumeContextOutputs {
		outputs = outputs[len(outputs)-resumeContextOutputs:]
	}
	return outputs
}

// writeResumeSnapshot writes a JSONL snapshot of the messages into the
// workspace, mirroring the session-log shape an operator can replay.
func writeResumeSnapshot(workDir string, msgs []ledger.Message) {
	if workDir == "" || len(msgs) == 0 {
		return
	}
	path := filepath.Join(workDir, ".fleet-resume.jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		slog.Debug("orchestrator: resume snapshot skipped", "err", err)
		return
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	header := map[string]any{"messageType": "fleet_resume", "version": 1, "writtenAt": time.Now().UTC()}
	_ = enc.Encode(header)
	for _, m := range msgs {
		_ = enc.Encode(m)
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
