package agentwrap

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/zeroshot/fleet/internal/ledger"
	"github.com/zeroshot/fleet/internal/provider"
)

// executeTask runs one full task for one triggering message, retrying a
// failed provider run until the attempt ceiling. promptContext, if
// non-empty, is prepended to the prompt built from triggerMsg (used by
// Resume).
func (a *Agent) executeTask(ctx context.Context, triggerMsg ledger.Message, promptContext string) {
	a.mu.Lock()
	a.state = StateExecutingTask
	a.iteration++
	iteration := a.iteration
	taskID := uuid.NewString()
	a.currentTaskID = taskID
	taskCtx, cancel := context.WithCancel(ctx)
	a.cancelTask = cancel
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		if a.state == StateExecutingTask {
			a.state = StateIdle
		}
		a.cancelTask = nil
		a.mu.Unlock()
	}()

	_, _ = a.Bus.Publish(ledger.Message{
		Topic: ledger.TopicAgentLifecycle, Sender: a.ID, Receiver: ledger.Broadcast,
		Content: ledger.Content{Data: ledger.MustData(map[string]any{
			"event": ledger.LifecycleTaskStarted, "triggeredBy": triggerMsg.ID,
			"iteration": iteration, "model": a.Model,
		})},
	})
	_, _ = a.Bus.Publish(ledger.Message{
		Topic: ledger.TopicAgentLifecycle, Sender: a.ID, Receiver: ledger.Broadcast,
		Content: ledger.Content{Data: ledger.MustData(map[string]any{
			"event": ledger.LifecycleTaskIDAssigned, "taskId": taskID,
		})},
	})

	prompt := triggerMsg.Content.Text
	if promptContext != "" {
		prompt = promptContext + "\n\n" + prompt
	}

	for {
		ok := a.runAttempt(taskCtx, prompt, taskID, iteration)
		if ok {
			return
		}
		a.mu.Lock()
		attempts := a.attempts
		stopped := a.state == StateStopped
		a.mu.Unlock()
		if attempts >= maxAttempts || stopped || taskCtx.Err() != nil {
			return
		}
	}
}

// handshaker is implemented by interactive adapters that must be sent their
// prompt over stdin once the subprocess is running.
type handshaker interface {
	Handshake(s provider.PromptWriter, opts provider.BuildOptions) error
}

// runAttempt performs one provider invocation: build, spawn (or injected
// exec), stream, and publish the outcome. Returns true on success.
func (a *Agent) runAttempt(taskCtx context.Context, prompt, taskID string, iteration int) bool {
	cmd, err := a.Adapter.BuildCommand(provider.BuildOptions{
		Model: a.Model, Level: a.Level, Reasoning: a.Reasoning, Prompt: prompt, Cwd: a.Cwd,
	})
	if err != nil {
		a.failTask(taskCtx, taskID, iteration, err.Error())
		return false
	}
	if a.Route != nil {
		cmd = a.Route(cmd)
	}

	if a.Exec != nil {
		return a.executeInjected(taskCtx, cmd, taskID, iteration)
	}

	sess, err := provider.Start(taskCtx, cmd, a.Cwd, a.TaskTimeout)
	if err != nil {
		a.failTask(taskCtx, taskID, iteration, err.Error())
		return false
	}
	// Interactive adapters (JSON-RPC) need their prompt written after spawn.
	if hs, ok := a.Adapter.(handshaker); ok {
		if herr := hs.Handshake(sess, provider.BuildOptions{
			Model: a.Model, Level: a.Level, Reasoning: a.Reasoning, Prompt: prompt, Cwd: a.Cwd,
		}); herr != nil {
			sess.Kill()
			a.failTask(taskCtx, taskID, iteration, herr.Error())
			return false
		}
	}
	a.mu.Lock()
	a.processPid = sess.Pid()
	a.mu.Unlock()
	_, _ = a.Bus.Publish(ledger.Message{
		Topic: ledger.TopicAgentLifecycle, Sender: a.ID, Receiver: ledger.Broadcast,
		Content: ledger.Content{Data: ledger.MustData(map[string]any{
			"event": ledger.LifecycleProcessSpawned, "pid": sess.Pid(),
		})},
	})

	staleTimer := time.NewTimer(a.StaleTimeout)
	defer staleTimer.Stop()
	doneStale := make(chan struct{})
	go a.watchStale(taskCtx, sess, staleTimer, doneStale)

	var usage provider.Usage
	var resultText string
	var resultIsError bool
	lineNum := 0
	for line := range sess.Lines() {
		events, perr := a.Adapter.ParseLine(taskCtx, line)
		if perr != nil {
			slog.Debug("agentwrap: adapter could not parse line", "agent", a.ID, "err", perr)
		}
		for _, ev := range events {
			lineNum++
			a.publishOutput(ev, iteration, lineNum)
			if ev.Type == provider.EventResult {
				usage = ev.Usage
				resultText = ev.Text
				resultIsError = ev.IsError
			}
		}
	}
	close(doneStale)

	waitErr := sess.Wait()
	exitCode := provider.ExitCode(waitErr)

	if waitErr == nil && !resultIsError {
		a.mu.Lock()
		a.attempts = 0
		a.mu.Unlock()
		a.publishCompletion(iteration, taskID, usage, resultText)
		return true
	}

	msg := fmt.Sprintf("provider exited with code %d", exitCode)
	if waitErr != nil {
		msg = waitErr.Error()
	}
	a.failTask(taskCtx, taskID, iteration, msg)
	return false
}

// executeInjected runs the test-mode executor instead of a subprocess,
// publishing the same output/completion/error messages a real run would.
func (a *Agent) executeInjected(ctx context.Context, cmd provider.Command, taskID string, iteration int) bool {
	events, execErr := a.Exec(ctx, cmd)
	var usage provider.Usage
	var resultText string
	var resultIsError bool
	for i, ev := range events {
		a.publishOutput(ev, iteration, i+1)
		if ev.Type == provider.EventResult {
			usage = ev.Usage
			resultText = ev.Text
			resultIsError = ev.IsError
		}
	}
	if execErr == nil && !resultIsError {
		a.mu.Lock()
		a.attempts = 0
		a.mu.Unlock()
		a.publishCompletion(iteration, taskID, usage, resultText)
		return true
	}
	msg := "provider reported an error result"
	if execErr != nil {
		msg = execErr.Error()
	}
	a.failTask(ctx, taskID, iteration, msg)
	return false
}

// failTask publishes AGENT_ERROR and TASK_FAILED, and triggers the
// implementation-exhaustion stop policy.
func (a *Agent) failTask(ctx context.Context, taskID string, iteration int, msg string) {
	a.mu.Lock()
	a.attempts++
	attempts := a.attempts
	a.mu.Unlock()
	_, _ = a.Bus.Publish(ledger.Message{
		Topic: ledger.TopicAgentError, Sender: a.ID, Receiver: ledger.Broadcast,
		Content: ledger.Content{Data: ledger.MustData(map[string]any{
			"attempts": attempts, "error": msg, "taskId": taskID, "iteration": iteration, "role": a.Role,
		})},
	})
	_, _ = a.Bus.Publish(ledger.Message{
		Topic: ledger.TopicAgentLifecycle, Sender: a.ID, Receiver: ledger.Broadcast,
		Content: ledger.Content{Data: ledger.MustData(map[string]any{"event": ledger.LifecycleTaskFailed, "iteration": iteration})},
	})
	if attempts >= maxAttempts && a.Role == "implementation" && a.OnStop != nil {
		a.OnStop(ctx, fmt.Sprintf("agent %s (role implementation) exhausted %d attempts", a.ID, attempts))
	}
}

func (a *Agent) watchStale(ctx context.Context, sess *provider.Session, timer *time.Timer, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
			since := time.Since(sess.LastOutputAt())
			if since < a.StaleTimeout {
				timer.Reset(a.StaleTimeout - since)
				continue
			}
			_, _ = a.Bus.Publish(ledger.Message{
				Topic: ledger.TopicAgentLifecycle, Sender: a.ID, Receiver: ledger.Broadcast,
				Content: ledger.Content{Data: ledger.MustData(map[string]any{
					"event": ledger.LifecycleAgentStaleWarning, "agent": a.ID,
					"timeSinceLastOutput": since.Seconds(),
				})},
			})
			timer.Reset(a.StaleTimeout)
		}
	}
}

func (a *Agent) publishOutput(ev provider.Event, iteration, line int) {
	_, _ = a.Bus.Publish(ledger.Message{
		Topic: ledger.TopicAgentOutput, Sender: a.ID, Receiver: ledger.Broadcast,
		Content: ledger.Content{
			Text: ev.Text,
			Data: ledger.MustData(map[string]any{
				"line": line, "provider": a.Adapter.Harness(), "agent": a.ID,
				"role": a.Role, "iteration": iteration, "eventType": string(ev.Type),
				"toolCallId": ev.ToolCallID, "toolName": ev.ToolName,
			}),
		},
	})
}

// publishCompletion batches the completion message, TOKEN_USAGE, and
// TASK_COMPLETED as a single atomic append so they can never interleave
// with any other sender's messages.
func (a *Agent) publishCompletion(iteration int, taskID string, usage provider.Usage, resultText string) {
	hookTopic := ledger.TopicImplementationReady
	hookText := resultText
	if a.Hooks.OnComplete != nil {
		if a.Hooks.OnComplete.Topic != "" {
			hookTopic = a.Hooks.OnComplete.Topic
		}
		if a.Hooks.OnComplete.Content != "" {
			hookText = applyTransform(a.Hooks.OnComplete.Transform, a.Hooks.OnComplete.Content, resultText)
		}
	}

	batch := []ledger.Message{
		{
			Topic: hookTopic, Sender: a.ID, Receiver: ledger.Broadcast,
			Content: ledger.Content{Text: hookText, Data: ledger.MustData(map[string]any{"taskId": taskID, "iteration": iteration})},
		},
		{
			Topic: ledger.TopicTokenUsage, Sender: a.ID, Receiver: ledger.Broadcast,
			Content: ledger.Content{Data: ledger.MustData(ledger.TokenUsagePayload{
				Role: a.Role, InputTokens: usage.InputTokens, OutputTokens: usage.OutputTokens,
				CacheReadInputTokens: usage.CacheReadInputTokens, CacheCreationInputTokens: usage.CacheCreationInputTokens,
				TotalCostUSD: usage.TotalCostUSD,
			})},
		},
		{
			Topic: ledger.TopicAgentLifecycle, Sender: a.ID, Receiver: ledger.Broadcast,
			Content: ledger.Content{Data: ledger.MustData(map[string]any{"event": ledger.LifecycleTaskCompleted, "iteration": iteration})},
		},
	}
	if _, err := a.Bus.PublishBatch(batch); err != nil {
		slog.Error("agentwrap: completion batch publish failed", "agent", a.ID, "err", err)
	}
}

func applyTransform(transform, template, result string) string {
	if transform == "" || template == "" {
		if template != "" {
			return template
		}
		return result
	}
	switch transform {
	case "truncate":
		var buf bytes.Buffer
		buf.WriteString(template)
		if len(result) > 500 {
			buf.WriteString(result[:500])
			buf.WriteString("...")
		} else {
			buf.WriteString(result)
		}
		return buf.String()
	default:
		return template
	}
}
