package lines

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeroshot/fleet/internal/provider"
)

func TestBuildCommand(t *testing.T) {
	a := New("claude", "claude", "--dangerously-skip-permissions")
	cmd, err := a.BuildCommand(provider.BuildOptions{Model: "opus", Prompt: "do the thing"})
	require.NoError(t, err)
	assert.Equal(t, "claude", cmd.Binary)
	assert.Contains(t, cmd.Args, "--dangerously-skip-permissions")
	assert.Contains(t, cmd.Args, "--model")
	assert.Equal(t, "do the thing", cmd.Args[len(cmd.Args)-1])
}

func TestParseLineAssistantBlocks(t *testing.T) {
	a := New("claude", "claude")
	line := []byte(`{"type":"assistant","message":{"content":[` +
		`{"type":"text","text":"hello"},` +
		`{"type":"tool_use","id":"tc1","name":"Bash","input":{"command":"ls"}},` +
		`{"type":"thinking","text":"hmm"}]}}`)
	events, err := a.ParseLine(context.Background(), line)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, provider.EventText, events[0].Type)
	assert.Equal(t, "hello", events[0].Text)
	assert.Equal(t, provider.EventToolCall, events[1].Type)
	assert.Equal(t, "tc1", events[1].ToolCallID)
	assert.Equal(t, "Bash", events[1].ToolName)
	assert.Equal(t, provider.EventThinking, events[2].Type)
}

func TestParseLineToolResult(t *testing.T) {
	a := New("claude", "claude")
	line := []byte(`{"type":"user","message":{"content":[{"type":"tool_result","text":"ok"}]}}`)
	events, err := a.ParseLine(context.Background(), line)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, provider.EventToolResult, events[0].Type)
	assert.Equal(t, "ok", events[0].Output)
}

func TestParseLineResultWithUsage(t *testing.T) {
	a := New("claude", "claude")
	line := []byte(`{"type":"result","result":"all done","is_error":false,` +
		`"usage":{"input_tokens":120,"output_tokens":34,"cache_read_input_tokens":5,"total_cost_usd":0.07}}`)
	events, err := a.ParseLine(context.Background(), line)
	require.NoError(t, err)
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, provider.EventResult, ev.Type)
	assert.Equal(t, "all done", ev.Text)
	assert.False(t, ev.IsError)
	assert.Equal(t, int64(120), ev.Usage.InputTokens)
	assert.Equal(t, int64(34), ev.Usage.OutputTokens)
	assert.InDelta(t, 0.07, ev.Usage.TotalCostUSD, 1e-9)
}

func TestParseLineUnparseableIsSkipped(t *testing.T) {
	a := New("claude", "claude")
	events, err := a.ParseLine(context.Background(), []byte("not json at all"))
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestParseLineUnknownTypeErrors(t *testing.T) {
	a := New("claude", "claude")
	_, err := a.ParseLine(context.Background(), []byte(`{"type":"mystery"}`))
	assert.Error(t, err)
}
