package jsonrpc

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeroshot/fleet/internal/provider"
)

// fakeSender records every frame written during the handshake.
type fakeSender struct {
	frames [][]byte
}

func (f *fakeSender) Send(b []byte) error {
	f.frames = append(f.frames, append([]byte(nil), b...))
	return nil
}

func TestHandshakeSequence(t *testing.T) {
	a := New("codex", "codex")
	s := &fakeSender{}
	require.NoError(t, a.Handshake(s, provider.BuildOptions{Prompt: "fix the bug", Cwd: "/work"}))
	require.Len(t, s.frames, 3)

	var methods []string
	for _, fr := range s.frames {
		var r struct {
			Method string `json:"method"`
		}
		require.NoError(t, json.Unmarshal(fr, &r))
		methods = append(methods, r.Method)
	}
	assert.Equal(t, []string{"initialize", "initialized", "thread/start"}, methods)

	var last struct {
		Params struct {
			Prompt string `json:"prompt"`
			Cwd    string `json:"cwd"`
		} `json:"params"`
	}
	require.NoError(t, json.Unmarshal(s.frames[2], &last))
	assert.Equal(t, "fix the bug", last.Params.Prompt)
	assert.Equal(t, "/work", last.Params.Cwd)
}

func TestHandshakeResume(t *testing.T) {
	a := New("codex", "codex")
	s := &fakeSender{}
	require.NoError(t, a.Handshake(s, provider.BuildOptions{Prompt: "continue", SessionID: "th-9"}))
	var last struct {
		Method string `json:"method"`
		Params struct {
			ThreadID string `json:"threadId"`
		} `json:"params"`
	}
	require.NoError(t, json.Unmarshal(s.frames[2], &last))
	assert.Equal(t, "thread/resume", last.Method)
	assert.Equal(t, "th-9", last.Params.ThreadID)
}

func TestParseLineThreadEvents(t *testing.T) {
	a := New("codex", "codex")
	ctx := context.Background()

	events, err := a.ParseLine(ctx, []byte(`{"jsonrpc":"2.0","method":"thread/event","params":{"kind":"text","text":"hi"}}`))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, provider.EventText, events[0].Type)

	events, err = a.ParseLine(ctx, []byte(`{"jsonrpc":"2.0","method":"thread/event","params":{"kind":"tool_call","tool":{"id":"t1","name":"shell","input":{"cmd":"ls"}}}}`))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, provider.EventToolCall, events[0].Type)
	assert.Equal(t, "t1", events[0].ToolCallID)

	events, err = a.ParseLine(ctx, []byte(`{"jsonrpc":"2.0","method":"thread/complete","params":{"result":"done","usage":{"inputTokens":9,"outputTokens":3}}}`))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, provider.EventResult, events[0].Type)
	assert.Equal(t, int64(9), events[0].Usage.InputTokens)
}

func TestParseLineError(t *testing.T) {
	a := New("codex", "codex")
	events, err := a.ParseLine(context.Background(), []byte(`{"jsonrpc":"2.0","id":2,"error":{"code":-32000,"message":"boom"}}`))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].IsError)
	assert.Equal(t, "boom", events[0].Text)
}

func TestParseLineOwnResponsesIgnored(t *testing.T) {
	a := New("codex", "codex")
	events, err := a.ParseLine(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"result":{}}`))
	require.NoError(t, err)
	assert.Empty(t, events)
}
