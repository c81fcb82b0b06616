// Package jsonrpc implements a reference provider.Adapter for CLIs that
// speak JSON-RPC 2.0 over stdio instead of streaming plain records: an
// initialize -> initialized -> thread/start|thread/resume handshake, an
// atomic request-id counter, and notification-shaped streaming updates.
package jsonrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/zeroshot/fleet/internal/provider"
)

// Adapter drives a JSON-RPC 2.0 provider CLI. Unlike the lines adapter, a
// JSON-RPC provider must be sent its prompt as a request after the
// subprocess starts (see Handshake), so AgentWrapper calls Handshake once
// the Session is running and before reading ParseLine output.
type Adapter struct {
	HarnessName string
	BinaryPath  string
	nextID      atomic.Int64
}

// New constructs a JSON-RPC adapter for the given CLI binary.
func New(harness, binary string) *Adapter {
	return &Adapter{HarnessName: harness, BinaryPath: binary}
}

func (a *Adapter) Harness() string { return a.HarnessName }

func (a *Adapter) BuildCommand(opts provider.BuildOptions) (provider.Command, error) {
	args := []string{"app-server"}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	return provider.Command{Binary: a.BinaryPath, Args: args}, nil
}

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Handshake performs initialize -> initialized -> thread/start|resume; the
// user's prompt travels in the params of the thread/start (or thread/resume)
// request.
func (a *Adapter) Handshake(s provider.PromptWriter, opts provider.BuildOptions) error {
	if err := a.writeJSON(s, request{JSONRPC: "2.0", ID: a.nextID.Add(1), Method: "initialize", Params: map[string]any{"clientVersion": "fleet/1"}}); err != nil {
		return fmt.Errorf("jsonrpc: initialize: %w", err)
	}
	if err := a.writeJSON(s, request{JSONRPC: "2.0", Method: "initialized"}); err != nil {
		return fmt.Errorf("jsonrpc: initialized notification: %w", err)
	}
	method := "thread/start"
	params := map[string]any{"prompt": opts.Prompt, "cwd": opts.Cwd}
	if opts.SessionID != "" {
		method = "thread/resume"
		params["threadId"] = opts.SessionID
	}
	if err := a.writeJSON(s, request{JSONRPC: "2.0", ID: a.nextID.Add(1), Method: method, Params: params}); err != nil {
		return fmt.Errorf("jsonrpc: %s: %w", method, err)
	}
	return nil
}

func (a *Adapter) writeJSON(s provider.PromptWriter, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Send(b)
}

func (a *Adapter) ParseLine(_ context.Context, line []byte) ([]provider.Event, error) {
	var r response
	if err := json.Unmarshal(line, &r); err != nil {
		slog.Warn("jsonrpc: skipping unparseable frame", "harness", a.HarnessName, "err", err)
		return nil, nil
	}
	if r.Error != nil {
		return []provider.Event{{Type: provider.EventResult, IsError: true, Text: r.Error.Message}}, nil
	}
	switch r.Method {
	case "thread/event":
		var ev struct {
			Kind string `json:"kind"`
			Text string `json:"text"`
			Tool struct {
				ID    string         `json:"id"`
				Name  string         `json:"name"`
				Input map[string]any `json:"input"`
			} `json:"tool"`
		}
		if err := json.Unmarshal(r.Params, &ev); err != nil {
			return nil, nil
		}
		switch ev.Kind {
		case "text":
			return []provider.Event{{Type: provider.EventText, Text: ev.Text}}, nil
		case "tool_call":
			return []provider.Event{{Type: provider.EventToolCall, ToolCallID: ev.Tool.ID, ToolName: ev.Tool.Name, Input: ev.Tool.Input}}, nil
		case "tool_result":
			return []provider.Event{{Type: provider.EventToolResult, ToolCallID: ev.Tool.ID, Output: ev.Text}}, nil
		default:
			return nil, nil
		}
	case "thread/complete":
		var res struct {
			Result string `json:"result"`
			Usage  struct {
				InputTokens  int64 `json:"inputTokens"`
				OutputTokens int64 `json:"outputTokens"`
			} `json:"usage"`
		}
		_ = json.Unmarshal(r.Params, &res)
		return []provider.Event{{
			Type: provider.EventResult,
			Text: res.Result,
			Usage: provider.Usage{
				InputTokens:  res.Usage.InputTokens,
				OutputTokens: res.Usage.OutputTokens,
			},
		}}, nil
	default:
		// responses to our own initialize/thread.start requests: no event
		return nil, nil
	}
}
