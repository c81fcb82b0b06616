// Package provider defines the boundary between the runtime and an
// external LLM-backed CLI process. Providers are always opaque child
// processes; the runtime never performs in-process inference. Two adapter
// shapes ship as sub-packages: a line-delimited-JSON stream
// (internal/provider/lines) and a JSON-RPC handshake
// (internal/provider/jsonrpc).
package provider

import "context"

// EventType enumerates the semantic stream events a provider adapter
// produces.
type EventType string

const (
	EventText          EventType = "text"
	EventThinking      EventType = "thinking"
	EventThinkingStart EventType = "thinking_start"
	EventToolStart     EventType = "tool_start"
	EventToolCall      EventType = "tool_call"
	EventToolInput     EventType = "tool_input"
	EventToolResult    EventType = "tool_result"
	EventResult        EventType = "result"
	EventBlockEnd      EventType = "block_end"
)

// Event is one semantic unit parsed out of the provider's stdout stream.
type Event struct {
	Type       EventType
	Text       string
	ToolCallID string
	ToolName   string
	Input      map[string]any
	Output     string
	IsError    bool
	Usage      Usage
}

// Usage is the token/cost accounting a "result" event carries, if any.
type Usage struct {
	InputTokens              int64
	OutputTokens             int64
	CacheReadInputTokens     int64
	CacheCreationInputTokens int64
	TotalCostUSD             float64
}

// Command is what BuildCommand returns: binary, argv and environment. The
// working directory is not part of it; the agent wrapper passes it to Start.
type Command struct {
	Binary string
	Args   []string
	Env    []string
}

// BuildOptions parameterizes BuildCommand.
type BuildOptions struct {
	Model     string
	Level     string
	Reasoning string
	Prompt    string
	SessionID string // non-empty to resume a prior session, if the provider supports it
	Cwd       string
}

// PromptWriter is the minimal session surface an interactive adapter needs
// to write its handshake and prompt after the subprocess starts.
type PromptWriter interface {
	Send([]byte) error
}

// Adapter is the provider-specific contract an AgentWrapper drives. A
// concrete adapter knows how to shape one CLI's argv/env and how to decode
// its streamed stdout into Events.
type Adapter interface {
	// Harness names the provider for logging/metadata (e.g. "claude", "codex").
	Harness() string
	// BuildCommand shapes the subprocess invocation for one task execution.
	BuildCommand(opts BuildOptions) (Command, error)
	// ParseLine decodes one line of stdout into zero or more Events. Unknown
	// line shapes are logged and skipped, never fatal to the stream.
	ParseLine(ctx context.Context, line []byte) ([]Event, error)
}
