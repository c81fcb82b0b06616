// Package lines implements a reference provider.Adapter for CLIs that
// stream one JSON object per line on stdout, tagged by a "type" field.
// Unknown record shapes are warned about and skipped rather than failing
// the stream.
package lines

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/zeroshot/fleet/internal/provider"
)

// Adapter drives any CLI whose stdout is newline-delimited JSON records with
// a "type" discriminator matching TypeMap's keys.
type Adapter struct {
	HarnessName string
	BinaryPath  string
	ExtraArgs   []string
}

// New constructs a line-delimited-JSON adapter for the given CLI binary.
func New(harness, binary string, extraArgs ...string) *Adapter {
	return &Adapter{HarnessName: harness, BinaryPath: binary, ExtraArgs: extraArgs}
}

func (a *Adapter) Harness() string { return a.HarnessName }

func (a *Adapter) BuildCommand(opts provider.BuildOptions) (provider.Command, error) {
	args := append([]string{}, a.ExtraArgs...)
	args = append(args, "--print", "--output-format", "stream-json", "--verbose")
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.SessionID != "" {
		args = append(args, "--resume", opts.SessionID)
	}
	args = append(args, opts.Prompt)
	return provider.Command{
		Binary: a.BinaryPath,
		Args:   args,
		Env:    nil,
	}, nil
}

// record is the discriminated union decoded from each stdout line.
type record struct {
	Type    string          `json:"type"`
	Subtype string          `json:"subtype"`
	Text    string          `json:"text"`
	Message json.RawMessage `json:"message"`
	Result  string          `json:"result"`
	IsError bool            `json:"is_error"`
	Usage   *usage          `json:"usage"`
}

type usage struct {
	InputTokens              int64   `json:"input_tokens"`
	OutputTokens             int64   `json:"output_tokens"`
	CacheReadInputTokens     int64   `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int64   `json:"cache_creation_input_tokens"`
	TotalCostUSD             float64 `json:"total_cost_usd"`
}

type contentBlock struct {
	Type  string         `json:"type"`
	Text  string         `json:"text"`
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

type messageBody struct {
	Content []contentBlock `json:"content"`
}

func (a *Adapter) ParseLine(_ context.Context, line []byte) ([]provider.Event, error) {
	var r record
	if err := json.Unmarshal(line, &r); err != nil {
		slog.Warn("lines: skipping unparseable record", "harness", a.HarnessName, "err", err, "line", string(line))
		return nil, nil
	}
	switch r.Type {
	case "assistant":
		var mb messageBody
		if len(r.Message) > 0 {
			_ = json.Unmarshal(r.Message, &mb)
		}
		var events []provider.Event
		for _, b := range mb.Content {
			switch b.Type {
			case "text":
				if b.Text != "" {
					events = append(events, provider.Event{Type: provider.EventText, Text: b.Text})
				}
			case "tool_use":
				events = append(events, provider.Event{Type: provider.EventToolCall, ToolCallID: b.ID, ToolName: b.Name, Input: b.Input})
			case "thinking":
				events = append(events, provider.Event{Type: provider.EventThinking, Text: b.Text})
			}
		}
		return events, nil
	case "user":
		var mb messageBody
		if len(r.Message) > 0 {
			_ = json.Unmarshal(r.Message, &mb)
		}
		var events []provider.Event
		for _, b := range mb.Content {
			if b.Type == "tool_result" {
				events = append(events, provider.Event{Type: provider.EventToolResult, Output: b.Text})
			}
		}
		return events, nil
	case "result":
		ev := provider.Event{Type: provider.EventResult, Text: r.Result, IsError: r.IsError}
		if r.Usage != nil {
			ev.Usage = provider.Usage{
				InputTokens:              r.Usage.InputTokens,
				OutputTokens:             r.Usage.OutputTokens,
				CacheReadInputTokens:     r.Usage.CacheReadInputTokens,
				CacheCreationInputTokens: r.Usage.CacheCreationInputTokens,
				TotalCostUSD:             r.Usage.TotalCostUSD,
			}
		}
		return []provider.Event{ev}, nil
	case "system":
		return nil, nil
	default:
		slog.Warn("lines: unknown record type, skipping", "harness", a.HarnessName, "type", r.Type)
		return nil, fmt.Errorf("lines: unknown record type %q", r.Type)
	}
}
