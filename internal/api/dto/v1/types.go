// Package v1 declares the versioned request/response types and the route
// table of the observability API. The route table is the authoritative list
// an external CLI/TUI client generator consumes.
package v1

import (
	"encoding/json"
	"errors"
	"time"
)

// ClusterSummary is one cluster in list/get responses. State reflects the
// effective state: zombie is computed, never stored.
type ClusterSummary struct {
	ID            string    `json:"id"`
	State         string    `json:"state"`
	CreatedAt     time.Time `json:"createdAt"`
	PID           int       `json:"pid,omitempty"`
	AutoPR        bool      `json:"autoPr,omitempty"`
	ModelOverride string    `json:"modelOverride,omitempty"`
	IssueProvider string    `json:"issueProvider,omitempty"`
	GitPlatform   string    `json:"gitPlatform,omitempty"`
	SkipIssueRef  bool      `json:"skipIssueRef,omitempty"`
	FailureAgent  string    `json:"failureAgent,omitempty"`
	FailureError  string    `json:"failureError,omitempty"`
	WorktreePath  string    `json:"worktreePath,omitempty"`
	ContainerID   string    `json:"containerId,omitempty"`
	AgentCount    int       `json:"agentCount"`
}

// EventMessage is one ledger message streamed over SSE or returned by the
// events query.
type EventMessage struct {
	ID        string          `json:"id"`
	Timestamp int64           `json:"timestamp"`
	Topic     string          `json:"topic"`
	Sender    string          `json:"sender"`
	Receiver  string          `json:"receiver"`
	Text      string          `json:"text,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// UsageRow is one role's aggregated token usage.
type UsageRow struct {
	Role                     string  `json:"role"`
	InputTokens              int64   `json:"inputTokens"`
	OutputTokens             int64   `json:"outputTokens"`
	CacheReadInputTokens     int64   `json:"cacheReadInputTokens"`
	CacheCreationInputTokens int64   `json:"cacheCreationInputTokens"`
	TotalCostUSD             float64 `json:"totalCostUsd"`
}

// UsageResp maps role to aggregate, including the "_total" bucket.
type UsageResp struct {
	Roles map[string]UsageRow `json:"roles"`
}

// StatusResp is the common response for mutation endpoints.
type StatusResp struct {
	Status string `json:"status"`
}

// OperationsReq carries an operation chain to publish on the cluster's bus.
// The payload is forwarded opaque: the orchestrator validates it when the
// CLUSTER_OPERATIONS message is handled, and the outcome arrives as a
// CLUSTER_OPERATIONS_{SUCCESS,FAILED,VALIDATION_FAILED} event.
type OperationsReq struct {
	ClusterID  string          `json:"-" path:"id"`
	Operations json.RawMessage `json:"operations"`
}

// Validate implements the request contract.
func (r *OperationsReq) Validate() error {
	if len(r.Operations) == 0 {
		return errors.New("operations is required")
	}
	return nil
}

// ClusterIDReq is the request for endpoints addressed only by cluster id.
type ClusterIDReq struct {
	ClusterID string `json:"-" path:"id"`
}

// Validate implements the request contract.
func (r *ClusterIDReq) Validate() error {
	if r.ClusterID == "" {
		return errors.New("cluster id is required")
	}
	return nil
}
