package ledger

import "encoding/json"

// Reserved topics the core itself emits or consumes. Agents and config may
// use any other uppercase topic string; these are the ones the orchestrator,
// agent wrapper and sub-cluster wrapper attach special meaning to.
const (
	TopicIssueOpened                     = "ISSUE_OPENED"
	TopicAgentOutput                     = "AGENT_OUTPUT"
	TopicAgentLifecycle                  = "AGENT_LIFECYCLE"
	TopicAgentError                      = "AGENT_ERROR"
	TopicTokenUsage                      = "TOKEN_USAGE"
	TopicPlanReady                       = "PLAN_READY"
	TopicImplementationReady             = "IMPLEMENTATION_READY"
	TopicValidationResult                = "VALIDATION_RESULT"
	TopicConductorEscalate               = "CONDUCTOR_ESCALATE"
	TopicClusterOperations               = "CLUSTER_OPERATIONS"
	TopicClusterOperationsSuccess        = "CLUSTER_OPERATIONS_SUCCESS"
	TopicClusterOperationsFailed         = "CLUSTER_OPERATIONS_FAILED"
	TopicClusterOperationsValidationFail = "CLUSTER_OPERATIONS_VALIDATION_FAILED"
	TopicClusterComplete                 = "CLUSTER_COMPLETE"
	TopicClusterFailed                   = "CLUSTER_FAILED"
	TopicPRCreated                       = "PR_CREATED"
)

// WorkflowTriggeringTopics is the reserved subset resume() uses to re-derive
// who should wake back up when no specific failure is known.
var WorkflowTriggeringTopics = []string{
	TopicIssueOpened,
	TopicPlanReady,
	TopicImplementationReady,
	TopicValidationResult,
	TopicConductorEscalate,
}

// AgentLifecycleEvent enumerates the AGENT_LIFECYCLE "event" field values.
const (
	LifecycleStarted            = "STARTED"
	LifecycleStopped            = "STOPPED"
	LifecycleTaskStarted        = "TASK_STARTED"
	LifecycleTaskIDAssigned     = "TASK_ID_ASSIGNED"
	LifecycleProcessSpawned     = "PROCESS_SPAWNED"
	LifecycleTaskCompleted      = "TASK_COMPLETED"
	LifecycleTaskFailed         = "TASK_FAILED"
	LifecycleAgentStaleWarning  = "AGENT_STALE_WARNING"
)

// Content is the payload carried by every message. Text is free-form;
// Data and Metadata are opaque structured values serialized as JSON. Go has
// no dynamic string-keyed object type worth modeling directly, so callers
// marshal whatever topic-specific shape they need into Data/Metadata and
// unmarshal it back out on read (see DecodeData/DecodeMetadata) — this is
// the systems-language replacement for "tagged variants keyed by topic" the
// spec calls for.
type Content struct {
	Text string          `json:"text,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Message is the one on-wire entity. Immutable once appended.
type Message struct {
	ID        string          `json:"id"`
	ClusterID string          `json:"clusterId"`
	Timestamp int64           `json:"timestamp"` // unix nanoseconds, strictly increasing per ledger
	Topic     string          `json:"topic"`
	Sender    string          `json:"sender"`
	Receiver  string          `json:"receiver"` // "broadcast" or a specific agent id
	Content   Content         `json:"content"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// Broadcast is the reserved Receiver value meaning "every subscriber".
const Broadcast = "broadcast"

// SenderSystem and SenderOrchestrator are the reserved non-agent senders.
const (
	SenderSystem       = "system"
	SenderOrchestrator = "orchestrator"
)

// DecodeData unmarshals Content.Data into v. Returns nil if Data is empty.
func (m Message) DecodeData(v any) error {
	if len(m.Content.Data) == 0 {
		return nil
	}
	return json.Unmarshal(m.Content.Data, v)
}

// DecodeMetadata unmarshals Metadata into v. Returns nil if Metadata is empty.
func (m Message) DecodeMetadata(v any) error {
	if len(m.Metadata) == 0 {
		return nil
	}
	return json.Unmarshal(m.Metadata, v)
}

// MustData marshals v into Content.Data, panicking on a marshal error since
// callers only ever pass static, known-good shapes.
func MustData(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic("ledger: MustData: " + err.Error())
	}
	return b
}

// Order is the allow-listed sort direction for Criteria.Order. Anything
// other than Desc sorts ascending; arbitrary strings are never honored.
type Order string

const (
	Asc  Order = "asc"
	Desc Order = "desc"
)

// Criteria filters a Ledger query. ClusterID is mandatory for Query; the
// zero value of any other field means "unconstrained".
type Criteria struct {
	ClusterID string
	Topic     string
	Sender    string
	Receiver  string
	Since     int64 // inclusive, unix nanoseconds; 0 means unconstrained
	Until     int64 // exclusive, unix nanoseconds; 0 means unconstrained
	Limit     int
	Offset    int
	Order     Order
}

func (c Criteria) order() Order {
	if c.Order == Desc {
		return Desc
	}
	return Asc
}

// TokenUsageByRole is one row of getTokensByRole's aggregate result, keyed
// by the TOKEN_USAGE message's content.data.role field. RoleTotal ("_total")
// is the reserved aggregate-across-all-roles bucket.
type TokenUsageByRole struct {
	Role                     string  `json:"role"`
	InputTokens              int64   `json:"inputTokens"`
	OutputTokens             int64   `json:"outputTokens"`
	CacheReadInputTokens     int64   `json:"cacheReadInputTokens"`
	CacheCreationInputTokens int64   `json:"cacheCreationInputTokens"`
	TotalCostUSD             float64 `json:"totalCostUsd"`
}

// RoleTotal is the reserved aggregate-across-all-roles bucket key.
const RoleTotal = "_total"

// TokenUsagePayload is the content.data shape of a TOKEN_USAGE message.
type TokenUsagePayload struct {
	Role                     string  `json:"role"`
	InputTokens              int64   `json:"inputTokens"`
	OutputTokens             int64   `json:"outputTokens"`
	CacheReadInputTokens     int64   `json:"cacheReadInputTokens"`
	CacheCreationInputTokens int64   `json:"cacheCreationInputTokens"`
	TotalCostUSD             float64 `json:"totalCostUsd"`
}
