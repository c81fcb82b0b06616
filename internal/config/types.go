// Package config defines the declarative cluster/agent graph loaded from
// YAML, the validator that checks it structurally and semantically, and the
// template resolver that substitutes "{{identifier}}" parameters into a
// named template.
package config

// MaxNestingDepth is the hard cap on subcluster nesting the validator
// enforces.
const MaxNestingDepth = 5

// ClusterConfig is the resolved, validated agent graph for one cluster.
type ClusterConfig struct {
	Name          string        `yaml:"name" json:"name"`
	AutoPR        bool          `yaml:"autoPr,omitempty" json:"autoPr,omitempty"`
	ModelOverride string        `yaml:"modelOverride,omitempty" json:"modelOverride,omitempty"`
	IssueProvider string        `yaml:"issueProvider,omitempty" json:"issueProvider,omitempty"`
	GitPlatform   string        `yaml:"gitPlatform,omitempty" json:"gitPlatform,omitempty"`
	Isolation     IsolationSpec `yaml:"isolation,omitempty" json:"isolation,omitempty"`
	Agents        []AgentConfig `yaml:"agents" json:"agents"`
}

// IsolationSpec selects worktree or container mode; exactly one of the two
// sub-structs is meaningful, selected by Mode.
type IsolationSpec struct {
	Mode  string `yaml:"mode,omitempty" json:"mode,omitempty"` // "worktree" | "container" | ""
	Image string `yaml:"image,omitempty" json:"image,omitempty"`
}

// AgentConfig is one entry in ClusterConfig.Agents. Type "subcluster" makes
// this a SubClusterWrapper entry instead of a plain AgentWrapper; its
// SubConfig must then be non-empty and it must declare at least one
// trigger.
type AgentConfig struct {
	ID              string            `yaml:"id" json:"id"`
	Type            string            `yaml:"type,omitempty" json:"type,omitempty"` // "" (agent) | "subcluster"
	Role            string            `yaml:"role" json:"role"`
	Model           string            `yaml:"model,omitempty" json:"model,omitempty"`
	Level           string            `yaml:"level,omitempty" json:"level,omitempty"`
	Reasoning       string            `yaml:"reasoning,omitempty" json:"reasoning,omitempty"`
	Provider        string            `yaml:"provider,omitempty" json:"provider,omitempty"`
	Triggers        []Trigger         `yaml:"triggers,omitempty" json:"triggers,omitempty"`
	Hooks           Hooks             `yaml:"hooks,omitempty" json:"hooks,omitempty"`
	ContextStrategy string            `yaml:"contextStrategy,omitempty" json:"contextStrategy,omitempty"`
	StaleTimeoutSec int               `yaml:"staleTimeoutSec,omitempty" json:"staleTimeoutSec,omitempty"`
	TimeoutSec      int               `yaml:"timeoutSec,omitempty" json:"timeoutSec,omitempty"`
	SubConfig       *ClusterConfig    `yaml:"config,omitempty" json:"config,omitempty"`
	BridgeIn        []string          `yaml:"bridgeIn,omitempty" json:"bridgeIn,omitempty"`
	BridgeOut       []string          `yaml:"bridgeOut,omitempty" json:"bridgeOut,omitempty"`
	Params          map[string]string `yaml:"params,omitempty" json:"params,omitempty"`
}

// Trigger is an agent's subscription rule.
type Trigger struct {
	Topic  string      `yaml:"topic" json:"topic"`
	Logic  TriggerLogic `yaml:"logic,omitempty" json:"logic,omitempty"`
	Action string      `yaml:"action,omitempty" json:"action,omitempty"` // "" == execute_task | "stop_cluster"
}

// TriggerLogic carries the predicate script text. Validate parses it only to
// reject a script that does not compile; agentwrap.New parses it again and
// keeps its own compiled copy.
type TriggerLogic struct {
	Script string `yaml:"script,omitempty" json:"script,omitempty"`
}

const (
	ActionExecuteTask = "execute_task"
	ActionStopCluster = "stop_cluster"
)

// Hooks customize an agent's completion/error behavior.
type Hooks struct {
	OnComplete *HookSpec `yaml:"onComplete,omitempty" json:"onComplete,omitempty"`
}

// HookSpec describes the message an agent publishes on successful task
// completion: which topic, a content template, and an optional transform
// name the agent wrapper applies to the provider's final result text.
type HookSpec struct {
	Topic     string `yaml:"topic" json:"topic"`
	Content   string `yaml:"content,omitempty" json:"content,omitempty"`
	Transform string `yaml:"transform,omitempty" json:"transform,omitempty"`
}
