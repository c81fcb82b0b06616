package config

import (
	"fmt"
	"strings"

	"github.com/zeroshot/fleet/internal/ledger"
	"github.com/zeroshot/fleet/internal/predicate"
)

// reservedTopics is the closed set every agent may always trigger on
// without the validator needing to find a producer for it.
var reservedTopics = map[string]bool{}

func init() {
	for _, t := range []string{
		ledger.TopicIssueOpened, ledger.TopicAgentOutput, ledger.TopicAgentLifecycle,
		ledger.TopicAgentError, ledger.TopicTokenUsage, ledger.TopicPlanReady,
		ledger.TopicImplementationReady, ledger.TopicValidationResult,
		ledger.TopicConductorEscalate, ledger.TopicClusterOperations,
		ledger.TopicClusterOperationsSuccess, ledger.TopicClusterOperationsFailed,
		ledger.TopicClusterOperationsValidationFail, ledger.TopicClusterComplete,
		ledger.TopicClusterFailed, ledger.TopicPRCreated,
	} {
		reservedTopics[t] = true
	}
}

// Issue is one validation problem. Kind "error" rejects the config
// outright; kind "warning" is surfaced but does not block.
type Issue struct {
	Kind    string // "error" | "warning"
	AgentID string
	Message string
}

func (i Issue) String() string {
	if i.AgentID != "" {
		return fmt.Sprintf("[%s] agent %q: %s", i.Kind, i.AgentID, i.Message)
	}
	return fmt.Sprintf("[%s] %s", i.Kind, i.Message)
}

// Result is the outcome of Validate: Errors being non-empty means the
// config MUST be rejected; Warnings never block.
type Result struct {
	Errors   []Issue
	Warnings []Issue
}

func (r Result) OK() bool { return len(r.Errors) == 0 }

func (r Result) Error() string {
	var sb strings.Builder
	for _, e := range r.Errors {
		sb.WriteString(e.String())
		sb.WriteString("; ")
	}
	return strings.TrimSuffix(sb.String(), "; ")
}

// Validate checks cfg: unique agent ids, unresolved template tokens in
// trigger topics, trigger topic provenance, subcluster shape, nesting depth, and predicate script parseability. It is
// invoked on initial load and again on every proposed post-operation
// topology.
func Validate(cfg *ClusterConfig) Result {
	var res Result
	validate(cfg, 1, &res)
	return res
}

func validate(cfg *ClusterConfig, depth int, res *Result) {
	if depth > MaxNestingDepth {
		res.Errors = append(res.Errors, Issue{Kind: "error", Message: fmt.Sprintf("subcluster nesting depth %d exceeds cap %d", depth, MaxNestingDepth)})
		return
	}

	seen := make(map[string]bool, len(cfg.Agents))
	produced := make(map[string]bool)
	for _, a := range cfg.Agents {
		if a.Hooks.OnComplete != nil && a.Hooks.OnComplete.Topic != "" {
			produced[a.Hooks.OnComplete.Topic] = true
		}
	}

	for _, a := range cfg.Agents {
		if a.ID == "" {
			res.Errors = append(res.Errors, Issue{Kind: "error", Message: "agent with empty id"})
			continue
		}
		if seen[a.ID] {
			res.Errors = append(res.Errors, Issue{Kind: "error", AgentID: a.ID, Message: "duplicate agent id"})
			continue
		}
		seen[a.ID] = true

		for _, tr := range a.Triggers {
			if tr.Topic == "" {
				res.Errors = append(res.Errors, Issue{Kind: "error", AgentID: a.ID, Message: "trigger with empty topic"})
				continue
			}
			if placeholderRe.MatchString(tr.Topic) {
				res.Errors = append(res.Errors, Issue{Kind: "error", AgentID: a.ID, Message: fmt.Sprintf("trigger topic %q contains an unresolved template token", tr.Topic)})
				continue
			}
			validateTopicProvenance(a.ID, tr.Topic, produced, res)
			if tr.Action != "" && tr.Action != ActionExecuteTask && tr.Action != ActionStopCluster {
				res.Errors = append(res.Errors, Issue{Kind: "error", AgentID: a.ID, Message: fmt.Sprintf("unknown trigger action %q", tr.Action)})
			}
			if tr.Logic.Script != "" {
				if _, err := predicate.Parse(tr.Logic.Script); err != nil {
					res.Errors = append(res.Errors, Issue{Kind: "error", AgentID: a.ID, Message: fmt.Sprintf("trigger logic.script does not parse: %v", err)})
				}
			}
		}

		if a.Type == "subcluster" {
			if a.SubConfig == nil || len(a.SubConfig.Agents) == 0 {
				res.Errors = append(res.Errors, Issue{Kind: "error", AgentID: a.ID, Message: "subcluster agent requires a non-empty config"})
			}
			if len(a.Triggers) == 0 {
				res.Errors = append(res.Errors, Issue{Kind: "error", AgentID: a.ID, Message: "subcluster agent requires at least one trigger"})
			}
			if a.SubConfig != nil {
				validate(a.SubConfig, depth+1, res)
			}
		}
	}
}

func validateTopicProvenance(agentID, topic string, produced map[string]bool, res *Result) {
	if topic == "*" || strings.HasSuffix(topic, "*") {
		return // wildcard/prefix triggers can't be checked against a fixed producer set
	}
	if reservedTopics[topic] || produced[topic] {
		return
	}
	res.Warnings = append(res.Warnings, Issue{
		Kind: "warning", AgentID: agentID,
		Message: fmt.Sprintf("trigger topic %q is neither reserved nor produced by any agent's hooks.onComplete in this config", topic),
	})
}
