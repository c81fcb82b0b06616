package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateDuplicateAgentID(t *testing.T) {
	cfg := &ClusterConfig{Agents: []AgentConfig{
		{ID: "a", Role: "planner"},
		{ID: "a", Role: "implementer"},
	}}
	res := Validate(cfg)
	require.False(t, res.OK())
	assert.Contains(t, res.Error(), "duplicate agent id")
}

func TestValidateSubclusterRequiresConfigAndTrigger(t *testing.T) {
	cfg := &ClusterConfig{Agents: []AgentConfig{
		{ID: "sub", Type: "subcluster"},
	}}
	res := Validate(cfg)
	require.False(t, res.OK())
	assert.Len(t, res.Errors, 2) // missing config, missing trigger
}

func TestValidateNestingDepthCap(t *testing.T) {
	leaf := &ClusterConfig{Agents: []AgentConfig{{ID: "leaf", Role: "x"}}}
	cur := leaf
	for i := 0; i < MaxNestingDepth+1; i++ {
		cur = &ClusterConfig{Agents: []AgentConfig{{
			ID: "wrap", Type: "subcluster", Triggers: []Trigger{{Topic: "X"}}, SubConfig: cur,
		}}}
	}
	res := Validate(cur)
	require.False(t, res.OK())
}

func TestValidateBadPredicateScript(t *testing.T) {
	cfg := &ClusterConfig{Agents: []AgentConfig{
		{ID: "a", Role: "planner", Triggers: []Trigger{{Topic: "ISSUE_OPENED", Logic: TriggerLogic{Script: "message.topic =="}}}},
	}}
	res := Validate(cfg)
	require.False(t, res.OK())
	assert.Contains(t, res.Error(), "does not parse")
}

func TestValidateUnproducedTopicWarns(t *testing.T) {
	cfg := &ClusterConfig{Agents: []AgentConfig{
		{ID: "a", Role: "planner", Triggers: []Trigger{{Topic: "SOME_CUSTOM_TOPIC"}}},
	}}
	res := Validate(cfg)
	assert.True(t, res.OK())
	assert.NotEmpty(t, res.Warnings)
}

func TestResolverSubstitutesIdentifiersOnly(t *testing.T) {
	tmpl := &ClusterConfig{
		Name: "cluster-{{suffix}}",
		Agents: []AgentConfig{
			{ID: "a-{{suffix}}", Role: "planner", Triggers: []Trigger{{Topic: "ISSUE_OPENED"}}},
		},
	}
	r := NewTemplateResolver(map[string]*ClusterConfig{"default": tmpl})
	out, err := r.Resolve("default", map[string]string{"suffix": "42"})
	require.NoError(t, err)
	assert.Equal(t, "cluster-42", out.Name)
	assert.Equal(t, "a-42", out.Agents[0].ID)
	// original template must be unmodified (deep copy)
	assert.Equal(t, "cluster-{{suffix}}", tmpl.Name)
}

func TestResolverLeavesUnresolvedTokenInPlace(t *testing.T) {
	tmpl := &ClusterConfig{Name: "{{missing}}"}
	r := NewTemplateResolver(map[string]*ClusterConfig{"t": tmpl})
	out, err := r.Resolve("t", nil)
	require.NoError(t, err)
	assert.Equal(t, "{{missing}}", out.Name)
}
