package config

import (
	"fmt"
	"regexp"
)

// placeholderRe matches bare "{{identifier}}" tokens only: no path
// expressions, no pipelines, no function calls. Substitution is a regexp
// walk rather than text/template because only bare identifier tokens are
// ever permitted in a template.
var placeholderRe = regexp.MustCompile(`\{\{([A-Za-z_][A-Za-z0-9_]*)\}\}`)

// TemplateResolver substitutes {{identifier}} tokens found in string fields
// of a ClusterConfig with values from params. Missing parameters leave the
// token in place; Validate is responsible for catching a leaked token in a
// field that can't tolerate one (e.g. a trigger topic).
type TemplateResolver struct {
	Templates map[string]*ClusterConfig
}

// NewTemplateResolver builds a resolver over a fixed set of named templates
// (e.g. loaded once at startup from a templates directory).
func NewTemplateResolver(templates map[string]*ClusterConfig) *TemplateResolver {
	return &TemplateResolver{Templates: templates}
}

// Resolve looks up name and returns a deep copy with every string field
// substituted from params.
func (r *TemplateResolver) Resolve(name string, params map[string]string) (*ClusterConfig, error) {
	tmpl, ok := r.Templates[name]
	if !ok {
		return nil, fmt.Errorf("config: unknown template %q", name)
	}
	out := deepCopyClusterConfig(tmpl)
	substituteClusterConfig(out, params)
	return out, nil
}

func substitute(s string, params map[string]string) string {
	return placeholderRe.ReplaceAllStringFunc(s, func(tok string) string {
		name := placeholderRe.FindStringSubmatch(tok)[1]
		if v, ok := params[name]; ok {
			return v
		}
		return tok // leave unresolved tokens in place
	})
}

func substituteClusterConfig(c *ClusterConfig, params map[string]string) {
	c.Name = substitute(c.Name, params)
	c.ModelOverride = substitute(c.ModelOverride, params)
	c.IssueProvider = substitute(c.IssueProvider, params)
	c.GitPlatform = substitute(c.GitPlatform, params)
	c.Isolation.Image = substitute(c.Isolation.Image, params)
	for i := range c.Agents {
		substituteAgentConfig(&c.Agents[i], params)
	}
}

func substituteAgentConfig(a *AgentConfig, params map[string]string) {
	a.ID = substitute(a.ID, params)
	a.Role = substitute(a.Role, params)
	a.Model = substitute(a.Model, params)
	a.Level = substitute(a.Level, params)
	a.Reasoning = substitute(a.Reasoning, params)
	a.Provider = substitute(a.Provider, params)
	a.ContextStrategy = substitute(a.ContextStrategy, params)
	for i := range a.Triggers {
		a.Triggers[i].Topic = substitute(a.Triggers[i].Topic, params)
		a.Triggers[i].Logic.Script = substitute(a.Triggers[i].Logic.Script, params)
		a.Triggers[i].Action = substitute(a.Triggers[i].Action, params)
	}
	if a.Hooks.OnComplete != nil {
		a.Hooks.OnComplete.Topic = substitute(a.Hooks.OnComplete.Topic, params)
		a.Hooks.OnComplete.Content = substitute(a.Hooks.OnComplete.Content, params)
		a.Hooks.OnComplete.Transform = substitute(a.Hooks.OnComplete.Transform, params)
	}
	for k, v := range a.Params {
		a.Params[k] = substitute(v, params)
	}
	if a.SubConfig != nil {
		substituteClusterConfig(a.SubConfig, params)
	}
}

func deepCopyClusterConfig(c *ClusterConfig) *ClusterConfig {
	cp := *c
	cp.Agents = make([]AgentConfig, len(c.Agents))
	for i, a := range c.Agents {
		cp.Agents[i] = deepCopyAgentConfig(a)
	}
	return &cp
}

func deepCopyAgentConfig(a AgentConfig) AgentConfig {
	cp := a
	cp.Triggers = append([]Trigger(nil), a.Triggers...)
	if a.Hooks.OnComplete != nil {
		h := *a.Hooks.OnComplete
		cp.Hooks.OnComplete = &h
	}
	if a.Params != nil {
		cp.Params = make(map[string]string, len(a.Params))
		for k, v := range a.Params {
			cp.Params[k] = v
		}
	}
	if a.SubConfig != nil {
		cp.SubConfig = deepCopyClusterConfig(a.SubConfig)
	}
	return cp
}
