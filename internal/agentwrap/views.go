package agentwrap

import (
	"context"
	"fmt"

	"github.com/zeroshot/fleet/internal/ledger"
	"github.com/zeroshot/fleet/internal/predicate"
)

// clusterCaller adapts ClusterView to predicate.Caller, exposing exactly
// cluster.getAgentsByRole(role) to a trigger script.
type clusterCaller struct{ cv ClusterView }

var _ predicate.Caller = clusterCaller{}

func (c clusterCaller) Call(method string, args []any) (any, error) {
	if method != "getAgentsByRole" {
		return nil, fmt.Errorf("agentwrap: cluster has no method %q", method)
	}
	if c.cv == nil {
		return []any{}, nil
	}
	if len(args) != 1 {
		return nil, fmt.Errorf("agentwrap: getAgentsByRole takes exactly one argument")
	}
	role, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("agentwrap: getAgentsByRole argument must be a string")
	}
	snaps := c.cv.AgentsByRole(role)
	out := make([]any, len(snaps))
	for i, s := range snaps {
		out[i] = map[string]any{
			"id": s.ID, "role": s.Role, "state": string(s.State),
			"iteration": float64(s.Iteration), "model": s.Model,
		}
	}
	return out, nil
}

// ledgerCaller adapts a message publisher to predicate.Caller, exposing
// exactly ledger.query(criteria) and ledger.findLast(criteria) to a trigger
// script, each with a read-only, non-blocking-for-long lookup.
type ledgerCaller struct{ q querier }

type querier interface {
	Query(ctx context.Context, c ledger.Criteria) ([]ledger.Message, error)
	FindLast(ctx context.Context, c ledger.Criteria) (ledger.Message, bool, error)
}

var _ predicate.Caller = ledgerCaller{}

func (l ledgerCaller) Call(method string, args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("agentwrap: ledger.%s takes exactly one object argument", method)
	}
	criteriaMap, ok := args[0].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("agentwrap: ledger.%s argument must be an object", method)
	}
	crit := criteriaFromMap(criteriaMap)
	ctx, cancel := context.WithTimeout(context.Background(), predicate.DefaultTimeout)
	defer cancel()
	switch method {
	case "query":
		msgs, err := l.q.Query(ctx, crit)
		if err != nil {
			return nil, err
		}
		out := make([]any, len(msgs))
		for i, m := range msgs {
			out[i] = messageToMap(m)
		}
		return out, nil
	case "findLast":
		m, ok, err := l.q.FindLast(ctx, crit)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		return messageToMap(m), nil
	default:
		return nil, fmt.Errorf("agentwrap: ledger has no method %q", method)
	}
}

func criteriaFromMap(m map[string]any) ledger.Criteria {
	var c ledger.Criteria
	if v, ok := m["topic"].(string); ok {
		c.Topic = v
	}
	if v, ok := m["sender"].(string); ok {
		c.Sender = v
	}
	if v, ok := m["receiver"].(string); ok {
		c.Receiver = v
	}
	if v, ok := m["limit"].(float64); ok {
		c.Limit = int(v)
	}
	return c
}
