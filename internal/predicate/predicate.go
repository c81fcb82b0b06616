// Package predicate implements the small sandboxed expression language used
// by a trigger's logic.script. It is deliberately NOT a general scripting
// language: exactly three bindings (message, cluster, ledger), a closed
// operator set (field access, equality, logical and/or/not, string
// prefix/equal, array length), no function definitions, no loops, no host
// access, and a hard per-evaluation timeout. Hand-rolled rather than an
// embedded scripting engine, because every such engine exposes a strictly
// larger surface than triggers are allowed to reach.
package predicate

import (
	"context"
	"fmt"
	"time"
)

// DefaultTimeout is the hard per-evaluation ceiling; a script that runs
// longer is treated as a failure (logged, "did not fire").
const DefaultTimeout = 50 * time.Millisecond

// Bindings is the read-only environment exposed to a script: exactly
// "message", "cluster", "ledger". Each value must be one of: nil, bool,
// string, float64, int, []any, map[string]any, or a Caller (for the two
// permitted method-style calls: cluster.getAgentsByRole, ledger.query /
// ledger.findLast).
type Bindings struct {
	Message any
	Cluster any
	Ledger  any
}

// Caller is implemented by values that accept the handful of whitelisted
// method calls a script may make (cluster.getAgentsByRole(role),
// ledger.query(criteria), ledger.findLast(criteria)). Any object not
// implementing Caller simply cannot have methods invoked on it from a
// script — this is the sandbox boundary.
type Caller interface {
	Call(method string, args []any) (any, error)
}

// Program is a parsed, reusable script. Parse once (e.g. at config-validate
// time), Eval many times.
type Program struct {
	src  string
	expr expr
}

// Parse compiles src into a Program, or returns a parse error. Config
// validation calls this to reject an unparseable script before it ever
// reaches a running cluster.
func Parse(src string) (*Program, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, fmt.Errorf("predicate: lex: %w", err)
	}
	p := &parser{toks: toks}
	e, err := p.parseOr()
	if err != nil {
		return nil, fmt.Errorf("predicate: parse: %w", err)
	}
	if !p.atEnd() {
		return nil, fmt.Errorf("predicate: unexpected trailing token %q", p.peek().text)
	}
	return &Program{src: src, expr: e}, nil
}

// Source returns the original script text.
func (p *Program) Source() string { return p.src }

// Eval runs the script against b with a hard timeout. Any runtime error
// (type mismatch, unbound identifier, missing field, host-access attempt,
// timeout) is returned as an error; callers must treat an error the same as
// "did not fire".
func Eval(ctx context.Context, prog *Program, b Bindings) (truthy bool, err error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	resultCh := make(chan struct {
		v   any
		err error
	}, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- struct {
					v   any
					err error
				}{nil, fmt.Errorf("predicate: panic during eval: %v", r)}
			}
		}()
		env := map[string]any{
			"message": b.Message,
			"cluster": b.Cluster,
			"ledger":  b.Ledger,
		}
		v, evalErr := evalExpr(prog.expr, env)
		resultCh <- struct {
			v   any
			err error
		}{v, evalErr}
	}()

	select {
	case <-ctx.Done():
		return false, fmt.Errorf("predicate: evaluation timed out after %s", DefaultTimeout)
	case r := <-resultCh:
		if r.err != nil {
			return false, r.err
		}
		return isTruthy(r.v), nil
	}
}

func isTruthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case int:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}
