package predicate

import "fmt"

func evalExpr(e expr, env map[string]any) (any, error) {
	switch n := e.(type) {
	case litExpr:
		return n.v, nil
	case identExpr:
		v, ok := env[n.name]
		if !ok {
			return nil, fmt.Errorf("predicate: unbound identifier %q (only message, cluster, ledger are in scope)", n.name)
		}
		return v, nil
	case objectExpr:
		out := make(map[string]any, len(n.fields))
		for k, fe := range n.fields {
			v, err := evalExpr(fe, env)
			if err != nil {
				return nil, err
			}
			out[k] = v
		}
		return out, nil
	case fieldExpr:
		base, err := evalExpr(n.base, env)
		if err != nil {
			return nil, err
		}
		return evalField(base, n.name)
	case callExpr:
		base, err := evalExpr(n.base, env)
		if err != nil {
			return nil, err
		}
		args := make([]any, len(n.args))
		for i, a := range n.args {
			v, err := evalExpr(a, env)
			if err != nil {
				return nil, err
			}
			args[i] = v
		}
		return evalCall(base, n.method, args)
	case unaryNotExpr:
		v, err := evalExpr(n.x, env)
		if err != nil {
			return nil, err
		}
		return !isTruthy(v), nil
	case binExpr:
		switch n.op {
		case tokAnd:
			l, err := evalExpr(n.left, env)
			if err != nil {
				return nil, err
			}
			if !isTruthy(l) {
				return false, nil
			}
			r, err := evalExpr(n.right, env)
			if err != nil {
				return nil, err
			}
			return isTruthy(r), nil
		case tokOr:
			l, err := evalExpr(n.left, env)
			if err != nil {
				return nil, err
			}
			if isTruthy(l) {
				return true, nil
			}
			r, err := evalExpr(n.right, env)
			if err != nil {
				return nil, err
			}
			return isTruthy(r), nil
		case tokEq, tokNeq:
			l, err := evalExpr(n.left, env)
			if err != nil {
				return nil, err
			}
			r, err := evalExpr(n.right, env)
			if err != nil {
				return nil, err
			}
			eq := valuesEqual(l, r)
			if n.op == tokNeq {
				return !eq, nil
			}
			return eq, nil
		}
	}
	return nil, fmt.Errorf("predicate: unhandled expression node %T", e)
}

// evalField resolves "length" on arrays/strings/maps as a built-in
// pseudo-field, otherwise indexes into a map[string]any. No reflection over
// arbitrary Go structs: every bound
// value the agent wrapper hands in is already a map[string]any, which is the
// sandbox boundary — a script can never reach a method or field the host
// didn't explicitly expose.
func evalField(base any, name string) (any, error) {
	if name == "length" {
		switch t := base.(type) {
		case string:
			return float64(len(t)), nil
		case []any:
			return float64(len(t)), nil
		case map[string]any:
			return float64(len(t)), nil
		case nil:
			return float64(0), nil
		default:
			return nil, fmt.Errorf("predicate: .length on unsupported type %T", base)
		}
	}
	m, ok := base.(map[string]any)
	if !ok {
		if base == nil {
			return nil, nil
		}
		return nil, fmt.Errorf("predicate: field access %q on non-object value (%T)", name, base)
	}
	return m[name], nil
}

// evalCall permits exactly: <string>.startsWith(<string>),
// <string>.equals(<string>), and any method a
// bound Caller value explicitly implements (cluster.getAgentsByRole,
// ledger.query, ledger.findLast). Nothing else can be called — there is no
// general function-call surface.
func evalCall(base any, method string, args []any) (any, error) {
	if s, ok := base.(string); ok && method == "startsWith" {
		if len(args) != 1 {
			return nil, fmt.Errorf("predicate: startsWith takes exactly one argument")
		}
		prefix, ok := args[0].(string)
		if !ok {
			return nil, fmt.Errorf("predicate: startsWith argument must be a string")
		}
		return len(s) >= len(prefix) && s[:len(prefix)] == prefix, nil
	}
	if s, ok := base.(string); ok && method == "equals" {
		if len(args) != 1 {
			return nil, fmt.Errorf("predicate: equals takes exactly one argument")
		}
		other, ok := args[0].(string)
		if !ok {
			return nil, fmt.Errorf("predicate: equals argument must be a string")
		}
		return s == other, nil
	}
	c, ok := base.(Caller)
	if !ok {
		return nil, fmt.Errorf("predicate: %q is not callable (host access is not permitted)", method)
	}
	return c.Call(method, args)
}

func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return as == bs
	}
	ab, aok := a.(bool)
	bb, bok := b.(bool)
	if aok && bok {
		return ab == bb
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	default:
		return 0, false
	}
}
