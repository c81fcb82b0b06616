package predicate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvalBasicEquality(t *testing.T) {
	prog, err := Parse(`message.topic == "PLAN_READY"`)
	require.NoError(t, err)

	ok, err := Eval(context.Background(), prog, Bindings{
		Message: map[string]any{"topic": "PLAN_READY"},
	})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Eval(context.Background(), prog, Bindings{
		Message: map[string]any{"topic": "OTHER"},
	})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvalLogicalAndOrNot(t *testing.T) {
	prog, err := Parse(`message.topic == "X" and not message.data.approved == false`)
	require.NoError(t, err)
	ok, err := Eval(context.Background(), prog, Bindings{
		Message: map[string]any{
			"topic": "X",
			"data":  map[string]any{"approved": true},
		},
	})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvalStartsWith(t *testing.T) {
	prog, err := Parse(`message.topic.startsWith("AGENT_")`)
	require.NoError(t, err)
	ok, err := Eval(context.Background(), prog, Bindings{
		Message: map[string]any{"topic": "AGENT_ERROR"},
	})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvalArrayLength(t *testing.T) {
	prog, err := Parse(`cluster.agents.length == 3`)
	require.NoError(t, err)
	ok, err := Eval(context.Background(), prog, Bindings{
		Cluster: map[string]any{"agents": []any{"a", "b", "c"}},
	})
	require.NoError(t, err)
	assert.True(t, ok)
}

type fakeCaller struct{ roles map[string][]any }

func (f fakeCaller) Call(method string, args []any) (any, error) {
	if method == "getAgentsByRole" {
		role, _ := args[0].(string)
		return f.roles[role], nil
	}
	return nil, nil
}

func TestEvalCallerDispatch(t *testing.T) {
	prog, err := Parse(`not cluster.getAgentsByRole("conductor").length == 0`)
	require.NoError(t, err)
	ok, err := Eval(context.Background(), prog, Bindings{
		Cluster: fakeCaller{roles: map[string][]any{"conductor": {"c1"}}},
	})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvalHostAccessRejected(t *testing.T) {
	prog, err := Parse(`message.exec("rm -rf /")`)
	require.NoError(t, err)
	_, err = Eval(context.Background(), prog, Bindings{
		Message: map[string]any{"topic": "X"},
	})
	assert.Error(t, err)
}

func TestEvalUnboundIdentifier(t *testing.T) {
	prog, err := Parse(`host.env == "x"`)
	require.NoError(t, err)
	_, err = Eval(context.Background(), prog, Bindings{})
	assert.Error(t, err)
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := Parse(`message.topic ==`)
	assert.Error(t, err)
}
