package prompt_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/prompt"
)

func TestExpander_MissingActions(t *testing.T) {
	vars := map[string]any{"name": "shard-1", "load": 72.5}

	keep := prompt.NewExpander()
	got, err := keep.Expand("${name} at ${load}% ${missing}", vars)
	require.NoError(t, err)
	assert.Equal(t, "shard-1 at 72.5% ${missing}", got)

	empty := prompt.NewExpander(prompt.WithMissingAction(prompt.MissingEmpty))
	got, err = empty.Expand("[${missing}]", vars)
	require.NoError(t, err)
	assert.Equal(t, "[]", got)

	strict := prompt.NewExpander(prompt.WithMissingAction(prompt.MissingError))
	_, err = strict.Expand("${a} ${b}", nil)
	var undef *prompt.UndefinedVariableError
	require.ErrorAs(t, err, &undef)
	assert.Equal(t, []string{"a", "b"}, undef.Names)
	assert.Equal(t, "undefined variables: a, b", err.Error())

	got, err = keep.Expand("", vars)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestExpander_StructuredValues(t *testing.T) {
	got, err := prompt.NewExpander().Expand("data=${data} codes=${codes}", map[string]any{
		"data":  map[string]any{"shardId": 2, "load": 91},
		"codes": []string{"A", "B"},
	})
	require.NoError(t, err)
	assert.Equal(t, `data={"load":91,"shardId":2} codes=["A","B"]`, got)
}

func TestSet_Render(t *testing.T) {
	vars := map[string]any{
		"eventType": "SHARD_OVERLOAD",
		"channel":   "sharding.state",
		"timestamp": "2026-03-01T12:00:00Z",
		"data":      map[string]any{"shardId": 3},
		"codes":     "REBALANCE_SHARD_LOAD, SCALE_SHARDS",
	}
	set := prompt.DefaultSet()

	system, user, err := set.Render("strategic", vars)
	require.NoError(t, err)
	assert.Contains(t, system, "strategic planner")
	assert.Contains(t, system, "REBALANCE_SHARD_LOAD, SCALE_SHARDS")
	assert.Contains(t, user, `{"shardId":3}`)
	assert.Contains(t, user, "SHARD_OVERLOAD")

	_, user, err = set.Render("unknown-band", vars)
	require.NoError(t, err)
	assert.Contains(t, user, "Recommend the safest action.")

	_, _, err = set.Render("tactical", map[string]any{"eventType": "X"})
	assert.Error(t, err)

	_, _, err = prompt.Set{}.Render("strategic", vars)
	assert.Error(t, err)
}
