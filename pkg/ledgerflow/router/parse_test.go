package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/decision"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/event"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
		ok   bool
	}{
		{"bare", `{"a":1}`, `{"a":1}`, true},
		{"surrounded", "Sure! ```json\n{\"a\":{\"b\":2}}\n``` done", `{"a":{"b":2}}`, true},
		{"first of two", `{"a":1} {"b":2}`, `{"a":1}`, true},
		{"brace in string", `{"reasoning":"use } carefully","x":"\"{"}`, `{"reasoning":"use } carefully","x":"\"{"}`, true},
		{"unbalanced", `{"a": {"b": 1}`, "", false},
		{"none", "no json here", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := extractJSON(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalize(t *testing.T) {
	n := normalizer{classifier: decision.DefaultClassifier}
	evt := event.Event{ID: "evt-1", Channel: event.ShardingState, Type: "SHARD_OVERLOAD"}

	t.Run("classifies free text and clamps", func(t *testing.T) {
		p := n.normalize(evt, `Analysis: {"action":"Rebalance shard load","confidence":"185%","impact":"HIGH","parameters":{"maxMovePercent":50}}`)
		assert.Equal(t, decision.RebalanceShardLoad, p.Type)
		assert.Equal(t, 100.0, p.Confidence)
		assert.Equal(t, decision.ImpactHigh, p.Impact)
		assert.Equal(t, decision.RebalanceParams{MaxMovePercent: 20}, p.Parameters)
		assert.Equal(t, "evt-1", p.CorrelationID)
	})

	t.Run("explicit decision field wins", func(t *testing.T) {
		p := n.normalize(evt, `{"decision":"SCALE_SHARDS","action":"rebalance shards","confidence":81}`)
		assert.Equal(t, decision.ScaleShards, p.Type)
		assert.Equal(t, 81.0, p.Confidence)
	})

	t.Run("unknown action uses event default", func(t *testing.T) {
		p := n.normalize(evt, `{"action":"dance","confidence":70,"impact":"extreme"}`)
		assert.Equal(t, decision.RebalanceShardLoad, p.Type)
		assert.Equal(t, decision.ImpactMedium, p.Impact)
	})

	t.Run("missing confidence", func(t *testing.T) {
		p := n.normalize(evt, `{"action":"hold steady"}`)
		assert.Equal(t, decision.MaintainCurrentState, p.Type)
		assert.Equal(t, float64(missingConfidence), p.Confidence)
	})

	t.Run("invalid json", func(t *testing.T) {
		p := n.normalize(evt, "I think you should rebalance the shards.")
		assert.Equal(t, DefaultCode(evt.Type), p.Type)
		assert.Equal(t, float64(unparsedConfidence), p.Confidence)
		assert.Equal(t, decision.ImpactMedium, p.Impact)
	})

	t.Run("governance takes proposal id from event", func(t *testing.T) {
		gov := event.Event{ID: "evt-2", Type: "GOVERNANCE_PROPOSAL", Data: map[string]any{"proposalId": "prop-42"}}
		p := n.normalize(gov, `{"action":"approve proposal","recommendation":"reject","confidence":93}`)
		require.Equal(t, decision.PrevalidateGovernance, p.Type)
		params, ok := p.Parameters.(decision.GovernanceParams)
		require.True(t, ok)
		assert.Equal(t, "prop-42", params.ProposalID)
		assert.Equal(t, "reject", params.Recommendation)
	})

	t.Run("unusable parameters are reported", func(t *testing.T) {
		p := n.normalize(evt, `{"action":"scale shards","confidence":95,"parameters":{"direction":"down","count":0}}`)
		require.Equal(t, decision.ScaleShards, p.Type)
		assert.Nil(t, p.Parameters)
		assert.NotEmpty(t, p.ParamError)
	})
}
