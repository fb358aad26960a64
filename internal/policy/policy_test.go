package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rhyanvargas/8p3p-control-layer-sub000/internal/model"
)

const reinforcePolicy = `{
	"policy_id": "test-policy",
	"policy_version": "2.0.0",
	"rules": [
		{
			"rule_id": "rule-reinforce",
			"condition": {
				"all": [
					{"field": "stabilityScore", "operator": "lt", "value": 0.7},
					{"field": "timeSinceReinforcement", "operator": "gt", "value": 86400}
				]
			},
			"decision_type": "reinforce"
		}
	],
	"default_decision_type": "reinforce"
}`

func TestParseValid(t *testing.T) {
	def, err := Parse([]byte(reinforcePolicy))
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", def.PolicyVersion)
	require.Len(t, def.Rules, 1)
	assert.Len(t, def.Rules[0].Condition.All, 2)
}

func TestParseRejections(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"malformed json", `{`},
		{"bad semver", `{"policy_id":"p","policy_version":"v2","rules":[],"default_decision_type":"reinforce"}`},
		{"partial semver", `{"policy_id":"p","policy_version":"2.0","rules":[],"default_decision_type":"reinforce"}`},
		{"unknown default decision type", `{"policy_id":"p","policy_version":"1.0.0","rules":[],"default_decision_type":"celebrate"}`},
		{"unknown rule decision type", `{"policy_id":"p","policy_version":"1.0.0","rules":[
			{"rule_id":"r1","condition":{"field":"x","operator":"eq","value":1},"decision_type":"celebrate"}
		],"default_decision_type":"reinforce"}`},
		{"duplicate rule ids", `{"policy_id":"p","policy_version":"1.0.0","rules":[
			{"rule_id":"r1","condition":{"field":"x","operator":"eq","value":1},"decision_type":"advance"},
			{"rule_id":"r1","condition":{"field":"y","operator":"eq","value":2},"decision_type":"pause"}
		],"default_decision_type":"reinforce"}`},
		{"unknown operator", `{"policy_id":"p","policy_version":"1.0.0","rules":[
			{"rule_id":"r1","condition":{"field":"x","operator":"contains","value":1},"decision_type":"advance"}
		],"default_decision_type":"reinforce"}`},
		{"single-child all", `{"policy_id":"p","policy_version":"1.0.0","rules":[
			{"rule_id":"r1","condition":{"all":[{"field":"x","operator":"eq","value":1}]},"decision_type":"advance"}
		],"default_decision_type":"reinforce"}`},
		{"mixed leaf and compound", `{"policy_id":"p","policy_version":"1.0.0","rules":[
			{"rule_id":"r1","condition":{"field":"x","operator":"eq","value":1,"all":[
				{"field":"a","operator":"eq","value":1},{"field":"b","operator":"eq","value":2}
			]},"decision_type":"advance"}
		],"default_decision_type":"reinforce"}`},
		{"empty condition", `{"policy_id":"p","policy_version":"1.0.0","rules":[
			{"rule_id":"r1","condition":{},"decision_type":"advance"}
		],"default_decision_type":"reinforce"}`},
		{"object leaf value", `{"policy_id":"p","policy_version":"1.0.0","rules":[
			{"rule_id":"r1","condition":{"field":"x","operator":"eq","value":{"a":1}},"decision_type":"advance"}
		],"default_decision_type":"reinforce"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.raw))
			assert.Error(t, err)
		})
	}
}

func TestParseAllowsPreReleaseVersion(t *testing.T) {
	_, err := Parse([]byte(`{"policy_id":"p","policy_version":"1.0.0-beta.1+build7","rules":[],"default_decision_type":"recommend"}`))
	assert.NoError(t, err)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.json")
	require.NoError(t, os.WriteFile(path, []byte(reinforcePolicy), 0o600))

	def, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "test-policy", def.PolicyID)

	_, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestEvaluateFirstMatchWins(t *testing.T) {
	def, err := Parse([]byte(reinforcePolicy))
	require.NoError(t, err)

	ev := def.Evaluate(map[string]any{"stabilityScore": 0.28, "timeSinceReinforcement": 90000.0})
	assert.Equal(t, model.DecisionReinforce, ev.DecisionType)
	require.NotNil(t, ev.MatchedRuleID)
	assert.Equal(t, "rule-reinforce", *ev.MatchedRuleID)
}

func TestEvaluateDefaultPath(t *testing.T) {
	def, err := Parse([]byte(reinforcePolicy))
	require.NoError(t, err)

	// First conjunct false: falls through to the default with no rule id.
	ev := def.Evaluate(map[string]any{"stabilityScore": 0.78, "timeSinceReinforcement": 172800.0})
	assert.Equal(t, model.DecisionReinforce, ev.DecisionType)
	assert.Nil(t, ev.MatchedRuleID)
}

func TestEvaluateNestedCompound(t *testing.T) {
	def, err := Parse([]byte(`{
		"policy_id": "p",
		"policy_version": "1.0.0",
		"rules": [
			{
				"rule_id": "rule-escalate",
				"condition": {
					"all": [
						{"field": "confidenceInterval", "operator": "lt", "value": 0.3},
						{"any": [
							{"field": "stabilityScore", "operator": "lt", "value": 0.3},
							{"field": "riskSignal", "operator": "gt", "value": 0.8}
						]}
					]
				},
				"decision_type": "escalate"
			}
		],
		"default_decision_type": "recommend"
	}`))
	require.NoError(t, err)

	ev := def.Evaluate(map[string]any{"confidenceInterval": 0.2, "stabilityScore": 0.2, "riskSignal": 0.9})
	assert.Equal(t, model.DecisionEscalate, ev.DecisionType)
	require.NotNil(t, ev.MatchedRuleID)
	assert.Equal(t, "rule-escalate", *ev.MatchedRuleID)

	ev = def.Evaluate(map[string]any{"confidenceInterval": 0.2, "stabilityScore": 0.5, "riskSignal": 0.1})
	assert.Equal(t, model.DecisionRecommend, ev.DecisionType)
	assert.Nil(t, ev.MatchedRuleID)
}

func TestEvalLeafSemantics(t *testing.T) {
	tests := []struct {
		name  string
		state map[string]any
		node  ConditionNode
		want  bool
	}{
		{"absent field eq", map[string]any{}, ConditionNode{Field: "x", Operator: OpEq, Value: 1.0}, false},
		{"absent field neq", map[string]any{}, ConditionNode{Field: "x", Operator: OpNeq, Value: 1.0}, false},
		{"eq string", map[string]any{"x": "a"}, ConditionNode{Field: "x", Operator: OpEq, Value: "a"}, true},
		{"eq no coercion string number", map[string]any{"x": "1"}, ConditionNode{Field: "x", Operator: OpEq, Value: 1.0}, false},
		{"eq no coercion bool number", map[string]any{"x": true}, ConditionNode{Field: "x", Operator: OpEq, Value: 1.0}, false},
		{"neq different string", map[string]any{"x": "a"}, ConditionNode{Field: "x", Operator: OpNeq, Value: "b"}, true},
		{"gt true", map[string]any{"x": 2.0}, ConditionNode{Field: "x", Operator: OpGt, Value: 1.0}, true},
		{"gt non-numeric side", map[string]any{"x": "2"}, ConditionNode{Field: "x", Operator: OpGt, Value: 1.0}, false},
		{"gte boundary", map[string]any{"x": 1.0}, ConditionNode{Field: "x", Operator: OpGte, Value: 1.0}, true},
		{"lt boundary", map[string]any{"x": 1.0}, ConditionNode{Field: "x", Operator: OpLt, Value: 1.0}, false},
		{"lte true", map[string]any{"x": 0.5}, ConditionNode{Field: "x", Operator: OpLte, Value: 0.5}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, evalLeaf(tt.state, tt.node))
		})
	}
}
