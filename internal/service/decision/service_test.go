package decision

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rhyanvargas/8p3p-control-layer-sub000/internal/model"
	"github.com/rhyanvargas/8p3p-control-layer-sub000/internal/policy"
	"github.com/rhyanvargas/8p3p-control-layer-sub000/internal/service/state"
	"github.com/rhyanvargas/8p3p-control-layer-sub000/internal/storage"
	"github.com/rhyanvargas/8p3p-control-layer-sub000/internal/testutil"
)

const testPolicy = `{
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

type capturePublisher struct {
	mu        sync.Mutex
	published []model.Decision
}

func (p *capturePublisher) PublishDecision(_ string, dec model.Decision) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, dec)
}

type fixture struct {
	stores    *storage.Stores
	states    *state.Service
	svc       *Service
	publisher *capturePublisher
}

func newFixture(t *testing.T) *fixture {
	def, err := policy.Parse([]byte(testPolicy))
	require.NoError(t, err)

	stores := testutil.OpenStores(t)
	states := state.New(stores.SignalLog, stores.State, testutil.Logger())
	publisher := &capturePublisher{}
	return &fixture{
		stores:    stores,
		states:    states,
		svc:       New(states, stores.Decisions, def, publisher, testutil.Logger()),
		publisher: publisher,
	}
}

// seedState appends one signal and applies it, returning the new head.
func (f *fixture) seedState(t *testing.T, payload string) *model.LearnerState {
	t.Helper()
	ctx := context.Background()
	now := time.Date(2026, 1, 30, 10, 0, 0, 0, time.UTC)
	_, err := f.stores.SignalLog.Append(ctx, model.SignalEnvelope{
		OrgID:            "org-A",
		SignalID:         "sig-1",
		SourceSystem:     "lms-adapter",
		LearnerReference: "learner-1",
		Timestamp:        "2026-01-30T10:00:00Z",
		SchemaVersion:    "v1",
		Payload:          json.RawMessage(payload),
	}, now)
	require.NoError(t, err)

	outcome, err := f.states.ApplySignals(ctx, model.ApplySignalsRequest{
		OrgID:            "org-A",
		LearnerReference: "learner-1",
		SignalIDs:        []string{"sig-1"},
		RequestedAt:      now,
	})
	require.NoError(t, err)
	require.True(t, outcome.OK)

	head, err := f.states.CurrentState(ctx, "org-A", "learner-1")
	require.NoError(t, err)
	require.NotNil(t, head)
	return head
}

func (f *fixture) evaluate(t *testing.T, head *model.LearnerState) model.EvaluateOutcome {
	t.Helper()
	outcome, err := f.svc.EvaluateState(context.Background(), model.EvaluateStateRequest{
		OrgID:            "org-A",
		LearnerReference: "learner-1",
		StateID:          head.StateID,
		StateVersion:     head.StateVersion,
		RequestedAt:      time.Now().UTC(),
	})
	require.NoError(t, err)
	return outcome
}

func TestEvaluateStateRuleFires(t *testing.T) {
	f := newFixture(t)
	head := f.seedState(t, `{"stabilityScore":0.28,"timeSinceReinforcement":90000}`)

	outcome := f.evaluate(t, head)
	require.True(t, outcome.OK)
	dec := outcome.Result
	assert.Equal(t, model.DecisionReinforce, dec.DecisionType)
	require.NotNil(t, dec.Trace.MatchedRuleID)
	assert.Equal(t, "rule-reinforce", *dec.Trace.MatchedRuleID)
	assert.Equal(t, "2.0.0", dec.Trace.PolicyVersion)
	assert.Equal(t, int64(1), dec.Trace.StateVersion)
	assert.Equal(t, "org-A:learner-1:v1", dec.Trace.StateID)
	assert.JSONEq(t, `{}`, string(dec.DecisionContext))

	// Persisted and published.
	stored, err := f.stores.Decisions.GetByID(context.Background(), "org-A", dec.DecisionID)
	require.NoError(t, err)
	assert.Equal(t, dec.DecisionID, stored.DecisionID)
	require.Len(t, f.publisher.published, 1)
	assert.Equal(t, dec.DecisionID, f.publisher.published[0].DecisionID)
}

func TestEvaluateStateDefaultPath(t *testing.T) {
	f := newFixture(t)
	head := f.seedState(t, `{"stabilityScore":0.78,"timeSinceReinforcement":172800}`)

	outcome := f.evaluate(t, head)
	require.True(t, outcome.OK)
	assert.Equal(t, model.DecisionReinforce, outcome.Result.DecisionType)
	assert.Nil(t, outcome.Result.Trace.MatchedRuleID)
}

func TestEvaluateStateDeterministic(t *testing.T) {
	f := newFixture(t)
	head := f.seedState(t, `{"stabilityScore":0.28,"timeSinceReinforcement":90000}`)

	first := f.evaluate(t, head)
	second := f.evaluate(t, head)
	require.True(t, first.OK)
	require.True(t, second.OK)
	assert.Equal(t, first.Result.DecisionType, second.Result.DecisionType)
	assert.Equal(t, *first.Result.Trace.MatchedRuleID, *second.Result.Trace.MatchedRuleID)
	assert.NotEqual(t, first.Result.DecisionID, second.Result.DecisionID, "each evaluation is a distinct decision")
}

func TestEvaluateStateNotFound(t *testing.T) {
	f := newFixture(t)
	outcome, err := f.svc.EvaluateState(context.Background(), model.EvaluateStateRequest{
		OrgID:            "org-A",
		LearnerReference: "learner-1",
		StateID:          "org-A:learner-1:v1",
		StateVersion:     1,
	})
	require.NoError(t, err)
	require.False(t, outcome.OK)
	assert.Equal(t, model.ErrCodeStateNotFound, outcome.Errors[0].Code)
}

func TestEvaluateStateStalenessGuard(t *testing.T) {
	f := newFixture(t)
	head := f.seedState(t, `{"stabilityScore":0.28,"timeSinceReinforcement":90000}`)

	outcome, err := f.svc.EvaluateState(context.Background(), model.EvaluateStateRequest{
		OrgID:            "org-A",
		LearnerReference: "learner-1",
		StateID:          head.StateID,
		StateVersion:     head.StateVersion + 1,
	})
	require.NoError(t, err)
	require.False(t, outcome.OK)
	assert.Equal(t, model.ErrCodeTraceStateMismatch, outcome.Errors[0].Code)
}

func TestEvaluateStateMissingPolicy(t *testing.T) {
	stores := testutil.OpenStores(t)
	states := state.New(stores.SignalLog, stores.State, testutil.Logger())
	svc := New(states, stores.Decisions, nil, nil, testutil.Logger())

	f := &fixture{stores: stores, states: states, svc: svc, publisher: &capturePublisher{}}
	head := f.seedState(t, `{"a":1}`)

	outcome, err := svc.EvaluateState(context.Background(), model.EvaluateStateRequest{
		OrgID:            "org-A",
		LearnerReference: "learner-1",
		StateID:          head.StateID,
		StateVersion:     head.StateVersion,
	})
	require.NoError(t, err)
	require.False(t, outcome.OK)
	assert.Equal(t, model.ErrCodePolicyNotFound, outcome.Errors[0].Code)
}

func TestEvaluateStateIgnoresEvaluationContext(t *testing.T) {
	f := newFixture(t)
	head := f.seedState(t, `{"stabilityScore":0.28,"timeSinceReinforcement":90000}`)

	outcome, err := f.svc.EvaluateState(context.Background(), model.EvaluateStateRequest{
		OrgID:             "org-A",
		LearnerReference:  "learner-1",
		StateID:           head.StateID,
		StateVersion:      head.StateVersion,
		EvaluationContext: map[string]any{"stabilityScore": 0.99, "hint": "ignored"},
	})
	require.NoError(t, err)
	require.True(t, outcome.OK)
	assert.Equal(t, model.DecisionReinforce, outcome.Result.DecisionType)
	require.NotNil(t, outcome.Result.Trace.MatchedRuleID, "context must not alter evaluation")
	assert.JSONEq(t, `{}`, string(outcome.Result.DecisionContext), "context is never persisted")
}

func TestEvaluateStateValidation(t *testing.T) {
	f := newFixture(t)
	outcome, err := f.svc.EvaluateState(context.Background(), model.EvaluateStateRequest{})
	require.NoError(t, err)
	require.False(t, outcome.OK)
	require.Len(t, outcome.Errors, 3)
	assert.Equal(t, model.ErrCodeOrgScopeRequired, outcome.Errors[0].Code)
}
