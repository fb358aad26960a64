package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DecisionType is a member of the closed decision vocabulary. Policies may
// only produce these values; anything else is rejected at policy load time.
type DecisionType string

const (
	DecisionReinforce DecisionType = "reinforce"
	DecisionAdvance   DecisionType = "advance"
	DecisionIntervene DecisionType = "intervene"
	DecisionPause     DecisionType = "pause"
	DecisionEscalate  DecisionType = "escalate"
	DecisionRecommend DecisionType = "recommend"
	DecisionReroute   DecisionType = "reroute"
)

var decisionTypes = map[DecisionType]struct{}{
	DecisionReinforce: {},
	DecisionAdvance:   {},
	DecisionIntervene: {},
	DecisionPause:     {},
	DecisionEscalate:  {},
	DecisionRecommend: {},
	DecisionReroute:   {},
}

// ValidDecisionType reports whether t belongs to the closed set.
func ValidDecisionType(t DecisionType) bool {
	_, ok := decisionTypes[t]
	return ok
}

// DecisionTrace binds a decision to the exact state version and policy that
// produced it. MatchedRuleID is nil when the policy default fired.
type DecisionTrace struct {
	StateID       string  `json:"state_id"`
	StateVersion  int64   `json:"state_version"`
	PolicyVersion string  `json:"policy_version"`
	MatchedRuleID *string `json:"matched_rule_id"`
}

// Decision is an immutable, fully traced decision record.
type Decision struct {
	OrgID            string          `json:"org_id"`
	DecisionID       uuid.UUID       `json:"decision_id"`
	LearnerReference string          `json:"learner_reference"`
	DecisionType     DecisionType    `json:"decision_type"`
	DecidedAt        time.Time       `json:"decided_at"`
	DecisionContext  json.RawMessage `json:"decision_context"`
	Trace            DecisionTrace   `json:"trace"`

	// Seq is the store's insertion counter, used for page tokens and
	// decided_at tie-breaks. Not exposed to clients.
	Seq int64 `json:"-"`
}

// EvaluateStateRequest asks the decision engine to evaluate the policy
// against a specific state version. EvaluationContext is accepted for
// forward compatibility but never persisted or consulted.
type EvaluateStateRequest struct {
	OrgID             string         `json:"org_id"`
	LearnerReference  string         `json:"learner_reference"`
	StateID           string         `json:"state_id"`
	StateVersion      int64          `json:"state_version"`
	RequestedAt       time.Time      `json:"requested_at"`
	EvaluationContext map[string]any `json:"evaluation_context,omitempty"`
}

// EvaluateOutcome is the discriminated result of a policy evaluation.
type EvaluateOutcome struct {
	OK     bool          `json:"ok"`
	Result *Decision     `json:"result,omitempty"`
	Errors []ErrorDetail `json:"errors,omitempty"`
}

// RejectEvaluate builds a failed EvaluateOutcome.
func RejectEvaluate(errs ...ErrorDetail) EvaluateOutcome {
	return EvaluateOutcome{OK: false, Errors: errs}
}

// GetDecisionsResponse is the paginated response for GET /v1/decisions.
type GetDecisionsResponse struct {
	Decisions     []Decision `json:"decisions"`
	NextPageToken *string    `json:"next_page_token"`
}
