// Package decision evaluates the loaded policy against a specific state
// version and persists the resulting immutable decision with its trace.
package decision

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rhyanvargas/8p3p-control-layer-sub000/internal/model"
	"github.com/rhyanvargas/8p3p-control-layer-sub000/internal/policy"
	"github.com/rhyanvargas/8p3p-control-layer-sub000/internal/semantic"
	"github.com/rhyanvargas/8p3p-control-layer-sub000/internal/service/state"
	"github.com/rhyanvargas/8p3p-control-layer-sub000/internal/storage"
)

// Publisher receives committed decisions for fanout to subscribers.
// Implementations must not block; delivery is best-effort.
type Publisher interface {
	PublishDecision(orgID string, dec model.Decision)
}

// Service is the decision engine. The policy is loaded once at startup and
// read-only afterwards, so every evaluation of the same (state, policy)
// coordinates yields the same decision_type and matched_rule_id.
type Service struct {
	states    *state.Service
	store     *storage.DecisionStore
	policy    *policy.Definition
	publisher Publisher
	logger    *slog.Logger
}

// New creates the engine. publisher may be nil.
func New(states *state.Service, store *storage.DecisionStore, def *policy.Definition, publisher Publisher, logger *slog.Logger) *Service {
	return &Service{states: states, store: store, policy: def, publisher: publisher, logger: logger}
}

// EvaluateState runs the policy against the state identified by the request
// coordinates. The persisted head must still match (state_id, state_version)
// exactly; anything else is a staleness rejection, since a decision's trace
// must bind it to the precise snapshot it was computed from.
//
// Persistence happens only on an OK outcome. The error return is reserved
// for storage failures.
func (s *Service) EvaluateState(ctx context.Context, req model.EvaluateStateRequest) (model.EvaluateOutcome, error) {
	if errs := validateEvaluateRequest(req); len(errs) > 0 {
		return model.RejectEvaluate(errs...), nil
	}

	head, err := s.states.CurrentState(ctx, req.OrgID, req.LearnerReference)
	if err != nil {
		return model.EvaluateOutcome{}, fmt.Errorf("decision: read state: %w", err)
	}
	if head == nil {
		return model.RejectEvaluate(model.Detail(
			model.ErrCodeStateNotFound,
			"no state exists for this learner",
			"",
		)), nil
	}
	if head.StateID != req.StateID || head.StateVersion != req.StateVersion {
		return model.RejectEvaluate(model.Detail(
			model.ErrCodeTraceStateMismatch,
			fmt.Sprintf("requested %s@v%d but current state is %s@v%d",
				req.StateID, req.StateVersion, head.StateID, head.StateVersion),
			"",
		)), nil
	}

	if s.policy == nil {
		return model.RejectEvaluate(model.Detail(
			model.ErrCodePolicyNotFound,
			"no policy is loaded",
			"",
		)), nil
	}

	var stateMap map[string]any
	if err := json.Unmarshal(head.State, &stateMap); err != nil {
		return model.EvaluateOutcome{}, fmt.Errorf("decision: decode state: %w", err)
	}

	evaluation := s.policy.Evaluate(stateMap)

	// decision_context is an empty object in this version; the semantic gate
	// and shape check still run so a future non-empty context cannot bypass
	// them.
	decisionContext := json.RawMessage(`{}`)
	if hit, err := semantic.Scan(decisionContext, "decision_context"); err != nil {
		return model.EvaluateOutcome{}, err
	} else if hit != nil {
		return model.RejectEvaluate(model.Detail(
			model.ErrCodeForbiddenSemanticKey,
			fmt.Sprintf("forbidden key %q in decision context", hit.Key),
			hit.Path,
		)), nil
	}
	if !strings.HasPrefix(strings.TrimSpace(string(decisionContext)), "{") {
		return model.RejectEvaluate(model.Detail(
			model.ErrCodeDecisionContextNotObject,
			"decision_context must be a JSON object",
			"decision_context",
		)), nil
	}

	dec := model.Decision{
		OrgID:            req.OrgID,
		DecisionID:       uuid.New(),
		LearnerReference: req.LearnerReference,
		DecisionType:     evaluation.DecisionType,
		DecidedAt:        time.Now().UTC(),
		DecisionContext:  decisionContext,
		Trace: model.DecisionTrace{
			StateID:       head.StateID,
			StateVersion:  head.StateVersion,
			PolicyVersion: s.policy.PolicyVersion,
			MatchedRuleID: evaluation.MatchedRuleID,
		},
	}

	saved, err := s.store.Save(ctx, dec)
	if err != nil {
		return model.EvaluateOutcome{}, fmt.Errorf("decision: save: %w", err)
	}

	if s.publisher != nil {
		s.publisher.PublishDecision(saved.OrgID, saved)
	}

	return model.EvaluateOutcome{OK: true, Result: &saved}, nil
}

func validateEvaluateRequest(req model.EvaluateStateRequest) []model.ErrorDetail {
	var errs []model.ErrorDetail
	if strings.TrimSpace(req.OrgID) == "" {
		errs = append(errs, model.Detail(model.ErrCodeOrgScopeRequired, "org_id must be non-blank", "org_id"))
	}
	if strings.TrimSpace(req.LearnerReference) == "" {
		errs = append(errs, model.Detail(model.ErrCodeMissingRequiredField, "learner_reference must be non-blank", "learner_reference"))
	}
	if strings.TrimSpace(req.StateID) == "" {
		errs = append(errs, model.Detail(model.ErrCodeMissingRequiredField, "state_id must be non-blank", "state_id"))
	}
	return errs
}
