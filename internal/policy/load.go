package policy

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/Masterminds/semver/v3"

	"github.com/rhyanvargas/8p3p-control-layer-sub000/internal/model"
)

// Load reads and validates the policy definition at path. Called once at
// process start; a failure here is fatal for the whole service.
func Load(path string) (*Definition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: read %s: %w", path, err)
	}
	def, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("policy: %s: %w", path, err)
	}
	return def, nil
}

// Parse decodes and validates a policy from raw JSON.
func Parse(raw []byte) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if err := def.validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

func (d *Definition) validate() error {
	if d.PolicyID == "" {
		return fmt.Errorf("policy_id is required")
	}
	if _, err := semver.StrictNewVersion(d.PolicyVersion); err != nil {
		return fmt.Errorf("%s: policy_version %q is not strict semver: %w",
			model.ErrCodeInvalidPolicyVersion, d.PolicyVersion, err)
	}
	if !model.ValidDecisionType(d.DefaultDecisionType) {
		return fmt.Errorf("%s: default_decision_type %q is not in the closed set",
			model.ErrCodeInvalidDecisionType, d.DefaultDecisionType)
	}

	seen := make(map[string]struct{}, len(d.Rules))
	for _, rule := range d.Rules {
		if rule.RuleID == "" {
			return fmt.Errorf("every rule requires a rule_id")
		}
		if _, dup := seen[rule.RuleID]; dup {
			return fmt.Errorf("duplicate rule_id %q", rule.RuleID)
		}
		seen[rule.RuleID] = struct{}{}

		if !model.ValidDecisionType(rule.DecisionType) {
			return fmt.Errorf("%s: rule %q: decision_type %q is not in the closed set",
				model.ErrCodeInvalidDecisionType, rule.RuleID, rule.DecisionType)
		}
		if err := validateNode(rule.Condition, rule.RuleID); err != nil {
			return err
		}
	}
	return nil
}
