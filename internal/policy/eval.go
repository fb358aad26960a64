package policy

import "github.com/rhyanvargas/8p3p-control-layer-sub000/internal/model"

// Evaluation is the outcome of running a policy against a state map.
// MatchedRuleID is nil when no rule matched and the default fired.
type Evaluation struct {
	DecisionType  model.DecisionType
	MatchedRuleID *string
}

// Evaluate tries the rules in declared order and returns the first match,
// falling back to the policy default. Evaluation is pure: identical state
// and policy always produce the identical result.
func (d *Definition) Evaluate(state map[string]any) Evaluation {
	for i := range d.Rules {
		if evalNode(state, d.Rules[i].Condition) {
			ruleID := d.Rules[i].RuleID
			return Evaluation{DecisionType: d.Rules[i].DecisionType, MatchedRuleID: &ruleID}
		}
	}
	return Evaluation{DecisionType: d.DefaultDecisionType}
}

func evalNode(state map[string]any, n ConditionNode) bool {
	switch {
	case n.All != nil:
		for _, child := range n.All {
			if !evalNode(state, child) {
				return false
			}
		}
		return true
	case n.Any != nil:
		for _, child := range n.Any {
			if evalNode(state, child) {
				return true
			}
		}
		return false
	default:
		return evalLeaf(state, n)
	}
}

// evalLeaf applies a comparison. Absent fields never match, for every
// operator including neq. Equality is strict with no type coercion; the
// ordering operators are numeric only.
func evalLeaf(state map[string]any, n ConditionNode) bool {
	v, ok := state[n.Field]
	if !ok {
		return false
	}

	switch n.Operator {
	case OpEq:
		return strictEqual(v, n.Value)
	case OpNeq:
		return !strictEqual(v, n.Value)
	case OpGt, OpGte, OpLt, OpLte:
		a, aOK := asNumber(v)
		b, bOK := asNumber(n.Value)
		if !aOK || !bOK {
			return false
		}
		switch n.Operator {
		case OpGt:
			return a > b
		case OpGte:
			return a >= b
		case OpLt:
			return a < b
		default:
			return a <= b
		}
	default:
		return false
	}
}

func strictEqual(a, b any) bool {
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	default:
		an, aOK := asNumber(a)
		bn, bOK := asNumber(b)
		return aOK && bOK && an == bn
	}
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}
