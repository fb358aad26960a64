// Package policy loads, validates, and evaluates versioned decision
// policies. A policy is parsed and validated exactly once at startup; after
// that the Definition is read-only and shared by every request.
package policy

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rhyanvargas/8p3p-control-layer-sub000/internal/model"
)

// Operator is a member of the closed comparison vocabulary for leaf nodes.
type Operator string

const (
	OpEq  Operator = "eq"
	OpNeq Operator = "neq"
	OpGt  Operator = "gt"
	OpGte Operator = "gte"
	OpLt  Operator = "lt"
	OpLte Operator = "lte"
)

var operators = map[Operator]struct{}{
	OpEq: {}, OpNeq: {}, OpGt: {}, OpGte: {}, OpLt: {}, OpLte: {},
}

// ConditionNode is exactly one of three variants: a leaf comparison
// (field/operator/value), an "all" conjunction, or an "any" disjunction.
// Mixed or empty nodes are rejected during unmarshaling.
type ConditionNode struct {
	Field    string
	Operator Operator
	Value    any
	All      []ConditionNode
	Any      []ConditionNode
}

// UnmarshalJSON enforces the one-variant rule at parse time so evaluation
// never has to re-check node shape.
func (n *ConditionNode) UnmarshalJSON(data []byte) error {
	var aux struct {
		Field    *string          `json:"field"`
		Operator *string          `json:"operator"`
		Value    *json.RawMessage `json:"value"`
		All      []ConditionNode  `json:"all"`
		Any      []ConditionNode  `json:"any"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	leaf := aux.Field != nil || aux.Operator != nil || aux.Value != nil
	variants := 0
	if leaf {
		variants++
	}
	if aux.All != nil {
		variants++
	}
	if aux.Any != nil {
		variants++
	}
	if variants != 1 {
		return errors.New("condition node must be exactly one of leaf, all, any")
	}

	if leaf {
		if aux.Field == nil || aux.Operator == nil || aux.Value == nil {
			return errors.New("leaf condition requires field, operator, and value")
		}
		var value any
		if err := json.Unmarshal(*aux.Value, &value); err != nil {
			return err
		}
		*n = ConditionNode{Field: *aux.Field, Operator: Operator(*aux.Operator), Value: value}
		return nil
	}
	*n = ConditionNode{All: aux.All, Any: aux.Any}
	return nil
}

// Rule maps a condition to a decision type. Rules are tried in declared
// order; the first match wins.
type Rule struct {
	RuleID       string             `json:"rule_id"`
	Condition    ConditionNode      `json:"condition"`
	DecisionType model.DecisionType `json:"decision_type"`
}

// Definition is a complete, versioned policy.
type Definition struct {
	PolicyID            string             `json:"policy_id"`
	PolicyVersion       string             `json:"policy_version"`
	Description         string             `json:"description,omitempty"`
	Rules               []Rule             `json:"rules"`
	DefaultDecisionType model.DecisionType `json:"default_decision_type"`
}

func validOperator(op Operator) bool {
	_, ok := operators[op]
	return ok
}

func validateNode(n ConditionNode, ruleID string) error {
	switch {
	case n.All != nil || n.Any != nil:
		children := n.All
		kind := "all"
		if n.Any != nil {
			children = n.Any
			kind = "any"
		}
		if len(children) < 2 {
			return fmt.Errorf("rule %q: %s node requires at least 2 children", ruleID, kind)
		}
		for _, child := range children {
			if err := validateNode(child, ruleID); err != nil {
				return err
			}
		}
		return nil
	default:
		if !validOperator(n.Operator) {
			return fmt.Errorf("rule %q: unknown operator %q", ruleID, n.Operator)
		}
		switch n.Value.(type) {
		case string, bool, float64:
			return nil
		default:
			return fmt.Errorf("rule %q: value must be a string, number, or boolean", ruleID)
		}
	}
}
