package models

import (
	"fmt"
	"strings"
)

// Condition operators. Rules store conditions as data, evaluated by a
// small interpreter, never as executable code.
const (
	OpEQ       = "eq"
	OpNEQ      = "neq"
	OpGT       = "gt"
	OpGTE      = "gte"
	OpLT       = "lt"
	OpLTE      = "lte"
	OpIn       = "in"
	OpContains = "contains"
)

// Condition is a single field predicate. Conditions within a rule are
// AND-combined.
type Condition struct {
	Field    string      `json:"field"`
	Operator string      `json:"operator"`
	Value    interface{} `json:"value"`
}

// Validate checks the condition is well formed.
func (c Condition) Validate() error {
	if c.Field == "" {
		return fmt.Errorf("condition field is required")
	}
	switch c.Operator {
	case OpEQ, OpNEQ, OpGT, OpGTE, OpLT, OpLTE, OpContains:
	case OpIn:
		if _, ok := c.Value.([]interface{}); !ok {
			return fmt.Errorf("condition %q: operator %q requires a list value", c.Field, c.Operator)
		}
	default:
		return fmt.Errorf("condition %q: unknown operator %q", c.Field, c.Operator)
	}
	return nil
}

// Matches evaluates the condition against an event. A missing field never
// matches. Malformed comparisons report an error so the caller can skip
// the owning rule.
func (c Condition) Matches(e NotificationEvent) (bool, error) {
	if err := c.Validate(); err != nil {
		return false, err
	}
	actual, ok := e.Field(c.Field)
	if !ok {
		return false, nil
	}

	switch c.Operator {
	case OpEQ:
		return looseEqual(actual, c.Value), nil
	case OpNEQ:
		return !looseEqual(actual, c.Value), nil
	case OpIn:
		for _, v := range c.Value.([]interface{}) {
			if looseEqual(actual, v) {
				return true, nil
			}
		}
		return false, nil
	case OpContains:
		s, ok1 := actual.(string)
		sub, ok2 := c.Value.(string)
		if !ok1 || !ok2 {
			return false, fmt.Errorf("condition %q: contains requires string operands", c.Field)
		}
		return strings.Contains(s, sub), nil
	}

	// Ordering operators. Priorities compare by rank so that
	// priority gte "high" works as expected.
	if c.Field == "priority" {
		av, ok1 := priorityRank[fmt.Sprintf("%v", actual)]
		bv, ok2 := priorityRank[fmt.Sprintf("%v", c.Value)]
		if !ok1 || !ok2 {
			return false, fmt.Errorf("condition %q: cannot order priority %v against %v", c.Field, actual, c.Value)
		}
		return compareInts(c.Operator, av, bv), nil
	}

	af, ok1 := toFloat(actual)
	bf, ok2 := toFloat(c.Value)
	if !ok1 || !ok2 {
		return false, fmt.Errorf("condition %q: operator %q requires numeric operands", c.Field, c.Operator)
	}
	switch c.Operator {
	case OpGT:
		return af > bf, nil
	case OpGTE:
		return af >= bf, nil
	case OpLT:
		return af < bf, nil
	case OpLTE:
		return af <= bf, nil
	}
	return false, nil
}

func compareInts(op string, a, b int) bool {
	switch op {
	case OpGT:
		return a > b
	case OpGTE:
		return a >= b
	case OpLT:
		return a < b
	case OpLTE:
		return a <= b
	}
	return false
}

// looseEqual compares values across the numeric types JSON decoding
// produces (int64 from the store, float64 from request bodies).
func looseEqual(a, b interface{}) bool {
	if af, ok1 := toFloat(a); ok1 {
		if bf, ok2 := toFloat(b); ok2 {
			return af == bf
		}
		return false
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
