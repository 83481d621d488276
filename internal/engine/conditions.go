package engine

import (
	"fmt"
	"strconv"
	"strings"

	"example.com/crmstack/services/automation/internal/models"
)

// ConditionTrace records the outcome of one condition for debugging and
// simulation.
type ConditionTrace struct {
	Field    string      `json:"field"`
	Operator string      `json:"operator"`
	Expected interface{} `json:"expected"`
	Actual   interface{} `json:"actual"`
	Passed   bool        `json:"passed"`
}

// EvaluateConditions applies a condition group to a flat data record. It never
// returns an error: any ambiguity (missing field, type mismatch) makes the
// affected condition false, so a bad rule fails closed instead of crashing the
// worker. AND short-circuits on the first false, OR on the first true.
func EvaluateConditions(group models.ConditionGroup, data map[string]interface{}) bool {
	if len(group.Conditions) == 0 {
		return false
	}

	or := strings.EqualFold(group.Operator, "OR")
	for _, cond := range group.Conditions {
		passed := evaluateCondition(cond, data)
		if or && passed {
			return true
		}
		if !or && !passed {
			return false
		}
	}
	return !or
}

// TraceConditions evaluates every condition without short-circuiting and
// returns the overall result plus a per-condition trace.
func TraceConditions(group models.ConditionGroup, data map[string]interface{}) (bool, []ConditionTrace) {
	traces := make([]ConditionTrace, 0, len(group.Conditions))
	or := strings.EqualFold(group.Operator, "OR")
	result := !or && len(group.Conditions) > 0

	for _, cond := range group.Conditions {
		passed := evaluateCondition(cond, data)
		traces = append(traces, ConditionTrace{
			Field:    cond.Field,
			Operator: cond.Operator,
			Expected: cond.Value,
			Actual:   data[cond.Field],
			Passed:   passed,
		})
		if or && passed {
			result = true
		}
		if !or && !passed {
			result = false
		}
	}
	return result, traces
}

func evaluateCondition(cond models.Condition, data map[string]interface{}) bool {
	actual, present := data[cond.Field]

	switch cond.Operator {
	case models.OpEquals:
		return valuesEqual(actual, cond.Value)
	case models.OpNotEquals:
		return !valuesEqual(actual, cond.Value)
	case models.OpContains:
		s, ok := asString(actual)
		if !ok {
			return false
		}
		sub, ok := asString(cond.Value)
		if !ok {
			return false
		}
		return strings.Contains(s, sub)
	case models.OpEmpty:
		return isEmpty(actual, present)
	case models.OpNotEmpty:
		return !isEmpty(actual, present)
	case models.OpGreaterThan:
		a, b, ok := bothNumeric(actual, cond.Value)
		return ok && a > b
	case models.OpLessThan:
		a, b, ok := bothNumeric(actual, cond.Value)
		return ok && a < b
	default:
		return false
	}
}

// valuesEqual compares numerically when both operands are numeric, otherwise
// after coercion to string.
func valuesEqual(a, b interface{}) bool {
	if an, bn, ok := bothNumeric(a, b); ok {
		return an == bn
	}
	return coerceString(a) == coerceString(b)
}

// isEmpty treats a missing field, nil, or an empty string as empty.
func isEmpty(v interface{}, present bool) bool {
	if !present || v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}

func bothNumeric(a, b interface{}) (float64, float64, bool) {
	an, ok := asNumber(a)
	if !ok {
		return 0, 0, false
	}
	bn, ok := asNumber(b)
	if !ok {
		return 0, 0, false
	}
	return an, bn, true
}

func asNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func asString(v interface{}) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case fmt.Stringer:
		return s.String(), true
	default:
		return "", false
	}
}

func coerceString(v interface{}) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
