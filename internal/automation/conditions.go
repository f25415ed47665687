package automation

import (
	"fmt"
	"strings"
)

// Condition operators. Validator and evaluator share this one table so
// the two can never drift apart.
const (
	OpEq         = "eq"
	OpNeq        = "neq"
	OpGt         = "gt"
	OpGte        = "gte"
	OpLt         = "lt"
	OpLte        = "lte"
	OpIn         = "in"
	OpNotIn      = "not_in"
	OpExists     = "exists"
	OpNotExists  = "not_exists"
	OpContains   = "contains"
	OpStartsWith = "starts_with"
	OpBetween    = "between"
	OpAnyOf      = "any_of"
)

type opSpec struct {
	needsArray  bool // value must be an array
	needsString bool // value must be a string
	needsRange  bool // value must be a two-element [min, max]
	noValue     bool // value field is forbidden
}

var operators = map[string]opSpec{
	OpEq:         {},
	OpNeq:        {},
	OpGt:         {},
	OpGte:        {},
	OpLt:         {},
	OpLte:        {},
	OpIn:         {needsArray: true},
	OpNotIn:      {needsArray: true},
	OpExists:     {noValue: true},
	OpNotExists:  {noValue: true},
	OpContains:   {needsString: true},
	OpStartsWith: {needsString: true},
	OpBetween:    {needsRange: true},
	OpAnyOf:      {needsArray: true},
}

// ValidateConditions checks shape only: every field maps to
// {"op": <operator>, "value": <v>} (or a bare scalar, shorthand for eq).
func ValidateConditions(conditions map[string]interface{}) error {
	for field, raw := range conditions {
		spec, ok := raw.(map[string]interface{})
		if !ok {
			// Bare scalar shorthand for equality.
			continue
		}
		op, _ := spec["op"].(string)
		def, known := operators[op]
		if !known {
			return fmt.Errorf("condition %q: unknown operator %q", field, op)
		}
		value, hasValue := spec["value"]
		if def.noValue {
			if hasValue {
				return fmt.Errorf("condition %q: operator %q takes no value", field, op)
			}
			continue
		}
		if !hasValue {
			return fmt.Errorf("condition %q: operator %q requires a value", field, op)
		}
		if def.needsArray {
			if _, ok := value.([]interface{}); !ok {
				return fmt.Errorf("condition %q: operator %q requires an array value", field, op)
			}
		}
		if def.needsString {
			if _, ok := value.(string); !ok {
				return fmt.Errorf("condition %q: operator %q requires a string value", field, op)
			}
		}
		if def.needsRange {
			arr, ok := value.([]interface{})
			if !ok || len(arr) != 2 {
				return fmt.Errorf("condition %q: operator %q requires a two-element [min, max]", field, op)
			}
		}
	}
	return nil
}

// EvaluateConditions tests every condition against the payload. All
// conditions must hold; a missing payload field makes its condition
// false (except not_exists).
func EvaluateConditions(conditions map[string]interface{}, payload map[string]interface{}) bool {
	for field, raw := range conditions {
		spec, ok := raw.(map[string]interface{})
		if !ok {
			// Bare scalar shorthand.
			actual, present := payload[field]
			if !present || !looseEqual(actual, raw) {
				return false
			}
			continue
		}
		op, _ := spec["op"].(string)
		if !evalOne(op, spec["value"], payload, field) {
			return false
		}
	}
	return true
}

func evalOne(op string, expected interface{}, payload map[string]interface{}, field string) bool {
	actual, present := payload[field]

	switch op {
	case OpExists:
		return present
	case OpNotExists:
		return !present
	}
	if !present {
		return false
	}

	switch op {
	case OpEq:
		return looseEqual(actual, expected)
	case OpNeq:
		return !looseEqual(actual, expected)
	case OpGt, OpGte, OpLt, OpLte:
		a, aok := asNumber(actual)
		b, bok := asNumber(expected)
		if !aok || !bok {
			return false
		}
		switch op {
		case OpGt:
			return a > b
		case OpGte:
			return a >= b
		case OpLt:
			return a < b
		default:
			return a <= b
		}
	case OpIn, OpAnyOf:
		arr, ok := expected.([]interface{})
		if !ok {
			return false
		}
		for _, item := range arr {
			if looseEqual(actual, item) {
				return true
			}
		}
		return false
	case OpNotIn:
		arr, ok := expected.([]interface{})
		if !ok {
			return false
		}
		for _, item := range arr {
			if looseEqual(actual, item) {
				return false
			}
		}
		return true
	case OpContains:
		s, sok := actual.(string)
		sub, bok := expected.(string)
		return sok && bok && strings.Contains(s, sub)
	case OpStartsWith:
		s, sok := actual.(string)
		prefix, bok := expected.(string)
		return sok && bok && strings.HasPrefix(s, prefix)
	case OpBetween:
		arr, ok := expected.([]interface{})
		if !ok || len(arr) != 2 {
			return false
		}
		a, aok := asNumber(actual)
		lo, lok := asNumber(arr[0])
		hi, hok := asNumber(arr[1])
		return aok && lok && hok && a >= lo && a <= hi
	}
	return false
}

// looseEqual compares scalars with numeric coercion so 3 == 3.0.
func looseEqual(a, b interface{}) bool {
	if an, ok := asNumber(a); ok {
		if bn, ok := asNumber(b); ok {
			return an == bn
		}
		return false
	}
	return a == b
}

func asNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
