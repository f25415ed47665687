package store

import (
	"strings"
)

// Matches evaluates filter against doc. Shared by the memory backend and
// the Postgres backend's client-side residual filtering.
func Matches(doc Doc, filter Filter) bool {
	for key, want := range filter {
		if key == "$or" {
			if !matchOr(doc, want) {
				return false
			}
			continue
		}
		got, present := lookup(doc, key)
		if ops, ok := want.(map[string]interface{}); ok && hasOperator(ops) {
			if !matchOps(got, present, ops) {
				return false
			}
			continue
		}
		if !present || !valuesEqual(got, want) {
			return false
		}
	}
	return true
}

func matchOr(doc Doc, clause interface{}) bool {
	var branches []Filter
	switch v := clause.(type) {
	case []Filter:
		branches = v
	case []interface{}:
		for _, b := range v {
			if f, ok := b.(map[string]interface{}); ok {
				branches = append(branches, f)
			}
		}
	}
	for _, b := range branches {
		if Matches(doc, b) {
			return true
		}
	}
	return false
}

func hasOperator(m map[string]interface{}) bool {
	for k := range m {
		if strings.HasPrefix(k, "$") {
			return true
		}
	}
	return false
}

func matchOps(got interface{}, present bool, ops map[string]interface{}) bool {
	for op, arg := range ops {
		switch op {
		case "$exists":
			want, _ := arg.(bool)
			if present != want {
				return false
			}
		case "$ne":
			if present && valuesEqual(got, arg) {
				return false
			}
		case "$in":
			if !present || !containsValue(arg, got) {
				return false
			}
		case "$nin":
			if present && containsValue(arg, got) {
				return false
			}
		case "$lt":
			if !present || Compare(got, arg) >= 0 {
				return false
			}
		case "$lte":
			if !present || Compare(got, arg) > 0 {
				return false
			}
		case "$gt":
			if !present || Compare(got, arg) <= 0 {
				return false
			}
		case "$gte":
			if !present || Compare(got, arg) < 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// lookup resolves a possibly dotted path ("players.user_id" is not
// supported; only single-level dots into nested maps are).
func lookup(doc Doc, key string) (interface{}, bool) {
	if !strings.Contains(key, ".") {
		v, ok := doc[key]
		return v, ok
	}
	parts := strings.SplitN(key, ".", 2)
	nested, ok := doc[parts[0]].(map[string]interface{})
	if !ok {
		return nil, false
	}
	return lookup(nested, parts[1])
}

func containsValue(list interface{}, v interface{}) bool {
	items, ok := list.([]interface{})
	if !ok {
		if ss, ok := list.([]string); ok {
			for _, s := range ss {
				items = append(items, s)
			}
		} else {
			return false
		}
	}
	for _, item := range items {
		if valuesEqual(item, v) {
			return true
		}
	}
	return false
}

func valuesEqual(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	af, aNum := toFloat(a)
	bf, bNum := toFloat(b)
	if aNum && bNum {
		return af == bf
	}
	as, aStr := a.(string)
	bs, bStr := b.(string)
	if aStr && bStr {
		return as == bs
	}
	ab, aBool := a.(bool)
	bb, bBool := b.(bool)
	if aBool && bBool {
		return ab == bb
	}
	return false
}

// Compare orders two scalar values: numbers numerically, strings
// lexicographically (RFC3339 timestamps order correctly this way).
// Returns -1, 0 or 1; incomparable pairs compare as equal.
func Compare(a, b interface{}) int {
	af, aNum := toFloat(a)
	bf, bNum := toFloat(b)
	if aNum && bNum {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	as, aStr := a.(string)
	bs, bStr := b.(string)
	if aStr && bStr {
		return strings.Compare(as, bs)
	}
	return 0
}

func toFloat(v interface{}) (float64, bool) {
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
	}
	return 0, false
}
