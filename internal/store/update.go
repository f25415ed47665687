package store

import "strings"

// Apply mutates doc in place according to update. Unknown $-operators are
// ignored; bare keys act as $set.
func Apply(doc Doc, update Update) {
	for key, arg := range update {
		switch key {
		case "$set":
			if fields, ok := arg.(map[string]interface{}); ok {
				for f, v := range fields {
					doc[f] = v
				}
			}
		case "$inc":
			if fields, ok := arg.(map[string]interface{}); ok {
				for f, v := range fields {
					delta, _ := toFloat(v)
					cur, _ := toFloat(doc[f])
					doc[f] = cur + delta
				}
			}
		case "$push":
			if fields, ok := arg.(map[string]interface{}); ok {
				for f, v := range fields {
					doc[f] = append(asSlice(doc[f]), v)
				}
			}
		case "$addToSet":
			if fields, ok := arg.(map[string]interface{}); ok {
				for f, v := range fields {
					cur := asSlice(doc[f])
					found := false
					for _, item := range cur {
						if valuesEqual(item, v) {
							found = true
							break
						}
					}
					if !found {
						doc[f] = append(cur, v)
					}
				}
			}
		default:
			if !strings.HasPrefix(key, "$") {
				doc[key] = arg
			}
		}
	}
}

func asSlice(v interface{}) []interface{} {
	if v == nil {
		return nil
	}
	if s, ok := v.([]interface{}); ok {
		return s
	}
	return []interface{}{v}
}
