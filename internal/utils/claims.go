package utils

import "strings"

// ClaimStrings reads a JWT claim that providers emit either as a single string or as an
// array. Blank and non-string entries are dropped.
func ClaimStrings(v any) []string {
	var out []string
	add := func(s string) {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	switch vals := v.(type) {
	case string:
		add(vals)
	case []string:
		for _, s := range vals {
			add(s)
		}
	case []any:
		for _, item := range vals {
			if s, ok := item.(string); ok {
				add(s)
			}
		}
	}
	return out
}
