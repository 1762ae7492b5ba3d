package policy

import "strings"

// MatchPattern checks if a value matches a glob-like pattern.
// Supports: *x* (contains), *.ext (suffix), /prefix/* (prefix), exact match.
// Matching is case-insensitive.
func MatchPattern(pattern, value string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}

	lowerValue := strings.ToLower(value)
	lowerPattern := strings.ToLower(pattern)

	// *x*: contains
	if len(lowerPattern) > 1 && strings.HasPrefix(lowerPattern, "*") && strings.HasSuffix(lowerPattern, "*") {
		return strings.Contains(lowerValue, lowerPattern[1:len(lowerPattern)-1])
	}

	// *.ext: suffix
	if strings.HasPrefix(lowerPattern, "*") {
		return strings.HasSuffix(lowerValue, lowerPattern[1:])
	}

	// /prefix/*: prefix
	if strings.HasSuffix(lowerPattern, "*") {
		return strings.HasPrefix(lowerValue, lowerPattern[:len(lowerPattern)-1])
	}

	return lowerValue == lowerPattern
}

// MatchAny returns the first pattern that matches any non-empty value.
func MatchAny(patterns []string, values ...string) (string, bool) {
	for _, p := range patterns {
		for _, v := range values {
			if v == "" {
				continue
			}
			if MatchPattern(p, v) {
				return p, true
			}
		}
	}
	return "", false
}
