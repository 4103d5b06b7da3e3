package util

import (
	"slices"
	"strings"
)

// ParseScope splits a space-delimited scope parameter (RFC 6749 Section 3.3).
// Empty entries and duplicates are dropped; the first occurrence keeps its position.
// An empty input yields nil.
func ParseScope(scope string) []string {
	fields := strings.Fields(scope)
	if len(fields) == 0 {
		return nil
	}

	out := fields[:0]
	seen := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

// FormatScope joins scopes into the space-delimited wire form
func FormatScope(scopes []string) string {
	return strings.Join(scopes, " ")
}

// ContainsScope reports whether scope is present in scopes
func ContainsScope(scopes []string, scope string) bool {
	return slices.Contains(scopes, scope)
}

// IsSubset reports whether every entry of requested appears in granted.
// An empty requested set is always a subset.
func IsSubset(requested, granted []string) bool {
	for _, s := range requested {
		if !slices.Contains(granted, s) {
			return false
		}
	}
	return true
}

// MissingScopes returns the entries of requested that are absent from allowed
func MissingScopes(requested, allowed []string) []string {
	var missing []string
	for _, s := range requested {
		if !slices.Contains(allowed, s) {
			missing = append(missing, s)
		}
	}
	return missing
}
