package mcp

import (
	"regexp"
	"strings"
)

// sanitizeRe matches characters that are not lowercase alphanumeric or underscore.
var sanitizeRe = regexp.MustCompile(`[^a-z0-9_]`)

// MatchTool finds the registry tool whose name matches the requested
// name ignoring case, whitespace, and punctuation. The model sometimes
// drifts from the registry's exact identifier ("Book Flight" for
// "bookflight"); canonical comparison recovers those without a failed
// round trip to the server. Returns false when nothing matches.
func MatchTool(tools []ToolDefinition, requested string) (ToolDefinition, bool) {
	// Exact match first; canonical match can be ambiguous in theory.
	for _, td := range tools {
		if td.Name == requested {
			return td, true
		}
	}

	want := CanonicalName(requested)
	for _, td := range tools {
		if CanonicalName(td.Name) == want {
			return td, true
		}
	}
	return ToolDefinition{}, false
}

// CanonicalName lowercases a tool name and strips whitespace and
// punctuation, so "Book Flight", "book_flight", and "bookflight" all
// compare equal.
func CanonicalName(name string) string {
	s := strings.ToLower(name)
	s = strings.ReplaceAll(s, "-", "_")
	s = sanitizeRe.ReplaceAllString(s, "_")
	return strings.ReplaceAll(s, "_", "")
}

// FilterTools applies include/exclude lists to a tool catalog:
//   - If include is non-empty, only tools whose names appear in it survive.
//   - Otherwise, tools whose names appear in exclude are dropped.
//   - If both are empty, the catalog passes through unchanged.
func FilterTools(tools []ToolDefinition, include, exclude []string) []ToolDefinition {
	includeSet := toSet(include)
	excludeSet := toSet(exclude)

	var out []ToolDefinition
	for _, td := range tools {
		if len(includeSet) > 0 {
			if !includeSet[td.Name] {
				continue
			}
		} else if excludeSet[td.Name] {
			continue
		}
		out = append(out, td)
	}
	return out
}

// toSet converts a string slice to a set for O(1) lookups.
func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	m := make(map[string]bool, len(items))
	for _, item := range items {
		m[item] = true
	}
	return m
}
