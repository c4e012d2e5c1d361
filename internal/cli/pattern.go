// Package cli holds helpers shared by keystonectl commands.
package cli

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrNoMatch is returned when a pattern selects no enrolled user.
var ErrNoMatch = errors.New("no enrolled user matches")

// IsPattern reports whether s contains glob characters.
func IsPattern(s string) bool {
	return strings.ContainsAny(s, "*?[")
}

// MatchUsers expands a glob pattern against enrolled user ids. A pattern
// without glob characters must name an enrolled user exactly. Matches keep
// the order of userIDs.
func MatchUsers(pattern string, userIDs []string) ([]string, error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}

	if !IsPattern(pattern) {
		for _, id := range userIDs {
			if id == pattern {
				return []string{pattern}, nil
			}
		}
		return nil, fmt.Errorf("%w: %s", ErrNoMatch, pattern)
	}

	var matches []string
	for _, id := range userIDs {
		// path.Match only fails on malformed patterns, checked above
		if ok, _ := path.Match(pattern, id); ok {
			matches = append(matches, id)
		}
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoMatch, pattern)
	}
	return matches, nil
}

// MatchAllUsers expands several patterns and returns unique ids in order
// of first match.
func MatchAllUsers(patterns []string, userIDs []string) ([]string, error) {
	seen := make(map[string]bool)
	var result []string
	for _, p := range patterns {
		matches, err := MatchUsers(p, userIDs)
		if err != nil {
			return nil, err
		}
		for _, id := range matches {
			if !seen[id] {
				seen[id] = true
				result = append(result, id)
			}
		}
	}
	return result, nil
}
