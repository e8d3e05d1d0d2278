// Package cookieglob compiles the glob patterns used by the Request
// Rewriter's cookie filter (C2) into fast matchers.
package cookieglob

import (
	"fmt"

	"github.com/gobwas/glob"
)

// MatcherSet is a compiled set of glob patterns. A cookie name matches
// if it matches any pattern in the set.
type MatcherSet struct {
	globs []glob.Glob
}

// Compile builds a MatcherSet from glob patterns anchored on prefix/suffix
// (the "*" wildcard matches any run of characters, same as shell globs).
func Compile(patterns []string) (*MatcherSet, error) {
	ms := &MatcherSet{globs: make([]glob.Glob, 0, len(patterns))}
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("cookieglob: compile %q: %w", p, err)
		}
		ms.globs = append(ms.globs, g)
	}
	return ms, nil
}

// Match reports whether name matches any compiled pattern.
func (ms *MatcherSet) Match(name string) bool {
	if ms == nil {
		return false
	}
	for _, g := range ms.globs {
		if g.Match(name) {
			return true
		}
	}
	return false
}
