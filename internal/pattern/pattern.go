// Package pattern implements the glob-like command-id matching used by the
// command filter. Matching is total over arbitrary strings: malformed
// patterns degrade to exact comparison instead of erroring.
package pattern

import (
	"strings"
	"sync"

	"github.com/gobwas/glob"

	"climcp/internal/host"
)

// Wildcard matches every command ID.
const Wildcard = "*"

var (
	globsMu sync.RWMutex
	globs   = make(map[string]glob.Glob)
)

// Matches reports whether id matches pattern. A bare "*" matches everything,
// a pattern containing "*" is compiled as an anchored glob, and any other
// pattern requires exact equality.
func Matches(id, pattern string) bool {
	if pattern == Wildcard {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return id == pattern
	}

	g, ok := compiled(pattern)
	if !ok {
		return id == pattern
	}
	return g.Match(id)
}

// MatchesAny reports whether id matches at least one of the patterns.
func MatchesAny(id string, patterns []string) bool {
	for _, p := range patterns {
		if Matches(id, p) {
			return true
		}
	}
	return false
}

// MatchesTopic reports whether the first topic segment of id is listed in
// topics. A "*" entry matches every topic.
func MatchesTopic(id string, topics []string) bool {
	topic, _, _ := strings.Cut(id, host.TopicSeparator)
	for _, t := range topics {
		if t == Wildcard || t == topic {
			return true
		}
	}
	return false
}

func compiled(pattern string) (glob.Glob, bool) {
	globsMu.RLock()
	g, ok := globs[pattern]
	globsMu.RUnlock()
	if ok {
		return g, g != nil
	}

	g, err := glob.Compile(pattern)
	if err != nil {
		g = nil
	}
	globsMu.Lock()
	globs[pattern] = g
	globsMu.Unlock()
	return g, g != nil
}
