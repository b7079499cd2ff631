package publisher

import (
	"fmt"

	"github.com/gobwas/glob"
)

// GlobFilter filters events by entity key using glob patterns
type GlobFilter struct {
	keyGlobs []glob.Glob
}

// NewGlobFilter creates a new glob-based filter
// Empty patterns match everything
func NewGlobFilter(keyPatterns []string) (*GlobFilter, error) {
	filter := &GlobFilter{
		keyGlobs: make([]glob.Glob, 0, len(keyPatterns)),
	}

	for _, pattern := range keyPatterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid key pattern %q: %w", pattern, err)
		}
		filter.keyGlobs = append(filter.keyGlobs, g)
	}

	return filter, nil
}

// Match returns true if key matches any configured pattern
// If no patterns are configured, all keys match
func (f *GlobFilter) Match(key string) bool {
	if len(f.keyGlobs) == 0 {
		return true
	}

	for _, g := range f.keyGlobs {
		if g.Match(key) {
			return true
		}
	}
	return false
}
