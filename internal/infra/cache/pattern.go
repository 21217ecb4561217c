package cache

import (
	"strings"
	"sync"

	"github.com/gobwas/glob"
)

const maxCompiledPatterns = 256

var (
	patternsMu sync.Mutex
	patterns   = make(map[string]glob.Glob)
)

// MatchPattern reports whether key matches a glob where '*' matches any run
// of characters (including '/' and the empty string). Every other character
// matches itself.
func MatchPattern(pattern, key string) bool {
	g, err := compilePattern(pattern)
	if err != nil {
		return false
	}
	return g.Match(key)
}

func compilePattern(pattern string) (glob.Glob, error) {
	patternsMu.Lock()
	defer patternsMu.Unlock()

	if g, ok := patterns[pattern]; ok {
		return g, nil
	}

	// Only '*' is special; ?, [..] and {..} in URLs are literal.
	parts := strings.Split(pattern, "*")
	for i, p := range parts {
		parts[i] = glob.QuoteMeta(p)
	}
	g, err := glob.Compile(strings.Join(parts, "*"))
	if err != nil {
		return nil, err
	}

	if len(patterns) >= maxCompiledPatterns {
		clear(patterns)
	}
	patterns[pattern] = g
	return g, nil
}
