// The KEYS command filters persisted keys with Redis style glob patterns; the following module implements the matching.

package scan

import (
	"fmt"
	"iter"

	"v.io/v23/glob"
)

// MatchGlob filters the `keys` stream down to the keys matching `pattern`.
func MatchGlob(pattern string, keys iter.Seq[string]) (iter.Seq[string], error) {
	parsedPattern, err := glob.Parse(pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to parse glob pattern '%s': %w", pattern, err)
	}
	head := parsedPattern.Head()
	return func(yield func(string) bool) {
		for key := range keys {
			if head.Match(key) {
				if !yield(key) {
					return
				}
			}
		}
	}, nil
}
