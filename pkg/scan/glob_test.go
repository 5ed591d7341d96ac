package scan

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchGlob(t *testing.T) {
	keys := []string{"thumb:1", "thumb:2", "avatar:thumb"}

	for _, testCase := range []struct {
		name     string
		glob     string
		expected []string
	}{
		{name: "match all", glob: "*", expected: []string{"thumb:1", "thumb:2", "avatar:thumb"}},
		{name: "match with ?", glob: "thumb:?", expected: []string{"thumb:1", "thumb:2"}},
		{name: "match with * at the end", glob: "thumb*", expected: []string{"thumb:1", "thumb:2"}},
		{name: "match with * at the beginning", glob: "*thumb", expected: []string{"avatar:thumb"}},
		{name: "match with multiple *", glob: "*thumb*", expected: []string{"thumb:1", "thumb:2", "avatar:thumb"}},
		{name: "no match", glob: "nomatch", expected: nil},
	} {
		t.Run(testCase.name, func(t *testing.T) {
			seq, err := MatchGlob(testCase.glob, slices.Values(keys))
			require.NoError(t, err)
			assert.Equal(t, testCase.expected, slices.Collect(seq))
		})
	}

	t.Run("stops_early", func(t *testing.T) {
		seq, err := MatchGlob("thumb*", slices.Values(keys))
		require.NoError(t, err)
		for key := range seq {
			assert.Equal(t, "thumb:1", key)
			break
		}
	})
}
