package publisher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGlobFilter(t *testing.T) {
	filter, err := NewGlobFilter([]string{"TROOTS-1", "TROOTS-2"})
	require.NoError(t, err)
	require.NotNil(t, filter)

	assert.Len(t, filter.keyGlobs, 2)
}

func TestNewGlobFilterEmptyPatterns(t *testing.T) {
	// Empty patterns should match everything
	filter, err := NewGlobFilter(nil)
	require.NoError(t, err)

	assert.True(t, filter.Match("TROOTS-1"))
	assert.True(t, filter.Match(""))
}

func TestGlobFilterExactMatch(t *testing.T) {
	filter, err := NewGlobFilter([]string{"TROOTS-1"})
	require.NoError(t, err)

	assert.True(t, filter.Match("TROOTS-1"))
	assert.False(t, filter.Match("TROOTS-10"))
	assert.False(t, filter.Match("troots-1"))
}

func TestGlobFilterWildcard(t *testing.T) {
	filter, err := NewGlobFilter([]string{"TROOTS-*"})
	require.NoError(t, err)

	assert.True(t, filter.Match("TROOTS-1"))
	assert.True(t, filter.Match("TROOTS-"))
	assert.False(t, filter.Match("OTHER-1"))
}

func TestGlobFilterMultiplePatterns(t *testing.T) {
	filter, err := NewGlobFilter([]string{"TROOTS-?", "SCOUT-*"})
	require.NoError(t, err)

	assert.True(t, filter.Match("TROOTS-3"))
	assert.True(t, filter.Match("SCOUT-A1"))
	assert.False(t, filter.Match("TROOTS-12"))
}

func TestGlobFilterRanges(t *testing.T) {
	filter, err := NewGlobFilter([]string{"TROOTS-[1-3]"})
	require.NoError(t, err)

	assert.True(t, filter.Match("TROOTS-2"))
	assert.False(t, filter.Match("TROOTS-4"))
}

func TestGlobFilterInvalidPattern(t *testing.T) {
	_, err := NewGlobFilter([]string{"TROOTS-[1-"})
	assert.Error(t, err)
}

func BenchmarkGlobFilterMatch(b *testing.B) {
	filter, _ := NewGlobFilter([]string{"TROOTS-*", "SCOUT-*"})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		filter.Match("SCOUT-7")
	}
}
