package cfg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheReturnsLiveGraphs(t *testing.T) {
	a := loadProgram(t, diamondMethod)
	m := a.Method("Main.run()V")

	cache, err := NewCache(a, 0)
	require.NoError(t, err)

	first, err := cache.Get(m)
	require.NoError(t, err)
	again, err := cache.Get(m)
	require.NoError(t, err)
	assert.Same(t, first, again)
	assert.Equal(t, 1, cache.Len())

	// transforms applied through one handle are visible through the other
	require.NoError(t, first.InsertSplitNodes())
	assert.Equal(t, 7, again.Graph().VertexCount())
}

func TestCacheRemoveForcesRebuild(t *testing.T) {
	a := loadProgram(t, diamondMethod)
	m := a.Method("Main.run()V")

	cache, err := NewCache(a, 4)
	require.NoError(t, err)

	first, err := cache.Get(m)
	require.NoError(t, err)
	cache.Remove(m)
	assert.Equal(t, 0, cache.Len())

	rebuilt, err := cache.Get(m)
	require.NoError(t, err)
	assert.NotSame(t, first, rebuilt)
	assert.Equal(t, 6, rebuilt.Graph().VertexCount())
}
