package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	idx, err := New()
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestSearchMatchesContent(t *testing.T) {
	idx := newTestIndex(t)

	require.NoError(t, idx.Add("e1", "agent-a", "Chad enjoys rock climbing in the mountains"))
	require.NoError(t, idx.Add("e2", "agent-a", "Chad lives in Lisbon"))

	ids, err := idx.Search("agent-a", "climbing", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"e1"}, ids)
}

func TestSearchScopedToAgent(t *testing.T) {
	idx := newTestIndex(t)

	require.NoError(t, idx.Add("e1", "agent-a", "the same apple fact"))
	require.NoError(t, idx.Add("e2", "agent-b", "the same apple fact"))

	ids, err := idx.Search("agent-a", "apple", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"e1"}, ids)
}

func TestSearchEmptyQueryReturnsAll(t *testing.T) {
	idx := newTestIndex(t)

	require.NoError(t, idx.Add("e1", "agent-a", "first entry"))
	require.NoError(t, idx.Add("e2", "agent-a", "second entry"))

	ids, err := idx.Search("agent-a", "", 10)
	require.NoError(t, err)
	assert.Len(t, ids, 2)
}

func TestRemove(t *testing.T) {
	idx := newTestIndex(t)

	require.NoError(t, idx.Add("e1", "agent-a", "to be removed"))
	require.NoError(t, idx.Remove("e1"))

	ids, err := idx.Search("agent-a", "removed", 10)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestSearchLimit(t *testing.T) {
	idx := newTestIndex(t)

	require.NoError(t, idx.Add("e1", "agent-a", "repeated words here"))
	require.NoError(t, idx.Add("e2", "agent-a", "repeated words there"))
	require.NoError(t, idx.Add("e3", "agent-a", "repeated words everywhere"))

	ids, err := idx.Search("agent-a", "repeated", 2)
	require.NoError(t, err)
	assert.Len(t, ids, 2)
}
