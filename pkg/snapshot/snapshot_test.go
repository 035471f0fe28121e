package snapshot

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTake_ProducesStableHashForSameState(t *testing.T) {
	s1, err := Take(map[string]interface{}{"a": 1, "b": "x"}, 1000)
	require.NoError(t, err)
	s2, err := Take(map[string]interface{}{"b": "x", "a": 1}, 1000)
	require.NoError(t, err)
	require.Equal(t, s1.Hash, s2.Hash)
	require.Equal(t, s1.ID, s2.ID)
}

func TestTake_IDEmbedsTimestampAndHashPrefix(t *testing.T) {
	s, err := Take(map[string]interface{}{"x": 1}, 42)
	require.NoError(t, err)
	require.Contains(t, s.ID, "snap_42_")
	require.Contains(t, s.ID, s.Hash[:8])
}

func TestTake_MutatingSourceDoesNotMutateSnapshot(t *testing.T) {
	state := map[string]interface{}{"nested": map[string]interface{}{"v": 1}}
	s, err := Take(state, 1)
	require.NoError(t, err)

	state["nested"].(map[string]interface{})["v"] = 999
	state["new"] = "added"

	require.Equal(t, 1, s.State["nested"].(map[string]interface{})["v"])
	_, hasNew := s.State["new"]
	require.False(t, hasNew)
}

func TestTake_DifferentStateProducesDifferentHash(t *testing.T) {
	s1, err := Take(map[string]interface{}{"a": 1}, 1)
	require.NoError(t, err)
	s2, err := Take(map[string]interface{}{"a": 2}, 1)
	require.NoError(t, err)
	require.NotEqual(t, s1.Hash, s2.Hash)
}
