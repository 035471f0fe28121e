package risk

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTracker_EscalatesAfterHighErrorRate(t *testing.T) {
	tr := NewTracker(nil)
	for i := 0; i < 6; i++ {
		tr.RecordOutcome("calc", Low, true)
	}
	require.Equal(t, Medium, tr.Resolve("calc", Low))
}

func TestTracker_DeescalatesAfterLowErrorRate(t *testing.T) {
	tr := NewTracker(nil)
	for i := 0; i < 6; i++ {
		tr.RecordOutcome("calc", High, false)
	}
	require.Equal(t, Medium, tr.Resolve("calc", High))
}

func TestTracker_BelowMinSamplesKeepsBaseRisk(t *testing.T) {
	tr := NewTracker(nil)
	tr.RecordOutcome("calc", Medium, true)
	tr.RecordOutcome("calc", Medium, true)
	require.Equal(t, Medium, tr.Resolve("calc", Medium))
}

func TestTracker_IntrinsicRiskToolsNeverDropBelowMedium(t *testing.T) {
	tr := NewTracker(DefaultIntrinsicRiskTools())
	for i := 0; i < 20; i++ {
		tr.RecordOutcome("exec", High, false)
	}
	require.Equal(t, Medium, tr.Resolve("exec", High))
}

func TestTracker_NonIntrinsicToolCanReachLow(t *testing.T) {
	tr := NewTracker(DefaultIntrinsicRiskTools())
	for i := 0; i < 20; i++ {
		tr.RecordOutcome("calc", High, false)
	}
	require.Equal(t, Low, tr.Resolve("calc", High))
}

func TestModelTracker_ReordersBySuccessRate(t *testing.T) {
	mt := NewModelTracker()
	a := ModelKey{Provider: "openai", Model: "model-a"}
	b := ModelKey{Provider: "openai", Model: "model-b"}
	for i := 0; i < 10; i++ {
		mt.RecordOutcome(a, false)
		mt.RecordOutcome(b, true)
	}
	ordered := mt.Reorder([]ModelKey{a, b})
	require.Equal(t, []ModelKey{b, a}, ordered)
}

func TestModelTracker_PreservesOrderForUntrackedModels(t *testing.T) {
	mt := NewModelTracker()
	a := ModelKey{Provider: "openai", Model: "a"}
	b := ModelKey{Provider: "openai", Model: "b"}
	ordered := mt.Reorder([]ModelKey{a, b})
	require.Equal(t, []ModelKey{a, b}, ordered)
}
