package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recall/internal/types"
)

func TestWilsonUninformedPrior(t *testing.T) {
	assert.Equal(t, 0.5, Wilson(0, 0))
	assert.Equal(t, 0.5, Wilson(5, 0)) // uses dominates
}

func TestWilsonBounds(t *testing.T) {
	cases := []struct {
		name       string
		success    float64
		uses       float64
	}{
		{"all failed", 0, 20},
		{"all worked", 20, 20},
		{"half", 10, 20},
		{"single success", 1, 1},
		{"single failure", 0, 1},
		{"fractional successes", 2.5, 4},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Wilson(tc.success, tc.uses)
			assert.GreaterOrEqual(t, got, 0.0)
			assert.LessOrEqual(t, got, 1.0)
		})
	}
}

func TestWilsonIsConservative(t *testing.T) {
	// The lower bound must sit below the raw proportion for any finite sample.
	got := Wilson(9, 10)
	assert.Less(t, got, 0.9)

	// More evidence at the same rate tightens the bound upward.
	small := Wilson(9, 10)
	large := Wilson(90, 100)
	assert.Greater(t, large, small)
}

func TestWilsonInterleaveScenario(t *testing.T) {
	// worked, worked, failed, partial => success_count=2.5, uses=4.
	got := Wilson(2.5, 4)
	assert.InDelta(t, 0.30, got, 0.05)
}

func TestWilsonClampsSuccessSum(t *testing.T) {
	assert.Equal(t, Wilson(4, 4), Wilson(7, 4))
	assert.Equal(t, Wilson(0, 4), Wilson(-1, 4))
}

func TestSuccessWeights(t *testing.T) {
	cases := map[types.OutcomeKind]float64{
		types.OutcomeWorked:  1.0,
		types.OutcomePartial: 0.5,
		types.OutcomeUnknown: 0.25,
		types.OutcomeFailed:  0.0,
	}
	for kind, want := range cases {
		w, err := SuccessWeight(kind)
		require.NoError(t, err)
		assert.Equal(t, want, w)
	}

	_, err := SuccessWeight("meh")
	require.ErrorIs(t, err, ErrInvalidOutcome)
	assert.False(t, ValidOutcome("meh"))
	assert.True(t, ValidOutcome(types.OutcomeWorked))
}
