package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBackend = errors.New("backend down")

func failing() (interface{}, error) { return nil, errBackend }
func succeeding() (interface{}, error) { return "ok", nil }

func TestTripsAfterConsecutiveFailures(t *testing.T) {
	b := New(Settings{Name: "bm25", FailureThreshold: 3, SuccessThreshold: 1, OpenDuration: time.Hour})

	for i := 0; i < 3; i++ {
		_, err := b.Do(failing)
		require.ErrorIs(t, err, errBackend)
	}

	assert.True(t, b.Open())

	// Open breaker short-circuits without touching the backend.
	start := time.Now()
	_, err := b.Do(failing)
	require.ErrorIs(t, err, ErrOpen)
	assert.Less(t, time.Since(start), 5*time.Millisecond)
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	b := New(Settings{Name: "bm25", FailureThreshold: 3, SuccessThreshold: 1, OpenDuration: time.Hour})

	_, _ = b.Do(failing)
	_, _ = b.Do(failing)
	_, err := b.Do(succeeding)
	require.NoError(t, err)
	_, _ = b.Do(failing)
	_, _ = b.Do(failing)

	assert.False(t, b.Open())
}

func TestHalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	b := New(Settings{Name: "bm25", FailureThreshold: 2, SuccessThreshold: 2, OpenDuration: 20 * time.Millisecond})

	_, _ = b.Do(failing)
	_, _ = b.Do(failing)
	require.True(t, b.Open())

	time.Sleep(30 * time.Millisecond)

	// Half-open: two consecutive successes close it.
	_, err := b.Do(succeeding)
	require.NoError(t, err)
	_, err = b.Do(succeeding)
	require.NoError(t, err)
	assert.False(t, b.Open())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b := New(Settings{Name: "bm25", FailureThreshold: 2, SuccessThreshold: 1, OpenDuration: 20 * time.Millisecond})

	_, _ = b.Do(failing)
	_, _ = b.Do(failing)
	require.True(t, b.Open())

	time.Sleep(30 * time.Millisecond)

	_, err := b.Do(failing)
	require.ErrorIs(t, err, errBackend)
	assert.True(t, b.Open())
}

func TestTypedCall(t *testing.T) {
	b := New(Settings{Name: "rerank", FailureThreshold: 2, SuccessThreshold: 1, OpenDuration: time.Hour})

	got, err := Call(b, func() ([]int, error) { return []int{1, 2}, nil })
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, got)

	_, err = Call(b, func() ([]int, error) { return nil, errBackend })
	require.ErrorIs(t, err, errBackend)
}
