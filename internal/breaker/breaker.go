// Package breaker wraps sony/gobreaker with the tuning shape used across the
// retrieval core: trip after N consecutive failures, stay open for a
// configured window, and close again after M consecutive half-open successes.
// Callers on the search path short-circuit to empty results while open.
package breaker

import (
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"recall/internal/logging"
)

// ErrOpen is returned when a call is refused because the breaker is open.
var ErrOpen = errors.New("circuit open")

// Settings tunes one breaker.
type Settings struct {
	Name             string
	FailureThreshold int
	SuccessThreshold int
	OpenDuration     time.Duration
}

// Breaker guards one external dependency.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// New creates a breaker from settings, substituting sane minimums.
func New(s Settings) *Breaker {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = 3
	}
	if s.SuccessThreshold <= 0 {
		s.SuccessThreshold = 1
	}
	if s.OpenDuration <= 0 {
		s.OpenDuration = 30 * time.Second
	}

	failureThreshold := uint32(s.FailureThreshold)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: s.Name,
		// Half-open admits SuccessThreshold probes; that many consecutive
		// successes close the breaker again.
		MaxRequests: uint32(s.SuccessThreshold),
		Timeout:     s.OpenDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Get(logging.CategorySearch).Warn("breaker %s: %s -> %s", name, from, to)
		},
	})
	return &Breaker{cb: cb}
}

// Do runs fn through the breaker. While the breaker is open it returns
// ErrOpen immediately without invoking fn.
func (b *Breaker) Do(fn func() (interface{}, error)) (interface{}, error) {
	out, err := b.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrOpen
	}
	return out, err
}

// Open reports whether calls would currently be refused.
func (b *Breaker) Open() bool {
	return b.cb.State() == gobreaker.StateOpen
}

// Name returns the breaker's name.
func (b *Breaker) Name() string { return b.cb.Name() }

// Call is a typed convenience wrapper around Do.
func Call[T any](b *Breaker, fn func() (T, error)) (T, error) {
	var zero T
	out, err := b.Do(func() (interface{}, error) { return fn() })
	if err != nil {
		return zero, err
	}
	v, ok := out.(T)
	if !ok {
		return zero, nil
	}
	return v, nil
}
