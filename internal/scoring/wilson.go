// Package scoring implements the Wilson lower-bound estimator and the
// outcome-weight table. Wilson is the single trustworthiness signal used
// everywhere an effectiveness score appears: memory ranking, routing-graph
// tier plans, and action effectiveness.
package scoring

import (
	"errors"
	"fmt"
	"math"

	"recall/internal/types"
)

// DefaultZ is the z-score for a 95% confidence interval.
const DefaultZ = 1.96

// ErrInvalidOutcome is returned when an outcome kind is outside the closed
// set {worked, partial, unknown, failed}.
var ErrInvalidOutcome = errors.New("invalid outcome kind")

// Wilson returns the lower bound of the Wilson confidence interval for an
// observed success proportion successSum/uses, clamped to [0,1].
//
// With zero observations it returns 0.5: an uninformed prior, so unseen
// memories are neither promoted nor buried.
func Wilson(successSum, uses float64) float64 {
	return WilsonZ(successSum, uses, DefaultZ)
}

// WilsonZ is Wilson with an explicit z-score.
func WilsonZ(successSum, uses, z float64) float64 {
	if uses <= 0 {
		return 0.5
	}
	if successSum < 0 {
		successSum = 0
	}
	if successSum > uses {
		successSum = uses
	}

	p := successSum / uses
	z2 := z * z
	denom := 1 + z2/uses
	center := p + z2/(2*uses)
	margin := z * math.Sqrt((p*(1-p)+z2/(4*uses))/uses)

	lower := (center - margin) / denom
	return clamp01(lower)
}

// SuccessWeight maps an outcome kind onto its fixed success weight.
// Unknown kinds are rejected, never silently discarded.
func SuccessWeight(kind types.OutcomeKind) (float64, error) {
	switch kind {
	case types.OutcomeWorked:
		return 1.0, nil
	case types.OutcomePartial:
		return 0.5, nil
	case types.OutcomeUnknown:
		return 0.25, nil
	case types.OutcomeFailed:
		return 0.0, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidOutcome, kind)
}

// ValidOutcome reports whether kind is in the closed outcome set.
func ValidOutcome(kind types.OutcomeKind) bool {
	_, err := SuccessWeight(kind)
	return err == nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
