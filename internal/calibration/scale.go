package calibration

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/banshee-data/omrloop/internal/streamstats"
)

// ScaleFunc converts the bias-corrected power differences recorded during
// leftward and rightward trials into the coefficient mapping power
// difference to degrees per second.
type ScaleFunc func(left, right []float64) (float64, error)

// Scale formula names accepted by ScaleByName.
const (
	ScaleSwimFraction = "swim_fraction"
	ScaleHeadingRate  = "heading_rate"
)

// DefaultExpectedTurnVelocity is the assumed mean angular velocity of a
// turning bout, in degrees per second.
const DefaultExpectedTurnVelocity = 40.0

// SwimFractionScale assumes every sample with non-zero corrected power is
// part of a turn at expected deg/s:
//
//	scale = expected * (nLeft + nRight) / (|sum(left)| + |sum(right)|)
//
// where n counts the swimming (non-zero) samples.
func SwimFractionScale(expected float64) ScaleFunc {
	return func(left, right []float64) (float64, error) {
		swimming := streamstats.CountNonZero(left) + streamstats.CountNonZero(right)
		denom := math.Abs(floats.Sum(left)) + math.Abs(floats.Sum(right))
		if swimming == 0 || denom == 0 {
			return 0, fmt.Errorf("%w: no swimming detected in leftward or rightward trials", ErrInsufficientData)
		}
		return expected * float64(swimming) / denom, nil
	}
}

// HeadingRateScale spreads the accumulated heading change over the total
// stimulation time T (seconds per direction) and maps the mean rate of
// both turning directions onto expected deg/s:
//
//	scale = 2 * expected / ((|sum(left)| + |sum(right)|) / T)
func HeadingRateScale(expected, trialSeconds float64) ScaleFunc {
	return func(left, right []float64) (float64, error) {
		if trialSeconds <= 0 {
			return 0, fmt.Errorf("calibration: stimulation time must be positive, got %v", trialSeconds)
		}
		rate := (math.Abs(floats.Sum(left)) + math.Abs(floats.Sum(right))) / trialSeconds
		if rate == 0 {
			return 0, fmt.Errorf("%w: zero heading change in leftward and rightward trials", ErrInsufficientData)
		}
		return 2 * expected / rate, nil
	}
}

// ScaleByName returns the scale policy registered under name.
func ScaleByName(name string, expected, trialSeconds float64) (ScaleFunc, error) {
	switch name {
	case "", ScaleSwimFraction:
		return SwimFractionScale(expected), nil
	case ScaleHeadingRate:
		return HeadingRateScale(expected, trialSeconds), nil
	}
	return nil, fmt.Errorf("unknown scale formula %q: expected %q or %q", name, ScaleSwimFraction, ScaleHeadingRate)
}
