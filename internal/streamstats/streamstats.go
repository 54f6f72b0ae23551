// Package streamstats provides the mean and standard deviation routines
// shared by calibration and live velocity estimation.
//
// All standard deviations use the sample (n-1) denominator. Thresholds are
// fitted during calibration and compared against live power, so both
// phases must share one convention; do not mix in population variance.
package streamstats

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/stat"
)

var (
	// ErrEmpty is returned for statistics over an empty sequence.
	ErrEmpty = errors.New("streamstats: empty sequence")
	// ErrTooFew is returned when fewer than MinSamples values are available
	// for a standard deviation.
	ErrTooFew = errors.New("streamstats: fewer than 2 samples")
)

// MinSamples is the smallest count for which a sample standard deviation
// is defined.
const MinSamples = 2

// Mean returns the arithmetic mean of values.
func Mean(values []float64) (float64, error) {
	if len(values) == 0 {
		return 0, ErrEmpty
	}
	return stat.Mean(values, nil), nil
}

// StdDev returns the two-pass sample standard deviation of values.
func StdDev(values []float64) (float64, error) {
	if len(values) < MinSamples {
		return 0, ErrTooFew
	}
	return stat.StdDev(values, nil), nil
}

// MeanStdDev returns both statistics in one call.
func MeanStdDev(values []float64) (mean, std float64, err error) {
	if len(values) < MinSamples {
		return 0, 0, ErrTooFew
	}
	mean, std = stat.MeanStdDev(values, nil)
	return mean, std, nil
}

// Normalize rescales values in place to zero mean and unit variance and
// returns the mean and standard deviation it removed. A zero or
// non-finite standard deviation is rejected and values are left untouched.
func Normalize(values []float64) (mean, std float64, err error) {
	mean, std, err = MeanStdDev(values)
	if err != nil {
		return 0, 0, err
	}
	if std == 0 || math.IsNaN(std) || math.IsInf(std, 0) {
		return mean, std, ErrZeroVariance
	}
	for i, v := range values {
		values[i] = (v - mean) / std
	}
	return mean, std, nil
}

// ErrZeroVariance is returned by Normalize for a constant sequence.
var ErrZeroVariance = errors.New("streamstats: zero variance")

// ThresholdValue returns v, or 0 when v is strictly below floor.
func ThresholdValue(v, floor float64) float64 {
	if v < floor {
		return 0
	}
	return v
}

// Threshold zeroes every value strictly below floor, in place.
func Threshold(values []float64, floor float64) {
	for i, v := range values {
		values[i] = ThresholdValue(v, floor)
	}
}

// CountNonZero returns how many values are not exactly zero.
func CountNonZero(values []float64) int {
	n := 0
	for _, v := range values {
		if v != 0 {
			n++
		}
	}
	return n
}
