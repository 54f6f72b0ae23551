// Package calibration derives the normalization, power threshold, bias
// and scale coefficients the closed-loop estimator needs from labeled
// open-loop recordings.
package calibration

import (
	"errors"
	"fmt"
	"math"

	"github.com/banshee-data/omrloop/internal/monitoring"
	"github.com/banshee-data/omrloop/internal/ringchan"
	"github.com/banshee-data/omrloop/internal/streamstats"
)

var logf = monitoring.Component("calibration")

// ErrInsufficientData reports calibration input that cannot produce
// finite parameters: too few samples, a constant channel, or no turning
// activity to scale against.
var ErrInsufficientData = errors.New("calibration: insufficient data")

// Config controls the calibration procedure.
type Config struct {
	// Window is the power window length in samples. It must match the
	// ring capacity used by the closed-loop estimator.
	Window int
	// MinFill is the number of samples a window needs before its power is
	// computed; earlier positions report zero power.
	MinFill int
	// ThresholdSigma is the number of power standard deviations above the
	// mean power that counts as activity.
	ThresholdSigma float64
	// Scale converts corrected power differences to deg/s.
	Scale ScaleFunc
}

// DefaultConfig returns the reference calibration settings.
func DefaultConfig() Config {
	return Config{
		Window:         ringchan.DefaultCapacity,
		MinFill:        streamstats.MinSamples,
		ThresholdSigma: 2,
		Scale:          SwimFractionScale(DefaultExpectedTurnVelocity),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Window < streamstats.MinSamples {
		return fmt.Errorf("calibration: window must be at least %d, got %d", streamstats.MinSamples, c.Window)
	}
	if c.MinFill < streamstats.MinSamples || c.MinFill > c.Window {
		return fmt.Errorf("calibration: min fill must be between %d and window %d, got %d", streamstats.MinSamples, c.Window, c.MinFill)
	}
	if c.ThresholdSigma < 0 {
		return fmt.Errorf("calibration: threshold sigma must be non-negative, got %v", c.ThresholdSigma)
	}
	if c.Scale == nil {
		return errors.New("calibration: scale function is required")
	}
	return nil
}

// Parameters are the calibrated coefficients consumed by every closed-loop
// tick. They are computed once per session and not modified afterwards.
type Parameters struct {
	Mean0      float64 `json:"mean0"`
	Std0       float64 `json:"std0"`
	Mean1      float64 `json:"mean1"`
	Std1       float64 `json:"std1"`
	Threshold0 float64 `json:"threshold0"`
	Threshold1 float64 `json:"threshold1"`
	Bias       float64 `json:"bias"`
	Scale      float64 `json:"scale"`
}

// Validate rejects parameters that would poison live estimation.
func (p Parameters) Validate() error {
	for name, v := range map[string]float64{
		"mean0": p.Mean0, "std0": p.Std0, "mean1": p.Mean1, "std1": p.Std1,
		"threshold0": p.Threshold0, "threshold1": p.Threshold1,
		"bias": p.Bias, "scale": p.Scale,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("calibration: %s is not finite", name)
		}
	}
	if p.Std0 <= 0 || p.Std1 <= 0 {
		return fmt.Errorf("calibration: standard deviations must be positive (std0=%v std1=%v)", p.Std0, p.Std1)
	}
	if p.Threshold0 < 0 || p.Threshold1 < 0 {
		return fmt.Errorf("calibration: thresholds must be non-negative (threshold0=%v threshold1=%v)", p.Threshold0, p.Threshold1)
	}
	return nil
}

// DirectionStats holds the per-direction intermediate statistics.
type DirectionStats struct {
	Direction Direction  `json:"direction"`
	Mean      [2]float64 `json:"mean"`
	Std       [2]float64 `json:"std"`
	Threshold [2]float64 `json:"threshold"`
}

// Calibrate runs the full procedure over the collected open-loop data and
// returns the parameters plus every intermediate vector. The collector is
// not modified.
func Calibrate(data *Collector, cfg Config) (Parameters, *Export, error) {
	if err := cfg.Validate(); err != nil {
		return Parameters{}, nil, err
	}

	var (
		params Parameters
		exp    = &Export{}
		norm   [3][2][]float64
		power  [3][2][]float64
		stats  [3]DirectionStats
	)

	// normalize each direction and channel to zero mean, unit variance
	for _, d := range Directions() {
		stats[d].Direction = d
		for ch := 0; ch < 2; ch++ {
			raw := data.Raw(d, ch)
			if len(raw) < streamstats.MinSamples {
				return Parameters{}, nil, fmt.Errorf("%w: %s channel %d has %d samples, need at least %d",
					ErrInsufficientData, d, ch, len(raw), streamstats.MinSamples)
			}
			v := append([]float64(nil), raw...)
			m, s, err := streamstats.Normalize(v)
			if err != nil {
				return Parameters{}, nil, fmt.Errorf("%w: %s channel %d: %v", ErrInsufficientData, d, ch, err)
			}
			norm[d][ch] = v
			stats[d].Mean[ch] = m
			stats[d].Std[ch] = s
		}
	}
	params.Mean0 = avgOver(stats, func(s DirectionStats) float64 { return s.Mean[0] })
	params.Std0 = avgOver(stats, func(s DirectionStats) float64 { return s.Std[0] })
	params.Mean1 = avgOver(stats, func(s DirectionStats) float64 { return s.Mean[1] })
	params.Std1 = avgOver(stats, func(s DirectionStats) float64 { return s.Std[1] })

	// sliding-window power and per-direction activity thresholds
	for _, d := range Directions() {
		for ch := 0; ch < 2; ch++ {
			p := WindowPower(norm[d][ch], cfg.Window, cfg.MinFill)
			m, s, err := streamstats.MeanStdDev(p)
			if err != nil {
				return Parameters{}, nil, fmt.Errorf("%w: %s channel %d power: %v", ErrInsufficientData, d, ch, err)
			}
			power[d][ch] = p
			stats[d].Threshold[ch] = m + cfg.ThresholdSigma*s
		}
	}
	params.Threshold0 = avgOver(stats, func(s DirectionStats) float64 { return s.Threshold[0] })
	params.Threshold1 = avgOver(stats, func(s DirectionStats) float64 { return s.Threshold[1] })

	fwd0 := append([]float64(nil), power[Forward][0]...)
	fwd1 := append([]float64(nil), power[Forward][1]...)
	for _, d := range Directions() {
		streamstats.Threshold(power[d][0], params.Threshold0)
		streamstats.Threshold(power[d][1], params.Threshold1)
	}

	bias, err := forwardBias(power[Forward][0], power[Forward][1], fwd0, fwd1)
	if err != nil {
		return Parameters{}, nil, err
	}
	params.Bias = bias

	var dp [3][]float64
	for _, d := range Directions() {
		dp[d] = PowerDifference(power[d][0], power[d][1], bias)
	}

	scale, err := cfg.Scale(dp[Leftward], dp[Rightward])
	if err != nil {
		return Parameters{}, nil, err
	}
	if scale <= 0 || math.IsNaN(scale) || math.IsInf(scale, 0) {
		return Parameters{}, nil, fmt.Errorf("%w: scale %v is not a positive finite number", ErrInsufficientData, scale)
	}
	params.Scale = scale

	if err := params.Validate(); err != nil {
		return Parameters{}, nil, err
	}

	exp.Params = params
	exp.Directions = stats[:]
	for _, d := range Directions() {
		for ch := 0; ch < 2; ch++ {
			exp.add(fmt.Sprintf("norm%d_%s", ch, d), norm[d][ch])
		}
	}
	for _, d := range Directions() {
		for ch := 0; ch < 2; ch++ {
			exp.add(fmt.Sprintf("power%d_%s", ch, d), power[d][ch])
		}
	}
	for _, d := range Directions() {
		exp.add("dp_"+d.String(), dp[d])
	}

	logf("mean=(%.3f, %.3f) std=(%.3f, %.3f) threshold=(%.4f, %.4f) bias=%.4f scale=%.4f",
		params.Mean0, params.Mean1, params.Std0, params.Std1,
		params.Threshold0, params.Threshold1, params.Bias, params.Scale)
	return params, exp, nil
}

// WindowPower slides a window of the given length over x and emits the
// window's standard deviation at every position. Positions where the
// window holds fewer than minFill samples emit 0, so the output stays
// aligned with x.
func WindowPower(x []float64, window, minFill int) []float64 {
	win := ringchan.New(window)
	out := make([]float64, len(x))
	for i, v := range x {
		win.Push(v)
		if win.Len() < minFill {
			continue
		}
		sd, err := win.StdDev()
		if err != nil {
			continue
		}
		out[i] = sd
	}
	return out
}

// PowerDifference returns p1[i] - bias*p0[i] over the common length.
func PowerDifference(p0, p1 []float64, bias float64) []float64 {
	n := min(len(p0), len(p1))
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		out[i] = p1[i] - bias*p0[i]
	}
	return out
}

// forwardBias is the ratio of channel 1 to channel 0 mean thresholded power
// during forward stimulation, which should drive both roots equally. When
// channel 0 never crosses its threshold the ratio falls back to the forward
// power before thresholding (p0Raw, p1Raw).
func forwardBias(p0, p1, p0Raw, p1Raw []float64) (float64, error) {
	b, err := powerRatio(p0, p1)
	if err != nil || !math.IsNaN(b) {
		return b, err
	}
	logf("forward channel 0 stayed below threshold, using unthresholded power for bias")
	b, err = powerRatio(p0Raw, p1Raw)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(b) {
		return 0, fmt.Errorf("%w: forward channel 0 has no power, bias undefined", ErrInsufficientData)
	}
	return b, nil
}

// powerRatio returns mean(p1)/mean(p0), 1 when both means are zero, and
// NaN when only mean(p0) is zero.
func powerRatio(p0, p1 []float64) (float64, error) {
	m0, err := streamstats.Mean(p0)
	if err != nil {
		return 0, fmt.Errorf("%w: forward channel 0 power: %v", ErrInsufficientData, err)
	}
	m1, err := streamstats.Mean(p1)
	if err != nil {
		return 0, fmt.Errorf("%w: forward channel 1 power: %v", ErrInsufficientData, err)
	}
	switch {
	case m0 == 0 && m1 == 0:
		return 1, nil
	case m0 == 0:
		return math.NaN(), nil
	}
	return m1 / m0, nil
}

func avgOver(stats [3]DirectionStats, f func(DirectionStats) float64) float64 {
	var sum float64
	for _, s := range stats {
		sum += f(s)
	}
	return sum / float64(len(stats))
}
