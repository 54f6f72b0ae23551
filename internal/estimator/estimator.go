// Package estimator turns live ventral root bursts into a fish velocity
// using calibrated parameters.
package estimator

import (
	"fmt"

	"github.com/banshee-data/omrloop/internal/calibration"
	"github.com/banshee-data/omrloop/internal/demux"
	"github.com/banshee-data/omrloop/internal/ringchan"
	"github.com/banshee-data/omrloop/internal/streamstats"
)

// Config sizes the live power window. Capacity and MinFill must match the
// values the parameters were calibrated with.
type Config struct {
	Capacity int
	MinFill  int
	Framing  demux.Framing
}

// DefaultConfig mirrors calibration.DefaultConfig.
func DefaultConfig() Config {
	return Config{
		Capacity: ringchan.DefaultCapacity,
		MinFill:  streamstats.MinSamples,
		Framing:  demux.DefaultFraming(),
	}
}

// Reading is one estimation result.
type Reading struct {
	Power0 float64 `json:"power0"`
	Power1 float64 `json:"power1"`
	DP     float64 `json:"dp"`
	Fish   float64 `json:"fish"`
}

// Estimator holds the two live rings. It is not safe for concurrent use;
// the frame loop owns it.
type Estimator struct {
	params  calibration.Parameters
	cfg     Config
	ring0   *ringchan.Channel
	ring1   *ringchan.Channel
	demuxed demux.Stats
}

// New validates params and cfg and returns an estimator with empty rings.
func New(params calibration.Parameters, cfg Config) (*Estimator, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if cfg.Capacity < streamstats.MinSamples {
		return nil, fmt.Errorf("estimator: capacity must be at least %d, got %d", streamstats.MinSamples, cfg.Capacity)
	}
	if cfg.MinFill < streamstats.MinSamples || cfg.MinFill > cfg.Capacity {
		return nil, fmt.Errorf("estimator: min fill must be between %d and capacity %d, got %d", streamstats.MinSamples, cfg.Capacity, cfg.MinFill)
	}
	if err := cfg.Framing.Validate(); err != nil {
		return nil, err
	}
	return &Estimator{
		params: params,
		cfg:    cfg,
		ring0:  ringchan.New(cfg.Capacity),
		ring1:  ringchan.New(cfg.Capacity),
	}, nil
}

// Params returns the parameters the estimator was built with.
func (e *Estimator) Params() calibration.Parameters { return e.params }

// Acquire demultiplexes burst, normalizes every sample and pushes it into
// the channel's ring. It returns the number of new channel 0 and channel 1
// samples. A malformed burst pushes nothing and returns the demux error.
func (e *Estimator) Acquire(burst []byte) (int, int, error) {
	p, err := demux.Demux(burst, e.cfg.Framing)
	e.demuxed.Observe(len(burst), p, err)
	if err != nil {
		return 0, 0, err
	}
	e.ring0.PushAll(demux.ToFloat(p.A, e.params.Mean0, e.params.Std0))
	e.ring1.PushAll(demux.ToFloat(p.B, e.params.Mean1, e.params.Std1))
	return len(p.A), len(p.B), nil
}

// Estimate computes the fish velocity from the current ring contents.
func (e *Estimator) Estimate() Reading {
	r := Reading{
		Power0: streamstats.ThresholdValue(e.power(e.ring0), e.params.Threshold0),
		Power1: streamstats.ThresholdValue(e.power(e.ring1), e.params.Threshold1),
	}
	r.DP = r.Power1 - e.params.Bias*r.Power0
	r.Fish = e.params.Scale * r.DP
	return r
}

func (e *Estimator) power(c *ringchan.Channel) float64 {
	if c.Len() < e.cfg.MinFill {
		return 0
	}
	sd, err := c.StdDev()
	if err != nil {
		return 0
	}
	return sd
}

// Fill reports how many samples each ring currently holds.
func (e *Estimator) Fill() (int, int) { return e.ring0.Len(), e.ring1.Len() }

// DemuxStats returns the demultiplexer counters accumulated by Acquire.
func (e *Estimator) DemuxStats() demux.Stats { return e.demuxed }

// Reset empties both rings.
func (e *Estimator) Reset() {
	e.ring0.Reset()
	e.ring1.Reset()
}

// Combine returns the total drive velocity stim - gain*fish.
func Combine(stim, gain, fish float64) float64 {
	return stim - gain*fish
}

// EffectiveGain maps an unspecified (nil) gain to 1. An explicit 0 is
// kept, so the fish velocity is not fed back.
func EffectiveGain(gain *float64) float64 {
	if gain == nil {
		return 1
	}
	return *gain
}
