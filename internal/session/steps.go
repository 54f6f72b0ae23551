package session

import (
	"github.com/banshee-data/omrloop/internal/calibration"
	"github.com/banshee-data/omrloop/internal/demux"
	"github.com/banshee-data/omrloop/internal/estimator"
	"github.com/banshee-data/omrloop/internal/recorder"
)

type drawer struct {
	phase    Phase
	renderer Renderer
}

func (d drawer) Draw(s recorder.Sample, dt float64) error {
	return d.renderer.Draw(d.phase, s, dt)
}

// calibrationStep collects open-loop bursts under the commanded direction.
type calibrationStep struct {
	drawer
	s         *Session
	collector *calibration.Collector
	pending   demux.Pair
}

func (c *calibrationStep) Acquire() error {
	c.pending = demux.Pair{}
	burst, err := c.s.readBurst()
	if err != nil {
		return err
	}
	p, err := demux.Demux(burst, c.s.cfg.Framing)
	c.s.demuxed.Observe(len(burst), p, err)
	if err != nil {
		return err
	}
	c.pending = p
	return nil
}

func (c *calibrationStep) Estimate(cmd Command) recorder.Sample {
	p := c.pending
	c.pending = demux.Pair{}
	if cmd.InterTrial {
		return recorder.Sample{}
	}
	c.collector.Append(cmd.Direction, p)
	// open loop: the fish cannot move the stimulus
	return recorder.Sample{Stimulus: cmd.StimulusVelocity, Total: cmd.StimulusVelocity}
}

// closedLoopStep feeds live power back into the stimulus.
type closedLoopStep struct {
	drawer
	s    *Session
	est  *estimator.Estimator
	last estimator.Reading
}

func (c *closedLoopStep) Acquire() error {
	burst, err := c.s.readBurst()
	if err != nil {
		return err
	}
	_, _, err = c.est.Acquire(burst)
	return err
}

func (c *closedLoopStep) Estimate(cmd Command) recorder.Sample {
	if cmd.InterTrial {
		c.last = estimator.Reading{}
		return recorder.Sample{}
	}
	c.last = c.est.Estimate()
	return recorder.Sample{
		Stimulus: cmd.StimulusVelocity,
		Fish:     c.last.Fish,
		Total:    estimator.Combine(cmd.StimulusVelocity, estimator.EffectiveGain(cmd.Gain), c.last.Fish),
	}
}
