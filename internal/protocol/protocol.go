// Package protocol holds trial schedules and the state machine that turns
// them into per-frame stimulus commands.
package protocol

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/banshee-data/omrloop/internal/calibration"
	"github.com/banshee-data/omrloop/internal/session"
)

const (
	// DefaultTrialSeconds is the drifting-grating trial length.
	DefaultTrialSeconds = 10.0
	// DefaultReps is the number of repeats of each speed and direction.
	DefaultReps = 5
)

// DefaultStepSpeeds are the open-loop step OMR grating speeds in deg/s.
var DefaultStepSpeeds = []float64{4, 10, 40, 80}

// ErrEmptySchedule is returned when a schedule has no trials.
var ErrEmptySchedule = errors.New("protocol: schedule has no trials")

// Trial is one stimulus presentation.
type Trial struct {
	Direction calibration.Direction `json:"direction" yaml:"direction"`
	// Speed is the unsigned grating speed in deg/s.
	Speed float64 `json:"speed" yaml:"speed"`
	// Gain applies in closed loop only; nil means 1. An explicit 0 runs
	// the trial stimulus-only.
	Gain *float64 `json:"gain,omitempty" yaml:"gain,omitempty"`
}

// Velocity is the signed commanded stimulus velocity.
func (t Trial) Velocity() float64 { return t.Direction.Sign() * t.Speed }

// Schedule runs its trials in order. Each trial is followed by an
// inter-trial period with the grating stopped. It is not safe for
// concurrent use.
type Schedule struct {
	Trials            []Trial `json:"trials" yaml:"trials"`
	TrialSeconds      float64 `json:"trial_seconds" yaml:"trial_seconds"`
	InterTrialSeconds float64 `json:"inter_trial_seconds" yaml:"inter_trial_seconds"`

	index   int
	elapsed float64
}

// NewSchedule builds a schedule whose inter-trial period matches the
// trial length.
func NewSchedule(trials []Trial, trialSeconds float64) *Schedule {
	return &Schedule{
		Trials:            trials,
		TrialSeconds:      trialSeconds,
		InterTrialSeconds: trialSeconds,
	}
}

// Validate checks the schedule can be run.
func (s *Schedule) Validate() error {
	if len(s.Trials) == 0 {
		return ErrEmptySchedule
	}
	if !(s.TrialSeconds > 0) || math.IsInf(s.TrialSeconds, 0) {
		return fmt.Errorf("trial_seconds must be positive, got %v", s.TrialSeconds)
	}
	if s.InterTrialSeconds < 0 || math.IsNaN(s.InterTrialSeconds) || math.IsInf(s.InterTrialSeconds, 0) {
		return fmt.Errorf("inter_trial_seconds must be non-negative, got %v", s.InterTrialSeconds)
	}
	for i, t := range s.Trials {
		if !t.Direction.Valid() {
			return fmt.Errorf("trial %d: invalid direction %d", i, int(t.Direction))
		}
		if !(t.Speed > 0) || math.IsInf(t.Speed, 0) {
			return fmt.Errorf("trial %d: speed must be positive, got %v", i, t.Speed)
		}
		if g := t.Gain; g != nil && (*g < 0 || math.IsNaN(*g) || math.IsInf(*g, 0)) {
			return fmt.Errorf("trial %d: gain must be non-negative, got %v", i, *g)
		}
	}
	return nil
}

// Next implements session.CommandSource. dt is the frame time that has
// passed since the previous call.
func (s *Schedule) Next(dt float64) session.Command {
	for s.index < len(s.Trials) {
		t := s.Trials[s.index]
		switch {
		case s.elapsed < s.TrialSeconds:
			s.elapsed += dt
			return session.Command{
				StimulusVelocity: t.Velocity(),
				Gain:             t.Gain,
				Direction:        t.Direction,
			}
		case s.elapsed < s.TrialSeconds+s.InterTrialSeconds:
			s.elapsed += dt
			return session.Command{Direction: t.Direction, InterTrial: true}
		}
		s.index++
		s.elapsed = 0
	}
	return session.Command{Done: true}
}

// Index is the position of the running trial; it equals Len once the
// schedule is done.
func (s *Schedule) Index() int { return s.index }

// Len is the number of trials.
func (s *Schedule) Len() int { return len(s.Trials) }

// Seconds is the total scheduled time including inter-trial periods.
func (s *Schedule) Seconds() float64 {
	return float64(len(s.Trials)) * (s.TrialSeconds + s.InterTrialSeconds)
}

// Reset rewinds to the first trial.
func (s *Schedule) Reset() {
	s.index = 0
	s.elapsed = 0
}

// Shuffle permutes the trials in place and rewinds. Speed and direction
// stay paired so every combination keeps its repeat count.
func (s *Schedule) Shuffle(rng *rand.Rand) {
	// Fisher-Yates
	for i := len(s.Trials) - 1; i > 0; i-- {
		j := rng.IntN(i + 1)
		s.Trials[i], s.Trials[j] = s.Trials[j], s.Trials[i]
	}
	s.Reset()
}

// Clone returns a rewound copy that shares nothing with s.
func (s *Schedule) Clone() *Schedule {
	c := &Schedule{
		Trials:            make([]Trial, len(s.Trials)),
		TrialSeconds:      s.TrialSeconds,
		InterTrialSeconds: s.InterTrialSeconds,
	}
	copy(c.Trials, s.Trials)
	return c
}

// StepOMR builds the open-loop step grid: every speed in every direction,
// reps times each, in speed-major order. Shuffle it before use.
func StepOMR(speeds []float64, reps int) []Trial {
	trials := make([]Trial, 0, len(speeds)*3*reps)
	for _, speed := range speeds {
		for _, d := range calibration.Directions() {
			for k := 0; k < reps; k++ {
				trials = append(trials, Trial{Direction: d, Speed: speed})
			}
		}
	}
	return trials
}

// Gain returns a pointer to g for Trial.Gain.
func Gain(g float64) *float64 { return &g }

// WithGain returns a copy of trials with every gain set to g.
func WithGain(trials []Trial, g float64) []Trial {
	out := make([]Trial, len(trials))
	for i, t := range trials {
		t.Gain = Gain(g)
		out[i] = t
	}
	return out
}
