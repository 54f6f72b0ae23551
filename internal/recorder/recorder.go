// Package recorder keeps the per-tick velocity log of a closed-loop run.
package recorder

import (
	"errors"
	"fmt"
)

// ErrRecorderMisuse is the panic value raised when the three series have
// drifted out of alignment.
var ErrRecorderMisuse = errors.New("recorder: velocity series out of alignment")

// Sample is one tick of the closed loop.
type Sample struct {
	Stimulus float64 `json:"stimulus"`
	Fish     float64 `json:"fish"`
	Total    float64 `json:"total"`
}

// Trace is an exported copy of the three parallel series.
type Trace struct {
	Stimulus []float64 `json:"stimulus"`
	Fish     []float64 `json:"fish"`
	Total    []float64 `json:"total"`
}

// Len returns the number of ticks in the trace.
func (t Trace) Len() int { return len(t.Total) }

// Validate checks that all three series have the same length.
func (t Trace) Validate() error {
	if len(t.Stimulus) != len(t.Fish) || len(t.Fish) != len(t.Total) {
		return fmt.Errorf("%w: stimulus=%d fish=%d total=%d", ErrRecorderMisuse, len(t.Stimulus), len(t.Fish), len(t.Total))
	}
	return nil
}

// At returns tick i.
func (t Trace) At(i int) Sample {
	return Sample{Stimulus: t.Stimulus[i], Fish: t.Fish[i], Total: t.Total[i]}
}

// Tail returns the last n ticks, or the whole trace when n <= 0 or n is
// larger than the trace.
func (t Trace) Tail(n int) Trace {
	if n <= 0 || n >= t.Len() {
		return t
	}
	start := t.Len() - n
	return Trace{
		Stimulus: t.Stimulus[start:],
		Fish:     t.Fish[start:],
		Total:    t.Total[start:],
	}
}

// Recorder is an append-only velocity log. Exactly one Record or
// RecordZero call is expected per tick.
type Recorder struct {
	stim  []float64
	fish  []float64
	total []float64
}

// New returns an empty recorder with room for capacity ticks.
func New(capacity int) *Recorder {
	return &Recorder{
		stim:  make([]float64, 0, capacity),
		fish:  make([]float64, 0, capacity),
		total: make([]float64, 0, capacity),
	}
}

// Record appends one tick. It panics if the series are already misaligned.
func (r *Recorder) Record(stim, fish, total float64) {
	if len(r.stim) != len(r.fish) || len(r.fish) != len(r.total) {
		panic(fmt.Errorf("%w: stimulus=%d fish=%d total=%d", ErrRecorderMisuse, len(r.stim), len(r.fish), len(r.total)))
	}
	r.stim = append(r.stim, stim)
	r.fish = append(r.fish, fish)
	r.total = append(r.total, total)
}

// RecordSample appends s.
func (r *Recorder) RecordSample(s Sample) { r.Record(s.Stimulus, s.Fish, s.Total) }

// RecordZero appends an inter-trial tick.
func (r *Recorder) RecordZero() { r.Record(0, 0, 0) }

// Len returns the number of recorded ticks.
func (r *Recorder) Len() int { return len(r.total) }

// Last returns the most recent tick.
func (r *Recorder) Last() (Sample, bool) {
	n := len(r.total)
	if n == 0 {
		return Sample{}, false
	}
	return Sample{Stimulus: r.stim[n-1], Fish: r.fish[n-1], Total: r.total[n-1]}, true
}

// Export returns copies of the three series. Calling it repeatedly
// without recording in between returns identical traces.
func (r *Recorder) Export() Trace {
	return Trace{
		Stimulus: append([]float64(nil), r.stim...),
		Fish:     append([]float64(nil), r.fish...),
		Total:    append([]float64(nil), r.total...),
	}
}
