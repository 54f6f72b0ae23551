// Package timeutil provides the frame clock that paces the experiment loop,
// with a manually driven implementation for tests.
package timeutil

import "time"

// Clock paces frames.
type Clock interface {
	Now() time.Time
	// NewTicker delivers the time every d; ticks are dropped for slow
	// receivers.
	NewTicker(d time.Duration) Ticker
}

// Ticker is the clock-agnostic part of time.Ticker.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// RealClock is the wall clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

func (RealClock) NewTicker(d time.Duration) Ticker { return wallTicker{time.NewTicker(d)} }

type wallTicker struct{ t *time.Ticker }

func (w wallTicker) C() <-chan time.Time { return w.t.C }
func (w wallTicker) Stop()               { w.t.Stop() }

// FrameDelta tracks the time between consecutive frames in seconds, the
// unit the stimulus and estimator work in.
type FrameDelta struct {
	last time.Time
}

// NewFrameDelta starts measuring from start.
func NewFrameDelta(start time.Time) *FrameDelta { return &FrameDelta{last: start} }

// Next returns the seconds elapsed since the previous frame and moves the
// reference point to now. Time going backwards yields 0.
func (f *FrameDelta) Next(now time.Time) float64 {
	dt := now.Sub(f.last).Seconds()
	f.last = now
	return max(dt, 0)
}
