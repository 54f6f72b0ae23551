package streamstats

import "math"

// Welford accumulates a running mean and variance without keeping the
// samples.
type Welford struct {
	n    int
	mean float64
	m2   float64
}

// Add folds x into the running statistics.
func (w *Welford) Add(x float64) {
	w.n++
	delta := x - w.mean
	w.mean += delta / float64(w.n)
	w.m2 += delta * (x - w.mean)
}

// Count returns the number of samples added.
func (w *Welford) Count() int { return w.n }

// Mean returns the running mean (0 before any sample).
func (w *Welford) Mean() float64 { return w.mean }

// Variance returns the sample variance, or ErrTooFew below two samples.
func (w *Welford) Variance() (float64, error) {
	if w.n < MinSamples {
		return 0, ErrTooFew
	}
	v := w.m2 / float64(w.n-1)
	if v < 0 {
		// rounding can push m2 marginally below zero for constant input
		v = 0
	}
	return v, nil
}

// StdDev returns the sample standard deviation.
func (w *Welford) StdDev() (float64, error) {
	v, err := w.Variance()
	if err != nil {
		return 0, err
	}
	return math.Sqrt(v), nil
}

// Reset clears the accumulator.
func (w *Welford) Reset() { *w = Welford{} }

// Sliding is a Welford accumulator for a bounded window. Once the window
// is full, callers evict the oldest value with Replace instead of Add, so
// each update stays O(1).
//
// Replacement updates accumulate rounding error over long runs, and a
// window that settles on nearly constant values is left with a residual
// m2 of round-off magnitude. Resync rebuilds the state exactly from the
// window contents; NeedsResync reports when a caller should do so.
type Sliding struct {
	Welford
	replaced int
	peak     float64 // largest |x| folded in since the last resync
}

// ResyncEvery is the number of Replace calls after which NeedsResync
// reports true.
const ResyncEvery = 4096

// cancelTol bounds m2 relative to n*peak². Below it the remaining
// variance is indistinguishable from accumulated round-off.
const cancelTol = 1e-12

// Add folds x into the window statistics.
func (s *Sliding) Add(x float64) {
	s.Welford.Add(x)
	s.peak = max(s.peak, math.Abs(x))
}

// Replace swaps old (the evicted value) for x without changing the count.
func (s *Sliding) Replace(old, x float64) {
	if s.n == 0 {
		s.Add(x)
		return
	}
	prevMean := s.mean
	s.mean += (x - old) / float64(s.n)
	s.m2 += (x - old) * (x - s.mean + old - prevMean)
	s.peak = max(s.peak, math.Abs(x))
	s.replaced++
}

// NeedsResync reports whether the caller should rebuild from the exact
// window contents: after ResyncEvery replacements, or when replacements
// have left m2 within round-off of zero.
func (s *Sliding) NeedsResync() bool {
	if s.replaced >= ResyncEvery {
		return true
	}
	if s.replaced == 0 || s.m2 == 0 {
		return false
	}
	return s.m2 < cancelTol*float64(s.n)*s.peak*s.peak
}

// Resync rebuilds the accumulator from values.
func (s *Sliding) Resync(values []float64) {
	s.Welford.Reset()
	s.replaced = 0
	s.peak = 0
	for _, v := range values {
		s.Add(v)
	}
}

// Reset clears the accumulator.
func (s *Sliding) Reset() { *s = Sliding{} }
