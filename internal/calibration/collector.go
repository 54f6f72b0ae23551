package calibration

import (
	"github.com/banshee-data/omrloop/internal/demux"
)

// Collector accumulates raw demultiplexed samples per direction during
// the open-loop phase.
type Collector struct {
	raw [3][2][]float64
}

// NewCollector returns an empty collector.
func NewCollector() *Collector {
	return &Collector{}
}

// Append adds one burst worth of samples to the vectors for dir. Bursts
// for an unknown direction are ignored and reported false.
func (c *Collector) Append(dir Direction, p demux.Pair) bool {
	if !dir.Valid() {
		return false
	}
	for _, v := range p.A {
		c.raw[dir][0] = append(c.raw[dir][0], float64(v))
	}
	for _, v := range p.B {
		c.raw[dir][1] = append(c.raw[dir][1], float64(v))
	}
	return true
}

// AppendValues adds already-converted samples for one channel.
func (c *Collector) AppendValues(dir Direction, channel int, values ...float64) {
	c.raw[dir][channel] = append(c.raw[dir][channel], values...)
}

// Raw returns the collected samples for dir and channel. The slice is
// shared; callers must not modify it.
func (c *Collector) Raw(dir Direction, channel int) []float64 {
	return c.raw[dir][channel]
}

// Len returns the sample count for dir and channel.
func (c *Collector) Len(dir Direction, channel int) int {
	return len(c.raw[dir][channel])
}

// Lens reports sample counts keyed by direction name, both channels.
func (c *Collector) Lens() map[string][2]int {
	out := make(map[string][2]int, 3)
	for _, d := range Directions() {
		out[d.String()] = [2]int{len(c.raw[d][0]), len(c.raw[d][1])}
	}
	return out
}

// Reset discards everything collected so far.
func (c *Collector) Reset() {
	c.raw = [3][2][]float64{}
}
