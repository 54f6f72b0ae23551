// Package ringchan implements the fixed-capacity per-channel sample
// window the velocity pipeline computes power over.
package ringchan

import (
	"fmt"

	"github.com/banshee-data/omrloop/internal/streamstats"
)

// DefaultCapacity is roughly 10 ms of samples at the reference sensor
// rate. Size it to the acquisition rate of the actual source.
const DefaultCapacity = 200

// Channel is a FIFO ring of float samples. It keeps an incremental
// statistic of its contents so StdDev does not rescan the window on every
// frame. Channel is not safe for concurrent use; the frame loop owns it.
type Channel struct {
	buf   []float64
	head  int // index of the oldest sample
	size  int
	stats streamstats.Sliding
}

// New returns an empty channel holding at most capacity samples. It
// panics if capacity is not positive.
func New(capacity int) *Channel {
	if capacity <= 0 {
		panic(fmt.Sprintf("ringchan: capacity must be positive, got %d", capacity))
	}
	return &Channel{buf: make([]float64, capacity)}
}

// Push appends v, evicting the oldest sample when the channel is full.
func (c *Channel) Push(v float64) {
	if c.size < len(c.buf) {
		c.buf[(c.head+c.size)%len(c.buf)] = v
		c.size++
		c.stats.Add(v)
		return
	}
	old := c.buf[c.head]
	c.buf[c.head] = v
	c.head = (c.head + 1) % len(c.buf)
	c.stats.Replace(old, v)
	if c.stats.NeedsResync() {
		c.stats.Resync(c.Snapshot())
	}
}

// PushAll pushes each value in order.
func (c *Channel) PushAll(values []float64) {
	for _, v := range values {
		c.Push(v)
	}
}

// Snapshot returns a copy of the contents, oldest first.
func (c *Channel) Snapshot() []float64 {
	out := make([]float64, c.size)
	for i := 0; i < c.size; i++ {
		out[i] = c.buf[(c.head+i)%len(c.buf)]
	}
	return out
}

// Len returns the number of samples currently held.
func (c *Channel) Len() int { return c.size }

// Cap returns the fixed capacity.
func (c *Channel) Cap() int { return len(c.buf) }

// Full reports whether the channel holds Cap samples.
func (c *Channel) Full() bool { return c.size == len(c.buf) }

// Reset empties the channel without changing its capacity.
func (c *Channel) Reset() {
	c.head = 0
	c.size = 0
	c.stats.Reset()
}

// Mean returns the mean of the current contents.
func (c *Channel) Mean() (float64, error) {
	if c.size == 0 {
		return 0, streamstats.ErrEmpty
	}
	return c.stats.Mean(), nil
}

// StdDev returns the sample standard deviation of the current contents.
// A partially filled channel is fine; fewer than two samples is
// streamstats.ErrTooFew.
func (c *Channel) StdDev() (float64, error) {
	return c.stats.StdDev()
}
