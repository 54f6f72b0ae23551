package serialmux

import (
	"io"
	"time"
)

// FixturePort replays recorded amplifier output as if it were arriving on
// a serial port. Writes (sync messages) are discarded.
type FixturePort struct {
	io.Reader
	w    *io.PipeWriter
	done chan struct{}
}

func (f *FixturePort) Write(p []byte) (int, error) { return len(p), nil }

func (f *FixturePort) Close() error {
	select {
	case <-f.done:
	default:
		close(f.done)
	}
	return f.w.Close()
}

// NewFixtureSource replays data in chunks of chunk bytes, one chunk per
// period, looping forever until the source is closed. It is used for
// development runs without hardware.
func NewFixtureSource(data []byte, chunk int, period time.Duration) *PortSource[*FixturePort] {
	r, w := io.Pipe()
	port := &FixturePort{Reader: r, w: w, done: make(chan struct{})}
	if chunk <= 0 {
		chunk = len(data)
	}
	logf("replaying %d byte fixture, %d bytes every %v", len(data), chunk, period)

	// generate data periodically to simulate serial port input
	go func() {
		defer w.Close()
		if len(data) == 0 {
			<-port.done
			return
		}
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		off := 0
		for {
			select {
			case <-port.done:
				return
			case <-ticker.C:
			}
			end := min(off+chunk, len(data))
			if _, err := w.Write(data[off:end]); err != nil {
				return
			}
			off = end % len(data)
		}
	}()

	return NewPortSource(port)
}
