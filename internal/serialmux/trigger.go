package serialmux

import (
	"fmt"
	"io"
	"sync"
)

// DefaultSyncMessage is written to the acquisition system on every trial
// start and end.
var DefaultSyncMessage = []byte("a")

// Trigger drives the external sync line used to align electrophysiology
// and video recordings with trials. The same message marks both edges; the
// receiving side toggles on each one.
type Trigger struct {
	mu    sync.Mutex
	w     io.Writer
	msg   []byte
	up    bool
	edges int
}

// NewTrigger returns a lowered trigger writing msg to w. A nil or empty
// msg uses DefaultSyncMessage.
func NewTrigger(w io.Writer, msg []byte) *Trigger {
	if len(msg) == 0 {
		msg = DefaultSyncMessage
	}
	return &Trigger{w: w, msg: append([]byte(nil), msg...)}
}

// Raise marks the start of a trial. It is a no-op when already raised.
func (t *Trigger) Raise() error { return t.set(true) }

// Lower marks the end of a trial. It is a no-op when already lowered.
func (t *Trigger) Lower() error { return t.set(false) }

// Set raises or lowers the trigger.
func (t *Trigger) Set(up bool) error { return t.set(up) }

func (t *Trigger) set(up bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.up == up {
		return nil
	}
	n, err := t.w.Write(t.msg)
	if err != nil {
		return fmt.Errorf("write sync message: %w", err)
	}
	if n != len(t.msg) {
		return fmt.Errorf("write sync message: short write %d of %d bytes", n, len(t.msg))
	}
	t.up = up
	t.edges++
	return nil
}

// Up reports whether the trigger is raised.
func (t *Trigger) Up() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.up
}

// Edges returns the number of messages written.
func (t *Trigger) Edges() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.edges
}

// Close closes the underlying writer when it is an io.Closer.
func (t *Trigger) Close() error {
	if c, ok := t.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
