// Package serialmux turns a blocking serial port into the non-blocking byte
// source polled by the frame loop, and lets debug clients tap the raw
// bursts as they arrive.
package serialmux

import (
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"tailscale.com/tsweb"

	"github.com/banshee-data/omrloop/internal/httputil"
	"github.com/banshee-data/omrloop/internal/monitoring"
)

var logf = monitoring.Component("serialmux")

// ErrClosed is returned by Read after Close.
var ErrClosed = errors.New("serialmux: source closed")

const (
	// readChunk is the size of each blocking read on the port.
	readChunk = 4096
	// DefaultMaxBuffered caps the bytes held between two polls. At
	// 921600 baud this is roughly two seconds of data.
	DefaultMaxBuffered = 1 << 18
)

// SourceStats counts byte source activity.
type SourceStats struct {
	Bytes    int64 `json:"bytes"`
	Reads    int64 `json:"reads"`
	Polls    int64 `json:"polls"`
	Dropped  int64 `json:"dropped"`
	Errors   int64 `json:"errors"`
	Flushes  int64 `json:"flushes"`
	Buffered int   `json:"buffered"`
}

// PortSource buffers everything read from a serial port by Monitor so
// that Available and Read can be polled without blocking.
type PortSource[T SerialPorter] struct {
	port        T
	maxBuffered int

	mu       sync.Mutex
	buf      []byte
	err      error // read error that stopped Monitor
	reported bool  // err returned at least once
	closed   bool
	stats    SourceStats

	subscribers  map[string]chan string
	subscriberMu sync.Mutex
}

// NewPortSource wraps port. Call Monitor in its own goroutine to start
// filling the buffer.
func NewPortSource[T SerialPorter](port T) *PortSource[T] {
	return &PortSource[T]{
		port:        port,
		maxBuffered: DefaultMaxBuffered,
		subscribers: make(map[string]chan string),
	}
}

// SetMaxBuffered changes the buffer cap. When a poll falls behind, the
// oldest bytes are dropped first.
func (s *PortSource[T]) SetMaxBuffered(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxBuffered = n
}

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe returns a channel receiving every raw burst read from the
// port, hex encoded. Slow subscribers miss bursts rather than stall the
// reader.
func (s *PortSource[T]) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string, 16)
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	s.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber.
func (s *PortSource[T]) Unsubscribe(id string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

// Available implements ByteSource.
func (s *PortSource[T]) Available() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

// Read implements ByteSource. A read error that stopped Monitor is
// returned on the next poll. Bytes buffered before the failure are still
// delivered after that, and once they are drained every poll returns the
// error again.
func (s *PortSource[T]) Read(max int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Polls++
	if s.err != nil && (!s.reported || len(s.buf) == 0) {
		s.reported = true
		return nil, s.err
	}
	if s.closed && len(s.buf) == 0 {
		return nil, ErrClosed
	}
	n := len(s.buf)
	if max > 0 && max < n {
		n = max
	}
	out := make([]byte, n)
	copy(out, s.buf)
	s.buf = s.buf[:copy(s.buf, s.buf[n:])]
	return out, nil
}

// Flush implements ByteSource. It also resets the driver's receive buffer
// when the port supports it.
func (s *PortSource[T]) Flush() error {
	s.mu.Lock()
	s.buf = s.buf[:0]
	s.stats.Flushes++
	s.mu.Unlock()

	if r, ok := any(s.port).(inputResetter); ok {
		if err := r.ResetInputBuffer(); err != nil {
			return fmt.Errorf("reset input buffer: %w", err)
		}
	}
	return nil
}

// Stats returns a snapshot of the counters.
func (s *PortSource[T]) Stats() SourceStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Buffered = len(s.buf)
	return st
}

func (s *PortSource[T]) push(chunk []byte) {
	s.mu.Lock()
	s.stats.Reads++
	s.stats.Bytes += int64(len(chunk))
	s.buf = append(s.buf, chunk...)
	if over := len(s.buf) - s.maxBuffered; s.maxBuffered > 0 && over > 0 {
		s.stats.Dropped += int64(over)
		s.buf = s.buf[:copy(s.buf, s.buf[over:])]
	}
	s.mu.Unlock()

	s.subscriberMu.Lock()
	if len(s.subscribers) > 0 {
		payload := hex.EncodeToString(chunk)
		for _, ch := range s.subscribers {
			select {
			case ch <- payload:
			default:
				// if the channel is full/blocking skip so as not to block the outer loop
			}
		}
	}
	s.subscriberMu.Unlock()
}

func (s *PortSource[T]) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Errors++
	if !s.closed {
		s.err = err
	}
}

func (s *PortSource[T]) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Monitor reads from the port until ctx is cancelled, the port returns an
// error, or the source is closed. A read error is returned and stays
// latched for Read.
func (s *PortSource[T]) Monitor(ctx context.Context) error {
	chunks := make(chan []byte)
	readErr := make(chan error, 1)

	// the blocking port read runs in its own goroutine so cancellation is
	// observed even while no bytes arrive.
	go func() {
		defer close(chunks)
		for {
			b := make([]byte, readChunk)
			n, err := s.port.Read(b)
			if n > 0 {
				select {
				case chunks <- b[:n]:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				select {
				case readErr <- err:
				case <-ctx.Done():
				}
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-readErr:
			if s.isClosed() {
				return nil
			}
			s.fail(err)
			logf("read failed: %v", err)
			return err

		case chunk, ok := <-chunks:
			if !ok {
				return nil
			}
			if s.isClosed() {
				return nil
			}
			s.push(chunk)
		}
	}
}

// Close closes all subscribed channels and closes the serial port.
func (s *PortSource[T]) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.subscriberMu.Lock()
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	s.subscriberMu.Unlock()
	return s.port.Close()
}

// AttachAdminRoutes attaches admin debugging endpoints to the given HTTP
// mux served at /debug/. These routes are accessible only over
// localhost/via Tailscale and are not publicly accessible.
func (s *PortSource[T]) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("source-stats", "serial byte source counters", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSONOK(w, s.Stats())
	})

	// API endpoint to issue Server-Side Events (SSE) for every burst read from the port.
	debug.HandleSilentFunc("tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		serveTail(w, r, s.Subscribe, s.Unsubscribe)
	})
}

func serveTail(w http.ResponseWriter, r *http.Request, subscribe func() (string, chan string), unsubscribe func(string)) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

	id, c := subscribe()
	defer unsubscribe(id)

	// Send initial ping to establish connection
	w.Write([]byte(": ping\n\n"))
	flusher.Flush()

	for {
		select {
		case payload, ok := <-c:
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
