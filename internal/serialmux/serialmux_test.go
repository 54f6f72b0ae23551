package serialmux

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/banshee-data/omrloop/internal/monitoring"
	"github.com/banshee-data/omrloop/internal/testutil"
)

func init() {
	monitoring.SetLogger(nil)
}

// startMonitor runs Monitor in the background and returns a stop func
// that cancels it and waits for it to exit.
func startMonitor(t *testing.T, s *PortSource[*fakePort]) (stop func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Monitor(ctx) }()
	return func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(2 * time.Second):
			t.Fatal("Monitor did not exit")
			return nil
		}
	}
}

func contextWithTimeout(t *testing.T) (context.Context, context.CancelFunc) {
	t.Helper()
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func waitAvailable(t *testing.T, s ByteSource, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for s.Available() < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d bytes, have %d", n, s.Available())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestPortSource_ReadIsNonBlocking(t *testing.T) {
	port := newFakePort()
	s := NewPortSource(port)
	stop := startMonitor(t, s)
	defer stop()

	got, err := s.Read(0)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("Read() on empty source = %v, want empty", got)
	}

	port.AddReadData([]byte{1, 2, 255, 3, 4, 255})
	waitAvailable(t, s, 6)

	got, err = s.Read(4)
	if err != nil {
		t.Fatalf("Read(4) error = %v", err)
	}
	if !bytes.Equal(got, []byte{1, 2, 255, 3}) {
		t.Errorf("Read(4) = %v", got)
	}
	if s.Available() != 2 {
		t.Errorf("Available() = %d, want 2", s.Available())
	}
	got, _ = s.Read(0)
	if !bytes.Equal(got, []byte{4, 255}) {
		t.Errorf("Read(0) = %v", got)
	}

	st := s.Stats()
	if st.Bytes != 6 || st.Polls != 3 || st.Buffered != 0 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestPortSource_MaxBufferedDropsOldest(t *testing.T) {
	port := newFakePort()
	s := NewPortSource(port)
	s.SetMaxBuffered(4)
	stop := startMonitor(t, s)
	defer stop()

	port.AddReadData([]byte{1, 2, 3, 4, 5, 6})
	deadline := time.Now().Add(2 * time.Second)
	for s.Stats().Bytes < 6 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for read")
		}
		time.Sleep(time.Millisecond)
	}

	got, _ := s.Read(0)
	if !bytes.Equal(got, []byte{3, 4, 5, 6}) {
		t.Errorf("Read() = %v, want newest 4 bytes", got)
	}
	if d := s.Stats().Dropped; d != 2 {
		t.Errorf("Dropped = %d, want 2", d)
	}
}

func TestPortSource_ReadErrorIsLatched(t *testing.T) {
	port := newFakePort()
	s := NewPortSource(port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Monitor(ctx) }()

	port.AddReadData([]byte{9, 9})
	waitAvailable(t, s, 2)

	ioErr := errors.New("device unplugged")
	port.FailNextRead(ioErr)
	select {
	case err := <-done:
		if !errors.Is(err, ioErr) {
			t.Fatalf("Monitor() error = %v, want %v", err, ioErr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Monitor did not return the read error")
	}

	if _, err := s.Read(0); !errors.Is(err, ioErr) {
		t.Fatalf("first Read() error = %v, want latched %v", err, ioErr)
	}
	got, err := s.Read(0)
	if err != nil {
		t.Fatalf("second Read() error = %v", err)
	}
	if !bytes.Equal(got, []byte{9, 9}) {
		t.Errorf("buffered bytes lost: %v", got)
	}
	if s.Stats().Errors != 1 {
		t.Errorf("Errors = %d, want 1", s.Stats().Errors)
	}

	// the port stays dead: every later poll reports it
	for i := 0; i < 3; i++ {
		if _, err := s.Read(0); !errors.Is(err, ioErr) {
			t.Fatalf("Read() #%d after drain error = %v, want %v", i, err, ioErr)
		}
	}
}

func TestPortSource_Flush(t *testing.T) {
	port := newFakePort()
	s := NewPortSource(port)
	stop := startMonitor(t, s)
	defer stop()

	port.AddReadData([]byte{1, 2, 3})
	waitAvailable(t, s, 3)

	if err := s.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if s.Available() != 0 {
		t.Errorf("Available() after Flush = %d", s.Available())
	}
	if port.InputResets != 1 {
		t.Errorf("InputResets = %d, want 1", port.InputResets)
	}
}

func TestPortSource_SubscribeReceivesHexBursts(t *testing.T) {
	port := newFakePort()
	s := NewPortSource(port)
	stop := startMonitor(t, s)
	defer stop()

	id, ch := s.Subscribe()
	defer s.Unsubscribe(id)

	port.AddReadData([]byte{0x01, 0xff})
	select {
	case got := <-ch:
		if got != hex.EncodeToString([]byte{0x01, 0xff}) {
			t.Errorf("payload = %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no burst delivered to subscriber")
	}
}

func TestPortSource_Close(t *testing.T) {
	port := newFakePort()
	s := NewPortSource(port)

	ctx := context.Background()
	done := make(chan error, 1)
	go func() { done <- s.Monitor(ctx) }()

	_, ch := s.Subscribe()
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, ok := <-ch; ok {
		t.Error("subscriber channel should be closed")
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Monitor() after Close = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Monitor did not exit after Close")
	}
	if !port.Closed {
		t.Error("port was not closed")
	}
	if _, err := s.Read(0); !errors.Is(err, ErrClosed) {
		t.Errorf("Read() after Close error = %v, want ErrClosed", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestPortSource_MonitorContextCancel(t *testing.T) {
	s := NewPortSource(newFakePort())
	stop := startMonitor(t, s)
	if err := stop(); !errors.Is(err, context.Canceled) {
		t.Errorf("Monitor() = %v, want context.Canceled", err)
	}
}

func TestAttachAdminRoutes_SourceStats(t *testing.T) {
	s := NewPortSource(newFakePort())
	mux := http.NewServeMux()
	s.AttachAdminRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, testutil.LocalRequest(http.MethodGet, "/debug/source-stats", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"bytes":0`) {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
}

func TestAttachAdminRoutes_TailMethodNotAllowed(t *testing.T) {
	s := NewPortSource(newFakePort())
	mux := http.NewServeMux()
	s.AttachAdminRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, testutil.LocalRequest(http.MethodPost, "/debug/tail", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusMethodNotAllowed)
	}
}

func TestAttachAdminRoutes_TailStreamsBursts(t *testing.T) {
	port := newFakePort()
	s := NewPortSource(port)
	stop := startMonitor(t, s)
	defer stop()

	mux := http.NewServeMux()
	s.AttachAdminRoutes(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/debug/tail")
	if err != nil {
		t.Fatalf("GET tail: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	buf := make([]byte, 64)
	n, _ := resp.Body.Read(buf) // initial ping
	if !strings.HasPrefix(string(buf[:n]), ": ping") {
		t.Fatalf("expected ping, got %q", buf[:n])
	}

	port.AddReadData([]byte{0xab})
	n, err = resp.Body.Read(buf)
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	if got := string(buf[:n]); got != "data: ab\n\n" {
		t.Errorf("event = %q", got)
	}
}
