package serialmux

import (
	"context"
	"net/http"
	"sync"
)

// DisabledSource is a ByteSource that never yields data, for runs without
// an amplifier (-disable-serial): the session, API and admin routes still
// work, every tick simply sees an empty burst.
type DisabledSource struct {
	mu     sync.Mutex
	closed bool
}

func NewDisabledSource() *DisabledSource { return &DisabledSource{} }

func (d *DisabledSource) Available() int { return 0 }

func (d *DisabledSource) Read(int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	return []byte{}, nil
}

func (d *DisabledSource) Flush() error { return nil }

func (d *DisabledSource) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

// Monitor has no port to watch; it waits for ctx.
func (d *DisabledSource) Monitor(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (d *DisabledSource) AttachAdminRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/debug/serial-disabled", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("serial disabled"))
	})
}
