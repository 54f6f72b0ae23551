package serialmux

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"
)

func TestTrigger_WritesOnlyOnEdges(t *testing.T) {
	port := newFakePort()
	tr := NewTrigger(port, nil)

	steps := []struct {
		up        bool
		wantBytes string
	}{
		{true, "a"},
		{true, "a"},
		{false, "aa"},
		{false, "aa"},
		{true, "aaa"},
	}
	for i, st := range steps {
		if err := tr.Set(st.up); err != nil {
			t.Fatalf("step %d: Set(%v) error = %v", i, st.up, err)
		}
		if got := string(port.GetWrittenData()); got != st.wantBytes {
			t.Errorf("step %d: written %q, want %q", i, got, st.wantBytes)
		}
		if tr.Up() != st.up {
			t.Errorf("step %d: Up() = %v", i, tr.Up())
		}
	}
	if tr.Edges() != 3 {
		t.Errorf("Edges() = %d, want 3", tr.Edges())
	}
}

func TestTrigger_WriteErrorKeepsState(t *testing.T) {
	port := newFakePort()
	port.WriteError = errors.New("boom")
	tr := NewTrigger(port, []byte("S"))

	if err := tr.Raise(); err == nil {
		t.Fatal("expected write error")
	}
	if tr.Up() {
		t.Error("trigger should stay lowered after a failed write")
	}
	if err := tr.Raise(); err != nil {
		t.Fatalf("retry Raise() error = %v", err)
	}
	if !bytes.Equal(port.GetWrittenData(), []byte("S")) {
		t.Errorf("written %q", port.GetWrittenData())
	}
	if err := tr.Lower(); err != nil {
		t.Fatalf("Lower() error = %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !port.Closed {
		t.Error("Close should close the port")
	}
}

func TestFixtureSource_Replays(t *testing.T) {
	data := []byte{1, 2, 255, 3, 4, 255}
	s := NewFixtureSource(data, 4, time.Millisecond)
	defer s.Close()

	ctx, cancel := contextWithTimeout(t)
	defer cancel()
	go s.Monitor(ctx)

	waitAvailable(t, s, 12)
	got, err := s.Read(12)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	want := append(append([]byte{}, data...), data...)
	if !bytes.Equal(got, want) {
		t.Errorf("replay = %v, want %v", got, want)
	}
}

func TestDisabledSource(t *testing.T) {
	d := NewDisabledSource()
	if d.Available() != 0 {
		t.Error("disabled source should have nothing available")
	}
	b, err := d.Read(10)
	if err != nil || len(b) != 0 {
		t.Errorf("Read() = %v, %v", b, err)
	}
	if err := d.Flush(); err != nil {
		t.Errorf("Flush() error = %v", err)
	}
	d.Close()
	if _, err := d.Read(10); !errors.Is(err, ErrClosed) {
		t.Errorf("Read() after Close error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := d.Monitor(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Monitor() = %v, want context.Canceled", err)
	}

	var _ ByteSource = d
	var _ ByteSource = NewPortSource(newFakePort())
}
