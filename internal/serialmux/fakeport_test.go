package serialmux

import (
	"bytes"
	"errors"
	"sync"
)

var errPortClosed = errors.New("serial port closed")

// fakePort is an in-memory SerialPorter. Reads block until data is added,
// a read error is injected or the port is closed, like a real port with no
// read timeout.
type fakePort struct {
	mu   sync.Mutex
	cond *sync.Cond

	in  bytes.Buffer
	out bytes.Buffer

	readErr     error
	WriteError  error
	Closed      bool
	InputResets int
}

func newFakePort() *fakePort {
	p := &fakePort{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for !p.Closed && p.readErr == nil && p.in.Len() == 0 {
		p.cond.Wait()
	}
	switch {
	case p.Closed:
		return 0, errPortClosed
	case p.readErr != nil:
		err := p.readErr
		p.readErr = nil
		return 0, err
	}
	return p.in.Read(b)
}

// Write fails once with WriteError when it is set.
func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Closed {
		return 0, errPortClosed
	}
	if err := p.WriteError; err != nil {
		p.WriteError = nil
		return 0, err
	}
	return p.out.Write(b)
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Closed = true
	p.cond.Broadcast()
	return nil
}

func (p *fakePort) ResetInputBuffer() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.InputResets++
	p.in.Reset()
	return nil
}

// AddReadData queues bytes for Read.
func (p *fakePort) AddReadData(b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.in.Write(b)
	p.cond.Broadcast()
}

// FailNextRead makes the next Read return err.
func (p *fakePort) FailNextRead(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readErr = err
	p.cond.Broadcast()
}

// GetWrittenData returns a copy of everything written.
func (p *fakePort) GetWrittenData() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return bytes.Clone(p.out.Bytes())
}
