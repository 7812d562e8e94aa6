package ipc

import (
	"errors"
	"io"
	"sync"
)

// Pipe errors.
var (
	ErrWouldBlock = errors.New("operation would block")
	ErrBrokenPipe = errors.New("pipe is broken")
	ErrPipeClosed = errors.New("pipe end is closed")
)

// PipeSize is the default pipe capacity in bytes.
const PipeSize = 4096

// Pipe is a bounded byte stream with one read end and one write end.
//
// Reads and writes never block. Read returns ErrWouldBlock when the pipe is
// empty and a writer remains; Write returns ErrWouldBlock when the pipe is
// full. Callers wait for readiness through Watch.
type Pipe struct {
	mu          sync.Mutex
	buf         []byte
	size        int
	readClosed  bool
	writeClosed bool
	waiters     WaitQueue
}

// NewPipe creates a pipe holding at most size bytes (PipeSize when size <= 0).
func NewPipe(size int) *Pipe {
	if size <= 0 {
		size = PipeSize
	}
	return &Pipe{size: size}
}

// Read reads buffered bytes. It returns io.EOF once the pipe is empty and
// the write end is closed.
func (p *Pipe) Read(b []byte) (int, error) {
	p.mu.Lock()
	if p.readClosed {
		p.mu.Unlock()
		return 0, ErrPipeClosed
	}
	if len(p.buf) == 0 {
		closed := p.writeClosed
		p.mu.Unlock()
		if closed {
			return 0, io.EOF
		}
		return 0, ErrWouldBlock
	}
	n := copy(b, p.buf)
	p.buf = p.buf[n:]
	p.mu.Unlock()

	p.waiters.Wake()
	return n, nil
}

// Write appends as much of b as fits and returns the count. A short write
// is not an error.
func (p *Pipe) Write(b []byte) (int, error) {
	p.mu.Lock()
	switch {
	case p.writeClosed:
		p.mu.Unlock()
		return 0, ErrPipeClosed
	case p.readClosed:
		p.mu.Unlock()
		return 0, ErrBrokenPipe
	case len(b) == 0:
		p.mu.Unlock()
		return 0, nil
	}
	space := p.size - len(p.buf)
	if space == 0 {
		p.mu.Unlock()
		return 0, ErrWouldBlock
	}
	n := min(space, len(b))
	p.buf = append(p.buf, b[:n]...)
	p.mu.Unlock()

	p.waiters.Wake()
	return n, nil
}

// ReadReady reports whether Read would not return ErrWouldBlock.
func (p *Pipe) ReadReady() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buf) > 0 || p.writeClosed
}

// WriteReady reports whether Write would not return ErrWouldBlock.
func (p *Pipe) WriteReady() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readClosed || len(p.buf) < p.size
}

// Buffered returns the number of unread bytes.
func (p *Pipe) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buf)
}

// CloseRead closes the read end. Pending and future writes fail with
// ErrBrokenPipe.
func (p *Pipe) CloseRead() {
	p.mu.Lock()
	p.readClosed = true
	p.buf = nil
	p.mu.Unlock()
	p.waiters.Wake()
}

// CloseWrite closes the write end. Readers drain what is left, then see EOF.
func (p *Pipe) CloseWrite() {
	p.mu.Lock()
	p.writeClosed = true
	p.mu.Unlock()
	p.waiters.Wake()
}

// Watch registers fn to be called whenever the pipe's readiness may have
// changed.
func (p *Pipe) Watch(fn func()) (cancel func()) {
	return p.waiters.Watch(fn)
}
