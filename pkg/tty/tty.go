// Package tty implements the kernel console: a character device with a
// canonical line discipline and a foreground process group.
//
// The host side feeds keystrokes through Input and collects output from the
// writer given to New. Processes read cooked lines and write output through
// the same Console, usually as descriptors 0, 1 and 2.
package tty

import (
	"bytes"
	"errors"
	"io"
	"sync"

	"taskos/pkg/process/ipc"
)

// ErrWouldBlock is returned by Read when no complete line is available.
var ErrWouldBlock = ipc.ErrWouldBlock

// ErrClosed is returned after Close.
var ErrClosed = errors.New("tty: console closed")

// Control characters handled by the line discipline.
const (
	ctrlC     = 0x03
	ctrlD     = 0x04
	ctrlZ     = 0x1a
	ctrlBack  = 0x1c
	backspace = 0x7f
	ctrlH     = 0x08
)

// Signals raised by control characters, in Linux numbering.
const (
	SigInt  = 2
	SigQuit = 3
	SigTstp = 20
)

// SignalFunc delivers sig to every process in group pgid.
type SignalFunc func(pgid, sig int) error

// Console is the system console.
type Console struct {
	mu      sync.Mutex
	out     io.Writer
	cooked  []byte
	line    []byte
	eof     bool
	closed  bool
	echo    bool
	fg      int
	signal  SignalFunc
	waiters ipc.WaitQueue
}

// New creates a console writing output (and echo) to out.
func New(out io.Writer) *Console {
	if out == nil {
		out = io.Discard
	}
	return &Console{out: out, echo: true}
}

// SetSignalFunc installs the callback used for ^C, ^Z and ^\.
func (c *Console) SetSignalFunc(fn SignalFunc) {
	c.mu.Lock()
	c.signal = fn
	c.mu.Unlock()
}

// SetEcho switches input echo.
func (c *Console) SetEcho(on bool) {
	c.mu.Lock()
	c.echo = on
	c.mu.Unlock()
}

// SetForeground makes pgid the foreground process group.
func (c *Console) SetForeground(pgid int) {
	c.mu.Lock()
	c.fg = pgid
	c.mu.Unlock()
}

// Foreground returns the foreground process group, 0 if none.
func (c *Console) Foreground() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fg
}

// Input feeds keystrokes from the host. It returns the errors of signals
// raised for the foreground group that could not be delivered; the rest of
// the input is processed regardless.
func (c *Console) Input(data []byte) error {
	var (
		echo    bytes.Buffer
		signals []int
	)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	for _, b := range data {
		switch b {
		case ctrlC:
			signals = append(signals, SigInt)
			c.line = c.line[:0]
			echo.WriteString("^C\n")
		case ctrlZ:
			signals = append(signals, SigTstp)
			echo.WriteString("^Z\n")
		case ctrlBack:
			signals = append(signals, SigQuit)
			c.line = c.line[:0]
			echo.WriteString("^\\\n")
		case ctrlD:
			if len(c.line) == 0 {
				c.eof = true
			}
			c.commit()
		case backspace, ctrlH:
			if len(c.line) > 0 {
				c.line = c.line[:len(c.line)-1]
				echo.WriteString("\b \b")
			}
		case '\r', '\n':
			c.line = append(c.line, '\n')
			c.commit()
			echo.WriteByte('\n')
		default:
			c.line = append(c.line, b)
			echo.WriteByte(b)
		}
	}
	doEcho, out, fg, signal := c.echo, c.out, c.fg, c.signal
	c.mu.Unlock()

	if doEcho && echo.Len() > 0 {
		out.Write(echo.Bytes())
	}
	var errs []error
	if signal != nil && fg > 0 {
		for _, sig := range signals {
			if err := signal(fg, sig); err != nil {
				errs = append(errs, err)
			}
		}
	}
	c.waiters.Wake()
	return errors.Join(errs...)
}

func (c *Console) commit() {
	c.cooked = append(c.cooked, c.line...)
	c.line = c.line[:0]
}

// Read returns cooked input. It returns ErrWouldBlock when no line is
// ready and io.EOF once after ^D on an empty line.
func (c *Console) Read(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, ErrClosed
	}
	if len(c.cooked) == 0 {
		if c.eof {
			c.eof = false
			return 0, io.EOF
		}
		return 0, ErrWouldBlock
	}
	n := copy(b, c.cooked)
	c.cooked = c.cooked[n:]
	return n, nil
}

// Write sends output to the host.
func (c *Console) Write(b []byte) (int, error) {
	c.mu.Lock()
	closed, out := c.closed, c.out
	c.mu.Unlock()
	if closed {
		return 0, ErrClosed
	}
	return out.Write(b)
}

// ReadReady reports whether Read would not return ErrWouldBlock.
func (c *Console) ReadReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cooked) > 0 || c.eof || c.closed
}

// WriteReady always reports true; console output never blocks.
func (c *Console) WriteReady() bool { return true }

// Watch registers fn to be called when input arrives.
func (c *Console) Watch(fn func()) (cancel func()) {
	return c.waiters.Watch(fn)
}

// Close shuts the console down and wakes every reader.
func (c *Console) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.waiters.Wake()
	return nil
}
