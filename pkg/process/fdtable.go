package process

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"taskos/pkg/process/ipc"
	"taskos/pkg/vfs"
)

// File is the object an open file description refers to: a vfs file, a pipe
// end or the console. Optional behaviour (seeking, stat, readiness) is found
// through the interfaces below.
type File interface {
	io.Reader
	io.Writer
	io.Closer
}

type (
	statter interface {
		Stat() (vfs.FileInfo, error)
	}
	truncater interface {
		Truncate(size int64) error
	}
	dirReader interface {
		ReadDir(n int) ([]vfs.DirEntry, error)
	}
)

// TTY is implemented by terminal devices.
type TTY interface {
	Foreground() int
	SetForeground(pgid int)
}

// Device is a character device shared by every process that opens it,
// such as the console.
type Device interface {
	File
	Pollable
	TTY
}

// deviceFile keeps the device open when a description of it is closed.
type deviceFile struct{ Device }

func (deviceFile) Close() error { return nil }

// Description is an open file description. Descriptors created by dup and
// fork share one Description and with it the file offset; the file is closed
// when the last reference goes away.
type Description struct {
	file  File
	flags int
	path  string
	refs  atomic.Int32
}

// NewDescription wraps f opened with the given O_* flags. The caller owns
// the single initial reference.
func NewDescription(f File, flags int, path string) *Description {
	d := &Description{file: f, flags: flags, path: path}
	d.refs.Store(1)
	return d
}

// File returns the underlying file.
func (d *Description) File() File { return d.file }

// Path returns the path the description was opened with, if any.
func (d *Description) Path() string { return d.path }

// Flags returns the O_* flags the description was opened with.
func (d *Description) Flags() int { return d.flags }

// Readable reports whether the access mode allows reading.
func (d *Description) Readable() bool {
	return d.flags&vfs.O_ACCMODE != vfs.O_WRONLY
}

// Writable reports whether the access mode allows writing.
func (d *Description) Writable() bool {
	return d.flags&vfs.O_ACCMODE != vfs.O_RDONLY
}

// Refs returns the number of live references.
func (d *Description) Refs() int { return int(d.refs.Load()) }

func (d *Description) get() *Description {
	d.refs.Add(1)
	return d
}

// put drops one reference and closes the file on the last.
func (d *Description) put() error {
	switch n := d.refs.Add(-1); {
	case n == 0:
		return d.file.Close()
	case n < 0:
		panic("process: description reference count underflow")
	}
	return nil
}

type fdEntry struct {
	desc    *Description
	cloexec bool
}

// FDTable maps descriptor numbers to open file descriptions.
type FDTable struct {
	mu    sync.Mutex
	fds   []*fdEntry
	limit int
}

// NewFDTable creates an empty table holding at most limit descriptors.
func NewFDTable(limit int) *FDTable {
	if limit <= 0 {
		limit = DefaultLimits().MaxFiles
	}
	return &FDTable{limit: limit}
}

// Limit returns the highest descriptor number plus one.
func (t *FDTable) Limit() int { return t.limit }

func (t *FDTable) lowestFreeLocked() (int, error) {
	for fd, e := range t.fds {
		if e == nil {
			return fd, nil
		}
	}
	if len(t.fds) >= t.limit {
		return 0, &LimitError{Type: ResourceFiles, Limit: int64(t.limit), Used: int64(len(t.fds)), Err: ErrTooManyFiles}
	}
	t.fds = append(t.fds, nil)
	return len(t.fds) - 1, nil
}

func (t *FDTable) lookupLocked(fd int) (*fdEntry, error) {
	if fd < 0 || fd >= len(t.fds) || t.fds[fd] == nil {
		return nil, fmt.Errorf("%w: %d", ErrBadFD, fd)
	}
	return t.fds[fd], nil
}

// Install places d at the lowest free descriptor. The table takes over the
// caller's reference, even on failure.
func (t *FDTable) Install(d *Description, cloexec bool) (int, error) {
	t.mu.Lock()
	fd, err := t.lowestFreeLocked()
	if err != nil {
		t.mu.Unlock()
		_ = d.put()
		return -1, err
	}
	t.fds[fd] = &fdEntry{desc: d, cloexec: cloexec}
	t.mu.Unlock()
	return fd, nil
}

// InstallAt places d at descriptor fd, closing whatever was there.
func (t *FDTable) InstallAt(fd int, d *Description) error {
	if fd < 0 || fd >= t.limit {
		_ = d.put()
		return fmt.Errorf("%w: %d", ErrBadFD, fd)
	}
	t.mu.Lock()
	for len(t.fds) <= fd {
		t.fds = append(t.fds, nil)
	}
	old := t.fds[fd]
	t.fds[fd] = &fdEntry{desc: d}
	t.mu.Unlock()
	if old != nil {
		_ = old.desc.put()
	}
	return nil
}

// installPair installs two descriptions atomically: either both get a
// descriptor or neither does.
func (t *FDTable) installPair(a, b *Description) (int, int, error) {
	t.mu.Lock()
	fa, err := t.lowestFreeLocked()
	if err == nil {
		t.fds[fa] = &fdEntry{desc: a}
		var fb int
		if fb, err = t.lowestFreeLocked(); err == nil {
			t.fds[fb] = &fdEntry{desc: b}
			t.mu.Unlock()
			return fa, fb, nil
		}
		t.fds[fa] = nil
	}
	t.mu.Unlock()
	_ = a.put()
	_ = b.put()
	return -1, -1, err
}

// Get returns the description behind fd with an extra reference the caller
// must drop with Put.
func (t *FDTable) Get(fd int) (*Description, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, err := t.lookupLocked(fd)
	if err != nil {
		return nil, err
	}
	return e.desc.get(), nil
}

// Put drops a reference obtained from Get.
func (t *FDTable) Put(d *Description) {
	_ = d.put()
}

// Close releases descriptor fd.
func (t *FDTable) Close(fd int) error {
	t.mu.Lock()
	e, err := t.lookupLocked(fd)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	t.fds[fd] = nil
	t.mu.Unlock()
	return e.desc.put()
}

// Dup duplicates fd onto the lowest free descriptor. The copy does not
// inherit close-on-exec.
func (t *FDTable) Dup(fd int) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, err := t.lookupLocked(fd)
	if err != nil {
		return -1, err
	}
	nfd, err := t.lowestFreeLocked()
	if err != nil {
		return -1, err
	}
	t.fds[nfd] = &fdEntry{desc: e.desc.get()}
	return nfd, nil
}

// Dup2 makes newfd refer to oldfd's description, closing newfd first if it
// was open. Dup2 of a valid descriptor onto itself does nothing.
func (t *FDTable) Dup2(oldfd, newfd int) (int, error) {
	if newfd < 0 || newfd >= t.limit {
		return -1, fmt.Errorf("%w: %d", ErrBadFD, newfd)
	}
	t.mu.Lock()
	e, err := t.lookupLocked(oldfd)
	if err != nil {
		t.mu.Unlock()
		return -1, err
	}
	if oldfd == newfd {
		t.mu.Unlock()
		return newfd, nil
	}
	for len(t.fds) <= newfd {
		t.fds = append(t.fds, nil)
	}
	old := t.fds[newfd]
	t.fds[newfd] = &fdEntry{desc: e.desc.get()}
	t.mu.Unlock()
	if old != nil {
		_ = old.desc.put()
	}
	return newfd, nil
}

// SetCloseOnExec sets or clears the close-on-exec flag of fd.
func (t *FDTable) SetCloseOnExec(fd int, on bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, err := t.lookupLocked(fd)
	if err != nil {
		return err
	}
	e.cloexec = on
	return nil
}

// Clone returns a copy of the table sharing every description, as fork
// does.
func (t *FDTable) Clone() *FDTable {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := &FDTable{limit: t.limit, fds: make([]*fdEntry, len(t.fds))}
	for fd, e := range t.fds {
		if e != nil {
			c.fds[fd] = &fdEntry{desc: e.desc.get(), cloexec: e.cloexec}
		}
	}
	return c
}

// CloseOnExec closes every descriptor marked close-on-exec.
func (t *FDTable) CloseOnExec() {
	t.closeMatching(func(e *fdEntry) bool { return e.cloexec })
}

// CloseAll closes every descriptor.
func (t *FDTable) CloseAll() {
	t.closeMatching(func(*fdEntry) bool { return true })
}

func (t *FDTable) closeMatching(match func(*fdEntry) bool) {
	var drop []*Description
	t.mu.Lock()
	for fd, e := range t.fds {
		if e != nil && match(e) {
			drop = append(drop, e.desc)
			t.fds[fd] = nil
		}
	}
	t.mu.Unlock()
	// Closing a pipe end wakes its peers, so it happens outside the lock.
	for _, d := range drop {
		_ = d.put()
	}
}

// Len returns the number of open descriptors.
func (t *FDTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, e := range t.fds {
		if e != nil {
			n++
		}
	}
	return n
}

// pipeReader and pipeWriter are the two ends of an ipc.Pipe as files.
type pipeReader struct{ p *ipc.Pipe }

func (r pipeReader) Read(b []byte) (int, error) { return r.p.Read(b) }
func (r pipeReader) Write([]byte) (int, error)  { return 0, ErrBadFD }
func (r pipeReader) ReadReady() bool            { return r.p.ReadReady() }
func (r pipeReader) WriteReady() bool           { return false }
func (r pipeReader) Watch(fn func()) func()     { return r.p.Watch(fn) }

func (r pipeReader) Stat() (vfs.FileInfo, error) {
	return vfs.FileInfo{Name: "pipe", Size: int64(r.p.Buffered()), Mode: os.ModeNamedPipe | 0o600, Nlink: 1}, nil
}

func (r pipeReader) Close() error {
	r.p.CloseRead()
	return nil
}

type pipeWriter struct{ p *ipc.Pipe }

func (w pipeWriter) Read([]byte) (int, error)    { return 0, ErrBadFD }
func (w pipeWriter) Write(b []byte) (int, error) { return w.p.Write(b) }
func (w pipeWriter) ReadReady() bool             { return false }
func (w pipeWriter) WriteReady() bool            { return w.p.WriteReady() }
func (w pipeWriter) Watch(fn func()) func()      { return w.p.Watch(fn) }

func (w pipeWriter) Stat() (vfs.FileInfo, error) {
	return vfs.FileInfo{Name: "pipe", Size: int64(w.p.Buffered()), Mode: os.ModeNamedPipe | 0o600, Nlink: 1}, nil
}

func (w pipeWriter) Close() error {
	w.p.CloseWrite()
	return nil
}

// NewPipe creates a pipe and returns descriptions for its read and write
// ends.
func NewPipe(size int) (r, w *Description) {
	p := ipc.NewPipe(size)
	return NewDescription(pipeReader{p}, vfs.O_RDONLY, ""), NewDescription(pipeWriter{p}, vfs.O_WRONLY, "")
}
