package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"taskos/pkg/mm"
	"taskos/pkg/process/ipc"
	"taskos/pkg/vfs"
)

// AtFDCWD makes the *at calls resolve relative paths against the working
// directory.
const AtFDCWD = -100

// path resolves p against the working directory.
func (p *Process) path(name string) (string, error) {
	if err := vfs.ValidatePath(name); err != nil {
		return "", err
	}
	return vfs.Abs(p.Cwd(), name), nil
}

// pathAt resolves name relative to the directory open as dirfd.
func (p *Process) pathAt(dirfd int, name string) (string, error) {
	if vfs.IsAbs(name) || dirfd == AtFDCWD {
		return p.path(name)
	}
	if err := vfs.ValidatePath(name); err != nil {
		return "", err
	}
	d, err := p.files.Get(dirfd)
	if err != nil {
		return "", err
	}
	defer p.files.Put(d)
	if d.Path() == "" {
		return "", fmt.Errorf("%w: descriptor %d", vfs.ErrNotDir, dirfd)
	}
	info, err := p.m.fs.Stat(d.Path())
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s", vfs.ErrNotDir, d.Path())
	}
	return vfs.Abs(d.Path(), name), nil
}

// Open opens name with vfs O_* flags and returns the lowest free
// descriptor.
func (p *Process) Open(name string, flags int, perm os.FileMode, cloexec bool) (int, error) {
	path, err := p.path(name)
	if err != nil {
		return -1, err
	}
	f, err := p.m.fs.OpenFile(path, flags, perm)
	if err != nil {
		return -1, err
	}
	return p.files.Install(NewDescription(f, flags, path), cloexec)
}

// Close closes descriptor fd.
func (p *Process) Close(fd int) error {
	return p.files.Close(fd)
}

// Read reads up to n bytes from fd. When nothing is available yet the
// process blocks until the source becomes readable; an empty result means
// end of file.
func (p *Process) Read(ctx context.Context, fd, n int) ([]byte, error) {
	if n < 0 {
		return nil, ErrInvalid
	}
	d, err := p.files.Get(fd)
	if err != nil {
		return nil, err
	}
	defer p.files.Put(d)
	if !d.Readable() {
		return nil, fmt.Errorf("%w: %d not open for reading", ErrBadFD, fd)
	}

	buf := make([]byte, n)
	for {
		k, err := d.file.Read(buf)
		switch {
		case errors.Is(err, ipc.ErrWouldBlock):
			src, ok := d.file.(Pollable)
			if !ok {
				return nil, ErrWouldBlock
			}
			if err := p.Block(ctx, ReadBlocker{Source: src}); err != nil {
				return nil, err
			}
		case errors.Is(err, io.EOF):
			return buf[:k], nil
		case err != nil:
			return nil, err
		default:
			return buf[:k], nil
		}
	}
}

// Write writes data to fd, blocking while a pipe is full. Writing to a
// pipe without readers raises SIGPIPE and fails with ErrBrokenPipe. A wait
// cut short by a signal after some bytes went out reports the partial
// count.
func (p *Process) Write(ctx context.Context, fd int, data []byte) (int, error) {
	d, err := p.files.Get(fd)
	if err != nil {
		return 0, err
	}
	defer p.files.Put(d)
	if !d.Writable() {
		return 0, fmt.Errorf("%w: %d not open for writing", ErrBadFD, fd)
	}

	total := 0
	for total < len(data) {
		n, err := d.file.Write(data[total:])
		total += n
		switch {
		case err == nil:
		case errors.Is(err, ipc.ErrWouldBlock):
			sink, ok := d.file.(Pollable)
			if !ok {
				return total, ErrWouldBlock
			}
			if err := p.Block(ctx, WriteBlocker{Sink: sink}); err != nil {
				if total > 0 {
					return total, nil
				}
				return 0, err
			}
		case errors.Is(err, ipc.ErrBrokenPipe):
			p.SendSignal(SIGPIPE)
			if total > 0 {
				return total, nil
			}
			return 0, ErrBrokenPipe
		default:
			return total, err
		}
	}
	return total, nil
}

// Lseek repositions fd's offset.
func (p *Process) Lseek(fd int, offset int64, whence int) (int64, error) {
	d, err := p.files.Get(fd)
	if err != nil {
		return -1, err
	}
	defer p.files.Put(d)
	s, ok := d.file.(io.Seeker)
	if !ok {
		return -1, ErrNotSeekable
	}
	return s.Seek(offset, whence)
}

// Fstat describes the file open as fd.
func (p *Process) Fstat(fd int) (vfs.FileInfo, error) {
	d, err := p.files.Get(fd)
	if err != nil {
		return vfs.FileInfo{}, err
	}
	defer p.files.Put(d)
	if s, ok := d.file.(statter); ok {
		return s.Stat()
	}
	// Devices without their own metadata.
	return vfs.FileInfo{
		Name:  vfs.Base(d.path),
		Mode:  os.ModeDevice | os.ModeCharDevice | 0o620,
		Nlink: 1,
	}, nil
}

// Isatty reports whether fd is a terminal. It fails with ErrNotTTY when it
// is not.
func (p *Process) Isatty(fd int) error {
	d, err := p.files.Get(fd)
	if err != nil {
		return err
	}
	defer p.files.Put(d)
	if _, ok := d.file.(TTY); !ok {
		return ErrNotTTY
	}
	return nil
}

// Readdir returns up to n entries of the directory open as fd, continuing
// where the last call stopped.
func (p *Process) Readdir(fd, n int) ([]vfs.DirEntry, error) {
	d, err := p.files.Get(fd)
	if err != nil {
		return nil, err
	}
	defer p.files.Put(d)
	r, ok := d.file.(dirReader)
	if !ok {
		return nil, vfs.ErrNotDir
	}
	return r.ReadDir(n)
}

// Ftruncate resizes the file open as fd.
func (p *Process) Ftruncate(fd int, size int64) error {
	d, err := p.files.Get(fd)
	if err != nil {
		return err
	}
	defer p.files.Put(d)
	if !d.Writable() {
		return fmt.Errorf("%w: %d not open for writing", ErrInvalid, fd)
	}
	t, ok := d.file.(truncater)
	if !ok {
		return ErrInvalid
	}
	return t.Truncate(size)
}

// Dup duplicates fd onto the lowest free descriptor.
func (p *Process) Dup(fd int) (int, error) { return p.files.Dup(fd) }

// Dup2 duplicates oldfd onto newfd.
func (p *Process) Dup2(oldfd, newfd int) (int, error) { return p.files.Dup2(oldfd, newfd) }

// Pipe creates a pipe and returns its read and write descriptors.
func (p *Process) Pipe() (int, int, error) {
	r, w := NewPipe(ipc.PipeSize)
	return p.files.installPair(r, w)
}

// Chdir changes the working directory.
func (p *Process) Chdir(name string) error {
	path, err := p.path(name)
	if err != nil {
		return err
	}
	info, err := p.m.fs.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s", vfs.ErrNotDir, path)
	}
	p.mu.Lock()
	p.cwd = path
	p.mu.Unlock()
	return nil
}

// Getcwd returns the working directory.
func (p *Process) Getcwd() string { return p.Cwd() }

// Stat describes the file at name, following symlinks.
func (p *Process) Stat(name string) (vfs.FileInfo, error) {
	path, err := p.path(name)
	if err != nil {
		return vfs.FileInfo{}, err
	}
	return p.m.fs.Stat(path)
}

// Lstat describes the file at name without following a final symlink.
func (p *Process) Lstat(name string) (vfs.FileInfo, error) {
	path, err := p.path(name)
	if err != nil {
		return vfs.FileInfo{}, err
	}
	return p.m.fs.Lstat(path)
}

// Unlink removes the directory entry name.
func (p *Process) Unlink(name string) error {
	path, err := p.path(name)
	if err != nil {
		return err
	}
	return p.m.fs.Unlink(path)
}

// Link creates newname as a hard link to oldname.
func (p *Process) Link(oldname, newname string) error {
	oldpath, err := p.path(oldname)
	if err != nil {
		return err
	}
	newpath, err := p.path(newname)
	if err != nil {
		return err
	}
	return p.m.fs.Link(oldpath, newpath)
}

// Rmdir removes the empty directory name.
func (p *Process) Rmdir(name string) error {
	path, err := p.path(name)
	if err != nil {
		return err
	}
	return p.m.fs.Rmdir(path)
}

// Mkdir creates a directory relative to the working directory.
func (p *Process) Mkdir(name string, perm os.FileMode) error {
	return p.Mkdirat(AtFDCWD, name, perm)
}

// Mkdirat creates a directory at name relative to dirfd.
func (p *Process) Mkdirat(dirfd int, name string, perm os.FileMode) error {
	path, err := p.pathAt(dirfd, name)
	if err != nil {
		return err
	}
	return p.m.fs.Mkdir(path, perm)
}

// Truncate sets the size of the file at name.
func (p *Process) Truncate(name string, size int64) error {
	path, err := p.path(name)
	if err != nil {
		return err
	}
	return p.m.fs.Truncate(path, size)
}

// Symlink creates name as a symlink to target.
func (p *Process) Symlink(target, name string) error {
	return p.Symlinkat(target, AtFDCWD, name)
}

// Symlinkat creates name, relative to dirfd, as a symlink to target. target
// is stored as given.
func (p *Process) Symlinkat(target string, dirfd int, name string) error {
	if target == "" {
		return vfs.ErrEmptyPath
	}
	path, err := p.pathAt(dirfd, name)
	if err != nil {
		return err
	}
	return p.m.fs.Symlink(target, path)
}

// Readlink returns the target of the symlink at name.
func (p *Process) Readlink(name string) (string, error) {
	return p.Readlinkat(AtFDCWD, name)
}

// Readlinkat returns the target of the symlink at name relative to dirfd.
func (p *Process) Readlinkat(dirfd int, name string) (string, error) {
	path, err := p.pathAt(dirfd, name)
	if err != nil {
		return "", err
	}
	return p.m.fs.Readlink(path)
}

// Sbrk moves the program break by delta bytes and returns the old break.
func (p *Process) Sbrk(delta int32) (uint32, error) {
	if p.kernel {
		return 0, ErrKernelProcess
	}
	space := p.Space()
	if space == nil {
		return 0, ErrKilled
	}
	limit := p.Limits().MaxHeap
	start, brk := space.Heap()
	if size := int64(brk) - int64(start) + int64(delta); limit != 0 && delta > 0 && size > int64(limit) {
		return 0, &LimitError{Type: ResourceHeap, Limit: int64(limit), Used: size, Err: mm.ErrNoMemory}
	}
	return space.Sbrk(delta, limit)
}

// Sleep blocks for d or until a signal interrupts the wait.
func (p *Process) Sleep(ctx context.Context, d time.Duration) error {
	b := TimerBlocker{Deadline: p.m.clock().Add(d), Clock: p.m.clock}
	for !b.ShouldUnblock() {
		if err := p.Block(ctx, b); err != nil {
			return err
		}
	}
	return nil
}

// Gettimeofday returns the kernel clock's current time.
func (p *Process) Gettimeofday() time.Time {
	return p.m.clock()
}
