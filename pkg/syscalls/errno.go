package syscalls

import (
	"errors"

	"golang.org/x/sys/unix"

	"taskos/pkg/loader"
	"taskos/pkg/mm"
	"taskos/pkg/process"
	"taskos/pkg/process/ipc"
	"taskos/pkg/vfs"
)

// Errors raised by the dispatcher itself.
var (
	ErrFault = errors.New("bad address")
	ErrNoSys = errors.New("function not implemented")
	ErrRange = errors.New("result too large")
)

// errnos is searched in order; the first match wins.
var errnos = []struct {
	err   error
	errno unix.Errno
}{
	{ErrFault, unix.EFAULT},
	{ErrNoSys, unix.ENOSYS},
	{ErrRange, unix.ERANGE},

	{process.ErrBadFD, unix.EBADF},
	{process.ErrPermission, unix.EPERM},
	{process.ErrAccess, unix.EACCES},
	{process.ErrNoSuchProcess, unix.ESRCH},
	{process.ErrNoChild, unix.ECHILD},
	{process.ErrInterrupted, unix.EINTR},
	{process.ErrKilled, unix.EINTR},
	{process.ErrTooManyFiles, unix.EMFILE},
	{process.ErrTableFull, unix.EAGAIN},
	{process.ErrWouldBlock, unix.EAGAIN},
	{process.ErrNotTTY, unix.ENOTTY},
	{process.ErrNotSeekable, unix.ESPIPE},
	{process.ErrBrokenPipe, unix.EPIPE},
	{process.ErrNameTooLong, unix.ENAMETOOLONG},
	{process.ErrTooManyArgs, unix.E2BIG},
	{process.ErrInvalidSignal, unix.EINVAL},
	{process.ErrUncatchable, unix.EINVAL},
	{process.ErrNotInHandler, unix.EINVAL},
	{process.ErrKernelProcess, unix.EPERM},
	{process.ErrInvalid, unix.EINVAL},
	{ipc.ErrBrokenPipe, unix.EPIPE},
	{ipc.ErrWouldBlock, unix.EAGAIN},

	{loader.ErrNotFound, unix.ENOENT},
	{loader.ErrBadExecutable, unix.ENOEXEC},

	{mm.ErrNoMemory, unix.ENOMEM},
	{mm.ErrBadRange, unix.EFAULT},
	{mm.ErrSegv, unix.EFAULT},
	{mm.ErrTooLong, unix.ENAMETOOLONG},
	{mm.ErrBadLength, unix.EINVAL},
	{mm.ErrReleased, unix.EFAULT},

	{vfs.ErrNotExist, unix.ENOENT},
	{vfs.ErrEmptyPath, unix.ENOENT},
	{vfs.ErrExist, unix.EEXIST},
	{vfs.ErrNotDir, unix.ENOTDIR},
	{vfs.ErrIsDir, unix.EISDIR},
	{vfs.ErrNotEmpty, unix.ENOTEMPTY},
	{vfs.ErrPermission, unix.EPERM},
	{vfs.ErrClosed, unix.EBADF},
	{vfs.ErrBadSeek, unix.EINVAL},
	{vfs.ErrInvalid, unix.EINVAL},
	{vfs.ErrInvalidPath, unix.EINVAL},
	{vfs.ErrSymlinkLoop, unix.ELOOP},
	{vfs.ErrPathTooLong, unix.ENAMETOOLONG},
}

// Errno maps err to the errno user code sees. Unknown errors become EIO.
func Errno(err error) unix.Errno {
	if err == nil {
		return 0
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno
	}
	for _, e := range errnos {
		if errors.Is(err, e.err) {
			return e.errno
		}
	}
	return unix.EIO
}

// Result encodes a syscall outcome for EAX: the value on success, the
// negated errno otherwise.
func Result(v uint32, err error) uint32 {
	if err != nil {
		return uint32(-int32(Errno(err)))
	}
	return v
}
