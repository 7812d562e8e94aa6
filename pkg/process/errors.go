package process

import "errors"

// Errors returned by process operations. The syscall layer maps each of them
// (and the mm, vfs and loader errors they wrap) to an errno value.
var (
	ErrNoSuchProcess   = errors.New("no such process")
	ErrNoChild         = errors.New("no child processes")
	ErrInterrupted     = errors.New("interrupted by signal")
	ErrKilled          = errors.New("process was killed")
	ErrPermission      = errors.New("operation not permitted")
	ErrAccess          = errors.New("permission denied")
	ErrBadFD           = errors.New("bad file descriptor")
	ErrTooManyFiles    = errors.New("too many open files")
	ErrTableFull       = errors.New("process table full")
	ErrInvalid         = errors.New("invalid argument")
	ErrNotTTY          = errors.New("not a terminal")
	ErrNotSeekable     = errors.New("illegal seek")
	ErrWouldBlock      = errors.New("operation would block")
	ErrBrokenPipe      = errors.New("broken pipe")
	ErrAlreadyReaped   = errors.New("process already reaped")
	ErrNotZombie       = errors.New("process has not exited")
	ErrNotInHandler    = errors.New("no signal handler is running")
	ErrKernelProcess   = errors.New("operation not supported on kernel process")
	ErrNameTooLong     = errors.New("file name too long")
	ErrInvalidSignal   = errors.New("invalid signal")
	ErrUncatchable     = errors.New("signal cannot be caught or ignored")
	ErrTooManyArgs     = errors.New("argument list too long")
)
