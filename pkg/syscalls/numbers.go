package syscalls

import "fmt"

// Syscall numbers, passed in EAX.
const (
	SysExit = iota + 1
	SysRead
	SysWrite
	SysSbrk
	SysFork
	SysExecve
	SysExecvp
	SysOpen
	SysClose
	SysChdir
	SysGetcwd
	SysReaddir
	SysFstat
	SysStat
	SysLstat
	SysLseek
	SysWaitpid
	SysGettimeofday
	SysSigaction
	SysKill
	SysUnlink
	SysLink
	SysRmdir
	SysMkdir
	SysMkdirat
	SysTruncate
	SysFtruncate
	SysPipe
	SysDup
	SysDup2
	SysIsatty
	SysSymlink
	SysSymlinkat
	SysReadlink
	SysReadlinkat
	SysGetsid
	SysSetsid
	SysGetpgid
	SysGetpgrp
	SysSetpgid
	SysGetpid
	SysGetppid
	SysSleep
	SysSigreturn

	numSyscalls
)

var names = [numSyscalls]string{
	SysExit:         "exit",
	SysRead:         "read",
	SysWrite:        "write",
	SysSbrk:         "sbrk",
	SysFork:         "fork",
	SysExecve:       "execve",
	SysExecvp:       "execvp",
	SysOpen:         "open",
	SysClose:        "close",
	SysChdir:        "chdir",
	SysGetcwd:       "getcwd",
	SysReaddir:      "readdir",
	SysFstat:        "fstat",
	SysStat:         "stat",
	SysLstat:        "lstat",
	SysLseek:        "lseek",
	SysWaitpid:      "waitpid",
	SysGettimeofday: "gettimeofday",
	SysSigaction:    "sigaction",
	SysKill:         "kill",
	SysUnlink:       "unlink",
	SysLink:         "link",
	SysRmdir:        "rmdir",
	SysMkdir:        "mkdir",
	SysMkdirat:      "mkdirat",
	SysTruncate:     "truncate",
	SysFtruncate:    "ftruncate",
	SysPipe:         "pipe",
	SysDup:          "dup",
	SysDup2:         "dup2",
	SysIsatty:       "isatty",
	SysSymlink:      "symlink",
	SysSymlinkat:    "symlinkat",
	SysReadlink:     "readlink",
	SysReadlinkat:   "readlinkat",
	SysGetsid:       "getsid",
	SysSetsid:       "setsid",
	SysGetpgid:      "getpgid",
	SysGetpgrp:      "getpgrp",
	SysSetpgid:      "setpgid",
	SysGetpid:       "getpid",
	SysGetppid:      "getppid",
	SysSleep:        "sleep",
	SysSigreturn:    "sigreturn",
}

// Name returns the name of syscall nr.
func Name(nr uint32) string {
	if nr > 0 && nr < numSyscalls {
		return names[nr]
	}
	return fmt.Sprintf("syscall(%d)", nr)
}
