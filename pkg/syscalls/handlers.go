package syscalls

import (
	"os"
	"time"

	"taskos/pkg/process"
	"taskos/pkg/vfs"
)

type handler func(d *Dispatcher, c *call) (uint32, error)

var handlers = [numSyscalls]handler{
	SysExit:         sysExit,
	SysRead:         sysRead,
	SysWrite:        sysWrite,
	SysSbrk:         sysSbrk,
	SysFork:         sysFork,
	SysExecve:       sysExecve,
	SysExecvp:       sysExecvp,
	SysOpen:         sysOpen,
	SysClose:        sysClose,
	SysChdir:        sysChdir,
	SysGetcwd:       sysGetcwd,
	SysReaddir:      sysReaddir,
	SysFstat:        sysFstat,
	SysStat:         sysStat,
	SysLstat:        sysLstat,
	SysLseek:        sysLseek,
	SysWaitpid:      sysWaitpid,
	SysGettimeofday: sysGettimeofday,
	SysSigaction:    sysSigaction,
	SysKill:         sysKill,
	SysUnlink:       pathOp((*process.Process).Unlink),
	SysLink:         sysLink,
	SysRmdir:        pathOp((*process.Process).Rmdir),
	SysMkdir:        sysMkdir,
	SysMkdirat:      sysMkdirat,
	SysTruncate:     sysTruncate,
	SysFtruncate:    sysFtruncate,
	SysPipe:         sysPipe,
	SysDup:          sysDup,
	SysDup2:         sysDup2,
	SysIsatty:       sysIsatty,
	SysSymlink:      sysSymlink,
	SysSymlinkat:    sysSymlinkat,
	SysReadlink:     sysReadlink,
	SysReadlinkat:   sysReadlinkat,
	SysGetsid:       sysGetsid,
	SysSetsid:       sysSetsid,
	SysGetpgid:      sysGetpgid,
	SysGetpgrp:      sysGetpgrp,
	SysSetpgid:      sysSetpgid,
	SysGetpid:       sysGetpid,
	SysGetppid:      sysGetppid,
	SysSleep:        sysSleep,
	SysSigreturn:    sysSigreturn,
}

func handlerFor(nr uint32) handler {
	if nr == 0 || nr >= numSyscalls {
		return nil
	}
	return handlers[nr]
}

func sysExit(_ *Dispatcher, c *call) (uint32, error) {
	c.p.Exit(c.int(0))
	return 0, nil
}

func sysRead(_ *Dispatcher, c *call) (uint32, error) {
	buf, n := c.arg(1), min(c.arg(2), MaxIO)
	if err := c.checkPtr(buf, n, true); err != nil {
		return 0, err
	}
	data, err := c.p.Read(c.ctx, c.int(0), int(n))
	if err != nil {
		return 0, err
	}
	if err := c.copyOut(buf, data); err != nil {
		return 0, err
	}
	return uint32(len(data)), nil
}

func sysWrite(_ *Dispatcher, c *call) (uint32, error) {
	data, err := c.copyIn(c.arg(1), min(c.arg(2), MaxIO))
	if err != nil {
		return 0, err
	}
	n, err := c.p.Write(c.ctx, c.int(0), data)
	return uint32(n), err
}

func sysSbrk(_ *Dispatcher, c *call) (uint32, error) {
	return c.p.Sbrk(int32(c.arg(0)))
}

func sysFork(_ *Dispatcher, c *call) (uint32, error) {
	child, err := c.p.Fork(*c.regs)
	if err != nil {
		return 0, err
	}
	return uint32(child.PID()), nil
}

func readExecArgs(c *call) (string, []string, []string, error) {
	path, err := c.str(c.arg(0))
	if err != nil {
		return "", nil, nil, err
	}
	args, err := c.strv(c.arg(1))
	if err != nil {
		return "", nil, nil, err
	}
	env, err := c.strv(c.arg(2))
	if err != nil {
		return "", nil, nil, err
	}
	return path, args, env, nil
}

func sysExecve(_ *Dispatcher, c *call) (uint32, error) {
	path, args, env, err := readExecArgs(c)
	if err != nil {
		return 0, err
	}
	if err := c.p.Exec(path, args, env); err != nil {
		return 0, err
	}
	*c.regs = c.p.Registers()
	c.keep = true
	return 0, nil
}

func sysExecvp(_ *Dispatcher, c *call) (uint32, error) {
	file, args, env, err := readExecArgs(c)
	if err != nil {
		return 0, err
	}
	if err := c.p.Execvp(file, args, env); err != nil {
		return 0, err
	}
	*c.regs = c.p.Registers()
	c.keep = true
	return 0, nil
}

func sysOpen(_ *Dispatcher, c *call) (uint32, error) {
	path, err := c.str(c.arg(0))
	if err != nil {
		return 0, err
	}
	flags, cloexec := openFlags(c.int(1))
	fd, err := c.p.Open(path, flags, os.FileMode(c.arg(2)&0o777), cloexec)
	return uint32(fd), err
}

func sysClose(_ *Dispatcher, c *call) (uint32, error) {
	return 0, c.p.Close(c.int(0))
}

// pathOp adapts an operation taking one path.
func pathOp(op func(*process.Process, string) error) handler {
	return func(_ *Dispatcher, c *call) (uint32, error) {
		path, err := c.str(c.arg(0))
		if err != nil {
			return 0, err
		}
		return 0, op(c.p, path)
	}
}

func sysChdir(d *Dispatcher, c *call) (uint32, error) {
	return pathOp((*process.Process).Chdir)(d, c)
}

func sysGetcwd(_ *Dispatcher, c *call) (uint32, error) {
	cwd := append([]byte(c.p.Getcwd()), 0)
	if uint32(len(cwd)) > c.arg(1) {
		return 0, ErrRange
	}
	if err := c.copyOut(c.arg(0), cwd); err != nil {
		return 0, err
	}
	return uint32(len(cwd)), nil
}

func sysReaddir(_ *Dispatcher, c *call) (uint32, error) {
	buf, size := c.arg(1), c.arg(2)
	n := size / uint32(DirentSize)
	if n == 0 {
		return 0, process.ErrInvalid
	}
	if err := c.checkPtr(buf, n*uint32(DirentSize), true); err != nil {
		return 0, err
	}
	entries, err := c.p.Readdir(c.int(0), int(n))
	if err != nil {
		return 0, err
	}
	var out []byte
	for _, e := range entries {
		out = append(out, Encode(direntOf(e))...)
	}
	if err := c.copyOut(buf, out); err != nil {
		return 0, err
	}
	return uint32(len(out)), nil
}

func sysFstat(_ *Dispatcher, c *call) (uint32, error) {
	if err := c.checkPtr(c.arg(1), uint32(StatSize), true); err != nil {
		return 0, err
	}
	fi, err := c.p.Fstat(c.int(0))
	if err != nil {
		return 0, err
	}
	return 0, c.copyOut(c.arg(1), Encode(statOf(fi)))
}

func sysStat(_ *Dispatcher, c *call) (uint32, error) {
	return statPath(c, c.p.Stat)
}

func sysLstat(_ *Dispatcher, c *call) (uint32, error) {
	return statPath(c, c.p.Lstat)
}

func statPath(c *call, stat func(string) (vfs.FileInfo, error)) (uint32, error) {
	path, err := c.str(c.arg(0))
	if err != nil {
		return 0, err
	}
	if err := c.checkPtr(c.arg(1), uint32(StatSize), true); err != nil {
		return 0, err
	}
	fi, err := stat(path)
	if err != nil {
		return 0, err
	}
	return 0, c.copyOut(c.arg(1), Encode(statOf(fi)))
}

func sysLseek(_ *Dispatcher, c *call) (uint32, error) {
	off, err := c.p.Lseek(c.int(0), int64(c.int(1)), c.int(2))
	if err != nil {
		return 0, err
	}
	if off > 1<<31-1 {
		return 0, ErrRange
	}
	return uint32(off), nil
}

func sysWaitpid(_ *Dispatcher, c *call) (uint32, error) {
	statusPtr := c.arg(1)
	if statusPtr != 0 {
		if err := c.checkPtr(statusPtr, 4, true); err != nil {
			return 0, err
		}
	}
	pid, status, err := c.p.Waitpid(c.ctx, c.int(0), c.int(2))
	if err != nil {
		return 0, err
	}
	if statusPtr != 0 && pid > 0 {
		if err := c.putWord(statusPtr, uint32(status)); err != nil {
			return 0, err
		}
	}
	return uint32(pid), nil
}

func sysGettimeofday(_ *Dispatcher, c *call) (uint32, error) {
	return 0, c.copyOut(c.arg(0), Encode(timevalOf(c.p.Gettimeofday())))
}

func sysSigaction(_ *Dispatcher, c *call) (uint32, error) {
	sig := process.Signal(c.int(0))
	newPtr, oldPtr := c.arg(1), c.arg(2)
	if oldPtr != 0 {
		if err := c.checkPtr(oldPtr, uint32(SigactionSize), true); err != nil {
			return 0, err
		}
	}

	var act *process.SigAction
	if newPtr != 0 {
		raw, err := c.copyIn(newPtr, uint32(SigactionSize))
		if err != nil {
			return 0, err
		}
		var sa Sigaction
		if err := Decode(raw, &sa); err != nil {
			return 0, err
		}
		act = &process.SigAction{Flags: sa.Flags, Restorer: sa.Restorer}
		switch sa.Handler {
		case SigDFL:
			act.Disposition = process.SigDefault
		case SigIGN:
			act.Disposition = process.SigIgnore
		default:
			act.Disposition = process.SigHandler
			act.Handler = sa.Handler
		}
	}

	old, err := c.p.Sigaction(sig, act)
	if err != nil {
		return 0, err
	}
	if oldPtr != 0 {
		sa := Sigaction{Handler: old.Handler, Flags: old.Flags, Restorer: old.Restorer}
		switch old.Disposition {
		case process.SigDefault:
			sa.Handler = SigDFL
		case process.SigIgnore:
			sa.Handler = SigIGN
		}
		return 0, c.copyOut(oldPtr, Encode(sa))
	}
	return 0, nil
}

func sysKill(d *Dispatcher, c *call) (uint32, error) {
	return 0, d.m.Kill(c.p, c.int(0), process.Signal(c.int(1)))
}

func sysLink(_ *Dispatcher, c *call) (uint32, error) {
	oldPath, err := c.str(c.arg(0))
	if err != nil {
		return 0, err
	}
	newPath, err := c.str(c.arg(1))
	if err != nil {
		return 0, err
	}
	return 0, c.p.Link(oldPath, newPath)
}

func sysMkdir(_ *Dispatcher, c *call) (uint32, error) {
	path, err := c.str(c.arg(0))
	if err != nil {
		return 0, err
	}
	return 0, c.p.Mkdir(path, os.FileMode(c.arg(1)&0o777))
}

func sysMkdirat(_ *Dispatcher, c *call) (uint32, error) {
	path, err := c.str(c.arg(1))
	if err != nil {
		return 0, err
	}
	return 0, c.p.Mkdirat(c.int(0), path, os.FileMode(c.arg(2)&0o777))
}

func sysTruncate(_ *Dispatcher, c *call) (uint32, error) {
	path, err := c.str(c.arg(0))
	if err != nil {
		return 0, err
	}
	return 0, c.p.Truncate(path, int64(c.int(1)))
}

func sysFtruncate(_ *Dispatcher, c *call) (uint32, error) {
	return 0, c.p.Ftruncate(c.int(0), int64(c.int(1)))
}

func sysPipe(_ *Dispatcher, c *call) (uint32, error) {
	fds := c.arg(0)
	if err := c.checkPtr(fds, 8, true); err != nil {
		return 0, err
	}
	r, w, err := c.p.Pipe()
	if err != nil {
		return 0, err
	}
	if err := c.copyOut(fds, Encode([2]int32{int32(r), int32(w)})); err != nil {
		_ = c.p.Close(r)
		_ = c.p.Close(w)
		return 0, err
	}
	return 0, nil
}

func sysDup(_ *Dispatcher, c *call) (uint32, error) {
	fd, err := c.p.Dup(c.int(0))
	return uint32(fd), err
}

func sysDup2(_ *Dispatcher, c *call) (uint32, error) {
	fd, err := c.p.Dup2(c.int(0), c.int(1))
	return uint32(fd), err
}

func sysIsatty(_ *Dispatcher, c *call) (uint32, error) {
	if err := c.p.Isatty(c.int(0)); err != nil {
		return 0, err
	}
	return 1, nil
}

func sysSymlink(_ *Dispatcher, c *call) (uint32, error) {
	target, err := c.str(c.arg(0))
	if err != nil {
		return 0, err
	}
	name, err := c.str(c.arg(1))
	if err != nil {
		return 0, err
	}
	return 0, c.p.Symlink(target, name)
}

func sysSymlinkat(_ *Dispatcher, c *call) (uint32, error) {
	target, err := c.str(c.arg(0))
	if err != nil {
		return 0, err
	}
	name, err := c.str(c.arg(2))
	if err != nil {
		return 0, err
	}
	return 0, c.p.Symlinkat(target, c.int(1), name)
}

// copyLink writes at most size bytes of target to buf, without a NUL.
func copyLink(c *call, target string, buf, size uint32) (uint32, error) {
	out := []byte(target)
	if uint32(len(out)) > size {
		out = out[:size]
	}
	if err := c.copyOut(buf, out); err != nil {
		return 0, err
	}
	return uint32(len(out)), nil
}

func sysReadlink(_ *Dispatcher, c *call) (uint32, error) {
	path, err := c.str(c.arg(0))
	if err != nil {
		return 0, err
	}
	buf, size := c.arg(1), c.arg(2)
	if err := c.checkPtr(buf, size, true); err != nil {
		return 0, err
	}
	target, err := c.p.Readlink(path)
	if err != nil {
		return 0, err
	}
	return copyLink(c, target, buf, size)
}

func sysReadlinkat(_ *Dispatcher, c *call) (uint32, error) {
	raw, err := c.copyIn(c.arg(0), uint32(ReadlinkatSize))
	if err != nil {
		return 0, err
	}
	var args ReadlinkatArgs
	if err := Decode(raw, &args); err != nil {
		return 0, err
	}
	path, err := c.str(args.Path)
	if err != nil {
		return 0, err
	}
	if err := c.checkPtr(args.Buf, args.Bufsize, true); err != nil {
		return 0, err
	}
	target, err := c.p.Readlinkat(int(args.Dirfd), path)
	if err != nil {
		return 0, err
	}
	return copyLink(c, target, args.Buf, args.Bufsize)
}

func sysGetsid(_ *Dispatcher, c *call) (uint32, error) {
	sid, err := c.p.Getsid(c.int(0))
	return uint32(sid), err
}

func sysSetsid(_ *Dispatcher, c *call) (uint32, error) {
	sid, err := c.p.Setsid()
	return uint32(sid), err
}

func sysGetpgid(_ *Dispatcher, c *call) (uint32, error) {
	pgid, err := c.p.Getpgid(c.int(0))
	return uint32(pgid), err
}

func sysGetpgrp(_ *Dispatcher, c *call) (uint32, error) {
	return uint32(c.p.Getpgrp()), nil
}

func sysSetpgid(_ *Dispatcher, c *call) (uint32, error) {
	return 0, c.p.Setpgid(c.int(0), c.int(1))
}

func sysGetpid(_ *Dispatcher, c *call) (uint32, error) {
	return uint32(c.p.PID()), nil
}

func sysGetppid(_ *Dispatcher, c *call) (uint32, error) {
	return uint32(c.p.PPID()), nil
}

// sysSleep sleeps for EBX milliseconds.
func sysSleep(_ *Dispatcher, c *call) (uint32, error) {
	return 0, c.p.Sleep(c.ctx, time.Duration(c.arg(0))*time.Millisecond)
}

// sysSigreturn ends the running handler. The restored registers carry the
// interrupted context, EAX included.
func sysSigreturn(_ *Dispatcher, c *call) (uint32, error) {
	if err := c.p.FinishSignal(c.regs); err != nil {
		return 0, err
	}
	c.keep = true
	return 0, nil
}
