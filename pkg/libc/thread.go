package libc

import (
	"encoding/binary"
	"time"

	"golang.org/x/sys/unix"

	"taskos/pkg/mm"
	"taskos/pkg/process"
	"taskos/pkg/syscalls"
)

// Unwind sentinels. exit and a successful exec never return to the caller.
type (
	exitUnwind struct{}
	execUnwind struct{}
)

// Thread is the user-mode side of one process.
type Thread struct {
	rt   *Runtime
	p    *process.Process
	regs process.Registers
	// argp points at argc on the stack the program started with.
	argp uint32

	// arena is the bump area syscall arguments are marshalled into.
	arena struct{ base, size, off uint32 }
}

// Process returns the process the thread runs.
func (t *Thread) Process() *process.Process { return t.p }

// Registers returns the user registers as the program sees them.
func (t *Thread) Registers() process.Registers { return t.regs }

// Args returns the argument vector the program was started with.
func (t *Thread) Args() []string {
	argc := binary.LittleEndian.Uint32(t.Peek(t.argp, 4))
	if argc == 0 {
		return nil
	}
	ptrs := t.Peek(t.argp+4, 4*argc)
	args := make([]string, 0, argc)
	for i := range argc {
		s, err := t.p.Space().ReadString(binary.LittleEndian.Uint32(ptrs[4*i:]), syscalls.MaxPath)
		if err != nil {
			break
		}
		args = append(args, s)
	}
	return args
}

// enter runs body until it exits or execs. It reports whether a new image
// should be started.
func (t *Thread) enter(body Program) (execed bool) {
	defer func() {
		r := recover()
		switch r.(type) {
		case nil, exitUnwind:
		case execUnwind:
			execed = true
			t.arena.base, t.arena.size, t.arena.off = 0, 0, 0
		default:
			panic(r)
		}
	}()
	t.Exit(body(t))
	return false
}

// Syscall traps into the kernel with nr in EAX and args in EBX, ECX, EDX,
// ESI and EDI, and returns EAX. Handlers for signals delivered on the way
// out run before it returns. It does not return when the process exits or
// execs.
func (t *Thread) Syscall(nr uint32, args ...uint32) uint32 {
	regs := t.regs
	regs.EAX = nr
	dst := [...]*uint32{&regs.EBX, &regs.ECX, &regs.EDX, &regs.ESI, &regs.EDI}
	for i, a := range args {
		*dst[i] = a
	}
	before := regs.EIP
	t.rt.d.Trap(t.rt.ctx, t.p, &regs)
	t.regs = regs
	if t.p.Exited() {
		panic(exitUnwind{})
	}
	if (nr == syscalls.SysExecve || nr == syscalls.SysExecvp) && int32(t.regs.EAX) >= 0 {
		panic(execUnwind{})
	}
	t.resume(before)
	return t.regs.EAX
}

// Touch accesses addr the way a load or store would, faulting when the
// page is not accessible.
func (t *Thread) Touch(addr uint32, write bool) {
	if space := t.p.Space(); space != nil && space.CheckRange(addr, 1, write) == nil {
		return
	}
	before := t.regs.EIP
	_ = t.rt.d.Fault(t.rt.ctx, t.p, &t.regs, addr, write)
	t.resume(before)
}

// resume runs any handler the kernel pointed EIP at.
func (t *Thread) resume(before uint32) {
	for {
		if t.p.Exited() {
			panic(exitUnwind{})
		}
		if t.regs.EIP == before {
			return
		}
		fn, ok := t.rt.handler(t.regs.EIP)
		if !ok {
			return
		}
		t.runHandler(fn)
	}
}

func (t *Thread) runHandler(fn Handler) {
	sp := t.regs.ESP
	frame := t.Peek(sp, 8)
	ret, sig := binary.LittleEndian.Uint32(frame), binary.LittleEndian.Uint32(frame[4:])
	fn(t, process.Signal(sig))

	t.regs.ESP = sp + 4
	t.regs.EIP = ret
	if ret == Restorer {
		t.Syscall(syscalls.SysSigreturn)
		return
	}
	_ = t.rt.d.Fault(t.rt.ctx, t.p, &t.regs, ret, false)
	if t.p.Exited() {
		panic(exitUnwind{})
	}
}

// Peek reads user memory. A bad address raises SIGSEGV, and the process
// exits if a handler returns from it.
func (t *Thread) Peek(addr, n uint32) []byte {
	if space := t.p.Space(); space != nil {
		if b, err := space.CopyIn(addr, n); err == nil {
			return b
		}
	}
	t.Touch(addr, false)
	t.Exit(128 + int(process.SIGSEGV))
	return nil
}

// Poke writes user memory. Bad addresses are handled as in Peek.
func (t *Thread) Poke(addr uint32, data []byte) {
	if space := t.p.Space(); space != nil {
		if err := space.CopyOut(addr, data); err == nil {
			return
		}
	}
	t.Touch(addr, true)
	t.Exit(128 + int(process.SIGSEGV))
}

// alloc reserves n bytes of argument space, growing the heap as needed.
func (t *Thread) alloc(n uint32) uint32 {
	n = (n + 3) &^ 3
	a := &t.arena
	if a.base == 0 || a.off+n > a.size {
		size := max((n+mm.PageSize-1)&^(mm.PageSize-1), mm.PageSize)
		base, err := result(t.Syscall(syscalls.SysSbrk, size))
		if err != nil {
			t.Exit(ExitNoProgram)
		}
		a.base, a.size, a.off = base, size, 0
	}
	addr := a.base + a.off
	a.off += n
	return addr
}

// reset recycles the argument arena.
func (t *Thread) reset() { t.arena.off = 0 }

func (t *Thread) cstr(s string) uint32 {
	addr := t.alloc(uint32(len(s)) + 1)
	t.Poke(addr, append([]byte(s), 0))
	return addr
}

func (t *Thread) cstrv(ss []string) uint32 {
	ptrs := make([]uint32, len(ss)+1)
	for i, s := range ss {
		ptrs[i] = t.cstr(s)
	}
	addr := t.alloc(uint32(4 * len(ptrs)))
	t.Poke(addr, syscalls.Encode(ptrs))
	return addr
}

// result splits a raw syscall result into a value and an errno.
func result(v uint32) (uint32, error) {
	if e := int32(v); e < 0 && e > -4096 {
		return 0, unix.Errno(-e)
	}
	return v, nil
}

func errOf(v uint32) error {
	_, err := result(v)
	return err
}

// Exit terminates the process with code. It does not return.
func (t *Thread) Exit(code int) {
	t.Syscall(syscalls.SysExit, uint32(code))
	panic(exitUnwind{})
}

func (t *Thread) Getpid() int  { return int(t.Syscall(syscalls.SysGetpid)) }
func (t *Thread) Getppid() int { return int(t.Syscall(syscalls.SysGetppid)) }
func (t *Thread) Getpgrp() int { return int(t.Syscall(syscalls.SysGetpgrp)) }

func (t *Thread) Setsid() (int, error) {
	v, err := result(t.Syscall(syscalls.SysSetsid))
	return int(v), err
}

func (t *Thread) Setpgid(pid, pgid int) error {
	return errOf(t.Syscall(syscalls.SysSetpgid, uint32(pid), uint32(pgid)))
}

// Read reads up to n bytes from fd.
func (t *Thread) Read(fd, n int) ([]byte, error) {
	defer t.reset()
	buf := t.alloc(uint32(n))
	got, err := result(t.Syscall(syscalls.SysRead, uint32(fd), buf, uint32(n)))
	if err != nil || got == 0 {
		return nil, err
	}
	return t.Peek(buf, got), nil
}

func (t *Thread) Write(fd int, data []byte) (int, error) {
	defer t.reset()
	buf := t.alloc(uint32(len(data)))
	t.Poke(buf, data)
	v, err := result(t.Syscall(syscalls.SysWrite, uint32(fd), buf, uint32(len(data))))
	return int(v), err
}

// Print writes s to standard output.
func (t *Thread) Print(s string) {
	_, _ = t.Write(Stdout, []byte(s))
}

func (t *Thread) Open(path string, flags int, perm uint32) (int, error) {
	defer t.reset()
	v, err := result(t.Syscall(syscalls.SysOpen, t.cstr(path), uint32(flags), perm))
	return int(v), err
}

func (t *Thread) Close(fd int) error {
	return errOf(t.Syscall(syscalls.SysClose, uint32(fd)))
}

func (t *Thread) Dup2(oldfd, newfd int) (int, error) {
	v, err := result(t.Syscall(syscalls.SysDup2, uint32(oldfd), uint32(newfd)))
	return int(v), err
}

func (t *Thread) Pipe() (r, w int, err error) {
	defer t.reset()
	buf := t.alloc(8)
	if err := errOf(t.Syscall(syscalls.SysPipe, buf)); err != nil {
		return 0, 0, err
	}
	fds := t.Peek(buf, 8)
	return int(int32(binary.LittleEndian.Uint32(fds))), int(int32(binary.LittleEndian.Uint32(fds[4:]))), nil
}

func (t *Thread) Mkdir(path string, perm uint32) error {
	defer t.reset()
	return errOf(t.Syscall(syscalls.SysMkdir, t.cstr(path), perm))
}

func (t *Thread) Chdir(path string) error {
	defer t.reset()
	return errOf(t.Syscall(syscalls.SysChdir, t.cstr(path)))
}

func (t *Thread) Getcwd() (string, error) {
	defer t.reset()
	buf := t.alloc(syscalls.MaxPath)
	n, err := result(t.Syscall(syscalls.SysGetcwd, buf, syscalls.MaxPath))
	if err != nil {
		return "", err
	}
	return string(t.Peek(buf, n-1)), nil
}

func (t *Thread) Stat(path string) (syscalls.Stat, error) {
	defer t.reset()
	var st syscalls.Stat
	buf := t.alloc(uint32(syscalls.StatSize))
	if err := errOf(t.Syscall(syscalls.SysStat, t.cstr(path), buf)); err != nil {
		return st, err
	}
	err := syscalls.Decode(t.Peek(buf, uint32(syscalls.StatSize)), &st)
	return st, err
}

// Sbrk moves the program break by delta and returns the old break.
func (t *Thread) Sbrk(delta int32) (uint32, error) {
	return result(t.Syscall(syscalls.SysSbrk, uint32(delta)))
}

// Fork creates a child running child. The parent gets the child's pid.
func (t *Thread) Fork(child Program) (int, error) {
	t.rt.forkBody(t.p.PID(), child)
	pid, err := result(t.Syscall(syscalls.SysFork))
	if err != nil {
		t.rt.dropForkBody(t.p.PID())
		return 0, err
	}
	return int(pid), nil
}

// Execve replaces the program. It returns only on failure.
func (t *Thread) Execve(path string, args, env []string) error {
	defer t.reset()
	return errOf(t.Syscall(syscalls.SysExecve, t.cstr(path), t.cstrv(args), t.cstrv(env)))
}

// Execvp is Execve with a PATH search for file.
func (t *Thread) Execvp(file string, args, env []string) error {
	defer t.reset()
	return errOf(t.Syscall(syscalls.SysExecvp, t.cstr(file), t.cstrv(args), t.cstrv(env)))
}

// Waitpid waits for a child matching pid and returns its pid and status.
func (t *Thread) Waitpid(pid, options int) (int, int, error) {
	defer t.reset()
	buf := t.alloc(4)
	t.Poke(buf, make([]byte, 4))
	got, err := result(t.Syscall(syscalls.SysWaitpid, uint32(pid), buf, uint32(options)))
	if err != nil {
		return 0, 0, err
	}
	return int(got), int(binary.LittleEndian.Uint32(t.Peek(buf, 4))), nil
}

func (t *Thread) Kill(pid int, sig process.Signal) error {
	return errOf(t.Syscall(syscalls.SysKill, uint32(pid), uint32(sig)))
}

// Sigaction installs handler (an address from Runtime.Handler, SigDFL or
// SigIGN) for sig and returns the previous one. A restorer of 0 returns
// through the signal return fault.
func (t *Thread) Sigaction(sig process.Signal, handler, restorer uint32) (uint32, error) {
	defer t.reset()
	act, old := t.alloc(uint32(syscalls.SigactionSize)), t.alloc(uint32(syscalls.SigactionSize))
	t.Poke(act, syscalls.Encode(syscalls.Sigaction{Handler: handler, Restorer: restorer}))
	if err := errOf(t.Syscall(syscalls.SysSigaction, uint32(sig), act, old)); err != nil {
		return 0, err
	}
	var sa syscalls.Sigaction
	if err := syscalls.Decode(t.Peek(old, uint32(syscalls.SigactionSize)), &sa); err != nil {
		return 0, err
	}
	return sa.Handler, nil
}

// Sleep sleeps for d, rounded down to milliseconds.
func (t *Thread) Sleep(d time.Duration) error {
	return errOf(t.Syscall(syscalls.SysSleep, uint32(d/time.Millisecond)))
}

func (t *Thread) Gettimeofday() (time.Time, error) {
	defer t.reset()
	buf := t.alloc(uint32(syscalls.TimevalSize))
	if err := errOf(t.Syscall(syscalls.SysGettimeofday, buf, 0)); err != nil {
		return time.Time{}, err
	}
	var tv syscalls.Timeval
	if err := syscalls.Decode(t.Peek(buf, uint32(syscalls.TimevalSize)), &tv); err != nil {
		return time.Time{}, err
	}
	return time.Unix(int64(tv.Sec), int64(tv.Usec)*1000), nil
}
