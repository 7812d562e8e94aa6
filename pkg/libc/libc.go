// Package libc runs user programs written in Go on top of the kernel.
//
// A Program stands in for machine code: it is installed at a path as a
// small executable whose entry address identifies it, and it runs on its
// own goroutine once a process starting at that entry is scheduled. Programs
// reach the kernel only through Thread.Syscall, which traps into the syscall
// dispatcher with the register ABI user code would use, so everything a
// real program observes (blocking, signal handlers, exec, exit) goes through
// the same paths.
//
// Go cannot clone a goroutine's stack, so fork takes the child's
// continuation explicitly:
//
//	pid := t.Fork(func(t *libc.Thread) int {
//		t.Write(1, []byte("child\n"))
//		return 0
//	})
//
// Signal handlers are Go functions registered with Handler. Their address
// is what sigaction installs; when delivery points EIP at it the thread
// runs the function and returns through the pushed return address.
package libc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"taskos/pkg/klog"
	"taskos/pkg/loader"
	"taskos/pkg/process"
	"taskos/pkg/syscalls"
	"taskos/pkg/vfs"
)

// Address ranges used for program entries and handler addresses. Neither
// is ever executed.
const (
	textBase    uint32 = 0x00400000
	handlerBase uint32 = 0x00800000
	slot        uint32 = 0x10

	// Restorer is the address of the sigreturn trampoline. A handler
	// installed with it as restorer returns through the sigreturn syscall
	// instead of the signal return fault.
	Restorer = handlerBase
)

// ExitNoProgram is the exit code of a process whose entry has no program.
const ExitNoProgram = 127

// Errors returned by the runtime.
var (
	ErrNoProgram = errors.New("libc: no program at entry")
	ErrTooMany   = errors.New("libc: program table full")
)

// maxPrograms bounds the entries that fit in the text page.
const maxPrograms = 0x1000 / slot

// Program is the body of a user program. Its result is the exit code.
type Program func(t *Thread) int

// Handler is a signal handler.
type Handler func(t *Thread, sig process.Signal)

// Options configures a Runtime.
type Options struct {
	// Scheduler is acquired before a program starts running. Leave nil
	// when the manager runs without one.
	Scheduler process.Scheduler
	Logger    klog.Logger
}

// Runtime executes user programs for the processes of one Manager.
type Runtime struct {
	m     *process.Manager
	d     *syscalls.Dispatcher
	fs    vfs.FileSystem
	sched process.Scheduler
	log   klog.Logger
	ctx   context.Context

	mu       sync.Mutex
	programs map[uint32]Program
	names    map[uint32]string
	handlers map[uint32]Handler
	forks    map[int]Program
	wg       sync.WaitGroup
}

// New creates a runtime and installs it as m's Runner. ctx bounds every
// blocking syscall made by the programs it runs.
func New(ctx context.Context, m *process.Manager, d *syscalls.Dispatcher, opts Options) *Runtime {
	if opts.Logger == nil {
		opts.Logger = klog.Nop()
	}
	rt := &Runtime{
		m:        m,
		d:        d,
		fs:       m.FS(),
		sched:    opts.Scheduler,
		log:      opts.Logger.Named("libc"),
		ctx:      ctx,
		programs: make(map[uint32]Program),
		names:    make(map[uint32]string),
		handlers: make(map[uint32]Handler),
		forks:    make(map[int]Program),
	}
	m.SetRunner(rt)
	return rt
}

// Install writes an executable for prog at path.
func (rt *Runtime) Install(path string, prog Program) error {
	rt.mu.Lock()
	n := uint32(len(rt.programs))
	if n >= maxPrograms {
		rt.mu.Unlock()
		return ErrTooMany
	}
	entry := textBase + n*slot
	rt.programs[entry] = prog
	rt.names[entry] = path
	rt.mu.Unlock()

	image := loader.Assemble(entry, loader.Segment{
		Vaddr:   textBase,
		Data:    []byte{0x90, 0xc3},
		MemSize: entry - textBase + slot,
		Exec:    true,
	})
	if err := rt.fs.MkdirAll(vfs.Dir(path), 0o755); err != nil {
		return fmt.Errorf("install %s: %w", path, err)
	}
	f, err := rt.fs.OpenFile(path, vfs.O_WRONLY|vfs.O_CREATE|vfs.O_TRUNC, 0o755)
	if err != nil {
		return fmt.Errorf("install %s: %w", path, err)
	}
	if _, err := f.Write(image); err != nil {
		f.Close()
		return fmt.Errorf("install %s: %w", path, err)
	}
	return f.Close()
}

// Handler registers fn and returns the address to install with sigaction.
func (rt *Runtime) Handler(fn Handler) uint32 {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	addr := handlerBase + uint32(len(rt.handlers)+1)*slot
	rt.handlers[addr] = fn
	return addr
}

func (rt *Runtime) program(entry uint32) (Program, string, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	prog, ok := rt.programs[entry]
	return prog, rt.names[entry], ok
}

func (rt *Runtime) handler(addr uint32) (Handler, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	fn, ok := rt.handlers[addr]
	return fn, ok
}

// Spawn creates a user process for the program at path and starts it.
func (rt *Runtime) Spawn(path string, args, env []string, ppid int) (*process.Process, error) {
	p, err := rt.m.CreateUser(path, args, env, ppid)
	if err != nil {
		return nil, err
	}
	rt.Start(p)
	return p, nil
}

// Start runs p from its current registers on a new goroutine.
func (rt *Runtime) Start(p *process.Process) {
	rt.start(p, nil)
}

// Run starts a child created by fork with the continuation its parent
// left. A child forked without one exits at once.
func (rt *Runtime) Run(child *process.Process) {
	rt.mu.Lock()
	body, ok := rt.forks[child.PPID()]
	delete(rt.forks, child.PPID())
	rt.mu.Unlock()
	if !ok {
		body = func(*Thread) int { return 0 }
	}
	rt.start(child, body)
}

func (rt *Runtime) start(p *process.Process, body Program) {
	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		rt.run(p, body)
	}()
}

// Wait blocks until every program started by the runtime has finished.
func (rt *Runtime) Wait() {
	rt.wg.Wait()
}

func (rt *Runtime) run(p *process.Process, body Program) {
	if rt.sched != nil {
		if err := rt.sched.Acquire(rt.ctx, p); err != nil {
			rt.log.Warn("no cpu", klog.Int("pid", p.PID()), klog.Err(err))
			p.DieSilently()
			return
		}
	}
	t := &Thread{rt: rt, p: p, regs: p.Registers()}
	for {
		if body == nil {
			prog, name, ok := rt.program(t.regs.EIP)
			switch {
			case ok:
				body = prog
				rt.log.Debug("starting program", klog.Int("pid", p.PID()), klog.String("path", name))
			default:
				rt.log.Error("cannot run process",
					klog.Int("pid", p.PID()),
					klog.Hex("eip", t.regs.EIP),
					klog.Err(ErrNoProgram),
				)
				body = func(*Thread) int { return ExitNoProgram }
			}
		}
		t.argp = t.regs.ESP
		if !t.enter(body) {
			return
		}
		body = nil
	}
}

// forkBody parks the continuation for the child pid is about to fork.
func (rt *Runtime) forkBody(pid int, body Program) {
	rt.mu.Lock()
	rt.forks[pid] = body
	rt.mu.Unlock()
}

func (rt *Runtime) dropForkBody(pid int) {
	rt.mu.Lock()
	delete(rt.forks, pid)
	rt.mu.Unlock()
}

// Stdio helpers for programs.
const (
	Stdin  = 0
	Stdout = 1
	Stderr = 2
)
