package process

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"taskos/pkg/klog"
	"taskos/pkg/loader"
	"taskos/pkg/mm"
	"taskos/pkg/telemetry"
	"taskos/pkg/vfs"
)

// Limits on the initial stack contents.
const (
	// MaxArgBytes bounds the total size of argument and environment strings.
	MaxArgBytes = 128 << 10
	// initialStack is how much of the user stack is mapped up front.
	initialStack = 4 * mm.PageSize
)

// Loader reads executables. loader.ELF is the implementation used by the
// kernel.
type Loader interface {
	Load(path string) (*loader.Image, error)
}

// Options configures a Manager. Memory, Loader and FS are required.
type Options struct {
	Memory *mm.Manager
	Loader Loader
	FS     vfs.FileSystem

	// Scheduler defaults to one that lets every process run at once.
	Scheduler Scheduler
	// Runner starts forked children. It may be installed later with
	// SetRunner, since the runtime usually needs the Manager first.
	Runner  Runner
	Logger  klog.Logger
	Metrics *telemetry.Metrics
	// Console, when set, is opened as descriptors 0, 1 and 2 of processes
	// created without a parent.
	Console Device
	// Clock defaults to time.Now.
	Clock func() time.Time

	// InitPID adopts orphans. Defaults to 1.
	InitPID         int
	MaxPID          int
	MaxProcesses    int
	KernelStackSize int
	Limits          Limits
}

// Manager owns the process table and creates processes.
type Manager struct {
	table   *Table
	mem     *mm.Manager
	loader  Loader
	fs      vfs.FileSystem
	console Device
	log     klog.Logger
	sigLog  klog.Logger
	metrics *telemetry.Metrics
	clock   func() time.Time
	initPID int
	kstack  int
	limits  Limits

	mu     sync.RWMutex
	sched  Scheduler
	runner Runner

	wg sync.WaitGroup
}

// NewManager creates a Manager.
func NewManager(opts Options) (*Manager, error) {
	if opts.Memory == nil || opts.Loader == nil || opts.FS == nil {
		return nil, fmt.Errorf("%w: memory, loader and filesystem are required", ErrInvalid)
	}
	if opts.Limits == (Limits{}) {
		opts.Limits = DefaultLimits()
	}
	if err := opts.Limits.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = klog.Nop()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.InitPID <= 0 {
		opts.InitPID = 1
	}
	if opts.KernelStackSize <= 0 {
		opts.KernelStackSize = mm.PageSize
	}
	if opts.Scheduler == nil {
		opts.Scheduler = noopScheduler{}
	}
	if opts.Runner == nil {
		opts.Runner = noopRunner{}
	}
	return &Manager{
		table:   NewTable(opts.MaxPID, opts.MaxProcesses),
		mem:     opts.Memory,
		loader:  opts.Loader,
		fs:      opts.FS,
		console: opts.Console,
		log:     opts.Logger.Named("process"),
		sigLog:  opts.Logger.Named("signal"),
		metrics: opts.Metrics,
		clock:   opts.Clock,
		initPID: opts.InitPID,
		kstack:  opts.KernelStackSize,
		limits:  opts.Limits,
		sched:   opts.Scheduler,
		runner:  opts.Runner,
	}, nil
}

// Table returns the process table.
func (m *Manager) Table() *Table { return m.table }

// FS returns the filesystem processes resolve paths in.
func (m *Manager) FS() vfs.FileSystem { return m.fs }

// Memory returns the memory manager.
func (m *Manager) Memory() *mm.Manager { return m.mem }

// Lookup returns the process with the given pid.
func (m *Manager) Lookup(pid int) (*Process, bool) {
	return m.table.Lookup(pid)
}

// Now returns the kernel clock's current time.
func (m *Manager) Now() time.Time { return m.clock() }

// SetRunner installs the Runner used for forked children.
func (m *Manager) SetRunner(r Runner) {
	m.mu.Lock()
	m.runner = r
	m.mu.Unlock()
}

func (m *Manager) scheduler() Scheduler {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sched
}

func (m *Manager) runnerFor() Runner {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.runner
}

// Wait blocks until every kernel process started by CreateKernel has
// returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Snapshot describes every live process in pid order.
func (m *Manager) Snapshot() []Info {
	var out []Info
	m.table.Range(func(p *Process) bool {
		out = append(out, p.Info())
		return true
	})
	return out
}

func (m *Manager) newProcess(pid int, name string, kernel bool) *Process {
	p := &Process{
		pid:     pid,
		kernel:  kernel,
		m:       m,
		name:    name,
		cwd:     "/",
		limits:  m.limits,
		created: m.clock(),
		log:     m.log.With(klog.Int("pid", pid)),
		slog:    m.sigLog.With(klog.Int("pid", pid)),
	}
	p.state.Store(int32(StateAlive))
	p.pgid.Store(int32(pid))
	p.sid.Store(int32(pid))
	return p
}

// publish makes a fully built process visible.
func (m *Manager) publish(p *Process) {
	m.table.publish(p)
	m.scheduler().Add(p)
	m.metrics.ProcessAdded(context.Background())
}

// CreateKernel starts a kernel process running entry on its own goroutine.
// The process exits with status 0 when entry returns nil and 1 otherwise,
// and has no parent, so it is reaped as soon as it exits.
func (m *Manager) CreateKernel(ctx context.Context, name string, entry KernelEntry) (*Process, error) {
	pid, err := m.table.reserve()
	if err != nil {
		return nil, err
	}
	kstack, err := m.mem.AllocKernelStack(m.kstack)
	if err != nil {
		m.table.unreserve(pid)
		return nil, fmt.Errorf("kernel stack for %s: %w", name, err)
	}
	p := m.newProcess(pid, name, true)
	p.kstack = kstack
	p.files = NewFDTable(p.limits.MaxFiles)
	m.publish(p)
	m.log.Info("kernel process created", klog.Int("pid", pid), klog.String("name", name))

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		code := 0
		if err := entry(ctx, p); err != nil {
			if !errors.Is(err, context.Canceled) {
				p.log.Error("kernel process failed", klog.Err(err))
			}
			code = 1
		}
		p.Exit(code)
	}()
	return p, nil
}

// CreateUser loads the executable at path and creates a user process for it
// with args and env on its initial stack. The process joins the parent's
// group and session and inherits its working directory and descriptors 0, 1
// and 2; without a parent (ppid 0) it leads a new session and gets the
// console as stdio. Nothing is registered when creation fails.
//
// The process does not run until the caller starts executing it.
func (m *Manager) CreateUser(path string, args, env []string, ppid int) (*Process, error) {
	var parent *Process
	if ppid != 0 {
		var ok bool
		if parent, ok = m.table.Lookup(ppid); !ok || parent.Exited() {
			return nil, fmt.Errorf("%w: parent %d", ErrNoSuchProcess, ppid)
		}
	}
	cwd := "/"
	if parent != nil {
		cwd = parent.Cwd()
	}
	path = vfs.Abs(cwd, path)
	img, err := m.loader.Load(path)
	if err != nil {
		return nil, err
	}

	pid, err := m.table.reserve()
	if err != nil {
		return nil, err
	}
	p := m.newProcess(pid, vfs.Base(path), false)
	p.cwd = cwd
	if err := m.setupUser(p, img, args, env); err != nil {
		m.table.unreserve(pid)
		return nil, err
	}

	if parent != nil {
		p.ppid.Store(int32(parent.pid))
		p.pgid.Store(int32(parent.PGID()))
		p.sid.Store(int32(parent.SID()))
	}
	if err := m.inheritStdio(p, parent); err != nil {
		p.files.CloseAll()
		p.space.Release()
		p.kstack.Release()
		m.table.unreserve(pid)
		return nil, err
	}

	m.publish(p)
	m.log.Info("user process created",
		klog.Int("pid", pid),
		klog.String("path", path),
		klog.Int("ppid", ppid),
		klog.Hex("entry", img.Entry),
	)
	return p, nil
}

// inheritStdio fills descriptors 0, 1 and 2 of p with the parent's, or
// with the console when there is no parent.
func (m *Manager) inheritStdio(p, parent *Process) error {
	for fd := 0; fd < 3; fd++ {
		var d *Description
		switch {
		case parent != nil:
			var err error
			if d, err = parent.files.Get(fd); err != nil {
				continue
			}
		case m.console != nil:
			d = NewDescription(deviceFile{m.console}, vfs.O_RDWR, "/dev/console")
		default:
			return nil
		}
		if err := p.files.InstallAt(fd, d); err != nil {
			return fmt.Errorf("stdio %d: %w", fd, err)
		}
	}
	return nil
}

// setupUser gives a new process its kernel stack, address space, registers
// and descriptor table, releasing whatever it acquired on failure.
func (m *Manager) setupUser(p *Process, img *loader.Image, args, env []string) error {
	kstack, err := m.mem.AllocKernelStack(m.kstack)
	if err != nil {
		return err
	}
	space, regs, err := m.buildImage(img, args, env, p.limits)
	if err != nil {
		kstack.Release()
		return err
	}
	p.kstack = kstack
	p.space = space
	p.regs = regs
	p.sig.stackTop = mm.SignalStackTop
	p.files = NewFDTable(p.limits.MaxFiles)
	return nil
}

// buildImage creates an address space holding img, a heap after its last
// segment, a signal stack and a user stack laid out for args and env.
func (m *Manager) buildImage(img *loader.Image, args, env []string, lim Limits) (*mm.Space, Registers, error) {
	space, err := m.mem.NewSpace()
	if err != nil {
		return nil, Registers{}, err
	}
	sp, err := populate(space, img, args, env, lim)
	if err != nil {
		space.Release()
		return nil, Registers{}, err
	}
	return space, Registers{EIP: img.Entry, ESP: sp, EFLAGS: initialEFLAGS}, nil
}

func populate(space *mm.Space, img *loader.Image, args, env []string, lim Limits) (uint32, error) {
	for _, seg := range img.Segments {
		kind := mm.RegionData
		if seg.Exec && !seg.Writable {
			kind = mm.RegionText
		}
		if _, err := space.Map(kind, seg.Vaddr, seg.MemSize, seg.Writable); err != nil {
			return 0, fmt.Errorf("%w: segment at %#x: %v", loader.ErrBadExecutable, seg.Vaddr, err)
		}
		if err := space.Load(seg.Vaddr, seg.Data); err != nil {
			return 0, err
		}
	}
	if err := space.MapHeap(img.End()); err != nil {
		return 0, err
	}
	if _, err := space.Map(mm.RegionSignalStack, mm.SignalStackTop-lim.SignalStack, lim.SignalStack, true); err != nil {
		return 0, err
	}
	if _, err := space.MapStack(mm.StackTop, initialStack, lim.MaxStack); err != nil {
		return 0, err
	}
	return layoutStack(space, mm.StackTop, args, env)
}

// layoutStack writes the strings of args and env below top, then argc, the
// argv pointers, a NULL, the envp pointers and a NULL, and returns the
// resulting stack pointer, which points at argc.
func layoutStack(space *mm.Space, top uint32, args, env []string) (uint32, error) {
	total := 0
	for _, s := range append(append([]string(nil), args...), env...) {
		total += len(s) + 1
	}
	if total > MaxArgBytes {
		return 0, fmt.Errorf("%w: %d bytes", ErrTooManyArgs, total)
	}

	sp := top
	pushStrings := func(list []string) ([]uint32, error) {
		ptrs := make([]uint32, len(list))
		for i, s := range list {
			sp -= uint32(len(s) + 1)
			if err := space.CopyOut(sp, append([]byte(s), 0)); err != nil {
				return nil, err
			}
			ptrs[i] = sp
		}
		return ptrs, nil
	}
	argv, err := pushStrings(args)
	if err != nil {
		return 0, err
	}
	envp, err := pushStrings(env)
	if err != nil {
		return 0, err
	}

	words := make([]uint32, 0, len(argv)+len(envp)+3)
	words = append(words, uint32(len(argv)))
	words = append(words, argv...)
	words = append(words, 0)
	words = append(words, envp...)
	words = append(words, 0)

	sp &^= 15
	sp -= uint32(4 * len(words))
	buf := make([]byte, 4*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint32(buf[4*i:], w)
	}
	if err := space.CopyOut(sp, buf); err != nil {
		return 0, err
	}
	return sp, nil
}

// Kill sends sig following kill(2): pid > 0 names one process, 0 the
// sender's process group, -1 every process the sender may signal except
// init and itself, and < -1 the group -pid. Signal 0 only checks that the
// target exists and may be signalled. sender is nil for the kernel, which
// may signal any user process.
func (m *Manager) Kill(sender *Process, pid int, sig Signal) error {
	if sig != 0 && !sig.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidSignal, sig)
	}

	var targets []*Process
	switch {
	case pid > 0:
		p, ok := m.table.Lookup(pid)
		if !ok || p.State() == StateDead {
			return fmt.Errorf("%w: %d", ErrNoSuchProcess, pid)
		}
		targets = []*Process{p}
	case pid == 0:
		if sender == nil {
			return fmt.Errorf("%w: kernel has no process group", ErrInvalid)
		}
		targets = m.table.Group(sender.PGID())
	case pid == -1:
		m.table.Range(func(p *Process) bool {
			if p.pid != m.initPID && p != sender && !p.kernel {
				targets = append(targets, p)
			}
			return true
		})
	default:
		targets = m.table.Group(-pid)
	}
	if len(targets) == 0 {
		return fmt.Errorf("%w: %d", ErrNoSuchProcess, pid)
	}
	return m.signalAll(sender, targets, sig)
}

// KillGroup sends sig to every process in group pgid on behalf of the
// kernel.
func (m *Manager) KillGroup(pgid int, sig Signal) error {
	if sig != 0 && !sig.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidSignal, sig)
	}
	if pgid <= 0 {
		return fmt.Errorf("%w: group %d", ErrInvalid, pgid)
	}
	targets := m.table.Group(pgid)
	if len(targets) == 0 {
		return fmt.Errorf("%w: group %d", ErrNoSuchProcess, pgid)
	}
	return m.signalAll(nil, targets, sig)
}

// signalAll sends sig to every target sender may signal. It fails only
// when none of them could be signalled.
func (m *Manager) signalAll(sender *Process, targets []*Process, sig Signal) error {
	var firstErr error
	sent := 0
	for _, t := range targets {
		if err := canSignal(sender, t, sig); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		sent++
		if sig != 0 {
			t.SendSignal(sig)
		}
	}
	if sent == 0 {
		return firstErr
	}
	return nil
}

func canSignal(sender, target *Process, sig Signal) error {
	switch {
	case target.kernel:
		return fmt.Errorf("%w: pid %d is a kernel process", ErrPermission, target.pid)
	case sender == nil, sender.uid == 0, sender.uid == target.uid:
		return nil
	case sig == SIGCONT && sender.SID() == target.SID():
		return nil
	}
	return fmt.Errorf("%w: signal %s to pid %d", ErrPermission, sig, target.pid)
}
