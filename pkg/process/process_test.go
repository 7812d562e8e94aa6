package process

import (
	"context"
	"encoding/binary"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskos/pkg/loader"
	"taskos/pkg/mm"
	"taskos/pkg/vfs"
	"taskos/pkg/vfs/memfs"
)

const testEntry = 0x8000

func testImage() []byte {
	return loader.Assemble(testEntry,
		loader.Segment{Vaddr: testEntry, Data: []byte{0x90, 0xc3}, MemSize: 2, Exec: true},
		loader.Segment{Vaddr: 0xA000, Data: []byte("data"), MemSize: 0x1000, Writable: true},
	)
}

type harness struct {
	m   *Manager
	fs  *memfs.FS
	mem *mm.Manager
}

func newHarness(t *testing.T, frames int, mutate ...func(*Options)) *harness {
	t.Helper()
	fs := memfs.New()
	require.NoError(t, fs.MkdirAll("/bin", 0o755))
	require.NoError(t, fs.WriteFile("/bin/prog", testImage(), 0o755))
	require.NoError(t, fs.WriteFile("/bin/other", testImage(), 0o755))
	mem := mm.NewManager(frames)
	opts := Options{Memory: mem, Loader: loader.ELF{FS: fs}, FS: fs}
	for _, fn := range mutate {
		fn(&opts)
	}
	m, err := NewManager(opts)
	require.NoError(t, err)
	return &harness{m: m, fs: fs, mem: mem}
}

func (h *harness) spawn(t *testing.T, ppid int) *Process {
	t.Helper()
	p, err := h.m.CreateUser("/bin/prog", []string{"prog"}, nil, ppid)
	require.NoError(t, err)
	return p
}

func (h *harness) fork(t *testing.T, parent *Process) *Process {
	t.Helper()
	child, err := parent.Fork(parent.Registers())
	require.NoError(t, err)
	return child
}

func readWords(t *testing.T, s *mm.Space, addr uint32, n int) []uint32 {
	t.Helper()
	raw, err := s.CopyIn(addr, uint32(4*n))
	require.NoError(t, err)
	out := make([]uint32, n)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(raw[4*i:])
	}
	return out
}

// TestStateTransitions tests valid and invalid state transitions.
func TestStateTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		valid    bool
	}{
		{StateAlive, StateBlocked, true},
		{StateBlocked, StateAlive, true},
		{StateAlive, StateZombie, true},
		{StateBlocked, StateZombie, true},
		{StateZombie, StateDead, true},
		{StateAlive, StateDead, true},
		{StateZombie, StateAlive, false},
		{StateDead, StateAlive, false},
		{StateDead, StateZombie, false},
		{StateZombie, StateBlocked, false},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			if got := IsValidTransition(tt.from, tt.to); got != tt.valid {
				t.Errorf("IsValidTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.valid)
			}
		})
	}
}

func TestCreateUser(t *testing.T) {
	h := newHarness(t, 256)
	p, err := h.m.CreateUser("/bin/prog", []string{"prog", "-v"}, []string{"HOME=/"}, 0)
	require.NoError(t, err)

	assert.Equal(t, 1, p.PID())
	assert.Equal(t, "prog", p.Name())
	assert.Equal(t, StateAlive, p.State())
	assert.Equal(t, p.PID(), p.PGID())
	assert.Equal(t, p.PID(), p.SID())
	assert.False(t, p.JustExeced())

	regs := p.Registers()
	assert.Equal(t, uint32(testEntry), regs.EIP)
	assert.Equal(t, uint32(initialEFLAGS), regs.EFLAGS)

	// argc, argv[0], argv[1], NULL, envp[0], NULL
	words := readWords(t, p.Space(), regs.ESP, 6)
	assert.Equal(t, uint32(2), words[0])
	assert.Zero(t, words[3])
	assert.Zero(t, words[5])
	for i, want := range []string{"prog", "-v", "HOME=/"} {
		addr := words[1+i]
		if i == 2 {
			addr = words[4]
		}
		got, err := p.Space().ReadString(addr, 64)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	got, ok := h.m.Lookup(p.PID())
	require.True(t, ok)
	assert.Same(t, p, got)
}

func TestCreateUserFailuresRegisterNothing(t *testing.T) {
	h := newHarness(t, 256)
	require.NoError(t, h.fs.WriteFile("/bin/bad", []byte("not an executable"), 0o755))

	_, err := h.m.CreateUser("/bin/missing", nil, nil, 0)
	assert.ErrorIs(t, err, loader.ErrNotFound)
	_, err = h.m.CreateUser("/bin/bad", nil, nil, 0)
	assert.ErrorIs(t, err, loader.ErrBadExecutable)
	_, err = h.m.CreateUser("/bin/prog", []string{strings.Repeat("x", MaxArgBytes)}, nil, 0)
	assert.ErrorIs(t, err, ErrTooManyArgs)
	_, err = h.m.CreateUser("/bin/prog", nil, nil, 77)
	assert.ErrorIs(t, err, ErrNoSuchProcess)
	assert.Zero(t, h.m.Table().Len())
	assert.Zero(t, h.mem.Used())

	small := newHarness(t, 3)
	_, err = small.m.CreateUser("/bin/prog", nil, nil, 0)
	assert.ErrorIs(t, err, mm.ErrNoMemory)
	assert.Zero(t, small.m.Table().Len())
	assert.Zero(t, small.mem.Used())
}

func TestForkExitWaitpid(t *testing.T) {
	h := newHarness(t, 256)
	ctx := context.Background()
	parent := h.spawn(t, 0)
	before := h.mem.Used()

	regs := parent.Registers()
	regs.EAX = 2
	child, err := parent.Fork(regs)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), child.Registers().EAX)
	assert.Equal(t, regs.EIP, child.Registers().EIP)
	assert.Equal(t, parent.PID(), child.PPID())
	assert.Equal(t, parent.PGID(), child.PGID())
	assert.Greater(t, h.mem.Used(), before)

	child.Exit(42)
	assert.Equal(t, StateZombie, child.State())
	_, ok := h.m.Lookup(child.PID())
	assert.True(t, ok, "a zombie keeps its pid until reaped")

	pid, status, err := parent.Waitpid(ctx, -1, 0)
	require.NoError(t, err)
	assert.Equal(t, child.PID(), pid)
	code, exited := StatusExited(status)
	assert.True(t, exited)
	assert.Equal(t, 42, code)

	assert.Equal(t, StateDead, child.State())
	assert.True(t, child.ResourcesFreed())
	_, ok = h.m.Lookup(child.PID())
	assert.False(t, ok)
	assert.Equal(t, before, h.mem.Used())
	assert.ErrorIs(t, child.Reap(), ErrAlreadyReaped)

	_, _, err = parent.Waitpid(ctx, -1, 0)
	assert.ErrorIs(t, err, ErrNoChild)
}

func TestWaitpidBlocksUntilChildExits(t *testing.T) {
	h := newHarness(t, 256)
	parent := h.spawn(t, 0)
	child := h.fork(t, parent)

	type result struct {
		pid, status int
		err         error
	}
	done := make(chan result, 1)
	go func() {
		pid, status, err := parent.Waitpid(context.Background(), child.PID(), 0)
		done <- result{pid, status, err}
	}()
	require.Eventually(t, parent.IsBlocked, time.Second, time.Millisecond)
	assert.Equal(t, "child", parent.Info().Blocker)

	child.Exit(3)
	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, child.PID(), r.pid)
		code, _ := StatusExited(r.status)
		assert.Equal(t, 3, code)
	case <-time.After(2 * time.Second):
		t.Fatal("waitpid did not return")
	}
	assert.Equal(t, StateAlive, parent.State())
}

func TestWaitpidOptions(t *testing.T) {
	h := newHarness(t, 256)
	parent := h.spawn(t, 0)
	child := h.fork(t, parent)

	pid, _, err := parent.Waitpid(context.Background(), -1, WNOHANG)
	require.NoError(t, err)
	assert.Zero(t, pid)

	_, _, err = parent.Waitpid(context.Background(), child.PID()+100, WNOHANG)
	assert.ErrorIs(t, err, ErrNoChild)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, _, err := parent.Waitpid(ctx, 0, 0)
		errc <- err
	}()
	require.Eventually(t, parent.IsBlocked, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
	assert.Equal(t, StateAlive, parent.State())
	assert.Equal(t, StateAlive, child.State())
}

func TestForkFailureRollsBack(t *testing.T) {
	h := newHarness(t, 64)
	parent := h.spawn(t, 0)

	// Leave exactly one free frame: enough for the kernel stack, not for
	// the address space.
	var hog []*mm.Stack
	for h.mem.Used() < h.mem.Total()-1 {
		st, err := h.mem.AllocKernelStack(mm.PageSize)
		require.NoError(t, err)
		hog = append(hog, st)
	}
	used := h.mem.Used()
	before := parent.Registers()

	_, err := parent.Fork(parent.Registers())
	assert.ErrorIs(t, err, mm.ErrNoMemory)
	assert.Equal(t, used, h.mem.Used())
	assert.Equal(t, 1, h.m.Table().Len())
	assert.Equal(t, before, parent.Registers())

	for _, st := range hog {
		st.Release()
	}
	h.fork(t, parent)
	assert.Equal(t, 2, h.m.Table().Len())
}

func TestExec(t *testing.T) {
	h := newHarness(t, 256)
	p := h.spawn(t, 0)

	_, err := p.Sigaction(SIGUSR1, &SigAction{Disposition: SigHandler, Handler: testEntry + 1})
	require.NoError(t, err)
	_, err = p.Sigaction(SIGUSR2, &SigAction{Disposition: SigIgnore})
	require.NoError(t, err)
	cloexec, err := p.Open("/bin/prog", vfs.O_RDONLY, 0, true)
	require.NoError(t, err)
	keep, err := p.Open("/bin/prog", vfs.O_RDONLY, 0, false)
	require.NoError(t, err)
	old := p.Space()

	// A failed exec leaves the caller as it was.
	assert.ErrorIs(t, p.Exec("/bin/missing", nil, nil), loader.ErrNotFound)
	assert.Same(t, old, p.Space())
	act, _ := p.Sigaction(SIGUSR1, nil)
	assert.Equal(t, SigHandler, act.Disposition)

	require.NoError(t, p.Exec("/bin/other", []string{"other"}, nil))
	assert.Equal(t, "other", p.Name())
	assert.True(t, p.JustExeced())
	assert.True(t, old.Released())

	act, _ = p.Sigaction(SIGUSR1, nil)
	assert.Equal(t, SigDefault, act.Disposition)
	act, _ = p.Sigaction(SIGUSR2, nil)
	assert.Equal(t, SigIgnore, act.Disposition)

	_, err = p.Fstat(cloexec)
	assert.ErrorIs(t, err, ErrBadFD)
	_, err = p.Fstat(keep)
	assert.NoError(t, err)

	words := readWords(t, p.Space(), p.Registers().ESP, 1)
	assert.Equal(t, uint32(1), words[0])
}

func TestExecvp(t *testing.T) {
	h := newHarness(t, 256)
	p := h.spawn(t, 0)

	require.NoError(t, p.Execvp("other", []string{"other"}, []string{"PATH=/nope:/bin"}))
	assert.Equal(t, "other", p.Name())
	assert.ErrorIs(t, p.Execvp("nothere", nil, nil), loader.ErrNotFound)
	require.NoError(t, p.Execvp("/bin/prog", nil, nil))
	assert.Equal(t, "prog", p.Name())
}

func TestOrphansAreAdoptedByInit(t *testing.T) {
	h := newHarness(t, 256)
	ctx := context.Background()
	reaper := h.spawn(t, 0)
	require.Equal(t, 1, reaper.PID())
	parent := h.fork(t, reaper)
	child := h.fork(t, parent)

	parent.Exit(0)
	assert.Equal(t, reaper.PID(), child.PPID())

	pid, _, err := reaper.Waitpid(ctx, parent.PID(), 0)
	require.NoError(t, err)
	assert.Equal(t, parent.PID(), pid)

	child.Exit(5)
	pid, status, err := reaper.Waitpid(ctx, -1, 0)
	require.NoError(t, err)
	assert.Equal(t, child.PID(), pid)
	code, _ := StatusExited(status)
	assert.Equal(t, 5, code)
}

func TestProcessesNobodyCanReapDieSilently(t *testing.T) {
	h := newHarness(t, 256)

	t.Run("no parent", func(t *testing.T) {
		p := h.spawn(t, 0)
		p.Exit(1)
		assert.Equal(t, StateDead, p.State())
		assert.True(t, p.ResourcesFreed())
	})

	t.Run("parent ignores SIGCHLD", func(t *testing.T) {
		parent := h.spawn(t, 0)
		_, err := parent.Sigaction(SIGCHLD, &SigAction{Disposition: SigIgnore})
		require.NoError(t, err)
		child := h.fork(t, parent)
		child.Exit(0)
		assert.Equal(t, StateDead, child.State())
		_, _, err = parent.Waitpid(context.Background(), -1, WNOHANG)
		assert.ErrorIs(t, err, ErrNoChild)
	})

	t.Run("die silently", func(t *testing.T) {
		parent := h.spawn(t, 0)
		child := h.fork(t, parent)
		child.DieSilently()
		assert.Equal(t, StateDead, child.State())
		assert.True(t, child.ResourcesFreed())
		assert.Empty(t, child.PendingSignals())
		_, ok := h.m.Lookup(child.PID())
		assert.False(t, ok)
	})
}

func TestBlockedPipeReaderWakesOnWrite(t *testing.T) {
	h := newHarness(t, 256)
	ctx := context.Background()
	p := h.spawn(t, 0)
	r, w, err := p.Pipe()
	require.NoError(t, err)
	writer := h.fork(t, p)

	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		data, err := p.Read(ctx, r, 16)
		done <- result{data, err}
	}()
	require.Eventually(t, p.IsBlocked, time.Second, time.Millisecond)
	assert.Equal(t, "read", p.Info().Blocker)

	n, err := writer.Write(ctx, w, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	select {
	case res := <-done:
		require.NoError(t, res.err)
		assert.Equal(t, "hello", string(res.data))
	case <-time.After(2 * time.Second):
		t.Fatal("reader was not woken")
	}

	// Once every write end is gone the reader sees end of file.
	require.NoError(t, p.Close(w))
	writer.Exit(0)
	data, err := p.Read(ctx, r, 16)
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestWriteToPipeWithoutReaders(t *testing.T) {
	h := newHarness(t, 256)
	p := h.spawn(t, 0)
	r, w, err := p.Pipe()
	require.NoError(t, err)
	require.NoError(t, p.Close(r))

	_, err = p.Write(context.Background(), w, []byte("x"))
	assert.ErrorIs(t, err, ErrBrokenPipe)
	assert.Equal(t, []Signal{SIGPIPE}, p.PendingSignals())
}

func TestKillBlockedProcess(t *testing.T) {
	h := newHarness(t, 256)
	parent := h.spawn(t, 0)
	p := h.fork(t, parent)
	r, _, err := p.Pipe()
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := p.Read(context.Background(), r, 1)
		errc <- err
	}()
	require.Eventually(t, p.IsBlocked, time.Second, time.Millisecond)

	require.NoError(t, h.m.Kill(parent, p.PID(), SIGTERM))
	// The kill completed before Kill returned.
	assert.Equal(t, StateZombie, p.State())
	assert.ErrorIs(t, <-errc, ErrKilled)

	sig, ok := StatusSignaled(p.ExitStatus())
	assert.True(t, ok)
	assert.Equal(t, SIGTERM, sig)
	assert.Zero(t, p.Files().Len())
}

func TestSleep(t *testing.T) {
	var mu sync.Mutex
	now := time.Unix(1000, 0)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	h := newHarness(t, 256, func(o *Options) { o.Clock = clock })
	p := h.spawn(t, 0)

	errc := make(chan error, 1)
	go func() { errc <- p.Sleep(context.Background(), time.Hour) }()
	require.Eventually(t, p.IsBlocked, time.Second, time.Millisecond)
	assert.Equal(t, "timer", p.Info().Blocker)
	assert.False(t, p.Poll())

	mu.Lock()
	now = now.Add(time.Hour)
	mu.Unlock()
	assert.True(t, p.Poll())
	assert.NoError(t, <-errc)
	assert.Equal(t, now, p.Gettimeofday())
}

func TestUnblockAndBlockAreIdempotent(t *testing.T) {
	h := newHarness(t, 256)
	p := h.spawn(t, 0)

	t.Run("unblock on a running process does nothing", func(t *testing.T) {
		p.Unblock()
		assert.Equal(t, StateAlive, p.State())
		assert.False(t, p.IsBlocked())
		assert.Empty(t, p.Info().Blocker)
	})

	t.Run("block while blocked keeps the first wait", func(t *testing.T) {
		first := &StopBlocker{}
		errc := make(chan error, 1)
		go func() { errc <- p.Block(context.Background(), first) }()
		require.Eventually(t, p.IsBlocked, time.Second, time.Millisecond)

		second := &StopBlocker{}
		second.continued.Store(true)
		require.NoError(t, p.Block(context.Background(), second))
		assert.Equal(t, StateBlocked, p.State())
		assert.Equal(t, "stopped", p.Info().Blocker)
		assert.False(t, p.Poll(), "the satisfied second condition was not installed")

		first.continued.Store(true)
		assert.True(t, p.Poll())
		assert.NoError(t, <-errc)
		assert.Equal(t, StateAlive, p.State())
	})
}

func TestStdioInstallFailureReleasesReferences(t *testing.T) {
	h := newHarness(t, 256)
	parent := h.spawn(t, 0)
	r, w, err := parent.Pipe()
	require.NoError(t, err)
	require.Equal(t, []int{0, 1}, []int{r, w})
	fd, err := parent.Dup(w)
	require.NoError(t, err)
	require.Equal(t, 2, fd)

	d, err := parent.Files().Get(w)
	require.NoError(t, err)
	parent.Files().Put(d)
	require.Equal(t, 2, d.Refs())

	child := &Process{files: NewFDTable(2)}
	err = h.m.inheritStdio(child, parent)
	require.ErrorIs(t, err, ErrBadFD)
	assert.Equal(t, 3, d.Refs(), "only descriptor 1 reached the child")

	child.files.CloseAll()
	assert.Equal(t, 2, d.Refs())
}

func TestNewManagerRejectsTooFewFiles(t *testing.T) {
	fs := memfs.New()
	_, err := NewManager(Options{
		Memory: mm.NewManager(16),
		Loader: loader.ELF{FS: fs},
		FS:     fs,
		Limits: Limits{MaxFiles: 2, MaxStack: 1 << 20, SignalStack: 16 << 10},
	})
	assert.ErrorIs(t, err, ErrInvalidLimit)
}

func TestPageFaults(t *testing.T) {
	h := newHarness(t, 256)
	parent := h.spawn(t, 0)

	t.Run("stack growth is transparent", func(t *testing.T) {
		p := h.fork(t, parent)
		regs := p.Registers()
		below := mm.StackTop - initialStack - mm.PageSize
		stackStart := func() uint32 {
			for _, r := range p.Space().Regions() {
				if r.Kind == mm.RegionStack {
					return r.Start
				}
			}
			return 0
		}
		require.Equal(t, mm.StackTop-initialStack, stackStart())
		out, err := p.PageFault(&regs, below, true, true)
		require.NoError(t, err)
		assert.Equal(t, mm.FaultStack, out)
		assert.Equal(t, StateAlive, p.State())
		assert.Equal(t, below, stackStart())

		out, err = p.PageFault(&regs, mm.StackTop-2*mm.PageSize, true, true)
		require.NoError(t, err)
		assert.Equal(t, mm.FaultDemand, out, "inside the initial stack")
	})

	t.Run("user fault without handler", func(t *testing.T) {
		p := h.fork(t, parent)
		regs := p.Registers()
		_, err := p.PageFault(&regs, 0x40000000, false, true)
		assert.ErrorIs(t, err, mm.ErrSegv)
		assert.Equal(t, StateZombie, p.State())
		assert.Equal(t, WaitSignaled(SIGSEGV, true), p.ExitStatus())
	})

	t.Run("user fault with handler", func(t *testing.T) {
		p := h.fork(t, parent)
		_, err := p.Sigaction(SIGSEGV, &SigAction{Disposition: SigHandler, Handler: testEntry})
		require.NoError(t, err)
		regs := p.Registers()
		_, err = p.PageFault(&regs, 0x40000000, false, true)
		assert.ErrorIs(t, err, mm.ErrSegv)
		assert.Equal(t, StateAlive, p.State())
		assert.Equal(t, []Signal{SIGSEGV}, p.PendingSignals())
	})

	t.Run("kernel fault", func(t *testing.T) {
		p := h.fork(t, parent)
		_, err := p.Sigaction(SIGSEGV, &SigAction{Disposition: SigHandler, Handler: testEntry})
		require.NoError(t, err)
		regs := p.Registers()
		_, err = p.PageFault(&regs, 0x40000000, true, false)
		assert.Error(t, err)
		assert.Equal(t, StateZombie, p.State())
	})
}

func TestKernelProcess(t *testing.T) {
	h := newHarness(t, 256)
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	kp, err := h.m.CreateKernel(ctx, "kworker", func(ctx context.Context, p *Process) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)
	<-started
	assert.True(t, kp.IsKernel())
	assert.Nil(t, kp.Space())

	assert.ErrorIs(t, h.m.Kill(nil, kp.PID(), SIGTERM), ErrPermission)
	_, err = kp.Fork(Registers{})
	assert.ErrorIs(t, err, ErrKernelProcess)

	cancel()
	h.m.Wait()
	assert.Equal(t, StateDead, kp.State())
	assert.True(t, kp.KernelStack().Released())
}

func TestSnapshot(t *testing.T) {
	h := newHarness(t, 256)
	p := h.spawn(t, 0)
	child := h.fork(t, p)
	_, _, err := child.Pipe()
	require.NoError(t, err)

	infos := h.m.Snapshot()
	require.Len(t, infos, 2)
	assert.Equal(t, p.PID(), infos[0].PID)
	assert.Equal(t, "alive", infos[1].State)
	assert.Equal(t, p.PID(), infos[1].PPID)
	assert.Equal(t, 2, infos[1].Files)
	assert.Equal(t, mm.PageSize, infos[1].KernelStack)
	assert.Equal(t, uint32(testEntry), infos[1].Registers.EIP)
	assert.Positive(t, infos[0].Resident)
}
