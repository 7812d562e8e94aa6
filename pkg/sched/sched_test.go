package sched

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskos/pkg/loader"
	"taskos/pkg/mm"
	"taskos/pkg/process"
	"taskos/pkg/vfs/memfs"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newManager(t *testing.T, s process.Scheduler, clock func() time.Time) *process.Manager {
	t.Helper()
	fs := memfs.New()
	m, err := process.NewManager(process.Options{
		Memory:    mm.NewManager(64),
		Loader:    loader.ELF{FS: fs},
		FS:        fs,
		Scheduler: s,
		Clock:     clock,
	})
	require.NoError(t, err)
	return m
}

// idle starts a kernel process that waits for ctx.
func idle(t *testing.T, m *process.Manager, ctx context.Context) *process.Process {
	t.Helper()
	p, err := m.CreateKernel(ctx, "idle", func(ctx context.Context, _ *process.Process) error {
		<-ctx.Done()
		return nil
	})
	require.NoError(t, err)
	return p
}

func TestCPUsAreExclusive(t *testing.T) {
	rr := New(Options{CPUs: 1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := newManager(t, rr, nil)
	a, b := idle(t, m, ctx), idle(t, m, ctx)

	require.NoError(t, rr.Acquire(ctx, a))
	require.NoError(t, rr.Acquire(ctx, a), "a holder reacquiring keeps its CPU")

	short, stop := context.WithTimeout(ctx, 20*time.Millisecond)
	defer stop()
	assert.ErrorIs(t, rr.Acquire(short, b), context.DeadlineExceeded)

	rr.Release(a)
	rr.Release(a)
	require.NoError(t, rr.Acquire(ctx, b))
	assert.Equal(t, []int{b.PID()}, rr.Stats().Running)
}

func TestYieldAfterQuantum(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	rr := New(Options{CPUs: 1, Quantum: 10 * time.Millisecond, Clock: clock.Now})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := newManager(t, rr, nil)
	a, b := idle(t, m, ctx), idle(t, m, ctx)

	require.NoError(t, rr.Acquire(ctx, a))
	clock.Advance(5 * time.Millisecond)
	require.NoError(t, rr.Yield(ctx, a))
	assert.Equal(t, []int{a.PID()}, rr.Stats().Running)

	waiting := make(chan error, 1)
	go func() { waiting <- rr.Acquire(ctx, b) }()
	require.Eventually(t, func() bool { return rr.Stats().Waiting == 1 }, time.Second, time.Millisecond)
	// Let b reach the semaphore queue.
	time.Sleep(10 * time.Millisecond)

	clock.Advance(10 * time.Millisecond)
	yielded := make(chan error, 1)
	go func() { yielded <- rr.Yield(ctx, a) }()

	require.NoError(t, <-waiting)
	assert.Equal(t, []int{b.PID()}, rr.Stats().Running)

	rr.Release(b)
	require.NoError(t, <-yielded)
	assert.Equal(t, []int{a.PID()}, rr.Stats().Running)
}

func TestRemoveReleasesCPU(t *testing.T) {
	rr := New(Options{CPUs: 1})
	ctx, cancel := context.WithCancel(context.Background())
	m := newManager(t, rr, nil)
	a := idle(t, m, ctx)
	require.NoError(t, rr.Acquire(ctx, a))
	assert.Equal(t, 1, rr.Stats().Registered)

	// Exiting removes the process from the scheduler.
	cancel()
	m.Wait()
	st := rr.Stats()
	assert.Zero(t, st.Registered)
	assert.Empty(t, st.Running)

	other, stop := context.WithTimeout(context.Background(), time.Second)
	defer stop()
	assert.NoError(t, rr.cpus.Acquire(other, 1))
}

func TestTickWakesExpiredSleepers(t *testing.T) {
	clock := &fakeClock{now: time.Unix(100, 0)}
	rr := New(Options{})
	m := newManager(t, rr, clock.Now)

	sleeper, err := m.CreateKernel(context.Background(), "sleeper", func(ctx context.Context, p *process.Process) error {
		return p.Sleep(ctx, time.Hour)
	})
	require.NoError(t, err)
	require.Eventually(t, sleeper.IsBlocked, time.Second, time.Millisecond)

	assert.Zero(t, rr.Tick())
	clock.Advance(time.Hour)
	assert.Equal(t, 1, rr.Tick())

	m.Wait()
	assert.Equal(t, process.StateDead, sleeper.State())
	assert.Equal(t, int64(2), rr.Stats().Ticks)
}

func TestRun(t *testing.T) {
	clock := &fakeClock{now: time.Unix(100, 0)}
	rr := New(Options{Tick: time.Millisecond, IdleBackoffMax: 4 * time.Millisecond})
	m := newManager(t, rr, clock.Now)

	sleeper, err := m.CreateKernel(context.Background(), "sleeper", func(ctx context.Context, p *process.Process) error {
		return p.Sleep(ctx, time.Minute)
	})
	require.NoError(t, err)
	require.Eventually(t, sleeper.IsBlocked, time.Second, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rr.Run(ctx) }()

	clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return sleeper.State() == process.StateDead }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
