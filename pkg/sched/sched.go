// Package sched implements the round-robin CPU policy the process layer
// runs under.
//
// A fixed number of CPUs is handed out through a FIFO semaphore: a user
// process holds one while it executes and gives it back when it blocks,
// exits, or yields after its quantum. Blocked processes are not on any run
// queue; Tick polls them in round-robin order so that wake conditions
// nobody signals (an expired timer, say) are still noticed.
package sched

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"

	"taskos/pkg/klog"
	"taskos/pkg/process"
)

// Default policy values.
const (
	DefaultCPUs           = 1
	DefaultQuantum        = 10 * time.Millisecond
	DefaultTick           = 2 * time.Millisecond
	DefaultIdleBackoffMax = 50 * time.Millisecond
)

// Options configures a RoundRobin scheduler. Zero values select the
// defaults.
type Options struct {
	CPUs           int
	Quantum        time.Duration
	Tick           time.Duration
	IdleBackoffMax time.Duration
	Logger         klog.Logger
	// Clock is used to measure quanta.
	Clock func() time.Time
}

// RoundRobin is a process.Scheduler.
type RoundRobin struct {
	// cpus hands out execution slots in arrival order.
	cpus *semaphore.Weighted
	ncpu int
	log  klog.Logger

	quantum time.Duration
	tick    time.Duration
	idleMax time.Duration
	clock   func() time.Time

	mu sync.Mutex
	// procs holds every registered process; order is the polling ring.
	procs map[int]*process.Process
	order []int
	// cursor is where the next Tick starts in order.
	cursor int
	// running maps a pid holding a CPU to when it got it.
	running map[int]time.Time
	waiting int
	ticks   int64
}

var _ process.Scheduler = (*RoundRobin)(nil)

// New creates a scheduler.
func New(opts Options) *RoundRobin {
	if opts.CPUs <= 0 {
		opts.CPUs = DefaultCPUs
	}
	if opts.Quantum <= 0 {
		opts.Quantum = DefaultQuantum
	}
	if opts.Tick <= 0 {
		opts.Tick = DefaultTick
	}
	if opts.IdleBackoffMax < opts.Tick {
		opts.IdleBackoffMax = max(DefaultIdleBackoffMax, opts.Tick)
	}
	if opts.Logger == nil {
		opts.Logger = klog.Nop()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &RoundRobin{
		cpus:    semaphore.NewWeighted(int64(opts.CPUs)),
		ncpu:    opts.CPUs,
		log:     opts.Logger.Named("sched"),
		quantum: opts.Quantum,
		tick:    opts.Tick,
		idleMax: opts.IdleBackoffMax,
		clock:   opts.Clock,
		procs:   make(map[int]*process.Process),
		running: make(map[int]time.Time),
	}
}

// Add registers p for polling.
func (s *RoundRobin) Add(p *process.Process) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.procs[p.PID()]; ok {
		return
	}
	s.procs[p.PID()] = p
	s.order = append(s.order, p.PID())
}

// Remove unregisters p and frees its CPU.
func (s *RoundRobin) Remove(p *process.Process) {
	s.mu.Lock()
	if _, ok := s.procs[p.PID()]; ok {
		delete(s.procs, p.PID())
		for i, pid := range s.order {
			if pid == p.PID() {
				s.order = append(s.order[:i], s.order[i+1:]...)
				if s.cursor > i {
					s.cursor--
				}
				break
			}
		}
	}
	s.mu.Unlock()
	s.Release(p)
}

// Acquire waits for a free CPU. A process that already holds one keeps it.
func (s *RoundRobin) Acquire(ctx context.Context, p *process.Process) error {
	s.mu.Lock()
	_, held := s.running[p.PID()]
	s.mu.Unlock()
	if held {
		return nil
	}
	s.mu.Lock()
	s.waiting++
	s.mu.Unlock()

	err := s.cpus.Acquire(ctx, 1)

	s.mu.Lock()
	s.waiting--
	if err == nil {
		s.running[p.PID()] = s.clock()
	}
	s.mu.Unlock()
	return err
}

// Release gives back p's CPU, if it holds one.
func (s *RoundRobin) Release(p *process.Process) {
	s.mu.Lock()
	_, held := s.running[p.PID()]
	delete(s.running, p.PID())
	s.mu.Unlock()
	if held {
		s.cpus.Release(1)
	}
}

// Yield requeues p behind the waiting processes once its quantum is spent.
// With nobody waiting p keeps running.
func (s *RoundRobin) Yield(ctx context.Context, p *process.Process) error {
	s.mu.Lock()
	since, held := s.running[p.PID()]
	waiting := s.waiting
	s.mu.Unlock()
	if !held || waiting == 0 || s.clock().Sub(since) < s.quantum {
		return nil
	}
	s.Release(p)
	if s.log.DebugEnabled() {
		s.log.Debug("quantum expired", klog.Int("pid", p.PID()))
	}
	return s.Acquire(ctx, p)
}

// Tick polls every blocked process once, starting where the previous tick
// stopped, and returns how many it woke.
func (s *RoundRobin) Tick() int {
	s.mu.Lock()
	s.ticks++
	n := len(s.order)
	ring := make([]*process.Process, 0, n)
	for i := range n {
		ring = append(ring, s.procs[s.order[(s.cursor+i)%n]])
	}
	if n > 0 {
		s.cursor = (s.cursor + 1) % n
	}
	s.mu.Unlock()

	woken := 0
	for _, p := range ring {
		if p.IsBlocked() && p.Poll() {
			woken++
		}
	}
	return woken
}

// Run ticks until ctx is done. The interval backs off exponentially while
// nothing wakes, up to the idle maximum, and drops back to one tick as soon
// as something does.
func (s *RoundRobin) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.tick
	b.MaxInterval = s.idleMax
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	s.log.Info("scheduler running",
		klog.Int("cpus", s.ncpu),
		klog.Duration("quantum", s.quantum),
		klog.Duration("tick", s.tick),
	)
	timer := time.NewTimer(s.tick)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
		wait := s.tick
		if s.Tick() == 0 {
			wait = b.NextBackOff()
		} else {
			b.Reset()
		}
		timer.Reset(wait)
	}
}

// Stats is a point-in-time view of the scheduler.
type Stats struct {
	CPUs       int   `json:"cpus" yaml:"cpus"`
	Registered int   `json:"registered" yaml:"registered"`
	Running    []int `json:"running" yaml:"running"`
	Waiting    int   `json:"waiting" yaml:"waiting"`
	Ticks      int64 `json:"ticks" yaml:"ticks"`
}

// Stats returns the current scheduler state.
func (s *RoundRobin) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{CPUs: s.ncpu, Registered: len(s.procs), Waiting: s.waiting, Ticks: s.ticks}
	for _, pid := range s.order {
		if _, ok := s.running[pid]; ok {
			st.Running = append(st.Running, pid)
		}
	}
	return st
}
