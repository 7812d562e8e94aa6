package process

import (
	"context"
	"sync/atomic"
	"time"

	"taskos/pkg/klog"
)

// Blocker is a wait condition. ShouldUnblock reports whether the wait is
// satisfied and has no side effects. The set of variants is closed.
type Blocker interface {
	ShouldUnblock() bool
	isBlocker()
}

// Pollable is an endpoint a process can wait on, such as a pipe end or the
// console.
type Pollable interface {
	ReadReady() bool
	WriteReady() bool
	// Watch registers fn to be called whenever readiness may have changed.
	Watch(fn func()) (cancel func())
}

// armer is implemented by blockers that can wake the process themselves
// instead of waiting for the scheduler's next poll.
type armer interface {
	arm(wake func()) (cancel func())
}

// ReadBlocker waits until Source has data or its writers are gone.
type ReadBlocker struct {
	Source Pollable
}

// ShouldUnblock reports whether a read would not block.
func (b ReadBlocker) ShouldUnblock() bool             { return b.Source.ReadReady() }
func (b ReadBlocker) arm(wake func()) (cancel func()) { return b.Source.Watch(wake) }
func (ReadBlocker) isBlocker()                        {}

// WriteBlocker waits until Sink has room or its readers are gone.
type WriteBlocker struct {
	Sink Pollable
}

// ShouldUnblock reports whether a write would not block.
func (b WriteBlocker) ShouldUnblock() bool             { return b.Sink.WriteReady() }
func (b WriteBlocker) arm(wake func()) (cancel func()) { return b.Sink.Watch(wake) }
func (WriteBlocker) isBlocker()                        {}

// ChildBlocker waits for a child matching a waitpid selector to change
// state. It is also satisfied when no matching child is left, so waitpid
// can report ECHILD.
type ChildBlocker struct {
	parent   *Process
	selector int
	untraced bool
}

// ShouldUnblock reports whether a matching child has something to report.
func (b ChildBlocker) ShouldUnblock() bool {
	matched := false
	for _, c := range b.parent.m.table.Children(b.parent.pid) {
		if !b.parent.waitMatches(b.selector, c) {
			continue
		}
		matched = true
		if c.State() == StateZombie {
			return true
		}
		if b.untraced && c.stopped.Load() && !c.stopSeen.Load() {
			return true
		}
	}
	return !matched
}

func (ChildBlocker) isBlocker() {}

// TimerBlocker waits until Deadline.
type TimerBlocker struct {
	Deadline time.Time
	// Clock defaults to time.Now.
	Clock func() time.Time
}

func (b TimerBlocker) now() time.Time {
	if b.Clock != nil {
		return b.Clock()
	}
	return time.Now()
}

// ShouldUnblock reports whether the deadline has passed.
func (b TimerBlocker) ShouldUnblock() bool {
	return !b.now().Before(b.Deadline)
}

func (b TimerBlocker) arm(wake func()) (cancel func()) {
	t := time.AfterFunc(b.Deadline.Sub(b.now()), wake)
	return func() { t.Stop() }
}

func (TimerBlocker) isBlocker() {}

// StopBlocker holds a process stopped by a job-control signal until SIGCONT.
type StopBlocker struct {
	continued atomic.Bool
}

// ShouldUnblock reports whether SIGCONT has arrived.
func (b *StopBlocker) ShouldUnblock() bool { return b.continued.Load() }
func (*StopBlocker) isBlocker()            {}

func blockerName(b Blocker) string {
	switch b.(type) {
	case ReadBlocker:
		return "read"
	case WriteBlocker:
		return "write"
	case ChildBlocker:
		return "child"
	case TimerBlocker:
		return "timer"
	case *StopBlocker:
		return "stopped"
	default:
		return "unknown"
	}
}

// Block suspends the calling execution until b is satisfied, a signal
// interrupts the wait, the process is killed or ctx ends.
//
// The condition and pending signals are re-checked under the process lock
// before the process commits to BLOCKED, so a wakeup that races with the
// check is never lost. Block on an already blocked process is a no-op.
//
// It returns nil when the wait ended normally (callers re-check their own
// condition), ErrInterrupted when a pending signal cut it short and
// ErrKilled when the process was terminated while waiting.
func (p *Process) Block(ctx context.Context, b Blocker) error {
	// Arm before checking: a wake between the check and the commit then
	// finds the blocker installed, or the check already sees the change.
	var cancel func()
	if a, ok := b.(armer); ok {
		cancel = a.arm(func() { p.Poll() })
		defer cancel()
	}

	p.mu.Lock()
	if p.blocker != nil {
		p.mu.Unlock()
		return nil
	}
	if p.Exited() {
		p.mu.Unlock()
		return ErrKilled
	}
	if b.ShouldUnblock() {
		p.mu.Unlock()
		return nil
	}
	if p.interruptingLocked(b) {
		p.mu.Unlock()
		return ErrInterrupted
	}
	wake := make(chan struct{})
	p.blocker, p.wake = b, wake
	if err := p.setStateLocked(StateBlocked); err != nil {
		p.blocker, p.wake = nil, nil
		p.mu.Unlock()
		return err
	}
	p.mu.Unlock()

	if p.log.DebugEnabled() {
		p.log.Debug("blocked", klog.String("on", blockerName(b)))
	}
	sched := p.m.scheduler()
	if !p.kernel {
		sched.Release(p)
	}

	select {
	case <-wake:
	case <-ctx.Done():
		p.Unblock()
		<-wake
	}

	if p.Exited() {
		return ErrKilled
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if !p.kernel {
		if err := sched.Acquire(ctx, p); err != nil {
			return err
		}
	}
	if b.ShouldUnblock() {
		return nil
	}
	p.mu.Lock()
	intr := p.interruptingLocked(b)
	p.mu.Unlock()
	if intr {
		return ErrInterrupted
	}
	return nil
}

// Unblock wakes a blocked process. On a process that is not blocked it does
// nothing.
func (p *Process) Unblock() {
	p.mu.Lock()
	p.unblockLocked()
	p.mu.Unlock()
}

func (p *Process) unblockLocked() bool {
	if p.blocker == nil {
		return false
	}
	p.blocker = nil
	close(p.wake)
	p.wake = nil
	if p.State() == StateBlocked {
		p.state.Store(int32(StateAlive))
	}
	return true
}

// ShouldUnblock reports whether a blocked process's wait is satisfied or a
// pending signal must interrupt it. It is false for processes that are not
// blocked.
func (p *Process) ShouldUnblock() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shouldUnblockLocked()
}

func (p *Process) shouldUnblockLocked() bool {
	if p.blocker == nil {
		return false
	}
	return p.blocker.ShouldUnblock() || p.interruptingLocked(p.blocker)
}

// Poll unblocks the process if ShouldUnblock holds and reports whether it
// did. The scheduler calls it for every blocked process on each tick, and
// resource owners call it to wake waiters early.
func (p *Process) Poll() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.shouldUnblockLocked() {
		return false
	}
	return p.unblockLocked()
}

// interruptingLocked reports whether a pending signal must cut a wait on b
// short. SIGKILL always does. A stopped process waits for SIGCONT alone, and
// nothing else can be delivered while a handler is running. Stop signals
// take effect at the next return to user mode instead.
func (p *Process) interruptingLocked(b Blocker) bool {
	_, stopped := b.(*StopBlocker)
	for _, sig := range p.sig.pending {
		if sig == SIGKILL {
			return true
		}
		if stopped || p.sig.inHandler || p.sig.ignored(sig) {
			continue
		}
		act, def := p.sig.effective(sig)
		if act.Disposition == SigHandler || def == ActTerminate || def == ActCore {
			return true
		}
	}
	return false
}
