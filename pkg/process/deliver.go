package process

import (
	"context"
	"encoding/binary"
	"errors"

	"taskos/pkg/klog"
	"taskos/pkg/mm"
)

// SendSignal posts sig to the process. It never blocks and may be called
// from any goroutine.
//
// SIGCONT resumes a stopped process and discards pending stop signals; a
// stop signal discards a pending SIGCONT. Signals the process ignores are
// dropped. A terminating signal aimed at a blocked process kills it at once:
// the forced wakeup and the move to ZOMBIE happen in one critical section,
// so the process is never seen running again. Anything else is queued for
// delivery at the next return to user mode, and interrupts the current wait
// if it should.
func (p *Process) SendSignal(sig Signal) {
	if !sig.Valid() || p.kernel {
		return
	}
	p.mu.Lock()
	if p.Exited() {
		p.mu.Unlock()
		return
	}
	switch {
	case sig == SIGCONT:
		for _, s := range []Signal{SIGSTOP, SIGTSTP, SIGTTIN, SIGTTOU} {
			p.sig.discard(s)
		}
		if p.stop != nil {
			p.stop.continued.Store(true)
			p.stop = nil
			p.stopped.Store(false)
			p.continued.Store(true)
			if _, ok := p.blocker.(*StopBlocker); ok {
				p.unblockLocked()
			}
		}
	case DefaultActions[sig] == ActStop:
		p.sig.discard(SIGCONT)
	}

	if sig != SIGKILL && p.sig.ignored(sig) {
		p.mu.Unlock()
		if p.slog.DebugEnabled() {
			p.slog.Debug("signal ignored", klog.String("sig", sig.String()))
		}
		return
	}

	act, def := p.sig.effective(sig)
	if sig == SIGKILL {
		act, def = SigAction{}, ActTerminate
	}
	_, stopped := p.blocker.(*StopBlocker)
	fatal := act.Disposition != SigHandler && (def == ActTerminate || def == ActCore)
	if p.blocker != nil && fatal && (sig == SIGKILL || !stopped) {
		first := p.terminateLocked(WaitSignaled(sig, def == ActCore), StateZombie)
		p.mu.Unlock()
		if first {
			p.slog.Info("killed while blocked", klog.String("sig", sig.String()))
			p.m.metrics.SignalDelivered(context.Background(), int(sig), def.String())
			p.afterExit()
		}
		return
	}

	p.sig.enqueue(sig)
	if p.shouldUnblockLocked() {
		p.unblockLocked()
	}
	p.mu.Unlock()
	if p.slog.DebugEnabled() {
		p.slog.Debug("signal queued", klog.String("sig", sig.String()))
	}
}

// HandlePendingSignal runs the delivery machine on the way back to user
// mode. regs is the state user execution will resume with; when a handler
// is entered it is rewritten to start the handler on the signal stack.
//
// Ignored signals are discarded, terminating ones kill the process, stop
// signals suspend it here until SIGCONT, and at most one handler frame is
// set up. Nothing is delivered while a handler runs, nor in the call that
// observes a handler has just finished.
func (p *Process) HandlePendingSignal(ctx context.Context, regs *Registers) {
	if p.kernel {
		return
	}
	for {
		p.mu.Lock()
		if p.Exited() {
			p.mu.Unlock()
			return
		}
		if p.sig.justFinished {
			p.sig.justFinished = false
			p.sig.phase = PhaseNormal
			p.mu.Unlock()
			return
		}
		if p.sig.inHandler || len(p.sig.pending) == 0 {
			p.mu.Unlock()
			return
		}

		sig := p.sig.dequeue()
		act, def := p.sig.effective(sig)
		if sig == SIGKILL {
			act, def = SigAction{}, ActTerminate
		}
		switch {
		case act.Disposition == SigHandler:
			err := p.enterHandlerLocked(sig, act, regs)
			p.mu.Unlock()
			if err != nil {
				p.slog.Error("cannot build signal frame", klog.String("sig", sig.String()), klog.Err(err))
				p.die(WaitSignaled(SIGSEGV, true))
				return
			}
			p.m.metrics.SignalDelivered(ctx, int(sig), "handler")
			if p.slog.DebugEnabled() {
				p.slog.Debug("entering handler",
					klog.String("sig", sig.String()),
					klog.Hex("handler", act.Handler),
					klog.Hex("esp", regs.ESP),
				)
			}
			return

		case def == ActIgnore || def == ActContinue:
			p.mu.Unlock()
			p.m.metrics.SignalDelivered(ctx, int(sig), ActIgnore.String())

		case def == ActStop:
			sb := &StopBlocker{}
			p.stop = sb
			p.stopped.Store(true)
			p.stopSeen.Store(false)
			p.stopSig.Store(int32(sig))
			p.continued.Store(false)
			p.mu.Unlock()
			p.m.metrics.SignalDelivered(ctx, int(sig), def.String())
			p.slog.Info("stopped", klog.String("sig", sig.String()))
			p.notifyParent()

			err := p.Block(ctx, sb)
			p.mu.Lock()
			if p.stop == sb {
				p.stop = nil
				p.stopped.Store(false)
			}
			p.mu.Unlock()
			if err != nil && !errors.Is(err, ErrInterrupted) {
				return
			}

		default:
			first := p.terminateLocked(WaitSignaled(sig, def == ActCore), StateZombie)
			p.mu.Unlock()
			if first {
				p.m.metrics.SignalDelivered(ctx, int(sig), def.String())
				p.slog.Info("terminated by signal", klog.String("sig", sig.String()))
				p.afterExit()
			}
			return
		}
	}
}

// enterHandlerLocked saves regs as the signal context and points them at
// the handler: ESP moves to the signal stack with the signal number and the
// return address pushed, and EIP to the handler.
func (p *Process) enterHandlerLocked(sig Signal, act SigAction, regs *Registers) error {
	p.sig.phase = PhaseHandlerEntry
	if p.space == nil {
		p.sig.phase = PhaseNormal
		return mm.ErrReleased
	}
	sp := p.sig.stackTop
	if sp == 0 {
		sp = regs.ESP
	}
	ret := act.Restorer
	if ret == 0 {
		ret = mm.SignalReturnAddr
	}
	sp -= 8
	var frame [8]byte
	binary.LittleEndian.PutUint32(frame[0:], ret)
	binary.LittleEndian.PutUint32(frame[4:], uint32(sig))
	if err := p.space.CopyOut(sp, frame[:]); err != nil {
		p.sig.phase = PhaseNormal
		return err
	}

	p.sig.saved = *regs
	regs.ESP = sp
	regs.EIP = act.Handler
	p.regs = *regs
	p.sig.current = sig
	p.sig.inHandler = true
	p.sig.readyToHandle = true
	p.sig.phase = PhaseHandlerActive
	return nil
}

// FinishSignal ends the running handler: it restores the interrupted
// registers into regs and clears the handler flags. It is reached through
// the fault at mm.SignalReturnAddr or the sigreturn syscall.
func (p *Process) FinishSignal(regs *Registers) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.sig.inHandler {
		return ErrNotInHandler
	}
	p.sig.phase = PhaseHandlerReturn
	*regs = p.sig.saved
	p.regs = *regs
	p.sig.saved = Registers{}
	p.sig.inHandler = false
	p.sig.readyToHandle = false
	p.sig.justFinished = true
	if p.slog.DebugEnabled() {
		p.slog.Debug("handler returned", klog.String("sig", p.sig.current.String()))
	}
	p.sig.current = 0
	return nil
}

// CurrentSignal returns the signal whose handler is running, or 0.
func (p *Process) CurrentSignal() Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sig.current
}

// PageFault handles a page fault raised by the process at addr. user is
// false for faults taken while the kernel accessed user memory on the
// process's behalf.
//
// A fault at mm.SignalReturnAddr while a handler runs is the handler
// returning and restores regs. Faults the memory manager can resolve are
// transparent. Any other user fault posts SIGSEGV, or kills the process
// outright when it cannot take a handler; a kernel fault always kills it.
func (p *Process) PageFault(regs *Registers, addr uint32, write, user bool) (mm.FaultOutcome, error) {
	if p.kernel {
		return mm.FaultNone, ErrKernelProcess
	}
	if user && addr == mm.SignalReturnAddr {
		if err := p.FinishSignal(regs); err == nil {
			return mm.FaultNone, nil
		}
	}
	space := p.Space()
	if space == nil {
		return mm.FaultNone, mm.ErrReleased
	}
	outcome, err := space.Fault(addr, write)
	if err == nil {
		return outcome, nil
	}

	if !user {
		p.log.Error("fatal kernel fault",
			klog.Hex("addr", addr),
			klog.Hex("eip", regs.EIP),
			klog.Bool("write", write),
			klog.Err(err),
		)
		p.die(WaitSignaled(SIGSEGV, true))
		return outcome, err
	}

	p.mu.Lock()
	catchable := p.sig.actions[SIGSEGV].Disposition == SigHandler && !p.sig.inHandler
	p.mu.Unlock()
	p.log.Warn("segmentation fault", klog.Hex("addr", addr), klog.Hex("eip", regs.EIP), klog.Bool("write", write))
	if !catchable {
		p.die(WaitSignaled(SIGSEGV, true))
		return outcome, err
	}
	p.SendSignal(SIGSEGV)
	return outcome, err
}

// notifyParent tells the parent a child changed state.
func (p *Process) notifyParent() {
	parent, ok := p.m.table.Lookup(p.PPID())
	if !ok {
		return
	}
	parent.SendSignal(SIGCHLD)
	parent.Poll()
}
