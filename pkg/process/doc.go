/*
Package process is the process core of the kernel: the process table, the
process lifecycle, blocking and wakeup, and signal delivery.

# Process States

Every process is in exactly one of four states:

  - Alive: runnable or running
  - Blocked: suspended on a Blocker until its condition holds or a signal
    interrupts it
  - Zombie: terminated; the exit status and pid are kept until the parent
    reaps it
  - Dead: reaped; kernel stack, address space and descriptors are released

A process with no parent able to reap it (no parent, an exited parent, or
one ignoring SIGCHLD) goes from exit straight to Dead.

# Blocking

A process suspends itself with Block. The wait condition is re-checked
under the process lock before the process commits to Blocked, so a wakeup
racing with the check is never lost. Resource owners wake waiters early
through Poll; the scheduler polls every blocked process on each tick.

	for {
		data, err := pipe.Read(buf)
		if !errors.Is(err, ipc.ErrWouldBlock) {
			return data, err
		}
		if err := p.Block(ctx, process.ReadBlocker{Source: src}); err != nil {
			return nil, err // ErrInterrupted, ErrKilled or ctx.Err()
		}
	}

# Signals

Signals are queued by SendSignal (or Manager.Kill) from any goroutine and
delivered by HandlePendingSignal on the way back to user mode. Entering a
handler saves the interrupted registers and moves execution to the signal
stack; the handler returns by faulting at mm.SignalReturnAddr (or calling
sigreturn), which FinishSignal turns back into the saved registers. Only one
handler frame exists at a time.

# Locking

Each process has one mutex for its state, blocker slot, pending queue and
delivery flags. The table lock is never held while taking a process lock,
and state, parent, group and session are mirrored in atomics so one process
can inspect another without nesting locks. Work that touches other
processes (closing descriptors, notifying the parent) runs after the lock
is released.
*/
package process
