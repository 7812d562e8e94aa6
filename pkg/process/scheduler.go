package process

import "context"

// Scheduler is the run-queue policy the process layer cooperates with.
//
// A user process holds a CPU while it runs. Block gives the CPU back before
// suspending and reacquires it after waking, and the syscall layer calls
// Yield at the end of every trap so the policy may switch processes there.
// Kernel processes never hold a CPU.
type Scheduler interface {
	// Add registers a published process.
	Add(p *Process)
	// Remove drops a process that has exited, releasing its CPU if held.
	Remove(p *Process)
	// Acquire waits for a CPU for p.
	Acquire(ctx context.Context, p *Process) error
	// Release gives p's CPU back. It is a no-op when p holds none.
	Release(p *Process)
	// Yield lets other processes run if p's quantum has expired.
	Yield(ctx context.Context, p *Process) error
}

// Runner starts executing a process created by Fork. It is called once the
// child is published and must not block.
type Runner interface {
	Run(child *Process)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(child *Process)

func (f RunnerFunc) Run(child *Process) { f(child) }

// noopScheduler lets every process run at once.
type noopScheduler struct{}

func (noopScheduler) Add(*Process)                            {}
func (noopScheduler) Remove(*Process)                         {}
func (noopScheduler) Acquire(context.Context, *Process) error { return nil }
func (noopScheduler) Release(*Process)                        {}
func (noopScheduler) Yield(context.Context, *Process) error   { return nil }

type noopRunner struct{}

func (noopRunner) Run(*Process) {}

// Yield offers the CPU back to the scheduler. It is called on the way back
// to user mode.
func (p *Process) Yield(ctx context.Context) error {
	if p.kernel || p.Exited() {
		return nil
	}
	return p.m.scheduler().Yield(ctx, p)
}
