package process

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"taskos/pkg/klog"
	"taskos/pkg/mm"
)

// Registers is the i386 register snapshot saved at a trap. Syscalls take
// their number in EAX and arguments in EBX, ECX, EDX, ESI and EDI, and return
// their result in EAX.
type Registers struct {
	EAX    uint32 `json:"eax" yaml:"eax"`
	EBX    uint32 `json:"ebx" yaml:"ebx"`
	ECX    uint32 `json:"ecx" yaml:"ecx"`
	EDX    uint32 `json:"edx" yaml:"edx"`
	ESI    uint32 `json:"esi" yaml:"esi"`
	EDI    uint32 `json:"edi" yaml:"edi"`
	ESP    uint32 `json:"esp" yaml:"esp"`
	EBP    uint32 `json:"ebp" yaml:"ebp"`
	EIP    uint32 `json:"eip" yaml:"eip"`
	EFLAGS uint32 `json:"eflags" yaml:"eflags"`
}

// initialEFLAGS has only the interrupt flag and the reserved bit set.
const initialEFLAGS = 0x202

// KernelEntry is the body of a kernel process. The process exits with
// status 0 when it returns nil and 1 otherwise.
type KernelEntry func(ctx context.Context, p *Process) error

// Process is one schedulable execution context.
type Process struct {
	pid    int
	kernel bool
	uid    int
	gid    int
	m      *Manager
	log    klog.Logger
	slog   klog.Logger

	// Mirrors read without p.mu by other processes and the table.
	state     atomic.Int32
	ppid      atomic.Int32
	pgid      atomic.Int32
	sid       atomic.Int32
	stopped   atomic.Bool
	stopSeen  atomic.Bool
	stopSig   atomic.Int32
	continued atomic.Bool

	mu         sync.Mutex
	name       string
	regs       Registers
	justExeced bool
	blocker    Blocker
	wake       chan struct{}
	stop       *StopBlocker
	sig        signalState
	exitStatus int
	freed      bool
	space      *mm.Space
	kstack     *mm.Stack
	files      *FDTable
	cwd        string
	limits     Limits
	created    time.Time
}

// PID returns the process id.
func (p *Process) PID() int { return p.pid }

// PPID returns the parent's pid, 0 when the process has no parent.
func (p *Process) PPID() int { return int(p.ppid.Load()) }

// PGID returns the process group id.
func (p *Process) PGID() int { return int(p.pgid.Load()) }

// SID returns the session id.
func (p *Process) SID() int { return int(p.sid.Load()) }

// IsKernel reports whether the process runs only in kernel mode.
func (p *Process) IsKernel() bool { return p.kernel }

// UID returns the user id.
func (p *Process) UID() int { return p.uid }

// GID returns the group id.
func (p *Process) GID() int { return p.gid }

// Name returns the process name, the base name of its executable.
func (p *Process) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.name
}

// Registers returns the saved register snapshot.
func (p *Process) Registers() Registers {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.regs
}

// SaveRegisters records regs as the process's current snapshot. The
// dispatcher calls it on every trap.
func (p *Process) SaveRegisters(regs Registers) {
	p.mu.Lock()
	p.regs = regs
	p.mu.Unlock()
}

// JustExeced reports whether the process has replaced its image since it
// was created.
func (p *Process) JustExeced() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.justExeced
}

// ExitStatus returns the encoded wait status. It is meaningful only once the
// process is a ZOMBIE or DEAD.
func (p *Process) ExitStatus() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitStatus
}

// Space returns the user address space, nil for kernel processes and after
// the process was reaped.
func (p *Process) Space() *mm.Space {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.space
}

// Files returns the descriptor table.
func (p *Process) Files() *FDTable {
	return p.files
}

// Cwd returns the current working directory.
func (p *Process) Cwd() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cwd
}

// Limits returns the process's resource limits.
func (p *Process) Limits() Limits {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.limits
}

// ResourcesFreed reports whether teardown has run.
func (p *Process) ResourcesFreed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.freed
}

// KernelStack returns the process's kernel stack.
func (p *Process) KernelStack() *mm.Stack {
	return p.kstack
}

// Info is a point-in-time description of a process for external tools.
type Info struct {
	PID         int       `json:"pid" yaml:"pid"`
	PPID        int       `json:"ppid" yaml:"ppid"`
	PGID        int       `json:"pgid" yaml:"pgid"`
	SID         int       `json:"sid" yaml:"sid"`
	UID         int       `json:"uid" yaml:"uid"`
	GID         int       `json:"gid" yaml:"gid"`
	Name        string    `json:"name" yaml:"name"`
	State       string    `json:"state" yaml:"state"`
	Kernel      bool      `json:"kernel" yaml:"kernel"`
	Stopped     bool      `json:"stopped,omitempty" yaml:"stopped,omitempty"`
	Blocker     string    `json:"blocker,omitempty" yaml:"blocker,omitempty"`
	Cwd         string    `json:"cwd" yaml:"cwd"`
	Files       int       `json:"files" yaml:"files"`
	Pending     []int     `json:"pending,omitempty" yaml:"pending,omitempty"`
	InHandler   bool      `json:"in_handler,omitempty" yaml:"in_handler,omitempty"`
	ExitStatus  int       `json:"exit_status,omitempty" yaml:"exit_status,omitempty"`
	Registers   Registers `json:"registers" yaml:"registers"`
	KernelStack int       `json:"kernel_stack" yaml:"kernel_stack"`
	Resident    int       `json:"resident_pages" yaml:"resident_pages"`
	Created     time.Time `json:"created" yaml:"created"`
}

// Info returns a snapshot of the process.
func (p *Process) Info() Info {
	p.mu.Lock()
	info := Info{
		PID:        p.pid,
		PPID:       p.PPID(),
		PGID:       p.PGID(),
		SID:        p.SID(),
		UID:        p.uid,
		GID:        p.gid,
		Name:       p.name,
		State:      p.State().String(),
		Kernel:     p.kernel,
		Stopped:    p.stopped.Load(),
		Cwd:        p.cwd,
		InHandler:  p.sig.inHandler,
		ExitStatus: p.exitStatus,
		Registers:  p.regs,
		Created:    p.created,
	}
	if p.blocker != nil {
		info.Blocker = blockerName(p.blocker)
	}
	for _, s := range p.sig.pending {
		info.Pending = append(info.Pending, int(s))
	}
	space := p.space
	p.mu.Unlock()

	if p.files != nil {
		info.Files = p.files.Len()
	}
	if p.kstack != nil && !p.kstack.Released() {
		info.KernelStack = p.kstack.Size
	}
	if space != nil {
		info.Resident = space.Resident()
	}
	return info
}
