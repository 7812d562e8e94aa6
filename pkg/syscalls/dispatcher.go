// Package syscalls is the trap boundary between user code and the process
// layer.
//
// Trap decodes a syscall from the caller's registers (number in EAX,
// arguments in EBX, ECX, EDX, ESI, EDI), validates every user pointer
// against the caller's address space before touching it, runs the process
// operation, stores the result or a negated errno in EAX, and then runs
// signal delivery for the return to user mode. Fault is the same boundary
// for page faults.
package syscalls

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"taskos/pkg/klog"
	"taskos/pkg/mm"
	"taskos/pkg/process"
	"taskos/pkg/telemetry"
)

// Bounds on data copied in from user memory.
const (
	MaxPath = unix.PathMax
	MaxArgs = 1024
	// MaxIO caps a single read or write.
	MaxIO = 1 << 20
)

// Options configures a Dispatcher.
type Options struct {
	Logger  klog.Logger
	Metrics *telemetry.Metrics
}

// Dispatcher routes traps to the process layer.
type Dispatcher struct {
	m       *process.Manager
	log     klog.Logger
	metrics *telemetry.Metrics
}

// New creates a dispatcher for processes of m.
func New(m *process.Manager, opts Options) *Dispatcher {
	if opts.Logger == nil {
		opts.Logger = klog.Nop()
	}
	return &Dispatcher{
		m:       m,
		log:     opts.Logger.Named("syscall"),
		metrics: opts.Metrics,
	}
}

// call is one syscall in flight.
type call struct {
	ctx   context.Context
	p     *process.Process
	regs  *process.Registers
	space *mm.Space
	// keep leaves regs as the handler set them instead of storing the
	// result in EAX.
	keep bool
}

func (c *call) arg(i int) uint32 {
	switch i {
	case 0:
		return c.regs.EBX
	case 1:
		return c.regs.ECX
	case 2:
		return c.regs.EDX
	case 3:
		return c.regs.ESI
	case 4:
		return c.regs.EDI
	}
	panic(fmt.Sprintf("syscalls: argument %d out of range", i))
}

func (c *call) int(i int) int { return int(int32(c.arg(i))) }

// checkPtr validates that [addr, addr+size) lies in the caller's mapped user
// ranges, writable if write is set.
func (c *call) checkPtr(addr, size uint32, write bool) error {
	if addr == 0 || c.space == nil {
		return fmt.Errorf("%w: %#x", ErrFault, addr)
	}
	if size == 0 {
		return nil
	}
	if err := c.space.CheckRange(addr, size, write); err != nil {
		return fmt.Errorf("%w: %#x+%d: %v", ErrFault, addr, size, err)
	}
	return nil
}

func (c *call) copyIn(addr, size uint32) ([]byte, error) {
	if err := c.checkPtr(addr, size, false); err != nil {
		return nil, err
	}
	return c.space.CopyIn(addr, size)
}

func (c *call) copyOut(addr uint32, data []byte) error {
	if err := c.checkPtr(addr, uint32(len(data)), true); err != nil {
		return err
	}
	return c.space.CopyOut(addr, data)
}

func (c *call) putWord(addr, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return c.copyOut(addr, b[:])
}

func (c *call) word(addr uint32) (uint32, error) {
	b, err := c.copyIn(addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// str reads a NUL terminated path or name.
func (c *call) str(addr uint32) (string, error) {
	if err := c.checkPtr(addr, 1, false); err != nil {
		return "", err
	}
	s, err := c.space.ReadString(addr, MaxPath)
	switch {
	case errors.Is(err, mm.ErrTooLong):
		return "", fmt.Errorf("%w: string at %#x", process.ErrNameTooLong, addr)
	case err != nil:
		return "", fmt.Errorf("%w: string at %#x: %v", ErrFault, addr, err)
	}
	return s, nil
}

// strv reads a NULL terminated array of string pointers. A nil array reads
// as empty.
func (c *call) strv(addr uint32) ([]string, error) {
	if addr == 0 {
		return nil, nil
	}
	var out []string
	for i := uint32(0); ; i++ {
		if i == MaxArgs {
			return nil, process.ErrTooManyArgs
		}
		ptr, err := c.word(addr + 4*i)
		if err != nil {
			return nil, err
		}
		if ptr == 0 {
			return out, nil
		}
		s, err := c.str(ptr)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
}

// Trap runs the syscall described by regs for p and prepares regs for the
// return to user mode. It may block. When it returns with p exited, regs
// are meaningless.
func (d *Dispatcher) Trap(ctx context.Context, p *process.Process, regs *process.Registers) {
	nr := regs.EAX
	p.SaveRegisters(*regs)
	c := &call{ctx: ctx, p: p, regs: regs, space: p.Space()}

	var (
		ret uint32
		err error
	)
	if h := handlerFor(nr); h != nil {
		ret, err = h(d, c)
	} else {
		err = fmt.Errorf("%w: %d", ErrNoSys, nr)
	}

	errno := Errno(err)
	d.metrics.Syscall(ctx, Name(nr), int(errno))
	if d.log.DebugEnabled() {
		d.log.Debug(Name(nr),
			klog.Int("pid", p.PID()),
			klog.Hex("ret", ret),
			klog.Int("errno", int(errno)),
		)
	}
	if p.Exited() {
		return
	}
	if !c.keep || err != nil {
		regs.EAX = Result(ret, err)
	}
	p.SaveRegisters(*regs)
	d.returnToUser(ctx, p, regs)
}

// Fault handles a page fault p took in user mode at addr. It returns nil
// when execution can resume with regs; this includes a handler returning
// through the signal return address and a fault converted into a SIGSEGV
// handler frame.
func (d *Dispatcher) Fault(ctx context.Context, p *process.Process, regs *process.Registers, addr uint32, write bool) error {
	outcome, err := p.PageFault(regs, addr, write, true)
	if err != nil {
		d.metrics.Fault(ctx, "segv")
	} else {
		d.metrics.Fault(ctx, string(outcome))
	}
	if p.Exited() {
		return err
	}
	d.returnToUser(ctx, p, regs)
	if p.Exited() {
		return err
	}
	return nil
}

// returnToUser is the common tail of every trap: pending signals are acted
// on and the scheduler may switch processes.
func (d *Dispatcher) returnToUser(ctx context.Context, p *process.Process, regs *process.Registers) {
	p.HandlePendingSignal(ctx, regs)
	if p.Exited() {
		return
	}
	if err := p.Yield(ctx); err != nil && ctx.Err() == nil {
		d.log.Warn("yield failed", klog.Int("pid", p.PID()), klog.Err(err))
	}
}
