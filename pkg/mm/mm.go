// Package mm is the memory manager the process subsystem runs on.
//
// It hands out 4 KiB frames from a fixed budget, builds per-process user
// address spaces out of named regions, shares frames copy-on-write across
// fork, resolves user page faults (demand zero, copy-on-write, stack growth)
// and copies data between kernel buffers and user memory. Physical placement
// is not modelled: a frame is a byte array, and the budget is the only
// allocation policy.
package mm

import (
	"errors"
	"sync"
	"sync/atomic"
)

// PageSize is the size of one frame and one virtual page.
const PageSize = 4096

// User address layout. Everything at or above UserTop belongs to the kernel.
const (
	UserBase uint32 = 0x00001000
	UserTop  uint32 = 0xC0000000

	// SignalReturnAddr is never mapped. A handler returning through its
	// pushed return address faults here, which is how the kernel learns
	// the handler has finished.
	SignalReturnAddr uint32 = 0xBFFFF000

	// SignalStackTop is the top of the region signal handlers run on.
	SignalStackTop uint32 = 0xBFFFE000

	// StackTop is the initial top of the user stack.
	StackTop uint32 = 0xBFFF0000
)

// Errors returned by the memory manager.
var (
	ErrNoMemory  = errors.New("mm: out of memory")
	ErrSegv      = errors.New("mm: segmentation fault")
	ErrBadRange  = errors.New("mm: address range not mapped")
	ErrOverlap   = errors.New("mm: region overlaps existing mapping")
	ErrReleased  = errors.New("mm: address space released")
	ErrTooLong   = errors.New("mm: string exceeds limit")
	ErrBadLength = errors.New("mm: invalid length")
)

type frame struct {
	data [PageSize]byte
	refs atomic.Int32
}

// Manager owns the frame budget.
type Manager struct {
	mu    sync.Mutex
	total int
	used  int
}

// NewManager creates a manager with the given number of frames.
func NewManager(frames int) *Manager {
	return &Manager{total: frames}
}

// Total returns the frame budget.
func (m *Manager) Total() int {
	return m.total
}

// Used returns the number of frames currently allocated.
func (m *Manager) Used() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used
}

func (m *Manager) reserve(n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.used+n > m.total {
		return ErrNoMemory
	}
	m.used += n
	return nil
}

func (m *Manager) unreserve(n int) {
	m.mu.Lock()
	m.used -= n
	if m.used < 0 {
		panic("mm: negative frame count")
	}
	m.mu.Unlock()
}

func (m *Manager) allocFrame() (*frame, error) {
	if err := m.reserve(1); err != nil {
		return nil, err
	}
	f := &frame{}
	f.refs.Store(1)
	return f, nil
}

// putFrame drops one reference and returns the frame to the budget on the
// last one.
func (m *Manager) putFrame(f *frame) {
	if f.refs.Add(-1) == 0 {
		m.unreserve(1)
	}
}

// Stack is a kernel stack. It is released exactly once.
type Stack struct {
	mgr    *Manager
	Size   int
	frames int
	freed  atomic.Bool
}

// AllocKernelStack reserves size bytes (rounded up to pages) of kernel stack.
func (m *Manager) AllocKernelStack(size int) (*Stack, error) {
	if size <= 0 {
		return nil, ErrBadLength
	}
	n := (size + PageSize - 1) / PageSize
	if err := m.reserve(n); err != nil {
		return nil, err
	}
	return &Stack{mgr: m, Size: n * PageSize, frames: n}, nil
}

// Release returns the stack's frames. It reports false when the stack had
// already been released.
func (s *Stack) Release() bool {
	if s == nil || !s.freed.CompareAndSwap(false, true) {
		return false
	}
	s.mgr.unreserve(s.frames)
	return true
}

// Released reports whether Release has run.
func (s *Stack) Released() bool {
	return s != nil && s.freed.Load()
}

func pageDown(addr uint32) uint32 { return addr &^ (PageSize - 1) }

func pageUp(addr uint32) uint32 {
	return (addr + PageSize - 1) &^ (PageSize - 1)
}
