package mm

import (
	"fmt"
	"sort"
	"sync"
)

// RegionKind describes what a region is used for.
type RegionKind int

const (
	RegionText RegionKind = iota
	RegionData
	RegionHeap
	RegionStack
	RegionSignalStack
)

func (k RegionKind) String() string {
	switch k {
	case RegionText:
		return "text"
	case RegionData:
		return "data"
	case RegionHeap:
		return "heap"
	case RegionStack:
		return "stack"
	case RegionSignalStack:
		return "sigstack"
	default:
		return fmt.Sprintf("region(%d)", int(k))
	}
}

// Region is a contiguous range [Start, End) of user addresses.
type Region struct {
	Kind     RegionKind
	Start    uint32
	End      uint32
	Writable bool
	// Floor is the lowest address a stack region may grow down to.
	Floor uint32
}

func (r *Region) contains(addr uint32) bool {
	return addr >= r.Start && addr < r.End
}

// growable reports whether a fault at addr may extend the region downwards.
func (r *Region) growable(addr uint32) bool {
	return r.Kind == RegionStack && addr >= r.Floor && addr < r.Start
}

type pte struct {
	f   *frame
	cow bool
}

// Space is one user address space.
type Space struct {
	mu       sync.Mutex
	mgr      *Manager
	regions  []*Region
	pages    map[uint32]*pte
	heap     *Region
	released bool
}

// FaultOutcome says how a fault was resolved.
type FaultOutcome string

const (
	FaultDemand FaultOutcome = "demand"
	FaultCOW    FaultOutcome = "cow"
	FaultStack  FaultOutcome = "stack"
	FaultNone   FaultOutcome = "none"
)

// NewSpace creates an empty address space. The page directory costs one
// frame, so creation fails once the budget is exhausted.
func (m *Manager) NewSpace() (*Space, error) {
	if err := m.reserve(1); err != nil {
		return nil, err
	}
	return &Space{mgr: m, pages: make(map[uint32]*pte)}, nil
}

// Map adds a region. The range is page aligned outwards.
func (s *Space) Map(kind RegionKind, start, size uint32, writable bool) (*Region, error) {
	if size == 0 {
		return nil, ErrBadLength
	}
	end := uint64(start) + uint64(size)
	if start < UserBase || end > uint64(UserTop) {
		return nil, fmt.Errorf("%w: [%#x, %#x)", ErrBadRange, start, end)
	}
	r := &Region{
		Kind:     kind,
		Start:    pageDown(start),
		End:      pageUp(uint32(end)),
		Writable: writable,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil, ErrReleased
	}
	if err := s.insertLocked(r); err != nil {
		return nil, err
	}
	return r, nil
}

// MapStack maps a stack of initial bytes below top that may grow to max.
func (s *Space) MapStack(top, initial, max uint32) (*Region, error) {
	if initial > max {
		initial = max
	}
	r, err := s.Map(RegionStack, top-initial, initial, true)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	r.Floor = pageDown(top - max)
	s.mu.Unlock()
	return r, nil
}

// MapHeap sets up the program break at base, page aligned.
func (s *Space) MapHeap(base uint32) error {
	base = pageUp(base)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.heap != nil {
		return fmt.Errorf("%w: heap already mapped", ErrOverlap)
	}
	r := &Region{Kind: RegionHeap, Start: base, End: base, Writable: true}
	if err := s.insertLocked(r); err != nil {
		return err
	}
	s.heap = r
	return nil
}

func (s *Space) insertLocked(r *Region) error {
	for _, o := range s.regions {
		if r.Start < o.End && o.Start < r.End {
			return fmt.Errorf("%w: %s [%#x, %#x) vs %s [%#x, %#x)",
				ErrOverlap, r.Kind, r.Start, r.End, o.Kind, o.Start, o.End)
		}
		if o.Kind == RegionStack && r.End > o.Floor && r.Start < o.Start {
			return fmt.Errorf("%w: %s inside stack growth area", ErrOverlap, r.Kind)
		}
	}
	s.regions = append(s.regions, r)
	sort.Slice(s.regions, func(i, j int) bool { return s.regions[i].Start < s.regions[j].Start })
	return nil
}

// Brk returns the current program break.
func (s *Space) Brk() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.heap == nil {
		return 0
	}
	return s.heap.End
}

// Heap returns the start of the heap and the current break, both 0 when
// no heap is mapped.
func (s *Space) Heap() (start, brk uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.heap == nil {
		return 0, 0
	}
	return s.heap.Start, s.heap.End
}

// Sbrk moves the program break by delta bytes and returns the old break.
// limit bounds the heap size in bytes; zero means unbounded.
func (s *Space) Sbrk(delta int32, limit uint32) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return 0, ErrReleased
	}
	if s.heap == nil {
		return 0, fmt.Errorf("%w: no heap", ErrBadRange)
	}
	old := s.heap.End
	newEnd := int64(old) + int64(delta)
	if newEnd < int64(s.heap.Start) {
		return 0, ErrBadLength
	}
	if limit != 0 && uint64(newEnd)-uint64(s.heap.Start) > uint64(limit) {
		return 0, ErrNoMemory
	}
	for _, o := range s.regions {
		if o == s.heap {
			continue
		}
		floor := o.Start
		if o.Kind == RegionStack {
			floor = o.Floor
		}
		if o.Start >= s.heap.Start && newEnd > int64(floor) {
			return 0, ErrNoMemory
		}
	}
	if newEnd > int64(UserTop) {
		return 0, ErrNoMemory
	}
	if delta < 0 {
		// Pages wholly above the new break are returned.
		for va := pageUp(uint32(newEnd)); va < old; va += PageSize {
			if p, ok := s.pages[va]; ok {
				s.mgr.putFrame(p.f)
				delete(s.pages, va)
			}
		}
	}
	s.heap.End = uint32(newEnd)
	return old, nil
}

// Regions returns a copy of the region list.
func (s *Space) Regions() []Region {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Region, len(s.regions))
	for i, r := range s.regions {
		out[i] = *r
	}
	return out
}

// Resident returns the number of pages with a frame behind them.
func (s *Space) Resident() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pages)
}

func (s *Space) findLocked(addr uint32) *Region {
	for _, r := range s.regions {
		if r.contains(addr) {
			return r
		}
	}
	return nil
}

func (s *Space) growLocked(addr uint32) *Region {
	for _, r := range s.regions {
		if r.growable(addr) {
			return r
		}
	}
	return nil
}

// CheckRange reports whether [addr, addr+n) lies entirely inside mapped
// user regions (or a stack's growth area) with the requested access. It
// never touches memory.
func (s *Space) CheckRange(addr, n uint32, write bool) error {
	if n == 0 {
		n = 1
	}
	end := uint64(addr) + uint64(n)
	if addr < UserBase || end > uint64(UserTop) {
		return fmt.Errorf("%w: [%#x, %#x)", ErrBadRange, addr, end)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return ErrReleased
	}
	for cur := uint64(addr); cur < end; {
		r := s.findLocked(uint32(cur))
		if r == nil {
			r = s.growLocked(uint32(cur))
			if r == nil {
				return fmt.Errorf("%w: %#x", ErrBadRange, cur)
			}
			// The growth area runs up to the stack's current start.
			cur = uint64(r.Start)
			continue
		}
		if write && !r.Writable {
			return fmt.Errorf("%w: %#x is read-only", ErrBadRange, cur)
		}
		cur = uint64(r.End)
	}
	return nil
}

// Fault resolves a user page fault at addr.
func (s *Space) Fault(addr uint32, write bool) (FaultOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return FaultNone, ErrReleased
	}
	_, outcome, err := s.faultLocked(addr, write)
	return outcome, err
}

func (s *Space) faultLocked(addr uint32, write bool) (*pte, FaultOutcome, error) {
	outcome := FaultNone
	r := s.findLocked(addr)
	if r == nil {
		if r = s.growLocked(addr); r == nil {
			return nil, outcome, fmt.Errorf("%w at %#x", ErrSegv, addr)
		}
		r.Start = pageDown(addr)
		outcome = FaultStack
	}
	if write && !r.Writable {
		return nil, outcome, fmt.Errorf("%w: write to read-only %s at %#x", ErrSegv, r.Kind, addr)
	}

	va := pageDown(addr)
	p, ok := s.pages[va]
	if !ok {
		f, err := s.mgr.allocFrame()
		if err != nil {
			return nil, outcome, err
		}
		p = &pte{f: f}
		s.pages[va] = p
		if outcome == FaultNone {
			outcome = FaultDemand
		}
		return p, outcome, nil
	}
	if write && p.cow {
		if p.f.refs.Load() == 1 {
			p.cow = false
		} else {
			f, err := s.mgr.allocFrame()
			if err != nil {
				return nil, outcome, err
			}
			f.data = p.f.data
			s.mgr.putFrame(p.f)
			p.f = f
			p.cow = false
		}
		outcome = FaultCOW
	}
	return p, outcome, nil
}

// CopyIn reads n bytes of user memory at addr.
func (s *Space) CopyIn(addr, n uint32) ([]byte, error) {
	if err := s.CheckRange(addr, n, false); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	s.mu.Lock()
	defer s.mu.Unlock()
	for done := uint32(0); done < n; {
		cur := addr + done
		off := cur - pageDown(cur)
		chunk := min(PageSize-off, n-done)
		if p, ok := s.pages[pageDown(cur)]; ok {
			copy(out[done:done+chunk], p.f.data[off:off+chunk])
		}
		done += chunk
	}
	return out, nil
}

// CopyOut writes data to user memory at addr, resolving faults on the way.
func (s *Space) CopyOut(addr uint32, data []byte) error {
	n := uint32(len(data))
	if n == 0 {
		return nil
	}
	if err := s.CheckRange(addr, n, true); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for done := uint32(0); done < n; {
		cur := addr + done
		off := cur - pageDown(cur)
		chunk := min(PageSize-off, n-done)
		p, _, err := s.faultLocked(cur, true)
		if err != nil {
			return err
		}
		copy(p.f.data[off:off+chunk], data[done:done+chunk])
		done += chunk
	}
	return nil
}

// Load writes data at addr regardless of region permissions. It is meant
// for populating a fresh space with an executable image before it runs.
func (s *Space) Load(addr uint32, data []byte) error {
	n := uint32(len(data))
	if n == 0 {
		return nil
	}
	if err := s.CheckRange(addr, n, false); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for done := uint32(0); done < n; {
		cur := addr + done
		off := cur - pageDown(cur)
		chunk := min(PageSize-off, n-done)
		p, _, err := s.faultLocked(cur, false)
		if err != nil {
			return err
		}
		if p.cow {
			return fmt.Errorf("%w: load into shared page at %#x", ErrBadRange, cur)
		}
		copy(p.f.data[off:off+chunk], data[done:done+chunk])
		done += chunk
	}
	return nil
}

// ReadString reads a NUL terminated string of at most max bytes.
func (s *Space) ReadString(addr uint32, max int) (string, error) {
	var buf []byte
	for len(buf) < max {
		b, err := s.CopyIn(addr+uint32(len(buf)), 1)
		if err != nil {
			return "", err
		}
		if b[0] == 0 {
			return string(buf), nil
		}
		buf = append(buf, b[0])
	}
	return "", ErrTooLong
}

// Fork returns a copy of s sharing every resident frame copy-on-write.
// Writable pages of both spaces are marked so the first write copies.
func (s *Space) Fork() (*Space, error) {
	child, err := s.mgr.NewSpace()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		child.Release()
		return nil, ErrReleased
	}
	for _, r := range s.regions {
		cp := *r
		child.regions = append(child.regions, &cp)
		if r == s.heap {
			child.heap = &cp
		}
	}
	for va, p := range s.pages {
		p.f.refs.Add(1)
		if r := s.findLocked(va); r != nil && r.Writable {
			p.cow = true
		}
		child.pages[va] = &pte{f: p.f, cow: p.cow}
	}
	return child, nil
}

// Release drops every frame reference and the page directory. It reports
// false if the space was already released.
func (s *Space) Release() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return false
	}
	s.released = true
	for va, p := range s.pages {
		s.mgr.putFrame(p.f)
		delete(s.pages, va)
	}
	s.regions = nil
	s.heap = nil
	s.mgr.unreserve(1)
	return true
}

// Released reports whether Release has run.
func (s *Space) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}
