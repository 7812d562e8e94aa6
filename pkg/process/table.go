package process

import (
	"sort"
	"sync"
)

// Table maps pids to processes. It never takes a process lock while holding
// its own, so processes may consult it from inside their critical sections.
//
// A pid is reserved before the process that will own it is fully built and
// published only afterwards: a partially constructed process is never
// visible to Lookup, and a reserved pid is never handed out twice.
type Table struct {
	mu       sync.RWMutex
	procs    map[int]*Process
	reserved map[int]struct{}
	next     int
	maxPID   int
	maxProcs int
}

// NewTable creates a table handing out pids in [1, maxPID] with at most
// maxProcs live entries. Zero values select the defaults.
func NewTable(maxPID, maxProcs int) *Table {
	if maxPID <= 0 {
		maxPID = 32768
	}
	if maxProcs <= 0 || maxProcs > maxPID {
		maxProcs = maxPID
	}
	return &Table{
		procs:    make(map[int]*Process),
		reserved: make(map[int]struct{}),
		next:     1,
		maxPID:   maxPID,
		maxProcs: maxProcs,
	}
}

// reserve picks the next free pid, wrapping at maxPID and skipping pids that
// are live or already reserved.
func (t *Table) reserve() (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.procs)+len(t.reserved) >= t.maxProcs {
		return 0, ErrTableFull
	}
	for range t.maxPID {
		pid := t.next
		t.next++
		if t.next > t.maxPID {
			t.next = 1
		}
		if _, ok := t.procs[pid]; ok {
			continue
		}
		if _, ok := t.reserved[pid]; ok {
			continue
		}
		t.reserved[pid] = struct{}{}
		return pid, nil
	}
	return 0, ErrTableFull
}

func (t *Table) publish(p *Process) {
	t.mu.Lock()
	delete(t.reserved, p.pid)
	t.procs[p.pid] = p
	t.mu.Unlock()
}

func (t *Table) unreserve(pid int) {
	t.mu.Lock()
	delete(t.reserved, pid)
	t.mu.Unlock()
}

func (t *Table) remove(pid int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.procs[pid]; !ok {
		return false
	}
	delete(t.procs, pid)
	return true
}

// Lookup returns the process with the given pid.
func (t *Table) Lookup(pid int) (*Process, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.procs[pid]
	return p, ok
}

// Range calls fn for a snapshot of all processes in pid order, stopping when
// fn returns false. fn may call back into the table.
func (t *Table) Range(fn func(*Process) bool) {
	for _, p := range t.snapshot(func(*Process) bool { return true }) {
		if !fn(p) {
			return
		}
	}
}

// Children returns the processes whose parent is ppid.
func (t *Table) Children(ppid int) []*Process {
	return t.snapshot(func(p *Process) bool { return p.PPID() == ppid })
}

// Group returns the members of process group pgid.
func (t *Table) Group(pgid int) []*Process {
	return t.snapshot(func(p *Process) bool { return p.PGID() == pgid })
}

func (t *Table) groupInSession(pgid, sid int) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, p := range t.procs {
		if p.PGID() == pgid && p.SID() == sid {
			return true
		}
	}
	return false
}

func (t *Table) snapshot(keep func(*Process) bool) []*Process {
	t.mu.RLock()
	out := make([]*Process, 0, len(t.procs))
	for _, p := range t.procs {
		if keep(p) {
			out = append(out, p)
		}
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].pid < out[j].pid })
	return out
}

// PIDs returns the live pids in ascending order.
func (t *Table) PIDs() []int {
	t.mu.RLock()
	pids := make([]int, 0, len(t.procs))
	for pid := range t.procs {
		pids = append(pids, pid)
	}
	t.mu.RUnlock()
	sort.Ints(pids)
	return pids
}

// Len returns the number of published processes.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.procs)
}
