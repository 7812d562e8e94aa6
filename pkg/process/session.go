package process

import "fmt"

// Setsid makes the process the leader of a new session and of a new process
// group, both identified by its pid. It fails with ErrPermission when a
// process group with that id already exists.
func (p *Process) Setsid() (int, error) {
	if len(p.m.table.Group(p.pid)) > 0 {
		return -1, fmt.Errorf("%w: pid %d already leads a process group", ErrPermission, p.pid)
	}
	p.sid.Store(int32(p.pid))
	p.pgid.Store(int32(p.pid))
	p.log.Debug("new session")
	return p.pid, nil
}

// Setpgid moves process pid (0 for the caller) into group pgid (0 for a
// group named after pid). The target must be the caller or one of its
// children in the same session that has not called exec yet, must not lead
// a session, and a group other than its own pid must already exist in the
// caller's session.
func (p *Process) Setpgid(pid, pgid int) error {
	if pid < 0 || pgid < 0 {
		return fmt.Errorf("%w: setpgid(%d, %d)", ErrInvalid, pid, pgid)
	}
	if pid == 0 {
		pid = p.pid
	}
	if pgid == 0 {
		pgid = pid
	}

	target := p
	if pid != p.pid {
		c, ok := p.m.table.Lookup(pid)
		if !ok || c.PPID() != p.pid {
			return fmt.Errorf("%w: %d is not a child", ErrNoSuchProcess, pid)
		}
		if c.SID() != p.SID() {
			return fmt.Errorf("%w: child %d is in another session", ErrPermission, pid)
		}
		if c.JustExeced() {
			return fmt.Errorf("%w: child %d has called exec", ErrAccess, pid)
		}
		target = c
	}
	if target.SID() == target.pid {
		return fmt.Errorf("%w: %d is a session leader", ErrPermission, pid)
	}
	if pgid != target.pid && !p.m.table.groupInSession(pgid, p.SID()) {
		return fmt.Errorf("%w: no group %d in session %d", ErrPermission, pgid, p.SID())
	}
	target.pgid.Store(int32(pgid))
	return nil
}

// Getpgid returns the process group of pid, 0 meaning the caller.
func (p *Process) Getpgid(pid int) (int, error) {
	t, err := p.lookupOrSelf(pid)
	if err != nil {
		return -1, err
	}
	return t.PGID(), nil
}

// Getsid returns the session of pid, 0 meaning the caller.
func (p *Process) Getsid(pid int) (int, error) {
	t, err := p.lookupOrSelf(pid)
	if err != nil {
		return -1, err
	}
	return t.SID(), nil
}

// Getpgrp returns the caller's process group.
func (p *Process) Getpgrp() int { return p.PGID() }

func (p *Process) lookupOrSelf(pid int) (*Process, error) {
	if pid == 0 || pid == p.pid {
		return p, nil
	}
	t, ok := p.m.table.Lookup(pid)
	if !ok || t.State() == StateDead {
		return nil, fmt.Errorf("%w: %d", ErrNoSuchProcess, pid)
	}
	return t, nil
}
