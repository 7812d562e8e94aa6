package process

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"taskos/pkg/klog"
	"taskos/pkg/loader"
	"taskos/pkg/mm"
	"taskos/pkg/vfs"
)

// DefaultPath is searched by Execvp when env carries no PATH.
const DefaultPath = "/bin:/usr/bin"

// Fork creates a child running a copy of the process. regs is the register
// state at the fork trap; the child resumes from it with EAX set to 0.
//
// The child gets a new kernel stack, a copy-on-write fork of the address
// space, a clone of the descriptor table sharing every description, the
// signal actions, working directory, ids and limits. It becomes visible only
// once fully built; if anything fails, everything acquired so far is
// released and the parent is left as it was.
func (p *Process) Fork(regs Registers) (*Process, error) {
	if p.kernel {
		return nil, ErrKernelProcess
	}
	m := p.m
	pid, err := m.table.reserve()
	if err != nil {
		return nil, err
	}
	child, err := p.forkAs(pid, regs)
	if err != nil {
		m.table.unreserve(pid)
		p.log.Warn("fork failed", klog.Err(err))
		return nil, err
	}
	m.publish(child)
	m.metrics.Fork(context.Background())
	p.log.Debug("forked", klog.Int("child", pid))
	m.runnerFor().Run(child)
	return child, nil
}

func (p *Process) forkAs(pid int, regs Registers) (*Process, error) {
	kstack, err := p.m.mem.AllocKernelStack(p.m.kstack)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	space := p.space
	name, cwd, limits := p.name, p.cwd, p.limits
	actions, stackTop := p.sig.actions, p.sig.stackTop
	p.mu.Unlock()
	if space == nil {
		kstack.Release()
		return nil, ErrKilled
	}
	cs, err := space.Fork()
	if err != nil {
		kstack.Release()
		return nil, err
	}

	c := p.m.newProcess(pid, name, false)
	c.uid, c.gid = p.uid, p.gid
	c.ppid.Store(int32(p.pid))
	c.pgid.Store(int32(p.PGID()))
	c.sid.Store(int32(p.SID()))
	c.cwd = cwd
	c.limits = limits
	c.kstack = kstack
	c.space = cs
	c.sig.actions = actions
	c.sig.stackTop = stackTop
	regs.EAX = 0
	c.regs = regs
	c.files = p.files.Clone()
	return c, nil
}

// Exec replaces the process image with the executable at path. The new
// image is loaded completely before anything about the caller changes, so
// a failed exec returns to the old image untouched.
//
// On success the address space and registers are replaced, close-on-exec
// descriptors are closed, caught signals revert to their default action
// (ignored ones stay ignored) and the delivery state is reset.
func (p *Process) Exec(path string, args, env []string) error {
	if p.kernel {
		return ErrKernelProcess
	}
	path = vfs.Abs(p.Cwd(), path)
	img, err := p.m.loader.Load(path)
	if err != nil {
		return err
	}
	lim := p.Limits()
	space, regs, err := p.m.buildImage(img, args, env, lim)
	if err != nil {
		return err
	}

	p.mu.Lock()
	if p.Exited() {
		p.mu.Unlock()
		space.Release()
		return ErrKilled
	}
	old := p.space
	p.space = space
	p.regs = regs
	p.name = vfs.Base(path)
	p.justExeced = true
	p.sig.resetForExec()
	p.sig.stackTop = mm.SignalStackTop
	p.mu.Unlock()

	if old != nil {
		old.Release()
	}
	p.files.CloseOnExec()
	p.log.Info("exec", klog.String("path", path), klog.Hex("entry", img.Entry))
	return nil
}

// Execvp is Exec with a PATH search for names without a slash.
func (p *Process) Execvp(file string, args, env []string) error {
	if strings.Contains(file, "/") {
		return p.Exec(file, args, env)
	}
	dirs := DefaultPath
	for _, kv := range env {
		if v, ok := strings.CutPrefix(kv, "PATH="); ok {
			dirs = v
		}
	}
	err := fmt.Errorf("%w: %s", loader.ErrNotFound, file)
	for _, dir := range strings.Split(dirs, ":") {
		if dir == "" {
			dir = "."
		}
		err = p.Exec(dir+"/"+file, args, env)
		if err == nil || !errors.Is(err, loader.ErrNotFound) {
			return err
		}
	}
	return err
}

// Exit terminates the process with the given exit code.
func (p *Process) Exit(code int) {
	p.die(WaitExited(code))
}

// die moves the process to ZOMBIE with the encoded wait status and tears it
// down. Only the first call has any effect.
func (p *Process) die(status int) {
	p.mu.Lock()
	first := p.terminateLocked(status, StateZombie)
	p.mu.Unlock()
	if first {
		p.afterExit()
	}
}

// terminateLocked records the exit status and moves the process to `to`,
// forcing it out of any wait in the same critical section. It reports false
// if the process had already terminated.
func (p *Process) terminateLocked(status int, to State) bool {
	if p.Exited() {
		return false
	}
	if p.blocker != nil {
		p.blocker = nil
		close(p.wake)
		p.wake = nil
	}
	p.stop = nil
	p.stopped.Store(false)
	if err := p.setStateLocked(to); err != nil {
		p.log.Error("terminate", klog.Err(err))
		return false
	}
	p.exitStatus = status
	return true
}

// afterExit releases what an exited process no longer needs and tells the
// parent. It runs outside p.mu because closing descriptors wakes other
// processes and notifying the parent takes its lock.
func (p *Process) afterExit() {
	p.release()
	p.log.Info("exited", klog.Int("status", p.ExitStatus()))

	parent, ok := p.m.table.Lookup(p.PPID())
	if !ok || parent.Exited() || parent.ignoresChildren() {
		// Nobody will wait for this process.
		_ = p.Reap()
		return
	}
	parent.SendSignal(SIGCHLD)
	parent.Poll()
}

func (p *Process) release() {
	if p.files != nil {
		p.files.CloseAll()
	}
	p.m.scheduler().Remove(p)
	p.m.reparentChildren(p)
}

// reparentChildren hands the children of an exiting process to init.
// Zombies among them are announced to init, or reaped on the spot when
// there is no init to do it.
func (m *Manager) reparentChildren(p *Process) {
	reaper, ok := m.table.Lookup(m.initPID)
	if ok && (reaper == p || reaper.Exited()) {
		ok = false
	}
	for _, c := range m.table.Children(p.pid) {
		if !ok {
			c.ppid.Store(0)
			if c.State() == StateZombie {
				_ = c.Reap()
			}
			continue
		}
		c.ppid.Store(int32(reaper.pid))
		if c.State() == StateZombie {
			reaper.SendSignal(SIGCHLD)
			reaper.Poll()
		}
	}
}

// ignoresChildren reports whether SIGCHLD is explicitly ignored, which
// makes children reap themselves.
func (p *Process) ignoresChildren() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sig.actions[SIGCHLD].Disposition == SigIgnore
}

// Reap moves a ZOMBIE to DEAD, frees its kernel stack, address space and
// descriptors and removes it from the table. Resources are released exactly
// once: a second call returns ErrAlreadyReaped.
func (p *Process) Reap() error {
	p.mu.Lock()
	if p.freed {
		p.mu.Unlock()
		return ErrAlreadyReaped
	}
	if !p.Exited() {
		p.mu.Unlock()
		return fmt.Errorf("%w: pid %d is %s", ErrNotZombie, p.pid, p.State())
	}
	if p.State() == StateZombie {
		if err := p.setStateLocked(StateDead); err != nil {
			p.mu.Unlock()
			return err
		}
	}
	p.freed = true
	space, kstack := p.space, p.kstack
	p.space = nil
	p.mu.Unlock()

	if space != nil {
		space.Release()
	}
	kstack.Release()
	if p.files != nil {
		p.files.CloseAll()
	}
	if p.m.table.remove(p.pid) {
		p.m.metrics.ProcessRemoved(context.Background())
	}
	p.m.metrics.Reaped(context.Background())
	p.log.Debug("reaped")
	return nil
}

// DieSilently ends the process without notifying anyone: a live process
// goes straight to DEAD, a zombie is reaped. Used when no parent can reap.
func (p *Process) DieSilently() {
	p.mu.Lock()
	first := p.terminateLocked(p.exitStatus, StateDead)
	p.mu.Unlock()
	if first {
		p.release()
	}
	_ = p.Reap()
}
