package process

import (
	"context"
	"errors"
	"fmt"

	"taskos/pkg/klog"
)

// Waitpid options.
const (
	WNOHANG   = 1
	WUNTRACED = 2
)

// Wait status encoding, as read by the WIF* macros.

// WaitExited encodes a normal exit with code.
func WaitExited(code int) int { return (code & 0xff) << 8 }

// WaitSignaled encodes death by sig, with the core flag when core is set.
func WaitSignaled(sig Signal, core bool) int {
	st := int(sig) & 0x7f
	if core {
		st |= 0x80
	}
	return st
}

// WaitStopped encodes a stop by sig.
func WaitStopped(sig Signal) int { return int(sig)<<8 | 0x7f }

// StatusExited reports whether status is a normal exit and its code.
func StatusExited(status int) (code int, ok bool) {
	return (status >> 8) & 0xff, status&0x7f == 0
}

// StatusSignaled reports whether status is a death by signal and which.
func StatusSignaled(status int) (Signal, bool) {
	sig := status & 0x7f
	return Signal(sig), sig != 0 && sig != 0x7f
}

// StatusStopped reports whether status is a stop and by which signal.
func StatusStopped(status int) (Signal, bool) {
	return Signal((status >> 8) & 0xff), status&0xff == 0x7f
}

// waitMatches applies a waitpid selector to child c: > 0 is one pid, -1 any
// child, 0 any child in the caller's group and < -1 any child in group
// -selector.
func (p *Process) waitMatches(selector int, c *Process) bool {
	switch {
	case selector > 0:
		return c.pid == selector
	case selector == -1:
		return true
	case selector == 0:
		return c.PGID() == p.PGID()
	default:
		return c.PGID() == -selector
	}
}

// Waitpid waits for a child selected by selector to exit, reaps it and
// returns its pid and wait status. With WUNTRACED a child that stopped and
// has not been reported yet is returned too. With WNOHANG it returns pid 0
// instead of blocking. It fails with ErrNoChild when nothing matches.
func (p *Process) Waitpid(ctx context.Context, selector int, options int) (int, int, error) {
	untraced := options&WUNTRACED != 0
	for {
		matched := false
		for _, c := range p.m.table.Children(p.pid) {
			if !p.waitMatches(selector, c) {
				continue
			}
			matched = true
			if c.State() == StateZombie {
				status := c.ExitStatus()
				if err := c.Reap(); err != nil {
					if errors.Is(err, ErrAlreadyReaped) {
						continue
					}
					return 0, 0, err
				}
				p.log.Debug("waited", klog.Int("child", c.pid), klog.Int("status", status))
				return c.pid, status, nil
			}
			if untraced && c.stopped.Load() && c.stopSeen.CompareAndSwap(false, true) {
				return c.pid, WaitStopped(Signal(c.stopSig.Load())), nil
			}
		}
		if !matched {
			return 0, 0, fmt.Errorf("%w: selector %d", ErrNoChild, selector)
		}
		if options&WNOHANG != 0 {
			return 0, 0, nil
		}
		if err := p.Block(ctx, ChildBlocker{parent: p, selector: selector, untraced: untraced}); err != nil {
			return 0, 0, err
		}
	}
}
