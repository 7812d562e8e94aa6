package process

import (
	"errors"
	"fmt"
)

// State is the lifecycle state of a process.
type State int32

const (
	// StateAlive means the process is runnable or running.
	StateAlive State = iota
	// StateBlocked means the process is suspended on a Blocker.
	StateBlocked
	// StateZombie means the process has terminated and keeps its exit
	// status until the parent reaps it.
	StateZombie
	// StateDead means the process has been reaped and its resources freed.
	StateDead
)

func (s State) String() string {
	switch s {
	case StateAlive:
		return "alive"
	case StateBlocked:
		return "blocked"
	case StateZombie:
		return "zombie"
	case StateDead:
		return "dead"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ErrInvalidTransition is returned for a state change the machine forbids.
var ErrInvalidTransition = errors.New("invalid state transition")

// StateTransition represents a valid state transition.
type StateTransition struct {
	From State
	To   State
}

// ValidTransitions defines all valid state transitions.
var ValidTransitions = []StateTransition{
	// Block on a wait condition.
	{From: StateAlive, To: StateBlocked},
	// Wait satisfied or interrupted.
	{From: StateBlocked, To: StateAlive},
	// exit or a terminating signal.
	{From: StateAlive, To: StateZombie},
	// Terminating signal while waiting; the process never runs again.
	{From: StateBlocked, To: StateZombie},
	// Reaped by the parent.
	{From: StateZombie, To: StateDead},
	// Died silently: nobody can reap it.
	{From: StateAlive, To: StateDead},
	{From: StateBlocked, To: StateDead},
}

// IsValidTransition checks if a state transition is valid.
func IsValidTransition(from, to State) bool {
	for _, t := range ValidTransitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}

// State returns the current state. It reads an atomic mirror and never
// takes the process lock, so other processes may call it while holding
// their own.
func (p *Process) State() State {
	return State(p.state.Load())
}

// setStateLocked moves the process to a new state. Caller holds p.mu.
func (p *Process) setStateLocked(to State) error {
	from := p.State()
	if !IsValidTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s (pid %d)", ErrInvalidTransition, from, to, p.pid)
	}
	p.state.Store(int32(to))
	return nil
}

// IsBlocked reports whether the process is suspended.
func (p *Process) IsBlocked() bool {
	return p.State() == StateBlocked
}

// Exited reports whether the process has terminated (ZOMBIE or DEAD).
func (p *Process) Exited() bool {
	s := p.State()
	return s == StateZombie || s == StateDead
}
