package process

import "fmt"

// Signal is a signal number in Linux numbering.
type Signal int

// Signal numbers.
const (
	SIGHUP Signal = iota + 1
	SIGINT
	SIGQUIT
	SIGILL
	SIGTRAP
	SIGABRT
	SIGBUS
	SIGFPE
	SIGKILL
	SIGUSR1
	SIGSEGV
	SIGUSR2
	SIGPIPE
	SIGALRM
	SIGTERM
	SIGSTKFLT
	SIGCHLD
	SIGCONT
	SIGSTOP
	SIGTSTP
	SIGTTIN
	SIGTTOU
	SIGURG
	SIGXCPU
	SIGXFSZ
	SIGVTALRM
	SIGPROF
	SIGWINCH
	SIGIO
	SIGPWR
	SIGSYS

	// NSIG is one past the highest signal number.
	NSIG
)

var signalNames = [NSIG]string{
	SIGHUP: "SIGHUP", SIGINT: "SIGINT", SIGQUIT: "SIGQUIT", SIGILL: "SIGILL",
	SIGTRAP: "SIGTRAP", SIGABRT: "SIGABRT", SIGBUS: "SIGBUS", SIGFPE: "SIGFPE",
	SIGKILL: "SIGKILL", SIGUSR1: "SIGUSR1", SIGSEGV: "SIGSEGV", SIGUSR2: "SIGUSR2",
	SIGPIPE: "SIGPIPE", SIGALRM: "SIGALRM", SIGTERM: "SIGTERM", SIGSTKFLT: "SIGSTKFLT",
	SIGCHLD: "SIGCHLD", SIGCONT: "SIGCONT", SIGSTOP: "SIGSTOP", SIGTSTP: "SIGTSTP",
	SIGTTIN: "SIGTTIN", SIGTTOU: "SIGTTOU", SIGURG: "SIGURG", SIGXCPU: "SIGXCPU",
	SIGXFSZ: "SIGXFSZ", SIGVTALRM: "SIGVTALRM", SIGPROF: "SIGPROF", SIGWINCH: "SIGWINCH",
	SIGIO: "SIGIO", SIGPWR: "SIGPWR", SIGSYS: "SIGSYS",
}

func (s Signal) String() string {
	if s.Valid() {
		return signalNames[s]
	}
	return fmt.Sprintf("signal(%d)", int(s))
}

// Valid reports whether s is in 1..31.
func (s Signal) Valid() bool { return s > 0 && s < NSIG }

// Catchable reports whether a handler may be installed for s.
func (s Signal) Catchable() bool { return s != SIGKILL && s != SIGSTOP }

// DefaultAction is what happens to a signal whose disposition is Default.
type DefaultAction int

const (
	ActTerminate DefaultAction = iota
	ActCore
	ActIgnore
	ActStop
	ActContinue
)

func (a DefaultAction) String() string {
	switch a {
	case ActTerminate:
		return "terminate"
	case ActCore:
		return "core"
	case ActIgnore:
		return "ignore"
	case ActStop:
		return "stop"
	case ActContinue:
		return "continue"
	default:
		return "unknown"
	}
}

// DefaultActions maps every signal to its default action.
var DefaultActions = [NSIG]DefaultAction{
	SIGHUP: ActTerminate, SIGINT: ActTerminate, SIGQUIT: ActCore, SIGILL: ActCore,
	SIGTRAP: ActCore, SIGABRT: ActCore, SIGBUS: ActCore, SIGFPE: ActCore,
	SIGKILL: ActTerminate, SIGUSR1: ActTerminate, SIGSEGV: ActCore, SIGUSR2: ActTerminate,
	SIGPIPE: ActTerminate, SIGALRM: ActTerminate, SIGTERM: ActTerminate, SIGSTKFLT: ActTerminate,
	SIGCHLD: ActIgnore, SIGCONT: ActContinue, SIGSTOP: ActStop, SIGTSTP: ActStop,
	SIGTTIN: ActStop, SIGTTOU: ActStop, SIGURG: ActIgnore, SIGXCPU: ActCore,
	SIGXFSZ: ActCore, SIGVTALRM: ActTerminate, SIGPROF: ActTerminate, SIGWINCH: ActIgnore,
	SIGIO: ActTerminate, SIGPWR: ActTerminate, SIGSYS: ActCore,
}

// Disposition selects how a signal is handled.
type Disposition int

const (
	SigDefault Disposition = iota
	SigIgnore
	SigHandler
)

// SigAction is one entry of a process's action table.
type SigAction struct {
	Disposition Disposition
	// Handler is the user address the handler starts at.
	Handler uint32
	// Restorer, when non-zero, is pushed as the handler's return address
	// instead of mm.SignalReturnAddr. It is expected to call sigreturn.
	Restorer uint32
	Flags    uint32
}

// Phase is the state of the signal delivery machine.
type Phase int

const (
	PhaseNormal Phase = iota
	PhaseHandlerEntry
	PhaseHandlerActive
	PhaseHandlerReturn
)

func (ph Phase) String() string {
	switch ph {
	case PhaseNormal:
		return "normal"
	case PhaseHandlerEntry:
		return "handler-entry"
	case PhaseHandlerActive:
		return "handler-active"
	case PhaseHandlerReturn:
		return "handler-return"
	default:
		return fmt.Sprintf("phase(%d)", int(ph))
	}
}

// signalState is guarded by Process.mu.
type signalState struct {
	actions [NSIG]SigAction

	// pending holds distinct signals in arrival order; mask mirrors it.
	pending []Signal
	mask    uint32

	phase         Phase
	inHandler     bool
	readyToHandle bool
	justFinished  bool
	current       Signal
	// saved is the register snapshot the handler interrupted.
	saved Registers
	// stackTop is the initial ESP for handlers, 0 without a signal stack.
	stackTop uint32
}

func (s *signalState) has(sig Signal) bool {
	return s.mask&(1<<uint(sig)) != 0
}

// enqueue appends sig unless it is already pending.
func (s *signalState) enqueue(sig Signal) bool {
	if s.has(sig) {
		return false
	}
	s.mask |= 1 << uint(sig)
	s.pending = append(s.pending, sig)
	return true
}

func (s *signalState) dequeue() Signal {
	sig := s.pending[0]
	s.pending = s.pending[1:]
	s.mask &^= 1 << uint(sig)
	return sig
}

// discard removes sig from the queue if present.
func (s *signalState) discard(sig Signal) {
	if !s.has(sig) {
		return
	}
	s.mask &^= 1 << uint(sig)
	for i, q := range s.pending {
		if q == sig {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}
}

// effective resolves the action actually taken for sig.
func (s *signalState) effective(sig Signal) (SigAction, DefaultAction) {
	act := s.actions[sig]
	def := DefaultActions[sig]
	if act.Disposition == SigIgnore {
		def = ActIgnore
	}
	return act, def
}

// ignored reports whether sig would be thrown away on delivery.
func (s *signalState) ignored(sig Signal) bool {
	act, def := s.effective(sig)
	return act.Disposition != SigHandler && (def == ActIgnore || def == ActContinue)
}

// resetForExec drops caught handlers and handler state. Ignored signals stay
// ignored.
func (s *signalState) resetForExec() {
	for i := range s.actions {
		if s.actions[i].Disposition == SigHandler {
			s.actions[i] = SigAction{}
		}
	}
	s.phase = PhaseNormal
	s.inHandler = false
	s.readyToHandle = false
	s.justFinished = false
	s.current = 0
	s.saved = Registers{}
}

// Sigaction installs act for sig and returns the previous action. A nil act
// only queries.
func (p *Process) Sigaction(sig Signal, act *SigAction) (SigAction, error) {
	if !sig.Valid() {
		return SigAction{}, fmt.Errorf("%w: %d", ErrInvalidSignal, sig)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	old := p.sig.actions[sig]
	if act == nil {
		return old, nil
	}
	if !sig.Catchable() && act.Disposition != SigDefault {
		return old, fmt.Errorf("%w: %s", ErrUncatchable, sig)
	}
	p.sig.actions[sig] = *act
	// Setting a signal to ignored discards it if pending.
	if p.sig.ignored(sig) && sig != SIGCONT {
		p.sig.discard(sig)
	}
	return old, nil
}

// PendingSignals returns the queued signals in delivery order.
func (p *Process) PendingSignals() []Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Signal(nil), p.sig.pending...)
}

// HasPendingSignals reports whether any signal is queued.
func (p *Process) HasPendingSignals() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sig.pending) > 0
}

// SignalFlags returns the delivery machine's flags.
func (p *Process) SignalFlags() (inHandler, readyToHandle, justFinished bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sig.inHandler, p.sig.readyToHandle, p.sig.justFinished
}

// SignalPhase returns the delivery machine's phase.
func (p *Process) SignalPhase() Phase {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sig.phase
}
