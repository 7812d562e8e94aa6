package process

import (
	"errors"
	"fmt"
)

// ErrInvalidLimit is returned by Limits.Validate.
var ErrInvalidLimit = errors.New("invalid resource limit value")

// ResourceType names a limited resource.
type ResourceType string

const (
	// ResourceFiles is the number of open descriptors.
	ResourceFiles ResourceType = "files"
	// ResourceHeap is the size of the program break region in bytes.
	ResourceHeap ResourceType = "heap"
	// ResourceStack is the maximum size of the user stack in bytes.
	ResourceStack ResourceType = "stack"
)

// Limits are the per-process resource limits. A child inherits its
// parent's limits on fork and keeps them across exec.
type Limits struct {
	// MaxFiles bounds the descriptor table.
	MaxFiles int `json:"max_files" yaml:"max_files"`
	// MaxHeap bounds how far sbrk may move the break past its start.
	MaxHeap uint32 `json:"max_heap" yaml:"max_heap"`
	// MaxStack is how far the user stack may grow down.
	MaxStack uint32 `json:"max_stack" yaml:"max_stack"`
	// SignalStack is the size of the region handlers run on.
	SignalStack uint32 `json:"signal_stack" yaml:"signal_stack"`
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxFiles:    64,
		MaxHeap:     64 << 20,
		MaxStack:    1 << 20,
		SignalStack: 16 << 10,
	}
}

// Validate checks that every limit is usable.
func (l Limits) Validate() error {
	switch {
	case l.MaxFiles < 3:
		return fmt.Errorf("%w: max files %d (need room for stdio)", ErrInvalidLimit, l.MaxFiles)
	case l.MaxStack == 0:
		return fmt.Errorf("%w: max stack is zero", ErrInvalidLimit)
	case l.SignalStack == 0:
		return fmt.Errorf("%w: signal stack is zero", ErrInvalidLimit)
	}
	return nil
}

// LimitError represents a resource limit violation. It unwraps to the
// error the caller would otherwise see (EMFILE for files, ENOMEM for
// memory).
type LimitError struct {
	Type  ResourceType
	Limit int64
	Used  int64
	Err   error
}

// Error returns the error message.
func (e *LimitError) Error() string {
	return fmt.Sprintf("%s limit exceeded (%d/%d): %v", e.Type, e.Used, e.Limit, e.Err)
}

func (e *LimitError) Unwrap() error { return e.Err }

// IsLimitError checks if an error is a limit error.
func IsLimitError(err error) bool {
	var le *LimitError
	return errors.As(err, &le)
}
