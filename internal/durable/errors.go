package durable

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownActivity = errors.New("unknown activity")

	// ErrReplayMiss is returned during a verify-only replay when the
	// workflow asks for a step the log does not hold.
	ErrReplayMiss = errors.New("step not recorded")
)

// ActivityError is returned by Call when an activity failed after all
// retries.
type ActivityError struct {
	Kind  string
	Index int
	Err   error
}

func (e *ActivityError) Error() string {
	return fmt.Sprintf("activity %s (step %d): %v", e.Kind, e.Index, e.Err)
}

func (e *ActivityError) Unwrap() error { return e.Err }

// NondeterminismError reports a replayed workflow asking for a different
// step than the one recorded at the same index.
type NondeterminismError struct {
	Index     int
	Recorded  string
	Requested string
}

func (e *NondeterminismError) Error() string {
	return fmt.Sprintf("determinism violation at step %d: recorded %s, requested %s", e.Index, e.Recorded, e.Requested)
}

type nonRetryable struct{ err error }

func (n *nonRetryable) Error() string { return n.err.Error() }
func (n *nonRetryable) Unwrap() error { return n.err }

// NonRetryable marks an activity error that must not be retried.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &nonRetryable{err: err}
}

type panicError struct{ value any }

func (p *panicError) Error() string { return fmt.Sprintf("panic: %v", p.value) }
