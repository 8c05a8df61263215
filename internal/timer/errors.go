package timer

import "errors"

var (
	// ErrInvalidTransition is returned when an operation is not legal in the
	// session's current status.
	ErrInvalidTransition = errors.New("invalid timer transition")

	// ErrPauseBudgetExceeded is returned when pause() is called after the
	// session has used up its pause count. Terminal: the caller must stop or
	// keep running, never retry.
	ErrPauseBudgetExceeded = errors.New("pause budget exceeded")

	// ErrNoSession is returned when tick() runs with no session at all, which
	// indicates a scheduler wiring bug.
	ErrNoSession = errors.New("tick without an active session")
)
