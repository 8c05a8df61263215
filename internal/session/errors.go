package session

import "errors"

var (
	// ErrAssignmentDenied is returned when the caller is not authorized to
	// start a timer for the task.
	ErrAssignmentDenied = errors.New("not authorized to start a timer for this task")

	// ErrAlreadyActive is returned when the user already holds a Running or
	// Paused session, locally or in the store.
	ErrAlreadyActive = errors.New("another timer session is already active")

	// ErrConflictUnresolved blocks mutating operations while a deferred
	// user-choice conflict is outstanding. Reads are never blocked.
	ErrConflictUnresolved = errors.New("sync conflict unresolved; resolve it before further changes")
)
