package models

import (
	"fmt"
	"time"
)

// SessionStatus defines the lifecycle state of a timer session.
type SessionStatus string

const (
	SessionStatusIdle      SessionStatus = "IDLE"
	SessionStatusRunning   SessionStatus = "RUNNING"
	SessionStatusPaused    SessionStatus = "PAUSED"
	SessionStatusCompleted SessionStatus = "COMPLETED"
	SessionStatusStopped   SessionStatus = "STOPPED"
)

// IsActive reports whether the status counts against the one-active-session-per-user rule.
func (s SessionStatus) IsActive() bool {
	return s == SessionStatusRunning || s == SessionStatusPaused
}

// IsTerminal reports whether the session can never be mutated again.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusStopped
}

// SessionKey is the composite identity of a timer session.
type SessionKey struct {
	UserID    string `json:"user_id"`
	ProjectID string `json:"project_id"`
	TaskID    string `json:"task_id"`
}

func (k SessionKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.UserID, k.ProjectID, k.TaskID)
}

// TimerSession is the aggregate root synchronized across devices.
type TimerSession struct {
	Key                  SessionKey    `json:"key"`
	Status               SessionStatus `json:"status"`
	StartTime            time.Time     `json:"start_time"`
	AllocatedSeconds     *int          `json:"allocated_seconds,omitempty"` // nil means elapsed-only tracking
	PauseCount           int           `json:"pause_count"`
	PauseTimeUsedSeconds int           `json:"pause_time_used_seconds"`
	PausedAt             *time.Time    `json:"paused_at,omitempty"` // set iff Status == Paused
	PauseWarningShown    bool          `json:"pause_warning_shown"`
	Overtime             bool          `json:"overtime"`
	Notes                string        `json:"notes,omitempty"`
	EndedAt              *time.Time    `json:"ended_at,omitempty"`
	LastUpdated          time.Time     `json:"last_updated"`
	DeviceID             string        `json:"device_id"`
	IdempotencyKey       string        `json:"idempotency_key"`
}

// IsPaused is derived from status; pause-state comparisons during conflict
// detection go through this rather than reading PausedAt.
func (s *TimerSession) IsPaused() bool {
	return s.Status == SessionStatusPaused
}

// Clone returns a deep copy. Snapshots handed to the optimistic tracker and
// the conflict pipeline must not alias the live session.
func (s *TimerSession) Clone() *TimerSession {
	if s == nil {
		return nil
	}

	out := *s
	if s.AllocatedSeconds != nil {
		v := *s.AllocatedSeconds
		out.AllocatedSeconds = &v
	}
	if s.PausedAt != nil {
		t := *s.PausedAt
		out.PausedAt = &t
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		out.EndedAt = &t
	}

	return &out
}
