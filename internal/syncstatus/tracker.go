// Package syncstatus aggregates transport connectivity, last successful sync
// time, and outstanding errors for observability. Observers register typed
// channels; there is no process-global event dispatch.
package syncstatus

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mdevq/timesync/internal/models"
)

// Status is one observable snapshot of sync health.
type Status struct {
	IsConnected      bool             `json:"is_connected"`
	LastSyncTime     time.Time        `json:"last_sync_time"`
	SyncError        string           `json:"sync_error,omitempty"`
	ConflictDetected bool             `json:"conflict_detected"`
	ConflictData     *models.Conflict `json:"conflict_data,omitempty"`
}

// Tracker holds the current status and fans updates out to subscribers.
// Subscriber channels are buffered; a slow subscriber loses intermediate
// snapshots, never blocks the engine.
type Tracker struct {
	clock clockwork.Clock

	mu     sync.Mutex
	status Status
	subs   map[chan Status]struct{}
}

// NewTracker creates a tracker in the disconnected state.
func NewTracker(clock clockwork.Clock) *Tracker {
	return &Tracker{
		clock: clock,
		subs:  make(map[chan Status]struct{}),
	}
}

// Status returns the current snapshot.
func (t *Tracker) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Subscribe registers a new observer channel. The current snapshot is
// delivered immediately.
func (t *Tracker) Subscribe() chan Status {
	ch := make(chan Status, 8)

	t.mu.Lock()
	t.subs[ch] = struct{}{}
	ch <- t.status
	t.mu.Unlock()

	return ch
}

// Unsubscribe removes and closes an observer channel.
func (t *Tracker) Unsubscribe(ch chan Status) {
	t.mu.Lock()
	if _, ok := t.subs[ch]; ok {
		delete(t.subs, ch)
		close(ch)
	}
	t.mu.Unlock()
}

// SetConnected records listener open/close.
func (t *Tracker) SetConnected(connected bool) {
	t.update(func(s *Status) {
		s.IsConnected = connected
	})
}

// RecordSync marks a successfully processed batch and clears any outstanding
// transport error.
func (t *Tracker) RecordSync() {
	now := t.clock.Now()
	t.update(func(s *Status) {
		s.LastSyncTime = now
		s.SyncError = ""
	})
}

// RecordError records a transport failure.
func (t *Tracker) RecordError(err error) {
	log.Warn().Err(err).Msg("sync transport error")
	t.update(func(s *Status) {
		s.SyncError = err.Error()
	})
}

// ClearError explicitly clears the outstanding error.
func (t *Tracker) ClearError() {
	t.update(func(s *Status) {
		s.SyncError = ""
	})
}

// ConflictDetected exposes a detected conflict, including its data for the
// user-choice path.
func (t *Tracker) ConflictDetected(c *models.Conflict) {
	t.update(func(s *Status) {
		s.ConflictDetected = true
		s.ConflictData = c
	})
}

// ConflictResolved clears the conflict indicator.
func (t *Tracker) ConflictResolved() {
	t.update(func(s *Status) {
		s.ConflictDetected = false
		s.ConflictData = nil
	})
}

func (t *Tracker) update(fn func(*Status)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	fn(&t.status)
	for ch := range t.subs {
		select {
		case ch <- t.status:
		default:
		}
	}
}
