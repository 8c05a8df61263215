// Package optimistic holds short-lived local snapshots applied before server
// acknowledgment. The tracker is a pure clock-injected cache: nothing sleeps,
// expiry is evaluated against the injected clock on access and on sweep.
package optimistic

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mdevq/timesync/internal/models"
)

// DefaultTTL is how long an entry stays eligible for conflict detection. An
// entry that outlives the TTL is treated as having become the accepted truth
// with no observed conflict.
const DefaultTTL = 10 * time.Second

type entry struct {
	snapshot   *models.TimerSession
	insertedAt time.Time
}

// Entry is an unexpired pending snapshot, as returned by Pending.
type Entry struct {
	Key        models.SessionKey
	Snapshot   *models.TimerSession
	InsertedAt time.Time
}

// Tracker keys pending snapshots by session identity. Safe for concurrent use.
type Tracker struct {
	clock clockwork.Clock
	ttl   time.Duration

	mu      sync.Mutex
	entries map[models.SessionKey]entry
}

// NewTracker creates a tracker with the given TTL; ttl <= 0 uses DefaultTTL.
func NewTracker(clock clockwork.Clock, ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Tracker{
		clock:   clock,
		ttl:     ttl,
		entries: make(map[models.SessionKey]entry),
	}
}

// Apply records a snapshot for the key, overwriting any prior entry. The
// caller's local view is updated before any store round-trip completes.
func (t *Tracker) Apply(key models.SessionKey, snapshot *models.TimerSession) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.entries[key] = entry{
		snapshot:   snapshot.Clone(),
		insertedAt: t.clock.Now(),
	}
}

// Get returns the unexpired snapshot for key, if any. Expired entries are
// dropped on access.
func (t *Tracker) Get(key models.SessionKey) (*models.TimerSession, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[key]
	if !ok {
		return nil, false
	}
	if t.clock.Now().Sub(e.insertedAt) >= t.ttl {
		delete(t.entries, key)
		return nil, false
	}

	return e.snapshot, true
}

// Clear removes the entry for key. Called by the resolver once a conflict for
// the key is resolved, and by the engine on stop.
func (t *Tracker) Clear(key models.SessionKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, key)
}

// Sweep drops every entry older than the TTL and returns how many were removed.
func (t *Tracker) Sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	removed := 0
	for key, e := range t.entries {
		if now.Sub(e.insertedAt) >= t.ttl {
			delete(t.entries, key)
			removed++
		}
	}

	return removed
}

// Pending returns all unexpired entries, for the reconnect reconciliation pass.
func (t *Tracker) Pending() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	out := make([]Entry, 0, len(t.entries))
	for key, e := range t.entries {
		if now.Sub(e.insertedAt) >= t.ttl {
			continue
		}
		out = append(out, Entry{Key: key, Snapshot: e.snapshot, InsertedAt: e.insertedAt})
	}

	return out
}

// Len reports the number of tracked entries, expired or not.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
