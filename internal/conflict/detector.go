// Package conflict classifies and resolves mismatches between pending local
// snapshots and incoming remote state for one timer session key.
package conflict

import (
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/mdevq/timesync/internal/models"
	"github.com/mdevq/timesync/internal/optimistic"
)

// DefaultMaxDrift is the start-time divergence tolerated before two snapshots
// are considered different histories.
const DefaultMaxDrift = 5 * time.Second

// Outcome is the result of checking a remote snapshot against the tracker.
type Outcome int

const (
	// OutcomeNoPending means no unexpired optimistic entry exists for the key;
	// the remote snapshot is the only writer in play and applies directly.
	OutcomeNoPending Outcome = iota
	// OutcomeAccepted means the remote snapshot matched the pending entry; the
	// entry was cleared and remote is the new truth.
	OutcomeAccepted
	// OutcomeConflict means local and remote diverged; a Conflict was created.
	OutcomeConflict
)

// Detector compares incoming remote snapshots against pending optimistic
// entries.
type Detector struct {
	clock    clockwork.Clock
	tracker  *optimistic.Tracker
	maxDrift time.Duration
}

// NewDetector creates a detector; maxDrift <= 0 uses DefaultMaxDrift.
func NewDetector(clock clockwork.Clock, tracker *optimistic.Tracker, maxDrift time.Duration) *Detector {
	if maxDrift <= 0 {
		maxDrift = DefaultMaxDrift
	}
	return &Detector{
		clock:    clock,
		tracker:  tracker,
		maxDrift: maxDrift,
	}
}

// Detect checks one incoming remote snapshot. On OutcomeConflict the returned
// Conflict carries clones of both sides; otherwise it is nil.
func (d *Detector) Detect(remote *models.TimerSession) (Outcome, *models.Conflict) {
	local, localKey, ok := d.lookup(remote)
	if !ok {
		return OutcomeNoPending, nil
	}

	ctype, conflicting := Classify(local, remote, d.maxDrift)
	if !conflicting {
		d.tracker.Clear(localKey)
		return OutcomeAccepted, nil
	}

	return OutcomeConflict, &models.Conflict{
		ID:         uuid.NewString(),
		Key:        localKey,
		Type:       ctype,
		Local:      local.Clone(),
		Remote:     remote.Clone(),
		DetectedAt: d.clock.Now(),
	}
}

// lookup finds the pending entry the remote snapshot must be checked against.
// An exact key match wins; failing that, an active pending session for the
// same user claims the same logical slot as an active remote session, which is
// the different_timer case.
func (d *Detector) lookup(remote *models.TimerSession) (*models.TimerSession, models.SessionKey, bool) {
	if local, ok := d.tracker.Get(remote.Key); ok {
		return local, remote.Key, true
	}

	if remote.Status.IsActive() {
		for _, e := range d.tracker.Pending() {
			if e.Key.UserID == remote.Key.UserID && e.Snapshot.Status.IsActive() {
				return e.Snapshot, e.Key, true
			}
		}
	}

	return nil, models.SessionKey{}, false
}

// Classify applies the conflict taxonomy in order: identity, pause state,
// start-time drift.
func Classify(local, remote *models.TimerSession, maxDrift time.Duration) (models.ConflictType, bool) {
	if local.Key.ProjectID != remote.Key.ProjectID || local.Key.TaskID != remote.Key.TaskID {
		return models.ConflictTypeDifferentTimer, true
	}
	if local.IsPaused() != remote.IsPaused() {
		return models.ConflictTypeStateMismatch, true
	}

	drift := local.StartTime.Sub(remote.StartTime)
	if drift < 0 {
		drift = -drift
	}
	if drift > maxDrift {
		return models.ConflictTypeTimeDrift, true
	}

	return "", false
}
