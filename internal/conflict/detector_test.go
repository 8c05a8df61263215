package conflict

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mdevq/timesync/internal/models"
	"github.com/mdevq/timesync/internal/optimistic"
)

func newDetector(t *testing.T) (*Detector, *optimistic.Tracker, *clockwork.FakeClock) {
	t.Helper()

	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	tracker := optimistic.NewTracker(clock, 0)

	return NewDetector(clock, tracker, 0), tracker, clock
}

func session(key models.SessionKey, status models.SessionStatus, start time.Time) *models.TimerSession {
	s := &models.TimerSession{
		Key:       key,
		Status:    status,
		StartTime: start,
	}
	if status == models.SessionStatusPaused {
		s.PausedAt = &start
	}
	return s
}

func TestDetectNoPendingEntry(t *testing.T) {
	d, _, clock := newDetector(t)

	key := models.SessionKey{UserID: "u1", ProjectID: "p1", TaskID: "t1"}
	outcome, c := d.Detect(session(key, models.SessionStatusRunning, clock.Now()))
	assert.Equal(t, OutcomeNoPending, outcome)
	assert.Nil(t, c)
}

func TestDetectMatchingSnapshotAccepted(t *testing.T) {
	d, tracker, clock := newDetector(t)

	key := models.SessionKey{UserID: "u1", ProjectID: "p1", TaskID: "t1"}
	start := clock.Now()
	tracker.Apply(key, session(key, models.SessionStatusRunning, start))

	// Remote agrees on identity, pause state, and start time (within drift).
	remote := session(key, models.SessionStatusRunning, start.Add(2*time.Second))
	outcome, c := d.Detect(remote)
	assert.Equal(t, OutcomeAccepted, outcome)
	assert.Nil(t, c)

	// The entry is consumed.
	_, ok := tracker.Get(key)
	assert.False(t, ok)
}

// Scenario: device A holds a local paused snapshot; within the optimistic
// window, remote arrives running for the same key.
func TestDetectStateMismatch(t *testing.T) {
	d, tracker, clock := newDetector(t)

	key := models.SessionKey{UserID: "u1", ProjectID: "p1", TaskID: "t1"}
	start := clock.Now()
	tracker.Apply(key, session(key, models.SessionStatusPaused, start))

	outcome, c := d.Detect(session(key, models.SessionStatusRunning, start))
	assert.Equal(t, OutcomeConflict, outcome)
	require.NotNil(t, c)
	assert.Equal(t, models.ConflictTypeStateMismatch, c.Type)
	assert.Equal(t, key, c.Key)
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, clock.Now(), c.DetectedAt)

	// The pending entry survives until the conflict is resolved.
	_, ok := tracker.Get(key)
	assert.True(t, ok)
}

// Scenario: device A starts task X, device B starts task Y for the same user
// within the drift window.
func TestDetectDifferentTimer(t *testing.T) {
	d, tracker, clock := newDetector(t)

	keyX := models.SessionKey{UserID: "u1", ProjectID: "p1", TaskID: "task-x"}
	keyY := models.SessionKey{UserID: "u1", ProjectID: "p1", TaskID: "task-y"}
	start := clock.Now()
	tracker.Apply(keyX, session(keyX, models.SessionStatusRunning, start))

	outcome, c := d.Detect(session(keyY, models.SessionStatusRunning, start.Add(time.Second)))
	assert.Equal(t, OutcomeConflict, outcome)
	require.NotNil(t, c)
	assert.Equal(t, models.ConflictTypeDifferentTimer, c.Type)
	assert.Equal(t, keyX, c.Local.Key)
	assert.Equal(t, keyY, c.Remote.Key)
}

func TestDetectTimeDrift(t *testing.T) {
	d, tracker, clock := newDetector(t)

	key := models.SessionKey{UserID: "u1", ProjectID: "p1", TaskID: "t1"}
	start := clock.Now()
	tracker.Apply(key, session(key, models.SessionStatusRunning, start))

	outcome, c := d.Detect(session(key, models.SessionStatusRunning, start.Add(-6*time.Second)))
	assert.Equal(t, OutcomeConflict, outcome)
	require.NotNil(t, c)
	assert.Equal(t, models.ConflictTypeTimeDrift, c.Type)
}

func TestDetectExpiredEntryIgnored(t *testing.T) {
	d, tracker, clock := newDetector(t)

	key := models.SessionKey{UserID: "u1", ProjectID: "p1", TaskID: "t1"}
	start := clock.Now()
	tracker.Apply(key, session(key, models.SessionStatusPaused, start))

	clock.Advance(optimistic.DefaultTTL)

	// Entry expired: remote applies directly even though the states disagree.
	outcome, _ := d.Detect(session(key, models.SessionStatusRunning, start))
	assert.Equal(t, OutcomeNoPending, outcome)
}

func TestDetectInactiveRemoteDoesNotClaimSlot(t *testing.T) {
	d, tracker, clock := newDetector(t)

	keyX := models.SessionKey{UserID: "u1", ProjectID: "p1", TaskID: "task-x"}
	keyY := models.SessionKey{UserID: "u1", ProjectID: "p1", TaskID: "task-y"}
	start := clock.Now()
	tracker.Apply(keyX, session(keyX, models.SessionStatusRunning, start))

	// A stopped remote session for another task is not a competing claim.
	outcome, _ := d.Detect(session(keyY, models.SessionStatusStopped, start))
	assert.Equal(t, OutcomeNoPending, outcome)
}

func TestClassifyOrder(t *testing.T) {
	key := models.SessionKey{UserID: "u1", ProjectID: "p1", TaskID: "t1"}
	other := models.SessionKey{UserID: "u1", ProjectID: "p2", TaskID: "t1"}
	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

	// Identity mismatch wins over pause-state mismatch.
	local := session(key, models.SessionStatusPaused, now)
	remote := session(other, models.SessionStatusRunning, now.Add(time.Minute))
	ctype, ok := Classify(local, remote, DefaultMaxDrift)
	require.True(t, ok)
	assert.Equal(t, models.ConflictTypeDifferentTimer, ctype)

	// Pause-state mismatch wins over drift.
	remote = session(key, models.SessionStatusRunning, now.Add(time.Minute))
	ctype, ok = Classify(local, remote, DefaultMaxDrift)
	require.True(t, ok)
	assert.Equal(t, models.ConflictTypeStateMismatch, ctype)
}
