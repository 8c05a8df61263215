package timer

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mdevq/timesync/internal/models"
)

var testKey = models.SessionKey{UserID: "u1", ProjectID: "p1", TaskID: "t1"}

type eventRecorder struct {
	events []Event
}

func (r *eventRecorder) emit(ev Event, _ *models.TimerSession) {
	r.events = append(r.events, ev)
}

func (r *eventRecorder) count(ev Event) int {
	n := 0
	for _, e := range r.events {
		if e == ev {
			n++
		}
	}
	return n
}

func newTestMachine(t *testing.T) (*Machine, *clockwork.FakeClock, *eventRecorder) {
	t.Helper()

	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	rec := &eventRecorder{}

	return NewMachine(clock, DefaultConfig(), rec.emit), clock, rec
}

func intPtr(v int) *int { return &v }

func TestStartTransitions(t *testing.T) {
	m, clock, _ := newTestMachine(t)

	sess, err := m.Start(testKey, "dev-a", intPtr(3600))
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusRunning, sess.Status)
	assert.Equal(t, clock.Now(), sess.StartTime)
	assert.Zero(t, sess.PauseCount)
	assert.Zero(t, sess.PauseTimeUsedSeconds)
	assert.NotEmpty(t, sess.IdempotencyKey)

	// A second start while the session is active is rejected.
	_, err = m.Start(testKey, "dev-a", nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// Stopping makes the slot reusable; a new start creates a fresh identity.
	_, err = m.Stop("")
	require.NoError(t, err)

	first := sess.IdempotencyKey
	sess, err = m.Start(testKey, "dev-a", nil)
	require.NoError(t, err)
	assert.NotEqual(t, first, sess.IdempotencyKey)
}

func TestPauseResumeCycle(t *testing.T) {
	m, clock, _ := newTestMachine(t)

	_, err := m.Start(testKey, "dev-a", intPtr(3600))
	require.NoError(t, err)

	_, err = m.Resume()
	assert.ErrorIs(t, err, ErrInvalidTransition)

	clock.Advance(10 * time.Second)
	sess, err := m.Pause()
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusPaused, sess.Status)
	assert.Equal(t, 1, sess.PauseCount)
	require.NotNil(t, sess.PausedAt)

	_, err = m.Pause()
	assert.ErrorIs(t, err, ErrInvalidTransition)

	clock.Advance(30 * time.Second)
	sess, err = m.Resume()
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusRunning, sess.Status)
	assert.Equal(t, 30, sess.PauseTimeUsedSeconds)
	assert.Nil(t, sess.PausedAt)
}

func TestPauseCountBudget(t *testing.T) {
	m, clock, _ := newTestMachine(t)

	_, err := m.Start(testKey, "dev-a", nil)
	require.NoError(t, err)

	for i := 0; i < DefaultConfig().MaxPauseCount; i++ {
		clock.Advance(time.Second)
		_, err = m.Pause()
		require.NoError(t, err)
		clock.Advance(time.Second)
		_, err = m.Resume()
		require.NoError(t, err)
	}

	_, err = m.Pause()
	assert.ErrorIs(t, err, ErrPauseBudgetExceeded)
}

// Scenario: start(allocated=3600) at T0; at T0+1500 with no pauses,
// timeRemaining=2100.
func TestTimeRemainingNoPauses(t *testing.T) {
	m, clock, _ := newTestMachine(t)

	_, err := m.Start(testKey, "dev-a", intPtr(3600))
	require.NoError(t, err)

	clock.Advance(1500 * time.Second)
	proj, _, err := m.Tick()
	require.NoError(t, err)
	assert.Equal(t, 2100, proj.TimeRemainingSeconds)
	assert.Equal(t, 1500, proj.ElapsedSeconds)
}

// Clock invariance: remaining time depends only on absolute timestamps, not on
// how many ticks ran in between.
func TestTimeRemainingClockInvariance(t *testing.T) {
	m, clock, _ := newTestMachine(t)

	_, err := m.Start(testKey, "dev-a", intPtr(3600))
	require.NoError(t, err)

	clock.Advance(100 * time.Second)
	_, err = m.Pause()
	require.NoError(t, err)

	clock.Advance(60 * time.Second)
	_, err = m.Resume()
	require.NoError(t, err)

	// Jump far ahead with no intermediate ticks, as after host suspension.
	clock.Advance(900 * time.Second)
	proj, _, err := m.Tick()
	require.NoError(t, err)

	// (Tn-T0) - (p2-p1) = 1060 - 60 = 1000 elapsed.
	assert.Equal(t, 1000, proj.ElapsedSeconds)
	assert.Equal(t, 2600, proj.TimeRemainingSeconds)
}

func TestElapsedOnlyModeCountsNegative(t *testing.T) {
	m, clock, _ := newTestMachine(t)

	_, err := m.Start(testKey, "dev-a", nil)
	require.NoError(t, err)

	clock.Advance(250 * time.Second)
	proj, _, err := m.Tick()
	require.NoError(t, err)
	assert.False(t, proj.Allocated)
	assert.Equal(t, -250, proj.TimeRemainingSeconds)
}

// Scenario: pause() at T0+10; at T0+190 the pause budget (180s) is exhausted,
// the session force-stops, and pauseLimitExceeded fires exactly once.
func TestPauseBudgetForceStop(t *testing.T) {
	m, clock, rec := newTestMachine(t)

	_, err := m.Start(testKey, "dev-a", intPtr(3600))
	require.NoError(t, err)

	clock.Advance(10 * time.Second)
	_, err = m.Pause()
	require.NoError(t, err)

	clock.Advance(180 * time.Second)
	proj, dirty, err := m.Tick()
	require.NoError(t, err)
	assert.True(t, dirty)
	assert.Equal(t, models.SessionStatusStopped, proj.Status)
	assert.Equal(t, 180, m.Session().PauseTimeUsedSeconds)
	assert.Equal(t, 1, rec.count(EventPauseLimitExceeded))

	// Re-ticking after the forced stop is a no-op.
	clock.Advance(30 * time.Second)
	proj, dirty, err = m.Tick()
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.Equal(t, models.SessionStatusStopped, proj.Status)
	assert.Equal(t, 1, rec.count(EventPauseLimitExceeded))
}

func TestPauseWarningFiresOnce(t *testing.T) {
	m, clock, rec := newTestMachine(t)

	_, err := m.Start(testKey, "dev-a", nil)
	require.NoError(t, err)

	clock.Advance(time.Second)
	_, err = m.Pause()
	require.NoError(t, err)

	// 150s used of the 180s budget puts us inside the 30s warning lead.
	clock.Advance(150 * time.Second)
	_, _, err = m.Tick()
	require.NoError(t, err)
	assert.Equal(t, 1, rec.count(EventPauseWarning))
	assert.True(t, m.Session().PauseWarningShown)

	clock.Advance(10 * time.Second)
	_, _, err = m.Tick()
	require.NoError(t, err)
	assert.Equal(t, 1, rec.count(EventPauseWarning))
}

// Scenario: allocatedSeconds=1800; at elapsed=1800 allocationExceeded fires
// once, the session stays Running, and timeRemaining goes negative until an
// explicit stop.
func TestOvertimeContinuesRunning(t *testing.T) {
	m, clock, rec := newTestMachine(t)

	_, err := m.Start(testKey, "dev-a", intPtr(1800))
	require.NoError(t, err)

	clock.Advance(1800 * time.Second)
	proj, dirty, err := m.Tick()
	require.NoError(t, err)
	assert.True(t, dirty)
	assert.Equal(t, models.SessionStatusRunning, proj.Status)
	assert.Equal(t, 0, proj.TimeRemainingSeconds)
	assert.True(t, proj.Overtime)
	assert.Equal(t, 1, rec.count(EventAllocationExceeded))

	clock.Advance(120 * time.Second)
	proj, dirty, err = m.Tick()
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.Equal(t, models.SessionStatusRunning, proj.Status)
	assert.Equal(t, -120, proj.TimeRemainingSeconds)
	assert.Equal(t, 1, rec.count(EventAllocationExceeded))

	sess, err := m.Stop("ran long")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusStopped, sess.Status)
}

func TestStopUnderBudgetCompletes(t *testing.T) {
	m, clock, _ := newTestMachine(t)

	_, err := m.Start(testKey, "dev-a", intPtr(3600))
	require.NoError(t, err)

	clock.Advance(1200 * time.Second)
	sess, err := m.Stop("done early")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusCompleted, sess.Status)
	assert.Equal(t, "done early", sess.Notes)
	require.NotNil(t, sess.EndedAt)

	_, err = m.Stop("again")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestStopPastAllocationWithoutTickIsStopped(t *testing.T) {
	m, clock, rec := newTestMachine(t)

	_, err := m.Start(testKey, "dev-a", intPtr(60))
	require.NoError(t, err)

	// Host suspension: the allocation is crossed with no tick in between.
	clock.Advance(600 * time.Second)
	sess, err := m.Stop("")
	require.NoError(t, err)

	assert.Equal(t, models.SessionStatusStopped, sess.Status)
	assert.True(t, sess.Overtime)
	// The overtime event belongs to the tick path; a stop records the flag
	// without firing it.
	assert.Zero(t, rec.count(EventAllocationExceeded))
}

func TestStopWhilePausedFoldsPauseTime(t *testing.T) {
	m, clock, _ := newTestMachine(t)

	_, err := m.Start(testKey, "dev-a", nil)
	require.NoError(t, err)

	clock.Advance(20 * time.Second)
	_, err = m.Pause()
	require.NoError(t, err)

	clock.Advance(40 * time.Second)
	sess, err := m.Stop("")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusStopped, sess.Status)
	assert.Equal(t, 40, sess.PauseTimeUsedSeconds)
	assert.Nil(t, sess.PausedAt)
}

func TestTickWithoutSessionFailsFast(t *testing.T) {
	m, _, _ := newTestMachine(t)

	_, _, err := m.Tick()
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestAdoptReplacesState(t *testing.T) {
	m, _, _ := newTestMachine(t)

	_, err := m.Start(testKey, "dev-a", nil)
	require.NoError(t, err)

	remote := m.Session().Clone()
	remote.PauseCount = 3
	remote.DeviceID = "dev-b"
	m.Adopt(remote)

	assert.Equal(t, 3, m.Session().PauseCount)
	assert.Equal(t, "dev-b", m.Session().DeviceID)

	// Adopted state is a copy; mutating the source must not leak through.
	remote.PauseCount = 4
	assert.Equal(t, 3, m.Session().PauseCount)
}
