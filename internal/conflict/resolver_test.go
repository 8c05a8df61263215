package conflict

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mdevq/timesync/internal/models"
	"github.com/mdevq/timesync/internal/optimistic"
)

type fakeWriter struct {
	written []*models.TimerSession
	removed []models.SessionKey
	err     error
}

func (w *fakeWriter) WriteBack(_ context.Context, sess *models.TimerSession) error {
	if w.err != nil {
		return w.err
	}
	w.written = append(w.written, sess.Clone())
	return nil
}

func (w *fakeWriter) Remove(_ context.Context, key models.SessionKey) error {
	w.removed = append(w.removed, key)
	return nil
}

func newResolver(t *testing.T) (*Resolver, *optimistic.Tracker, *fakeWriter, *clockwork.FakeClock) {
	t.Helper()

	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	tracker := optimistic.NewTracker(clock, 0)
	w := &fakeWriter{}

	return NewResolver(clock, tracker, w), tracker, w, clock
}

func makeConflict(ctype models.ConflictType, clock clockwork.Clock) *models.Conflict {
	key := models.SessionKey{UserID: "u1", ProjectID: "p1", TaskID: "t1"}
	now := clock.Now()

	local := session(key, models.SessionStatusPaused, now.Add(-10*time.Minute))
	local.PauseTimeUsedSeconds = 60
	local.PauseCount = 2
	local.DeviceID = "dev-a"

	remote := session(key, models.SessionStatusRunning, now.Add(-9*time.Minute))
	remote.PauseTimeUsedSeconds = 30
	remote.PauseCount = 1
	remote.PauseWarningShown = true
	remote.DeviceID = "dev-b"

	return &models.Conflict{
		ID:         "c-1",
		Key:        key,
		Type:       ctype,
		Local:      local,
		Remote:     remote,
		DetectedAt: now,
	}
}

func TestResolveServerWins(t *testing.T) {
	r, tracker, w, clock := newResolver(t)

	c := makeConflict(models.ConflictTypeStateMismatch, clock)
	tracker.Apply(c.Key, c.Local)

	res, err := r.Resolve(context.Background(), c, models.StrategyServerWins)
	require.NoError(t, err)
	require.True(t, res.Resolved)
	assert.Equal(t, "dev-b", res.Result.DeviceID)
	assert.Equal(t, models.SessionStatusRunning, res.Result.Status)

	// Written back and the optimistic entry cleared.
	require.Len(t, w.written, 1)
	_, ok := tracker.Get(c.Key)
	assert.False(t, ok)
}

func TestResolveLocalWinsRepushes(t *testing.T) {
	r, _, w, clock := newResolver(t)

	c := makeConflict(models.ConflictTypeStateMismatch, clock)
	clock.Advance(3 * time.Second)

	res, err := r.Resolve(context.Background(), c, models.StrategyLocalWins)
	require.NoError(t, err)
	require.True(t, res.Resolved)
	assert.Equal(t, "dev-a", res.Result.DeviceID)
	assert.Equal(t, models.SessionStatusPaused, res.Result.Status)

	// The re-pushed result is stamped as a fresh write so it wins LWW.
	require.Len(t, w.written, 1)
	assert.Equal(t, clock.Now(), w.written[0].LastUpdated)
	assert.NotEqual(t, c.Local.IdempotencyKey, w.written[0].IdempotencyKey)
}

func TestResolveMerge(t *testing.T) {
	r, _, _, clock := newResolver(t)

	c := makeConflict(models.ConflictTypeTimeDrift, clock)
	res, err := r.Resolve(context.Background(), c, models.StrategyMerge)
	require.NoError(t, err)
	require.True(t, res.Resolved)

	// Later start wins, max pause accumulation, remote pause state, OR flags.
	assert.Equal(t, c.Remote.StartTime, res.Result.StartTime)
	assert.Equal(t, 60, res.Result.PauseTimeUsedSeconds)
	assert.Equal(t, 2, res.Result.PauseCount)
	assert.Equal(t, models.SessionStatusRunning, res.Result.Status)
	assert.True(t, res.Result.PauseWarningShown)
}

func TestMergeIsIdempotent(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	c := makeConflict(models.ConflictTypeTimeDrift, clock)

	first := Merge(c.Local, c.Remote)
	second := Merge(c.Local, c.Remote)

	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("merge not idempotent (-first +second):\n%s", diff)
	}
}

func TestMergeLaterLocalStartWins(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	c := makeConflict(models.ConflictTypeTimeDrift, clock)
	c.Local.StartTime = c.Remote.StartTime.Add(time.Minute)

	out := Merge(c.Local, c.Remote)
	assert.Equal(t, c.Local.StartTime, out.StartTime)
}

func TestUserChoiceDefers(t *testing.T) {
	r, _, w, clock := newResolver(t)

	c := makeConflict(models.ConflictTypeStateMismatch, clock)
	res, err := r.Resolve(context.Background(), c, models.StrategyUserChoice)
	require.NoError(t, err)
	assert.False(t, res.Resolved)
	assert.Nil(t, res.Result)
	assert.Empty(t, w.written, "no automatic write while deferred")

	pending, ok := r.PendingForUser("u1")
	require.True(t, ok)
	assert.Equal(t, c.ID, pending.ID)

	// Explicit decision finishes the deferred conflict.
	res, err = r.ResolvePending(context.Background(), c.ID, models.StrategyServerWins)
	require.NoError(t, err)
	assert.True(t, res.Resolved)
	require.Len(t, w.written, 1)

	_, ok = r.PendingForUser("u1")
	assert.False(t, ok)

	// A second resolve of the same ID fails.
	_, err = r.ResolvePending(context.Background(), c.ID, models.StrategyServerWins)
	assert.ErrorIs(t, err, ErrUnknownConflict)
}

func TestResolvePendingRejectsUserChoice(t *testing.T) {
	r, _, _, clock := newResolver(t)

	c := makeConflict(models.ConflictTypeStateMismatch, clock)
	_, err := r.Resolve(context.Background(), c, models.StrategyUserChoice)
	require.NoError(t, err)

	_, err = r.ResolvePending(context.Background(), c.ID, models.StrategyUserChoice)
	assert.ErrorIs(t, err, ErrInvalidStrategy)
}

func TestResolvePendingWriteFailureReparks(t *testing.T) {
	r, _, w, clock := newResolver(t)

	c := makeConflict(models.ConflictTypeStateMismatch, clock)
	_, err := r.Resolve(context.Background(), c, models.StrategyUserChoice)
	require.NoError(t, err)

	w.err = errors.New("store unavailable")
	_, err = r.ResolvePending(context.Background(), c.ID, models.StrategyLocalWins)
	require.Error(t, err)

	// The conflict is still pending and can be retried.
	w.err = nil
	_, err = r.ResolvePending(context.Background(), c.ID, models.StrategyLocalWins)
	assert.NoError(t, err)
}

func TestDifferentTimerRemovesLoser(t *testing.T) {
	r, _, w, clock := newResolver(t)

	c := makeConflict(models.ConflictTypeDifferentTimer, clock)
	c.Remote.Key = models.SessionKey{UserID: "u1", ProjectID: "p1", TaskID: "task-y"}

	res, err := r.Resolve(context.Background(), c, models.StrategyLocalWins)
	require.NoError(t, err)
	assert.Equal(t, c.Local.Key, res.Result.Key)

	// The remote session that lost the slot is removed from the store.
	require.Len(t, w.removed, 1)
	assert.Equal(t, c.Remote.Key, w.removed[0])
}
