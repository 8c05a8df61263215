package syncstatus

import (
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mdevq/timesync/internal/models"
)

func TestConnectionAndSyncLifecycle(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	tr := NewTracker(clock)

	assert.False(t, tr.Status().IsConnected)

	tr.SetConnected(true)
	tr.RecordError(errors.New("stream reset"))
	assert.Equal(t, "stream reset", tr.Status().SyncError)

	// The next successful batch clears the error and stamps the sync time.
	clock.Advance(5 * time.Second)
	tr.RecordSync()
	st := tr.Status()
	assert.Empty(t, st.SyncError)
	assert.Equal(t, clock.Now(), st.LastSyncTime)

	tr.SetConnected(false)
	assert.False(t, tr.Status().IsConnected)
}

func TestConflictToggle(t *testing.T) {
	tr := NewTracker(clockwork.NewFakeClock())

	c := &models.Conflict{ID: "c-1", Type: models.ConflictTypeStateMismatch}
	tr.ConflictDetected(c)
	st := tr.Status()
	assert.True(t, st.ConflictDetected)
	require.NotNil(t, st.ConflictData)
	assert.Equal(t, "c-1", st.ConflictData.ID)

	tr.ConflictResolved()
	st = tr.Status()
	assert.False(t, st.ConflictDetected)
	assert.Nil(t, st.ConflictData)
}

func TestSubscribersReceiveUpdates(t *testing.T) {
	tr := NewTracker(clockwork.NewFakeClock())

	ch := tr.Subscribe()
	first := <-ch
	assert.False(t, first.IsConnected)

	tr.SetConnected(true)
	got := <-ch
	assert.True(t, got.IsConnected)

	tr.Unsubscribe(ch)
	_, open := <-ch
	assert.False(t, open)
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	tr := NewTracker(clockwork.NewFakeClock())

	ch := tr.Subscribe()
	// Fill the buffer well past capacity; updates must not block.
	for i := 0; i < 50; i++ {
		tr.SetConnected(i%2 == 0)
	}

	assert.True(t, len(ch) > 0)
	tr.Unsubscribe(ch)
}
