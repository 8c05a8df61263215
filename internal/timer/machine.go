// Package timer implements the per-user work-timer state machine. All derived
// quantities (time remaining, pause budget used) are recomputed from absolute
// timestamps on every tick, so missed ticks from host suspension or scheduler
// jitter cause no drift.
package timer

import (
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/mdevq/timesync/internal/models"
)

// Config holds pause-budget limits for a machine.
type Config struct {
	MaxPauseCount    int
	MaxPauseTime     time.Duration
	PauseWarningLead time.Duration
}

// DefaultConfig returns the default pause-budget configuration.
func DefaultConfig() Config {
	return Config{
		MaxPauseCount:    5,
		MaxPauseTime:     180 * time.Second,
		PauseWarningLead: 30 * time.Second,
	}
}

// EmitFunc receives state-machine events together with the session that
// produced them.
type EmitFunc func(ev Event, sess *models.TimerSession)

// PauseInfo summarizes pause-budget consumption for the read projection.
type PauseInfo struct {
	Paused                 bool `json:"paused"`
	Count                  int  `json:"count"`
	MaxCount               int  `json:"max_count"`
	UsedSeconds            int  `json:"used_seconds"`
	BudgetRemainingSeconds int  `json:"budget_remaining_seconds"`
}

// Projection is the caller-facing view of the current session, recomputed from
// wall-clock timestamps at query time.
type Projection struct {
	Status               models.SessionStatus `json:"status"`
	ElapsedSeconds       int                  `json:"elapsed_seconds"`
	TimeRemainingSeconds int                  `json:"time_remaining_seconds"`
	Allocated            bool                 `json:"allocated"`
	Overtime             bool                 `json:"overtime"`
	Pause                PauseInfo            `json:"pause"`
}

// Machine is the state machine for one logical timer session:
// Idle → Running → {Paused ⇄ Running} → {Completed, Stopped}.
// It is not goroutine safe; the owning engine serializes access.
type Machine struct {
	clock clockwork.Clock
	cfg   Config
	emit  EmitFunc
	sess  *models.TimerSession
}

// NewMachine creates an idle machine. emit may be nil.
func NewMachine(clock clockwork.Clock, cfg Config, emit EmitFunc) *Machine {
	return &Machine{
		clock: clock,
		cfg:   cfg,
		emit:  emit,
	}
}

// Session returns the machine's current session, or nil when idle.
func (m *Machine) Session() *models.TimerSession {
	return m.sess
}

// Adopt replaces the machine's state with an externally resolved session, e.g.
// the outcome of conflict resolution or a remote change with no local writer.
func (m *Machine) Adopt(sess *models.TimerSession) {
	m.sess = sess.Clone()
}

// Clear resets the machine to Idle.
func (m *Machine) Clear() {
	m.sess = nil
}

// Start begins a new session. It requires the machine to be Idle or holding a
// terminal session; a new session with a fresh identity version is created.
func (m *Machine) Start(key models.SessionKey, deviceID string, allocatedSeconds *int) (*models.TimerSession, error) {
	if m.sess != nil && !m.sess.Status.IsTerminal() {
		return nil, ErrInvalidTransition
	}

	now := m.clock.Now()
	m.sess = &models.TimerSession{
		Key:            key,
		Status:         models.SessionStatusRunning,
		StartTime:      now,
		LastUpdated:    now,
		DeviceID:       deviceID,
		IdempotencyKey: uuid.NewString(),
	}
	if allocatedSeconds != nil {
		v := *allocatedSeconds
		m.sess.AllocatedSeconds = &v
	}

	return m.sess, nil
}

// Pause suspends a running session and starts the pause-duration clock.
func (m *Machine) Pause() (*models.TimerSession, error) {
	if m.sess == nil || m.sess.Status != models.SessionStatusRunning {
		return nil, ErrInvalidTransition
	}
	if m.sess.PauseCount >= m.cfg.MaxPauseCount {
		return nil, ErrPauseBudgetExceeded
	}

	now := m.clock.Now()
	m.sess.Status = models.SessionStatusPaused
	m.sess.PausedAt = &now
	m.sess.PauseCount++
	m.touch(now)

	return m.sess, nil
}

// Resume folds the completed pause interval into the used budget and returns
// the session to Running.
func (m *Machine) Resume() (*models.TimerSession, error) {
	if m.sess == nil || m.sess.Status != models.SessionStatusPaused {
		return nil, ErrInvalidTransition
	}

	now := m.clock.Now()
	m.sess.PauseTimeUsedSeconds += int(now.Sub(*m.sess.PausedAt).Seconds())
	m.sess.PausedAt = nil
	m.sess.Status = models.SessionStatusRunning
	m.touch(now)

	return m.sess, nil
}

// Stop finalizes the session. Sessions with an allocation that never entered
// overtime finalize as Completed; everything else becomes Stopped. Always
// allowed from Running or Paused.
func (m *Machine) Stop(notes string) (*models.TimerSession, error) {
	if m.sess == nil || !m.sess.Status.IsActive() {
		return nil, ErrInvalidTransition
	}

	now := m.clock.Now()
	if m.sess.Status == models.SessionStatusPaused {
		m.sess.PauseTimeUsedSeconds += int(now.Sub(*m.sess.PausedAt).Seconds())
		if max := int(m.cfg.MaxPauseTime.Seconds()); m.sess.PauseTimeUsedSeconds > max {
			m.sess.PauseTimeUsedSeconds = max
		}
		m.sess.PausedAt = nil
	}

	// Overtime is recomputed from timestamps here, not read from the tick
	// latch: a session can cross its allocation while no tick runs (host
	// suspension, a stop racing the scheduler) and must still finalize as
	// Stopped rather than Completed.
	if m.sess.AllocatedSeconds != nil && !m.sess.Overtime &&
		*m.sess.AllocatedSeconds-m.elapsedSeconds(now) <= 0 {
		m.sess.Overtime = true
	}

	if m.sess.AllocatedSeconds != nil && !m.sess.Overtime {
		m.sess.Status = models.SessionStatusCompleted
	} else {
		m.sess.Status = models.SessionStatusStopped
	}

	m.sess.Notes = notes
	m.sess.EndedAt = &now
	m.touch(now)

	return m.sess, nil
}

// Tick recomputes derived state from the current wall-clock time. On a
// terminal session it is a no-op, so re-ticking after a forced stop is safe.
// The returned flag reports whether the session mutated in a way that must be
// persisted (forced stop or a once-latched event flag).
func (m *Machine) Tick() (Projection, bool, error) {
	if m.sess == nil {
		return Projection{}, false, ErrNoSession
	}
	if m.sess.Status.IsTerminal() {
		return m.projection(m.clock.Now()), false, nil
	}

	now := m.clock.Now()
	dirty := false

	if m.sess.Status == models.SessionStatusPaused {
		used := time.Duration(m.sess.PauseTimeUsedSeconds)*time.Second + now.Sub(*m.sess.PausedAt)

		if !m.sess.PauseWarningShown && m.cfg.MaxPauseTime-used <= m.cfg.PauseWarningLead {
			m.sess.PauseWarningShown = true
			dirty = true
			m.fire(EventPauseWarning)
		}

		if used >= m.cfg.MaxPauseTime {
			m.sess.PauseTimeUsedSeconds = int(m.cfg.MaxPauseTime.Seconds())
			m.sess.PausedAt = nil
			m.sess.Status = models.SessionStatusStopped
			m.sess.EndedAt = &now
			m.touch(now)
			m.fire(EventPauseLimitExceeded)
			return m.projection(now), true, nil
		}
	}

	if m.sess.Status == models.SessionStatusRunning && m.sess.AllocatedSeconds != nil && !m.sess.Overtime {
		if *m.sess.AllocatedSeconds-m.elapsedSeconds(now) <= 0 {
			m.sess.Overtime = true
			m.touch(now)
			dirty = true
			m.fire(EventAllocationExceeded)
		}
	}

	return m.projection(now), dirty, nil
}

// Projection returns the current read projection without side effects.
func (m *Machine) Projection() Projection {
	if m.sess == nil {
		return Projection{Status: models.SessionStatusIdle}
	}
	return m.projection(m.clock.Now())
}

// elapsedSeconds is the running time excluding pauses, including the in-flight
// pause interval when currently paused.
func (m *Machine) elapsedSeconds(now time.Time) int {
	paused := time.Duration(m.sess.PauseTimeUsedSeconds) * time.Second
	if m.sess.Status == models.SessionStatusPaused && m.sess.PausedAt != nil {
		paused += now.Sub(*m.sess.PausedAt)
	}

	end := now
	if m.sess.Status.IsTerminal() && m.sess.EndedAt != nil {
		end = *m.sess.EndedAt
	}

	return int((end.Sub(m.sess.StartTime) - paused).Seconds())
}

func (m *Machine) projection(now time.Time) Projection {
	elapsed := m.elapsedSeconds(now)

	remaining := -elapsed // elapsed-only mode counts up as negative remaining
	if m.sess.AllocatedSeconds != nil {
		remaining = *m.sess.AllocatedSeconds - elapsed
	}

	usedPause := m.sess.PauseTimeUsedSeconds
	if m.sess.Status == models.SessionStatusPaused && m.sess.PausedAt != nil {
		usedPause += int(now.Sub(*m.sess.PausedAt).Seconds())
	}

	maxPause := int(m.cfg.MaxPauseTime.Seconds())
	budgetLeft := maxPause - usedPause
	if budgetLeft < 0 {
		budgetLeft = 0
	}

	return Projection{
		Status:               m.sess.Status,
		ElapsedSeconds:       elapsed,
		TimeRemainingSeconds: remaining,
		Allocated:            m.sess.AllocatedSeconds != nil,
		Overtime:             m.sess.Overtime,
		Pause: PauseInfo{
			Paused:                 m.sess.Status == models.SessionStatusPaused,
			Count:                  m.sess.PauseCount,
			MaxCount:               m.cfg.MaxPauseCount,
			UsedSeconds:            usedPause,
			BudgetRemainingSeconds: budgetLeft,
		},
	}
}

func (m *Machine) touch(now time.Time) {
	m.sess.LastUpdated = now
	m.sess.IdempotencyKey = uuid.NewString()
}

func (m *Machine) fire(ev Event) {
	if m.emit != nil {
		m.emit(ev, m.sess)
	}
}
