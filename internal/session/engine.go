// Package session wires the timer state machine to the optimistic tracker,
// conflict pipeline, and change stream: one engine keeps one user's timer
// session consistent across devices. Collaborators are injected explicitly;
// there is no process-global state.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mdevq/timesync/internal/conflict"
	"github.com/mdevq/timesync/internal/feed"
	"github.com/mdevq/timesync/internal/listener"
	"github.com/mdevq/timesync/internal/models"
	"github.com/mdevq/timesync/internal/optimistic"
	"github.com/mdevq/timesync/internal/store"
	"github.com/mdevq/timesync/internal/syncstatus"
	"github.com/mdevq/timesync/internal/timer"
)

// Authorizer answers whether a user may start a timer for a task.
type Authorizer interface {
	CanStartTimer(ctx context.Context, userID, projectID, taskID string) (bool, error)
}

// Notifier receives human-readable state-change messages. Delivery is the
// sink's responsibility; implementations must not block.
type Notifier interface {
	Notify(ctx context.Context, userID, message string)
}

// Config holds per-engine settings.
type Config struct {
	UserID          string
	DeviceID        string
	TickInterval    time.Duration
	DefaultStrategy models.ResolutionStrategy
	MaxDrift        time.Duration
	OptimisticTTL   time.Duration
	Timer           timer.Config
	Listener        listener.Config
}

// DefaultConfig returns engine defaults for a user, with a fresh device ID.
func DefaultConfig(userID string) Config {
	return Config{
		UserID:          userID,
		DeviceID:        uuid.NewString()[:8],
		TickInterval:    time.Second,
		DefaultStrategy: models.StrategyServerWins,
		Timer:           timer.DefaultConfig(),
		Listener:        listener.DefaultConfig(),
	}
}

// Deps are the engine's injected collaborators. Notifier may be nil.
type Deps struct {
	Clock     clockwork.Clock
	Store     store.SessionStore
	Publisher feed.Publisher
	Source    feed.Source
	Auth      Authorizer
	Notifier  Notifier
	Status    *syncstatus.Tracker
}

// Engine exposes the timer operations, the conflict API, and the read
// projection for one user.
type Engine struct {
	cfg      Config
	clock    clockwork.Clock
	store    store.SessionStore
	pub      feed.Publisher
	source   feed.Source
	auth     Authorizer
	notifier Notifier
	status   *syncstatus.Tracker

	machine  *timer.Machine
	tracker  *optimistic.Tracker
	detector *conflict.Detector
	resolver *conflict.Resolver

	mu         sync.Mutex
	tickCancel context.CancelFunc
}

// NewEngine assembles an engine from its collaborators.
func NewEngine(cfg Config, deps Deps) *Engine {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Status == nil {
		deps.Status = syncstatus.NewTracker(deps.Clock)
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if !cfg.DefaultStrategy.Valid() {
		cfg.DefaultStrategy = models.StrategyServerWins
	}
	if cfg.Timer.MaxPauseCount <= 0 {
		cfg.Timer = timer.DefaultConfig()
	}

	e := &Engine{
		cfg:      cfg,
		clock:    deps.Clock,
		store:    deps.Store,
		pub:      deps.Publisher,
		source:   deps.Source,
		auth:     deps.Auth,
		notifier: deps.Notifier,
		status:   deps.Status,
	}

	e.machine = timer.NewMachine(deps.Clock, cfg.Timer, e.onTimerEvent)
	e.tracker = optimistic.NewTracker(deps.Clock, cfg.OptimisticTTL)
	e.detector = conflict.NewDetector(deps.Clock, e.tracker, cfg.MaxDrift)
	e.resolver = conflict.NewResolver(deps.Clock, e.tracker, writeBack{e})

	return e
}

// Status returns the engine's sync status tracker for observers.
func (e *Engine) Status() *syncstatus.Tracker {
	return e.status
}

// Run consumes the user's change stream until the context is cancelled or the
// listener's retry budget is exhausted.
func (e *Engine) Run(ctx context.Context) error {
	l := listener.New(e.source, e, e.status, e.clock, e.cfg.Listener, e.cfg.UserID)
	return l.Run(ctx)
}

// Start begins a new session against a task. The store's unique active-session
// constraint is the ultimate arbiter; the local checks only fast-fail.
func (e *Engine) Start(ctx context.Context, projectID, taskID string, allocatedSeconds *int) (*models.TimerSession, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, pending := e.resolver.PendingForUser(e.cfg.UserID); pending {
		return nil, ErrConflictUnresolved
	}

	ok, err := e.auth.CanStartTimer(ctx, e.cfg.UserID, projectID, taskID)
	if err != nil {
		return nil, fmt.Errorf("authorize start: %w", err)
	}
	if !ok {
		return nil, ErrAssignmentDenied
	}

	if cur := e.machine.Session(); cur != nil && cur.Status.IsActive() {
		return nil, ErrAlreadyActive
	}

	active, err := e.store.QueryActiveForUser(ctx, e.cfg.UserID)
	if err != nil {
		// Offline-first: the store being unreachable does not block a local
		// start; the reconciliation pass sorts it out later.
		e.status.RecordError(err)
		log.Warn().Err(err).Str("user_id", e.cfg.UserID).Msg("active-session check skipped")
	} else if active != nil {
		return nil, ErrAlreadyActive
	}

	key := models.SessionKey{UserID: e.cfg.UserID, ProjectID: projectID, TaskID: taskID}
	sess, err := e.machine.Start(key, e.cfg.DeviceID, allocatedSeconds)
	if err != nil {
		return nil, err
	}

	e.tracker.Apply(key, sess)

	if err := e.store.Create(ctx, sess); err != nil {
		if errors.Is(err, store.ErrActiveSessionExists) {
			// Lost the race against another device; roll the local start back.
			e.machine.Clear()
			e.tracker.Clear(key)
			return nil, ErrAlreadyActive
		}
		e.status.RecordError(err)
	} else {
		e.publish(ctx, models.ChangeTypeAdded, sess)
	}

	e.startTickLoopLocked()
	e.notify(ctx, fmt.Sprintf("Timer started for task %s", taskID))

	return sess.Clone(), nil
}

// Pause suspends the running session.
func (e *Engine) Pause(ctx context.Context) (*models.TimerSession, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, pending := e.resolver.PendingForUser(e.cfg.UserID); pending {
		return nil, ErrConflictUnresolved
	}

	sess, err := e.machine.Pause()
	if err != nil {
		return nil, err
	}

	e.tracker.Apply(sess.Key, sess)
	e.persist(ctx, sess)
	e.notify(ctx, fmt.Sprintf("Timer paused (%d of %d pauses used)", sess.PauseCount, e.cfg.Timer.MaxPauseCount))

	return sess.Clone(), nil
}

// Resume returns a paused session to running.
func (e *Engine) Resume(ctx context.Context) (*models.TimerSession, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, pending := e.resolver.PendingForUser(e.cfg.UserID); pending {
		return nil, ErrConflictUnresolved
	}

	sess, err := e.machine.Resume()
	if err != nil {
		return nil, err
	}

	e.tracker.Apply(sess.Key, sess)
	e.persist(ctx, sess)
	e.notify(ctx, "Timer resumed")

	return sess.Clone(), nil
}

// Stop finalizes the session, cancels the tick loop, and clears the pending
// optimistic entry synchronously.
func (e *Engine) Stop(ctx context.Context, notes string) (*models.TimerSession, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, pending := e.resolver.PendingForUser(e.cfg.UserID); pending {
		return nil, ErrConflictUnresolved
	}

	sess, err := e.machine.Stop(notes)
	if err != nil {
		return nil, err
	}

	e.stopTickLoopLocked()
	e.persist(ctx, sess)
	e.tracker.Clear(sess.Key)
	e.notify(ctx, "Timer stopped")

	return sess.Clone(), nil
}

// Tick recomputes derived state from the wall clock. It is driven by the
// internal scheduler but exported so hosts can force a recompute, e.g. on
// resume from suspension.
func (e *Engine) Tick(ctx context.Context) (timer.Projection, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	proj, dirty, err := e.machine.Tick()
	if err != nil {
		return timer.Projection{}, err
	}

	e.tracker.Sweep()

	if dirty {
		sess := e.machine.Session()
		e.persist(ctx, sess)
		if sess.Status.IsTerminal() {
			e.stopTickLoopLocked()
			e.tracker.Clear(sess.Key)
		} else {
			e.tracker.Apply(sess.Key, sess)
		}
	}

	return proj, nil
}

// Projection returns the current read projection.
func (e *Engine) Projection() timer.Projection {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.machine.Projection()
}

// ResolveConflict finishes a deferred user-choice conflict with an explicit
// strategy and adopts the canonical result.
func (e *Engine) ResolveConflict(ctx context.Context, conflictID string, strategy models.ResolutionStrategy) (*models.TimerSession, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	res, err := e.resolver.ResolvePending(ctx, conflictID, strategy)
	if err != nil {
		return nil, err
	}

	e.status.ConflictResolved()
	e.adoptLocked(res.Result)
	e.notify(ctx, fmt.Sprintf("Sync conflict resolved (%s)", strategy))

	return res.Result.Clone(), nil
}

// HandleRemoteChange applies one store change from the listener.
func (e *Engine) HandleRemoteChange(ctx context.Context, ev models.ChangeEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch ev.Type {
	case models.ChangeTypeRemoved:
		key := ev.Session.Key
		if _, ok := e.tracker.Get(key); ok {
			// A pending local intent outlives the remote delete; keep it and
			// let reconciliation settle the difference.
			log.Debug().Str("key", key.String()).Msg("remote removal ignored: local write pending")
			return nil
		}
		if cur := e.machine.Session(); cur != nil && cur.Key == key {
			e.stopTickLoopLocked()
			e.machine.Clear()
		}
		return nil

	case models.ChangeTypeAdded, models.ChangeTypeModified:
		return e.handleSnapshotLocked(ctx, ev.Session)

	default:
		return fmt.Errorf("unknown change type %q", ev.Type)
	}
}

// Reconcile replays conflict detection over all pending optimistic entries
// against freshly fetched remote state. Runs after every (re)connect.
func (e *Engine) Reconcile(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, ent := range e.tracker.Pending() {
		remote, err := e.store.Get(ctx, ent.Key)
		if errors.Is(err, store.ErrNotFound) {
			// Our write never landed while offline; push it now.
			e.persist(ctx, ent.Snapshot)
			continue
		}
		if err != nil {
			e.status.RecordError(err)
			continue
		}

		// The store still holds an older version of our own write; the pending
		// snapshot is the last writer, so re-push instead of raising a conflict.
		if ent.Snapshot.LastUpdated.After(remote.LastUpdated) {
			e.persist(ctx, ent.Snapshot)
			continue
		}

		if err := e.handleSnapshotLocked(ctx, remote); err != nil {
			log.Error().Err(err).Str("key", ent.Key.String()).Msg("reconciliation failed for key")
		}
	}

	// With nothing running locally, adopt whatever the store says is active.
	if e.machine.Session() == nil {
		active, err := e.store.QueryActiveForUser(ctx, e.cfg.UserID)
		if err != nil {
			e.status.RecordError(err)
		} else if active != nil {
			e.adoptLocked(active)
		}
	}

	return nil
}

// handleSnapshotLocked runs the conflict taxonomy for one remote snapshot and
// applies the outcome.
func (e *Engine) handleSnapshotLocked(ctx context.Context, remote *models.TimerSession) error {
	outcome, c := e.detector.Detect(remote)
	switch outcome {
	case conflict.OutcomeNoPending, conflict.OutcomeAccepted:
		e.adoptLocked(remote)
		return nil

	case conflict.OutcomeConflict:
		e.status.ConflictDetected(c)
		log.Info().
			Str("conflict_id", c.ID).
			Str("conflict_type", string(c.Type)).
			Str("key", c.Key.String()).
			Msg("sync conflict detected")

		res, err := e.resolver.Resolve(ctx, c, e.cfg.DefaultStrategy)
		if err != nil {
			return err
		}
		if !res.Resolved {
			e.notify(ctx, "Sync conflict detected; choose which timer to keep")
			return nil
		}

		e.status.ConflictResolved()
		e.adoptLocked(res.Result)
		return nil

	default:
		return fmt.Errorf("unknown detection outcome %d", outcome)
	}
}

// adoptLocked installs a canonical snapshot as machine state and manages the
// tick loop accordingly.
func (e *Engine) adoptLocked(sess *models.TimerSession) {
	cur := e.machine.Session()

	if sess.Status.IsActive() {
		e.machine.Adopt(sess)
		e.startTickLoopLocked()
		return
	}

	// Terminal snapshot: only relevant when it ends the session we hold.
	if cur != nil && cur.Key == sess.Key {
		e.machine.Adopt(sess)
		e.stopTickLoopLocked()
	}
}

// persist writes a session version to the store and mirrors it onto the change
// stream. Store failures are recorded, never fatal: the optimistic entry keeps
// the local truth until reconciliation.
func (e *Engine) persist(ctx context.Context, sess *models.TimerSession) {
	if err := e.store.Update(ctx, sess); err != nil {
		e.status.RecordError(err)
		return
	}
	e.publish(ctx, models.ChangeTypeModified, sess)
}

func (e *Engine) publish(ctx context.Context, typ models.ChangeType, sess *models.TimerSession) {
	if e.pub == nil {
		return
	}

	ev := models.ChangeEvent{
		EventID:     uuid.NewString(),
		Type:        typ,
		Session:     sess.Clone(),
		PublishedAt: e.clock.Now(),
	}
	if err := e.pub.Publish(ctx, ev); err != nil {
		e.status.RecordError(err)
	}
}

func (e *Engine) notify(ctx context.Context, message string) {
	if e.notifier != nil {
		e.notifier.Notify(ctx, e.cfg.UserID, message)
	}
}

// onTimerEvent forwards state-machine events as notifications. Called with the
// engine lock held.
func (e *Engine) onTimerEvent(ev timer.Event, sess *models.TimerSession) {
	var msg string
	switch ev {
	case timer.EventPauseWarning:
		msg = "Pause budget almost used up"
	case timer.EventPauseLimitExceeded:
		msg = "Pause limit exceeded; timer stopped"
	case timer.EventAllocationExceeded:
		msg = "Allocated time used up; timer is now in overtime"
	default:
		return
	}

	log.Info().
		Str("event", string(ev)).
		Str("key", sess.Key.String()).
		Msg("timer event")
	e.notify(context.Background(), msg)
}

// startTickLoopLocked launches the ~1s scheduler. Correctness never depends on
// tick cadence; every tick recomputes from absolute timestamps.
func (e *Engine) startTickLoopLocked() {
	if e.tickCancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.tickCancel = cancel

	go e.runTickLoop(ctx)
}

func (e *Engine) stopTickLoopLocked() {
	if e.tickCancel != nil {
		e.tickCancel()
		e.tickCancel = nil
	}
}

func (e *Engine) runTickLoop(ctx context.Context) {
	ticker := e.clock.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if _, err := e.Tick(ctx); err != nil {
				if !errors.Is(err, timer.ErrNoSession) {
					log.Error().Err(err).Msg("tick failed")
				}
				return
			}
		}
	}
}

// writeBack lets the resolver push resolved state through the engine's
// persist-and-publish path without re-entering the engine lock.
type writeBack struct {
	e *Engine
}

func (w writeBack) WriteBack(ctx context.Context, sess *models.TimerSession) error {
	if err := w.e.store.Update(ctx, sess); err != nil {
		return err
	}
	w.e.publish(ctx, models.ChangeTypeModified, sess)
	return nil
}

func (w writeBack) Remove(ctx context.Context, key models.SessionKey) error {
	if err := w.e.store.Delete(ctx, key); err != nil {
		return err
	}

	now := w.e.clock.Now()
	tombstone := &models.TimerSession{
		Key:            key,
		Status:         models.SessionStatusStopped,
		LastUpdated:    now,
		DeviceID:       w.e.cfg.DeviceID,
		IdempotencyKey: uuid.NewString(),
	}
	if w.e.pub != nil {
		ev := models.ChangeEvent{
			EventID:     uuid.NewString(),
			Type:        models.ChangeTypeRemoved,
			Session:     tombstone,
			PublishedAt: now,
		}
		if err := w.e.pub.Publish(ctx, ev); err != nil {
			w.e.status.RecordError(err)
		}
	}

	return nil
}
