package conflict

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mdevq/timesync/internal/models"
	"github.com/mdevq/timesync/internal/optimistic"
)

var (
	// ErrUnknownConflict is returned when resolving a conflict ID that is not
	// pending (already resolved, or never deferred).
	ErrUnknownConflict = errors.New("unknown conflict id")

	// ErrInvalidStrategy is returned for a strategy outside the known set, or
	// user_choice passed to an explicit resolution call.
	ErrInvalidStrategy = errors.New("invalid resolution strategy")
)

// Writer pushes resolved state back to the store. Implemented by the engine so
// that write-backs flow through the same persist-and-publish path as local
// mutations.
type Writer interface {
	WriteBack(ctx context.Context, sess *models.TimerSession) error
	Remove(ctx context.Context, key models.SessionKey) error
}

// Resolution is the outcome of a resolve call.
type Resolution struct {
	// Resolved is false when the strategy was user_choice and the conflict was
	// deferred for an explicit decision.
	Resolved bool
	// Result is the canonical session after resolution; nil while deferred.
	Result *models.TimerSession
	// Conflict is the conflict that was handled (pending handle when deferred).
	Conflict *models.Conflict
}

// Resolver applies a resolution policy to conflicts and tracks deferred
// user_choice conflicts until an explicit decision arrives.
type Resolver struct {
	clock   clockwork.Clock
	tracker *optimistic.Tracker
	writer  Writer

	mu      sync.Mutex
	pending map[string]*models.Conflict
}

// NewResolver creates a resolver writing resolved state through w.
func NewResolver(clock clockwork.Clock, tracker *optimistic.Tracker, w Writer) *Resolver {
	return &Resolver{
		clock:   clock,
		tracker: tracker,
		writer:  w,
		pending: make(map[string]*models.Conflict),
	}
}

// Resolve applies the strategy to the conflict. user_choice defers: the
// conflict is parked and surfaced to the caller, and no write happens until
// ResolvePending is called with the chosen strategy.
func (r *Resolver) Resolve(ctx context.Context, c *models.Conflict, strategy models.ResolutionStrategy) (Resolution, error) {
	if !strategy.Valid() {
		return Resolution{}, fmt.Errorf("%w: %q", ErrInvalidStrategy, strategy)
	}

	if strategy == models.StrategyUserChoice {
		r.mu.Lock()
		r.pending[c.ID] = c
		r.mu.Unlock()

		log.Info().
			Str("conflict_id", c.ID).
			Str("conflict_type", string(c.Type)).
			Str("key", c.Key.String()).
			Msg("conflict deferred for user choice")

		return Resolution{Resolved: false, Conflict: c}, nil
	}

	result, err := r.apply(ctx, c, strategy)
	if err != nil {
		return Resolution{}, err
	}

	return Resolution{Resolved: true, Result: result, Conflict: c}, nil
}

// ResolvePending finishes a deferred conflict with an explicit, non-deferred
// strategy.
func (r *Resolver) ResolvePending(ctx context.Context, conflictID string, strategy models.ResolutionStrategy) (Resolution, error) {
	if !strategy.Valid() || strategy == models.StrategyUserChoice {
		return Resolution{}, fmt.Errorf("%w: %q", ErrInvalidStrategy, strategy)
	}

	r.mu.Lock()
	c, ok := r.pending[conflictID]
	if ok {
		delete(r.pending, conflictID)
	}
	r.mu.Unlock()

	if !ok {
		return Resolution{}, fmt.Errorf("%w: %s", ErrUnknownConflict, conflictID)
	}

	result, err := r.apply(ctx, c, strategy)
	if err != nil {
		// Re-park so the caller can retry; a transport hiccup must not lose
		// the conflict.
		r.mu.Lock()
		r.pending[conflictID] = c
		r.mu.Unlock()
		return Resolution{}, err
	}

	return Resolution{Resolved: true, Result: result, Conflict: c}, nil
}

// PendingForUser returns the oldest deferred conflict for the user, if any.
// While one exists, mutating operations on the user's slot are rejected.
func (r *Resolver) PendingForUser(userID string) (*models.Conflict, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var oldest *models.Conflict
	for _, c := range r.pending {
		if c.Key.UserID != userID {
			continue
		}
		if oldest == nil || c.DetectedAt.Before(oldest.DetectedAt) {
			oldest = c
		}
	}

	return oldest, oldest != nil
}

// apply computes the canonical result, writes it back, and clears the
// optimistic entry for the key.
func (r *Resolver) apply(ctx context.Context, c *models.Conflict, strategy models.ResolutionStrategy) (*models.TimerSession, error) {
	var result *models.TimerSession

	switch strategy {
	case models.StrategyServerWins:
		result = c.Remote.Clone()
	case models.StrategyLocalWins:
		result = c.Local.Clone()
		r.stamp(result)
	case models.StrategyMerge:
		result = Merge(c.Local, c.Remote)
		r.stamp(result)
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidStrategy, strategy)
	}

	if err := r.writer.WriteBack(ctx, result); err != nil {
		return nil, fmt.Errorf("write back resolved session: %w", err)
	}

	// A different_timer resolved in favor of one side leaves the losing
	// session occupying the slot; remove it.
	if c.Type == models.ConflictTypeDifferentTimer {
		loser := c.Remote.Key
		if result.Key == c.Remote.Key {
			loser = c.Local.Key
		}
		if loser != result.Key {
			if err := r.writer.Remove(ctx, loser); err != nil {
				log.Error().Err(err).Str("key", loser.String()).Msg("failed to remove losing session")
			}
		}
	}

	r.tracker.Clear(c.Key)

	log.Info().
		Str("conflict_id", c.ID).
		Str("conflict_type", string(c.Type)).
		Str("strategy", string(strategy)).
		Str("key", result.Key.String()).
		Msg("conflict resolved")

	return result, nil
}

// stamp marks the result as a fresh write so it wins last-writer comparison on
// every replica.
func (r *Resolver) stamp(sess *models.TimerSession) {
	sess.LastUpdated = r.clock.Now()
	sess.IdempotencyKey = uuid.NewString()
}

// Merge combines two snapshots field-wise. The later start is authoritative
// (it represents the most recent explicit restart), accumulated pause time
// takes the maximum, live pause state comes from remote, and warning flags OR.
// Merge is pure: the same inputs always produce the same output.
func Merge(local, remote *models.TimerSession) *models.TimerSession {
	out := remote.Clone()

	if local.StartTime.After(out.StartTime) {
		out.StartTime = local.StartTime
	}
	if local.PauseTimeUsedSeconds > out.PauseTimeUsedSeconds {
		out.PauseTimeUsedSeconds = local.PauseTimeUsedSeconds
	}
	if local.PauseCount > out.PauseCount {
		out.PauseCount = local.PauseCount
	}
	out.PauseWarningShown = local.PauseWarningShown || remote.PauseWarningShown
	out.Overtime = local.Overtime || remote.Overtime

	return out
}
