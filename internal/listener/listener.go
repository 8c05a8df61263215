// Package listener consumes the per-user change stream and applies changes in
// last-writer-wins order. Transport failures are retried with bounded
// exponential backoff; true conflict semantics are layered on top by the
// conflict detector, not here.
package listener

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mdevq/timesync/internal/feed"
	"github.com/mdevq/timesync/internal/models"
	"github.com/mdevq/timesync/internal/syncstatus"
)

// ErrTransport tags recoverable stream failures. It is retried internally; the
// caller only sees it once the retry budget is exhausted.
var ErrTransport = errors.New("sync transport error")

// Handler consumes ordered remote changes. HandleRemoteChange must be
// idempotent: the stream can redeliver after a resubscribe.
type Handler interface {
	HandleRemoteChange(ctx context.Context, ev models.ChangeEvent) error

	// Reconcile runs after every successful (re)subscribe, replaying conflict
	// detection over all pending optimistic entries against fresh remote state.
	Reconcile(ctx context.Context) error
}

// Config bounds the resubscribe backoff.
type Config struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultConfig returns the default retry policy.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    5,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
	}
}

// Listener wraps a feed subscription for one user.
type Listener struct {
	source  feed.Source
	handler Handler
	status  *syncstatus.Tracker
	clock   clockwork.Clock
	cfg     Config
	userID  string

	mu       sync.Mutex
	lastSeen map[models.SessionKey]time.Time
}

// New creates a listener for the user's stream.
func New(source feed.Source, handler Handler, status *syncstatus.Tracker, clock clockwork.Clock, cfg Config, userID string) *Listener {
	if cfg.MaxAttempts <= 0 {
		cfg = DefaultConfig()
	}
	return &Listener{
		source:   source,
		handler:  handler,
		status:   status,
		clock:    clock,
		cfg:      cfg,
		userID:   userID,
		lastSeen: make(map[models.SessionKey]time.Time),
	}
}

// Run consumes the stream until the context is cancelled or the retry budget
// is exhausted.
func (l *Listener) Run(ctx context.Context) error {
	attempt := 0

	for {
		sub, err := l.source.Subscribe(ctx, l.userID)
		if err != nil {
			attempt++
			l.status.SetConnected(false)
			l.status.RecordError(fmt.Errorf("%w: subscribe: %v", ErrTransport, err))

			if attempt >= l.cfg.MaxAttempts {
				return fmt.Errorf("%w: giving up after %d attempts: %v", ErrTransport, attempt, err)
			}
			if !l.wait(ctx, l.backoff(attempt)) {
				return nil
			}
			continue
		}

		attempt = 0
		l.status.SetConnected(true)
		log.Info().Str("user_id", l.userID).Msg("change stream connected")

		if err := l.handler.Reconcile(ctx); err != nil {
			log.Error().Err(err).Str("user_id", l.userID).Msg("reconciliation pass failed")
		}

		retry := l.consume(ctx, sub)
		sub.Close()
		l.status.SetConnected(false)

		if !retry {
			return nil
		}

		attempt++
		if attempt >= l.cfg.MaxAttempts {
			return fmt.Errorf("%w: stream failed %d times", ErrTransport, attempt)
		}
		if !l.wait(ctx, l.backoff(attempt)) {
			return nil
		}
	}
}

// consume drains one subscription. It reports whether the caller should
// resubscribe (true on stream failure, false on context cancellation).
func (l *Listener) consume(ctx context.Context, sub feed.Subscription) bool {
	for {
		select {
		case <-ctx.Done():
			return false

		case err := <-sub.Errors():
			l.status.RecordError(fmt.Errorf("%w: %v", ErrTransport, err))
			return true

		case ev, ok := <-sub.Events():
			if !ok {
				l.status.RecordError(fmt.Errorf("%w: stream closed", ErrTransport))
				return true
			}

			if err := l.apply(ctx, ev); err != nil {
				log.Error().
					Err(err).
					Str("event_id", ev.EventID).
					Msg("failed to handle remote change")
				continue
			}
			l.status.RecordSync()
		}
	}
}

// apply enforces transport-level last-writer-wins: a change is handed to the
// handler only if its LastUpdated is strictly newer than the last applied
// value for that key, so out-of-order delivery cannot roll state back.
func (l *Listener) apply(ctx context.Context, ev models.ChangeEvent) error {
	if ev.Session == nil {
		return fmt.Errorf("change event %s has no session", ev.EventID)
	}

	key := ev.Session.Key

	l.mu.Lock()
	seen, ok := l.lastSeen[key]
	l.mu.Unlock()
	if ok && !ev.Session.LastUpdated.After(seen) {
		log.Debug().
			Str("key", key.String()).
			Time("last_updated", ev.Session.LastUpdated).
			Time("seen", seen).
			Msg("dropping stale change")
		return nil
	}

	// The watermark moves only after the handler succeeds, so a redelivery of
	// a change that failed mid-handling is not mistaken for stale.
	if err := l.handler.HandleRemoteChange(ctx, ev); err != nil {
		return err
	}

	l.mu.Lock()
	l.lastSeen[key] = ev.Session.LastUpdated
	l.mu.Unlock()

	return nil
}

func (l *Listener) backoff(attempt int) time.Duration {
	d := l.cfg.InitialBackoff << (attempt - 1)
	if d > l.cfg.MaxBackoff || d <= 0 {
		d = l.cfg.MaxBackoff
	}
	return d
}

// wait sleeps on the injected clock; returns false when the context ended.
func (l *Listener) wait(ctx context.Context, d time.Duration) bool {
	timer := l.clock.NewTimer(d)
	defer stopAndDrainTimer(timer)

	select {
	case <-timer.Chan():
		return true
	case <-ctx.Done():
		return false
	}
}

// stopAndDrainTimer follows the pattern recommended in the time.Timer.Stop
// documentation to avoid leaking the fired channel.
func stopAndDrainTimer(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}
