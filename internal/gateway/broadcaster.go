package gateway

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mdevq/timesync/internal/session"
	"github.com/mdevq/timesync/internal/syncstatus"
	"github.com/mdevq/timesync/internal/timer"
)

// notification is the payload for MessageTypeNotification envelopes.
type notification struct {
	Message string `json:"message"`
}

// Broadcaster feeds one user's engine output into the connection manager:
// periodic timer projections plus sync status transitions.
type Broadcaster struct {
	cm       *ConnectionManager
	clock    clockwork.Clock
	userID   string
	interval time.Duration

	projection func() timer.Projection
	status     *syncstatus.Tracker
}

// NewBroadcaster wires an engine's observable state to the manager. interval
// governs how often projections are pushed; <= 0 means once per second.
func NewBroadcaster(cm *ConnectionManager, clock clockwork.Clock, eng *session.Engine, userID string, interval time.Duration) *Broadcaster {
	if interval <= 0 {
		interval = time.Second
	}
	return &Broadcaster{
		cm:         cm,
		clock:      clock,
		userID:     userID,
		interval:   interval,
		projection: eng.Projection,
		status:     eng.Status(),
	}
}

// Run pushes updates until the context is cancelled.
func (b *Broadcaster) Run(ctx context.Context) {
	statusCh := b.status.Subscribe()
	defer b.status.Unsubscribe(statusCh)

	ticker := b.clock.NewTicker(b.interval)
	defer ticker.Stop()

	log.Info().Str("user_id", b.userID).Msg("gateway broadcaster started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("user_id", b.userID).Msg("gateway broadcaster stopped")
			return

		case st, ok := <-statusCh:
			if !ok {
				return
			}
			b.cm.BroadcastToUser(b.userID, MessageTypeSyncStatus, st)

		case <-ticker.Chan():
			b.cm.BroadcastToUser(b.userID, MessageTypeProjection, b.projection())
		}
	}
}

// Notifier adapts the connection manager to the engine's notification sink.
type Notifier struct {
	cm *ConnectionManager
}

// NewNotifier creates a notifier pushing over WebSocket.
func NewNotifier(cm *ConnectionManager) *Notifier {
	return &Notifier{cm: cm}
}

// Notify implements session.Notifier.
func (n *Notifier) Notify(ctx context.Context, userID, message string) {
	n.cm.BroadcastToUser(userID, MessageTypeNotification, notification{Message: message})
}
