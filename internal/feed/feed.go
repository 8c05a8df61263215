// Package feed carries the store's change stream between devices. Writers
// publish a change event after every acknowledged mutation; listeners
// subscribe to the per-user stream.
package feed

import (
	"context"

	"github.com/mdevq/timesync/internal/models"
)

// Publisher pushes change events onto the stream.
type Publisher interface {
	Publish(ctx context.Context, ev models.ChangeEvent) error
}

// Source opens per-user subscriptions to the stream.
type Source interface {
	Subscribe(ctx context.Context, userID string) (Subscription, error)
}

// Subscription is one open per-user stream. Events delivers decoded changes in
// arrival order; Errors surfaces transport failures. Both channels close after
// Close.
type Subscription interface {
	Events() <-chan models.ChangeEvent
	Errors() <-chan error
	Close() error
}
