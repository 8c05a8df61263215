// Package store defines persistence for timer sessions. The store is the
// ultimate source of truth for the one-active-session-per-user invariant;
// engines only fast-fail it locally.
package store

import (
	"context"
	"errors"

	"github.com/mdevq/timesync/internal/models"
)

var (
	// ErrNotFound is returned when no session exists for the key.
	ErrNotFound = errors.New("session not found")

	// ErrActiveSessionExists is returned when a create would violate the
	// single-active-session-per-user constraint.
	ErrActiveSessionExists = errors.New("active session already exists for user")
)

// SessionStore persists timer sessions keyed by (userId, projectId, taskId).
type SessionStore interface {
	// Create inserts a new session. Fails with ErrActiveSessionExists when the
	// user already holds a Running or Paused session.
	Create(ctx context.Context, sess *models.TimerSession) error

	// Update upserts a session version. Writes with a LastUpdated older than
	// the stored value are discarded (last-writer-wins).
	Update(ctx context.Context, sess *models.TimerSession) error

	// Delete removes the session for the key. Deleting a missing session is
	// not an error.
	Delete(ctx context.Context, key models.SessionKey) error

	// Get fetches the session for the key, or ErrNotFound.
	Get(ctx context.Context, key models.SessionKey) (*models.TimerSession, error)

	// QueryActiveForUser returns the user's Running or Paused session, or
	// (nil, nil) when there is none.
	QueryActiveForUser(ctx context.Context, userID string) (*models.TimerSession, error)
}
