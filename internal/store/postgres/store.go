// Package postgres implements the session store on PostgreSQL. A partial
// unique index on (user_id) over active rows enforces the
// one-active-session-per-user invariant at the storage layer.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mdevq/timesync/internal/models"
	"github.com/mdevq/timesync/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS timer_sessions (
	user_id                 TEXT        NOT NULL,
	project_id              TEXT        NOT NULL,
	task_id                 TEXT        NOT NULL,
	status                  TEXT        NOT NULL,
	start_time              TIMESTAMPTZ NOT NULL,
	allocated_seconds       INTEGER,
	pause_count             INTEGER     NOT NULL DEFAULT 0,
	pause_time_used_seconds INTEGER     NOT NULL DEFAULT 0,
	paused_at               TIMESTAMPTZ,
	pause_warning_shown     BOOLEAN     NOT NULL DEFAULT FALSE,
	overtime                BOOLEAN     NOT NULL DEFAULT FALSE,
	notes                   TEXT        NOT NULL DEFAULT '',
	ended_at                TIMESTAMPTZ,
	last_updated            TIMESTAMPTZ NOT NULL,
	device_id               TEXT        NOT NULL,
	idempotency_key         TEXT        NOT NULL,
	PRIMARY KEY (user_id, project_id, task_id)
);

CREATE UNIQUE INDEX IF NOT EXISTS timer_sessions_one_active_per_user
	ON timer_sessions (user_id)
	WHERE status IN ('RUNNING', 'PAUSED');
`

const sessionColumns = `user_id, project_id, task_id, status, start_time, allocated_seconds,
	pause_count, pause_time_used_seconds, paused_at, pause_warning_shown, overtime,
	notes, ended_at, last_updated, device_id, idempotency_key`

// Store is a PostgreSQL-backed session store.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a store over an existing connection pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// EnsureSchema creates the sessions table and its indexes if missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure timer_sessions schema: %w", err)
	}
	return nil
}

func (s *Store) Create(ctx context.Context, sess *models.TimerSession) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO timer_sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		sess.Key.UserID, sess.Key.ProjectID, sess.Key.TaskID, string(sess.Status),
		sess.StartTime, sess.AllocatedSeconds, sess.PauseCount, sess.PauseTimeUsedSeconds,
		sess.PausedAt, sess.PauseWarningShown, sess.Overtime, sess.Notes, sess.EndedAt,
		sess.LastUpdated, sess.DeviceID, sess.IdempotencyKey,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return store.ErrActiveSessionExists
		}
		return fmt.Errorf("create session %s: %w", sess.Key, err)
	}

	return nil
}

func (s *Store) Update(ctx context.Context, sess *models.TimerSession) error {
	// Last-writer-wins at the row level: an older version never overwrites a
	// newer one, regardless of arrival order.
	_, err := s.pool.Exec(ctx, `
		INSERT INTO timer_sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (user_id, project_id, task_id) DO UPDATE SET
			status = EXCLUDED.status,
			start_time = EXCLUDED.start_time,
			allocated_seconds = EXCLUDED.allocated_seconds,
			pause_count = EXCLUDED.pause_count,
			pause_time_used_seconds = EXCLUDED.pause_time_used_seconds,
			paused_at = EXCLUDED.paused_at,
			pause_warning_shown = EXCLUDED.pause_warning_shown,
			overtime = EXCLUDED.overtime,
			notes = EXCLUDED.notes,
			ended_at = EXCLUDED.ended_at,
			last_updated = EXCLUDED.last_updated,
			device_id = EXCLUDED.device_id,
			idempotency_key = EXCLUDED.idempotency_key
		WHERE timer_sessions.last_updated <= EXCLUDED.last_updated`,
		sess.Key.UserID, sess.Key.ProjectID, sess.Key.TaskID, string(sess.Status),
		sess.StartTime, sess.AllocatedSeconds, sess.PauseCount, sess.PauseTimeUsedSeconds,
		sess.PausedAt, sess.PauseWarningShown, sess.Overtime, sess.Notes, sess.EndedAt,
		sess.LastUpdated, sess.DeviceID, sess.IdempotencyKey,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return store.ErrActiveSessionExists
		}
		return fmt.Errorf("update session %s: %w", sess.Key, err)
	}

	return nil
}

func (s *Store) Delete(ctx context.Context, key models.SessionKey) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM timer_sessions
		WHERE user_id = $1 AND project_id = $2 AND task_id = $3`,
		key.UserID, key.ProjectID, key.TaskID,
	)
	if err != nil {
		return fmt.Errorf("delete session %s: %w", key, err)
	}

	return nil
}

func (s *Store) Get(ctx context.Context, key models.SessionKey) (*models.TimerSession, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+sessionColumns+`
		FROM timer_sessions
		WHERE user_id = $1 AND project_id = $2 AND task_id = $3`,
		key.UserID, key.ProjectID, key.TaskID,
	)

	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get session %s: %w", key, err)
	}

	return sess, nil
}

func (s *Store) QueryActiveForUser(ctx context.Context, userID string) (*models.TimerSession, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+sessionColumns+`
		FROM timer_sessions
		WHERE user_id = $1 AND status IN ('RUNNING', 'PAUSED')`,
		userID,
	)

	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query active session for %s: %w", userID, err)
	}

	return sess, nil
}

func scanSession(row pgx.Row) (*models.TimerSession, error) {
	var (
		sess   models.TimerSession
		status string
	)

	err := row.Scan(
		&sess.Key.UserID, &sess.Key.ProjectID, &sess.Key.TaskID, &status,
		&sess.StartTime, &sess.AllocatedSeconds, &sess.PauseCount, &sess.PauseTimeUsedSeconds,
		&sess.PausedAt, &sess.PauseWarningShown, &sess.Overtime, &sess.Notes, &sess.EndedAt,
		&sess.LastUpdated, &sess.DeviceID, &sess.IdempotencyKey,
	)
	if err != nil {
		return nil, err
	}

	sess.Status = models.SessionStatus(status)

	return &sess, nil
}
