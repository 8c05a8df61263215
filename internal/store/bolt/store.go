// Package bolt implements the session store on a local bbolt file. It backs
// offline-first operation: a device keeps mutating its local store while
// disconnected and reconciles once the change stream comes back.
package bolt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	bbolt "go.etcd.io/bbolt"

	"github.com/mdevq/timesync/internal/models"
	"github.com/mdevq/timesync/internal/store"
)

var sessionsBucket = []byte("sessions")

// Store is a bbolt-backed session store.
type Store struct {
	db *bbolt.DB
}

// Open opens (or creates) the database file and ensures buckets exist.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open session db %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sessionsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create sessions bucket: %w", err)
	}

	return &Store{db: db}, nil
}

// Close ends the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func sessionKeyBytes(key models.SessionKey) []byte {
	return []byte(key.UserID + "\x00" + key.ProjectID + "\x00" + key.TaskID)
}

func userPrefix(userID string) []byte {
	return []byte(userID + "\x00")
}

func (s *Store) Create(_ context.Context, sess *models.TimerSession) error {
	value, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", sess.Key, err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(sessionsBucket)

		if sess.Status.IsActive() {
			active, err := activeForUser(b, sess.Key.UserID)
			if err != nil {
				return err
			}
			if active != nil && active.Key != sess.Key {
				return store.ErrActiveSessionExists
			}
		}

		return b.Put(sessionKeyBytes(sess.Key), value)
	})
}

func (s *Store) Update(_ context.Context, sess *models.TimerSession) error {
	value, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", sess.Key, err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(sessionsBucket)
		key := sessionKeyBytes(sess.Key)

		// Last-writer-wins: keep the stored version when it is newer.
		if existing := b.Get(key); existing != nil {
			var cur models.TimerSession
			if err := json.Unmarshal(existing, &cur); err == nil &&
				cur.LastUpdated.After(sess.LastUpdated) {
				return nil
			}
		}

		return b.Put(key, value)
	})
}

func (s *Store) Delete(_ context.Context, key models.SessionKey) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(sessionsBucket).Delete(sessionKeyBytes(key))
	})
}

func (s *Store) Get(_ context.Context, key models.SessionKey) (*models.TimerSession, error) {
	var sess *models.TimerSession

	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(sessionsBucket).Get(sessionKeyBytes(key))
		if raw == nil {
			return store.ErrNotFound
		}

		sess = &models.TimerSession{}
		return json.Unmarshal(raw, sess)
	})
	if err != nil {
		return nil, err
	}

	return sess, nil
}

func (s *Store) QueryActiveForUser(_ context.Context, userID string) (*models.TimerSession, error) {
	var active *models.TimerSession

	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		active, err = activeForUser(tx.Bucket(sessionsBucket), userID)
		return err
	})
	if err != nil {
		return nil, err
	}

	return active, nil
}

func activeForUser(b *bbolt.Bucket, userID string) (*models.TimerSession, error) {
	c := b.Cursor()
	prefix := userPrefix(userID)

	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		var sess models.TimerSession
		if err := json.Unmarshal(v, &sess); err != nil {
			return nil, fmt.Errorf("decode session %s: %w", k, err)
		}
		if sess.Status.IsActive() {
			return &sess, nil
		}
	}

	return nil, nil
}
