package session

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// AuthorizerFunc adapts a function to the Authorizer interface.
type AuthorizerFunc func(ctx context.Context, userID, projectID, taskID string) (bool, error)

func (f AuthorizerFunc) CanStartTimer(ctx context.Context, userID, projectID, taskID string) (bool, error) {
	return f(ctx, userID, projectID, taskID)
}

// AllowAll authorizes every start request. Hosts with a task-assignment
// backend supply their own Authorizer instead.
func AllowAll() Authorizer {
	return AuthorizerFunc(func(ctx context.Context, userID, projectID, taskID string) (bool, error) {
		return true, nil
	})
}

// Manager owns one engine per user, created on demand. Every engine gets its
// own listener goroutine; OnCreate lets the host attach observers before the
// engine starts consuming.
type Manager struct {
	base     Config
	deps     Deps
	OnCreate func(userID string, eng *Engine)

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	engines map[string]*Engine
	wg      sync.WaitGroup
}

// NewManager creates a manager templating engines from base and deps. The
// base config's UserID and DeviceID are ignored; each engine gets the
// requesting user and a fresh device ID.
func NewManager(base Config, deps Deps) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		base:    base,
		deps:    deps,
		ctx:     ctx,
		cancel:  cancel,
		engines: make(map[string]*Engine),
	}
}

// Engine returns the user's engine, creating and starting it on first use.
func (m *Manager) Engine(userID string) *Engine {
	m.mu.Lock()
	defer m.mu.Unlock()

	if eng, ok := m.engines[userID]; ok {
		return eng
	}

	cfg := DefaultConfig(userID)
	cfg.TickInterval = m.base.TickInterval
	cfg.DefaultStrategy = m.base.DefaultStrategy
	cfg.MaxDrift = m.base.MaxDrift
	cfg.OptimisticTTL = m.base.OptimisticTTL
	cfg.Timer = m.base.Timer
	cfg.Listener = m.base.Listener

	deps := m.deps
	deps.Status = nil // each engine tracks its own sync status
	eng := NewEngine(cfg, deps)
	m.engines[userID] = eng

	if m.OnCreate != nil {
		m.OnCreate(userID, eng)
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := eng.Run(m.ctx); err != nil && m.ctx.Err() == nil {
			log.Error().Err(err).Str("user_id", userID).Msg("engine listener exited")
		}
	}()

	log.Info().Str("user_id", userID).Msg("engine created")
	return eng
}

// Close stops every engine listener and waits for them to exit.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}
