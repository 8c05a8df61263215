package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mdevq/timesync/internal/dbconfig"
	"github.com/mdevq/timesync/internal/feed"
	"github.com/mdevq/timesync/internal/gateway"
	"github.com/mdevq/timesync/internal/models"
	"github.com/mdevq/timesync/internal/session"
	"github.com/mdevq/timesync/internal/store"
	boltstore "github.com/mdevq/timesync/internal/store/bolt"
	pgstore "github.com/mdevq/timesync/internal/store/postgres"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	config, err := loadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := clockwork.NewRealClock()

	sessionStore, cleanup, err := openStore(ctx, config)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open session store")
	}
	defer cleanup()

	// Connect to NATS for the cross-device change feed
	natsCfg := feed.DefaultNATSConfig()
	natsCfg.URL = config.NATSURL
	natsFeed, err := feed.ConnectNATS(natsCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to NATS")
	}
	defer natsFeed.Close()

	log.Info().
		Str("store", config.Store.Backend).
		Str("nats_url", config.NATSURL).
		Str("port", config.HTTPPort).
		Msg("starting timesyncd")

	// WebSocket gateway
	connManager := gateway.NewConnectionManager(gateway.DefaultConnectionConfig())
	go connManager.Start(ctx)

	// Per-user engines
	base := session.Config{
		TickInterval:    config.Sync.TickInterval,
		DefaultStrategy: models.ResolutionStrategy(config.Sync.DefaultStrategy),
		MaxDrift:        config.Sync.MaxDrift,
		OptimisticTTL:   config.Sync.OptimisticTTL,
	}
	manager := session.NewManager(base, session.Deps{
		Clock:     clock,
		Store:     sessionStore,
		Publisher: natsFeed,
		Source:    natsFeed,
		Auth:      session.AllowAll(),
		Notifier:  gateway.NewNotifier(connManager),
	})

	manager.OnCreate = func(userID string, eng *session.Engine) {
		b := gateway.NewBroadcaster(connManager, clock, eng, userID, config.Sync.TickInterval)
		go b.Run(ctx)
	}

	// HTTP surface: REST timer API, WebSocket upgrade, health
	mux := http.NewServeMux()

	api := &apiHandler{manager: manager}
	api.registerRoutes(mux)

	wsHandler := gateway.NewWebSocketHandler(connManager)
	wsHandler.RegisterRoutes(mux)

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
			http.MethodPut,
			http.MethodPatch,
			http.MethodDelete,
		},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"*"},
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", config.HTTPPort),
		Handler:      c.Handler(mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	cancel()
	manager.Close()

	log.Info().Msg("timesyncd shutdown complete")
}

// openStore builds the configured session store. The cleanup func closes the
// underlying pool or file handle.
func openStore(ctx context.Context, config *Config) (store.SessionStore, func(), error) {
	switch config.Store.Backend {
	case "postgres":
		dbCfg := dbconfig.NewConfigFromEnv()
		pool, err := pgxpool.New(ctx, dbCfg.DSN())
		if err != nil {
			return nil, nil, fmt.Errorf("create pgx pool: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("ping database: %w", err)
		}

		s := pgstore.New(pool)
		if err := s.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("ensure schema: %w", err)
		}
		return s, pool.Close, nil

	case "bolt":
		s, err := boltstore.Open(config.Store.BoltPath)
		if err != nil {
			return nil, nil, fmt.Errorf("open bolt store: %w", err)
		}
		return s, func() {
			if err := s.Close(); err != nil {
				log.Error().Err(err).Msg("failed to close bolt store")
			}
		}, nil

	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", config.Store.Backend)
	}
}
