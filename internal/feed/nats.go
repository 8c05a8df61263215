package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/mdevq/timesync/internal/models"
)

// NATSConfig holds connection settings for the NATS-backed feed.
type NATSConfig struct {
	URL           string
	SubjectPrefix string
	MaxReconnects int
	ReconnectWait time.Duration

	// OnDisconnect/OnReconnect let the host surface transport connectivity,
	// e.g. into the sync status tracker. Either may be nil.
	OnDisconnect func(err error)
	OnReconnect  func()
}

// DefaultNATSConfig returns the default feed configuration.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		SubjectPrefix: "timesync.sessions",
		MaxReconnects: -1, // infinite
		ReconnectWait: 2 * time.Second,
	}
}

// NATSFeed implements Publisher and Source over a NATS connection.
type NATSFeed struct {
	nc     *nats.Conn
	config NATSConfig
}

// ConnectNATS establishes the connection with reconnect handling.
func ConnectNATS(config NATSConfig) (*NATSFeed, error) {
	opts := []nats.Option{
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
			if config.OnDisconnect != nil {
				config.OnDisconnect(err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
			if config.OnReconnect != nil {
				config.OnReconnect()
			}
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	return &NATSFeed{nc: nc, config: config}, nil
}

// Close drains and closes the connection.
func (f *NATSFeed) Close() {
	if f.nc != nil {
		f.nc.Close()
	}
}

func (f *NATSFeed) subject(userID string) string {
	return f.config.SubjectPrefix + "." + userID
}

// Publish sends one change event on the user's subject.
func (f *NATSFeed) Publish(_ context.Context, ev models.ChangeEvent) error {
	if ev.Session == nil {
		return fmt.Errorf("publish change event %s: missing session", ev.EventID)
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal change event: %w", err)
	}

	if err := f.nc.Publish(f.subject(ev.Session.Key.UserID), data); err != nil {
		return fmt.Errorf("publish change event: %w", err)
	}

	return nil
}

// Subscribe opens the per-user stream.
func (f *NATSFeed) Subscribe(ctx context.Context, userID string) (Subscription, error) {
	msgCh := make(chan *nats.Msg, 64)

	sub, err := f.nc.ChanSubscribe(f.subject(userID), msgCh)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", f.subject(userID), err)
	}

	s := &natsSubscription{
		sub:    sub,
		msgCh:  msgCh,
		events: make(chan models.ChangeEvent, 64),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
	}
	go s.pump(ctx)

	return s, nil
}

type natsSubscription struct {
	sub    *nats.Subscription
	msgCh  chan *nats.Msg
	events chan models.ChangeEvent
	errs   chan error
	done   chan struct{}
}

func (s *natsSubscription) Events() <-chan models.ChangeEvent { return s.events }
func (s *natsSubscription) Errors() <-chan error              { return s.errs }

func (s *natsSubscription) Close() error {
	select {
	case <-s.done:
		return nil
	default:
	}

	close(s.done)
	return s.sub.Unsubscribe()
}

func (s *natsSubscription) pump(ctx context.Context) {
	defer close(s.events)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case msg, ok := <-s.msgCh:
			if !ok {
				return
			}

			var ev models.ChangeEvent
			if err := json.Unmarshal(msg.Data, &ev); err != nil {
				// A malformed payload is a producer bug, not a stream
				// failure; skip it rather than tearing the stream down.
				log.Error().Err(err).Str("subject", msg.Subject).Msg("malformed change event")
				continue
			}

			select {
			case s.events <- ev:
			case <-ctx.Done():
				return
			case <-s.done:
				return
			}
		}
	}
}
