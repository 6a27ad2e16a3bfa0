// Package feed bridges backend activity events from NATS into the realtime
// hub. Each configured subject carries JSON events that are fanned out to
// every connected client.
package feed

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/taskstream/gateway/internal/codec"
	"github.com/taskstream/gateway/internal/metrics"
)

// Broadcaster is the hub-facing side of the bridge.
type Broadcaster interface {
	Broadcast(payload any, opts codec.Options) error
}

// Config holds the NATS connection and subscription parameters.
type Config struct {
	URL           string
	Subjects      []string
	ClientName    string
	MaxReconnects int
	ReconnectWait time.Duration
}

// Feed consumes activity events and forwards them to the broadcaster.
type Feed struct {
	conn   *nats.Conn
	subs   []*nats.Subscription
	sink   Broadcaster
	logger zerolog.Logger
}

// Connect dials NATS and subscribes to every configured subject. The client
// reconnects on its own; connectivity state is exported as a gauge.
func Connect(cfg Config, sink Broadcaster, logger zerolog.Logger) (*Feed, error) {
	if cfg.URL == "" {
		return nil, errors.New("feed: NATS URL is required")
	}
	if len(cfg.Subjects) == 0 {
		return nil, errors.New("feed: at least one subject is required")
	}
	if cfg.ClientName == "" {
		cfg.ClientName = "taskstream-gateway"
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = -1
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}

	f := &Feed{
		sink:   sink,
		logger: logger.With().Str("component", "feed").Logger(),
	}

	opts := []nats.Option{
		nats.Name(cfg.ClientName),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			metrics.FeedConnected.Set(0)
			f.logger.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			metrics.FeedConnected.Set(1)
			f.logger.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			f.logger.Error().Err(err).Str("subject", subject).Msg("nats async error")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("feed: connect to NATS: %w", err)
	}
	f.conn = conn
	metrics.FeedConnected.Set(1)
	f.logger.Info().Str("url", conn.ConnectedUrl()).Msg("connected to NATS")

	for _, subject := range cfg.Subjects {
		sub, err := conn.Subscribe(subject, f.handleMessage)
		if err != nil {
			f.Stop()
			return nil, fmt.Errorf("feed: subscribe %q: %w", subject, err)
		}
		f.subs = append(f.subs, sub)
		f.logger.Info().Str("subject", subject).Msg("subscribed")
	}

	return f, nil
}

func (f *Feed) handleMessage(msg *nats.Msg) {
	eventType, err := validateEvent(msg.Data)
	if err != nil {
		metrics.FeedMessages.WithLabelValues("invalid").Inc()
		f.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping malformed feed event")
		return
	}

	if err := f.sink.Broadcast(json.RawMessage(msg.Data), codec.Options{}); err != nil {
		metrics.FeedMessages.WithLabelValues("failed").Inc()
		f.logger.Warn().Err(err).Str("type", eventType).Msg("broadcast failed")
		return
	}
	metrics.FeedMessages.WithLabelValues("forwarded").Inc()
}

// validateEvent checks that the payload is a JSON object with a non-empty
// string "type" field, the minimum contract for client-side dispatch.
func validateEvent(data []byte) (string, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return "", fmt.Errorf("invalid JSON: %w", err)
	}
	if head.Type == "" {
		return "", errors.New("missing type field")
	}
	return head.Type, nil
}

// Stop drains the subscriptions and closes the connection.
func (f *Feed) Stop() {
	for _, sub := range f.subs {
		sub.Unsubscribe()
	}
	if f.conn != nil {
		if err := f.conn.Drain(); err != nil {
			f.conn.Close()
		}
	}
	metrics.FeedConnected.Set(0)
	f.logger.Info().Msg("feed stopped")
}
