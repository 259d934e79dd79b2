// Package nats mirrors market events to NATS subjects
// "{prefix}.{kind}.{symbol}".
package nats

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/alanyoungcy/algofeed/internal/domain"
)

// Config holds the connection parameters.
type Config struct {
	URL           string
	SubjectPrefix string
	ClientName    string
	Timeout       time.Duration
	ReconnectWait time.Duration
	// MaxReconnects of -1 retries forever.
	MaxReconnects int
}

type publisher interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// Sink implements domain.EventSink over a core NATS connection.
type Sink struct {
	prefix string
	conn   publisher
	logger *slog.Logger
}

// Connect dials NATS. The client library reconnects on its own; the
// handlers only log.
func Connect(cfg Config, logger *slog.Logger) (*Sink, error) {
	logger = logger.With(slog.String("component", "nats_sink"))
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.ClientName),
		nats.Timeout(timeout),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.RetryOnFailedConnect(true),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.Info("nats connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats: connect %s: %w", cfg.URL, err)
	}
	return newSink(cfg.SubjectPrefix, nc, logger), nil
}

func newSink(prefix string, conn publisher, logger *slog.Logger) *Sink {
	return &Sink{prefix: prefix, conn: conn, logger: logger}
}

// subjectToken replaces characters NATS reserves in subject tokens.
var subjectToken = strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_")

// Subject returns the subject for one symbol's events.
func (s *Sink) Subject(kind domain.EventKind, symbol string) string {
	return s.prefix + "." + string(kind) + "." + subjectToken.Replace(symbol)
}

func (s *Sink) Name() string { return "nats" }

// Publish sends payload on the event's subject. ctx is unused; core NATS
// publishes are buffered by the client.
func (s *Sink) Publish(_ context.Context, ev domain.MarketEvent, payload []byte) error {
	subject := s.Subject(ev.Kind(), ev.EventSymbol())
	if err := s.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("nats: publish %s: %w", subject, err)
	}
	return nil
}

// Close drains pending messages and closes the connection.
func (s *Sink) Close() error {
	if err := s.conn.Drain(); err != nil {
		return fmt.Errorf("nats: drain: %w", err)
	}
	return nil
}

var _ domain.EventSink = (*Sink)(nil)
