// Package kafka mirrors market events to Kafka topics, one topic per kind,
// keyed by symbol so a symbol's events stay ordered within a partition.
package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/alanyoungcy/algofeed/internal/domain"
)

// Config holds the writer parameters.
type Config struct {
	Brokers      []string
	TopicPrefix  string
	BatchSize    int
	BatchTimeout time.Duration
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Sink implements domain.EventSink. Writes are asynchronous; delivery
// failures surface through onError.
type Sink struct {
	prefix string
	writer messageWriter
	logger *slog.Logger
}

// New creates a Sink. onError is called from the writer's goroutine for
// every failed batch and may be nil.
func New(cfg Config, logger *slog.Logger, onError func(error)) *Sink {
	logger = logger.With(slog.String("component", "kafka_sink"))
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchSize:              cfg.BatchSize,
		BatchTimeout:           cfg.BatchTimeout,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		Async:                  true,
		Completion: func(msgs []kafka.Message, err error) {
			if err == nil {
				return
			}
			logger.Warn("kafka batch failed",
				slog.Int("messages", len(msgs)),
				slog.String("error", err.Error()),
			)
			if onError != nil {
				onError(err)
			}
		},
	}
	logger.Info("kafka sink configured",
		slog.Any("brokers", cfg.Brokers),
		slog.String("topic_prefix", cfg.TopicPrefix),
	)
	return newSink(cfg.TopicPrefix, w, logger)
}

func newSink(prefix string, w messageWriter, logger *slog.Logger) *Sink {
	return &Sink{prefix: prefix, writer: w, logger: logger}
}

// Topic returns the topic for kind: "{prefix}.ticks", "{prefix}.depth" or
// "{prefix}.orders".
func (s *Sink) Topic(kind domain.EventKind) string {
	switch kind {
	case domain.KindTick:
		return s.prefix + ".ticks"
	case domain.KindDepth:
		return s.prefix + ".depth"
	case domain.KindOrderStatus:
		return s.prefix + ".orders"
	}
	return s.prefix + "." + string(kind)
}

func (s *Sink) Name() string { return "kafka" }

// Publish enqueues payload on the kind's topic.
func (s *Sink) Publish(ctx context.Context, ev domain.MarketEvent, payload []byte) error {
	msg := kafka.Message{
		Topic: s.Topic(ev.Kind()),
		Key:   []byte(ev.EventSymbol()),
		Value: payload,
		Time:  ev.EventTime(),
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(ev.Kind())},
		},
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka: write %s: %w", msg.Topic, err)
	}
	return nil
}

// Close flushes pending batches and closes the writer.
func (s *Sink) Close() error {
	if err := s.writer.Close(); err != nil {
		return fmt.Errorf("kafka: close: %w", err)
	}
	return nil
}

var _ domain.EventSink = (*Sink)(nil)
