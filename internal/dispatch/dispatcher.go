// Package dispatch decodes raw upstream frames and hands the resulting events
// to registered consumers, each through its own bounded queue.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/algofeed/internal/domain"
	"github.com/alanyoungcy/algofeed/internal/metrics"
)

// Consumer receives decoded events in frame order. Implementations must not
// block for long; a slow consumer only loses its own events.
type Consumer interface {
	Consume(ctx context.Context, ev domain.MarketEvent)
}

// ConsumerFunc adapts a function to Consumer.
type ConsumerFunc func(ctx context.Context, ev domain.MarketEvent)

func (f ConsumerFunc) Consume(ctx context.Context, ev domain.MarketEvent) { f(ctx, ev) }

// DefaultQueueSize is used when Register is given a non-positive size.
const DefaultQueueSize = 4096

var errStarted = errors.New("dispatch: dispatcher already running")

type queue struct {
	name     string
	consumer Consumer
	ch       chan domain.MarketEvent
}

// Dispatcher fans decoded events out to consumers.
type Dispatcher struct {
	logger  *slog.Logger
	metrics metrics.Recorder
	venue   *time.Location

	mu      sync.Mutex
	queues  []*queue
	started bool
}

// New creates a Dispatcher. venue is the zone of upstream timestamps that
// carry no offset; nil means UTC.
func New(logger *slog.Logger, rec metrics.Recorder, venue *time.Location) *Dispatcher {
	if rec == nil {
		rec = metrics.Nop{}
	}
	if venue == nil {
		venue = time.UTC
	}
	return &Dispatcher{
		logger:  logger.With(slog.String("component", "dispatcher")),
		metrics: rec,
		venue:   venue,
	}
}

// Register adds a consumer. It must be called before Run.
func (d *Dispatcher) Register(name string, c Consumer, queueSize int) error {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return fmt.Errorf("dispatch: register %s: %w", name, errStarted)
	}
	d.queues = append(d.queues, &queue{
		name:     name,
		consumer: c,
		ch:       make(chan domain.MarketEvent, queueSize),
	})
	return nil
}

// Run decodes frames until the channel closes or ctx is cancelled. Queued
// events are drained before Run returns.
func (d *Dispatcher) Run(ctx context.Context, frames <-chan domain.Frame) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return errStarted
	}
	d.started = true
	queues := append([]*queue(nil), d.queues...)
	d.mu.Unlock()

	// Consumers keep draining after ctx ends so nothing accepted is lost.
	drainCtx := context.WithoutCancel(ctx)
	var wg sync.WaitGroup
	for _, q := range queues {
		wg.Add(1)
		go func(q *queue) {
			defer wg.Done()
			for ev := range q.ch {
				q.consumer.Consume(drainCtx, ev)
			}
		}(q)
	}

	d.logger.Info("dispatcher started", slog.Int("consumers", len(queues)))
	defer func() {
		for _, q := range queues {
			close(q.ch)
		}
		wg.Wait()
		d.logger.Info("dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-frames:
			if !ok {
				return nil
			}
			d.dispatch(f, queues)
		}
	}
}

func (d *Dispatcher) dispatch(f domain.Frame, queues []*queue) {
	ev, err := Decode(f.Data, f.ReceivedAt, d.venue)
	if err != nil {
		d.metrics.Error(metrics.CategoryDecode)
		d.logger.Warn("dropping malformed frame",
			slog.String("error", err.Error()),
			slog.Int("bytes", len(f.Data)),
		)
		return
	}
	d.metrics.Frame(string(ev.Kind()))

	for _, q := range queues {
		select {
		case q.ch <- ev:
		default:
			d.metrics.Dropped("consumer_" + q.name)
			d.logger.Warn("consumer queue full, dropping event",
				slog.String("consumer", q.name),
				slog.String("kind", string(ev.Kind())),
				slog.String("symbol", ev.EventSymbol()),
			)
		}
	}
}
