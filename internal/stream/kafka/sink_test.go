package kafka

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/algofeed/internal/domain"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestPublishKeysBySymbol(t *testing.T) {
	w := &fakeWriter{}
	s := newSink("algofeed", w, slog.New(slog.NewTextHandler(io.Discard, nil)))
	at := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)

	tick := domain.Tick{Symbol: "GARAN", Price: decimal.NewFromInt(45), Time: at}
	require.NoError(t, s.Publish(context.Background(), tick, []byte(`{"symbol":"GARAN"}`)))
	require.NoError(t, s.Publish(context.Background(),
		domain.OrderStatus{OrderID: "1", Symbol: "SISE", Time: at}, []byte(`{}`)))

	require.Len(t, w.msgs, 2)
	assert.Equal(t, "algofeed.ticks", w.msgs[0].Topic)
	assert.Equal(t, []byte("GARAN"), w.msgs[0].Key)
	assert.Equal(t, at, w.msgs[0].Time)
	assert.Equal(t, "kind", w.msgs[0].Headers[0].Key)
	assert.Equal(t, "algofeed.orders", w.msgs[1].Topic)

	require.NoError(t, s.Close())
	assert.True(t, w.closed)
}

func TestPublishWrapsWriterError(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	s := newSink("md", w, slog.New(slog.NewTextHandler(io.Discard, nil)))

	err := s.Publish(context.Background(), domain.DepthSnapshot{Symbol: "AKBNK"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "md.depth")
}
