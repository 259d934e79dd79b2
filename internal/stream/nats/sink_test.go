package nats

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/algofeed/internal/domain"
)

type fakeConn struct {
	subjects []string
	err      error
	drained  bool
}

func (c *fakeConn) Publish(subject string, _ []byte) error {
	if c.err != nil {
		return c.err
	}
	c.subjects = append(c.subjects, subject)
	return nil
}

func (c *fakeConn) Drain() error {
	c.drained = true
	return nil
}

func TestSubjectPerSymbol(t *testing.T) {
	conn := &fakeConn{}
	s := newSink("algofeed", conn, slog.New(slog.NewTextHandler(io.Discard, nil)))

	require.NoError(t, s.Publish(context.Background(), domain.Tick{Symbol: "GARAN"}, []byte(`{}`)))
	require.NoError(t, s.Publish(context.Background(), domain.DepthSnapshot{Symbol: "XU.030"}, []byte(`{}`)))

	assert.Equal(t, []string{"algofeed.tick.GARAN", "algofeed.depth.XU_030"}, conn.subjects)

	require.NoError(t, s.Close())
	assert.True(t, conn.drained)
}

func TestPublishError(t *testing.T) {
	conn := &fakeConn{err: errors.New("nats: connection closed")}
	s := newSink("algofeed", conn, slog.New(slog.NewTextHandler(io.Discard, nil)))

	err := s.Publish(context.Background(), domain.Tick{Symbol: "GARAN"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "algofeed.tick.GARAN")
}
