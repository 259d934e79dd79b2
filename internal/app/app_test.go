package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/algofeed/internal/config"
	"github.com/alanyoungcy/algofeed/internal/domain"
	"github.com/alanyoungcy/algofeed/internal/metrics"
	"github.com/alanyoungcy/algofeed/internal/server/handler"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestSeedRegistry(t *testing.T) {
	reg := SeedRegistry(config.AlgoLabConfig{
		DefaultChannels: []string{"T", "d", "X"},
		DefaultSymbols:  []string{"garan", " THYAO "},
	})

	assert.Equal(t, []domain.Subscription{
		{Channel: domain.ChannelDepth, Symbol: "GARAN"},
		{Channel: domain.ChannelDepth, Symbol: "THYAO"},
		{Channel: domain.ChannelTick, Symbol: "GARAN"},
		{Channel: domain.ChannelTick, Symbol: "THYAO"},
	}, reg.List())
}

func TestSeedRegistryDefaultsToAll(t *testing.T) {
	cfg := config.Defaults()
	reg := SeedRegistry(cfg.AlgoLab)
	assert.True(t, reg.Has(domain.ChannelTick, domain.AllSymbols))
	assert.Equal(t, 1, reg.Len())
}

func TestClientConfig(t *testing.T) {
	cfg := config.Defaults()
	cc := clientConfig(&cfg, "key")

	assert.Equal(t, "key", cc.APIKey)
	assert.Equal(t, cfg.AlgoLab.WSURL, cc.URL)
	assert.Equal(t, 15*time.Minute, cc.HeartbeatInterval)
	assert.Equal(t, time.Second, cc.Backoff.Initial)
	assert.Equal(t, time.Minute, cc.Backoff.Max)
	assert.Equal(t, 2.0, cc.Backoff.Multiplier)
	assert.Zero(t, cc.Backoff.MaxAttempts)
	assert.Equal(t, 4096, cc.FrameBuffer)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warn"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestNewLoggerWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "algofeed.log")
	logger, closeFn := NewLogger("info", config.LogConfig{File: path, MaxSizeMB: 1})
	logger.Debug("hidden")
	logger.Info("visible", slog.String("component", "test"))
	closeFn()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"visible"`)
	assert.NotContains(t, string(data), "hidden")
}

func TestNeedsDependencies(t *testing.T) {
	cfg := config.Defaults()
	assert.True(t, needsPostgres(&cfg))
	assert.False(t, needsS3(&cfg))

	cfg.S3.Enabled = true
	assert.True(t, needsS3(&cfg))
	cfg.Mode = "ingest"
	assert.False(t, needsS3(&cfg))

	cfg.Persistence.Enabled = false
	assert.False(t, needsPostgres(&cfg))
	cfg.Mode = "cleanup"
	assert.True(t, needsPostgres(&cfg))
}

func TestBuildHandlersWithoutFeed(t *testing.T) {
	deps := &Dependencies{
		Counts: metrics.NewMemory(),
		Checks: map[string]handler.Check{"redis": func(context.Context) error { return nil }},
	}
	h := buildHandlers("serve", deps, serverParts{}, discard())

	assert.Nil(t, h.Audit)
	assert.Nil(t, h.Retention)

	rec := httptest.NewRecorder()
	h.Subscriptions.List(rec, httptest.NewRequest(http.MethodGet, "/api/subscriptions", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	h.Health.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "algolab")
}

func TestCleanupModeNeedsPostgres(t *testing.T) {
	cfg := config.Defaults()
	cfg.Mode = "cleanup"
	a := New(&cfg, "", discard())
	err := a.CleanupMode(context.Background(), &Dependencies{})
	assert.ErrorContains(t, err, "postgres")
}
