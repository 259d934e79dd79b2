package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/algofeed/internal/domain"
)

func validConfig() Config {
	cfg := Defaults()
	cfg.AlgoLab.APIKey = "API-KEY"
	cfg.AlgoLab.SessionToken = "session-hash"
	return cfg
}

func TestDefaultsMatchVenueSettings(t *testing.T) {
	cfg := Defaults()

	assert.Equal(t, 15*time.Minute, cfg.WebSocket.HeartbeatInterval.Duration)
	assert.Equal(t, 30*time.Second, cfg.WebSocket.ConnectTimeout.Duration)
	assert.Equal(t, time.Second, cfg.WebSocket.ReconnectInitialDelay.Duration)
	assert.Equal(t, time.Minute, cfg.WebSocket.ReconnectMaxDelay.Duration)
	assert.Equal(t, 2.0, cfg.WebSocket.ReconnectMultiplier)
	assert.Zero(t, cfg.WebSocket.ReconnectMaxAttempts)
	assert.Equal(t, 1000, cfg.Persistence.BatchSize)
	assert.Equal(t, 100, cfg.Cache.HistorySize)
	assert.Equal(t, []string{"ALL"}, cfg.AlgoLab.DefaultSymbols)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{
			name:    "missing api key in ingest mode",
			mutate:  func(c *Config) { c.Mode = "ingest"; c.AlgoLab.APIKey = "" },
			wantErr: "algolab: api_key or encrypted_key_path is required",
		},
		{
			name:   "serve mode needs no credentials",
			mutate: func(c *Config) { c.Mode = "serve"; c.AlgoLab.APIKey = ""; c.AlgoLab.SessionToken = "" },
		},
		{
			name:    "zero heartbeat",
			mutate:  func(c *Config) { c.WebSocket.HeartbeatInterval.Duration = 0 },
			wantErr: "heartbeat_interval must be > 0",
		},
		{
			name:    "max delay below initial",
			mutate:  func(c *Config) { c.WebSocket.ReconnectMaxDelay.Duration = time.Millisecond },
			wantErr: "reconnect_max_delay must be >= reconnect_initial_delay",
		},
		{
			name:    "negative attempts",
			mutate:  func(c *Config) { c.WebSocket.ReconnectMaxAttempts = -1 },
			wantErr: "reconnect_max_attempts must be >= 0",
		},
		{
			name:    "bad ws scheme",
			mutate:  func(c *Config) { c.AlgoLab.WSURL = "https://example.com/ws" },
			wantErr: "ws_url must use ws:// or wss://",
		},
		{
			name:    "unknown venue timezone",
			mutate:  func(c *Config) { c.AlgoLab.VenueTimezone = "Mars/Olympus" },
			wantErr: `unknown venue_timezone "Mars/Olympus"`,
		},
		{
			name:    "unknown channel",
			mutate:  func(c *Config) { c.AlgoLab.DefaultChannels = []string{"X"} },
			wantErr: `unknown default channel "X"`,
		},
		{
			name:    "bad cron",
			mutate:  func(c *Config) { c.Persistence.CleanupCron = "0 3 *" },
			wantErr: "cleanup_cron must have 5 fields",
		},
		{
			name:    "unknown archive format",
			mutate:  func(c *Config) { c.Persistence.ArchiveFormat = "csv" },
			wantErr: "unknown archive_format",
		},
		{
			name:    "unknown mode",
			mutate:  func(c *Config) { c.Mode = "trade" },
			wantErr: `unknown mode "trade"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := validConfig()
	cfg.Cache.HistorySize = 0
	cfg.Redis.Addr = ""
	cfg.Persistence.TickRetention.Duration = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cache: history_size")
	assert.Contains(t, err.Error(), "redis: addr")
	assert.Contains(t, err.Error(), "persistence: tick retention")
}

func TestLoadMergesFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	body := `
mode = "ingest"

[algolab]
api_key = "from-file"

[websocket]
heartbeat_interval = "30s"
reconnect_max_attempts = 3

[persistence]
tick_retention = "14d"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	t.Setenv("ALGOFEED_ALGOLAB_SESSION_TOKEN", "from-env")
	t.Setenv("ALGOFEED_CACHE_HISTORY_SIZE", "250")
	t.Setenv("ALGOFEED_ALGOLAB_DEFAULT_CHANNELS", "T, D")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "ingest", cfg.Mode)
	assert.Equal(t, "from-file", cfg.AlgoLab.APIKey)
	assert.Equal(t, "from-env", cfg.AlgoLab.SessionToken)
	assert.Equal(t, 30*time.Second, cfg.WebSocket.HeartbeatInterval.Duration)
	assert.Equal(t, 3, cfg.WebSocket.ReconnectMaxAttempts)
	assert.Equal(t, 14*24*time.Hour, cfg.Persistence.TickRetention.Duration)
	assert.Equal(t, 250, cfg.Cache.HistorySize)
	assert.Equal(t, []string{"T", "D"}, cfg.AlgoLab.DefaultChannels)
	assert.Equal(t, 14*24*time.Hour, cfg.Persistence.Retention()[domain.KindTick])
	assert.NoError(t, cfg.Validate())
}

func TestRedactedConfig(t *testing.T) {
	cfg := validConfig()
	cfg.Postgres.Password = "pw"
	cfg.Notify.Events = []string{"feed_down"}

	out := RedactedConfig(&cfg)
	assert.Equal(t, "***", out.AlgoLab.APIKey)
	assert.Equal(t, "***", out.AlgoLab.SessionToken)
	assert.Equal(t, "***", out.Postgres.Password)
	assert.Empty(t, out.Redis.Password)

	out.Notify.Events[0] = "changed"
	assert.Equal(t, "feed_down", cfg.Notify.Events[0])
	assert.Equal(t, "API-KEY", cfg.AlgoLab.APIKey)
}

func TestVenueLocation(t *testing.T) {
	cfg := Defaults()
	loc, err := cfg.AlgoLab.VenueLocation()
	require.NoError(t, err)
	assert.Equal(t, "Europe/Istanbul", loc.String())

	cfg.AlgoLab.VenueTimezone = ""
	loc, err = cfg.AlgoLab.VenueLocation()
	require.NoError(t, err)
	assert.Equal(t, time.UTC, loc)
}
