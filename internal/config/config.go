// Package config defines the top-level configuration for the market-data feed
// and provides validation helpers.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/alanyoungcy/algofeed/internal/domain"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by ALGOFEED_* environment variables.
type Config struct {
	AlgoLab     AlgoLabConfig     `toml:"algolab"`
	WebSocket   WebSocketConfig   `toml:"websocket"`
	Cache       CacheConfig       `toml:"cache"`
	Persistence PersistenceConfig `toml:"persistence"`
	Postgres    PostgresConfig    `toml:"postgres"`
	Redis       RedisConfig       `toml:"redis"`
	S3          S3Config          `toml:"s3"`
	Kafka       KafkaConfig       `toml:"kafka"`
	NATS        NATSConfig        `toml:"nats"`
	Server      ServerConfig      `toml:"server"`
	Notify      NotifyConfig      `toml:"notify"`
	Log         LogConfig         `toml:"log"`
	Mode        string            `toml:"mode"`
	LogLevel    string            `toml:"log_level"`
}

// AlgoLabConfig holds the upstream venue credentials and endpoints.
type AlgoLabConfig struct {
	APIKey string `toml:"api_key"`
	// EncryptedKeyPath points at a file written by `algofeed -encrypt-secret`.
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
	Hostname         string `toml:"hostname"`
	WSURL            string `toml:"ws_url"`
	// SessionToken is the authorization hash produced by the external login
	// flow. It is never issued by this service.
	SessionToken    string   `toml:"session_token"`
	DefaultChannels []string `toml:"default_channels"`
	DefaultSymbols  []string `toml:"default_symbols"`
	// VenueTimezone is the IANA zone of upstream timestamps sent without an
	// offset.
	VenueTimezone string `toml:"venue_timezone"`
}

// VenueLocation resolves VenueTimezone, falling back to UTC when empty.
func (a AlgoLabConfig) VenueLocation() (*time.Location, error) {
	if a.VenueTimezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(a.VenueTimezone)
	if err != nil {
		return nil, fmt.Errorf("config: venue_timezone: %w", err)
	}
	return loc, nil
}

// WebSocketConfig holds heartbeat and reconnect parameters.
type WebSocketConfig struct {
	HeartbeatInterval     duration `toml:"heartbeat_interval"`
	ConnectTimeout        duration `toml:"connect_timeout"`
	ReconnectInitialDelay duration `toml:"reconnect_initial_delay"`
	ReconnectMaxDelay     duration `toml:"reconnect_max_delay"`
	ReconnectMultiplier   float64  `toml:"reconnect_multiplier"`
	// ReconnectMaxAttempts of 0 means retry forever.
	ReconnectMaxAttempts int `toml:"reconnect_max_attempts"`
	FrameBuffer          int `toml:"frame_buffer"`
}

// CacheConfig holds per-kind TTLs and history caps for the fan-out layer.
type CacheConfig struct {
	TickTTL      duration `toml:"tick_ttl"`
	DepthTTL     duration `toml:"depth_ttl"`
	OrderTTL     duration `toml:"order_ttl"`
	HistorySize  int      `toml:"history_size"`
	DedupTTL     duration `toml:"dedup_ttl"`
	QueueSize    int      `toml:"queue_size"`
	MirrorTicks  bool     `toml:"mirror_ticks"`
	MirrorDepth  bool     `toml:"mirror_depth"`
	MirrorOrders bool     `toml:"mirror_orders"`
}

// PersistenceConfig holds batching and retention parameters.
type PersistenceConfig struct {
	Enabled              bool     `toml:"enabled"`
	BatchSize            int      `toml:"batch_size"`
	DepthBatchSize       int      `toml:"depth_batch_size"`
	FlushInterval        duration `toml:"flush_interval"`
	MaxBuffer            int      `toml:"max_buffer"`
	MaxInflight          int      `toml:"max_inflight"`
	QueueSize            int      `toml:"queue_size"`
	TickRetention        duration `toml:"tick_retention"`
	DepthRetention       duration `toml:"depth_retention"`
	OrderRetention       duration `toml:"order_retention"`
	CleanupCron          string   `toml:"cleanup_cron"`
	ArchiveBeforeCleanup bool     `toml:"archive_before_cleanup"`
	ArchiveFormat        string   `toml:"archive_format"`
}

// Retention returns the configured window per persisted kind.
func (p PersistenceConfig) Retention() map[domain.EventKind]time.Duration {
	return map[domain.EventKind]time.Duration{
		domain.KindTick:        p.TickRetention.Duration,
		domain.KindDepth:       p.DepthRetention.Duration,
		domain.KindOrderStatus: p.OrderRetention.Duration,
	}
}

// PostgresConfig holds PostgreSQL / TimescaleDB connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// KafkaConfig enables the Kafka event mirror.
type KafkaConfig struct {
	Enabled     bool     `toml:"enabled"`
	Brokers     []string `toml:"brokers"`
	TopicPrefix string   `toml:"topic_prefix"`
	BatchSize   int      `toml:"batch_size"`
	BatchTime   duration `toml:"batch_timeout"`
}

// NATSConfig enables the NATS event mirror.
type NATSConfig struct {
	Enabled       bool     `toml:"enabled"`
	URL           string   `toml:"url"`
	SubjectPrefix string   `toml:"subject_prefix"`
	ClientName    string   `toml:"client_name"`
	ReconnectWait duration `toml:"reconnect_wait"`
	MaxReconnects int      `toml:"max_reconnects"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s". A "d" suffix counts days.
func (d *duration) UnmarshalText(text []byte) error {
	s := string(text)
	if days, ok := strings.CutSuffix(s, "d"); ok {
		parsed, err := time.ParseDuration(days + "h")
		if err != nil {
			return err
		}
		d.Duration = parsed * 24
		return nil
	}
	var err error
	d.Duration, err = time.ParseDuration(s)
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// APIKey guards the subscription endpoints. Empty disables auth.
	APIKey string `toml:"api_key"`
	// RateLimit is requests per minute per client IP; 0 disables it.
	RateLimit int `toml:"rate_limit_per_minute"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	// PerMinute bounds how many alerts are sent per minute.
	PerMinute int `toml:"per_minute"`
}

// LogConfig adds an optional rotating file next to stdout.
type LogConfig struct {
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxAgeDays int    `toml:"max_age_days"`
	MaxBackups int    `toml:"max_backups"`
	Compress   bool   `toml:"compress"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		AlgoLab: AlgoLabConfig{
			Hostname:        "https://www.algolab.com.tr",
			WSURL:           "wss://www.algolab.com.tr/api/ws",
			DefaultChannels: []string{"T"},
			DefaultSymbols:  []string{domain.AllSymbols},
			VenueTimezone:   "Europe/Istanbul",
		},
		WebSocket: WebSocketConfig{
			HeartbeatInterval:     duration{15 * time.Minute},
			ConnectTimeout:        duration{30 * time.Second},
			ReconnectInitialDelay: duration{time.Second},
			ReconnectMaxDelay:     duration{time.Minute},
			ReconnectMultiplier:   2.0,
			ReconnectMaxAttempts:  0,
			FrameBuffer:           4096,
		},
		Cache: CacheConfig{
			TickTTL:     duration{5 * time.Minute},
			DepthTTL:    duration{30 * time.Second},
			OrderTTL:    duration{10 * time.Minute},
			HistorySize: 100,
			DedupTTL:    duration{time.Minute},
			QueueSize:   8192,
			MirrorTicks: true,
			MirrorDepth: true,
		},
		Persistence: PersistenceConfig{
			Enabled:              true,
			BatchSize:            1000,
			DepthBatchSize:       100,
			FlushInterval:        duration{5 * time.Second},
			MaxBuffer:            10000,
			MaxInflight:          4,
			QueueSize:            16384,
			TickRetention:        duration{30 * 24 * time.Hour},
			DepthRetention:       duration{7 * 24 * time.Hour},
			OrderRetention:       duration{90 * 24 * time.Hour},
			CleanupCron:          "0 3 * * *",
			ArchiveBeforeCleanup: true,
			ArchiveFormat:        "jsonl",
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "marketdata",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "algofeed-archive",
			ForcePathStyle: true,
		},
		Kafka: KafkaConfig{
			Brokers:     []string{"localhost:9092"},
			TopicPrefix: "algofeed",
			BatchSize:   100,
			BatchTime:   duration{50 * time.Millisecond},
		},
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			SubjectPrefix: "algofeed",
			ClientName:    "algofeed",
			ReconnectWait: duration{2 * time.Second},
			MaxReconnects: -1,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000"},
			RateLimit:   600,
		},
		Notify: NotifyConfig{
			Events:    []string{"feed_down", "feed_up", "retention", "error"},
			PerMinute: 10,
		},
		Log: LogConfig{
			MaxSizeMB:  100,
			MaxAgeDays: 7,
			MaxBackups: 5,
			Compress:   true,
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"full":    true,
	"ingest":  true,
	"serve":   true,
	"cleanup": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validArchiveFormats = map[string]bool{
	"jsonl":   true,
	"parquet": true,
}

// NeedsFeed reports whether the mode runs the upstream connection.
func (c *Config) NeedsFeed() bool {
	m := strings.ToLower(c.Mode)
	return m == "full" || m == "ingest"
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: full, ingest, serve, cleanup)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// AlgoLab
	if c.NeedsFeed() {
		if c.AlgoLab.APIKey == "" && c.AlgoLab.EncryptedKeyPath == "" {
			errs = append(errs, "algolab: api_key or encrypted_key_path is required for mode "+c.Mode)
		}
		if c.AlgoLab.EncryptedKeyPath != "" && c.AlgoLab.KeyPassword == "" {
			errs = append(errs, "algolab: key_password is required when encrypted_key_path is set")
		}
		if c.AlgoLab.SessionToken == "" {
			errs = append(errs, "algolab: session_token is required for mode "+c.Mode)
		}
	}
	if u, err := url.Parse(c.AlgoLab.Hostname); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Sprintf("algolab: hostname must be an absolute URL, got %q", c.AlgoLab.Hostname))
	}
	if u, err := url.Parse(c.AlgoLab.WSURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		errs = append(errs, fmt.Sprintf("algolab: ws_url must use ws:// or wss://, got %q", c.AlgoLab.WSURL))
	}
	if _, err := c.AlgoLab.VenueLocation(); err != nil {
		errs = append(errs, fmt.Sprintf("algolab: unknown venue_timezone %q", c.AlgoLab.VenueTimezone))
	}
	for _, ch := range c.AlgoLab.DefaultChannels {
		if _, ok := domain.ParseChannel(ch); !ok {
			errs = append(errs, fmt.Sprintf("algolab: unknown default channel %q (valid: T, D, O)", ch))
		}
	}

	// WebSocket
	ws := c.WebSocket
	if ws.HeartbeatInterval.Duration <= 0 {
		errs = append(errs, "websocket: heartbeat_interval must be > 0")
	}
	if ws.ConnectTimeout.Duration <= 0 {
		errs = append(errs, "websocket: connect_timeout must be > 0")
	}
	if ws.ReconnectInitialDelay.Duration <= 0 {
		errs = append(errs, "websocket: reconnect_initial_delay must be > 0")
	}
	if ws.ReconnectMaxDelay.Duration < ws.ReconnectInitialDelay.Duration {
		errs = append(errs, "websocket: reconnect_max_delay must be >= reconnect_initial_delay")
	}
	if ws.ReconnectMultiplier < 1 {
		errs = append(errs, "websocket: reconnect_multiplier must be >= 1")
	}
	if ws.ReconnectMaxAttempts < 0 {
		errs = append(errs, "websocket: reconnect_max_attempts must be >= 0 (0 = unlimited)")
	}
	if ws.FrameBuffer < 1 {
		errs = append(errs, "websocket: frame_buffer must be >= 1")
	}

	// Cache
	if c.Cache.TickTTL.Duration <= 0 || c.Cache.DepthTTL.Duration <= 0 || c.Cache.OrderTTL.Duration <= 0 {
		errs = append(errs, "cache: tick_ttl, depth_ttl and order_ttl must be > 0")
	}
	if c.Cache.HistorySize < 1 {
		errs = append(errs, "cache: history_size must be >= 1")
	}
	if c.Cache.QueueSize < 1 {
		errs = append(errs, "cache: queue_size must be >= 1")
	}

	// Persistence
	p := c.Persistence
	if p.BatchSize < 1 || p.DepthBatchSize < 1 {
		errs = append(errs, "persistence: batch_size and depth_batch_size must be >= 1")
	}
	if p.MaxBuffer < p.BatchSize {
		errs = append(errs, "persistence: max_buffer must be >= batch_size")
	}
	if p.FlushInterval.Duration <= 0 {
		errs = append(errs, "persistence: flush_interval must be > 0")
	}
	if p.MaxInflight < 1 {
		errs = append(errs, "persistence: max_inflight must be >= 1")
	}
	if p.QueueSize < 1 {
		errs = append(errs, "persistence: queue_size must be >= 1")
	}
	for kind, window := range p.Retention() {
		if window <= 0 {
			errs = append(errs, fmt.Sprintf("persistence: %s retention must be > 0", kind))
		}
	}
	if p.CleanupCron != "" && len(strings.Fields(p.CleanupCron)) != 5 {
		errs = append(errs, fmt.Sprintf("persistence: cleanup_cron must have 5 fields, got %q", p.CleanupCron))
	}
	if !validArchiveFormats[strings.ToLower(p.ArchiveFormat)] {
		errs = append(errs, fmt.Sprintf("persistence: unknown archive_format %q (valid: jsonl, parquet)", p.ArchiveFormat))
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
	}

	// Mirrors
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, "kafka: brokers must not be empty when enabled")
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		errs = append(errs, "nats: url must not be empty when enabled")
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit_per_minute must be >= 0")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
