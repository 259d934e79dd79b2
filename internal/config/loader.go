package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies ALGOFEED_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known ALGOFEED_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── AlgoLab ──
	setStr(&cfg.AlgoLab.APIKey, "ALGOFEED_ALGOLAB_API_KEY")
	setStr(&cfg.AlgoLab.EncryptedKeyPath, "ALGOFEED_ALGOLAB_ENCRYPTED_KEY_PATH")
	setStr(&cfg.AlgoLab.KeyPassword, "ALGOFEED_ALGOLAB_KEY_PASSWORD")
	setStr(&cfg.AlgoLab.Hostname, "ALGOFEED_ALGOLAB_HOSTNAME")
	setStr(&cfg.AlgoLab.WSURL, "ALGOFEED_ALGOLAB_WS_URL")
	setStr(&cfg.AlgoLab.SessionToken, "ALGOFEED_ALGOLAB_SESSION_TOKEN")
	setStringSlice(&cfg.AlgoLab.DefaultChannels, "ALGOFEED_ALGOLAB_DEFAULT_CHANNELS")
	setStringSlice(&cfg.AlgoLab.DefaultSymbols, "ALGOFEED_ALGOLAB_DEFAULT_SYMBOLS")
	setStr(&cfg.AlgoLab.VenueTimezone, "ALGOFEED_ALGOLAB_VENUE_TIMEZONE")

	// ── WebSocket ──
	setDuration(&cfg.WebSocket.HeartbeatInterval, "ALGOFEED_WEBSOCKET_HEARTBEAT_INTERVAL")
	setDuration(&cfg.WebSocket.ConnectTimeout, "ALGOFEED_WEBSOCKET_CONNECT_TIMEOUT")
	setDuration(&cfg.WebSocket.ReconnectInitialDelay, "ALGOFEED_WEBSOCKET_RECONNECT_INITIAL_DELAY")
	setDuration(&cfg.WebSocket.ReconnectMaxDelay, "ALGOFEED_WEBSOCKET_RECONNECT_MAX_DELAY")
	setFloat64(&cfg.WebSocket.ReconnectMultiplier, "ALGOFEED_WEBSOCKET_RECONNECT_MULTIPLIER")
	setInt(&cfg.WebSocket.ReconnectMaxAttempts, "ALGOFEED_WEBSOCKET_RECONNECT_MAX_ATTEMPTS")
	setInt(&cfg.WebSocket.FrameBuffer, "ALGOFEED_WEBSOCKET_FRAME_BUFFER")

	// ── Cache ──
	setDuration(&cfg.Cache.TickTTL, "ALGOFEED_CACHE_TICK_TTL")
	setDuration(&cfg.Cache.DepthTTL, "ALGOFEED_CACHE_DEPTH_TTL")
	setDuration(&cfg.Cache.OrderTTL, "ALGOFEED_CACHE_ORDER_TTL")
	setInt(&cfg.Cache.HistorySize, "ALGOFEED_CACHE_HISTORY_SIZE")
	setDuration(&cfg.Cache.DedupTTL, "ALGOFEED_CACHE_DEDUP_TTL")
	setInt(&cfg.Cache.QueueSize, "ALGOFEED_CACHE_QUEUE_SIZE")

	// ── Persistence ──
	setBool(&cfg.Persistence.Enabled, "ALGOFEED_PERSISTENCE_ENABLED")
	setInt(&cfg.Persistence.BatchSize, "ALGOFEED_PERSISTENCE_BATCH_SIZE")
	setInt(&cfg.Persistence.DepthBatchSize, "ALGOFEED_PERSISTENCE_DEPTH_BATCH_SIZE")
	setDuration(&cfg.Persistence.FlushInterval, "ALGOFEED_PERSISTENCE_FLUSH_INTERVAL")
	setInt(&cfg.Persistence.MaxBuffer, "ALGOFEED_PERSISTENCE_MAX_BUFFER")
	setInt(&cfg.Persistence.MaxInflight, "ALGOFEED_PERSISTENCE_MAX_INFLIGHT")
	setDuration(&cfg.Persistence.TickRetention, "ALGOFEED_PERSISTENCE_TICK_RETENTION")
	setDuration(&cfg.Persistence.DepthRetention, "ALGOFEED_PERSISTENCE_DEPTH_RETENTION")
	setDuration(&cfg.Persistence.OrderRetention, "ALGOFEED_PERSISTENCE_ORDER_RETENTION")
	setStr(&cfg.Persistence.CleanupCron, "ALGOFEED_PERSISTENCE_CLEANUP_CRON")
	setBool(&cfg.Persistence.ArchiveBeforeCleanup, "ALGOFEED_PERSISTENCE_ARCHIVE_BEFORE_CLEANUP")
	setStr(&cfg.Persistence.ArchiveFormat, "ALGOFEED_PERSISTENCE_ARCHIVE_FORMAT")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "ALGOFEED_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "ALGOFEED_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "ALGOFEED_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "ALGOFEED_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "ALGOFEED_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "ALGOFEED_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "ALGOFEED_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "ALGOFEED_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "ALGOFEED_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "ALGOFEED_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "ALGOFEED_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "ALGOFEED_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "ALGOFEED_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "ALGOFEED_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "ALGOFEED_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "ALGOFEED_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "ALGOFEED_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "ALGOFEED_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "ALGOFEED_S3_REGION")
	setStr(&cfg.S3.Bucket, "ALGOFEED_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "ALGOFEED_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "ALGOFEED_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "ALGOFEED_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "ALGOFEED_S3_FORCE_PATH_STYLE")

	// ── Kafka / NATS ──
	setBool(&cfg.Kafka.Enabled, "ALGOFEED_KAFKA_ENABLED")
	setStringSlice(&cfg.Kafka.Brokers, "ALGOFEED_KAFKA_BROKERS")
	setStr(&cfg.Kafka.TopicPrefix, "ALGOFEED_KAFKA_TOPIC_PREFIX")
	setBool(&cfg.NATS.Enabled, "ALGOFEED_NATS_ENABLED")
	setStr(&cfg.NATS.URL, "ALGOFEED_NATS_URL")
	setStr(&cfg.NATS.SubjectPrefix, "ALGOFEED_NATS_SUBJECT_PREFIX")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "ALGOFEED_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "ALGOFEED_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "ALGOFEED_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "ALGOFEED_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "ALGOFEED_SERVER_RATE_LIMIT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "ALGOFEED_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "ALGOFEED_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "ALGOFEED_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "ALGOFEED_NOTIFY_EVENTS")

	// ── Log ──
	setStr(&cfg.Log.File, "ALGOFEED_LOG_FILE")

	// ── Top-level ──
	setStr(&cfg.Mode, "ALGOFEED_MODE")
	setStr(&cfg.LogLevel, "ALGOFEED_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		var d duration
		if err := d.UnmarshalText([]byte(v)); err == nil {
			*dst = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
