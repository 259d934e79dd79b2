package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	s3blob "github.com/alanyoungcy/algofeed/internal/blob/s3"
	"github.com/alanyoungcy/algofeed/internal/cache/redis"
	"github.com/alanyoungcy/algofeed/internal/config"
	"github.com/alanyoungcy/algofeed/internal/domain"
	"github.com/alanyoungcy/algofeed/internal/metrics"
	"github.com/alanyoungcy/algofeed/internal/notify"
	"github.com/alanyoungcy/algofeed/internal/server/handler"
	"github.com/alanyoungcy/algofeed/internal/store/postgres"
	"github.com/alanyoungcy/algofeed/internal/stream/kafka"
	"github.com/alanyoungcy/algofeed/internal/stream/nats"
)

// Dependencies bundles every infrastructure dependency the modes need. It
// is constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Stores (nil when the mode runs without Postgres)
	TickStore  domain.TickStore
	DepthStore domain.DepthStore
	OrderStore domain.OrderStatusStore
	AuditStore domain.AuditStore

	// Caches
	EventCache  domain.EventCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Blob storage (nil unless s3.enabled)
	BlobWriter domain.BlobWriter
	Archiver   domain.Archiver

	// Stream mirrors, closed by the fan-out service that owns them.
	Sinks []domain.EventSink

	Notifier *notify.Notifier

	// Metrics: Recorder fans out to Prometheus and Counts.
	Recorder metrics.Recorder
	Counts   *metrics.Memory
	Metrics  http.Handler

	// Health probes keyed by dependency name.
	Checks map[string]handler.Check
}

// needsPostgres reports whether mode reads or writes the database.
func needsPostgres(cfg *config.Config) bool {
	return cfg.Mode == "cleanup" || cfg.Persistence.Enabled
}

// needsS3 reports whether mode archives to object storage.
func needsS3(cfg *config.Config) bool {
	if !cfg.S3.Enabled || !cfg.Persistence.ArchiveBeforeCleanup {
		return false
	}
	return cfg.Mode == "full" || cfg.Mode == "cleanup"
}

// Wire constructs all concrete dependency implementations from cfg and
// returns them together with a cleanup function that releases them in
// reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{Checks: make(map[string]handler.Check)}

	// --- Metrics ---
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	deps.Counts = metrics.NewMemory()
	deps.Recorder = metrics.Multi{metrics.NewProm(reg), deps.Counts}
	deps.Metrics = promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})

	// --- PostgreSQL ---
	if needsPostgres(cfg) {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			applied, err := pgClient.RunMigrations(ctx)
			if err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
			if len(applied) > 0 {
				logger.Info("applied migrations", slog.Any("files", applied))
			}
		}

		pool := pgClient.Pool()
		deps.TickStore = postgres.NewTickStore(pool)
		deps.DepthStore = postgres.NewDepthStore(pool)
		deps.OrderStore = postgres.NewOrderStatusStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
		deps.Checks["postgres"] = pgClient.Ping
	}

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.EventCache = redis.NewEventCache(redisClient, cfg.Cache.TickTTL.Duration)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient)
	deps.Checks["redis"] = redisClient.Ping

	// --- S3 blob storage ---
	if needsS3(cfg) && deps.TickStore != nil {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.Archiver = s3blob.NewArchiver(
			s3blob.ArchiverConfig{Format: s3blob.ParseFormat(cfg.Persistence.ArchiveFormat)},
			deps.BlobWriter,
			deps.TickStore,
			deps.DepthStore,
			deps.OrderStore,
			logger,
		)
		deps.Checks["s3"] = s3Client.Health
	}

	// --- Stream mirrors (ingesting modes only) ---
	if cfg.NeedsFeed() {
		if cfg.Kafka.Enabled {
			sink := kafka.New(kafka.Config{
				Brokers:      cfg.Kafka.Brokers,
				TopicPrefix:  cfg.Kafka.TopicPrefix,
				BatchSize:    cfg.Kafka.BatchSize,
				BatchTimeout: cfg.Kafka.BatchTime.Duration,
			}, logger, func(error) { deps.Recorder.Error(metrics.CategoryBroadcast) })
			deps.Sinks = append(deps.Sinks, sink)
		}
		if cfg.NATS.Enabled {
			sink, err := nats.Connect(nats.Config{
				URL:           cfg.NATS.URL,
				SubjectPrefix: cfg.NATS.SubjectPrefix,
				ClientName:    cfg.NATS.ClientName,
				ReconnectWait: cfg.NATS.ReconnectWait.Duration,
				MaxReconnects: cfg.NATS.MaxReconnects,
			}, logger)
			if err != nil {
				for _, s := range deps.Sinks {
					_ = s.Close()
				}
				cleanup()
				return nil, nil, fmt.Errorf("wire: %w", err)
			}
			deps.Sinks = append(deps.Sinks, sink)
		}
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, cfg.Notify.PerMinute, logger)

	return deps, cleanup, nil
}
