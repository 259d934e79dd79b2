package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/alanyoungcy/algofeed/internal/config"
	"github.com/alanyoungcy/algofeed/internal/crypto"
	"github.com/alanyoungcy/algofeed/internal/dispatch"
	"github.com/alanyoungcy/algofeed/internal/domain"
	"github.com/alanyoungcy/algofeed/internal/fanout"
	"github.com/alanyoungcy/algofeed/internal/notify"
	"github.com/alanyoungcy/algofeed/internal/persist"
	"github.com/alanyoungcy/algofeed/internal/pipeline"
	"github.com/alanyoungcy/algofeed/internal/platform/algolab"
	"github.com/alanyoungcy/algofeed/internal/server"
	"github.com/alanyoungcy/algofeed/internal/server/handler"
	"github.com/alanyoungcy/algofeed/internal/server/ws"
)

// IngestMode runs the upstream client, the dispatcher, the fan-out layer and
// batched persistence.
func (a *App) IngestMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting ingest mode")

	fan := a.newFanout(deps, deps.Sinks)
	defer a.closeFanout(fan)
	writer := a.newWriter(deps)

	in, err := a.newIngest(deps, fan, writer)
	if err != nil {
		return fmt.Errorf("ingest mode: %w", err)
	}

	o := pipeline.NewOrchestrator(a.logger)
	in.addTasks(o)
	return o.Run(ctx)
}

// ServeMode runs the HTTP read API and the websocket hub over the shared
// cache. It never talks to the upstream venue.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting serve mode")

	fan := a.newFanout(deps, nil)
	o := pipeline.NewOrchestrator(a.logger)
	a.addServer(o, deps, serverParts{reader: fan})
	return o.Run(ctx)
}

// FullMode runs ingestion, the HTTP API and the retention cron in one
// process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	cron := strings.TrimSpace(a.cfg.Persistence.CleanupCron)
	if cron != "" {
		if err := pipeline.ParseCron(cron); err != nil {
			return fmt.Errorf("full mode: cleanup_cron %q: %w", cron, err)
		}
	}

	fan := a.newFanout(deps, deps.Sinks)
	defer a.closeFanout(fan)
	writer := a.newWriter(deps)

	in, err := a.newIngest(deps, fan, writer)
	if err != nil {
		return fmt.Errorf("full mode: %w", err)
	}

	o := pipeline.NewOrchestrator(a.logger)
	in.addTasks(o)

	parts := serverParts{reader: fan, feed: in.client, writer: writer}
	if writer != nil && cron != "" {
		retention := a.newRetention(deps, writer)
		o.Add("retention", func(ctx context.Context) error {
			return retention.RunCron(ctx, cron)
		})
		parts.retention = retention
	}

	if a.cfg.Server.Enabled {
		a.addServer(o, deps, parts)
	}
	return o.Run(ctx)
}

// CleanupMode runs one retention pass and exits.
func (a *App) CleanupMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting cleanup mode")

	writer := a.newWriter(deps)
	if writer == nil {
		return errors.New("cleanup mode: postgres is not configured")
	}
	report, err := a.newRetention(deps, writer).Run(ctx)
	if report.Skipped {
		a.logger.InfoContext(ctx, "cleanup skipped, another run holds the lock")
	}
	if err != nil {
		return fmt.Errorf("cleanup mode: %w", err)
	}
	return nil
}

// --------------------------------------------------------------------------
// Components
// --------------------------------------------------------------------------

func (a *App) newFanout(deps *Dependencies, sinks []domain.EventSink) *fanout.Service {
	c := a.cfg.Cache
	cfg := fanout.DefaultConfig()
	cfg.TickTTL = c.TickTTL.Duration
	cfg.DepthTTL = c.DepthTTL.Duration
	cfg.OrderTTL = c.OrderTTL.Duration
	cfg.HistorySize = c.HistorySize
	if c.DedupTTL.Duration > 0 {
		cfg.DedupTTL = c.DedupTTL.Duration
	}
	cfg.Mirror = map[domain.EventKind]bool{
		domain.KindTick:        c.MirrorTicks,
		domain.KindDepth:       c.MirrorDepth,
		domain.KindOrderStatus: c.MirrorOrders,
	}
	return fanout.NewService(cfg, deps.EventCache, deps.SignalBus, sinks, a.logger, deps.Recorder)
}

func (a *App) closeFanout(fan *fanout.Service) {
	if err := fan.Close(); err != nil {
		a.logger.Warn("closing stream sinks failed", slog.String("error", err.Error()))
	}
}

// newWriter returns nil when no database is wired.
func (a *App) newWriter(deps *Dependencies) *persist.Writer {
	if deps.TickStore == nil {
		return nil
	}
	p := a.cfg.Persistence
	return persist.NewWriter(persist.Config{
		BatchSize:      p.BatchSize,
		DepthBatchSize: p.DepthBatchSize,
		FlushInterval:  p.FlushInterval.Duration,
		MaxBuffer:      p.MaxBuffer,
		MaxInflight:    p.MaxInflight,
	}, persist.Stores{
		Ticks:  deps.TickStore,
		Depth:  deps.DepthStore,
		Orders: deps.OrderStore,
	}, a.logger, deps.Recorder)
}

func (a *App) newRetention(deps *Dependencies, writer *persist.Writer) *pipeline.Retention {
	return pipeline.NewRetention(
		pipeline.RetentionConfig{
			Windows: a.cfg.Persistence.Retention(),
			Archive: a.cfg.Persistence.ArchiveBeforeCleanup && deps.Archiver != nil,
		},
		writer,
		deps.Archiver,
		deps.LockManager,
		deps.AuditStore,
		deps.Notifier,
		a.logger,
	)
}

// ingest is the upstream half of the pipeline.
type ingest struct {
	client     *algolab.Client
	dispatcher *dispatch.Dispatcher
	fanout     *fanout.Service
	writer     *persist.Writer
	token      string
}

func (a *App) newIngest(deps *Dependencies, fan *fanout.Service, writer *persist.Writer) (*ingest, error) {
	apiKey, err := crypto.LoadSecret(crypto.SecretConfig{
		Raw:           a.cfg.AlgoLab.APIKey,
		EncryptedPath: a.cfg.AlgoLab.EncryptedKeyPath,
		Password:      a.cfg.AlgoLab.KeyPassword,
	})
	if err != nil {
		return nil, fmt.Errorf("load api key: %w", err)
	}

	venue, err := a.cfg.AlgoLab.VenueLocation()
	if err != nil {
		return nil, err
	}

	client := algolab.NewClient(clientConfig(a.cfg, apiKey), SeedRegistry(a.cfg.AlgoLab), a.logger, deps.Recorder)
	client.SetTokenSource(a.reloadSessionToken)
	a.hookAlerts(client, deps.Notifier)

	d := dispatch.New(a.logger, deps.Recorder, venue)
	if err := d.Register("fanout", fan, a.cfg.Cache.QueueSize); err != nil {
		return nil, err
	}
	if writer != nil {
		if err := d.Register("persist", writer, a.cfg.Persistence.QueueSize); err != nil {
			return nil, err
		}
	} else {
		a.logger.Warn("persistence disabled, events are cached but not stored")
	}

	return &ingest{
		client:     client,
		dispatcher: d,
		fanout:     fan,
		writer:     writer,
		token:      a.cfg.AlgoLab.SessionToken,
	}, nil
}

func (in *ingest) addTasks(o *pipeline.Orchestrator) {
	o.Add("algolab", func(ctx context.Context) error {
		if err := in.client.Start(ctx, in.token); err != nil {
			return err
		}
		<-ctx.Done()
		return in.client.Close()
	})

	// The writer outlives the dispatcher so events drained on shutdown are
	// still flushed.
	o.Add("dispatch", func(ctx context.Context) error {
		if in.writer == nil {
			return in.dispatcher.Run(ctx, in.client.Frames())
		}
		writerCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
		done := make(chan error, 1)
		go func() { done <- in.writer.Run(writerCtx) }()

		err := in.dispatcher.Run(ctx, in.client.Frames())
		stop()
		if werr := <-done; werr != nil && err == nil {
			err = werr
		}
		return err
	})

	o.Add("dedup", func(ctx context.Context) error {
		in.fanout.Dedup().Run(ctx)
		return nil
	})
}

// hookAlerts reports exhaustion and every reconnect after the first open.
func (a *App) hookAlerts(client *algolab.Client, n *notify.Notifier) {
	var opens atomic.Int64
	client.OnExhausted(func(err error) {
		_ = n.Notify(context.Background(), notify.EventFeedDown,
			"Market feed down", "Reconnect stopped: "+err.Error())
	})
	client.OnConnected(func() {
		if opens.Add(1) == 1 {
			return
		}
		_ = n.Notify(context.Background(), notify.EventFeedUp,
			"Market feed restored", fmt.Sprintf("Reconnected after %d attempts", client.Attempts()))
	})
}

// reloadSessionToken re-reads the configuration for a session token issued
// by the external login flow after the current one was rejected.
func (a *App) reloadSessionToken(context.Context) (string, error) {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return "", err
	}
	if cfg.AlgoLab.SessionToken == "" {
		return "", errors.New("app: no session token configured")
	}
	return cfg.AlgoLab.SessionToken, nil
}

func clientConfig(cfg *config.Config, apiKey string) algolab.Config {
	w := cfg.WebSocket
	return algolab.Config{
		URL:               cfg.AlgoLab.WSURL,
		Hostname:          cfg.AlgoLab.Hostname,
		APIKey:            apiKey,
		HeartbeatInterval: w.HeartbeatInterval.Duration,
		ConnectTimeout:    w.ConnectTimeout.Duration,
		Backoff: algolab.Backoff{
			Initial:     w.ReconnectInitialDelay.Duration,
			Max:         w.ReconnectMaxDelay.Duration,
			Multiplier:  w.ReconnectMultiplier,
			MaxAttempts: w.ReconnectMaxAttempts,
		},
		FrameBuffer: w.FrameBuffer,
	}
}

// SeedRegistry registers every default symbol on every default channel.
// Unknown channel codes are skipped; Validate reports them.
func SeedRegistry(cfg config.AlgoLabConfig) *algolab.Registry {
	reg := algolab.NewRegistry()
	for _, code := range cfg.DefaultChannels {
		ch, ok := domain.ParseChannel(code)
		if !ok {
			continue
		}
		reg.Add(ch, cfg.DefaultSymbols...)
	}
	return reg
}

// --------------------------------------------------------------------------
// HTTP
// --------------------------------------------------------------------------

// serverParts holds the optional components the API exposes. Nil fields
// switch their routes to 503 or leave them out.
type serverParts struct {
	reader    *fanout.Service
	feed      *algolab.Client
	writer    *persist.Writer
	retention *pipeline.Retention
}

func (a *App) addServer(o *pipeline.Orchestrator, deps *Dependencies, p serverParts) {
	h := buildHandlers(a.cfg.Mode, deps, p, a.logger)
	hub := ws.NewHub(deps.SignalBus, a.logger, deps.Recorder)

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		Limiter:     deps.RateLimiter,
	}, h, hub, a.logger)

	o.Add("ws_hub", hub.Run)
	o.Add("http", srv.Run)
}

func buildHandlers(mode string, deps *Dependencies, p serverParts, logger *slog.Logger) server.Handlers {
	checks := make(map[string]handler.Check, len(deps.Checks)+1)
	for name, c := range deps.Checks {
		checks[name] = c
	}

	// Interfaces stay nil unless the component exists.
	var (
		feed    handler.FeedStatus
		sub     handler.Subscriber
		list    handler.SubscriptionLister
		buffers handler.BufferSource
	)
	if p.feed != nil {
		client := p.feed
		feed, sub, list = client, client, client.Registry()
		checks["algolab"] = func(context.Context) error {
			if st := client.State(); st != algolab.StateConnected {
				return fmt.Errorf("upstream %s", st)
			}
			return nil
		}
	}
	if p.writer != nil {
		buffers = p.writer
	}

	h := server.Handlers{
		Health:        handler.NewHealthHandler(checks, logger),
		Status:        handler.NewStatusHandler(mode, feed, p.reader, buffers, deps.Counts, logger),
		Market:        handler.NewMarketHandler(p.reader, deps.TickStore, logger),
		Subscriptions: handler.NewSubscriptionHandler(sub, list, logger),
		Metrics:       deps.Metrics,
	}
	if deps.AuditStore != nil {
		h.Audit = handler.NewAuditHandler(deps.AuditStore, logger)
	}
	if p.retention != nil {
		h.Retention = handler.NewRetentionHandler(p.retention.Trigger(), logger)
	}
	return h
}
