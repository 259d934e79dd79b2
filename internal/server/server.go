package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/alanyoungcy/algofeed/internal/domain"
	"github.com/alanyoungcy/algofeed/internal/server/handler"
	"github.com/alanyoungcy/algofeed/internal/server/middleware"
	"github.com/alanyoungcy/algofeed/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled
	// RateLimit is requests per minute per client IP. Zero or a nil
	// Limiter disables limiting.
	RateLimit int
	Limiter   domain.RateLimiter
}

// Handlers aggregates the HTTP handlers the server registers. Nil handlers
// leave their routes unregistered.
type Handlers struct {
	Health        *handler.HealthHandler
	Status        *handler.StatusHandler
	Market        *handler.MarketHandler
	Subscriptions *handler.SubscriptionHandler
	Audit         *handler.AuditHandler
	Retention     *handler.RetentionHandler
	Metrics       http.Handler
}

// Server is the headless HTTP + WebSocket API of the feed.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a Server with all routes registered on a ServeMux.
// Read-only routes are public; routes that change feed state require the
// API key.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "http"))
	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      newHandler(cfg, handlers, wsHub, logger),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// routes records the method of every registered pattern for the CORS policy.
type routes struct {
	mux     *http.ServeMux
	methods []string
}

func (rt *routes) handle(pattern string, h http.Handler) {
	rt.mux.Handle(pattern, h)
	if method, _, ok := strings.Cut(pattern, " "); ok && !slices.Contains(rt.methods, method) {
		rt.methods = append(rt.methods, method)
	}
}

func newHandler(cfg Config, handlers Handlers, wsHub *ws.Hub, logger *slog.Logger) http.Handler {
	rt := &routes{mux: http.NewServeMux()}
	auth := middleware.Auth(cfg.APIKey)
	protected := func(f http.HandlerFunc) http.Handler { return auth(f) }

	if handlers.Health != nil {
		rt.handle("GET /health", http.HandlerFunc(handlers.Health.HealthCheck))
	}
	if handlers.Metrics != nil {
		rt.handle("GET /metrics", handlers.Metrics)
	}
	if handlers.Status != nil {
		rt.handle("GET /api/status", http.HandlerFunc(handlers.Status.GetStatus))
	}

	if m := handlers.Market; m != nil {
		rt.handle("GET /api/latest/{kind}/{symbol}", http.HandlerFunc(m.Latest))
		rt.handle("GET /api/recent/{kind}/{symbol}", http.HandlerFunc(m.Recent))
		rt.handle("GET /api/symbols", http.HandlerFunc(m.ActiveSymbols))
		rt.handle("GET /api/history/ticks/{symbol}", http.HandlerFunc(m.TickHistory))
	}

	if s := handlers.Subscriptions; s != nil {
		rt.handle("GET /api/subscriptions", http.HandlerFunc(s.List))
		rt.handle("POST /api/subscriptions", protected(s.Subscribe))
		rt.handle("DELETE /api/subscriptions", protected(s.Unsubscribe))
	}

	if handlers.Audit != nil {
		rt.handle("GET /api/audit", protected(handlers.Audit.List))
	}
	if handlers.Retention != nil {
		rt.handle("POST /api/retention/run", protected(handlers.Retention.Trigger))
	}

	if wsHub != nil {
		rt.handle("GET /ws", http.HandlerFunc(wsHub.HandleWS))
	}

	var h http.Handler = rt.mux
	h = middleware.RateLimit(cfg.Limiter, cfg.RateLimit, time.Minute, logger)(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(middleware.CORSPolicy{Origins: cfg.CORSOrigins, Methods: rt.methods})(h)
	return h
}

// Handler returns the fully wrapped root handler.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Run starts the server and shuts it down gracefully when ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	}
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
