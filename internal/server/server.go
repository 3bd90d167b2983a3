// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/pressly/goose/v3"

	"github.com/mbd888/escrowledger/internal/config"
	"github.com/mbd888/escrowledger/internal/escrow"
	"github.com/mbd888/escrowledger/internal/health"
	"github.com/mbd888/escrowledger/internal/identity"
	"github.com/mbd888/escrowledger/internal/idgen"
	"github.com/mbd888/escrowledger/internal/ledger"
	"github.com/mbd888/escrowledger/internal/logging"
	"github.com/mbd888/escrowledger/internal/metrics"
	"github.com/mbd888/escrowledger/internal/notify"
	"github.com/mbd888/escrowledger/internal/ratelimit"
	"github.com/mbd888/escrowledger/internal/reconciliation"
	"github.com/mbd888/escrowledger/internal/security"
	"github.com/mbd888/escrowledger/internal/traces"
	"github.com/mbd888/escrowledger/internal/wallet"
	"github.com/mbd888/escrowledger/migrations"
)

// Version is reported by /health and attached to trace resources.
var Version = "dev"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg     *config.Config
	logger  *slog.Logger
	db      *sql.DB // nil if using in-memory
	router  *gin.Engine
	httpSrv *http.Server

	wallets  wallet.Store
	users    identity.Store
	entries  ledger.Store
	ledger   *escrow.Ledger
	notifier *notify.Queue
	hub      *notify.Hub
	kafka    *notify.KafkaSink

	reconciler     *reconciliation.Service
	reconcileTimer *reconciliation.Timer

	health        *health.Registry
	rateLimiter   *ratelimit.Limiter
	traceShutdown func(context.Context) error
	drainDelay    time.Duration
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers before
// closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		health:     health.NewRegistry(),
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, Version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.traceShutdown = shutdown

	var (
		backend    escrow.Backend
		holds      escrow.HoldReader
		walletView wallet.Reader
		source     reconciliation.Source
	)

	// Storage: Postgres if DATABASE_URL set, otherwise in-memory
	if cfg.DatabaseURL != "" {
		db, err := openDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		if err := migrate(ctx, db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}

		s.wallets = wallet.NewPostgresStore(db)
		s.users = identity.NewPostgresStore(db)
		s.entries = ledger.NewPostgresStore(db)
		holds = escrow.NewPostgresStore(db)
		walletView = s.wallets
		pg := escrow.NewPostgresBackend(db)
		backend, source = pg, pg
		s.health.Register(health.PingChecker("postgres", db, 2*time.Second))
	} else {
		walletStore := wallet.NewMemoryStore()
		holdStore := escrow.NewMemoryStore()
		entryStore := ledger.NewMemoryStore()
		s.wallets = walletStore
		s.users = identity.NewMemoryStore()
		mem := escrow.NewMemoryBackend(s.users, walletStore, holdStore, entryStore)
		s.entries = mem.Entries()
		holds = mem.Holds()
		walletView = mem.Wallets()
		backend, source = mem, mem
		s.logger.Info("using in-memory storage (data will not persist)")

		if cfg.DemoSeed {
			if err := seedDemo(ctx, s.users, s.wallets); err != nil {
				return nil, fmt.Errorf("failed to seed demo data: %w", err)
			}
			s.logger.Info("demo data seeded")
		}
	}

	// Notification sinks: log always, websocket hub always, kafka when configured
	s.hub = notify.NewHub(s.logger)
	sinks := []notify.Sink{notify.NewLogSink(s.logger), s.hub}
	if len(cfg.KafkaBrokers) > 0 {
		k, err := notify.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaNotifyTopic)
		if err != nil {
			return nil, fmt.Errorf("failed to create kafka sink: %w", err)
		}
		s.kafka = k
		sinks = append(sinks, k)
		s.logger.Info("kafka notifications enabled", "topic", cfg.KafkaNotifyTopic)
	}
	s.notifier = notify.NewQueue(cfg.NotifyQueueSize, cfg.NotifyMaxAttempts, s.logger, sinks...)

	s.ledger = escrow.NewLedger(backend, holds, walletView, escrow.NewRuleEngine(cfg.HighRiskOrderTypes)).
		WithNotifier(s.notifier)

	s.reconciler = reconciliation.NewService(source, s.logger)
	if cfg.ReconcileInterval > 0 {
		s.reconcileTimer = reconciliation.NewTimer(s.reconciler, cfg.ReconcileInterval, s.logger)
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes(walletView)

	s.healthy.Store(true)
	return s, nil
}

func openDB(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, ".")
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(nil))
	s.router.Use(security.RequestSizeMiddleware(security.MaxRequestSize))

	rl := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		rl.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	s.rateLimiter = ratelimit.New(rl)
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.New()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
		}
		logger := logging.L(c.Request.Context())
		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
		}
	}
}

// timeoutMiddleware bounds the request context. Ledger operations observe it
// through their transactions.
func timeoutMiddleware(d time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), d)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes(wallets wallet.Reader) {
	s.router.GET("/health", s.health.Handler(Version))
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	api := s.router.Group("/escrow")

	// Long-lived; registered ahead of the timeout.
	api.GET("/stream", s.hub.HandleStream)

	api.Use(timeoutMiddleware(s.cfg.RequestTimeout))
	escrow.NewHandler(s.ledger).RegisterRoutes(api)
	wallet.NewHandler(wallets).RegisterRoutes(api)
	ledger.NewHandler(s.entries).RegisterRoutes(api)
	reconciliation.NewHandler(s.reconciler).RegisterRoutes(api)
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Start launches the background workers: the notification queue, the
// websocket hub, and the periodic DB stats and reconciliation loops. Run
// calls it; tests that only need the router may call it directly.
func (s *Server) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.notifier.Start(runCtx)
	go s.hub.Run(runCtx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}
	if s.reconcileTimer != nil {
		go s.reconcileTimer.Start(runCtx)
	}
}

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	s.Start(ctx)

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.ready.Store(true)
	s.logger.Info("server ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server. In-flight requests finish first so
// their notifications are enqueued before the queue drains.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.httpSrv != nil {
		time.Sleep(s.drainDelay)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
		s.notifier.Wait()
		s.logger.Info("notification queue drained")
	}

	if s.reconcileTimer != nil {
		s.reconcileTimer.Stop()
	}

	if s.kafka != nil {
		if err := s.kafka.Close(); err != nil {
			s.logger.Error("kafka close error", "error", err)
		}
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.traceShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
		}
		cancel()
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Ledger returns the escrow ledger.
func (s *Server) Ledger() *escrow.Ledger {
	return s.ledger
}
