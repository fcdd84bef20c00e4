// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
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

	"github.com/bsm/redislock"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/riskledger/internal/anomaly"
	"github.com/mbd888/riskledger/internal/config"
	"github.com/mbd888/riskledger/internal/events"
	"github.com/mbd888/riskledger/internal/health"
	"github.com/mbd888/riskledger/internal/ledger"
	"github.com/mbd888/riskledger/internal/logging"
	"github.com/mbd888/riskledger/internal/metrics"
	"github.com/mbd888/riskledger/internal/ratelimit"
	"github.com/mbd888/riskledger/internal/scoring"
	"github.com/mbd888/riskledger/migrations"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// MaxRequestSize caps request bodies; the API only accepts tiny ones.
const MaxRequestSize = 1 << 16

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	store        ledger.Store
	ledger       *ledger.Ledger
	worker       *scoring.Worker
	alerts       events.Publisher
	redis        *redis.Client
	health       *health.Registry
	rateLimiter  *ratelimit.Limiter
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
	workerDone   chan struct{}

	// drainDelay gives load balancers time to stop sending traffic.
	drainDelay time.Duration

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

// WithStore uses store instead of opening DATABASE_URL (for testing)
func WithStore(store ledger.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// WithDrainDelay overrides the pause between readiness going false and the
// HTTP server closing.
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

	// Apply options first (may set store/logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if s.store == nil {
		if cfg.DatabaseURL != "" {
			db, err := openDB(ctx, cfg)
			if err != nil {
				return nil, err
			}
			s.db = db
			if err := metrics.RegisterDB(db); err != nil {
				s.logger.Warn("database pool metrics unavailable", "error", err)
			}
			if cfg.AutoMigrate {
				if err := migrations.Up(ctx, db); err != nil {
					_ = db.Close()
					return nil, fmt.Errorf("failed to migrate database: %w", err)
				}
			}
			s.store = ledger.NewPostgresStore(db)
			s.logger.Info("connected to PostgreSQL", "dsn", maskDSN(cfg.DatabaseURL))
		} else {
			s.store = ledger.NewMemoryStore()
			s.logger.Warn("DATABASE_URL not set, using in-memory ledger (data is lost on restart)")
		}
	}

	s.ledger = ledger.New(s.store,
		ledger.WithLogger(s.logger),
		ledger.WithOperationTimeout(cfg.OperationTimeout),
	)

	worker, err := s.buildWorker(ctx)
	if err != nil {
		s.closeResources()
		return nil, err
	}
	s.worker = worker

	s.health.Register("database", health.Ping("database", s.store.Ping))
	s.health.Register("scoring_worker", s.workerCheck)
	if s.redis != nil {
		s.health.RegisterOptional("redis", health.Ping("redis", func(ctx context.Context) error {
			return s.redis.Ping(ctx).Err()
		}))
	}

	// Setup router
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

func openDB(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// buildWorker wires the scoring pipeline. Redis, when configured, holds the
// model artifact and the training lock; otherwise the artifact lives in
// MODEL_PATH. Alerts go to Kafka and/or a signed webhook when configured.
func (s *Server) buildWorker(ctx context.Context) (*scoring.Worker, error) {
	loc := s.cfg.Location()
	trainerOpts := []anomaly.TrainerOption{
		anomaly.WithLocation(loc),
		anomaly.WithTrainerLogger(s.logger),
	}

	switch {
	case s.cfg.RedisURL != "":
		opts, err := redis.ParseURL(s.cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		s.redis = redis.NewClient(opts)
		if err := s.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		trainerOpts = append(trainerOpts,
			anomaly.WithArtifactStore(anomaly.NewRedisStore(s.redis, anomaly.DefaultRedisKey, 0)),
			anomaly.WithTrainLock(redislock.New(s.redis)),
		)
		s.logger.Info("model artifacts stored in redis", "key", anomaly.DefaultRedisKey)
	case s.cfg.ModelPath != "":
		trainerOpts = append(trainerOpts, anomaly.WithArtifactStore(anomaly.NewFileStore(s.cfg.ModelPath)))
	}

	var webhook events.Publisher
	if s.cfg.AlertWebhookURL != "" {
		webhook = events.NewWebhookPublisher(s.cfg.AlertWebhookURL, s.cfg.AlertWebhookSecret)
		s.logger.Info("posting risk alerts to webhook", "signed", s.cfg.AlertWebhookSecret != "")
	}
	if len(s.cfg.KafkaBrokers) > 0 {
		s.logger.Info("publishing risk alerts to kafka", "topic", s.cfg.KafkaTopic)
	}
	s.alerts = events.Fanout(events.New(s.cfg.KafkaBrokers, s.cfg.KafkaTopic), webhook)

	scorer := anomaly.NewScorer(anomaly.NewHandle(nil), anomaly.Thresholds{
		Suspicious: s.cfg.ThresholdSuspicious,
		Critical:   s.cfg.ThresholdCritical,
	})
	trainer := anomaly.NewTrainer(s.store, trainerOpts...)

	return scoring.New(s.store, scorer, trainer,
		scoring.WithLogger(s.logger),
		scoring.WithAlerts(s.alerts),
		scoring.WithBatchSize(s.cfg.BatchSize),
		scoring.WithPollInterval(s.cfg.PollInterval),
		scoring.WithRetrainInterval(s.cfg.RetrainInterval),
		scoring.WithLocation(loc),
	), nil
}

func (s *Server) workerCheck(ctx context.Context) health.Status {
	st := s.worker.Status()
	return health.Status{Name: "scoring_worker", Healthy: st.Running, Detail: st.State}
}

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
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")
	h := &handlers{ledger: s.ledger, worker: s.worker}
	h.registerRoutes(v1)
	h.registerAdminRoutes(v1.Group("/admin"))
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
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
	if err := s.store.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "reason": "database"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and the scoring worker, and blocks until a
// shutdown signal, ctx cancellation, or a server error.
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// The worker has its own Stop; it only sees runCtx as a backstop.
	s.workerDone = make(chan struct{})
	go func() {
		defer close(s.workerDone)
		s.worker.Start(runCtx)
	}()

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
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

// Shutdown gracefully stops the server. The scoring worker finishes its
// in-flight batch before the database pool is closed.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	time.Sleep(s.drainDelay)

	var shutdownErr error
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	s.worker.Stop()
	if s.workerDone != nil {
		<-s.workerDone
	}
	s.logger.Info("scoring worker stopped")

	// Cancel the context for anything else started in Run
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	s.closeResources()
	s.logger.Info("server stopped")
	return shutdownErr
}

func (s *Server) closeResources() {
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.alerts != nil {
		if err := s.alerts.Close(); err != nil {
			s.logger.Error("alert publisher close error", "error", err)
		}
	}

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Ledger returns the transaction engine the server is built around.
func (s *Server) Ledger() *ledger.Ledger {
	return s.ledger
}

// Worker returns the scoring worker.
func (s *Server) Worker() *scoring.Worker {
	return s.worker
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
