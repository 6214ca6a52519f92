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

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/cryptonexus/payengine/internal/config"
	"github.com/cryptonexus/payengine/internal/escrow"
	"github.com/cryptonexus/payengine/internal/health"
	"github.com/cryptonexus/payengine/internal/logging"
	"github.com/cryptonexus/payengine/internal/metrics"
	"github.com/cryptonexus/payengine/internal/notify"
	"github.com/cryptonexus/payengine/internal/order"
	"github.com/cryptonexus/payengine/internal/payment"
	"github.com/cryptonexus/payengine/internal/ratelimit"
	"github.com/cryptonexus/payengine/internal/scheduler"
	"github.com/cryptonexus/payengine/internal/security"
	"github.com/cryptonexus/payengine/internal/traces"
	"github.com/cryptonexus/payengine/internal/validation"
	"github.com/cryptonexus/payengine/internal/vault"
	"github.com/cryptonexus/payengine/internal/watcher"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	orders       *order.Service
	payments     *payment.Service
	escrows      *escrow.Service
	vault        *vault.Service
	notifier     *notify.Emitter
	scheduler    *scheduler.Scheduler
	feedWatcher  *watcher.Watcher
	rateLimiter  *ratelimit.Limiter
	rateCfg      *ratelimit.Config
	checks       *health.Registry
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	stopTraces   func(context.Context) error
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

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

// WithRateLimit overrides the default per-IP rate limit (for testing)
func WithRateLimit(cfg ratelimit.Config) Option {
	return func(s *Server) {
		s.rateCfg = &cfg
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		checks: health.NewRegistry(),
		logger: logging.New(cfg.LogLevel, "json"),
	}

	for _, opt := range opts {
		opt(s)
	}

	currencies := cfg.Currencies()

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		orderStore   order.Store
		paymentStore payment.Store
		escrowStore  escrow.Store
		vaultStore   vault.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		orderStore = order.NewPostgresStore(db)
		paymentStore = payment.NewPostgresStore(db)
		escrowStore = escrow.NewPostgresStore(db)
		vaultStore = vault.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		s.checks.Register("database", func(ctx context.Context) health.Status {
			st := health.Status{Name: "database", Healthy: true}
			if err := db.PingContext(ctx); err != nil {
				st.Healthy = false
				st.Detail = err.Error()
			}
			return st
		})
	} else {
		orderStore = order.NewMemoryStore()
		paymentStore = payment.NewMemoryStore()
		escrowStore = escrow.NewMemoryStore()
		vaultStore = vault.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Notification emitter (no-op when NOTIFY_URL is unset)
	s.notifier = notify.NewEmitter(cfg.NotifyURL, cfg.NotifySecret, s.logger)
	if cfg.NotifyURL != "" {
		if err := security.ValidateEndpointURL(cfg.NotifyURL); err != nil {
			return nil, fmt.Errorf("invalid NOTIFY_URL: %w", err)
		}
		s.logger.Info("notifications enabled", "url", cfg.NotifyURL)
	}

	// Domain services. The order service sits in the middle: the payment
	// tracker reports confirmations up to it, the vault asks it who may
	// see credentials. Both links are wired after construction.
	s.payments = payment.NewService(paymentStore, currencies, s.logger)
	s.escrows = escrow.NewService(escrowStore, s.logger)
	s.vault = vault.NewService(vaultStore, nil, s.logger)
	s.orders = order.NewService(orderStore, s.payments, s.escrows, s.vault, s.notifier,
		order.Config{
			EscrowFeePct:  cfg.EscrowFeePct,
			AutoRelease:   cfg.AutoRelease(),
			DisputeWindow: cfg.DisputeWindow(),
		}, s.logger)
	s.payments.SetListener(s.orders)
	s.vault.SetGate(s.orders)

	s.scheduler = scheduler.New(s.orders, s.payments, s.escrows,
		cfg.DisputeWindow(), cfg.SweepInterval, s.logger)

	// Payment feed poller (optional; push ingest works without it)
	if cfg.ProcessorURL != "" {
		if err := security.ValidateEndpointURL(cfg.ProcessorURL); err != nil {
			return nil, fmt.Errorf("invalid PROCESSOR_URL: %w", err)
		}
		watcherCfg := watcher.DefaultConfig()
		watcherCfg.ProcessorURL = cfg.ProcessorURL
		watcherCfg.APIKey = cfg.ProcessorAPIKey

		w, err := watcher.New(watcherCfg, s.payments, s.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create payment watcher: %w", err)
		}
		s.feedWatcher = w
		s.logger.Info("payment feed watcher configured", "processor", cfg.ProcessorURL)
	}

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
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
	// Recovery with logging
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

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rateCfg := ratelimit.DefaultConfig()
	if s.rateCfg != nil {
		rateCfg = *s.rateCfg
	}
	s.rateLimiter = ratelimit.New(rateCfg)
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
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

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
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

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")

	orderHandler := order.NewHandler(s.orders, s.vault, s.cfg.Currencies())
	orderHandler.RegisterRoutes(v1)

	paymentHandler := payment.NewHandler(s.payments, s.orders)
	paymentHandler.RegisterRoutes(v1)

	// Operator hook to run a sweep pass without waiting for the ticker.
	v1.POST("/admin/sweep", s.sweepHandler)
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
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.checks.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    statuses,
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
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "payengine",
		"description": "Cryptocurrency order payment and escrow engine",
		"version":     "0.1.0",
		"currencies":  []string{"BTC", "XMR"},
	})
}

func (s *Server) sweepHandler(c *gin.Context) {
	s.scheduler.Sweep(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"status": "swept"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	// Tracing
	if shutdown, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger); err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.stopTraces = shutdown
	}

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
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start the sweep scheduler
	go s.scheduler.Start(runCtx)

	// Start payment feed watcher
	if s.feedWatcher != nil {
		s.feedWatcher.Start(runCtx)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for background goroutines (scheduler, watcher)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop the sweep scheduler
	s.scheduler.Stop()
	s.logger.Info("scheduler stopped")

	// Stop payment feed watcher
	if s.feedWatcher != nil {
		s.feedWatcher.Stop()
		s.logger.Info("payment watcher stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Flush traces
	if s.stopTraces != nil {
		if err := s.stopTraces(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
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

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
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
