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
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/agentpay/internal/agents"
	"github.com/mbd888/agentpay/internal/auth"
	"github.com/mbd888/agentpay/internal/config"
	"github.com/mbd888/agentpay/internal/health"
	"github.com/mbd888/agentpay/internal/ledger"
	"github.com/mbd888/agentpay/internal/logging"
	"github.com/mbd888/agentpay/internal/metrics"
	"github.com/mbd888/agentpay/internal/paymenttarget"
	"github.com/mbd888/agentpay/internal/ratelimit"
	"github.com/mbd888/agentpay/internal/realtime"
	"github.com/mbd888/agentpay/internal/security"
	"github.com/mbd888/agentpay/internal/siteconfig"
	"github.com/mbd888/agentpay/internal/traces"
	"github.com/mbd888/agentpay/internal/validation"
	"github.com/mbd888/agentpay/migrations"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg     *config.Config
	version string

	agentStore agents.Store
	txStore    ledger.Store
	hasher     agents.PasswordHasher
	manager    *agents.Manager
	resolver   *siteconfig.Resolver
	provider   paymenttarget.Provider
	ledger     *ledger.Service
	authSvc    *auth.Service
	hub        *realtime.Hub
	health     *health.Registry

	apiLimiter   *ratelimit.Limiter
	loginLimiter *ratelimit.Limiter

	db           *sql.DB       // nil if using in-memory
	redis        *redis.Client // nil without REDIS_URL
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
	stopTracing  func(context.Context) error

	// drainDelay is how long Shutdown waits before closing listeners.
	drainDelay time.Duration

	ready atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithVersion sets the build version reported by /health.
func WithVersion(version string) Option {
	return func(s *Server) {
		s.version = version
	}
}

// WithPasswordHasher replaces bcrypt (for testing)
func WithPasswordHasher(h agents.PasswordHasher) Option {
	return func(s *Server) {
		s.hasher = h
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		version:    "dev",
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		hasher:     auth.BcryptHasher{},
		provider:   paymenttarget.NewStaticProvider(),
		health:     health.NewRegistry(),
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	if err := s.setupStorage(ctx); err != nil {
		return nil, err
	}
	if err := s.setupCache(ctx); err != nil {
		s.closeStorage()
		return nil, err
	}

	s.manager = agents.NewManager(s.agentStore, s.hasher).WithInvalidator(s.resolver)

	root, err := agents.EnsureRoot(ctx, s.agentStore, s.hasher, agents.RootSpec{
		Username:          cfg.RootUsername,
		Password:          cfg.RootPassword,
		CommissionPercent: cfg.RootCommissionPercent,
		SiteConfig:        cfg.RootSiteConfig(),
	})
	if err != nil {
		s.closeStorage()
		return nil, fmt.Errorf("failed to seed root agent: %w", err)
	}
	s.logger.Info("root agent ready", "username", root.Username)

	s.authSvc, err = auth.NewService(s.agentStore, s.hasher, cfg.JWTSecret, cfg.JWTTTL)
	if err != nil {
		s.closeStorage()
		return nil, err
	}

	s.hub = realtime.NewHub(s.logger, cfg.CORSOrigins...)
	s.ledger = ledger.NewService(s.txStore, s.agentStore, s.resolver, s.provider).WithEvents(s.hub)

	// Rate limiters share Redis when configured so limits hold across replicas.
	if s.apiLimiter, err = ratelimit.New("api", cfg.RateLimit, s.redis); err != nil {
		s.closeStorage()
		return nil, fmt.Errorf("invalid rate limit: %w", err)
	}
	if s.loginLimiter, err = ratelimit.New("login", cfg.LoginRateLimit, s.redis); err != nil {
		s.closeStorage()
		return nil, fmt.Errorf("invalid login rate limit: %w", err)
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

// setupStorage opens Postgres when DATABASE_URL is set and falls back to
// in-memory stores otherwise.
func (s *Server) setupStorage(ctx context.Context) error {
	if s.cfg.DatabaseURL == "" {
		s.logger.Warn("DATABASE_URL not set, using in-memory storage (data is lost on restart)")
		agentStore := agents.NewMemoryStore()
		s.agentStore = agentStore
		s.txStore = ledger.NewMemoryStore(agentStore)
		return nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(s.cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(s.cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := migrations.Up(ctx, db); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	s.db = db
	s.agentStore = agents.NewPostgresStore(db)
	s.txStore = ledger.NewPostgresStore(db)
	s.health.Register("postgres", health.SQLChecker("postgres", db))
	s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	return nil
}

// setupCache builds the config resolver, backed by Redis when REDIS_URL is
// set and by process memory otherwise.
func (s *Server) setupCache(ctx context.Context) error {
	var cache siteconfig.Cache
	if s.cfg.RedisURL != "" {
		opts, err := redis.ParseURL(s.cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.redis = client
		s.health.Register("redis", health.RedisChecker("redis", client))
		cache = siteconfig.NewRedisCache(client, "")
		s.logger.Info("using Redis config cache", "addr", opts.Addr)
	} else {
		cache = siteconfig.NewMemoryCache()
	}

	s.resolver = siteconfig.NewResolver(s.agentStore).WithCache(cache, s.cfg.ConfigCacheTTL)
	return nil
}

func (s *Server) closeStorage() {
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}
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

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())

	// Request ID and access log
	s.router.Use(logging.Middleware(s.logger))
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", health.Live(s.version))
	s.router.GET("/health/live", health.Live(s.version))
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")

	authHandler := auth.NewHandler(s.authSvc, s.manager)
	agentHandler := agents.NewHandler(s.manager)
	configHandler := siteconfig.NewHandler(s.resolver, s.manager, s.provider)
	ledgerHandler := ledger.NewHandler(s.ledger)

	// Login gets its own, tighter budget keyed by client IP.
	authHandler.RegisterRoutes(v1.Group("", s.loginLimiter.Middleware()))

	public := v1.Group("", s.apiLimiter.Middleware())
	configHandler.RegisterRoutes(public)
	ledgerHandler.RegisterRoutes(public)

	// Identity comes only from the verified token; the limiter then keys on
	// the agent instead of the address.
	protected := v1.Group("", s.authSvc.Middleware(), s.apiLimiter.Middleware())
	authHandler.RegisterProtectedRoutes(protected)
	agentHandler.RegisterProtectedRoutes(protected)
	configHandler.RegisterProtectedRoutes(protected)
	ledgerHandler.RegisterProtectedRoutes(protected)
	protected.GET("/ws", s.hub.Handler())

	admin := protected.Group("/admin", auth.RequireRoot())
	configHandler.RegisterAdminRoutes(admin)
	admin.GET("/realtime/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.hub.Stats())
	})
}

// readinessHandler reports 503 until Run has started and while shutting
// down, then defers to the dependency checks.
func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	s.health.Ready()(c)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	stopTracing, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.version, s.logger)
	if err != nil {
		s.logger.Warn("tracing unavailable", "error", err)
	} else {
		s.stopTracing = stopTracing
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       s.cfg.HTTPReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.cfg.HTTPWriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env, "version", s.version)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.hub.Run(runCtx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	s.ready.Store(true)
	s.logger.Info("server ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		s.ready.Store(false)
		cancel()
		s.closeStorage()
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

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	// Cancel the context for background goroutines (hub, db stats)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	if s.stopTracing != nil {
		if err := s.stopTracing(ctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

	s.closeStorage()

	s.logger.Info("server stopped")
	return shutdownErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
