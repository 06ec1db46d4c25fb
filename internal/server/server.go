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
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	stripeclient "github.com/stripe/stripe-go/v81/client"

	"github.com/peertradehq/peertrade/internal/arbitration"
	"github.com/peertradehq/peertrade/internal/auth"
	"github.com/peertradehq/peertrade/internal/config"
	"github.com/peertradehq/peertrade/internal/escrow"
	"github.com/peertradehq/peertrade/internal/events"
	"github.com/peertradehq/peertrade/internal/funding"
	"github.com/peertradehq/peertrade/internal/health"
	"github.com/peertradehq/peertrade/internal/ledger"
	"github.com/peertradehq/peertrade/internal/logging"
	"github.com/peertradehq/peertrade/internal/metrics"
	"github.com/peertradehq/peertrade/internal/offers"
	"github.com/peertradehq/peertrade/internal/ratelimit"
	"github.com/peertradehq/peertrade/internal/rating"
	"github.com/peertradehq/peertrade/internal/reconcile"
	"github.com/peertradehq/peertrade/internal/registry"
	"github.com/peertradehq/peertrade/internal/reputation"
	"github.com/peertradehq/peertrade/internal/security"
	"github.com/peertradehq/peertrade/internal/settlement"
	"github.com/peertradehq/peertrade/internal/trade"
	"github.com/peertradehq/peertrade/internal/validation"
)

// Component addresses identify the platform services inside the
// capability registry. Cross-component calls are authorized against
// them; they are not customer accounts.
const (
	registryOwner    = "0xpeertradeplatform"
	tradeComponent   = "0xtradecomponent"
	escrowComponent  = "0xescrowcomponent"
	arbiterComponent = "0xarbitrationcomponent"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg *config.Config

	caps       *registry.Registry
	authMgr    *auth.Manager
	ledgerSvc  *ledger.Ledger
	offerSvc   *offers.Service
	repSvc     *reputation.Service
	ratingSvc  *rating.Service
	escrowSvc  *escrow.Service
	arbSvc     *arbitration.Service
	tradeSvc   *trade.Service
	reconciler *reconcile.Service

	hub        *events.Hub
	emitter    *events.Emitter
	eventStore events.Store
	subStore   events.SubscriptionStore

	custody       *settlement.Custody
	custodyWallet settlement.CustodyWallet // injected in tests
	settlementSvc *settlement.Service
	watcher       *settlement.Watcher
	fundingSvc    *funding.Service

	tradeTimer     *trade.Timer
	disputeTimer   *arbitration.Timer
	reconcileTimer *reconcile.Timer

	checks       *health.Registry
	rateLimiter  *ratelimit.Limiter
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
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

// WithCustodyWallet sets a custom custody wallet (for testing). The
// on-chain deposit watcher is skipped when a wallet is injected.
func WithCustodyWallet(w settlement.CustodyWallet) Option {
	return func(s *Server) {
		s.custodyWallet = w
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
	}

	// Apply options first (may set wallet/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Per-domain stores (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		authStore   auth.Store
		ledgerStore ledger.Store
		offerStore  offers.Store
		repStore    reputation.Store
		ratingStore rating.Store
		escrowStore escrow.Store
		arbStore    arbitration.Store
		tradeStore  trade.Store
	)

	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		authStore = auth.NewPostgresStore(db)
		ledgerStore = ledger.NewPostgresStore(db)
		offerStore = offers.NewPostgresStore(db)
		repStore = reputation.NewPostgresStore(db)
		ratingStore = rating.NewPostgresStore(db)
		escrowStore = escrow.NewPostgresStore(db)
		arbStore = arbitration.NewPostgresStore(db)
		tradeStore = trade.NewPostgresStore(db)
		s.eventStore = events.NewPostgresStore(db)
		s.subStore = events.NewSubscriptionPostgresStore(db)
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")

		authStore = auth.NewMemoryStore()
		ledgerStore = ledger.NewMemoryStore()
		offerStore = offers.NewMemoryStore()
		repStore = reputation.NewMemoryStore()
		ratingStore = rating.NewMemoryStore()
		escrowStore = escrow.NewMemoryStore()
		arbStore = arbitration.NewMemoryStore()
		tradeStore = trade.NewMemoryStore()
		s.eventStore = events.NewMemoryStore()
		s.subStore = events.NewSubscriptionMemoryStore()
	}

	s.authMgr = auth.NewManager(authStore, cfg.AdminAddresses, cfg.AdminSecret)

	// Audit trail: events are stored, broadcast over WebSocket and
	// dispatched to webhook subscribers.
	s.hub = events.NewHub(s.logger)
	dispatcher := events.NewDispatcher(s.subStore, s.logger)
	s.emitter = events.NewEmitter(s.eventStore, s.hub, dispatcher, s.logger)

	s.ledgerSvc = ledger.New(ledgerStore)
	s.offerSvc = offers.NewService(offerStore)
	s.repSvc = reputation.NewService(repStore, s.logger)
	s.ratingSvc = rating.NewService(ratingStore)

	escrowCfg := escrow.DefaultConfig()
	escrowCfg.PenaltyBps = cfg.PenaltyBPS

	s.caps = registry.New(registryOwner)

	esc, err := escrow.NewService(escrowStore, s.ledgerSvc, s.caps, escrowCfg, cfg.AdminAddresses, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create escrow service: %w", err)
	}
	s.escrowSvc = esc.WithEmitter(s.emitter)

	arbCfg := arbitration.Config{
		ResolutionDelay: time.Duration(cfg.ArbitrationDelaySeconds) * time.Second,
	}
	arb, err := arbitration.NewService(arbStore, s.caps, arbiterComponent, arbCfg, cfg.AdminAddresses, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create arbitration service: %w", err)
	}
	s.arbSvc = arb.WithEmitter(s.emitter).WithReputation(s.repSvc)

	tradeCfg := trade.DefaultConfig()
	tradeCfg.FeeBps = cfg.FeeBPS
	tradeCfg.DefaultTimeout = time.Duration(cfg.TradeWindowSeconds) * time.Second
	trd, err := trade.NewService(tradeStore, s.offerSvc, s.caps, tradeComponent, tradeCfg, cfg.AdminAddresses, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create trade service: %w", err)
	}
	s.tradeSvc = trd.WithEmitter(s.emitter).WithReputation(s.repSvc).WithRatings(s.ratingSvc)

	// Bind the capabilities. Components resolve each other through the
	// registry on every call, so a handle can be swapped at runtime.
	for name, h := range map[string]registry.Handle{
		registry.CapTrade:       {Addr: tradeComponent, Impl: s.tradeSvc},
		registry.CapEscrow:      {Addr: escrowComponent, Impl: s.escrowSvc},
		registry.CapArbitration: {Addr: arbiterComponent, Impl: s.arbSvc},
	} {
		if err := s.caps.Set(registryOwner, name, h); err != nil {
			return nil, fmt.Errorf("failed to bind %s capability: %w", name, err)
		}
	}

	// On-chain settlement (requires an RPC endpoint)
	if s.custodyWallet != nil {
		s.settlementSvc = settlement.NewService(s.custodyWallet, s.ledgerSvc, nil, s.logger).WithEmitter(s.emitter)
		s.logger.Info("settlement enabled (injected wallet)")
	} else if cfg.SettlementEnabled() {
		custody, err := settlement.NewCustody(settlement.Config{
			RPCURL:        cfg.RPCURL,
			PrivateKey:    cfg.PrivateKey,
			ChainID:       cfg.ChainID,
			TokenContract: cfg.TokenContract,
		})
		if err != nil {
			s.logger.Warn("failed to initialize custody wallet, settlement disabled", "error", err)
		} else if !strings.EqualFold(custody.Address(), cfg.CustodyAddress) {
			// The published deposit address must match the address the
			// signing key actually controls.
			return nil, fmt.Errorf("CUSTODY_ADDRESS %s does not match wallet address %s", cfg.CustodyAddress, custody.Address())
		} else {
			s.custody = custody
			s.settlementSvc = settlement.NewService(custody, s.ledgerSvc, nil, s.logger).WithEmitter(s.emitter)
			s.watcher = settlement.NewWatcher(custody, s.ledgerSvc, settlement.WatcherConfig{
				Confirmations: cfg.Confirmations,
			}, s.logger)
			s.logger.Info("settlement enabled",
				"wallet", custody.Address(),
				"chain_id", cfg.ChainID,
				"token", cfg.TokenContract,
				"confirmations", cfg.Confirmations,
			)
		}
	}

	// Card funding via Stripe (requires a secret key)
	if cfg.FundingEnabled() {
		sc := stripeclient.New(cfg.StripeSecretKey, nil)
		s.fundingSvc = funding.NewService(sc.PaymentIntents, s.ledgerSvc, funding.Config{
			SecretKey:     cfg.StripeSecretKey,
			WebhookSecret: cfg.StripeWebhookSecret,
		}, s.logger).WithEmitter(s.emitter)
		s.logger.Info("card funding enabled")
	}

	s.reconciler = reconcile.NewService(s.ledgerSvc, s.escrowSvc, tradeStore, escrowCfg.EscrowAccount, s.logger)

	interval := time.Duration(cfg.TimerIntervalSeconds) * time.Second
	s.tradeTimer = trade.NewTimer(s.tradeSvc, interval, s.logger)
	s.disputeTimer = arbitration.NewTimer(s.arbSvc, interval, s.logger)
	s.reconcileTimer = reconcile.NewTimer(s.reconciler, interval, s.logger)

	s.checks = health.NewRegistry()
	if s.db != nil {
		db := s.db
		s.checks.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	}
	if s.custody != nil {
		custody := s.custody
		s.checks.Register("settlement_rpc", func(ctx context.Context) health.Status {
			if _, err := custody.Balance(ctx); err != nil {
				return health.Status{Name: "settlement_rpc", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "settlement_rpc", Healthy: true}
		})
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

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPS * 60,
		BurstSize:         s.cfg.RateLimitRPS,
		CleanupInterval:   time.Minute,
	})
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

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
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

	// V1 API group. The soft auth middleware establishes the caller
	// identity when a key is presented and leaves the request anonymous
	// otherwise; route-level guards decide what that means.
	v1 := s.router.Group("/v1")
	v1.Use(validation.AddressParamMiddleware())
	v1.Use(auth.Middleware(s.authMgr))

	v1.GET("/platform", s.platformHandler)

	// Registration and API key management
	authHandler := auth.NewHandler(s.authMgr)
	v1.POST("/auth/register", authHandler.Register)
	v1.GET("/auth/keys", authHandler.ListKeys)
	v1.POST("/auth/keys", authHandler.CreateKey)
	v1.DELETE("/auth/keys/:keyId", authHandler.RevokeKey)
	v1.GET("/auth/me", authHandler.Whoami)

	// Offer directory
	offers.NewHandler(s.offerSvc).RegisterRoutes(v1)

	// Trade lifecycle
	trade.NewHandler(s.tradeSvc).RegisterRoutes(v1)

	// Dispute reads and evidence submission
	arbHandler := arbitration.NewHandler(s.arbSvc)
	arbHandler.RegisterRoutes(v1)

	// Escrow record reads
	escrowHandler := escrow.NewHandler(s.escrowSvc)
	escrowHandler.RegisterRoutes(v1)

	// Reputation and ratings
	reputation.NewHandler(s.repSvc).RegisterRoutes(v1)
	rating.NewHandler(s.ratingSvc).RegisterRoutes(v1)

	// Audit event feed and the WebSocket stream
	eventsHandler := events.NewHandler(s.eventStore, s.subStore, s.hub)
	eventsHandler.RegisterRoutes(v1)

	// Account-scoped surfaces: balances, ledger history, webhook
	// subscriptions. Only the account owner (or an admin) may use them.
	ledgerHandler := ledger.NewHandler(s.ledgerSvc, s.logger)
	owned := v1.Group("")
	owned.Use(auth.RequireAuth(), auth.RequireOwnership("address"))
	{
		ledgerHandler.RegisterRoutes(owned)
		eventsHandler.RegisterAccountRoutes(owned)
	}

	var settlementHandler *settlement.Handler
	if s.settlementSvc != nil {
		settlementHandler = settlement.NewHandler(s.settlementSvc)
		settlementHandler.RegisterRoutes(v1)
	}
	if s.fundingSvc != nil {
		funding.NewHandler(s.fundingSvc).RegisterRoutes(v1)
	}

	// Admin surface: dispute resolution, escrow payouts, the ledger
	// total, reconciliation and the custody wallet.
	admin := v1.Group("")
	admin.Use(auth.RequireAdmin(s.authMgr))
	{
		arbHandler.RegisterAdminRoutes(admin)
		escrowHandler.RegisterAdminRoutes(admin)
		ledgerHandler.RegisterAdminRoutes(admin)
		reconcile.NewHandler(s.reconciler).RegisterAdminRoutes(admin)
		if settlementHandler != nil {
			settlementHandler.RegisterAdminRoutes(admin)
		}
	}
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
	healthy, statuses := s.checks.CheckAll(c.Request.Context())

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
		"name":        "Peertrade",
		"description": "Escrowed peer-to-peer trade coordination",
		"version":     "0.1.0",
	})
}

// platformHandler returns platform info including fee and custody details
func (s *Server) platformHandler(c *gin.Context) {
	resp := gin.H{
		"platform": gin.H{
			"name":               "Peertrade",
			"version":            "0.1.0",
			"feeBps":             s.cfg.FeeBPS,
			"tradeWindowSeconds": s.cfg.TradeWindowSeconds,
			"capabilities":       s.caps.List(),
		},
		"features": gin.H{
			"settlement": s.settlementSvc != nil,
			"funding":    s.fundingSvc != nil,
		},
	}

	if s.custody != nil {
		resp["custody"] = gin.H{
			"depositAddress": s.custody.Address(),
			"chainId":        s.cfg.ChainID,
			"tokenContract":  s.cfg.TokenContract,
		}
	}

	c.JSON(http.StatusOK, resp)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
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

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start the event hub (WebSocket fan-out)
	go s.hub.Run(runCtx)

	// Start the on-chain deposit watcher
	if s.watcher != nil {
		if err := s.watcher.Start(runCtx); err != nil {
			s.logger.Error("failed to start deposit watcher", "error", err)
		}
	}

	// Start the expiry sweeps and the reconciliation loop
	go s.tradeTimer.Start(runCtx)
	go s.disputeTimer.Start(runCtx)
	go s.reconcileTimer.Start(runCtx)

	// Export connection pool gauges
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
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

	// Cancel the context for all background goroutines (hub, timers, watcher)
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

	// Stop the sweep timers
	s.tradeTimer.Stop()
	s.disputeTimer.Stop()
	s.reconcileTimer.Stop()
	s.logger.Info("timers stopped")

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Stop deposit watcher
	if s.watcher != nil {
		s.watcher.Stop()
		s.logger.Info("deposit watcher stopped")
	}

	// Close custody RPC connection
	if s.custody != nil {
		if err := s.custody.Close(); err != nil {
			s.logger.Error("custody close error", "error", err)
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
