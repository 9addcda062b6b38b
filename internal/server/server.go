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
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/meridianworks/meridian/internal/auth"
	"github.com/meridianworks/meridian/internal/chat"
	"github.com/meridianworks/meridian/internal/config"
	"github.com/meridianworks/meridian/internal/disputes"
	"github.com/meridianworks/meridian/internal/health"
	"github.com/meridianworks/meridian/internal/ledger"
	"github.com/meridianworks/meridian/internal/logging"
	"github.com/meridianworks/meridian/internal/metrics"
	"github.com/meridianworks/meridian/internal/notify"
	"github.com/meridianworks/meridian/internal/offers"
	"github.com/meridianworks/meridian/internal/orders"
	"github.com/meridianworks/meridian/internal/payments"
	"github.com/meridianworks/meridian/internal/ratelimit"
	"github.com/meridianworks/meridian/internal/realtime"
	"github.com/meridianworks/meridian/internal/scheduler"
	"github.com/meridianworks/meridian/internal/security"
	"github.com/meridianworks/meridian/internal/traces"
	"github.com/meridianworks/meridian/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	authMgr     *auth.Manager
	ledger      *ledger.Ledger
	payments    *payments.Service
	chatStore   chat.Store
	offers      *offers.Service
	orders      *orders.Service
	disputes    *disputes.Service
	sched       *scheduler.Scheduler
	realtimeHub *realtime.Hub
	rateLimiter *ratelimit.Limiter
	checks      *health.Registry
	db          *sql.DB // nil if using in-memory
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger

	cancelRunCtx context.CancelFunc          // cancels background goroutines started in Run
	traceStop    func(context.Context) error // flushes the tracer provider, nil if disabled

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

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	for _, opt := range opts {
		opt(s)
	}

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		authStore    auth.Store
		ledgerStore  ledger.Store
		warningStore payments.WarningStore
		offerStore   offers.Store
		orderStore   orders.Store
		disputeStore disputes.Store
		markerStore  notify.MarkerStore
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
		authStore = auth.NewPostgresStore(db)
		ledgerStore = ledger.NewPostgresStore(db)
		warningStore = payments.NewPostgresWarningStore(db)
		s.chatStore = chat.NewPostgresStore(db)
		offerStore = offers.NewPostgresStore(db)
		orderStore = orders.NewPostgresStore(db)
		disputeStore = disputes.NewPostgresStore(db)
		markerStore = notify.NewPostgresMarkerStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		authStore = auth.NewMemoryStore()
		ledgerStore = ledger.NewMemoryStore()
		warningStore = payments.NewMemoryWarningStore()
		s.chatStore = chat.NewMemoryStore()
		offerStore = offers.NewMemoryStore()
		orderStore = orders.NewMemoryStore()
		disputeStore = disputes.NewMemoryStore()
		markerStore = notify.NewMemoryMarkerStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	s.authMgr = auth.NewManager(authStore)
	s.ledger = ledger.New(ledgerStore)

	// Payment capture across rails
	s.payments = payments.NewService(s.ledger, warningStore, cfg.GatewayFeePct, cfg.GatewayTimeout).
		WithLogger(s.logger)
	if cfg.StripeSecretKey != "" {
		s.payments = s.payments.WithCardGateway(payments.NewStripeGateway(cfg.StripeSecretKey))
		s.logger.Info("card rail enabled")
	}
	if cfg.WalletGatewayURL != "" {
		if err := security.ValidateEndpointURL(cfg.WalletGatewayURL); err != nil {
			return nil, fmt.Errorf("invalid wallet gateway URL: %w", err)
		}
		s.payments = s.payments.WithWalletGateway(payments.NewHTTPWalletGateway(cfg.WalletGatewayURL))
		s.logger.Info("wallet rail enabled", "gateway", cfg.WalletGatewayURL)
	}

	// Realtime hub and notification sender
	s.realtimeHub = realtime.NewHub(s.logger)
	sender := notify.NewLogSender(s.logger)

	// Domain services
	s.offers = offers.NewService(offerStore, orderStore, s.chatStore, s.payments, cfg.OfferResponseHours, cfg.ServiceFeePct).
		WithLogger(s.logger).
		WithPublisher(s.realtimeHub).
		WithNotifier(sender)

	s.orders = orders.NewService(orderStore, s.ledger, cfg.CancellationWindow).
		WithLogger(s.logger).
		WithPublisher(s.realtimeHub).
		WithNotifier(sender)

	s.disputes = disputes.NewService(disputeStore, orderStore, s.ledger, disputes.Config{
		ResponseWindow:    cfg.DisputeResponseWindow,
		NegotiationWindow: cfg.NegotiationWindow,
		FeeDeadline:       cfg.ArbitrationFeeDeadline,
		ArbitrationFee:    cfg.ArbitrationFee,
	}).
		WithLogger(s.logger).
		WithPublisher(s.realtimeHub).
		WithNotifier(sender)

	// Background sweeps
	reminders := scheduler.NewReminders(orderStore, markerStore, sender, s.logger)
	s.sched = scheduler.New(s.logger)
	s.sched.Register("expire_offers", 5*time.Minute, s.offers.ExpireDue)
	s.sched.Register("auto_cancel_orders", time.Minute, s.orders.AutoCancelDue)
	s.sched.Register("auto_close_disputes", time.Minute, s.disputes.AutoCloseDue)
	s.sched.Register("cancellation_reminders", 10*time.Minute, reminders.SendCancellationReminders)
	s.sched.Register("delivery_reminders", 10*time.Minute, reminders.SendDeliveryReminders)
	s.sched.Register("review_reminders", 30*time.Minute, reminders.SendReviewReminders)

	// Subsystem health checks
	s.checks = health.NewRegistry()
	if s.db != nil {
		s.checks.Register("database", func(ctx context.Context) error {
			return s.db.PingContext(ctx)
		})
	}
	s.checks.Register("scheduler", func(context.Context) error {
		if s.ready.Load() && !s.sched.Running() {
			return errors.New("scheduler stopped")
		}
		return nil
	})

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
	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
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

	// WebSocket for real-time deal events. Browsers cannot set headers on
	// websocket upgrades, so the key may also arrive as a query param.
	s.router.GET("/ws", auth.Middleware(s.authMgr), s.websocketHandler)

	// V1 API group
	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(s.authMgr))

	authHandler := auth.NewHandler(s.authMgr)

	// PUBLIC ROUTES (no auth required)
	v1.GET("/auth/info", authHandler.Info)
	v1.POST("/auth/register", authHandler.Register)

	// PROTECTED ROUTES (require API key)
	protected := v1.Group("")
	protected.Use(auth.RequireAuth())
	{
		offers.NewHandler(s.offers).RegisterProtectedRoutes(protected)
		orders.NewHandler(s.orders).RegisterProtectedRoutes(protected)
		disputes.NewHandler(s.disputes).RegisterProtectedRoutes(protected)

		// Conversations backing the offer cards
		protected.POST("/conversations", s.ensureConversation)
		protected.GET("/conversations/:id/messages", s.listConversationMessages)

		// Wallet (balance and transaction history are private to the owner)
		owned := protected.Group("", auth.RequireOwnership("id"))
		ledger.NewHandler(s.ledger).RegisterRoutes(owned)

		// API key management
		protected.GET("/auth/keys", authHandler.ListKeys)
		protected.POST("/auth/keys", authHandler.CreateKey)
		protected.DELETE("/auth/keys/:keyId", authHandler.RevokeKey)
		protected.POST("/auth/keys/:keyId/regenerate", authHandler.RegenerateKey)
		protected.GET("/auth/me", authHandler.GetCurrentUser)
	}

	// ADMIN ROUTES (require the admin secret on top of a valid key)
	admin := v1.Group("")
	admin.Use(auth.RequireAdmin(s.cfg.AdminSecret))
	{
		disputes.NewHandler(s.disputes).RegisterAdminRoutes(admin)
		payments.NewHandler(s.payments).RegisterAdminRoutes(admin)
		admin.GET("/admin/realtime/stats", func(c *gin.Context) {
			c.JSON(http.StatusOK, s.realtimeHub.Stats())
		})
	}
}

func (s *Server) websocketHandler(c *gin.Context) {
	userID := c.GetString(auth.ContextKeyUserID)
	if userID == "" {
		if token := c.Query("token"); token != "" {
			key, err := s.authMgr.ValidateKey(c.Request.Context(), token)
			if err == nil {
				userID = key.UserID
			}
		}
	}
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "API key required. Pass it as a Bearer header or ?token= query param.",
		})
		return
	}

	s.realtimeHub.HandleWebSocket(c.Writer, c.Request, userID)
}

// ensureConversation handles POST /v1/conversations. Conversations are
// keyed by their participant pair, so repeated calls return the same one.
func (s *Server) ensureConversation(c *gin.Context) {
	var req struct {
		ParticipantID string `json:"participantId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.ParticipantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "participantId is required"})
		return
	}

	callerID := c.GetString(auth.ContextKeyUserID)
	if req.ParticipantID == callerID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Cannot open a conversation with yourself"})
		return
	}

	conv, err := s.chatStore.EnsureConversation(c.Request.Context(), []string{callerID, req.ParticipantID})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, conv)
}

// listConversationMessages handles GET /v1/conversations/:id/messages
func (s *Server) listConversationMessages(c *gin.Context) {
	conversationID := c.Param("id")
	callerID := c.GetString(auth.ContextKeyUserID)

	ok, err := s.chatStore.IsParticipant(c.Request.Context(), conversationID, callerID)
	if err != nil {
		if errors.Is(err, chat.ErrConversationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Conversation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	if !ok {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "Not a participant in this conversation"})
		return
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}

	messages, err := s.chatStore.ListMessages(c.Request.Context(), conversationID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"messages": messages, "count": len(messages)})
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

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	// Tracing (no-op when no OTLP endpoint is configured)
	traceStop, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.traceStop = traceStop
	}

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

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Start background sweeps
	go s.sched.Start(runCtx)

	// Export connection pool stats
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
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

	// Cancel the context for all background goroutines (hub, scheduler)
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

	// Stop background sweeps
	if s.sched != nil {
		s.sched.Stop()
		s.logger.Info("scheduler stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Flush traces
	if s.traceStop != nil {
		if err := s.traceStop(ctx); err != nil {
			s.logger.Error("tracer shutdown error", "error", err)
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
