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

	"github.com/leadflowhq/leadflow/internal/auth"
	"github.com/leadflowhq/leadflow/internal/circuitbreaker"
	"github.com/leadflowhq/leadflow/internal/config"
	"github.com/leadflowhq/leadflow/internal/credit"
	"github.com/leadflowhq/leadflow/internal/health"
	"github.com/leadflowhq/leadflow/internal/idgen"
	"github.com/leadflowhq/leadflow/internal/logging"
	"github.com/leadflowhq/leadflow/internal/meter"
	"github.com/leadflowhq/leadflow/internal/metrics"
	"github.com/leadflowhq/leadflow/internal/overage"
	"github.com/leadflowhq/leadflow/internal/quota"
	"github.com/leadflowhq/leadflow/internal/ratelimit"
	"github.com/leadflowhq/leadflow/internal/realtime"
	"github.com/leadflowhq/leadflow/internal/security"
	"github.com/leadflowhq/leadflow/internal/tenant"
	"github.com/leadflowhq/leadflow/internal/traces"
	"github.com/leadflowhq/leadflow/internal/validation"
	"github.com/leadflowhq/leadflow/internal/webhooks"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg            *config.Config
	tenants        tenant.Store
	authMgr        *auth.Manager
	creditService  *credit.Service
	creditTimer    *credit.Timer
	enforcer       *quota.Enforcer
	overageService *overage.Service
	overageTimer   *overage.Timer
	meter          *meter.Meter
	webhooks       *webhooks.Dispatcher
	webhookStore   webhooks.Store
	realtimeHub    *realtime.Hub
	rateLimiter    *ratelimit.Limiter
	checks         *health.Registry
	db             *sql.DB // nil if using in-memory
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	tracerShutdown func(context.Context) error
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run

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

// WithTenantStore sets a custom tenant store (for testing)
func WithTenantStore(store tenant.Store) Option {
	return func(s *Server) {
		s.tenants = store
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
		checks: health.NewRegistry(),
	}

	// Apply options first (may set stores/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	// Tracing (no-op when OTLP_ENDPOINT is unset)
	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.tracerShutdown = shutdown
	}

	var (
		creditStore  credit.Store
		usageStore   quota.UsageStore
		quotaStore   quota.QuotaStore
		overageStore overage.Store
	)

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
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

		// Tenants with Postgres
		if s.tenants == nil {
			tenantStore := tenant.NewPostgresStore(db)
			if err := tenantStore.Migrate(ctx); err != nil {
				s.logger.Warn("failed to migrate tenant store", "error", err)
			}
			s.tenants = tenantStore
		}

		// API keys with Postgres
		authStore := auth.NewPostgresStore(db)
		if err := authStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate auth store", "error", err)
		}
		s.authMgr = auth.NewManager(authStore)

		// Credit balances with Postgres
		creditPG := credit.NewPostgresStore(db)
		if err := creditPG.Migrate(); err != nil {
			s.logger.Warn("failed to migrate credit store", "error", err)
		}
		creditStore = creditPG

		// Usage summaries and legacy quotas with Postgres
		usagePG := quota.NewPostgresUsageStore(db)
		if err := usagePG.Migrate(); err != nil {
			s.logger.Warn("failed to migrate usage store", "error", err)
		}
		usageStore = usagePG

		quotaPG := quota.NewPostgresQuotaStore(db)
		if err := quotaPG.Migrate(); err != nil {
			s.logger.Warn("failed to migrate quota store", "error", err)
		}
		quotaStore = quotaPG

		// Overage charges with Postgres
		overagePG := overage.NewPostgresStore(db)
		if err := overagePG.Migrate(); err != nil {
			s.logger.Warn("failed to migrate overage store", "error", err)
		}
		overageStore = overagePG

		// Webhooks with Postgres
		webhookStore := webhooks.NewPostgresStore(db)
		if err := webhookStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate webhook store", "error", err)
		}
		s.webhookStore = webhookStore

		s.checks.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")

		if s.tenants == nil {
			s.tenants = tenant.NewMemoryStore()
		}
		s.authMgr = auth.NewManager(auth.NewMemoryStore())
		creditStore = credit.NewMemoryStore()
		usageStore = quota.NewMemoryUsageStore()
		quotaStore = quota.NewMemoryQuotaStore()
		overageStore = overage.NewMemoryStore()
		s.webhookStore = webhooks.NewMemoryStore()
	}

	// Webhook dispatch + realtime streaming, fanned out to both from one
	// notifier so services stay transport-agnostic.
	s.webhooks = webhooks.NewDispatcher(s.webhookStore)
	s.realtimeHub = realtime.NewHub(s.logger)
	events := &eventFanout{
		emitter: webhooks.NewEmitter(s.webhooks, s.logger),
		hub:     s.realtimeHub,
	}
	s.logger.Info("webhooks enabled")
	s.logger.Info("realtime streaming enabled")

	// Credit balances (dual lifetime/monthly pools)
	s.creditService = credit.NewService(creditStore, s.tenants).WithNotifier(events)
	s.creditTimer = credit.NewTimer(s.creditService, s.logger)
	s.logger.Info("credit system enabled")

	// Operation ceilings + usage recording
	s.enforcer = quota.NewEnforcer(usageStore, quotaStore, s.tenants, s.creditService)

	// Overage billing. Without a Stripe key, charges are still recorded and
	// can be marked invoiced manually (demo mode).
	var invoicer overage.Invoicer
	if cfg.StripeAPIKey != "" {
		breaker := circuitbreaker.New(5, 2*time.Minute)
		invoicer = overage.NewStripeInvoicer(cfg.StripeAPIKey, breaker)
		s.logger.Info("stripe invoicing enabled")
	} else {
		s.logger.Info("stripe invoicing disabled (no STRIPE_API_KEY)")
	}
	s.overageService = overage.NewService(overageStore, s.tenants, invoicer).WithNotifier(events)
	s.overageTimer = overage.NewTimer(s.overageService, cfg.OverageInvoiceDay, s.logger)
	s.logger.Info("overage billing enabled", "invoice_day", cfg.OverageInvoiceDay)

	// Metered charge facade used by the billable endpoints
	s.meter = meter.New(s.enforcer, s.creditService, s.overageService, events)

	s.logger.Info("API authentication enabled")

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

	// API key resolution. Permissive: annotates the context when a valid key
	// is presented, the per-group guards do the rejecting. Runs before the
	// rate limiter so authenticated requests are limited per tenant.
	s.router.Use(auth.Middleware(s.authMgr))

	// Rate limiting: plan RPM for authenticated tenants, config fallback
	rlCfg := ratelimit.DefaultConfig()
	rlCfg.RequestsPerMinute = s.cfg.RateLimitRPM
	s.rateLimiter = ratelimit.New(rlCfg, s.planRPM)
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

// planRPM resolves a tenant's plan rate limit for the rate limiter.
// Zero tells the limiter to use the config fallback.
func (s *Server) planRPM(tenantID string) int {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	t, err := s.tenants.Get(ctx, tenantID)
	if err != nil {
		return 0
	}
	return tenant.ConfigForPlan(t.Plan).RateLimitRPM
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

	// WebSocket for real-time streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")
	// Validate :id tenant params on all v1 routes (no-op when param absent)
	v1.Use(validation.TenantParamMiddleware())

	// PUBLIC ROUTES (no auth required)
	v1.GET("/plans", s.plansHandler)

	// REGISTRATION (public but returns API key)
	v1.POST("/tenants", s.registerTenantWithAPIKey)

	// AUTH INFO (public)
	authHandler := auth.NewHandler(s.authMgr)
	v1.GET("/auth/info", authHandler.Info)

	// API key management (requires auth, not tied to a :id param)
	keys := v1.Group("")
	keys.Use(auth.RequireAuth(s.authMgr))
	{
		keys.GET("/auth/keys", authHandler.ListKeys)
		keys.POST("/auth/keys", authHandler.CreateKey)
		keys.DELETE("/auth/keys/:keyId", authHandler.RevokeKey)
		keys.POST("/auth/keys/:keyId/regenerate", authHandler.RegenerateKey)
		keys.GET("/auth/me", authHandler.GetCurrentTenant)
	}

	// TENANT-SCOPED ROUTES (must own the tenant named in the path)
	tenantHandler := tenant.NewHandler(s.tenants)
	creditHandler := credit.NewHandler(s.creditService)
	quotaHandler := quota.NewHandler(s.enforcer)
	overageHandler := overage.NewHandler(s.overageService)
	webhookHandler := webhooks.NewHandler(s.webhookStore, s.webhooks)

	protected := v1.Group("")
	protected.Use(auth.RequireTenant(s.authMgr, "id"))
	{
		tenantHandler.RegisterProtectedRoutes(protected)
		creditHandler.RegisterProtectedRoutes(protected)
		quotaHandler.RegisterProtectedRoutes(protected)
		overageHandler.RegisterProtectedRoutes(protected)
		webhookHandler.RegisterRoutes(protected)

		// Metered AI operations run through the meter facade
		protected.POST("/tenants/:id/generate", s.generateHandler)
	}

	// ADMIN ROUTES (X-Admin-Secret header)
	admin := v1.Group("/admin")
	admin.Use(auth.RequireAdmin(s.cfg.AdminSecret))
	{
		tenantHandler.RegisterAdminRoutes(admin)
		creditHandler.RegisterAdminRoutes(admin)
		overageHandler.RegisterAdminRoutes(admin)
		admin.GET("/stream/stats", s.streamStatsHandler)
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.checks.CheckAll(ctx)

	checks := make(map[string]string, len(statuses))
	for _, st := range statuses {
		if st.Healthy {
			checks[st.Name] = "healthy"
		} else {
			checks[st.Name] = "unhealthy"
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   "0.1.0",
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
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
		"name":        "LeadFlow",
		"description": "AI credit metering and billing for marketing teams",
		"version":     "0.1.0",
	})
}

// plansHandler returns the public plan catalogue.
func (s *Server) plansHandler(c *gin.Context) {
	plans := make([]gin.H, 0, len(tenant.Plans))
	for _, p := range []tenant.Plan{tenant.PlanFree, tenant.PlanStarter, tenant.PlanGrowth, tenant.PlanAgency} {
		cfg := tenant.Plans[p]
		plans = append(plans, gin.H{
			"plan":            p,
			"lifetimeCredits": cfg.AILifetimeCredits,
			"monthlyCredits":  cfg.MonthlyCredits(),
			"maxImages":       cfg.MaxImagesPerMonth,
			"maxText":         cfg.MaxTextPerMonth,
			"maxTTS":          cfg.MaxTTSPerMonth,
			"maxVideos":       cfg.MaxVideosPerMonth,
			"allowOverage":    cfg.AllowOverage,
			"overagePriceUsd": cfg.OveragePriceUSD,
			"rateLimitRpm":    cfg.RateLimitRPM,
		})
	}
	c.JSON(http.StatusOK, gin.H{"plans": plans})
}

func (s *Server) streamStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.realtimeHub.Stats())
}

// registerTenantWithAPIKey handles POST /v1/tenants.
// Registration is public; the response carries the tenant's first API key.
func (s *Server) registerTenantWithAPIKey(c *gin.Context) {
	ctx := c.Request.Context()

	var req struct {
		Name string      `json:"name" binding:"required"`
		Slug string      `json:"slug" binding:"required"`
		Plan tenant.Plan `json:"plan"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if !validation.IsValidSlug(req.Slug) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_slug",
			"message": "slug must be lowercase letters, digits, and hyphens",
		})
		return
	}
	if req.Plan == "" {
		req.Plan = tenant.PlanFree
	}
	if !tenant.ValidPlan(req.Plan) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_plan",
			"message": "plan must be one of: free, starter, growth, agency",
		})
		return
	}

	now := time.Now().UTC()
	t := &tenant.Tenant{
		ID:        idgen.WithPrefix("ten_"),
		Name:      validation.SanitizeString(req.Name, 200),
		Slug:      req.Slug,
		Plan:      req.Plan,
		Status:    tenant.StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.tenants.Create(ctx, t); err != nil {
		if errors.Is(err, tenant.ErrSlugTaken) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "slug_taken",
				"message": "A tenant with this slug is already registered",
			})
			return
		}
		s.logger.Error("failed to create tenant", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to register tenant",
		})
		return
	}

	// Generate API key for the new tenant
	rawKey, keyInfo, err := s.authMgr.GenerateKey(ctx, t.ID, "Primary key")
	if err != nil {
		s.logger.Error("failed to generate API key", "error", err)
		// Tenant was created but key generation failed
		// Still return success but note the issue
		c.JSON(http.StatusCreated, gin.H{
			"tenant":  t,
			"warning": "Tenant registered but API key generation failed. Contact support.",
		})
		return
	}

	s.logger.Info("tenant registered with API key",
		"tenant_id", t.ID,
		"slug", t.Slug,
		"plan", t.Plan,
		"keyId", keyInfo.ID,
	)

	c.JSON(http.StatusCreated, gin.H{
		"tenant":  t,
		"apiKey":  rawKey,
		"keyId":   keyInfo.ID,
		"warning": "Store this API key securely. It will not be shown again.",
		"usage":   "Include 'Authorization: Bearer <apiKey>' header in requests.",
	})
}

// generateHandler handles POST /v1/tenants/:id/generate.
// It runs the requested AI operation through the meter: ceiling check,
// credit check, the upstream call, then settlement. The upstream call is a
// stub here; production workers swap in the real provider client.
func (s *Server) generateHandler(c *gin.Context) {
	ctx := c.Request.Context()
	tenantID := c.Param("id")

	var req struct {
		Operation string `json:"operation" binding:"required"`
		Prompt    string `json:"prompt"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	op, err := quota.ParseOperationType(req.Operation)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_operation",
			"message": err.Error(),
		})
		return
	}

	ctx, span := traces.StartSpan(ctx, "meter.charge",
		traces.TenantID(tenantID), traces.Operation(string(op)))
	defer span.End()

	var output string
	result, err := s.meter.Charge(ctx, tenantID, op, quota.CreditCost(op), func(ctx context.Context) error {
		output = s.runGeneration(op, req.Prompt)
		return nil
	})
	if err != nil {
		if errors.Is(err, meter.ErrDenied) {
			c.JSON(http.StatusPaymentRequired, gin.H{
				"error":   "quota_exceeded",
				"message": result.Reason,
				"limit":   result.Limit,
			})
			return
		}
		if errors.Is(err, tenant.ErrTenantNotFound) || errors.Is(err, credit.ErrTenantNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "tenant_not_found",
				"message": "Tenant not found",
			})
			return
		}
		logging.L(ctx).Error("metered generation failed",
			"tenant_id", tenantID, "operation", op, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Generation failed",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"operation":   op,
		"output":      output,
		"creditsUsed": result.CreditsUsed,
		"isOverage":   result.IsOverage,
	})
}

// runGeneration is the placeholder upstream AI call behind the metered
// endpoint. TODO: replace with the Gemini client once the provider
// integration lands.
func (s *Server) runGeneration(op quota.OperationType, prompt string) string {
	switch op {
	case quota.OpImageGeneration:
		return "https://assets.leadflow.dev/demo/image.png"
	case quota.OpTextToSpeech:
		return "https://assets.leadflow.dev/demo/audio.mp3"
	case quota.OpVideoGeneration:
		return "https://assets.leadflow.dev/demo/video.mp4"
	default:
		if prompt == "" {
			return "Sample marketing copy."
		}
		return "Sample marketing copy for: " + prompt
	}
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
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	if s.realtimeHub != nil {
		go s.realtimeHub.Run(runCtx)
	}

	// Start monthly credit reset sweeper
	if s.creditTimer != nil {
		go s.creditTimer.Start(runCtx)
	}

	// Start overage billing timer
	if s.overageTimer != nil {
		go s.overageTimer.Start(runCtx)
	}

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

	// Cancel the context for all background goroutines (hub, timers)
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

	// Stop credit timer
	if s.creditTimer != nil {
		s.creditTimer.Stop()
		s.logger.Info("credit timer stopped")
	}

	// Stop overage billing timer
	if s.overageTimer != nil {
		s.overageTimer.Stop()
		s.logger.Info("overage timer stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Flush traces
	if s.tracerShutdown != nil {
		if err := s.tracerShutdown(ctx); err != nil {
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

// -----------------------------------------------------------------------------
// Event fan-out
// -----------------------------------------------------------------------------

// eventFanout forwards settlement and billing events to both outbound
// webhooks and the realtime hub. It satisfies meter.Notifier,
// credit.Notifier, and overage.Notifier.
type eventFanout struct {
	emitter *webhooks.Emitter
	hub     *realtime.Hub
}

func (f *eventFanout) CreditsExhausted(ctx context.Context, tenantID, reason string) {
	f.emitter.CreditsExhausted(ctx, tenantID, reason)
	f.hub.Broadcast(&realtime.Event{
		Type:      realtime.EventCreditsExhausted,
		TenantID:  tenantID,
		Timestamp: time.Now(),
		Data:      map[string]interface{}{"reason": reason},
	})
}

func (f *eventFanout) CreditsReset(ctx context.Context, tenantID, month string) {
	f.emitter.CreditsReset(ctx, tenantID, month)
	f.hub.Broadcast(&realtime.Event{
		Type:      realtime.EventCreditsReset,
		TenantID:  tenantID,
		Timestamp: time.Now(),
		Data:      map[string]interface{}{"month": month},
	})
}

func (f *eventFanout) UsageRecorded(ctx context.Context, tenantID string, op quota.OperationType, credits int64) {
	f.emitter.UsageRecorded(ctx, tenantID, op, credits)
	f.hub.BroadcastUsage(tenantID, map[string]interface{}{
		"operation": string(op),
		"credits":   credits,
	})
}

func (f *eventFanout) OverageRecorded(ctx context.Context, charge *overage.Charge) {
	f.emitter.OverageRecorded(ctx, charge)
	f.hub.BroadcastOverage(charge.TenantID, map[string]interface{}{
		"chargeId":         charge.ID,
		"creditsOverLimit": charge.CreditsOverLimit,
		"chargeUsd":        charge.ChargeUSD,
	})
}

func (f *eventFanout) OverageInvoiced(ctx context.Context, charge *overage.Charge) {
	f.emitter.OverageInvoiced(ctx, charge)
	f.hub.BroadcastOverage(charge.TenantID, map[string]interface{}{
		"chargeId": charge.ID,
		"status":   string(charge.Status),
	})
}

func (f *eventFanout) OveragePaid(ctx context.Context, charge *overage.Charge) {
	f.emitter.OveragePaid(ctx, charge)
	f.hub.BroadcastOverage(charge.TenantID, map[string]interface{}{
		"chargeId": charge.ID,
		"status":   string(charge.Status),
	})
}

func (f *eventFanout) OverageWaived(ctx context.Context, charge *overage.Charge) {
	f.emitter.OverageWaived(ctx, charge)
	f.hub.BroadcastOverage(charge.TenantID, map[string]interface{}{
		"chargeId": charge.ID,
		"status":   string(charge.Status),
	})
}
