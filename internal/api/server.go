package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"sankey-license-server/config"
	"sankey-license-server/internal/application"
	"sankey-license-server/internal/auth"
	"sankey-license-server/internal/database"
	"sankey-license-server/internal/events"
	"sankey-license-server/internal/integration"
	"sankey-license-server/internal/logging"
	"sankey-license-server/internal/queue"
	"sankey-license-server/internal/secrets"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// RateLimiter provides simple in-memory rate limiting per key
type RateLimiter struct {
	requests map[string][]time.Time
	mu       sync.Mutex
	limit    int           // max requests
	window   time.Duration // time window
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
}

// Allow checks if a request is allowed for the given key
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-r.window)

	// Filter out old requests
	var recent []time.Time
	for _, t := range r.requests[key] {
		if t.After(windowStart) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}

	r.requests[key] = append(recent, now)
	return true
}

// Server represents the HTTP API server
type Server struct {
	router      *gin.Engine
	httpServer  *http.Server
	repo        *database.Repository
	lifecycle   *application.Lifecycle
	protocol    *integration.Protocol
	secretStore *secrets.Store
	delayQueue  *queue.DelayQueue
	eventBus    *events.EventBus
	jwtManager  *auth.JWTManager
	config      config.ServerConfig
	rateLimiter *RateLimiter
	logger      *logging.Logger
}

// NewServer creates a new API server
func NewServer(
	cfg config.ServerConfig,
	repo *database.Repository,
	lifecycle *application.Lifecycle,
	protocol *integration.Protocol,
	secretStore *secrets.Store,
	delayQueue *queue.DelayQueue,
	eventBus *events.EventBus,
	jwtManager *auth.JWTManager,
) *Server {
	// Set Gin mode
	if cfg.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()

	// Middleware
	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	// CORS middleware
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = cfg.AllowedOrigins
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.ExposeHeaders = []string{"Content-Length"}
	corsConfig.AllowCredentials = true
	router.Use(cors.New(corsConfig))

	server := &Server{
		router:      router,
		repo:        repo,
		lifecycle:   lifecycle,
		protocol:    protocol,
		secretStore: secretStore,
		delayQueue:  delayQueue,
		eventBus:    eventBus,
		jwtManager:  jwtManager,
		config:      cfg,
		rateLimiter: NewRateLimiter(60, time.Minute), // webhook burst protection
		logger:      logging.WithComponent("api"),
	}

	server.setupRoutes()

	// Stream lifecycle events to connected operator sockets
	InitEventStream(eventBus)

	return server
}

// rateLimitMiddleware limits requests per client IP. Applied only to the
// unauthenticated webhook endpoint.
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.rateLimiter.Allow(c.ClientIP()) {
			c.JSON(http.StatusTooManyRequests, Response{
				Success:   false,
				Message:   "rate limit exceeded",
				Timestamp: time.Now().UTC().Format(time.RFC3339),
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	// Health check
	s.router.GET("/health", s.handleHealth)

	// Webhook intake (authenticated by the submission token itself)
	webhookGroup := s.router.Group("/api/webhook")
	webhookGroup.Use(s.rateLimitMiddleware())
	{
		webhookGroup.POST("/license", s.handleWebhookSubmission)
	}

	// Management API (bearer token required)
	api := s.router.Group("/api")
	api.Use(auth.Middleware(s.jwtManager))
	{
		// Application endpoints
		api.GET("/applications", s.handleListApplications)
		api.GET("/applications/:appKey", s.handleGetApplication)
		api.GET("/applications/:appKey/history", s.handleGetHistory)
		api.POST("/applications/:appKey/cancel", s.handleCancelApplication)

		// Operator-only transitions
		operator := api.Group("")
		operator.Use(auth.RequireOperator())
		{
			operator.POST("/applications/:appKey/approve", s.handleApproveApplication)
			operator.POST("/applications/:appKey/reject", s.handleRejectApplication)
			operator.POST("/applications/:appKey/revoke", s.handleRevokeApplication)
			operator.POST("/applications/:appKey/retry", s.handleRetryNotification)
			operator.GET("/ws", s.handleEventStream)
		}

		// Profile endpoints
		profile := api.Group("/profile")
		{
			profile.GET("", s.handleGetProfile)
			profile.PUT("", s.handleUpdateNotifications)
			profile.POST("/setup-test", s.handleSetupTest)
		}

		// Integration test endpoints
		itest := api.Group("/integration-test")
		{
			itest.POST("/start", s.handleStartIntegrationTest)
			itest.GET("/status", s.handleIntegrationTestStatus)
			itest.POST("/complete", s.handleCompleteIntegrationTest)
		}
	}
}

// Start runs the HTTP server. Blocks until shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("Starting HTTP server", "addr", addr)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}

	return nil
}

// handleHealth returns server health status
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	checks := gin.H{
		"database": "healthy",
		"queue":    "healthy",
		"secrets":  "healthy",
	}
	healthy := true

	if err := s.repo.HealthCheck(ctx); err != nil {
		checks["database"] = "unhealthy"
		healthy = false
	}
	if err := s.delayQueue.Health(ctx); err != nil {
		checks["queue"] = "unhealthy"
		healthy = false
	}
	if err := s.secretStore.Health(ctx); err != nil {
		checks["secrets"] = "unhealthy"
		healthy = false
	}

	if wsHub != nil {
		checks["ws_clients"] = wsHub.GetClientCount()
	}

	status := http.StatusOK
	checks["status"] = "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		checks["status"] = "unhealthy"
	}
	c.JSON(status, checks)
}
