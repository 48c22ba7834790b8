package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sbswitch/sbswitch/internal/commands"
	"github.com/sbswitch/sbswitch/internal/config"
	"github.com/sbswitch/sbswitch/internal/errors"
	"github.com/sbswitch/sbswitch/internal/logging"
	"github.com/sbswitch/sbswitch/internal/metrics"
)

// Executor runs commands. *commands.Dispatcher implements it.
type Executor interface {
	Do(ctx context.Context, cmd commands.Command) (commands.Response, error)
}

// StatusFunc reports component details for the health endpoint.
type StatusFunc func(ctx context.Context) (map[string]interface{}, error)

// Server represents the HTTP API server
type Server struct {
	router      *gin.Engine
	config      config.ServerConfig
	apiConfig   config.APIConfig
	executor    Executor
	metrics     *metrics.Metrics
	logger      *logging.Logger
	rateLimiter *IPRateLimiter
	status      StatusFunc
	httpServer  *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics sets the metrics registry; a private one is created otherwise.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithStatus adds component details to /health.
func WithStatus(fn StatusFunc) Option {
	return func(s *Server) {
		s.status = fn
	}
}

// Router returns the gin router for testing purposes
func (s *Server) Router() *gin.Engine {
	return s.router
}

// NewServer creates a new API server. apiCfg is expected to be validated.
func NewServer(cfg config.ServerConfig, apiCfg config.APIConfig, executor Executor, opts ...Option) *Server {
	gin.SetMode(gin.ReleaseMode)

	server := &Server{
		router:      gin.New(),
		config:      cfg,
		apiConfig:   apiCfg,
		executor:    executor,
		logger:      logging.Nop(),
		rateLimiter: NewIPRateLimiter(apiCfg.RateLimit.RequestsPerMinute, apiCfg.RateLimit.Burst),
	}
	for _, opt := range opts {
		opt(server)
	}
	if server.metrics == nil {
		server.metrics = metrics.NewMetrics("sbswitch")
	}
	server.router.HandleMethodNotAllowed = true

	server.router.Use(gin.Recovery())
	server.router.Use(loggingMiddleware(server.logger))
	server.router.Use(metrics.Middleware(server.metrics, server.logger))
	server.router.Use(rateLimitMiddleware(server.rateLimiter, server.metrics.RecordRateLimited))

	maxBody := apiCfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 8 << 20
	}
	server.router.Use(bodyLimitMiddleware(maxBody))

	server.setupRoutes()
	return server
}

// loggingMiddleware provides structured logging for all requests
func loggingMiddleware(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		correlationID := c.GetHeader("X-Correlation-ID")
		if correlationID == "" {
			correlationID = logging.GenerateCorrelationID()
		}
		c.Header("X-Correlation-ID", correlationID)

		ctx := logging.WithCorrelationID(c.Request.Context(), correlationID)
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		logger.InfoWithContext(ctx, "request completed",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_seconds", time.Since(start).Seconds(),
		)
	}
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	// No authentication on metrics and health.
	s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	s.router.GET("/health", s.handleHealth)

	group := s.router.Group(s.apiConfig.BasePath)
	if s.apiConfig.Auth.Enabled {
		group.Use(APIKeyAuth(s.apiConfig.Auth.APIKeys, s.apiConfig.Auth.HeaderName, s.logger))
	}
	{
		group.POST("/commands", s.handleCommand)

		group.GET("/sessions", s.handleListSessions)
		group.POST("/sessions", s.handleSaveSession)
		group.PATCH("/sessions/:id", s.handleRenameSession)
		group.DELETE("/sessions/:id", s.handleDeleteSession)
		group.POST("/sessions/:id/switch", s.handleSwitchSession)

		group.POST("/refresh", s.handleRefresh)
		group.GET("/export", s.handleExport)
		group.POST("/import", s.handleImport)

		group.GET("/pending", s.handleGetPending)
		group.POST("/pending", s.handleSavePending)
		group.DELETE("/pending", s.handleDiscardPending)

		group.POST("/login", s.handleBeginLogin)
	}
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.config.Host, fmt.Sprintf("%d", s.config.HTTPPort))
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	addr := s.Addr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return &errors.ErrServerStart{Addr: addr, Err: err}
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = NewHTTPServer(ln.Addr().String(), s.router)
	s.logger.Info("starting HTTP server", "addr", ln.Addr().String(), "base_path", s.apiConfig.BasePath)

	timeout := s.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if err := Serve(ctx, s.httpServer, ln, timeout); err != nil {
		return err
	}
	s.logger.Info("HTTP server stopped")
	return nil
}

// handleHealth returns health status
func (s *Server) handleHealth(c *gin.Context) {
	body := gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	}
	if s.status != nil {
		details, err := s.status(c.Request.Context())
		if err != nil {
			body["status"] = "degraded"
			body["error"] = err.Error()
			c.JSON(http.StatusServiceUnavailable, body)
			return
		}
		for k, v := range details {
			body[k] = v
		}
	}
	c.JSON(http.StatusOK, body)
}
