package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"

	"github.com/prooflink/prooflink/config"
	"github.com/prooflink/prooflink/internal/prover"
	"github.com/prooflink/prooflink/internal/signal"
	"github.com/prooflink/prooflink/internal/storage"
	"github.com/prooflink/prooflink/pkg/logger"
)

var (
	apiRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prooflink_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	apiRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "prooflink_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
)

// Server exposes the relay over REST: publishing callback requests without
// going through the contract, and querying request state.
type Server struct {
	config  config.APIConfig
	store   storage.Storage
	client  prover.Client
	newWork *signal.Notifier
	log     *logger.Logger
	router  *gin.Engine
	server  *http.Server
	limiter *rate.Limiter
}

// NewServer creates the REST server. newWork is raised after each accepted
// publish so the pending manager picks the request up immediately.
func NewServer(
	cfg config.APIConfig,
	store storage.Storage,
	client prover.Client,
	newWork *signal.Notifier,
	log *logger.Logger,
) *Server {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 100
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		config:  cfg,
		store:   store,
		client:  client,
		newWork: newWork,
		log:     log,
		router:  router,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimit*2),
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	// Rate limiting middleware
	s.router.Use(func(c *gin.Context) {
		if !s.limiter.Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limit_exceeded",
				"message": "Too many requests, please try again later",
			})
			c.Abort()
			return
		}
		c.Next()
	})

	// Logging and metrics middleware
	s.router.Use(func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		c.Next()

		duration := time.Since(start)
		status := c.Writer.Status()

		s.log.Info("API request",
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"duration_ms", duration.Milliseconds(),
			"ip", c.ClientIP(),
		)

		apiRequestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(status)).Inc()
		apiRequestDuration.WithLabelValues(c.Request.Method, path).Observe(duration.Seconds())
	})

	// Timeout middleware
	if s.config.Timeout > 0 {
		s.router.Use(func(c *gin.Context) {
			ctx, cancel := context.WithTimeout(c.Request.Context(), s.config.Timeout)
			defer cancel()

			c.Request = c.Request.WithContext(ctx)
			c.Next()
		})
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	v1 := s.router.Group("/api/v1")
	{
		callbacks := v1.Group("/callbacks")
		callbacks.Use(s.requireAPIKey())
		{
			callbacks.POST("", s.handlePublishCallback)
		}

		requests := v1.Group("/requests")
		{
			requests.GET("/:id", s.handleGetRequest)
		}
	}
}

// Start serves requests until Stop or a listener error.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.log.Info("Starting API server", "address", addr)

	s.server = &http.Server{
		Addr:           addr,
		Handler:        s.router,
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start API server: %w", err)
	}

	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.log.Info("Stopping API server")
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// requireAPIKey gates mutating routes behind a bearer token when one is
// configured. An empty key leaves the route open.
func (s *Server) requireAPIKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.config.APIKey == "" {
			c.Next()
			return
		}
		if c.GetHeader("Authorization") != "Bearer "+s.config.APIKey {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "missing or invalid API key",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}
