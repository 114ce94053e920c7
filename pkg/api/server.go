// Package api exposes the session registry over HTTP: a JWT-protected gin
// REST surface and a websocket gateway that bridges browser clients to the
// document topics on the bus.
package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/developer-mesh/collabcore/pkg/auth"
	"github.com/developer-mesh/collabcore/pkg/bus"
	"github.com/developer-mesh/collabcore/pkg/collaboration"
	"github.com/developer-mesh/collabcore/pkg/models"
	"github.com/developer-mesh/collabcore/pkg/observability"
)

// Registry is the part of *collaboration.Registry the API serves
type Registry interface {
	collaboration.SessionService
	Status(ctx context.Context, doc models.DocumentRef) (*models.SessionStatus, error)
	FieldLocks(ctx context.Context, doc models.DocumentRef, requester string) ([]models.FieldLock, error)
	SessionDocument(sessionID string) (models.DocumentRef, bool)
}

// HealthCheck reports whether a dependency is usable
type HealthCheck func(ctx context.Context) error

// Config configures the HTTP server
type Config struct {
	ListenAddress string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	IdleTimeout   time.Duration
	EnableMetrics bool
	MetricsPath   string
	Gateway       GatewayConfig
}

// Server is the collabd HTTP server
type Server struct {
	router   *gin.Engine
	server   *http.Server
	registry Registry
	gateway  *Gateway
	auth     *auth.Validator
	config   Config
	gatherer prometheus.Gatherer
	logger   observability.Logger
	metrics  observability.MetricsClient

	healthMu sync.RWMutex
	health   map[string]HealthCheck
}

// NewServer wires the routes. gatherer may be nil when metrics are
// disabled.
func NewServer(cfg Config, registry Registry, b bus.Bus, validator *auth.Validator, gatherer prometheus.Gatherer, service collaboration.ServiceConfig) *Server {
	if service.Logger == nil {
		service.Logger = observability.NewNoopLogger()
	}
	if service.Metrics == nil {
		service.Metrics = observability.NewNoOpMetricsClient()
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestLogger(service.Logger))

	s := &Server{
		router:   router,
		registry: registry,
		gateway:  NewGateway(registry, b, cfg.Gateway, service),
		auth:     validator,
		config:   cfg,
		gatherer: gatherer,
		logger:   service.Logger,
		metrics:  service.Metrics,
		health:   make(map[string]HealthCheck),
		server: &http.Server{
			Addr:         cfg.ListenAddress,
			Handler:      router,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.healthHandler)
	if s.config.EnableMetrics && s.gatherer != nil {
		s.router.GET(s.config.MetricsPath, gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	authed := s.auth.GinMiddleware(s.logger)

	v1 := s.router.Group("/api/v1", authed)
	sessions := v1.Group("/sessions")
	sessions.POST("/join", s.joinHandler)
	sessions.GET("/:id", s.sessionHandler)
	sessions.POST("/:id/leave", s.leaveHandler)
	sessions.POST("/:id/heartbeat", s.heartbeatHandler)
	sessions.POST("/:id/cursor", s.cursorHandler)
	sessions.POST("/:id/chat", s.chatHandler)

	documents := v1.Group("/documents/:doctype/:docid")
	documents.GET("/status", s.statusHandler)
	documents.GET("/locks", s.locksHandler)

	s.router.GET("/ws/:doctype/:docid", authed, s.gateway.Handle)
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Gateway returns the websocket gateway
func (s *Server) Gateway() *Gateway {
	return s.gateway
}

// AddHealthCheck registers a dependency check reported by /healthz
func (s *Server) AddHealthCheck(name string, check HealthCheck) {
	s.healthMu.Lock()
	s.health[name] = check
	s.healthMu.Unlock()
}

// Start serves until Shutdown. It returns http.ErrServerClosed after a
// graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", map[string]interface{}{
		"address": s.config.ListenAddress,
	})
	return s.server.ListenAndServe()
}

// Shutdown closes the websocket connections, then drains HTTP requests
func (s *Server) Shutdown(ctx context.Context) error {
	s.gateway.Close()
	return s.server.Shutdown(ctx)
}

func (s *Server) healthHandler(c *gin.Context) {
	s.healthMu.RLock()
	checks := make(map[string]HealthCheck, len(s.health))
	for name, check := range s.health {
		checks[name] = check
	}
	s.healthMu.RUnlock()

	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	components := make(map[string]string, len(checks))
	healthy := true
	for name, check := range checks {
		if err := check(ctx); err != nil {
			components[name] = "unhealthy: " + err.Error()
			healthy = false
			continue
		}
		components[name] = "healthy"
	}

	if healthy {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "components": components})
		return
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "components": components})
}
