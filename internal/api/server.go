package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"digit-trading-bot/internal/auth"
	"digit-trading-bot/internal/database"
	"digit-trading-bot/internal/errs"
	"digit-trading-bot/internal/logging"
	"digit-trading-bot/internal/scheduler"
	"digit-trading-bot/internal/threshold"
)

// SchedulerAPI is the part of the scheduler the control surface drives
type SchedulerAPI interface {
	GetStatus(ctx context.Context) (*scheduler.Status, error)
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	PauseUser(ctx context.Context, userID string) (*database.ActiveTradingSession, error)
	ResumeUser(ctx context.Context, userID string) (*database.ActiveTradingSession, error)
	Activate(ctx context.Context, req scheduler.ActivationRequest) (*database.ActiveTradingSession, error)
	ListActiveSessions(ctx context.Context) ([]scheduler.SessionView, error)
	GetThresholdStats() []threshold.ModeStats
}

// HealthSource exposes component heartbeats
type HealthSource interface {
	Snapshot(ctx context.Context) ([]database.SystemHealthHeartbeat, error)
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           int
	Host           string
	ProductionMode bool
	AllowedOrigins []string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

// Server represents the HTTP API server
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	config     ServerConfig
	scheduler  SchedulerAPI
	health     HealthSource
	jwtManager *auth.JWTManager // nil when auth is disabled
	logger     *logging.Logger
	startedAt  time.Time
}

// NewServer creates a new API server. jwtManager may be nil to disable auth.
func NewServer(config ServerConfig, sched SchedulerAPI, health HealthSource, jwtManager *auth.JWTManager, logger *logging.Logger) *Server {
	if config.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	}
	if logger == nil {
		logger = logging.Default()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(logging.GinMiddleware(logger))

	corsConfig := cors.DefaultConfig()
	switch {
	case len(config.AllowedOrigins) == 1 && config.AllowedOrigins[0] == "*":
		corsConfig.AllowAllOrigins = true
	case len(config.AllowedOrigins) > 0:
		corsConfig.AllowOrigins = config.AllowedOrigins
	default:
		corsConfig.AllowOrigins = []string{"http://localhost:5173", "http://localhost:3000"}
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Trace-ID"}
	corsConfig.ExposeHeaders = []string{"Content-Length", "X-Trace-ID"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		router:     router,
		config:     config,
		scheduler:  sched,
		health:     health,
		jwtManager: jwtManager,
		logger:     logger.WithComponent("api"),
		startedAt:  time.Now(),
	}
	s.setupRoutes()
	return s
}

// ParseOrigins splits a comma separated origin list
func ParseOrigins(raw string) []string {
	var origins []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.router.Group("/api")

	sched := api.Group("/scheduler")
	sched.GET("/status", s.handleSchedulerStatus)
	sched.GET("/sessions", s.handleListSessions)
	sched.GET("/threshold-stats", s.handleThresholdStats)

	admin := api.Group("")
	if s.jwtManager != nil {
		admin.Use(auth.Middleware(s.jwtManager), auth.RequireAdmin())
	}
	admin.POST("/scheduler/pause", s.handlePause)
	admin.POST("/scheduler/resume", s.handleResume)
	admin.POST("/scheduler/users/:userId/pause", s.handlePauseUser)
	admin.POST("/scheduler/users/:userId/resume", s.handleResumeUser)
	admin.POST("/trade-configurations", s.handleActivateConfiguration)
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server and blocks until it stops
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	readTimeout := s.config.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 15 * time.Second
	}
	writeTimeout := s.config.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 15 * time.Second
	}

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("Starting HTTP server", "addr", addr, "auth", s.jwtManager != nil)

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

// errorResponse is a helper to send error responses
func errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{
		"success": false,
		"error":   message,
	})
}

// successResponse is a helper to send success responses
func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}

// failWith maps err to a status and a client-safe message. The raw error
// is only logged.
func (s *Server) failWith(c *gin.Context, op string, err error) {
	status := http.StatusInternalServerError
	message := "internal error"

	switch errs.KindOf(err) {
	case errs.KindConfig:
		status = http.StatusBadRequest
		message = "invalid request"
	case errs.KindPersistence:
		status = http.StatusServiceUnavailable
		message = "storage unavailable"
	case errs.KindBroker:
		status = http.StatusBadGateway
		message = "broker unavailable"
	}

	logFromRequest(c).Error("Request failed", "op", op, "error", err, "kind", string(errs.KindOf(err)))
	errorResponse(c, status, message)
}

func logFromRequest(c *gin.Context) *logging.Logger {
	return logging.FromContext(c.Request.Context())
}
