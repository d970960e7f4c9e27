// Package api exposes the engine over REST and a WebSocket live channel:
// pre-trade execution analysis, cost breakdowns, margin snapshots and
// history, orphan listing and cleanup, strategy settings, and alerts.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"fno-trading-engine/internal/auth"
	"fno-trading-engine/internal/database"
	"fno-trading-engine/internal/errkind"
	"fno-trading-engine/internal/events"
	"fno-trading-engine/internal/housekeeping"
	"fno-trading-engine/internal/margin"
	"fno-trading-engine/internal/marketdata"
	"fno-trading-engine/internal/risk"
	"fno-trading-engine/internal/strategy"
)

// Config holds server configuration.
type Config struct {
	Host           string
	Port           int
	AllowedOrigins string // comma separated, empty = localhost dev defaults
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	ProductionMode bool
}

// Components are the engine pieces the API surfaces.
type Components struct {
	Repo         *database.Repository
	Strategies   *strategy.Store
	MarginEngine *margin.Engine
	MarginMon    *margin.Monitor
	Housekeeping *housekeeping.Engine
	Risk         *risk.Monitor
	MarketData   *marketdata.Adapter
	Bus          *events.Bus
	AuthService  *auth.Service // nil disables auth
}

// Server is the HTTP API server.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	hub        *Hub
	deps       Components
	cfg        Config
	log        zerolog.Logger
}

// NewServer builds the router and the WebSocket hub. The hub subscribes to
// the event bus immediately so no events are lost before Start.
func NewServer(cfg Config, deps Components, log zerolog.Logger) *Server {
	if cfg.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if cfg.AllowedOrigins != "" {
		corsConfig.AllowOrigins = strings.Split(cfg.AllowedOrigins, ",")
	} else {
		corsConfig.AllowOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.AllowCredentials = true
	router.Use(cors.New(corsConfig))

	s := &Server{
		router: router,
		deps:   deps,
		cfg:    cfg,
		log:    log.With().Str("component", "api").Logger(),
	}
	s.hub = NewHub(s.log)
	if deps.Bus != nil {
		s.hub.Attach(deps.Bus.Subscribe("websocket"))
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/ws", s.handleWebSocket)

	api := s.router.Group("/api")

	if s.deps.AuthService != nil {
		authGroup := api.Group("/auth")
		authGroup.POST("/register", s.handleRegister)
		authGroup.POST("/login", s.handleLogin)
		authGroup.POST("/refresh", s.handleRefresh)

		api.Use(auth.Middleware(s.deps.AuthService.JWTManager()))
		api.POST("/auth/logout", s.handleLogout)
	}

	orders := api.Group("/orders")
	orders.POST("/analyze-execution", s.handleAnalyzeExecution)
	orders.POST("/calculate-costs", s.handleCalculateCosts)

	strategies := api.Group("/strategies")
	strategies.POST("", s.handleCreateStrategy)
	strategies.GET("", s.handleListStrategies)
	strategies.GET("/:id", s.handleGetStrategy)
	strategies.PUT("/:id/status", s.handleSetStrategyStatus)
	strategies.POST("/:id/calculate-margin", s.handleCalculateMargin)
	strategies.GET("/:id/margin/current", s.handleCurrentMargin)
	strategies.GET("/:id/margin/history", s.handleMarginHistory)
	strategies.GET("/:id/orphaned-orders", s.handleOrphanedOrders)
	strategies.POST("/:id/cleanup-orphaned-orders", s.handleCleanupOrphans)
	strategies.GET("/:id/settings", s.handleGetSettings)
	strategies.PUT("/:id/settings", s.handlePutSettings)
	strategies.GET("/:id/risk", s.handleStrategyRisk)

	alerts := api.Group("/alerts")
	alerts.POST("/:id/respond", s.handleRespondAlert)
	alerts.PUT("/:id/mark-read", s.handleMarkAlertRead)

	api.GET("/users/:id/alerts", s.handleUserAlerts)
	api.GET("/housekeeping/events", s.handleHousekeepingEvents)
}

// Start runs the HTTP server until Shutdown.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	s.log.Info().Str("addr", s.httpServer.Addr).Msg("API server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, drains in-flight ones and closes the
// WebSocket hub.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Router exposes the gin engine for handler tests.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) handleHealth(c *gin.Context) {
	status := gin.H{
		"status":     "ok",
		"broker":     "up",
		"ws_clients": s.hub.ClientCount(),
	}
	if s.deps.Repo != nil {
		if err := s.deps.Repo.HealthCheck(c.Request.Context()); err != nil {
			status["status"] = "degraded"
			status["database"] = err.Error()
		}
	}
	c.JSON(http.StatusOK, status)
}

// respondError serializes an error as {kind, message, payload} with a status
// derived from the error kind. Decision-related kinds are 422: the request
// was understood, the engine is advising against it.
func (s *Server) respondError(c *gin.Context, err error) {
	kind := errkind.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case errkind.Validation, errkind.Configuration:
		status = http.StatusBadRequest
	case errkind.RateLimit:
		status = http.StatusTooManyRequests
	case errkind.BrokerTransient:
		status = http.StatusServiceUnavailable
	case errkind.BrokerPermanent, errkind.Persistence:
		status = http.StatusInternalServerError
	case errkind.DepthUnavailable, errkind.InsufficientLiquidity, errkind.WideSpread,
		errkind.HighImpact, errkind.MarginShortfall, errkind.MarginIncreased,
		errkind.OrphanedOrders, errkind.RiskLimitBreach, errkind.GreeksRisk,
		errkind.DuplicateOrder:
		status = http.StatusUnprocessableEntity
	}

	body := gin.H{"kind": string(kind), "message": err.Error()}
	if kind == "" {
		body["kind"] = "INTERNAL_ERROR"
	}
	if payload := errkind.PayloadOf(err); payload != nil {
		body["payload"] = payload
	}
	c.JSON(status, body)
}
