package rest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/KevinKickass/OpenMachineBridge/internal/api/websocket"
	"github.com/KevinKickass/OpenMachineBridge/internal/auth"
	"github.com/KevinKickass/OpenMachineBridge/internal/config"
	"github.com/KevinKickass/OpenMachineBridge/internal/interfaces"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Server struct {
	router      *gin.Engine
	lm          interfaces.LifecycleManager
	logger      *zap.Logger
	server      *http.Server
	wsHub       *websocket.Hub
	authService *auth.AuthService // nil when auth is disabled
}

func NewServer(cfg *config.Config, lm interfaces.LifecycleManager, logger *zap.Logger, wsHub *websocket.Hub, authService *auth.AuthService) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		router:      gin.New(),
		lm:          lm,
		logger:      logger,
		wsHub:       wsHub,
		authService: authService,
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Serve blocks until the server fails or Shutdown is called.
func (s *Server) Serve() error {
	s.logger.Info("Starting REST API server", zap.String("address", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("rest server failed: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down REST API server")
	return s.server.Shutdown(ctx)
}

// authenticate guards a route group. With auth disabled every caller gets
// every permission.
func (s *Server) authenticate() gin.HandlerFunc {
	if s.authService != nil {
		return s.authService.AuthMiddleware()
	}
	all := []auth.Permission{auth.PermOperator, auth.PermTechnician, auth.PermAdmin}
	return func(c *gin.Context) {
		c.Set("permissions", all)
		c.Next()
	}
}

func (s *Server) setupRoutes() {
	// Middleware
	s.router.Use(gin.Recovery())
	s.router.Use(LoggerMiddleware(s.logger))
	s.router.Use(CORSMiddleware())

	// Public routes (no auth required)
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API v1
	v1 := s.router.Group("/api/v1")
	{
		// ==================== AUTH (PUBLIC) ====================
		if s.authService != nil {
			authPublic := v1.Group("/auth")
			{
				authPublic.POST("/login", s.login)
			}

			authProtected := v1.Group("/auth")
			authProtected.Use(s.authenticate())
			{
				authProtected.GET("/me", s.getCurrentUser)
			}
		}

		// ==================== SYSTEM (OPERATOR+) ====================
		system := v1.Group("/system")
		system.Use(s.authenticate())
		system.Use(auth.RequirePermission(auth.PermOperator))
		{
			system.GET("/status", s.getSystemStatus)
		}

		// ==================== BRIDGE ====================
		bridge := v1.Group("/bridge")
		bridge.Use(s.authenticate())
		{
			// Read operations: Operator+
			bridge.GET("/status", auth.RequirePermission(auth.PermOperator), s.getBridgeStatus)
			bridge.GET("/report", auth.RequirePermission(auth.PermOperator), s.getLastReport)
			bridge.GET("/sensors", auth.RequirePermission(auth.PermOperator), s.getSensors)

			// Control: Technician+
			bridge.POST("/start", auth.RequirePermission(auth.PermTechnician), s.command("start"))
			bridge.POST("/stop", auth.RequirePermission(auth.PermTechnician), s.command("stop"))
		}

		// ==================== CELL ====================
		cell := v1.Group("/cell")
		cell.Use(s.authenticate())
		{
			cell.GET("", auth.RequirePermission(auth.PermOperator), s.getCell)
			cell.POST("/reset", auth.RequirePermission(auth.PermTechnician), s.command("reset"))
		}

		// ==================== EVENT LOG (OPERATOR+) ====================
		events := v1.Group("")
		events.Use(s.authenticate())
		events.Use(auth.RequirePermission(auth.PermOperator))
		{
			events.GET("/events", s.listEvents)
			events.GET("/runs/:id/products", s.listRunProducts)
		}

		// ==================== WEBSOCKET (PUBLIC - Auth via first message) ====================
		ws := v1.Group("/ws")
		{
			ws.GET("/live", s.wsLiveConnection)
		}
	}
}

// WebSocket handlers
func (s *Server) wsLiveConnection(c *gin.Context) {
	websocket.ServeWs(s.wsHub, c.Writer, c.Request)
}

// Health check (public)
func (s *Server) healthCheck(c *gin.Context) {
	status := s.lm.Bridge().Status()
	c.JSON(http.StatusOK, gin.H{
		"status":       "ok",
		"system":       s.lm.GetCurrentStatus().State,
		"bridge_state": status.State,
		"timestamp":    time.Now().Unix(),
	})
}
