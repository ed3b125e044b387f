package rest

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenPNIO/internal/api/websocket"
	"github.com/KevinKickass/OpenPNIO/internal/auth"
	"github.com/KevinKickass/OpenPNIO/internal/interfaces"
)

type Server struct {
	router      *gin.Engine
	lm          interfaces.LifecycleManager
	logger      *zap.Logger
	server      *http.Server
	wsHub       *websocket.Hub
	authService *auth.AuthService
}

func NewServer(lm interfaces.LifecycleManager, logger *zap.Logger, wsHub *websocket.Hub, authService *auth.AuthService) *Server {
	s := &Server{
		router:      gin.New(),
		lm:          lm,
		logger:      logger,
		wsHub:       wsHub,
		authService: authService,
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", lm.Config().Server.HTTPPort),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Start() error {
	s.logger.Info("Starting REST API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("REST server failed", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down REST API server")
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	// Middleware
	s.router.Use(gin.Recovery())
	s.router.Use(LoggerMiddleware(s.logger))
	s.router.Use(CORSMiddleware())

	// Public routes (no auth required)
	s.router.GET("/health", s.healthCheck)

	// API v1
	v1 := s.router.Group("/api/v1")
	{
		// ==================== AUTH ====================
		authGroup := v1.Group("/auth")
		authGroup.Use(s.authService.AuthMiddleware())
		{
			authGroup.GET("/me", s.getCurrentPrincipal)
			// Maschinen-Token gegen kurzlebiges JWT tauschen
			authGroup.POST("/token", auth.RequirePermission(auth.PermControl), s.exchangeToken)
		}

		// ==================== SYSTEM ====================
		system := v1.Group("/system")
		system.Use(s.authService.AuthMiddleware())
		{
			system.GET("/status", auth.RequirePermission(auth.PermRead), s.getSystemStatus)
			system.POST("/shutdown", auth.RequirePermission(auth.PermAdmin), s.shutdown)
		}

		// ==================== RTUs ====================
		rtus := v1.Group("/rtus")
		rtus.Use(s.authService.AuthMiddleware())
		{
			// Read operations: Operator+
			rtus.GET("", auth.RequirePermission(auth.PermRead), s.listRTUs)
			rtus.GET("/:name", auth.RequirePermission(auth.PermRead), s.getRTU)
			rtus.GET("/:name/profile", auth.RequirePermission(auth.PermRead), s.getProfile)
			rtus.GET("/:name/inputs", auth.RequirePermission(auth.PermRead), s.readProcessImage)
			rtus.GET("/:name/history", auth.RequirePermission(auth.PermRead), s.getHistory)

			// Control: Technician+
			rtus.POST("/:name/connect", auth.RequirePermission(auth.PermControl), s.connectRTU)
			rtus.POST("/:name/disconnect", auth.RequirePermission(auth.PermControl), s.disconnectRTU)
			rtus.PUT("/:name/mode", auth.RequirePermission(auth.PermControl), s.setRunMode)
			rtus.PUT("/:name/outputs/:slot/:subslot", auth.RequirePermission(auth.PermControl), s.writeOutput)

			// Registry changes: Admin
			rtus.POST("", auth.RequirePermission(auth.PermAdmin), s.createRTU)
			rtus.DELETE("/:name", auth.RequirePermission(auth.PermAdmin), s.deleteRTU)
		}

		// ==================== WEBSOCKET (PUBLIC - Auth via first message) ====================
		ws := v1.Group("/ws")
		{
			ws.GET("/live", s.wsLiveConnection)
			ws.GET("/status", s.authService.AuthMiddleware(), auth.RequirePermission(auth.PermRead), s.wsStatus)
		}
	}
}

// WebSocket handlers
func (s *Server) wsLiveConnection(c *gin.Context) {
	websocket.ServeWs(s.wsHub, c.Writer, c.Request)
}

func (s *Server) wsStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connected_clients": s.wsHub.GetClientCount(),
	})
}

// Health check (public)
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
	})
}
