package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"podster/config"
	"podster/internal/handler"
	"podster/internal/metrics"
	"podster/internal/middleware"
	"podster/internal/redis"
	"podster/internal/services"
	"podster/internal/transport/httpdto"
	"podster/internal/websocket"
	"podster/pkg/logger"

	"github.com/gin-gonic/gin"
)

type Server struct {
	httpServer *http.Server
	engine     *gin.Engine
	config     *config.Config
	logger     *logger.Logger
}

var (
	ReleaseMode = "release"
	DebugMode   = "debug"
	TestMode    = "test"
)

type Handlers struct {
	Sessions *handler.SessionHandler
	Relay    *websocket.Handler
}

// Deps are the shared components the routes need beyond their handlers.
type Deps struct {
	Auth    *services.AuthService
	Limiter middleware.Limiter
	Metrics *metrics.Metrics
}

func New(cfg *config.Config, l *logger.Logger) *Server {
	if cfg.AppMode == ReleaseMode {
		gin.SetMode(gin.ReleaseMode)
	} else if cfg.AppMode == TestMode {
		gin.SetMode(gin.TestMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%s", cfg.AppPort),
			Handler:           engine,
			ReadHeaderTimeout: 10 * time.Second,
		},
		engine: engine,
		config: cfg,
		logger: l,
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) SetupRoutes(handlers *Handlers, deps Deps) {
	s.engine.Use(middleware.RequestIDMiddleware())
	s.engine.Use(middleware.LoggingMiddleware(s.logger))
	s.engine.Use(metrics.RequestMiddleware(deps.Metrics))
	s.engine.Use(middleware.ErrorHandler(s.logger))

	s.engine.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, httpdto.NewSuccessResponse(gin.H{"message": "pong"}))
	})
	s.engine.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	s.engine.GET("/ws", handlers.Relay.Connect)

	cookie := s.config.CookieName
	requireHost := middleware.RequireHost(deps.Auth, cookie)
	requireAny := middleware.RequireAny(deps.Auth, cookie)

	sessions := s.engine.Group("/sessions")
	{
		sessions.POST("", middleware.RateLimitMiddleware(deps.Limiter, redis.ScopeCreate, s.logger), handlers.Sessions.Create)
		sessions.GET("/:id", handlers.Sessions.Get)
		sessions.POST("/:id/join", middleware.RateLimitMiddleware(deps.Limiter, redis.ScopeJoin, s.logger), handlers.Sessions.Join)
		sessions.POST("/:id/start", requireAny, handlers.Sessions.Start)
		sessions.POST("/:id/upload-urls", requireHost, handlers.Sessions.UploadURLs)
		sessions.POST("/:id/complete-upload", requireHost, handlers.Sessions.CompleteUpload)
		sessions.POST("/:id/reconcile", requireHost, handlers.Sessions.Reconcile)
		sessions.GET("/:id/tracks/:trackId/download", requireAny, handlers.Sessions.TrackDownload)
		sessions.GET("/:id/recording", requireAny, handlers.Sessions.Recording)
	}

	s.engine.GET("/api/sessions/:id/recording", requireAny, handlers.Sessions.Recording)
}

// Start serves until SIGINT or SIGTERM, then shuts down gracefully and
// cancels the context handed to background workers.
func (s *Server) Start(cancel context.CancelFunc) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("Starting the server on port %s...", s.config.AppPort)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)

	select {
	case <-quit:
		s.logger.Infof("Quitting signal received.. Shutting down after 5 seconds")
	case err := <-errCh:
		s.logger.Errorf("Error in starting the server: %s", err)
		cancel()
		return err
	}

	// Closing relay connections first lets Shutdown finish their handlers.
	cancel()

	ctx, stop := context.WithTimeout(context.Background(), time.Second*5)
	defer stop()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Infof("Error in the graceful shutdown of the server: %s", err)
		return err
	}

	s.logger.Infof("Server stopped gracefully")
	return nil
}
