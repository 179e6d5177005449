// Package server assembles the HTTP facade: one gin engine, every
// coordinator's routes, and the shared middleware.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/dere/dere/internal/common/config"
	"github.com/dere/dere/internal/common/logger"
)

// RouteRegistrar is implemented by every handler package.
type RouteRegistrar interface {
	RegisterRoutes(r gin.IRouter)
}

// Server is the HTTP facade.
type Server struct {
	engine *gin.Engine
	http   *http.Server
	logger *logger.Logger
}

// New builds the engine, mounts every registrar, and prepares the
// listener.
func New(cfg config.ServerConfig, log *logger.Logger, registrars ...RouteRegistrar) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(log))

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	for _, r := range registrars {
		r.RegisterRoutes(engine)
	}

	return &Server{
		engine: engine,
		http: &http.Server{
			Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler: engine,
			// WebSocket sessions outlive any fixed read/write
			// deadline; only the header read is bounded.
			ReadHeaderTimeout: cfg.ReadTimeoutDuration(),
		},
		logger: log.WithFields(zap.String("component", "http-server")),
	}
}

// Start listens and serves until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func requestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}
