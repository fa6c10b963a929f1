package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// opsServer exposes /healthz, /status, /approvals and the Prometheus endpoint.
type opsServer struct {
	app    *App
	engine *gin.Engine
	srv    *http.Server
}

func newOpsServer(a *App) *opsServer {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	s := &opsServer{app: a, engine: engine}
	engine.GET("/healthz", s.healthz)
	engine.GET("/status", s.status)
	engine.GET("/approvals", s.approvals)
	if a.prom != nil {
		engine.GET(a.cfg.Metrics.Path, gin.WrapH(a.prom.Handler()))
	}
	return s
}

func (s *opsServer) healthz(c *gin.Context) {
	if !s.app.healthy() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *opsServer) status(c *gin.Context) {
	c.JSON(http.StatusOK, s.app.Status())
}

func (s *opsServer) approvals(c *gin.Context) {
	c.JSON(http.StatusOK, s.app.approvals.list())
}

// Start binds the listener synchronously so address errors surface to the caller. It is a
// no-op when metrics are disabled.
func (s *opsServer) Start() error {
	cfg := s.app.cfg.Metrics
	if !cfg.EnabledValue() || cfg.Address == "" {
		return nil
	}
	ln, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return err
	}
	s.srv = &http.Server{Handler: s.engine, ReadHeaderTimeout: 5 * time.Second}
	s.app.log.Info("ops server listening", zap.String("address", ln.Addr().String()))
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.app.log.Warn("ops server stopped", zap.Error(err))
		}
	}()
	return nil
}

func (s *opsServer) Stop() {
	if s.srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = s.srv.Shutdown(ctx)
	s.srv = nil
}
