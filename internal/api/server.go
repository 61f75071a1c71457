// Package api exposes the local control surface: reservation state, renewal
// start/stop, monitor controls and the session status. It binds to localhost
// and carries no authentication of its own.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/cargabot/cargabot/internal/auth"
	"github.com/cargabot/cargabot/internal/config"
	"github.com/cargabot/cargabot/internal/logging"
	"github.com/cargabot/cargabot/internal/monitor"
	"github.com/cargabot/cargabot/internal/renewal"
)

// Server is the local HTTP control server.
type Server struct {
	engine  *gin.Engine
	server  *http.Server
	cfg     *config.Config
	session *auth.Session
	renewal *renewal.Scheduler
	monitor *monitor.Monitor
}

func NewServer(cfg *config.Config, session *auth.Session, sched *renewal.Scheduler, mon *monitor.Monitor) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(logging.AccessLogger())
	engine.Use(logging.Recovery())

	s := &Server{
		engine:  engine,
		cfg:     cfg,
		session: session,
		renewal: sched,
		monitor: mon,
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", cfg.Port),
		Handler: engine,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/status", s.status)
	s.engine.POST("/renewal/start", s.startRenewal)
	s.engine.POST("/renewal/stop", s.stopRenewal)
	s.engine.POST("/monitor/check", s.forceCheck)
	s.engine.POST("/monitor/pause", s.pauseMonitor(true))
	s.engine.POST("/monitor/resume", s.pauseMonitor(false))
	s.engine.PUT("/monitor/interval", s.setInterval)
}

func (s *Server) status(c *gin.Context) {
	session := s.session.Status()
	c.JSON(http.StatusOK, gin.H{
		"session": gin.H{
			"valid":       session.Valid,
			"refreshable": session.Refreshable,
			"expiry":      session.Expiry.Format(time.RFC3339),
		},
		"renewal":      s.renewal.Status(),
		"pollInterval": s.monitor.Interval().String(),
	})
}

func (s *Server) startRenewal(c *gin.Context) {
	var req struct {
		ChargerIDs []int64 `json:"chargerIds"`
	}
	// An empty or missing body means "use the configured chargers".
	_ = c.ShouldBindJSON(&req)
	if len(req.ChargerIDs) == 0 {
		for _, id := range s.cfg.ChargerIDs {
			req.ChargerIDs = append(req.ChargerIDs, int64(id))
		}
	}
	if len(req.ChargerIDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no chargers configured"})
		return
	}

	if err := s.renewal.Start(c.Request.Context(), req.ChargerIDs); err != nil {
		var conflict *renewal.ConflictError
		switch {
		case errors.As(err, &conflict):
			c.JSON(http.StatusConflict, gin.H{"error": conflict.Error()})
		case errors.Is(err, renewal.ErrNoSocketAvailable):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, s.renewal.Status())
}

func (s *Server) stopRenewal(c *gin.Context) {
	s.renewal.Stop()
	c.JSON(http.StatusOK, s.renewal.Status())
}

func (s *Server) forceCheck(c *gin.Context) {
	connectors, err := s.monitor.Check(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"connectors": connectors})
}

func (s *Server) pauseMonitor(paused bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		s.monitor.SetPaused(paused)
		c.JSON(http.StatusOK, gin.H{"paused": paused})
	}
}

func (s *Server) setInterval(c *gin.Context) {
	var req struct {
		Seconds int `json:"seconds" binding:"required,min=10"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.monitor.SetInterval(time.Duration(req.Seconds) * time.Second); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"interval": fmt.Sprintf("%ds", req.Seconds)})
}

// Start blocks serving HTTP until the listener fails or Stop is called.
func (s *Server) Start() error {
	log.Debugf("starting control server on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}
