// Package admin serves health, readiness, metrics and session state over
// HTTP next to the relay.
package admin

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/danmuck/canrelay/internal/logging"
	"github.com/danmuck/canrelay/internal/observability"
	"github.com/danmuck/canrelay/internal/relay"
)

const version = "0.1.0"

// Status is the relay state exposed by the admin routes.
type Status interface {
	Ready() bool
	Sessions() []relay.SessionInfo
	Stats() relay.Stats
}

type Config struct {
	ListenAddr  string
	NodeID      string
	CORSOrigins []string
}

type Server struct {
	cfg     Config
	status  Status
	router  *gin.Engine
	started time.Time
	logger  zerolog.Logger
}

// New builds the router. status may be nil for processes without a relay;
// they report ready as long as they are up.
func New(cfg Config, status Status) *Server {
	observability.RegisterMetrics()
	if strings.TrimSpace(cfg.NodeID) == "" {
		cfg.NodeID = "canrelay"
	}
	logger := logging.Component("admin")
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(logger, cfg.NodeID))
	r.Use(observability.RequestMetricsMiddleware(cfg.NodeID))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CORSOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		cfg:     cfg,
		status:  status,
		router:  r,
		started: time.Now(),
		logger:  logger,
	}
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.started).String(),
			"service": s.cfg.NodeID,
			"version": version,
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/ready", func(c *gin.Context) {
		ready := s.status == nil || s.status.Ready()
		code := http.StatusOK
		if !ready {
			code = http.StatusServiceUnavailable
		}
		body := gin.H{
			"ready":   ready,
			"uptime":  time.Since(s.started).String(),
			"service": s.cfg.NodeID,
			"version": version,
		}
		if s.status != nil {
			body["relay"] = s.status.Stats()
		}
		c.JSON(code, body)
	})

	s.router.GET("/sessions", func(c *gin.Context) {
		if s.status == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "no relay in this process"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"sessions": s.status.Sessions()})
	})
}

// Run serves until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("admin listening")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
