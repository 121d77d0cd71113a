// Package webhook serves platform webhook deliveries and routes them to the
// runtime handle bound for each bot. It also exposes /healthz and /metrics.
package webhook

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/keepmind9/botfleet/internal/bot"
	"github.com/keepmind9/botfleet/internal/errs"
	"github.com/keepmind9/botfleet/internal/logger"
	"github.com/keepmind9/botfleet/internal/metrics"
	"github.com/keepmind9/botfleet/internal/runtime"
	"github.com/keepmind9/botfleet/pkg/constants"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// maxBodyBytes bounds a single update body
const maxBodyBytes = 1 << 20

// Config configures the webhook server
type Config struct {
	Listen string // e.g. ":8080"
	Path   string // Route prefix, e.g. "/webhook"
}

// Server is the HTTP endpoint platforms deliver updates to. It implements
// runtime.WebhookBinder.
type Server struct {
	cfg    Config
	router *gin.Engine

	mu      sync.RWMutex
	targets map[int64]runtime.InboundTarget

	srvMu sync.Mutex
	srv   *http.Server
}

// New creates a webhook server
func New(cfg Config) *Server {
	if cfg.Path == "" {
		cfg.Path = "/webhook"
	}
	cfg.Path = "/" + strings.Trim(cfg.Path, "/")

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	s := &Server{
		cfg:     cfg,
		router:  r,
		targets: make(map[int64]runtime.InboundTarget),
	}

	r.GET("/healthz", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.POST(cfg.Path+"/:botID", s.handleUpdate)
	return s
}

// Handler returns the HTTP handler, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Bind routes updates for botID to target
func (s *Server) Bind(botID int64, target runtime.InboundTarget) error {
	if target == nil {
		return errors.New("webhook target is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets[botID] = target
	logger.WithBot(botID).Info("webhook-bound")
	return nil
}

// Unbind stops routing updates for botID
func (s *Server) Unbind(botID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.targets[botID]; ok {
		delete(s.targets, botID)
		logger.WithBot(botID).Info("webhook-unbound")
	}
}

// Bound reports the number of bound bots
func (s *Server) Bound() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.targets)
}

func (s *Server) target(botID int64) (runtime.InboundTarget, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.targets[botID]
	return t, ok
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "bound": s.Bound()})
}

// handleUpdate accepts one platform update. Unknown or stopped bots get 404
// so the platform stops retrying; a full queue gets 503 so it retries later.
func (s *Server) handleUpdate(c *gin.Context) {
	botID, err := strconv.ParseInt(c.Param("botID"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid bot id"})
		return
	}

	target, ok := s.target(botID)
	if !ok {
		metrics.InboundUpdates.WithLabelValues("WEBHOOK", "unbound").Inc()
		c.JSON(http.StatusNotFound, gin.H{"error": "bot not running"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read body"})
		return
	}
	update, err := bot.DecodeUpdate(body)
	if err != nil {
		logger.WithBot(botID).WithField("error", err).Warn("invalid-webhook-update")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid update"})
		return
	}

	if err := target.Deliver(update); err != nil {
		status := http.StatusServiceUnavailable
		if errors.Is(err, errs.ErrNotRunning) {
			status = http.StatusNotFound
		}
		logger.WithBot(botID).WithFields(logrus.Fields{
			"update_id": update.UpdateID,
			"error":     err,
		}).Warn("failed-to-deliver-webhook-update")
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusOK)
}

// Start listens on the configured address and serves in the background
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return errs.Wrap(errs.KindConnection, "webhook.start", err, "listen on %s", s.cfg.Listen)
	}

	srv := &http.Server{Handler: s.router}
	s.srvMu.Lock()
	s.srv = srv
	s.srvMu.Unlock()

	logger.WithFields(logrus.Fields{
		"addr": ln.Addr().String(),
		"path": s.cfg.Path,
	}).Info("webhook-server-started")

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithField("error", err).Error("webhook-server-failed")
		}
	}()
	return nil
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	s.srvMu.Lock()
	srv := s.srv
	s.srv = nil
	s.srvMu.Unlock()

	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, constants.WebhookShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return err
	}
	logger.Info("webhook-server-stopped")
	return nil
}
