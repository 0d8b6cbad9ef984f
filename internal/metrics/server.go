package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Health reports the engine state served by /healthz.
type Health interface {
	Accounts() int
	Started() time.Time
}

// Server exposes /metrics and /healthz.
type Server struct {
	addr   string
	health Health
	logger zerolog.Logger
	ready  atomic.Bool
	srv    *http.Server
}

// NewServer builds the status server; it does not listen until Run.
func NewServer(addr string, health Health, logger zerolog.Logger) *Server {
	s := &Server{
		addr:   addr,
		health: health,
		logger: logger.With().Str("component", "status").Logger(),
	}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the gin router, exposed for tests.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", s.healthz)
	return r
}

func (s *Server) healthz(c *gin.Context) {
	status := http.StatusOK
	state := "ok"
	if !s.ready.Load() {
		status, state = http.StatusServiceUnavailable, "starting"
	}
	body := gin.H{"status": state}
	if s.health != nil {
		body["accounts"] = s.health.Accounts()
		body["uptime"] = time.Since(s.health.Started()).Round(time.Second).String()
	}
	c.JSON(status, body)
}

// SetReady flips /healthz to 200.
func (s *Server) SetReady(ready bool) { s.ready.Store(ready) }

// Run serves until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.addr).Msg("status server listening")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn().Err(err).Msg("status server shutdown")
		return err
	}
	return nil
}
