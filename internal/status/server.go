package status

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"signalrelay/internal/relay"
	"signalrelay/internal/version"
)

// Provider exposes the relay state to the status endpoints.
type Provider interface {
	Snapshot() relay.Snapshot
}

// Server serves read-only health and status endpoints.
type Server struct {
	provider Provider
	server   *http.Server
	logger   zerolog.Logger
}

// New builds a status server bound to addr.
func New(addr string, provider Provider, logger zerolog.Logger) *Server {
	s := &Server{
		provider: provider,
		logger:   logger.With().Str("component", "status").Logger(),
	}
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Router returns the gin engine with every route registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.requestLogger())

	router.GET("/healthz", s.handleHealth)
	api := router.Group("/api")
	{
		api.GET("/status", s.handleStatus)
	}
	return router
}

// Serve listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.server.Addr).Msg("status server starting")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		s.logger.Error().Err(err).Msg("status server shutdown error")
		return err
	}
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	snap := s.provider.Snapshot()
	code := http.StatusOK
	if snap.State == relay.StateStopped {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"status": string(snap.State)})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version": version.String(),
		"relay":   s.provider.Snapshot(),
	})
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("status request")
	}
}
