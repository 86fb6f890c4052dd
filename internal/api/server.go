package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/cumulusfs/cumulus/internal/logger"
)

// Server is the engine's HTTP server with graceful shutdown and the
// background upload session sweep.
type Server struct {
	deps Deps
	http *http.Server
}

// NewServer builds the server from wired dependencies.
func NewServer(deps Deps) *Server {
	addr := net.JoinHostPort(deps.Config.Server.Host, strconv.Itoa(deps.Config.Server.Port))
	return &Server{
		deps: deps,
		http: &http.Server{
			Addr:         addr,
			Handler:      NewRouter(deps),
			ReadTimeout:  deps.Config.Server.ReadTimeout,
			WriteTimeout: deps.Config.Server.WriteTimeout,
		},
	}
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.http.Addr
}

// Run serves until ctx is cancelled, then shuts down gracefully within the
// configured shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	gcCtx, stopGC := context.WithCancel(context.Background())
	defer stopGC()
	go s.runSessionGC(gcCtx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.deps.Config.Server.ShutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown failed: %w", err)
	}
	return <-errCh
}

// runSessionGC sweeps expired upload sessions and orphaned reservations on
// the configured interval.
func (s *Server) runSessionGC(ctx context.Context) {
	interval := s.deps.Config.Upload.GCInterval
	if interval <= 0 || s.deps.UploadGC == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info("upload session gc started", "interval", interval.String())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := s.deps.UploadGC.Run(ctx, false)
			if err != nil {
				logger.Warn("upload session gc failed", "error", err)
				continue
			}
			if report.ExpiredSessions+report.DoneSessions+report.StuckLocks+report.Reservations > 0 {
				logger.Info("upload session gc swept",
					"expired_sessions", report.ExpiredSessions,
					"done_sessions", report.DoneSessions,
					"stuck_locks", report.StuckLocks,
					"reservations", report.Reservations)
			}
		}
	}
}
