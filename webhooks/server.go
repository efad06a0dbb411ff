package webhooks

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	glog "github.com/goliatone/go-logger/glog"

	"github.com/goliatone/go-leads/core"
)

const (
	defaultReadHeaderTimeout = 10 * time.Second
	defaultShutdownTimeout   = 5 * time.Second
)

// Server hosts the webform handler on a plain net/http server with graceful
// shutdown tied to the caller's context.
type Server struct {
	addr    string
	logger  core.Logger
	handler http.Handler
	srv     *http.Server
}

type ServerOption func(*Server)

func WithServerLogger(logger core.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewServer(addr string, handler *Handler, options ...ServerOption) (*Server, error) {
	if handler == nil {
		return nil, fmt.Errorf("webhooks: handler is required")
	}
	server := &Server{
		addr:    addr,
		logger:  glog.Nop(),
		handler: handler.Routes(),
	}
	for _, opt := range options {
		if opt != nil {
			opt(server)
		}
	}
	server.srv = &http.Server{
		Addr:              addr,
		Handler:           server.handler,
		ReadHeaderTimeout: defaultReadHeaderTimeout,
	}
	return server, nil
}

// Start listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	if s == nil || s.srv == nil {
		return fmt.Errorf("webhooks: server is not configured")
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("webform server shutdown", "error", err)
		}
	}()

	s.logger.Info("webform server listening", "addr", s.addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
