package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// StandaloneServer serves the gateway on its own port. Every path upgrades.
type StandaloneServer struct {
	srv    *http.Server
	logger *slog.Logger
}

func NewStandaloneServer(addr string, g *Gateway, logger *slog.Logger) *StandaloneServer {
	mux := http.NewServeMux()
	mux.Handle("/", g.Handler(StandaloneListener))
	return &StandaloneServer{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Start blocks until the server stops. It returns nil after Shutdown.
func (s *StandaloneServer) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.srv.Addr, err)
	}
	return s.Serve(ln)
}

func (s *StandaloneServer) Serve(ln net.Listener) error {
	s.logger.Info("websocket listener started", "addr", ln.Addr().String())
	if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting new connections. Upgraded connections are not
// tracked by http.Server; Gateway.Shutdown closes them.
func (s *StandaloneServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
