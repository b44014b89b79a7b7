// Package server exposes the thread store over a websocket sync
// endpoint. Each connection authenticates once, then carries any number
// of correlated restore/save/delete requests.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Server serves the thread persistence API.
type Server struct {
	handler *syncHandler
	srv     *http.Server
}

// Config configures a Server.
type Config struct {
	// AuthToken is the token every connection must present. Empty means
	// any token is accepted.
	AuthToken string
	// AuthTimeout bounds how long a connection may sit unauthenticated.
	// Default 10s.
	AuthTimeout time.Duration
	Logger      *slog.Logger
}

// New creates a new Server backed by the given store.
func New(threads ThreadBackend, cfg Config) *Server {
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		handler: &syncHandler{
			threads: threads,
			cfg:     cfg,
			log:     cfg.Logger,
		},
	}
}

// Handler returns the HTTP handler, for embedding in an existing mux or
// test server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/sync", s.handler.serveSync)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start(addr string) error {
	s.srv = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}
	s.handler.log.Info("starting sync server", "addr", addr)
	return s.srv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
