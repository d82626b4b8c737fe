package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Server is the HTTP API server.
type Server struct {
	httpServer *http.Server
	auth       *Auth
	handlers   *Handlers
	wsHandler  *WSHandler
	listener   net.Listener
}

// NewServer listens on addr and routes the API to provider. Every route
// requires auth.
func NewServer(addr string, provider SourceProvider, auth *Auth) (*Server, error) {
	handlers := NewHandlers(provider)
	wsHandler := NewWSHandler(provider)

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Route("/api/v1", func(r chi.Router) {
		r.Use(auth.Middleware)
		r.Get("/status", handlers.HandleStatus)
		r.Get("/sources", handlers.HandleSources)
		r.Post("/sources/pause", handlers.HandlePause)
		r.Get("/log", handlers.HandleLog)
		r.Get("/ws", wsHandler.HandleWS)
	})

	// Listen first to catch address-in-use errors early.
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	return &Server{
		httpServer: &http.Server{
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
		auth:      auth,
		handlers:  handlers,
		wsHandler: wsHandler,
		listener:  listener,
	}, nil
}

// Start begins serving HTTP requests. This is non-blocking.
func (s *Server) Start() {
	go func() {
		if err := s.httpServer.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
		}
	}()
}

// Addr returns the address the server is listening on.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Shutdown closes WebSocket streams and gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.wsHandler.CloseAll()
	err := s.httpServer.Shutdown(ctx)
	// Serve closes the listener itself; this covers a server never started.
	s.listener.Close()
	return err
}

// CookieFilePath returns the path to the authentication cookie file.
func (s *Server) CookieFilePath() string {
	return s.auth.FilePath()
}
