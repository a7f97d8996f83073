package web

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
)

// Server wraps an HTTP server with graceful shutdown capabilities
type Server struct {
	httpServer *http.Server
	handler    *Handler
	logger     *slog.Logger
	port       int
}

// NewServer creates a new Server instance. When username and password are
// both set, every route requires Basic Auth.
func NewServer(port int, handler *Handler, logger *slog.Logger, username, password string) *Server {
	if port == 0 {
		port = 9311 // default port
	}
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()

	// Register routes
	mux.HandleFunc("/", handler.Dashboard)
	mux.HandleFunc("/api/profiles", handler.Profiles)
	mux.HandleFunc("/api/profiles/", handler.ProfileByID)
	mux.HandleFunc("/api/active", handler.Active)
	mux.HandleFunc("/api/best", handler.Best)
	mux.HandleFunc("/api/sessions", handler.Sessions)
	mux.HandleFunc("/api/sessions/", handler.SessionByID)
	mux.HandleFunc("/api/events", handler.Events)
	mux.HandleFunc("/api/push", handler.Push)
	mux.HandleFunc("/api/version", handler.Version)
	mux.HandleFunc("/api/settings", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut {
			handler.UpdateSettings(w, r)
		} else {
			handler.GetSettings(w, r)
		}
	})

	var finalHandler http.Handler = mux
	if username != "" && password != "" {
		finalHandler = AuthMiddleware(username, password)(mux)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:    ":" + strconv.Itoa(port),
			Handler: finalHandler,
		},
		handler: handler,
		logger:  logger,
		port:    port,
	}
}

// Handler returns the server's root handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for HTTP requests
func (s *Server) Start() error {
	s.logger.Info("starting web server", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down web server")
	return s.httpServer.Shutdown(ctx)
}
