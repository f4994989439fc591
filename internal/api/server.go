// Package api provides the HTTP and WebSocket API of the freeip daemon. It
// exposes the engine's scan commands, its cached results, the scanning
// range settings and a live stream of scan updates.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	apihandlers "github.com/anstrom/freeip/internal/api/handlers"
	"github.com/anstrom/freeip/internal/api/middleware"
	"github.com/anstrom/freeip/internal/auth"
	"github.com/anstrom/freeip/internal/config"
	"github.com/anstrom/freeip/internal/logging"
	"github.com/anstrom/freeip/internal/metrics"
	"github.com/anstrom/freeip/internal/session"
	"github.com/anstrom/freeip/internal/settings"
)

// Server timeout constants.
const (
	serverShutdownTimeout = 30 * time.Second
	maxHeaderBytes        = 1 << 20
)

// Engine is the part of engine.Engine the API serves.
type Engine interface {
	apihandlers.ScanEngine
	Subscribe(o session.Observer) (unsubscribe func())
	Settings() *settings.Service
}

// Options holds the collaborators of a Server.
type Options struct {
	Engine Engine

	// Metrics enables request metrics and, with metrics.enabled, the
	// exposition endpoint.
	Metrics *metrics.PrometheusMetrics

	// Store is pinged by the health endpoint when set.
	Store apihandlers.Pinger

	Logger *logging.Logger
}

// Server represents the API server.
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	config     *config.Config
	engine     Engine
	logger     *logging.Logger
	metrics    *metrics.PrometheusMetrics
	websocket  *apihandlers.WebSocketHandler
	health     *apihandlers.HealthHandler
	scan       *apihandlers.ScanHandler
	settings   *apihandlers.SettingsHandler
	keyring    *auth.Keyring

	unsubscribe func()
	stopOnce    sync.Once
	stopErr     error
}

// New creates a new API server instance and subscribes its WebSocket hub
// to the engine.
func New(cfg *config.Config, opts Options) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if opts.Engine == nil {
		return nil, fmt.Errorf("engine is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.WithComponent("api")

	server := &Server{
		router:  mux.NewRouter(),
		config:  cfg,
		engine:  opts.Engine,
		logger:  logger,
		metrics: opts.Metrics,
	}

	if cfg.API.Auth.Enabled {
		keyring, err := auth.NewKeyring(cfg.API.Auth.KeyHashes)
		if err != nil {
			return nil, fmt.Errorf("invalid api.auth configuration: %w", err)
		}
		server.keyring = keyring
	}

	server.health = apihandlers.NewHealthHandler(opts.Store, opts.Engine, logger)
	server.scan = apihandlers.NewScanHandler(opts.Engine, logger)
	server.settings = apihandlers.NewSettingsHandler(opts.Engine.Settings(), logger)
	server.websocket = apihandlers.NewWebSocketHandler(opts.Engine.Snapshot, server.checkOrigin, logger)

	server.setupMiddleware()
	server.setupRoutes()

	server.httpServer = &http.Server{
		Addr:              cfg.GetAPIAddress(),
		Handler:           server.Handler(),
		ReadTimeout:       cfg.API.ReadTimeout,
		ReadHeaderTimeout: cfg.API.ReadTimeout,
		WriteTimeout:      cfg.API.WriteTimeout,
		IdleTimeout:       cfg.API.IdleTimeout,
		MaxHeaderBytes:    maxHeaderBytes,
	}

	server.unsubscribe = opts.Engine.Subscribe(server.websocket)

	return server, nil
}

// Start serves until ctx is canceled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("API server failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	return s.Serve(ctx, listener)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.logger.Info("Starting API server",
		"address", listener.Addr().String(),
		"read_timeout", s.httpServer.ReadTimeout,
		"write_timeout", s.httpServer.WriteTimeout)

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("API server failed: %w", err)
		}
		close(errChan)
	}()

	select {
	case <-ctx.Done():
		return s.Stop()
	case err, ok := <-errChan:
		if !ok {
			return nil
		}
		return err
	}
}

// Stop disconnects WebSocket clients and gracefully stops the HTTP server.
// Later calls return the first result.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		s.logger.Info("Stopping API server")

		if s.unsubscribe != nil {
			s.unsubscribe()
		}
		s.websocket.Shutdown()

		ctx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Error("API server shutdown error", "error", err)
			s.stopErr = fmt.Errorf("server shutdown failed: %w", err)
			return
		}
		s.logger.Info("API server stopped successfully")
	})
	return s.stopErr
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/liveness", s.health.Liveness).Methods(http.MethodGet)
	api.HandleFunc("/health", s.health.Health).Methods(http.MethodGet)
	api.HandleFunc("/version", s.health.Version).Methods(http.MethodGet)

	api.HandleFunc("/scan", s.scan.GetScan).Methods(http.MethodGet)
	api.HandleFunc("/scan", s.scan.StartScan).Methods(http.MethodPost)
	api.HandleFunc("/scan", s.scan.CancelScan).Methods(http.MethodDelete)

	api.HandleFunc("/settings", s.settings.GetSettings).Methods(http.MethodGet)
	api.HandleFunc("/settings", s.settings.UpdateSettings).Methods(http.MethodPut)
	api.HandleFunc("/settings/{key}", s.settings.GetSetting).Methods(http.MethodGet)
	api.HandleFunc("/settings/{key}", s.settings.UpdateSetting).Methods(http.MethodPut)

	api.HandleFunc("/ws", s.websocket.ScanWebSocket).Methods(http.MethodGet)

	if s.metrics != nil && s.config.Metrics.Enabled {
		s.router.Handle(s.config.Metrics.Path, s.metrics.Handler()).Methods(http.MethodGet)
	}

	s.router.HandleFunc("/", s.index).Methods(http.MethodGet)
}

// setupMiddleware configures middleware for the API server. Route
// middleware only runs for matched routes; CORS wraps the whole router in
// Handler so preflight requests are answered too.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID())
	s.router.Use(middleware.Recovery(s.logger))
	s.router.Use(middleware.Logging(s.logger))
	if s.metrics != nil {
		s.router.Use(middleware.Metrics(s.metrics))
	}
	s.router.Use(middleware.SecurityHeaders())
	if s.keyring != nil {
		s.router.Use(middleware.Authentication(s.keyring, s.logger,
			"/", "/api/v1/liveness", "/api/v1/health", "/api/v1/version", s.config.Metrics.Path))
	}
	s.router.Use(middleware.ContentType())
	s.router.Use(s.limitBody)
}

// Handler returns the root handler, including CORS when enabled.
func (s *Server) Handler() http.Handler {
	cors := s.config.API.CORS
	if !cors.Enabled {
		return s.router
	}
	return handlers.CORS(
		handlers.AllowedOrigins(cors.AllowedOrigins),
		handlers.AllowedMethods(cors.AllowedMethods),
		handlers.AllowedHeaders(cors.AllowedHeaders),
		handlers.ExposedHeaders([]string{middleware.RequestIDHeader}),
	)(s.router)
}

// limitBody caps request bodies at api.max_request_size.
func (s *Server) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil && s.config.API.MaxRequestSize > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, s.config.API.MaxRequestSize)
		}
		next.ServeHTTP(w, r)
	})
}

// checkOrigin applies the CORS origin list to WebSocket upgrades.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	cors := s.config.API.CORS
	if !cors.Enabled {
		// Same-origin only.
		return origin == "http://"+r.Host || origin == "https://"+r.Host
	}
	return slices.Contains(cors.AllowedOrigins, "*") || slices.Contains(cors.AllowedOrigins, origin)
}

// index lists the API endpoints.
func (s *Server) index(w http.ResponseWriter, r *http.Request) {
	endpoints := map[string]string{
		"liveness": "/api/v1/liveness",
		"health":   "/api/v1/health",
		"version":  "/api/v1/version",
		"scan":     "/api/v1/scan",
		"settings": "/api/v1/settings",
		"stream":   "/api/v1/ws",
	}
	if s.metrics != nil && s.config.Metrics.Enabled {
		endpoints["metrics"] = s.config.Metrics.Path
	}

	v, _, _ := apihandlers.BuildInfo()
	s.WriteJSON(w, r, http.StatusOK, map[string]interface{}{
		"service":   "freeip",
		"version":   v,
		"endpoints": endpoints,
		"timestamp": time.Now().UTC(),
	})
}

// WriteJSON writes a JSON response.
func (s *Server) WriteJSON(w http.ResponseWriter, r *http.Request, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode JSON response",
			"error", err,
			"path", r.URL.Path,
			"method", r.Method)
	}
}

// GetRouter returns the configured router.
func (s *Server) GetRouter() *mux.Router {
	return s.router
}

// GetAddress returns the configured listen address.
func (s *Server) GetAddress() string {
	return s.httpServer.Addr
}

// WebSocketClients returns the number of connected stream clients.
func (s *Server) WebSocketClients() int {
	return s.websocket.ClientCount()
}
