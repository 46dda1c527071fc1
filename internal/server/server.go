package server

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/raaihank/pattern-typer/internal/cache"
	"github.com/raaihank/pattern-typer/internal/classify"
	"github.com/raaihank/pattern-typer/internal/config"
	"github.com/raaihank/pattern-typer/internal/logger"
	"github.com/raaihank/pattern-typer/internal/websocket"
)

// Version is reported by /info
var Version = "0.1.0"

// ResultCache is the lookaside cache consulted before classifying terms
type ResultCache interface {
	GetMany(ctx context.Context, fingerprint string, terms []string) (map[string]cache.Result, error)
	StoreMany(ctx context.Context, fingerprint string, results map[string]cache.Result) error
}

// Server is the classification HTTP service
type Server struct {
	config  *config.Config
	logger  *logger.Logger
	table   atomic.Pointer[classify.RuleTable]
	cache   ResultCache
	limiter *RateLimiter
	router  *mux.Router
	server  *http.Server
	wsHub   *websocket.Hub
}

// New builds the rule table from cfg and wires the routes. resultCache may
// be nil.
func New(cfg *config.Config, log *logger.Logger, resultCache ResultCache) (*Server, error) {
	table, err := cfg.Rules.BuildTable()
	if err != nil {
		return nil, fmt.Errorf("failed to build rule table: %w", err)
	}

	hubConfig := &websocket.HubConfig{
		ReadBufferSize:  cfg.WebSocket.ReadBufferSize,
		WriteBufferSize: cfg.WebSocket.WriteBufferSize,
		Username:        cfg.WebSocket.Username,
		Password:        cfg.WebSocket.Password,
	}
	if cfg.WebSocket.Enabled {
		hubConfig.BroadcastClassifications = cfg.WebSocket.Events.BroadcastClassifications
		hubConfig.BroadcastRequests = cfg.WebSocket.Events.BroadcastRequests
		hubConfig.BroadcastReloads = cfg.WebSocket.Events.BroadcastReloads
		hubConfig.BroadcastConnections = cfg.WebSocket.Events.BroadcastConnections
	}

	s := &Server{
		config: cfg,
		logger: log.WithComponent("server"),
		cache:  resultCache,
		router: mux.NewRouter(),
		wsHub:  websocket.NewHub(hubConfig, log.WithComponent("websocket").Logger),
	}
	s.table.Store(table)

	if cfg.RateLimit.Enabled {
		s.limiter = NewRateLimiter(cfg.RateLimit)
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return s, nil
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/info", s.handleInfo).Methods(http.MethodGet)

	if s.config.WebSocket.Enabled {
		s.router.HandleFunc(s.config.WebSocket.Path, s.wsHub.HandleWebSocket).Methods(http.MethodGet)
	}

	api := s.router.PathPrefix("/v1").Subrouter()
	api.Use(s.loggingMiddleware)
	api.Use(s.rateLimitMiddleware)
	api.HandleFunc("/rules", s.handleRules).Methods(http.MethodGet)
	api.HandleFunc("/classify", s.handleClassify).Methods(http.MethodPost)
}

// Handler returns the routed HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Table returns the rule table currently in force
func (s *Server) Table() *classify.RuleTable {
	return s.table.Load()
}

// Reload compiles the rules in cfg and swaps them in. On failure the
// current table stays in force.
func (s *Server) Reload(cfg *config.Config) error {
	table, err := cfg.Rules.BuildTable()
	if err != nil {
		s.logger.Error("Rule reload failed, keeping current rules", zap.Error(err))
		return fmt.Errorf("failed to build rule table: %w", err)
	}

	old := s.table.Swap(table)
	if old != nil && old.Fingerprint() == table.Fingerprint() {
		s.logger.Debug("Rules unchanged after reload")
		return nil
	}

	s.logger.Info("Rules reloaded", logger.RuleFields(table.Len(), string(table.Dialect()), table.Fingerprint())...)

	s.wsHub.BroadcastEvent(websocket.Event{
		Type:      websocket.EventTypeRulesReloaded,
		Timestamp: time.Now(),
		Data: websocket.RulesReloadedEvent{
			Rules:       table.Len(),
			Dialect:     string(table.Dialect()),
			Fingerprint: table.Fingerprint(),
		},
	})
	return nil
}

// Start runs the websocket hub and the rate limiter cleanup until ctx is
// done, and serves HTTP until Stop is called
func (s *Server) Start(ctx context.Context) error {
	table := s.table.Load()
	s.logger.Info("Starting pattern-typer server",
		append([]zap.Field{
			zap.Int("port", s.config.Server.Port),
			zap.Bool("cache_enabled", s.cache != nil),
			zap.Bool("rate_limit_enabled", s.limiter != nil),
			zap.Bool("websocket_enabled", s.config.WebSocket.Enabled),
		}, logger.RuleFields(table.Len(), string(table.Dialect()), table.Fingerprint())...)...,
	)

	if s.config.WebSocket.Enabled {
		go s.wsHub.Run(ctx)
	}
	if s.limiter != nil {
		go s.limiter.RunCleanup(ctx)
	}

	return s.server.ListenAndServe()
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping pattern-typer server")
	return s.server.Shutdown(ctx)
}

// GetWebSocketHub returns the WebSocket hub for broadcasting events
func (s *Server) GetWebSocketHub() *websocket.Hub {
	return s.wsHub
}
