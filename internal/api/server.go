package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/opcproxy/internal/dispatch"
	"github.com/nerrad567/opcproxy/internal/infrastructure/config"
	"github.com/nerrad567/opcproxy/internal/infrastructure/logging"
	"github.com/nerrad567/opcproxy/internal/item"
	"github.com/nerrad567/opcproxy/internal/journal"
	"github.com/nerrad567/opcproxy/internal/store"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Operator is the dispatcher surface used by the operator endpoints.
type Operator interface {
	Status() dispatch.Status
	Items() []store.Item
	ReadItem(name string) (store.Item, error)
	WriteItem(ctx context.Context, name, value string, typ item.Type) error
	SaveSnapshot(path string) (string, error)
	LoadSnapshot(ctx context.Context, path string) (int, error)
}

// HealthCheck is one named dependency probe reported by /health.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Logger   *logging.Logger
	Operator Operator

	// Reload re-reads the configuration and replaces the generation. Optional.
	Reload func(ctx context.Context) error

	// Journal lists recorded writes. Optional.
	Journal journal.Repository

	// Gatherer backs /metrics. Optional.
	Gatherer prometheus.Gatherer

	// Health lists dependency probes reported by /health.
	Health []HealthCheck

	Version string
}

// Server is the operator HTTP API.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg      config.APIConfig
	wsCfg    config.WebSocketConfig
	logger   *logging.Logger
	operator Operator
	reload   func(ctx context.Context) error
	journal  journal.Repository
	gatherer prometheus.Gatherer
	health   []HealthCheck
	version  string

	server *http.Server
	ln     net.Listener
	hub    *Hub
	cancel context.CancelFunc
}

// New creates a new API server with the given dependencies.
//
// The WebSocket hub exists from New on so it can be registered as a
// dispatcher observer before Start.
//
// Parameters:
//   - deps: Required dependencies (logger, operator)
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Operator == nil {
		return nil, fmt.Errorf("operator is required")
	}

	return &Server{
		cfg:      deps.Config,
		wsCfg:    deps.WS,
		logger:   deps.Logger,
		operator: deps.Operator,
		reload:   deps.Reload,
		journal:  deps.Journal,
		gatherer: deps.Gatherer,
		health:   deps.Health,
		version:  deps.Version,
		hub:      NewHub(deps.WS, deps.Logger),
	}, nil
}

// Hub returns the WebSocket hub. It implements dispatch.Observer.
func (s *Server) Hub() *Hub { return s.hub }

// Start binds the listener and serves in a background goroutine.
//
// Parameters:
//   - ctx: Parent context for the hub; Close stops everything
//
// Returns:
//   - error: If the address cannot be bound
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)
	go s.hub.Run(srvCtx)

	s.server = &http.Server{
		Handler:           s.buildRouter(),
		ReadTimeout:       config.Seconds(s.cfg.Timeouts.Read),
		ReadHeaderTimeout: config.Seconds(s.cfg.Timeouts.Read),
		WriteTimeout:      config.Seconds(s.cfg.Timeouts.Write),
		IdleTimeout:       config.Seconds(s.cfg.Timeouts.Idle),
	}

	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprintf("%d", s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.cancel()
		return fmt.Errorf("binding API listener %s: %w", addr, err)
	}
	s.ln = ln
	s.logger.Info("API server listening", "address", ln.Addr().String())

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}
