package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/canbridge/internal/audit"
	"github.com/nerrad567/canbridge/internal/bridges/can"
	"github.com/nerrad567/canbridge/internal/conversion"
	"github.com/nerrad567/canbridge/internal/infrastructure/config"
	"github.com/nerrad567/canbridge/internal/infrastructure/logging"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// TableStore is the conversion table holder. *conversion.Store implements it.
type TableStore interface {
	Current() *conversion.Table
	Reload() (*conversion.Table, error)
	Stats() conversion.StoreStats
	Path() string
}

// BridgeInfo exposes bridge status. *can.Bridge implements it.
type BridgeInfo interface {
	GetMetrics() can.BridgeMetrics
	Subscriptions() []string
}

// MQTTStatus reports broker connectivity. *mqtt.Client implements it.
type MQTTStatus interface {
	IsConnected() bool
}

// FrameLog is the recorder's query side. *can.Recorder implements it.
type FrameLog interface {
	FrameIDs(ctx context.Context) ([]can.FrameIDRecord, error)
	RecentDrops(ctx context.Context, limit int) ([]can.DropRecord, error)
}

// AuditLog is the audit history's query side, implemented by *audit.Store.
type AuditLog interface {
	List(ctx context.Context, filter audit.Filter) (*audit.Page, error)
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Logger   *logging.Logger
	Tables   TableStore
	Bridge   BridgeInfo
	MQTT     MQTTStatus
	Recorder FrameLog
	Audit    AuditLog
	DB       *sql.DB

	// Gatherer backs GET /metrics. Nil disables Prometheus exposition.
	Gatherer prometheus.Gatherer

	// Hub, if set, is used instead of creating one. The bridge needs the
	// hub as an event sink before the API server starts.
	Hub *Hub

	// Panel, if set, is served for every path outside /api and /metrics.
	Panel http.Handler

	// Tunnel makes /decode fall back to inner-identifier decoding.
	Tunnel bool

	Version string
}

// Server is the HTTP API server for canbridge.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg         config.APIConfig
	wsCfg       config.WebSocketConfig
	logger      *logging.Logger
	tables      TableStore
	bridge      BridgeInfo
	mqtt        MQTTStatus
	recorder    FrameLog
	audit       AuditLog
	db          *sql.DB
	gatherer    prometheus.Gatherer
	panel       http.Handler
	tunnel      bool
	version     string
	startTime   time.Time
	server      *http.Server
	listener    net.Listener
	hub         *Hub
	externalHub bool               // true if hub was injected externally
	cancel      context.CancelFunc // cancels background goroutines on Close()
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Parameters:
//   - deps: Logger and table store are required; everything else is optional
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Tables == nil {
		return nil, fmt.Errorf("table store is required")
	}

	s := &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		logger:    deps.Logger,
		tables:    deps.Tables,
		bridge:    deps.Bridge,
		mqtt:      deps.MQTT,
		recorder:  deps.Recorder,
		audit:     deps.Audit,
		db:        deps.DB,
		gatherer:  deps.Gatherer,
		panel:     deps.Panel,
		tunnel:    deps.Tunnel,
		version:   deps.Version,
		startTime: time.Now(),
	}

	if deps.Hub != nil {
		s.hub = deps.Hub
		s.externalHub = true
	}

	return s, nil
}

// Hub returns the server's WebSocket hub, or nil before Start when none
// was injected.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start begins listening for HTTP connections.
//
// It builds the router, starts the WebSocket hub unless one was injected,
// binds the listener and serves in a background goroutine. The server can
// be stopped with Close().
//
// Parameters:
//   - ctx: Parent context for background goroutines
//
// Returns:
//   - error: If the listener cannot be bound (port in use, etc.)
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	if s.hub == nil {
		s.hub = NewHub(s.wsCfg, s.logger)
	}
	if !s.externalHub {
		go s.hub.Run(srvCtx)
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       s.cfg.Timeouts.ReadDuration(),
		ReadHeaderTimeout: s.cfg.Timeouts.ReadDuration(),
		WriteTimeout:      s.cfg.Timeouts.WriteDuration(),
		IdleTimeout:       s.cfg.Timeouts.IdleDuration(),
	}

	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		s.cancel()
		return fmt.Errorf("listening on %s: %w", s.server.Addr, err)
	}
	s.listener = ln

	s.logger.Info("API server starting", "address", ln.Addr().String())

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound listener address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
//
// Returns:
//   - error: If shutdown encounters an error
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

// HealthCheck verifies the API server is running and responsive.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - error: nil if healthy, error describing the issue otherwise
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}
