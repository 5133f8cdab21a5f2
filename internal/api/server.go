package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/nerrad567/fvgateway/internal/bridges/fvbus"
	"github.com/nerrad567/fvgateway/internal/gateway"
	"github.com/nerrad567/fvgateway/internal/infrastructure/config"
	"github.com/nerrad567/fvgateway/internal/infrastructure/logging"
)

const shutdownTimeout = 10 * time.Second

// Loop runs work on the goroutine that owns the bus. *gateway.Gateway
// satisfies it.
type Loop interface {
	Do(ctx context.Context, fn func()) error
	Stats() gateway.Stats
}

// Bus is the read side of the bus the API reports on. *fvbus.Bus
// satisfies it. Snapshot is only ever called through Loop.Do.
type Bus interface {
	Snapshot() []fvbus.ControllerSnapshot
	Stats() fvbus.BusStats
}

// Broker reports MQTT connectivity. *mqtt.Client satisfies it.
type Broker interface {
	IsConnected() bool
}

// Observations queries the bus observation recorder. *fvbus.Recorder
// satisfies it.
type Observations interface {
	Controllers(ctx context.Context) ([]fvbus.ControllerObservation, error)
	Registers(ctx context.Context, controller string) ([]fvbus.RegisterObservation, error)
	Sessions(ctx context.Context, limit int) ([]fvbus.RelaySession, error)
}

// Capture reports transaction capture counters. *buslog.Writer satisfies it.
type Capture interface {
	Written() uint64
	Failed() uint64
}

// Deps is what the server reads from. Logger, Loop and Bus are required.
type Deps struct {
	Config config.APIConfig
	Logger *logging.Logger
	Loop   Loop
	Bus    Bus
	MQTT   Broker // optional

	// Observations is set when the recorder is enabled.
	Observations Observations
	Capture      Capture

	// Metrics serves /metrics when set.
	Metrics http.Handler

	Version string
}

// Server serves the read-only HTTP API.
type Server struct {
	Deps
	startTime time.Time
	server    *http.Server
	listener  net.Listener
}

// New validates deps. Nothing listens until Start.
func New(deps Deps) (*Server, error) {
	switch {
	case deps.Logger == nil:
		return nil, errors.New("api: logger is required")
	case deps.Loop == nil:
		return nil, errors.New("api: gateway loop is required")
	case deps.Bus == nil:
		return nil, errors.New("api: bus is required")
	}
	return &Server{Deps: deps, startTime: time.Now()}, nil
}

// Handler returns the router. Start uses it; tests may serve it directly.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start binds the listener and serves in a background goroutine. Only the
// bind can fail.
func (s *Server) Start(_ context.Context) error {
	addr := net.JoinHostPort(s.Config.Host, strconv.Itoa(s.Config.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("api listen on %s: %w", addr, err)
	}
	s.listener = ln

	read, write, idle := s.Config.Timeouts.Durations()
	s.server = &http.Server{
		Handler:           s.buildRouter(),
		ReadTimeout:       read,
		ReadHeaderTimeout: read,
		WriteTimeout:      write,
		IdleTimeout:       idle,
	}

	s.Logger.Info("api listening", "address", ln.Addr().String())
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.Logger.Error("api server stopped", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops accepting connections and waits up to shutdownTimeout for
// in-flight requests.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down api: %w", err)
	}
	return nil
}

// HealthCheck fails before Start.
func (s *Server) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("api health check: %w", err)
	}
	if s.server == nil {
		return errors.New("api: not started")
	}
	return nil
}
