// Package api exposes the agent over HTTP: health, metrics, units and a
// websocket stream of state changes.
package api

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/c360/pilotstreams/errors"
	"github.com/c360/pilotstreams/health"
	"github.com/c360/pilotstreams/unit"
)

// DefaultMaxBody caps the size of a submission body
const DefaultMaxBody = 1 << 20

// Units is the unit manager as seen by the api
type Units interface {
	Submit(ctx context.Context, descs []unit.Description) ([]*unit.Unit, error)
	Get(ctx context.Context, uid string) (*unit.Unit, error)
	List() []*unit.Unit
	Counts() map[unit.State]int
}

// HealthSource aggregates component health
type HealthSource interface {
	AggregateHealth(system string) health.Status
}

// Options configure a Server. Nil handlers leave their route unmounted.
type Options struct {
	Addr    string
	System  string
	MaxBody int64

	Units   Units
	Health  HealthSource
	Metrics http.Handler
	Stream  http.Handler
}

// Server serves the agent's HTTP surface
type Server struct {
	opts   Options
	logger *slog.Logger
	router chi.Router

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	done     chan error
}

// NewServer builds the router. The server does not listen until Start.
func NewServer(opts Options, logger *slog.Logger) *Server {
	if opts.System == "" {
		opts.System = "pilotagent"
	}
	if opts.MaxBody <= 0 {
		opts.MaxBody = DefaultMaxBody
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{opts: opts, logger: logger.With("component", "api")}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	if s.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.opts.Metrics)
	}
	if s.opts.Units != nil {
		r.Route("/units", func(r chi.Router) {
			r.Get("/", s.handleListUnits)
			r.Post("/", s.handleSubmitUnits)
			r.Get("/{uid}", s.handleGetUnit)
		})
	}
	if s.opts.Stream != nil {
		r.Handle("/ws", s.opts.Stream)
	}
	return r
}

// Handler returns the router
func (s *Server) Handler() http.Handler { return s.router }

// Start listens on the configured address and serves until Stop
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Server", "Start", "start api server")
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.opts.Addr)
	if err != nil {
		return errors.WrapFatal(err, "Server", "Start", "listen on "+s.opts.Addr)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.done = make(chan error, 1)

	go func(srv *http.Server, done chan<- error) {
		err := srv.Serve(ln)
		if stderrors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		done <- err
	}(s.server, s.done)

	s.logger.Info("api listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the listening address, or nil before Start
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop shuts the server down, waiting up to timeout for open requests.
// Hijacked websocket connections are not tracked here.
func (s *Server) Stop(timeout time.Duration) error {
	s.mu.Lock()
	srv, done := s.server, s.done
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return errors.WrapTransient(err, "Server", "Stop", "shutdown api server")
	}
	if err := <-done; err != nil {
		return errors.Wrap(err, "Server", "Stop", "serve")
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := health.NewHealthy(s.opts.System, "running")
	if s.opts.Health != nil {
		status = s.opts.Health.AggregateHealth(s.opts.System)
	}
	code := http.StatusOK
	if status.IsUnhealthy() {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, status)
}

type unitList struct {
	Units  []*unit.Unit       `json:"units"`
	Counts map[unit.State]int `json:"counts"`
	Error  string             `json:"error,omitempty"`
}

func (s *Server) handleListUnits(w http.ResponseWriter, r *http.Request) {
	units := s.opts.Units.List()
	if name := r.URL.Query().Get("state"); name != "" {
		state, err := unit.ParseState(name)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
		filtered := units[:0]
		for _, u := range units {
			if u.State == state {
				filtered = append(filtered, u)
			}
		}
		units = filtered
	}
	s.writeJSON(w, http.StatusOK, unitList{Units: units, Counts: s.opts.Units.Counts()})
}

func (s *Server) handleGetUnit(w http.ResponseWriter, r *http.Request) {
	u, err := s.opts.Units.Get(r.Context(), chi.URLParam(r, "uid"))
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, u)
}

// handleSubmitUnits accepts a YAML or JSON document of descriptions
func (s *Server) handleSubmitUnits(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.opts.MaxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, err)
			return
		}
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	descs, err := unit.ParseDescriptions(data)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	units, err := s.opts.Units.Submit(r.Context(), descs)
	body := unitList{Units: units}
	if err != nil {
		s.logger.Warn("submission failed", "units", len(descs), "error", err)
		if len(units) == 0 {
			s.writeError(w, statusFor(err), err)
			return
		}
		// Some units were accepted; report them along with the failure.
		body.Error = err.Error()
	}
	body.Counts = s.opts.Units.Counts()
	s.writeJSON(w, http.StatusAccepted, body)
}

func statusFor(err error) int {
	switch {
	case stderrors.Is(err, errors.ErrUnitNotFound):
		return http.StatusNotFound
	case errors.IsInvalid(err):
		return http.StatusBadRequest
	case errors.IsTransient(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Error string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, code int, err error) {
	s.writeJSON(w, code, errorBody{Error: err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}
