// Package liveview serves the HTTP surface of a running session: metrics,
// health, the connect report, current readings and websocket monitor streams.
package liveview

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/timzifer/beamio/connect"
	"github.com/timzifer/beamio/signal"
)

const readTimeout = 5 * time.Second

// Registry exposes the named signals and the last connect report.
type Registry interface {
	Names() []string
	Signal(name string) (*signal.Signal, bool)
	Report() *connect.Report
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithGatherer serves /metrics from g.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

// Server is the live view HTTP server.
type Server struct {
	registry Registry
	logger   zerolog.Logger
	gatherer prometheus.Gatherer
	router   chi.Router

	mu      sync.Mutex
	server  *http.Server
	ln      net.Listener
	streams map[string]*stream
}

// New builds the router. Call Start to listen.
func New(registry Registry, opts ...Option) *Server {
	s := &Server{
		registry: registry,
		logger:   zerolog.Nop(),
		streams:  make(map[string]*stream),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealth)
	r.Get("/report", s.handleReport)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	r.Route("/devices", func(r chi.Router) {
		r.Get("/", s.handleDevices)
		r.Get("/{name}", s.handleReading)
		r.Get("/{name}/describe", s.handleDescribe)
		r.Get("/{name}/stream", s.handleStream)
	})
	s.router = r
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: s.router, ReadHeaderTimeout: readTimeout}
	s.mu.Lock()
	s.server = srv
	s.ln = ln
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("live view server stopped")
		}
	}()
	s.logger.Info().Str("listen", ln.Addr().String()).Msg("live view started")
	return nil
}

// Addr returns the listening address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Close stops the server and ends every stream.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.server = nil
	streams := make([]*stream, 0, len(s.streams))
	for _, st := range s.streams {
		streams = append(streams, st)
	}
	s.mu.Unlock()
	for _, st := range streams {
		st.stop()
	}
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Streams reports the number of open websocket streams.
func (s *Server) Streams() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

type failureView struct {
	Target string `json:"target"`
	Error  string `json:"error"`
}

type reportView struct {
	OK        bool          `json:"ok"`
	Connected []string      `json:"connected"`
	Failures  []failureView `json:"failures"`
	Duration  string        `json:"duration"`
}

func viewReport(r *connect.Report) reportView {
	view := reportView{OK: r.OK(), Connected: []string{}, Failures: []failureView{}}
	if r == nil {
		return view
	}
	view.Connected = append(view.Connected, r.Connected...)
	for _, f := range r.Failures {
		view.Failures = append(view.Failures, failureView{Target: f.Target, Error: f.Err.Error()})
	}
	view.Duration = r.Duration.String()
	return view
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	report := s.registry.Report()
	status := http.StatusOK
	if !report.OK() {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, map[string]any{"ok": report.OK(), "failed": report.FailedTargets()})
}

func (s *Server) handleReport(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, viewReport(s.registry.Report()))
}

type deviceView struct {
	Name      string `json:"name"`
	Source    string `json:"source"`
	Connected bool   `json:"connected"`
	Cached    bool   `json:"cached"`
	Listeners int    `json:"listeners"`
}

func (s *Server) handleDevices(w http.ResponseWriter, _ *http.Request) {
	names := s.registry.Names()
	sort.Strings(names)
	views := make([]deviceView, 0, len(names))
	for _, name := range names {
		sig, ok := s.registry.Signal(name)
		if !ok {
			continue
		}
		views = append(views, deviceView{
			Name:      name,
			Source:    sig.Source(),
			Connected: sig.Connected(),
			Cached:    sig.Cached(),
			Listeners: sig.Listeners(),
		})
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*signal.Signal, string, bool) {
	name := chi.URLParam(r, "name")
	sig, ok := s.registry.Signal(name)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown device " + name})
		return nil, name, false
	}
	return sig, name, true
}

func (s *Server) handleReading(w http.ResponseWriter, r *http.Request) {
	sig, name, ok := s.lookup(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
	defer cancel()
	reading, err := sig.GetReading(ctx)
	if err != nil {
		s.writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]signal.Reading{name: reading})
}

func (s *Server) handleDescribe(w http.ResponseWriter, r *http.Request) {
	sig, name, ok := s.lookup(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
	defer cancel()
	desc, err := sig.GetDescriptor(ctx)
	if err != nil {
		s.writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]signal.Descriptor{name: desc})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, signal.ErrNotConnected):
		return http.StatusServiceUnavailable
	case errors.Is(err, signal.ErrNotReadable):
		return http.StatusMethodNotAllowed
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error().Err(err).Msg("encode live view response")
	}
}
