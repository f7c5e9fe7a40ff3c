// Package signal implements typed, observable control-system endpoints and the
// latest-value cache that fans one upstream subscription out to many monitors.
package signal

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/timzifer/beamio/config"
	"github.com/timzifer/beamio/telemetry"
)

// Option configures a Signal at construction.
type Option func(*Signal)

// WithLogger sets the logger used by the signal and its cache.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Signal) {
		s.logger = logger
	}
}

// WithTelemetry sets the metrics collector.
func WithTelemetry(collector telemetry.Collector) Option {
	return func(s *Signal) {
		s.telemetry = telemetry.OrNoop(collector)
	}
}

// WithWait sets the default wait flag used by Set and Execute.
func WithWait(wait bool) Option {
	return func(s *Signal) {
		s.wait = wait
	}
}

// WithExecuteValue sets the value written by Execute. The default is 1.
func WithExecuteValue(v any) Option {
	return func(s *Signal) {
		s.execValue = v
	}
}

// ConnectOption configures a Connect call.
type ConnectOption func(*connectSettings)

type connectSettings struct {
	readAddress string
}

// WithReadAddress reads from a different address than the one written to.
func WithReadAddress(address string) ConnectOption {
	return func(cs *connectSettings) {
		cs.readAddress = address
	}
}

// MonitorOption configures a monitor registration.
type MonitorOption func(*monitorSettings)

type monitorSettings struct {
	onErr ErrorHandler
}

// WithErrorHandler receives ErrCacheClosed if the upstream subscription dies.
func WithErrorHandler(fn ErrorHandler) MonitorOption {
	return func(ms *monitorSettings) {
		ms.onErr = fn
	}
}

// Signal is a typed endpoint with read, write or execute capability. A Signal is
// disconnected until Connect succeeds; afterwards its address is fixed.
//
// Signals must be handled by pointer and are deliberately not comparable by value.
type Signal struct {
	_ [0]func()

	access    Access
	kind      config.ValueKind
	provider  Provider
	logger    zerolog.Logger
	telemetry telemetry.Collector
	wait      bool
	execValue any

	connMu sync.Mutex

	mu          sync.Mutex
	address     string
	readAddress string
	read        Backend
	write       Backend
	connected   bool
	cache       *cache
}

// New creates a disconnected signal served by p.
func New(p Provider, access Access, kind config.ValueKind, opts ...Option) *Signal {
	s := &Signal{
		access:    access,
		kind:      kind,
		provider:  p,
		logger:    zerolog.Nop(),
		telemetry: telemetry.Noop(),
		wait:      true,
		execValue: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Access returns the capability set.
func (s *Signal) Access() Access { return s.access }

// Kind returns the declared value kind.
func (s *Signal) Kind() config.ValueKind { return s.kind }

// Connect binds the signal to address and connects its backends. Connecting
// again to the same address is a no-op once connected; a different address
// fails with ErrReconnect. Until a connect succeeds the signal may be pointed
// at another address.
func (s *Signal) Connect(ctx context.Context, address string, opts ...ConnectOption) error {
	if s.provider == nil {
		return fmt.Errorf("connect %s: no provider", address)
	}
	settings := connectSettings{}
	for _, opt := range opts {
		if opt != nil {
			opt(&settings)
		}
	}
	if settings.readAddress == "" {
		settings.readAddress = address
	}

	s.connMu.Lock()
	defer s.connMu.Unlock()

	s.mu.Lock()
	rebind := s.address != "" && (s.address != address || s.readAddress != settings.readAddress)
	if s.connected {
		bound := s.address
		s.mu.Unlock()
		if rebind {
			return fmt.Errorf("%w: bound to %s, asked for %s", ErrReconnect, bound, address)
		}
		return nil
	}
	if rebind {
		// A failed attempt leaves no binding behind.
		s.read, s.write = nil, nil
		s.address, s.readAddress = "", ""
	}
	if err := s.createBackends(address, settings.readAddress); err != nil {
		s.mu.Unlock()
		return err
	}
	backends := s.backends()
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, b := range backends {
		g.Go(func() error {
			return b.Connect(gctx)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("connect %s: %w", CanonicalSource(s.provider.Transport(), address), err)
	}

	s.mu.Lock()
	s.connected = true
	source := s.sourceLocked()
	s.mu.Unlock()
	s.logger.Debug().Str("source", source).Msg("signal connected")
	return nil
}

// createBackends runs with s.mu held.
func (s *Signal) createBackends(address, readAddress string) error {
	if s.read != nil || s.write != nil {
		return nil
	}
	var err error
	if s.access.Readable() {
		if s.read, err = s.provider.NewBackend(readAddress, s.kind); err != nil {
			s.read = nil
			return fmt.Errorf("create backend %s: %w", readAddress, err)
		}
	}
	if s.access.Writable() || s.access.Executable() {
		if s.read != nil && readAddress == address {
			s.write = s.read
		} else if s.write, err = s.provider.NewBackend(address, s.kind); err != nil {
			s.read, s.write = nil, nil
			return fmt.Errorf("create backend %s: %w", address, err)
		}
	}
	s.address = address
	s.readAddress = readAddress
	return nil
}

func (s *Signal) backends() []Backend {
	var out []Backend
	if s.read != nil {
		out = append(out, s.read)
	}
	if s.write != nil && s.write != s.read {
		out = append(out, s.write)
	}
	return out
}

// Connected reports whether Connect has succeeded.
func (s *Signal) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Source returns transport://address, or "" while disconnected.
func (s *Signal) Source() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return ""
	}
	return s.sourceLocked()
}

func (s *Signal) sourceLocked() string {
	if s.read != nil {
		return s.read.Source()
	}
	if s.write != nil {
		return s.write.Source()
	}
	return ""
}

func (s *Signal) String() string {
	if src := s.Source(); src != "" {
		return src
	}
	return "signal(disconnected)"
}

func (s *Signal) readBackend(op string) (Backend, *cache, error) {
	if !s.access.Readable() {
		return nil, nil, fmt.Errorf("%s: %w", op, ErrNotReadable)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil, nil, notConnected(op)
	}
	return s.read, s.cache, nil
}

func (s *Signal) writeBackend(op string) (Backend, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil, notConnected(op)
	}
	return s.write, nil
}

// GetDescriptor returns the value metadata. While a cache is live the descriptor
// is fetched once and reused.
func (s *Signal) GetDescriptor(ctx context.Context) (Descriptor, error) {
	backend, c, err := s.readBackend("GetDescriptor")
	if err != nil {
		return Descriptor{}, err
	}
	if c != nil {
		return c.descriptor(ctx)
	}
	return backend.GetDescriptor(ctx)
}

// GetReading returns the latest reading. While a cache is live this waits for
// the cache's first value instead of asking the transport.
func (s *Signal) GetReading(ctx context.Context) (Reading, error) {
	backend, c, err := s.readBackend("GetReading")
	if err != nil {
		return Reading{}, err
	}
	if c != nil {
		r, err := c.latest(ctx)
		if err == nil {
			return r, nil
		}
		if err != errCacheTornDown {
			return Reading{}, err
		}
	}
	return backend.GetReading(ctx)
}

// GetValue returns the value of the latest reading.
func (s *Signal) GetValue(ctx context.Context) (any, error) {
	r, err := s.GetReading(ctx)
	if err != nil {
		return nil, err
	}
	return r.Value, nil
}

// Monitor registers cb for every reading, starting with the current value. All
// monitors of one signal share a single upstream subscription which is released
// when the last returned handle is closed.
func (s *Signal) Monitor(cb Callback, opts ...MonitorOption) (Monitor, error) {
	if cb == nil {
		return nil, fmt.Errorf("monitor: nil callback")
	}
	backend, _, err := s.readBackend("Monitor")
	if err != nil {
		return nil, err
	}
	settings := monitorSettings{}
	for _, opt := range opts {
		if opt != nil {
			opt(&settings)
		}
	}
	for {
		c := s.acquireCache(backend)
		l, err := c.subscribe(cb, settings.onErr)
		if err == errCacheTornDown {
			continue
		}
		if err != nil {
			return nil, err
		}
		return l, nil
	}
}

// MonitorValue is Monitor delivering only values.
func (s *Signal) MonitorValue(cb func(any), opts ...MonitorOption) (Monitor, error) {
	if cb == nil {
		return nil, fmt.Errorf("monitor: nil callback")
	}
	return s.Monitor(func(r Reading) { cb(r.Value) }, opts...)
}

func (s *Signal) acquireCache(backend Backend) *cache {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cache == nil {
		s.cache = newCache(s, backend)
	}
	return s.cache
}

func (s *Signal) detach(c *cache) {
	s.mu.Lock()
	if s.cache == c {
		s.cache = nil
	}
	s.mu.Unlock()
}

// Cached reports whether a live cache currently serves this signal.
func (s *Signal) Cached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache != nil
}

// Listeners returns the number of open monitor handles.
func (s *Signal) Listeners() int {
	s.mu.Lock()
	c := s.cache
	s.mu.Unlock()
	if c == nil {
		return 0
	}
	return c.listenerCount()
}

// Put writes v. With wait set it returns once the transport confirmed completion.
func (s *Signal) Put(ctx context.Context, v any, wait bool) error {
	if !s.access.Writable() {
		return fmt.Errorf("put: %w", ErrNotWritable)
	}
	return s.put(ctx, "Put", v, wait)
}

// Set writes v using the signal's default wait flag.
func (s *Signal) Set(ctx context.Context, v any) error {
	return s.Put(ctx, v, s.wait)
}

// Execute triggers the signal's side effect.
func (s *Signal) Execute(ctx context.Context) error {
	if !s.access.Executable() {
		return fmt.Errorf("execute: %w", ErrNotExecutable)
	}
	return s.put(ctx, "Execute", s.execValue, s.wait)
}

func (s *Signal) put(ctx context.Context, op string, v any, wait bool) error {
	backend, err := s.writeBackend(op)
	if err != nil {
		return err
	}
	if err := backend.Put(ctx, v, wait); err != nil {
		return &WriteError{Source: backend.Source(), Err: err}
	}
	return nil
}
