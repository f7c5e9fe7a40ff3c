// Package session builds a running beamline session from a configuration:
// logging, telemetry, transports, devices, the batch connect and the archive.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/timzifer/beamio/archive"
	"github.com/timzifer/beamio/config"
	"github.com/timzifer/beamio/connect"
	"github.com/timzifer/beamio/device"
	"github.com/timzifer/beamio/devices/motor"
	"github.com/timzifer/beamio/internal/logging"
	"github.com/timzifer/beamio/providers/calc"
	"github.com/timzifer/beamio/providers/modbus"
	"github.com/timzifer/beamio/providers/mqtt"
	"github.com/timzifer/beamio/providers/sim"
	"github.com/timzifer/beamio/signal"
	"github.com/timzifer/beamio/telemetry"
)

var (
	// ErrUnknownDevice is returned for names not declared in the configuration.
	ErrUnknownDevice = errors.New("unknown device")
	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("session closed")
)

type entry struct {
	cfg    config.DeviceConfig
	signal *signal.Signal
	single *device.SignalDevice
	motor  *motor.Motor
}

// Session owns the providers and devices built from one configuration.
type Session struct {
	cfg       *config.Config
	logger    zerolog.Logger
	cleanup   func()
	telemetry telemetry.Collector
	gatherer  prometheus.Gatherer

	providers map[string]signal.Provider
	sim       *sim.Provider
	calc      *calc.Provider
	devices   map[string]*entry
	report    *connect.Report
	recorder  *archive.Recorder

	mu       sync.Mutex
	closed   bool
	monitors []signal.Monitor
}

// Open builds the session and connects every configured device. Devices that
// fail to connect are listed in the report and do not fail Open.
func Open(ctx context.Context, opts ...Option) (*Session, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	set := settings{
		logger:     zerolog.Nop(),
		telemetry:  telemetry.Noop(),
		registerer: prometheus.DefaultRegisterer,
		gatherer:   prometheus.DefaultGatherer,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&set); err != nil {
			return nil, err
		}
	}
	if set.config == nil {
		if set.configPath == "" {
			return nil, errors.New("configuration path required")
		}
		loaded, err := config.Load(set.configPath)
		if err != nil {
			return nil, fmt.Errorf("load configuration: %w", err)
		}
		set.config = loaded
	}
	cfg := set.config

	s := &Session{
		cfg:       cfg,
		cleanup:   func() {},
		telemetry: set.telemetry,
		gatherer:  set.gatherer,
		providers: make(map[string]signal.Provider),
		devices:   make(map[string]*entry),
	}
	if set.customLogger {
		s.logger = set.logger
	} else {
		logger, cleanup, err := logging.Setup(cfg.Logging)
		if err != nil {
			return nil, err
		}
		s.logger = logger
		s.cleanup = cleanup
		log.Logger = logger
	}
	if !set.telemetryProvided {
		collector, err := newTelemetryCollector(cfg.Telemetry, set.registerer)
		if err != nil {
			s.logger.Warn().Err(err).Msg("telemetry disabled")
			collector = telemetry.Noop()
		}
		s.telemetry = collector
	}

	if err := s.buildProviders(cfg, set); err != nil {
		_ = s.Close()
		return nil, err
	}
	report, err := s.connectDevices(ctx, cfg)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	s.report = report
	if report.OK() {
		s.logger.Info().Int("devices", len(s.devices)).Dur("duration", report.Duration).Msg("devices connected")
	} else {
		s.logger.Warn().Strs("failed", report.FailedTargets()).Msg("session running degraded")
	}
	if cfg.Archive.Enabled {
		s.startArchive(ctx, cfg.Archive)
	}
	return s, nil
}

func (s *Session) buildProviders(cfg *config.Config, set settings) error {
	for _, p := range set.providers {
		if _, exists := s.providers[p.Transport()]; exists {
			return fmt.Errorf("%w: %s", connect.ErrDuplicateTransport, p.Transport())
		}
		s.providers[p.Transport()] = p
	}
	wanted := func(transport string, enabled bool) bool {
		_, taken := s.providers[transport]
		return enabled && !taken
	}
	pc := cfg.Providers
	if wanted(sim.Transport, pc.Sim.Enabled) {
		s.providers[sim.Transport] = sim.New(sim.WithLogger(logging.Component(s.logger, "sim")))
	}
	if wanted(mqtt.Transport, pc.MQTT.Enabled) {
		s.providers[mqtt.Transport] = mqtt.New(pc.MQTT, mqtt.WithLogger(logging.Component(s.logger, "mqtt")))
	}
	if wanted(modbus.Transport, pc.Modbus.Enabled) {
		opts := []modbus.Option{modbus.WithLogger(logging.Component(s.logger, "modbus"))}
		if set.modbusFactory != nil {
			opts = append(opts, modbus.WithClientFactory(set.modbusFactory))
		}
		s.providers[modbus.Transport] = modbus.New(pc.Modbus, opts...)
	}
	if wanted(calc.Transport, pc.Calc.Enabled) {
		s.providers[calc.Transport] = calc.New(calc.WithLogger(logging.Component(s.logger, "calc")))
	}
	s.sim, _ = s.providers[sim.Transport].(*sim.Provider)
	s.calc, _ = s.providers[calc.Transport].(*calc.Provider)

	if pc.Default != "" {
		if _, ok := s.providers[pc.Default]; !ok {
			return fmt.Errorf("default provider %s is not enabled", pc.Default)
		}
	}
	return nil
}

func (s *Session) connectDevices(ctx context.Context, cfg *config.Config) (*connect.Report, error) {
	c, err := connect.Open(
		connect.WithTimeout(cfg.ConnectTimeout()),
		connect.WithLogger(logging.Component(s.logger, "connect")),
		connect.WithTelemetry(s.telemetry),
	)
	if err != nil {
		return nil, err
	}

	var errs []error
	transports := make([]string, 0, len(s.providers))
	for transport := range s.providers {
		transports = append(transports, transport)
	}
	sort.Strings(transports)
	for _, transport := range transports {
		if err := c.AddProvider(s.providers[transport], transport == cfg.Providers.Default); err != nil {
			errs = append(errs, err)
		}
	}

	// Derived devices compile against their inputs, so they are built last.
	var derived []config.DeviceConfig
	for _, dc := range cfg.Devices {
		if p, _, err := c.Resolve(dc.Source); err == nil && p.Transport() == calc.Transport {
			derived = append(derived, dc)
			continue
		}
		if err := s.addDevice(c, dc); err != nil {
			errs = append(errs, err)
		}
	}
	if s.calc != nil {
		for _, name := range cfg.Providers.Calc.Inputs {
			e, ok := s.devices[name]
			if !ok {
				errs = append(errs, fmt.Errorf("calc input %s: %w", name, ErrUnknownDevice))
				continue
			}
			if err := s.calc.Bind(name, e.signal); err != nil {
				errs = append(errs, fmt.Errorf("calc input %s: %w", name, err))
			}
		}
	}
	for _, dc := range derived {
		if err := s.addDevice(c, dc); err != nil {
			errs = append(errs, err)
		}
	}

	report := c.Close(ctx)
	if err := errors.Join(errs...); err != nil {
		return report, err
	}
	return report, nil
}

func (s *Session) addDevice(c *connect.Collector, dc config.DeviceConfig) error {
	logger := s.logger.With().Str("device", dc.Name).Logger()
	switch dc.Type {
	case config.DeviceTypeMotor:
		m, err := motor.New(c, dc.Source, motor.WithName(dc.Name), motor.WithLogger(logger))
		if err != nil {
			return fmt.Errorf("device %s: %w", dc.Name, err)
		}
		if m.Transport() == sim.Transport && s.sim != nil {
			if err := motor.Simulate(s.sim, m, simParams(dc.Sim)); err != nil {
				return fmt.Errorf("device %s: %w", dc.Name, err)
			}
		}
		s.devices[dc.Name] = &entry{cfg: dc, signal: m.Signal(motor.Readback), motor: m}
	default:
		sig, err := s.newSignal(c, dc, logger)
		if err != nil {
			return fmt.Errorf("device %s: %w", dc.Name, err)
		}
		s.devices[dc.Name] = &entry{cfg: dc, signal: sig, single: device.NewSignalDevice(sig, dc.Name, logger)}
	}
	return nil
}

func (s *Session) newSignal(c *connect.Collector, dc config.DeviceConfig, logger zerolog.Logger) (*signal.Signal, error) {
	provider, address, err := c.Resolve(dc.Source)
	if err != nil {
		return nil, err
	}
	access, err := signal.ParseAccess(dc.Access)
	if err != nil {
		return nil, err
	}
	kind, err := config.ParseValueKind(string(dc.Kind))
	if err != nil {
		return nil, err
	}
	var connectOpts []signal.ConnectOption
	if dc.ReadSource != "" {
		readProvider, readAddress, err := c.Resolve(dc.ReadSource)
		if err != nil {
			return nil, err
		}
		if readProvider.Transport() != provider.Transport() {
			return nil, fmt.Errorf("read source %s must use transport %s", dc.ReadSource, provider.Transport())
		}
		connectOpts = append(connectOpts, signal.WithReadAddress(readAddress))
	}
	sig := signal.New(provider, access, kind, signal.WithLogger(logger), signal.WithTelemetry(c.Telemetry()))
	target := connect.Func(dc.Name, func(ctx context.Context) error {
		return sig.Connect(ctx, address, connectOpts...)
	})
	if err := c.Schedule(target); err != nil {
		return nil, err
	}
	return sig, nil
}

func simParams(cfg *config.MotorSimConfig) motor.SimParams {
	params := motor.DefaultSimParams()
	if cfg == nil {
		return params
	}
	if cfg.Velocity > 0 {
		params.Velocity = cfg.Velocity
	}
	params.Precision = cfg.Precision
	if cfg.Units != "" {
		params.Units = cfg.Units
	}
	if cfg.Tick.Duration > 0 {
		params.Tick = cfg.Tick.Duration
	}
	return params
}

func (s *Session) startArchive(ctx context.Context, cfg config.ArchiveConfig) {
	logger := logging.Component(s.logger, "archive")
	rec, err := archive.Open(ctx, cfg, archive.WithLogger(logger), archive.WithTelemetry(s.telemetry))
	if err != nil {
		logger.Error().Err(err).Msg("archive not started")
		return
	}
	for _, name := range cfg.Devices {
		e, ok := s.devices[name]
		if !ok {
			continue
		}
		if !e.signal.Connected() {
			logger.Warn().Str("device", name).Msg("not archiving disconnected device")
			continue
		}
		if err := rec.Record(name, e.signal); err != nil {
			logger.Warn().Err(err).Str("device", name).Msg("archive record failed")
		}
	}
	s.recorder = rec
}

// Config returns the configuration the session was built from.
func (s *Session) Config() *config.Config { return s.cfg }

// Logger returns the session logger.
func (s *Session) Logger() zerolog.Logger { return s.logger }

// Telemetry returns the metrics collector.
func (s *Session) Telemetry() telemetry.Collector { return s.telemetry }

// Gatherer returns the registry the session's metrics are served from.
func (s *Session) Gatherer() prometheus.Gatherer { return s.gatherer }

// Report returns the outcome of the batch connect.
func (s *Session) Report() *connect.Report { return s.report }

// Sim returns the simulation provider, or nil when it is not enabled.
func (s *Session) Sim() *sim.Provider { return s.sim }

// Archive returns the recorder, or nil when archiving is off or failed to start.
func (s *Session) Archive() *archive.Recorder { return s.recorder }

// Names lists the configured device names in sorted order.
func (s *Session) Names() []string {
	names := make([]string, 0, len(s.devices))
	for name := range s.devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Signal returns the primary signal of a device: the signal itself for signal
// devices, the readback for motors.
func (s *Session) Signal(name string) (*signal.Signal, bool) {
	e, ok := s.devices[name]
	if !ok {
		return nil, false
	}
	return e.signal, true
}

// SignalDevice returns a configured signal device.
func (s *Session) SignalDevice(name string) (*device.SignalDevice, bool) {
	e, ok := s.devices[name]
	if !ok || e.single == nil {
		return nil, false
	}
	return e.single, true
}

// Motor returns a configured motor.
func (s *Session) Motor(name string) (*motor.Motor, bool) {
	e, ok := s.devices[name]
	if !ok || e.motor == nil {
		return nil, false
	}
	return e.motor, true
}

// Read returns the keyed readings of a device.
func (s *Session) Read(ctx context.Context, name string) (map[string]signal.Reading, error) {
	e, ok := s.devices[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, name)
	}
	if e.motor != nil {
		return e.motor.Read(ctx)
	}
	return e.single.Read(ctx)
}

// Monitor subscribes fn to the primary signal of every named device. Closing the
// returned monitor ends every subscription; Close does so as well.
func (s *Session) Monitor(names []string, fn func(name string, r signal.Reading)) (signal.Monitor, error) {
	var monitors []signal.Monitor
	closeAll := func() {
		for _, m := range monitors {
			m.Close()
		}
	}
	for _, name := range names {
		e, ok := s.devices[name]
		if !ok {
			closeAll()
			return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, name)
		}
		m, err := e.signal.Monitor(func(r signal.Reading) {
			fn(name, r)
		}, signal.WithErrorHandler(func(err error) {
			s.logger.Warn().Err(err).Str("device", name).Msg("monitor ended")
		}))
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("monitor %s: %w", name, err)
		}
		monitors = append(monitors, m)
	}

	var once sync.Once
	handle := signal.MonitorFunc(func() { once.Do(closeAll) })
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		handle.Close()
		return nil, ErrClosed
	}
	s.monitors = append(s.monitors, handle)
	s.mu.Unlock()
	return handle, nil
}

// Close ends monitors, stops the archive, unstages devices and closes the
// providers. It is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	monitors := s.monitors
	s.monitors = nil
	s.mu.Unlock()

	for _, m := range monitors {
		m.Close()
	}
	var errs []error
	if s.recorder != nil {
		if err := s.recorder.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close archive: %w", err))
		}
	}
	for _, e := range s.devices {
		if e.single != nil {
			e.single.Close()
		}
		if e.motor != nil && e.motor.Staged() {
			if err := e.motor.Unstage(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	for transport, p := range s.providers {
		if closer, ok := p.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s provider: %w", transport, err))
			}
		}
	}
	s.cleanup()
	return errors.Join(errs...)
}
