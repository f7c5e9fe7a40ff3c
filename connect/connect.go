// Package connect batches the connection of many signals and devices under one
// overall timeout and reports partial failures without aborting the batch.
package connect

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/timzifer/beamio/signal"
	"github.com/timzifer/beamio/telemetry"
)

// DefaultTimeout bounds a batch connect.
const DefaultTimeout = 10 * time.Second

const defaultCancelGrace = time.Second

var (
	// ErrNested is returned by Open while another collector is open.
	ErrNested = errors.New("connect: a collector is already open")
	// ErrClosed is returned when scheduling on a closed collector.
	ErrClosed = errors.New("connect: collector closed")
	// ErrConnectTimeout classifies targets still pending when the timeout expired.
	ErrConnectTimeout = errors.New("connect: timed out")
	// ErrUnknownTransport is returned when no provider serves a source.
	ErrUnknownTransport = errors.New("connect: unknown transport")
	// ErrDuplicateTransport is returned when registering a transport twice.
	ErrDuplicateTransport = errors.New("connect: transport already registered")
)

var active atomic.Pointer[Collector]

// Target is anything with an asynchronous connect. Targets implementing
// fmt.Stringer are reported under that name.
type Target interface {
	Connect(ctx context.Context) error
}

type funcTarget struct {
	name string
	fn   func(context.Context) error
}

func (f funcTarget) Connect(ctx context.Context) error { return f.fn(ctx) }
func (f funcTarget) String() string                    { return f.name }

// Func adapts a function into a named Target.
func Func(name string, fn func(ctx context.Context) error) Target {
	return funcTarget{name: name, fn: fn}
}

// SignalTarget connects sig to address when the batch runs.
func SignalTarget(sig *signal.Signal, address string, opts ...signal.ConnectOption) Target {
	return Func(address, func(ctx context.Context) error {
		return sig.Connect(ctx, address, opts...)
	})
}

// Option configures a Collector.
type Option func(*Collector)

// WithTimeout sets the overall batch timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Collector) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithCancelGrace bounds how long Close waits for cancelled targets to return.
func WithCancelGrace(grace time.Duration) Option {
	return func(c *Collector) {
		if grace >= 0 {
			c.grace = grace
		}
	}
}

// WithLogger sets the logger for the aggregated failure report.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Collector) {
		c.logger = logger
	}
}

// WithTelemetry sets the metrics collector. It is also handed to signals
// created through this collector.
func WithTelemetry(collector telemetry.Collector) Option {
	return func(c *Collector) {
		c.telemetry = telemetry.OrNoop(collector)
	}
}

// WithProvider registers p. The first provider registered this way becomes the
// default for bare sources.
func WithProvider(p signal.Provider) Option {
	return func(c *Collector) {
		c.initial = append(c.initial, p)
	}
}

// Collector gathers connect work during a scope and runs it on Close. Only one
// collector may be open at a time.
type Collector struct {
	timeout   time.Duration
	grace     time.Duration
	logger    zerolog.Logger
	telemetry telemetry.Collector
	initial   []signal.Provider

	mu          sync.Mutex
	providers   map[string]signal.Provider
	defaultName string
	pending     []Target
	closed      bool
	report      *Report
}

// Open starts a collector scope. It fails with ErrNested if one is already open;
// the open collector is unaffected.
func Open(opts ...Option) (*Collector, error) {
	c := &Collector{
		timeout:   DefaultTimeout,
		grace:     defaultCancelGrace,
		logger:    zerolog.Nop(),
		telemetry: telemetry.Noop(),
		providers: make(map[string]signal.Provider),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	for i, p := range c.initial {
		if err := c.AddProvider(p, i == 0); err != nil {
			return nil, err
		}
	}
	c.initial = nil
	if !active.CompareAndSwap(nil, c) {
		return nil, ErrNested
	}
	return c, nil
}

// Do opens a collector, runs fn to schedule targets and closes the collector.
// The report is returned even when fn fails; scheduled targets still run.
func Do(ctx context.Context, fn func(c *Collector) error, opts ...Option) (*Report, error) {
	c, err := Open(opts...)
	if err != nil {
		return nil, err
	}
	fnErr := fn(c)
	return c.Close(ctx), fnErr
}

// Timeout returns the batch timeout.
func (c *Collector) Timeout() time.Duration { return c.timeout }

// Logger returns the collector logger.
func (c *Collector) Logger() zerolog.Logger { return c.logger }

// Telemetry returns the metrics collector.
func (c *Collector) Telemetry() telemetry.Collector { return c.telemetry }

// AddProvider registers p under its transport.
func (c *Collector) AddProvider(p signal.Provider, setDefault bool) error {
	if p == nil {
		return errors.New("connect: nil provider")
	}
	name := p.Transport()
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.providers[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTransport, name)
	}
	c.providers[name] = p
	if setDefault || c.defaultName == "" {
		c.defaultName = name
	}
	return nil
}

// SetDefault selects the provider used for sources without a transport prefix.
func (c *Collector) SetDefault(transport string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.providers[transport]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTransport, transport)
	}
	c.defaultName = transport
	return nil
}

// Provider returns the provider registered for transport.
func (c *Collector) Provider(transport string) (signal.Provider, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.providers[transport]
	return p, ok
}

// Resolve splits source into its provider and the address within it. Bare
// sources resolve to the default provider.
func (c *Collector) Resolve(source string) (signal.Provider, string, error) {
	transport, address, ok := signal.SplitSource(source)
	c.mu.Lock()
	defer c.mu.Unlock()
	if !ok {
		transport = c.defaultName
	}
	p, found := c.providers[transport]
	if !found {
		return nil, "", fmt.Errorf("%w: %q in %s", ErrUnknownTransport, transport, source)
	}
	return p, address, nil
}

// Schedule registers t to be connected when the collector closes.
func (c *Collector) Schedule(t Target) error {
	if t == nil {
		return errors.New("connect: nil target")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.pending = append(c.pending, t)
	return nil
}

// Pending returns the number of scheduled targets.
func (c *Collector) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

type result struct {
	index int
	err   error
}

// Close connects every scheduled target concurrently, waits up to the timeout,
// cancels whatever is still pending and returns the report. Failures are logged
// as one aggregated message and never returned as an error. Close is idempotent
// and releases the collector scope.
func (c *Collector) Close(ctx context.Context) *Report {
	c.mu.Lock()
	if c.closed {
		report := c.report
		c.mu.Unlock()
		return report
	}
	c.closed = true
	targets := c.pending
	c.pending = nil
	c.mu.Unlock()
	defer active.CompareAndSwap(c, nil)

	start := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	results := make(chan result, len(targets))
	for i, t := range targets {
		go func() {
			results <- result{index: i, err: runTarget(runCtx, t)}
		}()
	}

	outcomes := make([]error, len(targets))
	finished := make([]bool, len(targets))
	record := func(r result) {
		if r.err != nil && runCtx.Err() != nil &&
			(errors.Is(r.err, context.Canceled) || errors.Is(r.err, context.DeadlineExceeded)) {
			// Cancelled by the batch deadline; reported as a timeout.
			return
		}
		outcomes[r.index] = r.err
		finished[r.index] = true
	}
	remaining := len(targets)
wait:
	for remaining > 0 {
		select {
		case r := <-results:
			remaining--
			record(r)
		case <-runCtx.Done():
			break wait
		}
	}

	if remaining > 0 {
		cancel()
		grace := time.NewTimer(c.grace)
	drain:
		for remaining > 0 {
			select {
			case r := <-results:
				remaining--
				record(r)
			case <-grace.C:
				c.logger.Warn().Int("targets", remaining).Msg("cancelled connect attempts did not return")
				break drain
			}
		}
		grace.Stop()
	}

	timeoutErr := fmt.Errorf("%w after %s", ErrConnectTimeout, c.timeout)
	if err := ctx.Err(); err != nil {
		timeoutErr = err
	}
	timedOut := 0
	for _, ok := range finished {
		if !ok {
			timedOut++
		}
	}

	report := &Report{Duration: time.Since(start)}
	for i, t := range targets {
		name := targetName(t, i)
		switch {
		case !finished[i]:
			report.Failures = append(report.Failures, Failure{Target: name, Err: timeoutErr})
		case outcomes[i] != nil:
			report.Failures = append(report.Failures, Failure{Target: name, Err: outcomes[i]})
		default:
			report.Connected = append(report.Connected, name)
		}
	}

	c.telemetry.ConnectResult(telemetry.ResultConnected, len(report.Connected))
	c.telemetry.ConnectResult(telemetry.ResultFailed, len(report.Failures)-timedOut)
	c.telemetry.ConnectResult(telemetry.ResultTimeout, timedOut)
	c.telemetry.ObserveConnect(report.Duration)

	if !report.OK() {
		c.logger.Error().
			Int("connected", len(report.Connected)).
			Int("failed", len(report.Failures)).
			Strs("targets", report.FailedTargets()).
			Msg(report.String())
	} else if len(targets) > 0 {
		c.logger.Debug().Int("connected", len(report.Connected)).Dur("duration", report.Duration).Msg("all targets connected")
	}

	c.mu.Lock()
	c.report = report
	c.mu.Unlock()
	return report
}

func runTarget(ctx context.Context, t Target) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("connect panicked: %v", r)
		}
	}()
	return t.Connect(ctx)
}

func targetName(t Target, index int) string {
	if s, ok := t.(fmt.Stringer); ok {
		if name := s.String(); name != "" {
			return name
		}
	}
	return fmt.Sprintf("target[%d]", index)
}
