// Package modbus binds signals to Modbus/TCP registers and coils. Sources look
// like modbus://holding/40/float32. Monitors poll.
package modbus

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/timzifer/beamio/config"
	"github.com/timzifer/beamio/signal"
)

// Transport is the source prefix served by the provider.
const Transport = "modbus"

const (
	defaultPollInterval = 500 * time.Millisecond
	maxPollFailures     = 3
)

// ErrClosed is returned by operations on a closed provider.
var ErrClosed = errors.New("modbus: provider closed")

// Option configures a Provider.
type Option func(*Provider)

// WithLogger sets the provider logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Provider) {
		p.logger = logger
	}
}

// WithClientFactory replaces the TCP client factory.
func WithClientFactory(factory ClientFactory) Option {
	return func(p *Provider) {
		if factory != nil {
			p.factory = factory
		}
	}
}

// Provider shares one client between all backends. Requests are serialised.
type Provider struct {
	cfg     config.ModbusConfig
	factory ClientFactory
	logger  zerolog.Logger

	mu     sync.Mutex
	client Client
	closed bool
}

// New creates a provider for the endpoint in cfg.
func New(cfg config.ModbusConfig, opts ...Option) *Provider {
	p := &Provider{cfg: cfg, factory: NewTCPClientFactory(), logger: zerolog.Nop()}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Transport implements signal.Provider.
func (p *Provider) Transport() string { return Transport }

// NewBackend implements signal.Provider.
func (p *Provider) NewBackend(address string, kind config.ValueKind) (signal.Backend, error) {
	addr, err := ParseAddress(address)
	if err != nil {
		return nil, err
	}
	return &backend{p: p, addr: addr, kind: kind}, nil
}

func (p *Provider) pollInterval() time.Duration {
	if p.cfg.PollInterval.Duration > 0 {
		return p.cfg.PollInterval.Duration
	}
	return defaultPollInterval
}

// do runs fn with the shared client, opening it on first use. A failed request
// drops the client so the next one reconnects.
func (p *Provider) do(fn func(Client) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if p.client == nil {
		client, err := p.factory(p.cfg)
		if err != nil {
			return err
		}
		p.client = client
	}
	if err := fn(p.client); err != nil {
		if cerr := p.client.Close(); cerr != nil {
			p.logger.Debug().Err(cerr).Msg("modbus: close after failure")
		}
		p.client = nil
		return err
	}
	return nil
}

// Close releases the client.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if p.client == nil {
		return nil
	}
	err := p.client.Close()
	p.client = nil
	return err
}

type backend struct {
	p    *Provider
	addr Address
	kind config.ValueKind
}

func (b *backend) Source() string {
	return signal.CanonicalSource(Transport, b.addr.String())
}

// Connect performs a read so unreachable endpoints and invalid registers fail early.
func (b *backend) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := b.GetReading(ctx)
	return err
}

func (b *backend) GetDescriptor(ctx context.Context) (signal.Descriptor, error) {
	r, err := b.GetReading(ctx)
	if err != nil {
		return signal.Descriptor{}, err
	}
	return signal.DescribeValue(b.Source(), r.Value), nil
}

func (b *backend) GetReading(ctx context.Context) (signal.Reading, error) {
	if err := ctx.Err(); err != nil {
		return signal.Reading{}, err
	}
	var raw []byte
	err := b.p.do(func(c Client) error {
		var err error
		q := b.addr.quantity()
		switch b.addr.Table {
		case Coil:
			raw, err = c.ReadCoils(b.addr.Register, 1)
		case Discrete:
			raw, err = c.ReadDiscreteInputs(b.addr.Register, 1)
		case Holding:
			raw, err = c.ReadHoldingRegisters(b.addr.Register, q)
		case Input:
			raw, err = c.ReadInputRegisters(b.addr.Register, q)
		}
		return err
	})
	if err != nil {
		return signal.Reading{}, fmt.Errorf("%s: read: %w", b.Source(), err)
	}
	v, err := b.addr.decode(raw)
	if err != nil {
		return signal.Reading{}, err
	}
	value, err := signal.Coerce(b.kind, v)
	if err != nil {
		return signal.Reading{}, fmt.Errorf("%s: %w", b.Source(), err)
	}
	return signal.Reading{Value: value, Timestamp: time.Now(), Severity: signal.SeverityNone}, nil
}

// Put writes synchronously; wait has no effect.
func (b *backend) Put(ctx context.Context, v any, _ bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !b.addr.Writable() {
		return fmt.Errorf("%s: %w", b.Source(), signal.ErrNotWritable)
	}
	if b.addr.Table == Coil {
		var on bool
		coerced, err := signal.Coerce(config.ValueKindBool, v)
		if err != nil {
			return err
		}
		on = coerced.(bool)
		word := uint16(0x0000)
		if on {
			word = 0xFF00
		}
		return b.p.do(func(c Client) error {
			_, err := c.WriteSingleCoil(b.addr.Register, word)
			return err
		})
	}
	f, err := signal.ToFloat(v)
	if err != nil {
		return err
	}
	buf, err := b.addr.encode(f)
	if err != nil {
		return err
	}
	return b.p.do(func(c Client) error {
		var err error
		if q := b.addr.quantity(); q == 1 {
			_, err = c.WriteSingleRegister(b.addr.Register, uint16(buf[0])<<8|uint16(buf[1]))
		} else {
			_, err = c.WriteMultipleRegisters(b.addr.Register, q, buf)
		}
		return err
	})
}

// Monitor delivers the current value, then polls and delivers changes. The
// monitor fails after repeated read errors.
func (b *backend) Monitor(cb signal.Callback, onErr signal.ErrorHandler) (signal.Monitor, error) {
	first, err := b.GetReading(context.Background())
	if err != nil {
		return nil, err
	}
	cb(first)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	logger := b.p.logger.With().Str("source", b.Source()).Logger()
	go func() {
		defer close(done)
		ticker := time.NewTicker(b.p.pollInterval())
		defer ticker.Stop()
		last := first
		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			r, err := b.GetReading(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				failures++
				logger.Warn().Err(err).Int("failures", failures).Msg("modbus: poll failed")
				if failures >= maxPollFailures {
					if onErr != nil {
						onErr(err)
					}
					return
				}
				continue
			}
			failures = 0
			if reflect.DeepEqual(r.Value, last.Value) && r.Severity == last.Severity {
				continue
			}
			last = r
			cb(r)
		}
	}()

	var once sync.Once
	return signal.MonitorFunc(func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}), nil
}
