// Package sim provides an in-memory transport for tests, demos and device
// simulations. Every address is a channel holding one value.
package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/timzifer/beamio/config"
	"github.com/timzifer/beamio/signal"
)

// Transport is the source prefix served by this provider.
const Transport = "sim"

// SetHook runs when a value is put to a channel, before the value is stored.
// Returning an error fails the put and leaves the value unchanged.
type SetHook func(ctx context.Context, value any) error

// CallHook runs when a channel is executed.
type CallHook func(ctx context.Context) error

// ConnectHook runs when a backend connects. It may block or fail.
type ConnectHook func(ctx context.Context, address string) error

// Option configures a Provider.
type Option func(*Provider)

// WithLogger sets the provider logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Provider) {
		p.logger = logger
	}
}

// WithConnectHook installs a hook run by every backend connect.
func WithConnectHook(hook ConnectHook) Option {
	return func(p *Provider) {
		p.connectHook = hook
	}
}

// Provider is the simulation transport.
type Provider struct {
	logger zerolog.Logger

	// notifyMu orders notifications so monitors observe values in the order
	// they were stored. Monitor callbacks must not call SetValue synchronously.
	notifyMu sync.Mutex

	mu          sync.Mutex
	channels    map[string]*channel
	connectHook ConnectHook
}

type subscriber struct {
	cb    signal.Callback
	onErr signal.ErrorHandler
}

type channel struct {
	kind      config.ValueKind
	value     any
	timestamp time.Time
	severity  signal.Severity
	precision *int
	units     string

	subs    map[int]*subscriber
	nextSub int
	opened  int

	onSet  SetHook
	onCall CallHook
	gate   chan struct{}
}

// New creates an empty simulation provider.
func New(opts ...Option) *Provider {
	p := &Provider{
		logger:   zerolog.Nop(),
		channels: make(map[string]*channel),
	}
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
	if address == "" {
		return nil, fmt.Errorf("sim: empty address")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := p.channelLocked(address)
	if ch.kind == config.ValueKindAny && kind != config.ValueKindAny {
		ch.kind = kind
		if ch.value == nil {
			ch.value = signal.Zero(kind)
		} else if v, err := signal.Coerce(kind, ch.value); err == nil {
			ch.value = v
		}
	}
	return &backend{p: p, address: address}, nil
}

func (p *Provider) channelLocked(address string) *channel {
	ch, ok := p.channels[address]
	if !ok {
		ch = &channel{timestamp: time.Now(), subs: make(map[int]*subscriber)}
		p.channels[address] = ch
	}
	return ch
}

// SetConnectHook replaces the connect hook.
func (p *Provider) SetConnectHook(hook ConnectHook) {
	p.mu.Lock()
	p.connectHook = hook
	p.mu.Unlock()
}

// SetValue stores v and notifies every monitor of the channel. Values are
// converted to the channel's kind when it is known.
func (p *Provider) SetValue(address string, v any) {
	p.notifyMu.Lock()
	defer p.notifyMu.Unlock()
	p.mu.Lock()
	ch := p.channelLocked(address)
	if coerced, err := signal.Coerce(ch.kind, v); err == nil {
		v = coerced
	}
	ch.value = v
	ch.timestamp = time.Now()
	r := ch.readingLocked()
	subs := ch.subscribersLocked()
	p.mu.Unlock()

	for _, s := range subs {
		s.cb(r)
	}
}

// Value returns the stored value of a channel.
func (p *Provider) Value(address string) any {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ch, ok := p.channels[address]; ok {
		return ch.value
	}
	return nil
}

// SetSeverity sets the alarm severity reported with subsequent readings.
func (p *Provider) SetSeverity(address string, raw int) {
	p.mu.Lock()
	p.channelLocked(address).severity = signal.NormalizeSeverity(raw)
	p.mu.Unlock()
}

// SetMetadata sets the precision and units reported by descriptors.
func (p *Provider) SetMetadata(address string, precision int, units string) {
	p.mu.Lock()
	ch := p.channelLocked(address)
	ch.precision = &precision
	ch.units = units
	p.mu.Unlock()
}

// OnSet installs a hook run by puts to address. nil removes it.
func (p *Provider) OnSet(address string, hook SetHook) {
	p.mu.Lock()
	p.channelLocked(address).onSet = hook
	p.mu.Unlock()
}

// OnCall installs a hook run when address is executed. nil removes it.
func (p *Provider) OnCall(address string, hook CallHook) {
	p.mu.Lock()
	p.channelLocked(address).onCall = hook
	p.mu.Unlock()
}

// HoldPuts makes waiting puts to address block after storing their value until
// ReleasePuts is called.
func (p *Provider) HoldPuts(address string) {
	p.mu.Lock()
	ch := p.channelLocked(address)
	if ch.gate == nil {
		ch.gate = make(chan struct{})
	}
	p.mu.Unlock()
}

// ReleasePuts unblocks waiting puts held by HoldPuts.
func (p *Provider) ReleasePuts(address string) {
	p.mu.Lock()
	ch := p.channelLocked(address)
	if ch.gate != nil {
		close(ch.gate)
		ch.gate = nil
	}
	p.mu.Unlock()
}

// MonitorCount returns the number of open monitors on address.
func (p *Provider) MonitorCount(address string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ch, ok := p.channels[address]; ok {
		return len(ch.subs)
	}
	return 0
}

// MonitorsOpened returns how many monitors were ever opened on address.
func (p *Provider) MonitorsOpened(address string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ch, ok := p.channels[address]; ok {
		return ch.opened
	}
	return 0
}

// FailMonitors reports err to every open monitor of address and closes them.
func (p *Provider) FailMonitors(address string, err error) {
	p.notifyMu.Lock()
	defer p.notifyMu.Unlock()
	p.mu.Lock()
	ch := p.channelLocked(address)
	subs := ch.subscribersLocked()
	ch.subs = make(map[int]*subscriber)
	p.mu.Unlock()

	for _, s := range subs {
		if s.onErr != nil {
			s.onErr(err)
		}
	}
}

func (ch *channel) readingLocked() signal.Reading {
	return signal.Reading{Value: ch.value, Timestamp: ch.timestamp, Severity: ch.severity}
}

// subscribersLocked returns subscribers in subscription order.
func (ch *channel) subscribersLocked() []*subscriber {
	out := make([]*subscriber, 0, len(ch.subs))
	for id := 0; id < ch.nextSub; id++ {
		if s, ok := ch.subs[id]; ok {
			out = append(out, s)
		}
	}
	return out
}

type backend struct {
	p       *Provider
	address string
}

func (b *backend) Source() string {
	return signal.CanonicalSource(Transport, b.address)
}

func (b *backend) Connect(ctx context.Context) error {
	b.p.mu.Lock()
	hook := b.p.connectHook
	b.p.mu.Unlock()
	if hook != nil {
		return hook(ctx, b.address)
	}
	return ctx.Err()
}

func (b *backend) GetDescriptor(context.Context) (signal.Descriptor, error) {
	b.p.mu.Lock()
	defer b.p.mu.Unlock()
	ch := b.p.channelLocked(b.address)
	desc := signal.DescribeValue(b.Source(), ch.value)
	if ch.precision != nil {
		precision := *ch.precision
		desc.Precision = &precision
	}
	desc.Units = ch.units
	return desc, nil
}

func (b *backend) GetReading(context.Context) (signal.Reading, error) {
	b.p.mu.Lock()
	defer b.p.mu.Unlock()
	return b.p.channelLocked(b.address).readingLocked(), nil
}

func (b *backend) Put(ctx context.Context, v any, wait bool) error {
	b.p.mu.Lock()
	ch := b.p.channelLocked(b.address)
	kind, onSet, onCall := ch.kind, ch.onSet, ch.onCall
	b.p.mu.Unlock()

	coerced, err := signal.Coerce(kind, v)
	if err != nil {
		return fmt.Errorf("sim %s: %w", b.address, err)
	}
	work := func(ctx context.Context) error {
		if onCall != nil {
			if err := onCall(ctx); err != nil {
				return err
			}
		}
		if onSet != nil {
			if err := onSet(ctx, coerced); err != nil {
				return err
			}
		}
		b.p.SetValue(b.address, coerced)
		return nil
	}
	if !wait {
		go func() {
			if err := work(context.WithoutCancel(ctx)); err != nil {
				b.p.logger.Warn().Err(err).Str("address", b.address).Msg("sim put failed")
			}
		}()
		return nil
	}
	if err := work(ctx); err != nil {
		return err
	}

	b.p.mu.Lock()
	gate := ch.gate
	b.p.mu.Unlock()
	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *backend) Monitor(cb signal.Callback, onErr signal.ErrorHandler) (signal.Monitor, error) {
	b.p.notifyMu.Lock()
	defer b.p.notifyMu.Unlock()
	b.p.mu.Lock()
	ch := b.p.channelLocked(b.address)
	id := ch.nextSub
	ch.nextSub++
	ch.subs[id] = &subscriber{cb: cb, onErr: onErr}
	ch.opened++
	current := ch.readingLocked()
	b.p.mu.Unlock()

	cb(current)

	var once sync.Once
	return signal.MonitorFunc(func() {
		once.Do(func() {
			b.p.mu.Lock()
			delete(ch.subs, id)
			b.p.mu.Unlock()
		})
	}), nil
}
