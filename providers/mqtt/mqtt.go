// Package mqtt binds signals to MQTT topics. Sources look like mqtt://<topic>.
// Reads return the last message seen on the topic, waiting for a retained
// message when nothing has arrived yet.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/timzifer/beamio/config"
	"github.com/timzifer/beamio/signal"
)

// Transport is the source prefix served by the provider.
const Transport = "mqtt"

// ErrClosed is returned by operations on a closed provider.
var ErrClosed = errors.New("mqtt: provider closed")

// Option configures a Provider.
type Option func(*Provider)

// WithLogger sets the provider logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Provider) {
		p.logger = logger
	}
}

type message struct {
	body  []byte
	stamp time.Time
}

type subscriber struct {
	deliver func(message)
	fail    signal.ErrorHandler
}

type topic struct {
	last       *message
	subs       map[int]*subscriber
	waiters    map[int]chan struct{}
	subscribed bool
}

// Provider shares one broker connection between all backends.
type Provider struct {
	cfg     config.MQTTConfig
	payload Payload
	logger  zerolog.Logger

	connMu sync.Mutex
	client paho.Client
	closed bool

	// notifyMu orders message delivery against monitor registration.
	notifyMu sync.Mutex
	mu       sync.Mutex
	topics   map[string]*topic
	nextID   int
}

// New creates a provider for the broker in cfg. The connection is opened by the
// first backend Connect.
func New(cfg config.MQTTConfig, opts ...Option) *Provider {
	p := &Provider{
		cfg:     cfg,
		payload: Payload{Encoding: cfg.Encoding, Path: cfg.Path},
		logger:  zerolog.Nop(),
		topics:  make(map[string]*topic),
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

// NewBackend implements signal.Provider. The address is the topic.
func (p *Provider) NewBackend(address string, kind config.ValueKind) (signal.Backend, error) {
	name := strings.TrimSpace(address)
	if name == "" {
		return nil, errors.New("mqtt: empty topic")
	}
	if strings.ContainsAny(name, "+#") {
		return nil, fmt.Errorf("mqtt: topic %s must not contain wildcards", name)
	}
	return &backend{p: p, topic: name, kind: kind}, nil
}

func (p *Provider) connect(ctx context.Context) (paho.Client, error) {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	if p.client != nil {
		return p.client, nil
	}
	client, err := buildClient(ctx, p.cfg, p.logger, p.resubscribe)
	if err != nil {
		return nil, err
	}
	p.client = client
	return client, nil
}

func (p *Provider) connected() (paho.Client, error) {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	if p.client == nil {
		return nil, errors.New("mqtt: not connected")
	}
	return p.client, nil
}

// resubscribe restores topic subscriptions after a reconnect.
func (p *Provider) resubscribe(client paho.Client) {
	p.mu.Lock()
	names := make([]string, 0, len(p.topics))
	for name, t := range p.topics {
		if t.subscribed {
			names = append(names, name)
		}
	}
	p.mu.Unlock()
	sort.Strings(names)
	for _, name := range names {
		client.Subscribe(name, p.cfg.QoS, p.handler(name))
	}
}

func (p *Provider) handler(name string) paho.MessageHandler {
	return func(_ paho.Client, msg paho.Message) {
		m := message{body: append([]byte(nil), msg.Payload()...), stamp: time.Now()}
		p.notifyMu.Lock()
		defer p.notifyMu.Unlock()
		p.mu.Lock()
		t := p.topicLocked(name)
		t.last = &m
		subs := subscribersLocked(t)
		for _, w := range t.waiters {
			select {
			case w <- struct{}{}:
			default:
			}
		}
		p.mu.Unlock()
		for _, s := range subs {
			s.deliver(m)
		}
	}
}

func subscribersLocked(t *topic) []*subscriber {
	ids := make([]int, 0, len(t.subs))
	for id := range t.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	subs := make([]*subscriber, 0, len(ids))
	for _, id := range ids {
		subs = append(subs, t.subs[id])
	}
	return subs
}

func (p *Provider) topicLocked(name string) *topic {
	t, ok := p.topics[name]
	if !ok {
		t = &topic{subs: make(map[int]*subscriber), waiters: make(map[int]chan struct{})}
		p.topics[name] = t
	}
	return t
}

// ensureSubscribed subscribes to the topic on the broker if it is not already.
func (p *Provider) ensureSubscribed(ctx context.Context, name string) error {
	client, err := p.connected()
	if err != nil {
		return err
	}
	p.mu.Lock()
	t := p.topicLocked(name)
	if t.subscribed {
		p.mu.Unlock()
		return nil
	}
	t.subscribed = true
	p.mu.Unlock()
	if err := wait(ctx, client.Subscribe(name, p.cfg.QoS, p.handler(name))); err != nil {
		p.mu.Lock()
		t.subscribed = false
		p.mu.Unlock()
		return fmt.Errorf("mqtt: subscribe %s: %w", name, err)
	}
	return nil
}

// release unsubscribes once nobody is interested in the topic anymore.
func (p *Provider) release(name string) {
	p.mu.Lock()
	t, ok := p.topics[name]
	if !ok || len(t.subs) > 0 || len(t.waiters) > 0 || !t.subscribed {
		p.mu.Unlock()
		return
	}
	t.subscribed = false
	p.mu.Unlock()
	if client, err := p.connected(); err == nil {
		client.Unsubscribe(name)
	}
}

// Close disconnects from the broker and fails every open subscription.
func (p *Provider) Close() error {
	p.connMu.Lock()
	if p.closed {
		p.connMu.Unlock()
		return nil
	}
	p.closed = true
	client := p.client
	p.client = nil
	p.connMu.Unlock()

	p.mu.Lock()
	var subs []*subscriber
	for _, t := range p.topics {
		subs = append(subs, subscribersLocked(t)...)
		t.subs = make(map[int]*subscriber)
	}
	p.mu.Unlock()
	for _, s := range subs {
		if s.fail != nil {
			s.fail(ErrClosed)
		}
	}
	if client != nil && client.IsConnected() {
		client.Disconnect(250)
	}
	return nil
}

type backend struct {
	p     *Provider
	topic string
	kind  config.ValueKind
}

func (b *backend) Source() string {
	return signal.CanonicalSource(Transport, b.topic)
}

func (b *backend) Connect(ctx context.Context) error {
	_, err := b.p.connect(ctx)
	return err
}

func (b *backend) GetDescriptor(ctx context.Context) (signal.Descriptor, error) {
	r, err := b.GetReading(ctx)
	if err != nil {
		return signal.Descriptor{}, err
	}
	return signal.DescribeValue(b.Source(), r.Value), nil
}

func (b *backend) reading(m message) (signal.Reading, error) {
	v, err := b.p.payload.Decode(b.kind, m.body)
	if err != nil {
		return signal.Reading{}, fmt.Errorf("%s: %w", b.Source(), err)
	}
	return signal.Reading{Value: v, Timestamp: m.stamp, Severity: signal.SeverityNone}, nil
}

// GetReading returns the last message on the topic, subscribing and waiting for
// one when none has been seen.
func (b *backend) GetReading(ctx context.Context) (signal.Reading, error) {
	p := b.p
	p.mu.Lock()
	t := p.topicLocked(b.topic)
	if t.last != nil {
		m := *t.last
		p.mu.Unlock()
		return b.reading(m)
	}
	p.nextID++
	id := p.nextID
	ready := make(chan struct{}, 1)
	t.waiters[id] = ready
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(t.waiters, id)
		p.mu.Unlock()
		p.release(b.topic)
	}()
	if err := p.ensureSubscribed(ctx, b.topic); err != nil {
		return signal.Reading{}, err
	}
	select {
	case <-ready:
	case <-ctx.Done():
		return signal.Reading{}, fmt.Errorf("%s: no message: %w", b.Source(), ctx.Err())
	}
	p.mu.Lock()
	m := *t.last
	p.mu.Unlock()
	return b.reading(m)
}

func (b *backend) Put(ctx context.Context, v any, waitDone bool) error {
	client, err := b.p.connected()
	if err != nil {
		return err
	}
	value, err := signal.Coerce(b.kind, v)
	if err != nil {
		return err
	}
	body, err := b.p.payload.Encode(value)
	if err != nil {
		return err
	}
	token := client.Publish(b.topic, b.p.cfg.QoS, b.p.cfg.Retain, body)
	if !waitDone {
		return nil
	}
	return wait(ctx, token)
}

// Monitor subscribes to the topic. Undecodable messages are logged and skipped.
func (b *backend) Monitor(cb signal.Callback, onErr signal.ErrorHandler) (signal.Monitor, error) {
	p := b.p
	logger := p.logger.With().Str("source", b.Source()).Logger()
	sub := &subscriber{
		deliver: func(m message) {
			r, err := b.reading(m)
			if err != nil {
				logger.Warn().Err(err).Msg("mqtt: dropping message")
				return
			}
			cb(r)
		},
		fail: onErr,
	}

	p.notifyMu.Lock()
	p.mu.Lock()
	t := p.topicLocked(b.topic)
	p.nextID++
	id := p.nextID
	t.subs[id] = sub
	last := t.last
	p.mu.Unlock()
	if last != nil {
		sub.deliver(*last)
	}
	p.notifyMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), b.p.subscribeTimeout())
	defer cancel()
	if err := p.ensureSubscribed(ctx, b.topic); err != nil {
		p.mu.Lock()
		delete(t.subs, id)
		p.mu.Unlock()
		return nil, err
	}

	var once sync.Once
	return signal.MonitorFunc(func() {
		once.Do(func() {
			p.mu.Lock()
			delete(t.subs, id)
			p.mu.Unlock()
			p.release(b.topic)
		})
	}), nil
}

func (p *Provider) subscribeTimeout() time.Duration {
	if p.cfg.ConnectTimeout.Duration > 0 {
		return p.cfg.ConnectTimeout.Duration
	}
	return defaultConnectTimeout
}
