package signal

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/timzifer/beamio/config"
)

type fakeSub struct {
	cb     Callback
	onErr  ErrorHandler
	closed bool
}

// fakeProvider is an in-memory transport that counts upstream activity.
type fakeProvider struct {
	mu          sync.Mutex
	values      map[string]any
	subs        map[string][]*fakeSub
	opened      map[string]int
	closed      map[string]int
	reads       map[string]int
	descriptors map[string]int
	connectErr  map[string]error
	putErr      error
	puts        []any
	backends    int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		values:      make(map[string]any),
		subs:        make(map[string][]*fakeSub),
		opened:      make(map[string]int),
		closed:      make(map[string]int),
		reads:       make(map[string]int),
		descriptors: make(map[string]int),
		connectErr:  make(map[string]error),
	}
}

func (p *fakeProvider) Transport() string { return "fake" }

func (p *fakeProvider) NewBackend(address string, kind config.ValueKind) (Backend, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.backends++
	if _, ok := p.values[address]; !ok {
		p.values[address] = Zero(kind)
	}
	return &fakeBackend{p: p, address: address}, nil
}

func (p *fakeProvider) set(address string, v any) {
	p.mu.Lock()
	p.values[address] = v
	subs := p.openSubs(address)
	p.mu.Unlock()
	r := Reading{Value: v, Timestamp: time.Now()}
	for _, s := range subs {
		s.cb(r)
	}
}

func (p *fakeProvider) failMonitors(address string, err error) {
	p.mu.Lock()
	subs := p.openSubs(address)
	p.mu.Unlock()
	for _, s := range subs {
		if s.onErr != nil {
			s.onErr(err)
		}
	}
}

func (p *fakeProvider) openSubs(address string) []*fakeSub {
	var out []*fakeSub
	for _, s := range p.subs[address] {
		if !s.closed {
			out = append(out, s)
		}
	}
	return out
}

func (p *fakeProvider) count(m map[string]int, address string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return m[address]
}

func (p *fakeProvider) putValues() []any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]any(nil), p.puts...)
}

type fakeBackend struct {
	p       *fakeProvider
	address string
}

func (b *fakeBackend) Source() string { return CanonicalSource("fake", b.address) }

func (b *fakeBackend) Connect(ctx context.Context) error {
	b.p.mu.Lock()
	err := b.p.connectErr[b.address]
	b.p.mu.Unlock()
	if errors.Is(err, errBlockConnect) {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

var errBlockConnect = errors.New("block until cancelled")

func (b *fakeBackend) GetDescriptor(context.Context) (Descriptor, error) {
	b.p.mu.Lock()
	defer b.p.mu.Unlock()
	b.p.descriptors[b.address]++
	return DescribeValue(b.Source(), b.p.values[b.address]), nil
}

func (b *fakeBackend) GetReading(context.Context) (Reading, error) {
	b.p.mu.Lock()
	defer b.p.mu.Unlock()
	b.p.reads[b.address]++
	return Reading{Value: b.p.values[b.address], Timestamp: time.Now()}, nil
}

func (b *fakeBackend) Put(_ context.Context, v any, _ bool) error {
	b.p.mu.Lock()
	if b.p.putErr != nil {
		err := b.p.putErr
		b.p.mu.Unlock()
		return err
	}
	b.p.puts = append(b.p.puts, v)
	b.p.mu.Unlock()
	b.p.set(b.address, v)
	return nil
}

func (b *fakeBackend) Monitor(cb Callback, onErr ErrorHandler) (Monitor, error) {
	sub := &fakeSub{cb: cb, onErr: onErr}
	b.p.mu.Lock()
	b.p.subs[b.address] = append(b.p.subs[b.address], sub)
	b.p.opened[b.address]++
	current := b.p.values[b.address]
	b.p.mu.Unlock()
	cb(Reading{Value: current, Timestamp: time.Now()})

	var once sync.Once
	return MonitorFunc(func() {
		once.Do(func() {
			b.p.mu.Lock()
			defer b.p.mu.Unlock()
			sub.closed = true
			b.p.closed[b.address]++
		})
	}), nil
}
