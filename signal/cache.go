package signal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/timzifer/beamio/telemetry"
)

// errCacheTornDown is returned by subscribe when it races the teardown of the
// cache. Callers retry with a fresh cache.
var errCacheTornDown = errors.New("cache torn down")

type update struct {
	reading Reading
	err     error
}

// cache multiplexes one upstream monitor into many listeners. It lives exactly as
// long as at least one listener handle is open.
type cache struct {
	sig       *Signal
	backend   Backend
	source    string
	logger    zerolog.Logger
	telemetry telemetry.Collector

	updates *queue[update]
	validCh chan struct{}
	doneCh  chan struct{}

	mu        sync.Mutex
	listeners []*listener
	refs      int
	started   bool
	closed    bool
	seq       uint64
	reading   Reading
	valid     bool
	upstream  Monitor
	cancel    context.CancelFunc

	descMu sync.Mutex
	desc   *Descriptor
}

func newCache(sig *Signal, backend Backend) *cache {
	return &cache{
		sig:       sig,
		backend:   backend,
		source:    backend.Source(),
		logger:    sig.logger,
		telemetry: sig.telemetry,
		updates:   newQueue[update](),
		validCh:   make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// listener is one registration on a cache and the Monitor handle returned for it.
type listener struct {
	cache  *cache
	cb     Callback
	onErr  ErrorHandler
	closed atomic.Bool
	once   sync.Once

	// mu serialises deliveries to this listener. last is the sequence number of
	// the newest reading delivered, so a reading can never overtake a newer one.
	mu   sync.Mutex
	last uint64
}

func (l *listener) Close() {
	l.once.Do(func() {
		l.closed.Store(true)
		l.cache.release(l)
	})
}

func (l *listener) deliverLocked(seq uint64, r Reading) bool {
	if seq <= l.last || l.closed.Load() {
		return false
	}
	l.last = seq
	defer func() {
		if p := recover(); p != nil {
			l.cache.logger.Error().
				Str("source", l.cache.source).
				Interface("panic", p).
				Msg("monitor callback panicked")
			l.cache.telemetry.ListenerPanic(l.cache.source)
		}
	}()
	l.cb(r)
	return true
}

func (l *listener) deliver(seq uint64, r Reading) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.deliverLocked(seq, r)
}

func (l *listener) fail(err error) {
	if l.onErr == nil || l.closed.Load() {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			l.cache.logger.Error().Str("source", l.cache.source).Interface("panic", p).Msg("monitor error handler panicked")
		}
	}()
	l.onErr(err)
}

// subscribe registers cb. The first subscriber opens the upstream monitor; a
// subscriber joining a valid cache receives the latest reading before returning.
func (c *cache) subscribe(cb Callback, onErr ErrorHandler) (*listener, error) {
	l := &listener{cache: c, cb: cb, onErr: onErr}
	l.mu.Lock()
	defer l.mu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errCacheTornDown
	}
	next := make([]*listener, len(c.listeners), len(c.listeners)+1)
	copy(next, c.listeners)
	c.listeners = append(next, l)
	c.refs++
	start := !c.started
	c.started = true
	seq, current, valid := c.seq, c.reading, c.valid
	c.mu.Unlock()

	if start {
		if err := c.start(); err != nil {
			l.closed.Store(true)
			c.mu.Lock()
			c.listeners = without(c.listeners, l)
			c.refs--
			c.mu.Unlock()
			c.fail(err)
			return nil, err
		}
	}
	if valid {
		l.deliverLocked(seq, current)
	}
	return l, nil
}

func (c *cache) start() error {
	ctx, cancel := context.WithCancel(context.Background())
	go c.pump(ctx)

	upstream, err := c.backend.Monitor(
		func(r Reading) { c.updates.push(update{reading: r}) },
		func(err error) { c.updates.push(update{err: err}) },
	)
	if err != nil {
		cancel()
		return fmt.Errorf("monitor %s: %w", c.source, err)
	}
	c.telemetry.UpstreamOpened(c.source)
	c.logger.Debug().Str("source", c.source).Msg("upstream monitor opened")

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		c.closeUpstream(upstream)
		return nil
	}
	c.upstream = upstream
	c.cancel = cancel
	c.mu.Unlock()
	return nil
}

// pump is the single writer of the latest reading.
func (c *cache) pump(ctx context.Context) {
	for c.updates.wait(ctx) {
		items, _ := c.updates.drain()
		for _, item := range items {
			if ctx.Err() != nil {
				return
			}
			if item.err != nil {
				c.fail(item.err)
				return
			}
			c.publish(item.reading)
		}
	}
}

func (c *cache) publish(r Reading) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.seq++
	seq := c.seq
	c.reading = r
	first := !c.valid
	c.valid = true
	listeners := c.listeners
	c.mu.Unlock()

	if first {
		close(c.validCh)
	}
	delivered := 0
	for _, l := range listeners {
		if l.deliver(seq, r) {
			delivered++
		}
	}
	c.telemetry.ReadingDelivered(c.source, delivered)
}

// release drops one listener. The last release tears the cache down.
func (c *cache) release(l *listener) {
	c.mu.Lock()
	c.listeners = without(c.listeners, l)
	c.refs--
	if c.refs > 0 || c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	upstream, cancel := c.upstream, c.cancel
	c.upstream, c.cancel = nil, nil
	c.mu.Unlock()

	c.sig.detach(c)
	close(c.doneCh)
	c.updates.close()
	if cancel != nil {
		cancel()
	}
	c.closeUpstream(upstream)
}

// fail tears the cache down after a permanent upstream error and tells every
// listener with an error handler.
func (c *cache) fail(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	listeners := c.listeners
	upstream, cancel := c.upstream, c.cancel
	c.upstream, c.cancel = nil, nil
	c.mu.Unlock()

	c.sig.detach(c)
	close(c.doneCh)
	c.updates.close()
	if cancel != nil {
		cancel()
	}
	c.closeUpstream(upstream)

	c.logger.Error().Err(cause).Str("source", c.source).Int("listeners", len(listeners)).Msg("signal cache closed")
	err := fmt.Errorf("%w: %s: %w", ErrCacheClosed, c.source, cause)
	for _, l := range listeners {
		l.fail(err)
	}
}

func (c *cache) closeUpstream(upstream Monitor) {
	if upstream == nil {
		return
	}
	upstream.Close()
	c.telemetry.UpstreamClosed(c.source)
	c.logger.Debug().Str("source", c.source).Msg("upstream monitor closed")
}

// latest blocks until the cache holds a reading. It returns errCacheTornDown if
// the cache goes away first.
func (c *cache) latest(ctx context.Context) (Reading, error) {
	select {
	case <-c.validCh:
	default:
		select {
		case <-c.validCh:
		case <-c.doneCh:
			return Reading{}, errCacheTornDown
		case <-ctx.Done():
			return Reading{}, ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reading, nil
}

// descriptor fetches the descriptor at most once per cache. Failures are not
// remembered.
func (c *cache) descriptor(ctx context.Context) (Descriptor, error) {
	c.descMu.Lock()
	defer c.descMu.Unlock()
	if c.desc != nil {
		return *c.desc, nil
	}
	desc, err := c.backend.GetDescriptor(ctx)
	if err != nil {
		return Descriptor{}, err
	}
	c.desc = &desc
	return desc, nil
}

func (c *cache) listenerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refs
}

func without(listeners []*listener, target *listener) []*listener {
	out := make([]*listener, 0, len(listeners))
	for _, l := range listeners {
		if l != target {
			out = append(out, l)
		}
	}
	return out
}
