package device

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/timzifer/beamio/signal"
)

// ErrAlreadyCaching is returned when enabling caching twice.
var ErrAlreadyCaching = errors.New("collection already caching")

// Collection is a group of readable signals read and described together.
type Collection struct {
	signals map[string]*signal.Signal
	keys    []string

	mu       sync.Mutex
	monitors map[string]*heldMonitor
}

type heldMonitor struct {
	m signal.Monitor
}

// NewCollection groups signals under the given keys.
func NewCollection(signals map[string]*signal.Signal) *Collection {
	c := &Collection{signals: make(map[string]*signal.Signal, len(signals))}
	for key, sig := range signals {
		c.signals[key] = sig
		c.keys = append(c.keys, key)
	}
	sort.Strings(c.keys)
	return c
}

// Keys returns the member keys in sorted order.
func (c *Collection) Keys() []string {
	return append([]string(nil), c.keys...)
}

// SetCaching holds one monitor per signal while on, so every read is served from
// the signal caches. Turning caching off releases the monitors. When any member
// cache dies every monitor is released and caching is off again.
func (c *Collection) SetCaching(on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !on {
		for _, h := range c.monitors {
			h.m.Close()
		}
		c.monitors = nil
		return nil
	}
	if len(c.monitors) > 0 {
		return ErrAlreadyCaching
	}
	monitors := make(map[string]*heldMonitor, len(c.keys))
	for _, key := range c.keys {
		h := &heldMonitor{}
		m, err := c.signals[key].Monitor(func(signal.Reading) {},
			signal.WithErrorHandler(func(error) { c.drop(key, h) }))
		if err != nil {
			for _, opened := range monitors {
				opened.m.Close()
			}
			return fmt.Errorf("cache %s: %w", key, err)
		}
		h.m = m
		monitors[key] = h
	}
	c.monitors = monitors
	return nil
}

func (c *Collection) drop(key string, h *heldMonitor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.monitors[key] != h {
		return
	}
	for _, held := range c.monitors {
		held.m.Close()
	}
	c.monitors = nil
}

// Caching reports whether caching is on.
func (c *Collection) Caching() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.monitors) > 0
}

// Stage turns caching on.
func (c *Collection) Stage() error { return c.SetCaching(true) }

// Unstage turns caching off.
func (c *Collection) Unstage() error { return c.SetCaching(false) }

// Close releases any held monitors.
func (c *Collection) Close() {
	_ = c.SetCaching(false)
}

// Read fetches every reading concurrently, keyed by prefix+key.
func (c *Collection) Read(ctx context.Context, prefix string) (map[string]signal.Reading, error) {
	return gather(ctx, c, prefix, (*signal.Signal).GetReading)
}

// Describe fetches every descriptor concurrently, keyed by prefix+key.
func (c *Collection) Describe(ctx context.Context, prefix string) (map[string]signal.Descriptor, error) {
	return gather(ctx, c, prefix, (*signal.Signal).GetDescriptor)
}

func gather[T any](ctx context.Context, c *Collection, prefix string, get func(*signal.Signal, context.Context) (T, error)) (map[string]T, error) {
	g, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	out := make(map[string]T, len(c.keys))
	for _, key := range c.keys {
		sig := c.signals[key]
		g.Go(func() error {
			v, err := get(sig, gctx)
			if err != nil {
				return fmt.Errorf("%s%s: %w", prefix, key, err)
			}
			mu.Lock()
			out[prefix+key] = v
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
