package device

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/timzifer/beamio/signal"
	"github.com/timzifer/beamio/status"
)

// SignalDevice exposes a single signal as a readable, settable and subscribable
// device. Readings are keyed by the device name.
type SignalDevice struct {
	sig    *signal.Signal
	logger zerolog.Logger

	mu   sync.Mutex
	name string
	subs map[int]signal.Monitor
	next int
}

// NewSignalDevice wraps sig under name.
func NewSignalDevice(sig *signal.Signal, name string, logger zerolog.Logger) *SignalDevice {
	return &SignalDevice{sig: sig, name: name, logger: logger, subs: make(map[int]signal.Monitor)}
}

// FieldName is the key used for a device field: "{device}-{field}".
func FieldName(device, field string) string {
	if device == "" {
		return field
	}
	return device + "-" + field
}

// Signal returns the wrapped signal.
func (d *SignalDevice) Signal() *signal.Signal { return d.sig }

// Name returns the device name.
func (d *SignalDevice) Name() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.name
}

// SetName names the device.
func (d *SignalDevice) SetName(name string) {
	d.mu.Lock()
	d.name = name
	d.mu.Unlock()
}

// Read returns {name: reading}.
func (d *SignalDevice) Read(ctx context.Context) (map[string]signal.Reading, error) {
	r, err := d.sig.GetReading(ctx)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", d.Name(), err)
	}
	return map[string]signal.Reading{d.Name(): r}, nil
}

// Describe returns {name: descriptor}.
func (d *SignalDevice) Describe(ctx context.Context) (map[string]signal.Descriptor, error) {
	desc, err := d.sig.GetDescriptor(ctx)
	if err != nil {
		return nil, fmt.Errorf("describe %s: %w", d.Name(), err)
	}
	return map[string]signal.Descriptor{d.Name(): desc}, nil
}

// Set writes v and waits for completion in the returned status.
func (d *SignalDevice) Set(ctx context.Context, v any) *status.Status {
	return status.New(ctx, func(ctx context.Context, _ func(status.Progress)) error {
		return d.sig.Put(ctx, v, true)
	}, status.WithLogger(d.logger), status.WithName(d.Name()))
}

// Subscribe calls fn with {name: reading} for the current value and every
// update. The returned id is passed to ClearSub.
func (d *SignalDevice) Subscribe(fn func(map[string]signal.Reading)) (int, error) {
	m, err := d.sig.Monitor(func(r signal.Reading) {
		fn(map[string]signal.Reading{d.Name(): r})
	})
	if err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.next
	d.next++
	d.subs[id] = m
	return id, nil
}

// ClearSub closes a subscription. Unknown ids are ignored.
func (d *SignalDevice) ClearSub(id int) {
	d.mu.Lock()
	m, ok := d.subs[id]
	delete(d.subs, id)
	d.mu.Unlock()
	if ok {
		m.Close()
	}
}

// Close clears every subscription.
func (d *SignalDevice) Close() {
	d.mu.Lock()
	subs := d.subs
	d.subs = make(map[int]signal.Monitor)
	d.mu.Unlock()
	for _, m := range subs {
		m.Close()
	}
}
