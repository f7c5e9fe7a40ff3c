// Package device composes signals into named devices, batches their reads and
// toggles caching for whole groups.
package device

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/timzifer/beamio/connect"
	"github.com/timzifer/beamio/signal"
)

// Addresses is where a field is written and read.
type Addresses struct {
	Write string
	Read  string
}

// Sourcer maps a device prefix and field onto transport addresses.
type Sourcer func(prefix string, f Field) Addresses

// DefaultSourcer appends the field suffix to the prefix.
func DefaultSourcer(prefix string, f Field) Addresses {
	a := Addresses{Write: prefix + f.suffix()}
	a.Read = a.Write
	if f.ReadSuffix != "" {
		a.Read = prefix + f.ReadSuffix
	}
	return a
}

// Option configures a Device.
type Option func(*Device)

// WithName names the device.
func WithName(name string) Option {
	return func(d *Device) {
		d.name = name
	}
}

// WithSourcer overrides the address layout.
func WithSourcer(s Sourcer) Option {
	return func(d *Device) {
		if s != nil {
			d.sourcer = s
		}
	}
}

// Device is a named group of signals sharing an address prefix.
type Device struct {
	source    string
	transport string
	prefix    string
	table     *Table
	sourcer   Sourcer
	signals   map[string]*signal.Signal
	addresses map[string]Addresses

	mu   sync.RWMutex
	name string
}

// New creates the device's disconnected signals through the provider serving
// source and schedules their connection on c.
func New(c *connect.Collector, source string, table *Table, opts ...Option) (*Device, error) {
	if c == nil {
		return nil, errors.New("device: nil collector")
	}
	if table == nil {
		return nil, errors.New("device: nil field table")
	}
	provider, prefix, err := c.Resolve(source)
	if err != nil {
		return nil, err
	}
	d := &Device{
		source:    source,
		transport: provider.Transport(),
		prefix:    prefix,
		table:     table,
		sourcer:   DefaultSourcer,
		signals:   make(map[string]*signal.Signal, table.Len()),
		addresses: make(map[string]Addresses, table.Len()),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	for _, f := range table.fields {
		sigOpts := []signal.Option{
			signal.WithLogger(c.Logger()),
			signal.WithTelemetry(c.Telemetry()),
			signal.WithWait(f.Wait),
		}
		if f.ExecValue != nil {
			sigOpts = append(sigOpts, signal.WithExecuteValue(f.ExecValue))
		}
		d.signals[f.Name] = signal.New(provider, f.Access, f.Kind, sigOpts...)
		d.addresses[f.Name] = d.sourcer(prefix, f)
	}
	if err := c.Schedule(d); err != nil {
		return nil, err
	}
	return d, nil
}

// Connect connects every field concurrently and reports each failed field.
func (d *Device) Connect(ctx context.Context) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, f := range d.table.fields {
		sig, addr := d.signals[f.Name], d.addresses[f.Name]
		wg.Add(1)
		go func() {
			defer wg.Done()
			var opts []signal.ConnectOption
			if addr.Read != addr.Write {
				opts = append(opts, signal.WithReadAddress(addr.Read))
			}
			if err := sig.Connect(ctx, addr.Write, opts...); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", f.Name, err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Connected reports whether every field is connected.
func (d *Device) Connected() bool {
	for _, sig := range d.signals {
		if !sig.Connected() {
			return false
		}
	}
	return true
}

// Signal returns the signal of a field, or nil.
func (d *Device) Signal(field string) *signal.Signal {
	return d.signals[field]
}

// Address returns where a field is written and read.
func (d *Device) Address(field string) (Addresses, bool) {
	a, ok := d.addresses[field]
	return a, ok
}

// Table returns the device layout.
func (d *Device) Table() *Table { return d.table }

// Source returns the source the device was created from.
func (d *Device) Source() string { return d.source }

// Transport returns the transport serving the device.
func (d *Device) Transport() string { return d.transport }

// Name returns the device name, which may be empty.
func (d *Device) Name() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.name
}

// SetName names the device.
func (d *Device) SetName(name string) {
	d.mu.Lock()
	d.name = name
	d.mu.Unlock()
}

func (d *Device) String() string {
	if name := d.Name(); name != "" {
		return name
	}
	return d.source
}

// Collection groups the named fields, or every readable field when none are given.
func (d *Device) Collection(fields ...string) (*Collection, error) {
	if len(fields) == 0 {
		for _, f := range d.table.fields {
			if f.Access.Readable() {
				fields = append(fields, f.Name)
			}
		}
	}
	signals := make(map[string]*signal.Signal, len(fields))
	for _, name := range fields {
		sig, ok := d.signals[name]
		if !ok {
			return nil, fmt.Errorf("device %s has no field %s", d, name)
		}
		signals[name] = sig
	}
	return NewCollection(signals), nil
}
