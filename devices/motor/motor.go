// Package motor implements the motor record layout and a movable motor with
// progress reporting, staging and a simulation.
package motor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/timzifer/beamio/config"
	"github.com/timzifer/beamio/connect"
	"github.com/timzifer/beamio/device"
	"github.com/timzifer/beamio/signal"
	"github.com/timzifer/beamio/status"
)

var (
	// ErrStopped is the failure of a move interrupted by Stop.
	ErrStopped = errors.New("motor was stopped")
	// ErrUnnamed is returned by keyed reads of a motor without a name.
	ErrUnnamed = errors.New("motor has no name")
)

// Field names of the motor layout.
const (
	Demand           = "demand"
	Readback         = "readback"
	DoneMove         = "done_move"
	AccelerationTime = "acceleration_time"
	Velocity         = "velocity"
	MaxVelocity      = "max_velocity"
	Resolution       = "resolution"
	Offset           = "offset"
	EGU              = "egu"
	Precision        = "precision"
	Stop             = "stop"
)

// Fields is the motor record layout.
var Fields = device.MustDefine(
	device.RW(Demand, config.ValueKindNumber).At(".VAL"),
	device.RO(Readback, config.ValueKindNumber).At(".RBV"),
	device.RO(DoneMove, config.ValueKindBool).At(".DMOV"),
	device.RW(AccelerationTime, config.ValueKindNumber).At(".ACCL"),
	device.RW(Velocity, config.ValueKindNumber).At(".VELO"),
	device.RW(MaxVelocity, config.ValueKindNumber).At(".VMAX"),
	device.RO(Resolution, config.ValueKindNumber).At(".MRES"),
	device.RO(Offset, config.ValueKindNumber).At(".OFF"),
	device.RO(EGU, config.ValueKindString).At(".EGU"),
	device.RO(Precision, config.ValueKindInteger).At(".PREC"),
	device.X(Stop).At(".STOP").NoWait(),
)

// Option configures a Motor.
type Option func(*options)

type options struct {
	name   string
	logger zerolog.Logger
	table  *device.Table
}

// WithName names the motor.
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// WithLogger sets the logger used for failed moves.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithFields replaces the layout, typically with Fields.Extend(...).
func WithFields(table *device.Table) Option {
	return func(o *options) {
		if table != nil {
			o.table = table
		}
	}
}

// Motor is a movable, stoppable and stageable motor.
type Motor struct {
	*device.Device
	logger zerolog.Logger

	mu         sync.Mutex
	setSuccess bool
	staged     *device.Collection
}

// New creates a motor at source and schedules its connection on c.
func New(c *connect.Collector, source string, opts ...Option) (*Motor, error) {
	if c == nil {
		return nil, errors.New("motor: nil collector")
	}
	o := options{logger: c.Logger(), table: Fields}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	for _, name := range []string{Demand, Readback, Velocity, EGU, Precision, Stop} {
		if _, ok := o.table.Field(name); !ok {
			return nil, fmt.Errorf("motor layout lacks field %s", name)
		}
	}
	dev, err := device.New(c, source, o.table, device.WithName(o.name))
	if err != nil {
		return nil, err
	}
	return &Motor{Device: dev, logger: o.logger, setSuccess: true}, nil
}

func (m *Motor) key() (string, error) {
	name := m.Name()
	if name == "" {
		return "", fmt.Errorf("%w: %s", ErrUnnamed, m.Source())
	}
	return name, nil
}

// Set moves to target. The status reports progress for every readback update
// and fails with ErrStopped when the move was interrupted by Stop.
func (m *Motor) Set(ctx context.Context, target float64) *status.Status {
	m.mu.Lock()
	m.setSuccess = true
	m.mu.Unlock()
	start := time.Now()

	return status.New(ctx, func(ctx context.Context, report func(status.Progress)) error {
		initial, err := m.float(ctx, Demand)
		if err != nil {
			return err
		}
		var (
			units     string
			precision int
		)
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			v, err := m.Signal(EGU).GetValue(gctx)
			units = fmt.Sprint(v)
			return err
		})
		g.Go(func() error {
			p, err := m.float(gctx, Precision)
			precision = int(p)
			return err
		})
		if err := g.Wait(); err != nil {
			return err
		}

		watchCtx, stopWatching := context.WithCancel(ctx)
		defer stopWatching()
		readings, err := m.Signal(Readback).Observe(watchCtx)
		if err != nil {
			return err
		}
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for r := range readings {
				current, err := signal.ToFloat(r.Value)
				if err != nil {
					continue
				}
				report(status.Progress{
					Name:      m.Name(),
					Current:   current,
					Initial:   initial,
					Target:    target,
					Unit:      units,
					Precision: precision,
					Elapsed:   time.Since(start),
				})
			}
		}()

		putErr := m.Signal(Demand).Put(ctx, target, true)
		stopWatching()
		wg.Wait()
		if putErr != nil {
			return putErr
		}
		if !m.succeeded() {
			return ErrStopped
		}
		return nil
	}, status.WithLogger(m.logger), status.WithName(m.Name()))
}

func (m *Motor) succeeded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setSuccess
}

// Stop halts the motor. A running Set fails with ErrStopped unless success is true.
func (m *Motor) Stop(ctx context.Context, success bool) error {
	m.mu.Lock()
	m.setSuccess = success
	m.mu.Unlock()
	return m.Signal(Stop).Execute(ctx)
}

// Stage starts caching readback, velocity and egu.
func (m *Motor) Stage() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.staged != nil && m.staged.Caching() {
		return device.ErrAlreadyCaching
	}
	coll, err := m.Collection(Readback, Velocity, EGU)
	if err != nil {
		return err
	}
	if err := coll.Stage(); err != nil {
		return err
	}
	m.staged = coll
	return nil
}

// Unstage stops caching. Unstaging an unstaged motor is a no-op.
func (m *Motor) Unstage() error {
	m.mu.Lock()
	coll := m.staged
	m.staged = nil
	m.mu.Unlock()
	if coll == nil {
		return nil
	}
	return coll.Unstage()
}

// Staged reports whether the motor is staged. A staged motor whose caches died
// reports false and may be staged again.
func (m *Motor) Staged() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.staged != nil && m.staged.Caching()
}

// Read returns {name: readback}.
func (m *Motor) Read(ctx context.Context) (map[string]signal.Reading, error) {
	name, err := m.key()
	if err != nil {
		return nil, err
	}
	r, err := m.Signal(Readback).GetReading(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]signal.Reading{name: r}, nil
}

// Describe returns {name: readback descriptor}.
func (m *Motor) Describe(ctx context.Context) (map[string]signal.Descriptor, error) {
	name, err := m.key()
	if err != nil {
		return nil, err
	}
	d, err := m.Signal(Readback).GetDescriptor(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]signal.Descriptor{name: d}, nil
}

func (m *Motor) configuration() (*device.Collection, string, error) {
	name, err := m.key()
	if err != nil {
		return nil, "", err
	}
	coll, err := m.Collection(Velocity, EGU)
	if err != nil {
		return nil, "", err
	}
	return coll, name + "-", nil
}

// ReadConfiguration returns {name-velocity, name-egu}.
func (m *Motor) ReadConfiguration(ctx context.Context) (map[string]signal.Reading, error) {
	coll, prefix, err := m.configuration()
	if err != nil {
		return nil, err
	}
	return coll.Read(ctx, prefix)
}

// DescribeConfiguration describes {name-velocity, name-egu}.
func (m *Motor) DescribeConfiguration(ctx context.Context) (map[string]signal.Descriptor, error) {
	coll, prefix, err := m.configuration()
	if err != nil {
		return nil, err
	}
	return coll.Describe(ctx, prefix)
}

// Value reads a single field by name.
func (m *Motor) Value(ctx context.Context, field string) (any, error) {
	sig := m.Signal(field)
	if sig == nil {
		return nil, fmt.Errorf("%s has no signal %s", m, field)
	}
	return sig.GetValue(ctx)
}

// Readable exposes one field as a device keyed "{name}-{field}".
func (m *Motor) Readable(field string) (*device.SignalDevice, error) {
	sig := m.Signal(field)
	if sig == nil || !sig.Access().Readable() {
		return nil, fmt.Errorf("%s has no readable signal %s", m, field)
	}
	return device.NewSignalDevice(sig, device.FieldName(m.Name(), field), m.logger), nil
}

func (m *Motor) float(ctx context.Context, field string) (float64, error) {
	v, err := m.Value(ctx, field)
	if err != nil {
		return 0, err
	}
	return signal.ToFloat(v)
}
