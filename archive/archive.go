// Package archive records monitored readings into InfluxDB.
//
// Writes are non-blocking and batched by the InfluxDB client. Asynchronous
// write failures are logged and counted through telemetry.
package archive

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/timzifer/beamio/config"
	"github.com/timzifer/beamio/signal"
	"github.com/timzifer/beamio/telemetry"
)

const (
	defaultBatchSize     = 100
	defaultFlushInterval = time.Second
	pingTimeout          = 5 * time.Second
)

var (
	// ErrDisabled is returned when the archive section is not enabled.
	ErrDisabled = errors.New("archive: disabled")
	// ErrUnhealthy is returned when the server answers the ping as not ready.
	ErrUnhealthy = errors.New("archive: server not healthy")
)

// Option configures a Recorder.
type Option func(*Recorder)

// WithLogger sets the recorder logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Recorder) {
		r.logger = logger
	}
}

// WithTelemetry counts failed writes.
func WithTelemetry(collector telemetry.Collector) Option {
	return func(r *Recorder) {
		r.telemetry = telemetry.OrNoop(collector)
	}
}

// pointWriter is the part of api.WriteAPI the recorder uses.
type pointWriter interface {
	WritePoint(point *write.Point)
	Flush()
	Errors() <-chan error
}

// Recorder subscribes to signals and writes every reading as a point.
type Recorder struct {
	measurement string
	logger      zerolog.Logger
	telemetry   telemetry.Collector

	client influxdb2.Client
	writer pointWriter
	errsWG sync.WaitGroup

	mu       sync.Mutex
	monitors map[string]signal.Monitor
	closed   bool
}

// Open connects to the server in cfg and verifies it with a ping.
func Open(ctx context.Context, cfg config.ArchiveConfig, opts ...Option) (*Recorder, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	flush := cfg.FlushInterval.Duration
	if flush <= 0 {
		flush = defaultFlushInterval
	}
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(uint(batch)).
			SetFlushInterval(uint(flush.Milliseconds())))

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	healthy, err := client.Ping(pingCtx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("archive: ping %s: %w", cfg.URL, err)
	}
	if !healthy {
		client.Close()
		return nil, ErrUnhealthy
	}
	r := newRecorder(cfg.Measurement, client.WriteAPI(cfg.Org, cfg.Bucket), opts...)
	r.client = client
	return r, nil
}

func newRecorder(measurement string, w pointWriter, opts ...Option) *Recorder {
	if measurement == "" {
		measurement = "readings"
	}
	r := &Recorder{
		measurement: measurement,
		logger:      zerolog.Nop(),
		telemetry:   telemetry.Noop(),
		writer:      w,
		monitors:    make(map[string]signal.Monitor),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.errsWG.Add(1)
	go r.handleWriteErrors(w.Errors())
	return r
}

func (r *Recorder) handleWriteErrors(errs <-chan error) {
	defer r.errsWG.Done()
	for err := range errs {
		r.telemetry.ArchiveWriteFailed()
		r.logger.Warn().Err(err).Msg("archive write failed")
	}
}

// Record subscribes to sig and archives its readings tagged with name.
// Recording the same name twice is an error.
func (r *Recorder) Record(name string, sig *signal.Signal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.New("archive: recorder closed")
	}
	if _, exists := r.monitors[name]; exists {
		return fmt.Errorf("archive: %s already recorded", name)
	}
	source := sig.Source()
	logger := r.logger.With().Str("device", name).Str("source", source).Logger()
	m, err := sig.Monitor(func(reading signal.Reading) {
		point, ok := r.point(name, source, reading)
		if !ok {
			logger.Debug().Msgf("archive: skipping %T value", reading.Value)
			return
		}
		r.writer.WritePoint(point)
	}, signal.WithErrorHandler(func(err error) {
		logger.Error().Err(err).Msg("archive stopped recording")
	}))
	if err != nil {
		return fmt.Errorf("archive: record %s: %w", name, err)
	}
	r.monitors[name] = m
	return nil
}

// Recorded lists the recorded names.
func (r *Recorder) Recorded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.monitors))
	for name := range r.monitors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Recorder) point(name, source string, reading signal.Reading) (*write.Point, bool) {
	fields := map[string]interface{}{"severity": int64(reading.Severity)}
	switch v := reading.Value.(type) {
	case float64, int64, bool, string:
		fields["value"] = v
	case decimal.Decimal:
		fields["value"] = v.InexactFloat64()
	case []float64:
		for i, f := range v {
			fields["value_"+strconv.Itoa(i)] = f
		}
	default:
		f, err := signal.ToFloat(v)
		if err != nil {
			return nil, false
		}
		fields["value"] = f
	}
	tags := map[string]string{"device": name, "source": source}
	return write.NewPoint(r.measurement, tags, fields, reading.Timestamp), true
}

// Flush blocks until buffered points are written.
func (r *Recorder) Flush() {
	r.writer.Flush()
}

// Close stops recording, flushes pending points and closes the client.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	monitors := r.monitors
	r.monitors = make(map[string]signal.Monitor)
	r.mu.Unlock()

	for _, m := range monitors {
		m.Close()
	}
	r.writer.Flush()
	if r.client != nil {
		r.client.Close()
		r.errsWG.Wait()
	}
	return nil
}
