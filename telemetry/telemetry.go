package telemetry

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Connect results reported through ConnectResult.
const (
	ResultConnected = "connected"
	ResultFailed    = "failed"
	ResultTimeout   = "timeout"
)

// Collector captures telemetry events emitted by signals, collectors and the
// archive. Hooks run inline with value delivery, so implementations must be cheap.
type Collector interface {
	IncHotReload(file string)
	UpstreamOpened(source string)
	UpstreamClosed(source string)
	ReadingDelivered(source string, listeners int)
	ListenerPanic(source string)
	ConnectResult(result string, count int)
	ObserveConnect(duration time.Duration)
	ArchiveWriteFailed()
}

type noopCollector struct{}

// Noop returns a collector that discards all metrics.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) IncHotReload(string)          {}
func (noopCollector) UpstreamOpened(string)        {}
func (noopCollector) UpstreamClosed(string)        {}
func (noopCollector) ReadingDelivered(string, int) {}
func (noopCollector) ListenerPanic(string)         {}
func (noopCollector) ConnectResult(string, int)    {}
func (noopCollector) ObserveConnect(time.Duration) {}
func (noopCollector) ArchiveWriteFailed()          {}

// OrNoop returns c, or the noop collector when c is nil.
func OrNoop(c Collector) Collector {
	if c == nil {
		return Noop()
	}
	return c
}

// PrometheusCollector exposes telemetry counters via Prometheus.
type PrometheusCollector struct {
	hotReloads      *prometheus.CounterVec
	upstreams       *prometheus.GaugeVec
	upstreamOpens   *prometheus.CounterVec
	deliveries      *prometheus.CounterVec
	listenerPanics  *prometheus.CounterVec
	connectTargets  *prometheus.CounterVec
	connectDuration prometheus.Histogram
	archiveFailures prometheus.Counter
}

// NewPrometheusCollector registers the required metrics with the provided registerer.
// Metrics already registered on reg are reused.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	var (
		p    PrometheusCollector
		errs []error
		err  error
	)
	p.hotReloads, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "beamio_config_hot_reload_total",
		Help: "Number of hot reload operations triggered per configuration source file.",
	}, []string{"file"}))
	errs = append(errs, err)
	p.upstreams, err = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "beamio_signal_upstream_monitors",
		Help: "Upstream monitors currently held open by signal caches.",
	}, []string{"source"}))
	errs = append(errs, err)
	p.upstreamOpens, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "beamio_signal_upstream_opened_total",
		Help: "Number of upstream monitors opened per signal source.",
	}, []string{"source"}))
	errs = append(errs, err)
	p.deliveries, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "beamio_signal_listener_deliveries_total",
		Help: "Readings delivered to cache listeners per signal source.",
	}, []string{"source"}))
	errs = append(errs, err)
	p.listenerPanics, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "beamio_signal_listener_panics_total",
		Help: "Listener callbacks that panicked during delivery.",
	}, []string{"source"}))
	errs = append(errs, err)
	p.connectTargets, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "beamio_connect_targets_total",
		Help: "Targets processed by connection collectors by result.",
	}, []string{"result"}))
	errs = append(errs, err)
	p.connectDuration, err = register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "beamio_connect_duration_seconds",
		Help:    "Wall time of connection collector batches.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
	}))
	errs = append(errs, err)
	p.archiveFailures, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "beamio_archive_write_failures_total",
		Help: "Asynchronous archive write errors.",
	}))
	errs = append(errs, err)
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &p, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// IncHotReload increments the counter for the provided file path.
func (p *PrometheusCollector) IncHotReload(file string) {
	if p == nil || p.hotReloads == nil {
		return
	}
	p.hotReloads.WithLabelValues(file).Inc()
}

// UpstreamOpened records a cache opening its upstream monitor.
func (p *PrometheusCollector) UpstreamOpened(source string) {
	if p == nil {
		return
	}
	p.upstreams.WithLabelValues(source).Inc()
	p.upstreamOpens.WithLabelValues(source).Inc()
}

// UpstreamClosed records a cache releasing its upstream monitor.
func (p *PrometheusCollector) UpstreamClosed(source string) {
	if p == nil {
		return
	}
	p.upstreams.WithLabelValues(source).Dec()
}

// ReadingDelivered counts one fan-out of a reading to the given number of listeners.
func (p *PrometheusCollector) ReadingDelivered(source string, listeners int) {
	if p == nil || listeners <= 0 {
		return
	}
	p.deliveries.WithLabelValues(source).Add(float64(listeners))
}

// ListenerPanic counts a recovered listener panic.
func (p *PrometheusCollector) ListenerPanic(source string) {
	if p == nil {
		return
	}
	p.listenerPanics.WithLabelValues(source).Inc()
}

// ConnectResult counts targets finishing a batch connect with the given result.
func (p *PrometheusCollector) ConnectResult(result string, count int) {
	if p == nil || count <= 0 {
		return
	}
	p.connectTargets.WithLabelValues(result).Add(float64(count))
}

// ObserveConnect records the duration of a batch connect.
func (p *PrometheusCollector) ObserveConnect(duration time.Duration) {
	if p == nil {
		return
	}
	p.connectDuration.Observe(duration.Seconds())
}

// ArchiveWriteFailed counts an asynchronous archive write error.
func (p *PrometheusCollector) ArchiveWriteFailed() {
	if p == nil {
		return
	}
	p.archiveFailures.Inc()
}
