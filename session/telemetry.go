package session

import (
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/timzifer/beamio/config"
	"github.com/timzifer/beamio/telemetry"
)

func newTelemetryCollector(cfg config.TelemetryConfig, reg prometheus.Registerer) (telemetry.Collector, error) {
	if !cfg.Enabled {
		return telemetry.Noop(), nil
	}
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	switch provider {
	case "", "prometheus":
		collector, err := telemetry.NewPrometheusCollector(reg)
		if err != nil {
			return nil, err
		}
		return collector, nil
	case "noop":
		return telemetry.Noop(), nil
	default:
		return telemetry.Noop(), fmt.Errorf("unsupported telemetry provider %q", cfg.Provider)
	}
}
