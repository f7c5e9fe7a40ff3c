package session

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/timzifer/beamio/config"
	"github.com/timzifer/beamio/providers/modbus"
	"github.com/timzifer/beamio/signal"
	"github.com/timzifer/beamio/telemetry"
)

// Option configures the session during construction.
type Option func(*settings) error

type settings struct {
	config            *config.Config
	configPath        string
	logger            zerolog.Logger
	customLogger      bool
	telemetry         telemetry.Collector
	telemetryProvided bool
	registerer        prometheus.Registerer
	gatherer          prometheus.Gatherer
	providers         []signal.Provider
	modbusFactory     modbus.ClientFactory
}

// WithLogger provides a custom logger instance, bypassing the logging section of the configuration.
func WithLogger(logger zerolog.Logger) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		cfg.logger = logger
		cfg.customLogger = true
		return nil
	}
}

// WithConfigPath loads the configuration from path.
func WithConfigPath(path string) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		cfg.configPath = strings.TrimSpace(path)
		return nil
	}
}

// WithConfig supplies an already loaded configuration instance.
func WithConfig(cfgData *config.Config) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		cfg.config = cfgData
		return nil
	}
}

// WithTelemetry injects a collector instance overriding the default configuration-based behaviour.
func WithTelemetry(collector telemetry.Collector) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		cfg.telemetry = telemetry.OrNoop(collector)
		cfg.telemetryProvided = true
		return nil
	}
}

// WithRegistry registers metrics on reg and serves them from it instead of the
// process-wide default registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(cfg *settings) error {
		if cfg == nil || reg == nil {
			return nil
		}
		cfg.registerer = reg
		cfg.gatherer = reg
		return nil
	}
}

// WithProvider installs p ahead of the configured providers. A provider for the
// same transport in the configuration is then not created.
func WithProvider(p signal.Provider) Option {
	return func(cfg *settings) error {
		if cfg == nil || p == nil {
			return nil
		}
		cfg.providers = append(cfg.providers, p)
		return nil
	}
}

// WithModbusClientFactory replaces the Modbus/TCP client used by the modbus provider.
func WithModbusClientFactory(factory modbus.ClientFactory) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		cfg.modbusFactory = factory
		return nil
	}
}
