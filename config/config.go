package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConnectTimeout bounds a batch connect when the configuration does not set one.
const DefaultConnectTimeout = 10 * time.Second

// Duration wraps time.Duration to support YAML unmarshalling from strings.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration strings like "5s" or "1m".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return fmt.Errorf("duration value node is nil")
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}
	if raw == "" {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = dur
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// ValueKind describes the primitive type carried by a signal.
type ValueKind string

const (
	// ValueKindNumber represents floating point numbers.
	ValueKindNumber ValueKind = "number"
	// ValueKindFloat represents floating point numbers (alias for number).
	ValueKindFloat ValueKind = "float"
	// ValueKindInteger represents signed integer values.
	ValueKindInteger ValueKind = "integer"
	// ValueKindDecimal represents arbitrary precision decimal numbers.
	ValueKindDecimal ValueKind = "decimal"
	// ValueKindBool represents boolean values.
	ValueKindBool ValueKind = "bool"
	// ValueKindString represents plain UTF-8 strings.
	ValueKindString ValueKind = "string"
	// ValueKindArray represents a sequence of floating point numbers.
	ValueKindArray ValueKind = "array"
	// ValueKindAny leaves the value untyped.
	ValueKindAny ValueKind = ""
)

// ParseValueKind normalises the textual representation of a value kind.
func ParseValueKind(value string) (ValueKind, error) {
	switch kind := ValueKind(strings.ToLower(strings.TrimSpace(value))); kind {
	case ValueKindNumber, ValueKindFloat, ValueKindInteger, ValueKindDecimal, ValueKindBool, ValueKindString, ValueKindArray, ValueKindAny:
		return kind, nil
	case "boolean":
		return ValueKindBool, nil
	case "int":
		return ValueKindInteger, nil
	case "double":
		return ValueKindFloat, nil
	default:
		return "", fmt.Errorf("unknown value kind %q", value)
	}
}

// LokiConfig configures optional Loki integration for logging.
type LokiConfig struct {
	Enabled bool              `yaml:"enabled"`
	URL     string            `yaml:"url"`
	Labels  map[string]string `yaml:"labels"`
}

// LoggingConfig encapsulates runtime logging options.
type LoggingConfig struct {
	Level  string     `yaml:"level"`
	Format string     `yaml:"format,omitempty"`
	Loki   LokiConfig `yaml:"loki"`
}

// TelemetryConfig configures runtime telemetry exporters.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Provider string `yaml:"provider,omitempty"`
	Listen   string `yaml:"listen,omitempty"`
}

// ConnectConfig controls batch connection of devices.
type ConnectConfig struct {
	Timeout Duration `yaml:"timeout,omitempty"`
}

// SimConfig enables the in-memory simulation transport.
type SimConfig struct {
	Enabled bool `yaml:"enabled"`
}

// MQTTConfig configures the MQTT transport.
type MQTTConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Broker         string   `yaml:"broker"`
	ClientID       string   `yaml:"client_id,omitempty"`
	Username       string   `yaml:"username,omitempty"`
	Password       string   `yaml:"password,omitempty"`
	QoS            byte     `yaml:"qos,omitempty"`
	Retain         bool     `yaml:"retain,omitempty"`
	KeepAlive      Duration `yaml:"keep_alive,omitempty"`
	ConnectTimeout Duration `yaml:"connect_timeout,omitempty"`
	Encoding       string   `yaml:"encoding,omitempty"`
	Path           string   `yaml:"path,omitempty"`
}

// ModbusConfig configures the Modbus/TCP transport.
type ModbusConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Address      string   `yaml:"address"`
	UnitID       uint8    `yaml:"unit_id"`
	Timeout      Duration `yaml:"timeout,omitempty"`
	PollInterval Duration `yaml:"poll_interval,omitempty"`
}

// CalcConfig enables derived expression signals over other configured devices.
type CalcConfig struct {
	Enabled bool     `yaml:"enabled"`
	Inputs  []string `yaml:"inputs,omitempty"`
}

// ProvidersConfig lists the transports available to devices.
type ProvidersConfig struct {
	Default string       `yaml:"default,omitempty"`
	Sim     SimConfig    `yaml:"sim"`
	MQTT    MQTTConfig   `yaml:"mqtt"`
	Modbus  ModbusConfig `yaml:"modbus"`
	Calc    CalcConfig   `yaml:"calc"`
}

// DeviceType selects how a device declaration is materialised.
type DeviceType string

const (
	// DeviceTypeSignal wraps a single signal.
	DeviceTypeSignal DeviceType = "signal"
	// DeviceTypeMotor builds a motor record layout.
	DeviceTypeMotor DeviceType = "motor"
)

// MotorSimConfig tunes the simulated motor behaviour.
type MotorSimConfig struct {
	Velocity  float64  `yaml:"velocity,omitempty"`
	Precision int      `yaml:"precision,omitempty"`
	Units     string   `yaml:"units,omitempty"`
	Tick      Duration `yaml:"tick,omitempty"`
}

// DeviceConfig declares a device to construct and connect.
type DeviceConfig struct {
	Name        string          `yaml:"name"`
	Type        DeviceType      `yaml:"type"`
	Source      string          `yaml:"source"`
	ReadSource  string          `yaml:"read_source,omitempty"`
	Access      string          `yaml:"access,omitempty"`
	Kind        ValueKind       `yaml:"kind,omitempty"`
	Description string          `yaml:"description,omitempty"`
	Sim         *MotorSimConfig `yaml:"sim,omitempty"`
}

// ArchiveConfig configures the InfluxDB reading recorder.
type ArchiveConfig struct {
	Enabled       bool     `yaml:"enabled"`
	URL           string   `yaml:"url"`
	Token         string   `yaml:"token,omitempty"`
	Org           string   `yaml:"org"`
	Bucket        string   `yaml:"bucket"`
	Measurement   string   `yaml:"measurement,omitempty"`
	BatchSize     int      `yaml:"batch_size,omitempty"`
	FlushInterval Duration `yaml:"flush_interval,omitempty"`
	Devices       []string `yaml:"devices,omitempty"`
}

// Config is the root configuration structure.
type Config struct {
	Name      string          `yaml:"name,omitempty"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Connect   ConnectConfig   `yaml:"connect"`
	Providers ProvidersConfig `yaml:"providers"`
	Devices   []DeviceConfig  `yaml:"devices"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Monitor   []string        `yaml:"monitor,omitempty"`
	HotReload bool            `yaml:"hot_reload,omitempty"`

	// Source is the absolute path the configuration was loaded from.
	Source string `yaml:"-"`
}

// Load reads, decodes and validates the configuration file from disk.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path must not be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}
	cfg.Source = abs
	return cfg, nil
}

// Parse decodes a YAML document, validates it against the registered schemas and
// applies defaults.
func Parse(data []byte) (*Config, error) {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := ValidateDocument(raw); err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ConnectTimeout returns the configured batch connect timeout.
func (c *Config) ConnectTimeout() time.Duration {
	if c == nil || c.Connect.Timeout.Duration <= 0 {
		return DefaultConnectTimeout
	}
	return c.Connect.Timeout.Duration
}

// Device looks up a device declaration by name.
func (c *Config) Device(name string) (DeviceConfig, bool) {
	if c == nil {
		return DeviceConfig{}, false
	}
	for _, dev := range c.Devices {
		if dev.Name == name {
			return dev, true
		}
	}
	return DeviceConfig{}, false
}

func (c *Config) applyDefaults() {
	if c.Connect.Timeout.Duration <= 0 {
		c.Connect.Timeout.Duration = DefaultConnectTimeout
	}
	for i := range c.Devices {
		dev := &c.Devices[i]
		dev.Name = strings.TrimSpace(dev.Name)
		if dev.Type == "" {
			dev.Type = DeviceTypeSignal
		}
		if dev.Type == DeviceTypeSignal && dev.Access == "" {
			dev.Access = "rw"
		}
	}
	if c.Archive.Measurement == "" {
		c.Archive.Measurement = "readings"
	}
}

// Validate checks cross references that the schema cannot express.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	seen := make(map[string]struct{}, len(c.Devices))
	for i, dev := range c.Devices {
		if dev.Name == "" {
			errs = append(errs, fmt.Errorf("devices[%d]: name must not be empty", i))
			continue
		}
		if _, dup := seen[dev.Name]; dup {
			errs = append(errs, fmt.Errorf("device %s declared twice", dev.Name))
		}
		seen[dev.Name] = struct{}{}
		if strings.TrimSpace(dev.Source) == "" {
			errs = append(errs, fmt.Errorf("device %s: source must not be empty", dev.Name))
		}
		switch dev.Type {
		case DeviceTypeSignal, DeviceTypeMotor:
		default:
			errs = append(errs, fmt.Errorf("device %s: unknown type %q", dev.Name, dev.Type))
		}
		if _, err := ParseValueKind(string(dev.Kind)); err != nil {
			errs = append(errs, fmt.Errorf("device %s: %w", dev.Name, err))
		}
	}
	for _, name := range c.Monitor {
		if _, ok := seen[name]; !ok {
			errs = append(errs, fmt.Errorf("monitor references unknown device %s", name))
		}
	}
	for _, name := range c.Archive.Devices {
		if _, ok := seen[name]; !ok {
			errs = append(errs, fmt.Errorf("archive references unknown device %s", name))
		}
	}
	for _, name := range c.Providers.Calc.Inputs {
		if _, ok := seen[name]; !ok {
			errs = append(errs, fmt.Errorf("calc input references unknown device %s", name))
		}
	}
	return errors.Join(errs...)
}
