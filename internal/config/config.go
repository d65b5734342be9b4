package config

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

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

// Defaults applied by Normalize.
const (
	DefaultIP            = "127.0.0.1"
	DefaultPort          = 5502
	DefaultIdleTimeout   = 30 * time.Second
	DefaultMaxClients    = 32
	DefaultQueueSize     = 16
	DefaultCallTimeout   = 5 * time.Second
	DefaultShutdownGrace = 5 * time.Second
	DefaultExecTimeout   = time.Second
	DefaultMetricsListen = ":9102"
)

// ListenConfig describes where the Modbus TCP server accepts clients.
type ListenConfig struct {
	IP          string   `yaml:"ip"`
	Port        int      `yaml:"port"`
	IdleTimeout Duration `yaml:"idle_timeout,omitempty"`
	MaxClients  uint     `yaml:"max_clients,omitempty"`
}

// Address returns the host:port pair of the listener.
func (l ListenConfig) Address() string {
	return net.JoinHostPort(l.IP, strconv.Itoa(l.Port))
}

// URL returns the listener address in the tcp://host:port form.
func (l ListenConfig) URL() string {
	return "tcp://" + l.Address()
}

// ScriptConfig points at the device script.
type ScriptConfig struct {
	Path        string   `yaml:"path"`
	ExecTimeout Duration `yaml:"exec_timeout,omitempty"`
}

// DispatchConfig tunes the device actor and the request router.
type DispatchConfig struct {
	QueueSize     int      `yaml:"queue_size,omitempty"`
	CallTimeout   Duration `yaml:"call_timeout,omitempty"`
	ShutdownGrace Duration `yaml:"shutdown_grace,omitempty"`
}

// AccessRuleConfig rejects matching requests before they reach the device.
type AccessRuleConfig struct {
	Name       string   `yaml:"name"`
	Operations []string `yaml:"operations,omitempty"`
	Deny       string   `yaml:"deny"`
}

// AccessConfig groups the access rules.
type AccessConfig struct {
	Rules []AccessRuleConfig `yaml:"rules,omitempty"`
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

// TelemetryConfig configures the Prometheus endpoint.
type TelemetryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen,omitempty"`
}

// Config is the root configuration structure for the simulator.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Script    ScriptConfig    `yaml:"script"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Access    AccessConfig    `yaml:"access"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// Load reads and decodes the configuration file from disk. Unknown keys are
// rejected. The result is not normalized or validated.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Default returns a configuration with every default filled in.
func Default() *Config {
	cfg := &Config{}
	Normalize(cfg)
	return cfg
}
