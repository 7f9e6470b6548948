// Package config provides YAML configuration support for ser2tcp-tester
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/krisarmstrong/ser2tcp-tester/pkg/generator"
	"github.com/krisarmstrong/ser2tcp-tester/pkg/transport"
)

// Mode is derived from the device pair
type Mode string

const (
	ModeEcho   Mode = "echo"   // second device is the literal "echo"
	ModeBridge Mode = "bridge" // two real devices wired to each other
)

// OutputFormat for logs and reports
type OutputFormat string

const (
	FormatText OutputFormat = "text"
	FormatJSON OutputFormat = "json"
)

// Config represents the full configuration
type Config struct {
	// Devices under test, exactly two descriptors
	Devices []string `yaml:"devices"`

	// Generator
	ChunkSize int                   `yaml:"chunk_size"`
	Pattern   generator.PatternType `yaml:"pattern"`
	Seed      uint64                `yaml:"seed"` // prbs only

	// I/O
	ReadBufferSize int           `yaml:"read_buffer_size"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	NoDelay        bool          `yaml:"no_delay"`

	// Timing
	TxInterval   time.Duration `yaml:"tx_interval"`
	ReportWindow time.Duration `yaml:"report_window"`
	Duration     time.Duration `yaml:"duration"` // 0 = until interrupted

	// Stop every session as soon as one worker faults
	StopOnFault bool `yaml:"stop_on_fault"`

	// Output
	OutputFormat OutputFormat `yaml:"output_format"`
	Verbose      bool         `yaml:"verbose"`

	WebUI   WebUIConfig   `yaml:"web_ui"`
	Metrics MetricsConfig `yaml:"metrics"`
	MQTT    MQTTConfig    `yaml:"mqtt"`
}

// WebUIConfig for web interface
type WebUIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"` // e.g., ":8080"
}

// MetricsConfig for the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"` // served standalone when the web UI is off
	Path    string `yaml:"path"`
}

// MQTTConfig for publishing reports to a broker
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"` // host:port
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
	QoS      byte   `yaml:"qos"`
}

// DefaultConfig returns a configuration with the stock tester settings
func DefaultConfig() *Config {
	return &Config{
		ChunkSize:      generator.DefaultChunkSize,
		Pattern:        generator.PatternZero,
		ReadBufferSize: 2048,
		ReadTimeout:    10 * time.Millisecond,
		WriteTimeout:   10 * time.Second,
		DialTimeout:    5 * time.Second,
		NoDelay:        true,
		TxInterval:     time.Millisecond,
		ReportWindow:   time.Second,
		StopOnFault:    true,
		OutputFormat:   FormatText,

		WebUI: WebUIConfig{
			Enabled: false,
			Address: ":8080",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9090",
			Path:    "/metrics",
		},
		MQTT: MQTTConfig{
			Enabled:  false,
			Broker:   "localhost:1883",
			Topic:    "ser2tcp-tester",
			ClientID: "ser2tcp-tester",
			QoS:      0,
		},
	}
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Save writes configuration to a YAML file
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// Descriptors parses the two device descriptors
func (c *Config) Descriptors() (a, b transport.Descriptor, err error) {
	if len(c.Devices) != 2 {
		return a, b, fmt.Errorf("exactly two devices are required, got %d", len(c.Devices))
	}
	if a, err = transport.ParseDescriptor(c.Devices[0]); err != nil {
		return a, b, fmt.Errorf("device 1: %w", err)
	}
	if b, err = transport.ParseDescriptor(c.Devices[1]); err != nil {
		return a, b, fmt.Errorf("device 2: %w", err)
	}
	return a, b, nil
}

// Mode reports echo or bridge; only meaningful on a validated config
func (c *Config) Mode() Mode {
	if len(c.Devices) == 2 {
		if d, err := transport.ParseDescriptor(c.Devices[1]); err == nil && d.Kind == transport.KindEcho {
			return ModeEcho
		}
	}
	return ModeBridge
}

// TransportOptions maps the I/O settings onto transport.Options
func (c *Config) TransportOptions() transport.Options {
	return transport.Options{
		ReadTimeout:  c.ReadTimeout,
		WriteTimeout: c.WriteTimeout,
		DialTimeout:  c.DialTimeout,
		NoDelay:      c.NoDelay,
	}
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	a, _, err := c.Descriptors()
	if err != nil {
		return err
	}
	if a.Kind == transport.KindEcho {
		return fmt.Errorf("device 1 cannot be echo")
	}

	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk_size must be > 0")
	}
	if _, err := generator.ParsePattern(string(c.Pattern), c.Seed); err != nil {
		return err
	}
	if c.ReadBufferSize <= 0 {
		return fmt.Errorf("read_buffer_size must be > 0")
	}

	// Timing
	if c.ReadTimeout <= 0 || c.WriteTimeout <= 0 {
		return fmt.Errorf("read and write timeouts must be > 0")
	}
	if c.ReportWindow <= 0 {
		return fmt.Errorf("report_window must be > 0")
	}
	if c.TxInterval < 0 || c.Duration < 0 || c.DialTimeout < 0 {
		return fmt.Errorf("durations must not be negative")
	}

	switch c.OutputFormat {
	case FormatText, FormatJSON:
	default:
		return fmt.Errorf("invalid output format: %s", c.OutputFormat)
	}

	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt broker is required when mqtt is enabled")
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt qos must be 0, 1 or 2")
	}
	if c.Metrics.Enabled && c.Metrics.Path == "" {
		return fmt.Errorf("metrics path is required when metrics are enabled")
	}

	return nil
}
