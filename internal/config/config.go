// Package config loads the avswitchd configuration: a YAML file, then .env
// and environment overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete avswitchd configuration
type Config struct {
	InstanceID       string          `yaml:"instance_id"`
	Host             string          `yaml:"host"`
	Engine           string          `yaml:"engine"` // gstreamer, simulated
	ShutdownTimeoutS int             `yaml:"shutdown_timeout_s"`
	Log              LogConfig       `yaml:"log"`
	Ports            PortsConfig     `yaml:"ports"`
	Ingest           IngestConfig    `yaml:"ingest"`
	Composite        CompositeConfig `yaml:"composite"`
	Record           RecordConfig    `yaml:"record"`
	MQTT             MQTTConfig      `yaml:"mqtt"`
	Status           StatusConfig    `yaml:"status"`
}

// LogConfig selects the log level and format.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// PortsConfig holds the acceptor ports. 0 binds any free port.
type PortsConfig struct {
	VideoInput int `yaml:"video_input"`
	AudioInput int `yaml:"audio_input"`
	Control    int `yaml:"control"`
}

// IngestConfig controls what output ports do when their client leaves.
type IngestConfig struct {
	Mode           string `yaml:"mode"` // default, loop
	Fill           string `yaml:"fill"` // none, zero, rand
	ChunkSize      int    `yaml:"chunk_size"`
	FillSize       int    `yaml:"fill_size"`
	FillIntervalMS int    `yaml:"fill_interval_ms"`
}

// CompositeConfig sets the output layout and rebuild policy.
type CompositeConfig struct {
	Mode     int         `yaml:"mode"`
	Width    int         `yaml:"width"`
	Height   int         `yaml:"height"`
	SettleMS int         `yaml:"settle_ms"`
	Retry    RetryConfig `yaml:"retry"`
}

// RetryConfig bounds composite rebuild retries.
type RetryConfig struct {
	MaxRetries      int `yaml:"max_retries"`
	RetryDelayMS    int `yaml:"retry_delay_ms"`
	MaxRetryDelayMS int `yaml:"max_retry_delay_ms"`
}

// RecordConfig enables writing the encoded output to disk.
type RecordConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
	Prefix  string `yaml:"prefix"`
}

// MQTTConfig contains MQTT broker settings. An empty broker disables the
// MQTT control transport.
type MQTTConfig struct {
	Broker string     `yaml:"broker"`
	Topics MQTTTopics `yaml:"topics"`
	QoS    MQTTQoS    `yaml:"qos"`
}

// MQTTTopics contains topic overrides
type MQTTTopics struct {
	Control  string `yaml:"control"`
	Response string `yaml:"response"`
	Notify   string `yaml:"notify"`
}

// MQTTQoS contains per-direction QoS levels.
type MQTTQoS struct {
	Control byte `yaml:"control"`
	Notify  byte `yaml:"notify"`
}

// StatusConfig configures the status HTTP server. An empty listen address
// disables it.
type StatusConfig struct {
	Listen string `yaml:"listen"`
}

// Default returns the configuration used when a key is absent.
func Default() *Config {
	return &Config{
		InstanceID:       "avswitch",
		Host:             "localhost",
		Engine:           "gstreamer",
		ShutdownTimeoutS: 5,
		Log:              LogConfig{Level: "info", Format: "json"},
		Ports:            PortsConfig{VideoInput: 3000, AudioInput: 4000, Control: 5000},
		Ingest: IngestConfig{
			Mode:           "default",
			Fill:           "none",
			ChunkSize:      4096,
			FillSize:       1024,
			FillIntervalMS: 40,
		},
		Composite: CompositeConfig{
			Mode:     3,
			Width:    1280,
			Height:   720,
			SettleMS: 300,
			Retry:    RetryConfig{MaxRetries: 5, RetryDelayMS: 1000, MaxRetryDelayMS: 30000},
		},
		Record: RecordConfig{Dir: "./recordings", Prefix: "avswitch"},
		MQTT:   MQTTConfig{QoS: MQTTQoS{Control: 1, Notify: 0}},
		Status: StatusConfig{Listen: ":8080"},
	}
}

// Load reads and parses a YAML configuration file. Keys missing from the
// file keep their Default value.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration and validates it.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ShutdownTimeout returns the graceful shutdown budget.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}

// FillInterval returns the loop fill pacing. Zero emits fill buffers as fast
// as the input graph takes them.
func (c *Config) FillInterval() time.Duration {
	return time.Duration(c.Ingest.FillIntervalMS) * time.Millisecond
}

// Settle returns how long a rebuilt composite must stay alive before its
// transition is complete.
func (c *Config) Settle() time.Duration {
	return time.Duration(c.Composite.SettleMS) * time.Millisecond
}
