package config

import (
	"fmt"
	"regexp"

	"github.com/e7canasta/avswitch/internal/composite"
	"github.com/e7canasta/avswitch/internal/engine"
	"github.com/e7canasta/avswitch/internal/tcpmix"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Validate checks if the configuration is valid and fills zero values that
// have a default.
func Validate(cfg *Config) error {
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}

	switch engine.Name(cfg.Engine) {
	case engine.NameGStreamer, engine.NameSimulated:
	case "":
		cfg.Engine = string(engine.NameGStreamer)
	default:
		return fmt.Errorf("engine must be %q or %q, got %q", engine.NameGStreamer, engine.NameSimulated, cfg.Engine)
	}

	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5
	}

	if err := validatePorts(cfg.Ports); err != nil {
		return err
	}

	if _, err := tcpmix.ParseMode(cfg.Ingest.Mode); err != nil {
		return fmt.Errorf("ingest.mode: %w", err)
	}
	if _, err := tcpmix.ParseFill(cfg.Ingest.Fill); err != nil {
		return fmt.Errorf("ingest.fill: %w", err)
	}
	if cfg.Ingest.ChunkSize <= 0 {
		cfg.Ingest.ChunkSize = 4096
	}
	if cfg.Ingest.FillSize <= 0 {
		cfg.Ingest.FillSize = 1024
	}
	if cfg.Ingest.FillIntervalMS < 0 {
		return fmt.Errorf("ingest.fill_interval_ms must not be negative, got %d", cfg.Ingest.FillIntervalMS)
	}

	if !composite.Mode(cfg.Composite.Mode).Valid() {
		return fmt.Errorf("composite.mode must be 0..3, got %d", cfg.Composite.Mode)
	}
	if cfg.Composite.Width < 0 || cfg.Composite.Height < 0 {
		return fmt.Errorf("composite size must be positive, got %dx%d", cfg.Composite.Width, cfg.Composite.Height)
	}
	if cfg.Composite.Width == 0 {
		cfg.Composite.Width = composite.DefaultWidth
	}
	if cfg.Composite.Height == 0 {
		cfg.Composite.Height = composite.DefaultHeight
	}
	if cfg.Composite.Width < composite.MinPIPWidth || cfg.Composite.Height < composite.MinPIPHeight {
		return fmt.Errorf("composite size must be at least %dx%d", composite.MinPIPWidth, composite.MinPIPHeight)
	}
	if cfg.Composite.SettleMS <= 0 {
		cfg.Composite.SettleMS = int(composite.DefaultSettle.Milliseconds())
	}

	retry := &cfg.Composite.Retry
	if retry.MaxRetries < 0 {
		return fmt.Errorf("composite.retry.max_retries must be >= 0")
	}
	if retry.RetryDelayMS <= 0 {
		retry.RetryDelayMS = 1000
	}
	if retry.MaxRetryDelayMS <= 0 {
		retry.MaxRetryDelayMS = 30000
	}
	if retry.MaxRetryDelayMS < retry.RetryDelayMS {
		return fmt.Errorf("composite.retry.max_retry_delay_ms must be >= retry_delay_ms")
	}

	if cfg.Record.Enabled && cfg.Record.Dir == "" {
		return fmt.Errorf("record.dir is required when recording is enabled")
	}
	if cfg.Record.Prefix == "" {
		cfg.Record.Prefix = "avswitch"
	}

	if cfg.MQTT.QoS.Control > 2 || cfg.MQTT.QoS.Notify > 2 {
		return fmt.Errorf("mqtt qos must be 0, 1 or 2")
	}
	if cfg.MQTT.Broker != "" {
		if cfg.MQTT.Topics.Control == "" {
			cfg.MQTT.Topics.Control = fmt.Sprintf("avswitch/control/%s", cfg.InstanceID)
		}
		if cfg.MQTT.Topics.Response == "" {
			cfg.MQTT.Topics.Response = fmt.Sprintf("avswitch/response/%s", cfg.InstanceID)
		}
		if cfg.MQTT.Topics.Notify == "" {
			cfg.MQTT.Topics.Notify = fmt.Sprintf("avswitch/notify/%s", cfg.InstanceID)
		}
	}

	return nil
}

func validatePorts(p PortsConfig) error {
	ports := []struct {
		key  string
		port int
	}{
		{"ports.video_input", p.VideoInput},
		{"ports.audio_input", p.AudioInput},
		{"ports.control", p.Control},
	}

	seen := make(map[int]string)
	for _, e := range ports {
		if e.port < 0 || e.port > 65535 {
			return fmt.Errorf("%s must be in [0, 65535], got %d", e.key, e.port)
		}
		if e.port == 0 {
			continue
		}
		if other, dup := seen[e.port]; dup {
			return fmt.Errorf("%s and %s share port %d", other, e.key, e.port)
		}
		seen[e.port] = e.key
	}
	return nil
}
