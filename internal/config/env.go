package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Environment variables that override file settings.
const (
	EnvVideoInputPort = "AVSWITCH_VIDEO_INPUT_PORT"
	EnvAudioInputPort = "AVSWITCH_AUDIO_INPUT_PORT"
	EnvControlPort    = "AVSWITCH_CONTROL_PORT"
	EnvEngine         = "AVSWITCH_ENGINE"
	EnvMQTTBroker     = "AVSWITCH_MQTT_BROKER"
	EnvStatusListen   = "AVSWITCH_STATUS_LISTEN"
	EnvLogLevel       = "AVSWITCH_LOG_LEVEL"
)

// LoadEnv reads .env files into the process environment. With no paths,
// ".env" is used. A missing file returns an error callers may ignore.
func LoadEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

// GetEnv returns the value of the environment variable named by key, or fallback
// if the variable is unset or empty.
func GetEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// GetEnvInt returns the integer value of the environment variable named by key,
// or fallback if the variable is unset, empty, or not a valid integer.
func GetEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

// ApplyEnv overrides cfg from AVSWITCH_* variables and validates the result.
func ApplyEnv(cfg *Config) error {
	cfg.Ports.VideoInput = GetEnvInt(EnvVideoInputPort, cfg.Ports.VideoInput)
	cfg.Ports.AudioInput = GetEnvInt(EnvAudioInputPort, cfg.Ports.AudioInput)
	cfg.Ports.Control = GetEnvInt(EnvControlPort, cfg.Ports.Control)
	cfg.Engine = GetEnv(EnvEngine, cfg.Engine)
	cfg.MQTT.Broker = GetEnv(EnvMQTTBroker, cfg.MQTT.Broker)
	cfg.Status.Listen = GetEnv(EnvStatusListen, cfg.Status.Listen)
	cfg.Log.Level = GetEnv(EnvLogLevel, cfg.Log.Level)

	return Validate(cfg)
}
