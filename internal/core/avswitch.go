// Package core wires every avswitch component from configuration and owns
// the process lifecycle.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/e7canasta/avswitch/internal/composite"
	"github.com/e7canasta/avswitch/internal/config"
	"github.com/e7canasta/avswitch/internal/control"
	"github.com/e7canasta/avswitch/internal/engine"
	"github.com/e7canasta/avswitch/internal/metrics"
	"github.com/e7canasta/avswitch/internal/notify"
	"github.com/e7canasta/avswitch/internal/server"
	"github.com/e7canasta/avswitch/internal/status"
	"github.com/e7canasta/avswitch/internal/tcpmix"
)

// statsInterval paces the periodic status log line.
const statsInterval = 30 * time.Second

// AVSwitch is the main service orchestrator
type AVSwitch struct {
	cfg *config.Config

	metrics *metrics.Metrics
	hub     *notify.Hub
	engine  engine.Engine
	server  *server.Server
	handler *control.Handler
	mqtt    *control.MQTT
	status  *status.Server

	// Lifecycle management
	started   time.Time
	mu        sync.RWMutex
	wg        sync.WaitGroup
	isRunning bool
}

// NewAVSwitch builds every component from cfg. Nothing is bound until Run.
func NewAVSwitch(cfg *config.Config) (*AVSwitch, error) {
	mode, err := tcpmix.ParseMode(cfg.Ingest.Mode)
	if err != nil {
		return nil, err
	}
	fill, err := tcpmix.ParseFill(cfg.Ingest.Fill)
	if err != nil {
		return nil, err
	}

	eng, err := engine.New(engine.Name(cfg.Engine))
	if err != nil {
		return nil, fmt.Errorf("failed to create graph engine: %w", err)
	}

	m := metrics.New()
	hub := notify.NewHub(m)

	srv := server.New(server.Config{
		Host:        cfg.Host,
		VideoPort:   cfg.Ports.VideoInput,
		AudioPort:   cfg.Ports.AudioInput,
		ControlPort: cfg.Ports.Control,
		Ingest: server.IngestConfig{
			Mode:         mode,
			Fill:         fill,
			ChunkSize:    cfg.Ingest.ChunkSize,
			FillSize:     cfg.Ingest.FillSize,
			FillInterval: cfg.FillInterval(),
		},
		Composite: composite.Config{
			Mode:   composite.Mode(cfg.Composite.Mode),
			Width:  cfg.Composite.Width,
			Height: cfg.Composite.Height,
			Settle: cfg.Settle(),
			Retry: composite.RetryConfig{
				MaxRetries:    cfg.Composite.Retry.MaxRetries,
				RetryDelay:    time.Duration(cfg.Composite.Retry.RetryDelayMS) * time.Millisecond,
				MaxRetryDelay: time.Duration(cfg.Composite.Retry.MaxRetryDelayMS) * time.Millisecond,
			},
			Record: composite.RecordConfig{
				Enabled: cfg.Record.Enabled,
				Dir:     cfg.Record.Dir,
				Prefix:  cfg.Record.Prefix,
			},
		},
		Engine:  eng,
		Metrics: m,
		Hub:     hub,
	})

	a := &AVSwitch{
		cfg:     cfg,
		metrics: m,
		hub:     hub,
		engine:  eng,
		server:  srv,
	}

	a.handler = control.NewHandler(a.callbacks(), m)
	srv.SetControlHandler(control.NewTCP(a.handler, hub).ServeConn)

	if cfg.MQTT.Broker != "" {
		a.mqtt = control.NewMQTT(control.MQTTConfig{
			Broker:        cfg.MQTT.Broker,
			ClientID:      "avswitch-" + cfg.InstanceID,
			ControlTopic:  cfg.MQTT.Topics.Control,
			ResponseTopic: cfg.MQTT.Topics.Response,
			NotifyTopic:   cfg.MQTT.Topics.Notify,
			ControlQoS:    cfg.MQTT.QoS.Control,
			NotifyQoS:     cfg.MQTT.QoS.Notify,
		}, a.handler, hub)
	}

	if cfg.Status.Listen != "" {
		a.status = status.New(status.Config{
			Listen:  cfg.Status.Listen,
			Metrics: m,
			Hub:     hub,
		}, srv)
	}

	slog.Info("configuration loaded",
		"instance_id", cfg.InstanceID,
		"engine", cfg.Engine,
		"mqtt", cfg.MQTT.Broker != "",
		"status", cfg.Status.Listen,
	)
	return a, nil
}

// Run starts the service and blocks until ctx is cancelled.
func (a *AVSwitch) Run(ctx context.Context) error {
	a.mu.Lock()
	if a.isRunning {
		a.mu.Unlock()
		return fmt.Errorf("service is already running")
	}
	a.isRunning = true
	a.started = time.Now()
	a.mu.Unlock()

	slog.Info("avswitch service starting", "instance_id", a.cfg.InstanceID)

	if err := a.server.Start(ctx); err != nil {
		return fmt.Errorf("failed to start switch server: %w", err)
	}

	if a.status != nil {
		if err := a.status.Start(); err != nil {
			return fmt.Errorf("failed to start status server: %w", err)
		}
	}

	if a.mqtt != nil {
		if err := a.mqtt.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect mqtt: %w", err)
		}
		if err := a.mqtt.Start(ctx); err != nil {
			return fmt.Errorf("failed to start mqtt control: %w", err)
		}
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.logStats(ctx)
	}()

	slog.Info("avswitch service running",
		"video_port", a.server.VideoPort(),
		"audio_port", a.server.AudioInputPort(),
		"control_port", a.server.ControlPort(),
		"compose_port", a.server.ComposePort(),
		"encode_port", a.server.EncodePort(),
	)

	<-ctx.Done()

	slog.Info("avswitch service run loop exiting")
	return nil
}

// Shutdown performs graceful shutdown of all components
func (a *AVSwitch) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	if !a.isRunning {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	slog.Info("shutting down avswitch service")

	// Controllers first so no command lands on a half-stopped server.
	if a.mqtt != nil {
		slog.Info("stopping mqtt control")
		a.mqtt.Stop()
	}
	if a.status != nil {
		slog.Info("stopping status server")
		if err := a.status.Shutdown(ctx); err != nil {
			slog.Error("failed to stop status server", "error", err)
		}
	}

	slog.Info("stopping switch server")
	var shutdownErr error
	if err := a.server.Shutdown(ctx); err != nil {
		slog.Error("failed to stop switch server", "error", err)
		shutdownErr = err
	}

	a.hub.Close()

	slog.Info("waiting for goroutines to finish")
	a.wg.Wait()

	a.mu.Lock()
	uptime := time.Since(a.started)
	a.isRunning = false
	a.mu.Unlock()

	slog.Info("avswitch service shutdown complete", "uptime", uptime)
	return shutdownErr
}

// ShutdownTimeout returns the configured graceful shutdown budget.
func (a *AVSwitch) ShutdownTimeout() time.Duration {
	return a.cfg.ShutdownTimeout()
}

// Server exposes the switch server.
func (a *AVSwitch) Server() *server.Server {
	return a.server
}

// StatusAddr returns the bound status address, or "" when disabled.
func (a *AVSwitch) StatusAddr() string {
	if a.status == nil {
		return ""
	}
	return a.status.Addr()
}

func (a *AVSwitch) logStats(ctx context.Context) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := a.server.Status()
			slog.Info("avswitch stats",
				"ready", st.Ready,
				"mode", st.Mode,
				"cases", st.Cases,
				"allocated_ports", len(st.Ports.Allocated),
				"notifications", a.hub.Published(),
				"uptime", time.Since(a.started).Truncate(time.Second).String(),
			)
		}
	}
}
