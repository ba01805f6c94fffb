// Package server is the switch server: it accepts incoming streams, turns
// each one into a triplet of stream cases, and drives the composite.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/avswitch/internal/cases"
	"github.com/e7canasta/avswitch/internal/composite"
	"github.com/e7canasta/avswitch/internal/engine"
	"github.com/e7canasta/avswitch/internal/metrics"
	"github.com/e7canasta/avswitch/internal/notify"
	"github.com/e7canasta/avswitch/internal/tcpmix"
)

// Default acceptor ports.
const (
	DefaultVideoPort   = 3000
	DefaultAudioPort   = 4000
	DefaultControlPort = 5000
)

var (
	// ErrNotStarted is returned by operations that need a started server.
	ErrNotStarted = errors.New("server: not started")

	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("server: already started")

	// ErrUnknownChannel is returned by Switch for channels other than A, B
	// and a.
	ErrUnknownChannel = errors.New("server: unknown channel")

	// ErrNoStreamOnPort is returned by Switch when no stream is served on
	// the requested port.
	ErrNoStreamOnPort = errors.New("server: no stream on port")

	// ErrAlreadyOnChannel is returned by Switch when the stream is already
	// on the channel.
	ErrAlreadyOnChannel = errors.New("server: stream already on channel")

	// ErrServeMismatch is returned by Switch when the stream's media kind
	// differs from the channel's.
	ErrServeMismatch = errors.New("server: stream kind does not match channel")

	// ErrPortsExhausted is returned when no sink port is left to hand out.
	ErrPortsExhausted = errors.New("server: sink ports exhausted")
)

// IngestConfig configures the video and audio acceptors.
type IngestConfig struct {
	Mode         tcpmix.Mode
	Fill         tcpmix.Fill
	ChunkSize    int
	FillSize     int
	FillInterval time.Duration
}

// Config configures a Server.
type Config struct {
	Host        string
	VideoPort   int
	AudioPort   int
	ControlPort int

	Ingest IngestConfig

	// Composite settings. Host, ports, engine and metrics are filled in by
	// the server.
	Composite composite.Config

	Engine       engine.Engine
	Metrics      *metrics.Metrics
	Hub          *notify.Hub
	TickInterval time.Duration
}

// ControlHandler serves one accepted control connection until it closes or
// ctx is cancelled.
type ControlHandler func(ctx context.Context, conn net.Conn)

// Server is the switch server.
type Server struct {
	cfg Config

	video   *tcpmix.Source
	audio   *tcpmix.Source
	control net.Listener

	controlHandler ControlHandler

	composite atomic.Pointer[composite.Composite]
	alloc     *allocator

	// mu guards the arena.
	mu        sync.Mutex
	cases     map[cases.ID]*cases.Case
	caseCount int

	pipMu sync.Mutex
	pip   composite.Rect

	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a server. Nothing is bound until Start.
func New(cfg Config) *Server {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}

	s := &Server{
		cfg:   cfg,
		alloc: newAllocator(cfg.Metrics),
		cases: make(map[cases.ID]*cases.Case),
	}

	s.video = tcpmix.New(tcpmix.Config{
		Name:         "video",
		Host:         cfg.Host,
		Port:         cfg.VideoPort,
		Mode:         cfg.Ingest.Mode,
		Fill:         cfg.Ingest.Fill,
		ChunkSize:    cfg.Ingest.ChunkSize,
		FillSize:     cfg.Ingest.FillSize,
		FillInterval: cfg.Ingest.FillInterval,
		Metrics:      cfg.Metrics,
	})
	s.audio = tcpmix.New(tcpmix.Config{
		Name:         "audio",
		Host:         cfg.Host,
		Port:         cfg.AudioPort,
		Mode:         cfg.Ingest.Mode,
		Fill:         cfg.Ingest.Fill,
		ChunkSize:    cfg.Ingest.ChunkSize,
		FillSize:     cfg.Ingest.FillSize,
		FillInterval: cfg.Ingest.FillInterval,
		Metrics:      cfg.Metrics,
	})

	s.video.OnNewPort(func(p *tcpmix.Port) { s.servePort(p, cases.ServeVideo) })
	s.audio.OnNewPort(func(p *tcpmix.Port) { s.servePort(p, cases.ServeAudio) })

	return s
}

// SetControlHandler installs the handler for control connections. It must
// be called before Start; without one, control connections are refused.
func (s *Server) SetControlHandler(h ControlHandler) {
	s.controlHandler = h
}

// Start binds the acceptors, brings the composite up and starts accepting.
// A composite that fails to prepare is fatal.
func (s *Server) Start(ctx context.Context) error {
	if s.started {
		return ErrAlreadyStarted
	}

	if err := s.listen(); err != nil {
		s.closeListeners()
		return err
	}

	videoPort := s.video.BoundPort()
	s.alloc.reset(videoPort, s.audio.BoundPort(), s.ControlPort())

	compCfg := s.cfg.Composite
	compCfg.Host = s.cfg.Host
	sinkPort, err := s.alloc.allocate()
	if err != nil {
		s.closeListeners()
		return err
	}
	encodePort, err := s.alloc.allocate()
	if err != nil {
		s.closeListeners()
		return err
	}
	compCfg.SinkPort = sinkPort
	compCfg.EncodePort = encodePort
	compCfg.Engine = s.cfg.Engine
	compCfg.Metrics = s.cfg.Metrics
	compCfg.TickInterval = s.cfg.TickInterval

	comp, err := composite.New(compCfg)
	if err != nil {
		s.closeListeners()
		return fmt.Errorf("server: composite: %w", err)
	}
	if err := comp.Prepare(); err != nil {
		s.closeListeners()
		return fmt.Errorf("server: %w", err)
	}
	s.composite.Store(comp)
	s.pip = comp.Geometry().B

	comp.OnComposeReady(func(port int) { s.publish(notify.SetComposePort(port)) })
	comp.OnEncodeReady(func(port int) { s.publish(notify.SetEncodePort(port)) })
	comp.OnModeOnline(func(m composite.Mode) { s.publish(notify.NewModeOnline(int(m))) })
	comp.OnEnded(func() { slog.Warn("server: composite ended") })

	if err := comp.Start(); err != nil {
		comp.Stop()
		s.closeListeners()
		return fmt.Errorf("server: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.started = true

	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		if err := s.video.Serve(ctx); err != nil {
			slog.Error("server: video acceptor failed", "error", err)
		}
	}()
	go func() {
		defer s.wg.Done()
		if err := s.audio.Serve(ctx); err != nil {
			slog.Error("server: audio acceptor failed", "error", err)
		}
	}()
	go func() {
		defer s.wg.Done()
		s.serveControl(ctx)
	}()

	slog.Info("server: started",
		"video_port", videoPort,
		"audio_port", s.audio.BoundPort(),
		"control_port", s.ControlPort(),
		"compose_port", comp.SinkPort(),
		"encode_port", comp.EncodePort(),
	)
	return nil
}

func (s *Server) listen() error {
	if err := s.video.Listen(); err != nil {
		return fmt.Errorf("server: video acceptor: %w", err)
	}
	if err := s.audio.Listen(); err != nil {
		return fmt.Errorf("server: audio acceptor: %w", err)
	}

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.ControlPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: control acceptor: listen on %s: %w", addr, err)
	}
	s.control = ln
	return nil
}

func (s *Server) closeListeners() {
	if err := s.video.Close(); err != nil {
		slog.Warn("server: closing video acceptor", "error", err)
	}
	if err := s.audio.Close(); err != nil {
		slog.Warn("server: closing audio acceptor", "error", err)
	}
	if s.control != nil {
		if err := s.control.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			slog.Warn("server: closing control acceptor", "error", err)
		}
	}
}

// serveControl accepts control connections until the listener closes.
func (s *Server) serveControl(ctx context.Context) {
	var conns sync.WaitGroup
	defer conns.Wait()

	for {
		conn, err := s.control.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				slog.Info("server: control acceptor finished")
				return
			}
			slog.Warn("server: control accept failed", "error", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}

		s.cfg.Metrics.IncConnections("control")

		if s.controlHandler == nil {
			slog.Warn("server: control connection refused, no handler", "remote", conn.RemoteAddr().String())
			conn.Close()
			continue
		}

		conns.Add(1)
		go func() {
			defer conns.Done()
			defer conn.Close()

			stop := context.AfterFunc(ctx, func() { conn.Close() })
			defer stop()

			s.controlHandler(ctx, conn)
		}()
	}
}

// Shutdown stops accepting, waits for the acceptors and stops every case and
// the composite.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.started {
		return nil
	}
	s.started = false

	s.cancel()
	s.closeListeners()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("server: shutdown: %w", ctx.Err())
	}

	for _, c := range s.snapshot() {
		c.Stop()
	}
	s.composite.Load().Stop()

	slog.Info("server: stopped")
	return err
}

// VideoPort returns the bound video acceptor port.
func (s *Server) VideoPort() int {
	return s.video.BoundPort()
}

// AudioInputPort returns the bound audio acceptor port.
func (s *Server) AudioInputPort() int {
	return s.audio.BoundPort()
}

// ControlPort returns the bound control acceptor port.
func (s *Server) ControlPort() int {
	if s.control == nil {
		return 0
	}
	if addr, ok := s.control.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Composite returns the composite, or nil before Start.
func (s *Server) Composite() *composite.Composite {
	return s.composite.Load()
}

// Ready reports whether the server can take streams and the composite is
// playing.
func (s *Server) Ready() bool {
	comp := s.composite.Load()
	return comp != nil && comp.Alive() && s.video.BoundPort() != 0
}

func (s *Server) publish(n notify.Notification) {
	if s.cfg.Hub == nil {
		return
	}
	s.cfg.Hub.Publish(n)
}
