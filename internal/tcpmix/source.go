// Package tcpmix is a TCP listener that exposes one output port per connected
// client.
//
// Ports are created lazily: an accepted client binds to the first port that
// has no client, or to a new port when every port is busy. Each port runs its
// own pull loop (Port.Run) that forwards the client's bytes and applies the
// configured Mode and Fill policy when the client goes away.
package tcpmix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/e7canasta/avswitch/internal/metrics"
)

const (
	// DefaultChunkSize is the maximum number of bytes read per iteration.
	DefaultChunkSize = 4096
	// DefaultFillSize is the size of every gap-fill buffer.
	DefaultFillSize = 1024
)

var (
	// ErrNoClient is returned by Port.Run when a Default mode port has no
	// client to read from.
	ErrNoClient = errors.New("tcpmix: no client socket")

	// ErrClosed is returned once the Source is closed.
	ErrClosed = errors.New("tcpmix: source closed")

	// ErrNotListening is returned by Serve before Listen.
	ErrNotListening = errors.New("tcpmix: source not listening")
)

// Config configures a Source.
type Config struct {
	Name string // used in logs and the connections metric
	Host string
	Port int // 0 binds any free port

	Mode      Mode
	Fill      Fill
	ChunkSize int
	FillSize  int

	// FillInterval paces gap-fill buffers. Zero emits them back to back.
	FillInterval time.Duration

	Metrics *metrics.Metrics
}

// Source is a multi-client stream source.
type Source struct {
	cfg Config

	mu        sync.Mutex
	ln        net.Listener
	ports     []*Port
	observers []func(*Port)
	closed    bool
}

// New creates a Source. Nothing is bound until Listen.
func New(cfg Config) *Source {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.FillSize <= 0 {
		cfg.FillSize = DefaultFillSize
	}
	if cfg.Name == "" {
		cfg.Name = "tcpmix"
	}
	return &Source{cfg: cfg}
}

// OnNewPort registers fn to be called with every newly created port.
// Clients that rebind an existing port do not trigger it.
func (s *Source) OnNewPort(fn func(*Port)) {
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	s.mu.Unlock()
}

// Listen binds the listening socket.
func (s *Source) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.ln != nil {
		return nil
	}

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("tcpmix: %s: listen on %s: %w", s.cfg.Name, addr, err)
	}
	s.ln = ln

	slog.Info("tcpmix: listening",
		"source", s.cfg.Name,
		"addr", ln.Addr().String(),
		"mode", s.cfg.Mode.String(),
		"fill", s.cfg.Fill.String(),
	)
	return nil
}

// BoundPort returns the TCP port actually bound, or 0 before Listen.
func (s *Source) BoundPort() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ln == nil {
		return 0
	}
	if addr, ok := s.ln.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Serve runs the accept loop until Close or ctx cancellation.
func (s *Source) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return ErrNotListening
	}

	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				slog.Info("tcpmix: accept loop finished", "source", s.cfg.Name)
				return nil
			}
			slog.Warn("tcpmix: accept failed", "source", s.cfg.Name, "error", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}

		s.cfg.Metrics.IncConnections(s.cfg.Name)

		port, created := s.addClient(conn)
		if port == nil {
			conn.Close()
			continue
		}

		slog.Info("tcpmix: client bound",
			"source", s.cfg.Name,
			"port", port.Name(),
			"remote", conn.RemoteAddr().String(),
			"new_port", created,
		)

		if created {
			s.mu.Lock()
			observers := append([]func(*Port){}, s.observers...)
			s.mu.Unlock()
			for _, fn := range observers {
				fn(port)
			}
		}
	}
}

// addClient binds conn to the first free port or to a new one. Retired ports
// are never free. It returns a nil port once the Source is closed.
func (s *Source) addClient(conn net.Conn) (*Port, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, false
	}

	for _, p := range s.ports {
		if p.bind(conn) {
			return p, false
		}
	}

	p := newPort(len(s.ports), s.cfg)
	p.bind(conn)
	s.ports = append(s.ports, p)
	return p, true
}

// Ports returns every port created so far, in creation order.
func (s *Source) Ports() []*Port {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Port, len(s.ports))
	copy(out, s.ports)
	return out
}

func (s *Source) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close stops accepting and closes every port. Safe to call more than once.
func (s *Source) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.ln
	ports := append([]*Port{}, s.ports...)
	s.mu.Unlock()

	for _, p := range ports {
		p.close()
	}
	if ln != nil {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			return fmt.Errorf("tcpmix: %s: close listener: %w", s.cfg.Name, err)
		}
	}
	return nil
}

func portName(index int) string {
	return "src_" + strconv.Itoa(index)
}
