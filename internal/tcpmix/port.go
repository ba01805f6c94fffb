package tcpmix

import (
	"context"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/e7canasta/avswitch/internal/metrics"
)

// Port is one output of a Source, carrying the bytes of at most one client.
//
// Thread-safety:
//   - conn, retired, closed and everBound are protected by mu
//   - cond is signalled whenever a client binds or the port closes
//   - Run is called by a single goroutine; bind and Reset may run concurrently
type Port struct {
	name  string
	index int

	mode         Mode
	fill         Fill
	chunkSize    int
	fillSize     int
	fillInterval time.Duration
	metrics      *metrics.Metrics

	mu        sync.Mutex
	cond      *sync.Cond
	conn      net.Conn
	everBound bool
	retired   bool // client left a Default mode port, or the owner retired it; never rebound
	closed    bool // owning Source closed
}

func newPort(index int, cfg Config) *Port {
	p := &Port{
		name:         portName(index),
		index:        index,
		mode:         cfg.Mode,
		fill:         cfg.Fill,
		chunkSize:    cfg.ChunkSize,
		fillSize:     cfg.FillSize,
		fillInterval: cfg.FillInterval,
		metrics:      cfg.Metrics,
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Name returns the port name, src_<index>.
func (p *Port) Name() string {
	return p.name
}

// Index returns the creation index of the port within its Source.
func (p *Port) Index() int {
	return p.index
}

// Bound reports whether a client is currently bound.
func (p *Port) Bound() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn != nil
}

// Retired reports whether the port finished for good.
func (p *Port) Retired() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.retired
}

// RemoteAddr returns the bound client's address, or "".
func (p *Port) RemoteAddr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return ""
	}
	return p.conn.RemoteAddr().String()
}

// bind attaches conn to the port. A port that already has a client, or that
// is retired or closed, rejects the bind.
func (p *Port) bind(conn net.Conn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn != nil || p.retired || p.closed {
		return false
	}
	p.conn = conn
	p.everBound = true
	p.cond.Broadcast()
	return true
}

// Reset drops the current client and closes its connection.
func (p *Port) Reset() {
	p.mu.Lock()
	conn := p.conn
	p.conn = nil
	p.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// Retire drops the current client and takes the port out of service. Its
// owner calls it once nothing will read from the port again, so that later
// clients get a fresh port instead of binding to this one.
func (p *Port) Retire() {
	p.mu.Lock()
	conn := p.conn
	p.conn = nil
	p.retired = true
	p.cond.Broadcast()
	p.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// resetIf drops conn only if it is still the bound client.
func (p *Port) resetIf(conn net.Conn) {
	p.mu.Lock()
	if p.conn == conn {
		p.conn = nil
	}
	p.mu.Unlock()

	conn.Close()
}

func (p *Port) close() {
	p.mu.Lock()
	conn := p.conn
	p.conn = nil
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// Run is the port's pull loop. It emits every chunk read from the bound
// client, and applies the mode and fill policy while no client is bound.
//
// Run returns io.EOF when a Default mode port loses its client, ErrNoClient
// when a Default mode port is asked for data without a client, ErrClosed once
// the Source closes, ctx.Err() on cancellation, or the first emit error.
func (p *Port) Run(ctx context.Context, emit func([]byte) error) error {
	stop := context.AfterFunc(ctx, func() {
		p.mu.Lock()
		conn := p.conn
		p.cond.Broadcast()
		p.mu.Unlock()
		// Unblocks a pending Read; the loop then observes ctx.
		if conn != nil {
			conn.SetReadDeadline(time.Now())
		}
	})
	defer stop()

	buf := make([]byte, p.chunkSize)

	for {
		data, err := p.next(ctx, buf)
		if err != nil {
			return err
		}
		if data == nil {
			continue
		}
		if err := emit(data); err != nil {
			return err
		}
	}
}

// next produces one buffer, or nil when nothing should be emitted this round.
func (p *Port) next(ctx context.Context, buf []byte) ([]byte, error) {
	conn, err := p.client(ctx)
	if err != nil {
		return nil, err
	}
	if conn == nil {
		return p.fillBuffer(ctx)
	}

	n, err := conn.Read(buf)
	if n > 0 {
		out := make([]byte, n)
		copy(out, buf[:n])
		return out, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	if err == io.EOF {
		slog.Debug("tcpmix: client disconnected", "port", p.name)
	} else {
		slog.Warn("tcpmix: client read failed", "port", p.name, "error", err)
	}
	p.resetIf(conn)

	if p.mode == ModeDefault {
		p.mu.Lock()
		p.retired = true
		p.mu.Unlock()
		return nil, io.EOF
	}
	return nil, nil
}

// client returns the bound connection, waiting when the policy says so.
// A nil connection with a nil error means "emit a fill buffer".
func (p *Port) client(ctx context.Context) (net.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		switch {
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case p.closed:
			return nil, ErrClosed
		case p.retired:
			return nil, io.EOF
		case p.conn != nil:
			return p.conn, nil
		case !p.everBound:
			// Nothing to fill for before the first client.
			p.cond.Wait()
		case p.mode == ModeDefault:
			return nil, ErrNoClient
		case p.fill == FillNone:
			p.cond.Wait()
		default:
			return nil, nil
		}
	}
}

func (p *Port) fillBuffer(ctx context.Context) ([]byte, error) {
	if p.fillInterval > 0 {
		t := time.NewTimer(p.fillInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	out := make([]byte, p.fillSize)
	if p.fill == FillRandom {
		for i := range out {
			out[i] = byte(rand.Intn(256))
		}
	}
	p.metrics.IncFillBuffers()
	return out, nil
}
