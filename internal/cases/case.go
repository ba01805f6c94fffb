// Package cases implements stream cases: workers that route one client's
// stream into the internal bus, through the composite, and back out to
// network clients.
//
// Every accepted connection produces a triplet of cases sharing one port:
//
//	input   client bytes   ─► input_<port>
//	work    input_<port>   ─► branch_<port> (+ composite_a/b/audio)
//	branch  branch_<port>  ─► tcp clients on <port>
package cases

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/e7canasta/avswitch/internal/engine"
	"github.com/e7canasta/avswitch/internal/metrics"
	"github.com/e7canasta/avswitch/internal/worker"
)

var (
	// ErrUnsupportedCaseType is returned for unknown type and serve kind
	// combinations.
	ErrUnsupportedCaseType = errors.New("cases: unsupported case type")

	// ErrNoStream is returned when an input case is created without a stream.
	ErrNoStream = errors.New("cases: input case requires a stream")
)

// Stream is the raw client stream an input case feeds into its graph.
type Stream interface {
	Name() string
	Run(ctx context.Context, emit func([]byte) error) error
}

// retirer is implemented by streams that can be taken out of service once
// their input case ends.
type retirer interface {
	Retire()
}

// Config describes a case.
type Config struct {
	Name  string
	Type  Type
	Serve ServeKind
	Port  int
	Host  string

	// Input cases only.
	Stream Stream

	// Work case references into the server arena.
	Input  ID
	Branch ID

	// Channel sizes for video cases.
	AWidth, AHeight int
	BWidth, BHeight int

	Engine       engine.Engine
	Metrics      *metrics.Metrics
	TickInterval time.Duration
}

// Case is one supervised stream case.
type Case struct {
	id     ID
	name   string
	typ    Type
	serve  ServeKind
	port   int
	host   string
	stream Stream
	input  ID
	branch ID

	aWidth, aHeight int
	bWidth, bHeight int

	w *worker.Worker

	mu        sync.Mutex
	switching bool
	pumpStop  context.CancelFunc
	pumpDone  chan struct{}
}

// New validates cfg and creates the case. Nothing runs until Start.
func New(cfg Config) (*Case, error) {
	if !compatible(cfg.Type, cfg.Serve) {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnsupportedCaseType, cfg.Type, cfg.Serve)
	}
	if cfg.Type.IsInput() && cfg.Stream == nil {
		return nil, ErrNoStream
	}

	host := cfg.Host
	if host == "" {
		host = "localhost"
	}

	c := &Case{
		id:      NewID(),
		name:    cfg.Name,
		typ:     cfg.Type,
		serve:   cfg.Serve,
		port:    cfg.Port,
		host:    host,
		stream:  cfg.Stream,
		input:   cfg.Input,
		branch:  cfg.Branch,
		aWidth:  cfg.AWidth,
		aHeight: cfg.AHeight,
		bWidth:  cfg.BWidth,
		bHeight: cfg.BHeight,
	}
	c.w = worker.New(worker.Config{
		Name:         cfg.Name,
		Engine:       cfg.Engine,
		Hooks:        c,
		TickInterval: cfg.TickInterval,
		Metrics:      cfg.Metrics,
	})
	return c, nil
}

func (c *Case) ID() ID           { return c.id }
func (c *Case) Name() string     { return c.name }
func (c *Case) Type() Type       { return c.typ }
func (c *Case) Serve() ServeKind { return c.serve }
func (c *Case) Port() int        { return c.port }
func (c *Case) Input() ID        { return c.input }
func (c *Case) Branch() ID       { return c.branch }
func (c *Case) Stream() Stream   { return c.stream }

// Sizes returns the A and B channel sizes of a video case.
func (c *Case) Sizes() (aw, ah, bw, bh int) {
	return c.aWidth, c.aHeight, c.bWidth, c.bHeight
}

// State returns the worker state.
func (c *Case) State() worker.State {
	return c.w.State()
}

// Start starts the case's graph.
func (c *Case) Start() error {
	return c.w.Start()
}

// Stop tears the graph down; the case then ends.
func (c *Case) Stop() {
	c.w.Stop()
}

// OnStarted registers fn to run when the graph reaches playing.
func (c *Case) OnStarted(fn func(*Case)) {
	c.w.OnStarted(func() { fn(c) })
}

// OnEnded registers fn to run when the case ends.
func (c *Case) OnEnded(fn func(*Case)) {
	c.w.OnEnded(func() { fn(c) })
}

// SetSwitching marks the case as being replaced by a switch.
func (c *Case) SetSwitching(v bool) {
	c.mu.Lock()
	c.switching = v
	c.mu.Unlock()
}

// Switching reports whether the case is being replaced.
func (c *Case) Switching() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.switching
}

// Info is a snapshot of a case for status surfaces.
type Info struct {
	ID        ID     `json:"id"`
	Name      string `json:"name"`
	Type      string `json:"type"`
	Serve     string `json:"serve"`
	Port      int    `json:"port"`
	State     string `json:"state"`
	Switching bool   `json:"switching"`
	Input     ID     `json:"input,omitempty"`
	Branch    ID     `json:"branch,omitempty"`
}

// Info returns a snapshot of the case.
func (c *Case) Info() Info {
	return Info{
		ID:        c.id,
		Name:      c.name,
		Type:      c.typ.String(),
		Serve:     c.serve.String(),
		Port:      c.port,
		State:     c.w.State().String(),
		Switching: c.Switching(),
		Input:     c.input,
		Branch:    c.branch,
	}
}

// BuildGraph implements worker.Hooks.
func (c *Case) BuildGraph() (engine.Spec, error) {
	return c.graphSpec()
}

// OnPrepared implements worker.Hooks.
func (c *Case) OnPrepared(g engine.Graph) error {
	switch {
	case c.typ.IsInput():
		c.startPump(g)
	case c.typ.IsBranch():
		return g.OnClientRemoved(elementSink, c.closeClient)
	}
	return nil
}

// OnStopped implements worker.Hooks. Cases never replay.
func (c *Case) OnStopped() worker.Decision {
	c.stopPump()
	if r, ok := c.stream.(retirer); ok && c.typ.IsInput() {
		r.Retire()
	}
	return worker.End
}

// closeClient releases the descriptor of a client that left the sink.
func (c *Case) closeClient(fd int) {
	if err := unix.Close(fd); err != nil {
		slog.Warn("cases: failed to close removed client",
			"case", c.name,
			"fd", fd,
			"error", err,
		)
		return
	}
	slog.Debug("cases: removed client closed", "case", c.name, "fd", fd)
}

// startPump feeds the stream into the graph's source until the stream ends
// or the case stops.
func (c *Case) startPump(g engine.Graph) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	c.mu.Lock()
	c.pumpStop = cancel
	c.pumpDone = done
	c.mu.Unlock()

	go func() {
		defer close(done)

		err := c.stream.Run(ctx, func(b []byte) error {
			return g.Push(elementSource, b)
		})
		if ctx.Err() != nil {
			return
		}

		switch {
		case errors.Is(err, io.EOF):
			slog.Info("cases: input stream finished", "case", c.name, "stream", c.stream.Name())
		case errors.Is(err, engine.ErrClosed):
			return
		default:
			slog.Warn("cases: input stream failed", "case", c.name, "stream", c.stream.Name(), "error", err)
		}

		if err := g.EndStream(elementSource); err != nil && !errors.Is(err, engine.ErrClosed) {
			slog.Warn("cases: end of stream failed", "case", c.name, "error", err)
			c.w.Stop()
		}
	}()
}

func (c *Case) stopPump() {
	c.mu.Lock()
	cancel, done := c.pumpStop, c.pumpDone
	c.pumpStop, c.pumpDone = nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
