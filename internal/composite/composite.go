// Package composite mixes channels A and B into the composite output.
//
// The Composite owns four workers:
//
//	scaler    composite_a/b  ─► scaled_a/b    (sizes of the current geometry)
//	mixer     scaled_a/b     ─► composite_video
//	output    composite_video ─► tcp clients on the compose port
//	recorder  composite_video + composite_audio ─► file and the encode port
//
// Mode changes and PIP resizes rebuild the mixer and scaler. At most one
// rebuild is in flight: while a transition or adjustment is pending, further
// requests are rejected, not queued.
package composite

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/e7canasta/avswitch/internal/engine"
	"github.com/e7canasta/avswitch/internal/metrics"
	"github.com/e7canasta/avswitch/internal/worker"
)

// DefaultSettle is how long a rebuilt mixer must be playing before the
// transition or adjustment is considered complete.
const DefaultSettle = 300 * time.Millisecond

// ErrNotPrepared is returned when the composite is started before Prepare.
var ErrNotPrepared = errors.New("composite: not prepared")

// RecordConfig configures the recorder's file output.
type RecordConfig struct {
	Enabled bool
	Dir     string
	Prefix  string
}

// Config configures a Composite.
type Config struct {
	Mode   Mode
	Width  int
	Height int
	Host   string

	SinkPort   int // compose port
	EncodePort int

	Settle time.Duration
	Retry  RetryConfig
	Record RecordConfig

	Engine       engine.Engine
	Metrics      *metrics.Metrics
	TickInterval time.Duration

	// now is replaced in tests to get stable recording names.
	now func() time.Time
}

// Composite is the composite coordinator.
type Composite struct {
	cfg Config

	mixer    *worker.Worker
	scaler   *worker.Worker
	output   *worker.Worker
	recorder *worker.Worker

	// mu guards the fields below. It serializes SetMode, AdjustPIP and the
	// retry handler, and is never held across a worker Stop or Start.
	mu           sync.Mutex
	mode         Mode
	geo          Geometry
	pendingMode  Mode
	pending      Geometry
	transition   bool
	adjusting    bool
	retries      int
	retryPending bool
	settle       *time.Timer
	closing      bool

	obsMu        sync.Mutex
	modeOnline   []func(Mode)
	composeReady []func(int)
	encodeReady  []func(int)
	ended        []func()
}

// New creates a composite in cfg.Mode. Nothing runs until Start.
func New(cfg Config) (*Composite, error) {
	if cfg.Width == 0 && cfg.Height == 0 {
		cfg.Width, cfg.Height = DefaultWidth, DefaultHeight
	}
	if cfg.Settle <= 0 {
		cfg.Settle = DefaultSettle
	}
	if cfg.Retry.MaxRetries == 0 && cfg.Retry.RetryDelay == 0 {
		cfg.Retry = DefaultRetryConfig()
	}
	if cfg.Retry.MaxRetryDelay < cfg.Retry.RetryDelay {
		cfg.Retry.MaxRetryDelay = cfg.Retry.RetryDelay
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}

	geo, err := Layout(cfg.Mode, cfg.Width, cfg.Height)
	if err != nil {
		return nil, err
	}

	c := &Composite{
		cfg:  cfg,
		mode: cfg.Mode,
		geo:  geo,
	}

	c.mixer = worker.New(worker.Config{
		Name:         "composite",
		Engine:       cfg.Engine,
		Hooks:        c,
		TickInterval: cfg.TickInterval,
		Metrics:      cfg.Metrics,
	})
	c.scaler = worker.New(worker.Config{
		Name:         "scaler",
		Engine:       cfg.Engine,
		Hooks:        newAux(c, "scaler", c.scalerSpec, "", nil),
		TickInterval: cfg.TickInterval,
		Metrics:      cfg.Metrics,
	})
	c.output = worker.New(worker.Config{
		Name:         "output",
		Engine:       cfg.Engine,
		Hooks:        newAux(c, "output", c.outputSpec, "sink", c.composeOnline),
		TickInterval: cfg.TickInterval,
		Metrics:      cfg.Metrics,
	})
	c.recorder = worker.New(worker.Config{
		Name:         "recorder",
		Engine:       cfg.Engine,
		Hooks:        newAux(c, "recorder", c.recorderSpec, "sink", c.encodeOnline),
		TickInterval: cfg.TickInterval,
		Metrics:      cfg.Metrics,
	})

	cfg.Metrics.SetCompositeMode(int(cfg.Mode))
	return c, nil
}

// Prepare builds the mixer graph. A composite that cannot prepare cannot
// serve; callers treat the error as fatal.
func (c *Composite) Prepare() error {
	if err := c.mixer.Prepare(); err != nil {
		return fmt.Errorf("composite: prepare: %w", err)
	}
	return nil
}

// Start starts the mixer and its companion workers.
func (c *Composite) Start() error {
	if c.mixer.Graph() == nil {
		if err := c.Prepare(); err != nil {
			return err
		}
	}

	for _, w := range []*worker.Worker{c.scaler, c.mixer, c.output, c.recorder} {
		if err := w.Start(); err != nil {
			return fmt.Errorf("composite: start %s: %w", w.Name(), err)
		}
	}

	slog.Info("composite: started",
		"mode", c.Mode().String(),
		"sink_port", c.cfg.SinkPort,
		"encode_port", c.cfg.EncodePort,
	)
	return nil
}

// Stop tears every worker down for good.
func (c *Composite) Stop() {
	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()

	for _, w := range []*worker.Worker{c.recorder, c.output, c.mixer, c.scaler} {
		w.Stop()
	}
}

// SinkPort returns the compose port.
func (c *Composite) SinkPort() int {
	return c.cfg.SinkPort
}

// EncodePort returns the encode port.
func (c *Composite) EncodePort() int {
	return c.cfg.EncodePort
}

// Mode returns the applied mode.
func (c *Composite) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Geometry returns the applied geometry.
func (c *Composite) Geometry() Geometry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.geo
}

// Transitioning reports whether a mode change is in flight.
func (c *Composite) Transitioning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transition
}

// Adjusting reports whether a PIP resize is in flight.
func (c *Composite) Adjusting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.adjusting
}

// Alive reports whether the mixer is playing.
func (c *Composite) Alive() bool {
	return c.mixer.State() == worker.StatePlaying
}

// OnModeOnline registers fn to run when a mode transition completes.
func (c *Composite) OnModeOnline(fn func(Mode)) {
	c.obsMu.Lock()
	c.modeOnline = append(c.modeOnline, fn)
	c.obsMu.Unlock()
}

// OnComposeReady registers fn to run when the output starts serving.
func (c *Composite) OnComposeReady(fn func(port int)) {
	c.obsMu.Lock()
	c.composeReady = append(c.composeReady, fn)
	c.obsMu.Unlock()
}

// OnEncodeReady registers fn to run when the recorder starts serving.
func (c *Composite) OnEncodeReady(fn func(port int)) {
	c.obsMu.Lock()
	c.encodeReady = append(c.encodeReady, fn)
	c.obsMu.Unlock()
}

// OnEnded registers fn to run when the mixer ends for good.
func (c *Composite) OnEnded(fn func()) {
	c.obsMu.Lock()
	c.ended = append(c.ended, fn)
	c.obsMu.Unlock()
}

// SetMode requests a transition to mode. It is rejected while another
// transition is in flight, or when mode is invalid.
func (c *Composite) SetMode(mode Mode) bool {
	c.mu.Lock()
	if c.transition {
		c.mu.Unlock()
		slog.Warn("composite: mode change rejected, transition in flight", "mode", mode.String())
		return false
	}
	if c.adjusting {
		c.mu.Unlock()
		slog.Warn("composite: mode change rejected, PIP adjustment in flight", "mode", mode.String())
		return false
	}
	geo, err := Layout(mode, c.cfg.Width, c.cfg.Height)
	if err != nil {
		c.mu.Unlock()
		slog.Warn("composite: mode change rejected", "error", err)
		return false
	}

	if c.mixer.Graph() == nil {
		// Nothing to rebuild: the next build picks the geometry up.
		c.mode, c.geo = mode, geo
		c.mu.Unlock()
		c.cfg.Metrics.SetCompositeMode(int(mode))
		return true
	}

	c.pendingMode, c.pending = mode, geo
	c.transition = true
	c.retries = 0
	c.mu.Unlock()

	c.cfg.Metrics.IncTransitions()
	slog.Info("composite: mode transition", "mode", mode.String())

	c.mixer.Stop()
	return true
}

// AdjustPIP moves or resizes channel B to the given rectangle.
//
// A position-only change is applied to the live mixer. A size change rebuilds
// the mixer and the scaler. Rejected while an adjustment or transition is in
// flight.
func (c *Composite) AdjustPIP(x, y, w, h int) bool {
	c.mu.Lock()
	if c.adjusting || c.transition {
		c.mu.Unlock()
		slog.Warn("composite: PIP adjustment rejected, rebuild in flight")
		return false
	}

	cur := c.geo.B
	if w == cur.W && h == cur.H {
		// Position only; the lock is kept so a concurrent rebuild cannot
		// start between the property writes.
		defer c.mu.Unlock()

		g := c.mixer.Graph()
		if g == nil {
			slog.Warn("composite: PIP move rejected, mixer not running")
			return false
		}
		if err := g.SetPadProperty("compose", "sink_1", "xpos", x); err != nil {
			slog.Warn("composite: PIP move failed", "error", err)
			return false
		}
		if err := g.SetPadProperty("compose", "sink_1", "ypos", y); err != nil {
			slog.Warn("composite: PIP move failed", "error", err)
			return false
		}
		c.geo.B.X, c.geo.B.Y = x, y
		slog.Debug("composite: PIP moved", "x", x, "y", y)
		return true
	}

	if c.mixer.Graph() == nil {
		c.geo.B = Rect{X: x, Y: y, W: w, H: h}
		c.mu.Unlock()
		return true
	}

	c.pendingMode = c.mode
	c.pending = c.geo
	c.pending.B = Rect{X: x, Y: y, W: w, H: h}
	c.adjusting = true
	c.retries = 0
	c.mu.Unlock()

	slog.Info("composite: PIP resize", "x", x, "y", y, "w", w, "h", h)

	c.mixer.Stop()
	return true
}

// NewRecord restarts the recorder on a fresh file.
func (c *Composite) NewRecord() bool {
	if c.recorder.Graph() == nil {
		return false
	}
	slog.Info("composite: starting new recording")
	c.recorder.Stop()
	return true
}

// BuildGraph implements worker.Hooks for the mixer.
func (c *Composite) BuildGraph() (engine.Spec, error) {
	return c.mixerSpec(c.Geometry()), nil
}

// OnPrepared implements worker.Hooks for the mixer.
func (c *Composite) OnPrepared(engine.Graph) error {
	return nil
}

// OnStopped implements worker.Hooks for the mixer. A pending transition or
// adjustment is applied and the mixer replays with it; the scaler is rebuilt
// alongside.
func (c *Composite) OnStopped() worker.Decision {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		c.notifyEnded()
		return worker.End
	}
	if !c.transition && !c.adjusting {
		c.mu.Unlock()
		slog.Error("composite: mixer stopped outside a rebuild")
		c.notifyEnded()
		return worker.End
	}

	modeChanged := c.mode != c.pendingMode
	c.mode, c.geo = c.pendingMode, c.pending
	mode := c.mode
	c.mu.Unlock()

	if modeChanged {
		c.cfg.Metrics.SetCompositeMode(int(mode))
	}

	c.scaler.Stop()
	return worker.Replay
}

// OnAlive implements worker.AliveHook for the mixer.
func (c *Composite) OnAlive() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.settle != nil {
		c.settle.Stop()
		c.settle = nil
	}
	switch {
	case c.transition:
		c.settle = time.AfterFunc(c.cfg.Settle, c.endTransition)
	case c.adjusting:
		c.settle = time.AfterFunc(c.cfg.Settle, c.endAdjusting)
	}
}

func (c *Composite) endTransition() {
	c.mu.Lock()
	if !c.transition {
		c.mu.Unlock()
		return
	}
	c.transition = false
	c.retries = 0
	c.settle = nil
	mode := c.mode
	c.mu.Unlock()

	slog.Info("composite: mode online", "mode", mode.String())

	c.obsMu.Lock()
	observers := append([]func(Mode){}, c.modeOnline...)
	c.obsMu.Unlock()
	for _, fn := range observers {
		fn(mode)
	}
}

func (c *Composite) endAdjusting() {
	c.mu.Lock()
	if !c.adjusting {
		c.mu.Unlock()
		return
	}
	c.adjusting = false
	c.retries = 0
	c.settle = nil
	b := c.geo.B
	c.mu.Unlock()

	slog.Info("composite: PIP adjusted", "x", b.X, "y", b.Y, "w", b.W, "h", b.H)
}

// OnError implements worker.ErrorHook for the mixer. Errors during a rebuild
// schedule a bounded retry; other errors stop the mixer.
func (c *Composite) OnError(err error, debug string) bool {
	c.mu.Lock()
	if c.closing || (!c.transition && !c.adjusting) {
		c.mu.Unlock()
		return false
	}
	if c.retryPending {
		c.mu.Unlock()
		return true
	}
	if c.settle != nil {
		c.settle.Stop()
		c.settle = nil
	}

	c.retries++
	attempt := c.retries
	if attempt > c.cfg.Retry.MaxRetries {
		c.transition = false
		c.adjusting = false
		c.retries = 0
		c.mu.Unlock()

		slog.Error("composite: rebuild retries exhausted",
			"max_retries", c.cfg.Retry.MaxRetries,
			"error", err,
		)
		return false
	}

	c.retryPending = true
	delay := calculateBackoff(attempt, c.cfg.Retry)
	c.mu.Unlock()

	c.cfg.Metrics.IncRetries()
	slog.Warn("composite: rebuild failed, retrying",
		"attempt", attempt,
		"max_retries", c.cfg.Retry.MaxRetries,
		"delay", delay,
		"error", err,
	)

	time.AfterFunc(delay, c.retry)
	return true
}

// retry re-applies the pending geometry by rebuilding the mixer.
func (c *Composite) retry() {
	c.mu.Lock()
	c.retryPending = false
	pending := c.transition || c.adjusting
	c.mu.Unlock()

	if !pending {
		return
	}
	c.mixer.Stop()
}

func (c *Composite) composeOnline() {
	port := c.cfg.SinkPort

	c.obsMu.Lock()
	observers := append([]func(int){}, c.composeReady...)
	c.obsMu.Unlock()
	for _, fn := range observers {
		fn(port)
	}
}

func (c *Composite) encodeOnline() {
	port := c.cfg.EncodePort

	c.obsMu.Lock()
	observers := append([]func(int){}, c.encodeReady...)
	c.obsMu.Unlock()
	for _, fn := range observers {
		fn(port)
	}
}

func (c *Composite) notifyEnded() {
	c.obsMu.Lock()
	observers := append([]func(){}, c.ended...)
	c.obsMu.Unlock()
	for _, fn := range observers {
		fn()
	}
}

func (c *Composite) isClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}
