// Package worker supervises one engine graph through its lifecycle.
//
// A Worker builds its graph through subtype hooks, walks it from null to
// playing, and turns the graph's asynchronous events into a small set of
// callbacks. Every callback of one worker runs on that worker's dispatch
// goroutine, so hooks never race with each other.
//
//	Start ─► ready ─► paused ─► playing (alive)
//	  ▲                              │ Stop / error / end-of-stream
//	  └──── Replay ◄── OnStopped ◄───┘ End ─► ended observers
package worker

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/e7canasta/avswitch/internal/engine"
	"github.com/e7canasta/avswitch/internal/metrics"
)

// ErrGraphBuild is returned when a graph cannot be built or launched.
var ErrGraphBuild = errors.New("worker: graph build failed")

// DefaultTickInterval is the housekeeping tick period.
const DefaultTickInterval = time.Second

// State is the supervised state of a worker.
type State int

const (
	StateUnbuilt State = iota
	StateReady
	StatePaused
	StatePlaying
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUnbuilt:
		return "unbuilt"
	case StateReady:
		return "ready"
	case StatePaused:
		return "paused"
	case StatePlaying:
		return "playing"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Decision is what a worker does once its graph has stopped.
type Decision int

const (
	// End retires the worker and notifies the ended observers.
	End Decision = iota
	// Replay rebuilds the graph and starts it again.
	Replay
)

func (d Decision) String() string {
	if d == Replay {
		return "replay"
	}
	return "end"
}

// Hooks are supplied by the concrete worker (stream case, composite, ...).
type Hooks interface {
	// BuildGraph returns the graph description to launch.
	BuildGraph() (engine.Spec, error)

	// OnPrepared runs once the graph is launched, before it is started.
	OnPrepared(g engine.Graph) error

	// OnStopped runs on the dispatch goroutine after the graph was torn down.
	OnStopped() Decision
}

// AliveHook is implemented by hooks that react to the graph reaching playing.
type AliveHook interface {
	OnAlive()
}

// ErrorHook is implemented by hooks that may take over graph errors.
// Returning true claims the error and the worker does not stop.
type ErrorHook interface {
	OnError(err error, debug string) bool
}

// TickHook is implemented by hooks that need periodic housekeeping.
type TickHook interface {
	OnTick()
}

// Config configures a Worker.
type Config struct {
	Name         string
	Engine       engine.Engine
	Hooks        Hooks
	TickInterval time.Duration
	Metrics      *metrics.Metrics
}

// Worker supervises at most one graph at a time.
type Worker struct {
	name      string
	eng       engine.Engine
	hooks     Hooks
	tickEvery time.Duration
	metrics   *metrics.Metrics

	// lifecycle serializes Prepare, Start and Stop. It is never held while
	// hooks other than BuildGraph/OnPrepared run.
	lifecycle sync.Mutex

	mu                 sync.Mutex
	state              State
	pausedForBuffering bool
	graph              engine.Graph
	gen                uint64
	tickStop           chan struct{}
	dispatching        bool
	startedObservers   []func()
	endedObservers     []func()

	mbox *mailbox
}

// New creates a worker in the unbuilt state.
func New(cfg Config) *Worker {
	tick := cfg.TickInterval
	if tick <= 0 {
		tick = DefaultTickInterval
	}
	return &Worker{
		name:      cfg.Name,
		eng:       cfg.Engine,
		hooks:     cfg.Hooks,
		tickEvery: tick,
		metrics:   cfg.Metrics,
		mbox:      newMailbox(),
	}
}

// Name returns the worker name.
func (w *Worker) Name() string {
	return w.name
}

// State returns the last state reported by the graph.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// PausedForBuffering reports whether the graph is held paused while buffering.
func (w *Worker) PausedForBuffering() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pausedForBuffering
}

// Graph returns the current graph, or nil.
func (w *Worker) Graph() engine.Graph {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.graph
}

// OnStarted registers fn to run every time the graph reaches playing.
func (w *Worker) OnStarted(fn func()) {
	w.mu.Lock()
	w.startedObservers = append(w.startedObservers, fn)
	w.mu.Unlock()
}

// OnEnded registers fn to run when the worker ends.
func (w *Worker) OnEnded(fn func()) {
	w.mu.Lock()
	w.endedObservers = append(w.endedObservers, fn)
	w.mu.Unlock()
}

// Prepare builds and launches the graph if none exists.
func (w *Worker) Prepare() error {
	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()
	return w.prepareLocked()
}

func (w *Worker) prepareLocked() error {
	w.mu.Lock()
	exists := w.graph != nil
	w.mu.Unlock()
	if exists {
		return nil
	}

	spec, err := w.hooks.BuildGraph()
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrGraphBuild, w.name, err)
	}
	if spec.Empty() {
		return fmt.Errorf("%w: %s: %w", ErrGraphBuild, w.name, engine.ErrEmptySpec)
	}
	if spec.Name == "" {
		spec.Name = w.name
	}

	g, err := w.eng.Launch(spec)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrGraphBuild, w.name, err)
	}

	w.mu.Lock()
	w.gen++
	gen := w.gen
	w.graph = g
	w.state = StateUnbuilt
	w.pausedForBuffering = false
	w.ensureDispatchLocked()
	w.mu.Unlock()

	go w.pump(g, gen)

	if err := w.hooks.OnPrepared(g); err != nil {
		w.mu.Lock()
		if w.graph == g {
			w.graph = nil
			w.gen++
		}
		w.mu.Unlock()
		g.Close()
		return fmt.Errorf("%w: %s: prepare: %w", ErrGraphBuild, w.name, err)
	}

	slog.Debug("worker: graph prepared", "worker", w.name, "graph", spec.Name)
	return nil
}

// Start prepares the graph if needed, requests ready and arms the tick.
// Calling Start on a started worker does nothing.
func (w *Worker) Start() error {
	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()

	w.mu.Lock()
	running := w.graph != nil && w.tickStop != nil
	w.mu.Unlock()
	if running {
		return nil
	}

	if err := w.prepareLocked(); err != nil {
		return err
	}

	w.mu.Lock()
	g := w.graph
	gen := w.gen
	stop := make(chan struct{})
	w.tickStop = stop
	w.mu.Unlock()

	go w.tick(gen, stop)

	if err := g.SetState(engine.StateReady); err != nil {
		// Torn down without a stopped report: the caller gets the error.
		w.teardownLocked()
		return fmt.Errorf("worker: %s: start: %w", w.name, err)
	}

	slog.Info("worker: started", "worker", w.name)
	return nil
}

// Stop tears the graph down and disarms the tick. The stopped transition is
// delivered on the dispatch goroutine, where OnStopped decides what follows.
// Stopping a worker without a graph does nothing.
func (w *Worker) Stop() {
	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()

	gen, ok := w.teardownLocked()
	if !ok {
		return
	}
	w.mbox.post(message{kind: msgStopped, gen: gen})
}

// teardownLocked must be called with w.lifecycle held.
func (w *Worker) teardownLocked() (uint64, bool) {
	w.mu.Lock()
	g := w.graph
	if g == nil {
		w.mu.Unlock()
		return 0, false
	}
	w.graph = nil
	w.gen++
	gen := w.gen
	if w.tickStop != nil {
		close(w.tickStop)
		w.tickStop = nil
	}
	w.pausedForBuffering = false
	w.mu.Unlock()

	if err := g.SetState(engine.StateNull); err != nil && !errors.Is(err, engine.ErrClosed) {
		slog.Warn("worker: failed to set null state", "worker", w.name, "error", err)
	}
	if err := g.Close(); err != nil {
		slog.Warn("worker: failed to close graph", "worker", w.name, "error", err)
	}
	return gen, true
}

// ensureDispatchLocked must be called with w.mu held.
func (w *Worker) ensureDispatchLocked() {
	if w.dispatching {
		return
	}
	w.dispatching = true
	go w.dispatch()
}

func (w *Worker) pump(g engine.Graph, gen uint64) {
	for ev := range g.Events() {
		w.mbox.post(message{kind: msgEvent, gen: gen, ev: ev})
	}
}

func (w *Worker) tick(gen uint64, stop <-chan struct{}) {
	t := time.NewTicker(w.tickEvery)
	defer t.Stop()

	for {
		select {
		case <-stop:
			return
		case <-t.C:
			w.mbox.post(message{kind: msgTick, gen: gen})
		}
	}
}

func (w *Worker) dispatch() {
	for range w.mbox.ready() {
		for _, msg := range w.mbox.drain() {
			if w.handle(msg) {
				return
			}
		}
	}
}

// handle processes one message and reports whether the dispatch goroutine
// should exit.
func (w *Worker) handle(msg message) bool {
	w.mu.Lock()
	current := msg.gen == w.gen
	g := w.graph
	w.mu.Unlock()

	if !current {
		return false
	}

	switch msg.kind {
	case msgTick:
		if th, ok := w.hooks.(TickHook); ok {
			th.OnTick()
		}
	case msgStopped:
		return w.handleStopped()
	case msgEvent:
		if g != nil {
			w.handleEvent(g, msg.ev)
		}
	}
	return false
}

func (w *Worker) handleEvent(g engine.Graph, ev engine.Event) {
	switch ev.Kind {
	case engine.EventStateChanged:
		w.handleStateChanged(g, ev.Old, ev.New)

	case engine.EventBuffering:
		w.mu.Lock()
		w.pausedForBuffering = ev.Percent < 100
		w.mu.Unlock()

		if ev.Percent < 100 {
			slog.Debug("worker: buffering, pausing", "worker", w.name, "percent", ev.Percent)
			w.request(g, engine.StatePaused)
		} else {
			slog.Debug("worker: buffering complete, resuming", "worker", w.name)
			w.request(g, engine.StatePlaying)
		}

	case engine.EventError:
		category := engine.Classify(ev.Err, ev.Debug)
		w.metrics.IncWorkerErrors(category.String())
		slog.Error("worker: graph error",
			"worker", w.name,
			"source", ev.Source,
			"category", category.String(),
			"error", ev.Err,
			"debug", ev.Debug,
		)
		if eh, ok := w.hooks.(ErrorHook); ok && eh.OnError(ev.Err, ev.Debug) {
			return
		}
		w.Stop()

	case engine.EventWarning:
		slog.Warn("worker: graph warning", "worker", w.name, "source", ev.Source, "warning", ev.Err)

	case engine.EventInfo:
		slog.Info("worker: graph info", "worker", w.name, "source", ev.Source, "info", ev.Err)

	case engine.EventEOS:
		slog.Info("worker: end of stream", "worker", w.name)
		w.Stop()
	}
}

func (w *Worker) handleStateChanged(g engine.Graph, from, to engine.State) {
	// Transitions into null only happen during teardown, which Stop reports
	// by itself.
	if to == engine.StateNull {
		return
	}

	w.mu.Lock()
	w.state = fromEngineState(to)
	buffering := w.pausedForBuffering
	w.mu.Unlock()

	slog.Debug("worker: state changed", "worker", w.name, "from", from.String(), "to", to.String())

	switch {
	case from == engine.StateNull && to == engine.StateReady:
		w.request(g, engine.StatePaused)
	case from == engine.StateReady && to == engine.StatePaused:
		if !buffering {
			w.request(g, engine.StatePlaying)
		}
	case from == engine.StatePaused && to == engine.StatePlaying:
		w.alive()
	}
}

func (w *Worker) request(g engine.Graph, s engine.State) {
	if err := g.SetState(s); err != nil {
		if errors.Is(err, engine.ErrClosed) {
			return
		}
		slog.Error("worker: state request failed",
			"worker", w.name,
			"state", s.String(),
			"error", err,
		)
		w.Stop()
	}
}

func (w *Worker) alive() {
	slog.Info("worker: playing", "worker", w.name)

	if ah, ok := w.hooks.(AliveHook); ok {
		ah.OnAlive()
	}

	w.mu.Lock()
	observers := append([]func(){}, w.startedObservers...)
	w.mu.Unlock()
	for _, fn := range observers {
		fn()
	}
}

func (w *Worker) handleStopped() bool {
	w.mu.Lock()
	w.state = StateStopped
	w.mu.Unlock()

	decision := w.hooks.OnStopped()
	slog.Info("worker: stopped", "worker", w.name, "decision", decision.String())

	if decision == Replay {
		if err := w.Start(); err != nil {
			slog.Error("worker: replay failed", "worker", w.name, "error", err)
			return w.finish()
		}
		return false
	}
	return w.finish()
}

// finish notifies the ended observers. The dispatch goroutine exits unless a
// new graph was prepared meanwhile.
func (w *Worker) finish() bool {
	w.mu.Lock()
	observers := append([]func(){}, w.endedObservers...)
	w.mu.Unlock()
	for _, fn := range observers {
		fn()
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.graph != nil {
		return false
	}
	w.dispatching = false
	return true
}

func fromEngineState(s engine.State) State {
	switch s {
	case engine.StateReady:
		return StateReady
	case engine.StatePaused:
		return StatePaused
	case engine.StatePlaying:
		return StatePlaying
	default:
		return StateUnbuilt
	}
}
