package engine

import (
	"bytes"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Simulated is an in-process engine that never touches media.
//
// Graphs walk their state transitions one step at a time, exactly as a real
// pipeline reports them, and callers can inject errors, end-of-stream and
// buffering. It backs the "simulated" engine setting and the package tests.
type Simulated struct {
	mu     sync.Mutex
	graphs []*SimGraph
	reject func(Spec) error
}

// NewSimulated returns an empty simulated engine.
func NewSimulated() *Simulated {
	return &Simulated{}
}

// Reject installs a predicate that can refuse descriptions at launch time.
func (e *Simulated) Reject(fn func(Spec) error) {
	e.mu.Lock()
	e.reject = fn
	e.mu.Unlock()
}

// Launch records the spec and returns a graph in the null state.
func (e *Simulated) Launch(spec Spec) (Graph, error) {
	if spec.Empty() {
		return nil, ErrEmptySpec
	}

	e.mu.Lock()
	reject := e.reject
	e.mu.Unlock()

	if reject != nil {
		if err := reject(spec); err != nil {
			return nil, fmt.Errorf("engine: failed to parse %q: %w", spec.Name, err)
		}
	}

	g := &SimGraph{
		spec:    spec,
		events:  make(chan Event, 256),
		pushed:  make(map[string]*bytes.Buffer),
		ended:   make(map[string]bool),
		removed: make(map[string][]func(int)),
	}

	e.mu.Lock()
	e.graphs = append(e.graphs, g)
	e.mu.Unlock()

	return g, nil
}

// Launches returns how many graphs were launched so far.
func (e *Simulated) Launches() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.graphs)
}

// LaunchesOf counts launched graphs with the given name.
func (e *Simulated) LaunchesOf(name string) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0
	for _, g := range e.graphs {
		if g.spec.Name == name {
			n++
		}
	}
	return n
}

// Latest returns the most recent graph launched with the given name.
func (e *Simulated) Latest(name string) *SimGraph {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i := len(e.graphs) - 1; i >= 0; i-- {
		if e.graphs[i].spec.Name == name {
			return e.graphs[i]
		}
	}
	return nil
}

// Graphs returns every graph launched so far, oldest first.
func (e *Simulated) Graphs() []*SimGraph {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*SimGraph, len(e.graphs))
	copy(out, e.graphs)
	return out
}

// PadProperty is one recorded SetPadProperty call.
type PadProperty struct {
	Element string
	Pad     string
	Name    string
	Value   interface{}
}

// SimGraph is a graph of the Simulated engine.
type SimGraph struct {
	spec Spec

	mu       sync.Mutex
	state    State
	closed   bool
	events   chan Event
	props    []PadProperty
	pushed   map[string]*bytes.Buffer
	ended    map[string]bool
	removed  map[string][]func(int)
	failNext error
}

// Spec returns the spec the graph was launched from.
func (g *SimGraph) Spec() Spec {
	return g.spec
}

// State returns the current state.
func (g *SimGraph) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Closed reports whether Close was called.
func (g *SimGraph) Closed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

// emit must be called with g.mu held.
func (g *SimGraph) emit(ev Event) {
	if g.closed {
		return
	}
	ev.Source = g.spec.Name
	select {
	case g.events <- ev:
	default:
		slog.Warn("engine: simulated event queue full, dropping event",
			"graph", g.spec.Name,
			"event", ev.Kind.String(),
		)
	}
}

// FailNextStateChange makes the next SetState call return err.
func (g *SimGraph) FailNextStateChange(err error) {
	g.mu.Lock()
	g.failNext = err
	g.mu.Unlock()
}

// SetState walks from the current state to s one step at a time.
func (g *SimGraph) SetState(s State) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return ErrClosed
	}
	if err := g.failNext; err != nil {
		g.failNext = nil
		return err
	}

	for g.state != s {
		old := g.state
		if s > g.state {
			g.state++
		} else {
			g.state--
		}
		g.emit(Event{Kind: EventStateChanged, Old: old, New: g.state})
	}
	return nil
}

func (g *SimGraph) Events() <-chan Event {
	return g.events
}

func (g *SimGraph) hasElement(element string) bool {
	return strings.Contains(g.spec.Description, "name="+element)
}

func (g *SimGraph) SetPadProperty(element, pad, name string, value interface{}) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return ErrClosed
	}
	if !g.hasElement(element) {
		return fmt.Errorf("%w: %s.%s", ErrNoElement, g.spec.Name, element)
	}
	g.props = append(g.props, PadProperty{Element: element, Pad: pad, Name: name, Value: value})
	return nil
}

// PadProperties returns the recorded SetPadProperty calls.
func (g *SimGraph) PadProperties() []PadProperty {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]PadProperty, len(g.props))
	copy(out, g.props)
	return out
}

func (g *SimGraph) Push(element string, data []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return ErrClosed
	}
	if !g.hasElement(element) {
		return fmt.Errorf("%w: %s.%s", ErrNoElement, g.spec.Name, element)
	}
	buf, ok := g.pushed[element]
	if !ok {
		buf = &bytes.Buffer{}
		g.pushed[element] = buf
	}
	buf.Write(data)
	return nil
}

// Pushed returns a copy of the bytes pushed into element.
func (g *SimGraph) Pushed(element string) []byte {
	g.mu.Lock()
	defer g.mu.Unlock()

	if buf, ok := g.pushed[element]; ok {
		return append([]byte(nil), buf.Bytes()...)
	}
	return nil
}

// EndStream marks the element as ended and reports end-of-stream, as a
// pipeline does once the EOS reaches its sinks.
func (g *SimGraph) EndStream(element string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return ErrClosed
	}
	if !g.hasElement(element) {
		return fmt.Errorf("%w: %s.%s", ErrNoElement, g.spec.Name, element)
	}
	g.ended[element] = true
	g.emit(Event{Kind: EventEOS})
	return nil
}

// Ended reports whether EndStream was called on element.
func (g *SimGraph) Ended(element string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ended[element]
}

func (g *SimGraph) OnClientRemoved(element string, fn func(fd int)) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return ErrClosed
	}
	if !g.hasElement(element) {
		return fmt.Errorf("%w: %s.%s", ErrNoElement, g.spec.Name, element)
	}
	g.removed[element] = append(g.removed[element], fn)
	return nil
}

// RemoveClient simulates a downstream client leaving a network sink.
func (g *SimGraph) RemoveClient(element string, fd int) {
	g.mu.Lock()
	handlers := append([]func(int){}, g.removed[element]...)
	g.mu.Unlock()

	for _, fn := range handlers {
		fn(fd)
	}
}

// InjectError reports a runtime error.
func (g *SimGraph) InjectError(msg, debug string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.emit(Event{Kind: EventError, Err: fmt.Errorf("%s", msg), Debug: debug})
}

// InjectWarning reports a warning.
func (g *SimGraph) InjectWarning(msg string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.emit(Event{Kind: EventWarning, Err: fmt.Errorf("%s", msg)})
}

// InjectEOS reports end-of-stream.
func (g *SimGraph) InjectEOS() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.emit(Event{Kind: EventEOS})
}

// InjectBuffering reports a buffering level.
func (g *SimGraph) InjectBuffering(percent int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.emit(Event{Kind: EventBuffering, Percent: percent})
}

// Close moves the graph to null without reporting and closes Events.
func (g *SimGraph) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return nil
	}
	g.state = StateNull
	g.closed = true
	close(g.events)
	return nil
}
