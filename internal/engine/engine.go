// Package engine is the contract between avswitch and the stream-processing
// graph engine.
//
// A graph is described declaratively (a launch description), compiled by an
// Engine and then driven through its states. The graph reports lifecycle and
// error events back on a channel. Two engines are provided: GStreamer (the
// production engine) and Simulated (dry runs and tests).
package engine

import (
	"errors"
	"fmt"
)

// State is the state of a running graph.
type State int

const (
	StateNull State = iota
	StateReady
	StatePaused
	StatePlaying
)

// String returns the lowercase state name
func (s State) String() string {
	switch s {
	case StateNull:
		return "null"
	case StateReady:
		return "ready"
	case StatePaused:
		return "paused"
	case StatePlaying:
		return "playing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// EventKind identifies what a graph is reporting.
type EventKind int

const (
	EventStateChanged EventKind = iota
	EventError
	EventWarning
	EventInfo
	EventEOS
	EventBuffering
)

// String returns a human-readable event kind
func (k EventKind) String() string {
	switch k {
	case EventStateChanged:
		return "state-changed"
	case EventError:
		return "error"
	case EventWarning:
		return "warning"
	case EventInfo:
		return "info"
	case EventEOS:
		return "eos"
	case EventBuffering:
		return "buffering"
	default:
		return "unknown"
	}
}

// Event is a single report from a graph.
type Event struct {
	Kind EventKind

	// EventStateChanged
	Old State
	New State

	// EventBuffering
	Percent int

	// EventError, EventWarning, EventInfo
	Err   error
	Debug string

	Source string
}

// Spec is a declarative graph description.
type Spec struct {
	Name        string
	Description string
}

// Empty reports whether the spec carries no description.
func (s Spec) Empty() bool {
	return s.Description == ""
}

// Graph is one running instance of a Spec.
type Graph interface {
	// SetState requests a state transition. Completion is reported on Events.
	SetState(State) error

	// Events delivers graph events in order. Closed by Close.
	Events() <-chan Event

	// SetPadProperty sets a property on a named pad of a named element.
	SetPadProperty(element, pad, name string, value interface{}) error

	// Push feeds bytes into a named source element.
	Push(element string, data []byte) error

	// EndStream signals end-of-stream on a named source element.
	EndStream(element string) error

	// OnClientRemoved registers fn to be called with the socket descriptor of
	// every client that leaves the named network sink.
	OnClientRemoved(element string, fn func(fd int)) error

	// Close releases the graph. Safe to call more than once.
	Close() error
}

// Engine compiles specs into graphs.
type Engine interface {
	Launch(spec Spec) (Graph, error)
}

var (
	// ErrEmptySpec is returned when a spec has no description.
	ErrEmptySpec = errors.New("engine: empty graph description")

	// ErrNoElement is returned when a named element does not exist in a graph.
	ErrNoElement = errors.New("engine: no such element")

	// ErrClosed is returned by operations on a closed graph.
	ErrClosed = errors.New("engine: graph closed")
)

// Name identifies an engine implementation in configuration.
type Name string

const (
	NameGStreamer Name = "gstreamer"
	NameSimulated Name = "simulated"
)

// New returns the engine selected by name.
func New(name Name) (Engine, error) {
	switch name {
	case NameGStreamer, "":
		return NewGStreamer()
	case NameSimulated:
		return NewSimulated(), nil
	default:
		return nil, fmt.Errorf("engine: unknown engine %q", name)
	}
}
