package engine

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tinyzimmer/go-glib/glib"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

var gstInit sync.Once

// GStreamer runs graph descriptions with gst_parse_launch.
type GStreamer struct{}

// NewGStreamer initializes GStreamer and verifies that it can build elements.
//
// Fails fast when GStreamer is not installed, so the server refuses to start
// instead of failing on the first connection.
func NewGStreamer() (*GStreamer, error) {
	gstInit.Do(func() { gst.Init(nil) })

	elem, err := gst.NewElement("fakesrc")
	if err != nil {
		return nil, fmt.Errorf("engine: GStreamer not available or not properly installed: %w", err)
	}
	elem.SetState(gst.StateNull)

	return &GStreamer{}, nil
}

// Launch parses the description into a pipeline in the NULL state and starts
// pumping its bus.
func (e *GStreamer) Launch(spec Spec) (Graph, error) {
	if spec.Empty() {
		return nil, ErrEmptySpec
	}

	pipeline, err := gst.NewPipelineFromString(spec.Description)
	if err != nil {
		return nil, fmt.Errorf("engine: failed to parse %q: %w", spec.Name, err)
	}

	g := &gstGraph{
		name:     spec.Name,
		pipeline: pipeline,
		events:   make(chan Event, 64),
		done:     make(chan struct{}),
		sources:  make(map[string]*app.Source),
	}

	g.wg.Add(1)
	go g.pumpBus()

	slog.Debug("engine: pipeline launched", "graph", spec.Name, "description", spec.Description)

	return g, nil
}

type gstGraph struct {
	name     string
	pipeline *gst.Pipeline

	events chan Event
	done   chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	sources map[string]*app.Source
	closed  bool
}

func toGstState(s State) gst.State {
	switch s {
	case StateReady:
		return gst.StateReady
	case StatePaused:
		return gst.StatePaused
	case StatePlaying:
		return gst.StatePlaying
	default:
		return gst.StateNull
	}
}

func fromGstState(s gst.State) State {
	switch s {
	case gst.StateReady:
		return StateReady
	case gst.StatePaused:
		return StatePaused
	case gst.StatePlaying:
		return StatePlaying
	default:
		return StateNull
	}
}

func (g *gstGraph) SetState(s State) error {
	g.mu.Lock()
	closed := g.closed
	g.mu.Unlock()
	if closed {
		return ErrClosed
	}

	if err := g.pipeline.SetState(toGstState(s)); err != nil {
		return fmt.Errorf("engine: %s: set state %s: %w", g.name, s, err)
	}
	return nil
}

func (g *gstGraph) Events() <-chan Event {
	return g.events
}

func (g *gstGraph) element(name string) (*gst.Element, error) {
	elem, err := g.pipeline.GetElementByName(name)
	if err != nil || elem == nil {
		return nil, fmt.Errorf("%w: %s.%s", ErrNoElement, g.name, name)
	}
	return elem, nil
}

func (g *gstGraph) SetPadProperty(element, pad, name string, value interface{}) error {
	elem, err := g.element(element)
	if err != nil {
		return err
	}

	p := elem.GetStaticPad(pad)
	if p == nil {
		return fmt.Errorf("%w: %s.%s.%s", ErrNoElement, g.name, element, pad)
	}

	if err := p.SetProperty(name, value); err != nil {
		return fmt.Errorf("engine: set %s.%s::%s: %w", element, pad, name, err)
	}
	return nil
}

func (g *gstGraph) appSource(element string) (*app.Source, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return nil, ErrClosed
	}
	if src, ok := g.sources[element]; ok {
		return src, nil
	}

	elem, err := g.element(element)
	if err != nil {
		return nil, err
	}
	src := app.SrcFromElement(elem)
	g.sources[element] = src
	return src, nil
}

func (g *gstGraph) Push(element string, data []byte) error {
	src, err := g.appSource(element)
	if err != nil {
		return err
	}

	if ret := src.PushBuffer(gst.NewBufferFromBytes(data)); ret != gst.FlowOK {
		return fmt.Errorf("engine: %s.%s push: %s", g.name, element, ret.String())
	}
	return nil
}

func (g *gstGraph) EndStream(element string) error {
	src, err := g.appSource(element)
	if err != nil {
		return err
	}

	if ret := src.EndStream(); ret != gst.FlowOK {
		return fmt.Errorf("engine: %s.%s end-of-stream: %s", g.name, element, ret.String())
	}
	return nil
}

// OnClientRemoved hooks the multisocketsink "client-socket-removed" signal.
// The sink hands over ownership of the socket at this point; the descriptor
// is read from the GSocket "fd" property.
func (g *gstGraph) OnClientRemoved(element string, fn func(fd int)) error {
	elem, err := g.element(element)
	if err != nil {
		return err
	}

	_, err = elem.Connect("client-socket-removed", func(self *gst.Element, socket *glib.Object) {
		if socket == nil {
			return
		}
		v, err := socket.GetProperty("fd")
		if err != nil {
			slog.Warn("engine: removed client has no descriptor",
				"graph", g.name,
				"element", element,
				"error", err,
			)
			return
		}
		if fd, ok := v.(int); ok && fd >= 0 {
			fn(fd)
		}
	})
	if err != nil {
		return fmt.Errorf("engine: connect %s.%s client-socket-removed: %w", g.name, element, err)
	}
	return nil
}

// Close tears down the pipeline and stops the bus pump.
func (g *gstGraph) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	g.sources = nil
	g.mu.Unlock()

	err := g.pipeline.SetState(gst.StateNull)

	close(g.done)
	g.wg.Wait()
	close(g.events)

	if err != nil {
		return fmt.Errorf("engine: %s: set state null: %w", g.name, err)
	}
	return nil
}

// pumpBus translates bus messages into events until Close.
//
// Polls with a short timeout so that Close is observed promptly.
func (g *gstGraph) pumpBus() {
	defer g.wg.Done()

	bus := g.pipeline.GetPipelineBus()
	pipelineName := g.pipeline.GetName()

	for {
		select {
		case <-g.done:
			return
		default:
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		var ev Event
		ev.Source = msg.Source()

		switch msg.Type() {
		case gst.MessageStateChanged:
			// Child elements report their own transitions; only the
			// pipeline's matter to the supervisor.
			if msg.Source() != pipelineName {
				continue
			}
			old, new := msg.ParseStateChanged()
			ev.Kind = EventStateChanged
			ev.Old = fromGstState(old)
			ev.New = fromGstState(new)

		case gst.MessageError:
			gerr := msg.ParseError()
			ev.Kind = EventError
			ev.Err = fmt.Errorf("%s", gerr.Error())
			ev.Debug = gerr.DebugString()

		case gst.MessageWarning:
			gerr := msg.ParseWarning()
			ev.Kind = EventWarning
			ev.Err = fmt.Errorf("%s", gerr.Error())
			ev.Debug = gerr.DebugString()

		case gst.MessageInfo:
			gerr := msg.ParseInfo()
			ev.Kind = EventInfo
			ev.Err = fmt.Errorf("%s", gerr.Error())
			ev.Debug = gerr.DebugString()

		case gst.MessageEOS:
			ev.Kind = EventEOS

		case gst.MessageBuffering:
			ev.Kind = EventBuffering
			ev.Percent = msg.ParseBuffering()

		default:
			continue
		}

		select {
		case g.events <- ev:
		case <-g.done:
			return
		}
	}
}
