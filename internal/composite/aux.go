package composite

import (
	"log/slog"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/e7canasta/avswitch/internal/engine"
	"github.com/e7canasta/avswitch/internal/worker"
)

// Internal bus channels owned by the composite.
const (
	ChannelScaledA        = "scaled_a"
	ChannelScaledB        = "scaled_b"
	ChannelCompositeVideo = "composite_video"

	channelCompositeA     = "composite_a"
	channelCompositeB     = "composite_b"
	channelCompositeAudio = "composite_audio"
)

// recordTimeLayout stamps recording file names, e.g. "2024-03-01 142530".
const recordTimeLayout = "2006-01-02 150405"

// aux supervises one companion worker of the composite. It replays after
// every stop until the composite closes or the restart budget runs out.
type aux struct {
	c       *Composite
	name    string
	build   func() engine.Spec
	sink    string
	onAlive func()

	mu       sync.Mutex
	restarts int
}

func newAux(c *Composite, name string, build func() engine.Spec, sink string, onAlive func()) *aux {
	return &aux{c: c, name: name, build: build, sink: sink, onAlive: onAlive}
}

func (a *aux) BuildGraph() (engine.Spec, error) {
	return a.build(), nil
}

func (a *aux) OnPrepared(g engine.Graph) error {
	if a.sink == "" {
		return nil
	}
	return g.OnClientRemoved(a.sink, a.closeClient)
}

func (a *aux) OnStopped() worker.Decision {
	if a.c.isClosing() {
		return worker.End
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.restarts++
	if a.restarts > a.c.cfg.Retry.MaxRetries {
		slog.Error("composite: companion restarts exhausted", "worker", a.name, "restarts", a.restarts-1)
		return worker.End
	}
	return worker.Replay
}

func (a *aux) OnAlive() {
	a.mu.Lock()
	a.restarts = 0
	a.mu.Unlock()

	if a.onAlive != nil {
		a.onAlive()
	}
}

func (a *aux) closeClient(fd int) {
	if err := unix.Close(fd); err != nil {
		slog.Warn("composite: failed to close removed client", "worker", a.name, "fd", fd, "error", err)
	}
}

// mixerSpec places scaled_a and, when present, scaled_b on the output frame.
func (c *Composite) mixerSpec(geo Geometry) engine.Spec {
	d := engine.Describe("compositor name=compose background=black").
		Add("sink_0::xpos=%d sink_0::ypos=%d sink_0::zorder=0", geo.A.X, geo.A.Y)
	if !geo.B.Empty() {
		d.Add("sink_1::xpos=%d sink_1::ypos=%d sink_1::zorder=1", geo.B.X, geo.B.Y)
	}
	d.Add("! video/x-raw,width=%d,height=%d", geo.Width, geo.Height).
		Add("! intervideosink name=sink channel=%s", ChannelCompositeVideo).
		Add("intervideosrc name=source_a channel=%s", ChannelScaledA).
		Add("! video/x-raw,width=%d,height=%d", geo.A.W, geo.A.H).
		Add("! compose.sink_0")
	if !geo.B.Empty() {
		d.Add("intervideosrc name=source_b channel=%s", ChannelScaledB).
			Add("! video/x-raw,width=%d,height=%d", geo.B.W, geo.B.H).
			Add("! compose.sink_1")
	}
	return d.Spec("composite")
}

// scalerSpec resizes both channels to the current geometry.
func (c *Composite) scalerSpec() engine.Spec {
	geo := c.Geometry()

	d := engine.Describe("intervideosrc name=source_a channel=%s", channelCompositeA).
		Add("! videoscale ! video/x-raw,width=%d,height=%d", geo.A.W, geo.A.H).
		Add("! intervideosink name=sink_a channel=%s", ChannelScaledA)
	if !geo.B.Empty() {
		d.Add("intervideosrc name=source_b channel=%s", channelCompositeB).
			Add("! videoscale ! video/x-raw,width=%d,height=%d", geo.B.W, geo.B.H).
			Add("! intervideosink name=sink_b channel=%s", ChannelScaledB)
	}
	return d.Spec("scaler")
}

// outputSpec serves the composite video on the compose port.
func (c *Composite) outputSpec() engine.Spec {
	return engine.Describe("intervideosrc name=source channel=%s", ChannelCompositeVideo).
		Add("! videoconvert ! gdppay").
		Add("! tcpserversink name=sink sync=false host=%s port=%d", c.cfg.Host, c.cfg.SinkPort).
		Spec("output")
}

// recorderSpec encodes the composite with its audio and serves the encoded
// stream on the encode port, writing it to a new file when recording is on.
func (c *Composite) recorderSpec() engine.Spec {
	d := engine.Describe("webmmux name=mux streamable=true ! tee name=out").
		Add("intervideosrc name=source channel=%s", ChannelCompositeVideo).
		Add("! videoconvert ! vp8enc deadline=1 ! queue ! mux.").
		Add("interaudiosrc name=audio channel=%s", channelCompositeAudio).
		Add("! audioconvert ! vorbisenc ! queue ! mux.").
		Add("out. ! queue ! tcpserversink name=sink sync=false host=%s port=%d", c.cfg.Host, c.cfg.EncodePort)
	if c.cfg.Record.Enabled {
		d.Add("out. ! queue ! filesink name=file location=%q", c.recordPath())
	}
	return d.Spec("recorder")
}

func (c *Composite) recordPath() string {
	prefix := c.cfg.Record.Prefix
	if prefix == "" {
		prefix = "avswitch"
	}
	name := prefix + " " + c.cfg.now().Format(recordTimeLayout) + ".webm"
	return filepath.Join(c.cfg.Record.Dir, name)
}
