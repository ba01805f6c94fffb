package cases

import (
	"fmt"

	"github.com/e7canasta/avswitch/internal/engine"
)

// Internal bus channel names.
const (
	ChannelCompositeA     = "composite_a"
	ChannelCompositeB     = "composite_b"
	ChannelCompositeAudio = "composite_audio"
)

// InputChannel is the channel an input case writes a client's stream to.
func InputChannel(port int) string {
	return fmt.Sprintf("input_%d", port)
}

// BranchChannel is the channel a work case writes for its branch.
func BranchChannel(port int) string {
	return fmt.Sprintf("branch_%d", port)
}

// Element names the cases address at runtime.
const (
	elementSource = "source"
	elementSink   = "sink"
)

func interSrc(k ServeKind) string {
	if k == ServeAudio {
		return "interaudiosrc"
	}
	return "intervideosrc"
}

func interSink(k ServeKind) string {
	if k == ServeAudio {
		return "interaudiosink"
	}
	return "intervideosink"
}

func convert(k ServeKind) string {
	if k == ServeAudio {
		return "audioconvert"
	}
	return "videoconvert"
}

func (c *Case) graphSpec() (engine.Spec, error) {
	var d *engine.Description

	switch c.typ {
	case InputVideo, InputAudio:
		d = engine.Describe("appsrc name=%s is-live=true format=time do-timestamp=true", elementSource).
			Add("! gdpdepay").
			Add("! %s", convert(c.serve)).
			Add("! %s name=%s channel=%s", interSink(c.serve), elementSink, InputChannel(c.port))

	case CompositeChannelA, CompositeChannelB:
		channel, w, h := ChannelCompositeA, c.aWidth, c.aHeight
		if c.typ == CompositeChannelB {
			channel, w, h = ChannelCompositeB, c.bWidth, c.bHeight
		}
		d = engine.Describe("intervideosrc name=%s channel=%s", elementSource, InputChannel(c.port)).
			Add("! tee name=split").
			Add("split. ! queue ! intervideosink name=branch channel=%s", BranchChannel(c.port)).
			Add("split. ! queue ! videoscale ! video/x-raw,width=%d,height=%d", w, h).
			Add("! intervideosink name=composite channel=%s", channel)

	case CompositeAudio:
		d = engine.Describe("interaudiosrc name=%s channel=%s", elementSource, InputChannel(c.port)).
			Add("! tee name=split").
			Add("split. ! queue ! interaudiosink name=branch channel=%s", BranchChannel(c.port)).
			Add("split. ! queue ! interaudiosink name=composite channel=%s", ChannelCompositeAudio)

	case Preview:
		d = engine.Describe("%s name=%s channel=%s", interSrc(c.serve), elementSource, InputChannel(c.port)).
			Add("! %s name=branch channel=%s", interSink(c.serve), BranchChannel(c.port))

	case BranchChannelA, BranchChannelB, BranchAudio, BranchPreview:
		d = engine.Describe("%s name=%s channel=%s", interSrc(c.serve), elementSource, BranchChannel(c.port)).
			Add("! %s", convert(c.serve)).
			Add("! gdppay").
			Add("! tcpserversink name=%s sync=false host=%s port=%d", elementSink, c.host, c.port)

	default:
		return engine.Spec{}, fmt.Errorf("%w: %s", ErrUnsupportedCaseType, c.typ)
	}

	return d.Spec(c.name), nil
}
