package engine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	testCases := []struct {
		name  string
		msg   string
		debug string
		want  ErrorCategory
	}{
		{"bind", "Could not bind server socket", "", ErrCategoryNetwork},
		{"address_in_use", "Error binding to address", "address already in use", ErrCategoryNetwork},
		{"not_negotiated", "Internal data stream error.", "streaming stopped, reason not-negotiated", ErrCategoryCodec},
		{"gdp", "Could not parse GDP header", "", ErrCategoryCodec},
		{"missing_element", "no element \"intervideosrc\"", "", ErrCategoryResource},
		{"file", "Could not open file \"/rec/x.dat\" for writing.", "", ErrCategoryResource},
		{"unknown", "something odd", "", ErrCategoryUnknown},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(errors.New(tc.msg), tc.debug)
			assert.Equal(t, tc.want, got, "category for %q", tc.msg)
		})
	}

	assert.Equal(t, ErrCategoryUnknown, Classify(nil, "socket"))
}

func TestDescribe(t *testing.T) {
	spec := Describe("intervideosrc name=source channel=%s", "input_3001").
		Add("! gdppay").
		Add("").
		Add("! tcpserversink name=sink port=%d", 3001).
		Spec("branch_3001")

	assert.Equal(t, "branch_3001", spec.Name)
	assert.Equal(t,
		"intervideosrc name=source channel=input_3001 ! gdppay ! tcpserversink name=sink port=3001",
		spec.Description,
	)
	assert.False(t, spec.Empty())
	assert.True(t, Spec{Name: "x"}.Empty())
}

func drain(g *SimGraph) []Event {
	var out []Event
	for {
		select {
		case ev := <-g.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestSimulated_WalksStates(t *testing.T) {
	eng := NewSimulated()

	graph, err := eng.Launch(Spec{Name: "g", Description: "fakesrc name=source ! fakesink"})
	require.NoError(t, err)
	g := graph.(*SimGraph)

	require.NoError(t, g.SetState(StatePlaying))
	events := drain(g)
	require.Len(t, events, 3)
	assert.Equal(t, StateNull, events[0].Old)
	assert.Equal(t, StateReady, events[0].New)
	assert.Equal(t, StatePlaying, events[2].New)

	require.NoError(t, g.SetState(StateReady))
	events = drain(g)
	require.Len(t, events, 2)
	assert.Equal(t, StatePaused, events[0].New)
	assert.Equal(t, StateReady, events[1].New)

	require.NoError(t, g.Push("source", []byte("abc")))
	assert.Equal(t, []byte("abc"), g.Pushed("source"))
	assert.ErrorIs(t, g.Push("missing", nil), ErrNoElement)

	require.NoError(t, g.Close())
	require.NoError(t, g.Close())
	assert.ErrorIs(t, g.SetState(StatePlaying), ErrClosed)

	_, open := <-g.Events()
	assert.False(t, open, "events channel must be closed")
}

func TestSimulated_Reject(t *testing.T) {
	eng := NewSimulated()
	eng.Reject(func(s Spec) error {
		if s.Name == "bad" {
			return errors.New("syntax error")
		}
		return nil
	})

	_, err := eng.Launch(Spec{Name: "bad", Description: "nope"})
	assert.Error(t, err)

	_, err = eng.Launch(Spec{Name: "empty"})
	assert.ErrorIs(t, err, ErrEmptySpec)

	_, err = eng.Launch(Spec{Name: "good", Description: "fakesrc ! fakesink"})
	assert.NoError(t, err)
	assert.Equal(t, 1, eng.Launches())
	assert.Equal(t, 1, eng.LaunchesOf("good"))
	assert.NotNil(t, eng.Latest("good"))
	assert.Nil(t, eng.Latest("bad"))
}

func TestSimulated_ClientRemoved(t *testing.T) {
	eng := NewSimulated()
	graph, err := eng.Launch(Spec{Name: "branch", Description: "fakesrc ! tcpserversink name=sink port=3001"})
	require.NoError(t, err)
	g := graph.(*SimGraph)

	var got []int
	require.NoError(t, g.OnClientRemoved("sink", func(fd int) { got = append(got, fd) }))
	g.RemoveClient("sink", 17)
	assert.Equal(t, []int{17}, got)
}

func TestNew_UnknownEngine(t *testing.T) {
	_, err := New("quantum")
	assert.Error(t, err)

	eng, err := New(NameSimulated)
	require.NoError(t, err)
	assert.IsType(t, &Simulated{}, eng)
}

func TestGStreamer_Launch(t *testing.T) {
	eng, err := NewGStreamer()
	if err != nil {
		t.Skipf("Skipping test: GStreamer not available: %v", err)
	}

	g, err := eng.Launch(Spec{Name: "probe", Description: "fakesrc num-buffers=1 ! fakesink"})
	require.NoError(t, err)
	defer g.Close()

	require.NoError(t, g.SetState(StatePlaying))
	t.Log("✅ GStreamer pipeline launched")
}
