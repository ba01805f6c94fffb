package cases

import (
	"context"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/e7canasta/avswitch/internal/engine"
	"github.com/e7canasta/avswitch/internal/worker"
)

const (
	waitFor = 2 * time.Second
	poll    = 5 * time.Millisecond
)

// chunkStream emits its chunks once, then finishes with io.EOF.
type chunkStream struct {
	chunks  [][]byte
	retires atomic.Int32
}

func (s *chunkStream) Name() string { return "src_0" }

func (s *chunkStream) Run(ctx context.Context, emit func([]byte) error) error {
	for _, c := range s.chunks {
		if err := emit(c); err != nil {
			return err
		}
	}
	return io.EOF
}

func (s *chunkStream) Retire() { s.retires.Add(1) }

// blockingStream runs until cancelled.
type blockingStream struct{}

func (blockingStream) Name() string { return "src_1" }

func (blockingStream) Run(ctx context.Context, emit func([]byte) error) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestNew_Validation(t *testing.T) {
	eng := engine.NewSimulated()

	testCases := []struct {
		name    string
		cfg     Config
		wantErr error
	}{
		{"unknown_type", Config{Type: TypeUnknown, Serve: ServeVideo}, ErrUnsupportedCaseType},
		{"audio_input_as_video", Config{Type: InputAudio, Serve: ServeVideo, Stream: blockingStream{}}, ErrUnsupportedCaseType},
		{"composite_a_audio", Config{Type: CompositeChannelA, Serve: ServeAudio}, ErrUnsupportedCaseType},
		{"branch_audio_video", Config{Type: BranchAudio, Serve: ServeVideo}, ErrUnsupportedCaseType},
		{"input_without_stream", Config{Type: InputVideo, Serve: ServeVideo}, ErrNoStream},
		{"preview_audio", Config{Type: Preview, Serve: ServeAudio}, nil},
		{"branch_preview_video", Config{Type: BranchPreview, Serve: ServeVideo}, nil},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			tc.cfg.Name = tc.name
			tc.cfg.Engine = eng
			c, err := New(tc.cfg)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				assert.Nil(t, c)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, c.ID())
		})
	}
}

func TestGraphSpec(t *testing.T) {
	testCases := []struct {
		name     string
		cfg      Config
		contains []string
	}{
		{
			name: "input_video",
			cfg:  Config{Type: InputVideo, Serve: ServeVideo, Port: 3001, Stream: blockingStream{}},
			contains: []string{
				"appsrc name=source",
				"gdpdepay",
				"intervideosink name=sink channel=input_3001",
			},
		},
		{
			name: "composite_b",
			cfg:  Config{Type: CompositeChannelB, Serve: ServeVideo, Port: 3002, BWidth: 320, BHeight: 240},
			contains: []string{
				"intervideosrc name=source channel=input_3002",
				"intervideosink name=branch channel=branch_3002",
				"video/x-raw,width=320,height=240",
				"channel=composite_b",
			},
		},
		{
			name: "composite_audio",
			cfg:  Config{Type: CompositeAudio, Serve: ServeAudio, Port: 3003},
			contains: []string{
				"interaudiosrc name=source channel=input_3003",
				"channel=composite_audio",
			},
		},
		{
			name: "branch_audio",
			cfg:  Config{Type: BranchAudio, Serve: ServeAudio, Port: 3004, Host: "0.0.0.0"},
			contains: []string{
				"interaudiosrc name=source channel=branch_3004",
				"gdppay",
				"tcpserversink name=sink sync=false host=0.0.0.0 port=3004",
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			tc.cfg.Name = tc.name
			tc.cfg.Engine = engine.NewSimulated()
			c, err := New(tc.cfg)
			require.NoError(t, err)

			spec, err := c.BuildGraph()
			require.NoError(t, err)
			assert.Equal(t, tc.name, spec.Name)
			for _, s := range tc.contains {
				assert.Contains(t, spec.Description, s)
			}
		})
	}
}

func TestInputCase_PumpsStreamUntilEOF(t *testing.T) {
	eng := engine.NewSimulated()
	stream := &chunkStream{chunks: [][]byte{[]byte("GDP"), []byte("frame")}}

	c, err := New(Config{
		Name:   "input_3001",
		Type:   InputVideo,
		Serve:  ServeVideo,
		Port:   3001,
		Stream: stream,
		Engine: eng,
	})
	require.NoError(t, err)

	ended := make(chan *Case, 1)
	c.OnEnded(func(c *Case) { ended <- c })

	require.NoError(t, c.Start())

	select {
	case got := <-ended:
		assert.Same(t, c, got)
	case <-time.After(waitFor):
		t.Fatal("input case did not end after its stream finished")
	}

	g := eng.Latest("input_3001")
	require.NotNil(t, g)
	assert.Equal(t, []byte("GDPframe"), g.Pushed("source"))
	assert.True(t, g.Ended("source"))
	assert.Equal(t, worker.StateStopped, c.State())
	assert.Equal(t, int32(1), stream.retires.Load())

	t.Log("✅ Input case forwarded client bytes and ended on EOF")
}

func TestInputCase_StopCancelsPump(t *testing.T) {
	eng := engine.NewSimulated()
	c, err := New(Config{
		Name:   "input_3002",
		Type:   InputAudio,
		Serve:  ServeAudio,
		Port:   3002,
		Stream: blockingStream{},
		Engine: eng,
	})
	require.NoError(t, err)

	var ended atomic.Int32
	c.OnEnded(func(*Case) { ended.Add(1) })

	require.NoError(t, c.Start())
	require.Eventually(t, func() bool { return c.State() == worker.StatePlaying }, waitFor, poll)

	c.Stop()
	require.Eventually(t, func() bool { return ended.Load() == 1 }, waitFor, poll)
	assert.False(t, eng.Latest("input_3002").Ended("source"))
}

func TestBranchCase_ClosesRemovedClients(t *testing.T) {
	eng := engine.NewSimulated()
	c, err := New(Config{
		Name:   "branch_3001",
		Type:   BranchChannelA,
		Serve:  ServeVideo,
		Port:   3001,
		Engine: eng,
	})
	require.NoError(t, err)

	var started atomic.Int32
	c.OnStarted(func(*Case) { started.Add(1) })

	require.NoError(t, c.Start())
	require.Eventually(t, func() bool { return started.Load() == 1 }, waitFor, poll)

	fds := make([]int, 2)
	require.NoError(t, unix.Pipe(fds))
	defer unix.Close(fds[1])

	eng.Latest("branch_3001").RemoveClient("sink", fds[0])

	assert.ErrorIs(t, unix.Close(fds[0]), unix.EBADF, "descriptor must already be closed")
}

func TestCase_Switching(t *testing.T) {
	c, err := New(Config{Name: "case-0", Type: CompositeChannelA, Serve: ServeVideo, Engine: engine.NewSimulated()})
	require.NoError(t, err)

	assert.False(t, c.Switching())
	c.SetSwitching(true)
	assert.True(t, c.Switching())
	assert.True(t, c.Info().Switching)
	assert.Equal(t, "composite_a", c.Info().Type)
}

func TestTypeHelpers(t *testing.T) {
	assert.Equal(t, BranchChannelA, BranchOf(CompositeChannelA))
	assert.Equal(t, BranchAudio, BranchOf(CompositeAudio))
	assert.Equal(t, BranchPreview, BranchOf(Preview))
	assert.Equal(t, TypeUnknown, BranchOf(InputVideo))

	assert.Equal(t, InputAudio, InputOf(ServeAudio))
	assert.True(t, InputVideo.IsInput())
	assert.True(t, BranchPreview.IsBranch())
	assert.True(t, Preview.IsWork())
	assert.False(t, InputAudio.IsWork())
}
