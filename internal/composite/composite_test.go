package composite

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/avswitch/internal/engine"
	"github.com/e7canasta/avswitch/internal/worker"
)

const (
	waitFor = 2 * time.Second
	poll    = 5 * time.Millisecond
)

func newTestComposite(t *testing.T, mode Mode, mutate func(*Config)) (*Composite, *engine.Simulated) {
	t.Helper()

	eng := engine.NewSimulated()
	cfg := Config{
		Mode:       mode,
		Width:      DefaultWidth,
		Height:     DefaultHeight,
		SinkPort:   3001,
		EncodePort: 3002,
		Settle:     20 * time.Millisecond,
		Retry:      RetryConfig{MaxRetries: 2, RetryDelay: 10 * time.Millisecond, MaxRetryDelay: 20 * time.Millisecond},
		Engine:     eng,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	c, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(c.Stop)
	return c, eng
}

func startComposite(t *testing.T, c *Composite) {
	t.Helper()
	require.NoError(t, c.Start())
	require.Eventually(t, c.Alive, waitFor, poll, "mixer never reached playing")
}

func TestLayout(t *testing.T) {
	testCases := []struct {
		name string
		mode Mode
		a, b Rect
	}{
		{"mode0", Mode0, Rect{0, 0, 1280, 720}, Rect{}},
		{"mode1", Mode1, Rect{0, 0, 1280, 720}, Rect{80, 45, 320, 240}},
		{"mode2", Mode2, Rect{0, 90, 960, 540}, Rect{960, 90, 320, 180}},
		{"mode3", Mode3, Rect{0, 180, 640, 360}, Rect{640, 180, 640, 360}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			geo, err := Layout(tc.mode, DefaultWidth, DefaultHeight)
			require.NoError(t, err)
			assert.Equal(t, tc.a, geo.A)
			assert.Equal(t, tc.b, geo.B)
		})
	}

	_, err := Layout(Mode(4), DefaultWidth, DefaultHeight)
	assert.Error(t, err)
	_, err = Layout(Mode1, 0, 720)
	assert.Error(t, err)
}

func TestCalculateBackoff(t *testing.T) {
	cfg := DefaultRetryConfig()

	testCases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 1 * time.Second},
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{10, 30 * time.Second},
	}

	for _, tc := range testCases {
		assert.Equal(t, tc.want, calculateBackoff(tc.attempt, cfg), "attempt %d", tc.attempt)
	}
}

func TestComposite_StartServesPorts(t *testing.T) {
	c, eng := newTestComposite(t, Mode3, nil)

	compose := make(chan int, 1)
	encode := make(chan int, 1)
	c.OnComposeReady(func(port int) { compose <- port })
	c.OnEncodeReady(func(port int) { encode <- port })

	startComposite(t, c)

	for name, ch := range map[string]chan int{"compose": compose, "encode": encode} {
		select {
		case port := <-ch:
			assert.NotZero(t, port, name)
		case <-time.After(waitFor):
			t.Fatalf("%s port never came online", name)
		}
	}

	mixer := eng.Latest("composite").Spec().Description
	assert.Contains(t, mixer, "sink_0::xpos=0 sink_0::ypos=180")
	assert.Contains(t, mixer, "sink_1::xpos=640 sink_1::ypos=180")
	assert.Contains(t, mixer, "channel=composite_video")

	assert.Contains(t, eng.Latest("output").Spec().Description, "port=3001")
	assert.Contains(t, eng.Latest("recorder").Spec().Description, "port=3002")
	assert.NotContains(t, eng.Latest("recorder").Spec().Description, "filesink")

	t.Log("✅ Composite serves compose and encode ports")
}

func TestComposite_Mode0HasNoChannelB(t *testing.T) {
	c, eng := newTestComposite(t, Mode0, nil)
	startComposite(t, c)

	assert.NotContains(t, eng.Latest("composite").Spec().Description, "sink_1")
	assert.NotContains(t, eng.Latest("scaler").Spec().Description, "scaled_b")
}

func TestComposite_SetMode(t *testing.T) {
	c, eng := newTestComposite(t, Mode3, func(cfg *Config) { cfg.Settle = 200 * time.Millisecond })

	online := make(chan Mode, 1)
	c.OnModeOnline(func(m Mode) { online <- m })

	startComposite(t, c)

	require.True(t, c.SetMode(Mode1))
	assert.True(t, c.Transitioning())
	assert.False(t, c.SetMode(Mode2), "second transition must be rejected while one is in flight")
	assert.Equal(t, Mode3, c.Mode(), "a rejected transition leaves the mode alone")
	assert.False(t, c.Adjusting())
	assert.True(t, c.Transitioning())

	select {
	case m := <-online:
		assert.Equal(t, Mode1, m)
	case <-time.After(waitFor):
		t.Fatal("new mode never came online")
	}

	assert.False(t, c.Transitioning())
	assert.Equal(t, Mode1, c.Mode())
	assert.Equal(t, Rect{80, 45, 320, 240}, c.Geometry().B)
	assert.Equal(t, 2, eng.LaunchesOf("composite"))
	assert.Contains(t, eng.Latest("composite").Spec().Description, "sink_1::xpos=80 sink_1::ypos=45")
	require.Eventually(t, func() bool { return eng.LaunchesOf("scaler") == 2 }, waitFor, poll)
	assert.Contains(t, eng.Latest("scaler").Spec().Description, "width=320,height=240")

	t.Log("✅ Mode transition rebuilt mixer and scaler")
}

func TestComposite_SetModeRejectsInvalid(t *testing.T) {
	c, _ := newTestComposite(t, Mode3, nil)

	assert.False(t, c.SetMode(Mode(9)))
	assert.Equal(t, Mode3, c.Mode())

	// Not running yet: applied directly.
	assert.True(t, c.SetMode(Mode2))
	assert.Equal(t, Mode2, c.Mode())
	assert.False(t, c.Transitioning())
}

func TestComposite_AdjustPIP(t *testing.T) {
	t.Run("position_only", func(t *testing.T) {
		c, eng := newTestComposite(t, Mode1, nil)
		startComposite(t, c)

		require.True(t, c.AdjustPIP(100, 50, 320, 240))
		assert.False(t, c.Adjusting())
		assert.Equal(t, Rect{100, 50, 320, 240}, c.Geometry().B)
		assert.Equal(t, 1, eng.LaunchesOf("composite"), "moving must not rebuild the mixer")

		props := eng.Latest("composite").PadProperties()
		require.Len(t, props, 2)
		assert.Equal(t, engine.PadProperty{Element: "compose", Pad: "sink_1", Name: "xpos", Value: 100}, props[0])
		assert.Equal(t, engine.PadProperty{Element: "compose", Pad: "sink_1", Name: "ypos", Value: 50}, props[1])
	})

	t.Run("resize_rebuilds", func(t *testing.T) {
		c, eng := newTestComposite(t, Mode1, nil)
		startComposite(t, c)

		require.True(t, c.AdjustPIP(100, 50, 480, 360))
		assert.True(t, c.Adjusting())
		assert.False(t, c.AdjustPIP(0, 0, 320, 240), "adjustment in flight")
		assert.False(t, c.SetMode(Mode2), "adjustment in flight")

		require.Eventually(t, func() bool { return !c.Adjusting() }, waitFor, poll)
		assert.Equal(t, Rect{100, 50, 480, 360}, c.Geometry().B)
		assert.Equal(t, Mode1, c.Mode())
		assert.Equal(t, 2, eng.LaunchesOf("composite"))
		assert.Contains(t, eng.Latest("composite").Spec().Description, "width=480,height=360")
	})

	t.Run("rejected_during_transition", func(t *testing.T) {
		c, _ := newTestComposite(t, Mode3, func(cfg *Config) { cfg.Settle = time.Second })
		startComposite(t, c)

		require.True(t, c.SetMode(Mode1))
		assert.False(t, c.AdjustPIP(10, 10, 320, 240))
	})

	t.Log("✅ PIP moves in place and resizes through a rebuild")
}

func TestComposite_RetryIsBounded(t *testing.T) {
	c, eng := newTestComposite(t, Mode3, func(cfg *Config) { cfg.Settle = 5 * time.Second })

	var ended atomic.Int32
	c.OnEnded(func() { ended.Add(1) })

	startComposite(t, c)
	require.True(t, c.SetMode(Mode1))

	playing := func(launches int) func() bool {
		return func() bool {
			g := eng.Latest("composite")
			return eng.LaunchesOf("composite") == launches && g.State() == engine.StatePlaying
		}
	}

	// Two failures are retried with a rebuild each.
	for launches := 2; launches <= 3; launches++ {
		require.Eventually(t, playing(launches), waitFor, poll, "launch %d", launches)
		eng.Latest("composite").InjectError("could not link", "gstcompositor.c: not-negotiated")
	}
	require.Eventually(t, playing(4), waitFor, poll)
	assert.True(t, c.Transitioning())

	// The third exhausts the budget and the mixer gives up.
	eng.Latest("composite").InjectError("could not link", "gstcompositor.c: not-negotiated")

	require.Eventually(t, func() bool { return ended.Load() == 1 }, waitFor, poll)
	assert.False(t, c.Transitioning())
	assert.Equal(t, 4, eng.LaunchesOf("composite"))

	t.Log("✅ Rebuild retries stop after the configured budget")
}

func TestComposite_ErrorOutsideRebuildEnds(t *testing.T) {
	c, eng := newTestComposite(t, Mode3, nil)

	var ended atomic.Int32
	c.OnEnded(func() { ended.Add(1) })
	startComposite(t, c)

	eng.Latest("composite").InjectError("internal data stream error", "")

	require.Eventually(t, func() bool { return ended.Load() == 1 }, waitFor, poll)
	assert.Equal(t, 1, eng.LaunchesOf("composite"))
}

func TestComposite_NewRecord(t *testing.T) {
	stamp := time.Date(2024, 3, 1, 14, 25, 30, 0, time.UTC)
	c, eng := newTestComposite(t, Mode3, func(cfg *Config) {
		cfg.Record = RecordConfig{Enabled: true, Dir: "/var/lib/avswitch", Prefix: "show"}
		cfg.now = func() time.Time { return stamp }
	})

	assert.False(t, c.NewRecord(), "recorder not running")

	startComposite(t, c)
	require.Eventually(t, func() bool { return eng.Latest("recorder").State() == engine.StatePlaying }, waitFor, poll)

	desc := eng.Latest("recorder").Spec().Description
	assert.Contains(t, desc, `filesink name=file location="/var/lib/avswitch/show 2024-03-01 142530.webm"`)
	assert.Contains(t, desc, "vp8enc")
	assert.Contains(t, desc, "webmmux")

	require.True(t, c.NewRecord())
	require.Eventually(t, func() bool { return eng.LaunchesOf("recorder") == 2 }, waitFor, poll)

	t.Log("✅ New recording restarts the recorder")
}

func TestComposite_Stop(t *testing.T) {
	c, eng := newTestComposite(t, Mode3, nil)

	var ended atomic.Int32
	c.OnEnded(func() { ended.Add(1) })
	startComposite(t, c)

	c.Stop()

	require.Eventually(t, func() bool { return ended.Load() == 1 }, waitFor, poll)
	for _, name := range []string{"composite", "scaler", "output", "recorder"} {
		assert.Equal(t, 1, eng.LaunchesOf(name), name)
		assert.True(t, eng.Latest(name).Closed(), name)
	}
	assert.Equal(t, worker.StateStopped, c.mixer.State())
}
