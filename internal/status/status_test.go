package status

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/avswitch/internal/cases"
	"github.com/e7canasta/avswitch/internal/metrics"
	"github.com/e7canasta/avswitch/internal/notify"
	"github.com/e7canasta/avswitch/internal/server"
)

type fakeSource struct {
	ready  bool
	status server.Status
	cases  []cases.Info
	ports  server.Ports
}

func (f *fakeSource) Ready() bool           { return f.ready }
func (f *fakeSource) Status() server.Status { return f.status }
func (f *fakeSource) Cases() []cases.Info   { return f.cases }
func (f *fakeSource) Ports() server.Ports   { return f.ports }

func newTestServer(t *testing.T, src *fakeSource, hub *notify.Hub) (*Server, *httptest.Server) {
	t.Helper()

	s := New(Config{
		Metrics: metrics.New(),
		Hub:     hub,
		Logger:  slog.New(slog.NewJSONHandler(io.Discard, nil)),
	}, src)
	ts := httptest.NewServer(s.Router())
	t.Cleanup(func() {
		s.Shutdown(context.Background())
		ts.Close()
	})
	return s, ts
}

func get(t *testing.T, url string) (int, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, body
}

func TestStatus_Health(t *testing.T) {
	_, ts := newTestServer(t, &fakeSource{}, nil)

	code, body := get(t, ts.URL+"/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `"status":"alive"`)
}

func TestStatus_Readiness(t *testing.T) {
	tests := []struct {
		name     string
		src      *fakeSource
		wantCode int
		want     string
	}{
		{
			name:     "not_started",
			src:      &fakeSource{},
			wantCode: http.StatusServiceUnavailable,
			want:     "unavailable",
		},
		{
			name:     "ready",
			src:      &fakeSource{ready: true, status: server.Status{Ready: true, Mode: 3}},
			wantCode: http.StatusOK,
			want:     "ready",
		},
		{
			name:     "transitioning",
			src:      &fakeSource{ready: true, status: server.Status{Ready: true, Transitioning: true}},
			wantCode: http.StatusOK,
			want:     "degraded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ts := newTestServer(t, tt.src, nil)

			code, body := get(t, ts.URL+"/readiness")
			assert.Equal(t, tt.wantCode, code)

			var out struct {
				Status string        `json:"status"`
				Switch server.Status `json:"switch"`
			}
			require.NoError(t, json.Unmarshal(body, &out))
			assert.Equal(t, tt.want, out.Status)
			assert.Equal(t, tt.src.status.Mode, out.Switch.Mode)
		})
	}
}

func TestStatus_API(t *testing.T) {
	src := &fakeSource{
		ready: true,
		cases: []cases.Info{
			{Name: "input_3001", Type: "input_video", Port: 3001},
			{Name: "case-1", Type: "composite_a", Port: 3001},
		},
		ports:  server.Ports{Video: 3000, Audio: 4000, Control: 5000, Compose: 3001, Encode: 3002, Allocated: []int{3003}},
		status: server.Status{Ready: true, Mode: 1, Cases: 2},
	}
	_, ts := newTestServer(t, src, nil)

	t.Run("cases", func(t *testing.T) {
		code, body := get(t, ts.URL+"/api/cases")
		require.Equal(t, http.StatusOK, code)

		var out []cases.Info
		require.NoError(t, json.Unmarshal(body, &out))
		require.Len(t, out, 2)
		assert.Equal(t, "case-1", out[1].Name)
	})

	t.Run("ports", func(t *testing.T) {
		code, body := get(t, ts.URL+"/api/ports")
		require.Equal(t, http.StatusOK, code)

		var out server.Ports
		require.NoError(t, json.Unmarshal(body, &out))
		assert.Equal(t, src.ports, out)
	})

	t.Run("status", func(t *testing.T) {
		code, body := get(t, ts.URL+"/api/status")
		require.Equal(t, http.StatusOK, code)

		var out server.Status
		require.NoError(t, json.Unmarshal(body, &out))
		assert.Equal(t, 2, out.Cases)
	})

	t.Run("empty_cases", func(t *testing.T) {
		_, ts := newTestServer(t, &fakeSource{}, nil)
		_, body := get(t, ts.URL+"/api/cases")
		assert.Equal(t, "[]", strings.TrimSpace(string(body)))
	})
}

func TestStatus_Metrics(t *testing.T) {
	_, ts := newTestServer(t, &fakeSource{status: server.Status{Cases: 4}}, nil)

	// One request first so the request counter has a sample.
	get(t, ts.URL+"/health")

	code, body := get(t, ts.URL+"/metrics")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), "avswitch_cases_active 4")
}

func TestStatus_Events(t *testing.T) {
	hub := notify.NewHub(nil)
	defer hub.Close()

	_, ts := newTestServer(t, &fakeSource{}, hub)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		_, err := hub.Stats("ws-1")
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)

	hub.Publish(notify.AddPreviewPort(3003, "video", "branch_a"))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var n notify.Notification
	require.NoError(t, conn.ReadJSON(&n))
	assert.Equal(t, notify.NameAddPreviewPort, n.Name)
	assert.EqualValues(t, 3003, n.Args["port"])
	assert.Equal(t, "branch_a", n.Args["type"])

	t.Log("✅ Notifications streamed over websocket")
}

func TestStatus_EventsWithoutHub(t *testing.T) {
	_, ts := newTestServer(t, &fakeSource{}, nil)

	code, _ := get(t, ts.URL+"/ws/events")
	assert.Equal(t, http.StatusServiceUnavailable, code)
}
