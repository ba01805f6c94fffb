package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.IncConnections("video")
		m.SetCasesActive(3)
		m.IncPortsAllocated()
		m.IncPortsRevoked()
		m.SetCompositeMode(1)
		m.IncTransitions()
		m.IncRetries()
		m.IncWorkerErrors("network")
		m.IncFillBuffers()
		m.IncNotifications("set_audio_port")
		m.IncControlCommands("switch", "success")
		m.IncRequests()
		m.IncErrors()
	})
	assert.Nil(t, m.Registry())

	rec := httptest.NewRecorder()
	m.Handler(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.IncConnections("video")
	m.IncConnections("video")
	m.IncConnections("audio")
	m.SetCasesActive(6)
	m.IncWorkerErrors("not_negotiated")
	m.IncControlCommands("switch", "error")

	out := scrape(t, m)
	for _, want := range []string{
		`avswitch_connections_total{kind="video"} 2`,
		`avswitch_connections_total{kind="audio"} 1`,
		`avswitch_cases_active 6`,
		`avswitch_worker_errors_total{category="not_negotiated"} 1`,
		`avswitch_control_commands_total{command="switch",status="error"} 1`,
	} {
		assert.Contains(t, out, want)
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := New()

	refreshed := false
	srv := httptest.NewServer(m.Handler(func() {
		refreshed = true
		m.SetCompositeMode(2)
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.True(t, refreshed)
	assert.True(t, strings.Contains(string(body), "avswitch_composite_mode 2"))
}

func TestRequestMiddleware(t *testing.T) {
	m := New()

	h := RequestMiddleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("ok"))
	}))

	for _, path := range []string{"/health", "/missing", "/api/cases"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	out := scrape(t, m)
	assert.Contains(t, out, "avswitch_http_requests_total 3")
	assert.Contains(t, out, "avswitch_http_errors_total 1")
}
