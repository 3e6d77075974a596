package server

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ordsync/internal/session"
	"ordsync/internal/station"
	"ordsync/internal/transport"
)

func quiet() *log.Logger { return log.New(io.Discard, "", 0) }

func newTestServer(t *testing.T) (*station.Station, *httptest.Server) {
	t.Helper()
	st, err := station.NewDemo(station.WithLogger(quiet()))
	require.NoError(t, err)
	srv := httptest.NewServer(NewMux(transport.NewHandlers(st, quiet()), st))
	t.Cleanup(srv.Close)
	return st, srv
}

func TestMuxServesFramesAndStats(t *testing.T) {
	_, srv := newTestServer(t)
	s, err := session.New(transport.NewHTTP(srv.URL), session.WithLogger(quiet()))
	require.NoError(t, err)
	require.NoError(t, s.Connect(context.Background()))

	resp, err := http.Get(srv.URL + "/debug/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	var stats map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, 1, stats["sessions"])
	assert.GreaterOrEqual(t, stats["frames"], 1)
}

func TestMuxExposesMetricsAndHealth(t *testing.T) {
	_, srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "go_goroutines")

	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCORSPreflight(t *testing.T) {
	_, srv := newTestServer(t)

	req, err := http.NewRequest(http.MethodOptions, srv.URL+transport.FramePath, nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://panel.local")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "http://panel.local", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", resp.Header.Get("Access-Control-Allow-Credentials"))

	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestServerShutdown(t *testing.T) {
	s := New("127.0.0.1:0", http.NotFoundHandler(), quiet())
	done := make(chan error, 1)
	go func() { done <- s.Start() }()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}
