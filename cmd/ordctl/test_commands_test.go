package main

import (
	"bytes"
	"encoding/json"
	"io"
	"log"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ordsync/internal/mirror"
	"ordsync/internal/server"
	"ordsync/internal/station"
	"ordsync/internal/transport"
)

func setupStation(t *testing.T) (*station.Station, string) {
	t.Helper()
	quiet := log.New(io.Discard, "", 0)
	st, err := station.NewDemo(station.WithLogger(quiet))
	require.NoError(t, err)
	srv := httptest.NewServer(server.NewMux(transport.NewHandlers(st, quiet), st))
	t.Cleanup(srv.Close)

	for _, k := range []string{"ORDSYNC_TRANSPORT", "ORDSYNC_STATION_URL", "ORDSYNC_S3_ENDPOINT", "ORDSYNC_DATABASE_URL", "DATABASE_URL"} {
		t.Setenv(k, "")
	}
	t.Setenv("ORDSYNC_SNAPSHOT_BACKEND", "file")
	t.Setenv("ORDSYNC_SNAPSHOT_DIR", t.TempDir())
	return st, srv.URL
}

func run(t *testing.T, url string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(append([]string{"--url", url}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestResolvePrintsComponent(t *testing.T) {
	_, url := setupStation(t)

	out, err := run(t, url, "resolve", "slot:/Folder/Device")
	require.NoError(t, err)
	var got resolved
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "/Folder/Device", got.Path)
	require.NotNil(t, got.Node)
	assert.Equal(t, "control:NumericPoint", got.Node.Type)
}

func TestResolveTablePage(t *testing.T) {
	_, url := setupStation(t)

	out, err := run(t, url, "resolve", station.DemoAlarmQuery, "--offset", "20", "--limit", "10", "--transport", "ws")
	require.NoError(t, err)
	var got resolved
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.NotNil(t, got.Table)
	assert.Equal(t, []string{"timestamp", "source", "text"}, got.Table.Columns)
	assert.Len(t, got.Table.Rows, 5)
}

func TestResolveAllReportsEachDescriptor(t *testing.T) {
	st, url := setupStation(t)

	out, err := run(t, url, "resolve-all", "slot:/Folder/Device", "service:alarm:AlarmService", "slot:/Folder/Nope")
	require.NoError(t, err)
	var got []resolved
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Len(t, got, 3)
	assert.Empty(t, got[0].Error)
	assert.Equal(t, "/Services/AlarmService", got[1].Path)
	assert.NotEmpty(t, got[2].Error)
	assert.Equal(t, 0, st.Sessions())

	_, err = run(t, url, "resolve-all", "--strict", "slot:/Folder/Device", "slot:/Folder/Nope")
	assert.Error(t, err)
}

func TestSnapshotCommands(t *testing.T) {
	_, url := setupStation(t)

	out, err := run(t, url, "snapshot", "save", "plant", "--load", "slot:/Folder/Device,slot:/Folder/Meter")
	require.NoError(t, err)
	assert.Contains(t, out, "saved plant")

	out, err = run(t, url, "snapshot", "list")
	require.NoError(t, err)
	assert.Equal(t, "plant\n", out)

	out, err = run(t, url, "snapshot", "show", "plant")
	require.NoError(t, err)
	assert.Contains(t, out, `"station": "`+url+`"`)
	assert.Contains(t, out, "control:NumericPoint")

	_, err = run(t, url, "snapshot", "delete", "plant")
	require.NoError(t, err)
	_, err = run(t, url, "snapshot", "show", "plant")
	assert.Error(t, err)
}

func TestWatchPrintsChanges(t *testing.T) {
	st, url := setupStation(t)

	stop := make(chan struct{})
	go func() {
		v := 30.0
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				v++
				_ = st.Set(station.HandleDevice, []string{"out", "value"}, mirror.Primitive("baja:Double", v))
			}
		}
	}()
	defer close(stop)

	out, err := run(t, url, "watch", "slot:/Folder/Device", "--interval", "10ms", "--count", "2")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "changed /Folder/Device out.value"), lines[0])
}

func TestRejectsBadTransport(t *testing.T) {
	_, url := setupStation(t)
	_, err := run(t, url, "--transport", "pigeon", "resolve", "slot:/")
	assert.ErrorContains(t, err, "Transport")
}
