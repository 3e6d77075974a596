package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ordsync/internal/mirror"
	"ordsync/internal/station"
	"ordsync/internal/table"
	"ordsync/internal/wire"
)

func connected(t *testing.T, opts ...Option) (*Session, *station.Station) {
	t.Helper()
	st, err := station.NewDemo()
	require.NoError(t, err)
	s, err := New(st, opts...)
	require.NoError(t, err)
	require.NoError(t, s.Connect(context.Background()))
	return s, st
}

func TestConnectSeedsMirror(t *testing.T) {
	s, st := connected(t)
	assert.True(t, s.Connected())
	assert.Equal(t, 1, st.Sessions())

	root := s.Mirror().Root()
	assert.True(t, root.Loaded())
	folder, ok := s.Mirror().Lookup(station.HandleFolder)
	require.True(t, ok)
	assert.False(t, folder.Loaded())
}

func TestPollAppliesMirrorOps(t *testing.T) {
	s, st := connected(t)
	require.NoError(t, st.Set(mirror.RootHandle, []string{"stationName"}, mirror.Primitive("baja:String", "plant")))
	require.NoError(t, st.Set(station.HandleDevice, []string{"units"}, mirror.Primitive("baja:String", "kelvin")))

	require.NoError(t, s.Poll(context.Background()))
	name, _ := s.Mirror().Root().Get("stationName")
	assert.Equal(t, "plant", name)
	_, known := s.Mirror().Lookup(station.HandleDevice)
	assert.False(t, known, "ops for components not yet loaded are skipped")
}

func TestPollRoutesCustomHandlers(t *testing.T) {
	s, st := connected(t)
	var got []json.RawMessage
	require.NoError(t, s.RegisterPollHandler("alarms", func(_ context.Context, entries []json.RawMessage) error {
		got = append(got, entries...)
		return nil
	}))
	assert.Error(t, s.RegisterPollHandler(HandlerMirror, nil))

	st.Publish("alarms", json.RawMessage(`{"id":1}`), json.RawMessage(`{"id":2}`))
	st.Publish("unrouted", json.RawMessage(`{}`))
	require.NoError(t, s.Poll(context.Background()))
	assert.Len(t, got, 2)
}

func TestCommitEchoesThroughPoll(t *testing.T) {
	s, _ := connected(t)
	n, err := s.Commit(context.Background(), mirror.Set{
		Handle: mirror.RootHandle,
		Path:   []string{"stationName"},
		Value:  mirror.Primitive("baja:String", "renamed"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	before, _ := s.Mirror().Root().Get("stationName")
	assert.Equal(t, "demo", before)
	require.NoError(t, s.Poll(context.Background()))
	after, _ := s.Mirror().Root().Get("stationName")
	assert.Equal(t, "renamed", after)
}

func TestPollingStopsWhenSessionIsLost(t *testing.T) {
	lost := make(chan error, 1)
	s, st := connected(t, OnSessionLost(func(err error) { lost <- err }))

	st.FailNext(wire.ChannelPoll, wire.KeyPoll, wire.ErrTypeSession, "expired", false)
	s.StartPolling(5 * time.Millisecond)

	select {
	case err := <-lost:
		assert.True(t, wire.IsSessionInvalid(err))
	case <-time.After(2 * time.Second):
		t.Fatal("session loss was not reported")
	}
	assert.Eventually(t, func() bool { return !s.Polling() }, time.Second, 5*time.Millisecond)
}

func TestPollingProbesAfterTransportFailure(t *testing.T) {
	s, st := connected(t, WithReconnectEvery(20*time.Millisecond))
	st.FailTransport(errors.New("connection refused"))
	st.FailTransport(errors.New("connection refused"))

	s.StartPolling(2 * time.Millisecond)
	defer s.StopPolling()

	require.NoError(t, st.Set(mirror.RootHandle, []string{"stationName"}, mirror.Primitive("baja:String", "back")))
	assert.Eventually(t, func() bool {
		v, _ := s.Mirror().Root().Get("stationName")
		return v == "back"
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, s.Polling())
}

func TestDiagnosticIsBestEffort(t *testing.T) {
	var calls atomic.Int32
	s, err := New(wire.TransportFunc(func(context.Context, []byte) ([]byte, error) {
		calls.Add(1)
		return nil, errors.New("offline")
	}))
	require.NoError(t, err)
	s.Diagnostic(context.Background(), "hello")
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetchPageFeedsTableCursor(t *testing.T) {
	s, st := connected(t)
	tbl := table.New(station.DemoAlarmQuery, nil, s)
	rows, err := tbl.Collect(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.Len(t, rows, table.DefaultLimit)
	assert.Equal(t, 1, st.Requests(wire.ChannelTable, wire.KeyCursor))
}

func TestDisconnectClearsState(t *testing.T) {
	s, st := connected(t)
	s.StartPolling(time.Hour)
	require.NoError(t, s.Disconnect(context.Background()))
	assert.False(t, s.Connected())
	assert.False(t, s.Polling())
	assert.Equal(t, 0, st.Sessions())
	assert.False(t, s.Mirror().Root().Loaded())
	assert.ErrorIs(t, s.Poll(context.Background()), ErrNotConnected)
}
