package main

import (
	"context"
	"io"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ordsync/internal/mirror"
	"ordsync/internal/resolve"
	"ordsync/internal/session"
	"ordsync/internal/station"
)

func TestSimulatorReachesPollingClients(t *testing.T) {
	quiet := log.New(io.Discard, "", 0)
	st, err := station.NewDemo(station.WithLogger(quiet))
	require.NoError(t, err)
	s, err := session.New(st, session.WithLogger(quiet))
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, s.Connect(ctx))
	target, err := resolve.New(s).Resolve(ctx, "slot:/Folder/Device")
	require.NoError(t, err)
	local, ok := target.Node()
	require.True(t, ok)

	var fired int
	stop := s.Mirror().Subscribe(func(ev mirror.Event) {
		if ev.Kind == mirror.EventTopicFired {
			fired++
		}
	})
	defer stop()

	sim := newSimulator(st, quiet, 1)
	for i := 0; i < 10; i++ {
		require.NoError(t, sim.step())
	}
	require.NoError(t, s.Poll(ctx))

	for _, dev := range []*mirror.Node{local, mustLookup(t, st.Tree(), station.HandleDevice)} {
		out, ok := dev.Get("out")
		require.True(t, ok)
		value, ok := out.(*mirror.Node).Get("value")
		require.True(t, ok)
		assert.InDelta(t, sim.temp, value, 1e-9)
	}
	assert.Equal(t, 1, fired)
}

func mustLookup(t *testing.T, m *mirror.Mirror, h mirror.Handle) *mirror.Node {
	t.Helper()
	n, ok := m.Lookup(h)
	require.True(t, ok)
	return n
}
