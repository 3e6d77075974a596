package resolve

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ordsync/internal/batch"
	"ordsync/internal/station"
	"ordsync/internal/wire"
)

func TestResolveAllSharesOneLoad(t *testing.T) {
	r, st := setup(t)
	frames := st.Frames()

	texts := []string{
		"slot:/Folder/Device",
		"local:|slot:/Folder/Meter",
		"slot:/Folder/Device/out/value",
		"slot:/Services/AlarmService",
	}
	res := r.ResolveAll(context.Background(), texts)
	require.NoError(t, res.Error())
	assert.Equal(t, 4, res.Len())
	assert.Equal(t, 1, res.RoundTrips())
	assert.Equal(t, frames+1, st.Frames())
	assert.Equal(t, 1, st.Requests(wire.ChannelOrd, wire.KeyLoad))

	assert.Equal(t, station.HandleDevice, node(t, res.Target(0)).Handle())
	assert.Equal(t, station.HandleMeter, node(t, res.Target(1)).Handle())
	assert.InDelta(t, 21.5, res.Target(2).GetObject(), 0.001)
	assert.Equal(t, station.HandleAlarmSvc, node(t, res.Target(3)).Handle())
}

func TestResolveAllCachedNeedsNoFrame(t *testing.T) {
	r, st := setup(t)
	ctx := context.Background()
	_, err := r.Resolve(ctx, "slot:/Folder/Device")
	require.NoError(t, err)
	frames := st.Frames()

	res := r.ResolveAll(ctx, []string{"slot:/Folder/Device", "slot:/Folder", "h:21"})
	require.NoError(t, res.Error())
	assert.Equal(t, 0, res.RoundTrips())
	assert.Equal(t, frames, st.Frames())
}

func TestResolveAllTranslatesThenLoads(t *testing.T) {
	r, st := setup(t)
	frames := st.Frames()

	res := r.ResolveAll(context.Background(), []string{
		"h:12",
		"service:alarm:AlarmService",
		"service:alarm:AlarmService",
		station.DemoAlarmQuery,
	})
	require.NoError(t, res.Error())
	assert.Equal(t, 2, res.RoundTrips())
	assert.Equal(t, frames+2, st.Frames())
	assert.Equal(t, 1, st.Requests(wire.ChannelOrd, wire.KeyServiceToPath), "duplicate lookups share one request")
	assert.Equal(t, 1, st.Requests(wire.ChannelOrd, wire.KeyHandleToPath))
	assert.Equal(t, 1, st.Requests(wire.ChannelOrd, wire.KeyLoad))

	assert.Equal(t, "/Drivers/Modbus/Controller", node(t, res.Target(0)).SlotPath())
	assert.Same(t, node(t, res.Target(1)), node(t, res.Target(2)))
	tbl, ok := res.Target(3).Table()
	require.True(t, ok)
	rows, err := tbl.Collect(context.Background(), 20, 10)
	require.NoError(t, err)
	assert.Len(t, rows, 5)
	assert.Equal(t, frames+2, st.Frames(), "table rows were prefetched")
}

func TestResolveAllPartialFailure(t *testing.T) {
	r, _ := setup(t)

	res := r.ResolveAll(context.Background(), []string{
		"slot:/Folder/Device",
		"slot:/Folder/Nope",
		"slot:/Folder||x",
		"slot:/Folder/Device/set/x",
		"bql:select nothing",
	})
	require.Error(t, res.Error())
	assert.True(t, res.OK(0))
	assert.True(t, errors.Is(res.Err(1), wire.ErrNotFound))
	var pe *wire.ParseError
	assert.True(t, errors.As(res.Err(2), &pe))
	assert.True(t, errors.Is(res.Err(3), wire.ErrIllegalSlot))
	assert.True(t, errors.Is(res.Err(4), wire.ErrNotFound))
	assert.Equal(t, station.HandleDevice, node(t, res.Target(0)).Handle())
	assert.Nil(t, res.Target(1))
}

func TestResolveAllFailedLookupOnlyFailsItsDescriptor(t *testing.T) {
	r, st := setup(t)
	st.FailNext(wire.ChannelOrd, wire.KeyHandleToPath, wire.ErrTypeInternal, "boom", false)

	res := r.ResolveAll(context.Background(), []string{"h:12", "slot:/Folder/Meter"})
	assert.False(t, res.OK(0))
	assert.True(t, res.OK(1))
	assert.Contains(t, res.Err(0).Error(), "boom")
}

func TestResolveAllThen(t *testing.T) {
	r, _ := setup(t)
	ctx := context.Background()

	var got any
	var failed error
	done := batch.NewCallback(func(v any) { got = v }, func(err error) { failed = err })
	res := r.ResolveAllThen(ctx, []string{"slot:/Folder"}, done)
	assert.NoError(t, failed)
	assert.Same(t, res, got)

	got, failed = nil, nil
	done = batch.NewCallback(func(v any) { got = v }, func(err error) { failed = err })
	r.ResolveAllThen(ctx, []string{"slot:/Folder", "slot:/Missing"}, done)
	assert.Nil(t, got)
	assert.True(t, errors.Is(failed, wire.ErrNotFound))
}

func TestPruneLoads(t *testing.T) {
	loads := []wire.PathLoad{
		{BasePath: "/Folder", ChildName: "Device"},
		{BasePath: "/Folder", ChildName: "Device/out"},
		{BasePath: "/Folder", ChildName: "Meter"},
		{BasePath: "/Folder", ChildName: "Meter"},
		{BasePath: "/Folder/Device", ChildName: ""},
		{BasePath: "/Drivers", ChildName: "Modbus"},
	}
	assert.Equal(t, []wire.PathLoad{
		{BasePath: "/Folder", ChildName: "Device/out"},
		{BasePath: "/Folder", ChildName: "Meter"},
		{BasePath: "/Drivers", ChildName: "Modbus"},
	}, pruneLoads(loads))
}
