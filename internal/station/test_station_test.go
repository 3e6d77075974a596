package station

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ordsync/internal/mirror"
	"ordsync/internal/wire"
)

// call sends one request and returns the single reply message.
func call(t *testing.T, s *Station, channel, key string, body any) wire.Message {
	t.Helper()
	msg, err := wire.Request(1, channel, key, body)
	require.NoError(t, err)
	raw, err := wire.EncodeFrame(wire.NewFrame(msg))
	require.NoError(t, err)
	out, err := s.Exchange(context.Background(), raw)
	require.NoError(t, err)
	reply, err := wire.DecodeFrame(out)
	require.NoError(t, err)
	require.Len(t, reply.Messages, 1)
	return reply.Messages[0]
}

func decode[T any](t *testing.T, m wire.Message) T {
	t.Helper()
	require.Equal(t, wire.KindResponse, m.Kind, "reply: %s", string(m.Body))
	var v T
	require.NoError(t, json.Unmarshal(m.Body, &v))
	return v
}

func connect(t *testing.T, s *Station) string {
	t.Helper()
	resp := decode[wire.ConnectResponse](t, call(t, s, wire.ChannelSession, wire.KeyConnect, wire.ConnectRequest{Client: "test"}))
	require.NotEmpty(t, resp.SessionID)
	return resp.SessionID
}

func TestConnectSendsRootOneLevelDeep(t *testing.T) {
	s, err := NewDemo()
	require.NoError(t, err)
	resp := decode[wire.ConnectResponse](t, call(t, s, wire.ChannelSession, wire.KeyConnect, nil))

	var root mirror.EncodedValue
	require.NoError(t, json.Unmarshal(resp.Root, &root))
	assert.True(t, root.Loaded)
	for _, slot := range root.Slots {
		if slot.Name == "Folder" {
			assert.False(t, slot.Value.Loaded, "children arrive as stubs")
			assert.Empty(t, slot.Value.Slots)
		}
	}
	assert.Equal(t, 1, s.Sessions())
}

func TestLoadEmitsParentsFirst(t *testing.T) {
	s, err := NewDemo()
	require.NoError(t, err)
	resp := decode[wire.LoadResponse](t, call(t, s, wire.ChannelOrd, wire.KeyLoad, wire.LoadRequest{
		Paths: []wire.PathLoad{
			{BasePath: "/Folder", ChildName: "Device"},
			{BasePath: "/Folder", ChildName: "Meter"},
			{BasePath: "/Folder", ChildName: "Missing/Deeper"},
		},
	}))
	var handles []mirror.Handle
	for _, raw := range resp.Ops {
		op, err := mirror.DecodeOp(raw)
		require.NoError(t, err)
		require.Equal(t, mirror.CodeLoad, op.Code())
		handles = append(handles, op.TargetHandle())
	}
	assert.Equal(t, []mirror.Handle{HandleFolder, HandleDevice, HandleMeter}, handles)
}

func TestLookups(t *testing.T) {
	s, err := NewDemo()
	require.NoError(t, err)

	path := decode[wire.LookupResponse](t, call(t, s, wire.ChannelOrd, wire.KeyHandleToPath, wire.LookupRequest{Key: "h:21"}))
	assert.Equal(t, "/Folder/Device", path.Path)

	svc := decode[wire.LookupResponse](t, call(t, s, wire.ChannelOrd, wire.KeyServiceToPath, wire.LookupRequest{Key: "alarm:AlarmService"}))
	assert.Equal(t, "/Services/AlarmService", svc.Path)

	miss := call(t, s, wire.ChannelOrd, wire.KeyHandleToPath, wire.LookupRequest{Key: "ff"})
	assert.Equal(t, wire.KindError, miss.Kind)
	assert.True(t, errors.Is(wire.RemoteErrorFrom(miss), wire.ErrNotFound))
}

func TestResolveTablePrefetchesRows(t *testing.T) {
	s, err := NewDemo()
	require.NoError(t, err)
	resp := decode[wire.ResolveResponse](t, call(t, s, wire.ChannelOrd, wire.KeyResolve, wire.ResolveRequest{Descriptor: DemoAlarmQuery}))
	require.NotNil(t, resp.Table)
	assert.Len(t, resp.Table.Rows, 25)
	assert.False(t, resp.Table.More)
	assert.True(t, resp.Table.Prefetched)

	page := decode[wire.CursorResponse](t, call(t, s, wire.ChannelTable, wire.KeyCursor, wire.CursorRequest{Descriptor: DemoAlarmQuery, Offset: 20}))
	assert.Len(t, page.Rows, 5)
	assert.False(t, page.More)
}

func TestMutationsQueueForPoll(t *testing.T) {
	s, err := NewDemo()
	require.NoError(t, err)
	id := connect(t, s)

	require.NoError(t, s.Set(HandleDevice, []string{"out", "value"}, mirror.Primitive("baja:Double", 30.0)))
	require.NoError(t, s.Rename(HandleFolder, "Meter", "Energy"))
	assert.Error(t, s.Remove(HandleFolder, "Meter"), "already renamed")

	resp := decode[wire.PollResponse](t, call(t, s, wire.ChannelPoll, wire.KeyPoll, wire.SessionRequest{SessionID: id}))
	require.Len(t, resp.Batches, 1)
	assert.Equal(t, PollHandlerMirror, resp.Batches[0].Handler)
	assert.Len(t, resp.Batches[0].Ops, 3)

	again := decode[wire.PollResponse](t, call(t, s, wire.ChannelPoll, wire.KeyPoll, wire.SessionRequest{SessionID: id}))
	assert.Empty(t, again.Batches)
}

func TestPollUnknownSession(t *testing.T) {
	s, err := NewDemo()
	require.NoError(t, err)
	reply := call(t, s, wire.ChannelPoll, wire.KeyPoll, wire.SessionRequest{SessionID: "nope"})
	require.Equal(t, wire.KindError, reply.Kind)
	assert.True(t, wire.IsSessionInvalid(wire.RemoteErrorFrom(reply)))
}

func TestCommitAppliesAndBroadcasts(t *testing.T) {
	s, err := NewDemo()
	require.NoError(t, err)
	a := connect(t, s)
	b := connect(t, s)

	ops, err := mirror.EncodeOps(mirror.SetFacets{Handle: HandleDevice, Name: "units", Facets: "precision=1"})
	require.NoError(t, err)
	resp := decode[wire.CommitResponse](t, call(t, s, wire.ChannelSync, wire.KeyCommit, wire.CommitRequest{SessionID: a, Ops: ops}))
	assert.Equal(t, 1, resp.Accepted)

	dev, ok := s.Tree().Lookup(HandleDevice)
	require.True(t, ok)
	slot, _ := dev.Slot("units")
	assert.Equal(t, "precision=1", slot.Facets)

	polled := decode[wire.PollResponse](t, call(t, s, wire.ChannelPoll, wire.KeyPoll, wire.SessionRequest{SessionID: b}))
	require.Len(t, polled.Batches, 1)
}

func TestFaultInjection(t *testing.T) {
	s, err := NewDemo()
	require.NoError(t, err)
	s.FailNext(wire.ChannelOrd, wire.KeyLoad, wire.ErrTypeInternal, "disk on fire", true)
	reply := call(t, s, wire.ChannelOrd, wire.KeyLoad, wire.LoadRequest{})
	assert.Equal(t, wire.KindError, reply.Kind)
	assert.True(t, reply.CommsFatal)
	assert.Equal(t, wire.KindResponse, call(t, s, wire.ChannelOrd, wire.KeyLoad, wire.LoadRequest{}).Kind)

	boom := errors.New("link down")
	s.FailTransport(boom)
	_, err = s.Exchange(context.Background(), []byte("{}"))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, s.Requests(wire.ChannelOrd, wire.KeyLoad))
}
