package mirror

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stationTree builds a loaded root with an unloaded Drivers folder and a
// loaded Folder holding Device.
func stationTree() *EncodedValue {
	device := Component("control:NumericPoint", 0x20,
		Property("out", Struct("baja:StatusNumeric",
			Property("value", Primitive("baja:Double", 21.5)),
			Property("status", Primitive("baja:Status", "ok")),
		)),
		Action("set"),
		Topic("alarm"),
	)
	folder := Component("baja:Folder", 0x10, Property("Device", device))
	return Component("baja:Station", RootHandle,
		Property("Drivers", Stub("driver:DriverContainer", 0x2)),
		Property("Folder", folder),
	)
}

func newTree(t *testing.T) *Mirror {
	t.Helper()
	m := New()
	require.NoError(t, m.Reset(stationTree()))
	return m
}

func TestResetIndexesHandles(t *testing.T) {
	m := newTree(t)
	assert.Equal(t, 4, m.Len())

	drivers, ok := m.Lookup(0x2)
	require.True(t, ok)
	assert.False(t, drivers.Loaded())
	assert.Equal(t, "/Drivers", drivers.SlotPath())

	dev, ok := m.Lookup(0x20)
	require.True(t, ok)
	assert.Equal(t, "/Folder/Device", dev.SlotPath())
	out, ok := dev.Get("out")
	require.True(t, ok)
	st := out.(*Node)
	assert.False(t, st.IsComponent())
	v, _ := st.Get("value")
	assert.Equal(t, 21.5, v)
}

func TestResetRejectsPrimitiveRoot(t *testing.T) {
	m := newTree(t)
	err := m.Reset(Primitive("baja:String", "x"))
	require.Error(t, err)
	assert.Equal(t, 4, m.Len(), "failed reset keeps the previous tree")
}

func TestWalkStopsAtUnloaded(t *testing.T) {
	m := newTree(t)
	last, idx, ok := m.Walk(m.Root(), []string{"Drivers", "Modbus", "Point"})
	require.True(t, ok)
	assert.Equal(t, 1, idx)
	assert.Equal(t, Handle(0x2), last.Handle())

	_, _, ok = m.Walk(m.Root(), []string{"Missing"})
	assert.False(t, ok)

	last, idx, ok = m.Walk(m.Root(), []string{"Folder", "Device", "..", "Device"})
	require.True(t, ok)
	assert.Equal(t, 4, idx)
	assert.Equal(t, Handle(0x20), last.Handle())
}

func TestRenameThenSet(t *testing.T) {
	m := newTree(t)
	res := m.ApplyOps([]Op{
		Rename{Handle: 0x10, Old: "Device", New: "Pump"},
		Set{Handle: 0x20, Path: []string{"out", "value"}, Value: Primitive("baja:Double", 40.0)},
	})
	assert.Equal(t, ApplyResult{Applied: 2}, res)

	folder, _ := m.Lookup(0x10)
	assert.Equal(t, []string{"Pump"}, folder.SlotNames())
	pump, ok := m.Lookup(0x20)
	require.True(t, ok)
	assert.Equal(t, "/Folder/Pump", pump.SlotPath())
	out, _ := pump.Get("out")
	v, _ := out.(*Node).Get("value")
	assert.Equal(t, 40.0, v)
}

func TestOpsAreIdempotent(t *testing.T) {
	ops := []Op{
		Add{Handle: 0x10, Name: "Valve", Value: Component("baja:Folder", 0x30)},
		Rename{Handle: 0x10, Old: "Device", New: "Pump"},
		Remove{Handle: 0x10, Name: "Valve"},
		SetFlags{Handle: 0x20, Name: "out", Flags: FlagReadonly},
		AddLink{Handle: 0x20, Link: Link{Name: "L1", Source: 0x10, SourceSlot: "a", TargetSlot: "out"}},
		Reorder{Handle: 0x20, Names: []string{"alarm", "set"}},
	}
	m := newTree(t)
	m.ApplyOps(ops)
	once := Encode(m.Root(), -1)
	handles := m.Len()

	second := m.ApplyOps(ops)
	assert.Equal(t, once, Encode(m.Root(), -1))
	assert.Equal(t, handles, m.Len())
	assert.Zero(t, second.Invalid)
}

func TestSetReplacesPrimitiveWithComplex(t *testing.T) {
	m := newTree(t)
	res := m.ApplyOps([]Op{
		Set{Handle: 0x20, Path: []string{"out"}, Value: Primitive("baja:Double", 1.0)},
		Set{Handle: 0x20, Path: []string{"out"}, Value: Struct("baja:StatusNumeric",
			Property("value", Primitive("baja:Double", 2.0)))},
	})
	assert.Equal(t, 2, res.Applied)
	dev, _ := m.Lookup(0x20)
	out, _ := dev.Get("out")
	node, ok := out.(*Node)
	require.True(t, ok)
	assert.Equal(t, []string{"value"}, node.SlotNames())
}

func TestSetMergesSameTypeStruct(t *testing.T) {
	m := newTree(t)
	dev, _ := m.Lookup(0x20)
	before, _ := dev.Get("out")

	m.ApplyOps([]Op{Set{Handle: 0x20, Path: []string{"out"}, Value: Struct("baja:StatusNumeric",
		Property("value", Primitive("baja:Double", 99.0)))}})

	after, _ := dev.Get("out")
	assert.Same(t, before.(*Node), after.(*Node), "merge keeps node identity")
	v, _ := after.(*Node).Get("value")
	assert.Equal(t, 99.0, v)
	status, ok := after.(*Node).Get("status")
	require.True(t, ok, "merge keeps untouched siblings")
	assert.Equal(t, "ok", status)
}

func TestSetTypeChangeReplaces(t *testing.T) {
	m := newTree(t)
	dev, _ := m.Lookup(0x20)
	before, _ := dev.Get("out")

	m.ApplyOps([]Op{Set{Handle: 0x20, Path: []string{"out"}, Value: Struct("baja:StatusBoolean",
		Property("value", Primitive("baja:Boolean", true)))}})

	after, _ := dev.Get("out")
	assert.NotSame(t, before.(*Node), after.(*Node))
	_, ok := after.(*Node).Get("status")
	assert.False(t, ok)
}

func TestSetHandleMismatchReindexes(t *testing.T) {
	m := newTree(t)
	m.ApplyOps([]Op{Set{Handle: RootHandle, Path: []string{"Folder"},
		Value: Component("baja:Folder", 0x40, Property("Other", Primitive("baja:String", "x")))}})

	_, ok := m.Lookup(0x10)
	assert.False(t, ok)
	_, ok = m.Lookup(0x20)
	assert.False(t, ok, "old subtree is dropped from the handle table")
	folder, ok := m.Lookup(0x40)
	require.True(t, ok)
	assert.Equal(t, "/Folder", folder.SlotPath())
}

func TestLoadAddsRemovesAndKeepsLoadedChildren(t *testing.T) {
	m := newTree(t)
	res := m.ApplyOps([]Op{Load{Handle: 0x10, Value: Component("baja:Folder", 0x10,
		Property("Device", Stub("control:NumericPoint", 0x20)),
		Property("Meter", Stub("control:NumericPoint", 0x21)),
	).WithLinks(Link{Name: "L", Source: 0x21, SourceSlot: "out", TargetSlot: "in"})}})
	assert.Equal(t, 1, res.Applied)

	folder, _ := m.Lookup(0x10)
	assert.Equal(t, []string{"Device", "Meter"}, folder.SlotNames())
	assert.Len(t, folder.Links(), 1)

	dev, _ := m.Lookup(0x20)
	assert.True(t, dev.Loaded(), "a stub does not unload a loaded child")
	assert.Equal(t, []string{"out", "set", "alarm"}, dev.SlotNames())

	m.ApplyOps([]Op{Load{Handle: 0x10, Value: Component("baja:Folder", 0x10,
		Property("Meter", Stub("control:NumericPoint", 0x21)))}})
	_, ok := m.Lookup(0x20)
	assert.False(t, ok, "pruned slot unregisters its component")
	assert.Empty(t, folder.Links())
}

func TestLoadOfUnloadedTarget(t *testing.T) {
	m := newTree(t)
	// ops against an unloaded component are skipped until it loads
	res := m.ApplyOps([]Op{Add{Handle: 0x2, Name: "Modbus", Value: Stub("modbus:Network", 0x3)}})
	assert.Equal(t, ApplyResult{Skipped: 1}, res)

	m.ApplyOps([]Op{Load{Handle: 0x2, Value: Component("driver:DriverContainer", 0x2,
		Property("Modbus", Stub("modbus:Network", 0x3)))}})
	drivers, _ := m.Lookup(0x2)
	assert.True(t, drivers.Loaded())
	net, ok := m.Lookup(0x3)
	require.True(t, ok)
	assert.False(t, net.Loaded())
}

func TestFireEventOnlyWhenLoaded(t *testing.T) {
	m := newTree(t)
	var fired []Event
	unsubscribe := m.Subscribe(func(ev Event) {
		if ev.Kind == EventTopicFired {
			fired = append(fired, ev)
		}
	})
	defer unsubscribe()

	m.ApplyOps([]Op{
		FireEvent{Handle: 0x20, Name: "alarm", Event: Primitive("baja:String", "high")},
		FireEvent{Handle: 0x20, Name: "nope"},
		FireEvent{Handle: 0x2, Name: "alarm"},
	})
	require.Len(t, fired, 1)
	assert.Equal(t, "high", fired[0].Value)
	assert.Equal(t, Handle(0x20), fired[0].Node.Handle())
}

func TestUnknownTargetIsNoop(t *testing.T) {
	m := newTree(t)
	before := Encode(m.Root(), -1)
	res := m.ApplyOps([]Op{Remove{Handle: 0x99, Name: "Folder"}})
	assert.Equal(t, ApplyResult{Skipped: 1}, res)
	assert.Equal(t, before, Encode(m.Root(), -1))
}

func TestRenameOntoExistingSlotIsSkipped(t *testing.T) {
	m := newTree(t)
	res := m.ApplyOps([]Op{Rename{Handle: RootHandle, Old: "Drivers", New: "Folder"}})
	assert.Equal(t, ApplyResult{Skipped: 1}, res)
	assert.Equal(t, []string{"Drivers", "Folder"}, m.Root().SlotNames())
}

func TestApplyRawThroughWireForm(t *testing.T) {
	raws, err := EncodeOps(
		Set{Handle: 0x20, Path: []string{"out", "status"}, Value: Primitive("baja:Status", "fault")},
		SetFacets{Handle: 0x20, Name: "out", Facets: "units=C"},
	)
	require.NoError(t, err)
	raws = append(raws, []byte(`{"op":"zz","h":"20"}`))

	m := newTree(t)
	res := m.ApplyRaw(raws)
	assert.Equal(t, ApplyResult{Applied: 2, Invalid: 1}, res)

	dev, _ := m.Lookup(0x20)
	s, _ := dev.Slot("out")
	assert.Equal(t, "units=C", s.Facets)
	out, _ := dev.Get("out")
	status, _ := out.(*Node).Get("status")
	assert.Equal(t, "fault", status)
}

func TestListenerPanicIsContained(t *testing.T) {
	m := newTree(t)
	calls := 0
	m.Subscribe(func(Event) { panic("boom") })
	m.Subscribe(func(Event) { calls++ })
	m.ApplyOps([]Op{SetFlags{Handle: 0x20, Name: "set", Flags: FlagHidden}})
	assert.Equal(t, 1, calls)
}
