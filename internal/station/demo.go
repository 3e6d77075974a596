package station

import (
	"fmt"

	"ordsync/internal/mirror"
	"ordsync/internal/wire"
)

// Handles of the demo tree.
const (
	HandleServices   mirror.Handle = 0x2
	HandleAlarmSvc   mirror.Handle = 0x3
	HandleDrivers    mirror.Handle = 0x10
	HandleNetwork    mirror.Handle = 0x11
	HandleController mirror.Handle = 0x12
	HandleFolder     mirror.Handle = 0x20
	HandleDevice     mirror.Handle = 0x21
	HandleMeter      mirror.Handle = 0x22
)

// DemoAlarmQuery is the descriptor of the demo alarm table.
const DemoAlarmQuery = "bql:select timestamp, source, text from alarms"

func point(h mirror.Handle, value float64, units string) *mirror.EncodedValue {
	return mirror.Component("control:NumericPoint", h,
		mirror.Property("out", mirror.Struct("baja:StatusNumeric",
			mirror.Property("value", mirror.Primitive("baja:Double", value)),
			mirror.Property("status", mirror.Primitive("baja:Status", "ok")),
		)),
		mirror.Property("units", mirror.Primitive("baja:String", units)),
		mirror.Action("set"),
		mirror.Action("override"),
		mirror.Topic("alarm"),
	)
}

// DemoTree is a small station: services, a driver network and a folder
// holding points wired with a link.
func DemoTree() *mirror.EncodedValue {
	services := mirror.Component("baja:ServiceContainer", HandleServices,
		mirror.Property("AlarmService", mirror.Component("alarm:AlarmService", HandleAlarmSvc,
			mirror.Property("capacity", mirror.Primitive("baja:Integer", 500)),
			mirror.Action("ackAll"),
		)),
	)
	drivers := mirror.Component("driver:DriverContainer", HandleDrivers,
		mirror.Property("Modbus", mirror.Component("modbus:Network", HandleNetwork,
			mirror.Property("Controller", mirror.Component("modbus:Device", HandleController,
				mirror.Property("address", mirror.Primitive("baja:Integer", 7)),
				mirror.Action("ping"),
			)),
		)),
	)
	folder := mirror.Component("baja:Folder", HandleFolder,
		mirror.Property("Device", point(HandleDevice, 21.5, "celsius")),
		mirror.Property("Meter", point(HandleMeter, 1310, "kilowatt-hour").WithLinks(
			mirror.Link{Name: "fromDevice", Source: HandleDevice, SourceSlot: "out", TargetSlot: "out"},
		)),
	)
	return mirror.Component("baja:Station", mirror.RootHandle,
		mirror.Property("stationName", mirror.Primitive("baja:String", "demo")),
		mirror.Property("Services", services),
		mirror.Property("Drivers", drivers),
		mirror.Property("Folder", folder),
	)
}

// NewDemo builds a station over DemoTree with the alarm service and a
// 25-row alarm table registered.
func NewDemo(opts ...Option) (*Station, error) {
	s, err := New(DemoTree(), opts...)
	if err != nil {
		return nil, err
	}
	s.RegisterService("alarm:AlarmService", "/Services/AlarmService")
	rows := make([][]any, 25)
	for i := range rows {
		rows[i] = []any{fmt.Sprintf("2026-01-01T00:%02d:00Z", i), "/Folder/Device", fmt.Sprintf("high limit %d", i)}
	}
	s.RegisterTable(DemoAlarmQuery, &Table{
		Columns: []wire.TableColumn{
			{Name: "timestamp", Type: "baja:AbsTime"},
			{Name: "source", Type: "baja:Ord"},
			{Name: "text", Type: "baja:String"},
		},
		Rows: rows,
	})
	s.RegisterValue("sys:info", mirror.Struct("sys:Info",
		mirror.Property("version", mirror.Primitive("baja:String", "4.13")),
	))
	return s, nil
}
