package model

import "time"

// Protocol names a fieldbus transport (spec §4.1).
type Protocol string

const (
	ProtoModbusRTU    Protocol = "modbus_rtu"
	ProtoModbusTCP    Protocol = "modbus_tcp"
	ProtoRTUOverTCP   Protocol = "rtu_over_tcp"
	ProtoS7           Protocol = "s7"
	ProtoVirtual      Protocol = "virtual" // no live connection; used by tests/sim
)

// Port is a stable physical or virtual link (spec §3). It carries no
// connection state itself; port workers and transport adapters own that.
type Port struct {
	ID       string // device path, "tcp://ip:port", or "s7://ip"
	Protocol Protocol

	// Serial parameters, meaningful for ProtoModbusRTU.
	BaudRate int
	Parity   string // "N", "E", "O"
	DataBits int
	StopBits int

	// TCP parameters, meaningful for ProtoModbusTCP and ProtoRTUOverTCP.
	Host string
	TCPPort int

	// S7 parameters.
	S7Rack int
	S7Slot int

	Description string
}

// Direction tags a DataPoint's I/O role.
type Direction string

const (
	DirDiscreteInput Direction = "DI"
	DirCoil          Direction = "DO"
	DirAnalogInput   Direction = "AI"
	DirAnalogOutput  Direction = "AO"
)

// ValueType is the analog numeric encoding (spec §3).
type ValueType string

const (
	ValInt16   ValueType = "int16"
	ValUint16  ValueType = "uint16"
	ValInt32   ValueType = "int32"
	ValUint32  ValueType = "uint32"
	ValFloat32 ValueType = "float32"
	ValUint64  ValueType = "uint64"
)

// ByteOrder selects register word order for multi-register analog values.
type ByteOrder string

const (
	OrderHighLow ByteOrder = "high_low"
	OrderLowHigh ByteOrder = "low_high"
)

// ColorZone names a display band; the core carries it through unused.
type ColorZone struct {
	Color    string
	MinValue float64
	MaxValue float64
}

// DataPoint is a named atomic value at a Port (spec §3).
type DataPoint struct {
	Name      string
	Port      string
	Direction Direction
	Slave     int
	Register  int
	Channel   int // 1-indexed bit within Register; 0 means "whole register"

	ReadFunc  string
	WriteFunc string

	ValueType ValueType // meaningful for AI/AO
	ByteOrder ByteOrder

	Scale  float64
	Offset float64
	Unit   string

	MinValid, MaxValid *float64 // nil disables the corresponding bound

	LogInterval *int // seconds; nil = on-change, 0 = off, >0 = cadence
	Inverted    bool // NC-wiring digital inversion
	Description string

	ColorZones []ColorZone
}

// Equipment is a logical device assembled from DataPoints (spec §3).
type Equipment struct {
	Name   string
	Title  string
	Kind   EquipmentKind
	Tree   map[string]any // role key -> DataPoint name, or []string for list roles
	Active bool

	// PollIntervalMS overrides DefaultPollInterval(Kind) when non-zero.
	PollIntervalMS int
}

// PollInterval returns the effective polling cadence.
func (e Equipment) PollInterval() time.Duration {
	ms := e.PollIntervalMS
	if ms <= 0 {
		ms = DefaultPollInterval(e.Kind)
	}
	return time.Duration(ms) * time.Millisecond
}

// Point looks up a single-valued role key in the data-point tree.
func (e Equipment) Point(role string) (string, bool) {
	v, ok := e.Tree[role]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// PointList looks up a list-valued role key in the data-point tree.
func (e Equipment) PointList(role string) ([]string, bool) {
	v, ok := e.Tree[role]
	if !ok {
		return nil, false
	}
	switch t := v.(type) {
	case []string:
		return t, true
	case string:
		return []string{t}, true
	default:
		return nil, false
	}
}

// InterlockRule is a directed dependency edge (spec §3).
type InterlockRule struct {
	ID         int
	Upstream   string
	Downstream string
	Enabled    bool
}

// TempStep is one rung of the environment controller's staircase (spec §3).
type TempStep struct {
	Temp      float64
	ExtraFans int
	Pumps     []string
}

// EnvironmentConfig is the singleton closed-loop regulator configuration
// (spec §3).
type EnvironmentConfig struct {
	FailsafeFanCount int
	Steps            [5]TempStep

	HumidityMin, HumidityMax float64

	StaggerDelaySeconds      int
	DelayBetweenStepSeconds  int
	PollIntervalSeconds      int

	TempSensorOrder []string // front..back data-point names
	MaxTempDelta    float64

	Enabled bool
}

// Mode is an equipment's auto/manual state (spec §3).
type Mode string

const (
	ModeAuto    Mode = "auto"
	ModeManual  Mode = "manual"
	ModeUnknown Mode = "unknown"
)

// FeedState is the feeding motor's sub-state-machine (spec §4.4.1).
type FeedState string

const (
	FeedIdle          FeedState = "idle"
	FeedMovingToBack  FeedState = "moving_to_back"
	FeedAtBack        FeedState = "at_back"
	FeedMovingToFront FeedState = "moving_to_front"
	FeedAtFront       FeedState = "at_front"
	FeedFault         FeedState = "fault"
)

// EquipmentStatus is the ephemeral per-equipment snapshot published on
// each controller poll (spec §3).
type EquipmentStatus struct {
	Name    string
	Kind    EquipmentKind
	Mode    Mode
	Command bool // commanded-on flag
	Running bool // running-feedback flag
	Error   ErrorKind

	UpdatedAt time.Time

	// Value carries the read-through reading for sensor/meter kinds and
	// the computed mean for average_sensor; unused by actuator kinds.
	Value float64

	// Kind-specific extras.
	FeedState        FeedState // KindFeeding
	FrontLimit       bool      // KindFeeding
	BackLimit        bool      // KindFeeding
	BucketFull       bool      // KindFeedIn
	Tripped          bool      // KindFeedIn
}

// ScheduleKind selects the trigger semantics a Schedule row follows
// (spec §4.7).
type ScheduleKind string

const (
	ScheduleLight   ScheduleKind = "light"
	ScheduleFeeding ScheduleKind = "feeding"
	ScheduleEgg     ScheduleKind = "egg"
)

// Schedule is one auxiliary timetable row gating an equipment's automatic
// turn_on/turn_off (or, for feeding, move_to_back/move_to_front) against
// local time (spec §4.7, §6: "Auxiliary: light/egg/feeding schedules").
// The core does not persist or validate rows beyond what it interprets;
// unrecognized columns pass through the configuration store untouched.
type Schedule struct {
	ID        int
	Equipment string
	Kind      ScheduleKind
	Enabled   bool

	// OnTime/OffTime drive ScheduleLight. Crosses midnight iff
	// OnTime > OffTime.
	OnTime, OffTime DayTime

	// Start/Stop drive ScheduleEgg's collection window.
	Start, Stop DayTime

	// ToBackTime/ToFrontTime drive ScheduleFeeding's trigger instants.
	ToBackTime, ToFrontTime DayTime
}

// DayTime is a time-of-day with second resolution, independent of date.
type DayTime struct {
	Hour, Minute, Second int
}

// Before reports whether d precedes o within the same day.
func (d DayTime) Before(o DayTime) bool {
	return d.seconds() < o.seconds()
}

func (d DayTime) seconds() int {
	return d.Hour*3600 + d.Minute*60 + d.Second
}

// FromClock builds a DayTime from a time.Time's wall-clock components,
// discarding its date.
func FromClock(t time.Time) DayTime {
	return DayTime{Hour: t.Hour(), Minute: t.Minute(), Second: t.Second()}
}

// Equal reports whether d and o name the same wall-clock second.
func (d DayTime) Equal(o DayTime) bool {
	return d.seconds() == o.seconds()
}

// CacheEntry is the data-point manager's per-name cache record (spec §3).
type CacheEntry struct {
	OK        bool
	Value     float64 // digitals carried as 0/1
	Kind      ErrorKind
	UpdatedAt time.Time
}
