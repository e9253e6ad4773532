package model

// EquipmentKind is the closed set of logical device types (spec §3).
type EquipmentKind string

const (
	KindFan            EquipmentKind = "fan"
	KindPump           EquipmentKind = "pump"
	KindLight          EquipmentKind = "light"
	KindSiren          EquipmentKind = "siren"
	KindFeeding        EquipmentKind = "feeding"
	KindFeedIn         EquipmentKind = "feed_in"
	KindEgg            EquipmentKind = "egg"
	KindDung           EquipmentKind = "dung"
	KindDungHorz       EquipmentKind = "dung_horz"
	KindDungExit       EquipmentKind = "dung_exit"
	KindTempSensor     EquipmentKind = "temp_sensor"
	KindHumiditySensor EquipmentKind = "humidity_sensor"
	KindCO2Sensor      EquipmentKind = "co2_sensor"
	KindNH3Sensor      EquipmentKind = "nh3_sensor"
	KindWaterMeter     EquipmentKind = "water_meter"
	KindPowerMeter     EquipmentKind = "power_meter"
	KindAverageSensor  EquipmentKind = "average_sensor"
	KindPowerIndicator EquipmentKind = "power_indicator"
)

// RequiredRoleKeys lists, per spec §4.4's table, the data-point-tree keys
// an Equipment of this kind must supply to load. Sensor kinds (anything
// not listed here) accept any keys; they are pure read-through.
var RequiredRoleKeys = map[EquipmentKind][]string{
	KindFan:      {"on_off_coil", "running_feedback", "auto_manual"},
	KindPump:     {"on_off_coil", "running_feedback", "auto_manual"},
	KindLight:    {"on_off_coil", "auto_manual"},
	KindSiren:    {"on_off_coil", "auto_manual", "running_feedback"},
	KindEgg:      {"on_off_coil", "running_feedback", "auto_manual", "manual_switch"},
	KindDung:     {"on_off_coil", "running_feedback"},
	KindDungHorz: {"on_off_coil", "running_feedback"},
	KindDungExit: {"on_off_coil", "running_feedback"},
	KindFeeding: {
		"to_back_limit", "to_front_limit", "fwd_feedback", "rev_feedback",
		"front_limit", "back_limit", "pulse_sensor", "auto_manual",
	},
	KindFeedIn:        {"filling_coil", "running_feedback", "auto_manual", "full_switch", "trip"},
	KindAverageSensor: {"temp_sensors"},
	KindPowerIndicator: {"indicator"},
}

// DefaultPollInterval returns the per-kind polling default of spec §3: 5s
// for sensors and meters, 500ms for actuators.
func DefaultPollInterval(k EquipmentKind) int {
	switch k {
	case KindFan, KindPump, KindLight, KindSiren, KindEgg,
		KindDung, KindDungHorz, KindDungExit, KindFeeding, KindFeedIn:
		return 500
	default:
		return 5000
	}
}

// HasAutoManual reports whether the kind carries a software/hardware
// auto_manual role key at all; kinds without one are always considered
// "auto" (spec §4.4: "absent key means always auto").
func HasAutoManual(k EquipmentKind) bool {
	switch k {
	case KindFan, KindPump, KindLight, KindSiren, KindEgg, KindFeeding, KindFeedIn:
		return true
	default:
		return false
	}
}
