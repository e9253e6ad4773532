package config

import (
	"testing"

	"github.com/tankwanghow/poucon/internal/bus"
	"github.com/tankwanghow/poucon/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("file::memory:?cache=shared", bus.New())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenAppliesSchemaAndLoadsEmpty(t *testing.T) {
	s := newTestStore(t)
	if got := len(s.Equipment()); got != 0 {
		t.Fatalf("expected no equipment on a fresh database, got %d", got)
	}
}

func TestReplaceEquipmentRejectsMissingRoleKey(t *testing.T) {
	s := newTestStore(t)
	eq := model.Equipment{Name: "fan1", Kind: model.KindFan, Tree: map[string]any{}}
	if err := s.ReplaceEquipment(eq); err == nil {
		t.Fatal("expected an equipment missing on_off_coil to be rejected")
	}
}

func TestReplaceEquipmentRoundTrips(t *testing.T) {
	s := newTestStore(t)
	eq := model.Equipment{
		Name: "fan1", Title: "Fan 1", Kind: model.KindFan, Active: true,
		Tree: map[string]any{"on_off_coil": "fan1_coil", "running_feedback": "fan1_fb", "auto_manual": "fan1_am"},
	}
	if err := s.ReplaceEquipment(eq); err != nil {
		t.Fatalf("ReplaceEquipment: %v", err)
	}

	got := s.Equipment()
	if len(got) != 1 {
		t.Fatalf("expected one equipment row, got %d", len(got))
	}
	if got[0].Name != "fan1" || got[0].Kind != model.KindFan {
		t.Fatalf("unexpected round trip: %+v", got[0])
	}
	if name, ok := got[0].Point("on_off_coil"); !ok || name != "fan1_coil" {
		t.Fatalf("expected on_off_coil to round-trip, got %q ok=%v", name, ok)
	}
}

func TestReplaceInterlockRulesRejectsSelfLoop(t *testing.T) {
	s := newTestStore(t)
	err := s.ReplaceInterlockRules([]model.InterlockRule{{Upstream: "fan1", Downstream: "fan1", Enabled: true}})
	if err == nil {
		t.Fatal("expected a self-loop rule to be rejected")
	}
}

func TestSetEnvironmentConfigRoundTrips(t *testing.T) {
	s := newTestStore(t)
	cfg := model.EnvironmentConfig{
		FailsafeFanCount: 1,
		Steps:            [5]model.TempStep{{Temp: 20, ExtraFans: 1, Pumps: []string{"pump1"}}, {Temp: 28, ExtraFans: 2}},
		HumidityMin:      40, HumidityMax: 80,
		TempSensorOrder: []string{"t_front", "t_back"},
		Enabled:         true,
	}
	if err := s.SetEnvironmentConfig(cfg); err != nil {
		t.Fatalf("SetEnvironmentConfig: %v", err)
	}

	got := s.EnvironmentConfig()
	if got.Steps[0].Temp != 20 || got.Steps[0].Pumps[0] != "pump1" {
		t.Fatalf("expected steps to round-trip, got %+v", got.Steps)
	}
	if len(got.TempSensorOrder) != 2 || got.TempSensorOrder[0] != "t_front" {
		t.Fatalf("expected temp sensor order to round-trip, got %v", got.TempSensorOrder)
	}
}

func TestReplaceSchedulesRoundTrips(t *testing.T) {
	s := newTestStore(t)
	rows := []model.Schedule{{
		Equipment: "light1", Kind: model.ScheduleLight, Enabled: true,
		OnTime: model.DayTime{Hour: 6}, OffTime: model.DayTime{Hour: 18},
	}}
	if err := s.ReplaceSchedules(rows); err != nil {
		t.Fatalf("ReplaceSchedules: %v", err)
	}

	got := s.Schedules()
	if len(got) != 1 || got[0].OnTime.Hour != 6 {
		t.Fatalf("expected schedule row to round-trip, got %+v", got)
	}
}
