package environment

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/tankwanghow/poucon/internal/bus"
	"github.com/tankwanghow/poucon/internal/datapoint"
	"github.com/tankwanghow/poucon/internal/model"
)

type fakeFan struct {
	name string

	mu      sync.Mutex
	mode    model.Mode
	command bool
	running bool
	errKind model.ErrorKind
}

func newFakeFan(name string) *fakeFan {
	return &fakeFan{name: name, mode: model.ModeAuto}
}

func (f *fakeFan) Name() string              { return f.name }
func (f *fakeFan) Kind() model.EquipmentKind  { return model.KindFan }
func (f *fakeFan) SetMode(m model.Mode) error { f.mu.Lock(); f.mode = m; f.mu.Unlock(); return nil }
func (f *fakeFan) Refresh()                   {}
func (f *fakeFan) Reset() error               { return nil }
func (f *fakeFan) Close()                     {}

func (f *fakeFan) Status() model.EquipmentStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return model.EquipmentStatus{Name: f.name, Mode: f.mode, Command: f.command, Running: f.running, Error: f.errKind}
}

func (f *fakeFan) TurnOn(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.command = true
	f.running = true
	return nil
}

func (f *fakeFan) TurnOff(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.command = false
	f.running = false
	return nil
}

func baseConfig() model.EnvironmentConfig {
	return model.EnvironmentConfig{
		FailsafeFanCount:        0,
		Steps:                   [5]model.TempStep{{Temp: 20, ExtraFans: 1}, {Temp: 25, ExtraFans: 2}, {Temp: 30, ExtraFans: 3}},
		HumidityMin:             40,
		HumidityMax:             80,
		StaggerDelaySeconds:     0,
		DelayBetweenStepSeconds: 0,
		PollIntervalSeconds:     1,
		TempSensorOrder:         []string{"t_front", "t_back"},
		MaxTempDelta:            5,
		Enabled:                 true,
	}
}

func TestStepForPicksFloorBelowThreshold(t *testing.T) {
	cfg := baseConfig()
	if got := stepFor(cfg, 10); got != 0 {
		t.Fatalf("stepFor(10) = %d, want 0 (floor)", got)
	}
	if got := stepFor(cfg, 26); got != 1 {
		t.Fatalf("stepFor(26) = %d, want 1", got)
	}
	if got := stepFor(cfg, 31); got != 2 {
		t.Fatalf("stepFor(31) = %d, want 2", got)
	}
}

func TestRegulatorDrivesFanOnWhenBelowTarget(t *testing.T) {
	b := bus.New()
	dm := datapoint.NewManager(b)
	defer dm.Close()
	dm.PublishDerived("avg1", 28) // avg_temp -> step index 1, extra_fans=2

	r := New(b, dm)
	r.SetConfig(baseConfig())
	r.RegisterAverageSensor("avg1")

	fan1 := newFakeFan("fan1")
	fan2 := newFakeFan("fan2")
	r.RegisterFan("fan1", fan1)
	r.RegisterFan("fan2", fan2)

	r.cycle()

	on := 0
	for _, f := range []*fakeFan{fan1, fan2} {
		if f.Status().Command {
			on++
		}
	}
	if on != 1 {
		t.Fatalf("expected exactly one fan turned on this cycle, got %d", on)
	}
}

func TestRegulatorDisabledDrivesEverythingOff(t *testing.T) {
	b := bus.New()
	dm := datapoint.NewManager(b)
	defer dm.Close()

	cfg := baseConfig()
	cfg.Enabled = false

	r := New(b, dm)
	r.SetConfig(cfg)

	fan1 := newFakeFan("fan1")
	fan1.command = true
	fan1.running = true
	r.RegisterFan("fan1", fan1)

	r.cycle()

	if fan1.Status().Command {
		t.Fatal("expected fan1 to be driven off while the regulator is disabled")
	}
}

func TestRegulatorMaintainsFloorWithoutSensorReading(t *testing.T) {
	b := bus.New()
	dm := datapoint.NewManager(b)
	defer dm.Close()

	r := New(b, dm)
	r.SetConfig(baseConfig()) // Steps[0].ExtraFans == 1
	fan1 := newFakeFan("fan1")
	fan2 := newFakeFan("fan2")
	r.RegisterFan("fan1", fan1)
	r.RegisterFan("fan2", fan2)

	r.cycle() // no average_sensor reading published; must still hold the step-1 floor

	on := 0
	for _, f := range []*fakeFan{fan1, fan2} {
		if f.Status().Command {
			on++
		}
	}
	if on != 1 {
		t.Fatalf("expected the step-1 minimum-ventilation floor to turn on exactly one fan, got %d", on)
	}
}

func TestStartAndClose(t *testing.T) {
	b := bus.New()
	dm := datapoint.NewManager(b)
	defer dm.Close()

	r := New(b, dm)
	cfg := baseConfig()
	cfg.PollIntervalSeconds = 1
	r.SetConfig(cfg)
	r.Start()
	time.Sleep(10 * time.Millisecond)
	r.Close()
}
