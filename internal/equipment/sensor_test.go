package equipment

import (
	"testing"
	"time"

	"github.com/tankwanghow/poucon/internal/bus"
	"github.com/tankwanghow/poucon/internal/datapoint"
	"github.com/tankwanghow/poucon/internal/model"
	"github.com/tankwanghow/poucon/internal/portio"
	"github.com/tankwanghow/poucon/internal/transport"
)

func TestSensorReadThrough(t *testing.T) {
	sim := transport.NewSim()
	b := bus.New()
	dm := datapoint.NewManager(b)
	defer dm.Close()

	dm.AddPort(model.Port{ID: "p1"}, portio.NewWorker(sim))
	sim.SetRegister(1, 0, 215)

	temp := model.DataPoint{
		Name: "t1", Port: "p1", Direction: model.DirAnalogInput,
		Slave: 1, Register: 0, ReadFunc: "read_holding_register",
		ValueType: model.ValInt16, Scale: 0.1,
	}
	dm.Schedule(temp, 10*time.Millisecond)

	eq := model.Equipment{
		Name: "temp_front", Kind: model.KindTempSensor,
		Tree:           map[string]any{"temperature": "t1"},
		PollIntervalMS: 10,
	}

	ctrl, err := New(eq, dm, nil, b)
	if err != nil {
		t.Fatal(err)
	}
	defer ctrl.Close()

	time.Sleep(50 * time.Millisecond)

	if v := ctrl.Status().Value; v != 21.5 {
		t.Fatalf("sensor value = %v, want 21.5", v)
	}
}

func TestAverageSensorComputesMean(t *testing.T) {
	sim := transport.NewSim()
	b := bus.New()
	dm := datapoint.NewManager(b)
	defer dm.Close()

	dm.AddPort(model.Port{ID: "p1"}, portio.NewWorker(sim))
	sim.SetRegister(1, 0, 200)
	sim.SetRegister(1, 1, 220)

	t1 := model.DataPoint{Name: "t1", Port: "p1", Direction: model.DirAnalogInput, Slave: 1, Register: 0, ReadFunc: "read_holding_register", ValueType: model.ValInt16, Scale: 0.1}
	t2 := model.DataPoint{Name: "t2", Port: "p1", Direction: model.DirAnalogInput, Slave: 1, Register: 1, ReadFunc: "read_holding_register", ValueType: model.ValInt16, Scale: 0.1}
	dm.Schedule(t1, 10*time.Millisecond)
	dm.Schedule(t2, 10*time.Millisecond)

	eq := model.Equipment{
		Name: "avg1", Kind: model.KindAverageSensor,
		Tree:           map[string]any{"temp_sensors": []string{"t1", "t2"}},
		PollIntervalMS: 10,
	}

	ctrl, err := New(eq, dm, nil, b)
	if err != nil {
		t.Fatal(err)
	}
	defer ctrl.Close()

	time.Sleep(50 * time.Millisecond)

	entry, ok := dm.Lookup("avg1")
	if !ok || !entry.OK {
		t.Fatal("expected average_sensor to publish a derived cache entry under its own name")
	}
	if entry.Value < 20.9 || entry.Value > 21.1 {
		t.Fatalf("avg1 = %v, want ~21.0", entry.Value)
	}
	if v := ctrl.Status().Value; v < 20.9 || v > 21.1 {
		t.Fatalf("status value = %v, want ~21.0", v)
	}
}

func TestPowerIndicatorIsDigitalOnly(t *testing.T) {
	sim := transport.NewSim()
	b := bus.New()
	dm := datapoint.NewManager(b)
	defer dm.Close()

	dm.AddPort(model.Port{ID: "p1"}, portio.NewWorker(sim))
	sim.SetInput(1, 0, true)

	ind := model.DataPoint{Name: "pwr1", Port: "p1", Direction: model.DirDiscreteInput, Slave: 1, Register: 0, ReadFunc: "read_digital_input"}
	dm.Schedule(ind, 10*time.Millisecond)

	eq := model.Equipment{
		Name: "mains1", Kind: model.KindPowerIndicator,
		Tree:           map[string]any{"indicator": "pwr1"},
		PollIntervalMS: 10,
	}

	ctrl, err := New(eq, dm, nil, b)
	if err != nil {
		t.Fatal(err)
	}
	defer ctrl.Close()

	time.Sleep(50 * time.Millisecond)

	if !ctrl.Status().Running {
		t.Fatal("power_indicator should reflect the indicator's on state")
	}
}
