package equipment

import (
	"context"
	"testing"
	"time"

	"github.com/tankwanghow/poucon/internal/bus"
	"github.com/tankwanghow/poucon/internal/datapoint"
	"github.com/tankwanghow/poucon/internal/model"
	"github.com/tankwanghow/poucon/internal/portio"
	"github.com/tankwanghow/poucon/internal/transport"
)

func newFeedInRig(t *testing.T) (*datapoint.Manager, model.Equipment, func(full, trip, auto bool)) {
	t.Helper()
	sim := transport.NewSim()
	b := bus.New()
	dm := datapoint.NewManager(b)
	t.Cleanup(dm.Close)

	dm.AddPort(model.Port{ID: "p1"}, portio.NewWorker(sim))

	coil := model.DataPoint{Name: "fi_coil", Port: "p1", Direction: model.DirCoil, Slave: 1, Register: 0, WriteFunc: "write_coil"}
	full := model.DataPoint{Name: "fi_full", Port: "p1", Direction: model.DirDiscreteInput, Slave: 1, Register: 0, ReadFunc: "read_digital_input"}
	trip := model.DataPoint{Name: "fi_trip", Port: "p1", Direction: model.DirDiscreteInput, Slave: 1, Register: 1, ReadFunc: "read_digital_input"}
	am := model.DataPoint{Name: "fi_am", Port: "p1", Direction: model.DirDiscreteInput, Slave: 1, Register: 2, ReadFunc: "read_digital_input"}
	fb := model.DataPoint{Name: "fi_fb", Port: "p1", Direction: model.DirDiscreteInput, Slave: 1, Register: 3, ReadFunc: "read_digital_input"}
	dm.RegisterPoint(coil)
	dm.Schedule(full, 10*time.Millisecond)
	dm.Schedule(trip, 10*time.Millisecond)
	dm.Schedule(am, 10*time.Millisecond)
	dm.Schedule(fb, 10*time.Millisecond)

	eq := model.Equipment{
		Name: "feedin1", Kind: model.KindFeedIn,
		Tree: map[string]any{
			"filling_coil":     "fi_coil",
			"running_feedback": "fi_fb",
			"auto_manual":      "fi_am",
			"full_switch":      "fi_full",
			"trip":             "fi_trip",
		},
		PollIntervalMS: 10,
	}

	setInputs := func(full, trip, auto bool) {
		sim.SetInput(1, 0, full)
		sim.SetInput(1, 1, trip)
		sim.SetInput(1, 2, auto)
	}
	return dm, eq, setInputs
}

func TestFeedInBlocksOnFullSwitch(t *testing.T) {
	dm, eq, setInputs := newFeedInRig(t)
	setInputs(true, false, true) // bucket full, not tripped, auto

	ctrl, err := New(eq, dm, nil, bus.New())
	if err != nil {
		t.Fatal(err)
	}
	defer ctrl.Close()
	time.Sleep(30 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := ctrl.TurnOn(ctx); err != nil {
		t.Fatal(err)
	}

	status := ctrl.Status()
	if status.Command {
		t.Fatal("feed_in should not command on while the bucket is full")
	}
}

func TestFeedInRejectsOnTrip(t *testing.T) {
	dm, eq, setInputs := newFeedInRig(t)
	setInputs(false, true, true) // not full, tripped, auto

	ctrl, err := New(eq, dm, nil, bus.New())
	if err != nil {
		t.Fatal(err)
	}
	defer ctrl.Close()
	time.Sleep(30 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := ctrl.TurnOn(ctx); err == nil {
		t.Fatal("expected a tripped feed_in to reject turn_on")
	}
}
