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

type simSetter interface {
	SetInput(slave, addr int, value bool)
}

func newFeedingRig(t *testing.T) (*datapoint.Manager, model.Equipment, simSetter) {
	t.Helper()
	sim := transport.NewSim()
	b := bus.New()
	dm := datapoint.NewManager(b)
	t.Cleanup(dm.Close)

	dm.AddPort(model.Port{ID: "p1"}, portio.NewWorker(sim))

	toBack := model.DataPoint{Name: "fd_toback", Port: "p1", Direction: model.DirCoil, Slave: 1, Register: 0, WriteFunc: "write_coil"}
	toFront := model.DataPoint{Name: "fd_tofront", Port: "p1", Direction: model.DirCoil, Slave: 1, Register: 1, WriteFunc: "write_coil"}
	fwdFB := model.DataPoint{Name: "fd_fwdfb", Port: "p1", Direction: model.DirDiscreteInput, Slave: 1, Register: 0, ReadFunc: "read_digital_input"}
	revFB := model.DataPoint{Name: "fd_revfb", Port: "p1", Direction: model.DirDiscreteInput, Slave: 1, Register: 1, ReadFunc: "read_digital_input"}
	front := model.DataPoint{Name: "fd_front", Port: "p1", Direction: model.DirDiscreteInput, Slave: 1, Register: 2, ReadFunc: "read_digital_input"}
	back := model.DataPoint{Name: "fd_back", Port: "p1", Direction: model.DirDiscreteInput, Slave: 1, Register: 3, ReadFunc: "read_digital_input"}
	pulse := model.DataPoint{Name: "fd_pulse", Port: "p1", Direction: model.DirDiscreteInput, Slave: 1, Register: 4, ReadFunc: "read_digital_input"}
	am := model.DataPoint{Name: "fd_am", Port: "p1", Direction: model.DirDiscreteInput, Slave: 1, Register: 5, ReadFunc: "read_digital_input"}
	dm.RegisterPoint(toBack)
	dm.RegisterPoint(toFront)
	dm.Schedule(fwdFB, 10*time.Millisecond)
	dm.Schedule(revFB, 10*time.Millisecond)
	dm.Schedule(front, 10*time.Millisecond)
	dm.Schedule(back, 10*time.Millisecond)
	dm.Schedule(pulse, 10*time.Millisecond)
	dm.Schedule(am, 10*time.Millisecond)

	eq := model.Equipment{
		Name: "feeder1", Kind: model.KindFeeding,
		Tree: map[string]any{
			"to_back_limit":  "fd_toback",
			"to_front_limit": "fd_tofront",
			"fwd_feedback":   "fd_fwdfb",
			"rev_feedback":   "fd_revfb",
			"front_limit":    "fd_front",
			"back_limit":     "fd_back",
			"pulse_sensor":   "fd_pulse",
			"auto_manual":    "fd_am",
		},
		PollIntervalMS: 10,
	}
	return dm, eq, sim
}

func TestFeedingMoveToBackRejectedWithoutFrontLimit(t *testing.T) {
	dm, eq, sim := newFeedingRig(t)
	sim.SetInput(1, 2, false) // front_limit = off
	sim.SetInput(1, 3, false) // back_limit = off
	sim.SetInput(1, 5, true)  // auto_manual = auto

	ctrl, err := New(eq, dm, nil, bus.New())
	if err != nil {
		t.Fatal(err)
	}
	defer ctrl.Close()
	time.Sleep(30 * time.Millisecond)

	f := ctrl.(*feeding)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := f.MoveToBack(ctx); err != nil {
		t.Fatal(err)
	}
	if f.Status().FeedState == model.FeedMovingToBack {
		t.Fatal("move_to_back must be rejected when front_limit is not on")
	}
}

func TestFeedingMoveToBackTransitionsToAtBack(t *testing.T) {
	dm, eq, sim := newFeedingRig(t)
	sim.SetInput(1, 2, true)  // front_limit = on
	sim.SetInput(1, 3, false) // back_limit = off
	sim.SetInput(1, 1, true)  // rev_feedback = on
	sim.SetInput(1, 5, true)  // auto_manual = auto

	ctrl, err := New(eq, dm, nil, bus.New())
	if err != nil {
		t.Fatal(err)
	}
	defer ctrl.Close()
	time.Sleep(30 * time.Millisecond)

	f := ctrl.(*feeding)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := f.MoveToBack(ctx); err != nil {
		t.Fatal(err)
	}
	if f.Status().FeedState != model.FeedMovingToBack {
		t.Fatalf("expected moving_to_back, got %v", f.Status().FeedState)
	}

	sim.SetInput(1, 3, true) // back_limit reached
	time.Sleep(30 * time.Millisecond)

	if f.Status().FeedState != model.FeedAtBack {
		t.Fatalf("expected at_back once back_limit fires, got %v", f.Status().FeedState)
	}
}

func TestFeedingBothLimitsOnFaults(t *testing.T) {
	dm, eq, sim := newFeedingRig(t)
	sim.SetInput(1, 2, true) // front_limit = on
	sim.SetInput(1, 3, true) // back_limit = on

	ctrl, err := New(eq, dm, nil, bus.New())
	if err != nil {
		t.Fatal(err)
	}
	defer ctrl.Close()
	time.Sleep(30 * time.Millisecond)

	if ctrl.Status().FeedState != model.FeedFault {
		t.Fatalf("expected fault when both limits are on, got %v", ctrl.Status().FeedState)
	}
}

func TestFeedingFaultClearsOnlyThroughReset(t *testing.T) {
	dm, eq, sim := newFeedingRig(t)
	sim.SetInput(1, 2, true) // front_limit = on
	sim.SetInput(1, 3, true) // back_limit = on

	ctrl, err := New(eq, dm, nil, bus.New())
	if err != nil {
		t.Fatal(err)
	}
	defer ctrl.Close()
	time.Sleep(30 * time.Millisecond)

	if ctrl.Status().FeedState != model.FeedFault {
		t.Fatalf("expected fault when both limits are on, got %v", ctrl.Status().FeedState)
	}

	// Several more poll cycles pass with the fault condition still in
	// place; Refresh alone must never clear it.
	time.Sleep(30 * time.Millisecond)
	if ctrl.Status().FeedState != model.FeedFault {
		t.Fatal("expected fault to persist across polls without an explicit Reset")
	}

	// Clear the underlying condition (an operator would resolve this
	// before resetting) so Reset's outcome isn't immediately undone by
	// the next poll's both-limits check.
	sim.SetInput(1, 3, false) // back_limit = off
	time.Sleep(30 * time.Millisecond)

	if err := ctrl.Reset(); err != nil {
		t.Fatalf("Reset returned an error: %v", err)
	}
	if ctrl.Status().FeedState != model.FeedIdle {
		t.Fatalf("expected idle after Reset, got %v", ctrl.Status().FeedState)
	}
	if ctrl.Status().Running {
		t.Fatal("expected running to clear after Reset")
	}
}
