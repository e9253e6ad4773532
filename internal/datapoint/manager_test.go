package datapoint

import (
	"context"
	"testing"
	"time"

	"github.com/tankwanghow/poucon/internal/bus"
	"github.com/tankwanghow/poucon/internal/model"
	"github.com/tankwanghow/poucon/internal/portio"
	"github.com/tankwanghow/poucon/internal/transport"
)

func TestManagerPollsAndCachesAndPublishes(t *testing.T) {
	sim := transport.NewSim()
	sim.SetRegister(1, 0, 235)

	b := bus.New()
	evts, unsubscribe := b.Subscribe(bus.TopicDataPointUpdated, 4)
	defer unsubscribe()

	m := NewManager(b)
	defer m.Close()

	port := model.Port{ID: "p1", Protocol: model.ProtoModbusTCP}
	m.AddPort(port, portio.NewWorker(sim))

	dp := model.DataPoint{
		Name: "temp1", Port: "p1", Direction: model.DirAnalogInput,
		Slave: 1, Register: 0, ReadFunc: "read_holding_register",
		ValueType: model.ValInt16, Scale: 0.1,
	}
	m.Schedule(dp, 20*time.Millisecond)

	select {
	case evt := <-evts:
		upd := evt.Payload.(DataPointUpdated)
		if upd.Name != "temp1" || !upd.Entry.OK || upd.Entry.Value != 23.5 {
			t.Fatalf("unexpected update: %+v", upd)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for poll")
	}

	entry, ok := m.Lookup("temp1")
	if !ok || entry.Value != 23.5 {
		t.Fatalf("Lookup = %+v, %v", entry, ok)
	}
}

func TestManagerWriteThroughCoil(t *testing.T) {
	sim := transport.NewSim()
	b := bus.New()
	m := NewManager(b)
	defer m.Close()

	port := model.Port{ID: "p1"}
	m.AddPort(port, portio.NewWorker(sim))

	dp := model.DataPoint{Name: "relay1", Port: "p1", Direction: model.DirCoil, Slave: 2, Register: 4, WriteFunc: "write_coil"}
	m.RegisterPoint(dp)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.Write(ctx, "relay1", 1); err != nil {
		t.Fatal(err)
	}

	res, err := sim.Request(ctx, transport.Cmd{Verb: transport.VerbReadCoils, Slave: 2, Addr: 4, Count: 1})
	if err != nil {
		t.Fatal(err)
	}
	if res.Values[0]&1 != 1 {
		t.Fatalf("coil not written: %v", res.Values)
	}
}

func TestReconnectPortAssignsNewGeneration(t *testing.T) {
	b := bus.New()
	m := NewManager(b)
	defer m.Close()

	port := model.Port{ID: "p1"}
	m.AddPort(port, portio.NewWorker(transport.NewSim()))

	before, ok := m.PortStatus("p1")
	if !ok || before.Generation == "" {
		t.Fatalf("expected a non-empty generation after AddPort, got %+v", before)
	}

	err := m.ReconnectPort("p1", func(model.Port) (transport.Adapter, error) {
		return transport.NewSim(), nil
	})
	if err != nil {
		t.Fatal(err)
	}

	after, ok := m.PortStatus("p1")
	if !ok || after.Generation == "" {
		t.Fatalf("expected a non-empty generation after ReconnectPort, got %+v", after)
	}
	if after.Generation == before.Generation {
		t.Fatal("expected ReconnectPort to assign a new generation id distinct from the prior connection")
	}
}
