package transport

import (
	"context"
	"testing"

	"github.com/tankwanghow/poucon/internal/model"
)

func TestSimReadWriteCoil(t *testing.T) {
	sim := NewSim()
	ctx := context.Background()

	if _, err := sim.Request(ctx, Cmd{Verb: VerbForceCoil, Slave: 3, Addr: 5, Value: 1}); err != nil {
		t.Fatal(err)
	}

	res, err := sim.Request(ctx, Cmd{Verb: VerbReadCoils, Slave: 3, Addr: 5, Count: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Values) != 1 || res.Values[0]&1 != 1 {
		t.Fatalf("coil not set: %v", res.Values)
	}
}

func TestSimOfflineSlaveFails(t *testing.T) {
	sim := NewSim()
	sim.SetOffline(7, true)

	_, err := sim.Request(context.Background(), Cmd{Verb: VerbReadHoldingRegisters, Slave: 7, Addr: 0, Count: 1})
	if err == nil {
		t.Fatal("want error for offline slave")
	}
	if model.AsKind(err) != model.ErrTimeout {
		t.Fatalf("kind = %v, want timeout", model.AsKind(err))
	}
}

func TestSimRenumberMovesState(t *testing.T) {
	sim := NewSim()
	ctx := context.Background()

	sim.SetRegister(10, 2, 1234)

	if _, err := sim.Request(ctx, Cmd{Verb: VerbPresetHoldingReg, Slave: 10, Addr: RenumberRegister, Value: 20}); err != nil {
		t.Fatal(err)
	}

	res, err := sim.Request(ctx, Cmd{Verb: VerbReadHoldingRegisters, Slave: 20, Addr: 2, Count: 1})
	if err != nil {
		t.Fatal(err)
	}
	if got := uint16(res.Values[0])<<8 | uint16(res.Values[1]); got != 1234 {
		t.Fatalf("register after renumber = %d, want 1234", got)
	}

	if _, err := sim.Request(ctx, Cmd{Verb: VerbReadHoldingRegisters, Slave: 10, Addr: 2, Count: 1}); err != nil {
		t.Fatal(err)
	}
}

func TestSimWriteMultipleRegisters(t *testing.T) {
	sim := NewSim()
	ctx := context.Background()

	// 12345678 as a big-endian uint32 spanning two registers.
	bytesVal := []byte{0x00, 0xBC, 0x61, 0x4E}
	if _, err := sim.Request(ctx, Cmd{Verb: VerbPresetMultipleRegs, Slave: 4, Addr: 0, Count: 2, Bytes: bytesVal}); err != nil {
		t.Fatal(err)
	}

	res, err := sim.Request(ctx, Cmd{Verb: VerbReadHoldingRegisters, Slave: 4, Addr: 0, Count: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Values) != 4 || res.Values[0] != 0x00 || res.Values[1] != 0xBC || res.Values[2] != 0x61 || res.Values[3] != 0x4E {
		t.Fatalf("values = % x, want % x", res.Values, bytesVal)
	}
}

func TestSimReadHoldingRegisters(t *testing.T) {
	sim := NewSim()
	sim.SetRegister(1, 0, 0x1234)

	res, err := sim.Request(context.Background(), Cmd{Verb: VerbReadHoldingRegisters, Slave: 1, Addr: 0, Count: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Values) != 2 || res.Values[0] != 0x12 || res.Values[1] != 0x34 {
		t.Fatalf("values = %x", res.Values)
	}
}
