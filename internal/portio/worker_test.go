package portio

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/tankwanghow/poucon/internal/model"
	"github.com/tankwanghow/poucon/internal/transport"
)

func TestWorkerReadWriteRoundTrip(t *testing.T) {
	sim := transport.NewSim()
	sim.SetRegister(1, 0, 42)

	w := NewWorker(sim)
	defer w.Close()

	ctx := context.Background()
	res, err := w.Read(ctx, transport.Cmd{Verb: transport.VerbReadHoldingRegisters, Slave: 1, Addr: 0, Count: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Values) != 2 {
		t.Fatalf("values = %v", res.Values)
	}
}

func TestWorkerSkipsAfterThreeTimeouts(t *testing.T) {
	sim := transport.NewSim()
	sim.SetOffline(5, true)

	w := NewWorker(sim)
	defer w.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := w.Read(ctx, transport.Cmd{Verb: transport.VerbReadHoldingRegisters, Slave: 5, Addr: 0, Count: 1}); err == nil {
			t.Fatal("want error from offline slave")
		}
	}

	if !w.IsSkipped(5) {
		t.Fatal("want slave 5 skipped after 3 consecutive timeouts")
	}

	_, err := w.Write(ctx, transport.Cmd{Verb: transport.VerbPresetHoldingReg, Slave: 5, Addr: 0, Value: 1})
	if model.AsKind(err) != model.ErrDeviceOffline {
		t.Fatalf("write on skipped slave: kind = %v, want device_offline_skipped", model.AsKind(err))
	}
}

func TestWorkerResetClearsSkipSet(t *testing.T) {
	sim := transport.NewSim()
	sim.SetOffline(9, true)

	w := NewWorker(sim)
	defer w.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		w.Read(ctx, transport.Cmd{Verb: transport.VerbReadHoldingRegisters, Slave: 9, Addr: 0, Count: 1})
	}
	if !w.IsSkipped(9) {
		t.Fatal("want skipped before reset")
	}

	w.Reset()
	if w.IsSkipped(9) {
		t.Fatal("want not skipped after reset")
	}

	sim.SetOffline(9, false)
	sim.SetRegister(9, 0, 7)
	if _, err := w.Read(ctx, transport.Cmd{Verb: transport.VerbReadHoldingRegisters, Slave: 9, Addr: 0, Count: 1}); err != nil {
		t.Fatalf("read after reset: %v", err)
	}
}

// gatedRecorder records the Verb of every request it sees, in the order
// its Request method is entered, and holds the very first request open
// until released — long enough for later submitters to back up behind it
// in the worker's queue.
type gatedRecorder struct {
	mu      sync.Mutex
	order   []transport.Verb
	gate    chan struct{}
	gateUse sync.Once
}

func newGatedRecorder() *gatedRecorder {
	return &gatedRecorder{gate: make(chan struct{})}
}

func (g *gatedRecorder) Request(ctx context.Context, cmd transport.Cmd) (transport.Result, error) {
	hold := false
	g.gateUse.Do(func() { hold = true })
	if hold {
		<-g.gate
	}

	g.mu.Lock()
	g.order = append(g.order, cmd.Verb)
	g.mu.Unlock()
	return transport.Result{}, nil
}

func (g *gatedRecorder) Close() error { return nil }

func (g *gatedRecorder) release() { close(g.gate) }

func (g *gatedRecorder) recorded() []transport.Verb {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]transport.Verb, len(g.order))
	copy(out, g.order)
	return out
}

// TestSubmissionOrderPreservedAcrossConcurrentReadsAndWrites exercises
// testable property #1 (spec §8): N requests submitted to the same port,
// interleaving reads and writes, must reach the wire in submission order
// with no write jumping ahead of an already-queued read.
func TestSubmissionOrderPreservedAcrossConcurrentReadsAndWrites(t *testing.T) {
	rec := newGatedRecorder()
	w := NewWorker(rec)
	defer w.Close()

	ctx := context.Background()
	done := make(chan struct{}, 3)

	// job 0: occupies the worker so jobs 1 and 2 queue up behind it.
	go func() {
		w.Write(ctx, transport.Cmd{Verb: transport.VerbPresetHoldingReg, Slave: 1, Addr: 0, Value: 1})
		done <- struct{}{}
	}()
	time.Sleep(20 * time.Millisecond) // let job 0 reach the adapter and block there

	// job 1: a read, submitted while the worker is still busy with job 0.
	go func() {
		w.Read(ctx, transport.Cmd{Verb: transport.VerbReadHoldingRegisters, Slave: 1, Addr: 0, Count: 1})
		done <- struct{}{}
	}()
	time.Sleep(20 * time.Millisecond) // let job 1 queue up behind job 0

	// job 2: a write, submitted after job 1 — must not overtake it.
	go func() {
		w.Write(ctx, transport.Cmd{Verb: transport.VerbPresetHoldingReg, Slave: 1, Addr: 1, Value: 2})
		done <- struct{}{}
	}()
	time.Sleep(20 * time.Millisecond) // let job 2 queue up behind job 1

	rec.release()
	for i := 0; i < 3; i++ {
		<-done
	}

	got := rec.recorded()
	want := []transport.Verb{transport.VerbPresetHoldingReg, transport.VerbReadHoldingRegisters, transport.VerbPresetHoldingReg}
	if len(got) != len(want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v (write-over-read reordering at index %d)", got, want, i)
		}
	}
}

func TestWorkerCRCDoesNotAdvanceFailureCounter(t *testing.T) {
	sim := transport.NewSim()
	// A successful sim read never returns CRC; this test only exercises the
	// policy function directly since the sim adapter has no framing layer
	// to corrupt (spec §4.10: "no CRC, no framing").
	if model.ErrCRC.AdvancesFailureCounter() {
		t.Fatal("crc must not advance the failure counter")
	}
	if !model.ErrTimeout.AdvancesFailureCounter() {
		t.Fatal("timeout must advance the failure counter")
	}
}
