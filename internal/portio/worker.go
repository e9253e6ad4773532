// Package portio serializes all I/O on one fieldbus port through a single
// worker goroutine, so that a slow or stuck slave on one port never delays
// traffic on another (spec §4.2: "no read or write on port A can delay one
// on port B").
package portio

import (
	"context"
	"sync"
	"time"

	"github.com/tankwanghow/poucon/internal/model"
	"github.com/tankwanghow/poucon/internal/transport"
)

// maxConsecutiveFailures is the number of back-to-back timeouts that push a
// slave into the skip set (spec §4.2).
const maxConsecutiveFailures = 3

// job is one queued request. Spec §5 requires reads and writes for any two
// data points on the same port to occur in strict request order at the
// wire, so every caller — polls and writes alike — funnels through the
// single queue below; there is no priority lane to jump ahead on.
type job struct {
	cmd    transport.Cmd
	result chan<- jobResult
}

type jobResult struct {
	res transport.Result
	err error
}

// Worker owns one transport.Adapter and runs the single goroutine that
// every read/write for its port funnels through.
type Worker struct {
	adapter transport.Adapter

	queue chan job

	// enqueueMu orders concurrent submitters: each caller holds it across
	// the (possibly blocking) send into queue, so whichever goroutine
	// acquires it first is also the one the single-receiver worker loop
	// dequeues first. Without it, multiple goroutines racing to send on
	// the same unbuffered channel would be serialized by the runtime in
	// an unspecified order instead of submission order.
	enqueueMu sync.Mutex

	mu       sync.Mutex
	failures map[int]int
	skipped  map[int]bool

	quit chan struct{}
	done chan struct{}
}

// NewWorker starts the serializing goroutine for adapter and returns the
// handle callers issue Read/Write against.
func NewWorker(adapter transport.Adapter) *Worker {
	w := &Worker{
		adapter:  adapter,
		queue:    make(chan job),
		failures: make(map[int]int),
		skipped:  make(map[int]bool),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *Worker) run() {
	defer close(w.done)
	for {
		select {
		case j := <-w.queue:
			w.serve(j)
		case <-w.quit:
			return
		}
	}
}

func (w *Worker) serve(j job) {
	res, err := w.adapter.Request(context.Background(), j.cmd)
	j.result <- jobResult{res, err}
}

// Read performs a read command, subject to per-slave skip-set policy
// (spec §4.2). It returns error(timeout) without touching the transport if
// the slave is already skipped.
func (w *Worker) Read(ctx context.Context, cmd transport.Cmd) (transport.Result, error) {
	if w.isSkipped(cmd.Slave) {
		return transport.Result{}, model.NewFieldError("", model.ErrTimeout)
	}
	res, err := w.submit(ctx, cmd)
	w.track(cmd.Slave, err)
	return res, err
}

// Write performs a write command. A skipped slave fails fast with
// device_offline_skipped rather than timeout, per spec §4.2.
func (w *Worker) Write(ctx context.Context, cmd transport.Cmd) (transport.Result, error) {
	if w.isSkipped(cmd.Slave) {
		return transport.Result{}, model.NewFieldError("", model.ErrDeviceOffline)
	}
	res, err := w.submit(ctx, cmd)
	w.track(cmd.Slave, err)
	return res, err
}

func (w *Worker) submit(ctx context.Context, cmd transport.Cmd) (transport.Result, error) {
	result := make(chan jobResult, 1)

	w.enqueueMu.Lock()
	select {
	case w.queue <- job{cmd: cmd, result: result}:
		w.enqueueMu.Unlock()
	case <-ctx.Done():
		w.enqueueMu.Unlock()
		return transport.Result{}, model.NewFieldError("", model.ErrTimeout)
	case <-w.quit:
		w.enqueueMu.Unlock()
		return transport.Result{}, model.NewFieldError("", model.ErrDisconnected)
	}

	select {
	case r := <-result:
		return r.res, r.err
	case <-ctx.Done():
		return transport.Result{}, model.NewFieldError("", model.ErrTimeout)
	}
}

// track updates the per-slave failure counter and skip set (spec §4.2):
// success resets the counter; a folded-timeout failure advances it and,
// at three consecutive, adds the slave to the skip set; any other error
// kind is left alone.
func (w *Worker) track(slave int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err == nil {
		w.failures[slave] = 0
		return
	}
	if !model.AsKind(err).AdvancesFailureCounter() {
		return
	}

	w.failures[slave]++
	if w.failures[slave] >= maxConsecutiveFailures {
		w.skipped[slave] = true
	}
}

func (w *Worker) isSkipped(slave int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.skipped[slave]
}

// Reset clears all failure counters and the skip set (spec §4.2: "cleared
// only by reset, triggered by configuration reload or manual reconnect").
func (w *Worker) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failures = make(map[int]int)
	w.skipped = make(map[int]bool)
}

// SkipSlave manually forces a slave into the skip set.
func (w *Worker) SkipSlave(slave int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.skipped[slave] = true
}

// UnskipSlave manually removes a slave from the skip set and clears its
// failure counter.
func (w *Worker) UnskipSlave(slave int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.skipped, slave)
	w.failures[slave] = 0
}

// IsSkipped reports whether slave is currently in the skip set.
func (w *Worker) IsSkipped(slave int) bool {
	return w.isSkipped(slave)
}

// Close stops the worker goroutine and closes the underlying adapter.
func (w *Worker) Close() error {
	close(w.quit)
	<-w.done
	return w.adapter.Close()
}

// DeadlineContext returns a context bound to the caller-perspective port
// call deadline of spec §5 (3.5s), wrapping parent.
func DeadlineContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, 3500*time.Millisecond)
}
