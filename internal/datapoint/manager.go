// Package datapoint runs the poll-driven cache: it decides when each
// configured DataPoint is due, reads it through the owning port's worker,
// converts raw bytes to engineering units, and publishes change events
// (spec §4.3).
package datapoint

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tankwanghow/poucon/internal/bus"
	"github.com/tankwanghow/poucon/internal/model"
	"github.com/tankwanghow/poucon/internal/portio"
	"github.com/tankwanghow/poucon/internal/transport"
)

// PortConn bundles the worker and connection metadata a port contributes
// to the manager. Virtual ports (protocol "virtual") have a nil Worker and
// are never polled.
type PortConn struct {
	Port   model.Port
	Worker *portio.Worker
	Status ConnStatus
}

// ConnStatus is a port's connection state (spec §4.3: "connected |
// disconnected | error(reason)").
type ConnStatus struct {
	State  string // "connected", "disconnected", "error"
	Reason string

	// Generation identifies one physical-connection attempt behind a
	// port id, so a log line or a port_status event can tell two
	// consecutive reconnects of the same port apart even though both
	// carry the same id.
	Generation string
}

// pollEntry is one scheduled DataPoint, carrying its own cadence so the
// per-port round-robin in run() can decide when it is next due.
type pollEntry struct {
	point    model.DataPoint
	interval time.Duration
	due      time.Time
}

// Manager owns the process-wide cache and the per-port poll loops built
// on top of it. The cache itself is a sync.Map the way track.Head's
// address database is, keyed here by DataPoint name instead of a numeric
// protocol address.
type Manager struct {
	bus *bus.Bus

	mu    sync.RWMutex
	ports map[string]*PortConn

	cache sync.Map // name -> model.CacheEntry

	stopOnce sync.Once
	quit     chan struct{}

	pollMu sync.Mutex
	polls  map[string][]*pollEntry // port id -> entries

	pointsMu sync.RWMutex
	points   map[string]model.DataPoint // name -> definition, for write-by-name
}

// NewManager returns a Manager with no ports registered yet; call
// AddPort for each configured port before Start.
func NewManager(b *bus.Bus) *Manager {
	return &Manager{
		bus:   b,
		ports:  make(map[string]*PortConn),
		polls:  make(map[string][]*pollEntry),
		points: make(map[string]model.DataPoint),
		quit:   make(chan struct{}),
	}
}

// AddPort registers a port and its worker (nil worker for virtual ports)
// and begins polling any DataPoints already scheduled against it.
func (m *Manager) AddPort(p model.Port, w *portio.Worker) {
	m.mu.Lock()
	m.ports[p.ID] = &PortConn{Port: p, Worker: w, Status: ConnStatus{State: connState(w), Generation: uuid.NewString()}}
	m.mu.Unlock()

	if w != nil {
		go m.runPort(p.ID)
	}
}

func connState(w *portio.Worker) string {
	if w == nil {
		return "connected" // virtual ports have no transport to lose
	}
	return "connected"
}

// RegisterPoint makes point's wiring resolvable by name for Write, without
// scheduling it for polling. Schedule calls this too, so every polled
// point is automatically write-resolvable (a coil is commonly write-only;
// an analog output may be both).
func (m *Manager) RegisterPoint(point model.DataPoint) {
	m.pointsMu.Lock()
	defer m.pointsMu.Unlock()
	m.points[point.Name] = point
}

// Schedule adds a DataPoint to its port's poll table at the given
// cadence (spec §4.3: "polled on the cadence of the equipment that
// references it").
func (m *Manager) Schedule(point model.DataPoint, interval time.Duration) {
	m.RegisterPoint(point)

	m.pollMu.Lock()
	defer m.pollMu.Unlock()
	m.polls[point.Port] = append(m.polls[point.Port], &pollEntry{point: point, interval: interval})
}

// runPort is the round-robin loop for one port: it walks its poll table
// in order, reading whichever entries are due, then sleeps until the
// next one is (spec §4.3: "the manager coalesces by port so that any one
// port worker runs its pollers round-robin").
func (m *Manager) runPort(portID string) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-m.quit:
			return
		case now := <-ticker.C:
			m.pollMu.Lock()
			entries := m.polls[portID]
			m.pollMu.Unlock()

			for _, e := range entries {
				if now.Before(e.due) {
					continue
				}
				e.due = now.Add(e.interval)
				m.pollOne(portID, e.point)
			}
		}
	}
}

// pollOne performs a single read-convert-cache-publish cycle for one
// DataPoint (spec §4.3 conversion pipeline).
func (m *Manager) pollOne(portID string, dp model.DataPoint) {
	m.mu.RLock()
	conn := m.ports[portID]
	m.mu.RUnlock()
	if conn == nil || conn.Worker == nil {
		return
	}

	ctx, cancel := portio.DeadlineContext(context.Background())
	defer cancel()

	cmd, err := readCmd(dp)
	if err != nil {
		m.store(dp.Name, model.CacheEntry{OK: false, Kind: model.ErrEncodingFailed, UpdatedAt: time.Now()})
		return
	}

	res, err := conn.Worker.Read(ctx, cmd)
	if err != nil {
		m.store(dp.Name, model.CacheEntry{OK: false, Kind: model.AsKind(err), UpdatedAt: time.Now()})
		return
	}

	converted, err := Convert(dp, res.Values)
	if err != nil {
		m.store(dp.Name, model.CacheEntry{OK: false, Kind: model.AsKind(err), UpdatedAt: time.Now()})
		return
	}
	m.store(dp.Name, model.CacheEntry{OK: true, Value: converted, UpdatedAt: time.Now()})
}

// store writes the cache entry and publishes a change event when the
// converted value changed, or when the ok/error state transitioned
// (spec §4.3).
func (m *Manager) store(name string, entry model.CacheEntry) {
	prev, hadPrev := m.cache.Load(name)
	m.cache.Store(name, entry)

	changed := !hadPrev
	if hadPrev {
		p := prev.(model.CacheEntry)
		changed = p.OK != entry.OK || (entry.OK && p.Value != entry.Value)
	}
	if changed {
		m.bus.Publish(bus.TopicDataPointUpdated, DataPointUpdated{Name: name, Entry: entry})
	}
}

// PublishDerived stores a computed value (spec §4.4: average_sensor's mean
// over its temp_sensors/humidity_sensors lists) under a synthetic name so
// it can be looked up and change-published exactly like a wire-backed
// DataPoint.
func (m *Manager) PublishDerived(name string, value float64) {
	m.store(name, model.CacheEntry{OK: true, Value: value, UpdatedAt: time.Now()})
}

// DataPointUpdated is the payload of a data_point_updated event.
type DataPointUpdated struct {
	Name  string
	Entry model.CacheEntry
}

// Lookup performs a lock-free read of the cache (spec §4.3: "lock-free
// reads of a process-wide map keyed by name").
func (m *Manager) Lookup(name string) (model.CacheEntry, bool) {
	v, ok := m.cache.Load(name)
	if !ok {
		return model.CacheEntry{}, false
	}
	return v.(model.CacheEntry), true
}

// Write performs a single write through the owning port's worker,
// applying digital inversion first (spec §4.2: "applies digital-inversion
// if configured, dispatches the named write function"). name must have
// been registered already, via Schedule or RegisterPoint.
func (m *Manager) Write(ctx context.Context, name string, value float64) error {
	m.pointsMu.RLock()
	dp, known := m.points[name]
	m.pointsMu.RUnlock()
	if !known {
		return model.NewFieldError(name, model.ErrParse)
	}

	m.mu.RLock()
	conn := m.ports[dp.Port]
	m.mu.RUnlock()
	if conn == nil || conn.Worker == nil {
		return model.NewFieldError(dp.Name, model.ErrDisconnected)
	}

	cmd, err := writeCmd(dp, value)
	if err != nil {
		return err
	}
	_, err = conn.Worker.Write(ctx, cmd)
	return err
}

// Point returns the registered wiring for name, if known.
func (m *Manager) Point(name string) (model.DataPoint, bool) {
	m.pointsMu.RLock()
	defer m.pointsMu.RUnlock()
	dp, ok := m.points[name]
	return dp, ok
}

// ReconnectPort tears down and restarts the transport and worker behind
// id, then resets its failure tracking (spec §4.3).
func (m *Manager) ReconnectPort(id string, open func(model.Port) (transport.Adapter, error)) error {
	m.mu.Lock()
	conn := m.ports[id]
	m.mu.Unlock()
	if conn == nil {
		return model.NewFieldError(id, model.ErrParse)
	}

	if conn.Worker != nil {
		conn.Worker.Close()
	}

	adapter, err := open(conn.Port)
	if err != nil {
		m.mu.Lock()
		conn.Status = ConnStatus{State: "error", Reason: err.Error()}
		m.mu.Unlock()
		return err
	}

	w := portio.NewWorker(adapter)
	w.Reset()

	m.mu.Lock()
	conn.Worker = w
	conn.Status = ConnStatus{State: "connected", Generation: uuid.NewString()}
	m.mu.Unlock()

	go m.runPort(id)
	return nil
}

// PortStatus returns the current connection status of port id.
func (m *Manager) PortStatus(id string) (ConnStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.ports[id]
	if !ok {
		return ConnStatus{}, false
	}
	return conn.Status, true
}

// Close stops every poll loop.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.quit) })
}
