// Package supervisor boots every component of the hardware control core
// in dependency order and tears them down in reverse on shutdown (spec
// §6: "schedulers stop first, then environment controller and interlock
// engine, then equipment controllers..., then the data-point manager,
// then port workers"). It is the only place that wires one component's
// concrete type into another's interface — every other package only
// knows the interfaces it needs.
package supervisor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tankwanghow/poucon/internal/bus"
	"github.com/tankwanghow/poucon/internal/config"
	"github.com/tankwanghow/poucon/internal/datapoint"
	"github.com/tankwanghow/poucon/internal/environment"
	"github.com/tankwanghow/poucon/internal/equipment"
	"github.com/tankwanghow/poucon/internal/interlock"
	"github.com/tankwanghow/poucon/internal/metrics"
	"github.com/tankwanghow/poucon/internal/model"
	"github.com/tankwanghow/poucon/internal/portio"
	"github.com/tankwanghow/poucon/internal/scheduler"
	"github.com/tankwanghow/poucon/internal/transport"
)

// transportDeadline bounds a single request at the adapter, distinct
// from the port-worker call deadline its callers use (spec §5: "6 s
// (RTU), 2 s (TCP)").
const (
	rtuTransportDeadline = 6 * time.Second
	tcpTransportDeadline = 2 * time.Second
)

// Supervisor holds every booted component, alive only between Boot and
// Shutdown.
type Supervisor struct {
	log     *zap.Logger
	store   *config.Store
	bus     *bus.Bus
	metrics *metrics.Metrics

	dm        *datapoint.Manager
	interlock *interlock.Engine
	env       *environment.Regulator
	sched     *scheduler.Scheduler

	controllers map[string]equipment.Controller
	workers     []*portio.Worker
}

// Boot constructs and wires C8 through C7 in the order the spec's
// dependency graph demands: configuration store and event bus first,
// then port workers and the data-point manager, then the interlock
// engine, environment controller, and schedulers (constructed but not
// yet started, since equipment controllers take the interlock engine and
// register with all three), then equipment controllers; the interlock
// engine, environment controller, and schedulers start last.
func Boot(dsn string, log *zap.Logger) (*Supervisor, error) {
	return boot(dsn, log, newAdapter)
}

// BootSimulated boots the core exactly like Boot, except every
// non-virtual port is backed by one shared in-memory simulation adapter
// (spec §4.10) instead of dialing real hardware — the "poucond sim"
// subcommand's demo/test mode.
func BootSimulated(dsn string, log *zap.Logger) (*Supervisor, *transport.SimAdapter, error) {
	sim := transport.NewSim()
	s, err := boot(dsn, log, func(model.Port) (transport.Adapter, error) { return sim, nil })
	return s, sim, err
}

func boot(dsn string, log *zap.Logger, adapterFactory func(model.Port) (transport.Adapter, error)) (*Supervisor, error) {
	b := bus.New()
	store, err := config.Open(dsn, b)
	if err != nil {
		return nil, fmt.Errorf("supervisor: open config: %w", err)
	}

	s := &Supervisor{
		log:         log,
		store:       store,
		bus:         b,
		metrics:     metrics.New(),
		dm:          datapoint.NewManager(b),
		controllers: make(map[string]equipment.Controller),
	}

	if err := s.bootPorts(adapterFactory); err != nil {
		store.Close()
		return nil, err
	}
	s.schedulePoints()

	s.interlock = interlock.New(b)
	s.env = environment.New(b, s.dm)
	s.sched = scheduler.New(b)

	if err := s.bootEquipment(); err != nil {
		s.Shutdown()
		return nil, err
	}

	if err := s.interlock.ReloadRules(store.InterlockRules()); err != nil {
		s.Shutdown()
		return nil, fmt.Errorf("supervisor: load interlock rules: %w", err)
	}
	s.env.SetConfig(store.EnvironmentConfig())
	s.sched.SetRows(store.Schedules())

	s.interlock.Start()
	s.env.Start()
	s.sched.Start()

	return s, nil
}

// bootPorts opens a transport adapter per configured port, wraps it in a
// port worker, and registers both with the data-point manager (spec
// §4.1/§4.2). Virtual ports get no worker; their data points are
// simulation-backed or unread.
func (s *Supervisor) bootPorts(adapterFactory func(model.Port) (transport.Adapter, error)) error {
	for _, p := range s.store.Ports() {
		if p.Protocol == model.ProtoVirtual {
			s.dm.AddPort(p, nil)
			continue
		}

		adapter, err := adapterFactory(p)
		if err != nil {
			return fmt.Errorf("supervisor: port %s: %w", p.ID, err)
		}
		w := portio.NewWorker(adapter)
		s.workers = append(s.workers, w)
		s.dm.AddPort(p, w)
	}
	return nil
}

func newAdapter(p model.Port) (transport.Adapter, error) {
	switch p.Protocol {
	case model.ProtoModbusRTU:
		return transport.NewModbusRTU(p, rtuTransportDeadline)
	case model.ProtoModbusTCP:
		return transport.NewModbusTCP(p, tcpTransportDeadline)
	case model.ProtoRTUOverTCP:
		return transport.NewRTUOverTCP(p, tcpTransportDeadline)
	case model.ProtoS7:
		return transport.NewS7(p, tcpTransportDeadline)
	default:
		return nil, fmt.Errorf("unknown protocol %q", p.Protocol)
	}
}

// schedulePoints walks every active equipment's data-point tree and
// schedules each referenced point on the equipment's own cadence (spec
// §4.3: "polled on the cadence of the equipment that references it"). A
// point two equipment share is scheduled twice, once per cadence — the
// manager's round-robin tolerates duplicate entries the same way it
// tolerates any other poll-table row.
func (s *Supervisor) schedulePoints() {
	byName := make(map[string]model.DataPoint, len(s.store.DataPoints()))
	for _, dp := range s.store.DataPoints() {
		byName[dp.Name] = dp
	}

	for _, eq := range s.store.Equipment() {
		if !eq.Active {
			continue
		}
		for _, name := range referencedPoints(eq) {
			dp, ok := byName[name]
			if !ok {
				continue
			}
			s.dm.Schedule(dp, eq.PollInterval())
		}
	}
}

// referencedPoints flattens every role key's value in eq's tree into a
// list of DataPoint names, whether the role is single- or list-valued.
func referencedPoints(eq model.Equipment) []string {
	var out []string
	for _, v := range eq.Tree {
		switch t := v.(type) {
		case string:
			out = append(out, t)
		case []string:
			out = append(out, t...)
		}
	}
	return out
}

// bootEquipment constructs a Controller per active equipment row and
// wires it into the interlock engine, the environment controller (fans,
// pumps, average sensors), and the scheduler — the three consumers that
// need a handle to equipment rather than just its data points.
func (s *Supervisor) bootEquipment() error {
	rows := s.store.Equipment()

	for _, eq := range rows {
		if !eq.Active {
			continue
		}
		ctrl, err := equipment.New(eq, s.dm, s.interlock, s.bus)
		if err != nil {
			return fmt.Errorf("supervisor: equipment %s: %w", eq.Name, err)
		}
		s.controllers[eq.Name] = ctrl
		s.interlock.RegisterEquipment(eq.Name, ctrl)
		s.sched.RegisterEquipment(eq.Name, ctrl)

		switch eq.Kind {
		case model.KindFan:
			s.env.RegisterFan(eq.Name, ctrl)
		case model.KindPump:
			s.env.RegisterPump(eq.Name, ctrl)
		case model.KindAverageSensor:
			s.env.RegisterAverageSensor(eq.Name)
		case model.KindTempSensor:
			s.env.RegisterFallbackSensor(eq.Name)
		}
	}

	wireFeedInPairs(rows, s.controllers)
	return nil
}

// wireFeedInPairs binds each feeding equipment's BucketFullCheck hook to
// its paired feed_in equipment's bucket-full status, when one exists
// with the same name prefix convention the tree grammar uses elsewhere:
// a feed_in equipment named "<x>_feedin" pairs with a feeding equipment
// named "<x>" (spec §4.4.1: "if configured, the feed-in bucket's full
// sensor reads true").
func wireFeedInPairs(rows []model.Equipment, controllers map[string]equipment.Controller) {
	feedIns := make(map[string]equipment.Controller)
	for _, eq := range rows {
		if eq.Kind == model.KindFeedIn {
			feedIns[eq.Name] = controllers[eq.Name]
		}
	}

	for _, eq := range rows {
		if eq.Kind != model.KindFeeding {
			continue
		}
		pairName := eq.Name + "_feedin"
		feedIn, ok := feedIns[pairName]
		if !ok {
			continue
		}
		fctrl, ok := controllers[eq.Name].(interface {
			SetBucketFullCheck(func() bool)
		})
		if !ok {
			continue
		}
		fctrl.SetBucketFullCheck(func() bool { return feedIn.Status().BucketFull })
	}
}

// Metrics returns the process's metrics registry, for the HTTP handler
// the daemon entry point exposes.
func (s *Supervisor) Metrics() *metrics.Metrics { return s.metrics }

// Bus returns the event bus, for any external observer (e.g. a UI
// layer) subscribing read-only.
func (s *Supervisor) Bus() *bus.Bus { return s.bus }

// Shutdown stops every component in reverse boot order (spec §6).
func (s *Supervisor) Shutdown() {
	if s.sched != nil {
		s.sched.Close()
	}
	if s.env != nil {
		s.env.Close()
	}
	if s.interlock != nil {
		s.interlock.Close()
	}

	for _, ctrl := range s.controllers {
		ctrl.Close()
	}

	if s.dm != nil {
		s.dm.Close()
	}

	for _, w := range s.workers {
		w.Close()
	}

	if s.store != nil {
		s.store.Close()
	}
}

// WaitSignal blocks until ctx is cancelled, then calls Shutdown. The
// caller wires ctx to signal.NotifyContext(syscall.SIGTERM).
func (s *Supervisor) WaitSignal(ctx context.Context) {
	<-ctx.Done()
	s.log.Info("shutdown signal received")
	s.Shutdown()
}
