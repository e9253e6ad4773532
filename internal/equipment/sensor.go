package equipment

import (
	"context"
	"sync"
	"time"

	"github.com/tankwanghow/poucon/internal/bus"
	"github.com/tankwanghow/poucon/internal/datapoint"
	"github.com/tankwanghow/poucon/internal/model"
)

// sensor is the pure read-through controller for every kind not otherwise
// given its own file: temp/humidity/co2/nh3 sensors, water/power meters,
// average_sensor, and power_indicator (spec §4.4: "sensor kinds | any role
// keys ... | Pure read-through"). It never accepts commands.
type sensor struct {
	eq  model.Equipment
	dm  *datapoint.Manager
	bus *bus.Bus

	// valuePoint is the single backing DataPoint for plain sensor kinds;
	// empty for average_sensor (which has none) and for power_indicator
	// (which uses indicatorPoint instead).
	valuePoint string

	tempSensors, humiditySensors []string
	indicatorPoint               string

	mu     sync.Mutex
	status model.EquipmentStatus

	quit, done chan struct{}
}

func newSensor(eq model.Equipment, dm *datapoint.Manager, b *bus.Bus) Controller {
	s := &sensor{
		eq: eq, dm: dm, bus: b,
		status: model.EquipmentStatus{Name: eq.Name, Kind: eq.Kind, Mode: model.ModeAuto},
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	switch eq.Kind {
	case model.KindAverageSensor:
		s.tempSensors, _ = eq.PointList("temp_sensors")
		s.humiditySensors, _ = eq.PointList("humidity_sensors")
	case model.KindPowerIndicator:
		s.indicatorPoint, _ = eq.Point("indicator")
	default:
		// Any single role key names the backing value; sensor kinds are
		// not required to use a particular one (spec §4.4: "any role
		// keys"), so take whichever key the tree happens to carry.
		for _, v := range eq.Tree {
			if name, ok := v.(string); ok {
				s.valuePoint = name
				break
			}
		}
	}

	go s.loop()
	return s
}

func (s *sensor) Name() string             { return s.eq.Name }
func (s *sensor) Kind() model.EquipmentKind { return s.eq.Kind }

func (s *sensor) Status() model.EquipmentStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *sensor) loop() {
	ticker := time.NewTicker(s.eq.PollInterval())
	defer ticker.Stop()
	defer close(s.done)
	for {
		select {
		case <-s.quit:
			return
		case <-ticker.C:
			s.Refresh()
		}
	}
}

// Refresh re-reads (or recomputes) the sensor's value from the cache.
func (s *sensor) Refresh() {
	s.mu.Lock()
	switch s.eq.Kind {
	case model.KindAverageSensor:
		s.refreshAverageLocked()
	case model.KindPowerIndicator:
		on, _ := lookupBoolByName(s.dm, s.indicatorPoint)
		s.status.Running = on
		s.status.UpdatedAt = time.Now()
	default:
		if s.valuePoint == "" {
			s.mu.Unlock()
			return
		}
		entry, ok := s.dm.Lookup(s.valuePoint)
		if !ok || !entry.OK {
			s.mu.Unlock()
			return
		}
		s.status.Value = entry.Value
		s.status.UpdatedAt = time.Now()
	}
	snapshot := s.status
	s.mu.Unlock()

	s.bus.Publish(bus.TopicEquipmentStatus, snapshot)
}

// refreshAverageLocked computes the mean of temp_sensors (and, if
// configured, humidity_sensors), publishing the mean back through the
// data-point manager under this equipment's name (spec §4.4, §8:
// "avg_temp ... mean of its listed sensor data points"). Called with mu
// held.
func (s *sensor) refreshAverageLocked() {
	if mean, ok := meanOf(s.dm, s.tempSensors); ok {
		s.status.Value = mean
		s.dm.PublishDerived(s.eq.Name, mean)
	}
	if len(s.humiditySensors) > 0 {
		if mean, ok := meanOf(s.dm, s.humiditySensors); ok {
			s.dm.PublishDerived(s.eq.Name+"/humidity", mean)
		}
	}
	s.status.UpdatedAt = time.Now()
}

func meanOf(dm *datapoint.Manager, names []string) (float64, bool) {
	var sum float64
	var n int
	for _, name := range names {
		entry, ok := dm.Lookup(name)
		if !ok || !entry.OK {
			continue
		}
		sum += entry.Value
		n++
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

func lookupBoolByName(dm *datapoint.Manager, name string) (bool, bool) {
	if name == "" {
		return false, false
	}
	entry, ok := dm.Lookup(name)
	if !ok || !entry.OK {
		return false, false
	}
	return entry.Value != 0, true
}

// TurnOn, TurnOff, and SetMode are no-ops: sensors have nothing to
// command. Returning nil rather than an error keeps callers that treat
// every Controller uniformly (the scheduler, the interlock engine) simple.
func (s *sensor) TurnOn(ctx context.Context) error  { return nil }
func (s *sensor) TurnOff(ctx context.Context) error { return nil }
func (s *sensor) SetMode(model.Mode) error          { return nil }
func (s *sensor) Reset() error                      { return nil }

func (s *sensor) Close() {
	close(s.quit)
	<-s.done
}
