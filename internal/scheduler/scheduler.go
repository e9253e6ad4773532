// Package scheduler implements the uniform 1 s tick skeleton of spec
// §4.7: local-time-gated turn_on/turn_off for lights and eggs, and
// move_to_back/move_to_front triggers for the feeding motor. Every kind
// shares one poll loop; only the per-row evaluation rule differs.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/tankwanghow/poucon/internal/bus"
	"github.com/tankwanghow/poucon/internal/equipment"
	"github.com/tankwanghow/poucon/internal/model"
)

// tickInterval is the scheduler's wake cadence (spec §4.7: "wakes on a
// 1 s tick").
const tickInterval = time.Second

// portIODeadline bounds the turn_on/turn_off/move_* calls a schedule row
// issues, matching the port-worker call deadline used everywhere else in
// the core (spec §5: "3.5 s from the caller's perspective").
const portIODeadline = 3500 * time.Millisecond

// feedMover is the subset of the feeding controller's surface that only
// ScheduleFeeding rows use; the concrete feeding controller satisfies it
// structurally without exporting a separate interface from equipment.
type feedMover interface {
	MoveToBack(ctx context.Context) error
	MoveToFront(ctx context.Context) error
}

// Scheduler owns one schedule table and the equipment controllers its
// rows gate.
type Scheduler struct {
	bus *bus.Bus

	mu   sync.RWMutex
	rows []model.Schedule

	regMu       sync.RWMutex
	controllers map[string]equipment.Controller

	// fired remembers, per schedule row ID, the last clock second a
	// feeding trigger fired, so a 1 s tick landing on the same instant
	// twice (slow tick, clock skew) never double-fires move_to_back.
	firedMu sync.Mutex
	fired   map[int]model.DayTime

	quit, done chan struct{}
}

// New returns a Scheduler with no rows and no registered equipment; wire
// both before Start.
func New(b *bus.Bus) *Scheduler {
	return &Scheduler{
		bus:         b,
		controllers: make(map[string]equipment.Controller),
		fired:       make(map[int]model.DayTime),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// RegisterEquipment makes name's controller reachable by schedule rows
// naming it. The supervisor calls this once per equipment at boot.
func (s *Scheduler) RegisterEquipment(name string, ctrl equipment.Controller) {
	s.regMu.Lock()
	defer s.regMu.Unlock()
	s.controllers[name] = ctrl
}

// SetRows installs a new schedule table (spec §4.8: "config reload is
// atomic per-table").
func (s *Scheduler) SetRows(rows []model.Schedule) {
	s.mu.Lock()
	s.rows = append([]model.Schedule(nil), rows...)
	s.mu.Unlock()
}

// Rows returns the currently installed schedule table.
func (s *Scheduler) Rows() []model.Schedule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.Schedule(nil), s.rows...)
}

// Start launches the tick loop.
func (s *Scheduler) Start() {
	go s.loop()
}

func (s *Scheduler) loop() {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	defer close(s.done)
	for {
		select {
		case <-s.quit:
			return
		case now := <-ticker.C:
			s.tick(now)
		}
	}
}

// Close stops the tick loop.
func (s *Scheduler) Close() {
	close(s.quit)
	<-s.done
}

// tick snapshots local time and evaluates every schedule row whose
// equipment is in AUTO mode (spec §4.7).
func (s *Scheduler) tick(now time.Time) {
	rows := s.Rows()
	clock := model.FromClock(now)

	for _, row := range rows {
		if !row.Enabled {
			continue
		}
		ctrl := s.lookup(row.Equipment)
		if ctrl == nil {
			continue
		}
		if ctrl.Status().Mode != model.ModeAuto {
			continue
		}

		switch row.Kind {
		case model.ScheduleLight:
			s.evalWindow(ctrl, clock, row.OnTime, row.OffTime)
		case model.ScheduleEgg:
			s.evalWindow(ctrl, clock, row.Start, row.Stop)
		case model.ScheduleFeeding:
			s.evalFeeding(ctrl, row, clock)
		}
	}
}

func (s *Scheduler) lookup(name string) equipment.Controller {
	s.regMu.RLock()
	defer s.regMu.RUnlock()
	return s.controllers[name]
}

// evalWindow drives ctrl on exactly when clock falls within [on, off),
// crossing midnight iff on > off (spec §4.7: "light schedules cross
// midnight iff on_time > off_time"; egg collection follows the same
// start/stop window rule).
func (s *Scheduler) evalWindow(ctrl equipment.Controller, clock, on, off model.DayTime) {
	inWindow := windowContains(clock, on, off)
	wantOn := inWindow

	running := ctrl.Status().Command
	if wantOn == running {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), portIODeadline)
	defer cancel()
	if wantOn {
		ctrl.TurnOn(ctx)
	} else {
		ctrl.TurnOff(ctx)
	}
}

func windowContains(clock, on, off model.DayTime) bool {
	if on.Before(off) || on.Equal(off) {
		return !clock.Before(on) && clock.Before(off)
	}
	// Crosses midnight: the window is [on, 24:00) union [00:00, off).
	return !clock.Before(on) || clock.Before(off)
}

// evalFeeding fires move_to_back/move_to_front at their configured
// instants, subject to the feeding state machine's own preconditions
// (spec §4.7: "trigger... subject to the feeding state machine's
// preconditions"); rows on equipment that isn't actually a feeding
// controller are silently inert.
func (s *Scheduler) evalFeeding(ctrl equipment.Controller, row model.Schedule, clock model.DayTime) {
	mover, ok := ctrl.(feedMover)
	if !ok {
		return
	}

	if clock.Equal(row.ToBackTime) && !s.alreadyFired(row.ID, clock) {
		ctx, cancel := context.WithTimeout(context.Background(), portIODeadline)
		mover.MoveToBack(ctx)
		cancel()
	}
	if clock.Equal(row.ToFrontTime) && !s.alreadyFired(row.ID, clock) {
		ctx, cancel := context.WithTimeout(context.Background(), portIODeadline)
		mover.MoveToFront(ctx)
		cancel()
	}
}

func (s *Scheduler) alreadyFired(rowID int, clock model.DayTime) bool {
	s.firedMu.Lock()
	defer s.firedMu.Unlock()
	if last, ok := s.fired[rowID]; ok && last.Equal(clock) {
		return true
	}
	s.fired[rowID] = clock
	return false
}
