// Package equipment projects raw data points into the logical device
// state machines of spec §4.4: fans, pumps, lights, sirens, belts, the
// feeding motor, the feed-in bucket filler, and read-through sensors.
// Every kind shares one public surface so callers (schedulers, the
// environment controller, the interlock engine) never need a type switch.
package equipment

import (
	"context"
	"time"

	"github.com/tankwanghow/poucon/internal/bus"
	"github.com/tankwanghow/poucon/internal/datapoint"
	"github.com/tankwanghow/poucon/internal/model"
)

// debounceWindow is the minimum time a command/feedback mismatch must
// persist before it is surfaced as on_but_not_running / off_but_running
// (spec §4.4: "≥ 5 s").
const debounceWindow = 5 * time.Second

// Interlocker is the capability equipment controllers consult before
// energizing an on_off_coil. The interlock engine implements it; a nil
// Interlocker (or one that errors) must be treated as fail-open (spec
// §4.5).
type Interlocker interface {
	CanStart(name string) (allowed bool, reason string)
}

// alwaysAllow is used when no interlock engine is wired, and whenever
// CanStart itself is unavailable — the safety overlay fails open, never
// closed (spec §4.5).
type alwaysAllow struct{}

func (alwaysAllow) CanStart(string) (bool, string) { return true, "" }

// Controller is the public surface every equipment kind exposes (spec
// §4.4).
type Controller interface {
	Name() string
	Kind() model.EquipmentKind
	Status() model.EquipmentStatus
	TurnOn(ctx context.Context) error
	TurnOff(ctx context.Context) error
	SetMode(mode model.Mode) error
	// Refresh re-evaluates status from the cache; called by the
	// controller's own poll task (spec §5: "each equipment... is a task").
	Refresh()
	// Reset clears a latched fault back to a normal operating state. Only
	// feeding has a fault state to clear (spec §9, open question (a): the
	// feeding motor stays in fault until an explicit operator Reset, never
	// timer-based); every other kind's Reset is a no-op so callers that
	// treat every Controller uniformly never need a type switch.
	Reset() error
	Close()
}

// New builds the Controller for eq's kind, validating its data-point
// tree against the required role keys first (spec §4.4's table).
func New(eq model.Equipment, dm *datapoint.Manager, il Interlocker, b *bus.Bus) (Controller, error) {
	if err := model.ValidateTree(eq.Kind, eq.Tree); err != nil {
		return nil, model.Parse(eq.Name, err.Error())
	}
	if il == nil {
		il = alwaysAllow{}
	}

	switch eq.Kind {
	case model.KindFan, model.KindPump, model.KindLight, model.KindSiren,
		model.KindEgg, model.KindDung, model.KindDungHorz, model.KindDungExit:
		return newActuator(eq, dm, il, b), nil

	case model.KindFeedIn:
		return newFeedIn(eq, dm, il, b), nil

	case model.KindFeeding:
		return newFeeding(eq, dm, il, b), nil

	default:
		return newSensor(eq, dm, b), nil
	}
}

// lookupBool reads a role key's cache entry as a boolean (non-zero means
// true), defaulting to false when the point is absent from the tree,
// uncached, or errored.
func lookupBool(dm *datapoint.Manager, eq model.Equipment, role string) (value, ok bool) {
	name, has := eq.Point(role)
	if !has {
		return false, false
	}
	entry, cached := dm.Lookup(name)
	if !cached || !entry.OK {
		return false, false
	}
	return entry.Value != 0, true
}
