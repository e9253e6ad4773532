package equipment

import (
	"context"

	"github.com/tankwanghow/poucon/internal/bus"
	"github.com/tankwanghow/poucon/internal/datapoint"
	"github.com/tankwanghow/poucon/internal/model"
)

// feedIn is the bucket filler (spec §4.4's feed_in row): an actuator with
// two extra inhibits on turn_on — the full-switch and trip sensors — since
// a full hopper or a tripped safety switch must never be commanded to
// keep filling regardless of mode or interlock state.
type feedIn struct {
	*actuator
	fullSwitch, trip string
}

func newFeedIn(eq model.Equipment, dm *datapoint.Manager, il Interlocker, b *bus.Bus) Controller {
	base := newActuator(withFeedInRoles(eq), dm, il, b)
	full, _ := eq.Point("full_switch")
	trip, _ := eq.Point("trip")
	return &feedIn{actuator: base, fullSwitch: full, trip: trip}
}

// withFeedInRoles remaps feed_in's filling_coil role onto the generic
// actuator's on_off_coil expectation so newActuator needs no feed_in
// special case of its own.
func withFeedInRoles(eq model.Equipment) model.Equipment {
	tree := make(map[string]any, len(eq.Tree)+1)
	for k, v := range eq.Tree {
		tree[k] = v
	}
	if v, ok := tree["filling_coil"]; ok {
		tree["on_off_coil"] = v
	}
	eq.Tree = tree
	return eq
}

func (f *feedIn) TurnOn(ctx context.Context) error {
	if full, ok := lookupBool(f.dm, f.eq, "full_switch"); ok && full {
		return nil
	}
	if tripped, ok := lookupBool(f.dm, f.eq, "trip"); ok && tripped {
		return model.NewFieldError(f.eq.Name, model.ErrDisagreement)
	}
	return f.actuator.TurnOn(ctx)
}

// Refresh also surfaces bucket-full / trip state in the status extras
// (spec §3: "kind-specific extras... bucket-full for feed_in").
func (f *feedIn) Refresh() {
	f.actuator.Refresh()

	full, _ := lookupBool(f.dm, f.eq, "full_switch")
	tripped, _ := lookupBool(f.dm, f.eq, "trip")

	f.mu.Lock()
	f.status.BucketFull = full
	f.status.Tripped = tripped
	f.mu.Unlock()
}
