package equipment

import (
	"context"
	"sync"
	"time"

	"github.com/tankwanghow/poucon/internal/bus"
	"github.com/tankwanghow/poucon/internal/datapoint"
	"github.com/tankwanghow/poucon/internal/model"
)

// actuator is the generic on/off controller for every kind whose surface
// is just "command a coil, optionally watch a feedback" — fan, pump,
// light, siren, egg, and the three belt kinds (spec §4.4's table). Kinds
// without a running_feedback role key (light) simply never surface
// on_but_not_running / off_but_running.
type actuator struct {
	eq  model.Equipment
	dm  *datapoint.Manager
	il  Interlocker
	bus *bus.Bus

	coilPoint, feedbackPoint, autoManualPoint string
	hasFeedback, hasAutoManual                bool

	mu          sync.Mutex
	status      model.EquipmentStatus
	commandedAt time.Time

	quit chan struct{}
	done chan struct{}
}

func newActuator(eq model.Equipment, dm *datapoint.Manager, il Interlocker, b *bus.Bus) *actuator {
	coil, _ := eq.Point("on_off_coil")
	fb, hasFB := eq.Point("running_feedback")
	am, hasAM := eq.Point("auto_manual")

	a := &actuator{
		eq: eq, dm: dm, il: il, bus: b,
		coilPoint: coil, feedbackPoint: fb, autoManualPoint: am,
		hasFeedback: hasFB, hasAutoManual: hasAM,
		status: model.EquipmentStatus{Name: eq.Name, Kind: eq.Kind, Mode: initialMode(hasAM)},
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go a.loop()
	return a
}

func initialMode(hasAutoManual bool) model.Mode {
	if hasAutoManual {
		return model.ModeUnknown
	}
	return model.ModeAuto
}

func (a *actuator) Name() string                { return a.eq.Name }
func (a *actuator) Kind() model.EquipmentKind    { return a.eq.Kind }
func (a *actuator) Status() model.EquipmentStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

func (a *actuator) loop() {
	ticker := time.NewTicker(a.eq.PollInterval())
	defer ticker.Stop()
	defer close(a.done)
	for {
		select {
		case <-a.quit:
			return
		case <-ticker.C:
			a.Refresh()
		}
	}
}

// Refresh re-derives mode, running feedback, and the debounce error tag
// from the cache (spec §4.4).
func (a *actuator) Refresh() {
	a.mu.Lock()
	defer a.mu.Unlock()

	prev := a.status

	if a.hasAutoManual {
		on, ok := lookupBool(a.dm, a.eq, "auto_manual")
		if ok {
			if on {
				a.status.Mode = model.ModeAuto
			} else {
				a.status.Mode = model.ModeManual
			}
		}
	}

	if a.hasFeedback {
		running, ok := lookupBool(a.dm, a.eq, "running_feedback")
		if ok {
			a.status.Running = running
		}
	}

	// feed_in's bucket-full/trip extras are refreshed here because the
	// poll loop only ever calls the embedded actuator's Refresh.
	if a.eq.Kind == model.KindFeedIn {
		a.status.BucketFull, _ = lookupBool(a.dm, a.eq, "full_switch")
		a.status.Tripped, _ = lookupBool(a.dm, a.eq, "trip")
	}

	a.status.Error = a.debounceError()
	a.status.UpdatedAt = time.Now()

	if changed(prev, a.status) {
		a.bus.Publish(bus.TopicEquipmentStatus, a.status)
	}
}

// debounceError applies spec §4.4's on_but_not_running / off_but_running
// policy; on_but_not_running stays latched until feedback matches command
// again, per the spec's "cleared when feedback matches command" note.
func (a *actuator) debounceError() model.ErrorKind {
	if !a.hasFeedback {
		return ""
	}
	elapsed := time.Since(a.commandedAt) >= debounceWindow

	switch {
	case a.status.Command && a.status.Running:
		return ""
	case !a.status.Command && !a.status.Running:
		return ""
	case a.status.Command && !a.status.Running:
		if elapsed || a.status.Error == model.ErrOnButNotRunning {
			return model.ErrOnButNotRunning
		}
		return ""
	case !a.status.Command && a.status.Running:
		if elapsed {
			return model.ErrOffButRunning
		}
		return ""
	}
	return ""
}

func (a *actuator) TurnOn(ctx context.Context) error  { return a.command(ctx, true) }
func (a *actuator) TurnOff(ctx context.Context) error { return a.command(ctx, false) }

// command honors spec §4.4: only acted on in auto mode and only when the
// interlock engine allows it.
func (a *actuator) command(ctx context.Context, on bool) error {
	a.mu.Lock()
	mode := a.status.Mode
	a.mu.Unlock()

	if a.hasAutoManual && mode != model.ModeAuto {
		return nil
	}
	if on {
		if allowed, reason := a.il.CanStart(a.eq.Name); !allowed {
			return model.Parse(a.eq.Name, reason)
		}
	}

	val := 0.0
	if on {
		val = 1
	}
	if err := a.dm.Write(ctx, a.coilPoint, val); err != nil {
		return err
	}

	a.mu.Lock()
	a.status.Command = on
	a.commandedAt = time.Now()
	a.mu.Unlock()
	return nil
}

func (a *actuator) SetMode(mode model.Mode) error {
	if !a.hasAutoManual {
		return model.Parse(a.eq.Name, "kind has no auto_manual role key")
	}
	a.mu.Lock()
	a.status.Mode = mode
	a.mu.Unlock()
	return nil
}

// Reset is a no-op: actuator kinds have no latched fault state to clear.
func (a *actuator) Reset() error { return nil }

func (a *actuator) Close() {
	close(a.quit)
	<-a.done
}

func changed(prev, next model.EquipmentStatus) bool {
	return prev.Mode != next.Mode || prev.Command != next.Command ||
		prev.Running != next.Running || prev.Error != next.Error
}
