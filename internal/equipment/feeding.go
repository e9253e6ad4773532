package equipment

import (
	"context"
	"sync"
	"time"

	"github.com/tankwanghow/poucon/internal/bus"
	"github.com/tankwanghow/poucon/internal/datapoint"
	"github.com/tankwanghow/poucon/internal/model"
)

// pulseStallWindow is how long a direction coil may be energized without
// a pulse-sensor tick before the feeding motor is declared stuck (spec
// §4.4.1: "absence of ticks for a debounce window while a direction coil
// is on transitions to fault").
const pulseStallWindow = 5 * time.Second

// feeding drives the directional feed-trolley motor through its
// idle/moving_to_back/at_back/moving_to_front/at_front/fault states
// (spec §4.4.1).
type feeding struct {
	eq  model.Equipment
	dm  *datapoint.Manager
	il  Interlocker
	bus *bus.Bus

	toBack, toFront           string
	fwdFeedback, revFeedback  string
	frontLimit, backLimit     string
	pulseSensor               string

	// BucketFullCheck, when set, gates move_to_back the way spec §4.4.1
	// describes ("if configured, the feed-in bucket's full sensor reads
	// true"); the supervisor wires this to the paired feed_in equipment's
	// status. A nil check means the precondition is not configured and
	// always passes.
	BucketFullCheck func() bool

	mu              sync.Mutex
	state           model.FeedState
	lastPulse       float64
	lastPulseChange time.Time
	lastDirectionAt time.Time
	status          model.EquipmentStatus

	quit, done chan struct{}
}

func newFeeding(eq model.Equipment, dm *datapoint.Manager, il Interlocker, b *bus.Bus) Controller {
	toBack, _ := eq.Point("to_back_limit")
	toFront, _ := eq.Point("to_front_limit")
	fwd, _ := eq.Point("fwd_feedback")
	rev, _ := eq.Point("rev_feedback")
	front, _ := eq.Point("front_limit")
	back, _ := eq.Point("back_limit")
	pulse, _ := eq.Point("pulse_sensor")

	f := &feeding{
		eq: eq, dm: dm, il: il, bus: b,
		toBack: toBack, toFront: toFront,
		fwdFeedback: fwd, revFeedback: rev,
		frontLimit: front, backLimit: back, pulseSensor: pulse,
		state:  model.FeedIdle,
		status: model.EquipmentStatus{Name: eq.Name, Kind: eq.Kind, Mode: model.ModeUnknown, FeedState: model.FeedIdle},
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go f.loop()
	return f
}

func (f *feeding) Name() string             { return f.eq.Name }
func (f *feeding) Kind() model.EquipmentKind { return f.eq.Kind }

func (f *feeding) Status() model.EquipmentStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

// SetBucketFullCheck wires the feed-in bucket-full precondition the
// supervisor pairs this feeding equipment with (spec §4.4.1). It is a
// method rather than direct field access so callers outside this
// package never need the unexported *feeding type.
func (f *feeding) SetBucketFullCheck(check func() bool) {
	f.mu.Lock()
	f.BucketFullCheck = check
	f.mu.Unlock()
}

func (f *feeding) loop() {
	ticker := time.NewTicker(f.eq.PollInterval())
	defer ticker.Stop()
	defer close(f.done)
	for {
		select {
		case <-f.quit:
			return
		case <-ticker.C:
			f.Refresh()
		}
	}
}

// Refresh evaluates limits, feedback, and pulse activity, applying the
// transition rules of spec §4.4.1.
func (f *feeding) Refresh() {
	on, ok := lookupBool(f.dm, f.eq, "auto_manual")

	front, _ := lookupBoolByName(f.dm, f.frontLimit)
	back, _ := lookupBoolByName(f.dm, f.backLimit)
	fwdFB, _ := lookupBoolByName(f.dm, f.fwdFeedback)
	revFB, _ := lookupBoolByName(f.dm, f.revFeedback)

	f.mu.Lock()
	defer f.mu.Unlock()

	prev := f.status

	if ok {
		if on {
			f.status.Mode = model.ModeAuto
		} else {
			f.status.Mode = model.ModeManual
		}
	}
	f.status.FrontLimit = front
	f.status.BackLimit = back

	f.trackPulse()

	if front && back {
		f.enterFault()
	}

	switch f.state {
	case model.FeedMovingToBack:
		if back {
			f.state = model.FeedAtBack
			f.withdrawCoils()
		} else if !revFB {
			f.enterFault()
		} else if time.Since(f.lastPulseChange) >= pulseStallWindow {
			f.enterFault()
		}
	case model.FeedMovingToFront:
		if front {
			f.state = model.FeedAtFront
			f.withdrawCoils()
		} else if !fwdFB {
			f.enterFault()
		} else if time.Since(f.lastPulseChange) >= pulseStallWindow {
			f.enterFault()
		}
	}

	f.status.FeedState = f.state
	f.status.Running = f.state == model.FeedMovingToBack || f.state == model.FeedMovingToFront
	f.status.UpdatedAt = time.Now()

	if changedFeeding(prev, f.status) {
		f.bus.Publish(bus.TopicEquipmentStatus, f.status)
	}
}

// trackPulse notes whether the pulse sensor's value changed since the
// last poll, resetting the stall timer on any tick.
func (f *feeding) trackPulse() {
	entry, ok := f.dm.Lookup(f.pulseSensor)
	if !ok {
		return
	}
	if entry.Value != f.lastPulse || f.lastPulseChange.IsZero() {
		f.lastPulse = entry.Value
		f.lastPulseChange = time.Now()
	}
}

// enterFault withdraws both direction coils (spec §4.4.1: "both limits on
// simultaneously ⇒ fault" and stall ⇒ fault).
func (f *feeding) enterFault() {
	f.state = model.FeedFault
	f.withdrawCoils()
}

// withdrawCoils de-energizes both direction coils, on reaching a limit
// and on entering fault.
func (f *feeding) withdrawCoils() {
	go func() {
		ctx, cancel := portioDeadline()
		defer cancel()
		f.dm.Write(ctx, f.toBack, 0)
		f.dm.Write(ctx, f.toFront, 0)
	}()
}

// MoveToBack drives the trolley toward the back (spec §4.4.1).
func (f *feeding) MoveToBack(ctx context.Context) error {
	f.mu.Lock()
	mode := f.status.Mode
	front, back := f.status.FrontLimit, f.status.BackLimit
	bucketFullCheck := f.BucketFullCheck
	f.mu.Unlock()

	if mode != model.ModeAuto || !front || back {
		return nil
	}
	if bucketFullCheck != nil && !bucketFullCheck() {
		return nil
	}
	if allowed, reason := f.il.CanStart(f.eq.Name); !allowed {
		return model.Parse(f.eq.Name, reason)
	}

	if err := f.dm.Write(ctx, f.toBack, 1); err != nil {
		return err
	}
	f.mu.Lock()
	f.state = model.FeedMovingToBack
	f.lastDirectionAt = time.Now()
	f.mu.Unlock()
	return nil
}

// MoveToFront drives the trolley toward the front, the mirror of
// MoveToBack.
func (f *feeding) MoveToFront(ctx context.Context) error {
	f.mu.Lock()
	mode := f.status.Mode
	front, back := f.status.FrontLimit, f.status.BackLimit
	f.mu.Unlock()

	if mode != model.ModeAuto || !back || front {
		return nil
	}

	if err := f.dm.Write(ctx, f.toFront, 1); err != nil {
		return err
	}
	f.mu.Lock()
	f.state = model.FeedMovingToFront
	f.lastDirectionAt = time.Now()
	f.mu.Unlock()
	return nil
}

// TurnOn and TurnOff satisfy Controller for a directional motor: TurnOn
// issues MoveToBack, and TurnOff does nothing. The scheduler drives the
// motor through MoveToBack/MoveToFront directly (spec §4.7).
func (f *feeding) TurnOn(ctx context.Context) error  { return f.MoveToBack(ctx) }
func (f *feeding) TurnOff(ctx context.Context) error { return nil }

func (f *feeding) SetMode(mode model.Mode) error {
	f.mu.Lock()
	f.status.Mode = mode
	f.mu.Unlock()
	return nil
}

// Reset clears a latched fault and returns the motor to idle (spec §9,
// open question (a)): fault never clears on its own, only through this
// explicit operator action. Both direction coils are left de-energized,
// matching the state enterFault already drove them to. A Reset while not
// in fault is a harmless no-op.
func (f *feeding) Reset() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state != model.FeedFault {
		return nil
	}

	prev := f.status
	f.state = model.FeedIdle
	f.status.FeedState = f.state
	f.status.Running = false
	f.lastPulseChange = time.Now()
	f.status.UpdatedAt = time.Now()

	if changedFeeding(prev, f.status) {
		f.bus.Publish(bus.TopicEquipmentStatus, f.status)
	}
	return nil
}

func (f *feeding) Close() {
	close(f.quit)
	<-f.done
}

func changedFeeding(prev, next model.EquipmentStatus) bool {
	return prev.FeedState != next.FeedState || prev.Mode != next.Mode ||
		prev.FrontLimit != next.FrontLimit || prev.BackLimit != next.BackLimit
}

func portioDeadline() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 3500*time.Millisecond)
}
