// Package interlock implements the safety overlay of spec §4.5: a
// dependency graph over equipment names that gates turn-on commands and
// cascades shutdowns when an upstream dependency's running feedback
// drops. It is designed to fail open — an absent or crashed engine must
// never be the reason livestock infrastructure silently shuts down.
package interlock

import (
	"context"
	"sync"
	"time"

	"github.com/tankwanghow/poucon/internal/bus"
	"github.com/tankwanghow/poucon/internal/equipment"
	"github.com/tankwanghow/poucon/internal/model"
)

// pollInterval is the cascade-detection cadence (spec §4.5: "internal
// loop polls at 500 ms").
const pollInterval = 500 * time.Millisecond

// Engine holds the upstream→downstream adjacency graph and the cascade
// poll task. It satisfies equipment.Interlocker.
type Engine struct {
	bus *bus.Bus

	mu         sync.RWMutex
	rules      []model.InterlockRule
	downstream map[string][]string // upstream name -> enabled downstream names
	upstream   map[string][]string // downstream name -> enabled upstream names

	regMu       sync.RWMutex
	controllers map[string]equipment.Controller

	lastRunning map[string]bool

	quit, done chan struct{}
}

// New returns an Engine with no rules and no registered equipment; wire
// both before Start.
func New(b *bus.Bus) *Engine {
	return &Engine{
		bus:         b,
		downstream:  make(map[string][]string),
		upstream:    make(map[string][]string),
		controllers: make(map[string]equipment.Controller),
		lastRunning: make(map[string]bool),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// RegisterEquipment makes name's controller visible to CanStart and to
// the cascade poll. The supervisor calls this once per equipment at boot
// as each Controller is constructed.
func (e *Engine) RegisterEquipment(name string, ctrl equipment.Controller) {
	e.regMu.Lock()
	defer e.regMu.Unlock()
	e.controllers[name] = ctrl
}

// ReloadRules validates and installs a new rule set (spec §3: "no
// self-loop; no duplicate edge"), rebuilding the adjacency maps.
func (e *Engine) ReloadRules(rules []model.InterlockRule) error {
	seen := make(map[[2]string]bool, len(rules))
	downstream := make(map[string][]string)
	upstream := make(map[string][]string)

	for _, r := range rules {
		if r.Upstream == r.Downstream {
			return model.Parse(r.Upstream, "interlock rule is a self-loop")
		}
		key := [2]string{r.Upstream, r.Downstream}
		if seen[key] {
			return model.Parse(r.Upstream, "duplicate interlock rule to "+r.Downstream)
		}
		seen[key] = true

		if !r.Enabled {
			continue
		}
		downstream[r.Upstream] = append(downstream[r.Upstream], r.Downstream)
		upstream[r.Downstream] = append(upstream[r.Downstream], r.Upstream)
	}

	e.mu.Lock()
	e.rules = append([]model.InterlockRule(nil), rules...)
	e.downstream = downstream
	e.upstream = upstream
	e.mu.Unlock()

	e.bus.Publish(bus.TopicInterlockRules, rules)
	return nil
}

// GetRules returns the currently installed rule set.
func (e *Engine) GetRules() []model.InterlockRule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]model.InterlockRule(nil), e.rules...)
}

// CanStart reports whether name may be commanded on, and names the
// blocking upstream equipment if not (spec §4.5: "consulted by a
// controller immediately before writing an on_off_coil to 1").
func (e *Engine) CanStart(name string) (bool, string) {
	e.mu.RLock()
	ups := append([]string(nil), e.upstream[name]...)
	e.mu.RUnlock()

	if len(ups) == 0 {
		return true, ""
	}

	var blocking []string
	for _, up := range ups {
		if !e.isRunning(up) {
			blocking = append(blocking, up)
		}
	}
	if len(blocking) == 0 {
		return true, ""
	}

	reason := "blocked by upstream: " + joinNames(blocking)
	return false, reason
}

// isRunning reports whether name counts as satisfied for CanStart's
// purposes: its feedback is actually on, or it is in MANUAL mode, where
// an operator rather than this engine owns its state (spec §8 testable
// property #5: "unless upstream's feedback is ON or upstream is in
// MANUAL mode").
func (e *Engine) isRunning(name string) bool {
	e.regMu.RLock()
	ctrl := e.controllers[name]
	e.regMu.RUnlock()
	if ctrl == nil {
		return true // unknown upstream fails open, never closed
	}
	st := ctrl.Status()
	return st.Running || st.Mode == model.ModeManual
}

func joinNames(names []string) string {
	out := names[0]
	for _, n := range names[1:] {
		out += ", " + n
	}
	return out
}

// Start launches the cascade-detection poll loop.
func (e *Engine) Start() {
	go e.loop()
}

func (e *Engine) loop() {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	defer close(e.done)
	for {
		select {
		case <-e.quit:
			return
		case <-ticker.C:
			e.scan()
		}
	}
}

// scan detects upstream running→not-running transitions and cascades
// turn_off to the immediate downstream set; transitive cascades follow
// on subsequent polls once the downstream equipment's own feedback drops
// (spec §4.5: "cascades are transitive — downstream-of-downstream
// follows on the next poll").
func (e *Engine) scan() {
	e.regMu.RLock()
	names := make([]string, 0, len(e.controllers))
	for name := range e.controllers {
		names = append(names, name)
	}
	ctrls := e.controllers
	e.regMu.RUnlock()

	for _, name := range names {
		running := ctrls[name].Status().Running

		e.mu.RLock()
		prev, known := e.lastRunning[name]
		downstream := append([]string(nil), e.downstream[name]...)
		e.mu.RUnlock()

		e.mu.Lock()
		e.lastRunning[name] = running
		e.mu.Unlock()

		if known && prev && !running {
			e.cascadeOff(downstream)
		}
	}
}

func (e *Engine) cascadeOff(downstream []string) {
	if len(downstream) == 0 {
		return
	}
	e.regMu.RLock()
	defer e.regMu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 3500*time.Millisecond)
	defer cancel()
	for _, name := range downstream {
		if ctrl := e.controllers[name]; ctrl != nil {
			ctrl.TurnOff(ctx)
		}
	}
}

// Close stops the poll loop.
func (e *Engine) Close() {
	close(e.quit)
	<-e.done
}
