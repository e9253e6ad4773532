// Package environment implements the closed-loop staircase regulator of
// spec §4.6: a reality-scanning controller that maintains a ladder of
// active fans and pumps to hold a temperature/humidity band, with
// hysteresis, stagger, and front-to-back uniformity boost.
package environment

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/tankwanghow/poucon/internal/bus"
	"github.com/tankwanghow/poucon/internal/datapoint"
	"github.com/tankwanghow/poucon/internal/equipment"
	"github.com/tankwanghow/poucon/internal/model"
)

const defaultPollInterval = 5 * time.Second

// Regulator owns the registered fan/pump controllers and the sensor
// equipment it reads, plus the step-dwell and stagger bookkeeping (spec
// §4.6).
type Regulator struct {
	bus *bus.Bus
	dm  *datapoint.Manager

	mu  sync.RWMutex
	cfg model.EnvironmentConfig

	regMu          sync.RWMutex
	fans           map[string]equipment.Controller
	pumps          map[string]equipment.Controller
	averageSensors []string // average_sensor equipment names, mean of temp_sensors
	fallbackSensor []string // every sensor-kind equipment, used when no average_sensor is configured

	stateMu       sync.Mutex
	pendingStep   int
	pendingSince  time.Time
	haveCommitted bool
	committedStep int
	lastCommandAt time.Time

	rng *rand.Rand

	quit, done chan struct{}
}

// New returns a Regulator with no config and no registered equipment;
// wire both, then call Start.
func New(b *bus.Bus, dm *datapoint.Manager) *Regulator {
	return &Regulator{
		bus:   b,
		dm:    dm,
		fans:  make(map[string]equipment.Controller),
		pumps: make(map[string]equipment.Controller),
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// SetConfig installs a new environment configuration (spec §4.8:
// "environment_control_config" is reload-safe).
func (r *Regulator) SetConfig(cfg model.EnvironmentConfig) {
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
	r.bus.Publish(bus.TopicEnvironmentConfig, cfg)
}

// RegisterFan adds a fan controller to the reality scan.
func (r *Regulator) RegisterFan(name string, ctrl equipment.Controller) {
	r.regMu.Lock()
	defer r.regMu.Unlock()
	r.fans[name] = ctrl
}

// RegisterPump adds a pump controller to the reality scan.
func (r *Regulator) RegisterPump(name string, ctrl equipment.Controller) {
	r.regMu.Lock()
	defer r.regMu.Unlock()
	r.pumps[name] = ctrl
}

// RegisterAverageSensor names an average_sensor equipment whose derived
// mean (published by internal/equipment under the equipment's own name)
// feeds avg_temp/avg_humidity.
func (r *Regulator) RegisterAverageSensor(name string) {
	r.regMu.Lock()
	defer r.regMu.Unlock()
	r.averageSensors = append(r.averageSensors, name)
}

// RegisterFallbackSensor names a plain sensor-kind equipment to average
// over when no average_sensor equipment is configured (spec §4.6: "fall
// back to mean over all sensor-kind equipment if none configured").
func (r *Regulator) RegisterFallbackSensor(name string) {
	r.regMu.Lock()
	defer r.regMu.Unlock()
	r.fallbackSensor = append(r.fallbackSensor, name)
}

// Start launches the regulator's own poll task.
func (r *Regulator) Start() {
	go r.loop()
}

func (r *Regulator) loop() {
	interval := r.pollInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer close(r.done)
	for {
		select {
		case <-r.quit:
			return
		case <-ticker.C:
			r.cycle()
		}
	}
}

func (r *Regulator) pollInterval() time.Duration {
	r.mu.RLock()
	secs := r.cfg.PollIntervalSeconds
	r.mu.RUnlock()
	if secs <= 0 {
		return defaultPollInterval
	}
	return time.Duration(secs) * time.Second
}

// cycle runs one regulator pass (spec §4.6).
func (r *Regulator) cycle() {
	r.mu.RLock()
	cfg := r.cfg
	r.mu.RUnlock()

	if !cfg.Enabled {
		r.driveAllOff()
		return
	}

	avgTemp, haveTemp := r.avgTemp(cfg)
	avgHumidity, haveHumidity := r.avgHumidity()
	tempDelta := r.tempDelta(cfg)

	fanAutoOn, fanAutoOff := r.scanReality(r.fansSnapshot())
	pumpAutoOn, pumpAutoOff := r.scanReality(r.pumpsSnapshot())

	var step model.TempStep
	if haveTemp {
		step = r.selectStep(cfg, avgTemp, tempDelta)
	} else {
		// No usable temperature reading: skip the staircase logic, but
		// still maintain the step-1 minimum-ventilation floor rather
		// than holding state (spec §7).
		step = cfg.Steps[0]
	}

	staggerOK := r.staggerElapsed(cfg)
	fanChanged := false
	if staggerOK {
		fanChanged = r.adjustFans(cfg, step, fanAutoOn, fanAutoOff)
	}
	if staggerOK && !fanChanged {
		r.adjustPumps(cfg, step, avgHumidity, haveHumidity, pumpAutoOn, pumpAutoOff)
	}
}

// driveAllOff is the disabled-controller behavior (spec §4.6: "when
// disabled, the controller continuously drives every auto-mode fan and
// pump off").
func (r *Regulator) driveAllOff() {
	ctx, cancel := context.WithTimeout(context.Background(), 3500*time.Millisecond)
	defer cancel()
	for _, ctrl := range r.fansSnapshot() {
		if ctrl.Status().Mode == model.ModeAuto {
			ctrl.TurnOff(ctx)
		}
	}
	for _, ctrl := range r.pumpsSnapshot() {
		if ctrl.Status().Mode == model.ModeAuto {
			ctrl.TurnOff(ctx)
		}
	}
}

func (r *Regulator) fansSnapshot() map[string]equipment.Controller {
	r.regMu.RLock()
	defer r.regMu.RUnlock()
	out := make(map[string]equipment.Controller, len(r.fans))
	for k, v := range r.fans {
		out[k] = v
	}
	return out
}

func (r *Regulator) pumpsSnapshot() map[string]equipment.Controller {
	r.regMu.RLock()
	defer r.regMu.RUnlock()
	out := make(map[string]equipment.Controller, len(r.pumps))
	for k, v := range r.pumps {
		out[k] = v
	}
	return out
}

// scanReality partitions a registered set into auto_on / auto_off,
// replacing any cached intent every cycle (spec §4.6 step 3).
func (r *Regulator) scanReality(set map[string]equipment.Controller) (autoOn, autoOff []string) {
	for name, ctrl := range set {
		st := ctrl.Status()
		if st.Mode != model.ModeAuto {
			continue
		}
		healthy := st.Error != model.ErrOnButNotRunning
		switch {
		case st.Command && healthy:
			autoOn = append(autoOn, name)
		case !st.Command && healthy:
			autoOff = append(autoOff, name)
		}
	}
	return autoOn, autoOff
}

// avgTemp computes avg_temp from the configured average_sensor
// equipment, falling back to the mean over all sensor-kind equipment
// (spec §4.6 step 1).
func (r *Regulator) avgTemp(cfg model.EnvironmentConfig) (float64, bool) {
	r.regMu.RLock()
	averages := append([]string(nil), r.averageSensors...)
	fallback := append([]string(nil), r.fallbackSensor...)
	r.regMu.RUnlock()

	if mean, ok := r.meanOfNames(averages); ok {
		return mean, true
	}
	return r.meanOfNames(fallback)
}

// avgHumidity mirrors avgTemp using the average_sensor's humidity mean,
// published under "<name>/humidity" by internal/equipment.
func (r *Regulator) avgHumidity() (float64, bool) {
	r.regMu.RLock()
	averages := append([]string(nil), r.averageSensors...)
	r.regMu.RUnlock()

	names := make([]string, 0, len(averages))
	for _, n := range averages {
		names = append(names, n+"/humidity")
	}
	return r.meanOfNames(names)
}

func (r *Regulator) meanOfNames(names []string) (float64, bool) {
	var sum float64
	var n int
	for _, name := range names {
		entry, ok := r.dm.Lookup(name)
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

// tempDelta computes back_temp - front_temp from the first/last entries
// of the configured sensor order (spec §4.6 step 2).
func (r *Regulator) tempDelta(cfg model.EnvironmentConfig) float64 {
	if len(cfg.TempSensorOrder) < 2 {
		return 0
	}
	front, ok1 := r.dm.Lookup(cfg.TempSensorOrder[0])
	back, ok2 := r.dm.Lookup(cfg.TempSensorOrder[len(cfg.TempSensorOrder)-1])
	if !ok1 || !ok2 || !front.OK || !back.OK {
		return 0
	}
	return back.Value - front.Value
}

// selectStep applies step_for, delta boost, and step-delay hysteresis
// (spec §4.6 "Step selection").
func (r *Regulator) selectStep(cfg model.EnvironmentConfig, avgTemp, tempDelta float64) model.TempStep {
	proposed := stepFor(cfg, avgTemp)

	if tempDelta > cfg.MaxTempDelta && avgTemp > cfg.Steps[0].Temp {
		idx := highestActiveStep(cfg)
		r.stateMu.Lock()
		r.committedStep = idx
		r.haveCommitted = true
		r.pendingStep = idx
		r.pendingSince = time.Time{}
		r.stateMu.Unlock()
		return cfg.Steps[idx]
	}

	r.stateMu.Lock()
	defer r.stateMu.Unlock()

	if !r.haveCommitted {
		r.haveCommitted = true
		r.committedStep = proposed
		return cfg.Steps[proposed]
	}
	if proposed == r.committedStep {
		r.pendingStep = proposed
		r.pendingSince = time.Time{}
		return cfg.Steps[r.committedStep]
	}
	if r.pendingStep != proposed || r.pendingSince.IsZero() {
		r.pendingStep = proposed
		r.pendingSince = time.Now()
		return cfg.Steps[r.committedStep]
	}

	dwell := time.Duration(cfg.DelayBetweenStepSeconds) * time.Second
	if time.Since(r.pendingSince) >= dwell {
		r.committedStep = proposed
	}
	return cfg.Steps[r.committedStep]
}

// stepFor picks the highest indexed configured step whose temp
// threshold is at or below current temp, falling back to the lowest
// configured step (the minimum-ventilation floor) when temp is below
// every threshold (spec §4.6).
func stepFor(cfg model.EnvironmentConfig, temp float64) int {
	lowest := -1
	best := -1
	for i, s := range cfg.Steps {
		if s.Temp == 0 && i != 0 {
			continue // inactive slot
		}
		if lowest == -1 {
			lowest = i
		}
		if s.Temp <= temp {
			best = i
		}
	}
	if best >= 0 {
		return best
	}
	if lowest >= 0 {
		return lowest
	}
	return 0
}

func highestActiveStep(cfg model.EnvironmentConfig) int {
	idx := 0
	for i, s := range cfg.Steps {
		if s.Temp != 0 || i == 0 {
			idx = i
		}
	}
	return idx
}

// staggerElapsed reports whether enough time has passed since the last
// command write to issue another (spec §4.6: "no two command writes...
// less than stagger_delay_seconds apart").
func (r *Regulator) staggerElapsed(cfg model.EnvironmentConfig) bool {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	stagger := time.Duration(cfg.StaggerDelaySeconds) * time.Second
	return r.lastCommandAt.IsZero() || time.Since(r.lastCommandAt) >= stagger
}

func (r *Regulator) markCommanded() {
	r.stateMu.Lock()
	r.lastCommandAt = time.Now()
	r.stateMu.Unlock()
}

// adjustFans applies the fan-target logic of spec §4.6, issuing at most
// one command this cycle and reporting whether it did.
func (r *Regulator) adjustFans(cfg model.EnvironmentConfig, step model.TempStep, autoOn, autoOff []string) bool {
	failsafeActual := r.failsafeRunningCount()
	targetExtra := step.ExtraFans
	if failsafeActual > cfg.FailsafeFanCount {
		targetExtra = cfg.FailsafeFanCount + step.ExtraFans - failsafeActual
		if targetExtra < 0 {
			targetExtra = 0
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3500*time.Millisecond)
	defer cancel()

	switch {
	case len(autoOn) < targetExtra && len(autoOff) > 0:
		name := autoOff[r.rng.Intn(len(autoOff))]
		if err := r.fanCtrl(name).TurnOn(ctx); err == nil {
			r.markCommanded()
			return true
		}
	case len(autoOn) > targetExtra && len(autoOn) > 0:
		name := autoOn[r.rng.Intn(len(autoOn))]
		if err := r.fanCtrl(name).TurnOff(ctx); err == nil {
			r.markCommanded()
			return true
		}
	}
	return false
}

func (r *Regulator) failsafeRunningCount() int {
	count := 0
	for _, ctrl := range r.fansSnapshot() {
		st := ctrl.Status()
		if st.Mode == model.ModeManual && st.Running {
			count++
		}
	}
	return count
}

func (r *Regulator) fanCtrl(name string) equipment.Controller {
	r.regMu.RLock()
	defer r.regMu.RUnlock()
	return r.fans[name]
}

func (r *Regulator) pumpCtrl(name string) equipment.Controller {
	r.regMu.RLock()
	defer r.regMu.RUnlock()
	return r.pumps[name]
}

// adjustPumps applies the pump-target logic of spec §4.6, reconciling
// toward the target list by one command per cycle.
func (r *Regulator) adjustPumps(cfg model.EnvironmentConfig, step model.TempStep, avgHumidity float64, haveHumidity bool, autoOn, autoOff []string) {
	target := r.pumpTarget(cfg, step, avgHumidity, haveHumidity)

	ctx, cancel := context.WithTimeout(context.Background(), 3500*time.Millisecond)
	defer cancel()

	for _, name := range autoOn {
		if !contains(target, name) {
			if err := r.pumpCtrl(name).TurnOff(ctx); err == nil {
				r.markCommanded()
			}
			return
		}
	}
	for _, name := range target {
		if contains(autoOn, name) {
			continue
		}
		if !contains(autoOff, name) {
			continue // not an auto-mode candidate
		}
		if err := r.pumpCtrl(name).TurnOn(ctx); err == nil {
			r.markCommanded()
		}
		return
	}
}

func (r *Regulator) pumpTarget(cfg model.EnvironmentConfig, step model.TempStep, avgHumidity float64, haveHumidity bool) []string {
	if haveHumidity && avgHumidity >= cfg.HumidityMax {
		return nil
	}
	if haveHumidity && avgHumidity <= cfg.HumidityMin {
		seen := make(map[string]bool)
		var out []string
		for _, s := range cfg.Steps {
			if s.Temp == 0 {
				continue
			}
			for _, p := range s.Pumps {
				if !seen[p] {
					seen[p] = true
					out = append(out, p)
				}
			}
		}
		return out
	}
	return step.Pumps
}

func contains(list []string, name string) bool {
	for _, n := range list {
		if n == name {
			return true
		}
	}
	return false
}

// Close stops the regulator's poll task.
func (r *Regulator) Close() {
	close(r.quit)
	<-r.done
}
