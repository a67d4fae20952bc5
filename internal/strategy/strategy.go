// Package strategy implements the windowed strategy controller (spec.md
// §4.6, C6): a pure function of per-path telemetry, accumulated timeout
// events, and window id, producing path weights, shaping behavior,
// protocol family/variant assignment, and an observability action label.
//
// Grounded on the teacher's internal/switcher/decision.go DecisionEngine,
// generalized from "pick one transport mode" to "derive per-path
// parameters for every path at once".
package strategy

import (
	"math/rand"

	"github.com/hopveil/hopveil/internal/shaping"
)

// Mode selects the controller's top-level behavior (spec.md §4.6).
type Mode string

const (
	ModeNormal          Mode = "normal"
	ModeBaselineDelay   Mode = "baseline_delay"
	ModeBaselinePadding Mode = "baseline_padding"
)

// Trigger is the cause of a protocol-rotation state transition.
type Trigger string

const (
	TriggerNone     Trigger = "none"
	TriggerTimeout  Trigger = "timeout"
	TriggerPeriodic Trigger = "periodic"
)

// Metrics is one path's per-window telemetry input (spec.md §4.6).
type Metrics struct {
	RTTMs float64
	Loss  float64
}

// Config is the controller's fixed, process-supplied configuration
// (spec.md §4.6).
type Config struct {
	BasePadding       float64
	BaseJitter        float64
	BaseRate          float64
	SizeBins          []int
	FamilyIDs         []uint16
	ObfuscationLevel  int
	Mode              Mode
	ProtoSwitchPeriod uint32
	AdaptivePaths     bool
	AdaptiveBehavior  bool
	AdaptiveProto     bool
}

// AdaptiveFlags echoes the three independent toggles for observability.
type AdaptiveFlags struct {
	Paths    bool
	Behavior bool
	Proto    bool
}

// Output is the controller's per-window decision (spec.md §3,
// StrategyOutput).
type Output struct {
	Weights       []float64
	Behavior      []shaping.BehaviorParams
	FamilyByPath  []uint16
	VariantByPath []uint8

	ObfuscationLevel int
	Trigger          Trigger
	Action           string
	AdaptiveFlags    AdaptiveFlags
}

// Controller is a pure function of (Metrics, timeout_events, window_id)
// plus its own two internal counters, which only ever advance on a fired
// rotation trigger — this is what makes Evaluate deterministic given fixed
// counters (spec.md §8, "Controller determinism").
type Controller struct {
	cfg Config

	familyIndex int
	variantSeed int

	rng *rand.Rand
}

// New creates a Controller. rng seeds the size-bin jitter (step 4); pass a
// seeded *rand.Rand (internal/randsrc) for reproducible runs.
func New(cfg Config, rng *rand.Rand) *Controller {
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	return &Controller{cfg: cfg, rng: rng}
}

// FamilyIndex and VariantSeed expose the controller's internal counters,
// for tests asserting the exact rotation-trigger invariant (spec.md §8).
func (c *Controller) FamilyIndex() int { return c.familyIndex }
func (c *Controller) VariantSeed() int { return c.variantSeed }

type levelPreset struct {
	drift     float64
	burst     int
	rateMul   float64
	toggleOn  bool
	zeroPadJ  bool // L0 only: force padding=0, jitter=0
}

func presetFor(level int) levelPreset {
	switch level {
	case 0:
		return levelPreset{drift: 0, burst: 1, rateMul: 2.0, toggleOn: false, zeroPadJ: true}
	case 1:
		return levelPreset{drift: 0.02, burst: 4, rateMul: 1.2, toggleOn: true}
	case 2:
		return levelPreset{drift: 0.05, burst: 6, rateMul: 1.0, toggleOn: true}
	case 3:
		return levelPreset{drift: 0.08, burst: 8, rateMul: 0.8, toggleOn: true}
	default:
		return levelPreset{drift: 0.05, burst: 6, rateMul: 1.0, toggleOn: true}
	}
}

// Evaluate runs the controller's seven-step algorithm for one window tick.
func (c *Controller) Evaluate(metrics []Metrics, timeoutEvents int, windowID uint32) Output {
	numPaths := len(metrics)

	// Step 1: path weights.
	weights := make([]float64, numPaths)
	for i, m := range metrics {
		w := 1.0
		if c.cfg.AdaptivePaths && (m.Loss > 0.1 || m.RTTMs > 200) {
			w /= 2
		}
		weights[i] = w
	}

	// Step 2: obfuscation-level preset.
	preset := presetFor(c.cfg.ObfuscationLevel)
	padding := c.cfg.BasePadding
	jitter := c.cfg.BaseJitter
	rate := c.cfg.BaseRate * preset.rateMul
	if preset.zeroPadJ {
		padding = 0
		jitter = 0
	}

	// Step 3: overload damping.
	var meanLoss, meanRTT float64
	if numPaths > 0 {
		for _, m := range metrics {
			meanLoss += m.Loss
			meanRTT += m.RTTMs
		}
		meanLoss /= float64(numPaths)
		meanRTT /= float64(numPaths)
	}
	if meanLoss > 0.2 || meanRTT > 250 {
		padding = max(0.01, padding*0.5)
		jitter = max(5, jitter*0.5)
		rate *= 0.8
	}

	// Step 4: size-bin jitter; q_dist reset to uniform.
	sizeBins := make([]int, len(c.cfg.SizeBins))
	for i, b := range c.cfg.SizeBins {
		mul := 0.9 + c.rng.Float64()*0.2
		sizeBins[i] = int(float64(b) * mul)
	}

	// Step 5: protocol rotation.
	trigger := TriggerNone
	familyByPath := make([]uint16, numPaths)
	variantByPath := make([]uint8, numPaths)
	n := len(c.cfg.FamilyIDs)
	if c.cfg.AdaptiveProto && n > 0 {
		switch {
		case timeoutEvents > 2:
			trigger = TriggerTimeout
		case c.cfg.ProtoSwitchPeriod > 0 && windowID%c.cfg.ProtoSwitchPeriod == 0:
			trigger = TriggerPeriodic
		}
		if trigger != TriggerNone {
			c.familyIndex = (c.familyIndex + 1) % n
			c.variantSeed++
		}
		for p := 0; p < numPaths; p++ {
			familyByPath[p] = c.cfg.FamilyIDs[(c.familyIndex+p)%n]
			variantByPath[p] = uint8((c.variantSeed + p) % 2)
		}
	} else if n > 0 {
		for p := 0; p < numPaths; p++ {
			familyByPath[p] = c.cfg.FamilyIDs[0]
			variantByPath[p] = 0
		}
	}

	enableShaping, enablePadding, enablePacing, enableJitter := preset.toggleOn, preset.toggleOn, preset.toggleOn, preset.toggleOn

	// Step 6: mode overrides (per-path, after step 5).
	switch c.cfg.Mode {
	case ModeBaselineDelay:
		for p := 0; p < numPaths; p++ {
			familyByPath[p], variantByPath[p] = 1, 0
		}
		enableShaping, enablePadding = false, false
		enablePacing, enableJitter = true, true
	case ModeBaselinePadding:
		for p := 0; p < numPaths; p++ {
			familyByPath[p], variantByPath[p] = 1, 0
		}
		enableShaping, enablePadding = true, true
		enablePacing, enableJitter = false, false
	default: // normal
		if !c.cfg.AdaptiveProto {
			for p := 0; p < numPaths; p++ {
				familyByPath[p], variantByPath[p] = 1, 0
			}
		}
		if !c.cfg.AdaptiveBehavior {
			enableShaping, enablePadding, enablePacing, enableJitter = false, false, false, false
		}
	}

	behavior := make([]shaping.BehaviorParams, numPaths)
	for p := 0; p < numPaths; p++ {
		behavior[p] = shaping.BehaviorParams{
			SizeBins:         sizeBins,
			PaddingAlpha:     padding,
			JitterMs:         int(jitter),
			RateBytesPerSec:  rate,
			BurstSize:        preset.burst,
			ObfuscationLevel: c.cfg.ObfuscationLevel,
			EnableShaping:    enableShaping,
			EnablePadding:    enablePadding,
			EnablePacing:     enablePacing,
			EnableJitter:     enableJitter,
		}
	}

	// Step 7: action label, in spec.md §4.6 step 7's listing order —
	// switch_proto, update_weights, update_behavior, static — with each
	// later label overriding an earlier one.
	action := "static"
	if trigger != TriggerNone {
		action = "switch_proto"
	}
	for _, w := range weights {
		if w < 1 {
			action = "update_weights"
			break
		}
	}
	if c.cfg.AdaptiveBehavior {
		action = "update_behavior"
	}

	return Output{
		Weights:          weights,
		Behavior:         behavior,
		FamilyByPath:     familyByPath,
		VariantByPath:    variantByPath,
		ObfuscationLevel: c.cfg.ObfuscationLevel,
		Trigger:          trigger,
		Action:           action,
		AdaptiveFlags: AdaptiveFlags{
			Paths:    c.cfg.AdaptivePaths,
			Behavior: c.cfg.AdaptiveBehavior,
			Proto:    c.cfg.AdaptiveProto,
		},
	}
}

func max(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// DriftFor extracts the preset drift for the controller's configured
// obfuscation level, so callers (the endpoint's window tick) can feed it
// to shaping.Engine.UpdateQDist as spec.md §4.7 step (f) requires.
func (c *Controller) DriftFor() float64 {
	return presetFor(c.cfg.ObfuscationLevel).drift
}
