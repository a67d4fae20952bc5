package tunnel

import (
	"context"
	"time"

	"github.com/hopveil/hopveil/internal/logging"
	"github.com/hopveil/hopveil/internal/observer"
	"github.com/hopveil/hopveil/internal/protofam"
	"github.com/hopveil/hopveil/internal/randsrc"
	"github.com/hopveil/hopveil/internal/runctx"
	"github.com/hopveil/hopveil/internal/scheduler"
	"github.com/hopveil/hopveil/internal/shaping"
	"github.com/hopveil/hopveil/internal/strategy"
)

// WindowClock runs the per-window tick shared by both endpoints (spec.md
// §4.7, "Window tick"): timeout accounting, controller evaluation, and
// propagation of the new weights/behavior/family/variant into C4/C5/C3,
// plus one C8 observation record per path.
type WindowClock struct {
	windowID    uint32
	windowSize  time.Duration
	sessionSeed int64
	numPaths    int

	scheduler  *scheduler.Scheduler
	shaping    *shaping.Engine
	controller *strategy.Controller
	registry   *protofam.Registry
	recorder   *observer.Recorder
	logger     *logging.Logger

	familyByPath  []uint16
	variantByPath []uint8
}

// NewWindowClock wires the four per-session subsystems together. sessionSeed
// seeds every window's per-path q_dist perturbation (spec.md §9,
// "Random sources must be seedable per-session").
func NewWindowClock(
	numPaths int,
	windowSize time.Duration,
	sessionSeed int64,
	sched *scheduler.Scheduler,
	shapingEngine *shaping.Engine,
	controller *strategy.Controller,
	registry *protofam.Registry,
	recorder *observer.Recorder,
	logger *logging.Logger,
) *WindowClock {
	familyByPath := make([]uint16, numPaths)
	variantByPath := make([]uint8, numPaths)
	for i := range familyByPath {
		familyByPath[i] = 1
		variantByPath[i] = 0
	}
	return &WindowClock{
		windowSize:    windowSize,
		sessionSeed:   sessionSeed,
		numPaths:      numPaths,
		scheduler:     sched,
		shaping:       shapingEngine,
		controller:    controller,
		registry:      registry,
		recorder:      recorder,
		logger:        logger,
		familyByPath:  familyByPath,
		variantByPath: variantByPath,
	}
}

// WindowID returns the current window id (starts at 0, before the first tick).
func (w *WindowClock) WindowID() uint32 { return w.windowID }

// FamilyVariant returns the currently assigned cover-protocol family and
// variant for a path, falling back to family 1 / variant 0 (the baseline
// identity) if the registry doesn't have the assigned family.
func (w *WindowClock) FamilyVariant(pathID uint8) (*protofam.Family, protofam.Variant) {
	familyID := uint16(1)
	variantID := uint8(0)
	if int(pathID) < len(w.familyByPath) {
		familyID = w.familyByPath[pathID]
		variantID = w.variantByPath[pathID]
	}
	fam, ok := w.registry.Family(familyID)
	if !ok {
		fam, _ = w.registry.Family(1)
	}
	return fam, fam.Variant(variantID)
}

// Run blocks, ticking every windowSize until ctx is cancelled.
func (w *WindowClock) Run(ctx context.Context) {
	ticker := time.NewTicker(w.windowSize)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick()
		}
	}
}

// tick runs spec.md §4.7's eight window-tick steps.
func (w *WindowClock) tick() {
	// (a) expire in-flight entries older than ack_timeout_sec.
	timeoutEvents := w.scheduler.SweepTimeouts()

	// (b) advance window id.
	w.windowID++

	// (c) snapshot the scheduler.
	snaps := w.scheduler.Snapshot()
	metrics := make([]strategy.Metrics, len(snaps))
	for i, s := range snaps {
		metrics[i] = strategy.Metrics{RTTMs: s.RTTMs, Loss: s.Loss}
	}

	// (d) evaluate the controller.
	output := w.controller.Evaluate(metrics, timeoutEvents, w.windowID)

	// (e) push weights/behavior/family-variant into C5/C4/C3.
	w.scheduler.SetWeights(output.Weights)
	w.familyByPath = output.FamilyByPath
	w.variantByPath = output.VariantByPath
	for p := 0; p < w.numPaths && p < len(output.Behavior); p++ {
		w.shaping.SetParams(uint8(p), output.Behavior[p])
	}

	// (f) update_q_dist when adaptive_behavior is on.
	drift := w.controller.DriftFor()
	if output.AdaptiveFlags.Behavior {
		for p := 0; p < w.numPaths; p++ {
			seed := randsrc.SeedFor(w.sessionSeed, w.windowID, uint8(p))
			rng := randsrc.ForWindowPath(seed, w.windowID, uint8(p))
			w.shaping.UpdateQDist(uint8(p), drift, rng)
		}
	}

	// (g) start a fresh shaping window.
	w.shaping.StartWindow()

	// (h) emit one observation record per path.
	for p := 0; p < len(snaps); p++ {
		real, padding, _ := w.shaping.Snapshot(uint8(p))
		var family uint16 = 1
		var variant uint8
		if p < len(output.FamilyByPath) {
			family = output.FamilyByPath[p]
			variant = output.VariantByPath[p]
		}
		rec := runctx.WindowRecord{
			WindowID:         w.windowID,
			PathID:           uint8(p),
			ObfuscationLevel: output.ObfuscationLevel,
			AlphaPadding:     w.shaping.Params(uint8(p)).PaddingAlpha,
			RateBytesPerSec:  w.shaping.Params(uint8(p)).RateBytesPerSec,
			JitterMs:         w.shaping.Params(uint8(p)).JitterMs,
			ProtoFamily:      family,
			ProtoVariant:     variant,
			PaddingBytes:     padding,
			RealBytes:        real,
			RTTMs:            snaps[p].RTTMs,
			Loss:             snaps[p].Loss,
			Trigger:          string(output.Trigger),
			Action:           output.Action,
			AdaptivePaths:    output.AdaptiveFlags.Paths,
			AdaptiveBehavior: output.AdaptiveFlags.Behavior,
			AdaptiveProto:    output.AdaptiveFlags.Proto,
		}
		if err := w.recorder.RecordWindow(rec); err != nil && w.logger != nil {
			w.logger.Warnf("window record write failed: %v", err)
		}
		if w.logger != nil {
			w.logger.Infof("window=%d path=%d family=%d variant=%d rtt=%.1fms loss=%.3f trigger=%s action=%s",
				w.windowID, p, family, variant, snaps[p].RTTMs, snaps[p].Loss, output.Trigger, output.Action)
		}
	}
}
