package shaping

import (
	"context"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/hopveil/hopveil/internal/frame"
)

func defaultParams() BehaviorParams {
	return BehaviorParams{
		SizeBins:        []int{100, 200, 300},
		QDist:           []float64{0.2, 0.3, 0.5},
		PaddingAlpha:    0.5,
		JitterMs:        10,
		RateBytesPerSec: 10000,
		BurstSize:       3,
		EnableShaping:   true,
		EnablePadding:   true,
		EnablePacing:    true,
		EnableJitter:    true,
	}
}

func TestPaddingBudgetInvariant(t *testing.T) {
	e := NewEngine(1, defaultParams())
	e.NoteRealBytes(0, 1000)
	_, _, budget := e.Snapshot(0)
	if budget != 500 {
		t.Fatalf("padding_budget = %d, want floor(1000*0.5)=500", budget)
	}

	rng := rand.New(rand.NewSource(1))
	tmpl := &frame.Frame{SessionID: 1, PathID: 0}
	e.MakePaddingFrames(0, tmpl, 3, rng)
	_, padding, budget := e.Snapshot(0)
	if padding > budget {
		t.Fatalf("padding_bytes %d exceeds padding_budget %d", padding, budget)
	}
}

func TestMakePaddingFramesRespectsMaxAndBudget(t *testing.T) {
	p := defaultParams()
	p.PaddingAlpha = 1.0
	e := NewEngine(1, p)
	e.NoteRealBytes(0, 50) // budget = 50

	rng := rand.New(rand.NewSource(2))
	tmpl := &frame.Frame{SessionID: 1, PathID: 0, Flags: 0}
	frames := e.MakePaddingFrames(0, tmpl, 3, rng)
	var total int
	for _, f := range frames {
		if !f.HasFlag(frame.FlagPadding) {
			t.Fatal("padding frame missing PADDING flag")
		}
		if f.FragTotal != 1 {
			t.Fatal("padding frame must have frag_total=1")
		}
		total += len(f.Payload)
	}
	if total > 50 {
		t.Fatalf("padding frames exceeded budget: %d > 50", total)
	}
}

func TestBudgetExhaustedReturnsEmpty(t *testing.T) {
	e := NewEngine(1, defaultParams()) // no real bytes noted -> budget 0
	rng := rand.New(rand.NewSource(3))
	frames := e.MakePaddingFrames(0, &frame.Frame{}, 3, rng)
	if len(frames) != 0 {
		t.Fatalf("expected no padding frames when budget exhausted, got %d", len(frames))
	}
}

func TestUpdateBurstTriggersAtBurstSize(t *testing.T) {
	e := NewEngine(1, defaultParams()) // BurstSize=3
	if e.UpdateBurst(0) {
		t.Fatal("burst should not trigger on count=1")
	}
	if e.UpdateBurst(0) {
		t.Fatal("burst should not trigger on count=2")
	}
	if !e.UpdateBurst(0) {
		t.Fatal("burst should trigger on count=3")
	}
	// resets after trigger
	if e.UpdateBurst(0) {
		t.Fatal("burst should not trigger immediately after reset")
	}
}

func TestPaceSleepsWhenUnderfunded(t *testing.T) {
	p := defaultParams()
	p.RateBytesPerSec = 100 // slow rate
	e := NewEngine(1, p)

	start := time.Now()
	if err := e.Pace(context.Background(), 0, 50); err != nil {
		t.Fatalf("Pace: %v", err)
	}
	// First call seeds tokens=0, so 50 bytes at 100 B/s needs ~0.5s.
	if time.Since(start) < 400*time.Millisecond {
		t.Fatalf("expected Pace to block for underfunded tokens")
	}
}

func TestPaceDisabledReturnsImmediately(t *testing.T) {
	p := defaultParams()
	p.EnablePacing = false
	e := NewEngine(1, p)
	start := time.Now()
	if err := e.Pace(context.Background(), 0, 1_000_000); err != nil {
		t.Fatalf("Pace: %v", err)
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Fatal("Pace with pacing disabled should return immediately")
	}
}

func TestUpdateQDistRenormalises(t *testing.T) {
	e := NewEngine(1, defaultParams())
	rng := rand.New(rand.NewSource(4))
	e.UpdateQDist(0, 0.05, rng)

	// sample many times and ensure we always get a valid bin (no panics).
	var sum float64
	for i := 0; i < 1000; i++ {
		bin := e.SampleTargetLen(0, rng)
		found := false
		for _, b := range defaultParams().SizeBins {
			if b == bin {
				found = true
			}
		}
		if !found {
			t.Fatalf("sampled bin %d not in size_bins", bin)
		}
	}
	for _, q := range e.qDist[0] {
		sum += q
	}
	if math.Abs(sum-1) > 1e-9 {
		t.Fatalf("q_dist sums to %v after UpdateQDist, want 1", sum)
	}
}

func TestLevel0SilencesShaping(t *testing.T) {
	p := BehaviorParams{
		SizeBins: []int{100}, PaddingAlpha: 0, RateBytesPerSec: 1000,
		EnableShaping: false, EnablePadding: false, EnablePacing: false, EnableJitter: false,
	}
	e := NewEngine(1, p)
	got := e.Params(0)
	if got.EnableShaping || got.EnablePadding || got.EnablePacing || got.EnableJitter {
		t.Fatal("level-0 params must have all four toggles off")
	}
	if got.PaddingAlpha != 0 {
		t.Fatal("level-0 params must have padding_alpha=0")
	}
}

func TestStartWindowResetsAccounting(t *testing.T) {
	e := NewEngine(1, defaultParams())
	e.NoteRealBytes(0, 500)
	e.UpdateBurst(0)
	e.StartWindow()
	real, padding, budget := e.Snapshot(0)
	if real != 0 || padding != 0 || budget != 0 {
		t.Fatalf("expected zeroed state after StartWindow, got real=%d padding=%d budget=%d", real, padding, budget)
	}
}

func TestPaddingBudgetFormula(t *testing.T) {
	e := NewEngine(1, defaultParams())
	e.NoteRealBytes(0, 7)
	_, _, budget := e.Snapshot(0)
	want := int64(math.Floor(7 * 0.5))
	if budget != want {
		t.Fatalf("budget = %d, want %d", budget, want)
	}
}
