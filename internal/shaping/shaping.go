// Package shaping implements the per-window, per-path traffic-shaping
// engine (spec.md §4.4, C4): length sampling, real/padding byte
// accounting, burst triggering, token-bucket pacing, and the padding-frame
// synthesiser. The token bucket is grounded directly on the teacher's
// internal/congestion/pacer.go.
package shaping

import (
	"context"
	"crypto/rand"
	"math"
	mrand "math/rand"
	"sync"
	"time"

	"github.com/hopveil/hopveil/internal/frame"
)

// BehaviorParams are the per-path, per-window shaping parameters
// (spec.md §3).
type BehaviorParams struct {
	SizeBins         []int
	QDist            []float64
	FixedQDist       []float64 // optional; pins the base distribution when non-nil
	PaddingAlpha     float64
	JitterMs         int
	RateBytesPerSec  float64
	BurstSize        int
	ObfuscationLevel int
	EnableShaping    bool
	EnablePadding    bool
	EnablePacing     bool
	EnableJitter     bool
}

// PathState is the per-path, per-window mutable state (spec.md §3).
type PathState struct {
	RealBytes     int64
	PaddingBytes  int64
	PaddingBudget int64
	BurstCount    int

	lastTs time.Time
	tokens float64

	p BehaviorParams
}

// Engine owns flat, path_id-indexed state for every path of one session,
// per the design note in spec.md §9 ("flat arrays indexed by path_id
// rather than string-keyed maps").
//
// qDist is kept separate from PathState: StartWindow replaces PathState
// wholesale every window tick, but the length distribution drift
// UpdateQDist applies (spec.md §4.4 update_q_dist, §4.7 step f) must
// survive into the window that follows it (step g), so it lives in its
// own path_id-indexed slice that StartWindow never touches.
type Engine struct {
	mu    sync.Mutex
	paths []*PathState
	qDist [][]float64
}

// NewEngine allocates shaping state for numPaths paths, all initially
// zeroed with the given default params.
func NewEngine(numPaths int, defaults BehaviorParams) *Engine {
	e := &Engine{
		paths: make([]*PathState, numPaths),
		qDist: make([][]float64, numPaths),
	}
	for i := range e.paths {
		e.paths[i] = newPathState(defaults)
		e.qDist[i] = initialQDist(defaults)
	}
	return e
}

func newPathState(p BehaviorParams) *PathState {
	return &PathState{p: p}
}

func initialQDist(p BehaviorParams) []float64 {
	if p.QDist != nil {
		return append([]float64(nil), p.QDist...)
	}
	return uniform(len(p.SizeBins))
}

func uniform(n int) []float64 {
	if n == 0 {
		return nil
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = 1.0 / float64(n)
	}
	return out
}

// StartWindow replaces every per-path state with a fresh zeroed instance,
// per spec.md §4.4's window reset. qDist is untouched: it is not part of
// the per-window accounting this resets.
func (e *Engine) StartWindow() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, ps := range e.paths {
		e.paths[i] = newPathState(ps.p)
	}
}

// SetParams replaces path's BehaviorParams, applied as the strategy
// controller's next-window output is pushed into C4 (spec.md §4.7 step e).
// p.QDist, when explicitly set, overrides the path's drifted distribution;
// otherwise the existing qDist (or a uniform default, the first time this
// path is seen) carries forward unchanged.
func (e *Engine) SetParams(pathID uint8, p BehaviorParams) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paths[pathID] = newPathState(p)
	if p.QDist != nil {
		e.qDist[pathID] = append([]float64(nil), p.QDist...)
	} else if e.qDist[pathID] == nil {
		e.qDist[pathID] = uniform(len(p.SizeBins))
	}
}

func (e *Engine) state(pathID uint8) *PathState { return e.paths[pathID] }

// SampleTargetLen draws one of size_bins by q_dist.
func (e *Engine) SampleTargetLen(pathID uint8, rng *mrand.Rand) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	ps := e.state(pathID)
	if len(ps.p.SizeBins) == 0 {
		return 0
	}
	r := frand(rng)
	var cum float64
	for i, q := range e.qDist[pathID] {
		cum += q
		if r <= cum {
			return ps.p.SizeBins[i]
		}
	}
	return ps.p.SizeBins[len(ps.p.SizeBins)-1]
}

func frand(rng *mrand.Rand) float64 {
	if rng != nil {
		return rng.Float64()
	}
	var b [8]byte
	rand.Read(b[:])
	return float64(uint64(b[0])<<56|uint64(b[1])<<48|uint64(b[2])<<40|uint64(b[3])<<32|
		uint64(b[4])<<24|uint64(b[5])<<16|uint64(b[6])<<8|uint64(b[7])) / float64(1<<64)
}

// NoteRealBytes records n real bytes sent and recomputes padding_budget.
func (e *Engine) NoteRealBytes(pathID uint8, n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ps := e.state(pathID)
	ps.RealBytes += int64(n)
	ps.PaddingBudget = int64(math.Floor(float64(ps.RealBytes) * ps.p.PaddingAlpha))
}

// UpdateBurst increments burst_count and reports whether it just fired.
func (e *Engine) UpdateBurst(pathID uint8) (triggered bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ps := e.state(pathID)
	ps.BurstCount++
	if ps.BurstCount >= ps.p.BurstSize {
		ps.BurstCount = 0
		return true
	}
	return false
}

// Pace blocks until n bytes may be sent under path's token bucket, per
// spec.md §4.4. It honors ctx cancellation during the sleep.
func (e *Engine) Pace(ctx context.Context, pathID uint8, n int) error {
	e.mu.Lock()
	ps := e.state(pathID)
	if !ps.p.EnablePacing {
		e.mu.Unlock()
		return nil
	}

	now := time.Now()
	if ps.lastTs.IsZero() {
		ps.lastTs = now
		ps.tokens = 0
	} else {
		elapsed := now.Sub(ps.lastTs).Seconds()
		ps.tokens += elapsed * ps.p.RateBytesPerSec
	}
	ps.lastTs = now

	var sleepFor time.Duration
	if ps.tokens < float64(n) {
		rate := ps.p.RateBytesPerSec
		if rate <= 0 {
			rate = 1
		}
		sleepFor = time.Duration((float64(n) - ps.tokens) / rate * float64(time.Second))
		ps.tokens = 0
	} else {
		ps.tokens -= float64(n)
	}
	e.mu.Unlock()

	if sleepFor <= 0 {
		return nil
	}
	t := time.NewTimer(sleepFor)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MakePaddingFrames synthesises up to maxFrames padding frames routed like
// template, per spec.md §4.4. Returns an empty (non-error) slice when
// padding is disabled or the budget is exhausted (BudgetExhausted is not
// an error per spec.md §7).
func (e *Engine) MakePaddingFrames(pathID uint8, template *frame.Frame, maxFrames int, rng *mrand.Rand) []*frame.Frame {
	e.mu.Lock()
	ps := e.state(pathID)
	if !ps.p.EnablePadding || ps.PaddingBytes >= ps.PaddingBudget {
		e.mu.Unlock()
		return nil
	}
	remaining := ps.PaddingBudget - ps.PaddingBytes
	e.mu.Unlock()

	var out []*frame.Frame
	for i := 0; i < maxFrames && remaining > 0; i++ {
		target := e.SampleTargetLen(pathID, rng)
		n := target
		if int64(n) > remaining {
			n = int(remaining)
		}
		if n <= 0 {
			break
		}
		payload := make([]byte, n)
		if rng != nil {
			rng.Read(payload)
		} else {
			rand.Read(payload)
		}
		fr := &frame.Frame{
			SessionID: template.SessionID,
			Direction: template.Direction,
			PathID:    template.PathID,
			WindowID:  template.WindowID,
			Flags:     template.Flags | frame.FlagPadding,
			FragID:    0,
			FragTotal: 1,
			Payload:   payload,
		}
		out = append(out, fr)
		remaining -= int64(n)

		e.mu.Lock()
		ps.PaddingBytes += int64(n)
		e.mu.Unlock()
	}
	return out
}

// UpdateQDist perturbs path's length distribution by +/- drift per bin
// using a seeded PRNG, then renormalises, per spec.md §4.4.
func (e *Engine) UpdateQDist(pathID uint8, drift float64, rng *mrand.Rand) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ps := e.state(pathID)

	base := ps.p.FixedQDist
	if base == nil {
		base = e.qDist[pathID]
	}

	out := make([]float64, len(base))
	var sum float64
	for i, p := range base {
		delta := (frand(rng)*2 - 1) * drift
		v := p + delta
		if v < 0.01 {
			v = 0.01
		}
		out[i] = v
		sum += v
	}
	if sum > 0 {
		for i := range out {
			out[i] /= sum
		}
	}
	e.qDist[pathID] = out
}

// Snapshot returns a copy of path's accounting fields, for observability.
func (e *Engine) Snapshot(pathID uint8) (realBytes, paddingBytes, paddingBudget int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ps := e.state(pathID)
	return ps.RealBytes, ps.PaddingBytes, ps.PaddingBudget
}

// Params returns a copy of path's current BehaviorParams.
func (e *Engine) Params(pathID uint8) BehaviorParams {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state(pathID).p
}
