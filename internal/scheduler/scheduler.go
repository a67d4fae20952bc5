// Package scheduler implements the weighted, batching multipath path
// selector and per-path sent/ack/RTT/loss telemetry (spec.md §4.5, C5).
// The telemetry shape and smoothed-RTT update are grounded on the
// teacher's internal/switcher/quality.go (EWMA-based link quality
// tracking); the exact smoothing constants (0.7/0.3) are normative, per
// spec.md §3's PathStats invariant.
package scheduler

import (
	"math/rand"
	"sync"
	"time"
)

const weightFloor = 0.1

// Stats is the per-path cumulative telemetry (spec.md §3's PathStats).
type Stats struct {
	Sent   uint64
	Acked  uint64
	RTTMs  float64
	inFlight map[uint64]time.Time
}

// Snapshot is what the strategy controller (C6) consumes once per window.
type Snapshot struct {
	RTTMs float64
	Loss  float64
}

// Scheduler selects a path for each outgoing fragment batch and tracks
// per-path telemetry. State is held in flat, path_id-indexed slices per
// spec.md §9.
type Scheduler struct {
	mu sync.Mutex

	weights []float64
	stats   []*Stats

	batchSize      int
	currentPath    uint8
	batchRemaining int
	havePath       bool

	ackTimeout time.Duration
	rng        *rand.Rand
}

// New creates a Scheduler for numPaths paths, all starting at weight 1.0.
func New(numPaths int, batchSize int, ackTimeout time.Duration, rng *rand.Rand) *Scheduler {
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	s := &Scheduler{
		weights:    make([]float64, numPaths),
		stats:      make([]*Stats, numPaths),
		batchSize:  batchSize,
		ackTimeout: ackTimeout,
		rng:        rng,
	}
	for i := range s.weights {
		s.weights[i] = 1.0
		s.stats[i] = &Stats{inFlight: make(map[uint64]time.Time)}
	}
	return s
}

// SetWeights installs new per-path weights, clamping every value to the
// 0.1 floor (spec.md §8, "Weight clamp").
func (s *Scheduler) SetWeights(w []float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.weights {
		v := 0.1
		if i < len(w) {
			v = w[i]
		}
		if v < weightFloor {
			v = weightFloor
		}
		s.weights[i] = v
	}
}

// Weights returns a copy of the current per-path weights.
func (s *Scheduler) Weights() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]float64, len(s.weights))
	copy(out, s.weights)
	return out
}

// ChoosePath picks a path, reusing the last choice for batch_size
// consecutive calls before redrawing, per spec.md §4.5.
func (s *Scheduler) ChoosePath() uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.choose(nil)
}

// ChoosePathFrom is the restricted variant used on the exit→entry
// direction, selecting only among allowed path ids (spec.md §4.5).
func (s *Scheduler) ChoosePathFrom(allowed []uint8) uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.choose(allowed)
}

func (s *Scheduler) choose(allowed []uint8) uint8 {
	if s.havePath && s.batchRemaining > 0 && allowedContains(allowed, s.currentPath) {
		s.batchRemaining--
		return s.currentPath
	}

	candidates := allowed
	if candidates == nil {
		candidates = make([]uint8, len(s.weights))
		for i := range candidates {
			candidates[i] = uint8(i)
		}
	}
	if len(candidates) == 0 {
		// No path known live; fall back to path 0 rather than panicking —
		// the caller (spec.md §7's PathUnavailable) decides what to do
		// with a frame that has nowhere to go.
		return 0
	}

	var total float64
	for _, p := range candidates {
		total += s.weights[p]
	}
	r := s.rng.Float64() * total
	var cum float64
	chosen := candidates[len(candidates)-1]
	for _, p := range candidates {
		cum += s.weights[p]
		if r <= cum {
			chosen = p
			break
		}
	}

	s.currentPath = chosen
	s.havePath = true
	s.batchRemaining = s.batchSize - 1
	if s.batchRemaining < 0 {
		s.batchRemaining = 0
	}
	return chosen
}

func allowedContains(allowed []uint8, p uint8) bool {
	if allowed == nil {
		return true
	}
	for _, a := range allowed {
		if a == p {
			return true
		}
	}
	return false
}

// MarkSent records a send on pathID at the current time.
func (s *Scheduler) MarkSent(pathID uint8, seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats[pathID]
	st.Sent++
	st.inFlight[seq] = time.Now()
}

// MarkAck records an ack on pathID, updating the smoothed RTT as
// rtt <- 0.7*rtt + 0.3*sample (spec.md §3).
func (s *Scheduler) MarkAck(pathID uint8, seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats[pathID]
	sentAt, ok := st.inFlight[seq]
	if !ok {
		return
	}
	delete(st.inFlight, seq)
	st.Acked++
	sampleMs := float64(time.Since(sentAt).Milliseconds())
	if st.RTTMs == 0 {
		st.RTTMs = sampleMs
	} else {
		st.RTTMs = 0.7*st.RTTMs + 0.3*sampleMs
	}
}

// SweepTimeouts removes in-flight entries older than ack_timeout_sec and
// returns how many were removed (fed to the controller as timeout_events).
func (s *Scheduler) SweepTimeouts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var count int
	for _, st := range s.stats {
		for seq, sentAt := range st.inFlight {
			if now.Sub(sentAt) > s.ackTimeout {
				delete(st.inFlight, seq)
				count++
			}
		}
	}
	return count
}

// Snapshot returns per-path {rtt_ms, loss}, per spec.md §4.5. loss is
// max(0, 1 - acked/sent), or 0 if sent==0.
func (s *Scheduler) Snapshot() []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Snapshot, len(s.stats))
	for i, st := range s.stats {
		loss := 0.0
		if st.Sent > 0 {
			loss = 1 - float64(st.Acked)/float64(st.Sent)
			if loss < 0 {
				loss = 0
			}
		}
		out[i] = Snapshot{RTTMs: st.RTTMs, Loss: loss}
	}
	return out
}
