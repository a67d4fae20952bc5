package reassembly

import (
	"encoding/binary"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

const (
	bloomExpectedItems = 4096
	bloomFalsePositive = 0.0001

	// exactCacheSize bounds the fallback exact-match set used to resolve
	// bloom false positives, mirroring the teacher's small LRU cache
	// (internal/crypto/replay.go) sized for one window's worth of traffic
	// rather than the teacher's multi-minute retention.
	exactCacheSize = 8192
)

// DuplicateGuard is a fast-path duplicate-fragment rejector, one per
// Reassembler (not per path): a
// bloom filter answers "maybe seen" cheaply, and a small bounded exact set
// resolves bloom false positives. It only ever causes Add to skip inserting
// an already-accepted fragment — it never rejects a fragment the base
// reassembly algorithm (spec.md §4.2) would otherwise have accepted, so it
// cannot violate the "Reassembly" invariant of spec.md §8.
type DuplicateGuard struct {
	mu    sync.Mutex
	bloom *bloom.BloomFilter
	exact map[uint64]struct{}
	order []uint64
	cap   int
}

// NewDuplicateGuard creates a guard sized for one window of traffic.
func NewDuplicateGuard() *DuplicateGuard {
	return &DuplicateGuard{
		bloom: bloom.NewWithEstimates(bloomExpectedItems, bloomFalsePositive),
		exact: make(map[uint64]struct{}, exactCacheSize),
		cap:   exactCacheSize,
	}
}

func bloomKey(seq uint64, fragID uint16) []byte {
	b := make([]byte, 10)
	binary.BigEndian.PutUint64(b, seq)
	binary.BigEndian.PutUint16(b[8:], fragID)
	return b
}

func exactKey(seq uint64, fragID uint16) uint64 {
	return seq<<16 | uint64(fragID)
}

// Seen reports whether (seq, fragID) was already Marked, resolving bloom
// false positives against the exact set.
func (g *DuplicateGuard) Seen(seq uint64, fragID uint16) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.bloom.Test(bloomKey(seq, fragID)) {
		return false
	}
	_, ok := g.exact[exactKey(seq, fragID)]
	return ok
}

// Mark records (seq, fragID) as accepted.
func (g *DuplicateGuard) Mark(seq uint64, fragID uint16) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.bloom.Add(bloomKey(seq, fragID))

	k := exactKey(seq, fragID)
	if _, ok := g.exact[k]; ok {
		return
	}
	if len(g.order) >= g.cap {
		oldest := g.order[0]
		g.order = g.order[1:]
		delete(g.exact, oldest)
	}
	g.exact[k] = struct{}{}
	g.order = append(g.order, k)
}

// Reset replaces the filter and exact set with fresh, empty ones. The
// tunnel endpoints do not call it: a guard keeps its state for as long as
// its reassembler lives, with the exact set capped at exactCacheSize.
func (g *DuplicateGuard) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.bloom = bloom.NewWithEstimates(bloomExpectedItems, bloomFalsePositive)
	g.exact = make(map[uint64]struct{}, g.cap)
	g.order = g.order[:0]
}
