// Package reassembly implements the per-sequence fragment reassembler
// (spec.md §4.2, C2) and the bloom-filter duplicate guard that fronts it
// (SPEC_FULL.md §4.12, C12).
package reassembly

import (
	"errors"
	"fmt"
)

// ErrFragTotalMismatch is returned when a later fragment for a seq
// disagrees with the frag_total recorded for the first fragment seen.
var ErrFragTotalMismatch = errors.New("reassembly: frag_total mismatch")

type entry struct {
	fragTotal uint16
	fragments map[uint16][]byte
	windowID  uint32
}

// Reassembler collects fragments for one (session, direction) pair until a
// seq's fragment set is complete, then hands back the concatenated
// payload.
type Reassembler struct {
	entries map[uint64]*entry
	guard   *DuplicateGuard
}

// New creates a Reassembler. guard may be nil to disable the duplicate
// fast-path (tests exercising the base algorithm in isolation do this).
func New(guard *DuplicateGuard) *Reassembler {
	return &Reassembler{entries: make(map[uint64]*entry), guard: guard}
}

// Add records one fragment. When the fragment set for seq is complete it
// returns the concatenated payload and true, evicting the entry. Fragments
// arriving out of order, or in any permutation, still assemble correctly
// because fragments are stored by frag_id and concatenated in frag_id
// order only once every index 0..frag_total-1 has been seen.
func (r *Reassembler) Add(windowID uint32, seq uint64, fragID, fragTotal uint16, payload []byte) ([]byte, bool, error) {
	if r.guard != nil && r.guard.Seen(seq, fragID) {
		return nil, false, nil
	}

	e, ok := r.entries[seq]
	if !ok {
		e = &entry{fragTotal: fragTotal, fragments: make(map[uint16][]byte, fragTotal), windowID: windowID}
		r.entries[seq] = e
	} else if e.fragTotal != fragTotal {
		return nil, false, fmt.Errorf("%w: seq=%d had %d now %d", ErrFragTotalMismatch, seq, e.fragTotal, fragTotal)
	}

	if _, dup := e.fragments[fragID]; !dup {
		e.fragments[fragID] = append([]byte(nil), payload...)
	}

	if r.guard != nil {
		r.guard.Mark(seq, fragID)
	}

	if len(e.fragments) < int(e.fragTotal) {
		return nil, false, nil
	}

	out := make([]byte, 0, totalLen(e))
	for i := uint16(0); i < e.fragTotal; i++ {
		out = append(out, e.fragments[i]...)
	}
	delete(r.entries, seq)
	return out, true, nil
}

func totalLen(e *entry) int {
	n := 0
	for _, b := range e.fragments {
		n += len(b)
	}
	return n
}

// EvictOlderThan drops in-progress reassemblies whose window is more than
// one window behind currentWindow, per spec.md §4.2's recommended
// idle-seq eviction policy and SPEC_FULL.md §9's "bound it by window"
// guidance.
func (r *Reassembler) EvictOlderThan(currentWindow uint32) {
	for seq, e := range r.entries {
		if currentWindow > e.windowID+1 {
			delete(r.entries, seq)
		}
	}
}

// Pending reports how many seqs currently have an in-progress partial
// reassembly (diagnostic / test use).
func (r *Reassembler) Pending() int { return len(r.entries) }
