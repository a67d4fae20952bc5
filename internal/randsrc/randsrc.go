// Package randsrc derives seedable, per-window per-path PRNGs from a single
// session seed, so that shaping decisions (internal/shaping's update_q_dist)
// and scheduler picks are reproducible given the SEED environment variable
// (spec.md §9: "Random sources must be seedable per-session").
package randsrc

import (
	"crypto/sha256"
	"encoding/binary"
	"io"
	"math/rand"

	"golang.org/x/crypto/hkdf"
)

// ForWindowPath derives a deterministic *rand.Rand for a given session
// seed, window id, and path id, following the same
// hkdf.New(sha256.New, secret, salt, info) shape the teacher uses to derive
// per-purpose keys from a single PSK.
func ForWindowPath(sessionSeed int64, windowID uint32, pathID uint8) *rand.Rand {
	secret := make([]byte, 8)
	binary.BigEndian.PutUint64(secret, uint64(sessionSeed))

	salt := make([]byte, 5)
	binary.BigEndian.PutUint32(salt, windowID)
	salt[4] = pathID

	reader := hkdf.New(sha256.New, secret, salt, []byte("hopveil-window-path-v1"))
	var seedBytes [8]byte
	if _, err := io.ReadFull(reader, seedBytes[:]); err != nil {
		// hkdf.Read only fails if the stream is exhausted, which cannot
		// happen for an 8-byte pull from a fresh sha256 HKDF reader.
		panic(err)
	}
	return rand.New(rand.NewSource(int64(binary.BigEndian.Uint64(seedBytes[:]))))
}

// SeedFor derives the raw int64 seed spec.md §4.4's update_q_dist takes as
// its "seed=window_id·100+path_id" parameter is generalised to: callers
// that need a plain int64 (rather than a ready *rand.Rand) can use this
// instead of hand-combining window_id and path_id.
func SeedFor(sessionSeed int64, windowID uint32, pathID uint8) int64 {
	r := ForWindowPath(sessionSeed, windowID, pathID)
	return r.Int63()
}
