// Package entropy provides the random choices made while building prompts
// (opening style, dialogue nudges). Production uses crypto/rand; tests use a
// seeded source so prompts are reproducible.
package entropy

import (
	"crypto/rand"
	"encoding/binary"
	mrand "math/rand/v2"
	"sync"
)

// Source yields floats in [0, 1).
type Source interface {
	Float() float64
}

// Crypto draws from crypto/rand.
type Crypto struct{}

// Float returns a uniform float64 in [0, 1).
func (Crypto) Float() float64 {
	return cryptoRandFloat()
}

// cryptoRandFloat generates a random float64 using crypto/rand.
func cryptoRandFloat() float64 {
	var buf [8]byte
	_, err := rand.Read(buf[:])
	if err != nil {
		// This should never happen but return 0.5 as a safe default.
		return 0.5
	}
	// Use only 53 bits for a uniform float64 in [0, 1).
	n := binary.LittleEndian.Uint64(buf[:]) >> 11
	return float64(n) / float64(1<<53)
}

// Seeded is a deterministic source. Safe for concurrent use.
type Seeded struct {
	mu  sync.Mutex
	rng *mrand.Rand
}

// NewSeeded returns a deterministic source for seed.
func NewSeeded(seed uint64) *Seeded {
	return &Seeded{rng: mrand.New(mrand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// Float returns the next float in [0, 1).
func (s *Seeded) Float() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64()
}

// Fixed always returns the same value. Handy for forcing a branch in tests.
type Fixed float64

// Float returns f.
func (f Fixed) Float() float64 {
	return float64(f)
}

// Chance reports true with probability p.
func Chance(src Source, p float64) bool {
	return src.Float() < p
}

// WeightedPick returns an index into weights chosen with probability
// proportional to its weight. Non-positive weights are never picked.
// Returns -1 when no weight is positive.
func WeightedPick(src Source, weights []float64) int {
	total := 0.0
	for _, w := range weights {
		if w > 0 {
			total += w
		}
	}
	if total == 0 {
		return -1
	}
	x := src.Float() * total
	last := -1
	for i, w := range weights {
		if w <= 0 {
			continue
		}
		if x < w {
			return i
		}
		x -= w
		last = i
	}
	return last
}
