// Package util provides utility functions for the MetaMind engine.
package util

import (
	"math/rand/v2"
	"strings"
	"sync"
)

// Random is the source of randomness used for metric drift, message choice
// and confidence-check sampling. Tests inject a deterministic implementation.
type Random interface {
	// Float64 returns a number in [0.0, 1.0).
	Float64() float64
	// IntN returns a number in [0, n). It panics if n <= 0.
	IntN(n int) int
}

type globalRandom struct{}

func (globalRandom) Float64() float64 { return rand.Float64() }
func (globalRandom) IntN(n int) int   { return rand.IntN(n) }

// DefaultRandom returns a Random backed by the math/rand/v2 global source.
func DefaultRandom() Random {
	return globalRandom{}
}

// SequenceRandom replays fixed values in order, cycling when exhausted.
// Float64 values are taken from Floats and IntN values from Ints (reduced modulo n).
type SequenceRandom struct {
	Floats []float64
	Ints   []int

	mu   sync.Mutex
	fpos int
	ipos int
}

// Float64 returns the next configured float, or 0 when none are configured.
func (s *SequenceRandom) Float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.Floats) == 0 {
		return 0
	}
	v := s.Floats[s.fpos%len(s.Floats)]
	s.fpos++
	return v
}

// IntN returns the next configured int modulo n, or 0 when none are configured.
func (s *SequenceRandom) IntN(n int) int {
	if n <= 0 {
		panic("util: invalid argument to IntN")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.Ints) == 0 {
		return 0
	}
	v := s.Ints[s.ipos%len(s.Ints)]
	s.ipos++
	if v < 0 {
		v = -v
	}
	return v % n
}

// GenerateRandomID generates a random ID with the specified prefix and hex length.
// The returned ID will be in the format: "{prefix}{hex_string}".
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex generates a random hexadecimal string of the specified length.
func GenerateRandomHex(length int) string {
	if length <= 0 {
		return ""
	}

	const hexChars = "0123456789abcdef"
	var builder strings.Builder
	builder.Grow(length)

	for i := 0; i < length; i++ {
		builder.WriteByte(hexChars[rand.IntN(16)])
	}

	return builder.String()
}

// GenerateOutboxID generates a unique outbox row ID with "outbox_" prefix.
func GenerateOutboxID() string {
	return GenerateRandomID("outbox_", 32)
}
