package clock

import "fmt"

// SeededRNG is a linear congruential generator used to mint stable synthetic
// identifiers for replay. Glibc constants, masked to 31 bits after each step.
// Not cryptographically secure; the point is that a fixed seed yields the
// same ID sequence on every platform.
type SeededRNG struct {
	state uint64
}

// NewSeededRNG creates a generator seeded from seed & 0x7fffffff.
func NewSeededRNG(seed uint64) *SeededRNG {
	return &SeededRNG{state: seed & 0x7fffffff}
}

// NextU32 returns the next value in the sequence.
func (r *SeededRNG) NextU32() uint32 {
	r.state = (r.state*1103515245 + 12345) & 0x7fffffff
	return uint32(r.state)
}

// NextHex formats the next value as 8 lowercase hex digits.
func (r *SeededRNG) NextHex() string {
	return fmt.Sprintf("%08x", r.NextU32())
}

// NextID returns "<prefix>_<hex>" using the next value.
func (r *SeededRNG) NextID(prefix string) string {
	return prefix + "_" + r.NextHex()
}
