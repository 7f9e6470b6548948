package generator

import (
	"fmt"
	"strings"
)

// PatternType names a built-in byte pattern
type PatternType string

const (
	PatternZero    PatternType = "zero"
	PatternCounter PatternType = "counter"
	PatternPRBS    PatternType = "prbs"
)

// Pattern is a deterministic byte rule addressed by absolute stream offset.
// Fill must write the same bytes for the same offset every time it is called.
type Pattern interface {
	Fill(dst []byte, offset uint64)
	Name() string
}

// Zero emits all-zero bytes
type Zero struct{}

func (Zero) Fill(dst []byte, _ uint64) {
	clear(dst)
}

func (Zero) Name() string { return string(PatternZero) }

// Counter emits offset mod 256, so a dropped or duplicated byte shifts every
// byte after it.
type Counter struct{}

func (Counter) Fill(dst []byte, offset uint64) {
	for i := range dst {
		dst[i] = byte(offset + uint64(i))
	}
}

func (Counter) Name() string { return string(PatternCounter) }

// PRBS emits a seeded pseudo-random sequence. Each byte is derived from the
// seed and its own offset, so any window can be reproduced independently.
type PRBS struct {
	Seed uint64
}

func (p PRBS) Fill(dst []byte, offset uint64) {
	for i := range dst {
		dst[i] = byte(splitmix64(p.Seed+offset+uint64(i)) >> 56)
	}
}

func (p PRBS) Name() string { return string(PatternPRBS) }

func splitmix64(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}

// ParsePattern resolves a pattern by name. The seed is only used by prbs.
func ParsePattern(name string, seed uint64) (Pattern, error) {
	switch PatternType(strings.ToLower(strings.TrimSpace(name))) {
	case "", PatternZero:
		return Zero{}, nil
	case PatternCounter:
		return Counter{}, nil
	case PatternPRBS:
		return PRBS{Seed: seed}, nil
	default:
		return nil, fmt.Errorf("unknown pattern: %q", name)
	}
}
