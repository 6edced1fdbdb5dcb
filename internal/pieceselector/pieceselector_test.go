package pieceselector

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/woshibocai007/aria2/internal/bitfield"
)

type fixedStats []uint32

func (s fixedStats) Count(i uint32) uint32 { return s[i] }

func newCandidates(length uint32, set ...uint32) bitfield.BitField {
	bf := bitfield.New(length)
	for _, i := range set {
		bf.Set(i)
	}
	return bf
}

func TestRarestFirst(t *testing.T) {
	stats := fixedStats{0, 1, 0, 2}
	s := NewRarestFirst(stats, 42)

	// Unique minimum among candidates.
	i, ok := s.Select(newCandidates(4, 1, 3))
	assert.True(t, ok)
	assert.Equal(t, uint32(1), i)

	// Empty bitmap selects nothing.
	_, ok = s.Select(newCandidates(4))
	assert.False(t, ok)
}

func TestRarestFirstTieBreak(t *testing.T) {
	stats := fixedStats{1, 1, 1, 5}
	s := NewRarestFirst(stats, 42)

	// All minima must be reachable over many trials.
	seen := make(map[uint32]int)
	for n := 0; n < 300; n++ {
		i, ok := s.Select(newCandidates(4, 0, 1, 2, 3))
		assert.True(t, ok)
		assert.NotEqual(t, uint32(3), i)
		seen[i]++
	}
	assert.Len(t, seen, 3)
}

func TestRarestFirstDeterministicSeed(t *testing.T) {
	stats := fixedStats{1, 1, 1, 1}
	cand := newCandidates(4, 0, 1, 2, 3)
	a := NewRarestFirst(stats, 7)
	b := NewRarestFirst(stats, 7)
	for n := 0; n < 50; n++ {
		ia, _ := a.Select(cand)
		ib, _ := b.Select(cand)
		assert.Equal(t, ia, ib)
	}
}

func TestOrdered(t *testing.T) {
	var s Ordered
	i, ok := s.Select(newCandidates(10, 4, 7))
	assert.True(t, ok)
	assert.Equal(t, uint32(4), i)

	_, ok = s.Select(newCandidates(10))
	assert.False(t, ok)
}
