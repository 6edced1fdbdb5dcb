// Package pieceselector decides which piece to download next from a
// candidate bitmap.
package pieceselector

import (
	"math/rand"

	"github.com/woshibocai007/aria2/internal/bitfield"
)

// Selector picks one piece index out of the candidate bitmap.
// Returns false when no candidate bit is set.
type Selector interface {
	Select(candidates bitfield.BitField) (uint32, bool)
}

// Stats is the read-only availability view consumed by RarestFirst.
type Stats interface {
	Count(i uint32) uint32
}

// RarestFirst selects the candidate with the lowest availability among
// peers, improving swarm health. Ties are broken uniformly at random.
type RarestFirst struct {
	stats Stats
	rnd   *rand.Rand
}

// NewRarestFirst returns a rarest-first selector. The seed makes the
// tie-break deterministic for tests.
func NewRarestFirst(stats Stats, seed int64) *RarestFirst {
	return &RarestFirst{
		stats: stats,
		rnd:   rand.New(rand.NewSource(seed)),
	}
}

var _ Selector = (*RarestFirst)(nil)

func (s *RarestFirst) Select(candidates bitfield.BitField) (uint32, bool) {
	var minima []uint32
	var minCount uint32
	for i := uint32(0); i < candidates.Len(); i++ {
		if !candidates.Test(i) {
			continue
		}
		c := s.stats.Count(i)
		switch {
		case len(minima) == 0 || c < minCount:
			minima = append(minima[:0], i)
			minCount = c
		case c == minCount:
			minima = append(minima, i)
		}
	}
	if len(minima) == 0 {
		return 0, false
	}
	return minima[s.rnd.Intn(len(minima))], true
}

// Ordered selects the lowest candidate index. Deterministic; used for
// sequential downloads and in tests.
type Ordered struct{}

var _ Selector = Ordered{}

func (Ordered) Select(candidates bitfield.BitField) (uint32, bool) {
	for i := uint32(0); i < candidates.Len(); i++ {
		if candidates.Test(i) {
			return i, true
		}
	}
	return 0, false
}
