// Package piecestats maintains per-piece availability counters for the
// swarm: how many connected peers report each piece, plus local credits.
package piecestats

import "github.com/woshibocai007/aria2/internal/bitfield"

type PieceStatMan struct {
	counts []uint32
}

// New creates counters for numPieces pieces, all zero.
func New(numPieces uint32) *PieceStatMan {
	return &PieceStatMan{counts: make([]uint32, numPieces)}
}

// NumPieces returns the size of the counter vector.
func (s *PieceStatMan) NumPieces() uint32 { return uint32(len(s.counts)) }

// Count returns the availability of piece i.
func (s *PieceStatMan) Count(i uint32) uint32 {
	s.checkIndex(i)
	return s.counts[i]
}

// AddPieceStats credits one peer reporting the pieces set in bf.
// Called when a peer connects or sends its bitfield.
func (s *PieceStatMan) AddPieceStats(bf bitfield.BitField) {
	s.checkLength(bf)
	for i := uint32(0); i < bf.Len(); i++ {
		if bf.Test(i) {
			s.counts[i]++
		}
	}
}

// SubtractPieceStats removes one peer reporting the pieces set in bf.
// Every subtract must pair a prior add; an underflow panics.
func (s *PieceStatMan) SubtractPieceStats(bf bitfield.BitField) {
	s.checkLength(bf)
	for i := uint32(0); i < bf.Len(); i++ {
		if bf.Test(i) {
			if s.counts[i] == 0 {
				panic("piece stat underflow")
			}
			s.counts[i]--
		}
	}
}

// UpdatePieceStats applies the difference between a peer's new and old
// bitfields in one pass.
func (s *PieceStatMan) UpdatePieceStats(newBf, oldBf bitfield.BitField) {
	s.checkLength(newBf)
	s.checkLength(oldBf)
	for i := uint32(0); i < newBf.Len(); i++ {
		n, o := newBf.Test(i), oldBf.Test(i)
		switch {
		case n && !o:
			s.counts[i]++
		case !n && o:
			if s.counts[i] == 0 {
				panic("piece stat underflow")
			}
			s.counts[i]--
		}
	}
}

// AddPieceStat credits a single piece. Used when a piece completes
// locally or a peer sends a have message.
func (s *PieceStatMan) AddPieceStat(i uint32) {
	s.checkIndex(i)
	s.counts[i]++
}

func (s *PieceStatMan) checkIndex(i uint32) {
	if i >= uint32(len(s.counts)) {
		panic("piece index out of bound")
	}
}

func (s *PieceStatMan) checkLength(bf bitfield.BitField) {
	if bf.Len() != uint32(len(s.counts)) {
		panic("bitfield length mismatch")
	}
}
