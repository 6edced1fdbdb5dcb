// Package bitfieldman tracks piece completion state for a single download.
//
// Three parallel bitmaps are kept over the piece space: "have" for pieces
// that are written and verified, "in use" for pieces currently checked out
// to a downloader, and an optional filter that narrows the interesting
// pieces to the byte ranges of requested files. All selection queries
// reduce to byte-wise operations on these bitmaps.
package bitfieldman

import (
	"math/bits"

	"github.com/woshibocai007/aria2/internal/bitfield"
)

type BitfieldMan struct {
	pieceLength   uint32
	totalLength   int64
	numPieces     uint32
	have          bitfield.BitField
	inUse         bitfield.BitField
	filter        bitfield.BitField
	filterEnabled bool
}

// New creates a BitfieldMan for a download of totalLength bytes split into
// pieces of pieceLength bytes. The last piece may be short.
// Panics if pieceLength is zero or totalLength is not positive.
func New(pieceLength uint32, totalLength int64) *BitfieldMan {
	if pieceLength == 0 {
		panic("piece length must be positive")
	}
	if totalLength <= 0 {
		panic("total length must be positive")
	}
	numPieces := uint32((totalLength + int64(pieceLength) - 1) / int64(pieceLength))
	return &BitfieldMan{
		pieceLength: pieceLength,
		totalLength: totalLength,
		numPieces:   numPieces,
		have:        bitfield.New(numPieces),
		inUse:       bitfield.New(numPieces),
		filter:      bitfield.New(numPieces),
	}
}

func (m *BitfieldMan) PieceLength() uint32 { return m.pieceLength }
func (m *BitfieldMan) TotalLength() int64  { return m.totalLength }
func (m *BitfieldMan) NumPieces() uint32   { return m.numPieces }

// PieceLengthAt returns the length of piece i. Only the last piece may be
// shorter than the configured piece length. Panics if i >= NumPieces().
func (m *BitfieldMan) PieceLengthAt(i uint32) uint32 {
	m.checkIndex(i)
	if i == m.numPieces-1 {
		return uint32(m.totalLength - int64(i)*int64(m.pieceLength))
	}
	return m.pieceLength
}

func (m *BitfieldMan) SetBit(i uint32)        { m.have.Set(i) }
func (m *BitfieldMan) UnsetBit(i uint32)      { m.have.Clear(i) }
func (m *BitfieldMan) IsBitSet(i uint32) bool { return m.have.Test(i) }

func (m *BitfieldMan) SetUseBit(i uint32)        { m.inUse.Set(i) }
func (m *BitfieldMan) UnsetUseBit(i uint32)      { m.inUse.Clear(i) }
func (m *BitfieldMan) IsUseBitSet(i uint32) bool { return m.inUse.Test(i) }

// SetBitRange sets have bits for the inclusive piece range [lo, hi].
func (m *BitfieldMan) SetBitRange(lo, hi uint32) {
	if lo > hi {
		panic("invalid piece range")
	}
	m.checkIndex(hi)
	for i := lo; i <= hi; i++ {
		m.have.Set(i)
	}
}

// SetAllBit marks every piece as downloaded.
func (m *BitfieldMan) SetAllBit() { m.have.SetAll() }

// ClearAllBit marks every piece as missing.
func (m *BitfieldMan) ClearAllBit() { m.have.ClearAll() }

// CountMissingPiece returns the number of pieces not yet downloaded.
// When the filter is enabled only filtered pieces are counted.
func (m *BitfieldMan) CountMissingPiece() uint32 {
	hb := m.have.Bytes()
	var c uint32
	for k := range hb {
		c += uint32(bits.OnesCount8(^hb[k] & m.filterByte(k)))
	}
	return c
}

// FirstMissingUnusedIndex returns the smallest piece index that is missing,
// not in use and, when the filter is enabled, filtered.
func (m *BitfieldMan) FirstMissingUnusedIndex() (uint32, bool) {
	hb := m.have.Bytes()
	ub := m.inUse.Bytes()
	for k := range hb {
		v := ^hb[k] & ^ub[k] & m.filterByte(k)
		if v != 0 {
			return uint32(k)*8 + uint32(bits.LeadingZeros8(v)), true
		}
	}
	return 0, false
}

// AllMissingIndexes returns a bitmap of the pieces the peer has and we
// miss. Used in end game mode where in-use pieces stay eligible.
// The second return value reports whether any piece qualified.
func (m *BitfieldMan) AllMissingIndexes(peer bitfield.BitField) (bitfield.BitField, bool) {
	m.checkLength(peer)
	out := bitfield.New(m.numPieces)
	ob := out.Bytes()
	pb := peer.Bytes()
	hb := m.have.Bytes()
	var any bool
	for k := range ob {
		ob[k] = pb[k] & ^hb[k] & m.filterByte(k)
		any = any || ob[k] != 0
	}
	return out, any
}

// AllMissingUnusedIndexes is AllMissingIndexes restricted to pieces that
// are not currently in use.
func (m *BitfieldMan) AllMissingUnusedIndexes(peer bitfield.BitField) (bitfield.BitField, bool) {
	m.checkLength(peer)
	out := bitfield.New(m.numPieces)
	ob := out.Bytes()
	pb := peer.Bytes()
	hb := m.have.Bytes()
	ub := m.inUse.Bytes()
	var any bool
	for k := range ob {
		ob[k] = pb[k] & ^hb[k] & ^ub[k] & m.filterByte(k)
		any = any || ob[k] != 0
	}
	return out, any
}

// SparseMissingUnusedIndex picks a missing, unused, filtered piece that is
// far away from pieces already claimed: candidates are partitioned into
// maximal runs of consecutive indexes and the midpoint of the longest run
// wins. The earliest run wins a length tie. Pieces set in ignore are not
// candidates.
func (m *BitfieldMan) SparseMissingUnusedIndex(ignore bitfield.BitField) (uint32, bool) {
	m.checkLength(ignore)
	hb := m.have.Bytes()
	ub := m.inUse.Bytes()
	ib := ignore.Bytes()
	cand := bitfield.New(m.numPieces)
	cb := cand.Bytes()
	for k := range cb {
		cb[k] = ^hb[k] & ^ub[k] & ^ib[k] & m.filterByte(k)
	}

	var bestStart, bestLen uint32
	var runStart uint32
	var inRun bool
	endRun := func(end uint32) {
		if !inRun {
			return
		}
		if l := end - runStart; l > bestLen {
			bestStart = runStart
			bestLen = l
		}
		inRun = false
	}
	for i := uint32(0); i < m.numPieces; i++ {
		if cand.Test(i) {
			if !inRun {
				runStart = i
				inRun = true
			}
		} else {
			endRun(i)
		}
	}
	endRun(m.numPieces)
	if bestLen == 0 {
		return 0, false
	}
	return bestStart + (bestLen-1)/2, true
}

// HasMissingPiece reports whether the peer has at least one piece that we
// miss and that passes the filter.
func (m *BitfieldMan) HasMissingPiece(peer bitfield.BitField) bool {
	m.checkLength(peer)
	pb := peer.Bytes()
	hb := m.have.Bytes()
	for k := range pb {
		if pb[k] & ^hb[k] & m.filterByte(k) != 0 {
			return true
		}
	}
	return false
}

// AddFilter marks the pieces overlapping bytes [offset, offset+length) as
// interesting. Filtering takes effect after EnableFilter is called.
func (m *BitfieldMan) AddFilter(offset, length int64) {
	if offset < 0 || length < 0 || offset+length > m.totalLength {
		panic("filter range out of bound")
	}
	if length == 0 {
		return
	}
	lo := uint32(offset / int64(m.pieceLength))
	hi := uint32((offset + length - 1) / int64(m.pieceLength))
	for i := lo; i <= hi; i++ {
		m.filter.Set(i)
	}
}

// EnableFilter restricts all queries to the pieces added with AddFilter.
func (m *BitfieldMan) EnableFilter() { m.filterEnabled = true }

// ClearFilter removes all filter ranges and disables filtering.
func (m *BitfieldMan) ClearFilter() {
	m.filter.ClearAll()
	m.filterEnabled = false
}

func (m *BitfieldMan) IsFilterEnabled() bool { return m.filterEnabled }

// CompletedLength returns the number of downloaded bytes, at piece
// granularity. Partial progress of in-use pieces is not known here.
func (m *BitfieldMan) CompletedLength() int64 {
	return m.lengthOfBits(m.have)
}

// FilteredTotalLength returns the total byte length of filtered pieces, or
// the whole download length when the filter is disabled.
func (m *BitfieldMan) FilteredTotalLength() int64 {
	if !m.filterEnabled {
		return m.totalLength
	}
	return m.lengthOfBits(m.filter)
}

// FilteredCompletedLength returns downloaded bytes within filtered pieces.
func (m *BitfieldMan) FilteredCompletedLength() int64 {
	if !m.filterEnabled {
		return m.CompletedLength()
	}
	tmp := bitfield.New(m.numPieces)
	tb := tmp.Bytes()
	hb := m.have.Bytes()
	fb := m.filter.Bytes()
	for k := range tb {
		tb[k] = hb[k] & fb[k]
	}
	return m.lengthOfBits(tmp)
}

// IsAllBitSet reports whether every piece is downloaded.
func (m *BitfieldMan) IsAllBitSet() bool { return m.have.All() }

// IsFilteredAllBitSet reports whether every filtered piece is downloaded.
// True for an empty filter. Equal to IsAllBitSet when the filter is
// disabled.
func (m *BitfieldMan) IsFilteredAllBitSet() bool {
	if !m.filterEnabled {
		return m.IsAllBitSet()
	}
	hb := m.have.Bytes()
	fb := m.filter.Bytes()
	for k := range fb {
		if fb[k] & ^hb[k] != 0 {
			return false
		}
	}
	return true
}

// Bitfield returns the have bitmap in wire format. The returned slice is
// not a copy.
func (m *BitfieldMan) Bitfield() []byte { return m.have.Bytes() }

// BitfieldLength returns the byte length of the have bitmap.
func (m *BitfieldMan) BitfieldLength() int { return len(m.have.Bytes()) }

// SetBitfield replaces the have bitmap with b. Padding bits beyond
// NumPieces are cleared. Panics if b has the wrong length.
func (m *BitfieldMan) SetBitfield(b []byte) {
	if len(b) != m.BitfieldLength() {
		panic("bitfield length mismatch")
	}
	c := make([]byte, len(b))
	copy(c, b)
	m.have = bitfield.NewBytes(c, m.numPieces)
}

func (m *BitfieldMan) filterByte(k int) byte {
	if m.filterEnabled {
		return m.filter.Bytes()[k]
	}
	return m.validMask(k)
}

// validMask masks out the padding bits of the last byte.
func (m *BitfieldMan) validMask(k int) byte {
	if k != m.BitfieldLength()-1 {
		return 0xff
	}
	if mod := m.numPieces % 8; mod != 0 {
		return ^byte(0xff >> mod)
	}
	return 0xff
}

func (m *BitfieldMan) lengthOfBits(bf bitfield.BitField) int64 {
	c := bf.Count()
	if c == 0 {
		return 0
	}
	l := int64(c) * int64(m.pieceLength)
	if bf.Test(m.numPieces - 1) {
		l -= int64(m.pieceLength) - int64(m.PieceLengthAt(m.numPieces-1))
	}
	return l
}

func (m *BitfieldMan) checkIndex(i uint32) {
	if i >= m.numPieces {
		panic("piece index out of bound")
	}
}

func (m *BitfieldMan) checkLength(bf bitfield.BitField) {
	if bf.Len() != m.numPieces {
		panic("bitfield length mismatch")
	}
}
