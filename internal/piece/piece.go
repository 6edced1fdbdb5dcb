// Package piece models a single piece while its blocks are downloaded.
package piece

import "github.com/woshibocai007/aria2/internal/bitfield"

// BlockSize is the transfer unit within a piece.
const BlockSize uint32 = 16 * 1024

// Piece is one in-flight piece. Blocks arrive independently; a piece is
// complete when every block bit is set.
type Piece struct {
	Index  uint32 // index in download
	Length uint32 // byte length, short for the last piece

	blocks   bitfield.BitField
	hashAlgo string
}

// New creates a Piece of the given byte length with no completed blocks.
// Panics if length is zero.
func New(index, length uint32) *Piece {
	if length == 0 {
		panic("piece length must be positive")
	}
	numBlocks := (length + BlockSize - 1) / BlockSize
	return &Piece{
		Index:  index,
		Length: length,
		blocks: bitfield.New(numBlocks),
	}
}

// NumBlocks returns the number of blocks in the piece.
func (p *Piece) NumBlocks() uint32 { return p.blocks.Len() }

// BlockLength returns the byte length of block b. Only the last block of
// the last piece may be short. Panics if b >= NumBlocks().
func (p *Piece) BlockLength(b uint32) uint32 {
	if b >= p.NumBlocks() {
		panic("block index out of bound")
	}
	if b == p.NumBlocks()-1 {
		return p.Length - b*BlockSize
	}
	return BlockSize
}

// CompleteBlock marks block b as downloaded.
func (p *Piece) CompleteBlock(b uint32) { p.blocks.Set(b) }

// IsBlockComplete reports whether block b has been downloaded.
func (p *Piece) IsBlockComplete(b uint32) bool { return p.blocks.Test(b) }

// SetAllBlock marks every block as downloaded. Used when materializing a
// piece that is already on disk for reporting purposes.
func (p *Piece) SetAllBlock() { p.blocks.SetAll() }

// CountCompleteBlock returns the number of downloaded blocks.
func (p *Piece) CountCompleteBlock() uint32 { return p.blocks.Count() }

// Complete reports whether every block has been downloaded.
func (p *Piece) Complete() bool { return p.blocks.All() }

// CompletedLength returns the number of downloaded bytes in the piece.
func (p *Piece) CompletedLength() uint32 {
	n := p.blocks.Count()
	if n == 0 {
		return 0
	}
	l := n * BlockSize
	last := p.NumBlocks() - 1
	if p.blocks.Test(last) {
		l -= BlockSize - p.BlockLength(last)
	}
	if l > p.Length {
		l = p.Length
	}
	return l
}

// HashAlgo returns the hash algorithm tag attached to the piece.
// The piece itself never hashes data.
func (p *Piece) HashAlgo() string { return p.hashAlgo }

// SetHashAlgo attaches a hash algorithm tag to the piece.
func (p *Piece) SetHashAlgo(algo string) { p.hashAlgo = algo }
