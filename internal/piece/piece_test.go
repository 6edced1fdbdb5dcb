package piece

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNumBlocks(t *testing.T) {
	p := New(0, 2*BlockSize)
	assert.Equal(t, uint32(2), p.NumBlocks())

	p = New(0, 2*BlockSize+42)
	assert.Equal(t, uint32(3), p.NumBlocks())
}

func TestBlockLength(t *testing.T) {
	p := New(0, 2*BlockSize+42)
	assert.Equal(t, BlockSize, p.BlockLength(0))
	assert.Equal(t, BlockSize, p.BlockLength(1))
	assert.Equal(t, uint32(42), p.BlockLength(2))

	assert.Panics(t, func() { p.BlockLength(3) })
}

func TestCompletedLength(t *testing.T) {
	p := New(3, 2*BlockSize+42)
	assert.Equal(t, uint32(0), p.CompletedLength())
	assert.False(t, p.Complete())

	p.CompleteBlock(0)
	assert.Equal(t, BlockSize, p.CompletedLength())
	assert.True(t, p.IsBlockComplete(0))
	assert.False(t, p.IsBlockComplete(1))

	// Short last block contributes only its own length.
	p.CompleteBlock(2)
	assert.Equal(t, BlockSize+42, p.CompletedLength())
	assert.False(t, p.Complete())

	p.CompleteBlock(1)
	assert.Equal(t, 2*BlockSize+42, p.CompletedLength())
	assert.True(t, p.Complete())
	assert.Equal(t, uint32(3), p.CountCompleteBlock())
}

func TestSetAllBlock(t *testing.T) {
	p := New(1, 4*BlockSize)
	p.SetAllBlock()
	assert.True(t, p.Complete())
	assert.Equal(t, p.Length, p.CompletedLength())
}

func TestHashAlgo(t *testing.T) {
	p := New(0, BlockSize)
	assert.Equal(t, "", p.HashAlgo())
	p.SetHashAlgo("sha-1")
	assert.Equal(t, "sha-1", p.HashAlgo())
}
