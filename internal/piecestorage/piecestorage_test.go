package piecestorage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/woshibocai007/aria2/internal/bitfield"
	"github.com/woshibocai007/aria2/internal/clock"
	"github.com/woshibocai007/aria2/internal/diskadaptor"
	"github.com/woshibocai007/aria2/internal/downloadcontext"
	"github.com/woshibocai007/aria2/internal/piece"
	"github.com/woshibocai007/aria2/internal/pieceselector"
)

// Lengths are expressed in units of half a block so that the last piece
// and last block can be short.
const unit = piece.BlockSize / 2

const (
	testPieceLength = 4 * unit  // 2 blocks per piece
	testTotalLength = 15 * unit // 4 pieces, last one 3 units
)

var epoch = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

type stubPeer struct {
	bits    []byte
	fast    bool
	allowed []uint32
}

func (p *stubPeer) Bitfield() []byte    { return p.bits }
func (p *stubPeer) BitfieldLength() int { return len(p.bits) }
func (p *stubPeer) HasPiece(i uint32) bool {
	return p.bits[i/8]&(1<<(7-i%8)) != 0
}
func (p *stubPeer) FastExtensionEnabled() bool   { return p.fast }
func (p *stubPeer) AllowedFastIndexes() []uint32 { return p.allowed }

func singleFile(requested bool) []*downloadcontext.FileEntry {
	return []*downloadcontext.FileEntry{
		{Path: "a", Offset: 0, Length: int64(testTotalLength), Requested: requested},
	}
}

func newTestStorage(files []*downloadcontext.FileEntry) (*PieceStorage, *clock.Fake) {
	clk := clock.NewFake(epoch)
	dctx := downloadcontext.New(testPieceLength, int64(testTotalLength), files, "sha-1", clk)
	s := New(dctx, Config{EndGamePieceNum: 1}, clk)
	return s, clk
}

func TestEmptyStart(t *testing.T) {
	s, _ := newTestStorage(singleFile(true))
	assert.Equal(t, int64(0), s.CompletedLength())
	assert.False(t, s.IsEndGame())
	assert.False(t, s.DownloadFinished())
	assert.True(t, s.HasMissingUnusedPiece())
	assert.Equal(t, int64(testTotalLength), s.TotalLength())
	assert.Equal(t, uint32(3*unit), s.PieceLength(3))
}

func TestDownloadProgress(t *testing.T) {
	s, _ := newTestStorage(singleFile(true))

	s.SetBitfield([]byte{0xa0}) // pieces 0 and 2
	assert.True(t, s.HasPiece(0))
	assert.False(t, s.HasPiece(1))
	assert.True(t, s.HasPiece(2))
	assert.Equal(t, []byte{0xa0}, s.Bitfield())
	assert.Equal(t, int64(8*unit), s.CompletedLength())

	p1 := s.CheckOutPiece(1)
	p1.CompleteBlock(0)
	assert.Equal(t, int64(10*unit), s.CompletedLength())
	assert.True(t, s.IsPieceUsed(1))

	s.CompletePiece(p1)
	assert.True(t, s.HasPiece(1))
	assert.False(t, s.IsPieceUsed(1))
	assert.Equal(t, int64(12*unit), s.CompletedLength())
	assert.Equal(t, int64(1), s.CompletedPieceCount())
	assert.Equal(t, 0, s.CountInFlightPiece())
}

func TestCompletePieceIdempotent(t *testing.T) {
	s, _ := newTestStorage(singleFile(true))
	p := s.CheckOutPiece(1)
	p.SetAllBlock()
	s.CompletePiece(p)
	s.CompletePiece(p)
	assert.Equal(t, int64(1), s.CompletedPieceCount())
	assert.True(t, s.HasPiece(1))
	assert.False(t, s.IsPieceUsed(1))
}

func TestCheckOutPieceIdempotent(t *testing.T) {
	s, _ := newTestStorage(singleFile(true))
	a := s.CheckOutPiece(2)
	b := s.CheckOutPiece(2)
	assert.Same(t, a, b)
	assert.Equal(t, 1, s.CountInFlightPiece())
	assert.Equal(t, "sha-1", a.HashAlgo())
	assert.Equal(t, uint32(4*unit), a.Length)
}

func TestMissingPieceAt(t *testing.T) {
	s, _ := newTestStorage(singleFile(true))
	p := s.MissingPieceAt(1)
	assert.NotNil(t, p)
	assert.Equal(t, uint32(1), p.Index)

	// Already in use.
	assert.Nil(t, s.MissingPieceAt(1))

	p.SetAllBlock()
	s.CompletePiece(p)
	// Already downloaded.
	assert.Nil(t, s.MissingPieceAt(1))
}

func TestCancelPiece(t *testing.T) {
	s, _ := newTestStorage(singleFile(true))

	// No progress: the piece is dropped.
	p := s.CheckOutPiece(0)
	s.CancelPiece(p)
	assert.False(t, s.IsPieceUsed(0))
	assert.Equal(t, 0, s.CountInFlightPiece())

	// Partial progress survives for a later retry.
	p = s.CheckOutPiece(0)
	p.CompleteBlock(0)
	s.CancelPiece(p)
	assert.False(t, s.IsPieceUsed(0))
	assert.Equal(t, 1, s.CountInFlightPiece())
	assert.Same(t, p, s.CheckOutPiece(0))
}

func TestRarestFirstSelection(t *testing.T) {
	s, _ := newTestStorage(singleFile(true))

	// Peer A has pieces 1 and 3, peer B has piece 3.
	s.AddPieceStats([]byte{0x50})
	s.AddPieceStats([]byte{0x10})

	peerA := &stubPeer{bits: []byte{0x50}}
	p := s.MissingPiece(peerA)
	assert.NotNil(t, p)
	assert.Equal(t, uint32(1), p.Index)
	assert.True(t, s.IsPieceUsed(1))
}

func TestMissingPieceExcluding(t *testing.T) {
	s, _ := newTestStorage(singleFile(true))
	peer := &stubPeer{bits: []byte{0x50}} // pieces 1 and 3
	p := s.MissingPieceExcluding(peer, []uint32{1})
	assert.NotNil(t, p)
	assert.Equal(t, uint32(3), p.Index)
}

func TestMissingPieceExhausted(t *testing.T) {
	s, _ := newTestStorage(singleFile(true))
	assert.Nil(t, s.MissingPiece(&stubPeer{bits: []byte{0x00}}))

	s.MarkAllPiecesDone()
	assert.Nil(t, s.MissingPiece(&stubPeer{bits: []byte{0xf0}}))
	assert.False(t, s.HasMissingPiece(&stubPeer{bits: []byte{0xf0}}))
}

func TestEndGameAllowsDuplicates(t *testing.T) {
	files := singleFile(true)
	clk := clock.NewFake(epoch)
	dctx := downloadcontext.New(testPieceLength, int64(testTotalLength), files, "", clk)
	s := New(dctx, Config{EndGamePieceNum: 4}, clk)
	s.SetPieceSelector(pieceselector.Ordered{})
	assert.True(t, s.IsEndGame())

	peer := &stubPeer{bits: []byte{0xf0}}
	a := s.MissingPiece(peer)
	b := s.MissingPiece(peer)
	assert.NotNil(t, a)
	assert.NotNil(t, b)
	// In-use pieces stay eligible, so the same piece is handed out again.
	assert.Same(t, a, b)
}

func TestEndGameCancelKeepsUntouchedPieces(t *testing.T) {
	files := singleFile(true)
	clk := clock.NewFake(epoch)
	dctx := downloadcontext.New(testPieceLength, int64(testTotalLength), files, "", clk)
	s := New(dctx, Config{EndGamePieceNum: 4}, clk)

	p := s.CheckOutPiece(0)
	s.CancelPiece(p)
	assert.False(t, s.IsPieceUsed(0))
	// End game salvages even untouched pieces.
	assert.Equal(t, 1, s.CountInFlightPiece())
}

func TestMissingFastPiece(t *testing.T) {
	s, _ := newTestStorage(singleFile(true))

	// No fast extension.
	peer := &stubPeer{bits: []byte{0xf0}}
	assert.Nil(t, s.MissingFastPiece(peer))

	// Empty allowed set.
	peer = &stubPeer{bits: []byte{0xf0}, fast: true}
	assert.Nil(t, s.MissingFastPiece(peer))

	peer = &stubPeer{bits: []byte{0xf0}, fast: true, allowed: []uint32{2}}
	p := s.MissingFastPiece(peer)
	assert.NotNil(t, p)
	assert.Equal(t, uint32(2), p.Index)

	// Allowed pieces we already have are not selected.
	s2, _ := newTestStorage(singleFile(true))
	s2.SetBitfield([]byte{0x20}) // piece 2
	peer = &stubPeer{bits: []byte{0xf0}, fast: true, allowed: []uint32{2}}
	assert.Nil(t, s2.MissingFastPiece(peer))

	// Excluded indexes are removed from the allowed candidates.
	s3, _ := newTestStorage(singleFile(true))
	peer = &stubPeer{bits: []byte{0xf0}, fast: true, allowed: []uint32{1, 2}}
	p = s3.MissingFastPieceExcluding(peer, []uint32{1})
	assert.NotNil(t, p)
	assert.Equal(t, uint32(2), p.Index)
}

func TestSparseMissingUnusedPiece(t *testing.T) {
	s, _ := newTestStorage(singleFile(true))
	ignore := bitfield.New(4)

	p := s.SparseMissingUnusedPiece(ignore)
	assert.NotNil(t, p)
	assert.Equal(t, uint32(1), p.Index) // midpoint of [0,3]
	assert.True(t, s.IsPieceUsed(1))

	p = s.SparseMissingUnusedPiece(ignore)
	assert.NotNil(t, p)
	assert.Equal(t, uint32(2), p.Index) // longest remaining run [2,3]
}

func TestMarkPiecesDone(t *testing.T) {
	s, _ := newTestStorage(singleFile(true))

	// One full piece plus one block.
	s.MarkPiecesDone(int64(6 * unit))
	assert.True(t, s.HasPiece(0))
	assert.False(t, s.HasPiece(1))
	assert.Equal(t, 1, s.CountInFlightPiece())
	assert.Equal(t, int64(6*unit), s.CompletedLength())

	// Zero clears everything.
	s.MarkPiecesDone(0)
	assert.Equal(t, int64(0), s.CompletedLength())
	assert.Equal(t, 0, s.CountInFlightPiece())

	// Full length finishes the download.
	s.MarkPiecesDone(int64(testTotalLength))
	assert.True(t, s.DownloadFinished())
	assert.True(t, s.AllDownloadFinished())

	assert.Panics(t, func() { s.MarkPiecesDone(int64(testTotalLength) + 1) })
}

func TestMarkPieceMissing(t *testing.T) {
	s, _ := newTestStorage(singleFile(true))
	s.MarkAllPiecesDone()
	s.MarkPieceMissing(2)
	assert.False(t, s.HasPiece(2))
	assert.Equal(t, int64(11*unit), s.CompletedLength())
}

func TestDownloadFinishedRecordsStopTime(t *testing.T) {
	files := singleFile(true)
	clk := clock.NewFake(epoch)
	dctx := downloadcontext.New(testPieceLength, int64(testTotalLength), files, "", clk)
	s := New(dctx, Config{EndGamePieceNum: 1}, clk)

	s.SetBitfield([]byte{0xe0}) // pieces 0, 1, 2
	clk.Advance(42 * time.Second)
	p := s.CheckOutPiece(3)
	p.SetAllBlock()
	s.CompletePiece(p)
	assert.True(t, s.DownloadFinished())
	assert.Equal(t, epoch.Add(42*time.Second), dctx.DownloadStopTime())
}

func TestFileFilter(t *testing.T) {
	files := []*downloadcontext.FileEntry{
		{Path: "a", Offset: 0, Length: int64(8 * unit), Requested: false},
		{Path: "b", Offset: int64(8 * unit), Length: int64(7 * unit), Requested: true},
	}
	s, _ := newTestStorage(files)
	s.SetupFileFilter()
	assert.True(t, s.IsSelectiveDownloadingMode())
	assert.Equal(t, int64(7*unit), s.FilteredTotalLength())

	// Only the requested file's pieces count as missing.
	p := s.MissingPiece(&stubPeer{bits: []byte{0xf0}})
	assert.NotNil(t, p)
	assert.True(t, p.Index == 2 || p.Index == 3)

	p2 := s.CheckOutPiece(2)
	p2.SetAllBlock()
	s.CompletePiece(p2)
	p3 := s.CheckOutPiece(3)
	p3.SetAllBlock()
	s.CompletePiece(p3)

	assert.True(t, s.DownloadFinished())
	assert.False(t, s.AllDownloadFinished())
	assert.Equal(t, int64(7*unit), s.FilteredCompletedLength())

	s.ClearFileFilter()
	assert.False(t, s.IsSelectiveDownloadingMode())
	assert.False(t, s.DownloadFinished())
}

func TestFileFilterAllRequestedStaysDisabled(t *testing.T) {
	s, _ := newTestStorage(singleFile(true))
	s.SetupFileFilter()
	assert.False(t, s.IsSelectiveDownloadingMode())
}

func TestFileFilterNothingRequested(t *testing.T) {
	s, _ := newTestStorage(singleFile(false))
	s.SetupFileFilter()
	assert.True(t, s.IsSelectiveDownloadingMode())
	// Nothing is interesting, so the download is vacuously finished.
	assert.True(t, s.DownloadFinished())
	assert.Nil(t, s.MissingPiece(&stubPeer{bits: []byte{0xf0}}))
}

func TestAdverts(t *testing.T) {
	s, clk := newTestStorage(singleFile(true))

	clk.Set(epoch.Add(10 * time.Second))
	s.AdvertisePiece(1, 0)
	clk.Set(epoch.Add(20 * time.Second))
	s.AdvertisePiece(2, 1)

	got := s.AdvertisedPieceIndexes(3, epoch.Add(15*time.Second))
	assert.Equal(t, []uint32{1}, got)

	// Own adverts are filtered out.
	assert.Empty(t, s.AdvertisedPieceIndexes(2, epoch.Add(15*time.Second)))

	clk.Set(epoch.Add(100 * time.Second))
	s.RemoveAdvertisedPiece(50 * time.Second)
	assert.Empty(t, s.AdvertisedPieceIndexes(3, epoch))
}

func TestInFlightRestore(t *testing.T) {
	s, _ := newTestStorage(singleFile(true))
	ps := []*piece.Piece{
		piece.New(2, testPieceLength),
		piece.New(0, testPieceLength),
	}
	s.AddInFlightPiece(ps)
	assert.Equal(t, 2, s.CountInFlightPiece())
	got := s.InFlightPieces()
	assert.Equal(t, uint32(0), got[0].Index)
	assert.Equal(t, uint32(2), got[1].Index)
}

func TestPieceView(t *testing.T) {
	s, _ := newTestStorage(singleFile(true))
	s.SetBitfield([]byte{0x80}) // piece 0

	p := s.Piece(0)
	assert.True(t, p.Complete())
	// A view does not enter the in-flight set.
	assert.Equal(t, 0, s.CountInFlightPiece())

	p = s.Piece(1)
	assert.False(t, p.Complete())

	// An in-flight piece is returned as is.
	co := s.CheckOutPiece(2)
	assert.Same(t, co, s.Piece(2))
}

func TestStatsPassthrough(t *testing.T) {
	s, _ := newTestStorage(singleFile(true))
	s.AddPieceStats([]byte{0xf0})
	s.SubtractPieceStats([]byte{0x80})
	s.UpdatePieceStats([]byte{0x40}, []byte{0x60})
	s.AddPieceStat(3)
	// counts are now [0, 1, 0, 2]; rarest-first picks piece 1 for a peer
	// with pieces 1 and 3.
	p := s.MissingPiece(&stubPeer{bits: []byte{0x50}})
	assert.NotNil(t, p)
	assert.Equal(t, uint32(1), p.Index)

	assert.Panics(t, func() { s.SubtractPieceStats([]byte{0x80}) })
}

func TestInUseInvariant(t *testing.T) {
	s, _ := newTestStorage(singleFile(true))
	p0 := s.CheckOutPiece(0)
	s.CheckOutPiece(1)
	p0.SetAllBlock()
	s.CompletePiece(p0)

	// A piece is never both downloaded and in use, and the in-flight set
	// mirrors the in-use bits.
	var used int
	for i := uint32(0); i < 4; i++ {
		assert.False(t, s.HasPiece(i) && s.IsPieceUsed(i))
		if s.IsPieceUsed(i) {
			used++
		}
	}
	assert.Equal(t, used, s.CountInFlightPiece())
}

func TestInitStorageSingleFile(t *testing.T) {
	s, _ := newTestStorage(singleFile(true))
	s.InitStorage()
	_, ok := s.DiskAdaptor().(*diskadaptor.DirectDiskAdaptor)
	assert.True(t, ok)
}

func TestInitStorageMultiFile(t *testing.T) {
	files := []*downloadcontext.FileEntry{
		{Path: "a", Offset: 0, Length: int64(8 * unit), Requested: true},
		{Path: "b", Offset: int64(8 * unit), Length: int64(7 * unit), Requested: true},
	}
	clk := clock.NewFake(epoch)
	dctx := downloadcontext.New(testPieceLength, int64(testTotalLength), files, "", clk)
	s := New(dctx, Config{MaxOpenFiles: 10, FileAllocation: FileAllocationFalloc}, clk)
	s.InitStorage()
	_, ok := s.DiskAdaptor().(*diskadaptor.MultiDiskAdaptor)
	assert.True(t, ok)
}
