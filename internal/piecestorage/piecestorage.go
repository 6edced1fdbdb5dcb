// Package piecestorage is the source of truth for piece state in a swarm
// download: which pieces are done, which are being fetched, and which one
// to hand to an asking peer next.
//
// All mutating methods must be called from a single driver goroutine.
// Checked-out pieces are shared with peer workers; workers record blocks
// on the piece and hand it back through CompletePiece or CancelPiece.
package piecestorage

import (
	"time"

	"github.com/rcrowley/go-metrics"

	"github.com/woshibocai007/aria2/internal/advertqueue"
	"github.com/woshibocai007/aria2/internal/bitfield"
	"github.com/woshibocai007/aria2/internal/bitfieldman"
	"github.com/woshibocai007/aria2/internal/clock"
	"github.com/woshibocai007/aria2/internal/diskadaptor"
	"github.com/woshibocai007/aria2/internal/downloadcontext"
	"github.com/woshibocai007/aria2/internal/inflight"
	"github.com/woshibocai007/aria2/internal/logger"
	"github.com/woshibocai007/aria2/internal/piece"
	"github.com/woshibocai007/aria2/internal/pieceselector"
	"github.com/woshibocai007/aria2/internal/piecestats"
)

// DefaultEndGamePieceNum is the missing-piece threshold at or below which
// end game mode activates.
const DefaultEndGamePieceNum = 20

// File allocation strategies accepted by Config.FileAllocation.
const (
	FileAllocationNone     = "none"
	FileAllocationPrealloc = "prealloc"
	FileAllocationFalloc   = "falloc"
	FileAllocationTrunc    = "trunc"
)

type Config struct {
	// EndGamePieceNum overrides DefaultEndGamePieceNum when non-zero.
	EndGamePieceNum uint32
	EnableDirectIO  bool
	MaxOpenFiles    int
	FileAllocation  string
}

type PieceStorage struct {
	dctx *downloadcontext.DownloadContext
	cfg  Config
	clk  clock.Clock

	bm         *bitfieldman.BitfieldMan
	usedPieces *inflight.Set
	stats      *piecestats.PieceStatMan
	selector   pieceselector.Selector
	haves      *advertqueue.Queue

	diskAdaptor   diskadaptor.DiskAdaptor
	writerFactory diskadaptor.Factory

	log             logger.Logger
	downloadSpeed   metrics.Meter
	completedPieces metrics.Counter
}

// New creates a PieceStorage for the download described by dctx.
func New(dctx *downloadcontext.DownloadContext, cfg Config, clk clock.Clock) *PieceStorage {
	if cfg.EndGamePieceNum == 0 {
		cfg.EndGamePieceNum = DefaultEndGamePieceNum
	}
	bm := bitfieldman.New(dctx.PieceLength(), dctx.TotalLength())
	stats := piecestats.New(bm.NumPieces())
	return &PieceStorage{
		dctx:            dctx,
		cfg:             cfg,
		clk:             clk,
		bm:              bm,
		usedPieces:      inflight.New(),
		stats:           stats,
		selector:        pieceselector.NewRarestFirst(stats, clk.Now().UnixNano()),
		haves:           advertqueue.New(clk),
		writerFactory:   diskadaptor.DefaultFactory{},
		log:             logger.New("piecestorage"),
		downloadSpeed:   metrics.NewMeter(),
		completedPieces: metrics.NewCounter(),
	}
}

// SetPieceSelector swaps the selection policy.
func (s *PieceStorage) SetPieceSelector(sel pieceselector.Selector) { s.selector = sel }

// SetDiskWriterFactory overrides how disk writers are created.
func (s *PieceStorage) SetDiskWriterFactory(f diskadaptor.Factory) { s.writerFactory = f }

// Queries

func (s *PieceStorage) HasPiece(i uint32) bool    { return s.bm.IsBitSet(i) }
func (s *PieceStorage) IsPieceUsed(i uint32) bool { return s.bm.IsUseBitSet(i) }

// PieceLength returns the byte length of piece i.
func (s *PieceStorage) PieceLength(i uint32) uint32 { return s.bm.PieceLengthAt(i) }

func (s *PieceStorage) TotalLength() int64 { return s.bm.TotalLength() }

// CompletedLength returns downloaded bytes including partial progress of
// in-flight pieces, capped at the total length.
func (s *PieceStorage) CompletedLength() int64 {
	c := s.bm.CompletedLength() + s.inFlightCompletedLength()
	if t := s.bm.TotalLength(); c > t {
		c = t
	}
	return c
}

func (s *PieceStorage) FilteredTotalLength() int64 { return s.bm.FilteredTotalLength() }

// FilteredCompletedLength returns downloaded bytes within filtered pieces
// plus partial progress of in-flight pieces.
func (s *PieceStorage) FilteredCompletedLength() int64 {
	return s.bm.FilteredCompletedLength() + s.inFlightCompletedLength()
}

func (s *PieceStorage) inFlightCompletedLength() int64 {
	var n int64
	s.usedPieces.Each(func(p *piece.Piece) bool {
		n += int64(p.CompletedLength())
		return true
	})
	return n
}

// HasMissingPiece reports whether the peer has a piece we still need.
func (s *PieceStorage) HasMissingPiece(peer Peer) bool {
	return s.bm.HasMissingPiece(s.peerBitfield(peer))
}

// HasMissingUnusedPiece reports whether any piece is missing and not
// checked out.
func (s *PieceStorage) HasMissingUnusedPiece() bool {
	_, ok := s.bm.FirstMissingUnusedIndex()
	return ok
}

// DownloadFinished reports whether all filtered pieces are downloaded.
func (s *PieceStorage) DownloadFinished() bool { return s.bm.IsFilteredAllBitSet() }

// AllDownloadFinished reports whether every piece is downloaded,
// regardless of the filter.
func (s *PieceStorage) AllDownloadFinished() bool { return s.bm.IsAllBitSet() }

// IsEndGame reports whether few enough pieces remain that duplicate
// downloads are allowed.
func (s *PieceStorage) IsEndGame() bool {
	return s.bm.CountMissingPiece() <= s.cfg.EndGamePieceNum
}

// IsSelectiveDownloadingMode reports whether a file filter is active.
func (s *PieceStorage) IsSelectiveDownloadingMode() bool { return s.bm.IsFilterEnabled() }

// Selection

func (s *PieceStorage) missingPieceIndex(peerBits bitfield.BitField) (uint32, bool) {
	var mis bitfield.BitField
	var ok bool
	if s.IsEndGame() {
		mis, ok = s.bm.AllMissingIndexes(peerBits)
	} else {
		mis, ok = s.bm.AllMissingUnusedIndexes(peerBits)
	}
	if !ok {
		return 0, false
	}
	return s.selector.Select(mis)
}

func (s *PieceStorage) missingPiece(peerBits bitfield.BitField) *piece.Piece {
	if index, ok := s.missingPieceIndex(peerBits); ok {
		return s.CheckOutPiece(index)
	}
	return nil
}

// MissingPiece selects a piece the peer has and we need, checks it out
// and returns it. Returns nil when nothing is eligible. In end game mode
// pieces already in flight stay eligible.
func (s *PieceStorage) MissingPiece(peer Peer) *piece.Piece {
	return s.missingPiece(s.peerBitfield(peer))
}

// MissingPieceExcluding is MissingPiece with the excluded indexes removed
// from the peer's candidates.
func (s *PieceStorage) MissingPieceExcluding(peer Peer, excluded []uint32) *piece.Piece {
	bits := s.peerBitfield(peer)
	for _, i := range excluded {
		bits.Clear(i)
	}
	return s.missingPiece(bits)
}

// MissingFastPiece selects only among the peer's allowed-fast set.
// Returns nil when the peer has no fast extension or an empty set.
func (s *PieceStorage) MissingFastPiece(peer Peer) *piece.Piece {
	bits, ok := s.fastIndexBitfield(peer)
	if !ok {
		return nil
	}
	return s.missingPiece(bits)
}

// MissingFastPieceExcluding is MissingFastPiece with excluded indexes
// removed.
func (s *PieceStorage) MissingFastPieceExcluding(peer Peer, excluded []uint32) *piece.Piece {
	bits, ok := s.fastIndexBitfield(peer)
	if !ok {
		return nil
	}
	for _, i := range excluded {
		bits.Clear(i)
	}
	return s.missingPiece(bits)
}

func (s *PieceStorage) fastIndexBitfield(peer Peer) (bitfield.BitField, bool) {
	if !peer.FastExtensionEnabled() {
		return bitfield.BitField{}, false
	}
	allowed := peer.AllowedFastIndexes()
	if len(allowed) == 0 {
		return bitfield.BitField{}, false
	}
	bits := bitfield.New(s.bm.NumPieces())
	for _, i := range allowed {
		if i < s.bm.NumPieces() && !s.bm.IsBitSet(i) && peer.HasPiece(i) {
			bits.Set(i)
		}
	}
	return bits, true
}

// MissingPieceAt checks out the piece at index. Returns nil when the
// piece is already downloaded or already in use.
func (s *PieceStorage) MissingPieceAt(index uint32) *piece.Piece {
	if s.HasPiece(index) || s.IsPieceUsed(index) {
		return nil
	}
	return s.CheckOutPiece(index)
}

// SparseMissingUnusedPiece checks out a missing piece far away from
// already claimed ones, spreading initial work across the download.
// Pieces set in ignore are not considered.
func (s *PieceStorage) SparseMissingUnusedPiece(ignore bitfield.BitField) *piece.Piece {
	if index, ok := s.bm.SparseMissingUnusedIndex(ignore); ok {
		return s.CheckOutPiece(index)
	}
	return nil
}

// Lifecycle

// CheckOutPiece marks piece index as in use and returns its Piece.
// Checking out an already checked-out index returns the same object.
func (s *PieceStorage) CheckOutPiece(index uint32) *piece.Piece {
	s.bm.SetUseBit(index)
	p := s.usedPieces.Find(index)
	if p == nil {
		p = piece.New(index, s.bm.PieceLengthAt(index))
		p.SetHashAlgo(s.dctx.PieceHashAlgo())
		s.usedPieces.Insert(p)
		s.log.Debugf("checked out piece #%d, in flight: %d", index, s.usedPieces.Len())
	}
	return p
}

// Piece returns a Piece for index without checking it out. An already
// downloaded piece is returned with all blocks set. The returned piece is
// not tracked unless it was already in flight.
func (s *PieceStorage) Piece(index uint32) *piece.Piece {
	if p := s.usedPieces.Find(index); p != nil {
		return p
	}
	p := piece.New(index, s.bm.PieceLengthAt(index))
	p.SetHashAlgo(s.dctx.PieceHashAlgo())
	if s.bm.IsBitSet(index) {
		p.SetAllBlock()
	}
	return p
}

// CompletePiece records p as downloaded and verified: the piece leaves
// the in-flight set, the have bit is set, the in-use bit cleared and
// local availability credited. Calling it again with the same piece is a
// no-op.
func (s *PieceStorage) CompletePiece(p *piece.Piece) {
	if p == nil {
		return
	}
	s.usedPieces.Remove(p)
	if s.AllDownloadFinished() {
		return
	}
	if s.bm.IsBitSet(p.Index) {
		return
	}
	s.bm.SetBit(p.Index)
	s.bm.UnsetUseBit(p.Index)
	s.stats.AddPieceStat(p.Index)
	s.downloadSpeed.Mark(int64(p.Length))
	s.completedPieces.Inc(1)
	if s.DownloadFinished() {
		s.dctx.ResetDownloadStopTime()
		if s.IsSelectiveDownloadingMode() {
			s.log.Notice("selective download completed")
		} else {
			s.log.Info("download completed")
		}
	}
}

// CancelPiece returns a checked-out piece unfinished. A piece with partial
// progress stays in the in-flight set; an untouched piece is dropped from
// it, except in end game mode where it is kept as well.
func (s *PieceStorage) CancelPiece(p *piece.Piece) {
	if p == nil {
		return
	}
	s.bm.UnsetUseBit(p.Index)
	if !s.IsEndGame() && p.CompletedLength() == 0 {
		s.usedPieces.Remove(p)
	}
}

// DeleteUsedPiece drops p from the in-flight set if present.
func (s *PieceStorage) DeleteUsedPiece(p *piece.Piece) {
	if p == nil {
		return
	}
	s.usedPieces.Remove(p)
}

// MarkPieceMissing clears the have bit of piece index. Called after a
// hash check failure.
func (s *PieceStorage) MarkPieceMissing(index uint32) { s.bm.UnsetBit(index) }

// MarkAllPiecesDone marks the whole download as completed.
func (s *PieceStorage) MarkAllPiecesDone() { s.bm.SetAllBit() }

// MarkPiecesDone restores completion state for the first length bytes:
// whole pieces get their have bit, a block-aligned remainder becomes a
// partial in-flight piece. Zero clears everything.
func (s *PieceStorage) MarkPiecesDone(length int64) {
	if length < 0 || length > s.bm.TotalLength() {
		panic("length out of bound")
	}
	switch {
	case length == s.bm.TotalLength():
		s.bm.SetAllBit()
	case length == 0:
		s.bm.ClearAllBit()
		s.usedPieces.Clear()
	default:
		numPiece := uint32(length / int64(s.bm.PieceLength()))
		if numPiece > 0 {
			s.bm.SetBitRange(0, numPiece-1)
		}
		r := uint32(length%int64(s.bm.PieceLength())) / piece.BlockSize
		if r > 0 {
			p := piece.New(numPiece, s.bm.PieceLengthAt(numPiece))
			for i := uint32(0); i < r; i++ {
				p.CompleteBlock(i)
			}
			p.SetHashAlgo(s.dctx.PieceHashAlgo())
			s.usedPieces.Insert(p)
		}
	}
}

// AddInFlightPiece restores previously checked-out pieces in bulk.
func (s *PieceStorage) AddInFlightPiece(ps []*piece.Piece) {
	s.usedPieces.InsertBatch(ps)
}

// CountInFlightPiece returns the number of in-flight pieces.
func (s *PieceStorage) CountInFlightPiece() int { return s.usedPieces.Len() }

// InFlightPieces returns the in-flight pieces in index order.
func (s *PieceStorage) InFlightPieces() []*piece.Piece { return s.usedPieces.Pieces() }

// Bitfield exchange

// SetBitfield replaces the have bitmap and credits the set pieces to the
// availability statistics.
func (s *PieceStorage) SetBitfield(b []byte) {
	s.bm.SetBitfield(b)
	s.stats.AddPieceStats(s.wireBitfield(b))
}

// Bitfield returns the have bitmap in wire format.
func (s *PieceStorage) Bitfield() []byte { return s.bm.Bitfield() }

// BitfieldLength returns the byte length of the have bitmap.
func (s *PieceStorage) BitfieldLength() int { return s.bm.BitfieldLength() }

// Availability statistics

// AddPieceStats credits a connecting peer's bitfield to availability.
func (s *PieceStorage) AddPieceStats(b []byte) {
	s.stats.AddPieceStats(s.wireBitfield(b))
}

// SubtractPieceStats removes a disconnecting peer's bitfield from
// availability.
func (s *PieceStorage) SubtractPieceStats(b []byte) {
	s.stats.SubtractPieceStats(s.wireBitfield(b))
}

// UpdatePieceStats applies the difference between a peer's new and old
// bitfields.
func (s *PieceStorage) UpdatePieceStats(newB, oldB []byte) {
	s.stats.UpdatePieceStats(s.wireBitfield(newB), s.wireBitfield(oldB))
}

// AddPieceStat credits a single piece, as announced by a have message.
func (s *PieceStorage) AddPieceStat(i uint32) { s.stats.AddPieceStat(i) }

// Adverts

// AdvertisePiece queues a completed piece for gossip to connected peers.
func (s *PieceStorage) AdvertisePiece(ownerID uint64, index uint32) {
	s.haves.Advertise(ownerID, index)
}

// AdvertisedPieceIndexes returns pieces advertised by other owners after
// since.
func (s *PieceStorage) AdvertisedPieceIndexes(myOwnerID uint64, since time.Time) []uint32 {
	return s.haves.IndexesSince(myOwnerID, since)
}

// RemoveAdvertisedPiece drops advert entries older than age.
func (s *PieceStorage) RemoveAdvertisedPiece(age time.Duration) {
	if n := s.haves.RemoveOlderThan(age); n > 0 {
		s.log.Debugf("removed %d have entries", n)
	}
}

// Filter

// SetupFileFilter restricts the download to the requested files. When
// every file is requested the filter stays disabled.
func (s *PieceStorage) SetupFileFilter() {
	files := s.dctx.Files()
	allRequested := true
	for _, f := range files {
		if !f.Requested {
			allRequested = false
			break
		}
	}
	if allRequested {
		return
	}
	for _, f := range files {
		if f.Requested {
			s.bm.AddFilter(f.Offset, f.Length)
		}
	}
	s.bm.EnableFilter()
}

// ClearFileFilter removes the file filter.
func (s *PieceStorage) ClearFileFilter() { s.bm.ClearFilter() }

// Storage wiring

// InitStorage installs the disk adaptor matching the download layout: a
// direct adaptor for a single file, a multi adaptor otherwise.
func (s *PieceStorage) InitStorage() {
	if s.dctx.SingleFile() {
		s.log.Debug("initializing direct disk adaptor")
		a := diskadaptor.NewDirect()
		a.SetTotalLength(s.dctx.TotalLength())
		a.SetFileEntries(s.dctx.Files())
		w := s.writerFactory.NewDiskWriter(a.FilePath())
		if s.cfg.EnableDirectIO {
			w.AllowDirectIO()
		}
		a.SetDiskWriter(w)
		s.diskAdaptor = a
	} else {
		s.log.Debug("initializing multi disk adaptor")
		a := diskadaptor.NewMulti()
		a.SetFileEntries(s.dctx.Files())
		if s.cfg.EnableDirectIO {
			a.AllowDirectIO()
		}
		a.SetPieceLength(s.dctx.PieceLength())
		a.SetMaxOpenFiles(s.cfg.MaxOpenFiles)
		s.diskAdaptor = a
	}
	if s.cfg.FileAllocation == FileAllocationFalloc {
		s.diskAdaptor.EnableFallocate()
	}
}

// DiskAdaptor returns the installed disk adaptor, or nil before
// InitStorage.
func (s *PieceStorage) DiskAdaptor() diskadaptor.DiskAdaptor { return s.diskAdaptor }

// Metrics

// DownloadSpeed returns the one-minute rate of completed piece bytes.
func (s *PieceStorage) DownloadSpeed() float64 { return s.downloadSpeed.Rate1() }

// CompletedPieceCount returns the number of pieces completed through
// CompletePiece.
func (s *PieceStorage) CompletedPieceCount() int64 { return s.completedPieces.Count() }

// helpers

func (s *PieceStorage) peerBitfield(peer Peer) bitfield.BitField {
	return s.wireBitfield(peer.Bitfield()[:peer.BitfieldLength()])
}

func (s *PieceStorage) wireBitfield(b []byte) bitfield.BitField {
	if len(b) != s.bm.BitfieldLength() {
		panic("bitfield length mismatch")
	}
	c := make([]byte, len(b))
	copy(c, b)
	return bitfield.NewBytes(c, s.bm.NumPieces())
}
