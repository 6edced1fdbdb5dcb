// Package downloadcontext holds the static geometry of a download: piece
// length, total length and the file entries the bytes map onto.
package downloadcontext

import (
	"time"

	"github.com/woshibocai007/aria2/internal/clock"
)

// FileEntry is one file of the download in the concatenated byte space.
type FileEntry struct {
	Path      string
	Offset    int64
	Length    int64
	Requested bool
}

type DownloadContext struct {
	pieceLength      uint32
	totalLength      int64
	files            []*FileEntry
	pieceHashAlgo    string
	clk              clock.Clock
	downloadStopTime time.Time
}

// New creates a DownloadContext. files must cover [0, totalLength)
// contiguously; the caller parses them from metainfo.
func New(pieceLength uint32, totalLength int64, files []*FileEntry, pieceHashAlgo string, clk clock.Clock) *DownloadContext {
	if pieceLength == 0 {
		panic("piece length must be positive")
	}
	if totalLength <= 0 {
		panic("total length must be positive")
	}
	return &DownloadContext{
		pieceLength:   pieceLength,
		totalLength:   totalLength,
		files:         files,
		pieceHashAlgo: pieceHashAlgo,
		clk:           clk,
	}
}

func (d *DownloadContext) PieceLength() uint32 { return d.pieceLength }
func (d *DownloadContext) TotalLength() int64  { return d.totalLength }

// NumPieces returns the piece count, the last piece possibly short.
func (d *DownloadContext) NumPieces() uint32 {
	return uint32((d.totalLength + int64(d.pieceLength) - 1) / int64(d.pieceLength))
}

func (d *DownloadContext) Files() []*FileEntry { return d.files }

// SingleFile reports whether the download consists of exactly one file.
func (d *DownloadContext) SingleFile() bool { return len(d.files) == 1 }

func (d *DownloadContext) PieceHashAlgo() string { return d.pieceHashAlgo }

// ResetDownloadStopTime records the current instant as the stop time.
func (d *DownloadContext) ResetDownloadStopTime() {
	d.downloadStopTime = d.clk.Now()
}

func (d *DownloadContext) DownloadStopTime() time.Time { return d.downloadStopTime }
