package aria2

import (
	"github.com/woshibocai007/aria2/internal/clock"
	"github.com/woshibocai007/aria2/internal/downloadcontext"
	"github.com/woshibocai007/aria2/internal/piecestorage"
)

// NewPieceStorage creates the piece storage for the download described by
// dctx, configured from c.
func NewPieceStorage(dctx *downloadcontext.DownloadContext, c *Config) *piecestorage.PieceStorage {
	return piecestorage.New(dctx, piecestorage.Config{
		EndGamePieceNum: c.EndGamePieceNum,
		EnableDirectIO:  c.EnableDirectIO,
		MaxOpenFiles:    c.BTMaxOpenFiles,
		FileAllocation:  c.FileAllocation,
	}, clock.System{})
}
