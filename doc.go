// Package aria2 provides the piece-storage core of a multi-source swarm
// downloader: for a single download it tracks which fixed-size pieces are
// completed, which are being fetched from peers, how rare each piece is
// in the swarm, and which piece to hand out next.
//
// NewPieceStorage builds the storage from a download context and a
// Config. Network transport, metainfo parsing and piece hashing are the
// caller's concern.
package aria2
