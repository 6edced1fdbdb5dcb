package piecestorage

// Peer is the view of a remote peer the piece storage needs for
// selection. Implemented by the peer connection layer.
type Peer interface {
	// Bitfield returns the peer's have bitmap in wire format.
	Bitfield() []byte
	// BitfieldLength returns the byte length of the peer's bitmap.
	BitfieldLength() int
	// HasPiece reports whether the peer announced piece i.
	HasPiece(i uint32) bool
	// FastExtensionEnabled reports whether the peer negotiated the fast
	// extension.
	FastExtensionEnabled() bool
	// AllowedFastIndexes returns the pieces the peer allows us to request
	// while choked.
	AllowedFastIndexes() []uint32
}
