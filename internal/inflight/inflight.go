// Package inflight keeps the set of partially downloaded pieces ordered by
// piece index.
package inflight

import (
	"github.com/google/btree"

	"github.com/woshibocai007/aria2/internal/piece"
)

type item struct {
	p *piece.Piece
}

var _ btree.Item = item{}

func (i item) Less(than btree.Item) bool {
	return i.p.Index < than.(item).p.Index
}

// Set is an ordered set of pieces keyed by index. Lookup, insert and
// remove are O(log n). At most one piece per index.
type Set struct {
	tree *btree.BTree
}

// New returns an empty Set.
func New() *Set {
	return &Set{tree: btree.New(2)}
}

// Find returns the piece with the given index, or nil.
func (s *Set) Find(index uint32) *piece.Piece {
	probe := item{p: &piece.Piece{Index: index}}
	if it := s.tree.Get(probe); it != nil {
		return it.(item).p
	}
	return nil
}

// Insert adds p to the set, replacing any piece with the same index.
func (s *Set) Insert(p *piece.Piece) {
	s.tree.ReplaceOrInsert(item{p: p})
}

// InsertBatch adds all pieces in ps. Used for bulk restore.
func (s *Set) InsertBatch(ps []*piece.Piece) {
	for _, p := range ps {
		s.Insert(p)
	}
}

// Remove deletes the piece with p's index from the set.
// Returns false if no such piece is present.
func (s *Set) Remove(p *piece.Piece) bool {
	return s.tree.Delete(item{p: p}) != nil
}

// Len returns the number of pieces in the set.
func (s *Set) Len() int { return s.tree.Len() }

// Each calls fn for every piece in ascending index order until fn returns
// false.
func (s *Set) Each(fn func(p *piece.Piece) bool) {
	s.tree.Ascend(func(it btree.Item) bool {
		return fn(it.(item).p)
	})
}

// Pieces returns all pieces in ascending index order.
func (s *Set) Pieces() []*piece.Piece {
	ps := make([]*piece.Piece, 0, s.tree.Len())
	s.Each(func(p *piece.Piece) bool {
		ps = append(ps, p)
		return true
	})
	return ps
}

// Clear removes all pieces.
func (s *Set) Clear() {
	s.tree.Clear(false)
}
