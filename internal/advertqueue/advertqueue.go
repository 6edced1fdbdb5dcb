// Package advertqueue keeps a bounded time-ordered log of locally
// completed pieces for gossip to connected peers.
package advertqueue

import (
	"time"

	"github.com/woshibocai007/aria2/internal/clock"
)

// HaveEntry records one "piece completed" event.
type HaveEntry struct {
	OwnerID    uint64
	Index      uint32
	Registered time.Time
}

// Queue is a front-inserted log of HaveEntry. Newest entries are at the
// front, so a reader scans from the front and stops at the first entry
// not newer than its last check.
type Queue struct {
	clk     clock.Clock
	entries []HaveEntry
}

// New returns an empty Queue reading timestamps from clk.
func New(clk clock.Clock) *Queue {
	return &Queue{clk: clk}
}

// Advertise prepends an entry stamped with the current instant.
func (q *Queue) Advertise(ownerID uint64, index uint32) {
	q.entries = append(q.entries, HaveEntry{})
	copy(q.entries[1:], q.entries)
	q.entries[0] = HaveEntry{OwnerID: ownerID, Index: index, Registered: q.clk.Now()}
}

// IndexesSince returns the piece indexes advertised after since, front to
// back, skipping entries owned by myOwnerID. The scan stops at the first
// entry whose timestamp is not after since.
func (q *Queue) IndexesSince(myOwnerID uint64, since time.Time) []uint32 {
	var indexes []uint32
	for _, e := range q.entries {
		if !e.Registered.After(since) {
			break
		}
		if e.OwnerID == myOwnerID {
			continue
		}
		indexes = append(indexes, e.Index)
	}
	return indexes
}

// RemoveOlderThan truncates every entry at least age old and everything
// behind it. Returns the number of entries removed.
func (q *Queue) RemoveOlderThan(age time.Duration) int {
	now := q.clk.Now()
	for i, e := range q.entries {
		if now.Sub(e.Registered) >= age {
			removed := len(q.entries) - i
			q.entries = q.entries[:i]
			return removed
		}
	}
	return 0
}

// Len returns the number of queued entries.
func (q *Queue) Len() int { return len(q.entries) }
