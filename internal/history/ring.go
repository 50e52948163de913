// Package history keeps a bounded window of recent snapshots and the deltas
// between them, so consumers can step backwards and catch up incrementally.
package history

import (
	"fmt"

	"github.com/scopevis/scopevis/internal/tree"
)

// Entry pairs a snapshot with the delta that produced it from its predecessor
type Entry struct {
	Snapshot *tree.Snapshot
	Delta    tree.Delta
}

// Ring is a fixed-capacity buffer of consecutive versions. Pushing beyond
// capacity drops the oldest entry. Not safe for concurrent use; the tracker
// serializes access.
type Ring struct {
	buf  []Entry
	head int
	n    int
}

// NewRing creates a ring holding up to capacity entries
func NewRing(capacity int) (*Ring, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("history capacity must be positive, got %d", capacity)
	}
	return &Ring{buf: make([]Entry, capacity)}, nil
}

// Push appends an entry, evicting the oldest when full. Entries must arrive
// in version order.
func (r *Ring) Push(e Entry) {
	if r.n < len(r.buf) {
		r.buf[(r.head+r.n)%len(r.buf)] = e
		r.n++
		return
	}
	r.buf[r.head] = e
	r.head = (r.head + 1) % len(r.buf)
}

// Len returns the number of retained entries
func (r *Ring) Len() int { return r.n }

// Cap returns the configured capacity
func (r *Ring) Cap() int { return len(r.buf) }

func (r *Ring) at(i int) Entry {
	return r.buf[(r.head+i)%len(r.buf)]
}

// Oldest returns the earliest retained entry
func (r *Ring) Oldest() (Entry, bool) {
	if r.n == 0 {
		return Entry{}, false
	}
	return r.at(0), true
}

// Latest returns the most recent entry
func (r *Ring) Latest() (Entry, bool) {
	if r.n == 0 {
		return Entry{}, false
	}
	return r.at(r.n - 1), true
}

// At returns the entry for an exact version, if still retained
func (r *Ring) At(version uint64) (Entry, bool) {
	if r.n == 0 {
		return Entry{}, false
	}
	lo := r.at(0).Snapshot.Version
	if version < lo || version > lo+uint64(r.n-1) {
		return Entry{}, false
	}
	return r.at(int(version - lo)), true
}

// Replay returns the deltas that carry a consumer from version from up to
// version to, oldest first. ok is false when any step of the range has been
// evicted and the consumer must resync from a full snapshot.
func (r *Ring) Replay(from, to uint64) ([]tree.Delta, bool) {
	if r.n == 0 || to < from {
		return nil, false
	}
	lo := r.at(0).Snapshot.Version
	if to > lo+uint64(r.n-1) {
		return nil, false
	}
	if from == to {
		return nil, from >= lo
	}
	if from+1 < lo {
		return nil, false
	}

	start := int(from + 1 - lo)
	end := int(to - lo)
	deltas := make([]tree.Delta, 0, end-start+1)
	for i := start; i <= end; i++ {
		deltas = append(deltas, r.at(i).Delta)
	}
	return deltas, true
}

// Since returns the deltas needed to move a consumer at version up to the
// latest entry, oldest first. ok is false when the consumer fell behind the
// window and must resync from a full snapshot.
func (r *Ring) Since(version uint64) ([]tree.Delta, bool) {
	latest, ok := r.Latest()
	if !ok {
		return nil, false
	}
	if version > latest.Snapshot.Version {
		return nil, false
	}
	return r.Replay(version, latest.Snapshot.Version)
}

// Walk visits the retained entries oldest first, stopping when fn returns
// false
func (r *Ring) Walk(fn func(Entry) bool) {
	for i := 0; i < r.n; i++ {
		if !fn(r.at(i)) {
			return
		}
	}
}
