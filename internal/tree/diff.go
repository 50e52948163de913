package tree

import (
	"sort"

	"github.com/scopevis/scopevis/internal/domain"
)

// FieldMask marks which attributes of a node changed between two snapshots
type FieldMask uint8

const (
	FieldName FieldMask = 1 << iota
	FieldState
	FieldPending
	FieldParent
	FieldChildren
	FieldPlaceholder
)

// Has reports whether f is set in the mask
func (m FieldMask) Has(f FieldMask) bool { return m&f != 0 }

// NodeChange is an in-place attribute change: the fields that differ plus
// the node as of the newer snapshot
type NodeChange struct {
	ID     domain.NodeID
	Fields FieldMask
	View   *NodeView
}

// Delta enumerates the structural changes between two snapshots: insertions
// with full attributes, removals by id, and attribute changes. Applying a
// delta to a mirror of the older snapshot yields the newer one exactly.
type Delta struct {
	From, To uint64

	Added   []*NodeView
	Removed []domain.NodeID
	Changed []NodeChange
}

// Empty reports whether the delta changes nothing
func (d Delta) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// ApplyTo applies the delta to a mutable node index, the consumer-side
// mirror of a snapshot
func (d Delta) ApplyTo(nodes map[domain.NodeID]*NodeView) {
	for _, id := range d.Removed {
		delete(nodes, id)
	}
	for _, v := range d.Added {
		nodes[v.ID] = v
	}
	for _, c := range d.Changed {
		nodes[c.ID] = c.View
	}
}

// Diff computes the delta from prev to next. Consecutive snapshots take the
// journal fast path, O(changed nodes). Arbitrary pairs (a resync after the
// consumer fell behind the history window) walk both indexes, skipping
// shared views by pointer identity.
func Diff(prev, next *Snapshot) Delta {
	d := Delta{From: prev.Version, To: next.Version}

	if next.Version == prev.Version+1 {
		for _, id := range next.changed {
			nv := next.nodes[id]
			pv, ok := prev.nodes[id]
			if !ok {
				d.Added = append(d.Added, nv)
				continue
			}
			if mask := fieldDiff(pv, nv); mask != 0 {
				d.Changed = append(d.Changed, NodeChange{ID: id, Fields: mask, View: nv})
			}
		}
		d.Removed = append([]domain.NodeID(nil), next.removed...)
		return d
	}

	for id, nv := range next.nodes {
		pv, ok := prev.nodes[id]
		if !ok {
			d.Added = append(d.Added, nv)
			continue
		}
		if pv == nv {
			continue
		}
		if mask := fieldDiff(pv, nv); mask != 0 {
			d.Changed = append(d.Changed, NodeChange{ID: id, Fields: mask, View: nv})
		}
	}
	for id := range prev.nodes {
		if _, ok := next.nodes[id]; !ok {
			d.Removed = append(d.Removed, id)
		}
	}

	sort.Slice(d.Added, func(i, j int) bool { return d.Added[i].ID < d.Added[j].ID })
	sort.Slice(d.Changed, func(i, j int) bool { return d.Changed[i].ID < d.Changed[j].ID })
	sort.Slice(d.Removed, func(i, j int) bool { return d.Removed[i] < d.Removed[j] })
	return d
}

// Squash folds an ordered run of deltas into one equivalent delta. The field
// mask of a squashed change is the union of the step masks; the view is the
// final one.
func Squash(deltas []Delta) Delta {
	if len(deltas) == 0 {
		return Delta{}
	}
	if len(deltas) == 1 {
		return deltas[0]
	}

	added := make(map[domain.NodeID]*NodeView)
	changed := make(map[domain.NodeID]NodeChange)
	removed := make(map[domain.NodeID]bool)

	for _, d := range deltas {
		for _, id := range d.Removed {
			if _, ok := added[id]; ok {
				// born and gone inside the window
				delete(added, id)
				continue
			}
			delete(changed, id)
			removed[id] = true
		}
		for _, v := range d.Added {
			added[v.ID] = v
		}
		for _, c := range d.Changed {
			if _, ok := added[c.ID]; ok {
				added[c.ID] = c.View
				continue
			}
			if prev, ok := changed[c.ID]; ok {
				prev.Fields |= c.Fields
				prev.View = c.View
				changed[c.ID] = prev
				continue
			}
			changed[c.ID] = c
		}
	}

	out := Delta{From: deltas[0].From, To: deltas[len(deltas)-1].To}
	for _, v := range added {
		out.Added = append(out.Added, v)
	}
	for _, c := range changed {
		out.Changed = append(out.Changed, c)
	}
	for id := range removed {
		out.Removed = append(out.Removed, id)
	}
	sort.Slice(out.Added, func(i, j int) bool { return out.Added[i].ID < out.Added[j].ID })
	sort.Slice(out.Changed, func(i, j int) bool { return out.Changed[i].ID < out.Changed[j].ID })
	sort.Slice(out.Removed, func(i, j int) bool { return out.Removed[i] < out.Removed[j] })
	return out
}

func fieldDiff(a, b *NodeView) FieldMask {
	var m FieldMask
	if a.Name != b.Name {
		m |= FieldName
	}
	if a.Task != b.Task || a.Nursery != b.Nursery {
		m |= FieldState
	}
	if a.Pending != b.Pending {
		m |= FieldPending
	}
	if a.Parent != b.Parent {
		m |= FieldParent
	}
	if !equalIDs(a.Children, b.Children) {
		m |= FieldChildren
	}
	if a.Placeholder != b.Placeholder {
		m |= FieldPlaceholder
	}
	return m
}

func equalIDs(a, b []domain.NodeID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
