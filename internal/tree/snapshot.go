package tree

import (
	"github.com/scopevis/scopevis/internal/domain"
)

// NodeView is one node of a published snapshot. Views are immutable once a
// snapshot is published; a later change produces a fresh view with a higher
// Gen, never an in-place write. Unchanged nodes are shared between
// consecutive snapshots by pointer.
type NodeView struct {
	ID          domain.NodeID
	Kind        domain.NodeKind
	Name        string
	Placeholder bool
	Parent      domain.NodeID
	Children    []domain.NodeID

	// Task is meaningful when Kind == NodeTask, Nursery and Pending when
	// Kind == NodeNursery.
	Task    domain.TaskState
	Nursery domain.NurseryState
	Pending bool

	// Gen is the snapshot version that last changed this node, Born the
	// version that created it.
	Gen  uint64
	Born uint64
}

// Terminal reports whether the node can change state again
func (v *NodeView) Terminal() bool {
	switch v.Kind {
	case domain.NodeTask:
		return v.Task.Terminal()
	case domain.NodeNursery:
		return v.Nursery.Terminal()
	}
	return false
}

// State returns the lifecycle state as a string, empty for the root
func (v *NodeView) State() string {
	switch v.Kind {
	case domain.NodeTask:
		return string(v.Task)
	case domain.NodeNursery:
		return string(v.Nursery)
	}
	return ""
}

// Snapshot is an immutable, versioned view of the whole tree. The node index
// is rebuilt per version; the views themselves are shared with the previous
// snapshot wherever unchanged.
type Snapshot struct {
	Version uint64
	Root    domain.NodeID

	nodes map[domain.NodeID]*NodeView

	// journal of this version: ids created or updated, and ids evicted,
	// relative to Version-1
	changed []domain.NodeID
	removed []domain.NodeID
}

// Get looks a node up by id
func (s *Snapshot) Get(id domain.NodeID) (*NodeView, bool) {
	v, ok := s.nodes[id]
	return v, ok
}

// Len returns the number of live nodes, the synthetic root included
func (s *Snapshot) Len() int {
	return len(s.nodes)
}

// Walk visits every reachable node depth first in child order, the root at
// depth 0
func (s *Snapshot) Walk(fn func(v *NodeView, depth int)) {
	var rec func(id domain.NodeID, depth int)
	rec = func(id domain.NodeID, depth int) {
		v, ok := s.nodes[id]
		if !ok {
			return
		}
		fn(v, depth)
		for _, child := range v.Children {
			rec(child, depth+1)
		}
	}
	rec(s.Root, 0)
}

// Tasks returns the number of task nodes and how many of them are live
func (s *Snapshot) Tasks() (total, live int) {
	for _, v := range s.nodes {
		if v.Kind == domain.NodeTask {
			total++
			if !v.Task.Terminal() {
				live++
			}
		}
	}
	return total, live
}

// OpenNurseries returns the number of nurseries not yet closed
func (s *Snapshot) OpenNurseries() int {
	n := 0
	for _, v := range s.nodes {
		if v.Kind == domain.NodeNursery && !v.Nursery.Terminal() {
			n++
		}
	}
	return n
}
