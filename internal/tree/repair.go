package tree

import (
	"sort"

	"github.com/scopevis/scopevis/internal/domain"
)

// forceCancelTask marks a task Cancelled, force-closing any nurseries it
// still has open first so invariants hold at every step. These are
// synthesized transitions; the triggering event already logged the anomaly.
func (t *Tree) forceCancelTask(id domain.NodeID) {
	v, ok := t.working[id]
	if !ok || v.Kind != domain.NodeTask {
		return
	}
	for _, c := range v.Children {
		if cv, ok := t.working[c]; ok && cv.Kind == domain.NodeNursery && !cv.Nursery.Terminal() {
			t.forceCloseNursery(c)
		}
	}
	if !v.Task.Terminal() {
		m := t.mutate(id)
		m.Task = domain.TaskCancelled
	}
}

// forceCloseNursery closes a nursery, cancelling its live children first
func (t *Tree) forceCloseNursery(id domain.NodeID) {
	v, ok := t.working[id]
	if !ok || v.Kind != domain.NodeNursery {
		return
	}
	for _, c := range v.Children {
		if cv, ok := t.working[c]; ok && cv.Kind == domain.NodeTask && !cv.Task.Terminal() {
			t.forceCancelTask(c)
		}
	}
	m := t.mutate(id)
	m.Nursery = domain.NurseryClosed
	m.Pending = false
}

// enforceLimit evicts maximal fully-terminal subtrees, least recently
// changed first, until the live node count is back under the bound. Evicted
// ids are tombstoned so they can never re-enter the tree.
func (t *Tree) enforceLimit() {
	type victim struct {
		id      domain.NodeID
		lastGen uint64
	}

	terminal := make(map[domain.NodeID]bool, len(t.working))
	lastGen := make(map[domain.NodeID]uint64, len(t.working))

	var scan func(id domain.NodeID) (bool, uint64)
	scan = func(id domain.NodeID) (bool, uint64) {
		v := t.working[id]
		done := v.Terminal()
		gen := v.Gen
		for _, c := range v.Children {
			if _, ok := t.working[c]; !ok {
				continue
			}
			cdone, cgen := scan(c)
			done = done && cdone
			if cgen > gen {
				gen = cgen
			}
		}
		terminal[id] = done
		lastGen[id] = gen
		return done, gen
	}
	scan(domain.RootID)

	var victims []victim
	var collect func(id domain.NodeID)
	collect = func(id domain.NodeID) {
		if terminal[id] {
			victims = append(victims, victim{id: id, lastGen: lastGen[id]})
			return
		}
		for _, c := range t.working[id].Children {
			if _, ok := t.working[c]; ok {
				collect(c)
			}
		}
	}
	collect(domain.RootID)

	sort.Slice(victims, func(i, j int) bool { return victims[i].lastGen < victims[j].lastGen })

	for _, vic := range victims {
		if len(t.working) <= t.maxNodes {
			return
		}
		t.evictSubtree(vic.id)
	}
}

func (t *Tree) evictSubtree(id domain.NodeID) {
	root := t.working[id]
	t.detach(root.Parent, id)

	count := 0
	var rec func(id domain.NodeID)
	rec = func(id domain.NodeID) {
		v, ok := t.working[id]
		if !ok {
			return
		}
		for _, c := range v.Children {
			rec(c)
		}
		delete(t.working, id)
		t.evicted[id] = struct{}{}
		t.removed = append(t.removed, id)
		count++
	}
	rec(id)

	t.log.Info("evicted completed subtree", "root", string(id), "nodes", count)
}
