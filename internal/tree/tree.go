package tree

import (
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"time"

	"github.com/scopevis/scopevis/internal/domain"
	"github.com/scopevis/scopevis/internal/logging"
)

// AnomalyKind classifies the recoverable anomalies the model records
type AnomalyKind string

const (
	// AnomalyRepair marks an event that violated a tree invariant and was
	// applied only after synthesized corrective transitions
	AnomalyRepair AnomalyKind = "repair"
	// AnomalyStale marks an event referencing a subject already past the
	// transition it describes; dropped without effect
	AnomalyStale AnomalyKind = "stale"
	// AnomalyReuse marks an event referencing an id that already completed
	// its lifecycle or left the tree; dropped
	AnomalyReuse AnomalyKind = "reuse"
	// AnomalyOrphan marks a node that could not be attached to its true
	// parent and hangs off the synthetic root
	AnomalyOrphan AnomalyKind = "orphan"
)

// Anomaly is a logged, non-fatal correction or drop. The observed program is
// never affected; anomalies only surface in logs, stats, and the anomaly view.
type Anomaly struct {
	Kind    AnomalyKind
	Subject domain.NodeID
	Seq     uint64
	Time    time.Time
	Msg     string
}

func (a Anomaly) String() string {
	return fmt.Sprintf("[%s] %s: %s", a.Kind, a.Subject, a.Msg)
}

// ApplyResult reports what one Apply call did beyond the snapshot itself
type ApplyResult struct {
	// Applied is false when the event was dropped without touching the tree
	Applied bool
	// Synthesized counts placeholder nodes created while connecting the event
	Synthesized int
	Anomalies   []Anomaly
}

// Options configures a Tree
type Options struct {
	// MaxNodes bounds the live node count; fully terminal subtrees are
	// evicted oldest-first when the bound is exceeded. 0 disables eviction.
	MaxNodes int
	Logger   *slog.Logger
}

// Tree is the live task/nursery model. It owns every node record and applies
// events one at a time; callers on other goroutines may only hold published
// snapshots. Not safe for concurrent mutation.
type Tree struct {
	version  uint64
	snap     *Snapshot
	evicted  map[domain.NodeID]struct{}
	rootTask domain.NodeID
	maxNodes int
	log      *slog.Logger

	finalized bool

	// scratch for the apply in progress
	working map[domain.NodeID]*NodeView
	changed []domain.NodeID
	removed []domain.NodeID
	res     ApplyResult
	ev      domain.Event
}

// New creates a tree holding only the synthetic root
func New(opts Options) *Tree {
	log := opts.Logger
	if log == nil {
		log = logging.NewNop()
	}
	root := &NodeView{ID: domain.RootID, Kind: domain.NodeRoot, Name: "runtime"}
	return &Tree{
		snap: &Snapshot{
			Root:  domain.RootID,
			nodes: map[domain.NodeID]*NodeView{domain.RootID: root},
		},
		evicted:  make(map[domain.NodeID]struct{}),
		maxNodes: opts.MaxNodes,
		log:      log,
	}
}

// Current returns the latest published snapshot, O(1)
func (t *Tree) Current() *Snapshot {
	return t.snap
}

// Query looks up a node in the latest snapshot
func (t *Tree) Query(id domain.NodeID) (*NodeView, bool) {
	return t.snap.Get(id)
}

// Apply applies one normalized event and returns the snapshot that results.
// Events that would corrupt an invariant are repaired or dropped; the
// returned result carries the anomalies. When nothing changed (a dropped
// event) the previous snapshot is returned unchanged.
func (t *Tree) Apply(ev domain.Event) (*Snapshot, ApplyResult) {
	t.begin(ev)

	if t.finalized {
		t.anomaly(AnomalyStale, ev.Subject, "event after stream end")
		return t.publish()
	}
	if _, gone := t.evicted[ev.Subject]; gone {
		t.anomaly(AnomalyReuse, ev.Subject, fmt.Sprintf("%s for id that left the tree", ev.Kind))
		return t.publish()
	}

	switch ev.Kind {
	case domain.EventTaskSpawned:
		t.applyTaskSpawned(ev)
	case domain.EventTaskScheduled, domain.EventTaskSuspended,
		domain.EventTaskExited, domain.EventTaskCancelled:
		t.applyTaskTransition(ev)
	case domain.EventNurseryOpened:
		t.applyNurseryOpened(ev)
	case domain.EventNurseryClosing:
		t.applyNurseryClosing(ev)
	case domain.EventNurseryClosed:
		t.applyNurseryClosed(ev)
	}

	if t.maxNodes > 0 && len(t.working) > t.maxNodes {
		t.enforceLimit()
	}

	return t.publish()
}

// Finalize marks every live node terminal in one final snapshot: tasks
// finish, nurseries close. Called when the instrumentation feed ends
// cleanly. Idempotent.
func (t *Tree) Finalize() *Snapshot {
	if t.finalized {
		return t.snap
	}
	t.begin(domain.Event{})
	t.finalized = true

	ids := make([]domain.NodeID, 0, len(t.working))
	for id := range t.working {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		v := t.working[id]
		switch v.Kind {
		case domain.NodeTask:
			if !v.Task.Terminal() {
				m := t.mutate(id)
				m.Task = domain.TaskFinished
			}
		case domain.NodeNursery:
			if !v.Nursery.Terminal() {
				m := t.mutate(id)
				m.Nursery = domain.NurseryClosed
				m.Pending = false
			}
		}
	}

	snap, _ := t.publish()
	t.log.Info("stream finalized", "version", snap.Version, "nodes", snap.Len())
	return snap
}

// begin opens a new version and clones the node index
func (t *Tree) begin(ev domain.Event) {
	t.version++
	t.working = maps.Clone(t.snap.nodes)
	t.changed = nil
	t.removed = nil
	t.res = ApplyResult{}
	t.ev = ev
}

// publish seals the working set into a snapshot, or rolls the version back
// when the event changed nothing
func (t *Tree) publish() (*Snapshot, ApplyResult) {
	if len(t.changed) == 0 && len(t.removed) == 0 {
		t.version--
		t.working = nil
		return t.snap, t.res
	}

	changed := t.changed
	if len(t.removed) > 0 {
		gone := make(map[domain.NodeID]bool, len(t.removed))
		for _, id := range t.removed {
			gone[id] = true
		}
		kept := changed[:0]
		for _, id := range changed {
			if !gone[id] {
				kept = append(kept, id)
			}
		}
		changed = kept
	}
	sort.Slice(changed, func(i, j int) bool { return changed[i] < changed[j] })
	sort.Slice(t.removed, func(i, j int) bool { return t.removed[i] < t.removed[j] })

	t.res.Applied = true
	t.snap = &Snapshot{
		Version: t.version,
		Root:    domain.RootID,
		nodes:   t.working,
		changed: changed,
		removed: t.removed,
	}
	t.working = nil
	return t.snap, t.res
}

// mutate returns a this-version copy of the node, copying at most once per
// apply
func (t *Tree) mutate(id domain.NodeID) *NodeView {
	v := t.working[id]
	if v.Gen == t.version {
		return v
	}
	cp := *v
	cp.Gen = t.version
	t.working[id] = &cp
	t.changed = append(t.changed, id)
	return &cp
}

func (t *Tree) create(v *NodeView) *NodeView {
	v.Gen = t.version
	v.Born = t.version
	t.working[v.ID] = v
	t.changed = append(t.changed, v.ID)
	return v
}

func (t *Tree) attach(parent, child domain.NodeID) {
	p := t.mutate(parent)
	p.Children = appendID(p.Children, child)
}

func (t *Tree) detach(parent, child domain.NodeID) {
	p := t.mutate(parent)
	p.Children = removeID(p.Children, child)
}

func (t *Tree) anomaly(kind AnomalyKind, subject domain.NodeID, msg string) {
	a := Anomaly{Kind: kind, Subject: subject, Seq: t.ev.Seq, Time: t.ev.Time, Msg: msg}
	t.res.Anomalies = append(t.res.Anomalies, a)
	t.log.Warn("tree anomaly", "kind", string(kind), "subject", string(subject), "msg", msg)
}

func (t *Tree) applyTaskSpawned(ev domain.Event) {
	if v, ok := t.working[ev.Subject]; ok {
		if v.Placeholder {
			t.reconcileTask(ev)
			return
		}
		t.anomaly(AnomalyReuse, ev.Subject, "task spawned twice")
		return
	}

	name := ev.Name
	if name == "" {
		name = "task-" + string(ev.Subject)
	}
	task := &NodeView{
		ID:   ev.Subject,
		Kind: domain.NodeTask,
		Name: name,
		Task: domain.TaskSpawned,
	}

	if ev.Parent == "" {
		task.Parent = domain.RootID
		if t.rootTask == "" {
			t.rootTask = ev.Subject
		} else {
			t.anomaly(AnomalyOrphan, ev.Subject, "parentless task outside the root task")
		}
		t.create(task)
		t.attach(domain.RootID, ev.Subject)
		return
	}

	nur := t.ensureNursery(ev.Parent)
	if nur.Nursery != domain.NurseryOpen {
		t.anomaly(AnomalyRepair, ev.Subject,
			fmt.Sprintf("spawned into %s nursery %s, cancelled on entry", nur.Nursery, nur.ID))
		task.Task = domain.TaskCancelled
	}
	task.Parent = ev.Parent
	t.create(task)
	t.attach(ev.Parent, ev.Subject)
}

// reconcileTask fills in a placeholder task from its authoritative spawn
// event: name, owner, placeholder flag. Identity and state never change.
func (t *Tree) reconcileTask(ev domain.Event) {
	m := t.mutate(ev.Subject)
	m.Placeholder = false
	if ev.Name != "" {
		m.Name = ev.Name
	}

	if ev.Parent == "" {
		if m.Parent == domain.RootID && t.rootTask == "" {
			t.rootTask = ev.Subject
		}
		return
	}
	if m.Parent == ev.Parent {
		return
	}

	nur := t.ensureNursery(ev.Parent)
	if t.isAncestor(ev.Subject, nur.ID) {
		t.anomaly(AnomalyOrphan, ev.Subject, "reparent would create a cycle, kept at root")
		return
	}
	t.detach(m.Parent, ev.Subject)
	t.attach(nur.ID, ev.Subject)
	m = t.mutate(ev.Subject)
	m.Parent = nur.ID

	if nur.Nursery.Terminal() && !m.Task.Terminal() {
		t.anomaly(AnomalyRepair, ev.Subject, "reconciled into closed nursery, task cancelled")
		t.forceCancelTask(ev.Subject)
	}
}

func (t *Tree) applyTaskTransition(ev domain.Event) {
	v, ok := t.working[ev.Subject]
	if !ok {
		t.synthesizeTask(ev)
		return
	}

	if v.Task.Terminal() {
		t.anomaly(AnomalyStale, ev.Subject, fmt.Sprintf("%s for %s task", ev.Kind, v.Task))
		return
	}

	next, legal := domain.NextTaskState(v.Task, ev.Kind)
	if !legal {
		target := domain.SpawnState(ev.Kind)
		if target == v.Task {
			t.anomaly(AnomalyStale, ev.Subject, fmt.Sprintf("%s while already %s", ev.Kind, v.Task))
			return
		}
		t.anomaly(AnomalyRepair, ev.Subject,
			fmt.Sprintf("no %s transition from %s, forcing %s", ev.Kind, v.Task, target))
		next = target
	}

	if next.Terminal() {
		t.closeOwnedNurseries(ev.Subject, next)
	}
	m := t.mutate(ev.Subject)
	m.Task = next
}

// synthesizeTask materializes a task first seen through a non-spawn event,
// directly in the state that event implies
func (t *Tree) synthesizeTask(ev domain.Event) {
	parent := domain.RootID
	if ev.Parent != "" {
		parent = t.ensureNursery(ev.Parent).ID
	}
	t.res.Synthesized++
	t.log.Debug("synthesized task", "id", string(ev.Subject), "from", string(ev.Kind))
	t.create(&NodeView{
		ID:          ev.Subject,
		Kind:        domain.NodeTask,
		Name:        "task-" + string(ev.Subject),
		Placeholder: true,
		Parent:      parent,
		Task:        domain.SpawnState(ev.Kind),
	})
	t.attach(parent, ev.Subject)
}

// closeOwnedNurseries force-closes any nursery the task still has open
// before the task itself goes terminal. One repair anomaly covers the event.
func (t *Tree) closeOwnedNurseries(id domain.NodeID, target domain.TaskState) {
	v := t.working[id]
	var open []domain.NodeID
	for _, c := range v.Children {
		if cv, ok := t.working[c]; ok && cv.Kind == domain.NodeNursery && !cv.Nursery.Terminal() {
			open = append(open, c)
		}
	}
	if len(open) == 0 {
		return
	}
	t.anomaly(AnomalyRepair, id,
		fmt.Sprintf("task %s with %d open nurseries, closing them", target, len(open)))
	for _, c := range open {
		t.forceCloseNursery(c)
	}
}

func (t *Tree) applyNurseryOpened(ev domain.Event) {
	if v, ok := t.working[ev.Subject]; ok {
		if v.Placeholder {
			t.reconcileNursery(ev)
			return
		}
		t.anomaly(AnomalyStale, ev.Subject, fmt.Sprintf("nursery_opened while %s", v.Nursery))
		return
	}

	owner := domain.RootID
	if ev.Parent != "" {
		owner = t.ensureTask(ev.Parent).ID
	} else {
		t.anomaly(AnomalyOrphan, ev.Subject, "nursery without owner, kept at root")
	}

	name := ev.Name
	if name == "" {
		name = "nursery-" + string(ev.Subject)
	}
	nur := &NodeView{
		ID:      ev.Subject,
		Kind:    domain.NodeNursery,
		Name:    name,
		Parent:  owner,
		Nursery: domain.NurseryOpen,
	}
	if ov, ok := t.working[owner]; ok && ov.Kind == domain.NodeTask && ov.Task.Terminal() {
		t.anomaly(AnomalyRepair, ev.Subject, "nursery opened under finished task, closed immediately")
		nur.Nursery = domain.NurseryClosed
	}
	t.create(nur)
	t.attach(owner, ev.Subject)
}

// reconcileNursery fills in a placeholder nursery from its authoritative
// open event
func (t *Tree) reconcileNursery(ev domain.Event) {
	m := t.mutate(ev.Subject)
	m.Placeholder = false
	if ev.Name != "" {
		m.Name = ev.Name
	}
	if ev.Parent == "" || m.Parent == ev.Parent {
		return
	}

	owner := t.ensureTask(ev.Parent)
	if t.isAncestor(ev.Subject, owner.ID) {
		t.anomaly(AnomalyOrphan, ev.Subject, "reparent would create a cycle, kept at root")
		return
	}
	t.detach(m.Parent, ev.Subject)
	t.attach(owner.ID, ev.Subject)
	m = t.mutate(ev.Subject)
	m.Parent = owner.ID

	if owner.Task.Terminal() && !m.Nursery.Terminal() {
		t.anomaly(AnomalyRepair, ev.Subject, "reconciled under finished task, nursery closed")
		t.forceCloseNursery(ev.Subject)
	}
}

func (t *Tree) applyNurseryClosing(ev domain.Event) {
	v, ok := t.working[ev.Subject]
	if !ok {
		t.synthesizeNursery(ev)
		return
	}

	switch v.Nursery {
	case domain.NurseryClosed:
		t.anomaly(AnomalyStale, ev.Subject, "nursery_closing for closed nursery")
	case domain.NurseryClosing:
		t.anomaly(AnomalyStale, ev.Subject, "nursery_closing while already closing")
	default:
		m := t.mutate(ev.Subject)
		m.Nursery = domain.NurseryClosing
		m.Pending = t.hasLiveChild(ev.Subject)
	}
}

func (t *Tree) applyNurseryClosed(ev domain.Event) {
	v, ok := t.working[ev.Subject]
	if !ok {
		t.synthesizeNursery(ev)
		return
	}

	if v.Nursery == domain.NurseryClosed {
		t.anomaly(AnomalyStale, ev.Subject, "nursery_closed for closed nursery")
		return
	}

	var live []domain.NodeID
	for _, c := range v.Children {
		if cv, ok := t.working[c]; ok && cv.Kind == domain.NodeTask && !cv.Task.Terminal() {
			live = append(live, c)
		}
	}
	if len(live) > 0 {
		t.anomaly(AnomalyRepair, ev.Subject,
			fmt.Sprintf("closed with %d live children, cancelling them", len(live)))
		for _, c := range live {
			t.forceCancelTask(c)
		}
	}
	m := t.mutate(ev.Subject)
	m.Nursery = domain.NurseryClosed
	m.Pending = false
}

// synthesizeNursery materializes a nursery first seen through a closing or
// closed event. It has no known children, so any state satisfies the
// invariants.
func (t *Tree) synthesizeNursery(ev domain.Event) {
	owner := domain.RootID
	if ev.Parent != "" {
		owner = t.ensureTask(ev.Parent).ID
	}
	t.res.Synthesized++
	t.log.Debug("synthesized nursery", "id", string(ev.Subject), "from", string(ev.Kind))
	t.create(&NodeView{
		ID:          ev.Subject,
		Kind:        domain.NodeNursery,
		Name:        "nursery-" + string(ev.Subject),
		Placeholder: true,
		Parent:      owner,
		Nursery:     domain.OpenState(ev.Kind),
	})
	t.attach(owner, ev.Subject)
}

// ensureNursery returns the nursery, synthesizing a placeholder under the
// synthetic root when the id has never been seen
func (t *Tree) ensureNursery(id domain.NodeID) *NodeView {
	if v, ok := t.working[id]; ok {
		return v
	}
	t.res.Synthesized++
	t.log.Debug("synthesized nursery", "id", string(id), "from", "parent reference")
	v := t.create(&NodeView{
		ID:          id,
		Kind:        domain.NodeNursery,
		Name:        "nursery-" + string(id),
		Placeholder: true,
		Parent:      domain.RootID,
		Nursery:     domain.NurseryOpen,
	})
	t.attach(domain.RootID, id)
	return v
}

// ensureTask returns the task, synthesizing a placeholder under the
// synthetic root when the id has never been seen
func (t *Tree) ensureTask(id domain.NodeID) *NodeView {
	if v, ok := t.working[id]; ok {
		return v
	}
	t.res.Synthesized++
	t.log.Debug("synthesized task", "id", string(id), "from", "parent reference")
	v := t.create(&NodeView{
		ID:          id,
		Kind:        domain.NodeTask,
		Name:        "task-" + string(id),
		Placeholder: true,
		Parent:      domain.RootID,
		Task:        domain.TaskSpawned,
	})
	t.attach(domain.RootID, id)
	return v
}

func (t *Tree) hasLiveChild(id domain.NodeID) bool {
	v := t.working[id]
	for _, c := range v.Children {
		if cv, ok := t.working[c]; ok && cv.Kind == domain.NodeTask && !cv.Task.Terminal() {
			return true
		}
	}
	return false
}

// isAncestor reports whether anc is on id's parent chain
func (t *Tree) isAncestor(anc, id domain.NodeID) bool {
	for cur := id; cur != ""; {
		v, ok := t.working[cur]
		if !ok {
			return false
		}
		if v.Parent == anc {
			return true
		}
		cur = v.Parent
	}
	return false
}

func appendID(list []domain.NodeID, id domain.NodeID) []domain.NodeID {
	out := make([]domain.NodeID, 0, len(list)+1)
	out = append(out, list...)
	return append(out, id)
}

func removeID(list []domain.NodeID, id domain.NodeID) []domain.NodeID {
	out := make([]domain.NodeID, 0, len(list))
	for _, x := range list {
		if x != id {
			out = append(out, x)
		}
	}
	return out
}
