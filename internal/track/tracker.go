// Package track runs the event pipeline: normalize, apply to the tree,
// diff, retain history, and notify consumers. One tracker owns one
// observed run.
package track

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/scopevis/scopevis/internal/domain"
	"github.com/scopevis/scopevis/internal/feed"
	"github.com/scopevis/scopevis/internal/history"
	"github.com/scopevis/scopevis/internal/ingest"
	"github.com/scopevis/scopevis/internal/logging"
	"github.com/scopevis/scopevis/internal/metrics"
	"github.com/scopevis/scopevis/internal/tree"
)

// Recorder tees raw events to persistent storage as they arrive
type Recorder interface {
	Record(raw domain.RawEvent) error
}

// Stats summarizes what the pipeline has seen so far
type Stats struct {
	// Applied counts events that changed the tree
	Applied uint64
	// Malformed and Duplicates are rejected before reaching the tree
	Malformed  uint64
	Duplicates uint64
	// Dropped counts events the tree refused: stale transitions and
	// reused ids
	Dropped uint64

	Repairs      uint64
	Placeholders uint64
	Anomalies    uint64

	Version       uint64
	Nodes         int
	TotalTasks    int
	LiveTasks     int
	OpenNurseries int

	Finalized bool
}

// RecentEvent is one pipeline outcome for the event log view
type RecentEvent struct {
	Seq     uint64
	Time    time.Time
	Kind    string
	Subject string
	Applied bool
	// Note carries the rejection reason or first anomaly message
	Note string
}

// Options configures a tracker
type Options struct {
	// HistorySize bounds the snapshot ring, default 512
	HistorySize int
	// MaxNodes bounds the tree, 0 for unbounded
	MaxNodes int
	// RecentSize bounds the event log buffer, default 256
	RecentSize int

	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Recorder Recorder
}

const (
	defaultHistorySize = 512
	defaultRecentSize  = 256
	maxAnomalies       = 512
)

// Tracker drives events through the model and fans the results out
type Tracker struct {
	log      *slog.Logger
	met      *metrics.Metrics
	recorder Recorder

	mu        sync.RWMutex
	norm      *ingest.Normalizer
	tree      *tree.Tree
	ring      *history.Ring
	last      *tree.Snapshot
	stats     Stats
	recent    []RecentEvent
	recentMax int
	anomalies []tree.Anomaly
	finalized bool

	subs []chan struct{}
}

// New creates a tracker with an empty tree
func New(opts Options) (*Tracker, error) {
	if opts.HistorySize == 0 {
		opts.HistorySize = defaultHistorySize
	}
	if opts.RecentSize == 0 {
		opts.RecentSize = defaultRecentSize
	}
	log := opts.Logger
	if log == nil {
		log = logging.NewNop()
	}

	ring, err := history.NewRing(opts.HistorySize)
	if err != nil {
		return nil, err
	}

	tr := tree.New(tree.Options{MaxNodes: opts.MaxNodes, Logger: log})
	return &Tracker{
		log:       log,
		met:       opts.Metrics,
		recorder:  opts.Recorder,
		norm:      ingest.NewNormalizer(),
		tree:      tr,
		ring:      ring,
		last:      tr.Current(),
		recentMax: opts.RecentSize,
	}, nil
}

// Run consumes a source until it ends or the context is cancelled. A
// closed source with no error is a clean end and finalizes the tree.
func (t *Tracker) Run(ctx context.Context, src feed.Source) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-src.Events():
			if !ok {
				if err := src.Err(); err != nil {
					return fmt.Errorf("event stream: %w", err)
				}
				t.Finalize()
				return nil
			}
			t.Ingest(raw)
		}
	}
}

// Ingest pushes one raw event through the pipeline
func (t *Tracker) Ingest(raw domain.RawEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.finalized {
		return
	}

	if t.recorder != nil {
		if err := t.recorder.Record(raw); err != nil {
			t.log.Warn("recording event failed", "err", err)
		}
	}

	ev, err := t.norm.Normalize(raw)
	if err != nil {
		t.reject(raw, err)
		t.notify()
		return
	}

	prev := t.tree.Current()
	snap, res := t.tree.Apply(ev)
	t.account(ev, res)

	if res.Applied {
		delta := tree.Diff(prev, snap)
		t.ring.Push(history.Entry{Snapshot: snap, Delta: delta})
		t.last = snap
		t.refreshGauges(snap)
	}
	t.notify()
}

// reject books an event that never reached the tree
func (t *Tracker) reject(raw domain.RawEvent, err error) {
	switch {
	case errors.Is(err, ingest.ErrDuplicate):
		t.stats.Duplicates++
		if t.met != nil {
			t.met.DroppedTotal.WithLabelValues(metrics.ReasonDuplicate).Inc()
		}
	default:
		t.stats.Malformed++
		if t.met != nil {
			t.met.DroppedTotal.WithLabelValues(metrics.ReasonMalformed).Inc()
		}
	}
	t.log.Debug("event rejected", "kind", raw.Kind, "id", raw.ID, "err", err)
	t.pushRecent(RecentEvent{
		Time:    time.Now(),
		Kind:    raw.Kind,
		Subject: raw.ID,
		Note:    err.Error(),
	})
}

// account books the outcome of one tree apply
func (t *Tracker) account(ev domain.Event, res tree.ApplyResult) {
	if res.Applied {
		t.stats.Applied++
		if t.met != nil {
			t.met.EventsTotal.WithLabelValues(string(ev.Kind)).Inc()
		}
	} else {
		t.stats.Dropped++
		if t.met != nil {
			reason := metrics.ReasonStale
			if len(res.Anomalies) > 0 && res.Anomalies[0].Kind == tree.AnomalyReuse {
				reason = metrics.ReasonReuse
			}
			t.met.DroppedTotal.WithLabelValues(reason).Inc()
		}
	}

	if res.Synthesized > 0 {
		t.stats.Placeholders += uint64(res.Synthesized)
		if t.met != nil {
			t.met.Placeholders.Add(float64(res.Synthesized))
		}
	}

	var note string
	for _, a := range res.Anomalies {
		t.pushAnomaly(a)
		if note == "" {
			note = a.Msg
		}
		if a.Kind == tree.AnomalyRepair {
			t.stats.Repairs++
			if t.met != nil {
				t.met.Repairs.Inc()
			}
		}
	}

	t.pushRecent(RecentEvent{
		Seq:     ev.Seq,
		Time:    ev.Time,
		Kind:    string(ev.Kind),
		Subject: string(ev.Subject),
		Applied: res.Applied,
		Note:    note,
	})
}

// Finalize marks the stream over and settles every live node. Idempotent.
func (t *Tracker) Finalize() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.finalized {
		return
	}
	t.finalized = true
	t.stats.Finalized = true

	prev := t.tree.Current()
	snap := t.tree.Finalize()
	if snap != prev {
		delta := tree.Diff(prev, snap)
		t.ring.Push(history.Entry{Snapshot: snap, Delta: delta})
		t.last = snap
		t.refreshGauges(snap)
	}
	t.notify()
}

func (t *Tracker) refreshGauges(snap *tree.Snapshot) {
	t.stats.Version = snap.Version
	t.stats.Nodes = snap.Len()
	t.stats.TotalTasks, t.stats.LiveTasks = snap.Tasks()
	t.stats.OpenNurseries = snap.OpenNurseries()

	if t.met != nil {
		t.met.SnapshotVersion.Set(float64(snap.Version))
		t.met.LiveNodes.Set(float64(snap.Len()))
		t.met.OpenNurseries.Set(float64(t.stats.OpenNurseries))
	}
}

func (t *Tracker) pushRecent(ev RecentEvent) {
	t.recent = append(t.recent, ev)
	if len(t.recent) > t.recentMax {
		t.recent = t.recent[1:]
	}
}

func (t *Tracker) pushAnomaly(a tree.Anomaly) {
	t.stats.Anomalies++
	t.anomalies = append(t.anomalies, a)
	if len(t.anomalies) > maxAnomalies {
		t.anomalies = t.anomalies[1:]
	}
}

// notify pokes every subscriber without blocking; a full channel already
// carries the signal
func (t *Tracker) notify() {
	for _, ch := range t.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Subscribe registers a coalesced change signal channel. Receive, render,
// repeat; a signal may cover any number of events. Subscriptions last for
// the tracker's lifetime.
func (t *Tracker) Subscribe() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()

	ch := make(chan struct{}, 1)
	t.subs = append(t.subs, ch)
	return ch
}

// Current returns the latest snapshot
func (t *Tracker) Current() *tree.Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.tree.Current()
}

// Since returns the squashed delta that brings a consumer at version up to
// date. When the version fell out of the history window the second return
// carries the full snapshot to resync from instead.
func (t *Tracker) Since(version uint64) (tree.Delta, *tree.Snapshot) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	cur := t.tree.Current()
	if version == cur.Version {
		return tree.Delta{From: version, To: version}, nil
	}
	deltas, ok := t.ring.Since(version)
	if !ok {
		return tree.Delta{}, cur
	}
	return tree.Squash(deltas), nil
}

// At returns a retained historical snapshot by version
func (t *Tracker) At(version uint64) (*tree.Snapshot, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	entry, ok := t.ring.At(version)
	if !ok {
		return nil, false
	}
	return entry.Snapshot, true
}

// Window returns the range of versions history still retains
func (t *Tracker) Window() (lo, hi uint64) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	oldest, ok := t.ring.Oldest()
	if !ok {
		return 0, 0
	}
	latest, _ := t.ring.Latest()
	return oldest.Snapshot.Version, latest.Snapshot.Version
}

// Stats returns a copy of the pipeline counters
func (t *Tracker) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stats
}

// Recent returns up to n most recent event outcomes, oldest first
func (t *Tracker) Recent(n int) []RecentEvent {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if n <= 0 || n > len(t.recent) {
		n = len(t.recent)
	}
	out := make([]RecentEvent, n)
	copy(out, t.recent[len(t.recent)-n:])
	return out
}

// Anomalies returns the retained anomaly log, oldest first
func (t *Tracker) Anomalies() []tree.Anomaly {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]tree.Anomaly, len(t.anomalies))
	copy(out, t.anomalies)
	return out
}
