package track

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/scopevis/scopevis/internal/domain"
	"github.com/scopevis/scopevis/internal/feed"
	"github.com/scopevis/scopevis/internal/metrics"
	"github.com/scopevis/scopevis/internal/tree"
)

func raw(kind, id, parent string) domain.RawEvent {
	return domain.RawEvent{Kind: kind, ID: id, Parent: parent}
}

// cleanRun is a short run that spawns two workers under one nursery and
// shuts everything down in order
func cleanRun() []domain.RawEvent {
	return []domain.RawEvent{
		raw("task_spawned", "t0", ""),
		raw("nursery_opened", "n1", "t0"),
		raw("task_spawned", "t2", "n1"),
		raw("task_spawned", "t3", "n1"),
		raw("task_exited", "t2", ""),
		raw("task_exited", "t3", ""),
		raw("nursery_closing", "n1", ""),
		raw("nursery_closed", "n1", ""),
		raw("task_exited", "t0", ""),
	}
}

func newTracker(t *testing.T, opts Options) *Tracker {
	t.Helper()
	tk, err := New(opts)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return tk
}

func TestNew_BadHistorySize(t *testing.T) {
	if _, err := New(Options{HistorySize: -1}); err == nil {
		t.Error("New() with negative history size should fail")
	}
}

func TestTracker_Run(t *testing.T) {
	tk := newTracker(t, Options{
		Metrics: metrics.New(prometheus.NewRegistry()),
	})

	if err := tk.Run(context.Background(), feed.Replay(cleanRun(), 0)); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	st := tk.Stats()
	if st.Applied != 9 {
		t.Errorf("Applied = %d, want 9", st.Applied)
	}
	if st.Malformed != 0 || st.Duplicates != 0 || st.Dropped != 0 {
		t.Errorf("rejections = %d/%d/%d, want none", st.Malformed, st.Duplicates, st.Dropped)
	}
	if st.Version != 9 {
		t.Errorf("Version = %d, want 9", st.Version)
	}
	if !st.Finalized {
		t.Error("clean source close should finalize the stream")
	}
	if st.Nodes != 5 {
		t.Errorf("Nodes = %d, want 5", st.Nodes)
	}
	if st.TotalTasks != 3 || st.LiveTasks != 0 {
		t.Errorf("tasks = %d total %d live, want 3 total 0 live", st.TotalTasks, st.LiveTasks)
	}
	if st.OpenNurseries != 0 {
		t.Errorf("OpenNurseries = %d, want 0", st.OpenNurseries)
	}

	snap := tk.Current()
	if snap.Version != 9 {
		t.Errorf("Current().Version = %d, want 9", snap.Version)
	}
}

type stuckSource struct {
	ch chan domain.RawEvent
}

func (s *stuckSource) Events() <-chan domain.RawEvent { return s.ch }
func (s *stuckSource) Err() error                     { return nil }
func (s *stuckSource) Close() error                   { return nil }

func TestTracker_Run_ContextCancel(t *testing.T) {
	tk := newTracker(t, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := tk.Run(ctx, &stuckSource{ch: make(chan domain.RawEvent)})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
	if tk.Stats().Finalized {
		t.Error("cancelled run must not finalize the stream")
	}
}

func TestTracker_RejectionsCounted(t *testing.T) {
	tk := newTracker(t, Options{})

	for _, r := range []domain.RawEvent{
		raw("task_spawned", "a", ""),
		{}, // placeholder for a line that failed to decode
		raw("nursery_opened", "n", "a"),
		raw("task_spawned", "b", "n"),
		raw("task_spawned", "b", "n"),
		raw("bogus_kind", "c", ""),
	} {
		tk.Ingest(r)
	}

	st := tk.Stats()
	if st.Applied != 3 {
		t.Errorf("Applied = %d, want 3", st.Applied)
	}
	if st.Malformed != 2 {
		t.Errorf("Malformed = %d, want 2", st.Malformed)
	}
	if st.Duplicates != 1 {
		t.Errorf("Duplicates = %d, want 1", st.Duplicates)
	}
	if st.Version != 3 {
		t.Errorf("Version = %d, want 3 (rejected events must not burn versions)", st.Version)
	}

	recent := tk.Recent(0)
	if len(recent) != 6 {
		t.Fatalf("Recent() returned %d entries, want 6", len(recent))
	}
	if recent[1].Applied || recent[1].Note == "" {
		t.Errorf("undecodable entry = %+v, want rejected with note", recent[1])
	}
	if !strings.Contains(recent[4].Note, "duplicate") {
		t.Errorf("duplicate entry note = %q, want duplicate reason", recent[4].Note)
	}
	if !recent[3].Applied || recent[3].Seq == 0 {
		t.Errorf("applied entry = %+v, want applied with seq", recent[3])
	}
}

func TestTracker_ModelDrops(t *testing.T) {
	tk := newTracker(t, Options{})

	tk.Ingest(raw("task_spawned", "a", ""))
	tk.Ingest(raw("task_exited", "a", ""))
	tk.Ingest(raw("task_scheduled", "a", ""))

	st := tk.Stats()
	if st.Applied != 2 {
		t.Errorf("Applied = %d, want 2", st.Applied)
	}
	if st.Dropped != 1 {
		t.Errorf("Dropped = %d, want 1", st.Dropped)
	}
	if st.Version != 2 {
		t.Errorf("Version = %d, want 2", st.Version)
	}

	anoms := tk.Anomalies()
	if len(anoms) != 1 {
		t.Fatalf("Anomalies() returned %d entries, want 1", len(anoms))
	}
	if anoms[0].Kind != tree.AnomalyStale {
		t.Errorf("anomaly kind = %s, want %s", anoms[0].Kind, tree.AnomalyStale)
	}
}

func TestTracker_RepairCounted(t *testing.T) {
	tk := newTracker(t, Options{})

	for _, r := range []domain.RawEvent{
		raw("task_spawned", "t0", ""),
		raw("nursery_opened", "n1", "t0"),
		raw("task_spawned", "t2", "n1"),
		raw("task_scheduled", "t2", ""),
		raw("nursery_closing", "n1", ""),
		raw("nursery_closed", "n1", ""),
	} {
		tk.Ingest(r)
	}

	st := tk.Stats()
	if st.Repairs != 1 {
		t.Errorf("Repairs = %d, want 1", st.Repairs)
	}
	if st.Applied != 6 {
		t.Errorf("Applied = %d, want 6", st.Applied)
	}

	anoms := tk.Anomalies()
	if len(anoms) != 1 || anoms[0].Kind != tree.AnomalyRepair {
		t.Fatalf("Anomalies() = %+v, want one repair", anoms)
	}
	if v, _ := tk.Current().Get("t2"); v.Task != domain.TaskCancelled {
		t.Errorf("t2 state = %s, want cancelled by the repair", v.Task)
	}
}

func TestTracker_Placeholders(t *testing.T) {
	tk := newTracker(t, Options{})

	tk.Ingest(raw("task_scheduled", "x", ""))

	st := tk.Stats()
	if st.Placeholders != 1 {
		t.Errorf("Placeholders = %d, want 1", st.Placeholders)
	}
	v, ok := tk.Current().Get("x")
	if !ok || !v.Placeholder {
		t.Errorf("x = %+v, want synthesized placeholder", v)
	}
}

func TestTracker_Since(t *testing.T) {
	tk := newTracker(t, Options{HistorySize: 4})
	for _, r := range cleanRun() {
		tk.Ingest(r)
	}

	// caller already current
	delta, resync := tk.Since(9)
	if resync != nil || !delta.Empty() {
		t.Errorf("Since(current) = %+v resync %v, want empty delta", delta, resync)
	}

	// inside the retained window: a squashed delta catches the mirror up
	snap7, ok := tk.At(7)
	if !ok {
		t.Fatal("version 7 should still be retained")
	}
	mirror := make(map[domain.NodeID]*tree.NodeView)
	snap7.Walk(func(v *tree.NodeView, _ int) { mirror[v.ID] = v })

	delta, resync = tk.Since(7)
	if resync != nil {
		t.Fatal("Since(7) should use the history window")
	}
	if delta.From != 7 || delta.To != 9 {
		t.Errorf("delta spans %d..%d, want 7..9", delta.From, delta.To)
	}
	delta.ApplyTo(mirror)

	cur := tk.Current()
	if len(mirror) != cur.Len() {
		t.Errorf("mirror has %d nodes, want %d", len(mirror), cur.Len())
	}
	cur.Walk(func(v *tree.NodeView, _ int) {
		m, ok := mirror[v.ID]
		if !ok {
			t.Errorf("mirror missing node %s", v.ID)
			return
		}
		if m.State() != v.State() {
			t.Errorf("mirror %s state = %s, want %s", v.ID, m.State(), v.State())
		}
	})

	// fell out of the window: full snapshot instead
	delta, resync = tk.Since(2)
	if resync == nil {
		t.Fatal("Since(2) should demand a resync")
	}
	if resync.Version != 9 {
		t.Errorf("resync snapshot version = %d, want 9", resync.Version)
	}
	if !delta.Empty() {
		t.Errorf("resync delta = %+v, want empty", delta)
	}
}

func TestTracker_Window(t *testing.T) {
	tk := newTracker(t, Options{HistorySize: 4})

	if lo, hi := tk.Window(); lo != 0 || hi != 0 {
		t.Errorf("empty Window() = %d..%d, want 0..0", lo, hi)
	}

	for _, r := range cleanRun() {
		tk.Ingest(r)
	}

	lo, hi := tk.Window()
	if lo != 6 || hi != 9 {
		t.Errorf("Window() = %d..%d, want 6..9", lo, hi)
	}
	if _, ok := tk.At(5); ok {
		t.Error("At(5) should have been evicted from history")
	}
}

func TestTracker_Finalize(t *testing.T) {
	tk := newTracker(t, Options{})

	tk.Ingest(raw("task_spawned", "t0", ""))
	tk.Ingest(raw("nursery_opened", "n1", "t0"))
	tk.Ingest(raw("task_spawned", "t2", "n1"))

	tk.Finalize()

	snap := tk.Current()
	if snap.Version != 4 {
		t.Errorf("Version = %d, want 4 (one settling batch)", snap.Version)
	}
	snap.Walk(func(v *tree.NodeView, _ int) {
		if v.ID != snap.Root && !v.Terminal() {
			t.Errorf("node %s still %s after finalize", v.ID, v.State())
		}
	})

	tk.Finalize()
	if got := tk.Current().Version; got != 4 {
		t.Errorf("second Finalize moved version to %d", got)
	}

	applied := tk.Stats().Applied
	tk.Ingest(raw("task_spawned", "late", ""))
	if got := tk.Stats().Applied; got != applied {
		t.Errorf("Applied = %d after post-finalize ingest, want %d", got, applied)
	}
}

func TestTracker_Subscribe(t *testing.T) {
	tk := newTracker(t, Options{})
	ch := tk.Subscribe()
	other := tk.Subscribe()

	select {
	case <-ch:
		t.Fatal("fresh subscription should have no pending signal")
	default:
	}

	tk.Ingest(raw("task_spawned", "a", ""))
	tk.Ingest(raw("nursery_opened", "n", "a"))
	tk.Ingest(raw("task_spawned", "b", "n"))

	select {
	case <-ch:
	default:
		t.Fatal("change signal missing after ingest")
	}
	select {
	case <-ch:
		t.Error("signals should coalesce into one")
	default:
	}

	// each subscriber gets its own signal
	select {
	case <-other:
	default:
		t.Error("second subscriber missed the change signal")
	}
}

type captureRecorder struct {
	raws []domain.RawEvent
	err  error
}

func (c *captureRecorder) Record(r domain.RawEvent) error {
	c.raws = append(c.raws, r)
	return c.err
}

func TestTracker_RecorderTee(t *testing.T) {
	rec := &captureRecorder{}
	tk := newTracker(t, Options{Recorder: rec})

	in := []domain.RawEvent{
		raw("task_spawned", "a", ""),
		{}, // rejected later, but still recorded
	}
	for _, r := range in {
		tk.Ingest(r)
	}

	if len(rec.raws) != 2 {
		t.Fatalf("recorder saw %d events, want 2", len(rec.raws))
	}
	for i, r := range rec.raws {
		if r != in[i] {
			t.Errorf("recorded[%d] = %+v, want %+v", i, r, in[i])
		}
	}
}

func TestTracker_RecorderErrorDoesNotStall(t *testing.T) {
	rec := &captureRecorder{err: errors.New("disk full")}
	tk := newTracker(t, Options{Recorder: rec})

	tk.Ingest(raw("task_spawned", "a", ""))

	if got := tk.Stats().Applied; got != 1 {
		t.Errorf("Applied = %d, want 1 despite recorder failure", got)
	}
}

func TestTracker_RecentBounded(t *testing.T) {
	tk := newTracker(t, Options{RecentSize: 3})

	tk.Ingest(raw("task_spawned", "t0", ""))
	tk.Ingest(raw("nursery_opened", "n1", "t0"))
	tk.Ingest(raw("task_spawned", "t2", "n1"))
	tk.Ingest(raw("task_exited", "t2", ""))

	recent := tk.Recent(0)
	if len(recent) != 3 {
		t.Fatalf("Recent() returned %d entries, want 3", len(recent))
	}
	if recent[0].Subject != "n1" {
		t.Errorf("oldest retained entry subject = %s, want n1", recent[0].Subject)
	}

	if got := tk.Recent(2); len(got) != 2 || got[1].Subject != "t2" {
		t.Errorf("Recent(2) = %+v, want last two entries", got)
	}
}
