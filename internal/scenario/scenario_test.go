package scenario

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/scopevis/scopevis/internal/track"
)

const sampleYAML = `name: two workers
steps:
  - {event: task_spawned, id: t0, name: main}
  - {event: nursery_opened, id: n1, parent: t0, name: main scope, after: 200ms}
  - {event: task_spawned, id: t1, parent: n1, name: worker 1}
  - {event: task_spawned, id: t2, parent: n1, name: worker 2, after: 50ms}
  - {event: end, after: 1s}
`

func TestParse(t *testing.T) {
	sc, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}

	if sc.Name != "two workers" {
		t.Errorf("name = %q, want %q", sc.Name, "two workers")
	}
	if len(sc.Steps) != 5 {
		t.Fatalf("steps = %d, want 5", len(sc.Steps))
	}

	n1 := sc.Steps[1]
	if n1.Event != "nursery_opened" || n1.ID != "n1" || n1.Parent != "t0" {
		t.Errorf("step 2 = %+v", n1)
	}
	if n1.Name != "main scope" {
		t.Errorf("step 2 name = %q, want %q", n1.Name, "main scope")
	}
	if n1.After != 200*time.Millisecond {
		t.Errorf("step 2 delay = %s, want 200ms", n1.After)
	}
	if last := sc.Steps[4]; last.Event != StepEnd {
		t.Errorf("last step = %+v, want end", last)
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"not yaml", "steps: ["},
		{"no steps", "name: empty\n"},
		{"missing event", "steps:\n  - {id: t0}\n"},
		{"missing id", "steps:\n  - {event: task_spawned}\n"},
		{"bad delay", "steps:\n  - {event: task_spawned, id: t0, after: soon}\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.yaml)); err == nil {
				t.Errorf("Parse() accepted %q", tt.yaml)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "demo.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	sc, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(sc.Steps) != 5 {
		t.Errorf("steps = %d, want 5", len(sc.Steps))
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load() should fail for a missing file")
	}
}

func TestEvents(t *testing.T) {
	sc, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatal(err)
	}

	events := sc.Events()
	if len(events) != 4 {
		t.Fatalf("events = %d, want 4 (end step produces none)", len(events))
	}

	for i, e := range events {
		if e.TS == 0 {
			t.Errorf("event %d has no timestamp", i)
		}
		if i > 0 && e.TS < events[i-1].TS {
			t.Errorf("timestamps not monotonic at %d: %d after %d", i, e.TS, events[i-1].TS)
		}
	}
	if gap := events[1].TS - events[0].TS; gap != 200_000 {
		t.Errorf("gap before n1 = %dµs, want 200000", gap)
	}
	if events[2].Kind != "task_spawned" || events[2].Parent != "n1" {
		t.Errorf("event 3 = %+v", events[2])
	}
}

func TestBuiltin(t *testing.T) {
	sc := Builtin()
	for i, step := range sc.Steps {
		if err := validateStep(step); err != nil {
			t.Errorf("builtin step %d invalid: %v", i+1, err)
		}
	}
	if last := sc.Steps[len(sc.Steps)-1]; last.Event != StepEnd {
		t.Errorf("builtin must end with an end step, got %+v", last)
	}
}

// The builtin demo must play through the whole pipeline without a single
// rejection or repair.
func TestBuiltin_PlaysClean(t *testing.T) {
	tk, err := track.New(track.Options{})
	if err != nil {
		t.Fatal(err)
	}

	if err := tk.Run(context.Background(), Builtin().Play(0)); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	st := tk.Stats()
	if st.Malformed != 0 || st.Duplicates != 0 || st.Dropped != 0 {
		t.Errorf("rejections = %d/%d/%d, want none", st.Malformed, st.Duplicates, st.Dropped)
	}
	if st.Repairs != 0 || st.Anomalies != 0 {
		t.Errorf("anomalies = %d (%d repairs), want none", st.Anomalies, st.Repairs)
	}
	if !st.Finalized {
		t.Error("demo should end its stream cleanly")
	}
	if st.OpenNurseries != 0 || st.LiveTasks != 0 {
		t.Errorf("leftovers: %d open nurseries, %d live tasks", st.OpenNurseries, st.LiveTasks)
	}
}
